package session

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// LookupAddrFunc matches net.Resolver.LookupAddr.
type LookupAddrFunc func(ctx context.Context, addr string) ([]string, error)

// HostnameCache resolves client IPs to hostnames with a TTL cache. Lookup
// failures are cached as the raw IP so a dead resolver is not hammered.
type HostnameCache struct {
	lookup  LookupAddrFunc
	timeout time.Duration
	cache   *expirable.LRU[string, string]
	group   singleflight.Group
}

// NewHostnameCache uses lookup (net.DefaultResolver.LookupAddr when nil).
func NewHostnameCache(lookup LookupAddrFunc, ttl time.Duration) *HostnameCache {
	if lookup == nil {
		lookup = net.DefaultResolver.LookupAddr
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &HostnameCache{
		lookup:  lookup,
		timeout: 2 * time.Second,
		cache:   expirable.NewLRU[string, string](512, nil, ttl),
	}
}

// Lookup returns the hostname for ip, or ip itself when none is known.
func (h *HostnameCache) Lookup(ctx context.Context, ip string) string {
	if ip == "" {
		return ""
	}
	if v, ok := h.cache.Get(ip); ok {
		return v
	}
	v, _, _ := h.group.Do(ip, func() (any, error) {
		lctx, cancel := context.WithTimeout(ctx, h.timeout)
		defer cancel()
		name := ip
		if names, err := h.lookup(lctx, ip); err == nil && len(names) > 0 {
			name = strings.TrimSuffix(names[0], ".")
		}
		h.cache.Add(ip, name)
		return name, nil
	})
	return v.(string)
}
