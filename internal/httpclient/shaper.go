package httpclient

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// HostShaper serializes requests to connection-limited upstream hosts and
// enforces a minimum delay between consecutive requests to the same host.
// Hosts that are not marked limited pass through untouched.
//
// Usage:
//
//	release, err := shaper.Acquire(ctx, rawURL, isPlex)
//	if err != nil { return err }
//	defer release()
type HostShaper struct {
	delay     time.Duration // non-Plex clients
	delayPlex time.Duration

	mu      sync.Mutex
	limited map[string]bool // host or ".suffix"
	hosts   map[string]*hostToken
}

type hostToken struct {
	slot    chan struct{}
	limiter *rate.Limiter
}

// NewHostShaper returns a shaper using delay for general clients and
// delayPlex for Plex clients.
func NewHostShaper(delay, delayPlex time.Duration) *HostShaper {
	return &HostShaper{
		delay:     delay,
		delayPlex: delayPlex,
		limited:   make(map[string]bool),
		hosts:     make(map[string]*hostToken),
	}
}

// MarkLimited registers host (exact, or ".example.com" for a suffix match) as
// connection-limited.
func (s *HostShaper) MarkLimited(host string) {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return
	}
	s.mu.Lock()
	s.limited[host] = true
	s.mu.Unlock()
}

// IsLimited reports whether rawURL's host is shaped.
func (s *HostShaper) IsLimited(rawURL string) bool {
	host := hostOf(rawURL)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isLimitedLocked(host)
}

func (s *HostShaper) isLimitedLocked(host string) bool {
	if host == "" {
		return false
	}
	if s.limited[host] {
		return true
	}
	for pat := range s.limited {
		if strings.HasPrefix(pat, ".") && strings.HasSuffix(host, pat) {
			return true
		}
	}
	return false
}

// Acquire blocks until the caller may issue a request to rawURL. The returned
// release must be called once the response headers (or error) are in hand.
func (s *HostShaper) Acquire(ctx context.Context, rawURL string, plex bool) (func(), error) {
	host := hostOf(rawURL)
	s.mu.Lock()
	if !s.isLimitedLocked(host) {
		s.mu.Unlock()
		return func() {}, nil
	}
	tok, ok := s.hosts[host]
	if !ok {
		tok = &hostToken{
			slot:    make(chan struct{}, 1),
			limiter: rate.NewLimiter(rate.Every(s.delay), 1),
		}
		s.hosts[host] = tok
	}
	s.mu.Unlock()

	select {
	case tok.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	d := s.delay
	if plex {
		d = s.delayPlex
	}
	// The slot is held, so adjusting the shared limiter cannot race another waiter.
	tok.limiter.SetLimit(rate.Every(d))
	if err := tok.limiter.Wait(ctx); err != nil {
		<-tok.slot
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(func() { <-tok.slot }) }, nil
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return strings.ToLower(rawURL)
	}
	return strings.ToLower(u.Hostname())
}
