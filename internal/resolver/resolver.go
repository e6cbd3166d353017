// Package resolver pre-validates HLS upstreams: it picks a working variant
// from master playlists, samples media segments for accessibility, caches the
// outcome, and proxies individual segments with a dummy-segment fallback.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/snapetech/plexbridge/internal/config"
	"github.com/snapetech/plexbridge/internal/httpclient"
	"github.com/snapetech/plexbridge/internal/safeurl"
	"github.com/snapetech/plexbridge/internal/store"
)

const (
	maxPlaylistBytes = 4 << 20
	maxDepth         = 3
)

var (
	// ErrUnhealthy marks a media playlist whose sampled segments are mostly unreachable.
	ErrUnhealthy = errors.New("resolver: stream unhealthy")
	// ErrNoVariant is returned when no variant of a master playlist passes its probe.
	ErrNoVariant = errors.New("resolver: no reachable variant")
)

// Result is a resolved upstream.
type Result struct {
	StreamID       string
	URL            string // what the worker should open
	Kind           Kind
	Base           string // effective media playlist URL after redirects
	Variant        *Variant
	TargetDuration time.Duration
	Segments       []string // absolute
	Sampled        int
	Accessible     int
	ResolvedAt     time.Time
}

// Accessibility is the fraction of sampled segments that answered HEAD.
func (r Result) Accessibility() float64 {
	if r.Sampled == 0 {
		return 1
	}
	return float64(r.Accessible) / float64(r.Sampled)
}

// Observer receives resolver outcomes (metrics).
type Observer interface {
	Resolved(kind Kind, cached bool, err error, d time.Duration)
}

// Options configures a Resolver.
type Options struct {
	Client   *http.Client
	Shaper   *httpclient.HostShaper
	Tuning   config.Tuning
	Observer Observer
}

// Resolver resolves and caches HLS upstreams.
type Resolver struct {
	client   *http.Client
	shaper   *httpclient.HostShaper
	tuning   config.Tuning
	observer Observer
	policy   httpclient.RetryPolicy

	cache *expirable.LRU[string, Result]
	group singleflight.Group
}

// New returns a Resolver.
func New(o Options) *Resolver {
	if o.Client == nil {
		o.Client = httpclient.Default()
	}
	if o.Shaper == nil {
		o.Shaper = httpclient.NewHostShaper(o.Tuning.LimitedHostDelay, o.Tuning.LimitedHostDelayPlex)
	}
	ttl := o.Tuning.ResolverCacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	policy := httpclient.DefaultRetryPolicy
	if o.Tuning.ResolverRetries > 0 {
		policy.Attempts = o.Tuning.ResolverRetries
	}
	if o.Tuning.ResolverBaseTimeout > 0 {
		policy.BaseTimeout = o.Tuning.ResolverBaseTimeout
	}
	return &Resolver{
		client:   o.Client,
		shaper:   o.Shaper,
		tuning:   o.Tuning,
		observer: o.Observer,
		policy:   policy,
		cache:    expirable.NewLRU[string, Result](1024, nil, ttl),
	}
}

// Shaper exposes the per-host request shaper.
func (r *Resolver) Shaper() *httpclient.HostShaper { return r.shaper }

// NeedsResolve reports whether st is an HLS upstream the resolver handles.
func NeedsResolve(st store.Stream) bool {
	if st.ProtocolOptions.SkipResolve {
		return false
	}
	if st.Type == store.StreamHLS {
		return true
	}
	u := strings.ToLower(st.URL)
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	return safeurl.IsHTTPOrHTTPS(st.URL) && (strings.HasSuffix(u, ".m3u8") || strings.HasSuffix(u, ".m3u"))
}

// Resolve returns the URL the worker should open for st. Non-HLS streams pass
// through unchanged. plex selects the shorter shaping delay. When ctx ends
// first Resolve returns its error; the shared resolution keeps running for
// other callers and the cache.
func (r *Resolver) Resolve(ctx context.Context, st store.Stream, plex bool) (Result, error) {
	if !NeedsResolve(st) {
		return Result{StreamID: st.ID, URL: st.URL, Kind: KindDirect}, nil
	}
	start := time.Now()
	if res, ok := r.cache.Get(st.URL); ok {
		r.observe(res.Kind, true, nil, time.Since(start))
		return res, nil
	}
	if st.ConnectionLimits > 0 {
		if u, err := url.Parse(st.URL); err == nil && u.Hostname() != "" {
			r.shaper.MarkLimited(u.Hostname())
		}
	}
	deadline := r.tuning.ResolverDeadline
	if r.shaper.IsLimited(st.URL) {
		deadline = r.tuning.ResolverLimitedDeadline
	}
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	ch := r.group.DoChan(st.URL, func() (any, error) {
		// Detached from the first caller so a disconnect does not fail joiners.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deadline)
		defer cancel()
		res, err := r.resolve(rctx, st, st.URL, plex, 0)
		if err != nil {
			return Result{}, err
		}
		res.StreamID = st.ID
		res.ResolvedAt = time.Now()
		r.cache.Add(st.URL, res)
		return res, nil
	})
	var res Result
	var err error
	select {
	case out := <-ch:
		res, err = out.Val.(Result), out.Err
	case <-ctx.Done():
		err = fmt.Errorf("resolver: %w", ctx.Err())
	}
	r.observe(res.Kind, false, err, time.Since(start))
	if err != nil {
		log.Printf("resolver: stream=%s url=%s err=%v", st.ID, safeurl.RedactURL(st.URL), err)
		return Result{}, err
	}
	log.Printf("resolver: stream=%s kind=%s url=%s segments=%d accessible=%d/%d took=%s",
		st.ID, res.Kind, safeurl.RedactURL(res.URL), len(res.Segments), res.Accessible, res.Sampled, time.Since(start).Round(time.Millisecond))
	return res, nil
}

// Invalidate drops the cached resolution for rawURL.
func (r *Resolver) Invalidate(rawURL string) { r.cache.Remove(rawURL) }

// Cached returns the cached resolution for rawURL, if any.
func (r *Resolver) Cached(rawURL string) (Result, bool) { return r.cache.Peek(rawURL) }

func (r *Resolver) observe(kind Kind, cached bool, err error, d time.Duration) {
	if r.observer != nil {
		r.observer.Resolved(kind, cached, err, d)
	}
}

func (r *Resolver) resolve(ctx context.Context, st store.Stream, rawURL string, plex bool, depth int) (Result, error) {
	if depth > maxDepth {
		return Result{}, fmt.Errorf("resolver: playlist nesting deeper than %d", maxDepth)
	}
	body, final, err := r.fetch(ctx, st, rawURL, plex)
	if err != nil {
		return Result{}, err
	}
	pl, err := parsePlaylist(body)
	if err != nil {
		return Result{}, err
	}
	base, _ := url.Parse(final)
	switch pl.kind {
	case KindMaster:
		v, err := r.pickVariant(ctx, st, base, pl.variants, plex)
		if err != nil {
			return Result{}, err
		}
		res, err := r.resolve(ctx, st, v.URI, plex, depth+1)
		if err != nil {
			return Result{}, err
		}
		if res.Variant == nil {
			res.Variant = &v
		}
		return res, nil
	default:
		res := Result{URL: final, Kind: KindMedia, Base: final, TargetDuration: pl.targetDuration}
		for _, s := range pl.segments {
			res.Segments = append(res.Segments, absolute(base, s))
		}
		res.Sampled, res.Accessible = r.sampleSegments(ctx, st, res.Segments, plex)
		if len(res.Segments) == 0 {
			return res, fmt.Errorf("%w: media playlist has no segments", ErrUnhealthy)
		}
		if res.Accessibility() < r.floor() {
			return res, fmt.Errorf("%w: %d/%d sampled segments reachable", ErrUnhealthy, res.Accessible, res.Sampled)
		}
		return res, nil
	}
}

func (r *Resolver) floor() float64 {
	if r.tuning.AccessibilityFloor > 0 {
		return r.tuning.AccessibilityFloor
	}
	return 0.5
}

// pickVariant orders variants by bandwidth, then resolution, then order of
// appearance, and returns the first whose absolute URL passes HEAD.
func (r *Resolver) pickVariant(ctx context.Context, st store.Stream, base *url.URL, variants []Variant, plex bool) (Variant, error) {
	ordered := append([]Variant(nil), variants...)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.Bandwidth != b.Bandwidth {
			return a.Bandwidth > b.Bandwidth
		}
		if a.Pixels() != b.Pixels() {
			return a.Pixels() > b.Pixels()
		}
		return a.Index < b.Index
	})
	for _, v := range ordered {
		v.URI = absolute(base, v.URI)
		if r.head(ctx, st, v.URI, plex) {
			return v, nil
		}
		log.Printf("resolver: stream=%s variant bandwidth=%d failed probe", st.ID, v.Bandwidth)
	}
	return Variant{}, ErrNoVariant
}

func (r *Resolver) sampleSegments(ctx context.Context, st store.Stream, segs []string, plex bool) (sampled, ok int) {
	k := r.tuning.HeadSampleK
	if k <= 0 {
		k = 3
	}
	if len(segs) < k {
		k = len(segs)
	}
	results := make([]bool, k)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < k; i++ {
		g.Go(func() error {
			results[i] = r.head(gctx, st, segs[i], plex)
			return nil
		})
	}
	g.Wait()
	for _, b := range results {
		if b {
			ok++
		}
	}
	return k, ok
}

// head probes rawURL. Servers that refuse HEAD (405/501) count as reachable.
func (r *Resolver) head(ctx context.Context, st store.Stream, rawURL string, plex bool) bool {
	release, err := r.shaper.Acquire(ctx, rawURL, plex)
	if err != nil {
		return false
	}
	defer release()
	hctx, cancel := context.WithTimeout(ctx, r.policy.BaseTimeout)
	defer cancel()
	req, err := newUpstreamRequest(hctx, http.MethodHead, rawURL, st)
	if err != nil {
		return false
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 400:
		return true
	case resp.StatusCode == http.StatusMethodNotAllowed, resp.StatusCode == http.StatusNotImplemented:
		return true
	}
	return false
}

// fetch GETs a playlist with retry and returns the body and the final URL
// after redirects.
func (r *Resolver) fetch(ctx context.Context, st store.Stream, rawURL string, plex bool) ([]byte, string, error) {
	release, err := r.shaper.Acquire(ctx, rawURL, plex)
	if err != nil {
		return nil, "", err
	}
	resp, cancel, err := httpclient.DoWithRetry(ctx, r.client, func(ctx context.Context) (*http.Request, error) {
		return newUpstreamRequest(ctx, http.MethodGet, rawURL, st)
	}, r.policy)
	release()
	if err != nil {
		return nil, "", fmt.Errorf("resolver: fetch %s: %w", safeurl.RedactURL(rawURL), err)
	}
	defer cancel()
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPlaylistBytes))
	if err != nil {
		return nil, "", fmt.Errorf("resolver: read %s: %w", safeurl.RedactURL(rawURL), err)
	}
	final := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL.String()
	}
	return body, final, nil
}

// newUpstreamRequest builds a request carrying the player header set plus the
// stream's own UA, referer, auth and extra headers.
func newUpstreamRequest(ctx context.Context, method, rawURL string, st store.Stream) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, err
	}
	httpclient.SetPlayerHeaders(req)
	if ua := st.ProtocolOptions.UserAgent; ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	if ref := st.ProtocolOptions.Referer; ref != "" {
		req.Header.Set("Referer", ref)
	}
	if st.Auth != nil && (st.Auth.Username != "" || st.Auth.Password != "") {
		req.SetBasicAuth(st.Auth.Username, st.Auth.Password)
	}
	for k, v := range st.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}
