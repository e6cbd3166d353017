package resolver

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/snapetech/plexbridge/internal/httpclient"
	"github.com/snapetech/plexbridge/internal/mpegts"
	"github.com/snapetech/plexbridge/internal/safeurl"
	"github.com/snapetech/plexbridge/internal/store"
)

var segmentPolicy = httpclient.RetryPolicy{
	Attempts:    3,
	BaseTimeout: 5 * time.Second,
	Backoff:     250 * time.Millisecond,
	MaxBackoff:  time.Second,
	Max429Wait:  2 * time.Second,
	Retry5xx:    true,
	Retry429:    true,
}

// RewritePlaylist resolves st, fetches a fresh copy of its media playlist and
// rewrites every segment URI through proxy (which receives the absolute
// upstream URL).
func (r *Resolver) RewritePlaylist(ctx context.Context, st store.Stream, plex bool, proxy func(seg string) string) ([]byte, Result, error) {
	res, err := r.Resolve(ctx, st, plex)
	if err != nil {
		return nil, res, err
	}
	if res.Kind == KindDirect {
		return nil, res, fmt.Errorf("resolver: stream %s is not HLS", st.ID)
	}
	body, final, err := r.fetch(ctx, st, res.URL, plex)
	if err != nil {
		return nil, res, err
	}
	base, _ := url.Parse(final)
	out := rewritePlaylist(body, func(ref string) string {
		return proxy(absolute(base, ref))
	})
	return out, res, nil
}

// SegmentAllowed reports whether segURL belongs to st: same host as the
// stream URL or its resolved media playlist. The segment endpoint must not be
// an open proxy.
func (r *Resolver) SegmentAllowed(st store.Stream, segURL string) bool {
	if !safeurl.IsHTTPOrHTTPS(segURL) {
		return false
	}
	host := hostname(segURL)
	if host == "" {
		return false
	}
	if host == hostname(st.URL) {
		return true
	}
	if res, ok := r.Cached(st.URL); ok {
		return host == hostname(res.Base) || (res.Variant != nil && host == hostname(res.Variant.URI))
	}
	return false
}

// ServeSegment copies one upstream segment to w. When the upstream keeps
// failing, a dummy MPEG-TS segment of the playlist's target duration is
// served instead of an error so the player keeps its timeline.
func (r *Resolver) ServeSegment(w http.ResponseWriter, req *http.Request, st store.Stream, segURL string, plex bool) {
	target := 2 * time.Second
	if res, ok := r.Cached(st.URL); ok && res.TargetDuration > 0 {
		target = res.TargetDuration
	}
	if d, err := strconv.ParseFloat(req.URL.Query().Get("d"), 64); err == nil && d > 0 && d < 60 {
		target = time.Duration(d * float64(time.Second))
	}
	policy := segmentPolicy
	if t := 2 * target; t > policy.BaseTimeout {
		policy.BaseTimeout = t
	}
	release, err := r.shaper.Acquire(req.Context(), segURL, plex)
	if err != nil {
		return
	}
	resp, cancel, err := httpclient.DoWithRetry(req.Context(), r.client, func(ctx context.Context) (*http.Request, error) {
		return newUpstreamRequest(ctx, http.MethodGet, segURL, st)
	}, policy)
	release()
	if err != nil {
		if req.Context().Err() != nil {
			return
		}
		log.Printf("resolver: segment stream=%s url=%s err=%v; serving dummy %s", st.ID, safeurl.RedactURL(segURL), err, target)
		body := mpegts.DummySegment(target.Seconds())
		w.Header().Set("Content-Type", "video/mp2t")
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.Header().Set("X-Segment-Fallback", "dummy")
		w.WriteHeader(http.StatusOK)
		w.Write(body)
		return
	}
	defer cancel()
	defer resp.Body.Close()
	ct := resp.Header.Get("Content-Type")
	if ct == "" || strings.Contains(ct, "octet-stream") {
		ct = "video/mp2t"
	}
	w.Header().Set("Content-Type", ct)
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		w.Header().Set("Content-Length", cl)
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, resp.Body); err != nil && req.Context().Err() == nil {
		log.Printf("resolver: segment stream=%s copy err=%v", st.ID, err)
	}
}

func hostname(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
