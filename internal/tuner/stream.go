package tuner

import (
	"errors"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/snapetech/plexbridge/internal/core"
	"github.com/snapetech/plexbridge/internal/resolver"
	"github.com/snapetech/plexbridge/internal/session"
	"github.com/snapetech/plexbridge/internal/store"
)

// retryAfterSeconds is sent with every 503.
const retryAfterSeconds = "5"

// channelRef extracts the channel reference from /stream/{channel} or
// /auto/v{channel}.
func channelRef(r *http.Request) string {
	ref := r.PathValue("channel")
	if strings.HasPrefix(r.URL.Path, "/auto/") {
		ref = strings.TrimPrefix(ref, "v")
	}
	return ref
}

func plexClientID(r *http.Request) string {
	if id := r.Header.Get("X-Plex-Client-Identifier"); id != "" {
		return id
	}
	return r.URL.Query().Get("X-Plex-Client-Identifier")
}

func (s *Server) serveStream(w http.ResponseWriter, r *http.Request) {
	ref := channelRef(r)
	stream, err := s.core.Tune(r.Context(), core.TuneRequest{
		ChannelRef:   ref,
		PlexClientID: plexClientID(r),
		UserAgent:    r.UserAgent(),
		ClientIP:     clientIP(r),
		Plex:         isPlexClient(r),
	})
	if err != nil {
		writeTuneError(w, r, ref, err)
		return
	}
	log.Printf("gateway: tune channel=%d session=%s deduped=%t remote=%s ua=%q",
		stream.Channel.Number, stream.Session.ID, stream.Deduped, r.RemoteAddr, r.UserAgent())

	h := w.Header()
	h.Set("Content-Type", "video/mp2t")
	h.Set("Cache-Control", "no-cache, no-store")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Del("Content-Length")
	w.WriteHeader(http.StatusOK)
	var flush func()
	if f, ok := w.(http.Flusher); ok {
		flush = f.Flush
		flush()
	}
	if err := stream.Serve(r.Context(), w, flush); err != nil {
		log.Printf("gateway: session=%s channel=%d ended: %v", stream.Session.ID, stream.Channel.Number, err)
	}
}

// writeTuneError maps admission failures to HDHomeRun-style responses:
// capacity and shutdown are 503 with Retry-After, unknown channels 404.
func writeTuneError(w http.ResponseWriter, r *http.Request, ref string, err error) {
	ae, ok := session.AsAdmitError(err)
	if !ok {
		writeInternal(w, r, err)
		return
	}
	status := http.StatusServiceUnavailable
	switch ae.Reason {
	case session.RejectCapacity:
		w.Header().Set("X-HDHomeRun-Error", "805") // All Tuners In Use
	case session.RejectChannelNotFound:
		status = http.StatusNotFound
	case session.RejectNoStream:
		status = http.StatusNotFound
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}
	log.Printf("gateway: reject channel=%q reason=%s remote=%s ua=%q", ref, ae.Reason, r.RemoteAddr, r.UserAgent())
	writeError(w, status, string(ae.Reason), ae.Message)
}

// tunableStream returns the channel's active stream, writing a 404 when
// there is none.
func (s *Server) tunableStream(w http.ResponseWriter, r *http.Request, ref string) (store.Stream, bool) {
	ch, err := s.core.Channel(r.Context(), ref)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !ch.Enabled) {
		writeError(w, http.StatusNotFound, string(session.RejectChannelNotFound), ref)
		return store.Stream{}, false
	}
	if err != nil {
		writeInternal(w, r, err)
		return store.Stream{}, false
	}
	st, err := s.core.Store.ActiveStream(r.Context(), ch.ID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, string(session.RejectNoStream), ref)
		return st, false
	}
	if err != nil {
		writeInternal(w, r, err)
		return st, false
	}
	return st, true
}

// servePlaylist serves /hls/{channel}.m3u8: the resolved media playlist with
// every segment routed through this gateway.
func (s *Server) servePlaylist(w http.ResponseWriter, r *http.Request) {
	file := r.PathValue("file")
	ref, ok := strings.CutSuffix(file, ".m3u8")
	if !ok || ref == "" {
		writeError(w, http.StatusNotFound, "not_found", r.URL.Path)
		return
	}
	st, ok := s.tunableStream(w, r, ref)
	if !ok {
		return
	}
	prefix := "/hls/" + url.PathEscape(ref) + "/segment?u="
	body, _, err := s.core.Resolver.RewritePlaylist(r.Context(), st, isPlexClient(r), func(seg string) string {
		return prefix + url.QueryEscape(seg)
	})
	if err != nil {
		if !resolver.NeedsResolve(st) {
			writeError(w, http.StatusNotFound, "not_hls", ref)
			return
		}
		log.Printf("gateway: playlist channel=%q err=%v", ref, err)
		w.Header().Set("Retry-After", retryAfterSeconds)
		writeError(w, http.StatusBadGateway, "upstream_unavailable", "")
		return
	}
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func (s *Server) serveSegment(w http.ResponseWriter, r *http.Request) {
	ref := r.PathValue("channel")
	st, ok := s.tunableStream(w, r, ref)
	if !ok {
		return
	}
	seg := r.URL.Query().Get("u")
	if !s.core.Resolver.SegmentAllowed(st, seg) {
		writeError(w, http.StatusForbidden, "segment_not_allowed", "")
		return
	}
	s.core.Resolver.ServeSegment(w, r, st, seg, isPlexClient(r))
}
