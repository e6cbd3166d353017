// Package tuner is the HTTP face of the gateway: HDHomeRun discovery and
// lineup, the MPEG-TS stream endpoint, EPG routes, admin JSON and SSDP.
package tuner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/snapetech/plexbridge/internal/config"
	"github.com/snapetech/plexbridge/internal/core"
	"github.com/snapetech/plexbridge/internal/hdhomerun"
	"github.com/snapetech/plexbridge/internal/store"
)

// Server runs the HDHR emulator, stream gateway and EPG endpoints over one
// Core.
type Server struct {
	Addr          string
	BaseURL       string
	DeviceID      string
	FriendlyName  string
	TunerCount    int
	SSDPDisabled  bool
	HDHRDiscovery bool // answer native HDHomeRun UDP broadcasts too

	core   *core.Core
	hdhr   *HDHR
	lineup *cachedLineup
}

// NewServer builds the HTTP surface. The device id comes from config, else
// the settings table, else is derived from the data directory and stored.
func NewServer(ctx context.Context, c *core.Core) (*Server, error) {
	cfg := c.Config
	deviceID := cfg.DeviceID
	if deviceID == "" {
		id, err := c.Store.SettingOrInit(ctx, "device_id", func() string {
			return config.DeriveDeviceID(cfg.DataDir)
		})
		if err != nil {
			return nil, err
		}
		deviceID = id
	}
	s := &Server{
		Addr:          cfg.Addr(),
		BaseURL:       cfg.BaseURL,
		DeviceID:      deviceID,
		FriendlyName:  cfg.FriendlyName,
		TunerCount:    cfg.TunerCount,
		SSDPDisabled:  cfg.SSDPDisabled,
		HDHRDiscovery: cfg.HDHRDiscovery,
		core:          c,
		lineup:        newCachedLineup(c.Store, c.Tuning.LineupTTL),
	}
	s.hdhr = &HDHR{
		BaseURL:      s.BaseURL,
		TunerCount:   s.TunerCount,
		DeviceID:     s.DeviceID,
		FriendlyName: s.FriendlyName,
		Lineup:       s.lineup,
	}
	return s, nil
}

// Handler returns the full route table wrapped in request logging and the
// Plex HTML guard.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /discover.json", s.hdhr)
	mux.Handle("GET /lineup_status.json", s.hdhr)
	mux.Handle("GET /lineup.json", s.hdhr)
	mux.Handle("GET /lineup.xml", s.hdhr)
	mux.Handle("GET /library/", s.hdhr)
	mux.Handle("GET /device.xml", s.serveDeviceXML())

	mux.HandleFunc("GET /stream/{channel}", s.serveStream)
	mux.HandleFunc("GET /auto/{channel}", s.serveStream)
	mux.HandleFunc("GET /hls/{file}", s.servePlaylist)
	mux.HandleFunc("GET /hls/{channel}/segment", s.serveSegment)

	mux.HandleFunc("GET /epg/xmltv.xml", s.serveXMLTV)
	mux.HandleFunc("GET /epg/xmltv/{channel}", s.serveXMLTV)
	mux.HandleFunc("GET /epg/json/{channel}", s.serveEPGJSON)
	mux.HandleFunc("GET /epg/now/{channel}", s.serveNow)
	mux.HandleFunc("GET /epg/next/{channel}", s.serveNext)
	mux.HandleFunc("GET /epg/grid", s.serveGrid)
	mux.HandleFunc("GET /epg/search", s.serveSearch)

	mux.HandleFunc("GET /api/sessions", s.serveSessions)
	mux.HandleFunc("GET /api/capacity", s.serveCapacity)
	mux.HandleFunc("GET /api/epg/status", s.serveEPGStatus)
	mux.HandleFunc("PUT /api/streams/{id}/reliability-profile", s.serveSetReliability)
	mux.HandleFunc("GET /healthz", s.serveHealth)
	mux.Handle("GET /metrics", s.core.Metrics.Handler())
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", r.URL.Path)
	})
	return logRequests(plexGuard(mux))
}

// Listen binds the HTTP address. A failure here is a startup error.
func (s *Server) Listen() (net.Listener, error) {
	addr := s.Addr
	if addr == "" {
		addr = ":5004"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tuner: listen %s: %w", addr, err)
	}
	return ln, nil
}

// Run binds with Listen and then serves until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx ends, then shuts down within 10s. SSDP runs
// alongside unless disabled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.SSDPDisabled {
		log.Printf("ssdp: disabled via PLEXBRIDGE_SSDP_DISABLED")
	} else {
		StartSSDP(ctx, s.BaseURL, s.DeviceID, s.FriendlyName)
	}
	if s.HDHRDiscovery {
		s.startHDHRDiscovery(ctx)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	serverErr := make(chan error, 1)
	go func() {
		log.Printf("tuner: listening on %s (BaseURL %s, device %s, tuners %d)", ln.Addr(), s.BaseURL, s.DeviceID, s.TunerCount)
		serverErr <- srv.Serve(ln)
	}()

	select {
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		log.Print("tuner: shutting down ...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("tuner: shutdown: %v", err)
		}
		<-serverErr
		return nil
	}
}

func (s *Server) startHDHRDiscovery(ctx context.Context) {
	id, err := hdhomerun.ParseDeviceID(s.DeviceID)
	if err != nil {
		log.Printf("hdhomerun: discovery disabled: %v", err)
		return
	}
	d := &hdhomerun.Device{
		DeviceID:   id,
		TunerCount: s.TunerCount,
		BaseURL:    s.hdhr.base(),
		LineupURL:  s.hdhr.base() + "/lineup.json",
		DeviceAuth: deviceAuth,
	}
	go func() {
		if err := d.ListenAndServe(ctx); err != nil {
			log.Printf("hdhomerun: %v", err)
		}
	}()
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *loggingResponseWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *loggingResponseWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += int64(n)
	return n, err
}

func (w *loggingResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *loggingResponseWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(lw, r)
		status := lw.status
		if status == 0 {
			status = http.StatusOK
		}
		log.Printf(
			"http: %s %s status=%d bytes=%d dur=%s ua=%q remote=%s",
			r.Method, r.URL.Path, status, lw.bytes, time.Since(start).Round(time.Millisecond), r.UserAgent(), r.RemoteAddr,
		)
	})
}

// serveHealth reports 503 when the store is unreachable.
func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	h := s.core.Health(r.Context())
	status := http.StatusOK
	if h.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("tuner: encode response: %v", err)
	}
}

// apiError is the JSON body of every non-2xx response.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, apiError{Error: kind, Message: msg})
}

func writeInternal(w http.ResponseWriter, r *http.Request, err error) {
	log.Printf("tuner: %s %s internal error: %v", r.Method, r.URL.Path, err)
	writeError(w, http.StatusInternalServerError, "internal", "")
}

// clientIP prefers the first X-Forwarded-For hop, then RemoteAddr.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// cachedLineup fronts store.Lineup with a small LRU keyed by the lineup
// generation, so any channel or stream write invalidates it.
type cachedLineup struct {
	st    *store.Store
	cache *expirable.LRU[uint64, []store.LineupRow]
}

func newCachedLineup(st *store.Store, ttl time.Duration) *cachedLineup {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &cachedLineup{st: st, cache: expirable.NewLRU[uint64, []store.LineupRow](4, nil, ttl)}
}

func (c *cachedLineup) Lineup(ctx context.Context) ([]store.LineupRow, error) {
	gen := c.st.Gen(store.DomainLineup)
	if rows, ok := c.cache.Get(gen); ok {
		return rows, nil
	}
	rows, err := c.st.Lineup(ctx)
	if err != nil {
		return nil, err
	}
	c.cache.Add(gen, rows)
	return rows, nil
}
