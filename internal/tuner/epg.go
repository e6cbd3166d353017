package tuner

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/snapetech/plexbridge/internal/epg"
)

const (
	defaultGridSpan = 6 * time.Hour
	defaultSearchN  = 50
	maxSearchN      = 500
)

// parseInstant accepts RFC 3339, XMLTV or unix seconds.
func parseInstant(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil && len(v) <= 11 {
		return time.Unix(n, 0).UTC(), nil
	}
	return epg.ParseTime(v)
}

// timeParam returns the query value key as a time, or def when absent.
func timeParam(r *http.Request, key string, def time.Time) (time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return parseInstant(v)
}

func daysParam(r *http.Request) int {
	n, _ := strconv.Atoi(r.URL.Query().Get("days"))
	return epg.ClampDays(n)
}

// writeEPGError maps query errors: unknown channel and empty guide are 404.
func writeEPGError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, epg.ErrUnknownChannel):
		writeError(w, http.StatusNotFound, "channel_not_found", r.PathValue("channel"))
	case errors.Is(err, epg.ErrNoProgram):
		writeError(w, http.StatusNotFound, "no_program", r.PathValue("channel"))
	default:
		writeInternal(w, r, err)
	}
}

// serveXMLTV renders into a buffer first so a store failure still yields a
// JSON error instead of a truncated document.
func (s *Server) serveXMLTV(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := s.core.EPG.WriteXMLTV(r.Context(), &buf, r.PathValue("channel"), daysParam(r)); err != nil {
		writeEPGError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

type programsResponse struct {
	Channel  epg.ChannelRef `json:"channel"`
	From     time.Time      `json:"from"`
	To       time.Time      `json:"to"`
	Programs []epg.Program  `json:"programs"`
}

func (s *Server) serveEPGJSON(w http.ResponseWriter, r *http.Request) {
	now := s.core.Clock.Now()
	from := now.Add(-time.Hour)
	to := now.Add(time.Duration(daysParam(r)) * 24 * time.Hour)
	progs, ref, err := s.core.EPG.Programs(r.Context(), r.PathValue("channel"), from, to)
	if err != nil {
		writeEPGError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, programsResponse{Channel: ref, From: from, To: to, Programs: progs})
}

type programResponse struct {
	Channel epg.ChannelRef `json:"channel"`
	At      time.Time      `json:"at"`
	Program epg.Program    `json:"program"`
}

func (s *Server) serveNow(w http.ResponseWriter, r *http.Request) {
	s.serveOne(w, r, s.core.EPG.Now)
}

func (s *Server) serveNext(w http.ResponseWriter, r *http.Request) {
	s.serveOne(w, r, s.core.EPG.Next)
}

func (s *Server) serveOne(w http.ResponseWriter, r *http.Request, q func(ctx context.Context, ref string, t time.Time) (epg.Program, epg.ChannelRef, error)) {
	at, err := timeParam(r, "at", s.core.Clock.Now())
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_time", err.Error())
		return
	}
	p, ref, err := q(r.Context(), r.PathValue("channel"), at)
	if err != nil {
		writeEPGError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, programResponse{Channel: ref, At: at, Program: p})
}

type gridResponse struct {
	From     time.Time     `json:"from"`
	To       time.Time     `json:"to"`
	Channels []epg.GridRow `json:"channels"`
}

// timeRange reads start/end with defaults [now, now+span), writing a 400 on
// a bad value.
func (s *Server) timeRange(w http.ResponseWriter, r *http.Request, span time.Duration) (from, to time.Time, ok bool) {
	now := s.core.Clock.Now()
	from, err := timeParam(r, "start", now)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_time", "start: "+err.Error())
		return from, to, false
	}
	to, err = timeParam(r, "end", from.Add(span))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_time", "end: "+err.Error())
		return from, to, false
	}
	if !to.After(from) {
		writeError(w, http.StatusBadRequest, "bad_range", "end must be after start")
		return from, to, false
	}
	return from, to, true
}

func (s *Server) serveGrid(w http.ResponseWriter, r *http.Request) {
	from, to, ok := s.timeRange(w, r, defaultGridSpan)
	if !ok {
		return
	}
	var refs []string
	for _, c := range strings.Split(r.URL.Query().Get("channels"), ",") {
		if c = strings.TrimSpace(c); c != "" {
			refs = append(refs, c)
		}
	}
	rows, err := s.core.EPG.Grid(r.Context(), from, to, refs)
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, gridResponse{From: from, To: to, Channels: rows})
}

type searchResponse struct {
	Query   string          `json:"query"`
	Results []epg.SearchHit `json:"results"`
}

func (s *Server) serveSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeError(w, http.StatusBadRequest, "missing_query", "q is required")
		return
	}
	from, to, ok := s.timeRange(w, r, time.Duration(epg.DefaultDays)*24*time.Hour)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = defaultSearchN
	}
	if limit > maxSearchN {
		limit = maxSearchN
	}
	hits, err := s.core.EPG.Search(r.Context(), q, from, to, limit)
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, searchResponse{Query: q, Results: hits})
}
