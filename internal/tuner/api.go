package tuner

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/snapetech/plexbridge/internal/session"
	"github.com/snapetech/plexbridge/internal/store"
	"github.com/snapetech/plexbridge/internal/transcoder"
)

// sessionView is the admin JSON shape of a session.
type sessionView struct {
	ID             string    `json:"id"`
	ChannelID      string    `json:"channel_id"`
	StreamID       string    `json:"stream_id"`
	Fingerprint    string    `json:"client_fingerprint"`
	ClientIP       string    `json:"client_ip"`
	ClientHostname string    `json:"client_hostname,omitempty"`
	ClientKind     string    `json:"client_kind"`
	UserAgent      string    `json:"user_agent"`
	State          string    `json:"state"`
	StartedAt      time.Time `json:"started_at"`
	LastActivity   time.Time `json:"last_activity"`
	Bytes          int64     `json:"bytes"`
	CurrentBitrate float64   `json:"current_bitrate"`
	AvgBitrate     float64   `json:"avg_bitrate"`
	PeakBitrate    float64   `json:"peak_bitrate"`
	ErrorCount     int       `json:"error_count"`
}

func viewSession(se store.Session) sessionView {
	return sessionView{
		ID:             se.ID,
		ChannelID:      se.ChannelID,
		StreamID:       se.StreamID,
		Fingerprint:    se.ClientFingerprint,
		ClientIP:       se.ClientIP,
		ClientHostname: se.ClientHostname,
		ClientKind:     string(transcoder.ClassifyClient(se.UserAgent)),
		UserAgent:      se.UserAgent,
		State:          string(se.State),
		StartedAt:      se.StartedAt,
		LastActivity:   se.LastActivity,
		Bytes:          se.Bytes,
		CurrentBitrate: se.CurrentBitrate,
		AvgBitrate:     se.AvgBitrate,
		PeakBitrate:    se.PeakBitrate,
		ErrorCount:     se.ErrorCount,
	}
}

type sessionsResponse struct {
	Capacity session.Capacity `json:"capacity"`
	Workers  int              `json:"workers"`
	Sessions []sessionView    `json:"sessions"`
}

func (s *Server) serveSessions(w http.ResponseWriter, r *http.Request) {
	list := s.core.Sessions.List()
	out := sessionsResponse{
		Capacity: s.core.Sessions.Capacity(),
		Workers:  s.core.Supervisor.Active(),
		Sessions: make([]sessionView, 0, len(list)),
	}
	for _, se := range list {
		out.Sessions = append(out.Sessions, viewSession(se))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) serveCapacity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.core.Sessions.Capacity())
}

func (s *Server) serveEPGStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.core.EPG.Status(r.Context(), s.core.Scheduler)
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type reliabilityRequest struct {
	Profile string `json:"profile"`
}

type reliabilityResponse struct {
	StreamID           string `json:"stream_id"`
	ReliabilityProfile string `json:"reliability_profile"`
}

// serveSetReliability pins the profile a stream always spawns with, ahead of
// escalation. An empty profile clears the override.
func (s *Server) serveSetReliability(w http.ResponseWriter, r *http.Request) {
	var req reliabilityRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", `body must be {"profile":"<profile id>"}`)
		return
	}
	ctx := r.Context()
	if req.Profile != "" {
		_, err := s.core.Store.GetProfile(ctx, req.Profile)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusBadRequest, "unknown_profile", req.Profile)
			return
		}
		if err != nil {
			writeInternal(w, r, err)
			return
		}
	}
	id := r.PathValue("id")
	err := s.core.Store.SetReliabilityProfile(ctx, id, req.Profile)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "stream_not_found", id)
		return
	}
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	log.Printf("api: stream=%s reliability_profile=%q", id, req.Profile)
	writeJSON(w, http.StatusOK, reliabilityResponse{StreamID: id, ReliabilityProfile: req.Profile})
}
