// Package session tracks Plex tunes: admission against the tuner budget,
// duplicate-request coalescing, throughput accounting, idle reaping and the
// persisted history of every session.
package session

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/snapetech/plexbridge/internal/clock"
	"github.com/snapetech/plexbridge/internal/config"
	"github.com/snapetech/plexbridge/internal/store"
)

// Persister stores session records.
type Persister interface {
	SaveSession(ctx context.Context, se store.Session) error
}

// Request describes one incoming tune.
type Request struct {
	ChannelID   string
	StreamID    string
	Fingerprint string
	UserAgent   string
	ClientIP    string
}

// Admission is the result of a successful Admit.
type Admission struct {
	Session store.Session
	// Deduped is true when the request joined an existing session.
	Deduped bool
	// Ctx is cancelled when the session ends; every task belonging to the
	// session should derive from it.
	Ctx context.Context
}

// Capacity is a point-in-time view of the tuner budget.
type Capacity struct {
	Total     int `json:"total"`
	InUse     int `json:"in_use"`
	Available int `json:"available"`
}

type dedupKey struct {
	fingerprint string
	streamID    string
}

type entry struct {
	rec      store.Session
	window   *bitrateWindow
	ctx      context.Context
	cancel   context.CancelFunc
	attached int
	dirty    bool
}

// Manager owns the active session index.
type Manager struct {
	tunerCount int
	tuning     config.Tuning
	persist    Persister
	clock      clock.Clock
	hostnames  *HostnameCache
	events     *eventBus

	mu     sync.Mutex
	byID   map[string]*entry
	byKey  map[dedupKey]string
	ended  *expirable.LRU[string, store.Session]
	closed bool
}

// Options configures a Manager.
type Options struct {
	TunerCount int
	Tuning     config.Tuning
	Persist    Persister
	Clock      clock.Clock
	Hostnames  *HostnameCache // nil disables reverse DNS
}

// NewManager returns an empty manager.
func NewManager(o Options) *Manager {
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.TunerCount < 1 {
		o.TunerCount = 1
	}
	return &Manager{
		tunerCount: o.TunerCount,
		tuning:     o.Tuning,
		persist:    o.Persist,
		clock:      o.Clock,
		hostnames:  o.Hostnames,
		events:     newEventBus(),
		byID:       make(map[string]*entry),
		byKey:      make(map[dedupKey]string),
		ended:      expirable.NewLRU[string, store.Session](256, nil, 10*time.Minute),
	}
}

// Fingerprint identifies a client: the Plex client identifier when present,
// otherwise a hash of user agent and IP.
func Fingerprint(plexClientID, userAgent, ip string) string {
	if plexClientID != "" {
		return plexClientID
	}
	sum := sha1.Sum([]byte(userAgent + "|" + ip))
	return "ua-" + hex.EncodeToString(sum[:8])
}

// Admit creates a session for req, joins an existing one with the same
// (fingerprint, stream) key, or rejects when the tuner budget is exhausted.
func (m *Manager) Admit(ctx context.Context, req Request) (Admission, error) {
	now := m.clock.Now()
	key := dedupKey{req.Fingerprint, req.StreamID}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Admission{}, Reject(RejectShuttingDown, "gateway is shutting down")
	}
	var superseded *entry
	if id, ok := m.byKey[key]; ok {
		e := m.byID[id]
		if e != nil && e.rec.State.Live() && now.Sub(e.rec.LastActivity) <= m.dedupLimit() {
			e.attached++
			e.rec.LastActivity = now
			adm := Admission{Session: e.rec, Deduped: true, Ctx: e.ctx}
			m.mu.Unlock()
			log.Printf("session: dedup id=%s fingerprint=%s stream=%s attached=%d", e.rec.ID, req.Fingerprint, req.StreamID, e.attached)
			return adm, nil
		}
		superseded = e
	}
	live := m.liveCountLocked()
	if superseded != nil && superseded.rec.State.Live() {
		live--
	}
	if live >= m.tunerCount {
		m.mu.Unlock()
		log.Printf("session: reject reason=capacity fingerprint=%s channel=%s in_use=%d limit=%d", req.Fingerprint, req.ChannelID, live, m.tunerCount)
		return Admission{}, Reject(RejectCapacity, "all %d tuners in use", m.tunerCount)
	}
	var staleRec store.Session
	if superseded != nil {
		staleRec = m.finishLocked(superseded, EndSuperseded, now)
	}
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e := &entry{
		rec: store.Session{
			ID:                store.NewID(),
			ChannelID:         req.ChannelID,
			StreamID:          req.StreamID,
			ClientFingerprint: req.Fingerprint,
			ClientIP:          req.ClientIP,
			UserAgent:         req.UserAgent,
			StartedAt:         now,
			LastActivity:      now,
			State:             store.SessionConnecting,
		},
		window:   newBitrateWindow(m.tuning.BitrateSamples, m.tuning.BitrateSampleInterval, m.tuning.BitrateWindow),
		ctx:      sctx,
		cancel:   cancel,
		attached: 1,
	}
	m.byID[e.rec.ID] = e
	m.byKey[key] = e.rec.ID
	rec := e.rec
	m.mu.Unlock()

	if superseded != nil {
		m.afterEnd(staleRec)
	}
	log.Printf("session: admit id=%s channel=%s stream=%s fingerprint=%s ip=%s in_use=%d/%d",
		rec.ID, rec.ChannelID, rec.StreamID, rec.ClientFingerprint, rec.ClientIP, live+1, m.tunerCount)
	m.save(rec)
	m.events.publish(Event{Type: EventStarted, At: now, Session: rec})
	if m.hostnames != nil && req.ClientIP != "" {
		go m.resolveHostname(rec.ID, req.ClientIP)
	}
	return Admission{Session: rec, Ctx: sctx}, nil
}

func (m *Manager) dedupLimit() time.Duration {
	if m.tuning.DedupActivityLimit > 0 {
		return m.tuning.DedupActivityLimit
	}
	return m.tuning.IdleTimeout
}

func (m *Manager) liveCountLocked() int {
	n := 0
	for _, e := range m.byID {
		if e.rec.State.Live() {
			n++
		}
	}
	return n
}

func (m *Manager) resolveHostname(id, ip string) {
	name := m.hostnames.Lookup(context.Background(), ip)
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.byID[id]; ok {
		e.rec.ClientHostname = name
		e.dirty = true
	}
}

// UpdateMetrics adds bytesDelta to the session and refreshes its bitrate
// window. The first nonzero update moves the session to streaming.
func (m *Manager) UpdateMetrics(id string, bytesDelta int64) error {
	now := m.clock.Now()
	m.mu.Lock()
	e, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownSession
	}
	if !e.rec.State.Live() {
		m.mu.Unlock()
		return nil
	}
	if bytesDelta > 0 {
		e.rec.Bytes += bytesDelta
	}
	e.rec.LastActivity = now
	bps, _ := e.window.observe(now, e.rec.Bytes)
	e.rec.CurrentBitrate = bps
	if bps > e.rec.PeakBitrate {
		e.rec.PeakBitrate = bps
	}
	if secs := now.Sub(e.rec.StartedAt).Seconds(); secs > 0 {
		e.rec.AvgBitrate = float64(e.rec.Bytes) * 8 / secs
	}
	e.dirty = true
	flipped := false
	if e.rec.State == store.SessionConnecting && e.rec.Bytes > 0 {
		e.rec.State = store.SessionStreaming
		flipped = true
	}
	rec := e.rec
	m.mu.Unlock()
	if flipped {
		log.Printf("session: streaming id=%s startup=%s", rec.ID, now.Sub(rec.StartedAt).Round(time.Millisecond))
		m.save(rec)
		m.events.publish(Event{Type: EventStreaming, At: now, Session: rec})
	}
	return nil
}

// RecordError counts a non-fatal error against the session.
func (m *Manager) RecordError(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.byID[id]; ok {
		e.rec.ErrorCount++
		e.dirty = true
	}
}

// Heartbeat refreshes last_activity.
func (m *Manager) Heartbeat(id string) error {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byID[id]
	if !ok {
		return ErrUnknownSession
	}
	e.rec.LastActivity = now
	e.dirty = true
	return nil
}

// Detach drops one attached client. The session ends with EndClientGone when
// the last one leaves. Returns the number still attached.
func (m *Manager) Detach(id string) int {
	m.mu.Lock()
	e, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return 0
	}
	if e.attached > 0 {
		e.attached--
	}
	left := e.attached
	m.mu.Unlock()
	if left == 0 {
		m.End(id, EndClientGone)
	}
	return left
}

// End terminates a session. It is idempotent: later calls return the
// terminal record produced by the first.
func (m *Manager) End(id, reason string) (store.Session, error) {
	now := m.clock.Now()
	m.mu.Lock()
	e, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		if rec, ok := m.ended.Get(id); ok {
			return rec, nil
		}
		return store.Session{}, ErrUnknownSession
	}
	rec := m.finishLocked(e, reason, now)
	m.mu.Unlock()
	m.afterEnd(rec)
	return rec, nil
}

// finishLocked moves e through ending to ended and evicts it. m.mu held.
func (m *Manager) finishLocked(e *entry, reason string, now time.Time) store.Session {
	e.rec.State = store.SessionEnding
	e.cancel()
	e.rec.State = store.SessionEnded
	e.rec.EndReason = reason
	e.rec.EndedAt = now
	delete(m.byID, e.rec.ID)
	key := dedupKey{e.rec.ClientFingerprint, e.rec.StreamID}
	if m.byKey[key] == e.rec.ID {
		delete(m.byKey, key)
	}
	m.ended.Add(e.rec.ID, e.rec)
	return e.rec
}

func (m *Manager) afterEnd(rec store.Session) {
	log.Printf("session: ended id=%s channel=%s reason=%s bytes=%d avg_kbps=%.0f peak_kbps=%.0f duration=%s",
		rec.ID, rec.ChannelID, rec.EndReason, rec.Bytes, rec.AvgBitrate/1000, rec.PeakBitrate/1000,
		rec.EndedAt.Sub(rec.StartedAt).Round(time.Second))
	m.save(rec)
	m.events.publish(Event{Type: EventEnded, At: rec.EndedAt, Session: rec})
}

// Get returns the active session with id.
func (m *Manager) Get(id string) (store.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byID[id]
	if !ok {
		return store.Session{}, false
	}
	return e.rec, true
}

// List returns snapshots of all active sessions, oldest first.
func (m *Manager) List() []store.Session {
	m.mu.Lock()
	out := make([]store.Session, 0, len(m.byID))
	for _, e := range m.byID {
		out = append(out, e.rec)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Capacity reports the tuner budget.
func (m *Manager) Capacity() Capacity {
	m.mu.Lock()
	defer m.mu.Unlock()
	used := m.liveCountLocked()
	avail := m.tunerCount - used
	if avail < 0 {
		avail = 0
	}
	return Capacity{Total: m.tunerCount, InUse: used, Available: avail}
}

// Subscribe returns a channel of lifecycle events and a cancel func.
// Events are dropped for a subscriber whose buffer is full.
func (m *Manager) Subscribe(buf int) (<-chan Event, func()) {
	return m.events.subscribe(buf)
}

// Sweep ends sessions idle past the idle timeout and flushes dirty records.
// Run calls it on every janitor tick.
func (m *Manager) Sweep() int {
	now := m.clock.Now()
	idle := m.tuning.IdleTimeout
	m.mu.Lock()
	var expired []string
	var dirty []store.Session
	for id, e := range m.byID {
		if idle > 0 && now.Sub(e.rec.LastActivity) > idle {
			e.rec.State = store.SessionEnding
			expired = append(expired, id)
			continue
		}
		if e.dirty {
			e.dirty = false
			dirty = append(dirty, e.rec)
		}
	}
	m.mu.Unlock()
	for _, rec := range dirty {
		m.save(rec)
	}
	for _, id := range expired {
		log.Printf("session: idle id=%s timeout=%s", id, idle)
		m.End(id, EndIdleTimeout)
	}
	return len(expired)
}

// Run drives the janitor until ctx ends.
func (m *Manager) Run(ctx context.Context) {
	interval := m.tuning.JanitorInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Sweep()
		}
	}
}

// Close rejects new admissions and ends every active session.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	ids := make([]string, 0, len(m.byID))
	for id := range m.byID {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.End(id, EndShutdown)
	}
}

func (m *Manager) save(rec store.Session) {
	if m.persist == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.persist.SaveSession(ctx, rec); err != nil {
		log.Printf("session: persist id=%s err=%v", rec.ID, err)
	}
}
