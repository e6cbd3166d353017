package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/snapetech/plexbridge/internal/mpegts"
	"github.com/snapetech/plexbridge/internal/safeurl"
	"github.com/snapetech/plexbridge/internal/session"
	"github.com/snapetech/plexbridge/internal/store"
	"github.com/snapetech/plexbridge/internal/transcoder"
)

// Session end reasons raised by the pipeline itself. Worker failures end
// the session with the worker's FailureKind.
const (
	EndResolveFailed = "resolve_failed"
	EndSpawnFailed   = "spawn_failed"
	EndUpstreamEOF   = "upstream_eof"
)

// ErrStreamEnded is returned by Serve when the worker stopped before the
// client left.
var ErrStreamEnded = errors.New("core: stream ended")

// readChunk is the worker read size: 64 packets.
const readChunk = 64 * mpegts.PacketSize

// inspectPackets is how much worker output is demuxed to confirm it carries
// a PAT/PMT before the stream is trusted.
const inspectPackets = 512

// TuneRequest is one client asking for a channel.
type TuneRequest struct {
	ChannelRef   string // id or number
	PlexClientID string
	UserAgent    string
	ClientIP     string
	Plex         bool // request came from a Plex server
}

// Stream is an admitted tune. The caller must Serve it exactly once.
type Stream struct {
	Session store.Session
	Channel store.Channel
	Deduped bool

	core *Core
	hub  *hub
	sub  *subscriber
	ctx  context.Context
	once sync.Once
}

// Tune admits req, joining an existing session for the same client and
// stream when one is live, and starts the worker pipeline for a new session.
// Admission failures are *session.AdmitError.
func (c *Core) Tune(ctx context.Context, req TuneRequest) (*Stream, error) {
	ch, err := c.Channel(ctx, req.ChannelRef)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !ch.Enabled) {
		return nil, c.reject(session.Reject(session.RejectChannelNotFound, "channel %q", req.ChannelRef))
	}
	if err != nil {
		return nil, err
	}
	st, err := c.Store.ActiveStream(ctx, ch.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, c.reject(session.Reject(session.RejectNoStream, "channel %d has no enabled stream", ch.Number))
	}
	if err != nil {
		return nil, err
	}
	sreq := session.Request{
		ChannelID:   ch.ID,
		StreamID:    st.ID,
		Fingerprint: session.Fingerprint(req.PlexClientID, req.UserAgent, req.ClientIP),
		UserAgent:   req.UserAgent,
		ClientIP:    req.ClientIP,
	}
	for attempt := 0; ; attempt++ {
		adm, err := c.Sessions.Admit(ctx, sreq)
		if err != nil {
			if ae, ok := session.AsAdmitError(err); ok {
				return nil, c.reject(ae)
			}
			return nil, err
		}
		if !adm.Deduped {
			h := c.hubFor(adm.Session.ID)
			// Subscribe before the worker starts; Serve may run later.
			sub := h.subscribe()
			go c.runPipeline(adm, st, ch, req, h)
			return &Stream{Session: adm.Session, Channel: ch, core: c, hub: h, sub: sub, ctx: adm.Ctx}, nil
		}
		if h := c.existingHub(adm.Session.ID); h != nil {
			return &Stream{Session: adm.Session, Channel: ch, Deduped: true, core: c, hub: h, sub: h.subscribe(), ctx: adm.Ctx}, nil
		}
		// Joined a session whose pipeline is already tearing down.
		c.Sessions.Detach(adm.Session.ID)
		if attempt > 0 {
			return nil, c.reject(session.Reject(session.RejectNoStream, "session %s ended during join", adm.Session.ID))
		}
	}
}

func (c *Core) reject(ae *session.AdmitError) error {
	c.Metrics.Rejected(ae.Reason)
	return ae
}

func (c *Core) existingHub(sessionID string) *hub {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hubs[sessionID]
}

// runPipeline resolves, plans and spawns the worker for a new session, then
// copies its packet-aligned output into the hub until the worker exits. The
// init deadline runs from admission: resolving and spawning count against it.
func (c *Core) runPipeline(adm session.Admission, st store.Stream, ch store.Channel, req TuneRequest, h *hub) {
	id := adm.Session.ID
	ctx := adm.Ctx
	fail := func(reason string, err error) {
		log.Printf("core: session=%s channel=%d stream=%s %s: %v", id, ch.Number, st.ID, reason, err)
		c.Sessions.End(id, reason)
		h.close(fmt.Errorf("%w: %s", ErrStreamEnded, reason))
		c.dropHub(id, h)
	}

	deadline := time.Now().Add(c.Tuning.InitDeadline)
	rctx, cancel := context.WithDeadline(ctx, deadline)
	res, err := c.Resolver.Resolve(rctx, st, req.Plex)
	cancel()
	if err != nil {
		switch {
		case ctx.Err() != nil:
			fail(session.EndClientGone, err)
		case errors.Is(err, context.DeadlineExceeded) && !time.Now().Before(deadline):
			c.recordOutcome(st.ID, false)
			fail(string(transcoder.FailureInitTimeout), err)
		default:
			c.recordOutcome(st.ID, false)
			fail(EndResolveFailed, err)
		}
		return
	}
	plan, err := c.Selector.Plan(ctx, st, req.UserAgent, res.URL)
	if err != nil {
		fail(string(transcoder.FailureInternal), err)
		return
	}
	w, err := c.Supervisor.Spawn(ctx, id, st.ID, plan)
	if err != nil {
		fail(EndSpawnFailed, err)
		return
	}

	initTimer := time.AfterFunc(time.Until(deadline), func() {
		w.Stop(transcoder.FailureInitTimeout, fmt.Sprintf("no output within %s", c.Tuning.InitDeadline))
	})
	got := c.pump(ctx, id, w, h, initTimer)
	initTimer.Stop()
	<-w.Done()
	ex := w.Exit()

	switch {
	case ex.Kind.Upstream():
		c.recordOutcome(st.ID, false)
		c.Resolver.Invalidate(st.URL)
	case got > 0:
		c.recordOutcome(st.ID, true)
	}
	if (ex.Kind == transcoder.FailureNone || ex.Kind == transcoder.FailureClientGone) && ex.DecodeErrors == 0 {
		c.Escalator.RecordClean(st.ID, ex.Duration)
	}

	reason := string(ex.Kind)
	if ex.Kind == transcoder.FailureNone {
		reason = EndUpstreamEOF
	}
	var closeErr error
	if ex.Kind != transcoder.FailureClientGone {
		closeErr = fmt.Errorf("%w: %s", ErrStreamEnded, reason)
		log.Printf("core: worker ended session=%s channel=%d url=%s kind=%s msg=%q bytes=%d",
			id, ch.Number, safeurl.RedactURL(res.URL), reason, ex.Message, got)
	}
	c.Sessions.End(id, reason)
	h.close(closeErr)
	c.dropHub(id, h)
}

// pump reads whole packets from the worker and broadcasts them. The init
// timer is disarmed on the first chunk, and the first inspectPackets packets
// are demuxed once; output without a PAT/PMT stops the worker. Returns bytes
// read.
func (c *Core) pump(ctx context.Context, id string, w *transcoder.Worker, h *hub, initTimer *time.Timer) int64 {
	r := mpegts.NewAlignedReader(w.Stdout())
	buf := make([]byte, readChunk)
	rem := 0
	var total int64
	start := c.Clock.Now()
	prefix := make([]byte, 0, inspectPackets*mpegts.PacketSize)
	inspected := false
	for {
		n, err := r.Read(buf[rem:])
		rem += n
		if whole := rem - rem%mpegts.PacketSize; whole > 0 {
			chunk := make([]byte, whole)
			copy(chunk, buf[:whole])
			rem = copy(buf, buf[whole:rem])
			if total == 0 {
				initTimer.Stop()
				c.Metrics.FirstByte.Observe(c.Clock.Since(start).Seconds())
				log.Printf("core: first bytes session=%s startup=%s", id, c.since(start))
			}
			total += int64(whole)
			h.broadcast(chunk)
			if !inspected {
				k := min(len(chunk), cap(prefix)-len(prefix))
				prefix = append(prefix, chunk[:k]...)
				if len(prefix) == cap(prefix) {
					inspected = true
					c.inspect(ctx, id, w, prefix)
					prefix = nil
				}
			}
			if err := c.Sessions.UpdateMetrics(id, int64(whole)); errors.Is(err, session.ErrUnknownSession) {
				w.Stop(transcoder.FailureClientGone, "session gone")
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) && !errors.Is(err, io.ErrClosedPipe) {
				log.Printf("core: read session=%s err=%v", id, err)
			}
			return total
		}
	}
}

// inspect logs the program layout found in the start of a session's output.
// A prefix with no PAT/PMT at all means the upstream carries no usable
// program. Audio-only programs are logged, not failed.
func (c *Core) inspect(ctx context.Context, id string, w *transcoder.Worker, prefix []byte) {
	info, err := mpegts.Inspect(ctx, prefix)
	switch {
	case errors.Is(err, mpegts.ErrNoPSI):
		log.Printf("core: session=%s no PAT/PMT in first %d packets", id, info.Packets)
		w.Stop(transcoder.FailureUpstreamNoStream, fmt.Sprintf("no PAT/PMT in first %d packets", inspectPackets))
	case err != nil:
		log.Printf("core: session=%s inspect err=%v", id, err)
	case !info.HasVideo():
		log.Printf("core: session=%s no video stream %s", id, info)
	default:
		log.Printf("core: session=%s program %s", id, info)
	}
}

func (c *Core) recordOutcome(streamID string, ok bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Store.RecordStreamOutcome(ctx, streamID, ok); err != nil {
		log.Printf("core: record outcome stream=%s err=%v", streamID, err)
	}
}

// Serve writes the session's MPEG-TS to out until the client leaves (ctx
// ends or a write fails) or the worker stops. Null packets are written
// every padding interval until the first real bytes arrive, so the client
// sees data immediately. flush, if non-nil, runs after each write.
func (s *Stream) Serve(ctx context.Context, out io.Writer, flush func()) error {
	var err error
	ran := false
	s.once.Do(func() {
		ran = true
		err = s.serve(ctx, out, flush)
	})
	if !ran {
		return errors.New("core: stream already served")
	}
	return err
}

func (s *Stream) serve(ctx context.Context, out io.Writer, flush func()) error {
	c := s.core
	id := s.Session.ID
	defer c.Sessions.Detach(id)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	sub := s.sub
	if sub == nil {
		sub = s.hub.subscribe()
	}
	defer s.hub.unsubscribe(sub)

	// Padding ticks count as session activity.
	tick := func() {
		if flush != nil {
			flush()
		}
		c.Sessions.Heartbeat(id)
	}
	pad := mpegts.StartPadding(ctx, out, tick, c.Tuning.PaddingInterval, c.Tuning.PaddingPerTick)
	var first []byte
	var open bool
	select {
	case first, open = <-sub.ch:
	case <-pad.Done():
	}
	stats := pad.Stop("first-byte")
	c.Metrics.PaddingPackets.Add(float64(stats.Packets))
	if stats.Packets > 0 {
		log.Printf("core: padding session=%s packets=%d reason=%s", id, stats.Packets, stats.Reason)
	}
	if stats.Err != nil {
		return s.finish(stats.Err)
	}
	if first == nil {
		if !open && sub.err != nil {
			return sub.err
		}
		return s.finish(ctx.Err())
	}

	write := func(b []byte) error {
		if _, err := out.Write(b); err != nil {
			return err
		}
		if flush != nil {
			flush()
		}
		c.Metrics.BytesServed.Add(float64(len(b)))
		return nil
	}
	if err := write(first); err != nil {
		return s.finish(err)
	}
	for {
		select {
		case <-ctx.Done():
			return s.finish(ctx.Err())
		case b, ok := <-sub.ch:
			if !ok {
				return sub.err
			}
			if err := write(b); err != nil {
				return s.finish(err)
			}
		}
	}
}

// finish maps a client-side error to nil: a disconnect or a session ended
// elsewhere is a normal way for Serve to return.
func (s *Stream) finish(err error) error {
	if err == nil || errors.Is(err, context.Canceled) || IsClientDisconnect(err) {
		return nil
	}
	return err
}
