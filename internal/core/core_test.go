package core

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/snapetech/plexbridge/internal/config"
	"github.com/snapetech/plexbridge/internal/mpegts"
	"github.com/snapetech/plexbridge/internal/session"
	"github.com/snapetech/plexbridge/internal/store"
	"github.com/snapetech/plexbridge/internal/transcoder"
)

type fakeProc struct {
	outR *io.PipeReader
	outW *io.PipeWriter
	errR *io.PipeReader
	errW *io.PipeWriter

	mu      sync.Mutex
	signals []string
	exited  chan struct{}
	once    sync.Once
}

func newFakeProc() *fakeProc {
	p := &fakeProc{exited: make(chan struct{})}
	p.outR, p.outW = io.Pipe()
	p.errR, p.errW = io.Pipe()
	return p
}

func (p *fakeProc) Pid() int              { return 7 }
func (p *fakeProc) Stdout() io.ReadCloser { return p.outR }
func (p *fakeProc) Stderr() io.ReadCloser { return p.errR }
func (p *fakeProc) Wait() error           { <-p.exited; return nil }

func (p *fakeProc) exit() {
	p.once.Do(func() {
		p.outW.Close()
		p.errW.Close()
		close(p.exited)
	})
}

func (p *fakeProc) Interrupt() error {
	p.mu.Lock()
	p.signals = append(p.signals, "int")
	p.mu.Unlock()
	p.exit()
	return nil
}

func (p *fakeProc) Kill() error { p.exit(); return nil }

func (p *fakeProc) interrupted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.signals) > 0
}

type fakeLauncher struct {
	mu    sync.Mutex
	procs []*fakeProc

	// onLaunch, when set, runs for every new process before Launch returns.
	onLaunch func(p *fakeProc)
}

func (l *fakeLauncher) Launch(ctx context.Context, args []string) (transcoder.Process, error) {
	p := newFakeProc()
	l.mu.Lock()
	l.procs = append(l.procs, p)
	l.mu.Unlock()
	if l.onLaunch != nil {
		l.onLaunch(p)
	}
	return p, nil
}

func (l *fakeLauncher) launched() []*fakeProc {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*fakeProc(nil), l.procs...)
}

// syncBuffer is a client response body safe to inspect while Serve writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type testEnv struct {
	core     *Core
	st       *store.Store
	launcher *fakeLauncher
	channel  store.Channel
	stream   store.Stream
}

func newTestEnv(t *testing.T, tuners int, tune func(*config.Tuning)) *testEnv {
	t.Helper()
	st, err := store.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	ctx := context.Background()
	ch, err := st.SaveChannel(ctx, store.Channel{Number: 3, Name: "Three", Enabled: true})
	if err != nil {
		t.Fatal(err)
	}
	sm, err := st.SaveStream(ctx, store.Stream{ChannelID: ch.ID, Name: "main", URL: "http://upstream.test/live.ts", Type: store.StreamMPEGTS, Enabled: true})
	if err != nil {
		t.Fatal(err)
	}
	cfg := &config.Config{TunerCount: tuners, FFmpegPath: "ffmpeg", Tuning: config.DefaultTuning()}
	cfg.Tuning.PaddingInterval = 25 * time.Millisecond
	if tune != nil {
		tune(&cfg.Tuning)
	}
	l := &fakeLauncher{}
	c := New(cfg, st, Options{Launcher: l, NoLookup: true})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		c.Shutdown(ctx)
	})
	return &testEnv{core: c, st: st, launcher: l, channel: ch, stream: sm}
}

// packets returns n TS packets on PID 0x100 filled with fill.
func packets(n int, fill byte) []byte {
	out := make([]byte, 0, n*mpegts.PacketSize)
	for i := 0; i < n; i++ {
		pkt := make([]byte, mpegts.PacketSize)
		pkt[0], pkt[1], pkt[2], pkt[3] = mpegts.SyncByte, 0x01, 0x00, 0x10|byte(i&0x0f)
		for j := 4; j < len(pkt); j++ {
			pkt[j] = fill
		}
		out = append(out, pkt...)
	}
	return out
}

type served struct {
	buf  *syncBuffer
	done chan error
	stop context.CancelFunc
}

func serve(s *Stream) *served {
	ctx, cancel := context.WithCancel(context.Background())
	sv := &served{buf: &syncBuffer{}, done: make(chan error, 1), stop: cancel}
	go func() { sv.done <- s.Serve(ctx, sv.buf, nil) }()
	return sv
}

func (sv *served) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-sv.done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return")
		return nil
	}
}

func TestTune_progressiveInit(t *testing.T) {
	env := newTestEnv(t, 2, nil)
	s, err := env.core.Tune(context.Background(), TuneRequest{ChannelRef: "3", UserAgent: "PlexMediaServer/1.40", ClientIP: "10.0.0.5"})
	if err != nil {
		t.Fatal(err)
	}
	sv := serve(s)
	eventually(t, "padding", func() bool { return len(sv.buf.Bytes()) >= 2*mpegts.PacketSize })
	head := sv.buf.Bytes()
	for off := 0; off+mpegts.PacketSize <= len(head); off += mpegts.PacketSize {
		if !mpegts.IsNullPacket(head[off : off+mpegts.PacketSize]) {
			t.Fatalf("packet at %d is not a null packet", off)
		}
	}

	eventually(t, "worker launch", func() bool { return len(env.launcher.launched()) == 1 })
	proc := env.launcher.launched()[0]
	data := packets(2, 0xAB)
	go proc.outW.Write(data)
	eventually(t, "real packets", func() bool { return bytes.Contains(sv.buf.Bytes(), data) })

	body := sv.buf.Bytes()
	if len(body)%mpegts.PacketSize != 0 {
		t.Fatalf("body length %d not packet aligned", len(body))
	}
	if i := bytes.Index(body, data); i%mpegts.PacketSize != 0 {
		t.Fatalf("real data starts at %d, not a packet boundary", i)
	}
	if rec, ok := env.core.Sessions.Get(s.Session.ID); !ok || rec.State != store.SessionStreaming {
		t.Fatalf("session = %+v ok=%v, want streaming", rec, ok)
	}

	sv.stop()
	if err := sv.wait(t); err != nil {
		t.Fatalf("Serve after client left = %v", err)
	}
	eventually(t, "worker interrupt", proc.interrupted)
	eventually(t, "tuner release", func() bool { return env.core.Sessions.Capacity().InUse == 0 })
}

func TestTune_dedupSharesWorker(t *testing.T) {
	env := newTestEnv(t, 1, nil)
	req := TuneRequest{ChannelRef: env.channel.ID, PlexClientID: "plex-abc", UserAgent: "PlexMediaServer", ClientIP: "10.0.0.5"}
	a, err := env.core.Tune(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	b, err := env.core.Tune(context.Background(), req)
	if err != nil {
		t.Fatalf("second tune: %v", err)
	}
	if !b.Deduped || b.Session.ID != a.Session.ID {
		t.Fatalf("second tune deduped=%v session=%s, want join of %s", b.Deduped, b.Session.ID, a.Session.ID)
	}
	if got := env.core.Sessions.Capacity().InUse; got != 1 {
		t.Fatalf("in use = %d, want 1", got)
	}

	sa, sb := serve(a), serve(b)
	eventually(t, "both padding", func() bool { return len(sa.buf.Bytes()) > 0 && len(sb.buf.Bytes()) > 0 })
	eventually(t, "worker launch", func() bool { return len(env.launcher.launched()) == 1 })
	data := packets(3, 0x5A)
	go env.launcher.launched()[0].outW.Write(data)
	eventually(t, "fan-out", func() bool {
		return bytes.Contains(sa.buf.Bytes(), data) && bytes.Contains(sb.buf.Bytes(), data)
	})
	if n := len(env.launcher.launched()); n != 1 {
		t.Fatalf("launched %d workers, want 1", n)
	}

	sa.stop()
	sa.wait(t)
	if _, ok := env.core.Sessions.Get(a.Session.ID); !ok {
		t.Fatal("session ended while a client was still attached")
	}
	sb.stop()
	sb.wait(t)
	eventually(t, "session end", func() bool {
		_, ok := env.core.Sessions.Get(a.Session.ID)
		return !ok
	})
}

func TestTune_capacity(t *testing.T) {
	env := newTestEnv(t, 1, nil)
	if _, err := env.core.Tune(context.Background(), TuneRequest{ChannelRef: "3", PlexClientID: "one"}); err != nil {
		t.Fatal(err)
	}
	_, err := env.core.Tune(context.Background(), TuneRequest{ChannelRef: "3", PlexClientID: "two"})
	ae, ok := session.AsAdmitError(err)
	if !ok || ae.Reason != session.RejectCapacity {
		t.Fatalf("err = %v, want capacity rejection", err)
	}
	if env.core.Sessions.Capacity().InUse != 1 {
		t.Error("rejected tune changed in-use count")
	}
}

func TestTune_unknownChannel(t *testing.T) {
	env := newTestEnv(t, 1, nil)
	_, err := env.core.Tune(context.Background(), TuneRequest{ChannelRef: "999"})
	if ae, ok := session.AsAdmitError(err); !ok || ae.Reason != session.RejectChannelNotFound {
		t.Fatalf("err = %v, want channel_not_found", err)
	}

	ctx := context.Background()
	ch, err := env.st.SaveChannel(ctx, store.Channel{Number: 9, Name: "Empty", Enabled: true})
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.core.Tune(ctx, TuneRequest{ChannelRef: ch.ID})
	if ae, ok := session.AsAdmitError(err); !ok || ae.Reason != session.RejectNoStream {
		t.Fatalf("err = %v, want no_stream", err)
	}
}

func TestTune_initTimeout(t *testing.T) {
	env := newTestEnv(t, 1, func(tn *config.Tuning) { tn.InitDeadline = 100 * time.Millisecond })
	s, err := env.core.Tune(context.Background(), TuneRequest{ChannelRef: "3", PlexClientID: "x"})
	if err != nil {
		t.Fatal(err)
	}
	sv := serve(s)
	err = sv.wait(t)
	if !errors.Is(err, ErrStreamEnded) {
		t.Fatalf("Serve = %v, want ErrStreamEnded", err)
	}
	if len(sv.buf.Bytes()) == 0 {
		t.Error("no padding written before the deadline")
	}
	eventually(t, "failure recorded", func() bool {
		st, err := env.st.GetStream(context.Background(), env.stream.ID)
		return err == nil && st.FailureCount == 1
	})
	if env.core.Sessions.Capacity().InUse != 0 {
		t.Error("tuner not released after init timeout")
	}
}

func TestTune_workerEOFEndsSession(t *testing.T) {
	env := newTestEnv(t, 1, nil)
	s, err := env.core.Tune(context.Background(), TuneRequest{ChannelRef: "3", PlexClientID: "x"})
	if err != nil {
		t.Fatal(err)
	}
	sv := serve(s)
	eventually(t, "padding", func() bool { return len(sv.buf.Bytes()) > 0 })
	eventually(t, "worker launch", func() bool { return len(env.launcher.launched()) == 1 })
	proc := env.launcher.launched()[0]
	data := packets(2, 0x11)
	go func() {
		proc.outW.Write(data)
		proc.exit()
	}()
	if err := sv.wait(t); !errors.Is(err, ErrStreamEnded) {
		t.Fatalf("Serve = %v, want ErrStreamEnded", err)
	}
	if !bytes.Contains(sv.buf.Bytes(), data) {
		t.Error("client did not receive the data written before exit")
	}
	eventually(t, "success recorded", func() bool {
		st, err := env.st.GetStream(context.Background(), env.stream.ID)
		return err == nil && st.FailureCount == 0 && st.ReliabilityScore > 0
	})
}

func TestTune_outputBeforeServeIsDelivered(t *testing.T) {
	env := newTestEnv(t, 1, nil)
	data := packets(4, 0xC3)
	env.launcher.onLaunch = func(p *fakeProc) { go p.outW.Write(data) }
	s, err := env.core.Tune(context.Background(), TuneRequest{ChannelRef: "3", PlexClientID: "early"})
	if err != nil {
		t.Fatal(err)
	}
	eventually(t, "worker output counted", func() bool {
		rec, ok := env.core.Sessions.Get(s.Session.ID)
		return ok && rec.Bytes == int64(len(data))
	})

	sv := serve(s)
	eventually(t, "early packets delivered", func() bool { return bytes.Contains(sv.buf.Bytes(), data) })
	if i := bytes.Index(sv.buf.Bytes(), data); i%mpegts.PacketSize != 0 {
		t.Fatalf("worker data starts at %d, not a packet boundary", i)
	}
	sv.stop()
	sv.wait(t)
}

func TestTune_paddingKeepsSessionAlive(t *testing.T) {
	env := newTestEnv(t, 1, func(tn *config.Tuning) { tn.IdleTimeout = 150 * time.Millisecond })
	s, err := env.core.Tune(context.Background(), TuneRequest{ChannelRef: "3", PlexClientID: "slow-start"})
	if err != nil {
		t.Fatal(err)
	}
	sv := serve(s)
	for end := time.Now().Add(500 * time.Millisecond); time.Now().Before(end); {
		if n := env.core.Sessions.Sweep(); n != 0 {
			t.Fatalf("janitor ended %d initializing sessions", n)
		}
		time.Sleep(25 * time.Millisecond)
	}
	if _, ok := env.core.Sessions.Get(s.Session.ID); !ok {
		t.Fatal("session ended while padding")
	}

	eventually(t, "worker launch", func() bool { return len(env.launcher.launched()) == 1 })
	data := packets(2, 0x44)
	go env.launcher.launched()[0].outW.Write(data)
	eventually(t, "real packets", func() bool { return bytes.Contains(sv.buf.Bytes(), data) })
	sv.stop()
	sv.wait(t)
}

func TestTune_initDeadlineCoversResolve(t *testing.T) {
	env := newTestEnv(t, 1, func(tn *config.Tuning) { tn.InitDeadline = 200 * time.Millisecond })
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(upstream.Close)
	t.Cleanup(func() { close(release) })

	ctx := context.Background()
	ch, err := env.st.SaveChannel(ctx, store.Channel{Number: 4, Name: "Four", Enabled: true})
	if err != nil {
		t.Fatal(err)
	}
	sm, err := env.st.SaveStream(ctx, store.Stream{ChannelID: ch.ID, Name: "hls", URL: upstream.URL + "/live.m3u8", Type: store.StreamHLS, Enabled: true})
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	s, err := env.core.Tune(ctx, TuneRequest{ChannelRef: "4", PlexClientID: "x"})
	if err != nil {
		t.Fatal(err)
	}
	sv := serve(s)
	err = sv.wait(t)
	if !errors.Is(err, ErrStreamEnded) || !strings.Contains(err.Error(), string(transcoder.FailureInitTimeout)) {
		t.Fatalf("Serve = %v, want init timeout", err)
	}
	if d := time.Since(start); d > 2*time.Second {
		t.Errorf("stream closed after %s, deadline was 200ms", d)
	}
	if len(sv.buf.Bytes()) == 0 {
		t.Error("no padding written while resolving")
	}
	if n := len(env.launcher.launched()); n != 0 {
		t.Errorf("launched %d workers for an unresolved stream", n)
	}
	eventually(t, "failure recorded", func() bool {
		st, err := env.st.GetStream(ctx, sm.ID)
		return err == nil && st.FailureCount == 1
	})
}

func TestTune_outputWithoutPSIStopsWorker(t *testing.T) {
	env := newTestEnv(t, 1, nil)
	env.launcher.onLaunch = func(p *fakeProc) { go p.outW.Write(packets(inspectPackets, 0x22)) }
	s, err := env.core.Tune(context.Background(), TuneRequest{ChannelRef: "3", PlexClientID: "x"})
	if err != nil {
		t.Fatal(err)
	}
	sv := serve(s)
	err = sv.wait(t)
	if !errors.Is(err, ErrStreamEnded) || !strings.Contains(err.Error(), string(transcoder.FailureUpstreamNoStream)) {
		t.Fatalf("Serve = %v, want upstream_no_stream", err)
	}
	eventually(t, "failure recorded", func() bool {
		st, err := env.st.GetStream(context.Background(), env.stream.ID)
		return err == nil && st.FailureCount == 1
	})
}

func TestTune_outputWithPSIKeepsStreaming(t *testing.T) {
	env := newTestEnv(t, 1, nil)
	pat, pmt := mpegts.BuildPAT(0), mpegts.BuildPMT(0)
	data := append(append(pat[:], pmt[:]...), packets(inspectPackets, 0x22)...)
	env.launcher.onLaunch = func(p *fakeProc) { go p.outW.Write(data) }
	s, err := env.core.Tune(context.Background(), TuneRequest{ChannelRef: "3", PlexClientID: "x"})
	if err != nil {
		t.Fatal(err)
	}
	sv := serve(s)
	eventually(t, "all packets read", func() bool {
		rec, ok := env.core.Sessions.Get(s.Session.ID)
		return ok && rec.Bytes == int64(len(data))
	})
	eventually(t, "all packets delivered", func() bool { return bytes.Contains(sv.buf.Bytes(), data) })
	rec, ok := env.core.Sessions.Get(s.Session.ID)
	if !ok || rec.State != store.SessionStreaming {
		t.Fatalf("session = %+v ok=%v, want streaming", rec, ok)
	}
	if env.launcher.launched()[0].interrupted() {
		t.Error("worker stopped despite a valid PAT/PMT")
	}
	sv.stop()
	sv.wait(t)
}

func TestHub_slowSubscriberDropped(t *testing.T) {
	h := newHub()
	fast, slow := h.subscribe(), h.subscribe()
	chunk := packets(1, 0)
	for i := 0; i < subBuffer; i++ {
		h.broadcast(chunk)
		<-fast.ch
	}
	if n := h.broadcast(chunk); n != 1 {
		t.Fatalf("subscribers after overflow = %d, want 1", n)
	}
	for range slow.ch {
	}
	if !errors.Is(slow.err, errSlowClient) {
		t.Errorf("slow err = %v", slow.err)
	}
	h.close(nil)
	if _, ok := <-fast.ch; !ok {
		t.Fatal("pending chunk lost on close")
	}
	if _, ok := <-fast.ch; ok {
		t.Fatal("fast subscriber still open after close")
	}
	late := h.subscribe()
	if _, ok := <-late.ch; ok {
		t.Error("subscribe on closed hub returned an open subscriber")
	}
}

func TestIsClientDisconnect(t *testing.T) {
	cases := map[error]bool{
		nil:                              false,
		context.Canceled:                 true,
		io.ErrClosedPipe:                 true,
		errors.New("write: broken pipe"): true,
		errors.New("boom"):               false,
	}
	for err, want := range cases {
		if got := IsClientDisconnect(err); got != want {
			t.Errorf("IsClientDisconnect(%v) = %v", err, got)
		}
	}
}
