package transcoder

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/snapetech/plexbridge/internal/clock"
	"github.com/snapetech/plexbridge/internal/store"
)

func TestClassifyClient(t *testing.T) {
	cases := []struct {
		ua   string
		want store.ClientKind
	}{
		{"Mozilla/5.0 (X11; Linux x86_64) Chrome/120 Plex Web", store.ClientWeb},
		{"Lavf/60.3.100", store.ClientWeb},
		{"PlexMediaServer/1.40", store.ClientWeb},
		{"Plex/10.2 (Android 14; Pixel 8)", store.ClientAndroidMobile},
		{"Plex/9.0 (Android 11; SHIELD Android TV)", store.ClientAndroidTV},
		{"Plex for Android (TV) AFTMM", store.ClientAndroidTV},
		{"Plex/8.30 (iPhone; iOS 17.2)", store.ClientIOSMobile},
		{"Plex/8.30 (iPad; iOS 17.2)", store.ClientIOSMobile},
		{"Plex/8.30 (Apple TV; tvOS 17.2)", store.ClientAppleTV},
	}
	for _, c := range cases {
		if got := ClassifyClient(c.ua); got != c.want {
			t.Errorf("ClassifyClient(%q) = %s, want %s", c.ua, got, c.want)
		}
	}
}

func TestNeedsTranscode(t *testing.T) {
	cases := []struct {
		st   store.Stream
		url  string
		want bool
	}{
		{store.Stream{Type: store.StreamHLS}, "http://cdn/live/index.m3u8", false},
		{store.Stream{Type: store.StreamHTTP}, "http://cdn/live/stream", false},
		{store.Stream{Type: store.StreamHTTP}, "http://cdn/live/1234.ts?token=x", true},
		{store.Stream{Type: store.StreamRTSP}, "rtsp://cam/1", true},
		{store.Stream{Type: store.StreamHTTP}, "rtmp://edge/app/key", true},
		{store.Stream{Type: store.StreamUDP}, "udp://239.0.0.1:1234", true},
		{store.Stream{Type: store.StreamDASH}, "http://cdn/manifest.mpd", true},
		{store.Stream{Type: store.StreamHLS, ProtocolOptions: store.ProtocolOptions{ForceTranscode: true}}, "http://cdn/a.m3u8", true},
	}
	for _, c := range cases {
		if got := NeedsTranscode(c.st, c.url); got != c.want {
			t.Errorf("NeedsTranscode(%s, %s) = %v, want %v", c.st.Type, c.url, got, c.want)
		}
	}
}

func TestBuildArgs(t *testing.T) {
	args, err := BuildArgs("-hide_banner -i {input} -c copy -f mpegts pipe:1", "http://up/x.m3u8", []string{"-user_agent", "VLC"})
	if err != nil {
		t.Fatal(err)
	}
	want := "-hide_banner -user_agent VLC -i http://up/x.m3u8 -c copy -f mpegts pipe:1"
	if got := strings.Join(args, " "); got != want {
		t.Errorf("args = %q\nwant   %q", got, want)
	}
	if _, err := BuildArgs("-i input.ts -f mpegts pipe:1", "x", nil); err == nil {
		t.Error("template without placeholder should fail")
	}
}

func TestInputOptions(t *testing.T) {
	st := store.Stream{
		Type:            store.StreamHTTP,
		Auth:            &store.StreamAuth{Username: "u", Password: "p"},
		Headers:         map[string]string{"X-Token": "t"},
		ProtocolOptions: store.ProtocolOptions{Referer: "http://ref/"},
	}
	opts := strings.Join(InputOptions(st, "http://up/live.ts"), "|")
	for _, want := range []string{"-user_agent|VLC/", "Referer: http://ref/\r\n", "Authorization: Basic dTpw\r\n", "X-Token: t\r\n", "-reconnect|1"} {
		if !strings.Contains(opts, want) {
			t.Errorf("opts %q missing %q", opts, want)
		}
	}
	hls := strings.Join(InputOptions(store.Stream{Type: store.StreamHLS}, "https://up/a.m3u8"), " ")
	if strings.Contains(hls, "-reconnect") {
		t.Errorf("hls opts should not reconnect: %q", hls)
	}
	if got := InputOptions(store.Stream{Type: store.StreamRTSP}, "rtsp://cam/1"); strings.Join(got, " ") != "-rtsp_transport tcp" {
		t.Errorf("rtsp opts = %v", got)
	}
}

func newProfileStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSelectorPlan(t *testing.T) {
	s := newProfileStore(t)
	fc := clock.NewFake(time.Unix(1_700_000_000, 0))
	esc := NewEscalator(fc, 2, time.Minute, 2*time.Minute)
	sel := &Selector{Profiles: s, Escalation: esc}
	ctx := context.Background()

	hls := store.Stream{ID: "s1", Type: store.StreamHLS}
	p, err := sel.Plan(ctx, hls, "Plex Web", "http://up/a.m3u8")
	if err != nil {
		t.Fatal(err)
	}
	if p.ProfileID != store.ProfileDefault || p.Transcode || p.Source != "default" {
		t.Errorf("hls plan = %+v", p)
	}
	if !strings.Contains(strings.Join(p.Args, " "), "-i http://up/a.m3u8 ") || !containsArg(p.Args, "copy") {
		t.Errorf("hls args = %v", p.Args)
	}

	rtsp := store.Stream{ID: "s2", Type: store.StreamRTSP}
	p, err = sel.Plan(ctx, rtsp, "Plex/8 (iPhone; iOS 17)", "rtsp://cam/1")
	if err != nil {
		t.Fatal(err)
	}
	if !p.Transcode || p.Client != store.ClientIOSMobile || !containsArg(p.Args, "libx264") {
		t.Errorf("rtsp plan = %+v", p)
	}

	esc.RecordDecodeError("s1")
	esc.RecordDecodeError("s1")
	p, _ = sel.Plan(ctx, hls, "", "http://up/a.m3u8")
	if p.ProfileID != store.ProfileH264Recovery || !p.Transcode {
		t.Errorf("escalated plan = %+v", p)
	}

	hls.ReliabilityProfile = store.ProfileAntiLoop
	p, _ = sel.Plan(ctx, hls, "", "http://up/a.m3u8")
	if p.ProfileID != store.ProfileAntiLoop || p.Source != "reliability" {
		t.Errorf("override plan = %+v", p)
	}

	missing := store.Stream{ID: "s3", Type: store.StreamHLS, ProfileID: "gone"}
	p, _ = sel.Plan(ctx, missing, "", "http://up/b.m3u8")
	if p.ProfileID != store.ProfileDefault {
		t.Errorf("missing profile should fall back to default, got %s", p.ProfileID)
	}
}

func containsArg(args []string, a string) bool {
	for _, x := range args {
		if x == a {
			return true
		}
	}
	return false
}

func TestEscalator_ladderAndDecay(t *testing.T) {
	fc := clock.NewFake(time.Unix(1_700_000_000, 0))
	e := NewEscalator(fc, 5, 60*time.Second, 120*time.Second)
	for i := 0; i < 4; i++ {
		if e.RecordDecodeError("s") {
			t.Fatal("escalated below threshold")
		}
		fc.Advance(20 * time.Second)
	}
	// The first errors fell out of the 60s window.
	if e.RecordDecodeError("s") || e.Level("s") != 0 {
		t.Fatal("errors outside the window should not count")
	}
	for i := 0; i < 5; i++ {
		e.RecordDecodeError("s")
	}
	if e.Level("s") != 1 {
		t.Fatalf("level = %d, want 1", e.Level("s"))
	}
	for lvl := 2; lvl <= 4; lvl++ {
		for i := 0; i < 5; i++ {
			e.RecordDecodeError("s")
		}
	}
	if e.Level("s") != len(Ladder) {
		t.Fatalf("level = %d, want capped at %d", e.Level("s"), len(Ladder))
	}
	e.RecordClean("s", 30*time.Second)
	if e.Level("s") != len(Ladder) {
		t.Error("short clean interval should not decay")
	}
	e.RecordClean("s", 3*time.Minute)
	if e.Level("s") != len(Ladder)-1 {
		t.Errorf("level after decay = %d", e.Level("s"))
	}
}

func TestClassifyLine(t *testing.T) {
	cases := []struct {
		line string
		want LineClass
	}{
		{"[http @ 0x55] HTTP error 403 Forbidden", LineClass{Kind: FailureUpstreamHTTP}},
		{"http://x/a.m3u8: Server returned 404 Not Found", LineClass{Kind: FailureUpstreamHTTP}},
		{"[tcp @ 0x1] Connection to tcp://x:80 failed: Connection refused", LineClass{Kind: FailureUpstreamRefused}},
		{"http://x: Invalid data found when processing input", LineClass{Kind: FailureUpstreamInvalid}},
		{"[tcp @ 0x1] Failed to resolve hostname nope.invalid", LineClass{Kind: FailureUpstreamDNS}},
		{"[h264 @ 0x2] non-existing PPS 0 referenced", LineClass{Decode: true}},
		{"[h264 @ 0x2] decode_slice_header error", LineClass{Decode: true}},
		{"[hls @ 0x3] keepalive request failed, reconnecting", LineClass{Transient: true}},
		{"[tcp @ 0x1] Connection timed out", LineClass{Transient: true}},
		{"frame= 100 fps=25 q=-1.0 size=1024kB", LineClass{}},
	}
	for _, c := range cases {
		if got := ClassifyLine(c.line); got != c.want {
			t.Errorf("ClassifyLine(%q) = %+v, want %+v", c.line, got, c.want)
		}
	}
}

// fakeProc is a scripted worker: it writes stdout and stderr from the test
// and exits when interrupted (unless stubborn) or killed.
type fakeProc struct {
	outR, errR *io.PipeReader
	outW, errW *io.PipeWriter

	stubborn bool
	mu       sync.Mutex
	signals  []string
	exited   chan struct{}
	once     sync.Once
}

func newFakeProc(stubborn bool) *fakeProc {
	p := &fakeProc{stubborn: stubborn, exited: make(chan struct{})}
	p.outR, p.outW = io.Pipe()
	p.errR, p.errW = io.Pipe()
	return p
}

func (p *fakeProc) Pid() int              { return 4242 }
func (p *fakeProc) Stdout() io.ReadCloser { return p.outR }
func (p *fakeProc) Stderr() io.ReadCloser { return p.errR }

func (p *fakeProc) exit() {
	p.once.Do(func() {
		p.outW.Close()
		p.errW.Close()
		close(p.exited)
	})
}

func (p *fakeProc) record(sig string) {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()
}

func (p *fakeProc) got() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.signals...)
}

func (p *fakeProc) Interrupt() error {
	p.record("int")
	if !p.stubborn {
		p.exit()
	}
	return nil
}

func (p *fakeProc) Kill() error {
	p.record("kill")
	p.exit()
	return nil
}

func (p *fakeProc) Wait() error {
	<-p.exited
	return errors.New("signal: killed")
}

type fakeLauncher struct {
	proc *fakeProc
	args []string
}

func (l *fakeLauncher) Launch(ctx context.Context, args []string) (Process, error) {
	l.args = args
	return l.proc, nil
}

func waitDone(t *testing.T, w *Worker) Exit {
	t.Helper()
	select {
	case <-w.Done():
		return w.Exit()
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not exit")
	}
	return Exit{}
}

func TestWorker_fatalStderrKills(t *testing.T) {
	proc := newFakeProc(true)
	sup := NewSupervisor(&fakeLauncher{proc: proc}, nil, nil, time.Second)
	w, err := sup.Spawn(context.Background(), "sess", "s1", Plan{ProfileID: "default", Args: []string{"-i", "x"}})
	if err != nil {
		t.Fatal(err)
	}
	if sup.Active() != 1 {
		t.Fatalf("active = %d", sup.Active())
	}
	proc.errW.Write([]byte("[http @ 0x1] HTTP error 404 Not Found\n"))
	ex := waitDone(t, w)
	if ex.Kind != FailureUpstreamHTTP {
		t.Errorf("kind = %q", ex.Kind)
	}
	if got := proc.got(); len(got) != 1 || got[0] != "kill" {
		t.Errorf("signals = %v, want immediate kill", got)
	}
	if sup.Active() != 0 {
		t.Errorf("active after exit = %d", sup.Active())
	}
}

func TestWorker_stopGraceThenKill(t *testing.T) {
	proc := newFakeProc(true)
	sup := NewSupervisor(&fakeLauncher{proc: proc}, nil, nil, 50*time.Millisecond)
	w, _ := sup.Spawn(context.Background(), "sess", "s1", Plan{})
	w.Stop(FailureClientGone, "client left")
	w.Stop(FailureInternal, "again")
	ex := waitDone(t, w)
	if ex.Kind != FailureClientGone {
		t.Errorf("kind = %q", ex.Kind)
	}
	if got := proc.got(); len(got) != 2 || got[0] != "int" || got[1] != "kill" {
		t.Errorf("signals = %v, want [int kill]", got)
	}
}

func TestWorker_ctxCancelInterrupts(t *testing.T) {
	proc := newFakeProc(false)
	sup := NewSupervisor(&fakeLauncher{proc: proc}, nil, nil, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	w, _ := sup.Spawn(ctx, "sess", "s1", Plan{})
	go func() {
		buf := make([]byte, 188)
		io.ReadFull(w.Stdout(), buf)
	}()
	proc.outW.Write(make([]byte, 188))
	cancel()
	ex := waitDone(t, w)
	if ex.Kind != FailureClientGone {
		t.Errorf("kind = %q", ex.Kind)
	}
	if got := proc.got(); len(got) != 1 || got[0] != "int" {
		t.Errorf("signals = %v, want graceful interrupt only", got)
	}
}

func TestWorker_decodeStormEscalates(t *testing.T) {
	proc := newFakeProc(true)
	esc := NewEscalator(clock.NewFake(time.Unix(1_700_000_000, 0)), 3, time.Minute, 2*time.Minute)
	sup := NewSupervisor(&fakeLauncher{proc: proc}, esc, nil, time.Second)
	w, _ := sup.Spawn(context.Background(), "sess", "s9", Plan{})
	for i := 0; i < 3; i++ {
		proc.errW.Write([]byte("[h264 @ 0x5] non-existing PPS 0 referenced\n"))
	}
	ex := waitDone(t, w)
	if ex.Kind != FailureDecodeStorm || ex.DecodeErrors != 3 {
		t.Errorf("exit = %+v", ex)
	}
	if esc.Level("s9") != 1 {
		t.Errorf("level = %d", esc.Level("s9"))
	}
}
