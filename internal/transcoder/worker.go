package transcoder

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/snapetech/plexbridge/internal/safeurl"
)

// Observer receives worker lifecycle callbacks (metrics).
type Observer interface {
	WorkerStarted(profileID string, transcode bool)
	WorkerExited(profileID string, kind FailureKind, d time.Duration)
}

// Exit summarizes a finished worker.
type Exit struct {
	Kind         FailureKind
	Message      string // stderr line or stop reason behind Kind
	Err          error  // process exit error
	DecodeErrors int
	Duration     time.Duration
}

// Worker is one supervised subprocess belonging to a session.
type Worker struct {
	SessionID string
	StreamID  string
	Plan      Plan

	sup     *Supervisor
	proc    Process
	started time.Time

	stopOnce sync.Once
	done     chan struct{}

	mu        sync.Mutex
	kind      FailureKind
	message   string
	decodeErr int
	lastLine  string
	exit      Exit
}

// Stdout is the worker's MPEG-TS output.
func (w *Worker) Stdout() io.Reader { return w.proc.Stdout() }

// Done is closed once the process has exited and its pipes are drained.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Exit returns the final summary; valid after Done is closed.
func (w *Worker) Exit() Exit {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exit
}

// Stop asks the worker to finish: interrupt, then kill after the grace
// period. kind is recorded unless a failure was already classified. Stop is
// idempotent and does not block.
func (w *Worker) Stop(kind FailureKind, reason string) {
	w.setFailure(kind, reason)
	w.stopOnce.Do(func() {
		go w.terminate()
	})
}

// fail records a classified failure and kills immediately.
func (w *Worker) fail(kind FailureKind, line string) {
	if !w.setFailure(kind, line) {
		return
	}
	log.Printf("transcoder: fatal session=%s stream=%s kind=%s line=%q", w.SessionID, w.StreamID, kind, line)
	w.stopOnce.Do(func() {
		if err := w.proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			log.Printf("transcoder: kill pid=%d err=%v", w.proc.Pid(), err)
		}
	})
}

func (w *Worker) setFailure(kind FailureKind, msg string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.kind != FailureNone || kind == FailureNone {
		return false
	}
	w.kind, w.message = kind, msg
	return true
}

func (w *Worker) terminate() {
	select {
	case <-w.done:
		return
	default:
	}
	_ = w.proc.Interrupt()
	t := time.NewTimer(w.sup.grace)
	defer t.Stop()
	select {
	case <-w.done:
	case <-t.C:
		log.Printf("transcoder: worker pid=%d ignored interrupt for %s; killing", w.proc.Pid(), w.sup.grace)
		_ = w.proc.Kill()
	}
}

func (w *Worker) readStderr(wg *sync.WaitGroup) {
	defer wg.Done()
	sc := bufio.NewScanner(w.proc.Stderr())
	sc.Buffer(make([]byte, 0, 16*1024), 256*1024)
	transient := 0
	for sc.Scan() {
		line := sc.Text()
		w.mu.Lock()
		w.lastLine = line
		w.mu.Unlock()
		c := ClassifyLine(line)
		switch {
		case c.Fatal():
			w.fail(c.Kind, line)
		case c.Decode:
			w.mu.Lock()
			w.decodeErr++
			w.mu.Unlock()
			if w.sup.escalator != nil && w.sup.escalator.RecordDecodeError(w.StreamID) {
				w.fail(FailureDecodeStorm, line)
			}
		case c.Transient:
			transient++
			if transient <= 3 || transient%20 == 0 {
				log.Printf("transcoder: transient session=%s n=%d line=%q", w.SessionID, transient, line)
			}
		}
	}
}

func (w *Worker) wait(stderrWG *sync.WaitGroup) {
	stderrWG.Wait()
	err := w.proc.Wait()
	w.proc.Stderr().Close()
	w.proc.Stdout().Close()
	w.mu.Lock()
	if w.kind == FailureNone && err != nil {
		w.kind = FailureInternal
		w.message = w.lastLine
	}
	w.exit = Exit{
		Kind:         w.kind,
		Message:      w.message,
		Err:          err,
		DecodeErrors: w.decodeErr,
		Duration:     time.Since(w.started),
	}
	ex := w.exit
	w.mu.Unlock()
	w.sup.remove(w)
	close(w.done)
	log.Printf("transcoder: exit session=%s pid=%d profile=%s kind=%q err=%v decode_errors=%d duration=%s",
		w.SessionID, w.proc.Pid(), w.Plan.ProfileID, ex.Kind, err, ex.DecodeErrors, ex.Duration.Round(time.Millisecond))
	if w.sup.observer != nil {
		w.sup.observer.WorkerExited(w.Plan.ProfileID, ex.Kind, ex.Duration)
	}
}

// Supervisor spawns and tracks workers.
type Supervisor struct {
	launcher  Launcher
	escalator *Escalator
	observer  Observer
	grace     time.Duration

	mu      sync.Mutex
	workers map[string]*Worker
}

// NewSupervisor returns a supervisor. grace bounds how long a worker may
// ignore an interrupt before it is killed.
func NewSupervisor(l Launcher, esc *Escalator, obs Observer, grace time.Duration) *Supervisor {
	if grace <= 0 {
		grace = 5 * time.Second
	}
	return &Supervisor{launcher: l, escalator: esc, observer: obs, grace: grace, workers: make(map[string]*Worker)}
}

// Spawn starts a worker for sessionID. The worker is stopped when ctx ends.
func (s *Supervisor) Spawn(ctx context.Context, sessionID, streamID string, plan Plan) (*Worker, error) {
	proc, err := s.launcher.Launch(ctx, plan.Args)
	if err != nil {
		return nil, err
	}
	w := &Worker{
		SessionID: sessionID,
		StreamID:  streamID,
		Plan:      plan,
		sup:       s,
		proc:      proc,
		started:   time.Now(),
		done:      make(chan struct{}),
	}
	s.mu.Lock()
	s.workers[sessionID] = w
	s.mu.Unlock()
	log.Printf("transcoder: spawn session=%s stream=%s pid=%d profile=%s source=%s client=%s transcode=%t args=%q",
		sessionID, streamID, proc.Pid(), plan.ProfileID, plan.Source, plan.Client, plan.Transcode, redactArgs(plan.Args))
	if s.observer != nil {
		s.observer.WorkerStarted(plan.ProfileID, plan.Transcode)
	}
	var stderrWG sync.WaitGroup
	stderrWG.Add(1)
	go w.readStderr(&stderrWG)
	go w.wait(&stderrWG)
	go func() {
		select {
		case <-ctx.Done():
			w.Stop(FailureClientGone, "context done")
		case <-w.done:
		}
	}()
	return w, nil
}

func (s *Supervisor) remove(w *Worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.workers[w.SessionID] == w {
		delete(s.workers, w.SessionID)
	}
}

// Active returns the number of running workers.
func (s *Supervisor) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// StopAll stops every worker and waits for them to exit or ctx to end.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	ws := make([]*Worker, 0, len(s.workers))
	for _, w := range s.workers {
		ws = append(ws, w)
	}
	s.mu.Unlock()
	for _, w := range ws {
		w.Stop(FailureClientGone, "shutdown")
	}
	for _, w := range ws {
		select {
		case <-w.Done():
		case <-ctx.Done():
			return
		}
	}
}

func redactArgs(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		switch {
		case i > 0 && args[i-1] == "-headers":
			out[i] = "[headers]"
		case safeurl.IsStreamURL(a):
			out[i] = safeurl.RedactURL(a)
		default:
			out[i] = a
		}
	}
	return out
}
