package transcoder

import (
	"log"
	"sync"
	"time"

	"github.com/snapetech/plexbridge/internal/clock"
	"github.com/snapetech/plexbridge/internal/store"
)

// Ladder is the escalation order for streams that keep producing H.264
// decode errors. Level n selects Ladder[n-1].
var Ladder = []string{store.ProfileH264Recovery, store.ProfileEmergencySafe, store.ProfileUltraMinimal}

type escState struct {
	errors []time.Time
	level  int
}

// Escalator tracks recent decode errors per stream.
type Escalator struct {
	clock     clock.Clock
	threshold int
	window    time.Duration
	decay     time.Duration

	mu      sync.Mutex
	streams map[string]*escState
}

// NewEscalator escalates after threshold errors within window and steps
// back down after a clean streaming interval of at least decay.
func NewEscalator(c clock.Clock, threshold int, window, decay time.Duration) *Escalator {
	if c == nil {
		c = clock.Real()
	}
	if threshold < 1 {
		threshold = 5
	}
	return &Escalator{clock: c, threshold: threshold, window: window, decay: decay, streams: make(map[string]*escState)}
}

func (e *Escalator) state(streamID string) *escState {
	st, ok := e.streams[streamID]
	if !ok {
		st = &escState{}
		e.streams[streamID] = st
	}
	return st
}

// RecordDecodeError notes one decode error for streamID. It returns true
// when the error pushed the stream to a new escalation level.
func (e *Escalator) RecordDecodeError(streamID string) bool {
	now := e.clock.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.state(streamID)
	cutoff := now.Add(-e.window)
	kept := st.errors[:0]
	for _, t := range st.errors {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	st.errors = append(kept, now)
	if len(st.errors) < e.threshold || st.level >= len(Ladder) {
		return false
	}
	st.level++
	st.errors = st.errors[:0]
	log.Printf("transcoder: escalate stream=%s level=%d profile=%s", streamID, st.level, Ladder[st.level-1])
	return true
}

// RecordClean reports a session on streamID that streamed cleanly for d.
// Intervals of at least the decay period clear the error count and step the
// level down by one.
func (e *Escalator) RecordClean(streamID string, d time.Duration) {
	if d < e.decay {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.streams[streamID]
	if !ok {
		return
	}
	st.errors = st.errors[:0]
	if st.level > 0 {
		st.level--
		log.Printf("transcoder: decay stream=%s level=%d", streamID, st.level)
	}
	if st.level == 0 {
		delete(e.streams, streamID)
	}
}

// Level is the current escalation level for streamID (0 = none).
func (e *Escalator) Level(streamID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.streams[streamID]; ok {
		return st.level
	}
	return 0
}
