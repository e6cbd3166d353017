package core

import (
	"errors"
	"sync"
)

// errSlowClient ends a subscriber whose buffer overflowed.
var errSlowClient = errors.New("core: client too slow")

// subBuffer is the number of chunks a subscriber may lag behind.
const subBuffer = 256

// hub fans one worker's packet-aligned output out to every client attached
// to the session. Each chunk holds whole packets, so a client joining
// mid-stream starts on a packet boundary.
type hub struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
	err    error
}

type subscriber struct {
	ch   chan []byte
	once sync.Once
	err  error
}

func newHub() *hub {
	return &hub{subs: make(map[*subscriber]struct{})}
}

func (s *subscriber) close(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.ch)
	})
}

// subscribe attaches a new client. On a closed hub the subscriber is
// returned already closed.
func (h *hub) subscribe() *subscriber {
	s := &subscriber{ch: make(chan []byte, subBuffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		s.close(h.err)
		return s
	}
	h.subs[s] = struct{}{}
	return s
}

func (h *hub) unsubscribe(s *subscriber) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
	s.close(nil)
}

// broadcast hands chunk to every subscriber. chunk must not be modified
// afterwards. A subscriber that cannot keep up is dropped.
func (h *hub) broadcast(chunk []byte) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		select {
		case s.ch <- chunk:
		default:
			delete(h.subs, s)
			s.close(errSlowClient)
		}
	}
	return len(h.subs)
}

func (h *hub) size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// close ends the stream for every subscriber. err is nil on a clean end.
func (h *hub) close(err error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.err = err
	subs := h.subs
	h.subs = nil
	h.mu.Unlock()
	for s := range subs {
		s.close(err)
	}
}
