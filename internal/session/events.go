package session

import (
	"sync"
	"time"

	"github.com/snapetech/plexbridge/internal/store"
)

// EventType names a session lifecycle event.
type EventType string

const (
	EventStarted   EventType = "session:started"
	EventStreaming EventType = "session:streaming"
	EventEnded     EventType = "session:ended"
)

// Event is delivered to subscribers. Session is a snapshot.
type Event struct {
	Type    EventType
	At      time.Time
	Session store.Session
}

type eventBus struct {
	mu   sync.Mutex
	next int
	subs map[int]chan Event
}

func newEventBus() *eventBus {
	return &eventBus{subs: make(map[int]chan Event)}
}

func (b *eventBus) subscribe(buf int) (<-chan Event, func()) {
	if buf < 1 {
		buf = 16
	}
	ch := make(chan Event, buf)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// publish never blocks; a full subscriber misses the event.
func (b *eventBus) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
