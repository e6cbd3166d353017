package mpegts

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// Padding writes null packets to a response while a worker starts. Every
// write is a whole packet, and Stop does not return until the writer
// goroutine has exited, so bytes written after Stop begin on a packet boundary.
type Padding struct {
	stopCh  chan string
	done    chan struct{}
	once    sync.Once
	packets atomic.Int64

	mu     sync.Mutex
	reason string
	err    error
}

// PaddingStats summarizes a finished padding run.
type PaddingStats struct {
	Packets int64
	Bytes   int64
	Reason  string // "stopped:<caller reason>", "ctx-done", "write-error"
	Err     error
}

// StartPadding writes perTick null packets immediately and then once per
// interval until Stop is called, ctx ends, or a write fails. flush, if
// non-nil, runs after each tick.
func StartPadding(ctx context.Context, w io.Writer, flush func(), interval time.Duration, perTick int) *Padding {
	if interval < 25*time.Millisecond {
		interval = 25 * time.Millisecond
	}
	if perTick < 1 {
		perTick = 1
	}
	if perTick > 64 {
		perTick = 64
	}
	p := &Padding{stopCh: make(chan string, 1), done: make(chan struct{})}
	chunk := NullPackets(perTick)
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if _, err := w.Write(chunk); err != nil {
				p.finish("write-error", err)
				return
			}
			p.packets.Add(int64(perTick))
			if flush != nil {
				flush()
			}
			select {
			case <-ctx.Done():
				p.finish("ctx-done", ctx.Err())
				return
			case r := <-p.stopCh:
				p.finish("stopped:"+r, nil)
				return
			case <-ticker.C:
			}
		}
	}()
	return p
}

func (p *Padding) finish(reason string, err error) {
	p.mu.Lock()
	p.reason = reason
	p.err = err
	p.mu.Unlock()
}

// Done is closed when the padding goroutine exits for any reason.
func (p *Padding) Done() <-chan struct{} { return p.done }

// Packets is the count of null packets written so far.
func (p *Padding) Packets() int64 { return p.packets.Load() }

// Stop ends padding and waits for the writer goroutine. Safe to call more than once.
func (p *Padding) Stop(reason string) PaddingStats {
	p.once.Do(func() {
		select {
		case p.stopCh <- reason:
		default:
		}
	})
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.packets.Load()
	return PaddingStats{Packets: n, Bytes: n * PacketSize, Reason: p.reason, Err: p.err}
}
