package engine

import (
	"context"
	"sync"

	"github.com/broadstream/filerelay/corepipe/buffer"
)

// Fifo is the unbounded single-writer, one-or-more-reader queue a consumer
// receives ordered buffers through. The producer is the sole writer; EOS is
// signaled by closeQueue, the in-band analogue of closing a channel.
//
// It is a plain mutex-guarded slice rather than a buffered Go channel,
// because a buffered channel has a fixed capacity and the producer must
// never block delivering to a slow consumer. Waiters are woken by closing
// and replacing a generation channel under the same lock, so a push or
// closeQueue wakes every blocked reader, not just one — required when a
// consumer runs with MaxConcurrency > 1 and more than one drain goroutine
// can be parked on the same Fifo at once.
type Fifo struct {
	mu     sync.Mutex
	items  []*buffer.Buffer
	closed bool
	wake   chan struct{}
}

// NewFifo returns an empty, open Fifo. The coordinator creates one per
// consumer plus, when verification is enabled, one more for the reference
// hasher.
func NewFifo() *Fifo {
	return &Fifo{wake: make(chan struct{})}
}

func (f *Fifo) push(b *buffer.Buffer) {
	f.mu.Lock()
	f.items = append(f.items, b)
	old := f.wake
	f.wake = make(chan struct{})
	f.mu.Unlock()
	close(old)
}

// closeQueue signals EOS: no further items will be pushed.
func (f *Fifo) closeQueue() {
	f.mu.Lock()
	f.closed = true
	old := f.wake
	f.wake = make(chan struct{})
	f.mu.Unlock()
	close(old)
}

// pop blocks until an item is available, the queue is closed and drained
// (ok=false, err=nil: clean EOS), or ctx is done (err=ctx.Err()).
func (f *Fifo) pop(ctx context.Context) (b *buffer.Buffer, ok bool, err error) {
	for {
		f.mu.Lock()
		if len(f.items) > 0 {
			b = f.items[0]
			f.items = f.items[1:]
			f.mu.Unlock()
			return b, true, nil
		}
		if f.closed {
			f.mu.Unlock()
			return nil, false, nil
		}
		wake := f.wake
		f.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
}
