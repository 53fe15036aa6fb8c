package buffer

import (
	"context"
	"sync"
	"sync/atomic"
)

// Pool is a fixed preallocated set of Aligned Buffers, handed out one at a
// time with capacity-bounded backpressure. It is the only shared mutable
// resource in the engine; rent/return are guarded by a counting channel
// plus a mutex over the available queue.
type Pool struct {
	blockSize int
	capacity  int

	mu        sync.Mutex
	available []*Buffer
	all       []*Buffer

	tokens   chan struct{} // one token per currently-available buffer
	disposed atomic.Bool
}

// New preallocates capacity buffers of blockSize bytes each. blockSize must
// be a positive multiple of SectorSize; capacity must be at least 1.
func New(blockSize, capacity int) (*Pool, error) {
	if blockSize <= 0 || blockSize%SectorSize != 0 {
		return nil, &Error{Kind: KindInvalidConfiguration, Msg: "buffer: block size must be a positive multiple of the sector size"}
	}
	if capacity <= 0 {
		return nil, &Error{Kind: KindInvalidConfiguration, Msg: "buffer: capacity must be positive"}
	}

	p := &Pool{
		blockSize: blockSize,
		capacity:  capacity,
		available: make([]*Buffer, 0, capacity),
		all:       make([]*Buffer, 0, capacity),
		tokens:    make(chan struct{}, capacity),
	}
	for i := 0; i < capacity; i++ {
		b := &Buffer{pool: p, memory: alignedRegion(blockSize, SectorSize)}
		p.available = append(p.available, b)
		p.all = append(p.all, b)
		p.tokens <- struct{}{}
	}
	return p, nil
}

// BlockSize returns the pool's fixed block size.
func (p *Pool) BlockSize() int { return p.blockSize }

// Capacity returns the total number of buffers owned by the pool.
func (p *Pool) Capacity() int { return p.capacity }

// Rent waits until a buffer is available or ctx is canceled. On success the
// returned buffer has reference count exactly 1.
func (p *Pool) Rent(ctx context.Context) (*Buffer, error) {
	if p.disposed.Load() {
		return nil, ErrDisposed
	}
	select {
	case <-p.tokens:
	case <-ctx.Done():
		return nil, ErrCanceled
	}
	return p.dequeue()
}

// RentUncancellable waits for a buffer ignoring context cancellation. It is
// used only by the coordinator's verification step: finalize must always
// be able to get its scratch buffer so resources are released, even after
// the caller's cancellation has already fired.
func (p *Pool) RentUncancellable() (*Buffer, error) {
	if p.disposed.Load() {
		return nil, ErrDisposed
	}
	<-p.tokens
	return p.dequeue()
}

func (p *Pool) dequeue() (*Buffer, error) {
	p.mu.Lock()
	n := len(p.available)
	if n == 0 {
		p.mu.Unlock()
		// A token was consumed but no buffer was queued: pool bookkeeping
		// is inconsistent (should be unreachable given the locking
		// discipline rent/return follow).
		return nil, &Error{Kind: KindInvariant, Msg: "buffer: token available but no buffer queued"}
	}
	b := p.available[n-1]
	p.available = p.available[:n-1]
	p.mu.Unlock()

	b.refCount.Store(1)
	b.length = 0
	return b, nil
}

// Return atomically decrements the buffer's reference count; once it
// reaches 0 the buffer is re-enqueued and one waiter is woken.
func (p *Pool) Return(b *Buffer) error {
	if b.pool != p {
		return &Error{Kind: KindInvariant, Msg: "buffer: buffer does not belong to this pool"}
	}
	n := b.refCount.Add(-1)
	if n < 0 {
		return &Error{Kind: KindInvariant, Msg: "buffer: reference count underflow"}
	}
	if n > 0 {
		return nil
	}

	p.mu.Lock()
	p.available = append(p.available, b)
	p.mu.Unlock()

	select {
	case p.tokens <- struct{}{}:
	default:
		// capacity accounting is exact by construction; a full channel
		// here means a Return happened without a matching Rent.
		return &Error{Kind: KindInvariant, Msg: "buffer: token channel overflow on return"}
	}
	return nil
}

// SetBroadcastRefCount raises b's reference count to n ahead of a
// broadcast: before handing the buffer to every consumer (and the
// reference hasher, if active), the producer raises the count to the
// number of recipients so the buffer returns to the pool only once every
// recipient has released its share. Only the producer state machine calls
// this.
func (p *Pool) SetBroadcastRefCount(b *Buffer, n int32) {
	b.refCount.Store(n)
}

// Stamp assigns the sequence number and valid-data length a producer's fill
// task just computed; only the producer state machine calls this.
func (p *Pool) Stamp(b *Buffer, sequence int64, length int) {
	b.setSequence(sequence)
	b.setLength(length)
}

// Invariant asserts that every buffer is present in the available queue
// with reference count 0 and the token count matches capacity. It is
// intended for use before and after every coordinator.Execute call.
func (p *Pool) Invariant() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.available) != p.capacity {
		return &Error{Kind: KindInvariant, Msg: "buffer: available count does not match capacity"}
	}
	if len(p.tokens) != p.capacity {
		return &Error{Kind: KindInvariant, Msg: "buffer: token count does not match capacity"}
	}
	seen := make(map[*Buffer]bool, len(p.available))
	for _, b := range p.available {
		if b.refCount.Load() != 0 {
			return &Error{Kind: KindInvariant, Msg: "buffer: idle buffer has nonzero reference count"}
		}
		seen[b] = true
	}
	for _, b := range p.all {
		if !seen[b] {
			return &Error{Kind: KindInvariant, Msg: "buffer: buffer missing from available queue"}
		}
	}
	return nil
}

// Close marks the pool disposed; subsequent Rent and RentUncancellable
// calls fail with ErrDisposed, while Return keeps accepting buffers. It does
// not wait for outstanding buffers to be returned.
func (p *Pool) Close() {
	p.disposed.Store(true)
}
