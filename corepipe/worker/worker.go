package worker

import (
	"context"

	"github.com/broadstream/filerelay/corepipe/buffer"
	"github.com/broadstream/filerelay/corepipe/hash"
)

// Handle is the non-owning back-reference a worker holds to its owning
// state machine. It exposes exactly what a worker needs: the ability to
// query the negotiated block size and to request cancellation of its own
// tasks.
type Handle interface {
	BlockSize() int
	Cancel()
}

// Capabilities is shared by every worker variant.
type Capabilities interface {
	// MaxConcurrency returns how many fill/drain calls the engine may run
	// against this worker at once. It must be >= 1; workers that are
	// inherently sequential (I/O through a single sequential file cursor)
	// must return 1.
	MaxConcurrency() int
}

// Producer fills buffers with the bytes of the stream being sent.
type Producer interface {
	Capabilities

	// SetHandle is called once by the owning state machine before
	// Initialize, and with nil when the state machine's Run returns; the
	// handle is therefore nil by the time Finalize runs.
	SetHandle(h Handle)

	// Initialize acquires any resources the producer needs before Fill is
	// called. A failure here is recorded and cancels the producer's
	// internal scope, but Finalize still runs.
	Initialize(ctx context.Context) error

	// Fill writes into buf.Memory() and returns the number of bytes
	// written. It must return exactly buf.Capacity() unless this is the
	// final block, in which case any value in [0, buf.Capacity()] is
	// valid; 0 signals end of stream. Fill must observe ctx and may be
	// called concurrently up to MaxConcurrency.
	Fill(ctx context.Context, buf *buffer.Buffer) (int, error)

	// Finalize releases resources and flushes pending output. If h is
	// non-nil the producer must re-read its own output, feed it to h, and
	// return the resulting digest; scratch is a pool-rented buffer sized
	// to the block size for that re-read. If h is nil, Finalize must
	// return (nil, nil) once cleanup is done. Finalize runs exactly once,
	// on every path (success, cancellation, or error).
	Finalize(ctx context.Context, h hash.Hasher, scratch *buffer.Buffer) ([]byte, error)
}

// Consumer drains buffers, writing their valid-data prefix to wherever this
// consumer's output lives.
type Consumer interface {
	Capabilities

	SetHandle(h Handle)
	Initialize(ctx context.Context) error

	// Drain consumes buf.Data() completely. It must observe ctx and may be
	// called concurrently up to MaxConcurrency; when MaxConcurrency is 1
	// the engine guarantees strict sequence order, otherwise Drain calls
	// may overlap and the consumer must recover absolute position from
	// buf.Sequence().
	Drain(ctx context.Context, buf *buffer.Buffer) error

	// Finalize is the consumer-side analogue of Producer.Finalize.
	Finalize(ctx context.Context, h hash.Hasher, scratch *buffer.Buffer) ([]byte, error)
}
