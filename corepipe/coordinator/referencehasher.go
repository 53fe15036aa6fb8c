package coordinator

import (
	"context"

	"github.com/broadstream/filerelay/corepipe/buffer"
	"github.com/broadstream/filerelay/corepipe/hash"
	"github.com/broadstream/filerelay/corepipe/worker"
)

// referenceHasher is a synthetic consumer whose drain feeds a running
// hash instead of writing output anywhere. It is driven exactly like any
// other consumer state machine, reading the producer's broadcast fifo in
// strict sequence order (MaxConcurrency is always 1, so Drain never
// overlaps), but it is excluded from the coordinator's two-pass
// verification step applied to every other worker.
type referenceHasher struct {
	handle worker.Handle
	h      hash.Hasher
	digest []byte
}

func newReferenceHasher(h hash.Hasher) *referenceHasher {
	return &referenceHasher{h: h}
}

func (r *referenceHasher) MaxConcurrency() int { return 1 }

func (r *referenceHasher) SetHandle(h worker.Handle) { r.handle = h }

func (r *referenceHasher) Initialize(ctx context.Context) error { return nil }

func (r *referenceHasher) Drain(ctx context.Context, buf *buffer.Buffer) error {
	r.h.Append(buf.Data())
	return nil
}

// Finalize computes the reference digest from everything Drain has fed it
// so far. It ignores h and scratch: the coordinator never requests
// verification for the reference hasher itself.
func (r *referenceHasher) Finalize(ctx context.Context, h hash.Hasher, scratch *buffer.Buffer) ([]byte, error) {
	r.digest = r.h.SumAndReset()
	return r.digest, nil
}
