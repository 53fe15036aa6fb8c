package engine

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/broadstream/filerelay/corepipe"
	"github.com/broadstream/filerelay/corepipe/buffer"
	"github.com/broadstream/filerelay/corepipe/hash"
	"github.com/broadstream/filerelay/corepipe/worker"
)

// ConsumerMachine receives the ordered buffer stream over a single fifo and
// drives a consumer worker, serially when MaxConcurrency is 1 or with up to
// C parallel drains otherwise.
type ConsumerMachine struct {
	*StateMachine

	pool *buffer.Pool
	w    worker.Consumer
	in   *Fifo
}

// NewConsumerMachine builds a consumer state machine reading from in, the
// fifo the producer (or, for the reference hasher, a dedicated fifo) writes
// into.
func NewConsumerMachine(parent context.Context, pool *buffer.Pool, w worker.Consumer, in *Fifo) *ConsumerMachine {
	return &ConsumerMachine{
		StateMachine: newStateMachine(parent, pool.BlockSize()),
		pool:         pool,
		w:            w,
		in:           in,
	}
}

// Run drives the consumer to completion: up to MaxConcurrency goroutines
// pull buffers off in, call Drain, and return each buffer to the pool. On
// any exit path the fifo is drained to EOS and every remaining buffer is
// returned, so the pool invariant holds even after a mid-stream failure.
func (cm *ConsumerMachine) Run() {
	defer cm.drainRemaining()

	w := cm.w
	w.SetHandle(cm)
	defer w.SetHandle(nil)

	if err := w.Initialize(cm.Context()); err != nil {
		cm.recordError(&corepipe.Error{Kind: corepipe.KindWorkerIO, Msg: "consumer: initialize failed", Cause: err})
		return
	}

	concurrency := clampConcurrency(w.MaxConcurrency())

	g, gctx := errgroup.WithContext(cm.Context())
	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			for {
				buf, ok, err := cm.in.pop(gctx)
				if err != nil {
					cm.recordError(&corepipe.Error{Kind: corepipe.KindCanceled, Msg: "consumer: canceled", Cause: err})
					return err
				}
				if !ok {
					return nil // clean EOS
				}
				if buf.Length() <= 0 {
					err := &corepipe.Error{Kind: corepipe.KindInvariant, Msg: "consumer: received buffer with non-positive length"}
					cm.recordError(err)
					cm.pool.Return(buf)
					return err
				}

				derr := cm.w.Drain(gctx, buf)
				cm.pool.Return(buf)
				if derr != nil {
					wrapped := &corepipe.Error{Kind: corepipe.KindWorkerIO, Msg: "consumer: drain failed", Cause: derr}
					cm.recordError(wrapped)
					return wrapped
				}
			}
		})
	}
	_ = g.Wait()
}

// Finalize calls the consumer worker's Finalize exactly once, recording any
// failure onto this state machine's exception list.
func (cm *ConsumerMachine) Finalize(ctx context.Context, h hash.Hasher, scratch *buffer.Buffer) ([]byte, error) {
	digest, err := cm.w.Finalize(ctx, h, scratch)
	if err != nil {
		cm.recordError(&corepipe.Error{Kind: corepipe.KindWorkerIO, Msg: "consumer: finalize failed", Cause: err})
	}
	return digest, err
}

// drainRemaining pops the fifo to EOS and returns every buffer to the pool.
// It runs on every exit path (success, error, cancellation) so the pool
// invariant holds even when the consumer stopped early.
func (cm *ConsumerMachine) drainRemaining() {
	for {
		buf, ok, err := cm.in.pop(context.Background())
		if err != nil || !ok {
			return
		}
		cm.pool.Return(buf)
	}
}
