package engine

import (
	"container/heap"
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/broadstream/filerelay/corepipe"
	"github.com/broadstream/filerelay/corepipe/buffer"
	"github.com/broadstream/filerelay/corepipe/hash"
	"github.com/broadstream/filerelay/corepipe/worker"
)

// ProducerMachine owns up to P concurrent fill tasks and the reorder merge
// that restores strict sequence order before broadcast.
type ProducerMachine struct {
	*StateMachine

	pool     *buffer.Pool
	w        worker.Producer
	outboxes []*Fifo // one per consumer, in consumer order
	hashbox  *Fifo   // reference hasher's own fifo, nil if verification disabled

	seqMu   sync.Mutex
	nextSeq int64

	reorderMu    sync.Mutex
	pending      bufferHeap
	drainSeq     int64
	sawShortLast bool
}

// NewProducerMachine builds a producer state machine fanning out to
// outboxes (one per consumer) and, if non-nil, hashbox (the reference
// hasher's fifo).
func NewProducerMachine(parent context.Context, pool *buffer.Pool, w worker.Producer, outboxes []*Fifo, hashbox *Fifo) *ProducerMachine {
	pm := &ProducerMachine{
		StateMachine: newStateMachine(parent, pool.BlockSize()),
		pool:         pool,
		w:            w,
		outboxes:     outboxes,
		hashbox:      hashbox,
	}
	heap.Init(&pm.pending)
	return pm
}

// Run drives the producer to completion: up to MaxConcurrency fill tasks
// race to fill buffers, a single reorder step restores sequence order
// before broadcast, and on exit (EOS or error) EOS is broadcast to every
// consumer and any still-queued buffers are drained back to the pool.
func (pm *ProducerMachine) Run() {
	defer pm.shutdown()

	w := pm.w
	w.SetHandle(pm)
	defer w.SetHandle(nil)

	if err := w.Initialize(pm.Context()); err != nil {
		pm.recordError(&corepipe.Error{Kind: corepipe.KindWorkerIO, Msg: "producer: initialize failed", Cause: err})
		return
	}

	concurrency := clampConcurrency(w.MaxConcurrency())

	var eosOnce sync.Once
	eosCh := make(chan struct{})
	signalEOS := func() { eosOnce.Do(func() { close(eosCh) }) }

	g, gctx := errgroup.WithContext(pm.Context())
	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-eosCh:
					return nil
				default:
				}
				eos, err := pm.fillOnce(gctx)
				if err != nil {
					pm.recordError(err)
					return err
				}
				if eos {
					signalEOS()
					return nil
				}
			}
		})
	}
	_ = g.Wait()
}

func clampConcurrency(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

// fillOnce performs one fill task body: rent, stamp, fill, and (if not EOS)
// the reorder-merge-and-broadcast step.
func (pm *ProducerMachine) fillOnce(ctx context.Context) (eos bool, err error) {
	buf, rerr := pm.pool.Rent(ctx)
	if rerr != nil {
		if errors.Is(rerr, buffer.ErrCanceled) {
			return false, &corepipe.Error{Kind: corepipe.KindCanceled, Msg: "producer: rent canceled", Cause: rerr}
		}
		return false, &corepipe.Error{Kind: corepipe.KindWorkerIO, Msg: "producer: rent failed", Cause: rerr}
	}

	seq := pm.claimSequence()
	pm.pool.Stamp(buf, seq, 0)

	n, ferr := pm.w.Fill(ctx, buf)
	if ferr != nil {
		pm.pool.Return(buf)
		return false, &corepipe.Error{Kind: corepipe.KindWorkerIO, Msg: "producer: fill failed", Cause: ferr}
	}
	if n == 0 {
		pm.pool.Return(buf)
		return true, nil
	}
	pm.pool.Stamp(buf, seq, n)

	return false, pm.mergeAndBroadcast(ctx, buf, n)
}

// claimSequence atomically claims the next sequence number; a mutex rather
// than sync/atomic because the same mutex could guard future bookkeeping,
// and correctness only requires fetch-and-increment semantics, which this
// gives exactly.
func (pm *ProducerMachine) claimSequence() int64 {
	pm.seqMu.Lock()
	seq := pm.nextSeq
	pm.nextSeq++
	pm.seqMu.Unlock()
	return seq
}

// mergeAndBroadcast inserts buf into the reorder heap and, while the heap's
// minimum equals the current drain sequence, pops and broadcasts in order.
// The whole step runs under reorderMu; cancellation is checked after a
// buffer is popped from the queue but before it is broadcast, and this
// mutex is never held across an await — Fill already completed before this
// is called, and broadcast itself does not block (fifo.push is
// non-blocking).
func (pm *ProducerMachine) mergeAndBroadcast(ctx context.Context, buf *buffer.Buffer, length int) error {
	pm.reorderMu.Lock()
	defer pm.reorderMu.Unlock()

	heap.Push(&pm.pending, buf)

	for len(pm.pending) > 0 && pm.pending[0].Sequence() == pm.drainSeq {
		next := heap.Pop(&pm.pending).(*buffer.Buffer)

		if pm.sawShortLast {
			pm.pool.Return(next)
			return &corepipe.Error{Kind: corepipe.KindInvariant, Msg: "producer: block follows a short final block"}
		}
		if next.Length() < pm.pool.BlockSize() {
			pm.sawShortLast = true
		}

		select {
		case <-ctx.Done():
			pm.pool.Return(next)
			return &corepipe.Error{Kind: corepipe.KindCanceled, Msg: "producer: canceled before broadcast", Cause: ctx.Err()}
		default:
		}

		pm.broadcast(next)
		pm.drainSeq++
	}
	return nil
}

// broadcast hands buf to every outbox and the reference hasher's fifo,
// raising its reference count to match beforehand so the buffer only
// returns to the pool once every recipient has released it.
func (pm *ProducerMachine) broadcast(buf *buffer.Buffer) {
	n := int32(len(pm.outboxes))
	if pm.hashbox != nil {
		n++
	}
	pm.pool.SetBroadcastRefCount(buf, n)
	for _, ob := range pm.outboxes {
		ob.push(buf)
	}
	if pm.hashbox != nil {
		pm.hashbox.push(buf)
	}
}

// Finalize calls the producer worker's Finalize exactly once, recording any
// failure onto this state machine's exception list. h and scratch are nil
// when verification was not requested for this worker; the coordinator
// decides that upstream.
func (pm *ProducerMachine) Finalize(ctx context.Context, h hash.Hasher, scratch *buffer.Buffer) ([]byte, error) {
	digest, err := pm.w.Finalize(ctx, h, scratch)
	if err != nil {
		pm.recordError(&corepipe.Error{Kind: corepipe.KindWorkerIO, Msg: "producer: finalize failed", Cause: err})
	}
	return digest, err
}

// shutdown broadcasts EOS to every consumer and the reference hasher, then
// drains any buffers still sitting in the reorder heap back to the pool —
// they were never broadcast, so no consumer holds a share of them.
func (pm *ProducerMachine) shutdown() {
	pm.reorderMu.Lock()
	for len(pm.pending) > 0 {
		buf := heap.Pop(&pm.pending).(*buffer.Buffer)
		pm.pool.Return(buf)
	}
	pm.reorderMu.Unlock()

	for _, ob := range pm.outboxes {
		ob.closeQueue()
	}
	if pm.hashbox != nil {
		pm.hashbox.closeQueue()
	}
}
