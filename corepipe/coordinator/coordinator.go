package coordinator

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/broadstream/filerelay/corepipe"
	"github.com/broadstream/filerelay/corepipe/buffer"
	"github.com/broadstream/filerelay/corepipe/engine"
	"github.com/broadstream/filerelay/corepipe/hash"
	"github.com/broadstream/filerelay/corepipe/worker"
)

// Coordinator builds the producer and consumer state machines, wires the
// broadcast fan-out between them, runs two-pass hash verification, and
// aggregates errors across one transfer. It owns a single fixed
// buffer.Pool and is designed to be reused serially across many transfers.
type Coordinator struct {
	// Producer must be set before Execute.
	Producer worker.Producer
	// Consumers must be non-empty before Execute.
	Consumers []worker.Consumer
	// HasherFactory must be set when VerifyHash is set.
	HasherFactory hash.Factory
	// VerifyHash requests two-pass verification; when set, pool capacity
	// must be at least 1 + len(Consumers).
	VerifyHash bool

	pool *buffer.Pool

	running atomic.Bool

	mu            sync.Mutex
	cancelFn      context.CancelFunc
	referenceHash []byte
}

// New preallocates a pool of capacity buffers, each blockSize bytes.
func New(blockSize, capacity int) (*Coordinator, error) {
	pool, err := buffer.New(blockSize, capacity)
	if err != nil {
		return nil, err
	}
	return &Coordinator{pool: pool}, nil
}

// Pool returns the coordinator's buffer pool, mainly so callers can assert
// Pool().Invariant() before and after Execute to confirm every buffer made
// it back.
func (c *Coordinator) Pool() *buffer.Pool { return c.pool }

// ReferenceHash returns the digest computed on the producer's side during
// the most recent Execute, or nil if verification was not requested or the
// reference computation failed.
func (c *Coordinator) ReferenceHash() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.referenceHash
}

// Cancel asynchronously fires the global cancellation scope of whichever
// Execute call is in flight. It is a no-op if nothing is running.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	cancel := c.cancelFn
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Coordinator) validate() error {
	if c.Producer == nil {
		return &corepipe.Error{Kind: corepipe.KindInvalidConfiguration, Msg: "coordinator: producer is not set"}
	}
	if len(c.Consumers) == 0 {
		return &corepipe.Error{Kind: corepipe.KindInvalidConfiguration, Msg: "coordinator: at least one consumer is required"}
	}
	if c.VerifyHash {
		if c.HasherFactory == nil {
			return &corepipe.Error{Kind: corepipe.KindInvalidConfiguration, Msg: "coordinator: hasher factory is required when verify_hash is set"}
		}
		if c.pool.Capacity() < 1+len(c.Consumers) {
			return &corepipe.Error{Kind: corepipe.KindInvalidConfiguration, Msg: "coordinator: pool capacity must be at least 1 + number of consumers when verify_hash is set"}
		}
	}
	return nil
}

// Execute runs one transfer to completion: producer and consumer state
// machines start, stream, shut down, and (if requested) verify, in strict
// startup order. It rejects re-entry and asserts the pool invariant both
// before starting and before returning.
func (c *Coordinator) Execute(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return &corepipe.Error{Kind: corepipe.KindInvalidConfiguration, Msg: "coordinator: execute is already running"}
	}
	defer c.running.Store(false)

	if err := c.validate(); err != nil {
		return err
	}
	if err := c.pool.Invariant(); err != nil {
		return err
	}

	globalCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancelFn = cancel
	c.referenceHash = nil
	c.mu.Unlock()
	defer func() {
		cancel()
		c.mu.Lock()
		c.cancelFn = nil
		c.mu.Unlock()
	}()

	consumerFifos := make([]*engine.Fifo, len(c.Consumers))
	for i := range consumerFifos {
		consumerFifos[i] = engine.NewFifo()
	}

	var hashFifo *engine.Fifo
	var refMachine *engine.ConsumerMachine
	if c.VerifyHash {
		h, err := c.HasherFactory()
		if err != nil {
			return &corepipe.Error{Kind: corepipe.KindInvalidConfiguration, Msg: "coordinator: hasher factory failed", Cause: err}
		}
		hashFifo = engine.NewFifo()
		refMachine = engine.NewConsumerMachine(globalCtx, c.pool, newReferenceHasher(h), hashFifo)
	}

	producerMachine := engine.NewProducerMachine(globalCtx, c.pool, c.Producer, consumerFifos, hashFifo)
	consumerMachines := make([]*engine.ConsumerMachine, len(c.Consumers))
	for i, w := range c.Consumers {
		consumerMachines[i] = engine.NewConsumerMachine(globalCtx, c.pool, w, consumerFifos[i])
	}

	watchCtx, stopWatch := context.WithCancel(context.Background())
	defer stopWatch()
	c.watchEscalation(watchCtx, cancel, producerMachine, refMachine, consumerMachines)

	// Start consumers and the reference hasher first, then the producer:
	// no buffer may be broadcast before every receiver is ready to read
	// it.
	var wg sync.WaitGroup
	if refMachine != nil {
		wg.Add(1)
		go func() { defer wg.Done(); refMachine.Run() }()
	}
	for _, cm := range consumerMachines {
		cm := cm
		wg.Add(1)
		go func() { defer wg.Done(); cm.Run() }()
	}
	wg.Add(1)
	go func() { defer wg.Done(); producerMachine.Run() }()
	wg.Wait()

	refDigest, refErr := c.finalizeReference(ctx, refMachine)

	var finalizeWG sync.WaitGroup
	finalizeWG.Add(1 + len(consumerMachines))
	go func() {
		defer finalizeWG.Done()
		c.finalizeVerified(ctx, producerMachine.Faulted(), producerMachine.Finalize, producerMachine.RecordError, refDigest, refErr)
	}()
	for _, cm := range consumerMachines {
		cm := cm
		go func() {
			defer finalizeWG.Done()
			c.finalizeVerified(ctx, cm.Faulted(), cm.Finalize, cm.RecordError, refDigest, refErr)
		}()
	}
	finalizeWG.Wait()

	outcomes := make([]error, 0, len(consumerMachines)+1)
	if err := producerMachine.Outcome(); err != nil {
		outcomes = append(outcomes, err)
	}
	for _, cm := range consumerMachines {
		if err := cm.Outcome(); err != nil {
			outcomes = append(outcomes, err)
		}
	}
	if err := c.pool.Invariant(); err != nil {
		outcomes = append(outcomes, err)
	}
	return aggregateOutcomes(outcomes)
}

// watchEscalation implements the coordinator's failure-escalation policy:
// global cancellation fires the moment the producer or the reference
// hasher faults, or the moment every consumer has faulted. It spawns one
// short-lived watcher goroutine per worker; all of them exit once
// watchCtx is canceled.
func (c *Coordinator) watchEscalation(watchCtx context.Context, cancel context.CancelFunc, producerMachine *engine.ProducerMachine, refMachine *engine.ConsumerMachine, consumerMachines []*engine.ConsumerMachine) {
	go func() {
		select {
		case <-producerMachine.FaultSignal():
			cancel()
		case <-watchCtx.Done():
		}
	}()
	if refMachine != nil {
		go func() {
			select {
			case <-refMachine.FaultSignal():
				cancel()
			case <-watchCtx.Done():
			}
		}()
	}

	var faulted atomic.Int32
	total := int32(len(consumerMachines))
	for _, cm := range consumerMachines {
		cm := cm
		go func() {
			select {
			case <-cm.FaultSignal():
				if faulted.Add(1) == total {
					cancel()
				}
			case <-watchCtx.Done():
			}
		}()
	}
}

// finalizeReference runs the reference hasher's own finalize (exactly
// once, like any worker) and returns the digest it computed, or the error
// that prevented that. If verification was not requested, refMachine is
// nil and both returns are zero values.
func (c *Coordinator) finalizeReference(ctx context.Context, refMachine *engine.ConsumerMachine) ([]byte, error) {
	if refMachine == nil {
		return nil, nil
	}
	digest, _ := refMachine.Finalize(ctx, nil, nil)
	if err := refMachine.Outcome(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.referenceHash = digest
	c.mu.Unlock()
	return digest, nil
}

type finalizeFunc func(ctx context.Context, h hash.Hasher, scratch *buffer.Buffer) ([]byte, error)

// finalizeVerified runs one non-reference worker's two-pass verification
// step: if verification is enabled and the worker is not faulted, finalize
// is called with a fresh hasher instance and a scratch buffer, and the
// resulting digest is compared against the reference. If verification is
// not requested (or the worker already faulted), finalize is called with a
// nil hasher and scratch.
func (c *Coordinator) finalizeVerified(ctx context.Context, faultedBefore bool, finalize finalizeFunc, recordErr func(error), refDigest []byte, refErr error) {
	if !c.VerifyHash || faultedBefore {
		finalize(ctx, nil, nil)
		return
	}

	hasher, herr := c.HasherFactory()
	if herr != nil {
		finalize(ctx, nil, nil)
		recordErr(&corepipe.Error{Kind: corepipe.KindWorkerIO, Msg: "coordinator: hasher factory failed during verification", Cause: herr})
		return
	}

	scratch, rerr := c.pool.RentUncancellable()
	if rerr != nil {
		finalize(ctx, nil, nil)
		recordErr(&corepipe.Error{Kind: corepipe.KindWorkerIO, Msg: "coordinator: scratch buffer rent failed during verification", Cause: rerr})
		return
	}
	defer c.pool.Return(scratch)

	digest, ferr := finalize(ctx, hasher, scratch)
	if ferr != nil {
		return // finalize already recorded the Worker I/O failure.
	}

	if refErr != nil {
		recordErr(&corepipe.Error{Kind: corepipe.KindHashReferenceFailed, Msg: "hash verification: reference digest failed", Cause: refErr})
		return
	}
	if !bytes.Equal(digest, refDigest) {
		recordErr(&corepipe.Error{Kind: corepipe.KindHashMismatch, Msg: "hash verification: verification digest does not match reference"})
	}
}

// aggregateOutcomes collapses the non-nil per-worker outcomes: only
// Canceled entries surface as a single Canceled, exactly one non-cancel
// error surfaces as itself, and more than one are joined together.
func aggregateOutcomes(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	var nonCancel []error
	for _, e := range errs {
		if corepipe.IsKind(e, corepipe.KindCanceled) {
			continue
		}
		nonCancel = append(nonCancel, e)
	}
	if len(nonCancel) == 0 {
		return &corepipe.Error{Kind: corepipe.KindCanceled, Msg: "canceled"}
	}
	if len(nonCancel) == 1 {
		return nonCancel[0]
	}
	return errors.Join(nonCancel...)
}
