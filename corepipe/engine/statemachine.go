package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/broadstream/filerelay/corepipe"
)

// StateMachine holds the bookkeeping shared by the producer and every
// consumer: the internal cancellation scope (linked from the coordinator's
// global scope) and the list of recorded exceptions. The exceptions list is
// nil until the first failure; the first recorded failure fires internal
// cancellation, and Faulted is derived from the list rather than stored
// separately.
type StateMachine struct {
	blockSize int

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	exceptions []error

	faultOnce sync.Once
	faultCh   chan struct{}
}

func newStateMachine(parent context.Context, blockSize int) *StateMachine {
	ctx, cancel := context.WithCancel(parent)
	return &StateMachine{blockSize: blockSize, ctx: ctx, cancel: cancel, faultCh: make(chan struct{})}
}

// FaultSignal returns a channel that closes the moment this state machine
// records its first exception. The coordinator watches it to implement its
// error-escalation policy without polling.
func (sm *StateMachine) FaultSignal() <-chan struct{} { return sm.faultCh }

// RecordError appends err to this state machine's exception list and fires
// its internal cancellation scope, the same as a failure recorded from
// inside the worker's own body. The coordinator uses it to attach
// hash-verification failures discovered after Finalize returns, since
// those are only knowable once two-pass comparison runs.
func (sm *StateMachine) RecordError(err error) { sm.recordError(err) }

// BlockSize satisfies worker.Handle.
func (sm *StateMachine) BlockSize() int { return sm.blockSize }

// Cancel satisfies worker.Handle and fires this state machine's internal
// cancellation scope. It is idempotent.
func (sm *StateMachine) Cancel() { sm.cancel() }

// Context returns the internal cancellation scope used for every
// suspension point this state machine's tasks perform.
func (sm *StateMachine) Context() context.Context { return sm.ctx }

// recordError appends err to the exception list and fires internal
// cancellation. A nil err is a no-op.
func (sm *StateMachine) recordError(err error) {
	if err == nil {
		return
	}
	sm.mu.Lock()
	sm.exceptions = append(sm.exceptions, err)
	sm.mu.Unlock()
	sm.cancel()
	sm.faultOnce.Do(func() { close(sm.faultCh) })
}

// Faulted reports whether any exception has been recorded.
func (sm *StateMachine) Faulted() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.exceptions) > 0
}

// Outcome collapses the recorded exceptions into the Completion Outcome
// described in the error-handling design: success if none were recorded,
// a single Canceled if every recorded exception was a cancellation, the
// lone error if exactly one non-cancellation exception was recorded, or a
// joined error if more than one was.
func (sm *StateMachine) Outcome() error {
	sm.mu.Lock()
	exceptions := append([]error(nil), sm.exceptions...)
	sm.mu.Unlock()

	if len(exceptions) == 0 {
		return nil
	}

	var nonCancel []error
	for _, e := range exceptions {
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
