// Package worker defines the Producer and Consumer contracts the engine
// drives, plus the Handle a worker uses to reach back into its owning state
// machine for cancellation and block-size queries.
//
// Construction is two-phase, per the design note on cyclic back-references:
// a worker is built independently of any state machine, then SetHandle is
// called once the owning state machine exists, and cleared again when the
// state machine's Run returns, before Finalize.
package worker
