// Package coordinator implements the transfer coordinator: it owns the
// buffer pool, builds the producer state machine, one consumer state
// machine per consumer, and an optional reference-hasher state machine,
// wires the broadcast fan-out between them, and runs two-pass hash
// verification and error escalation across one transfer.
package coordinator
