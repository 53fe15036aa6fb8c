// Package corepipe holds the error taxonomy shared by the engine and
// coordinator packages: the abstract kinds from the error-handling design
// (Invalid Configuration, Disposed, Canceled, Worker I/O, Hash
// Verification mismatch/reference-failed, Invariant), plus the Error type
// that carries one of them.
package corepipe
