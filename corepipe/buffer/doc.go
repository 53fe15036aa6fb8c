// Package buffer provides the sector-aligned Aligned Buffer and the fixed
// preallocated Buffer Pool that the transfer engine rents buffers from.
//
// A Buffer never changes capacity after creation. It carries a sequence
// number, a valid-data length, and a reference count; the pool is the only
// thing allowed to mutate that bookkeeping, via Rent, Return, Stamp and
// SetBroadcastRefCount.
package buffer
