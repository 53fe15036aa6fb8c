package buffer

import "sync/atomic"

// SectorSize is the alignment granularity required for unbuffered file I/O.
const SectorSize = 4096

// Buffer is an Aligned Buffer: a sector-aligned, fixed-capacity byte region
// with the bookkeeping the pool and the engine need to track its lifecycle.
type Buffer struct {
	pool     *Pool
	memory   []byte // aligned view into an over-allocated backing array
	sequence int64
	length   int
	refCount atomic.Int32
}

// Memory returns the full block-sized region. Consumers must treat it as
// read-only; only the producer worker that filled it may write to it.
func (b *Buffer) Memory() []byte { return b.memory }

// Data returns the valid prefix of Memory, i.e. memory[:length].
func (b *Buffer) Data() []byte { return b.memory[:b.length] }

// Sequence returns the zero-based block index of this buffer in the stream.
func (b *Buffer) Sequence() int64 { return b.sequence }

// Length returns the valid-data length, between 0 and len(Memory()).
func (b *Buffer) Length() int { return b.length }

// Capacity returns the pool's block size.
func (b *Buffer) Capacity() int { return len(b.memory) }

// Pool returns the buffer's owning pool.
func (b *Buffer) Pool() *Pool { return b.pool }

// setSequence stamps the sequence number; only the producer's fill-task
// loop calls this, immediately after claiming the number via fetch-and-add.
func (b *Buffer) setSequence(seq int64) { b.sequence = seq }

// setLength records the valid-data length returned by a producer's fill.
func (b *Buffer) setLength(n int) { b.length = n }

// alignedRegion over-allocates by sectorSize and slices into the first
// sector-aligned offset, the same technique used for unbuffered file I/O
// scratch buffers throughout the retrieval pack.
func alignedRegion(size, sectorSize int) []byte {
	raw := make([]byte, size+sectorSize)
	addr := uintptrOf(raw)
	offset := (sectorSize - int(addr%uintptr(sectorSize))) % sectorSize
	return raw[offset : offset+size]
}
