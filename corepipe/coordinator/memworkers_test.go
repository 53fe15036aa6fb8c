package coordinator

import (
	"context"
	"sync"

	"github.com/broadstream/filerelay/corepipe/buffer"
	"github.com/broadstream/filerelay/corepipe/hash"
	"github.com/broadstream/filerelay/corepipe/worker"
)

// memProducer fills buffers straight out of an in-memory byte slice, the
// way a file-based producer would pread at buf.Sequence()*blockSize — this
// lets Fill run concurrently without any internal position tracking.
type memProducer struct {
	data        []byte
	blockSize   int
	concurrency int

	failInit  bool
	failAtSeq int64 // -1 disables

	handle worker.Handle
}

func (p *memProducer) MaxConcurrency() int { return p.concurrency }

func (p *memProducer) SetHandle(h worker.Handle) { p.handle = h }

func (p *memProducer) Initialize(ctx context.Context) error {
	if p.failInit {
		return errBoom
	}
	return nil
}

func (p *memProducer) Fill(ctx context.Context, buf *buffer.Buffer) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if p.failAtSeq >= 0 && buf.Sequence() == p.failAtSeq {
		return 0, errBoom
	}
	offset := buf.Sequence() * int64(p.blockSize)
	if offset >= int64(len(p.data)) {
		return 0, nil
	}
	return copy(buf.Memory(), p.data[offset:]), nil
}

func (p *memProducer) Finalize(ctx context.Context, h hash.Hasher, scratch *buffer.Buffer) ([]byte, error) {
	if h == nil {
		return nil, nil
	}
	for offset := 0; offset < len(p.data); offset += p.blockSize {
		n := copy(scratch.Memory(), p.data[offset:])
		h.Append(scratch.Memory()[:n])
	}
	return h.SumAndReset(), nil
}

// memConsumer writes each drained buffer's data into a fixed-size
// in-memory slice at buf.Sequence()*blockSize, tolerating the out-of-order,
// concurrent drains a consumer with MaxConcurrency > 1 can produce.
type memConsumer struct {
	out         []byte
	blockSize   int
	concurrency int

	mu sync.Mutex

	failInit        bool
	failOnSeq       int64 // -1 disables
	corruptLastByte bool

	handle worker.Handle
}

func newMemConsumer(totalLen, blockSize, concurrency int) *memConsumer {
	return &memConsumer{
		out:         make([]byte, totalLen),
		blockSize:   blockSize,
		concurrency: concurrency,
		failOnSeq:   -1,
	}
}

func (c *memConsumer) MaxConcurrency() int { return c.concurrency }

func (c *memConsumer) SetHandle(h worker.Handle) { c.handle = h }

func (c *memConsumer) Initialize(ctx context.Context) error {
	if c.failInit {
		return errBoom
	}
	return nil
}

func (c *memConsumer) Drain(ctx context.Context, buf *buffer.Buffer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.failOnSeq >= 0 && buf.Sequence() == c.failOnSeq {
		return errBoom
	}
	offset := buf.Sequence() * int64(c.blockSize)

	c.mu.Lock()
	copy(c.out[offset:], buf.Data())
	c.mu.Unlock()
	return nil
}

func (c *memConsumer) Finalize(ctx context.Context, h hash.Hasher, scratch *buffer.Buffer) ([]byte, error) {
	c.mu.Lock()
	if c.corruptLastByte && len(c.out) > 0 {
		c.out[len(c.out)-1] ^= 0xFF
	}
	out := c.out
	c.mu.Unlock()

	if h == nil {
		return nil, nil
	}
	for offset := 0; offset < len(out); offset += c.blockSize {
		end := offset + c.blockSize
		if end > len(out) {
			end = len(out)
		}
		n := copy(scratch.Memory(), out[offset:end])
		h.Append(scratch.Memory()[:n])
	}
	return h.SumAndReset(), nil
}

type boomError string

func (e boomError) Error() string { return string(e) }

const errBoom = boomError("injected failure")
