package engine

import (
	"context"
	"testing"
	"time"

	"github.com/broadstream/filerelay/corepipe/buffer"
	"github.com/broadstream/filerelay/corepipe/hash"
	"github.com/broadstream/filerelay/corepipe/worker"
)

// memFillProducer hands out blockSize-sized chunks of data, out of order
// across concurrent Fill calls, the way a real pread-based producer would.
type memFillProducer struct {
	data        []byte
	blockSize   int
	concurrency int
	handle      worker.Handle
}

func (p *memFillProducer) MaxConcurrency() int                  { return p.concurrency }
func (p *memFillProducer) SetHandle(h worker.Handle)             { p.handle = h }
func (p *memFillProducer) Initialize(ctx context.Context) error { return nil }

func (p *memFillProducer) Fill(ctx context.Context, buf *buffer.Buffer) (int, error) {
	offset := buf.Sequence() * int64(p.blockSize)
	if offset >= int64(len(p.data)) {
		return 0, nil
	}
	return copy(buf.Memory(), p.data[offset:]), nil
}

func (p *memFillProducer) Finalize(ctx context.Context, h hash.Hasher, scratch *buffer.Buffer) ([]byte, error) {
	return nil, nil
}

func drainOutbox(t *testing.T, pool *buffer.Pool, ob *Fifo, want []byte, blockSize int) {
	t.Helper()
	got := make([]byte, 0, len(want))
	for {
		buf, ok, err := ob.pop(context.Background())
		if err != nil {
			t.Fatalf("pop: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, buf.Data()...)
		pool.Return(buf)
	}
	if string(got) != string(want) {
		t.Fatalf("outbox content mismatch: got %d bytes, want %d", len(got), len(want))
	}
}

func TestProducerMachineReordersAndBroadcasts(t *testing.T) {
	const blockSize = buffer.SectorSize
	data := make([]byte, blockSize*5+17)
	for i := range data {
		data[i] = byte(i)
	}

	pool, err := buffer.New(blockSize, 4)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	outA := NewFifo()
	outB := NewFifo()
	w := &memFillProducer{data: data, blockSize: blockSize, concurrency: 3}

	pm := NewProducerMachine(context.Background(), pool, w, []*Fifo{outA, outB}, nil)

	// The pool holds fewer buffers than the stream has blocks, so both
	// outboxes are drained while the producer runs: a broadcast buffer goes
	// back to the pool only once each outbox has returned its share.
	runDone := make(chan struct{})
	go func() {
		pm.Run()
		close(runDone)
	}()
	outBDone := make(chan struct{})
	go func() {
		defer close(outBDone)
		for {
			buf, ok, _ := outB.pop(context.Background())
			if !ok {
				return
			}
			pool.Return(buf)
		}
	}()

	drainOutbox(t, pool, outA, data, blockSize)
	<-outBDone
	<-runDone

	if err := pm.Outcome(); err != nil {
		t.Fatalf("unexpected outcome: %v", err)
	}

	// pool.Invariant is the check that both outboxes released their share.
	if err := pool.Invariant(); err != nil {
		t.Fatalf("pool invariant violated: %v", err)
	}
}

func TestProducerMachineRecordsFillFailure(t *testing.T) {
	const blockSize = buffer.SectorSize
	pool, err := buffer.New(blockSize, 2)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	out := NewFifo()
	w := &failingFillProducer{blockSize: blockSize}
	pm := NewProducerMachine(context.Background(), pool, w, []*Fifo{out}, nil)

	done := make(chan struct{})
	go func() {
		pm.Run()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("producer did not shut down after fill failure")
	}

	if pm.Outcome() == nil {
		t.Fatal("expected a recorded outcome after fill failure")
	}
	for {
		_, ok, _ := out.pop(context.Background())
		if !ok {
			break
		}
	}
	if err := pool.Invariant(); err != nil {
		t.Fatalf("pool invariant violated after failure: %v", err)
	}
}

type failingFillProducer struct {
	blockSize int
	handle    worker.Handle
}

func (p *failingFillProducer) MaxConcurrency() int       { return 1 }
func (p *failingFillProducer) SetHandle(h worker.Handle) { p.handle = h }
func (p *failingFillProducer) Initialize(ctx context.Context) error { return nil }

func (p *failingFillProducer) Fill(ctx context.Context, buf *buffer.Buffer) (int, error) {
	return 0, errBoomEngine
}

func (p *failingFillProducer) Finalize(ctx context.Context, h hash.Hasher, scratch *buffer.Buffer) ([]byte, error) {
	return nil, nil
}

type boomErrorEngine string

func (e boomErrorEngine) Error() string { return string(e) }

const errBoomEngine = boomErrorEngine("injected fill failure")
