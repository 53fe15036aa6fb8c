package fileio

import (
	"context"
	"io"
	"os"
	"sync/atomic"

	"github.com/broadstream/filerelay/corepipe/buffer"
	"github.com/broadstream/filerelay/corepipe/hash"
	"github.com/broadstream/filerelay/corepipe/worker"
)

// Writer is a worker.Consumer that writes each drained buffer to a local
// file at buf.Sequence()*buf.Capacity(), tolerating the out-of-order,
// concurrent drains that happen when MaxConcurrency > 1, and truncating
// the file to the true byte length once the stream ends.
type Writer struct {
	// Path is the file to create (or truncate) and write.
	Path string
	// Concurrency is returned from MaxConcurrency; values below 1 are
	// treated as 1.
	Concurrency int

	handle     worker.Handle
	file       *os.File
	trueLength atomic.Int64
}

func (w *Writer) MaxConcurrency() int {
	if w.Concurrency < 1 {
		return 1
	}
	return w.Concurrency
}

// SetHandle satisfies worker.Consumer.
func (w *Writer) SetHandle(h worker.Handle) { w.handle = h }

// Initialize creates Path (truncating any existing file) for unbuffered
// writes.
func (w *Writer) Initialize(ctx context.Context) error {
	f, err := createDirect(w.Path)
	if err != nil {
		return err
	}
	w.file = f
	return nil
}

// Drain writes buf.Data() at the offset implied by buf.Sequence() and
// tracks the highest byte offset seen so far, since concurrent drains may
// complete the final (short) block before an earlier full block. The write
// length is rounded up to a whole number of sectors, so a short final block
// over-writes past the true end; Finalize truncates that tail away.
func (w *Writer) Drain(ctx context.Context, buf *buffer.Buffer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	offset := buf.Sequence() * int64(buf.Capacity())
	n := buf.Length()
	if rem := n % buffer.SectorSize; rem != 0 {
		n += buffer.SectorSize - rem
	}
	if _, err := w.file.WriteAt(buf.Memory()[:n], offset); err != nil {
		return err
	}

	end := offset + int64(buf.Length())
	for {
		cur := w.trueLength.Load()
		if end <= cur {
			break
		}
		if w.trueLength.CompareAndSwap(cur, end) {
			break
		}
	}
	return nil
}

// Finalize truncates the file to the true byte length written, closes it,
// and, if h is non-nil, re-reads it through scratch to compute the
// verification digest.
func (w *Writer) Finalize(ctx context.Context, h hash.Hasher, scratch *buffer.Buffer) ([]byte, error) {
	length := w.trueLength.Load()
	var truncErr error
	if w.file != nil {
		truncErr = w.file.Truncate(length)
		w.file.Close()
		w.file = nil
	}
	if truncErr != nil {
		return nil, truncErr
	}
	if h == nil {
		return nil, nil
	}

	f, err := os.Open(w.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	for offset := int64(0); offset < length; {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := f.ReadAt(scratch.Memory(), offset)
		if err != nil && err != io.EOF {
			return nil, err
		}
		if remaining := length - offset; int64(n) > remaining {
			n = int(remaining)
		}
		if n == 0 {
			break
		}
		h.Append(scratch.Memory()[:n])
		offset += int64(n)
	}
	return h.SumAndReset(), nil
}
