package fileio

import (
	"context"
	"io"
	"os"

	"github.com/broadstream/filerelay/corepipe/buffer"
	"github.com/broadstream/filerelay/corepipe/hash"
	"github.com/broadstream/filerelay/corepipe/worker"
)

// Reader is a worker.Producer that fills buffers by reading a local file
// at buf.Sequence()*buf.Capacity(), the pread-style access pattern
// unbuffered I/O requires instead of a sequential cursor, so Fill supports
// concurrent calls safely.
type Reader struct {
	// Path is the file to read.
	Path string
	// Concurrency is returned from MaxConcurrency; values below 1 are
	// treated as 1.
	Concurrency int

	handle worker.Handle
	file   *os.File
	size   int64
}

func (r *Reader) MaxConcurrency() int {
	if r.Concurrency < 1 {
		return 1
	}
	return r.Concurrency
}

// SetHandle satisfies worker.Producer.
func (r *Reader) SetHandle(h worker.Handle) { r.handle = h }

// Initialize opens Path without OS buffering and records its size so Fill
// can tell the final, possibly short, block from true end of file.
func (r *Reader) Initialize(ctx context.Context) error {
	f, err := openDirect(r.Path)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	r.file = f
	r.size = info.Size()
	return nil
}

// Fill reads one block's worth of bytes at the offset implied by
// buf.Sequence(). It always asks ReadAt for the whole of buf.Memory(), even
// when the file ends inside the block, and the returned length is clamped
// to the file's true remaining byte count, satisfying the contract that
// only the final block may be short.
func (r *Reader) Fill(ctx context.Context, buf *buffer.Buffer) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	offset := buf.Sequence() * int64(buf.Capacity())
	if offset >= r.size {
		return 0, nil
	}

	n, err := r.file.ReadAt(buf.Memory(), offset)
	if err != nil && err != io.EOF {
		return 0, err
	}
	if remaining := r.size - offset; int64(n) > remaining {
		n = int(remaining)
	}
	return n, nil
}

// Finalize closes the read handle and, if h is non-nil, re-reads the whole
// file through scratch to compute a verification digest.
func (r *Reader) Finalize(ctx context.Context, h hash.Hasher, scratch *buffer.Buffer) ([]byte, error) {
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
	if h == nil {
		return nil, nil
	}

	f, err := os.Open(r.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	for offset := int64(0); offset < r.size; {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := f.ReadAt(scratch.Memory(), offset)
		if err != nil && err != io.EOF {
			return nil, err
		}
		if remaining := r.size - offset; int64(n) > remaining {
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
