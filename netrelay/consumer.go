package netrelay

import (
	"context"
	"fmt"

	"github.com/broadstream/filerelay/corepipe/buffer"
	"github.com/broadstream/filerelay/corepipe/hash"
	"github.com/broadstream/filerelay/corepipe/worker"
)

// StreamConsumer is a worker.Consumer that forwards every drained buffer
// onto a delivery stream dialed against one remote address, so a single
// coordinator can fan a file out to a remote machine the same way it fans
// out to local fileio.Writer consumers.
type StreamConsumer struct {
	// Addr is the remote delivery-stream listener to dial.
	Addr string

	handle worker.Handle
	stream *DeliveryStream
}

// MaxConcurrency is always 1: writes to one delivery stream must stay in
// order.
func (s *StreamConsumer) MaxConcurrency() int { return 1 }

// SetHandle satisfies worker.Consumer.
func (s *StreamConsumer) SetHandle(h worker.Handle) { s.handle = h }

// Initialize dials Addr and opens the one delivery stream this consumer
// writes every frame onto.
func (s *StreamConsumer) Initialize(ctx context.Context) error {
	stream, err := Dial(ctx, s.Addr)
	if err != nil {
		return fmt.Errorf("netrelay: dial %s: %w", s.Addr, err)
	}
	s.stream = stream
	return nil
}

// Drain writes one frame carrying buf's sequence number and valid-data
// prefix.
func (s *StreamConsumer) Drain(ctx context.Context, buf *buffer.Buffer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.stream.WriteFrame(buf.Sequence(), buf.Data())
}

// Finalize writes the end-of-stream frame and tears down the connection.
// StreamConsumer has no local copy of the delivered bytes to re-read, so
// it returns (nil, nil) regardless of h. With VerifyHash set, the
// coordinator compares that nil digest against the reference and records a
// hash mismatch for this consumer. A remote peer that needs to verify what
// it received does so on its own receiving side, outside this engine.
func (s *StreamConsumer) Finalize(ctx context.Context, h hash.Hasher, scratch *buffer.Buffer) ([]byte, error) {
	if s.stream == nil {
		return nil, nil
	}
	werr := s.stream.WriteFrame(-1, nil)
	cerr := s.stream.Close()
	if werr != nil {
		return nil, werr
	}
	return nil, cerr
}
