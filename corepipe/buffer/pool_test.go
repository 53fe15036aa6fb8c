package buffer

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNewValidatesConfiguration(t *testing.T) {
	cases := []struct {
		name      string
		blockSize int
		capacity  int
	}{
		{"zero block size", 0, 4},
		{"unaligned block size", 100, 4},
		{"zero capacity", SectorSize, 0},
		{"negative capacity", SectorSize, -1},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := New(c.blockSize, c.capacity)
			if err == nil {
				t.Fatalf("expected error")
			}
			var pe *Error
			if !errors.As(err, &pe) || pe.Kind != KindInvalidConfiguration {
				t.Fatalf("expected InvalidConfiguration, got %v", err)
			}
		})
	}
}

func TestRentReturnLifecycle(t *testing.T) {
	p, err := New(SectorSize, 2)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	b1, err := p.Rent(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if b1.Capacity() != SectorSize {
		t.Fatalf("capacity = %d, want %d", b1.Capacity(), SectorSize)
	}

	b2, err := p.Rent(ctx)
	if err != nil {
		t.Fatal(err)
	}

	// Pool is exhausted; a third rent must block until a buffer is returned.
	done := make(chan struct{})
	go func() {
		b3, err := p.Rent(ctx)
		if err != nil {
			t.Errorf("Rent: %v", err)
		}
		if err := p.Return(b3); err != nil {
			t.Errorf("Return: %v", err)
		}
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("third rent completed before any buffer was returned")
	case <-time.After(20 * time.Millisecond):
	}

	if err := p.Return(b1); err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("third rent never completed after a return")
	}

	if err := p.Return(b2); err != nil {
		t.Fatal(err)
	}

	if err := p.Invariant(); err != nil {
		t.Fatalf("Invariant: %v", err)
	}
}

func TestRentRespectsCancellation(t *testing.T) {
	p, err := New(SectorSize, 1)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	_, err = p.Rent(ctx)
	if err != nil {
		t.Fatal(err)
	}

	cctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = p.Rent(cctx)
	if !errors.Is(err, ErrCanceled) {
		t.Fatalf("expected ErrCanceled, got %v", err)
	}
}

func TestReturnRejectsForeignBuffer(t *testing.T) {
	p1, _ := New(SectorSize, 1)
	p2, _ := New(SectorSize, 1)

	b, err := p1.Rent(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	err = p2.Return(b)
	var pe *Error
	if !errors.As(err, &pe) || pe.Kind != KindInvariant {
		t.Fatalf("expected Invariant error, got %v", err)
	}
}

func TestReturnRejectsUnderflow(t *testing.T) {
	p, _ := New(SectorSize, 1)
	b, err := p.Rent(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Return(b); err != nil {
		t.Fatal(err)
	}
	err = p.Return(b)
	var pe *Error
	if !errors.As(err, &pe) || pe.Kind != KindInvariant {
		t.Fatalf("expected Invariant error on double return, got %v", err)
	}
}

func TestDisposedPoolRejectsRent(t *testing.T) {
	p, _ := New(SectorSize, 1)
	p.Close()
	_, err := p.Rent(context.Background())
	if !errors.Is(err, ErrDisposed) {
		t.Fatalf("expected ErrDisposed, got %v", err)
	}
}

func TestBroadcastRefCountAndReturn(t *testing.T) {
	p, _ := New(SectorSize, 1)
	b, err := p.Rent(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	p.Stamp(b, 0, SectorSize)
	p.SetBroadcastRefCount(b, 3)

	for i := 0; i < 2; i++ {
		if err := p.Return(b); err != nil {
			t.Fatalf("Return %d: %v", i, err)
		}
	}
	if err := p.Invariant(); err == nil {
		t.Fatal("expected invariant to fail while a share is still outstanding")
	}
	if err := p.Return(b); err != nil {
		t.Fatalf("final Return: %v", err)
	}
	if err := p.Invariant(); err != nil {
		t.Fatalf("Invariant after full return: %v", err)
	}
}
