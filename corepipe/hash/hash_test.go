package hash

import (
	"bytes"
	"errors"
	"testing"
)

func TestCryptoFactoryUnknownAlgorithm(t *testing.T) {
	_, err := NewCryptoFactory("md17")
	var unknown ErrUnknownAlgorithm
	if !errors.As(err, &unknown) {
		t.Fatalf("expected ErrUnknownAlgorithm, got %v", err)
	}
}

func TestCryptoFactoryDeterministic(t *testing.T) {
	factory, err := NewCryptoFactory("sha256")
	if err != nil {
		t.Fatal(err)
	}
	h1, err := factory()
	if err != nil {
		t.Fatal(err)
	}
	h2, err := factory()
	if err != nil {
		t.Fatal(err)
	}

	h1.Append([]byte("hello "))
	h1.Append([]byte("world"))
	h2.Append([]byte("hello world"))

	if !bytes.Equal(h1.SumAndReset(), h2.SumAndReset()) {
		t.Fatal("split-write digest differs from single-write digest")
	}
}

func TestCryptoResetProducesFreshState(t *testing.T) {
	factory, _ := NewCryptoFactory("sha256")
	h, _ := factory()
	h.Append([]byte("first stream"))
	first := h.SumAndReset()

	h.Append([]byte("first stream"))
	second := h.SumAndReset()

	if !bytes.Equal(first, second) {
		t.Fatal("reset did not produce independent identical digests for identical input")
	}
}

func TestFast64Deterministic(t *testing.T) {
	factory := NewFast64Factory()
	h1, _ := factory()
	h2, _ := factory()

	h1.Append([]byte("abc"))
	h2.Append([]byte("abc"))

	d1 := h1.SumAndReset()
	d2 := h2.SumAndReset()
	if !bytes.Equal(d1, d2) {
		t.Fatal("xxhash digests differ for identical input")
	}
	if len(d1) != 8 {
		t.Fatalf("digest length = %d, want 8", len(d1))
	}
}

func TestCloneIsIndependent(t *testing.T) {
	factory := NewFast64Factory()
	h, _ := factory()
	clone := h.Clone()

	h.Append([]byte("original"))
	clone.Append([]byte("clone"))

	if bytes.Equal(h.SumAndReset(), clone.SumAndReset()) {
		t.Fatal("clone shared mutable state with its source")
	}
}
