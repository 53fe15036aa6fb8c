package hash

import "github.com/cespare/xxhash/v2"

// fast64 adapts xxhash.Digest to the Hasher contract, for workloads where a
// cryptographic digest is unnecessary overhead.
type fast64 struct {
	d *xxhash.Digest
}

// NewFast64Factory returns a Factory producing 64-bit xxHash Hasher
// instances, grounded on the fast-checksum role xxhash plays in
// other_examples/holmberd-go-cmap__buffer.go.
func NewFast64Factory() Factory {
	return func() (Hasher, error) {
		return &fast64{d: xxhash.New()}, nil
	}
}

func (f *fast64) Clone() Hasher {
	return &fast64{d: xxhash.New()}
}

func (f *fast64) Append(p []byte) { f.d.Write(p) }

func (f *fast64) SumAndReset() []byte {
	sum := f.d.Sum(nil)
	f.d.Reset()
	return sum
}

func (f *fast64) Size() int { return 8 }
