package hash

import (
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"

	"golang.org/x/crypto/blake2b"
)

// algorithms maps a configurable algorithm name to a constructor for a
// fresh stdlib/x-crypto hash.Hash.
var algorithms = map[string]func() hash.Hash{
	"sha256": sha256.New,
	"sha512": sha512.New,
	"blake2b-256": func() hash.Hash {
		h, _ := blake2b.New256(nil)
		return h
	},
}

// ErrUnknownAlgorithm names a Crypto factory input that isn't registered.
type ErrUnknownAlgorithm string

func (e ErrUnknownAlgorithm) Error() string {
	return fmt.Sprintf("hash: unknown algorithm %q", string(e))
}

// crypto adapts a stdlib/x-crypto hash.Hash to the Hasher contract.
type crypto struct {
	name string
	h    hash.Hash
}

// NewCryptoFactory returns a Factory producing Hasher instances for the
// named cryptographic algorithm ("sha256", "sha512", "blake2b-256").
func NewCryptoFactory(name string) (Factory, error) {
	ctor, ok := algorithms[name]
	if !ok {
		return nil, ErrUnknownAlgorithm(name)
	}
	return func() (Hasher, error) {
		return &crypto{name: name, h: ctor()}, nil
	}, nil
}

func (c *crypto) Clone() Hasher {
	return &crypto{name: c.name, h: algorithms[c.name]()}
}

func (c *crypto) Append(p []byte) { c.h.Write(p) }

func (c *crypto) SumAndReset() []byte {
	sum := c.h.Sum(nil)
	c.h.Reset()
	return sum
}

func (c *crypto) Size() int { return c.h.Size() }
