package crypto

import (
	"crypto/sha256"
	"hash"
)

// SHA256 computes a SHA-256 digest incrementally.
type SHA256 struct {
	h hash.Hash
}

// NewSHA256 returns an empty SHA-256 state.
func NewSHA256() *SHA256 {
	return &SHA256{h: sha256.New()}
}

// Write appends parts to the hash input.
func (s *SHA256) Write(parts ...[]byte) {
	for _, p := range parts {
		_, _ = s.h.Write(p)
	}
}

// Sum returns the digest over everything written so far.
func (s *SHA256) Sum() [32]byte {
	return [32]byte(s.h.Sum(nil))
}

// SumSHA256 is a one-shot SHA-256 over the concatenation of parts.
func SumSHA256(parts ...[]byte) [32]byte {
	s := NewSHA256()
	s.Write(parts...)
	return s.Sum()
}
