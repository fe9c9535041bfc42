package crypto

import (
	"crypto/aes"
	"encoding/binary"
	"hash"

	"github.com/aead/cmac"
	"github.com/edgelesssys/go-sgx-ra/types"
)

// CMAC computes an AES-128-CMAC incrementally.
type CMAC struct {
	h hash.Hash
}

// NewCMAC returns a CMAC keyed with key.
func NewCMAC(key Key128) *CMAC {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		panic(err) // key size is fixed
	}
	h, err := cmac.New(block)
	if err != nil {
		panic(err)
	}
	return &CMAC{h: h}
}

// Write appends parts to the MAC input.
func (c *CMAC) Write(parts ...[]byte) {
	for _, p := range parts {
		_, _ = c.h.Write(p)
	}
}

// WriteUint16 appends v little-endian.
func (c *CMAC) WriteUint16(v uint16) {
	c.Write(binary.LittleEndian.AppendUint16(nil, v))
}

// WriteUint32 appends v little-endian.
func (c *CMAC) WriteUint32(v uint32) {
	c.Write(binary.LittleEndian.AppendUint32(nil, v))
}

// Sum returns the tag over everything written so far.
func (c *CMAC) Sum() types.Mac {
	return types.Mac(c.h.Sum(nil))
}

// ComputeCMAC is a one-shot AES-128-CMAC over the concatenation of parts.
func ComputeCMAC(key Key128, parts ...[]byte) types.Mac {
	c := NewCMAC(key)
	c.Write(parts...)
	return c.Sum()
}
