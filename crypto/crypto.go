// Package crypto implements the cryptographic primitives used by the key exchanges.
//
// Keys and MACs are fixed size arrays. Secrets held by callers should be wiped with Wipe once no longer needed.
package crypto

import (
	"crypto/subtle"

	"github.com/edgelesssys/go-sgx-ra/types"
)

// Key128 is a 128 bit AES key.
type Key128 [16]byte

// Wipe zeroes the key.
func (k *Key128) Wipe() {
	clear(k[:])
}

// KeyType selects one of the keys established by a remote attestation.
type KeyType uint32

const (
	// KeySK is the shared secret key, used to encrypt application data.
	KeySK KeyType = 1
	// KeyMK is the shared MAC key, used to authenticate application data.
	KeyMK KeyType = 2
)

func (k KeyType) String() string {
	switch k {
	case KeySK:
		return "SK"
	case KeyMK:
		return "MK"
	default:
		return "unknown"
	}
}

// KeySource gives access to the keys established by a remote attestation.
// The returned key is a copy owned by the caller.
type KeySource interface {
	Key(KeyType) (Key128, error)
}

// Equal compares a and b in constant time.
// Slices of different length are never equal.
func Equal(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// EqualMac compares two MACs in constant time.
func EqualMac(a, b types.Mac) bool {
	return Equal(a[:], b[:])
}
