package types

const (
	// PublicKeySize is the size of a P-256 public key in its wire form.
	PublicKeySize = 64
	// SignatureSize is the size of an ECDSA P-256 signature in its wire form.
	SignatureSize = 64
	// MacSize is the size of an AES-CMAC tag.
	MacSize = 16
)

// PublicKey is a P-256 public key. The coordinates are stored big-endian.
type PublicKey struct {
	X [32]byte
	Y [32]byte
}

// Signature is an ECDSA P-256 signature. The components are stored big-endian.
type Signature struct {
	R [32]byte
	S [32]byte
}

// Mac is a 128 bit AES-CMAC tag.
type Mac [MacSize]byte

// Wire returns the public key as sgx_ec256_public_t: gx followed by gy, each little-endian.
func (k PublicKey) Wire() [PublicKeySize]byte {
	var out [PublicKeySize]byte
	reverseInto(out[0:32], k.X[:])
	reverseInto(out[32:64], k.Y[:])
	return out
}

// PublicKeyFromWire converts an sgx_ec256_public_t to a PublicKey.
func PublicKeyFromWire(wire [PublicKeySize]byte) PublicKey {
	var k PublicKey
	reverseInto(k.X[:], wire[0:32])
	reverseInto(k.Y[:], wire[32:64])
	return k
}

// IsZero reports whether the key is all zeroes.
func (k PublicKey) IsZero() bool {
	return k == PublicKey{}
}

// Wire returns the signature as sgx_ec256_signature_t: x followed by y, each little-endian.
func (s Signature) Wire() [SignatureSize]byte {
	var out [SignatureSize]byte
	reverseInto(out[0:32], s.R[:])
	reverseInto(out[32:64], s.S[:])
	return out
}

// SignatureFromWire converts an sgx_ec256_signature_t to a Signature.
func SignatureFromWire(wire [SignatureSize]byte) Signature {
	var s Signature
	reverseInto(s.R[:], wire[0:32])
	reverseInto(s.S[:], wire[32:64])
	return s
}

// Raw returns the key as X || Y, both big-endian, the form used inside DCAP quotes.
func (k PublicKey) Raw() [PublicKeySize]byte {
	var out [PublicKeySize]byte
	copy(out[0:32], k.X[:])
	copy(out[32:64], k.Y[:])
	return out
}

// PublicKeyFromRaw is the inverse of PublicKey.Raw.
func PublicKeyFromRaw(raw [PublicKeySize]byte) PublicKey {
	return PublicKey{X: [32]byte(raw[0:32]), Y: [32]byte(raw[32:64])}
}

// Raw returns the signature as R || S, both big-endian, the form used inside DCAP quotes.
func (s Signature) Raw() [SignatureSize]byte {
	var out [SignatureSize]byte
	copy(out[0:32], s.R[:])
	copy(out[32:64], s.S[:])
	return out
}

// SignatureFromRaw is the inverse of Signature.Raw.
func SignatureFromRaw(raw [SignatureSize]byte) Signature {
	return Signature{R: [32]byte(raw[0:32]), S: [32]byte(raw[32:64])}
}

func reverseInto(dst, src []byte) {
	for i := range src {
		dst[len(src)-1-i] = src[i]
	}
}
