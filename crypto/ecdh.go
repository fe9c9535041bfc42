package crypto

import (
	"crypto/ecdh"
	"io"

	"github.com/edgelesssys/go-sgx-ra/status"
	"github.com/edgelesssys/go-sgx-ra/types"
)

// KeyPair is an ephemeral P-256 key pair for a single key exchange.
type KeyPair struct {
	priv   *ecdh.PrivateKey
	Public types.PublicKey
}

// GenerateKeyPair creates a fresh key pair, reading randomness from rand.
func GenerateKeyPair(rand io.Reader) (*KeyPair, error) {
	priv, err := ecdh.P256().GenerateKey(rand)
	if err != nil {
		return nil, status.Errorf(status.ErrUnexpected, "generating key pair: %s", err)
	}
	// 0x04 || X || Y
	raw := priv.PublicKey().Bytes()
	kp := &KeyPair{priv: priv}
	copy(kp.Public.X[:], raw[1:33])
	copy(kp.Public.Y[:], raw[33:65])
	return kp, nil
}

// SharedSecret computes the x-coordinate of the shared point with peer, big-endian.
func (kp *KeyPair) SharedSecret(peer types.PublicKey) ([32]byte, error) {
	if kp.priv == nil {
		return [32]byte{}, status.Errorf(status.ErrInvalidState, "key pair has been wiped")
	}
	pub, err := toECDHPublicKey(peer)
	if err != nil {
		return [32]byte{}, err
	}
	shared, err := kp.priv.ECDH(pub)
	if err != nil {
		return [32]byte{}, status.Errorf(status.ErrInvalidParameter, "computing shared secret: %s", err)
	}
	return [32]byte(shared), nil
}

// Wipe drops the private key. The key pair cannot be used afterwards.
func (kp *KeyPair) Wipe() {
	if kp == nil {
		return
	}
	kp.priv = nil
}
