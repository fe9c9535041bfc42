package crypto

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"math/big"

	"github.com/edgelesssys/go-sgx-ra/status"
	"github.com/edgelesssys/go-sgx-ra/types"
)

// BuildECDSAPublicKey builds an ECDSA public key from its typed form.
// Points not on P-256 are rejected.
func BuildECDSAPublicKey(rawPublicKey types.PublicKey) (*ecdsa.PublicKey, error) {
	if _, err := toECDHPublicKey(rawPublicKey); err != nil {
		return nil, err
	}
	return &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(rawPublicKey.X[:]),
		Y:     new(big.Int).SetBytes(rawPublicKey.Y[:]),
	}, nil
}

// PublicKeyFromECDSA returns the typed form of an ECDSA P-256 public key.
func PublicKeyFromECDSA(key *ecdsa.PublicKey) types.PublicKey {
	var pub types.PublicKey
	key.X.FillBytes(pub.X[:])
	key.Y.FillBytes(pub.Y[:])
	return pub
}

// SignECDSA signs SHA-256(data) with priv.
func SignECDSA(priv *ecdsa.PrivateKey, data []byte) (types.Signature, error) {
	digest := sha256.Sum256(data)
	r, s, err := ecdsa.Sign(rand.Reader, priv, digest[:])
	if err != nil {
		return types.Signature{}, status.Errorf(status.ErrUnexpected, "signing data: %s", err)
	}
	var sig types.Signature
	r.FillBytes(sig.R[:])
	s.FillBytes(sig.S[:])
	return sig, nil
}

// VerifyECDSASignature verifies an ECDSA signature over SHA-256(data).
func VerifyECDSASignature(publicKey *ecdsa.PublicKey, data []byte, signature types.Signature) error {
	r := new(big.Int).SetBytes(signature.R[:])
	s := new(big.Int).SetBytes(signature.S[:])

	toVerify := sha256.Sum256(data)
	if !ecdsa.Verify(publicKey, toVerify[:], r, s) {
		return status.Errorf(status.ErrInvalidSignature, "failed to verify signature using ECDSA public key")
	}
	return nil
}

// SignP256 signs the concatenated wire forms of keys, as done for the g_b || g_a signature of msg2.
func SignP256(priv *ecdsa.PrivateKey, keys [2]types.PublicKey) (types.Signature, error) {
	return SignECDSA(priv, wireKeys(keys))
}

// VerifyP256 verifies a signature made by SignP256.
func VerifyP256(pub *ecdsa.PublicKey, keys [2]types.PublicKey, sig types.Signature) bool {
	return VerifyECDSASignature(pub, wireKeys(keys), sig) == nil
}

func wireKeys(keys [2]types.PublicKey) []byte {
	k0 := keys[0].Wire()
	k1 := keys[1].Wire()
	return append(k0[:], k1[:]...)
}

// ParseCertChain parses the PEM CERTIFICATE blocks in data, leaf first.
// Bytes after the last block are ignored, quotes pad their certification data with zeros.
func ParseCertChain(data []byte) ([]*x509.Certificate, error) {
	var chain []*x509.Certificate
	for block, rest := pem.Decode(data); block != nil; block, rest = pem.Decode(rest) {
		if block.Type != "CERTIFICATE" {
			return nil, status.Errorf(status.ErrInvalidParameter, "certificate %d: unexpected PEM block %q", len(chain), block.Type)
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, status.Errorf(status.ErrInvalidParameter, "certificate %d: %s", len(chain), err)
		}
		chain = append(chain, cert)
	}
	if len(chain) == 0 {
		return nil, status.Errorf(status.ErrInvalidParameter, "no PEM certificate found")
	}
	return chain, nil
}

func toECDHPublicKey(key types.PublicKey) (*ecdh.PublicKey, error) {
	uncompressed := make([]byte, 0, 65)
	uncompressed = append(uncompressed, 0x04)
	uncompressed = append(uncompressed, key.X[:]...)
	uncompressed = append(uncompressed, key.Y[:]...)
	pub, err := ecdh.P256().NewPublicKey(uncompressed)
	if err != nil {
		return nil, status.Errorf(status.ErrInvalidParameter, "public key is not a valid P-256 point")
	}
	return pub, nil
}
