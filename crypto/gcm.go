package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"github.com/edgelesssys/go-sgx-ra/status"
	"github.com/edgelesssys/go-sgx-ra/types"
)

// The IV of all GCM operations is 12 zero bytes. Every key is used for a single session direction only.
var zeroIV = make([]byte, 12)

func newGCM(key Key128) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// GCMEncrypt encrypts plaintext with AES-128-GCM, a zero IV and no additional data.
func GCMEncrypt(key Key128, plaintext []byte) ([]byte, types.Mac, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, types.Mac{}, status.Wrap(status.ErrUnexpected, err)
	}
	sealed := aead.Seal(nil, zeroIV, plaintext, nil)
	ciphertext := sealed[:len(plaintext)]
	return ciphertext, types.Mac(sealed[len(plaintext):]), nil
}

// GCMDecrypt decrypts and authenticates ciphertext. Any failure is reported as a MAC mismatch.
func GCMDecrypt(key Key128, ciphertext []byte, tag types.Mac) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, status.Wrap(status.ErrUnexpected, err)
	}
	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag[:]...)
	plaintext, err := aead.Open(nil, zeroIV, sealed, nil)
	if err != nil {
		return nil, status.Errorf(status.ErrMacMismatch, "decrypting GCM ciphertext")
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}
