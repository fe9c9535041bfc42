package crypto

import (
	"github.com/edgelesssys/go-sgx-ra/status"
	"github.com/edgelesssys/go-sgx-ra/types"
)

// KdfAESCMAC is the only key derivation function id understood by the key exchanges.
const KdfAESCMAC = 1

// Key derivation labels.
const (
	LabelSMK = "SMK"
	LabelSK  = "SK"
	LabelMK  = "MK"
	LabelVK  = "VK"
	LabelAEK = "AEK"
)

// DeriveKey derives a 128 bit key from a DH shared secret:
//
//	KDK = AES-CMAC(0^16, little-endian shared x)
//	key = AES-CMAC(KDK, 0x01 || label || 0x00 || 0x80 || 0x00)
func DeriveKey(shared [32]byte, label string) (Key128, error) {
	if label == "" {
		return Key128{}, status.Errorf(status.ErrInvalidParameter, "empty key derivation label")
	}

	var le [32]byte
	for i := range shared {
		le[len(shared)-1-i] = shared[i]
	}
	kdk := Key128(ComputeCMAC(Key128{}, le[:]))
	clear(le[:])
	defer kdk.Wipe()

	derivation := make([]byte, 0, len(label)+4)
	derivation = append(derivation, 0x01)
	derivation = append(derivation, label...)
	derivation = append(derivation, 0x00, 0x80, 0x00)
	return Key128(ComputeCMAC(kdk, derivation)), nil
}

// SessionKeys are the keys derived from the shared secret of a remote attestation.
type SessionKeys struct {
	SMK Key128
	SK  Key128
	MK  Key128
	VK  Key128
}

// DeriveSessionKeys derives SMK, SK, MK and VK.
func DeriveSessionKeys(shared [32]byte) (SessionKeys, error) {
	var keys SessionKeys
	for _, k := range []struct {
		label string
		dst   *Key128
	}{
		{LabelSMK, &keys.SMK},
		{LabelSK, &keys.SK},
		{LabelMK, &keys.MK},
		{LabelVK, &keys.VK},
	} {
		key, err := DeriveKey(shared, k.label)
		if err != nil {
			keys.Wipe()
			return SessionKeys{}, err
		}
		*k.dst = key
	}
	return keys, nil
}

// Wipe zeroes all keys.
func (k *SessionKeys) Wipe() {
	k.SMK.Wipe()
	k.SK.Wipe()
	k.MK.Wipe()
	k.VK.Wipe()
}

// KeyExchangeBinding is the hash a remote attestation quote carries in the first half of its report data:
// SHA256(g_a || g_b || VK), with the keys in wire form.
func KeyExchangeBinding(pubA, pubB types.PublicKey, vk Key128) [32]byte {
	ga := pubA.Wire()
	gb := pubB.Wire()
	return SumSHA256(ga[:], gb[:], vk[:])
}
