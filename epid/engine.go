/*
Package epid implements the EPID flavor of SGX remote attestation.

The enclave (initiator) and the service provider (responder) exchange three messages:

	initiator                                   responder
	    │ ── RaMsg1 { g_a, gid } ─────────────────► │
	    │ ◄──────────── RaMsg2 { g_b, spid, ... } ── │  signed with the SP key, MACed with SMK
	    │ ── RaMsg3 { mac, g_a, ps_sec_prop, quote } │  MACed with SMK
	    ▼                                           ▼
	         SK and MK established on both sides

The quote in RaMsg3 carries SHA256(g_a || g_b || VK) in its report data, binding the enclave to the key exchange.
*/
package epid

import (
	"crypto/ecdsa"

	"github.com/edgelesssys/go-sgx-ra/crypto"
	"github.com/edgelesssys/go-sgx-ra/status"
	"github.com/edgelesssys/go-sgx-ra/types"
)

// SignMsg2 signs g_b || g_a with the service provider key and MACs msg2 with SMK.
// PubKeyB, SPID, QuoteType and KdfID of m must be set.
func SignMsg2(m *types.RaMsg2, pubA types.PublicKey, priv *ecdsa.PrivateKey, smk crypto.Key128) error {
	sig, err := crypto.SignP256(priv, [2]types.PublicKey{m.PubKeyB, pubA})
	if err != nil {
		return err
	}
	m.SignGbGa = sig
	m.Mac = msg2Mac(m, smk)
	return nil
}

// VerifyMsg2 verifies the signature and the MAC of msg2.
func VerifyMsg2(m *types.RaMsg2, pubA types.PublicKey, spPub *ecdsa.PublicKey, smk crypto.Key128) error {
	if !crypto.VerifyP256(spPub, [2]types.PublicKey{m.PubKeyB, pubA}, m.SignGbGa) {
		return status.Errorf(status.ErrInvalidSignature, "msg2 signature does not verify")
	}
	if !crypto.EqualMac(msg2Mac(m, smk), m.Mac) {
		return status.Errorf(status.ErrMacMismatch, "msg2 MAC does not match")
	}
	return nil
}

func msg2Mac(m *types.RaMsg2, smk crypto.Key128) types.Mac {
	gb := m.PubKeyB.Wire()
	sig := m.SignGbGa.Wire()

	c := crypto.NewCMAC(smk)
	c.Write(gb[:], m.SPID[:])
	c.WriteUint16(uint16(m.QuoteType))
	c.WriteUint16(m.KdfID)
	c.Write(sig[:])
	return c.Sum()
}

// MacMsg3 MACs msg3 with SMK.
func MacMsg3(m *types.RaMsg3, smk crypto.Key128) {
	m.Mac = msg3Mac(m, smk)
}

// VerifyMsg3 verifies the MAC of msg3.
func VerifyMsg3(m *types.RaMsg3, smk crypto.Key128) error {
	if !crypto.EqualMac(msg3Mac(m, smk), m.Mac) {
		return status.Errorf(status.ErrMacMismatch, "msg3 MAC does not match")
	}
	return nil
}

func msg3Mac(m *types.RaMsg3, smk crypto.Key128) types.Mac {
	ga := m.PubKeyA.Wire()
	return crypto.ComputeCMAC(smk, ga[:], m.PsSecProp[:], m.Quote)
}

// VerifyAttestationResultMAC verifies a MAC made with MK over an attestation result
// the service provider sends after accepting msg3.
func VerifyAttestationResultMAC(keys crypto.KeySource, message []byte, mac types.Mac) error {
	mk, err := keys.Key(crypto.KeyMK)
	if err != nil {
		return err
	}
	defer mk.Wipe()
	if !crypto.EqualMac(crypto.ComputeCMAC(mk, message), mac) {
		return status.Errorf(status.ErrMacMismatch, "attestation result MAC does not match")
	}
	return nil
}

// SignAttestationResult MACs an attestation result with MK.
func SignAttestationResult(keys crypto.KeySource, message []byte) (types.Mac, error) {
	mk, err := keys.Key(crypto.KeyMK)
	if err != nil {
		return types.Mac{}, err
	}
	defer mk.Wipe()
	return crypto.ComputeCMAC(mk, message), nil
}
