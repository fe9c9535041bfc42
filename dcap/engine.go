/*
Package dcap implements the DCAP (ECDSA quote) flavor of SGX remote attestation.

In the mutual flavor both sides are enclaves and both send a quote:

	initiator                                      responder
	    │ ── DcapRaMsg1 { g_a } ───────────────────────► │
	    │ ◄──────────── DcapMRaMsg2 { mac, g_b, quote } ─ │
	    │ ── DcapRaMsg3 { mac, g_a, quote } ────────────► │

In the unilateral flavor the responder is a service provider. It signs g_b || g_a instead of sending a quote,
and answers with a DcapURaMsg2.

Unlike EPID, the MAC inputs of the quote carrying messages include the quote length as a little-endian u32.
*/
package dcap

import (
	"crypto/ecdsa"

	"github.com/edgelesssys/go-sgx-ra/crypto"
	"github.com/edgelesssys/go-sgx-ra/status"
	"github.com/edgelesssys/go-sgx-ra/types"
)

// SignURaMsg2 signs g_b || g_a and MACs the unilateral msg2 with SMK.
func SignURaMsg2(m *types.DcapURaMsg2, pubA types.PublicKey, priv *ecdsa.PrivateKey, smk crypto.Key128) error {
	sig, err := crypto.SignP256(priv, [2]types.PublicKey{m.PubKeyB, pubA})
	if err != nil {
		return err
	}
	m.SignGbGa = sig
	m.Mac = uraMsg2Mac(m, smk)
	return nil
}

// VerifyURaMsg2 verifies the signature and the MAC of the unilateral msg2.
func VerifyURaMsg2(m *types.DcapURaMsg2, pubA types.PublicKey, spPub *ecdsa.PublicKey, smk crypto.Key128) error {
	if !crypto.VerifyP256(spPub, [2]types.PublicKey{m.PubKeyB, pubA}, m.SignGbGa) {
		return status.Errorf(status.ErrInvalidSignature, "msg2 signature does not verify")
	}
	if !crypto.EqualMac(uraMsg2Mac(m, smk), m.Mac) {
		return status.Errorf(status.ErrMacMismatch, "msg2 MAC does not match")
	}
	return nil
}

func uraMsg2Mac(m *types.DcapURaMsg2, smk crypto.Key128) types.Mac {
	gb := m.PubKeyB.Wire()
	sig := m.SignGbGa.Wire()

	c := crypto.NewCMAC(smk)
	c.Write(gb[:])
	c.WriteUint32(m.KdfID)
	c.Write(sig[:])
	return c.Sum()
}

// MacMRaMsg2 MACs the mutual msg2 with SMK.
func MacMRaMsg2(m *types.DcapMRaMsg2, smk crypto.Key128) {
	m.Mac = mraMsg2Mac(m, smk)
}

// VerifyMRaMsg2 verifies the MAC of the mutual msg2.
func VerifyMRaMsg2(m *types.DcapMRaMsg2, smk crypto.Key128) error {
	if !crypto.EqualMac(mraMsg2Mac(m, smk), m.Mac) {
		return status.Errorf(status.ErrMacMismatch, "msg2 MAC does not match")
	}
	return nil
}

func mraMsg2Mac(m *types.DcapMRaMsg2, smk crypto.Key128) types.Mac {
	gb := m.PubKeyB.Wire()

	c := crypto.NewCMAC(smk)
	c.Write(gb[:])
	c.WriteUint32(m.KdfID)
	c.WriteUint32(uint32(len(m.Quote)))
	c.Write(m.Quote)
	return c.Sum()
}

// MacMsg3 MACs msg3 with SMK.
func MacMsg3(m *types.DcapRaMsg3, smk crypto.Key128) {
	m.Mac = msg3Mac(m, smk)
}

// VerifyMsg3 verifies the MAC of msg3.
func VerifyMsg3(m *types.DcapRaMsg3, smk crypto.Key128) error {
	if !crypto.EqualMac(msg3Mac(m, smk), m.Mac) {
		return status.Errorf(status.ErrMacMismatch, "msg3 MAC does not match")
	}
	return nil
}

func msg3Mac(m *types.DcapRaMsg3, smk crypto.Key128) types.Mac {
	ga := m.PubKeyA.Wire()

	c := crypto.NewCMAC(smk)
	c.Write(ga[:])
	c.WriteUint32(uint32(len(m.Quote)))
	c.Write(m.Quote)
	return c.Sum()
}
