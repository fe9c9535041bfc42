package dcap

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"fmt"

	"github.com/edgelesssys/go-sgx-ra/crypto"
	"github.com/edgelesssys/go-sgx-ra/platform"
	"github.com/edgelesssys/go-sgx-ra/region"
	"github.com/edgelesssys/go-sgx-ra/status"
	"github.com/edgelesssys/go-sgx-ra/types"
)

// Responder is the enclave answering a mutual DCAP remote attestation.
// It is not safe for concurrent use.
type Responder struct {
	base
}

// NewResponder creates a mutual Responder.
func NewResponder(opts ...Option) *Responder {
	return &Responder{base: newBase("dcap_responder", opts)}
}

// ProcessMsg1 generates g_b, derives the session keys and creates a report for the quoting enclave.
// The quote obtained for the report is passed to Msg2.
func (r *Responder) ProcessMsg1(m1 *types.DcapRaMsg1, qeTarget *types.TargetInfo, enclave platform.Enclave) (types.Report, types.QuoteNonce, error) {
	if r.state != stateInited {
		return types.Report{}, types.QuoteNonce{}, r.wrongState("process msg1")
	}
	if err := region.RequireTrusted(r.cfg.Classifier, m1); err != nil {
		return types.Report{}, types.QuoteNonce{}, r.fail(fmt.Errorf("msg1: %w", err))
	}
	keyPair, err := crypto.GenerateKeyPair(r.cfg.Rand)
	if err != nil {
		return types.Report{}, types.QuoteNonce{}, r.fail(err)
	}
	r.keyPair = keyPair
	r.pubA = m1.PubKeyA
	r.pubB = keyPair.Public

	if err := r.deriveKeys(m1.PubKeyA, crypto.KdfAESCMAC); err != nil {
		return types.Report{}, types.QuoteNonce{}, r.fail(err)
	}
	report, nonce, err := r.reportForQE(qeTarget, enclave)
	if err != nil {
		return types.Report{}, types.QuoteNonce{}, r.fail(err)
	}
	r.setState(stateMsg1Processed)
	return report, nonce, nil
}

// Msg2 checks the quoting enclave's report and builds msg2 around quote.
func (r *Responder) Msg2(qeReport *types.Report, quote []byte, enclave platform.Enclave) (types.DcapMRaMsg2, error) {
	if r.state != stateMsg1Processed {
		return types.DcapMRaMsg2{}, r.wrongState("msg2")
	}
	if err := r.checkOwnQuote(qeReport, quote, enclave); err != nil {
		return types.DcapMRaMsg2{}, r.fail(err)
	}
	m2 := types.DcapMRaMsg2{
		PubKeyB: r.pubB,
		KdfID:   crypto.KdfAESCMAC,
		Quote:   append([]byte{}, quote...),
	}
	MacMRaMsg2(&m2, r.keys.SMK)
	r.setState(stateMsg2Generated)
	return m2, nil
}

// ProcessMsg3 verifies msg3 and the initiator's quote. On success the session is established.
func (r *Responder) ProcessMsg3(m3 *types.DcapRaMsg3, verifier platform.QuoteVerifier) (types.EnclaveIdentity, platform.QuoteResult, error) {
	return r.processMsg3(m3, verifier)
}

// UnilateralResponder is the service provider side of a unilateral DCAP remote attestation.
// It authenticates itself with a signing key and only verifies the initiator's quote.
// It is not safe for concurrent use.
type UnilateralResponder struct {
	base
	priv *ecdsa.PrivateKey
}

// NewUnilateralResponder creates a UnilateralResponder signing msg2 with priv.
func NewUnilateralResponder(priv *ecdsa.PrivateKey, opts ...Option) (*UnilateralResponder, error) {
	if priv == nil || priv.Curve != elliptic.P256() {
		return nil, status.Errorf(status.ErrInvalidParameter, "service provider key must be a P-256 key")
	}
	return &UnilateralResponder{base: newBase("dcap_unilateral_responder", opts), priv: priv}, nil
}

// ProcessMsg1 derives the session keys and returns the signed msg2.
func (r *UnilateralResponder) ProcessMsg1(m1 *types.DcapRaMsg1) (types.DcapURaMsg2, error) {
	if r.state != stateInited {
		return types.DcapURaMsg2{}, r.wrongState("process msg1")
	}
	if err := region.RequireTrusted(r.cfg.Classifier, m1); err != nil {
		return types.DcapURaMsg2{}, r.fail(fmt.Errorf("msg1: %w", err))
	}
	keyPair, err := crypto.GenerateKeyPair(r.cfg.Rand)
	if err != nil {
		return types.DcapURaMsg2{}, r.fail(err)
	}
	r.keyPair = keyPair
	r.pubA = m1.PubKeyA
	r.pubB = keyPair.Public

	if err := r.deriveKeys(m1.PubKeyA, crypto.KdfAESCMAC); err != nil {
		return types.DcapURaMsg2{}, r.fail(err)
	}
	m2 := types.DcapURaMsg2{
		PubKeyB: r.pubB,
		KdfID:   crypto.KdfAESCMAC,
	}
	if err := SignURaMsg2(&m2, r.pubA, r.priv, r.keys.SMK); err != nil {
		return types.DcapURaMsg2{}, r.fail(fmt.Errorf("signing msg2: %w", err))
	}
	r.setState(stateMsg2Generated)
	return m2, nil
}

// ProcessMsg3 verifies msg3 and the initiator's quote. On success the session is established.
func (r *UnilateralResponder) ProcessMsg3(m3 *types.DcapRaMsg3, verifier platform.QuoteVerifier) (types.EnclaveIdentity, platform.QuoteResult, error) {
	return r.processMsg3(m3, verifier)
}
