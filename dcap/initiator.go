package dcap

import (
	"fmt"

	"github.com/edgelesssys/go-sgx-ra/crypto"
	"github.com/edgelesssys/go-sgx-ra/platform"
	"github.com/edgelesssys/go-sgx-ra/region"
	"github.com/edgelesssys/go-sgx-ra/types"
)

// Initiator is the enclave starting a DCAP remote attestation.
// Depending on the msg2 it receives, the exchange is mutual or unilateral.
// It is not safe for concurrent use.
type Initiator struct {
	base
}

// NewInitiator creates an Initiator.
func NewInitiator(opts ...Option) *Initiator {
	return &Initiator{base: newBase("dcap_initiator", opts)}
}

// Msg1 generates the ephemeral key pair and returns msg1.
func (i *Initiator) Msg1() (types.DcapRaMsg1, error) {
	if i.state != stateInited {
		return types.DcapRaMsg1{}, i.wrongState("msg1")
	}
	keyPair, err := crypto.GenerateKeyPair(i.cfg.Rand)
	if err != nil {
		return types.DcapRaMsg1{}, i.fail(err)
	}
	i.keyPair = keyPair
	i.pubA = keyPair.Public
	i.setState(stateGaGenerated)
	return types.DcapRaMsg1{PubKeyA: keyPair.Public}, nil
}

// ProcessMRaMsg2 verifies a mutual msg2 and the responder's quote, then creates a report
// for the quoting enclave. The peer identity is available afterwards.
func (i *Initiator) ProcessMRaMsg2(m2 *types.DcapMRaMsg2, verifier platform.QuoteVerifier, qeTarget *types.TargetInfo, enclave platform.Enclave) (types.Report, types.QuoteNonce, error) {
	if i.state != stateGaGenerated {
		return types.Report{}, types.QuoteNonce{}, i.wrongState("process msg2")
	}
	if err := region.RequireTrusted(i.cfg.Classifier, m2); err != nil {
		return types.Report{}, types.QuoteNonce{}, i.fail(fmt.Errorf("msg2: %w", err))
	}
	i.pubB = m2.PubKeyB
	if err := i.deriveKeys(m2.PubKeyB, m2.KdfID); err != nil {
		return types.Report{}, types.QuoteNonce{}, i.fail(err)
	}
	if err := VerifyMRaMsg2(m2, i.keys.SMK); err != nil {
		return types.Report{}, types.QuoteNonce{}, i.fail(err)
	}
	if err := i.verifyPeerQuote(m2.Quote, verifier); err != nil {
		return types.Report{}, types.QuoteNonce{}, i.fail(err)
	}
	report, nonce, err := i.reportForQE(qeTarget, enclave)
	if err != nil {
		return types.Report{}, types.QuoteNonce{}, i.fail(err)
	}
	i.setState(stateMsg2Processed)
	return report, nonce, nil
}

// ProcessURaMsg2 verifies a unilateral msg2 signed by spPub, then creates a report for the quoting enclave.
func (i *Initiator) ProcessURaMsg2(m2 *types.DcapURaMsg2, spPub types.PublicKey, qeTarget *types.TargetInfo, enclave platform.Enclave) (types.Report, types.QuoteNonce, error) {
	if i.state != stateGaGenerated {
		return types.Report{}, types.QuoteNonce{}, i.wrongState("process msg2")
	}
	if err := region.RequireTrusted(i.cfg.Classifier, m2); err != nil {
		return types.Report{}, types.QuoteNonce{}, i.fail(fmt.Errorf("msg2: %w", err))
	}
	pub, err := crypto.BuildECDSAPublicKey(spPub)
	if err != nil {
		return types.Report{}, types.QuoteNonce{}, i.fail(fmt.Errorf("service provider key: %w", err))
	}
	i.pubB = m2.PubKeyB
	if err := i.deriveKeys(m2.PubKeyB, m2.KdfID); err != nil {
		return types.Report{}, types.QuoteNonce{}, i.fail(err)
	}
	if err := VerifyURaMsg2(m2, i.pubA, pub, i.keys.SMK); err != nil {
		return types.Report{}, types.QuoteNonce{}, i.fail(fmt.Errorf("verifying msg2: %w", err))
	}
	report, nonce, err := i.reportForQE(qeTarget, enclave)
	if err != nil {
		return types.Report{}, types.QuoteNonce{}, i.fail(err)
	}
	i.setState(stateMsg2Processed)
	return report, nonce, nil
}

// Msg3 checks the quoting enclave's report and builds msg3 around quote. The session is established afterwards.
func (i *Initiator) Msg3(qeReport *types.Report, quote []byte, enclave platform.Enclave) (types.DcapRaMsg3, error) {
	if i.state != stateMsg2Processed {
		return types.DcapRaMsg3{}, i.wrongState("msg3")
	}
	if err := i.checkOwnQuote(qeReport, quote, enclave); err != nil {
		return types.DcapRaMsg3{}, i.fail(err)
	}
	m3 := types.DcapRaMsg3{
		PubKeyA: i.pubA,
		Quote:   append([]byte{}, quote...),
	}
	MacMsg3(&m3, i.keys.SMK)
	i.establish()
	return m3, nil
}
