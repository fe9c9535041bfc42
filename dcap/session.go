package dcap

import (
	"fmt"
	"io"
	"time"

	"github.com/edgelesssys/go-sgx-ra/crypto"
	"github.com/edgelesssys/go-sgx-ra/internal/session"
	"github.com/edgelesssys/go-sgx-ra/platform"
	"github.com/edgelesssys/go-sgx-ra/region"
	"github.com/edgelesssys/go-sgx-ra/status"
	"github.com/edgelesssys/go-sgx-ra/types"
)

type state int

const (
	stateInited state = iota
	stateGaGenerated
	stateMsg1Processed
	stateMsg2Generated
	stateMsg2Processed
	stateEstablished
	stateError
)

func (s state) String() string {
	switch s {
	case stateInited:
		return "inited"
	case stateGaGenerated:
		return "ga_generated"
	case stateMsg1Processed:
		return "msg1_processed"
	case stateMsg2Generated:
		return "msg2_generated"
	case stateMsg2Processed:
		return "msg2_processed"
	case stateEstablished:
		return "established"
	default:
		return "error"
	}
}

// base holds what all DCAP session roles share.
type base struct {
	cfg   session.Config
	state state

	keyPair *crypto.KeyPair
	pubA    types.PublicKey
	pubB    types.PublicKey
	keys    crypto.SessionKeys

	qeTarget types.TargetInfo
	nonce    types.QuoteNonce

	peer          types.EnclaveIdentity
	hasPeer       bool
	quoteResult   platform.QuoteResult
	establishedAt time.Time
}

func newBase(role string, opts []Option) base {
	return base{cfg: session.New(role, opts...)}
}

// deriveKeys computes the shared secret with peer and derives the session keys.
func (b *base) deriveKeys(peer types.PublicKey, kdfID uint32) error {
	shared, err := b.keyPair.SharedSecret(peer)
	if err != nil {
		return fmt.Errorf("computing shared secret: %w", err)
	}
	keys, err := b.cfg.Derive(shared, kdfID)
	clear(shared[:])
	if err != nil {
		return fmt.Errorf("deriving keys: %w", err)
	}
	b.keys = keys
	return nil
}

// reportForQE creates a report for the quoting enclave binding the key exchange.
func (b *base) reportForQE(qeTarget *types.TargetInfo, enclave platform.Enclave) (types.Report, types.QuoteNonce, error) {
	if qeTarget == nil || enclave == nil {
		return types.Report{}, types.QuoteNonce{}, status.Errorf(status.ErrInvalidParameter, "missing QE target info or enclave")
	}
	var nonce types.QuoteNonce
	if _, err := io.ReadFull(b.cfg.Rand, nonce[:]); err != nil {
		return types.Report{}, types.QuoteNonce{}, status.Errorf(status.ErrUnexpected, "reading quote nonce: %s", err)
	}

	var reportData types.ReportData
	binding := crypto.KeyExchangeBinding(b.pubA, b.pubB, b.keys.VK)
	copy(reportData[:32], binding[:])
	report, err := enclave.CreateReport(qeTarget, reportData)
	if err != nil {
		return types.Report{}, types.QuoteNonce{}, fmt.Errorf("creating report for QE: %w", status.Wrap(status.ErrUnexpected, err))
	}
	b.qeTarget = *qeTarget
	b.nonce = nonce
	return report, nonce, nil
}

// checkOwnQuote verifies the QE report returned together with our own quote.
func (b *base) checkOwnQuote(qeReport *types.Report, quote []byte, enclave platform.Enclave) error {
	if err := types.CheckDCAPQuoteLen(len(quote)); err != nil {
		return err
	}
	return platform.CheckQEReport(enclave, qeReport, &b.qeTarget, b.nonce, quote)
}

// verifyPeerQuote verifies the peer's quote and that it binds this key exchange.
func (b *base) verifyPeerQuote(quote []byte, verifier platform.QuoteVerifier) error {
	if verifier == nil {
		return status.Errorf(status.ErrInvalidParameter, "missing quote verifier")
	}
	if err := types.CheckDCAPQuoteLen(len(quote)); err != nil {
		return err
	}
	result, err := verifier.VerifyQuote(quote)
	if err != nil {
		return fmt.Errorf("verifying quote: %w", status.Wrap(status.ErrUnexpected, err))
	}
	binding := crypto.KeyExchangeBinding(b.pubA, b.pubB, b.keys.VK)
	if !crypto.Equal(binding[:], result.ReportBody.ReportData[:32]) {
		return status.Errorf(status.ErrUnexpected, "quote does not bind the key exchange")
	}
	b.peer = result.ReportBody.Identity()
	b.hasPeer = true
	b.quoteResult = result
	return nil
}

// processMsg3 verifies msg3 on the responding side and establishes the session.
func (b *base) processMsg3(m3 *types.DcapRaMsg3, verifier platform.QuoteVerifier) (types.EnclaveIdentity, platform.QuoteResult, error) {
	if b.state != stateMsg2Generated {
		return types.EnclaveIdentity{}, platform.QuoteResult{}, b.wrongState("process msg3")
	}
	if err := region.RequireTrusted(b.cfg.Classifier, m3); err != nil {
		return types.EnclaveIdentity{}, platform.QuoteResult{}, b.fail(fmt.Errorf("msg3: %w", err))
	}
	if m3.PubKeyA != b.pubA {
		return types.EnclaveIdentity{}, platform.QuoteResult{}, b.fail(status.Errorf(status.ErrUnexpected, "msg3 g_a does not match msg1"))
	}
	if err := VerifyMsg3(m3, b.keys.SMK); err != nil {
		return types.EnclaveIdentity{}, platform.QuoteResult{}, b.fail(err)
	}
	if err := b.verifyPeerQuote(m3.Quote, verifier); err != nil {
		return types.EnclaveIdentity{}, platform.QuoteResult{}, b.fail(err)
	}
	b.establish()
	return b.peer, b.quoteResult, nil
}

func (b *base) establish() {
	b.keys.SMK.Wipe()
	b.keys.VK.Wipe()
	b.keyPair.Wipe()
	b.establishedAt = b.cfg.Clock.Now()
	b.setState(stateEstablished)
}

// Key returns a copy of SK or MK once the session is established.
func (b *base) Key(kt crypto.KeyType) (crypto.Key128, error) {
	if b.state != stateEstablished {
		return crypto.Key128{}, b.wrongState("key")
	}
	switch kt {
	case crypto.KeySK:
		return b.keys.SK, nil
	case crypto.KeyMK:
		return b.keys.MK, nil
	default:
		return crypto.Key128{}, status.Errorf(status.ErrInvalidParameter, "unknown key type %d", kt)
	}
}

// PeerIdentity returns the identity of the attested peer enclave.
func (b *base) PeerIdentity() (types.EnclaveIdentity, error) {
	if !b.hasPeer || (b.state != stateEstablished && b.state != stateMsg2Processed) {
		return types.EnclaveIdentity{}, b.wrongState("peer identity")
	}
	return b.peer, nil
}

// EstablishedAt returns the time the session was established.
func (b *base) EstablishedAt() time.Time {
	return b.establishedAt
}

// Close wipes all secrets. The session cannot be used afterwards.
func (b *base) Close() {
	b.wipe()
	b.setState(stateError)
}

func (b *base) wipe() {
	b.keys.Wipe()
	b.keyPair.Wipe()
}

func (b *base) fail(err error) error {
	b.wipe()
	b.cfg.Log.Debug("session failed", "state", b.state.String(), "error", err)
	b.setState(stateError)
	return err
}

func (b *base) wrongState(op string) error {
	return status.Errorf(status.ErrInvalidState, "%s not allowed in state %s", op, b.state)
}

func (b *base) setState(s state) {
	if s == b.state {
		return
	}
	b.cfg.Transition(b.state.String(), s.String())
	b.state = s
}
