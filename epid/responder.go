package epid

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"fmt"
	"time"

	"github.com/edgelesssys/go-sgx-ra/crypto"
	"github.com/edgelesssys/go-sgx-ra/internal/session"
	"github.com/edgelesssys/go-sgx-ra/platform"
	"github.com/edgelesssys/go-sgx-ra/region"
	"github.com/edgelesssys/go-sgx-ra/status"
	"github.com/edgelesssys/go-sgx-ra/types"
)

type responderState int

const (
	responderInited responderState = iota
	responderMsg2Sent
	responderEstablished
	responderError
)

func (s responderState) String() string {
	switch s {
	case responderInited:
		return "inited"
	case responderMsg2Sent:
		return "msg2_sent"
	case responderEstablished:
		return "established"
	default:
		return "error"
	}
}

// Responder is the service provider side of an EPID remote attestation.
// It is not safe for concurrent use.
type Responder struct {
	cfg       session.Config
	state     responderState
	priv      *ecdsa.PrivateKey
	spid      types.SPID
	quoteType types.QuoteType
	sigRL     []byte

	keyPair *crypto.KeyPair
	pubA    types.PublicKey
	keys    crypto.SessionKeys

	peer          types.EnclaveIdentity
	quoteResult   platform.QuoteResult
	establishedAt time.Time
}

// NewResponder creates a Responder signing msg2 with priv.
func NewResponder(priv *ecdsa.PrivateKey, spid types.SPID, quoteType types.QuoteType, opts ...Option) (*Responder, error) {
	if priv == nil || priv.Curve != elliptic.P256() {
		return nil, status.Errorf(status.ErrInvalidParameter, "service provider key must be a P-256 key")
	}
	if quoteType != types.QuoteTypeLinkable && quoteType != types.QuoteTypeUnlinkable {
		return nil, status.Errorf(status.ErrInvalidParameter, "invalid quote type %d", quoteType)
	}
	return &Responder{
		cfg:       session.New("epid_responder", opts...),
		priv:      priv,
		spid:      spid,
		quoteType: quoteType,
	}, nil
}

// SetSigRL sets the signature revocation list sent in msg2.
func (r *Responder) SetSigRL(sigRL []byte) {
	r.sigRL = append([]byte(nil), sigRL...)
}

// ProcessMsg1 derives the session keys and returns the signed msg2.
func (r *Responder) ProcessMsg1(m1 *types.RaMsg1) (types.RaMsg2, error) {
	if r.state != responderInited {
		return types.RaMsg2{}, r.wrongState("process msg1")
	}
	if err := region.RequireTrusted(r.cfg.Classifier, m1); err != nil {
		return types.RaMsg2{}, r.fail(fmt.Errorf("msg1: %w", err))
	}

	keyPair, err := crypto.GenerateKeyPair(r.cfg.Rand)
	if err != nil {
		return types.RaMsg2{}, r.fail(err)
	}
	r.keyPair = keyPair

	shared, err := keyPair.SharedSecret(m1.PubKeyA)
	if err != nil {
		return types.RaMsg2{}, r.fail(fmt.Errorf("computing shared secret: %w", err))
	}
	keys, err := r.cfg.Derive(shared, crypto.KdfAESCMAC)
	clear(shared[:])
	if err != nil {
		return types.RaMsg2{}, r.fail(fmt.Errorf("deriving keys: %w", err))
	}
	r.keys = keys
	r.pubA = m1.PubKeyA

	m2 := types.RaMsg2{
		PubKeyB:   keyPair.Public,
		SPID:      r.spid,
		QuoteType: r.quoteType,
		KdfID:     crypto.KdfAESCMAC,
		SigRL:     append([]byte(nil), r.sigRL...),
	}
	if err := SignMsg2(&m2, m1.PubKeyA, r.priv, r.keys.SMK); err != nil {
		return types.RaMsg2{}, r.fail(fmt.Errorf("signing msg2: %w", err))
	}
	r.setState(responderMsg2Sent)
	return m2, nil
}

// ProcessMsg3 verifies msg3 and its quote. On success the session is established
// and the identity of the attested enclave is returned.
func (r *Responder) ProcessMsg3(m3 *types.RaMsg3, verifier platform.QuoteVerifier) (types.EnclaveIdentity, error) {
	if r.state != responderMsg2Sent {
		return types.EnclaveIdentity{}, r.wrongState("process msg3")
	}
	if err := region.RequireTrusted(r.cfg.Classifier, m3); err != nil {
		return types.EnclaveIdentity{}, r.fail(fmt.Errorf("msg3: %w", err))
	}
	if verifier == nil {
		return types.EnclaveIdentity{}, r.fail(status.Errorf(status.ErrInvalidParameter, "missing quote verifier"))
	}
	if m3.PubKeyA != r.pubA {
		return types.EnclaveIdentity{}, r.fail(status.Errorf(status.ErrUnexpected, "msg3 g_a does not match msg1"))
	}
	if err := VerifyMsg3(m3, r.keys.SMK); err != nil {
		return types.EnclaveIdentity{}, r.fail(err)
	}
	if err := m3.Validate(); err != nil {
		return types.EnclaveIdentity{}, r.fail(fmt.Errorf("msg3: %w", err))
	}

	result, err := verifier.VerifyQuote(m3.Quote)
	if err != nil {
		return types.EnclaveIdentity{}, r.fail(fmt.Errorf("verifying quote: %w", status.Wrap(status.ErrUnexpected, err)))
	}
	binding := crypto.KeyExchangeBinding(r.pubA, r.keyPair.Public, r.keys.VK)
	if !crypto.Equal(binding[:], result.ReportBody.ReportData[:32]) {
		return types.EnclaveIdentity{}, r.fail(status.Errorf(status.ErrUnexpected, "quote does not bind the key exchange"))
	}

	r.keys.SMK.Wipe()
	r.keys.VK.Wipe()
	r.keyPair.Wipe()
	r.peer = result.ReportBody.Identity()
	r.quoteResult = result
	r.establishedAt = r.cfg.Clock.Now()
	r.setState(responderEstablished)
	return r.peer, nil
}

// Key returns a copy of SK or MK once the session is established.
func (r *Responder) Key(kt crypto.KeyType) (crypto.Key128, error) {
	if r.state != responderEstablished {
		return crypto.Key128{}, r.wrongState("key")
	}
	switch kt {
	case crypto.KeySK:
		return r.keys.SK, nil
	case crypto.KeyMK:
		return r.keys.MK, nil
	default:
		return crypto.Key128{}, status.Errorf(status.ErrInvalidParameter, "unknown key type %d", kt)
	}
}

// PeerIdentity returns the identity of the attested enclave.
func (r *Responder) PeerIdentity() (types.EnclaveIdentity, error) {
	if r.state != responderEstablished {
		return types.EnclaveIdentity{}, r.wrongState("peer identity")
	}
	return r.peer, nil
}

// QuoteResult returns the result of the quote verification.
func (r *Responder) QuoteResult() (platform.QuoteResult, error) {
	if r.state != responderEstablished {
		return platform.QuoteResult{}, r.wrongState("quote result")
	}
	return r.quoteResult, nil
}

// EstablishedAt returns the time msg3 was accepted.
func (r *Responder) EstablishedAt() time.Time {
	return r.establishedAt
}

// Close wipes all secrets. The session cannot be used afterwards.
func (r *Responder) Close() {
	r.wipe()
	r.setState(responderError)
}

func (r *Responder) wipe() {
	r.keys.Wipe()
	r.keyPair.Wipe()
}

func (r *Responder) fail(err error) error {
	r.wipe()
	r.cfg.Log.Debug("session failed", "state", r.state.String(), "error", err)
	r.setState(responderError)
	return err
}

func (r *Responder) wrongState(op string) error {
	return status.Errorf(status.ErrInvalidState, "%s not allowed in state %s", op, r.state)
}

func (r *Responder) setState(s responderState) {
	if s == r.state {
		return
	}
	r.cfg.Transition(r.state.String(), s.String())
	r.state = s
}
