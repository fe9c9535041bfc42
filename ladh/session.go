package ladh

import (
	"fmt"
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
	stateWaitMsg2
	stateWaitMsg3
	stateActive
	stateError
)

func (s state) String() string {
	switch s {
	case stateInited:
		return "inited"
	case stateWaitMsg2:
		return "wait_msg2"
	case stateWaitMsg3:
		return "wait_msg3"
	case stateActive:
		return "active"
	default:
		return "error"
	}
}

// Result is what a completed local attestation yields.
type Result struct {
	// AEK is the AES-GCM key shared with the peer.
	AEK  crypto.Key128
	Peer types.EnclaveIdentity
}

type base struct {
	cfg     session.Config
	state   state
	version Version
	enclave platform.Enclave

	keyPair       *crypto.KeyPair
	smk           crypto.Key128
	establishedAt time.Time
}

func newBase(role string, version Version, enclave platform.Enclave, opts []Option) (base, error) {
	if !version.valid() {
		return base{}, errVersion(version)
	}
	if enclave == nil {
		return base{}, status.Errorf(status.ErrInvalidParameter, "missing enclave")
	}
	cfg := session.New(role, opts...)
	cfg.Log = cfg.Log.With("version", version.String())
	return base{cfg: cfg, version: version, enclave: enclave}, nil
}

func (b *base) deriveSMK(peer types.PublicKey) error {
	shared, err := b.keyPair.SharedSecret(peer)
	if err != nil {
		return fmt.Errorf("computing shared secret: %w", err)
	}
	defer clear(shared[:])
	smk, err := crypto.DeriveKey(shared, crypto.LabelSMK)
	if err != nil {
		return err
	}
	b.smk = smk
	return nil
}

// finish derives the AEK and moves the session to active. The SMK and the key pair are wiped.
func (b *base) finish(peer types.PublicKey, identity types.EnclaveIdentity) (Result, error) {
	shared, err := b.keyPair.SharedSecret(peer)
	if err != nil {
		return Result{}, b.fail(fmt.Errorf("computing shared secret: %w", err))
	}
	aek, err := crypto.DeriveKey(shared, crypto.LabelAEK)
	clear(shared[:])
	if err != nil {
		return Result{}, b.fail(err)
	}
	b.wipe()
	b.establishedAt = b.cfg.Clock.Now()
	b.setState(stateActive)
	return Result{AEK: aek, Peer: identity}, nil
}

// EstablishedAt returns the time the session became active.
func (b *base) EstablishedAt() time.Time {
	return b.establishedAt
}

// Close wipes all secrets. The session cannot be used afterwards.
func (b *base) Close() {
	b.wipe()
	b.setState(stateError)
}

func (b *base) wipe() {
	b.smk.Wipe()
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

// Initiator starts a local attestation. It sends msg1 and msg3.
// It is not safe for concurrent use.
type Initiator struct {
	base
}

// NewInitiator creates an Initiator running in enclave.
func NewInitiator(version Version, enclave platform.Enclave, opts ...Option) (*Initiator, error) {
	b, err := newBase("la_initiator", version, enclave, opts)
	if err != nil {
		return nil, err
	}
	return &Initiator{base: b}, nil
}

// Msg1 generates g_a and returns msg1 addressed with the target info of the initiator's enclave.
func (i *Initiator) Msg1() (types.DhMsg1, error) {
	if i.state != stateInited {
		return types.DhMsg1{}, i.wrongState("msg1")
	}
	keyPair, err := crypto.GenerateKeyPair(i.cfg.Rand)
	if err != nil {
		return types.DhMsg1{}, i.fail(err)
	}
	i.keyPair = keyPair
	i.setState(stateWaitMsg2)
	return types.DhMsg1{PubKeyA: keyPair.Public, Target: i.enclave.TargetInfo()}, nil
}

// ProcessMsg2 verifies msg2 and returns msg3 carrying addProp. The session is active afterwards.
func (i *Initiator) ProcessMsg2(m2 *types.DhMsg2, addProp []byte) (types.DhMsg3, Result, error) {
	if i.state != stateWaitMsg2 {
		return types.DhMsg3{}, Result{}, i.wrongState("process msg2")
	}
	if err := region.RequireTrusted(i.cfg.Classifier, m2); err != nil {
		return types.DhMsg3{}, Result{}, i.fail(fmt.Errorf("msg2: %w", err))
	}
	if err := i.deriveSMK(m2.PubKeyB); err != nil {
		return types.DhMsg3{}, Result{}, i.fail(err)
	}
	if err := VerifyMsg2(i.version, m2, i.keyPair.Public, i.smk, i.enclave); err != nil {
		return types.DhMsg3{}, Result{}, i.fail(err)
	}
	m3, err := BuildMsg3(i.version, m2, i.keyPair.Public, i.smk, addProp, i.enclave)
	if err != nil {
		return types.DhMsg3{}, Result{}, i.fail(fmt.Errorf("building msg3: %w", err))
	}
	result, err := i.finish(m2.PubKeyB, m2.Report.Body.Identity())
	if err != nil {
		return types.DhMsg3{}, Result{}, err
	}
	return m3, result, nil
}

// Responder answers a local attestation. It sends msg2.
// It is not safe for concurrent use.
type Responder struct {
	base
	pubA types.PublicKey
}

// NewResponder creates a Responder running in enclave.
func NewResponder(version Version, enclave platform.Enclave, opts ...Option) (*Responder, error) {
	b, err := newBase("la_responder", version, enclave, opts)
	if err != nil {
		return nil, err
	}
	return &Responder{base: b}, nil
}

// ProcessMsg1 generates g_b and returns msg2 with a report for the initiator.
func (r *Responder) ProcessMsg1(m1 *types.DhMsg1) (types.DhMsg2, error) {
	if r.state != stateInited {
		return types.DhMsg2{}, r.wrongState("process msg1")
	}
	if err := region.RequireTrusted(r.cfg.Classifier, m1); err != nil {
		return types.DhMsg2{}, r.fail(fmt.Errorf("msg1: %w", err))
	}
	keyPair, err := crypto.GenerateKeyPair(r.cfg.Rand)
	if err != nil {
		return types.DhMsg2{}, r.fail(err)
	}
	r.keyPair = keyPair
	r.pubA = m1.PubKeyA
	if err := r.deriveSMK(m1.PubKeyA); err != nil {
		return types.DhMsg2{}, r.fail(err)
	}
	m2, err := BuildMsg2(r.version, m1, keyPair.Public, r.smk, r.enclave)
	if err != nil {
		return types.DhMsg2{}, r.fail(fmt.Errorf("building msg2: %w", err))
	}
	r.setState(stateWaitMsg3)
	return m2, nil
}

// ProcessMsg3 verifies msg3. The session is active afterwards.
func (r *Responder) ProcessMsg3(m3 *types.DhMsg3) (Result, error) {
	if r.state != stateWaitMsg3 {
		return Result{}, r.wrongState("process msg3")
	}
	if err := region.RequireTrusted(r.cfg.Classifier, m3); err != nil {
		return Result{}, r.fail(fmt.Errorf("msg3: %w", err))
	}
	if err := VerifyMsg3(r.version, m3, r.pubA, r.keyPair.Public, r.smk, r.enclave); err != nil {
		return Result{}, r.fail(err)
	}
	return r.finish(r.pubA, m3.Report.Body.Identity())
}
