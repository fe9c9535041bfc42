package epid

import (
	"crypto/ecdsa"
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

type initiatorState int

const (
	initiatorInited initiatorState = iota
	initiatorGaGenerated
	initiatorMsg2Processed
	initiatorEstablished
	initiatorError
)

func (s initiatorState) String() string {
	switch s {
	case initiatorInited:
		return "inited"
	case initiatorGaGenerated:
		return "ga_generated"
	case initiatorMsg2Processed:
		return "msg2_processed"
	case initiatorEstablished:
		return "established"
	default:
		return "error"
	}
}

// Initiator is the enclave side of an EPID remote attestation.
// It is not safe for concurrent use.
type Initiator struct {
	cfg   session.Config
	state initiatorState
	spPub *ecdsa.PublicKey

	keyPair  *crypto.KeyPair
	pubB     types.PublicKey
	keys     crypto.SessionKeys
	qeTarget types.TargetInfo
	nonce    types.QuoteNonce

	establishedAt time.Time
}

// NewInitiator creates an Initiator trusting the service provider signing key spPub.
func NewInitiator(spPub types.PublicKey, opts ...Option) (*Initiator, error) {
	pub, err := crypto.BuildECDSAPublicKey(spPub)
	if err != nil {
		return nil, fmt.Errorf("service provider key: %w", err)
	}
	return &Initiator{cfg: session.New("epid_initiator", opts...), spPub: pub}, nil
}

// Msg1 generates the ephemeral key pair and returns msg1.
func (i *Initiator) Msg1(gid types.GID) (types.RaMsg1, error) {
	if i.state != initiatorInited {
		return types.RaMsg1{}, i.wrongState("msg1")
	}
	keyPair, err := crypto.GenerateKeyPair(i.cfg.Rand)
	if err != nil {
		return types.RaMsg1{}, i.fail(err)
	}
	i.keyPair = keyPair
	i.setState(initiatorGaGenerated)
	return types.RaMsg1{PubKeyA: keyPair.Public, GID: gid}, nil
}

// ProcessMsg2 verifies msg2, derives the session keys and creates a report for the quoting enclave.
// The report and the returned nonce are handed to the quoting enclave to obtain the quote for msg3.
func (i *Initiator) ProcessMsg2(m2 *types.RaMsg2, qeTarget *types.TargetInfo, enclave platform.Enclave) (types.Report, types.QuoteNonce, error) {
	if i.state != initiatorGaGenerated {
		return types.Report{}, types.QuoteNonce{}, i.wrongState("process msg2")
	}
	if err := region.RequireTrusted(i.cfg.Classifier, m2); err != nil {
		return types.Report{}, types.QuoteNonce{}, i.fail(fmt.Errorf("msg2: %w", err))
	}
	if qeTarget == nil || enclave == nil {
		return types.Report{}, types.QuoteNonce{}, i.fail(status.Errorf(status.ErrInvalidParameter, "missing QE target info or enclave"))
	}
	if err := m2.Validate(); err != nil {
		return types.Report{}, types.QuoteNonce{}, i.fail(fmt.Errorf("msg2: %w", err))
	}

	shared, err := i.keyPair.SharedSecret(m2.PubKeyB)
	if err != nil {
		return types.Report{}, types.QuoteNonce{}, i.fail(fmt.Errorf("computing shared secret: %w", err))
	}
	keys, err := i.cfg.Derive(shared, uint32(m2.KdfID))
	clear(shared[:])
	if err != nil {
		return types.Report{}, types.QuoteNonce{}, i.fail(fmt.Errorf("deriving keys: %w", err))
	}
	i.keys = keys

	if err := VerifyMsg2(m2, i.keyPair.Public, i.spPub, i.keys.SMK); err != nil {
		return types.Report{}, types.QuoteNonce{}, i.fail(fmt.Errorf("verifying msg2: %w", err))
	}

	var nonce types.QuoteNonce
	if _, err := io.ReadFull(i.cfg.Rand, nonce[:]); err != nil {
		return types.Report{}, types.QuoteNonce{}, i.fail(status.Errorf(status.ErrUnexpected, "reading quote nonce: %s", err))
	}

	var reportData types.ReportData
	binding := crypto.KeyExchangeBinding(i.keyPair.Public, m2.PubKeyB, i.keys.VK)
	copy(reportData[:32], binding[:])
	report, err := enclave.CreateReport(qeTarget, reportData)
	if err != nil {
		return types.Report{}, types.QuoteNonce{}, i.fail(fmt.Errorf("creating report for QE: %w", status.Wrap(status.ErrUnexpected, err)))
	}

	i.pubB = m2.PubKeyB
	i.qeTarget = *qeTarget
	i.nonce = nonce
	i.setState(initiatorMsg2Processed)
	return report, nonce, nil
}

// Msg3 checks the quoting enclave's report and builds msg3 around quote.
func (i *Initiator) Msg3(qeReport *types.Report, quote []byte, enclave platform.Enclave) (types.RaMsg3, error) {
	if i.state != initiatorMsg2Processed {
		return types.RaMsg3{}, i.wrongState("msg3")
	}
	if err := types.CheckEPIDQuoteLen(len(quote)); err != nil {
		return types.RaMsg3{}, i.fail(err)
	}
	if err := platform.CheckQEReport(enclave, qeReport, &i.qeTarget, i.nonce, quote); err != nil {
		return types.RaMsg3{}, i.fail(err)
	}

	m3 := types.RaMsg3{
		PubKeyA: i.keyPair.Public,
		Quote:   append([]byte{}, quote...),
	}
	MacMsg3(&m3, i.keys.SMK)

	i.keys.SMK.Wipe()
	i.keys.VK.Wipe()
	i.keyPair.Wipe()
	i.establishedAt = i.cfg.Clock.Now()
	i.setState(initiatorEstablished)
	return m3, nil
}

// Key returns a copy of SK or MK. Keys are available once msg2 has been processed.
func (i *Initiator) Key(kt crypto.KeyType) (crypto.Key128, error) {
	if i.state != initiatorMsg2Processed && i.state != initiatorEstablished {
		return crypto.Key128{}, i.wrongState("key")
	}
	switch kt {
	case crypto.KeySK:
		return i.keys.SK, nil
	case crypto.KeyMK:
		return i.keys.MK, nil
	default:
		return crypto.Key128{}, status.Errorf(status.ErrInvalidParameter, "unknown key type %d", kt)
	}
}

// EstablishedAt returns the time msg3 was created.
func (i *Initiator) EstablishedAt() time.Time {
	return i.establishedAt
}

// Close wipes all secrets. The session cannot be used afterwards.
func (i *Initiator) Close() {
	i.wipe()
	i.setState(initiatorError)
}

func (i *Initiator) wipe() {
	i.keys.Wipe()
	i.keyPair.Wipe()
}

func (i *Initiator) fail(err error) error {
	i.wipe()
	i.cfg.Log.Debug("session failed", "state", i.state.String(), "error", err)
	i.setState(initiatorError)
	return err
}

func (i *Initiator) wrongState(op string) error {
	return status.Errorf(status.ErrInvalidState, "%s not allowed in state %s", op, i.state)
}

func (i *Initiator) setState(s initiatorState) {
	if s == i.state {
		return
	}
	i.cfg.Transition(i.state.String(), s.String())
	i.state = s
}
