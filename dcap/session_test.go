package dcap

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/edgelesssys/go-sgx-ra/crypto"
	"github.com/edgelesssys/go-sgx-ra/platform"
	"github.com/edgelesssys/go-sgx-ra/platform/sim"
	"github.com/edgelesssys/go-sgx-ra/status"
	"github.com/edgelesssys/go-sgx-ra/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

// node is an enclave with its quoting enclave on a simulated machine.
type node struct {
	machine *sim.Machine
	enclave *sim.Enclave
	qe      *sim.QuotingEnclave
}

func newNode(t *testing.T, name string) node {
	t.Helper()
	require := require.New(t)

	machine, err := sim.NewMachine(rand.Reader)
	require.NoError(err)
	qe, err := machine.NewQuotingEnclave(platform.QuoteDCAP)
	require.NoError(err)
	return node{
		machine: machine,
		enclave: machine.NewEnclave(sim.Identity{
			MREnclave: sha256.Sum256([]byte(name)),
			MRSigner:  sha256.Sum256([]byte("dcap test signer")),
			ISVProdID: 3,
			ISVSVN:    4,
		}),
		qe: qe,
	}
}

// quote runs a report through the node's quoting enclave.
func (n node) quote(t *testing.T, report types.Report, nonce types.QuoteNonce) (types.Report, []byte) {
	t.Helper()
	qeReport, quote, err := n.qe.Quote(&report, nonce)
	require.NoError(t, err)
	return qeReport, quote
}

func (n node) qeTarget() *types.TargetInfo {
	ti := n.qe.TargetInfo()
	return &ti
}

func TestMutualRoundTrip(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	now := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	clk := WithClock(testingclock.NewFakePassiveClock(now))
	alice := newNode(t, "alice")
	bob := newNode(t, "bob")
	init := NewInitiator(clk)
	resp := NewResponder(clk)

	m1, err := init.Msg1()
	require.NoError(err)

	report, nonce, err := resp.ProcessMsg1(&m1, bob.qeTarget(), bob.enclave)
	require.NoError(err)
	qeReport, quote := bob.quote(t, report, nonce)
	m2, err := resp.Msg2(&qeReport, quote, bob.enclave)
	require.NoError(err)

	raw2, err := m2.Marshal()
	require.NoError(err)
	parsed2, err := types.UnmarshalDcapMRaMsg2(raw2)
	require.NoError(err)

	report, nonce, err = init.ProcessMRaMsg2(&parsed2, bob.machine.Verifier(), alice.qeTarget(), alice.enclave)
	require.NoError(err)
	peer, err := init.PeerIdentity()
	require.NoError(err)
	assert.Equal(bob.enclave.Identity(), peer)

	qeReport, quote = alice.quote(t, report, nonce)
	m3, err := init.Msg3(&qeReport, quote, alice.enclave)
	require.NoError(err)

	raw3, err := m3.Marshal()
	require.NoError(err)
	parsed3, err := types.UnmarshalDcapRaMsg3(raw3)
	require.NoError(err)

	peer, result, err := resp.ProcessMsg3(&parsed3, alice.machine.Verifier())
	require.NoError(err)
	assert.Equal(alice.enclave.Identity(), peer)
	assert.Equal(platform.QuoteDCAP, result.Kind)
	assert.Equal(now, init.EstablishedAt())
	assert.Equal(now, resp.EstablishedAt())

	for _, kt := range []crypto.KeyType{crypto.KeySK, crypto.KeyMK} {
		initKey, err := init.Key(kt)
		require.NoError(err)
		respKey, err := resp.Key(kt)
		require.NoError(err)
		assert.Equal(initKey, respKey, kt.String())
		assert.NotEqual(crypto.Key128{}, initKey)
	}

	resp.Close()
	_, err = resp.Key(crypto.KeySK)
	assert.ErrorIs(err, status.ErrInvalidState)
}

func TestUnilateralRoundTrip(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	alice := newNode(t, "alice")
	spKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(err)
	init := NewInitiator()
	resp, err := NewUnilateralResponder(spKey)
	require.NoError(err)

	m1, err := init.Msg1()
	require.NoError(err)
	m2, err := resp.ProcessMsg1(&m1)
	require.NoError(err)

	report, nonce, err := init.ProcessURaMsg2(&m2, crypto.PublicKeyFromECDSA(&spKey.PublicKey), alice.qeTarget(), alice.enclave)
	require.NoError(err)
	_, err = init.PeerIdentity()
	assert.ErrorIs(err, status.ErrInvalidState)

	qeReport, quote := alice.quote(t, report, nonce)
	m3, err := init.Msg3(&qeReport, quote, alice.enclave)
	require.NoError(err)

	peer, _, err := resp.ProcessMsg3(&m3, alice.machine.Verifier())
	require.NoError(err)
	assert.Equal(alice.enclave.Identity(), peer)

	initKey, err := init.Key(crypto.KeySK)
	require.NoError(err)
	respKey, err := resp.Key(crypto.KeySK)
	require.NoError(err)
	assert.Equal(initKey, respKey)
}

func TestUnilateralWrongSPKey(t *testing.T) {
	require := require.New(t)

	alice := newNode(t, "alice")
	spKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(err)
	otherKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(err)
	init := NewInitiator()
	resp, err := NewUnilateralResponder(spKey)
	require.NoError(err)

	m1, err := init.Msg1()
	require.NoError(err)
	m2, err := resp.ProcessMsg1(&m1)
	require.NoError(err)

	_, _, err = init.ProcessURaMsg2(&m2, crypto.PublicKeyFromECDSA(&otherKey.PublicKey), alice.qeTarget(), alice.enclave)
	require.ErrorIs(err, status.ErrInvalidSignature)
}

func TestMutualRejectsUntrustedQuote(t *testing.T) {
	require := require.New(t)

	alice := newNode(t, "alice")
	bob := newNode(t, "bob")
	init := NewInitiator()
	resp := NewResponder()

	m1, err := init.Msg1()
	require.NoError(err)
	report, nonce, err := resp.ProcessMsg1(&m1, bob.qeTarget(), bob.enclave)
	require.NoError(err)
	qeReport, quote := bob.quote(t, report, nonce)
	m2, err := resp.Msg2(&qeReport, quote, bob.enclave)
	require.NoError(err)

	// alice's machine does not trust bob's PCK root
	_, _, err = init.ProcessMRaMsg2(&m2, alice.machine.Verifier(), alice.qeTarget(), alice.enclave)
	require.ErrorIs(err, status.ErrInvalidSignature)

	_, _, err = init.ProcessMRaMsg2(&m2, bob.machine.Verifier(), alice.qeTarget(), alice.enclave)
	require.ErrorIs(err, status.ErrInvalidState)
}

func TestMutualQuoteFromOtherExchange(t *testing.T) {
	require := require.New(t)

	alice := newNode(t, "alice")
	bob := newNode(t, "bob")

	// bob's quote for a first exchange
	first := NewResponder()
	firstInit := NewInitiator()
	m1, err := firstInit.Msg1()
	require.NoError(err)
	report, nonce, err := first.ProcessMsg1(&m1, bob.qeTarget(), bob.enclave)
	require.NoError(err)
	_, staleQuote := bob.quote(t, report, nonce)

	// replayed into a second one
	resp := NewResponder()
	init := NewInitiator()
	m1, err = init.Msg1()
	require.NoError(err)
	report, nonce, err = resp.ProcessMsg1(&m1, bob.qeTarget(), bob.enclave)
	require.NoError(err)
	qeReport, quote := bob.quote(t, report, nonce)
	m2, err := resp.Msg2(&qeReport, quote, bob.enclave)
	require.NoError(err)

	m2.Quote = staleQuote
	smk := resp.keys.SMK
	MacMRaMsg2(&m2, smk)

	_, _, err = init.ProcessMRaMsg2(&m2, bob.machine.Verifier(), alice.qeTarget(), alice.enclave)
	require.ErrorIs(err, status.ErrUnexpected)
}

func TestMsg3TamperedQuote(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	alice := newNode(t, "alice")
	spKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(err)
	init := NewInitiator()
	resp, err := NewUnilateralResponder(spKey)
	require.NoError(err)

	m1, err := init.Msg1()
	require.NoError(err)
	m2, err := resp.ProcessMsg1(&m1)
	require.NoError(err)
	report, nonce, err := init.ProcessURaMsg2(&m2, crypto.PublicKeyFromECDSA(&spKey.PublicKey), alice.qeTarget(), alice.enclave)
	require.NoError(err)
	qeReport, quote := alice.quote(t, report, nonce)
	m3, err := init.Msg3(&qeReport, quote, alice.enclave)
	require.NoError(err)

	m3.Quote[60] ^= 1
	_, _, err = resp.ProcessMsg3(&m3, alice.machine.Verifier())
	assert.ErrorIs(err, status.ErrMacMismatch)
	_, err = resp.Key(crypto.KeySK)
	assert.ErrorIs(err, status.ErrInvalidState)
}

func TestSessionOutOfOrder(t *testing.T) {
	assert := assert.New(t)
	alice := newNode(t, "alice")

	init := NewInitiator()
	_, err := init.Msg3(&types.Report{}, opaqueQuote(1500), alice.enclave)
	assert.ErrorIs(err, status.ErrInvalidState)
	_, _, err = init.ProcessMRaMsg2(&types.DcapMRaMsg2{}, alice.machine.Verifier(), alice.qeTarget(), alice.enclave)
	assert.ErrorIs(err, status.ErrInvalidState)

	resp := NewResponder()
	_, err = resp.Msg2(&types.Report{}, opaqueQuote(1500), alice.enclave)
	assert.ErrorIs(err, status.ErrInvalidState)
	_, _, err = resp.ProcessMsg3(&types.DcapRaMsg3{}, alice.machine.Verifier())
	assert.ErrorIs(err, status.ErrInvalidState)
	_, err = resp.PeerIdentity()
	assert.ErrorIs(err, status.ErrInvalidState)

	// a wrong state does not poison the session
	_, err = init.Msg1()
	assert.NoError(err)
}

func TestKdfMismatch(t *testing.T) {
	require := require.New(t)

	alice := newNode(t, "alice")
	spKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(err)
	init := NewInitiator()
	resp, err := NewUnilateralResponder(spKey)
	require.NoError(err)

	m1, err := init.Msg1()
	require.NoError(err)
	m2, err := resp.ProcessMsg1(&m1)
	require.NoError(err)
	m2.KdfID = 0x10001

	_, _, err = init.ProcessURaMsg2(&m2, crypto.PublicKeyFromECDSA(&spKey.PublicKey), alice.qeTarget(), alice.enclave)
	require.ErrorIs(err, status.ErrKdfMismatch)
}

func TestNewUnilateralResponderValidation(t *testing.T) {
	_, err := NewUnilateralResponder(nil)
	assert.ErrorIs(t, err, status.ErrInvalidParameter)

	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)
	_, err = NewUnilateralResponder(key)
	assert.ErrorIs(t, err, status.ErrInvalidParameter)
}
