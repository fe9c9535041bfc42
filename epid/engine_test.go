package epid

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"

	"github.com/edgelesssys/go-sgx-ra/crypto"
	"github.com/edgelesssys/go-sgx-ra/status"
	"github.com/edgelesssys/go-sgx-ra/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type engineFixture struct {
	spKey *ecdsa.PrivateKey
	a, b  *crypto.KeyPair
	smk   crypto.Key128
}

func newEngineFixture(t *testing.T) engineFixture {
	t.Helper()
	require := require.New(t)

	spKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(err)
	a, err := crypto.GenerateKeyPair(rand.Reader)
	require.NoError(err)
	b, err := crypto.GenerateKeyPair(rand.Reader)
	require.NoError(err)
	shared, err := b.SharedSecret(a.Public)
	require.NoError(err)
	smk, err := crypto.DeriveKey(shared, crypto.LabelSMK)
	require.NoError(err)

	return engineFixture{spKey: spKey, a: a, b: b, smk: smk}
}

func (f engineFixture) msg2(t *testing.T) *types.RaMsg2 {
	t.Helper()
	m2 := &types.RaMsg2{
		PubKeyB:   f.b.Public,
		SPID:      types.SPID{0xAA, 0xBB},
		QuoteType: types.QuoteTypeLinkable,
		KdfID:     crypto.KdfAESCMAC,
	}
	require.NoError(t, SignMsg2(m2, f.a.Public, f.spKey, f.smk))
	return m2
}

func opaqueQuote(size int) []byte {
	quote := make([]byte, size)
	for i := range quote {
		quote[i] = byte(i * 7)
	}
	return quote
}

func TestHappyPath(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	f := newEngineFixture(t)

	m1 := types.RaMsg1{PubKeyA: f.a.Public, GID: types.GID{0x0A, 0x0B, 0x0C, 0x0D}}
	raw1, err := m1.Marshal()
	require.NoError(err)
	m1, err = types.UnmarshalRaMsg1(raw1)
	require.NoError(err)

	m2 := f.msg2(t)
	raw2, err := m2.Marshal()
	require.NoError(err)
	parsed2, err := types.UnmarshalRaMsg2(raw2)
	require.NoError(err)
	assert.NoError(VerifyMsg2(&parsed2, m1.PubKeyA, &f.spKey.PublicKey, f.smk))

	m3 := &types.RaMsg3{PubKeyA: f.a.Public, Quote: opaqueQuote(1024)}
	MacMsg3(m3, f.smk)
	raw3, err := m3.Marshal()
	require.NoError(err)
	parsed3, err := types.UnmarshalRaMsg3(raw3)
	require.NoError(err)
	assert.NoError(VerifyMsg3(&parsed3, f.smk))
}

func TestTamperedQuote(t *testing.T) {
	f := newEngineFixture(t)

	m3 := &types.RaMsg3{PubKeyA: f.a.Public, Quote: opaqueQuote(1024)}
	MacMsg3(m3, f.smk)
	m3.Quote[512] ^= 0x01

	assert.ErrorIs(t, VerifyMsg3(m3, f.smk), status.ErrMacMismatch)
}

func TestMsg2MacInputs(t *testing.T) {
	f := newEngineFixture(t)

	testCases := map[string]func(m *types.RaMsg2){
		"spid":       func(m *types.RaMsg2) { m.SPID[15] ^= 1 },
		"quote type": func(m *types.RaMsg2) { m.QuoteType = types.QuoteTypeUnlinkable },
		"kdf id":     func(m *types.RaMsg2) { m.KdfID ^= 0x100 },
		"mac":        func(m *types.RaMsg2) { m.Mac[0] ^= 0x80 },
	}

	for name, tamper := range testCases {
		t.Run(name, func(t *testing.T) {
			m2 := f.msg2(t)
			tamper(m2)
			assert.ErrorIs(t, VerifyMsg2(m2, f.a.Public, &f.spKey.PublicKey, f.smk), status.ErrMacMismatch)
		})
	}
}

func TestMsg2Signature(t *testing.T) {
	assert := assert.New(t)
	f := newEngineFixture(t)

	m2 := f.msg2(t)
	assert.NoError(VerifyMsg2(m2, f.a.Public, &f.spKey.PublicKey, f.smk))

	// g_b is signed
	tampered := *m2
	tampered.PubKeyB = f.a.Public
	assert.ErrorIs(VerifyMsg2(&tampered, f.a.Public, &f.spKey.PublicKey, f.smk), status.ErrInvalidSignature)

	// the signature covers g_b || g_a, not g_a || g_b
	swapped, err := crypto.SignP256(f.spKey, [2]types.PublicKey{f.a.Public, f.b.Public})
	require.NoError(t, err)
	tampered = *m2
	tampered.SignGbGa = swapped
	assert.ErrorIs(VerifyMsg2(&tampered, f.a.Public, &f.spKey.PublicKey, f.smk), status.ErrInvalidSignature)

	otherKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	assert.ErrorIs(VerifyMsg2(m2, f.a.Public, &otherKey.PublicKey, f.smk), status.ErrInvalidSignature)
}

func TestMsg3MacInputs(t *testing.T) {
	f := newEngineFixture(t)

	testCases := map[string]func(m *types.RaMsg3){
		"g_a":         func(m *types.RaMsg3) { m.PubKeyA.X[0] ^= 1 },
		"ps_sec_prop": func(m *types.RaMsg3) { m.PsSecProp[255] ^= 1 },
		"quote":       func(m *types.RaMsg3) { m.Quote[0] ^= 1 },
		"quote tail":  func(m *types.RaMsg3) { m.Quote = m.Quote[:len(m.Quote)-1] },
	}

	for name, tamper := range testCases {
		t.Run(name, func(t *testing.T) {
			m3 := &types.RaMsg3{PubKeyA: f.a.Public, Quote: opaqueQuote(600)}
			MacMsg3(m3, f.smk)
			tamper(m3)
			assert.ErrorIs(t, VerifyMsg3(m3, f.smk), status.ErrMacMismatch)
		})
	}
}

type staticKeys map[crypto.KeyType]crypto.Key128

func (s staticKeys) Key(kt crypto.KeyType) (crypto.Key128, error) {
	k, ok := s[kt]
	if !ok {
		return crypto.Key128{}, status.Errorf(status.ErrInvalidState, "no key %s", kt)
	}
	return k, nil
}

func TestAttestationResultMAC(t *testing.T) {
	assert := assert.New(t)

	keys := staticKeys{crypto.KeyMK: {1, 2, 3}}
	msg := []byte("enclave trusted")
	mac, err := SignAttestationResult(keys, msg)
	assert.NoError(err)
	assert.NoError(VerifyAttestationResultMAC(keys, msg, mac))

	mac[3] ^= 1
	assert.ErrorIs(VerifyAttestationResultMAC(keys, msg, mac), status.ErrMacMismatch)
	assert.ErrorIs(VerifyAttestationResultMAC(staticKeys{}, msg, mac), status.ErrInvalidState)
}
