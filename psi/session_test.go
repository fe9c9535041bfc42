package psi

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/edgelesssys/go-sgx-ra/crypto"
	"github.com/edgelesssys/go-sgx-ra/status"
	"github.com/edgelesssys/go-sgx-ra/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"
	testingclock "k8s.io/utils/clock/testing"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type staticKeys map[crypto.KeyType]crypto.Key128

func (s staticKeys) Key(kt crypto.KeyType) (crypto.Key128, error) {
	k, ok := s[kt]
	if !ok {
		return crypto.Key128{}, status.Errorf(status.ErrInvalidState, "no key %s", kt)
	}
	return k, nil
}

// client is a PSI client holding the keys of its remote attestation session.
type client struct {
	keys staticKeys
	id   uint32
	salt []byte
}

func newClient(b byte) *client {
	return &client{keys: staticKeys{crypto.KeySK: {b, 1}, crypto.KeyMK: {b, 2}}}
}

func (c *client) join(t *testing.T, s *Session) error {
	t.Helper()
	ct, tag, err := crypto.GCMEncrypt(c.keys[crypto.KeySK], []byte{1, 0, 'o', 'k'})
	require.NoError(t, err)
	reply, err := s.VerifySecretData(c.keys, ct, tag)
	if err != nil {
		return err
	}
	c.id = reply.ID
	c.salt, err = crypto.GCMDecrypt(c.keys[crypto.KeySK], reply.Salt, reply.SaltTag)
	require.NoError(t, err)
	return nil
}

func (c *client) upload(t *testing.T, s *Session, hashes []Hash) error {
	t.Helper()
	var plain []byte
	for _, h := range hashes {
		plain = append(plain, h[:]...)
	}
	ct, tag, err := crypto.GCMEncrypt(c.keys[crypto.KeySK], plain)
	require.NoError(t, err)
	return s.AddHashData(c.id, c.keys, ct, tag)
}

func (c *client) result(t *testing.T, s *Session) ([]byte, error) {
	t.Helper()
	ct, tag, err := s.Result(c.id, c.keys)
	if err != nil {
		return nil, err
	}
	if len(ct) == 0 {
		assert.Equal(t, types.Mac{}, tag)
		return []byte{}, nil
	}
	return crypto.GCMDecrypt(c.keys[crypto.KeySK], ct, tag)
}

func TestSessionFlow(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	s, err := NewSession()
	require.NoError(err)
	defer s.Close()

	alice, bob := newClient(1), newClient(2)
	require.NoError(alice.join(t, s))
	require.NoError(bob.join(t, s))
	assert.Equal(uint32(1), alice.id)
	assert.Equal(uint32(2), bob.id)
	assert.Len(alice.salt, SaltSize)
	assert.Equal(alice.salt, bob.salt)

	// a third client is turned away
	assert.ErrorIs(newClient(3).join(t, s), status.ErrUnexpected)

	h1, h2, h3, h4, h5 := hashOf(1), hashOf(2), hashOf(3), hashOf(4), hashOf(5)
	require.NoError(alice.upload(t, s, []Hash{h1, h2}))
	require.NoError(alice.upload(t, s, []Hash{h3, h4}))
	require.NoError(bob.upload(t, s, []Hash{h2, h4, h5}))

	// results are not ready before both clients finished
	_, err = alice.result(t, s)
	assert.ErrorIs(err, status.ErrInvalidState)
	_, err = s.ResultSize(alice.id)
	assert.ErrorIs(err, status.ErrInvalidState)
	assert.ErrorIs(alice.upload(t, s, []Hash{h5}), status.ErrInvalidState)

	n, err := s.ResultSize(bob.id)
	require.NoError(err)
	assert.Equal(3, n)
	n, err = s.ResultSize(alice.id)
	require.NoError(err)
	assert.Equal(4, n)

	v1, err := alice.result(t, s)
	require.NoError(err)
	assert.Equal([]byte{0, 1, 0, 1}, v1)
	_, err = alice.result(t, s)
	assert.ErrorIs(err, status.ErrInvalidState)

	v2, err := bob.result(t, s)
	require.NoError(err)
	assert.Equal([]byte{1, 1, 0}, v2)
}

func TestSessionEqualSizesAndReset(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	s, err := NewSession()
	require.NoError(err)
	defer s.Close()

	// a fresh session has no clients
	fresh := newClient(9)
	fresh.id = 1
	assert.ErrorIs(fresh.upload(t, s, []Hash{hashOf(1)}), status.ErrInvalidParameter)

	alice, bob := newClient(1), newClient(2)
	require.NoError(alice.join(t, s))
	require.NoError(bob.join(t, s))
	require.NoError(alice.upload(t, s, []Hash{hashOf(1), hashOf(2)}))
	require.NoError(bob.upload(t, s, []Hash{hashOf(2), hashOf(3)}))

	_, err = bob.result(t, s)
	assert.ErrorIs(err, status.ErrInvalidState)

	_, err = s.ResultSize(alice.id)
	assert.ErrorIs(err, status.ErrInvalidState)
	n1, err := s.ResultSize(bob.id)
	require.NoError(err)
	n2, err := s.ResultSize(alice.id)
	require.NoError(err)
	assert.Equal(n1, n2)

	_, err = alice.result(t, s)
	require.NoError(err)
	_, err = bob.result(t, s)
	require.NoError(err)

	// back to a fresh session
	assert.ErrorIs(fresh.upload(t, s, []Hash{hashOf(1)}), status.ErrInvalidParameter)
	carol := newClient(3)
	require.NoError(carol.join(t, s))
	assert.Equal(uint32(1), carol.id)
}

func TestSessionEmptyResult(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	s, err := NewSession()
	require.NoError(err)
	defer s.Close()

	alice, bob := newClient(1), newClient(2)
	require.NoError(alice.join(t, s))
	require.NoError(bob.join(t, s))
	require.NoError(bob.upload(t, s, []Hash{hashOf(7)}))

	_, err = s.ResultSize(alice.id)
	assert.ErrorIs(err, status.ErrInvalidState)
	n, err := s.ResultSize(bob.id)
	require.NoError(err)
	assert.Equal(1, n)

	ct, tag, err := s.Result(alice.id, alice.keys)
	require.NoError(err)
	assert.Empty(ct)
	assert.Equal(types.Mac{}, tag)
	v, err := bob.result(t, s)
	require.NoError(err)
	assert.Equal([]byte{0}, v)
}

func TestVerifySecretData(t *testing.T) {
	alice := newClient(1)
	sk := alice.keys[crypto.KeySK]

	testCases := map[string]struct {
		plaintext []byte
		tamper    bool
		keys      crypto.KeySource
		wantErr   error
	}{
		"accepted":                    {plaintext: []byte{0, 1}},
		"accepted nonzero first byte": {plaintext: []byte{5, 0, 0}},
		"rejected secret":             {plaintext: []byte{0, 2}, wantErr: status.ErrInvalidSignature},
		"too short":                   {plaintext: []byte{0}, wantErr: status.ErrInvalidParameter},
		"bad tag":                     {plaintext: []byte{0, 1}, tamper: true, wantErr: status.ErrUnexpected},
		"no session keys":             {plaintext: []byte{0, 1}, keys: staticKeys{}, wantErr: status.ErrInvalidState},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			s, err := NewSession()
			require.NoError(err)
			defer s.Close()

			ct, tag, err := crypto.GCMEncrypt(sk, tc.plaintext)
			require.NoError(err)
			if tc.tamper {
				tag[0] ^= 1
			}
			keys := tc.keys
			if keys == nil {
				keys = alice.keys
			}

			reply, err := s.VerifySecretData(keys, ct, tag)
			if tc.wantErr != nil {
				assert.ErrorIs(err, tc.wantErr)
				return
			}
			require.NoError(err)
			assert.Equal(uint32(1), reply.ID)
		})
	}
}

func TestAddHashDataValidation(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	s, err := NewSession(WithMaxHashes(2))
	require.NoError(err)
	defer s.Close()
	alice := newClient(1)
	require.NoError(alice.join(t, s))

	ct, tag, err := crypto.GCMEncrypt(alice.keys[crypto.KeySK], make([]byte, 33))
	require.NoError(err)
	assert.ErrorIs(s.AddHashData(alice.id, alice.keys, ct, tag), status.ErrInvalidParameter)

	assert.ErrorIs(s.AddHashData(0, alice.keys, nil, types.Mac{}), status.ErrInvalidParameter)
	assert.ErrorIs(s.AddHashData(3, alice.keys, nil, types.Mac{}), status.ErrInvalidParameter)
	assert.ErrorIs(s.AddHashData(2, alice.keys, nil, types.Mac{}), status.ErrInvalidParameter)

	bad, tag, err := crypto.GCMEncrypt(crypto.Key128{0xEE}, make([]byte, 32))
	require.NoError(err)
	assert.ErrorIs(s.AddHashData(alice.id, alice.keys, bad, tag), status.ErrMacMismatch)

	assert.ErrorIs(alice.upload(t, s, []Hash{hashOf(1), hashOf(2), hashOf(3)}), status.ErrInvalidParameter)
	assert.NoError(alice.upload(t, s, []Hash{hashOf(1), hashOf(2)}))
	assert.ErrorIs(alice.upload(t, s, []Hash{hashOf(3)}), status.ErrInvalidParameter)
}

func TestAddHashDataOrder(t *testing.T) {
	testCases := map[string]struct {
		batches [][]Hash
		wantErr bool
	}{
		"ascending":                {batches: [][]Hash{{hashOf(1), hashOf(2), hashOf(5)}}},
		"ascending in batches":     {batches: [][]Hash{{hashOf(1), hashOf(2)}, {hashOf(3)}, {}, {hashOf(9)}}},
		"descending":               {batches: [][]Hash{{hashOf(2), hashOf(1)}}, wantErr: true},
		"duplicate":                {batches: [][]Hash{{hashOf(1), hashOf(1)}}, wantErr: true},
		"duplicate across batches": {batches: [][]Hash{{hashOf(1), hashOf(2)}, {hashOf(2)}}, wantErr: true},
		"below previous batch":     {batches: [][]Hash{{hashOf(4)}, {hashOf(3)}}, wantErr: true},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			s, err := NewSession()
			require.NoError(err)
			defer s.Close()
			alice := newClient(1)
			require.NoError(alice.join(t, s))

			var errs []error
			for _, batch := range tc.batches {
				errs = append(errs, alice.upload(t, s, batch))
			}
			last := errs[len(errs)-1]
			for _, err := range errs[:len(errs)-1] {
				require.NoError(err)
			}
			if tc.wantErr {
				assert.ErrorIs(last, status.ErrInvalidParameter)
				return
			}
			assert.NoError(last)
		})
	}
}

func TestSessionClosed(t *testing.T) {
	assert := assert.New(t)

	s, err := NewSession()
	require.NoError(t, err)
	alice := newClient(1)
	require.NoError(t, alice.join(t, s))
	s.Close()

	assert.ErrorIs(newClient(2).join(t, s), status.ErrUnexpected)
	assert.ErrorIs(alice.upload(t, s, nil), status.ErrUnexpected)
	_, err = s.ResultSize(1)
	assert.ErrorIs(err, status.ErrUnexpected)
	_, _, err = s.Result(1, alice.keys)
	assert.ErrorIs(err, status.ErrUnexpected)
	assert.ErrorIs(s.VerifyAttestationResultMAC(alice.keys, nil, types.Mac{}), status.ErrUnexpected)
}

func TestSessionIdleTimeout(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	clk := testingclock.NewFakePassiveClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	s, err := NewSession(WithClock(clk), WithTimeout(time.Minute))
	require.NoError(err)
	defer s.Close()

	alice, bob := newClient(1), newClient(2)
	require.NoError(alice.join(t, s))
	clk.SetTime(clk.Now().Add(30 * time.Second))
	require.NoError(bob.join(t, s))

	// both slots taken
	assert.ErrorIs(newClient(3).join(t, s), status.ErrUnexpected)

	clk.SetTime(clk.Now().Add(2 * time.Minute))
	carol := newClient(3)
	require.NoError(carol.join(t, s))
	assert.Equal(uint32(1), carol.id)
	assert.ErrorIs(bob.upload(t, s, []Hash{hashOf(1)}), status.ErrInvalidParameter)
}

func TestSessionSaltRandomness(t *testing.T) {
	require := require.New(t)

	s, err := NewSession(WithRand(bytes.NewReader(bytes.Repeat([]byte{0xAB}, SaltSize))))
	require.NoError(err)
	defer s.Close()
	alice := newClient(1)
	require.NoError(alice.join(t, s))
	require.Equal(bytes.Repeat([]byte{0xAB}, SaltSize), alice.salt)

	_, err = NewSession(WithRand(bytes.NewReader(nil)))
	require.ErrorIs(err, status.ErrUnexpected)
}

func TestSessionAttestationResultMAC(t *testing.T) {
	s, err := NewSession()
	require.NoError(t, err)
	defer s.Close()

	alice := newClient(1)
	msg := []byte("attestation ok")
	mac := crypto.ComputeCMAC(alice.keys[crypto.KeyMK], msg)
	assert.NoError(t, s.VerifyAttestationResultMAC(alice.keys, msg, mac))
	mac[0] ^= 1
	assert.ErrorIs(t, s.VerifyAttestationResultMAC(alice.keys, msg, mac), status.ErrMacMismatch)
}

func TestSessionConcurrentClients(t *testing.T) {
	require := require.New(t)

	s, err := NewSession()
	require.NoError(err)
	defer s.Close()

	shared := randomHashes(t, 50)
	sets := [2][]Hash{
		append(append([]Hash{}, shared[:30]...), randomHashes(t, 10)...),
		append(append([]Hash{}, shared[20:]...), randomHashes(t, 5)...),
	}
	clients := [2]*client{newClient(1), newClient(2)}
	for i := range clients {
		sortHashes(sets[i])
		require.NoError(clients[i].join(t, s))
	}

	results := [2][]byte{}
	g, ctx := errgroup.WithContext(context.Background())
	for i := range clients {
		i := i
		g.Go(func() error {
			c := clients[i]
			if err := c.upload(t, s, sets[i]); err != nil {
				return err
			}
			for {
				if _, err := s.ResultSize(c.id); err == nil {
					break
				} else if !errors.Is(err, status.ErrInvalidState) {
					return err
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(time.Millisecond):
				}
			}
			res, err := c.result(t, s)
			results[i] = res
			return err
		})
	}
	require.NoError(g.Wait())

	// shared[20:30] is in both sets
	var ones [2]int
	for i := range results {
		for _, v := range results[i] {
			ones[i] += int(v)
		}
	}
	require.Equal(10, ones[0])
	require.Equal(10, ones[1])
}
