// Package psi computes the private set intersection of two clients inside an enclave.
//
// Each client attests the enclave, proves its secret and receives the session salt encrypted under its SK.
// It then uploads its salted, sorted hashes, asks for the result size and fetches its result bitmap.
// The intersection itself is computed by an oblivious kernel, see Intersect.
package psi

import (
	"bytes"
	"crypto/rand"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/edgelesssys/go-sgx-ra/crypto"
	"github.com/edgelesssys/go-sgx-ra/epid"
	"github.com/edgelesssys/go-sgx-ra/status"
	"github.com/edgelesssys/go-sgx-ra/types"
	"github.com/segmentio/ksuid"
	"k8s.io/utils/clock"
)

const (
	// SaltSize is the size of the session salt.
	SaltSize = 32
	// clientMax is the number of clients taking part in an intersection.
	clientMax = 2
)

type slotState int

const (
	slotEmpty slotState = iota
	slotHashDataFinished
	slotResultFinished
)

func (s slotState) String() string {
	switch s {
	case slotEmpty:
		return "empty"
	case slotHashDataFinished:
		return "hash_data_finished"
	default:
		return "result_finished"
	}
}

type slot struct {
	state   slotState
	joined  bool
	fetched bool
	hashes  []Hash
	result  []byte
}

// SecretReply is the answer to a verified client secret.
type SecretReply struct {
	// ID is the 1-based client id used in all further calls.
	ID uint32
	// Salt is the session salt encrypted with the client's SK.
	Salt    []byte
	SaltTag types.Mac
}

// Option configures a Session.
type Option func(*Session)

// WithRand sets the source of the session salt.
func WithRand(r io.Reader) Option {
	return func(s *Session) { s.rand = r }
}

// WithClock sets the clock used for the idle timeout.
func WithClock(clk clock.PassiveClock) Option {
	return func(s *Session) { s.clock = clk }
}

// WithTimeout resets the session when an operation arrives more than d after the previous one.
func WithTimeout(d time.Duration) Option {
	return func(s *Session) { s.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Session) { s.log = log }
}

// WithMaxHashes limits the number of hashes a client may upload. Zero means no limit.
func WithMaxHashes(n int) Option {
	return func(s *Session) { s.maxHashes = n }
}

// Session is the enclave side of a two client set intersection. It is safe for concurrent use.
type Session struct {
	mu sync.Mutex

	rand      io.Reader
	clock     clock.PassiveClock
	timeout   time.Duration
	log       *slog.Logger
	maxHashes int

	salt     [SaltSize]byte
	count    uint32
	slots    [clientMax]slot
	lastUsed time.Time
	closed   bool
}

// NewSession initializes a session with a fresh salt and two empty slots.
func NewSession(opts ...Option) (*Session, error) {
	s := &Session{
		rand:  rand.Reader,
		clock: clock.RealClock{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s.log = s.log.With("psi_session", ksuid.New().String())

	if _, err := io.ReadFull(s.rand, s.salt[:]); err != nil {
		return nil, status.Errorf(status.ErrUnexpected, "generating salt: %s", err)
	}
	s.lastUsed = s.clock.Now()
	return s, nil
}

// Close drops all session state. Every later call fails.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.salt[:])
	s.reset()
	s.closed = true
}

// VerifySecretData checks a client's secret encrypted with its SK and assigns the client an id.
func (s *Session) VerifySecretData(keys crypto.KeySource, ciphertext []byte, tag types.Mac) (SecretReply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(); err != nil {
		return SecretReply{}, err
	}
	free := -1
	for i := range s.slots {
		if !s.slots[i].joined {
			free = i
			break
		}
	}
	if free < 0 {
		return SecretReply{}, status.Errorf(status.ErrUnexpected, "session already has %d clients", clientMax)
	}

	sk, err := keys.Key(crypto.KeySK)
	if err != nil {
		return SecretReply{}, err
	}
	defer sk.Wipe()

	plaintext, err := crypto.GCMDecrypt(sk, ciphertext, tag)
	if err != nil {
		return SecretReply{}, status.Errorf(status.ErrUnexpected, "decrypting secret: %s", err)
	}
	defer clear(plaintext)
	if len(plaintext) < 2 {
		return SecretReply{}, status.Errorf(status.ErrInvalidParameter, "secret too short: %d bytes", len(plaintext))
	}
	if plaintext[0] == 0 && plaintext[1] != 1 {
		return SecretReply{}, status.Errorf(status.ErrInvalidSignature, "client secret rejected")
	}

	salt, saltTag, err := crypto.GCMEncrypt(sk, s.salt[:])
	if err != nil {
		return SecretReply{}, err
	}
	id := uint32(free + 1)
	s.slots[free].joined = true
	s.count++
	s.log.Debug("client joined", "id", id)
	return SecretReply{ID: id, Salt: salt, SaltTag: saltTag}, nil
}

// AddHashData appends the hashes in ciphertext, encrypted with the client's SK, to the client's slot.
// All hashes of a client, over all calls, must be strictly ascending.
func (s *Session) AddHashData(id uint32, keys crypto.KeySource, ciphertext []byte, tag types.Mac) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(); err != nil {
		return err
	}
	idx, err := s.slotIndex(id)
	if err != nil {
		return err
	}
	sl := &s.slots[idx]
	if sl.state != slotEmpty {
		return status.Errorf(status.ErrInvalidState, "client %d already finished its hash data", id)
	}
	if len(ciphertext)%HashSize != 0 {
		return status.Errorf(status.ErrInvalidParameter, "hash data of %d bytes is not a multiple of %d", len(ciphertext), HashSize)
	}
	n := len(ciphertext) / HashSize
	if s.maxHashes > 0 && len(sl.hashes)+n > s.maxHashes {
		return status.Errorf(status.ErrInvalidParameter, "client %d exceeds the limit of %d hashes", id, s.maxHashes)
	}

	sk, err := keys.Key(crypto.KeySK)
	if err != nil {
		return err
	}
	defer sk.Wipe()
	plaintext, err := crypto.GCMDecrypt(sk, ciphertext, tag)
	if err != nil {
		return err
	}
	batch := make([]Hash, n)
	for i := range batch {
		batch[i] = Hash(plaintext[i*HashSize : (i+1)*HashSize])
	}
	clear(plaintext)
	if err := checkAscending(sl.hashes, batch); err != nil {
		return err
	}
	sl.hashes = append(sl.hashes, batch...)
	return nil
}

// checkAscending checks that batch continues the strictly ascending order of prev.
func checkAscending(prev, batch []Hash) error {
	for i := range batch {
		var before *Hash
		switch {
		case i > 0:
			before = &batch[i-1]
		case len(prev) > 0:
			before = &prev[len(prev)-1]
		default:
			continue
		}
		if bytes.Compare(before[:], batch[i][:]) >= 0 {
			return status.Errorf(status.ErrInvalidParameter, "hash %d is not above its predecessor, hashes must be sorted and distinct", len(prev)+i)
		}
	}
	return nil
}

// ResultSize marks the client's hash data as complete and returns the size of its result.
// The intersection is computed once both clients have called it. Until then it returns ErrInvalidState.
func (s *Session) ResultSize(id uint32) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(); err != nil {
		return 0, err
	}
	idx, err := s.slotIndex(id)
	if err != nil {
		return 0, err
	}
	self, other := &s.slots[idx], &s.slots[otherIndex(idx)]
	if self.state == slotEmpty {
		self.state = slotHashDataFinished
	}

	switch {
	case self.state == slotEmpty || other.state == slotEmpty:
		return 0, status.Errorf(status.ErrInvalidState, "waiting for the other client's hash data")
	case self.state == slotHashDataFinished && other.state == slotHashDataFinished:
		self.result, other.result = Intersect(self.hashes, other.hashes)
		self.state, other.state = slotResultFinished, slotResultFinished
		s.log.Debug("intersection computed", "sizes", []int{len(self.hashes), len(other.hashes)})
		return len(self.result), nil
	case self.state == slotResultFinished && other.state == slotResultFinished:
		return len(self.result), nil
	default:
		return 0, status.Errorf(status.ErrUnexpected, "slots in states %s and %s", self.state, other.state)
	}
}

// Result returns the client's result bitmap encrypted with its SK.
// After both clients fetched their results the session accepts new clients.
func (s *Session) Result(id uint32, keys crypto.KeySource) ([]byte, types.Mac, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(); err != nil {
		return nil, types.Mac{}, err
	}
	idx, err := s.slotIndex(id)
	if err != nil {
		return nil, types.Mac{}, err
	}
	self, other := &s.slots[idx], &s.slots[otherIndex(idx)]
	if self.state != slotResultFinished || other.state != slotResultFinished {
		return nil, types.Mac{}, status.Errorf(status.ErrInvalidState, "result not ready")
	}
	if self.fetched {
		return nil, types.Mac{}, status.Errorf(status.ErrInvalidState, "client %d already fetched its result", id)
	}

	ciphertext, tag := []byte{}, types.Mac{}
	if len(self.result) > 0 {
		sk, err := keys.Key(crypto.KeySK)
		if err != nil {
			return nil, types.Mac{}, err
		}
		defer sk.Wipe()
		if ciphertext, tag, err = crypto.GCMEncrypt(sk, self.result); err != nil {
			return nil, types.Mac{}, err
		}
	}

	self.fetched = true
	s.count--
	if s.count == 0 {
		s.reset()
		s.log.Debug("all results fetched")
	}
	return ciphertext, tag, nil
}

// VerifyAttestationResultMAC verifies the MK MAC of the attestation result a client sent.
func (s *Session) VerifyAttestationResultMAC(keys crypto.KeySource, message []byte, mac types.Mac) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(); err != nil {
		return err
	}
	return epid.VerifyAttestationResultMAC(keys, message, mac)
}

// enter checks the session is usable and applies the idle timeout.
func (s *Session) enter() error {
	if s.closed {
		return status.Errorf(status.ErrUnexpected, "session is closed")
	}
	now := s.clock.Now()
	if s.timeout > 0 && now.Sub(s.lastUsed) > s.timeout {
		s.log.Info("session idle, dropping clients", "idle", now.Sub(s.lastUsed), "clients", s.count)
		s.reset()
	}
	s.lastUsed = now
	return nil
}

func (s *Session) reset() {
	for i := range s.slots {
		s.slots[i] = slot{}
	}
	s.count = 0
}

// slotIndex maps a 1-based client id to its slot.
func (s *Session) slotIndex(id uint32) (int, error) {
	if id == 0 || id > clientMax {
		return 0, status.Errorf(status.ErrInvalidParameter, "invalid client id %d", id)
	}
	if !s.slots[id-1].joined {
		return 0, status.Errorf(status.ErrInvalidParameter, "client id %d was not assigned", id)
	}
	return int(id - 1), nil
}

// otherIndex returns the slot of the other client.
func otherIndex(idx int) int {
	return clientMax - 1 - idx
}
