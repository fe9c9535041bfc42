// Package session holds the configuration shared by the key exchange session types.
package session

import (
	"crypto/rand"
	"io"
	"log/slog"
	"math"

	"github.com/edgelesssys/go-sgx-ra/crypto"
	"github.com/edgelesssys/go-sgx-ra/region"
	"github.com/edgelesssys/go-sgx-ra/status"
	"github.com/segmentio/ksuid"
	"k8s.io/utils/clock"
)

// DeriveKeysFunc derives the remote attestation keys from the DH shared secret
// for the key derivation function named by kdfID.
type DeriveKeysFunc func(shared [32]byte, kdfID uint16) (crypto.SessionKeys, error)

// Config is the configuration of a session.
type Config struct {
	ID         ksuid.KSUID
	Log        *slog.Logger
	Rand       io.Reader
	Clock      clock.PassiveClock
	Classifier *region.Classifier
	DeriveKeys DeriveKeysFunc
}

// Option configures a session.
type Option func(*Config)

// New applies opts on top of the defaults.
func New(role string, opts ...Option) Config {
	cfg := Config{
		Rand:       rand.Reader,
		Clock:      clock.RealClock{},
		Classifier: region.Default,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	// nil options fall back to the defaults
	if cfg.Rand == nil {
		cfg.Rand = rand.Reader
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.Classifier == nil {
		cfg.Classifier = region.Default
	}
	if cfg.ID.IsNil() {
		cfg.ID = ksuid.New()
	}
	if cfg.Log == nil {
		cfg.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	cfg.Log = cfg.Log.With("session", cfg.ID.String(), "role", role)
	return cfg
}

// WithLogger sets the logger. State transitions are logged at debug level.
func WithLogger(log *slog.Logger) Option {
	return func(c *Config) { c.Log = log }
}

// WithRand sets the source of randomness for key pairs and nonces.
func WithRand(r io.Reader) Option {
	return func(c *Config) { c.Rand = r }
}

// WithClock sets the clock used for timestamps and timeouts.
func WithClock(clk clock.PassiveClock) Option {
	return func(c *Config) { c.Clock = clk }
}

// WithClassifier sets the memory classifier incoming messages are checked against.
// A nil classifier selects [region.Default].
func WithClassifier(cl *region.Classifier) Option {
	return func(c *Config) { c.Classifier = cl }
}

// WithID sets the session id. By default a random id is generated.
func WithID(id ksuid.KSUID) Option {
	return func(c *Config) { c.ID = id }
}

// WithDeriveKeys replaces the default AES-CMAC key derivation.
func WithDeriveKeys(f DeriveKeysFunc) Option {
	return func(c *Config) { c.DeriveKeys = f }
}

// Transition logs a state change.
func (c *Config) Transition(from, to string) {
	c.Log.Debug("state transition", "from", from, "to", to)
}

// Derive derives SMK, SK, MK and VK from the shared secret.
// Without a custom derivation only AES-CMAC is accepted.
func (c *Config) Derive(shared [32]byte, kdfID uint32) (crypto.SessionKeys, error) {
	if c.DeriveKeys == nil {
		if kdfID != crypto.KdfAESCMAC {
			return crypto.SessionKeys{}, status.Errorf(status.ErrKdfMismatch, "unsupported key derivation function %d", kdfID)
		}
		return crypto.DeriveSessionKeys(shared)
	}
	if kdfID > math.MaxUint16 {
		return crypto.SessionKeys{}, status.Errorf(status.ErrKdfMismatch, "key derivation function id %d out of range", kdfID)
	}
	keys, err := c.DeriveKeys(shared, uint16(kdfID))
	if err != nil {
		return crypto.SessionKeys{}, status.Wrap(status.ErrUnexpected, err)
	}
	return keys, nil
}
