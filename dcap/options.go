package dcap

import (
	"io"
	"log/slog"

	"github.com/edgelesssys/go-sgx-ra/crypto"
	"github.com/edgelesssys/go-sgx-ra/internal/session"
	"github.com/edgelesssys/go-sgx-ra/region"
	"github.com/segmentio/ksuid"
	"k8s.io/utils/clock"
)

// Option configures an session.
type Option = session.Option

// WithLogger sets the logger for state transitions.
func WithLogger(log *slog.Logger) Option { return session.WithLogger(log) }

// WithRand sets the source of randomness.
func WithRand(r io.Reader) Option { return session.WithRand(r) }

// WithClock sets the clock used to timestamp the established session.
func WithClock(clk clock.PassiveClock) Option { return session.WithClock(clk) }

// WithClassifier sets the classifier incoming messages must be trusted by.
func WithClassifier(c *region.Classifier) Option { return session.WithClassifier(c) }

// WithSessionID sets the session id used in log messages.
func WithSessionID(id ksuid.KSUID) Option { return session.WithID(id) }

// WithDeriveKey replaces the AES-CMAC key derivation. The function receives the big-endian
// x-coordinate of the shared point and the KDF id of the exchange, and is called for every KDF id.
func WithDeriveKey(f func(shared [32]byte, kdfID uint16) (crypto.SessionKeys, error)) Option {
	return session.WithDeriveKeys(f)
}
