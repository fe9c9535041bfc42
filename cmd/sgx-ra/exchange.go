package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/edgelesssys/go-sgx-ra/crypto"
	"github.com/edgelesssys/go-sgx-ra/platform"
	"github.com/edgelesssys/go-sgx-ra/platform/sim"
	"github.com/edgelesssys/go-sgx-ra/transport"
	"github.com/edgelesssys/go-sgx-ra/types"
	"github.com/segmentio/ksuid"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"
)

// side is one end of an exchange.
type side func(ctx context.Context, conn *transport.Conn) error

// exchange runs initiator and responder concurrently over an in-memory pipe.
// If a transcript file is configured, the initiator's frames are written to it.
func (e *environment) exchange(ctx context.Context, initiator, responder side) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	session := ksuid.New()
	recorder := transport.NewRecorder(clock.RealClock{})
	a, b := net.Pipe()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return e.runSide(ctx, "initiator", a, initiator, transport.WithSession(session), transport.WithRecorder(recorder))
	})
	eg.Go(func() error {
		return e.runSide(ctx, "responder", b, responder, transport.WithSession(session))
	})
	err := eg.Wait()

	if e.transcript != "" {
		if werr := writeTranscript(e.transcript, recorder); werr != nil && err == nil {
			err = werr
		}
	}
	return err
}

// runSide runs s on its end of the pipe. A failure is reported to the peer before the pipe is closed.
func (e *environment) runSide(ctx context.Context, role string, c net.Conn, s side, opts ...transport.Option) error {
	defer c.Close()
	conn := transport.NewConn(c, append(opts, transport.WithLogger(e.log.With("side", role)))...)
	if err := s(ctx, conn); err != nil {
		sendCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		_ = conn.SendError(sendCtx, err)
		return fmt.Errorf("%s: %w", role, err)
	}
	return nil
}

func writeTranscript(path string, recorder *transport.Recorder) error {
	transcript := recorder.Transcript()
	raw, err := transcript.Marshal()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("writing transcript: %w", err)
	}
	return nil
}

// simPlatform is a simulated machine with a quoting enclave.
type simPlatform struct {
	machine *sim.Machine
	qe      *sim.QuotingEnclave
}

func newSimPlatform(kind platform.QuoteKind) (*simPlatform, error) {
	machine, err := sim.NewMachine(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("creating simulated machine: %w", err)
	}
	qe, err := machine.NewQuotingEnclave(kind)
	if err != nil {
		return nil, fmt.Errorf("creating quoting enclave: %w", err)
	}
	return &simPlatform{machine: machine, qe: qe}, nil
}

// enclave loads an enclave whose measurement is derived from name.
func (p *simPlatform) enclave(name string, svn uint16) *sim.Enclave {
	return p.machine.NewEnclave(sim.Identity{
		MREnclave: sha256.Sum256([]byte("enclave:" + name)),
		MRSigner:  sha256.Sum256([]byte("signer:sgx-ra")),
		ISVProdID: 1,
		ISVSVN:    svn,
	})
}

// quote has the quoting enclave sign report.
func (p *simPlatform) quote(report types.Report, nonce types.QuoteNonce) (types.Report, []byte, error) {
	qeReport, quote, err := p.qe.Quote(&report, nonce)
	if err != nil {
		return types.Report{}, nil, fmt.Errorf("quoting report: %w", err)
	}
	return qeReport, quote, nil
}

// spKey returns the configured service provider key or a fresh one.
func (e *environment) spKey() (*ecdsa.PrivateKey, error) {
	key, err := e.cfg.RA.LoadSPKey()
	if err != nil {
		return nil, err
	}
	if key != nil {
		return key, nil
	}
	e.log.Debug("no SP key configured, generating one")
	return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
}

// fingerprint identifies a key without revealing it.
func fingerprint(k crypto.Key128) string {
	sum := crypto.SumSHA256(k[:])
	return hex.EncodeToString(sum[:8])
}

func printIdentity(e *environment, label string, id types.EnclaveIdentity) {
	fmt.Fprintf(e.out, "%s: mr_enclave=%s mr_signer=%s isv_prod_id=%d isv_svn=%d\n",
		label, hex.EncodeToString(id.MREnclave[:8]), hex.EncodeToString(id.MRSigner[:8]), id.ISVProdID, id.ISVSVN)
}
