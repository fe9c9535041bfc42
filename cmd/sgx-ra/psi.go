package main

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/edgelesssys/go-sgx-ra/crypto"
	"github.com/edgelesssys/go-sgx-ra/epid"
	"github.com/edgelesssys/go-sgx-ra/internal/registry"
	"github.com/edgelesssys/go-sgx-ra/platform"
	"github.com/edgelesssys/go-sgx-ra/platform/sim"
	"github.com/edgelesssys/go-sgx-ra/psi"
	"github.com/edgelesssys/go-sgx-ra/status"
	"github.com/edgelesssys/go-sgx-ra/transport"
	"github.com/edgelesssys/go-sgx-ra/types"
	"github.com/segmentio/ksuid"
	"golang.org/x/sync/errgroup"
)

// psiSecret is the secret a client proves to the enclave after attestation.
var psiSecret = []byte{1, 0, 'p', 's', 'i'}

type psiCmd struct {
	A string `help:"Items of the first client, one per line." type:"existingfile" required:""`
	B string `help:"Items of the second client, one per line." type:"existingfile" required:""`
}

func (c *psiCmd) Run(env *environment) error {
	var items [2][]string
	for i, path := range []string{c.A, c.B} {
		var err error
		if items[i], err = readItems(path); err != nil {
			return err
		}
	}

	p, err := newSimPlatform(platform.QuoteEPID)
	if err != nil {
		return err
	}
	session, err := psi.NewSession(
		psi.WithLogger(env.log),
		psi.WithTimeout(env.cfg.PSI.SessionTimeout),
		psi.WithMaxHashes(env.cfg.PSI.MaxHashes),
	)
	if err != nil {
		return err
	}
	defer session.Close()
	server := &psiServer{
		platform: p,
		enclave:  p.enclave("psi", 1),
		session:  session,
		sessions: registry.New[*epid.Initiator](),
		uploads:  newBarrier(2),
	}
	defer server.sessions.CloseAll()

	var keys [2]*ecdsa.PrivateKey
	for i := range keys {
		if keys[i], err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), env.timeout)
	defer cancel()
	eg, ctx := errgroup.WithContext(ctx)

	var results [2][]string
	for i := range items {
		i := i
		key := keys[i]
		id := ksuid.New()
		enclaveEnd, clientEnd := net.Pipe()
		role := fmt.Sprintf("client %d", i+1)

		eg.Go(func() error {
			return env.runSide(ctx, "enclave for "+role, enclaveEnd, func(ctx context.Context, conn *transport.Conn) error {
				return server.serve(ctx, conn, crypto.PublicKeyFromECDSA(&key.PublicKey), env)
			}, transport.WithSession(id))
		})
		eg.Go(func() error {
			return env.runSide(ctx, role, clientEnd, func(ctx context.Context, conn *transport.Conn) error {
				var err error
				results[i], err = runPSIClient(ctx, conn, key, items[i], p.machine.Verifier(), env)
				return err
			}, transport.WithSession(id))
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	for i, res := range results {
		fmt.Fprintf(env.out, "client %d: %d of %d items in the intersection\n", i+1, len(res), len(items[i]))
		for _, item := range res {
			fmt.Fprintf(env.out, "  %s\n", item)
		}
	}
	return nil
}

// psiServer is the enclave serving both clients of a PSI session.
type psiServer struct {
	platform *simPlatform
	enclave  *sim.Enclave
	session  *psi.Session
	sessions *registry.Registry[*epid.Initiator]
	uploads  *barrier
}

// serve attests the enclave to one client and runs the client's part of the intersection.
func (s *psiServer) serve(ctx context.Context, conn *transport.Conn, clientKey types.PublicKey, env *environment) error {
	init, err := epid.NewInitiator(clientKey, epid.WithLogger(env.log), epid.WithSessionID(conn.Session()))
	if err != nil {
		return err
	}
	if err := s.sessions.Add(conn.Session(), init); err != nil {
		init.Close()
		return err
	}
	defer s.sessions.Close(conn.Session())

	if err := runEPIDEnclave(ctx, conn, init, s.platform, s.enclave); err != nil {
		return err
	}
	keys, err := s.sessions.Get(conn.Session())
	if err != nil {
		return err
	}

	secret, err := transport.ExpectMessage(ctx, conn, transport.TypePSISecret, transport.UnmarshalSealed)
	if err != nil {
		return err
	}
	reply, err := s.session.VerifySecretData(keys, secret.Ciphertext, secret.Tag)
	if err != nil {
		return err
	}
	saltReply := transport.SaltReply{ID: reply.ID, Salt: transport.Sealed{Ciphertext: reply.Salt, Tag: reply.SaltTag}}
	if err := conn.SendMessage(ctx, transport.TypePSISecretReply, &saltReply); err != nil {
		return err
	}

	hashes, err := transport.ExpectMessage(ctx, conn, transport.TypePSIHashes, transport.UnmarshalSealed)
	if err != nil {
		return err
	}
	if err := s.session.AddHashData(reply.ID, keys, hashes.Ciphertext, hashes.Tag); err != nil {
		return err
	}
	// the first call marks the upload complete, the intersection is ready once both clients made it
	if _, err := s.session.ResultSize(reply.ID); err != nil && !errors.Is(err, status.ErrInvalidState) {
		return err
	}
	if err := s.uploads.arrive(ctx); err != nil {
		return err
	}
	if _, err := s.session.ResultSize(reply.ID); err != nil {
		return err
	}

	ciphertext, tag, err := s.session.Result(reply.ID, keys)
	if err != nil {
		return err
	}
	result := transport.Sealed{Ciphertext: ciphertext, Tag: tag}
	return conn.SendMessage(ctx, transport.TypePSIResult, &result)
}

// runPSIClient attests the enclave as service provider, uploads the salted hashes of items
// and returns the items in the intersection.
func runPSIClient(ctx context.Context, conn *transport.Conn, key *ecdsa.PrivateKey, items []string, verifier platform.QuoteVerifier, env *environment) ([]string, error) {
	resp, err := epid.NewResponder(key, types.SPID{}, types.QuoteTypeLinkable, epid.WithLogger(env.log), epid.WithSessionID(conn.Session()))
	if err != nil {
		return nil, err
	}
	defer resp.Close()
	if _, err := runEPIDServiceProvider(ctx, conn, resp, verifier); err != nil {
		return nil, err
	}
	sk, err := resp.Key(crypto.KeySK)
	if err != nil {
		return nil, err
	}
	defer sk.Wipe()

	ciphertext, tag, err := crypto.GCMEncrypt(sk, psiSecret)
	if err != nil {
		return nil, err
	}
	if err := conn.SendMessage(ctx, transport.TypePSISecret, &transport.Sealed{Ciphertext: ciphertext, Tag: tag}); err != nil {
		return nil, err
	}
	reply, err := transport.ExpectMessage(ctx, conn, transport.TypePSISecretReply, transport.UnmarshalSaltReply)
	if err != nil {
		return nil, err
	}
	salt, err := crypto.GCMDecrypt(sk, reply.Salt.Ciphertext, reply.Salt.Tag)
	if err != nil {
		return nil, fmt.Errorf("decrypting salt: %w", err)
	}

	hashes, order := hashItems(salt, items)
	plain := make([]byte, 0, len(hashes)*psi.HashSize)
	for _, h := range hashes {
		plain = append(plain, h[:]...)
	}
	if ciphertext, tag, err = crypto.GCMEncrypt(sk, plain); err != nil {
		return nil, err
	}
	if err := conn.SendMessage(ctx, transport.TypePSIHashes, &transport.Sealed{Ciphertext: ciphertext, Tag: tag}); err != nil {
		return nil, err
	}

	sealed, err := transport.ExpectMessage(ctx, conn, transport.TypePSIResult, transport.UnmarshalSealed)
	if err != nil {
		return nil, err
	}
	var bitmap []byte
	if len(sealed.Ciphertext) > 0 {
		if bitmap, err = crypto.GCMDecrypt(sk, sealed.Ciphertext, sealed.Tag); err != nil {
			return nil, fmt.Errorf("decrypting result: %w", err)
		}
	}
	if len(bitmap) != len(hashes) {
		return nil, status.Errorf(status.ErrUnexpected, "result has %d entries for %d hashes", len(bitmap), len(hashes))
	}

	var matches []string
	for i, hit := range bitmap {
		if hit == 1 {
			matches = append(matches, order[i])
		}
	}
	sort.Strings(matches)
	return matches, nil
}

// hashItems returns the sorted salted hashes of the distinct items, and the item behind each hash.
func hashItems(salt []byte, items []string) ([]psi.Hash, []string) {
	byHash := make(map[psi.Hash]string, len(items))
	for _, item := range items {
		byHash[psi.Hash(crypto.SumSHA256(salt, []byte(item)))] = item
	}
	hashes := make([]psi.Hash, 0, len(byHash))
	for h := range byHash {
		hashes = append(hashes, h)
	}
	sort.Slice(hashes, func(i, j int) bool { return bytes.Compare(hashes[i][:], hashes[j][:]) < 0 })

	order := make([]string, len(hashes))
	for i, h := range hashes {
		order[i] = byHash[h]
	}
	return hashes, order
}

func readItems(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var items []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			items = append(items, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return items, nil
}

// barrier releases its waiters once n parties arrived.
type barrier struct {
	mu      sync.Mutex
	pending int
	ready   chan struct{}
}

func newBarrier(n int) *barrier {
	return &barrier{pending: n, ready: make(chan struct{})}
}

func (b *barrier) arrive(ctx context.Context) error {
	b.mu.Lock()
	b.pending--
	if b.pending == 0 {
		close(b.ready)
	}
	b.mu.Unlock()

	select {
	case <-b.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
