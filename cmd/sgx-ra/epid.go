package main

import (
	"context"
	"fmt"

	"github.com/edgelesssys/go-sgx-ra/crypto"
	"github.com/edgelesssys/go-sgx-ra/epid"
	"github.com/edgelesssys/go-sgx-ra/platform"
	"github.com/edgelesssys/go-sgx-ra/platform/sim"
	"github.com/edgelesssys/go-sgx-ra/transport"
	"github.com/edgelesssys/go-sgx-ra/types"
)

// attestationOK is the verdict a service provider sends to an enclave it trusts.
var attestationOK = []byte("attestation ok")

type epidCmd struct {
	SigRL string `help:"Hex encoded signature revocation list sent in msg2." name:"sigrl"`
}

func (c *epidCmd) Run(env *environment) error {
	p, err := newSimPlatform(platform.QuoteEPID)
	if err != nil {
		return err
	}
	spKey, err := env.spKey()
	if err != nil {
		return err
	}
	spid, err := env.cfg.RA.ParseSPID()
	if err != nil {
		return err
	}
	quoteType, err := env.cfg.RA.ParseQuoteType()
	if err != nil {
		return err
	}
	sigRL, err := decodeHex("sigrl", c.SigRL)
	if err != nil {
		return err
	}
	enclave := p.enclave("epid", 1)

	var initKeys, respKeys [2]crypto.Key128
	var peer types.EnclaveIdentity

	initiator := func(ctx context.Context, conn *transport.Conn) error {
		init, err := epid.NewInitiator(crypto.PublicKeyFromECDSA(&spKey.PublicKey),
			epid.WithLogger(env.log), epid.WithSessionID(conn.Session()))
		if err != nil {
			return err
		}
		defer init.Close()
		if err := runEPIDEnclave(ctx, conn, init, p, enclave); err != nil {
			return err
		}
		initKeys, err = sessionKeys(init)
		return err
	}

	responder := func(ctx context.Context, conn *transport.Conn) error {
		resp, err := epid.NewResponder(spKey, spid, quoteType,
			epid.WithLogger(env.log), epid.WithSessionID(conn.Session()))
		if err != nil {
			return err
		}
		defer resp.Close()
		resp.SetSigRL(sigRL)
		if peer, err = runEPIDServiceProvider(ctx, conn, resp, p.machine.Verifier()); err != nil {
			return err
		}
		respKeys, err = sessionKeys(resp)
		return err
	}

	if err := env.exchange(context.Background(), initiator, responder); err != nil {
		return err
	}
	if initKeys != respKeys {
		return fmt.Errorf("session keys differ between initiator and responder")
	}

	fmt.Fprintln(env.out, "EPID remote attestation established")
	printIdentity(env, "enclave", peer)
	fmt.Fprintf(env.out, "SK fingerprint: %s\nMK fingerprint: %s\n", fingerprint(initKeys[0]), fingerprint(initKeys[1]))
	return nil
}

// runEPIDEnclave runs the enclave side of an EPID exchange up to the verified attestation result.
func runEPIDEnclave(ctx context.Context, conn *transport.Conn, init *epid.Initiator, p *simPlatform, enclave *sim.Enclave) error {
	m1, err := init.Msg1(p.machine.GID())
	if err != nil {
		return err
	}
	if err := conn.SendMessage(ctx, transport.TypeRaMsg1, &m1); err != nil {
		return err
	}

	m2, err := transport.ExpectMessage(ctx, conn, transport.TypeRaMsg2, types.UnmarshalRaMsg2)
	if err != nil {
		return err
	}
	qeTarget := p.qe.TargetInfo()
	report, nonce, err := init.ProcessMsg2(&m2, &qeTarget, enclave)
	if err != nil {
		return err
	}
	qeReport, quote, err := p.quote(report, nonce)
	if err != nil {
		return err
	}
	m3, err := init.Msg3(&qeReport, quote, enclave)
	if err != nil {
		return err
	}
	if err := conn.SendMessage(ctx, transport.TypeRaMsg3, &m3); err != nil {
		return err
	}

	result, err := transport.ExpectMessage(ctx, conn, transport.TypeAttestationResult, transport.UnmarshalAttestationResult)
	if err != nil {
		return err
	}
	return epid.VerifyAttestationResultMAC(init, result.Message, result.Mac)
}

// runEPIDServiceProvider runs the service provider side of an EPID exchange and sends the MACed verdict.
func runEPIDServiceProvider(ctx context.Context, conn *transport.Conn, resp *epid.Responder, verifier platform.QuoteVerifier) (types.EnclaveIdentity, error) {
	m1, err := transport.ExpectMessage(ctx, conn, transport.TypeRaMsg1, types.UnmarshalRaMsg1)
	if err != nil {
		return types.EnclaveIdentity{}, err
	}
	m2, err := resp.ProcessMsg1(&m1)
	if err != nil {
		return types.EnclaveIdentity{}, err
	}
	if err := conn.SendMessage(ctx, transport.TypeRaMsg2, &m2); err != nil {
		return types.EnclaveIdentity{}, err
	}

	m3, err := transport.ExpectMessage(ctx, conn, transport.TypeRaMsg3, types.UnmarshalRaMsg3)
	if err != nil {
		return types.EnclaveIdentity{}, err
	}
	peer, err := resp.ProcessMsg3(&m3, verifier)
	if err != nil {
		return types.EnclaveIdentity{}, err
	}

	mac, err := epid.SignAttestationResult(resp, attestationOK)
	if err != nil {
		return types.EnclaveIdentity{}, err
	}
	result := transport.AttestationResult{Message: attestationOK, Mac: mac}
	if err := conn.SendMessage(ctx, transport.TypeAttestationResult, &result); err != nil {
		return types.EnclaveIdentity{}, err
	}
	return peer, nil
}

// sessionKeys returns SK and MK of an established session.
func sessionKeys(keys crypto.KeySource) ([2]crypto.Key128, error) {
	var out [2]crypto.Key128
	for i, kt := range []crypto.KeyType{crypto.KeySK, crypto.KeyMK} {
		k, err := keys.Key(kt)
		if err != nil {
			return [2]crypto.Key128{}, err
		}
		out[i] = k
	}
	return out, nil
}
