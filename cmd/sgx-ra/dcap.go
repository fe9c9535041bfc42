package main

import (
	"context"
	"fmt"

	"github.com/edgelesssys/go-sgx-ra/crypto"
	"github.com/edgelesssys/go-sgx-ra/dcap"
	"github.com/edgelesssys/go-sgx-ra/platform"
	"github.com/edgelesssys/go-sgx-ra/transport"
	"github.com/edgelesssys/go-sgx-ra/types"
)

type dcapCmd struct {
	Unilateral bool `help:"Only the initiator attests; the responder authenticates with its SP key."`
}

func (c *dcapCmd) Run(env *environment) error {
	p, err := newSimPlatform(platform.QuoteDCAP)
	if err != nil {
		return err
	}
	verifier := p.machine.Verifier()
	initEnclave := p.enclave("dcap-initiator", 2)
	respEnclave := p.enclave("dcap-responder", 3)

	var initKeys, respKeys [2]crypto.Key128
	var initPeer, respPeer types.EnclaveIdentity
	var responder side

	if c.Unilateral {
		spKey, err := env.spKey()
		if err != nil {
			return err
		}
		spPub := crypto.PublicKeyFromECDSA(&spKey.PublicKey)

		responder = func(ctx context.Context, conn *transport.Conn) error {
			resp, err := dcap.NewUnilateralResponder(spKey, dcap.WithLogger(env.log), dcap.WithSessionID(conn.Session()))
			if err != nil {
				return err
			}
			defer resp.Close()

			m1, err := transport.ExpectMessage(ctx, conn, transport.TypeDcapRaMsg1, types.UnmarshalDcapRaMsg1)
			if err != nil {
				return err
			}
			m2, err := resp.ProcessMsg1(&m1)
			if err != nil {
				return err
			}
			if err := conn.SendMessage(ctx, transport.TypeDcapURaMsg2, &m2); err != nil {
				return err
			}
			m3, err := transport.ExpectMessage(ctx, conn, transport.TypeDcapRaMsg3, types.UnmarshalDcapRaMsg3)
			if err != nil {
				return err
			}
			if respPeer, _, err = resp.ProcessMsg3(&m3, verifier); err != nil {
				return err
			}
			respKeys, err = sessionKeys(resp)
			return err
		}

		initiator := func(ctx context.Context, conn *transport.Conn) error {
			init := dcap.NewInitiator(dcap.WithLogger(env.log), dcap.WithSessionID(conn.Session()))
			defer init.Close()
			if err := sendDcapMsg1(ctx, conn, init); err != nil {
				return err
			}
			m2, err := transport.ExpectMessage(ctx, conn, transport.TypeDcapURaMsg2, types.UnmarshalDcapURaMsg2)
			if err != nil {
				return err
			}
			qeTarget := p.qe.TargetInfo()
			report, nonce, err := init.ProcessURaMsg2(&m2, spPub, &qeTarget, initEnclave)
			if err != nil {
				return err
			}
			if err := sendDcapMsg3(ctx, conn, init, p, report, nonce, initEnclave); err != nil {
				return err
			}
			initKeys, err = sessionKeys(init)
			return err
		}

		if err := env.exchange(context.Background(), initiator, responder); err != nil {
			return err
		}
		if initKeys != respKeys {
			return fmt.Errorf("session keys differ between initiator and responder")
		}
		fmt.Fprintln(env.out, "DCAP unilateral remote attestation established")
		printIdentity(env, "initiator", respPeer)
		fmt.Fprintf(env.out, "SK fingerprint: %s\n", fingerprint(initKeys[0]))
		return nil
	}

	responder = func(ctx context.Context, conn *transport.Conn) error {
		resp := dcap.NewResponder(dcap.WithLogger(env.log), dcap.WithSessionID(conn.Session()))
		defer resp.Close()

		m1, err := transport.ExpectMessage(ctx, conn, transport.TypeDcapRaMsg1, types.UnmarshalDcapRaMsg1)
		if err != nil {
			return err
		}
		qeTarget := p.qe.TargetInfo()
		report, nonce, err := resp.ProcessMsg1(&m1, &qeTarget, respEnclave)
		if err != nil {
			return err
		}
		qeReport, quote, err := p.quote(report, nonce)
		if err != nil {
			return err
		}
		m2, err := resp.Msg2(&qeReport, quote, respEnclave)
		if err != nil {
			return err
		}
		if err := conn.SendMessage(ctx, transport.TypeDcapMRaMsg2, &m2); err != nil {
			return err
		}
		m3, err := transport.ExpectMessage(ctx, conn, transport.TypeDcapRaMsg3, types.UnmarshalDcapRaMsg3)
		if err != nil {
			return err
		}
		if respPeer, _, err = resp.ProcessMsg3(&m3, verifier); err != nil {
			return err
		}
		respKeys, err = sessionKeys(resp)
		return err
	}

	initiator := func(ctx context.Context, conn *transport.Conn) error {
		init := dcap.NewInitiator(dcap.WithLogger(env.log), dcap.WithSessionID(conn.Session()))
		defer init.Close()
		if err := sendDcapMsg1(ctx, conn, init); err != nil {
			return err
		}
		m2, err := transport.ExpectMessage(ctx, conn, transport.TypeDcapMRaMsg2, types.UnmarshalDcapMRaMsg2)
		if err != nil {
			return err
		}
		qeTarget := p.qe.TargetInfo()
		report, nonce, err := init.ProcessMRaMsg2(&m2, verifier, &qeTarget, initEnclave)
		if err != nil {
			return err
		}
		if initPeer, err = init.PeerIdentity(); err != nil {
			return err
		}
		if err := sendDcapMsg3(ctx, conn, init, p, report, nonce, initEnclave); err != nil {
			return err
		}
		initKeys, err = sessionKeys(init)
		return err
	}

	if err := env.exchange(context.Background(), initiator, responder); err != nil {
		return err
	}
	if initKeys != respKeys {
		return fmt.Errorf("session keys differ between initiator and responder")
	}
	fmt.Fprintln(env.out, "DCAP mutual remote attestation established")
	printIdentity(env, "initiator", respPeer)
	printIdentity(env, "responder", initPeer)
	fmt.Fprintf(env.out, "SK fingerprint: %s\n", fingerprint(initKeys[0]))
	return nil
}

func sendDcapMsg1(ctx context.Context, conn *transport.Conn, init *dcap.Initiator) error {
	m1, err := init.Msg1()
	if err != nil {
		return err
	}
	return conn.SendMessage(ctx, transport.TypeDcapRaMsg1, &m1)
}

func sendDcapMsg3(ctx context.Context, conn *transport.Conn, init *dcap.Initiator, p *simPlatform, report types.Report, nonce types.QuoteNonce, enclave platform.Enclave) error {
	qeReport, quote, err := p.quote(report, nonce)
	if err != nil {
		return err
	}
	m3, err := init.Msg3(&qeReport, quote, enclave)
	if err != nil {
		return err
	}
	return conn.SendMessage(ctx, transport.TypeDcapRaMsg3, &m3)
}
