package main

import (
	"context"
	"fmt"

	"github.com/edgelesssys/go-sgx-ra/ladh"
	"github.com/edgelesssys/go-sgx-ra/platform"
	"github.com/edgelesssys/go-sgx-ra/transport"
	"github.com/edgelesssys/go-sgx-ra/types"
)

type laCmd struct {
	Version  int    `help:"Local attestation protocol version (1 or 2). Defaults to the configured version."`
	AddProp  string `help:"Hex encoded additional properties sent in msg3." name:"add-prop"`
	Mismatch bool   `help:"Run the responder with the other protocol version to demonstrate a rejected exchange."`
}

func (c *laCmd) Run(env *environment) error {
	version := env.cfg.LA.LADHVersion()
	if c.Version != 0 {
		version = ladh.Version(c.Version)
	}
	respVersion := version
	if c.Mismatch {
		respVersion = ladh.LAv1
		if version == ladh.LAv1 {
			respVersion = ladh.LAv2
		}
	}
	addProp, err := decodeHex("add-prop", c.AddProp)
	if err != nil {
		return err
	}

	// both enclaves run on the same machine, the quoting enclave stays unused
	p, err := newSimPlatform(platform.QuoteDCAP)
	if err != nil {
		return err
	}
	initEnclave := p.enclave("la-initiator", 4)
	respEnclave := p.enclave("la-responder", 5)

	var initResult, respResult ladh.Result

	initiator := func(ctx context.Context, conn *transport.Conn) error {
		init, err := ladh.NewInitiator(version, initEnclave, ladh.WithLogger(env.log), ladh.WithSessionID(conn.Session()))
		if err != nil {
			return err
		}
		defer init.Close()

		m1, err := init.Msg1()
		if err != nil {
			return err
		}
		if err := conn.SendMessage(ctx, transport.TypeDhMsg1, &m1); err != nil {
			return err
		}
		m2, err := transport.ExpectMessage(ctx, conn, transport.TypeDhMsg2, types.UnmarshalDhMsg2)
		if err != nil {
			return err
		}
		m3, result, err := init.ProcessMsg2(&m2, addProp)
		if err != nil {
			return err
		}
		if err := conn.SendMessage(ctx, transport.TypeDhMsg3, &m3); err != nil {
			return err
		}
		initResult = result
		return nil
	}

	responder := func(ctx context.Context, conn *transport.Conn) error {
		resp, err := ladh.NewResponder(respVersion, respEnclave, ladh.WithLogger(env.log), ladh.WithSessionID(conn.Session()))
		if err != nil {
			return err
		}
		defer resp.Close()

		m1, err := transport.ExpectMessage(ctx, conn, transport.TypeDhMsg1, types.UnmarshalDhMsg1)
		if err != nil {
			return err
		}
		m2, err := resp.ProcessMsg1(&m1)
		if err != nil {
			return err
		}
		if err := conn.SendMessage(ctx, transport.TypeDhMsg2, &m2); err != nil {
			return err
		}
		m3, err := transport.ExpectMessage(ctx, conn, transport.TypeDhMsg3, types.UnmarshalDhMsg3)
		if err != nil {
			return err
		}
		respResult, err = resp.ProcessMsg3(&m3)
		return err
	}

	if err := env.exchange(context.Background(), initiator, responder); err != nil {
		return err
	}
	defer initResult.AEK.Wipe()
	defer respResult.AEK.Wipe()
	if initResult.AEK != respResult.AEK {
		return fmt.Errorf("AEK differs between initiator and responder")
	}

	fmt.Fprintf(env.out, "%s local attestation established\n", version)
	printIdentity(env, "initiator", respResult.Peer)
	printIdentity(env, "responder", initResult.Peer)
	fmt.Fprintf(env.out, "AEK fingerprint: %s\n", fingerprint(initResult.AEK))
	return nil
}
