package main

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/pem"
	"fmt"
	"log"
	"os"

	"github.com/edgelesssys/go-sgx-ra/crypto"
	"github.com/edgelesssys/go-sgx-ra/platform"
	"github.com/edgelesssys/go-sgx-ra/platform/sim"
	"github.com/edgelesssys/go-sgx-ra/types"
)

func main() {
	if err := generateQuote(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// generateQuote writes a DCAP quote from a simulated machine to "quote"
// and the root certificate it chains to to "pck_root.pem".
func generateQuote() error {
	machine, err := sim.NewMachine(rand.Reader)
	if err != nil {
		return err
	}
	qe, err := machine.NewQuotingEnclave(platform.QuoteDCAP)
	if err != nil {
		return err
	}
	enclave := machine.NewEnclave(sim.Identity{
		MREnclave: sha256.Sum256([]byte("generated enclave")),
		MRSigner:  sha256.Sum256([]byte("generated signer")),
	})

	var reportData types.ReportData
	copy(reportData[:], "Hello from a simulated enclave!")
	qeTarget := qe.TargetInfo()
	report, err := enclave.CreateReport(&qeTarget, reportData)
	if err != nil {
		return err
	}

	var nonce types.QuoteNonce
	if _, err := rand.Read(nonce[:]); err != nil {
		return err
	}
	qeReport, quote, err := qe.Quote(&report, nonce)
	if err != nil {
		return err
	}
	if err := platform.CheckQEReport(enclave, &qeReport, &qeTarget, nonce, quote); err != nil {
		return err
	}

	if err := os.WriteFile("quote", quote, 0o644); err != nil {
		return err
	}
	root := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: machine.PCKRoot().Raw})
	if err := os.WriteFile("pck_root.pem", root, 0o644); err != nil {
		return err
	}
	digest := crypto.SumSHA256(quote)
	log.Printf("Successfully written quote (sha256 %x)", digest[:8])

	return nil
}
