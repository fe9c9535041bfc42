package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/edgelesssys/go-sgx-ra/crypto"
	"github.com/edgelesssys/go-sgx-ra/platform/sim"
)

func main() {
	if err := testVerify(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// testVerify verifies the quote written by testing/generate against its PCK root.
func testVerify() error {
	quote, err := os.ReadFile("quote")
	if err != nil {
		return err
	}
	rootPEM, err := os.ReadFile("pck_root.pem")
	if err != nil {
		return err
	}
	roots, err := crypto.ParseCertChain(rootPEM)
	if err != nil {
		return err
	}

	verifier := sim.NewVerifier(nil, roots...)
	result, err := verifier.VerifyQuote(quote)
	if err != nil {
		return err
	}
	fmt.Printf("%s quote verified: QE SVN %d, PCE SVN %d, MRENCLAVE %s\n",
		result.Kind, result.QESVN, result.PCESVN, hex.EncodeToString(result.ReportBody.MREnclave[:]))
	return nil
}
