// Package platform declares the enclave primitives the key exchanges depend on.
//
// The key exchange engines never talk to hardware directly. Report creation and verification,
// quote generation and quote verification are provided by implementations of the interfaces below.
// Package sim contains a software implementation for tests and demos.
package platform

import (
	"fmt"

	"github.com/edgelesssys/go-sgx-ra/crypto"
	"github.com/edgelesssys/go-sgx-ra/status"
	"github.com/edgelesssys/go-sgx-ra/types"
)

// Enclave is the enclave running a key exchange.
type Enclave interface {
	// TargetInfo returns the target info other enclaves use to create reports for this enclave.
	TargetInfo() types.TargetInfo
	// CreateReport creates a report for the given target, binding reportData.
	CreateReport(target *types.TargetInfo, reportData types.ReportData) (types.Report, error)
	// VerifyReport verifies a report targeted at this enclave.
	VerifyReport(report *types.Report) error
}

// QuotingEnclave turns reports into quotes that can be verified remotely.
type QuotingEnclave interface {
	// TargetInfo returns the target info application enclaves create reports for.
	TargetInfo() types.TargetInfo
	// Quote creates a quote for report. The returned QE report is targeted at the enclave
	// that created report, with report data SHA256(nonce || quote) in its first 32 bytes.
	Quote(report *types.Report, nonce types.QuoteNonce) (qeReport types.Report, quote []byte, err error)
}

// QuoteVerifier verifies quotes created by a QuotingEnclave.
type QuoteVerifier interface {
	VerifyQuote(quote []byte) (QuoteResult, error)
}

// QuoteKind identifies the attestation scheme of a quote.
type QuoteKind uint8

const (
	// QuoteEPID is an EPID quote (sgx_quote_t).
	QuoteEPID QuoteKind = iota + 1
	// QuoteDCAP is an ECDSA-P256 DCAP quote (sgx_quote3_t).
	QuoteDCAP
)

func (k QuoteKind) String() string {
	switch k {
	case QuoteEPID:
		return "EPID"
	case QuoteDCAP:
		return "DCAP"
	default:
		return "unknown"
	}
}

// QuoteResult is the outcome of a successful quote verification.
type QuoteResult struct {
	Kind       QuoteKind
	QESVN      uint16
	PCESVN     uint16
	ReportBody types.ReportBody
}

// CheckQEReport verifies that qeReport was created by the quoting enclave described by qeTarget
// for this enclave, and that it binds nonce and quote.
func CheckQEReport(enclave Enclave, qeReport *types.Report, qeTarget *types.TargetInfo, nonce types.QuoteNonce, quote []byte) error {
	if enclave == nil || qeReport == nil || qeTarget == nil {
		return status.Errorf(status.ErrInvalidParameter, "missing enclave, QE report or QE target info")
	}
	if err := enclave.VerifyReport(qeReport); err != nil {
		return fmt.Errorf("verifying QE report: %w", status.Wrap(status.ErrUnexpected, err))
	}
	if qeReport.Body.Attributes != qeTarget.Attributes || qeReport.Body.MREnclave != qeTarget.MREnclave {
		return status.Errorf(status.ErrInvalidParameter, "QE report was not created by the expected quoting enclave")
	}
	binding := crypto.SumSHA256(nonce[:], quote)
	if !crypto.Equal(binding[:], qeReport.Body.ReportData[:32]) {
		return status.Errorf(status.ErrUnexpected, "QE report does not bind the quote")
	}
	return nil
}
