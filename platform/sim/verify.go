package sim

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/binary"
	"fmt"

	"github.com/edgelesssys/go-sgx-ra/crypto"
	"github.com/edgelesssys/go-sgx-ra/platform"
	"github.com/edgelesssys/go-sgx-ra/status"
	"github.com/edgelesssys/go-sgx-ra/types"
)

// Verifier verifies quotes of simulated machines.
type Verifier struct {
	epidKey *ecdsa.PublicKey
	roots   *x509.CertPool
}

// NewVerifier creates a verifier trusting EPID quotes signed with epidKey
// and DCAP quotes whose PCK certificate chains to one of pckRoots.
func NewVerifier(epidKey *ecdsa.PublicKey, pckRoots ...*x509.Certificate) *Verifier {
	roots := x509.NewCertPool()
	for _, root := range pckRoots {
		roots.AddCert(root)
	}
	return &Verifier{epidKey: epidKey, roots: roots}
}

// VerifyQuote verifies an EPID or DCAP quote and returns the quoted report body.
func (v *Verifier) VerifyQuote(rawQuote []byte) (platform.QuoteResult, error) {
	if len(rawQuote) < 2 {
		return platform.QuoteResult{}, status.Errorf(status.ErrInvalidParameter, "quote too short: %d bytes", len(rawQuote))
	}
	switch version := binary.LittleEndian.Uint16(rawQuote[0:2]); version {
	case epidQuoteVersion:
		return v.verifyEPID(rawQuote)
	case dcapQuoteVersion:
		return v.verifyDCAP(rawQuote)
	default:
		return platform.QuoteResult{}, status.Errorf(status.ErrInvalidParameter, "unsupported quote version %d", version)
	}
}

func (v *Verifier) verifyEPID(rawQuote []byte) (platform.QuoteResult, error) {
	if v.epidKey == nil {
		return platform.QuoteResult{}, status.Errorf(status.ErrUnexpected, "no EPID group key configured")
	}
	quote, err := types.ParseEPIDQuote(rawQuote)
	if err != nil {
		return platform.QuoteResult{}, fmt.Errorf("parsing EPID quote: %w", err)
	}
	if len(quote.Signature) != types.SignatureSize {
		return platform.QuoteResult{}, status.Errorf(status.ErrInvalidSignature, "EPID signature must be %d bytes, got %d", types.SignatureSize, len(quote.Signature))
	}
	sig := types.SignatureFromRaw([types.SignatureSize]byte(quote.Signature))
	if err := crypto.VerifyECDSASignature(v.epidKey, quote.SignedData(), sig); err != nil {
		return platform.QuoteResult{}, fmt.Errorf("verifying EPID quote signature: %w", err)
	}
	return platform.QuoteResult{
		Kind:       platform.QuoteEPID,
		QESVN:      quote.QESVN,
		PCESVN:     quote.PCESVN,
		ReportBody: quote.ReportBody,
	}, nil
}

func (v *Verifier) verifyDCAP(rawQuote []byte) (platform.QuoteResult, error) {
	quote, err := types.ParseQuote3(rawQuote)
	if err != nil {
		return platform.QuoteResult{}, fmt.Errorf("parsing DCAP quote: %w", err)
	}

	pckCert, intermediates, err := parsePCKCertChain(&quote)
	if err != nil {
		return platform.QuoteResult{}, fmt.Errorf("parsing PCK certificate chain: %w", err)
	}
	if _, err := pckCert.Verify(x509.VerifyOptions{
		Roots:         v.roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		return platform.QuoteResult{}, status.Errorf(status.ErrInvalidSignature, "verifying PCK certificate: %s", err)
	}
	pckKey, ok := pckCert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return platform.QuoteResult{}, status.Errorf(status.ErrInvalidSignature, "PCK certificate public key is not an ECDSA key")
	}

	// verify QE report
	sigData := &quote.Signature
	qeReport := sigData.QEReport.Marshal()
	if err := crypto.VerifyECDSASignature(pckKey, qeReport[:], sigData.QEReportSignature); err != nil {
		return platform.QuoteResult{}, fmt.Errorf("verifying QE report signature: %w", err)
	}
	rawAttestKey := sigData.AttestPublicKey.Raw()
	binding := crypto.SumSHA256(rawAttestKey[:], sigData.AuthData)
	if !crypto.Equal(sigData.QEReport.ReportData[:32], binding[:]) {
		return platform.QuoteResult{}, status.Errorf(status.ErrInvalidSignature, "QE report data does not match QE authentication data")
	}

	// verify quote signature
	attestKey, err := crypto.BuildECDSAPublicKey(sigData.AttestPublicKey)
	if err != nil {
		return platform.QuoteResult{}, fmt.Errorf("building attestation key: %w", err)
	}
	if err := crypto.VerifyECDSASignature(attestKey, quote.SignedData(), sigData.Signature); err != nil {
		return platform.QuoteResult{}, fmt.Errorf("verifying quote signature: %w", err)
	}

	return platform.QuoteResult{
		Kind:       platform.QuoteDCAP,
		QESVN:      quote.Header.QESVN,
		PCESVN:     quote.Header.PCESVN,
		ReportBody: quote.ReportBody,
	}, nil
}

// parsePCKCertChain parses the PEM-encoded PCK certificate chain of a DCAP quote.
// The PCK certificate comes first, followed by its issuers.
func parsePCKCertChain(quote *types.Quote3) (*x509.Certificate, *x509.CertPool, error) {
	if quote.Signature.CertificationDataType != types.CertificationDataPCKCertChain {
		return nil, nil, status.Errorf(status.ErrInvalidParameter, "unsupported certification data type %d", quote.Signature.CertificationDataType)
	}
	certChain, err := crypto.ParseCertChain(quote.Signature.CertificationData)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing PCK certificate chain: %w", err)
	}

	intermediates := x509.NewCertPool()
	for _, cert := range certChain[1:] {
		intermediates.AddCert(cert)
	}
	return certChain[0], intermediates, nil
}
