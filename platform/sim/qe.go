package sim

import (
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/edgelesssys/go-sgx-ra/crypto"
	"github.com/edgelesssys/go-sgx-ra/platform"
	"github.com/edgelesssys/go-sgx-ra/status"
	"github.com/edgelesssys/go-sgx-ra/types"
)

const (
	epidQuoteVersion = 2
	dcapQuoteVersion = 3
	simPCESVN        = 11
)

// intelQEVendorID is the QE vendor id found in the header of DCAP quotes.
var intelQEVendorID = [16]byte{0x93, 0x9A, 0x72, 0x33, 0xF7, 0x9C, 0x4C, 0xA9, 0x94, 0x0A, 0x0D, 0xB3, 0x95, 0x7F, 0x06, 0x07}

// QEIdentity is the identity of simulated quoting enclaves.
var QEIdentity = Identity{
	MREnclave:  sha256.Sum256([]byte("simulated quoting enclave")),
	MRSigner:   sha256.Sum256([]byte("simulated quoting enclave signer")),
	Attributes: types.Attributes{Flags: 0x05, Xfrm: 0x03},
	ISVProdID:  1,
	ISVSVN:     4,
}

// QuotingEnclave is a simulated quoting enclave.
type QuotingEnclave struct {
	*Enclave
	kind platform.QuoteKind
}

// NewQuotingEnclave loads a quoting enclave producing quotes of the given kind.
func (m *Machine) NewQuotingEnclave(kind platform.QuoteKind) (*QuotingEnclave, error) {
	if kind != platform.QuoteEPID && kind != platform.QuoteDCAP {
		return nil, status.Errorf(status.ErrInvalidParameter, "unsupported quote kind %d", kind)
	}
	return &QuotingEnclave{Enclave: m.NewEnclave(QEIdentity), kind: kind}, nil
}

// Quote verifies report and creates a quote for it.
func (q *QuotingEnclave) Quote(report *types.Report, nonce types.QuoteNonce) (types.Report, []byte, error) {
	if err := q.VerifyReport(report); err != nil {
		return types.Report{}, nil, fmt.Errorf("verifying application report: %w", err)
	}

	var quote []byte
	var err error
	switch q.kind {
	case platform.QuoteEPID:
		quote, err = q.epidQuote(&report.Body)
	default:
		quote, err = q.dcapQuote(&report.Body)
	}
	if err != nil {
		return types.Report{}, nil, err
	}

	var reportData types.ReportData
	binding := crypto.SumSHA256(nonce[:], quote)
	copy(reportData[:32], binding[:])

	target := types.TargetInfoFromReport(&report.Body)
	qeReport, err := q.CreateReport(&target, reportData)
	if err != nil {
		return types.Report{}, nil, fmt.Errorf("creating QE report: %w", err)
	}
	return qeReport, quote, nil
}

func (q *QuotingEnclave) epidQuote(body *types.ReportBody) ([]byte, error) {
	quote := types.EPIDQuote{
		Version:     epidQuoteVersion,
		SignType:    uint16(types.QuoteTypeLinkable),
		EPIDGroupID: q.m.gid,
		QESVN:       q.body.ISVSVN,
		PCESVN:      simPCESVN,
		ReportBody:  *body,
	}
	sig, err := crypto.SignECDSA(q.m.epidKey, quote.SignedData())
	if err != nil {
		return nil, fmt.Errorf("signing EPID quote: %w", err)
	}
	raw := sig.Raw()
	quote.Signature = raw[:]
	return quote.Marshal(), nil
}

func (q *QuotingEnclave) dcapQuote(body *types.ReportBody) ([]byte, error) {
	authData := make([]byte, 32)
	if _, err := io.ReadFull(q.m.rand, authData); err != nil {
		return nil, status.Errorf(status.ErrUnexpected, "reading QE auth data: %s", err)
	}

	attestKey := crypto.PublicKeyFromECDSA(&q.m.attestKey.PublicKey)
	rawAttestKey := attestKey.Raw()

	// The QE report binds the attestation key to the PCK.
	qeReport := q.body
	binding := crypto.SumSHA256(rawAttestKey[:], authData)
	copy(qeReport.ReportData[:32], binding[:])
	qeReportRaw := qeReport.Marshal()
	qeReportSig, err := crypto.SignECDSA(q.m.pckKey, qeReportRaw[:])
	if err != nil {
		return nil, fmt.Errorf("signing QE report: %w", err)
	}

	quote := types.Quote3{
		Header: types.QuoteHeader{
			Version:            dcapQuoteVersion,
			AttestationKeyType: types.AttestationKeyTypeECDSAP256,
			QESVN:              q.body.ISVSVN,
			PCESVN:             simPCESVN,
			VendorID:           intelQEVendorID,
		},
		ReportBody: *body,
		Signature: types.QlEcdsaSigData{
			AttestPublicKey:       attestKey,
			QEReport:              qeReport,
			QEReportSignature:     qeReportSig,
			AuthData:              authData,
			CertificationDataType: types.CertificationDataPCKCertChain,
			CertificationData:     q.m.pckChain,
		},
	}
	if quote.Signature.Signature, err = crypto.SignECDSA(q.m.attestKey, quote.SignedData()); err != nil {
		return nil, fmt.Errorf("signing DCAP quote: %w", err)
	}
	return quote.Marshal(), nil
}
