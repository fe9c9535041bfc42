package types

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/edgelesssys/go-sgx-ra/status"
)

/*
   SGX Quote parsers.

   Only the parts needed by the key exchange are parsed: the quoted report body, which carries the key binding hash,
   and for DCAP quotes the ECDSA signature data needed to verify the quote.
   Based on:
   https://github.com/intel/linux-sgx/blob/26c458905b72e66db7ac1feae04b43461ce1b76f/common/inc/sgx_quote.h
   https://github.com/intel/SGXDataCenterAttestationPrimitives/blob/c057b236790834cf7e547ebf90da91c53c7ed7f9/QuoteGeneration/quote_wrapper/common/inc/sgx_quote_3.h
*/

const (
	// QuoteHeaderSize is the size of the Quote3 header (sgx_quote_header_t).
	QuoteHeaderSize = 48
	// EPIDQuoteSize is the size of sgx_quote_t without its trailing signature.
	EPIDQuoteSize = 436
	// Quote3Size is the size of sgx_quote3_t without its trailing signature data.
	Quote3Size = QuoteHeaderSize + ReportBodySize + 4
	// QlEcdsaSigDataSize is the size of sgx_ql_ecdsa_sig_data_t without its trailing auth data.
	QlEcdsaSigDataSize = SignatureSize + PublicKeySize + ReportBodySize + SignatureSize
	// QlAuthDataSize is the size of sgx_ql_auth_data_t without its trailing data.
	QlAuthDataSize = 2
	// QlCertificationDataSize is the size of sgx_ql_certification_data_t without its trailing data.
	QlCertificationDataSize = 6

	// MinEPIDQuoteSize is the size an EPID quote must exceed.
	MinEPIDQuoteSize = EPIDQuoteSize
	// MinDCAPQuoteSize is the size a DCAP quote must exceed.
	MinDCAPQuoteSize = Quote3Size + QlEcdsaSigDataSize + QlAuthDataSize + QlCertificationDataSize

	// QuoteReportBodyOffset is the offset of the report body in both EPID and DCAP quotes.
	QuoteReportBodyOffset = QuoteHeaderSize
)

const (
	// AttestationKeyTypeECDSAP256 is the attestation key type of ECDSA-P256 DCAP quotes.
	AttestationKeyTypeECDSAP256 = 2
	// CertificationDataPCKCertChain is the certification data type holding a PEM encoded PCK certificate chain.
	CertificationDataPCKCertChain = 5
)

// checkQuoteLen reports whether a quote tail of the given length may follow a header of headerSize bytes.
// The quote must be strictly larger than minSize.
func checkQuoteLen(quoteLen, minSize, headerSize int) error {
	if quoteLen <= minSize {
		return status.Errorf(status.ErrInvalidParameter, "quote too short: need more than %d bytes, got %d", minSize, quoteLen)
	}
	if uint64(quoteLen) > math.MaxUint32-uint64(headerSize) {
		return status.Errorf(status.ErrInvalidParameter, "quote too large: %d bytes", quoteLen)
	}
	return nil
}

// CheckEPIDQuoteLen verifies the length of an EPID quote carried in RaMsg3.
func CheckEPIDQuoteLen(n int) error {
	return checkQuoteLen(n, MinEPIDQuoteSize, RaMsg3HeaderSize)
}

// CheckDCAPQuoteLen verifies the length of a DCAP quote carried in DcapMRaMsg2 or DcapRaMsg3.
func CheckDCAPQuoteLen(n int) error {
	return checkQuoteLen(n, MinDCAPQuoteSize, DcapMRaMsg2HeaderSize)
}

// QuoteHeader is the header of an SGX quote v3 (sgx_quote_header_t).
type QuoteHeader struct {
	Version            uint16
	AttestationKeyType uint16
	TEEType            uint32 // reserved in v3
	QESVN              uint16
	PCESVN             uint16
	VendorID           [16]byte
	UserData           [20]byte
}

// Marshal serializes a QuoteHeader to its binary representation.
func (qh *QuoteHeader) Marshal() [QuoteHeaderSize]byte {
	var result [QuoteHeaderSize]byte
	binary.LittleEndian.PutUint16(result[0:2], qh.Version)
	binary.LittleEndian.PutUint16(result[2:4], qh.AttestationKeyType)
	binary.LittleEndian.PutUint32(result[4:8], qh.TEEType)
	binary.LittleEndian.PutUint16(result[8:10], qh.QESVN)
	binary.LittleEndian.PutUint16(result[10:12], qh.PCESVN)
	copy(result[12:28], qh.VendorID[:])
	copy(result[28:48], qh.UserData[:])
	return result
}

func unmarshalQuoteHeader(b []byte) QuoteHeader {
	return QuoteHeader{
		Version:            binary.LittleEndian.Uint16(b[0:2]),
		AttestationKeyType: binary.LittleEndian.Uint16(b[2:4]),
		TEEType:            binary.LittleEndian.Uint32(b[4:8]),
		QESVN:              binary.LittleEndian.Uint16(b[8:10]),
		PCESVN:             binary.LittleEndian.Uint16(b[10:12]),
		VendorID:           [16]byte(b[12:28]),
		UserData:           [20]byte(b[28:48]),
	}
}

// Quote3 is an ECDSA-P256 DCAP quote (sgx_quote3_t).
type Quote3 struct {
	Header          QuoteHeader
	ReportBody      ReportBody
	SignatureLength uint32
	Signature       QlEcdsaSigData
}

// QlEcdsaSigData is the signature data of a DCAP quote (sgx_ql_ecdsa_sig_data_t with its trailers).
// Unlike the key exchange messages, keys and signatures in here are stored big-endian.
type QlEcdsaSigData struct {
	// Signature is the signature over the quote header and report body, made with the attestation key.
	Signature Signature
	// AttestPublicKey is the attestation key.
	AttestPublicKey PublicKey
	// QEReport is the report of the quoting enclave, binding the attestation key.
	QEReport ReportBody
	// QEReportSignature is the signature over QEReport, made with the PCK.
	QEReportSignature Signature
	// AuthData is hashed together with the attestation key into the QE report data.
	AuthData []byte
	// CertificationDataType identifies the type of CertificationData.
	CertificationDataType uint16
	// CertificationData is usually a PCK certificate chain.
	CertificationData []byte
}

// Marshal serializes the quote.
func (q *Quote3) Marshal() []byte {
	sig := q.Signature.Marshal()
	header := q.Header.Marshal()
	body := q.ReportBody.Marshal()

	out := make([]byte, Quote3Size+len(sig))
	copy(out[0:48], header[:])
	copy(out[48:432], body[:])
	binary.LittleEndian.PutUint32(out[432:436], uint32(len(sig)))
	copy(out[436:], sig)
	return out
}

// SignedData returns the part of the quote covered by the attestation key signature.
func (q *Quote3) SignedData() []byte {
	header := q.Header.Marshal()
	body := q.ReportBody.Marshal()
	return append(header[:], body[:]...)
}

// Marshal serializes the signature data.
func (s *QlEcdsaSigData) Marshal() []byte {
	out := make([]byte, 0, QlEcdsaSigDataSize+QlAuthDataSize+len(s.AuthData)+QlCertificationDataSize+len(s.CertificationData))
	sig := s.Signature.Raw()
	key := s.AttestPublicKey.Raw()
	qeReport := s.QEReport.Marshal()
	qeSig := s.QEReportSignature.Raw()

	out = append(out, sig[:]...)
	out = append(out, key[:]...)
	out = append(out, qeReport[:]...)
	out = append(out, qeSig[:]...)
	out = binary.LittleEndian.AppendUint16(out, uint16(len(s.AuthData)))
	out = append(out, s.AuthData...)
	out = binary.LittleEndian.AppendUint16(out, s.CertificationDataType)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(s.CertificationData)))
	out = append(out, s.CertificationData...)
	return out
}

// ParseQuote3 parses an ECDSA-P256 DCAP quote.
func ParseQuote3(rawQuote []byte) (Quote3, error) {
	quoteLength := len(rawQuote)
	if quoteLength <= MinDCAPQuoteSize {
		return Quote3{}, status.Errorf(status.ErrInvalidParameter, "quote structure is too short to be parsed (received: %d bytes)", quoteLength)
	}

	header := unmarshalQuoteHeader(rawQuote[0:48])
	if header.AttestationKeyType != AttestationKeyTypeECDSAP256 {
		return Quote3{}, status.Errorf(status.ErrInvalidParameter, "unsupported attestation key type %d", header.AttestationKeyType)
	}
	body, err := UnmarshalReportBody(rawQuote[48:432])
	if err != nil {
		return Quote3{}, fmt.Errorf("parsing quote report body: %w", err)
	}

	signatureLength := binary.LittleEndian.Uint32(rawQuote[432:436])
	if uint64(signatureLength) != uint64(quoteLength-Quote3Size) {
		return Quote3{}, status.Errorf(status.ErrInvalidParameter, "signature length mismatch: header says %d bytes, quote holds %d", signatureLength, quoteLength-Quote3Size)
	}

	signature, err := parseQlEcdsaSigData(rawQuote[436:])
	if err != nil {
		return Quote3{}, fmt.Errorf("parsing quote signature data: %w", err)
	}

	return Quote3{
		Header:          header,
		ReportBody:      body,
		SignatureLength: signatureLength,
		Signature:       signature,
	}, nil
}

func parseQlEcdsaSigData(b []byte) (QlEcdsaSigData, error) {
	if len(b) < QlEcdsaSigDataSize+QlAuthDataSize {
		return QlEcdsaSigData{}, status.Errorf(status.ErrInvalidParameter, "signature data too short (received: %d bytes)", len(b))
	}
	qeReport, err := UnmarshalReportBody(b[128:512])
	if err != nil {
		return QlEcdsaSigData{}, err
	}
	sig := QlEcdsaSigData{
		Signature:         SignatureFromRaw([64]byte(b[0:64])),
		AttestPublicKey:   PublicKeyFromRaw([64]byte(b[64:128])),
		QEReport:          qeReport,
		QEReportSignature: SignatureFromRaw([64]byte(b[512:576])),
	}

	offset := uint64(QlEcdsaSigDataSize)
	authDataSize := uint64(binary.LittleEndian.Uint16(b[offset : offset+2]))
	offset += 2
	if offset+authDataSize+QlCertificationDataSize > uint64(len(b)) {
		return QlEcdsaSigData{}, status.Errorf(status.ErrInvalidParameter, "auth data of %d bytes exceeds signature data", authDataSize)
	}
	sig.AuthData = append([]byte{}, b[offset:offset+authDataSize]...)
	offset += authDataSize

	sig.CertificationDataType = binary.LittleEndian.Uint16(b[offset : offset+2])
	certDataSize := uint64(binary.LittleEndian.Uint32(b[offset+2 : offset+6]))
	offset += QlCertificationDataSize
	if offset+certDataSize != uint64(len(b)) {
		return QlEcdsaSigData{}, status.Errorf(status.ErrInvalidParameter, "certification data size %d does not match remaining %d bytes", certDataSize, uint64(len(b))-offset)
	}
	sig.CertificationData = append([]byte{}, b[offset:]...)

	return sig, nil
}

// EPIDQuote is an EPID quote (sgx_quote_t).
type EPIDQuote struct {
	Version     uint16
	SignType    uint16
	EPIDGroupID [4]byte
	QESVN       uint16
	PCESVN      uint16
	XEID        uint32
	Basename    [32]byte
	ReportBody  ReportBody
	Signature   []byte
}

// Marshal serializes the quote.
func (q *EPIDQuote) Marshal() []byte {
	out := make([]byte, EPIDQuoteSize+len(q.Signature))
	body := q.ReportBody.Marshal()
	binary.LittleEndian.PutUint16(out[0:2], q.Version)
	binary.LittleEndian.PutUint16(out[2:4], q.SignType)
	copy(out[4:8], q.EPIDGroupID[:])
	binary.LittleEndian.PutUint16(out[8:10], q.QESVN)
	binary.LittleEndian.PutUint16(out[10:12], q.PCESVN)
	binary.LittleEndian.PutUint32(out[12:16], q.XEID)
	copy(out[16:48], q.Basename[:])
	copy(out[48:432], body[:])
	binary.LittleEndian.PutUint32(out[432:436], uint32(len(q.Signature)))
	copy(out[436:], q.Signature)
	return out
}

// SignedData returns the part of the quote covered by its signature.
func (q *EPIDQuote) SignedData() []byte {
	return q.Marshal()[:432]
}

// ParseEPIDQuote parses an EPID quote.
func ParseEPIDQuote(rawQuote []byte) (EPIDQuote, error) {
	quoteLength := len(rawQuote)
	if quoteLength <= MinEPIDQuoteSize {
		return EPIDQuote{}, status.Errorf(status.ErrInvalidParameter, "quote structure is too short to be parsed (received: %d bytes)", quoteLength)
	}
	signatureLength := binary.LittleEndian.Uint32(rawQuote[432:436])
	if uint64(signatureLength) != uint64(quoteLength-EPIDQuoteSize) {
		return EPIDQuote{}, status.Errorf(status.ErrInvalidParameter, "signature length mismatch: header says %d bytes, quote holds %d", signatureLength, quoteLength-EPIDQuoteSize)
	}
	body, err := UnmarshalReportBody(rawQuote[48:432])
	if err != nil {
		return EPIDQuote{}, fmt.Errorf("parsing quote report body: %w", err)
	}

	return EPIDQuote{
		Version:     binary.LittleEndian.Uint16(rawQuote[0:2]),
		SignType:    binary.LittleEndian.Uint16(rawQuote[2:4]),
		EPIDGroupID: [4]byte(rawQuote[4:8]),
		QESVN:       binary.LittleEndian.Uint16(rawQuote[8:10]),
		PCESVN:      binary.LittleEndian.Uint16(rawQuote[10:12]),
		XEID:        binary.LittleEndian.Uint32(rawQuote[12:16]),
		Basename:    [32]byte(rawQuote[16:48]),
		ReportBody:  body,
		Signature:   append([]byte{}, rawQuote[436:]...),
	}, nil
}

// QuotedReportBody returns the report body of an EPID or DCAP quote without parsing the rest of the quote.
func QuotedReportBody(rawQuote []byte) (ReportBody, error) {
	if len(rawQuote) < QuoteReportBodyOffset+ReportBodySize {
		return ReportBody{}, status.Errorf(status.ErrInvalidParameter, "quote too short to hold a report body (received: %d bytes)", len(rawQuote))
	}
	return UnmarshalReportBody(rawQuote[QuoteReportBodyOffset : QuoteReportBodyOffset+ReportBodySize])
}
