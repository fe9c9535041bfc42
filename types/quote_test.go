package types

import (
	"encoding/binary"
	"testing"

	"github.com/edgelesssys/go-sgx-ra/status"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testQuote3() Quote3 {
	report := testReport()
	q := Quote3{
		Header: QuoteHeader{
			Version:            3,
			AttestationKeyType: AttestationKeyTypeECDSAP256,
			QESVN:              4,
			PCESVN:             11,
			VendorID:           [16]byte{0x93, 0x9A, 0x72, 0x33},
		},
		ReportBody: report.Body,
		Signature: QlEcdsaSigData{
			Signature:             testSignature(1),
			AttestPublicKey:       testPublicKey(2),
			QEReport:              report.Body,
			QEReportSignature:     testSignature(3),
			AuthData:              make([]byte, 32),
			CertificationDataType: CertificationDataPCKCertChain,
			CertificationData:     []byte("-----BEGIN CERTIFICATE-----"),
		},
	}
	q.SignatureLength = uint32(len(q.Signature.Marshal()))
	return q
}

func TestParseQuote3(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	quote := testQuote3()
	raw := quote.Marshal()
	assert.Greater(len(raw), MinDCAPQuoteSize)

	parsed, err := ParseQuote3(raw)
	require.NoError(err)
	assert.Empty(cmp.Diff(quote, parsed))
	assert.Equal(raw[:432], parsed.SignedData())

	body, err := QuotedReportBody(raw)
	require.NoError(err)
	assert.Equal(quote.ReportBody, body)
}

func TestParseQuote3Errors(t *testing.T) {
	validQuote := testQuote3()
	valid := validQuote.Marshal()

	testCases := map[string]func([]byte) []byte{
		"too short": func(b []byte) []byte {
			return b[:MinDCAPQuoteSize]
		},
		"wrong key type": func(b []byte) []byte {
			binary.LittleEndian.PutUint16(b[2:4], 3)
			return b
		},
		"signature length mismatch": func(b []byte) []byte {
			binary.LittleEndian.PutUint32(b[432:436], 1)
			return b
		},
		"auth data overflows": func(b []byte) []byte {
			binary.LittleEndian.PutUint16(b[Quote3Size+QlEcdsaSigDataSize:], 0xFFFF)
			return b
		},
		"certification data size mismatch": func(b []byte) []byte {
			off := Quote3Size + QlEcdsaSigDataSize + QlAuthDataSize + 32 + 2
			binary.LittleEndian.PutUint32(b[off:], 1)
			return b
		},
	}

	for name, tamper := range testCases {
		t.Run(name, func(t *testing.T) {
			raw := tamper(append([]byte{}, valid...))
			_, err := ParseQuote3(raw)
			assert.ErrorIs(t, err, status.ErrInvalidParameter)
		})
	}
}

func TestParseEPIDQuote(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	report := testReport()
	quote := EPIDQuote{
		Version:     2,
		SignType:    uint16(QuoteTypeLinkable),
		EPIDGroupID: [4]byte{1, 2, 3, 4},
		QESVN:       8,
		ReportBody:  report.Body,
		Signature:   testQuote(100),
	}
	raw := quote.Marshal()
	assert.Len(raw, EPIDQuoteSize+100)

	parsed, err := ParseEPIDQuote(raw)
	require.NoError(err)
	assert.Equal(quote, parsed)
	assert.Equal(raw[:432], parsed.SignedData())

	_, err = ParseEPIDQuote(raw[:EPIDQuoteSize])
	assert.ErrorIs(err, status.ErrInvalidParameter)
	_, err = ParseEPIDQuote(raw[:len(raw)-1])
	assert.ErrorIs(err, status.ErrInvalidParameter)
}

func TestQuotedReportBodyTooShort(t *testing.T) {
	_, err := QuotedReportBody(make([]byte, 431))
	assert.ErrorIs(t, err, status.ErrInvalidParameter)
}
