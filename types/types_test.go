package types

import (
	"bytes"
	"encoding/binary"
	"testing"

	fuzzheaders "github.com/AdaLogics/go-fuzz-headers"
	"github.com/edgelesssys/go-sgx-ra/status"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPublicKey(seed byte) PublicKey {
	var k PublicKey
	for i := range k.X {
		k.X[i] = seed + byte(i)
		k.Y[i] = seed ^ byte(i)
	}
	return k
}

func testSignature(seed byte) Signature {
	var s Signature
	for i := range s.R {
		s.R[i] = seed * byte(i)
		s.S[i] = seed + 2*byte(i)
	}
	return s
}

func testReport() Report {
	r := Report{}
	r.Body.MREnclave[0] = 0xAA
	r.Body.MRSigner[31] = 0xBB
	r.Body.ISVProdID = 3
	r.Body.ISVSVN = 7
	r.Body.ConfigSVN = 9
	r.Body.MiscSelect = 0x01020304
	r.Body.Attributes = Attributes{Flags: 0x7, Xfrm: 0x3}
	r.Body.ReportData[63] = 0x42
	r.KeyID[5] = 0x55
	r.Mac[15] = 0x66
	return r
}

func testQuote(size int) []byte {
	quote := make([]byte, size)
	for i := range quote {
		quote[i] = byte(i)
	}
	return quote
}

func TestSizes(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(68, RaMsg1Size)
	assert.Equal(168, RaMsg2HeaderSize)
	assert.Equal(336, RaMsg3HeaderSize)
	assert.Equal(64, DcapRaMsg1Size)
	assert.Equal(148, DcapURaMsg2Size)
	assert.Equal(88, DcapMRaMsg2HeaderSize)
	assert.Equal(84, DcapRaMsg3HeaderSize)
	assert.Equal(432, ReportSize)
	assert.Equal(576, DhMsg1Size)
	assert.Equal(512, DhMsg2Size)
	assert.Equal(452, DhMsg3HeaderSize)
	assert.Equal(436, MinEPIDQuoteSize)
	assert.Equal(1020, MinDCAPQuoteSize)
	assert.Equal(64, LAv2ProtoSpecSize)
}

func TestPublicKeyWire(t *testing.T) {
	assert := assert.New(t)

	key := testPublicKey(1)
	wire := key.Wire()
	assert.Equal(key.X[31], wire[0])
	assert.Equal(key.X[0], wire[31])
	assert.Equal(key.Y[31], wire[32])
	assert.Equal(key, PublicKeyFromWire(wire))

	var raw [64]byte
	for i := range raw {
		raw[i] = byte(3 * i)
	}
	assert.Equal(raw, PublicKeyFromWire(raw).Wire())
}

func TestSignatureWire(t *testing.T) {
	assert := assert.New(t)

	sig := testSignature(5)
	wire := sig.Wire()
	assert.Equal(sig.R[31], wire[0])
	assert.Equal(sig.S[0], wire[63])
	assert.Equal(sig, SignatureFromWire(wire))
}

func TestReportRoundTrip(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	report := testReport()
	raw := report.Marshal()
	assert.Equal(byte(0xAA), raw[64])
	assert.Equal(byte(0xBB), raw[159])
	assert.Equal([]byte{3, 0, 7, 0, 9, 0}, raw[256:262])
	assert.Equal(byte(0x42), raw[383])

	parsed, err := UnmarshalReport(raw[:])
	require.NoError(err)
	assert.Equal(report, parsed)

	_, err = UnmarshalReport(raw[:431])
	assert.ErrorIs(err, status.ErrInvalidParameter)
}

func TestTargetInfo(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	report := testReport()
	target := TargetInfoFromReport(&report.Body)
	assert.Equal(report.Body.MREnclave, target.MREnclave)
	assert.Equal(report.Body.Attributes, target.Attributes)
	assert.Equal(report.Body.MiscSelect, target.MiscSelect)

	raw := target.Marshal()
	assert.Equal([]byte{9, 0}, raw[50:52])
	assert.Equal([]byte{4, 3, 2, 1}, raw[52:56])
	parsed, err := UnmarshalTargetInfo(raw[:])
	require.NoError(err)
	assert.Equal(target, parsed)
}

func TestIdentity(t *testing.T) {
	assert := assert.New(t)

	report := testReport()
	id := report.Body.Identity()
	assert.Equal(report.Body.MREnclave, id.MREnclave)
	assert.Equal(report.Body.MRSigner, id.MRSigner)
	assert.Equal(uint16(7), id.ISVSVN)
	assert.Equal(uint16(3), id.ISVProdID)
}

func TestLAv2ProtoSpec(t *testing.T) {
	assert := assert.New(t)

	rd := DefaultLAv2ProtoSpec.ToReportData()
	assert.Equal([]byte("SGX LA"), rd[0:6])
	assert.Equal(byte(2), rd[6])
	assert.Equal(byte(0), rd[7])
	assert.Equal([]byte{0x00, 0x06, 0x05, 0x04}, rd[8:12])
	assert.Equal(DefaultLAv2ProtoSpec, LAv2ProtoSpecFromReportData(rd))
	assert.NoError(DefaultLAv2ProtoSpec.Check())

	// every byte of report data survives the aliasing
	var arbitrary ReportData
	for i := range arbitrary {
		arbitrary[i] = byte(251 - i)
	}
	assert.Equal(arbitrary, LAv2ProtoSpecFromReportData(arbitrary).ToReportData())

	wrongSig := DefaultLAv2ProtoSpec
	wrongSig.Signature[0] = 'X'
	assert.ErrorIs(wrongSig.Check(), status.ErrUnexpected)
	wrongRev := DefaultLAv2ProtoSpec
	wrongRev.Rev = 1
	assert.ErrorIs(wrongRev.Check(), status.ErrUnexpected)
}

type message interface {
	Marshal() ([]byte, error)
	Size() int
}

func TestMessageRoundTrip(t *testing.T) {
	report := testReport()
	target := TargetInfoFromReport(&report.Body)

	testCases := map[string]struct {
		msg       message
		unmarshal func([]byte) (any, error)
	}{
		"RaMsg1": {
			msg:       &RaMsg1{PubKeyA: testPublicKey(1), GID: GID{0x0A, 0x0B, 0x0C, 0x0D}},
			unmarshal: func(b []byte) (any, error) { m, err := UnmarshalRaMsg1(b); return &m, err },
		},
		"RaMsg2 without SigRL": {
			msg: &RaMsg2{
				PubKeyB: testPublicKey(2), SPID: SPID{1, 2, 3}, QuoteType: QuoteTypeLinkable,
				KdfID: 1, SignGbGa: testSignature(3), Mac: Mac{9},
			},
			unmarshal: func(b []byte) (any, error) { m, err := UnmarshalRaMsg2(b); return &m, err },
		},
		"RaMsg2 with SigRL": {
			msg: &RaMsg2{
				PubKeyB: testPublicKey(2), QuoteType: QuoteTypeUnlinkable,
				KdfID: 1, SignGbGa: testSignature(3), SigRL: []byte{1, 2, 3, 4, 5},
			},
			unmarshal: func(b []byte) (any, error) { m, err := UnmarshalRaMsg2(b); return &m, err },
		},
		"RaMsg3": {
			msg:       &RaMsg3{Mac: Mac{1}, PubKeyA: testPublicKey(4), PsSecProp: PsSecPropDesc{7}, Quote: testQuote(1024)},
			unmarshal: func(b []byte) (any, error) { m, err := UnmarshalRaMsg3(b); return &m, err },
		},
		"DcapRaMsg1": {
			msg:       &DcapRaMsg1{PubKeyA: testPublicKey(5)},
			unmarshal: func(b []byte) (any, error) { m, err := UnmarshalDcapRaMsg1(b); return &m, err },
		},
		"DcapURaMsg2": {
			msg:       &DcapURaMsg2{PubKeyB: testPublicKey(6), KdfID: 1, SignGbGa: testSignature(7), Mac: Mac{3}},
			unmarshal: func(b []byte) (any, error) { m, err := UnmarshalDcapURaMsg2(b); return &m, err },
		},
		"DcapMRaMsg2": {
			msg:       &DcapMRaMsg2{Mac: Mac{4}, PubKeyB: testPublicKey(8), KdfID: 1, Quote: testQuote(1100)},
			unmarshal: func(b []byte) (any, error) { m, err := UnmarshalDcapMRaMsg2(b); return &m, err },
		},
		"DcapRaMsg3": {
			msg:       &DcapRaMsg3{Mac: Mac{5}, PubKeyA: testPublicKey(9), Quote: testQuote(1021)},
			unmarshal: func(b []byte) (any, error) { m, err := UnmarshalDcapRaMsg3(b); return &m, err },
		},
		"DhMsg1": {
			msg:       &DhMsg1{PubKeyA: testPublicKey(10), Target: target},
			unmarshal: func(b []byte) (any, error) { m, err := UnmarshalDhMsg1(b); return &m, err },
		},
		"DhMsg2": {
			msg:       &DhMsg2{PubKeyB: testPublicKey(11), Report: report, Cmac: Mac{6}},
			unmarshal: func(b []byte) (any, error) { m, err := UnmarshalDhMsg2(b); return &m, err },
		},
		"DhMsg3 without properties": {
			msg:       &DhMsg3{Cmac: Mac{7}, Report: report},
			unmarshal: func(b []byte) (any, error) { m, err := UnmarshalDhMsg3(b); return &m, err },
		},
		"DhMsg3 with properties": {
			msg:       &DhMsg3{Cmac: Mac{7}, Report: report, AddProp: []byte("properties")},
			unmarshal: func(b []byte) (any, error) { m, err := UnmarshalDhMsg3(b); return &m, err },
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			raw, err := tc.msg.Marshal()
			require.NoError(err)
			assert.Len(raw, tc.msg.Size())

			parsed, err := tc.unmarshal(raw)
			require.NoError(err)
			assert.Empty(cmp.Diff(tc.msg, parsed))

			// wire -> typed -> wire is the identity as well
			again, err := parsed.(message).Marshal()
			require.NoError(err)
			assert.Equal(raw, again)

			_, err = tc.unmarshal(append(raw, 0))
			assert.ErrorIs(err, status.ErrInvalidParameter)
			_, err = tc.unmarshal(raw[:len(raw)-1])
			assert.ErrorIs(err, status.ErrInvalidParameter)
		})
	}
}

func TestLengthFieldConsistency(t *testing.T) {
	testCases := map[string]struct {
		raw       func() []byte
		offset    int
		unmarshal func([]byte) error
	}{
		"RaMsg2 sig_rl_size": {
			raw: func() []byte {
				m := &RaMsg2{QuoteType: QuoteTypeLinkable, SigRL: []byte{1, 2, 3}}
				b, _ := m.Marshal()
				return b
			},
			offset:    164,
			unmarshal: func(b []byte) error { _, err := UnmarshalRaMsg2(b); return err },
		},
		"DcapMRaMsg2 quote_size": {
			raw: func() []byte {
				m := &DcapMRaMsg2{Quote: testQuote(1100)}
				b, _ := m.Marshal()
				return b
			},
			offset:    84,
			unmarshal: func(b []byte) error { _, err := UnmarshalDcapMRaMsg2(b); return err },
		},
		"DcapRaMsg3 quote_size": {
			raw: func() []byte {
				m := &DcapRaMsg3{Quote: testQuote(1100)}
				b, _ := m.Marshal()
				return b
			},
			offset:    80,
			unmarshal: func(b []byte) error { _, err := UnmarshalDcapRaMsg3(b); return err },
		},
		"DhMsg3 add_prop_len": {
			raw: func() []byte {
				m := &DhMsg3{AddProp: []byte{1, 2}}
				b, _ := m.Marshal()
				return b
			},
			offset:    448,
			unmarshal: func(b []byte) error { _, err := UnmarshalDhMsg3(b); return err },
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			raw := tc.raw()
			tailLen := binary.LittleEndian.Uint32(raw[tc.offset : tc.offset+4])
			assert.NotZero(tailLen)
			assert.NoError(tc.unmarshal(raw))

			for _, tampered := range []uint32{tailLen - 1, tailLen + 1, 0, 0xFFFFFFFF} {
				b := bytes.Clone(raw)
				binary.LittleEndian.PutUint32(b[tc.offset:tc.offset+4], tampered)
				assert.ErrorIs(tc.unmarshal(b), status.ErrInvalidParameter)
			}
		})
	}
}

func TestQuoteSizeInvariants(t *testing.T) {
	testCases := map[string]struct {
		msg     message
		wantErr bool
	}{
		"EPID quote at minimum": {
			msg:     &RaMsg3{Quote: testQuote(MinEPIDQuoteSize)},
			wantErr: true,
		},
		"EPID quote one above minimum": {
			msg: &RaMsg3{Quote: testQuote(MinEPIDQuoteSize + 1)},
		},
		"empty EPID quote": {
			msg:     &RaMsg3{},
			wantErr: true,
		},
		"DCAP msg2 quote at minimum": {
			msg:     &DcapMRaMsg2{Quote: testQuote(MinDCAPQuoteSize)},
			wantErr: true,
		},
		"DCAP msg2 quote one above minimum": {
			msg: &DcapMRaMsg2{Quote: testQuote(MinDCAPQuoteSize + 1)},
		},
		"DCAP msg3 quote at minimum": {
			msg:     &DcapRaMsg3{Quote: testQuote(MinDCAPQuoteSize)},
			wantErr: true,
		},
		"invalid quote type": {
			msg:     &RaMsg2{QuoteType: 2},
			wantErr: true,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			_, err := tc.msg.Marshal()
			if tc.wantErr {
				assert.ErrorIs(err, status.ErrInvalidParameter)
			} else {
				assert.NoError(err)
			}
		})
	}
}

func TestMarshalTo(t *testing.T) {
	assert := assert.New(t)

	m := &DhMsg3{AddProp: []byte{1, 2, 3}}
	assert.ErrorIs(m.MarshalTo(make([]byte, m.Size()-1)), status.ErrInvalidParameter)
	assert.ErrorIs(m.MarshalTo(make([]byte, m.Size()+1)), status.ErrInvalidParameter)

	buf := make([]byte, m.Size())
	assert.NoError(m.MarshalTo(buf))
	assert.Equal([]byte{3, 0, 0, 0, 1, 2, 3}, buf[448:])

	// a failed Marshal returns no partial buffer
	out, err := (&RaMsg2{QuoteType: 7}).Marshal()
	assert.ErrorIs(err, status.ErrInvalidParameter)
	assert.Nil(out)
}

func TestClone(t *testing.T) {
	assert := assert.New(t)

	m := &RaMsg3{Quote: testQuote(500)}
	c := m.Clone()
	assert.Equal(m, c)
	c.Quote[0] = 0xFF
	assert.NotEqual(m.Quote[0], c.Quote[0])
}

func FuzzMessageRoundTrip(f *testing.F) {
	f.Add([]byte("seed"))
	f.Fuzz(func(t *testing.T, a []byte) {
		assert := assert.New(t)
		opts := cmpopts.EquateEmpty()

		var msg2 RaMsg2
		if err := fuzzheaders.NewConsumer(a).GenerateStruct(&msg2); err == nil {
			if raw, err := msg2.Marshal(); err == nil {
				parsed, err := UnmarshalRaMsg2(raw)
				assert.NoError(err)
				assert.Empty(cmp.Diff(msg2, parsed, opts))
			}
		}

		var msg3 DhMsg3
		if err := fuzzheaders.NewConsumer(a).GenerateStruct(&msg3); err == nil {
			if raw, err := msg3.Marshal(); err == nil {
				parsed, err := UnmarshalDhMsg3(raw)
				assert.NoError(err)
				assert.Empty(cmp.Diff(msg3, parsed, opts))
			}
		}
	})
}

func FuzzUnmarshal(f *testing.F) {
	f.Add(make([]byte, RaMsg2HeaderSize))
	f.Add(make([]byte, DhMsg3HeaderSize))
	f.Fuzz(func(t *testing.T, a []byte) {
		assert := assert.New(t)
		assert.NotPanics(func() {
			_, _ = UnmarshalRaMsg1(a)
			_, _ = UnmarshalRaMsg2(a)
			_, _ = UnmarshalRaMsg3(a)
			_, _ = UnmarshalDcapRaMsg1(a)
			_, _ = UnmarshalDcapURaMsg2(a)
			_, _ = UnmarshalDcapMRaMsg2(a)
			_, _ = UnmarshalDcapRaMsg3(a)
			_, _ = UnmarshalDhMsg1(a)
			_, _ = UnmarshalDhMsg2(a)
			_, _ = UnmarshalDhMsg3(a)
			_, _ = ParseQuote3(a)
			_, _ = ParseEPIDQuote(a)
		})
	})
}
