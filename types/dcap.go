package types

import (
	"encoding/binary"

	"github.com/edgelesssys/go-sgx-ra/region"
	"github.com/edgelesssys/go-sgx-ra/status"
)

/*
	DCAP remote attestation messages.
	Based on:
	https://github.com/intel/SGXDataCenterAttestationPrimitives/blob/c057b236790834cf7e547ebf90da91c53c7ed7f9/QuoteVerification/dcap_tvl/sgx_dcap_tvl.h
*/

const (
	// DcapRaMsg1Size is the size of the DCAP msg1.
	DcapRaMsg1Size = PublicKeySize
	// DcapURaMsg2Size is the size of the unilateral DCAP msg2.
	DcapURaMsg2Size = PublicKeySize + 4 + SignatureSize + MacSize
	// DcapMRaMsg2HeaderSize is the size of the mutual DCAP msg2 without its quote.
	DcapMRaMsg2HeaderSize = MacSize + PublicKeySize + 4 + 4
	// DcapRaMsg3HeaderSize is the size of the DCAP msg3 without its quote.
	DcapRaMsg3HeaderSize = MacSize + PublicKeySize + 4
)

// DcapRaMsg1 is sent by the initiator to start a DCAP remote attestation.
type DcapRaMsg1 struct {
	PubKeyA PublicKey
}

// DcapURaMsg2 is the unilateral msg2: the responder is authenticated by its signing key instead of a quote.
type DcapURaMsg2 struct {
	PubKeyB  PublicKey
	KdfID    uint32
	SignGbGa Signature
	Mac      Mac
}

// DcapMRaMsg2 is the mutual msg2: the responder attests itself with a quote.
type DcapMRaMsg2 struct {
	Mac     Mac
	PubKeyB PublicKey
	KdfID   uint32
	Quote   []byte
}

// DcapRaMsg3 carries the initiator's quote.
type DcapRaMsg3 struct {
	Mac     Mac
	PubKeyA PublicKey
	Quote   []byte
}

// Size returns the size of the wire form.
func (m *DcapRaMsg1) Size() int { return DcapRaMsg1Size }

// Marshal serializes the message.
func (m *DcapRaMsg1) Marshal() ([]byte, error) {
	out := make([]byte, m.Size())
	if err := m.MarshalTo(out); err != nil {
		return nil, err
	}
	return out, nil
}

// MarshalTo serializes the message into dst, which must be exactly Size bytes long.
func (m *DcapRaMsg1) MarshalTo(dst []byte) error {
	if len(dst) != DcapRaMsg1Size {
		return errBufferSize(len(dst), DcapRaMsg1Size)
	}
	gA := m.PubKeyA.Wire()
	copy(dst, gA[:])
	return nil
}

// UnmarshalDcapRaMsg1 parses a DcapRaMsg1.
func UnmarshalDcapRaMsg1(b []byte) (DcapRaMsg1, error) {
	if len(b) != DcapRaMsg1Size {
		return DcapRaMsg1{}, errBufferSize(len(b), DcapRaMsg1Size)
	}
	return DcapRaMsg1{PubKeyA: PublicKeyFromWire([64]byte(b))}, nil
}

// Spans returns the memory backing the message.
func (m *DcapRaMsg1) Spans() []region.Span {
	if m == nil {
		return nil
	}
	return []region.Span{region.SpanOf(m)}
}

// Size returns the size of the wire form.
func (m *DcapURaMsg2) Size() int { return DcapURaMsg2Size }

// Marshal serializes the message.
func (m *DcapURaMsg2) Marshal() ([]byte, error) {
	out := make([]byte, m.Size())
	if err := m.MarshalTo(out); err != nil {
		return nil, err
	}
	return out, nil
}

// MarshalTo serializes the message into dst, which must be exactly Size bytes long.
func (m *DcapURaMsg2) MarshalTo(dst []byte) error {
	if len(dst) != DcapURaMsg2Size {
		return errBufferSize(len(dst), DcapURaMsg2Size)
	}
	gB := m.PubKeyB.Wire()
	sign := m.SignGbGa.Wire()
	copy(dst[0:64], gB[:])
	binary.LittleEndian.PutUint32(dst[64:68], m.KdfID)
	copy(dst[68:132], sign[:])
	copy(dst[132:148], m.Mac[:])
	return nil
}

// UnmarshalDcapURaMsg2 parses a DcapURaMsg2.
func UnmarshalDcapURaMsg2(b []byte) (DcapURaMsg2, error) {
	if len(b) != DcapURaMsg2Size {
		return DcapURaMsg2{}, errBufferSize(len(b), DcapURaMsg2Size)
	}
	return DcapURaMsg2{
		PubKeyB:  PublicKeyFromWire([64]byte(b[0:64])),
		KdfID:    binary.LittleEndian.Uint32(b[64:68]),
		SignGbGa: SignatureFromWire([64]byte(b[68:132])),
		Mac:      Mac(b[132:148]),
	}, nil
}

// Spans returns the memory backing the message.
func (m *DcapURaMsg2) Spans() []region.Span {
	if m == nil {
		return nil
	}
	return []region.Span{region.SpanOf(m)}
}

// Validate checks the size invariants of the quote.
func (m *DcapMRaMsg2) Validate() error {
	return CheckDCAPQuoteLen(len(m.Quote))
}

// Size returns the size of the wire form.
func (m *DcapMRaMsg2) Size() int { return DcapMRaMsg2HeaderSize + len(m.Quote) }

// Marshal serializes the message.
func (m *DcapMRaMsg2) Marshal() ([]byte, error) {
	out := make([]byte, m.Size())
	if err := m.MarshalTo(out); err != nil {
		return nil, err
	}
	return out, nil
}

// MarshalTo serializes the message into dst, which must be exactly Size bytes long.
func (m *DcapMRaMsg2) MarshalTo(dst []byte) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if len(dst) != m.Size() {
		return errBufferSize(len(dst), m.Size())
	}
	gB := m.PubKeyB.Wire()
	copy(dst[0:16], m.Mac[:])
	copy(dst[16:80], gB[:])
	binary.LittleEndian.PutUint32(dst[80:84], m.KdfID)
	binary.LittleEndian.PutUint32(dst[84:88], uint32(len(m.Quote)))
	copy(dst[88:], m.Quote)
	return nil
}

// UnmarshalDcapMRaMsg2 parses a DcapMRaMsg2. The quote is copied.
func UnmarshalDcapMRaMsg2(b []byte) (DcapMRaMsg2, error) {
	if len(b) < DcapMRaMsg2HeaderSize {
		return DcapMRaMsg2{}, status.Errorf(status.ErrInvalidParameter, "msg2 too short: %d bytes", len(b))
	}
	quoteSize := binary.LittleEndian.Uint32(b[84:88])
	if uint64(len(b)) != DcapMRaMsg2HeaderSize+uint64(quoteSize) {
		return DcapMRaMsg2{}, errTailSize("quote", quoteSize, len(b)-DcapMRaMsg2HeaderSize)
	}
	m := DcapMRaMsg2{
		Mac:     Mac(b[0:16]),
		PubKeyB: PublicKeyFromWire([64]byte(b[16:80])),
		KdfID:   binary.LittleEndian.Uint32(b[80:84]),
		Quote:   cloneTail(b[88:]),
	}
	if err := m.Validate(); err != nil {
		return DcapMRaMsg2{}, err
	}
	return m, nil
}

// Clone returns a deep copy of the message.
func (m *DcapMRaMsg2) Clone() *DcapMRaMsg2 {
	c := *m
	c.Quote = cloneTail(m.Quote)
	return &c
}

// Spans returns the memory backing the message.
func (m *DcapMRaMsg2) Spans() []region.Span {
	if m == nil {
		return nil
	}
	return []region.Span{region.SpanOf(m), region.SpanOfBytes(m.Quote)}
}

// Validate checks the size invariants of the quote.
func (m *DcapRaMsg3) Validate() error {
	return checkQuoteLen(len(m.Quote), MinDCAPQuoteSize, DcapRaMsg3HeaderSize)
}

// Size returns the size of the wire form.
func (m *DcapRaMsg3) Size() int { return DcapRaMsg3HeaderSize + len(m.Quote) }

// Marshal serializes the message.
func (m *DcapRaMsg3) Marshal() ([]byte, error) {
	out := make([]byte, m.Size())
	if err := m.MarshalTo(out); err != nil {
		return nil, err
	}
	return out, nil
}

// MarshalTo serializes the message into dst, which must be exactly Size bytes long.
func (m *DcapRaMsg3) MarshalTo(dst []byte) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if len(dst) != m.Size() {
		return errBufferSize(len(dst), m.Size())
	}
	gA := m.PubKeyA.Wire()
	copy(dst[0:16], m.Mac[:])
	copy(dst[16:80], gA[:])
	binary.LittleEndian.PutUint32(dst[80:84], uint32(len(m.Quote)))
	copy(dst[84:], m.Quote)
	return nil
}

// UnmarshalDcapRaMsg3 parses a DcapRaMsg3. The quote is copied.
func UnmarshalDcapRaMsg3(b []byte) (DcapRaMsg3, error) {
	if len(b) < DcapRaMsg3HeaderSize {
		return DcapRaMsg3{}, status.Errorf(status.ErrInvalidParameter, "msg3 too short: %d bytes", len(b))
	}
	quoteSize := binary.LittleEndian.Uint32(b[80:84])
	if uint64(len(b)) != DcapRaMsg3HeaderSize+uint64(quoteSize) {
		return DcapRaMsg3{}, errTailSize("quote", quoteSize, len(b)-DcapRaMsg3HeaderSize)
	}
	m := DcapRaMsg3{
		Mac:     Mac(b[0:16]),
		PubKeyA: PublicKeyFromWire([64]byte(b[16:80])),
		Quote:   cloneTail(b[84:]),
	}
	if err := m.Validate(); err != nil {
		return DcapRaMsg3{}, err
	}
	return m, nil
}

// Clone returns a deep copy of the message.
func (m *DcapRaMsg3) Clone() *DcapRaMsg3 {
	c := *m
	c.Quote = cloneTail(m.Quote)
	return &c
}

// Spans returns the memory backing the message.
func (m *DcapRaMsg3) Spans() []region.Span {
	if m == nil {
		return nil
	}
	return []region.Span{region.SpanOf(m), region.SpanOfBytes(m.Quote)}
}
