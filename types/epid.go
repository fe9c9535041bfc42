package types

import (
	"encoding/binary"
	"math"

	"github.com/edgelesssys/go-sgx-ra/region"
	"github.com/edgelesssys/go-sgx-ra/status"
)

/*
	EPID remote attestation messages.
	Based on:
	https://github.com/intel/linux-sgx/blob/26c458905b72e66db7ac1feae04b43461ce1b76f/common/inc/sgx_key_exchange.h
*/

const (
	// RaMsg1Size is the size of sgx_ra_msg1_t.
	RaMsg1Size = PublicKeySize + 4
	// RaMsg2HeaderSize is the size of sgx_ra_msg2_t without its SigRL.
	RaMsg2HeaderSize = PublicKeySize + 16 + 2 + 2 + SignatureSize + MacSize + 4
	// RaMsg3HeaderSize is the size of sgx_ra_msg3_t without its quote.
	RaMsg3HeaderSize = MacSize + PublicKeySize + PsSecPropDescSize
	// PsSecPropDescSize is the size of the platform service security property descriptor.
	PsSecPropDescSize = 256
)

// QuoteType is the EPID signature type requested by the service provider.
type QuoteType uint16

const (
	// QuoteTypeUnlinkable requests unlinkable EPID signatures.
	QuoteTypeUnlinkable QuoteType = 0
	// QuoteTypeLinkable requests linkable EPID signatures.
	QuoteTypeLinkable QuoteType = 1
)

// String returns the name of the quote type.
func (q QuoteType) String() string {
	switch q {
	case QuoteTypeUnlinkable:
		return "unlinkable"
	case QuoteTypeLinkable:
		return "linkable"
	default:
		return "unknown"
	}
}

// GID is an EPID group id.
type GID [4]byte

// SPID is a service provider id.
type SPID [16]byte

// PsSecPropDesc is the platform service security property descriptor.
type PsSecPropDesc [PsSecPropDescSize]byte

// QuoteNonce is the nonce a quoting enclave mixes into the hash bound by its report.
type QuoteNonce [16]byte

// RaMsg1 is sent by the enclave to start a remote attestation.
type RaMsg1 struct {
	PubKeyA PublicKey
	GID     GID
}

// RaMsg2 is the service provider's answer to RaMsg1.
type RaMsg2 struct {
	PubKeyB   PublicKey
	SPID      SPID
	QuoteType QuoteType
	KdfID     uint16
	SignGbGa  Signature
	Mac       Mac
	SigRL     []byte
}

// RaMsg3 carries the enclave's quote to the service provider.
type RaMsg3 struct {
	Mac       Mac
	PubKeyA   PublicKey
	PsSecProp PsSecPropDesc
	Quote     []byte
}

// Size returns the size of the wire form.
func (m *RaMsg1) Size() int { return RaMsg1Size }

// Marshal serializes the message.
func (m *RaMsg1) Marshal() ([]byte, error) {
	out := make([]byte, m.Size())
	if err := m.MarshalTo(out); err != nil {
		return nil, err
	}
	return out, nil
}

// MarshalTo serializes the message into dst, which must be exactly Size bytes long.
func (m *RaMsg1) MarshalTo(dst []byte) error {
	if len(dst) != RaMsg1Size {
		return errBufferSize(len(dst), RaMsg1Size)
	}
	gA := m.PubKeyA.Wire()
	copy(dst[0:64], gA[:])
	copy(dst[64:68], m.GID[:])
	return nil
}

// UnmarshalRaMsg1 parses an RaMsg1.
func UnmarshalRaMsg1(b []byte) (RaMsg1, error) {
	if len(b) != RaMsg1Size {
		return RaMsg1{}, errBufferSize(len(b), RaMsg1Size)
	}
	return RaMsg1{
		PubKeyA: PublicKeyFromWire([64]byte(b[0:64])),
		GID:     GID(b[64:68]),
	}, nil
}

// Spans returns the memory backing the message.
func (m *RaMsg1) Spans() []region.Span {
	if m == nil {
		return nil
	}
	return []region.Span{region.SpanOf(m)}
}

// Validate checks the size invariants of the SigRL.
func (m *RaMsg2) Validate() error {
	if m.QuoteType != QuoteTypeUnlinkable && m.QuoteType != QuoteTypeLinkable {
		return status.Errorf(status.ErrInvalidParameter, "invalid quote type %d", m.QuoteType)
	}
	if uint64(len(m.SigRL)) > math.MaxUint32-RaMsg2HeaderSize {
		return status.Errorf(status.ErrInvalidParameter, "SigRL too large: %d bytes", len(m.SigRL))
	}
	return nil
}

// Size returns the size of the wire form.
func (m *RaMsg2) Size() int { return RaMsg2HeaderSize + len(m.SigRL) }

// Marshal serializes the message.
func (m *RaMsg2) Marshal() ([]byte, error) {
	out := make([]byte, m.Size())
	if err := m.MarshalTo(out); err != nil {
		return nil, err
	}
	return out, nil
}

// MarshalTo serializes the message into dst, which must be exactly Size bytes long.
func (m *RaMsg2) MarshalTo(dst []byte) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if len(dst) != m.Size() {
		return errBufferSize(len(dst), m.Size())
	}
	gB := m.PubKeyB.Wire()
	sign := m.SignGbGa.Wire()
	copy(dst[0:64], gB[:])
	copy(dst[64:80], m.SPID[:])
	binary.LittleEndian.PutUint16(dst[80:82], uint16(m.QuoteType))
	binary.LittleEndian.PutUint16(dst[82:84], m.KdfID)
	copy(dst[84:148], sign[:])
	copy(dst[148:164], m.Mac[:])
	binary.LittleEndian.PutUint32(dst[164:168], uint32(len(m.SigRL)))
	copy(dst[168:], m.SigRL)
	return nil
}

// UnmarshalRaMsg2 parses an RaMsg2. The SigRL is copied.
func UnmarshalRaMsg2(b []byte) (RaMsg2, error) {
	if len(b) < RaMsg2HeaderSize {
		return RaMsg2{}, status.Errorf(status.ErrInvalidParameter, "msg2 too short: %d bytes", len(b))
	}
	sigRLSize := binary.LittleEndian.Uint32(b[164:168])
	if uint64(len(b)) != RaMsg2HeaderSize+uint64(sigRLSize) {
		return RaMsg2{}, errTailSize("SigRL", sigRLSize, len(b)-RaMsg2HeaderSize)
	}

	m := RaMsg2{
		PubKeyB:   PublicKeyFromWire([64]byte(b[0:64])),
		SPID:      SPID(b[64:80]),
		QuoteType: QuoteType(binary.LittleEndian.Uint16(b[80:82])),
		KdfID:     binary.LittleEndian.Uint16(b[82:84]),
		SignGbGa:  SignatureFromWire([64]byte(b[84:148])),
		Mac:       Mac(b[148:164]),
		SigRL:     cloneTail(b[168:]),
	}
	if err := m.Validate(); err != nil {
		return RaMsg2{}, err
	}
	return m, nil
}

// Clone returns a deep copy of the message.
func (m *RaMsg2) Clone() *RaMsg2 {
	c := *m
	c.SigRL = cloneTail(m.SigRL)
	return &c
}

// Spans returns the memory backing the message.
func (m *RaMsg2) Spans() []region.Span {
	if m == nil {
		return nil
	}
	return []region.Span{region.SpanOf(m), region.SpanOfBytes(m.SigRL)}
}

// Validate checks the size invariants of the quote.
func (m *RaMsg3) Validate() error {
	return CheckEPIDQuoteLen(len(m.Quote))
}

// Size returns the size of the wire form.
func (m *RaMsg3) Size() int { return RaMsg3HeaderSize + len(m.Quote) }

// Marshal serializes the message.
func (m *RaMsg3) Marshal() ([]byte, error) {
	out := make([]byte, m.Size())
	if err := m.MarshalTo(out); err != nil {
		return nil, err
	}
	return out, nil
}

// MarshalTo serializes the message into dst, which must be exactly Size bytes long.
func (m *RaMsg3) MarshalTo(dst []byte) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if len(dst) != m.Size() {
		return errBufferSize(len(dst), m.Size())
	}
	gA := m.PubKeyA.Wire()
	copy(dst[0:16], m.Mac[:])
	copy(dst[16:80], gA[:])
	copy(dst[80:336], m.PsSecProp[:])
	copy(dst[336:], m.Quote)
	return nil
}

// UnmarshalRaMsg3 parses an RaMsg3. The quote runs to the end of b and is copied.
func UnmarshalRaMsg3(b []byte) (RaMsg3, error) {
	if len(b) < RaMsg3HeaderSize {
		return RaMsg3{}, status.Errorf(status.ErrInvalidParameter, "msg3 too short: %d bytes", len(b))
	}
	m := RaMsg3{
		Mac:       Mac(b[0:16]),
		PubKeyA:   PublicKeyFromWire([64]byte(b[16:80])),
		PsSecProp: PsSecPropDesc(b[80:336]),
		Quote:     cloneTail(b[336:]),
	}
	if err := m.Validate(); err != nil {
		return RaMsg3{}, err
	}
	return m, nil
}

// Clone returns a deep copy of the message.
func (m *RaMsg3) Clone() *RaMsg3 {
	c := *m
	c.Quote = cloneTail(m.Quote)
	return &c
}

// Spans returns the memory backing the message.
func (m *RaMsg3) Spans() []region.Span {
	if m == nil {
		return nil
	}
	return []region.Span{region.SpanOf(m), region.SpanOfBytes(m.Quote)}
}
