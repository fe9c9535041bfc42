package types

import (
	"encoding/binary"
	"math"

	"github.com/edgelesssys/go-sgx-ra/region"
	"github.com/edgelesssys/go-sgx-ra/status"
)

/*
	Local attestation (LA) Diffie-Hellman messages.
	Based on:
	https://github.com/intel/linux-sgx/blob/26c458905b72e66db7ac1feae04b43461ce1b76f/common/inc/sgx_dh.h
*/

const (
	// DhMsg1Size is the size of sgx_dh_msg1_t.
	DhMsg1Size = PublicKeySize + TargetInfoSize
	// DhMsg2Size is the size of sgx_dh_msg2_t.
	DhMsg2Size = PublicKeySize + ReportSize + MacSize
	// DhMsg3HeaderSize is the size of sgx_dh_msg3_t without its additional properties.
	DhMsg3HeaderSize = MacSize + ReportSize + 4
)

// DhMsg1 carries the sender's public key and the target info its peer must create a report for.
type DhMsg1 struct {
	PubKeyA PublicKey
	Target  TargetInfo
}

// DhMsg2 carries the peer's public key and a report binding it.
type DhMsg2 struct {
	PubKeyB PublicKey
	Report  Report
	Cmac    Mac
}

// DhMsg3 closes the exchange with a report binding both public keys.
type DhMsg3 struct {
	Cmac    Mac
	Report  Report
	AddProp []byte
}

// Size returns the size of the wire form.
func (m *DhMsg1) Size() int { return DhMsg1Size }

// Marshal serializes the message.
func (m *DhMsg1) Marshal() ([]byte, error) {
	out := make([]byte, m.Size())
	if err := m.MarshalTo(out); err != nil {
		return nil, err
	}
	return out, nil
}

// MarshalTo serializes the message into dst, which must be exactly Size bytes long.
func (m *DhMsg1) MarshalTo(dst []byte) error {
	if len(dst) != DhMsg1Size {
		return errBufferSize(len(dst), DhMsg1Size)
	}
	gA := m.PubKeyA.Wire()
	target := m.Target.Marshal()
	copy(dst[0:64], gA[:])
	copy(dst[64:576], target[:])
	return nil
}

// UnmarshalDhMsg1 parses a DhMsg1.
func UnmarshalDhMsg1(b []byte) (DhMsg1, error) {
	if len(b) != DhMsg1Size {
		return DhMsg1{}, errBufferSize(len(b), DhMsg1Size)
	}
	target, err := UnmarshalTargetInfo(b[64:576])
	if err != nil {
		return DhMsg1{}, err
	}
	return DhMsg1{
		PubKeyA: PublicKeyFromWire([64]byte(b[0:64])),
		Target:  target,
	}, nil
}

// Spans returns the memory backing the message.
func (m *DhMsg1) Spans() []region.Span {
	if m == nil {
		return nil
	}
	return []region.Span{region.SpanOf(m)}
}

// Size returns the size of the wire form.
func (m *DhMsg2) Size() int { return DhMsg2Size }

// Marshal serializes the message.
func (m *DhMsg2) Marshal() ([]byte, error) {
	out := make([]byte, m.Size())
	if err := m.MarshalTo(out); err != nil {
		return nil, err
	}
	return out, nil
}

// MarshalTo serializes the message into dst, which must be exactly Size bytes long.
func (m *DhMsg2) MarshalTo(dst []byte) error {
	if len(dst) != DhMsg2Size {
		return errBufferSize(len(dst), DhMsg2Size)
	}
	gB := m.PubKeyB.Wire()
	report := m.Report.Marshal()
	copy(dst[0:64], gB[:])
	copy(dst[64:496], report[:])
	copy(dst[496:512], m.Cmac[:])
	return nil
}

// UnmarshalDhMsg2 parses a DhMsg2.
func UnmarshalDhMsg2(b []byte) (DhMsg2, error) {
	if len(b) != DhMsg2Size {
		return DhMsg2{}, errBufferSize(len(b), DhMsg2Size)
	}
	report, err := UnmarshalReport(b[64:496])
	if err != nil {
		return DhMsg2{}, err
	}
	return DhMsg2{
		PubKeyB: PublicKeyFromWire([64]byte(b[0:64])),
		Report:  report,
		Cmac:    Mac(b[496:512]),
	}, nil
}

// Spans returns the memory backing the message.
func (m *DhMsg2) Spans() []region.Span {
	if m == nil {
		return nil
	}
	return []region.Span{region.SpanOf(m)}
}

// Validate checks the size invariants of the additional properties.
func (m *DhMsg3) Validate() error {
	if uint64(len(m.AddProp)) > math.MaxUint32-DhMsg3HeaderSize {
		return status.Errorf(status.ErrInvalidParameter, "additional properties too large: %d bytes", len(m.AddProp))
	}
	return nil
}

// Size returns the size of the wire form.
func (m *DhMsg3) Size() int { return DhMsg3HeaderSize + len(m.AddProp) }

// Marshal serializes the message.
func (m *DhMsg3) Marshal() ([]byte, error) {
	out := make([]byte, m.Size())
	if err := m.MarshalTo(out); err != nil {
		return nil, err
	}
	return out, nil
}

// MarshalTo serializes the message into dst, which must be exactly Size bytes long.
func (m *DhMsg3) MarshalTo(dst []byte) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if len(dst) != m.Size() {
		return errBufferSize(len(dst), m.Size())
	}
	report := m.Report.Marshal()
	copy(dst[0:16], m.Cmac[:])
	copy(dst[16:448], report[:])
	binary.LittleEndian.PutUint32(dst[448:452], uint32(len(m.AddProp)))
	copy(dst[452:], m.AddProp)
	return nil
}

// UnmarshalDhMsg3 parses a DhMsg3. The additional properties are copied.
func UnmarshalDhMsg3(b []byte) (DhMsg3, error) {
	if len(b) < DhMsg3HeaderSize {
		return DhMsg3{}, status.Errorf(status.ErrInvalidParameter, "msg3 too short: %d bytes", len(b))
	}
	addPropLen := binary.LittleEndian.Uint32(b[448:452])
	if uint64(len(b)) != DhMsg3HeaderSize+uint64(addPropLen) {
		return DhMsg3{}, errTailSize("additional properties", addPropLen, len(b)-DhMsg3HeaderSize)
	}
	report, err := UnmarshalReport(b[16:448])
	if err != nil {
		return DhMsg3{}, err
	}
	m := DhMsg3{
		Cmac:    Mac(b[0:16]),
		Report:  report,
		AddProp: cloneTail(b[452:]),
	}
	if err := m.Validate(); err != nil {
		return DhMsg3{}, err
	}
	return m, nil
}

// Clone returns a deep copy of the message.
func (m *DhMsg3) Clone() *DhMsg3 {
	c := *m
	c.AddProp = cloneTail(m.AddProp)
	return &c
}

// Spans returns the memory backing the message.
func (m *DhMsg3) Spans() []region.Span {
	if m == nil {
		return nil
	}
	return []region.Span{region.SpanOf(m), region.SpanOfBytes(m.AddProp)}
}
