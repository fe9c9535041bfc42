package types

import (
	"encoding/binary"

	"github.com/edgelesssys/go-sgx-ra/status"
)

// LAv2ProtoSpecSize is the size of the LAv2 protocol descriptor. It aliases the report data of a report.
const LAv2ProtoSpecSize = ReportDataSize

// lav2Signature is the ASCII marker "SGX LA" at the start of an LAv2 protocol descriptor.
var lav2Signature = [6]byte{0x53, 0x47, 0x58, 0x20, 0x4c, 0x41}

// LAv2ProtoSpec is the in-band protocol descriptor of local attestation v2.
// It is carried in place of the report data of the responder's report.
type LAv2ProtoSpec struct {
	Signature [6]byte
	Ver       uint8
	Rev       uint8
	// TargetSpec describes which report body fields participate in the session key binding.
	TargetSpec [28]uint16
}

// DefaultLAv2ProtoSpec is the descriptor sent by LAv2 responders.
var DefaultLAv2ProtoSpec = LAv2ProtoSpec{
	Signature:  lav2Signature,
	Ver:        2,
	Rev:        0,
	TargetSpec: [28]uint16{0x0600, 0x0405, 0x0304, 0x0140, 0x1041, 0x0102, 0x0C06},
}

// ToReportData serializes the descriptor into the 64 byte report data it aliases.
func (p LAv2ProtoSpec) ToReportData() ReportData {
	var rd ReportData
	copy(rd[0:6], p.Signature[:])
	rd[6] = p.Ver
	rd[7] = p.Rev
	for i, v := range p.TargetSpec {
		binary.LittleEndian.PutUint16(rd[8+2*i:10+2*i], v)
	}
	return rd
}

// LAv2ProtoSpecFromReportData reinterprets report data as an LAv2 protocol descriptor.
func LAv2ProtoSpecFromReportData(rd ReportData) LAv2ProtoSpec {
	p := LAv2ProtoSpec{
		Signature: [6]byte(rd[0:6]),
		Ver:       rd[6],
		Rev:       rd[7],
	}
	for i := range p.TargetSpec {
		p.TargetSpec[i] = binary.LittleEndian.Uint16(rd[8+2*i : 10+2*i])
	}
	return p
}

// Check verifies the descriptor carries the "SGX LA" signature and a revision this package understands.
func (p LAv2ProtoSpec) Check() error {
	if p.Signature != lav2Signature {
		return status.Errorf(status.ErrUnexpected, "LAv2 descriptor has wrong signature %q", p.Signature[:])
	}
	if p.Rev != DefaultLAv2ProtoSpec.Rev {
		return status.Errorf(status.ErrUnexpected, "unsupported LAv2 descriptor revision %d", p.Rev)
	}
	return nil
}
