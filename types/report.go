package types

import (
	"encoding/binary"

	"github.com/edgelesssys/go-sgx-ra/status"
)

/*
	SGX report structures.
	Based on:
	https://github.com/intel/linux-sgx/blob/26c458905b72e66db7ac1feae04b43461ce1b76f/common/inc/sgx_report.h
*/

const (
	// ReportBodySize is the size of sgx_report_body_t.
	ReportBodySize = 384
	// ReportSize is the size of sgx_report_t.
	ReportSize = ReportBodySize + 32 + MacSize
	// TargetInfoSize is the size of sgx_target_info_t.
	TargetInfoSize = 512
	// ReportDataSize is the size of the user data carried in a report.
	ReportDataSize = 64
)

// ReportData is the user data bound into a report.
type ReportData [ReportDataSize]byte

// Attributes are the enclave attributes (sgx_attributes_t).
type Attributes struct {
	Flags uint64
	Xfrm  uint64
}

// ReportBody is the signed part of an SGX report (sgx_report_body_t).
type ReportBody struct {
	CPUSVN       [16]byte
	MiscSelect   uint32
	Reserved1    [12]byte
	ISVExtProdID [16]byte
	Attributes   Attributes
	MREnclave    [32]byte // SHA256
	Reserved2    [32]byte
	MRSigner     [32]byte // SHA256
	Reserved3    [32]byte
	ConfigID     [64]byte
	ISVProdID    uint16
	ISVSVN       uint16
	ConfigSVN    uint16
	Reserved4    [42]byte
	ISVFamilyID  [16]byte
	ReportData   ReportData
}

// Report is an SGX report (sgx_report_t), verifiable by the target enclave on the same platform.
type Report struct {
	Body  ReportBody
	KeyID [32]byte
	Mac   Mac
}

// TargetInfo identifies the enclave a report is created for (sgx_target_info_t).
type TargetInfo struct {
	MREnclave  [32]byte
	Attributes Attributes
	Reserved1  [2]byte
	ConfigSVN  uint16
	MiscSelect uint32
	Reserved2  [8]byte
	ConfigID   [64]byte
	Reserved3  [384]byte
}

// EnclaveIdentity is the identity of a peer enclave, extracted from its report.
type EnclaveIdentity struct {
	CPUSVN     [16]byte
	Attributes Attributes
	MREnclave  [32]byte
	MRSigner   [32]byte
	MiscSelect uint32
	ISVProdID  uint16
	ISVSVN     uint16
}

// Marshal serializes the attributes to their 16 byte binary representation.
func (a Attributes) Marshal() [16]byte {
	var result [16]byte
	binary.LittleEndian.PutUint64(result[0:8], a.Flags)
	binary.LittleEndian.PutUint64(result[8:16], a.Xfrm)
	return result
}

func unmarshalAttributes(b []byte) Attributes {
	return Attributes{
		Flags: binary.LittleEndian.Uint64(b[0:8]),
		Xfrm:  binary.LittleEndian.Uint64(b[8:16]),
	}
}

// Marshal serializes a ReportBody to its binary representation found in reports and quotes.
func (rb *ReportBody) Marshal() [ReportBodySize]byte {
	var result [ReportBodySize]byte
	attributes := rb.Attributes.Marshal()

	copy(result[0:16], rb.CPUSVN[:])
	binary.LittleEndian.PutUint32(result[16:20], rb.MiscSelect)
	copy(result[20:32], rb.Reserved1[:])
	copy(result[32:48], rb.ISVExtProdID[:])
	copy(result[48:64], attributes[:])
	copy(result[64:96], rb.MREnclave[:])
	copy(result[96:128], rb.Reserved2[:])
	copy(result[128:160], rb.MRSigner[:])
	copy(result[160:192], rb.Reserved3[:])
	copy(result[192:256], rb.ConfigID[:])
	binary.LittleEndian.PutUint16(result[256:258], rb.ISVProdID)
	binary.LittleEndian.PutUint16(result[258:260], rb.ISVSVN)
	binary.LittleEndian.PutUint16(result[260:262], rb.ConfigSVN)
	copy(result[262:304], rb.Reserved4[:])
	copy(result[304:320], rb.ISVFamilyID[:])
	copy(result[320:384], rb.ReportData[:])

	return result
}

// UnmarshalReportBody parses a ReportBody from exactly ReportBodySize bytes.
func UnmarshalReportBody(b []byte) (ReportBody, error) {
	if len(b) != ReportBodySize {
		return ReportBody{}, status.Errorf(status.ErrInvalidParameter, "report body must be %d bytes, got %d", ReportBodySize, len(b))
	}
	return ReportBody{
		CPUSVN:       [16]byte(b[0:16]),
		MiscSelect:   binary.LittleEndian.Uint32(b[16:20]),
		Reserved1:    [12]byte(b[20:32]),
		ISVExtProdID: [16]byte(b[32:48]),
		Attributes:   unmarshalAttributes(b[48:64]),
		MREnclave:    [32]byte(b[64:96]),
		Reserved2:    [32]byte(b[96:128]),
		MRSigner:     [32]byte(b[128:160]),
		Reserved3:    [32]byte(b[160:192]),
		ConfigID:     [64]byte(b[192:256]),
		ISVProdID:    binary.LittleEndian.Uint16(b[256:258]),
		ISVSVN:       binary.LittleEndian.Uint16(b[258:260]),
		ConfigSVN:    binary.LittleEndian.Uint16(b[260:262]),
		Reserved4:    [42]byte(b[262:304]),
		ISVFamilyID:  [16]byte(b[304:320]),
		ReportData:   ReportData(b[320:384]),
	}, nil
}

// Identity extracts the identity of the enclave that created the report.
func (rb *ReportBody) Identity() EnclaveIdentity {
	return EnclaveIdentity{
		CPUSVN:     rb.CPUSVN,
		Attributes: rb.Attributes,
		MREnclave:  rb.MREnclave,
		MRSigner:   rb.MRSigner,
		MiscSelect: rb.MiscSelect,
		ISVProdID:  rb.ISVProdID,
		ISVSVN:     rb.ISVSVN,
	}
}

// Marshal serializes a Report to its binary representation.
func (r *Report) Marshal() [ReportSize]byte {
	var result [ReportSize]byte
	body := r.Body.Marshal()
	copy(result[0:384], body[:])
	copy(result[384:416], r.KeyID[:])
	copy(result[416:432], r.Mac[:])
	return result
}

// UnmarshalReport parses a Report from exactly ReportSize bytes.
func UnmarshalReport(b []byte) (Report, error) {
	if len(b) != ReportSize {
		return Report{}, status.Errorf(status.ErrInvalidParameter, "report must be %d bytes, got %d", ReportSize, len(b))
	}
	body, err := UnmarshalReportBody(b[0:384])
	if err != nil {
		return Report{}, err
	}
	return Report{
		Body:  body,
		KeyID: [32]byte(b[384:416]),
		Mac:   Mac(b[416:432]),
	}, nil
}

// Marshal serializes a TargetInfo to its binary representation.
func (ti *TargetInfo) Marshal() [TargetInfoSize]byte {
	var result [TargetInfoSize]byte
	attributes := ti.Attributes.Marshal()

	copy(result[0:32], ti.MREnclave[:])
	copy(result[32:48], attributes[:])
	copy(result[48:50], ti.Reserved1[:])
	binary.LittleEndian.PutUint16(result[50:52], ti.ConfigSVN)
	binary.LittleEndian.PutUint32(result[52:56], ti.MiscSelect)
	copy(result[56:64], ti.Reserved2[:])
	copy(result[64:128], ti.ConfigID[:])
	copy(result[128:512], ti.Reserved3[:])

	return result
}

// UnmarshalTargetInfo parses a TargetInfo from exactly TargetInfoSize bytes.
func UnmarshalTargetInfo(b []byte) (TargetInfo, error) {
	if len(b) != TargetInfoSize {
		return TargetInfo{}, status.Errorf(status.ErrInvalidParameter, "target info must be %d bytes, got %d", TargetInfoSize, len(b))
	}
	return TargetInfo{
		MREnclave:  [32]byte(b[0:32]),
		Attributes: unmarshalAttributes(b[32:48]),
		Reserved1:  [2]byte(b[48:50]),
		ConfigSVN:  binary.LittleEndian.Uint16(b[50:52]),
		MiscSelect: binary.LittleEndian.Uint32(b[52:56]),
		Reserved2:  [8]byte(b[56:64]),
		ConfigID:   [64]byte(b[64:128]),
		Reserved3:  [384]byte(b[128:512]),
	}, nil
}

// TargetInfoFromReport returns a TargetInfo addressing the enclave that created the report body.
func TargetInfoFromReport(rb *ReportBody) TargetInfo {
	return TargetInfo{
		MREnclave:  rb.MREnclave,
		Attributes: rb.Attributes,
		ConfigSVN:  rb.ConfigSVN,
		MiscSelect: rb.MiscSelect,
		ConfigID:   rb.ConfigID,
	}
}
