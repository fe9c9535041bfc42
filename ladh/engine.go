/*
Package ladh implements the local attestation Diffie-Hellman key exchange between two enclaves on the same platform.

	initiator                                   responder
	    │ ── DhMsg1 { g_a, target info } ─────────► │
	    │ ◄──────────── DhMsg2 { g_b, report, cmac } │
	    │ ── DhMsg3 { cmac, report, add_prop } ───► │

Both sides end up with the AEK and the identity of the peer enclave.
Two protocol versions exist. LAv1 binds the public keys into the report data and MACs the reports.
LAv2 replaces the report data of msg2 with an in-band protocol descriptor and MACs the public keys instead.
*/
package ladh

import (
	"github.com/edgelesssys/go-sgx-ra/crypto"
	"github.com/edgelesssys/go-sgx-ra/platform"
	"github.com/edgelesssys/go-sgx-ra/status"
	"github.com/edgelesssys/go-sgx-ra/types"
)

// Version is the local attestation protocol version.
type Version int

const (
	// LAv1 is the first local attestation protocol revision.
	LAv1 Version = iota + 1
	// LAv2 is local attestation with an in-band protocol descriptor.
	LAv2
)

func (v Version) String() string {
	switch v {
	case LAv1:
		return "LAv1"
	case LAv2:
		return "LAv2"
	default:
		return "unknown"
	}
}

func (v Version) valid() bool {
	return v == LAv1 || v == LAv2
}

// lav1KdfID is the AES-CMAC KDF id carried in bytes 32 and 33 of the LAv1 msg2 report data.
var lav1KdfID = [2]byte{crypto.KdfAESCMAC, 0}

// BuildMsg2 creates the responder's report for the initiator named in m1 and MACs msg2 with SMK.
func BuildMsg2(version Version, m1 *types.DhMsg1, pubB types.PublicKey, smk crypto.Key128, enclave platform.Enclave) (types.DhMsg2, error) {
	if m1 == nil || enclave == nil {
		return types.DhMsg2{}, status.Errorf(status.ErrInvalidParameter, "missing msg1 or enclave")
	}
	ga := m1.PubKeyA.Wire()
	gb := pubB.Wire()

	var reportData types.ReportData
	switch version {
	case LAv1:
		h := crypto.SumSHA256(ga[:], gb[:])
		copy(reportData[0:32], h[:])
		copy(reportData[32:34], lav1KdfID[:])
	case LAv2:
		spec := types.DefaultLAv2ProtoSpec.ToReportData()
		h := crypto.SumSHA256(spec[:], gb[:])
		copy(reportData[0:32], h[:])
	default:
		return types.DhMsg2{}, errVersion(version)
	}

	report, err := enclave.CreateReport(&m1.Target, reportData)
	if err != nil {
		return types.DhMsg2{}, status.Wrap(status.ErrUnexpected, err)
	}

	m2 := types.DhMsg2{PubKeyB: pubB, Report: report}
	switch version {
	case LAv1:
		raw := report.Marshal()
		m2.Cmac = crypto.ComputeCMAC(smk, raw[:])
	case LAv2:
		m2.Report.Body.ReportData = types.DefaultLAv2ProtoSpec.ToReportData()
		m2.Cmac = crypto.ComputeCMAC(smk, gb[:])
	}
	return m2, nil
}

// VerifyMsg2 verifies msg2 on the initiator's side. pubA is the initiator's own public key.
func VerifyMsg2(version Version, m2 *types.DhMsg2, pubA types.PublicKey, smk crypto.Key128, enclave platform.Enclave) error {
	if m2 == nil || enclave == nil {
		return status.Errorf(status.ErrInvalidParameter, "missing msg2 or enclave")
	}
	switch version {
	case LAv1:
		return verifyMsg2V1(m2, pubA, smk, enclave)
	case LAv2:
		return verifyMsg2V2(m2, smk, enclave)
	default:
		return errVersion(version)
	}
}

func verifyMsg2V1(m2 *types.DhMsg2, pubA types.PublicKey, smk crypto.Key128, enclave platform.Enclave) error {
	rd := m2.Report.Body.ReportData
	if [2]byte(rd[32:34]) != lav1KdfID {
		return status.Errorf(status.ErrKdfMismatch, "msg2 carries KDF id %x", rd[32:34])
	}
	raw := m2.Report.Marshal()
	if !crypto.EqualMac(crypto.ComputeCMAC(smk, raw[:]), m2.Cmac) {
		return status.Errorf(status.ErrMacMismatch, "msg2 CMAC does not match")
	}
	if err := enclave.VerifyReport(&m2.Report); err != nil {
		return status.Errorf(status.ErrUnexpected, "verifying msg2 report: %s", err)
	}
	ga := pubA.Wire()
	gb := m2.PubKeyB.Wire()
	h := crypto.SumSHA256(ga[:], gb[:])
	if !crypto.Equal(h[:], rd[0:32]) {
		return status.Errorf(status.ErrMacMismatch, "msg2 report does not bind the public keys")
	}
	return nil
}

func verifyMsg2V2(m2 *types.DhMsg2, smk crypto.Key128, enclave platform.Enclave) error {
	rd := m2.Report.Body.ReportData
	gb := m2.PubKeyB.Wire()

	h := crypto.SumSHA256(rd[:], gb[:])
	report := m2.Report
	report.Body.ReportData = types.ReportData{}
	copy(report.Body.ReportData[0:32], h[:])
	if err := enclave.VerifyReport(&report); err != nil {
		return status.Errorf(status.ErrUnexpected, "verifying msg2 report: %s", err)
	}
	if !crypto.EqualMac(crypto.ComputeCMAC(smk, gb[:]), m2.Cmac) {
		return status.Errorf(status.ErrMacMismatch, "msg2 CMAC does not match")
	}
	return types.LAv2ProtoSpecFromReportData(rd).Check()
}

// BuildMsg3 creates the initiator's report for the responder that sent m2 and MACs msg3 with SMK.
func BuildMsg3(version Version, m2 *types.DhMsg2, pubA types.PublicKey, smk crypto.Key128, addProp []byte, enclave platform.Enclave) (types.DhMsg3, error) {
	if m2 == nil || enclave == nil {
		return types.DhMsg3{}, status.Errorf(status.ErrInvalidParameter, "missing msg2 or enclave")
	}
	m3 := types.DhMsg3{AddProp: append([]byte{}, addProp...)}
	if err := m3.Validate(); err != nil {
		return types.DhMsg3{}, err
	}

	reportData, err := msg3ReportData(version, pubA, m2.PubKeyB, m2.Report.Body.ReportData)
	if err != nil {
		return types.DhMsg3{}, err
	}
	target := types.TargetInfoFromReport(&m2.Report.Body)
	report, err := enclave.CreateReport(&target, reportData)
	if err != nil {
		return types.DhMsg3{}, status.Wrap(status.ErrUnexpected, err)
	}
	m3.Report = report
	m3.Cmac = msg3Cmac(version, &m3, pubA, smk)
	return m3, nil
}

// VerifyMsg3 verifies msg3 on the responder's side. pubB is the responder's own public key.
func VerifyMsg3(version Version, m3 *types.DhMsg3, pubA, pubB types.PublicKey, smk crypto.Key128, enclave platform.Enclave) error {
	if m3 == nil || enclave == nil {
		return status.Errorf(status.ErrInvalidParameter, "missing msg3 or enclave")
	}
	if err := m3.Validate(); err != nil {
		return err
	}
	expected, err := msg3ReportData(version, pubA, pubB, types.DefaultLAv2ProtoSpec.ToReportData())
	if err != nil {
		return err
	}

	switch version {
	case LAv1:
		if !crypto.EqualMac(msg3Cmac(version, m3, pubA, smk), m3.Cmac) {
			return status.Errorf(status.ErrMacMismatch, "msg3 CMAC does not match")
		}
		if err := enclave.VerifyReport(&m3.Report); err != nil {
			return status.Errorf(status.ErrUnexpected, "verifying msg3 report: %s", err)
		}
		if !crypto.Equal(expected[0:32], m3.Report.Body.ReportData[0:32]) {
			return status.Errorf(status.ErrMacMismatch, "msg3 report does not bind the public keys")
		}
	case LAv2:
		if !crypto.Equal(expected[:], m3.Report.Body.ReportData[:]) {
			return status.Errorf(status.ErrUnexpected, "msg3 report data does not bind the public keys")
		}
		if err := enclave.VerifyReport(&m3.Report); err != nil {
			return status.Errorf(status.ErrUnexpected, "verifying msg3 report: %s", err)
		}
		if !crypto.EqualMac(msg3Cmac(version, m3, pubA, smk), m3.Cmac) {
			return status.Errorf(status.ErrMacMismatch, "msg3 CMAC does not match")
		}
	}
	return nil
}

// msg3ReportData returns the report data of msg3. specData is the LAv2 descriptor of msg2 and unused for LAv1.
func msg3ReportData(version Version, pubA, pubB types.PublicKey, specData types.ReportData) (types.ReportData, error) {
	ga := pubA.Wire()
	gb := pubB.Wire()

	var h [32]byte
	switch version {
	case LAv1:
		h = crypto.SumSHA256(gb[:], ga[:])
	case LAv2:
		h = crypto.SumSHA256(ga[:], specData[:])
	default:
		return types.ReportData{}, errVersion(version)
	}
	var rd types.ReportData
	copy(rd[0:32], h[:])
	return rd, nil
}

func msg3Cmac(version Version, m3 *types.DhMsg3, pubA types.PublicKey, smk crypto.Key128) types.Mac {
	c := crypto.NewCMAC(smk)
	if version == LAv1 {
		report := m3.Report.Marshal()
		c.Write(report[:])
		c.WriteUint32(uint32(len(m3.AddProp)))
		c.Write(m3.AddProp)
		return c.Sum()
	}
	ga := pubA.Wire()
	c.Write(m3.AddProp, ga[:])
	return c.Sum()
}

func errVersion(v Version) error {
	return status.Errorf(status.ErrInvalidParameter, "unknown local attestation version %d", v)
}
