/*
Package sim implements a simulated SGX machine in software.

A Machine holds the secrets a real CPU keeps in fuses: a report key root, an EPID group key and
a provisioning certification key (PCK) with its certificate chain.
Enclaves created on the same Machine can create and verify reports for each other.
A QuotingEnclave turns reports into EPID or DCAP shaped quotes, and a Verifier checks those quotes
against the machine's public trust anchors.

None of this provides any security. It exists so that the key exchanges can be run end to end without SGX hardware.
*/
package sim

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/edgelesssys/go-sgx-ra/crypto"
	"github.com/edgelesssys/go-sgx-ra/status"
	"github.com/edgelesssys/go-sgx-ra/types"
)

// Machine is a simulated SGX platform.
type Machine struct {
	rand      io.Reader
	secret    crypto.Key128
	cpuSVN    [16]byte
	gid       types.GID
	epidKey   *ecdsa.PrivateKey
	attestKey *ecdsa.PrivateKey
	pckKey    *ecdsa.PrivateKey
	pckRoot   *x509.Certificate
	pckChain  []byte
}

// NewMachine creates a machine with fresh secrets read from rand.
func NewMachine(rand io.Reader) (*Machine, error) {
	m := &Machine{rand: rand}
	if _, err := io.ReadFull(rand, m.secret[:]); err != nil {
		return nil, fmt.Errorf("reading machine secret: %w", err)
	}
	if _, err := io.ReadFull(rand, m.gid[:]); err != nil {
		return nil, fmt.Errorf("reading EPID group id: %w", err)
	}
	m.cpuSVN = [16]byte{0x0F, 0x0F, 0x02, 0x04, 0x01, 0x80}

	var err error
	if m.epidKey, err = ecdsa.GenerateKey(elliptic.P256(), rand); err != nil {
		return nil, fmt.Errorf("generating EPID group key: %w", err)
	}
	if m.attestKey, err = ecdsa.GenerateKey(elliptic.P256(), rand); err != nil {
		return nil, fmt.Errorf("generating attestation key: %w", err)
	}
	if err := m.provisionPCK(); err != nil {
		return nil, fmt.Errorf("provisioning PCK: %w", err)
	}
	return m, nil
}

// provisionPCK creates a root CA and a PCK certificate signed by it.
func (m *Machine) provisionPCK() error {
	rootKey, err := ecdsa.GenerateKey(elliptic.P256(), m.rand)
	if err != nil {
		return err
	}
	m.pckKey, err = ecdsa.GenerateKey(elliptic.P256(), m.rand)
	if err != nil {
		return err
	}

	notBefore := time.Now().Add(-time.Hour)
	notAfter := notBefore.Add(10 * 365 * 24 * time.Hour)

	rootTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Simulated SGX Root CA"},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	rootDER, err := x509.CreateCertificate(m.rand, rootTemplate, rootTemplate, &rootKey.PublicKey, rootKey)
	if err != nil {
		return fmt.Errorf("creating root certificate: %w", err)
	}
	if m.pckRoot, err = x509.ParseCertificate(rootDER); err != nil {
		return fmt.Errorf("parsing root certificate: %w", err)
	}

	pckTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "Simulated SGX PCK Certificate"},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	pckDER, err := x509.CreateCertificate(m.rand, pckTemplate, m.pckRoot, &m.pckKey.PublicKey, rootKey)
	if err != nil {
		return fmt.Errorf("creating PCK certificate: %w", err)
	}

	m.pckChain = append(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: pckDER}),
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: rootDER})...)
	return nil
}

// GID returns the EPID group id of the machine.
func (m *Machine) GID() types.GID {
	return m.gid
}

// PCKRoot returns the root CA certificate of the machine's PCK certificate chain.
func (m *Machine) PCKRoot() *x509.Certificate {
	return m.pckRoot
}

// EPIDGroupKey returns the public key EPID quotes of this machine are signed with.
func (m *Machine) EPIDGroupKey() *ecdsa.PublicKey {
	return &m.epidKey.PublicKey
}

// Verifier returns a quote verifier trusting this machine.
func (m *Machine) Verifier() *Verifier {
	return NewVerifier(m.EPIDGroupKey(), m.pckRoot)
}

// reportKey derives the key reports targeted at mrEnclave are MACed with.
func (m *Machine) reportKey(mrEnclave [32]byte, keyID [32]byte) crypto.Key128 {
	return crypto.Key128(crypto.ComputeCMAC(m.secret, mrEnclave[:], keyID[:]))
}

// Identity is the measured identity of a simulated enclave.
type Identity struct {
	MREnclave  [32]byte
	MRSigner   [32]byte
	Attributes types.Attributes
	MiscSelect uint32
	ISVProdID  uint16
	ISVSVN     uint16
}

// Enclave is an enclave running on a simulated machine.
type Enclave struct {
	m    *Machine
	body types.ReportBody
}

// NewEnclave loads an enclave with the given identity.
func (m *Machine) NewEnclave(id Identity) *Enclave {
	return &Enclave{
		m: m,
		body: types.ReportBody{
			CPUSVN:     m.cpuSVN,
			MiscSelect: id.MiscSelect,
			Attributes: id.Attributes,
			MREnclave:  id.MREnclave,
			MRSigner:   id.MRSigner,
			ISVProdID:  id.ISVProdID,
			ISVSVN:     id.ISVSVN,
		},
	}
}

// Identity returns the identity the enclave reports.
func (e *Enclave) Identity() types.EnclaveIdentity {
	return e.body.Identity()
}

// TargetInfo returns the target info other enclaves use to create reports for this enclave.
func (e *Enclave) TargetInfo() types.TargetInfo {
	return types.TargetInfoFromReport(&e.body)
}

// CreateReport creates a report for target.
func (e *Enclave) CreateReport(target *types.TargetInfo, reportData types.ReportData) (types.Report, error) {
	if target == nil {
		return types.Report{}, status.Errorf(status.ErrInvalidParameter, "missing target info")
	}

	report := types.Report{Body: e.body}
	report.Body.ReportData = reportData
	if _, err := io.ReadFull(e.m.rand, report.KeyID[:]); err != nil {
		return types.Report{}, status.Errorf(status.ErrUnexpected, "reading key id: %s", err)
	}

	key := e.m.reportKey(target.MREnclave, report.KeyID)
	defer key.Wipe()
	body := report.Body.Marshal()
	report.Mac = crypto.ComputeCMAC(key, body[:])
	return report, nil
}

// VerifyReport verifies a report created on the same machine for this enclave.
func (e *Enclave) VerifyReport(report *types.Report) error {
	if report == nil {
		return status.Errorf(status.ErrInvalidParameter, "missing report")
	}

	key := e.m.reportKey(e.body.MREnclave, report.KeyID)
	defer key.Wipe()
	body := report.Body.Marshal()
	if !crypto.EqualMac(crypto.ComputeCMAC(key, body[:]), report.Mac) {
		return status.Errorf(status.ErrUnexpected, "report MAC does not verify")
	}
	return nil
}
