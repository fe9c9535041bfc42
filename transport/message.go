package transport

import (
	"context"
	"fmt"

	"github.com/edgelesssys/go-sgx-ra/status"
	"github.com/edgelesssys/go-sgx-ra/types"
	"github.com/fxamacker/cbor/v2"
)

// Sealed is an AES-GCM ciphertext with its tag.
type Sealed struct {
	Ciphertext []byte    `cbor:"ct"`
	Tag        types.Mac `cbor:"tag"`
}

// SaltReply answers a PSI client's secret with its client id and the session salt sealed under its SK.
type SaltReply struct {
	ID   uint32 `cbor:"id"`
	Salt Sealed `cbor:"salt"`
}

// AttestationResult is the service provider's verdict, MACed with MK.
type AttestationResult struct {
	Message []byte    `cbor:"msg"`
	Mac     types.Mac `cbor:"mac"`
}

func (s *Sealed) Marshal() ([]byte, error)            { return cbor.Marshal(s) }
func (r *SaltReply) Marshal() ([]byte, error)         { return cbor.Marshal(r) }
func (r *AttestationResult) Marshal() ([]byte, error) { return cbor.Marshal(r) }

func UnmarshalSealed(b []byte) (Sealed, error) { return unmarshalCBOR[Sealed]("sealed data", b) }

func UnmarshalSaltReply(b []byte) (SaltReply, error) { return unmarshalCBOR[SaltReply]("salt reply", b) }

func UnmarshalAttestationResult(b []byte) (AttestationResult, error) {
	return unmarshalCBOR[AttestationResult]("attestation result", b)
}

func unmarshalCBOR[T any](name string, b []byte) (T, error) {
	var v T
	if err := cbor.Unmarshal(b, &v); err != nil {
		var zero T
		return zero, status.Errorf(status.ErrInvalidParameter, "decoding %s: %s", name, err)
	}
	return v, nil
}

// ExpectMessage receives a frame of type t and decodes its payload with unmarshal.
func ExpectMessage[T any](ctx context.Context, c *Conn, t MessageType, unmarshal func([]byte) (T, error)) (T, error) {
	payload, err := c.Expect(ctx, t)
	if err != nil {
		var zero T
		return zero, err
	}
	m, err := unmarshal(payload)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("decoding %s: %w", t, err)
	}
	return m, nil
}

// DecodePayload decodes the payload of a frame of type t into its typed form.
func DecodePayload(t MessageType, payload []byte) (any, error) {
	switch t {
	case TypeRaMsg1:
		return decodeAs(types.UnmarshalRaMsg1, payload)
	case TypeRaMsg2:
		return decodeAs(types.UnmarshalRaMsg2, payload)
	case TypeRaMsg3:
		return decodeAs(types.UnmarshalRaMsg3, payload)
	case TypeDcapRaMsg1:
		return decodeAs(types.UnmarshalDcapRaMsg1, payload)
	case TypeDcapURaMsg2:
		return decodeAs(types.UnmarshalDcapURaMsg2, payload)
	case TypeDcapMRaMsg2:
		return decodeAs(types.UnmarshalDcapMRaMsg2, payload)
	case TypeDcapRaMsg3:
		return decodeAs(types.UnmarshalDcapRaMsg3, payload)
	case TypeDhMsg1:
		return decodeAs(types.UnmarshalDhMsg1, payload)
	case TypeDhMsg2:
		return decodeAs(types.UnmarshalDhMsg2, payload)
	case TypeDhMsg3:
		return decodeAs(types.UnmarshalDhMsg3, payload)
	case TypeAttestationResult:
		return decodeAs(UnmarshalAttestationResult, payload)
	case TypePSISecret, TypePSIHashes, TypePSIResult:
		return decodeAs(UnmarshalSealed, payload)
	case TypePSISecretReply:
		return decodeAs(UnmarshalSaltReply, payload)
	case TypeError:
		return string(payload), nil
	default:
		return nil, status.Errorf(status.ErrInvalidParameter, "cannot decode %s payload", t)
	}
}

func decodeAs[T any](unmarshal func([]byte) (T, error), payload []byte) (any, error) {
	m, err := unmarshal(payload)
	if err != nil {
		return nil, err
	}
	return m, nil
}
