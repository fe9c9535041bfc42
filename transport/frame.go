/*
Package transport moves key exchange messages between two peers.

Messages travel in frames. A frame is a small protobuf message

	message Frame {
		uint32 type    = 1;
		bytes  session = 2; // 20 byte ksuid
		bytes  payload = 3; // packed wire message
	}

prefixed with its length as an unsigned varint. The payload is the packed
layout produced by the types package, so frames add nothing to what the
engines see.
*/
package transport

import (
	"bytes"
	"fmt"
	"math"

	"github.com/edgelesssys/go-sgx-ra/status"
	"github.com/segmentio/ksuid"
	"google.golang.org/protobuf/encoding/protowire"
)

// MessageType identifies the payload of a frame.
type MessageType uint32

// Message types. The values are part of the wire format, new types are only appended.
const (
	TypeUnknown MessageType = iota
	// EPID remote attestation, followed by the service provider's MACed verdict.
	TypeRaMsg1
	TypeRaMsg2
	TypeRaMsg3
	TypeAttestationResult
	// DCAP remote attestation. Msg2 is the unilateral or the mutual variant.
	TypeDcapRaMsg1
	TypeDcapURaMsg2
	TypeDcapMRaMsg2
	TypeDcapRaMsg3
	// Local attestation.
	TypeDhMsg1
	TypeDhMsg2
	TypeDhMsg3
	// Private set intersection: secret and salt, sealed hashes, sealed result bitmap.
	TypePSISecret
	TypePSISecretReply
	TypePSIHashes
	TypePSIResult
	// TypeError carries a human readable error message from the peer.
	TypeError
)

var messageTypeNames = map[MessageType]string{
	TypeRaMsg1:            "ra_msg1",
	TypeRaMsg2:            "ra_msg2",
	TypeRaMsg3:            "ra_msg3",
	TypeAttestationResult: "attestation_result",
	TypeDcapRaMsg1:        "dcap_ra_msg1",
	TypeDcapURaMsg2:       "dcap_ura_msg2",
	TypeDcapMRaMsg2:       "dcap_mra_msg2",
	TypeDcapRaMsg3:        "dcap_ra_msg3",
	TypeDhMsg1:            "dh_msg1",
	TypeDhMsg2:            "dh_msg2",
	TypeDhMsg3:            "dh_msg3",
	TypePSISecret:         "psi_secret",
	TypePSISecretReply:    "psi_secret_reply",
	TypePSIHashes:         "psi_hashes",
	TypePSIResult:         "psi_result",
	TypeError:             "error",
}

func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", uint32(t))
}

// ParseMessageType returns the message type with the given name.
func ParseMessageType(name string) (MessageType, error) {
	for t, n := range messageTypeNames {
		if n == name {
			return t, nil
		}
	}
	return TypeUnknown, status.Errorf(status.ErrInvalidParameter, "unknown message type %q", name)
}

const (
	fieldType    protowire.Number = 1
	fieldSession protowire.Number = 2
	fieldPayload protowire.Number = 3
)

// Frame is a single message exchanged between peers.
type Frame struct {
	Type    MessageType
	Session ksuid.KSUID
	Payload []byte
}

// Marshal encodes the frame without the length prefix.
func (f *Frame) Marshal() []byte {
	b := make([]byte, 0, 32+len(f.Payload))
	b = protowire.AppendTag(b, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.Type))
	b = protowire.AppendTag(b, fieldSession, protowire.BytesType)
	b = protowire.AppendBytes(b, f.Session.Bytes())
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, f.Payload)
	return b
}

// UnmarshalFrame decodes a frame. Unknown fields are skipped.
// The payload is copied out of b.
func UnmarshalFrame(b []byte) (Frame, error) {
	var f Frame
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Frame{}, errFrame(protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldType && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			if n >= 0 && v > math.MaxUint32 {
				return Frame{}, status.Errorf(status.ErrInvalidParameter, "frame type %d out of range", v)
			}
			f.Type = MessageType(v)
		case num == fieldSession && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			if n >= 0 {
				id, err := ksuid.FromBytes(v)
				if err != nil {
					return Frame{}, status.Errorf(status.ErrInvalidParameter, "parsing session id: %s", err)
				}
				f.Session = id
			}
		case num == fieldPayload && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			if n >= 0 {
				f.Payload = bytes.Clone(v)
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return Frame{}, errFrame(protowire.ParseError(n))
		}
		b = b[n:]
	}
	return f, nil
}

func errFrame(err error) error {
	return fmt.Errorf("decoding frame: %w", status.Wrap(status.ErrInvalidParameter, err))
}
