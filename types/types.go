/*
# SGX Key Exchange Message Types

This package contains the messages exchanged by the remote attestation (RA) and
local attestation (LA) key exchange protocols, together with the hardware structures
they carry (reports, target infos and quotes).

Every message has a typed form, used by the rest of this module, and a packed
little-endian wire form. Variable length data (SigRL, quotes, additional properties)
is appended to the fixed header with no padding.
The header carries the length of the tail, except for RaMsg3 where the quote runs to the end of the buffer.

## Message Layouts

	   RaMsg2 (EPID)                    DcapMRaMsg2                       DhMsg3
	┌──────────────────────┐         ┌──────────────────────┐         ┌──────────────────────┐
	│  g_b      (64 bytes) │         │  mac      (16 bytes) │         │  cmac     (16 bytes) │
	├──────────────────────┤         ├──────────────────────┤         ├──────────────────────┤
	│  spid     (16 bytes) │         │  g_b      (64 bytes) │         │                      │
	├──────────────────────┤         ├──────────────────────┤         │       Report         │
	│  quote_type (2)      │         │  kdf_id    (4 bytes) │         │     (432 bytes)      │
	│  kdf_id     (2)      │         ├──────────────────────┤         │                      │
	├──────────────────────┤         │  quote_size (4)      ├──┐      ├──────────────────────┤
	│  sign_gb_ga (64)     │         ├──────────────────────┤  │      │  add_prop_len (4)    ├──┐
	├──────────────────────┤         │                      │  │      ├──────────────────────┤  │
	│  mac      (16 bytes) │         │       quote          │◄─┘      │     add_prop         │◄─┘
	├──────────────────────┤         │     (variable)       │         │     (variable)       │
	│  sig_rl_size (4)     ├──┐      │                      │         │                      │
	├──────────────────────┤  │      └──────────────────────┘         └──────────────────────┘
	│  sig_rl (variable)   │◄─┘
	└──────────────────────┘

## Byte Order

Intel's structures store the coordinates of P-256 public keys and the components of ECDSA signatures little-endian.
[PublicKey] and [Signature] hold them big-endian, the way Go's crypto packages expect them.
The conversion happens in [PublicKey.Wire], [PublicKeyFromWire], [Signature.Wire] and [SignatureFromWire] only.
Hash and MAC inputs always use the wire form.
*/
package types
