// Package status defines the error kinds returned by the key exchange engines.
//
// Every error returned by this module wraps exactly one of the sentinel errors below,
// so callers can branch on the kind with [errors.Is]:
//
//	if errors.Is(err, status.ErrMacMismatch) {
//		// drop the session
//	}
package status

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidParameter is returned for buffers of the wrong length or shape, out of range enum values,
	// and inputs located in the wrong memory region.
	ErrInvalidParameter = errors.New("invalid parameter")
	// ErrInvalidSignature is returned if an ECDSA signature does not verify,
	// or a PSI client challenge carries the wrong byte pattern.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrMacMismatch is returned if an AES-CMAC or AES-GCM tag does not match.
	ErrMacMismatch = errors.New("mac mismatch")
	// ErrKdfMismatch is returned if a message names a key derivation function other than AES-CMAC.
	ErrKdfMismatch = errors.New("kdf mismatch")
	// ErrInvalidState is returned if an operation is called in the wrong phase of a session.
	ErrInvalidState = errors.New("invalid state")
	// ErrUnexpected is returned for platform failures, report verification failures,
	// protocol descriptor mismatches and any other non-recoverable condition.
	ErrUnexpected = errors.New("unexpected error")
)

var kinds = []error{
	ErrInvalidParameter,
	ErrInvalidSignature,
	ErrMacMismatch,
	ErrKdfMismatch,
	ErrInvalidState,
	ErrUnexpected,
}

// Errorf formats an error message and wraps the given kind.
func Errorf(kind error, format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), kind)
}

// Kind returns the error kind wrapped by err.
// Errors not created by this module are reported as [ErrUnexpected].
func Kind(err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range kinds {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return ErrUnexpected
}

// Wrap marks err as being of the given kind, unless it already wraps a kind.
func Wrap(kind error, err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", kind, err)
}
