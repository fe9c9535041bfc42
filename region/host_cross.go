//go:build !unix

package region

import "errors"

// HostBuffer is memory shared with the untrusted host.
type HostBuffer struct{}

// NewHostBuffer maps size bytes of shared anonymous memory.
func NewHostBuffer(_ *Classifier, _ int) (*HostBuffer, error) {
	return nil, errors.New("host buffers are only supported on unix")
}

// Bytes returns the mapped memory.
func (b *HostBuffer) Bytes() []byte {
	return nil
}

// Close unregisters and unmaps the buffer.
func (b *HostBuffer) Close() error {
	return nil
}
