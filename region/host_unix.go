//go:build unix

package region

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// HostBuffer is memory shared with the untrusted host.
// It is mapped outside the Go heap and registered as a host range with a Classifier.
type HostBuffer struct {
	data       []byte
	classifier *Classifier
}

// NewHostBuffer maps size bytes of shared anonymous memory and registers them as host memory with c.
// If c is nil, [Default] is used.
func NewHostBuffer(c *Classifier, size int) (*HostBuffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid host buffer size %d", size)
	}
	if c == nil {
		c = Default
	}

	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("mapping host buffer: %w", err)
	}
	c.AddHostRange(SpanOfBytes(data))
	return &HostBuffer{data: data, classifier: c}, nil
}

// Bytes returns the mapped memory. The slice is invalid after Close.
func (b *HostBuffer) Bytes() []byte {
	return b.data
}

// Close unregisters and unmaps the buffer.
func (b *HostBuffer) Close() error {
	if b.data == nil {
		return nil
	}
	b.classifier.RemoveHostRange(SpanOfBytes(b.data))
	if err := unix.Munmap(b.data); err != nil {
		return fmt.Errorf("unmapping host buffer: %w", err)
	}
	b.data = nil
	return nil
}
