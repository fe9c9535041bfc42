/*
Package region classifies the memory backing a message as trusted or host memory.

Messages received from the host may live in memory shared with the untrusted side,
e.g. a buffer mapped by the host runtime. Such messages must be copied into trusted memory
before any length field in them is trusted:

	                 ┌──────────────────────────────┐
	                 │        process memory        │
	                 │                              │
	                 │   ┌──────────────────────┐   │
	  host writes ──►│   │  HostBuffer (mmap)   │   │◄── IsHost
	                 │   └──────────────────────┘   │
	                 │                              │
	                 │     everything else          │◄── IsTrusted
	                 └──────────────────────────────┘

A message is trusted only if its header storage and every non-empty tail lie wholly outside all host ranges.
It is host memory only if every non-empty piece lies wholly inside a registered host range.
*/
package region

import (
	"sync"
	"unsafe"

	"github.com/edgelesssys/go-sgx-ra/status"
)

// Span is a contiguous piece of memory backing a message.
type Span struct {
	Addr uintptr
	Len  uintptr
}

// SpanOfBytes returns the span backing b.
func SpanOfBytes(b []byte) Span {
	if len(b) == 0 {
		return Span{}
	}
	return Span{Addr: uintptr(unsafe.Pointer(unsafe.SliceData(b))), Len: uintptr(len(b))}
}

// SpanOf returns the span backing the value pointed to by v.
func SpanOf[T any](v *T) Span {
	if v == nil {
		return Span{}
	}
	return Span{Addr: uintptr(unsafe.Pointer(v)), Len: unsafe.Sizeof(*v)}
}

// end returns the first address after the span, and false if the span wraps around.
func (s Span) end() (uintptr, bool) {
	end := s.Addr + s.Len
	return end, end >= s.Addr
}

// Spanner is implemented by messages that can report the memory backing them.
type Spanner interface {
	Spans() []Span
}

// Classifier decides whether memory is trusted or belongs to the host.
type Classifier struct {
	mu   sync.RWMutex
	host map[uintptr]Span
}

// NewClassifier creates a Classifier without any host ranges.
func NewClassifier() *Classifier {
	return &Classifier{host: make(map[uintptr]Span)}
}

// Default is the process wide classifier. Host buffers register themselves here unless told otherwise.
var Default = NewClassifier()

// AddHostRange marks the given span as host memory.
func (c *Classifier) AddHostRange(s Span) {
	if s.Len == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.host[s.Addr] = s
}

// RemoveHostRange removes a span previously added with AddHostRange.
func (c *Classifier) RemoveHostRange(s Span) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.host, s.Addr)
}

// IsTrusted reports whether every non-empty span lies wholly outside all host ranges.
// An empty span is trusted by convention.
func (c *Classifier) IsTrusted(spans ...Span) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, s := range spans {
		if s.Len == 0 {
			continue
		}
		end, ok := s.end()
		if !ok {
			return false
		}
		for _, h := range c.host {
			hostEnd, _ := h.end()
			if s.Addr < hostEnd && h.Addr < end {
				return false
			}
		}
	}
	return true
}

// IsHost reports whether every non-empty span lies wholly inside a single host range.
// At least one non-empty span is required.
func (c *Classifier) IsHost(spans ...Span) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	found := false
	for _, s := range spans {
		if s.Len == 0 {
			continue
		}
		end, ok := s.end()
		if !ok {
			return false
		}
		inside := false
		for _, h := range c.host {
			hostEnd, _ := h.end()
			if s.Addr >= h.Addr && end <= hostEnd {
				inside = true
				break
			}
		}
		if !inside {
			return false
		}
		found = true
	}
	return found
}

// IsInTrustedRegion reports whether msg is located in trusted memory.
func IsInTrustedRegion(c *Classifier, msg Spanner) bool {
	if msg == nil {
		return false
	}
	spans := msg.Spans()
	if len(spans) == 0 {
		return false
	}
	return c.IsTrusted(spans...)
}

// IsInHostRegion reports whether msg is located in host memory.
func IsInHostRegion(c *Classifier, msg Spanner) bool {
	if msg == nil {
		return false
	}
	return c.IsHost(msg.Spans()...)
}

// RequireTrusted returns an error wrapping [status.ErrInvalidParameter] if msg is not in trusted memory.
func RequireTrusted(c *Classifier, msg Spanner) error {
	if !IsInTrustedRegion(c, msg) {
		return status.Errorf(status.ErrInvalidParameter, "message is not located in trusted memory")
	}
	return nil
}
