package region

import (
	"testing"

	"github.com/edgelesssys/go-sgx-ra/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMessage struct {
	header [16]byte
	tail   []byte
}

func (m *fakeMessage) Spans() []Span {
	return []Span{SpanOf(m), SpanOfBytes(m.tail)}
}

func TestClassifier(t *testing.T) {
	host := Span{Addr: 0x1000, Len: 0x100}

	testCases := map[string]struct {
		spans       []Span
		wantTrusted bool
		wantHost    bool
	}{
		"outside": {
			spans:       []Span{{Addr: 0x2000, Len: 0x10}},
			wantTrusted: true,
		},
		"inside": {
			spans:    []Span{{Addr: 0x1010, Len: 0x10}},
			wantHost: true,
		},
		"exactly the host range": {
			spans:    []Span{host},
			wantHost: true,
		},
		"overlapping start": {
			spans: []Span{{Addr: 0xff0, Len: 0x20}},
		},
		"overlapping end": {
			spans: []Span{{Addr: 0x10f0, Len: 0x20}},
		},
		"adjacent below": {
			spans:       []Span{{Addr: 0xf00, Len: 0x100}},
			wantTrusted: true,
		},
		"adjacent above": {
			spans:       []Span{{Addr: 0x1100, Len: 0x100}},
			wantTrusted: true,
		},
		"header trusted, tail host": {
			spans: []Span{{Addr: 0x2000, Len: 0x10}, {Addr: 0x1000, Len: 0x10}},
		},
		"empty tail is trusted": {
			spans:       []Span{{Addr: 0x2000, Len: 0x10}, {}},
			wantTrusted: true,
		},
		"only empty spans": {
			spans:       []Span{{}},
			wantTrusted: true,
		},
		"wrapping span": {
			spans: []Span{{Addr: ^uintptr(0) - 1, Len: 0x10}},
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			c := NewClassifier()
			c.AddHostRange(host)
			assert.Equal(tc.wantTrusted, c.IsTrusted(tc.spans...))
			assert.Equal(tc.wantHost, c.IsHost(tc.spans...))
		})
	}
}

func TestRemoveHostRange(t *testing.T) {
	assert := assert.New(t)

	host := Span{Addr: 0x1000, Len: 0x100}
	c := NewClassifier()
	c.AddHostRange(host)
	assert.False(c.IsTrusted(host))
	c.RemoveHostRange(host)
	assert.True(c.IsTrusted(host))
}

func TestHostBuffer(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	c := NewClassifier()
	buf, err := NewHostBuffer(c, 4096)
	require.NoError(err)

	inHost := &fakeMessage{tail: buf.Bytes()[100:200]}
	assert.False(IsInTrustedRegion(c, inHost))
	// the header lives on the Go heap, the tail in host memory
	assert.False(IsInHostRegion(c, inHost))
	assert.ErrorIs(RequireTrusted(c, inHost), status.ErrInvalidParameter)

	cloned := &fakeMessage{tail: append([]byte(nil), inHost.tail...)}
	assert.True(IsInTrustedRegion(c, cloned))
	assert.NoError(RequireTrusted(c, cloned))

	assert.True(c.IsHost(SpanOfBytes(buf.Bytes()[:10])))

	require.NoError(buf.Close())
	assert.True(IsInTrustedRegion(c, &fakeMessage{}))
	assert.NoError(buf.Close())
}

func TestNilMessage(t *testing.T) {
	assert := assert.New(t)

	assert.False(IsInTrustedRegion(NewClassifier(), nil))
	assert.False(IsInHostRegion(NewClassifier(), nil))
}
