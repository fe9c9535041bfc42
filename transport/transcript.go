package transport

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/edgelesssys/go-sgx-ra/status"
	"github.com/fxamacker/cbor/v2"
	"k8s.io/utils/clock"
)

// Direction tells whether a frame was sent or received.
type Direction uint8

const (
	Sent Direction = iota + 1
	Received
)

func (d Direction) String() string {
	switch d {
	case Sent:
		return "sent"
	case Received:
		return "received"
	default:
		return "unknown"
	}
}

// Entry is a recorded frame.
type Entry struct {
	Time      time.Time   `cbor:"time"`
	Direction Direction   `cbor:"dir"`
	Type      MessageType `cbor:"type"`
	Session   string      `cbor:"session"`
	Payload   []byte      `cbor:"payload"`
}

// Transcript is the ordered list of frames seen on one side of an exchange.
type Transcript struct {
	Entries []Entry `cbor:"entries"`
}

var transcriptEncMode = func() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// Marshal encodes the transcript as CBOR.
func (t *Transcript) Marshal() ([]byte, error) {
	b, err := transcriptEncMode.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encoding transcript: %w", err)
	}
	return b, nil
}

// UnmarshalTranscript decodes a transcript written by [Transcript.Marshal].
func UnmarshalTranscript(b []byte) (Transcript, error) {
	var t Transcript
	if err := cbor.Unmarshal(b, &t); err != nil {
		return Transcript{}, status.Errorf(status.ErrInvalidParameter, "decoding transcript: %s", err)
	}
	return t, nil
}

// Recorder collects frames into a transcript. It is safe for concurrent use,
// so one recorder can be shared by both ends of an in-process exchange.
type Recorder struct {
	mu      sync.Mutex
	clock   clock.PassiveClock
	entries []Entry
}

// NewRecorder returns a recorder stamping entries with clk.
func NewRecorder(clk clock.PassiveClock) *Recorder {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Recorder{clock: clk}
}

func (r *Recorder) record(dir Direction, f Frame) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, Entry{
		Time:      r.clock.Now(),
		Direction: dir,
		Type:      f.Type,
		Session:   f.Session.String(),
		Payload:   bytes.Clone(f.Payload),
	})
}

// Transcript returns a copy of the frames recorded so far.
func (r *Recorder) Transcript() Transcript {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Transcript{Entries: append([]Entry(nil), r.entries...)}
}
