package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/edgelesssys/go-sgx-ra/status"
	"github.com/segmentio/ksuid"
	"google.golang.org/protobuf/encoding/protowire"
)

// DefaultMaxFrameSize bounds the size of a received frame.
// It leaves room for a PSI upload of 64k hashes.
const DefaultMaxFrameSize = 4 << 20

// Message is a wire message that can be sent in a frame.
type Message interface {
	Marshal() ([]byte, error)
}

type deadliner interface {
	SetDeadline(t time.Time) error
}

// Conn sends and receives frames over a stream.
// A Conn is not safe for concurrent use.
type Conn struct {
	rw           io.ReadWriter
	r            *bufio.Reader
	session      ksuid.KSUID
	maxFrameSize int
	recorder     *Recorder
	log          *slog.Logger
}

// Option configures a Conn.
type Option func(*Conn)

// WithSession sets the session id stamped on sent frames and expected on received ones.
func WithSession(id ksuid.KSUID) Option {
	return func(c *Conn) { c.session = id }
}

// WithMaxFrameSize overrides [DefaultMaxFrameSize].
func WithMaxFrameSize(n int) Option {
	return func(c *Conn) { c.maxFrameSize = n }
}

// WithRecorder records every frame sent or received.
func WithRecorder(r *Recorder) Option {
	return func(c *Conn) { c.recorder = r }
}

// WithLogger sets the logger. Frames are logged at debug level.
func WithLogger(log *slog.Logger) Option {
	return func(c *Conn) { c.log = log }
}

// NewConn wraps rw.
// If rw has a SetDeadline method, a done context interrupts blocked calls.
func NewConn(rw io.ReadWriter, opts ...Option) *Conn {
	c := &Conn{
		rw:           rw,
		r:            bufio.NewReader(rw),
		maxFrameSize: DefaultMaxFrameSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c
}

// Session returns the session id of the connection.
func (c *Conn) Session() ksuid.KSUID {
	return c.session
}

// Send writes f. A nil session id is replaced by the connection's.
func (c *Conn) Send(ctx context.Context, f Frame) error {
	if f.Session.IsNil() {
		f.Session = c.session
	}
	body := f.Marshal()
	if len(body) > c.maxFrameSize {
		return status.Errorf(status.ErrInvalidParameter, "frame of %d bytes exceeds limit of %d", len(body), c.maxFrameSize)
	}
	buf := protowire.AppendVarint(make([]byte, 0, binary.MaxVarintLen64+len(body)), uint64(len(body)))
	buf = append(buf, body...)

	stop, err := c.watch(ctx)
	if err != nil {
		return err
	}
	_, err = c.rw.Write(buf)
	stop()
	if err != nil {
		return fmt.Errorf("writing %s frame: %w", f.Type, c.ioError(ctx, err))
	}

	c.log.Debug("frame sent", "type", f.Type.String(), "size", len(body))
	c.recorder.record(Sent, f)
	return nil
}

// Recv reads the next frame.
func (c *Conn) Recv(ctx context.Context) (Frame, error) {
	stop, err := c.watch(ctx)
	if err != nil {
		return Frame{}, err
	}
	body, err := c.readFrame()
	stop()
	if err != nil {
		return Frame{}, c.ioError(ctx, err)
	}

	f, err := UnmarshalFrame(body)
	if err != nil {
		return Frame{}, err
	}
	c.log.Debug("frame received", "type", f.Type.String(), "size", len(body))
	c.recorder.record(Received, f)
	return f, nil
}

func (c *Conn) readFrame() ([]byte, error) {
	size, err := binary.ReadUvarint(c.r)
	if err != nil {
		return nil, fmt.Errorf("reading frame length: %w", err)
	}
	if size > uint64(c.maxFrameSize) {
		return nil, status.Errorf(status.ErrInvalidParameter, "frame of %d bytes exceeds limit of %d", size, c.maxFrameSize)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(c.r, body); err != nil {
		return nil, fmt.Errorf("reading frame body: %w", err)
	}
	return body, nil
}

// SendMessage marshals m and sends it as a frame of type t.
func (c *Conn) SendMessage(ctx context.Context, t MessageType, m Message) error {
	payload, err := m.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", t, err)
	}
	return c.Send(ctx, Frame{Type: t, Payload: payload})
}

// SendError reports err to the peer. The peer's [Conn.Expect] fails with its message.
func (c *Conn) SendError(ctx context.Context, err error) error {
	return c.Send(ctx, Frame{Type: TypeError, Payload: []byte(err.Error())})
}

// Expect receives a frame and returns its payload if it has type t.
// Error frames from the peer and frames of another session fail with [status.ErrUnexpected].
func (c *Conn) Expect(ctx context.Context, t MessageType) ([]byte, error) {
	f, err := c.Recv(ctx)
	if err != nil {
		return nil, err
	}
	if !c.session.IsNil() && f.Session != c.session {
		return nil, status.Errorf(status.ErrUnexpected, "frame for session %s on session %s", f.Session, c.session)
	}
	switch f.Type {
	case t:
		return f.Payload, nil
	case TypeError:
		return nil, status.Errorf(status.ErrUnexpected, "peer failed: %s", f.Payload)
	default:
		return nil, status.Errorf(status.ErrUnexpected, "expected %s frame, got %s", t, f.Type)
	}
}

// watch interrupts blocked I/O on the underlying stream once ctx is done.
func (c *Conn) watch(ctx context.Context) (stop func(), err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d, ok := c.rw.(deadliner)
	if !ok {
		return func() {}, nil
	}
	stopCancel := context.AfterFunc(ctx, func() {
		_ = d.SetDeadline(time.Unix(1, 0))
	})
	return func() { stopCancel() }, nil
}

func (c *Conn) ioError(ctx context.Context, err error) error {
	if errors.Is(err, status.ErrInvalidParameter) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return status.Wrap(status.ErrUnexpected, err)
}
