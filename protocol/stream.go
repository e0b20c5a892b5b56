package protocol

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"sync"

	"github.com/agentuity/go-bridge/fault"
	"github.com/cockroachdb/errors"
	gconv "github.com/savsgio/gotils/strconv"
	"github.com/vmihailenco/msgpack/v5"
)

// MaxFrameSize bounds a single envelope on the wire
const MaxFrameSize = 16 << 20

const headerSize = 4

// ErrClosed is returned by Send on a closed connection
var ErrClosed = errors.New("protocol: connection closed")

type frame struct {
	env *Envelope
	err error
}

// StreamConn frames envelopes over a byte stream: a 4 byte big endian length
// followed by the msgpack encoded envelope. It is used over worker stdio and
// any other io.ReadWriteCloser.
type StreamConn struct {
	rwc    io.ReadWriteCloser
	gate   *SendGate
	frames chan frame
	closed chan struct{}
	once   sync.Once
}

var _ Conn = (*StreamConn)(nil)

// NewStreamConn starts reading frames from rwc in the background
func NewStreamConn(rwc io.ReadWriteCloser) *StreamConn {
	c := &StreamConn{
		rwc:    rwc,
		gate:   NewSendGate(),
		frames: make(chan frame, 16),
		closed: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

type readWriteCloser struct {
	io.Reader
	io.Writer
	closers []io.Closer
}

func (rw *readWriteCloser) Close() error {
	var err error
	for _, c := range rw.closers {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// NewStreamConnPair builds a StreamConn from separate read and write sides,
// for example a child process stdout and stdin. Closing the conn closes both.
func NewStreamConnPair(r io.ReadCloser, w io.WriteCloser) *StreamConn {
	return NewStreamConn(&readWriteCloser{Reader: r, Writer: w, closers: []io.Closer{w, r}})
}

func (c *StreamConn) readLoop() {
	defer close(c.frames)
	r := bufio.NewReader(c.rwc)
	for {
		env, err := ReadFrame(r)
		select {
		case c.frames <- frame{env, err}:
		case <-c.closed:
			return
		}
		// a frame that fails to decode leaves the stream aligned, keep going
		if err != nil && !fault.IsKind(err, fault.KindSerialization) {
			return
		}
	}
}

// Send writes env as a single frame. When ctx ends before a peer that
// stopped reading takes the frame, the conn is closed.
func (c *StreamConn) Send(ctx context.Context, env *Envelope) error {
	buf, err := encodeFrame(env)
	if err != nil {
		return err
	}
	return c.gate.Do(ctx, c.closed, func() { _ = c.Close() }, func() error {
		if _, err := c.rwc.Write(buf); err != nil {
			return errors.Wrap(err, "protocol: write frame")
		}
		return nil
	})
}

// Recv returns the next envelope. io.EOF means the peer went away.
func (c *StreamConn) Recv(ctx context.Context) (*Envelope, error) {
	select {
	case <-c.closed:
		return nil, io.EOF
	default:
	}
	select {
	case f, ok := <-c.frames:
		if !ok {
			return nil, io.EOF
		}
		return f.env, f.err
	case <-c.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes the underlying stream, it is safe to call more than once
func (c *StreamConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		err = c.rwc.Close()
	})
	return err
}

// encodeFrame returns env with its length prefix as one buffer
func encodeFrame(env *Envelope) ([]byte, error) {
	body, err := msgpack.Marshal(env)
	if err != nil {
		return nil, fault.Wrap(err, fault.CodeCodecFailure, "encode envelope")
	}
	if len(body) > MaxFrameSize {
		return nil, fault.New(fault.CodeSizeExceeded, "envelope of %d bytes exceeds the %d byte frame limit", len(body), MaxFrameSize)
	}
	buf := make([]byte, headerSize+len(body))
	binary.BigEndian.PutUint32(buf[:headerSize], uint32(len(body)))
	copy(buf[headerSize:], body)
	return buf, nil
}

// WriteFrame encodes env and writes it with its length prefix
func WriteFrame(w io.Writer, env *Envelope) error {
	buf, err := encodeFrame(env)
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return errors.Wrap(err, "protocol: write frame")
	}
	return nil
}

// ReadFrame reads one length prefixed envelope. A clean end of stream before a
// header returns io.EOF, a stream cut inside a frame io.ErrUnexpectedEOF.
func ReadFrame(r io.Reader) (*Envelope, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return nil, fault.New(fault.CodeSizeExceeded, "frame of %d bytes exceeds the %d byte limit", size, MaxFrameSize)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	var env Envelope
	if err := msgpack.Unmarshal(body, &env); err != nil {
		return nil, fault.Wrap(err, fault.CodeCodecFailure, "decode envelope %q", preview(body))
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

func preview(body []byte) string {
	if len(body) > 32 {
		body = body[:32]
	}
	return gconv.B2S(body)
}
