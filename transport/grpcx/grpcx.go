// Package grpcx carries worker envelopes over a gRPC bidirectional stream so
// workers can run on other machines. Each stream is one logical worker: the
// host opens a stream per spawned worker and the remote side serves it with
// the same function an in-process worker would use.
package grpcx

import (
	"context"
	"io"
	"sync"

	"github.com/agentuity/go-bridge/fault"
	"github.com/agentuity/go-bridge/protocol"
	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"
)

const (
	// ServiceName is the fully qualified gRPC service
	ServiceName = "bridge.v1.Worker"
	// ChannelMethod is the full method name of the bidi stream
	ChannelMethod = "/" + ServiceName + "/Channel"
	// CodecName is the content subtype the envelope codec is registered under
	CodecName = "bridge-envelope"

	workerIDKey = "bridge-worker-id"
)

func init() {
	encoding.RegisterCodec(envelopeCodec{})
}

// envelopeCodec encodes stream messages the same way the stdio framing does,
// minus the length prefix gRPC already provides
type envelopeCodec struct{}

func (envelopeCodec) Name() string { return CodecName }

func (envelopeCodec) Marshal(v any) ([]byte, error) {
	env, ok := v.(*protocol.Envelope)
	if !ok {
		return nil, fault.New(fault.CodeCodecFailure, "grpcx: cannot encode %T", v)
	}
	buf, err := msgpack.Marshal(env)
	if err != nil {
		return nil, fault.Wrap(err, fault.CodeCodecFailure, "grpcx: encode envelope")
	}
	if len(buf) > protocol.MaxFrameSize {
		return nil, fault.New(fault.CodeSizeExceeded, "envelope of %d bytes exceeds the %d byte frame limit", len(buf), protocol.MaxFrameSize)
	}
	return buf, nil
}

func (envelopeCodec) Unmarshal(data []byte, v any) error {
	env, ok := v.(*protocol.Envelope)
	if !ok {
		return fault.New(fault.CodeCodecFailure, "grpcx: cannot decode into %T", v)
	}
	if err := msgpack.Unmarshal(data, env); err != nil {
		return fault.Wrap(err, fault.CodeCodecFailure, "grpcx: decode envelope")
	}
	return nil
}

// stream is what client and server streams have in common
type stream interface {
	Context() context.Context
	SendMsg(m any) error
	RecvMsg(m any) error
}

type received struct {
	env *protocol.Envelope
	err error
}

// streamConn adapts a gRPC stream to protocol.Conn
type streamConn struct {
	s        stream
	gate     *protocol.SendGate
	in       chan received
	closed   chan struct{}
	finished chan struct{}
	once     sync.Once
	onClose  func()
}

var _ protocol.Conn = (*streamConn)(nil)

func newStreamConn(s stream, onClose func()) *streamConn {
	c := &streamConn{
		s:        s,
		gate:     protocol.NewSendGate(),
		in:       make(chan received, 16),
		closed:   make(chan struct{}),
		finished: make(chan struct{}),
		onClose:  onClose,
	}
	go c.readLoop()
	return c
}

func (c *streamConn) readLoop() {
	defer close(c.finished)
	defer close(c.in)
	for {
		env := new(protocol.Envelope)
		if err := c.s.RecvMsg(env); err != nil {
			select {
			case c.in <- received{err: streamError(err)}:
			case <-c.closed:
			}
			return
		}
		var r received
		// an invalid envelope is dropped by the reader, the stream stays usable
		if err := env.Validate(); err != nil {
			r.err = err
		} else {
			r.env = env
		}
		select {
		case c.in <- r:
		case <-c.closed:
			return
		}
	}
}

// streamError maps the end of a stream to io.EOF and anything else to Unavailable
func streamError(err error) error {
	if errors.Is(err, io.EOF) {
		return io.EOF
	}
	switch status.Code(err) {
	case codes.Canceled, codes.OK:
		return io.EOF
	}
	return fault.Wrap(err, fault.CodeUnavailable, "grpcx: stream")
}

func (c *streamConn) Send(ctx context.Context, env *protocol.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	// a stream stuck in flow control is closed once ctx ends
	return c.gate.Do(ctx, c.closed, func() { _ = c.Close() }, func() error {
		if err := c.s.SendMsg(env); err != nil {
			if errors.Is(err, io.EOF) {
				return protocol.ErrClosed
			}
			return streamError(err)
		}
		return nil
	})
}

func (c *streamConn) Recv(ctx context.Context) (*protocol.Envelope, error) {
	select {
	case r, ok := <-c.in:
		if !ok {
			return nil, io.EOF
		}
		return r.env, r.err
	case <-c.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *streamConn) Close() error {
	c.once.Do(func() {
		close(c.closed)
		if c.onClose != nil {
			c.onClose()
		}
	})
	return nil
}

// done is closed once nothing more can be received
func (c *streamConn) done() <-chan struct{} {
	return c.finished
}
