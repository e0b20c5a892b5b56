package protocol

import (
	"context"
	"io"
	"sync"
)

type pipe struct {
	closed chan struct{}
	once   sync.Once
}

func (p *pipe) close() {
	p.once.Do(func() { close(p.closed) })
}

type pipeConn struct {
	p   *pipe
	in  chan *Envelope
	out chan *Envelope
}

// Pipe returns two connected in-memory conns. Closing either end closes both,
// like a worker process going away. It is used for in-process workers and tests.
func Pipe() (Conn, Conn) {
	p := &pipe{closed: make(chan struct{})}
	a := make(chan *Envelope, 64)
	b := make(chan *Envelope, 64)
	return &pipeConn{p: p, in: a, out: b}, &pipeConn{p: p, in: b, out: a}
}

func (c *pipeConn) Send(ctx context.Context, env *Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	cp := *env
	select {
	case <-c.p.closed:
		return ErrClosed
	default:
	}
	select {
	case c.out <- &cp:
		return nil
	case <-c.p.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *pipeConn) Recv(ctx context.Context) (*Envelope, error) {
	select {
	case env := <-c.in:
		return env, nil
	default:
	}
	select {
	case env := <-c.in:
		return env, nil
	case <-c.p.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *pipeConn) Close() error {
	c.p.close()
	return nil
}
