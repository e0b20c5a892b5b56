package protocol

import (
	"context"

	"github.com/cockroachdb/errors"
)

// SendGate serializes writes on a connection and bounds each one by its
// context. A write still running when its context ends aborts the
// connection, a half written frame leaves the stream unusable.
type SendGate struct {
	slot chan struct{}
}

func NewSendGate() *SendGate {
	return &SendGate{slot: make(chan struct{}, 1)}
}

// Do runs write once no other write is in progress. closed is the
// connection's close signal and abort closes it.
func (g *SendGate) Do(ctx context.Context, closed <-chan struct{}, abort func(), write func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case g.slot <- struct{}{}:
	case <-closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	done := make(chan error, 1)
	go func() {
		defer func() { <-g.slot }()
		done <- write()
	}()
	select {
	case err := <-done:
		return err
	case <-closed:
		return ErrClosed
	case <-ctx.Done():
		abort()
		return errors.Wrap(ctx.Err(), "protocol: write stalled, connection closed")
	}
}
