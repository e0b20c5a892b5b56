// Package protocol defines the message envelope exchanged between the host and
// its workers and the connections that carry it.
//
// A single call produces the sequence
//
//	request -> [callback -> callback_response]* -> response
//
// on one Conn. Callbacks carry their own correlation id and point back at the
// call through ParentID, so several calls (and several callbacks of one call)
// can be in flight on the same connection and resolve in any order.
package protocol

import (
	"context"
	"time"

	"github.com/agentuity/go-bridge/fault"
)

// Kind is the envelope kind
type Kind string

const (
	KindRequest          Kind = "request"
	KindResponse         Kind = "response"
	KindCallback         Kind = "callback"
	KindCallbackResponse Kind = "callback_response"

	// control messages, never correlated with a call
	KindPing     Kind = "ping"
	KindPong     Kind = "pong"
	KindShutdown Kind = "shutdown"
)

// Envelope is one message on the wire. Payload is encoded with the codec named
// by Codec (see package codec), the envelope itself is always msgpack.
type Envelope struct {
	CorrelationID string      `msgpack:"correlation_id" json:"correlation_id"`
	ParentID      string      `msgpack:"parent_id,omitempty" json:"parent_id,omitempty"`
	SessionID     string      `msgpack:"session_id,omitempty" json:"session_id,omitempty"`
	Kind          Kind        `msgpack:"kind" json:"kind"`
	Name          string      `msgpack:"name,omitempty" json:"name,omitempty"`
	Codec         string      `msgpack:"codec,omitempty" json:"codec,omitempty"`
	Payload       []byte      `msgpack:"payload,omitempty" json:"payload,omitempty"`
	Error         *fault.Wire `msgpack:"error,omitempty" json:"error,omitempty"`
	Deadline      int64       `msgpack:"deadline,omitempty" json:"deadline,omitempty"` // unix millis, 0 means none
}

// Reply returns an envelope answering e with the given kind
func (e *Envelope) Reply(kind Kind, payload []byte, err error) *Envelope {
	return &Envelope{
		CorrelationID: e.CorrelationID,
		ParentID:      e.ParentID,
		SessionID:     e.SessionID,
		Kind:          kind,
		Name:          e.Name,
		Codec:         e.Codec,
		Payload:       payload,
		Error:         fault.ToWire(err),
	}
}

// Err rebuilds the error carried by the envelope, nil when it succeeded
func (e *Envelope) Err() error {
	return fault.FromWire(e.Error)
}

// SetDeadline stores t, the zero time clears it
func (e *Envelope) SetDeadline(t time.Time) {
	if t.IsZero() {
		e.Deadline = 0
		return
	}
	e.Deadline = t.UnixMilli()
}

// DeadlineTime returns the deadline and whether one is set
func (e *Envelope) DeadlineTime() (time.Time, bool) {
	if e.Deadline == 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(e.Deadline), true
}

// Context derives a context bounded by the envelope deadline
func (e *Envelope) Context(parent context.Context) (context.Context, context.CancelFunc) {
	if t, ok := e.DeadlineTime(); ok {
		return context.WithDeadline(parent, t)
	}
	return context.WithCancel(parent)
}

// IsControl reports whether e is a ping, pong or shutdown
func (e *Envelope) IsControl() bool {
	switch e.Kind {
	case KindPing, KindPong, KindShutdown:
		return true
	}
	return false
}

// Validate checks the fields each kind requires
func (e *Envelope) Validate() error {
	switch e.Kind {
	case KindRequest, KindCallback:
		if e.CorrelationID == "" || e.Name == "" {
			return fault.New(fault.CodeCodecFailure, "%s envelope requires correlation_id and name", e.Kind)
		}
		if e.Kind == KindCallback && e.ParentID == "" {
			return fault.New(fault.CodeCodecFailure, "callback envelope requires parent_id")
		}
	case KindResponse, KindCallbackResponse:
		if e.CorrelationID == "" {
			return fault.New(fault.CodeCodecFailure, "%s envelope requires correlation_id", e.Kind)
		}
	case KindPing, KindPong, KindShutdown:
	default:
		return fault.New(fault.CodeCodecFailure, "unknown envelope kind %q", e.Kind)
	}
	return nil
}

// Conn carries envelopes in both directions. Send is safe for concurrent use,
// Recv must be called from a single goroutine.
type Conn interface {
	Send(ctx context.Context, env *Envelope) error
	Recv(ctx context.Context) (*Envelope, error)
	Close() error
}
