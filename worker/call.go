package worker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/agentuity/go-bridge/codec"
	"github.com/agentuity/go-bridge/protocol"
)

// Call is one request being served
type Call struct {
	ID        string
	SessionID string
	Operation string
	Args      map[string]any
	// Deadline is zero when the host set none
	Deadline time.Time

	env       *protocol.Envelope
	codec     codec.Codec
	worker    *Worker
	manual    bool
	responded atomic.Bool
}

// InvokeCallback calls host tool with args and waits for its result. The
// request stays open meanwhile, a handler may call back any number of times.
func (c *Call) InvokeCallback(ctx context.Context, tool string, args map[string]any) (any, error) {
	return c.worker.invokeCallback(ctx, c, tool, args)
}

// Respond answers the call, see Worker.SendResponse
func (c *Call) Respond(ctx context.Context, result any, err error) error {
	return c.worker.SendResponse(ctx, c, result, err)
}

// Context derives a context bounded by the call deadline
func (c *Call) Context(parent context.Context) (context.Context, context.CancelFunc) {
	return c.env.Context(parent)
}

// String returns the named argument or def
func (c *Call) String(name, def string) string {
	if v, ok := c.Args[name].(string); ok {
		return v
	}
	return def
}

// Float returns the named numeric argument as a float64 or def
func (c *Call) Float(name string, def float64) float64 {
	switch v := c.Args[name].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	}
	return def
}

// Bool returns the named argument or def
func (c *Call) Bool(name string, def bool) bool {
	if v, ok := c.Args[name].(bool); ok {
		return v
	}
	return def
}
