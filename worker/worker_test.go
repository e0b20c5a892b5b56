package worker

import (
	"context"
	"testing"
	"time"

	"github.com/agentuity/go-bridge/codec"
	"github.com/agentuity/go-bridge/fault"
	"github.com/agentuity/go-bridge/logger"
	"github.com/agentuity/go-bridge/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type host struct {
	t    *testing.T
	conn protocol.Conn
}

func start(t *testing.T, opts Options) (*host, *Worker, chan error) {
	t.Helper()
	hostConn, workerConn := protocol.Pipe()
	if opts.Logger == nil {
		opts.Logger = logger.NewTestLogger()
	}
	w := New(workerConn, opts)
	done := make(chan error, 1)
	go func() { done <- w.Serve(context.Background()) }()
	t.Cleanup(func() { hostConn.Close() })
	return &host{t: t, conn: hostConn}, w, done
}

func (h *host) send(env *protocol.Envelope) {
	require.NoError(h.t, h.conn.Send(context.Background(), env))
}

func (h *host) request(id, op string, args map[string]any) {
	payload, err := codec.Msgpack.Marshal(args)
	require.NoError(h.t, err)
	h.send(&protocol.Envelope{CorrelationID: id, SessionID: "s1", Kind: protocol.KindRequest, Name: op, Codec: "msgpack", Payload: payload})
}

func (h *host) recv() *protocol.Envelope {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	env, err := h.conn.Recv(ctx)
	require.NoError(h.t, err)
	return env
}

func decode(t *testing.T, env *protocol.Envelope) any {
	t.Helper()
	c, err := codec.Lookup(env.Codec)
	require.NoError(t, err)
	var out any
	require.NoError(t, c.Unmarshal(env.Payload, &out))
	return out
}

func TestPingPong(t *testing.T) {
	h, _, _ := start(t, Options{})
	h.send(&protocol.Envelope{CorrelationID: "p1", Kind: protocol.KindPing})
	env := h.recv()
	assert.Equal(t, protocol.KindPong, env.Kind)
	assert.Equal(t, "p1", env.CorrelationID)
}

func TestRequestResponse(t *testing.T) {
	h, _, _ := start(t, Options{Handlers: map[string]Handler{
		"double": func(ctx context.Context, call *Call) (any, error) {
			return call.Float("x", 0) * 2, nil
		},
		"fail": func(ctx context.Context, call *Call) (any, error) {
			return nil, fault.New(fault.CodeInvalidArgs, "bad input")
		},
		"panic": func(ctx context.Context, call *Call) (any, error) {
			panic("worker bug")
		},
	}})
	h.request("r1", "double", map[string]any{"x": 21})
	env := h.recv()
	assert.Equal(t, protocol.KindResponse, env.Kind)
	assert.Equal(t, "r1", env.CorrelationID)
	assert.Nil(t, env.Error)
	assert.Equal(t, float64(42), decode(t, env))

	h.request("r2", "fail", nil)
	env = h.recv()
	assert.ErrorIs(t, env.Err(), fault.ErrInvalidArgs)

	h.request("r3", "panic", nil)
	env = h.recv()
	assert.ErrorIs(t, env.Err(), fault.ErrException)
	assert.Contains(t, env.Err().Error(), "worker bug")

	h.request("r4", "unknown", nil)
	env = h.recv()
	assert.ErrorIs(t, env.Err(), fault.ErrOperationNotFound)
}

func TestCallbacksDuringRequest(t *testing.T) {
	h, _, _ := start(t, Options{Handlers: map[string]Handler{
		"sum_lookups": func(ctx context.Context, call *Call) (any, error) {
			total := int64(0)
			for i := 0; i < 3; i++ {
				v, err := call.InvokeCallback(ctx, "db.lookup", map[string]any{"i": i})
				if err != nil {
					return nil, err
				}
				total += v.(int64)
			}
			return total, nil
		},
	}})
	h.request("r1", "sum_lookups", nil)
	var ids []string
	for i := 0; i < 3; i++ {
		cb := h.recv()
		require.Equal(t, protocol.KindCallback, cb.Kind)
		assert.Equal(t, "r1", cb.ParentID)
		assert.Equal(t, "s1", cb.SessionID)
		assert.Equal(t, "db.lookup", cb.Name)
		ids = append(ids, cb.CorrelationID)
		args := decode(t, cb).(map[string]any)
		payload, err := codec.Msgpack.Marshal(args["i"].(int64) * 10)
		require.NoError(t, err)
		h.send(cb.Reply(protocol.KindCallbackResponse, payload, nil))
	}
	assert.Len(t, ids, 3)
	assert.NotEqual(t, ids[0], ids[1])
	env := h.recv()
	assert.Equal(t, protocol.KindResponse, env.Kind)
	assert.Equal(t, int64(30), decode(t, env))
}

func TestCallbackErrorPropagates(t *testing.T) {
	h, _, _ := start(t, Options{Handlers: map[string]Handler{
		"use_tool": func(ctx context.Context, call *Call) (any, error) {
			return call.InvokeCallback(ctx, "missing.tool", nil)
		},
	}})
	h.request("r1", "use_tool", nil)
	cb := h.recv()
	h.send(cb.Reply(protocol.KindCallbackResponse, nil, fault.New(fault.CodeToolNotFound, "tool %q not found", cb.Name)))
	env := h.recv()
	assert.ErrorIs(t, env.Err(), fault.ErrToolNotFound)
}

func TestReceiveRequestAndSendResponse(t *testing.T) {
	h, w, _ := start(t, Options{QueueUnhandled: true})
	h.request("r1", "manual", map[string]any{"q": "hi"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	call, err := w.ReceiveRequest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "manual", call.Operation)
	assert.Equal(t, "hi", call.String("q", ""))
	require.NoError(t, w.SendResponse(ctx, call, "answered", nil))
	assert.Error(t, call.Respond(ctx, "twice", nil), "a call is answered once")

	env := h.recv()
	assert.Equal(t, "answered", decode(t, env))
}

func TestStatsOperation(t *testing.T) {
	h, _, _ := start(t, Options{ID: "w-1", Handlers: map[string]Handler{
		"ok": func(ctx context.Context, call *Call) (any, error) { return true, nil },
	}})
	h.request("r1", "ok", nil)
	h.recv()
	h.request("r2", StatsOperation, nil)
	stats := decode(t, h.recv()).(map[string]any)
	assert.Equal(t, "w-1", stats["worker_id"])
	assert.Equal(t, int64(1), stats["command_count"])
	assert.Equal(t, int64(0), stats["error_count"])
}

func TestShutdownWaitsForInFlight(t *testing.T) {
	release := make(chan struct{})
	h, _, done := start(t, Options{Handlers: map[string]Handler{
		"slow": func(ctx context.Context, call *Call) (any, error) {
			<-release
			return "finished", nil
		},
	}})
	h.request("r1", "slow", nil)
	time.Sleep(20 * time.Millisecond)
	h.send(&protocol.Envelope{Kind: protocol.KindShutdown})

	h.request("r2", "slow", nil)
	env := h.recv()
	assert.Equal(t, "r2", env.CorrelationID)
	assert.ErrorIs(t, env.Err(), fault.ErrUnavailable)

	select {
	case <-done:
		t.Fatal("serve returned with a request in flight")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	env = h.recv()
	assert.Equal(t, "finished", decode(t, env))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return after shutdown")
	}
}

func TestServeReturnsWhenConnCloses(t *testing.T) {
	h, _, done := start(t, Options{})
	require.NoError(t, h.conn.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return")
	}
}
