// Package bridge routes contract-checked calls from the host to the worker
// pool and serves the tool callbacks workers make while a call is running.
package bridge

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentuity/go-bridge/codec"
	"github.com/agentuity/go-bridge/contract"
	"github.com/agentuity/go-bridge/fault"
	"github.com/agentuity/go-bridge/logger"
	"github.com/agentuity/go-bridge/pool"
	"github.com/agentuity/go-bridge/protocol"
	"github.com/agentuity/go-bridge/session"
	"github.com/agentuity/go-bridge/tool"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/wait"
)

// DefaultDeadline bounds calls that neither the caller nor the contract bound
const DefaultDeadline = 30 * time.Second

// replyTimeout bounds writing a callback_response back to a worker
const replyTimeout = 5 * time.Second

// Workers is the part of the pool the dispatcher routes through
type Workers interface {
	Acquire(ctx context.Context, op string) (*pool.Handle, error)
	Release(h *pool.Handle, out pool.Outcome)
}

var _ Workers = (*pool.Pool)(nil)

// Options configure a Dispatcher
type Options struct {
	// Contracts validates arguments and results. When nil operations are
	// forwarded by name without checks.
	Contracts *contract.Registry
	// Sessions, when set, rejects calls for sessions that are not live
	Sessions *session.Manager
	// Tools serves callbacks when Callbacks is nil
	Tools     *tool.Executor
	Callbacks CallbackInvoker
	// Codec encodes request payloads, nil uses codec.Default
	Codec                codec.Codec
	DefaultDeadline      time.Duration
	Interceptors         []Interceptor
	CallbackInterceptors []CallbackInterceptor
	Logger               logger.Logger
}

// Dispatcher owns every pending call
type Dispatcher struct {
	opts     Options
	logger   logger.Logger
	codec    codec.Codec
	pending  *pendingTable
	invoke   Invoker
	callback CallbackInvoker
	closed   atomic.Bool

	mu      sync.RWMutex
	workers Workers
}

// NewDispatcher returns a dispatcher, Attach gives it workers to route to
func NewDispatcher(opts Options) *Dispatcher {
	if opts.DefaultDeadline <= 0 {
		opts.DefaultDeadline = DefaultDeadline
	}
	if opts.Codec == nil {
		opts.Codec = codec.Default
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewConsoleLogger()
	}
	d := &Dispatcher{
		opts:    opts,
		logger:  opts.Logger.WithPrefix("[bridge]"),
		codec:   opts.Codec,
		pending: newPendingTable(),
	}
	final := opts.Callbacks
	if final == nil {
		final = d.executeTool
	}
	d.invoke = chain(opts.Interceptors, d.dispatch)
	d.callback = chainCallbacks(opts.CallbackInterceptors, final)
	return d
}

// Attach sets the workers calls are routed to
func (d *Dispatcher) Attach(w Workers) {
	d.mu.Lock()
	d.workers = w
	d.mu.Unlock()
}

// Bind returns opts with the pool hooks the dispatcher needs. Hooks already
// present in opts still run, after the dispatcher's.
func (d *Dispatcher) Bind(opts pool.Options) pool.Options {
	onMessage, onExit := opts.OnMessage, opts.OnExit
	opts.OnMessage = func(h *pool.Handle, env *protocol.Envelope) {
		d.HandleMessage(h, env)
		if onMessage != nil {
			onMessage(h, env)
		}
	}
	opts.OnExit = func(h *pool.Handle, err error) {
		d.WorkerExited(h, err)
		if onExit != nil {
			onExit(h, err)
		}
	}
	return opts
}

func (d *Dispatcher) currentWorkers() Workers {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.workers
}

// CallOption adjusts a single call
type CallOption func(*Invocation)

// WithTimeout bounds the call, overriding the contract and default deadline
func WithTimeout(timeout time.Duration) CallOption {
	return func(inv *Invocation) {
		inv.Timeout = timeout
	}
}

// Call runs op for sessionID on a worker and returns its contract-checked
// result. It blocks only the calling goroutine and always returns by the
// call's deadline.
func (d *Dispatcher) Call(ctx context.Context, sessionID, op string, args map[string]any, opts ...CallOption) (any, error) {
	inv := &Invocation{
		ID:        uuid.Must(uuid.NewV7()).String(),
		SessionID: sessionID,
		Operation: op,
		Args:      args,
	}
	for _, opt := range opts {
		opt(inv)
	}
	return d.invoke(ctx, inv)
}

func (d *Dispatcher) timeoutFor(inv *Invocation, def *contract.Definition) time.Duration {
	if inv.Timeout > 0 {
		return inv.Timeout
	}
	if def != nil && def.Timeout() > 0 {
		return def.Timeout()
	}
	return d.opts.DefaultDeadline
}

func failedState(err error) CallState {
	if fault.IsKind(err, fault.KindTimeout) {
		return CallTimedOut
	}
	return CallFailed
}

// dispatch is the innermost invoker
func (d *Dispatcher) dispatch(ctx context.Context, inv *Invocation) (any, error) {
	if d.closed.Load() {
		return nil, fault.New(fault.CodeUnavailable, "dispatcher is closed")
	}
	workers := d.currentWorkers()
	if workers == nil {
		return nil, fault.New(fault.CodeUnavailable, "no workers attached")
	}
	var def *contract.Definition
	if d.opts.Contracts != nil {
		var err error
		if def, err = d.opts.Contracts.Get(inv.Operation); err != nil {
			return nil, err
		}
	}

	timeout := d.timeoutFor(inv, def)
	now := time.Now()
	deadline := now.Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	pc := newPendingCall(ctx, inv.ID, inv.SessionID, inv.Operation, now, deadline)
	// registered before the session check so a concurrent close always finds it
	d.pending.add(pc)
	defer d.pending.remove(pc.ID)

	fail := func(err error) (any, error) {
		if pc.resolve(failedState(err), nil, err) {
			return nil, err
		}
		return pc.outcome()
	}

	if d.opts.Sessions != nil {
		// an unknown id opens the session on first use
		if _, err := d.opts.Sessions.GetOrCreate(ctx, inv.SessionID); err != nil {
			return fail(err)
		}
	}
	args := inv.Args
	if def != nil {
		var err error
		if args, err = def.ValidateParams(inv.Args); err != nil {
			return fail(err)
		}
	}
	if args == nil {
		args = map[string]any{}
	}

	h, err := workers.Acquire(ctx, inv.Operation)
	if err != nil {
		return fail(err)
	}
	started := time.Now()
	release := func(err error, timedOut bool) {
		workers.Release(h, pool.Outcome{Operation: inv.Operation, Latency: time.Since(started), Err: err, TimedOut: timedOut})
	}

	payload, err := d.codec.Marshal(args)
	if err != nil {
		release(nil, false)
		return fail(err)
	}
	target := inv.Operation
	if def != nil && def.Target != "" {
		target = def.Target
	}
	env := &protocol.Envelope{
		CorrelationID: pc.ID,
		SessionID:     inv.SessionID,
		Kind:          protocol.KindRequest,
		Name:          target,
		Codec:         d.codec.Name(),
		Payload:       payload,
	}
	env.SetDeadline(deadline)
	pc.dispatched(h)
	if err := h.Send(ctx, env); err != nil {
		if ctx.Err() != nil {
			err = d.contextError(ctx, inv, deadline.Sub(now))
		}
		release(err, false)
		return fail(err)
	}

	select {
	case <-pc.done:
	case <-ctx.Done():
		err := d.contextError(ctx, inv, deadline.Sub(now))
		pc.resolve(failedState(err), nil, err)
	}
	result, err := pc.outcome()
	timedOut := pc.State() == CallTimedOut
	if err == nil && def != nil {
		result, err = def.CoerceResult(result)
	}
	release(err, timedOut)
	return result, err
}

func (d *Dispatcher) contextError(ctx context.Context, inv *Invocation, timeout time.Duration) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fault.New(fault.CodeDeadlineExceeded, "%s did not complete within %v", inv.Operation, timeout)
	}
	return errors.WithStack(ctx.Err())
}

// HandleMessage takes every non-control envelope a worker sends. It runs on
// the worker's read loop, anything slow happens on its own goroutine.
func (d *Dispatcher) HandleMessage(h *pool.Handle, env *protocol.Envelope) {
	switch env.Kind {
	case protocol.KindResponse:
		d.handleResponse(h, env)
	case protocol.KindCallback:
		d.handleCallback(h, env)
	default:
		d.logger.Warn("ignoring %s envelope from worker %s", env.Kind, h.ID)
	}
}

func (d *Dispatcher) handleResponse(h *pool.Handle, env *protocol.Envelope) {
	pc, ok := d.pending.get(env.CorrelationID)
	if !ok {
		d.logger.Warn("discarding late response %s for %s from worker %s", env.CorrelationID, env.Name, h.ID)
		return
	}
	result, err := d.decodeResult(env)
	state := CallCompleted
	if err != nil {
		state = CallFailed
	}
	if !pc.resolve(state, result, err) {
		d.logger.Debug("discarding response for call %s, already %s", pc.ID, pc.State())
	}
}

func (d *Dispatcher) decodeResult(env *protocol.Envelope) (any, error) {
	if err := env.Err(); err != nil {
		return nil, err
	}
	if len(env.Payload) == 0 {
		return nil, nil
	}
	c, err := codec.Lookup(env.Codec)
	if err != nil {
		return nil, err
	}
	var out any
	if err := c.Unmarshal(env.Payload, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *Dispatcher) decodeArgs(env *protocol.Envelope) (map[string]any, codec.Codec, error) {
	c, err := codec.Lookup(env.Codec)
	if err != nil {
		return nil, d.codec, err
	}
	if len(env.Payload) == 0 {
		return map[string]any{}, c, nil
	}
	var raw any
	if err := c.Unmarshal(env.Payload, &raw); err != nil {
		return nil, c, err
	}
	switch v := raw.(type) {
	case nil:
		return map[string]any{}, c, nil
	case map[string]any:
		return v, c, nil
	default:
		return nil, c, fault.New(fault.CodeInvalidArgs, "callback %s arguments must be a map, got %T", env.Name, raw)
	}
}

func (d *Dispatcher) handleCallback(h *pool.Handle, env *protocol.Envelope) {
	pc, ok := d.pending.get(env.ParentID)
	if !ok || !pc.callbackStarted() {
		// answer anyway so the worker is not left waiting
		go d.reply(h, env, d.codec, nil, fault.New(fault.CodeUnavailable, "call %s is no longer pending", env.ParentID))
		return
	}
	go func() {
		defer pc.callbackFinished()
		ctx, cancel := env.Context(pc.ctx)
		defer cancel()
		args, c, err := d.decodeArgs(env)
		var result any
		if err == nil {
			result, err = d.callback(ctx, &Callback{
				ID:        env.CorrelationID,
				CallID:    pc.ID,
				SessionID: pc.SessionID,
				Tool:      env.Name,
				Args:      args,
			})
		}
		d.reply(h, env, c, result, err)
	}()
}

func (d *Dispatcher) reply(h *pool.Handle, env *protocol.Envelope, c codec.Codec, result any, err error) {
	var payload []byte
	if err == nil {
		var merr error
		if payload, merr = c.Marshal(result); merr != nil {
			err = merr
		}
	}
	resp := env.Reply(protocol.KindCallbackResponse, payload, err)
	resp.Codec = c.Name()
	ctx, cancel := context.WithTimeout(context.Background(), replyTimeout)
	defer cancel()
	if serr := h.Send(ctx, resp); serr != nil {
		d.logger.Warn("could not answer callback %s (%s) on worker %s: %s", env.CorrelationID, env.Name, h.ID, serr)
	}
}

// HandleCallback serves a tool call for sessionID outside of any worker call,
// through the same interceptors as worker callbacks
func (d *Dispatcher) HandleCallback(ctx context.Context, sessionID, toolName string, args map[string]any) (any, error) {
	if args == nil {
		args = map[string]any{}
	}
	return d.callback(ctx, &Callback{
		ID:        uuid.Must(uuid.NewV7()).String(),
		SessionID: sessionID,
		Tool:      toolName,
		Args:      args,
	})
}

func (d *Dispatcher) executeTool(ctx context.Context, cb *Callback) (any, error) {
	if d.opts.Tools == nil {
		return nil, fault.New(fault.CodeToolNotFound, "tool %q not found, no tools are registered", cb.Tool)
	}
	return d.opts.Tools.Execute(ctx, cb.SessionID, cb.Tool, cb.Args)
}

// WorkerExited fails every call assigned to h
func (d *Dispatcher) WorkerExited(h *pool.Handle, cause error) {
	calls := d.pending.matching(func(pc *PendingCall) bool { return pc.workerHandle() == h })
	for _, pc := range calls {
		err := fault.New(fault.CodeWorkerCrashed, "worker %s exited during %s: %v", h.ID, pc.Operation, cause)
		if pc.resolve(CallFailed, nil, err) {
			d.logger.Warn("call %s (%s) failed, worker %s exited", pc.ID, pc.Operation, h.ID)
		}
	}
}

// SessionClosed fails every pending call of the session. It has the shape of
// a session.CloseHook.
func (d *Dispatcher) SessionClosed(ctx context.Context, id string, tools []string, reason session.CloseReason) {
	calls := d.pending.matching(func(pc *PendingCall) bool { return pc.SessionID == id })
	for _, pc := range calls {
		pc.resolve(CallFailed, nil, fault.New(fault.CodeSessionClosed, "session %s %s while %s was pending", id, reason, pc.Operation))
	}
	if len(calls) > 0 {
		d.logger.Info("session %s %s, failed %d pending call(s)", id, reason, len(calls))
	}
}

// Pending returns a snapshot of every call in flight, oldest first
func (d *Dispatcher) Pending() []PendingInfo {
	return d.pending.snapshot()
}

// Close stops accepting calls and waits for the pending ones until ctx is
// done, then fails whatever is left
func (d *Dispatcher) Close(ctx context.Context) error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := wait.PollUntilContextCancel(ctx, 10*time.Millisecond, true, func(context.Context) (bool, error) {
		return d.pending.size() == 0, nil
	})
	if err != nil {
		left := d.pending.matching(func(*PendingCall) bool { return true })
		for _, pc := range left {
			pc.resolve(CallFailed, nil, fault.New(fault.CodeUnavailable, "dispatcher closed while %s was pending", pc.Operation))
		}
		d.logger.Warn("closed with %d call(s) still pending", len(left))
	}
	return nil
}
