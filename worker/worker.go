// Package worker is the worker side of the bridge protocol.
//
// A Worker reads envelopes from a protocol.Conn, answers pings, runs one
// Handler per request and lets handlers call host tools back through
// Call.InvokeCallback while the request is still open. Workers hold no state
// across requests besides counters.
package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentuity/go-bridge/codec"
	"github.com/agentuity/go-bridge/fault"
	"github.com/agentuity/go-bridge/logger"
	"github.com/agentuity/go-bridge/protocol"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/process"
)

// StatsOperation is answered by every worker with its counters
const StatsOperation = "__stats"

const DefaultConcurrency = 4

// Handler serves one operation
type Handler func(ctx context.Context, call *Call) (any, error)

// Options configure a Worker
type Options struct {
	ID       string
	Handlers map[string]Handler
	// Codec encodes responses and callback arguments, requests are decoded
	// with the codec they name
	Codec       codec.Codec
	Concurrency int
	// QueueUnhandled delivers requests without a handler to ReceiveRequest
	// instead of failing them with OperationNotFound
	QueueUnhandled bool
	Logger         logger.Logger
}

// Worker serves requests arriving on a connection
type Worker struct {
	conn     protocol.Conn
	opts     Options
	logger   logger.Logger
	handlers map[string]Handler
	sem      chan struct{}
	inbox    chan *Call

	mu        sync.Mutex
	callbacks map[string]chan *protocol.Envelope

	wg       sync.WaitGroup
	started  time.Time
	commands atomic.Int64
	failures atomic.Int64
	inFlight atomic.Int64
	done     chan struct{}
	once     sync.Once
}

// New returns a Worker reading from conn
func New(conn protocol.Conn, opts Options) *Worker {
	if opts.Codec == nil {
		opts.Codec = codec.Default
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewConsoleLogger()
	}
	if opts.ID == "" {
		opts.ID = os.Getenv("BRIDGE_WORKER_ID")
	}
	w := &Worker{
		conn:      conn,
		opts:      opts,
		logger:    logger.WithKV(opts.Logger.WithPrefix("[worker]"), "worker_id", opts.ID),
		handlers:  make(map[string]Handler, len(opts.Handlers)+1),
		sem:       make(chan struct{}, opts.Concurrency),
		inbox:     make(chan *Call, opts.Concurrency),
		callbacks: make(map[string]chan *protocol.Envelope),
		started:   time.Now(),
		done:      make(chan struct{}),
	}
	for name, h := range opts.Handlers {
		w.handlers[name] = h
	}
	w.handlers[StatsOperation] = w.stats
	return w
}

// Handle registers h for op. It must be called before Serve.
func (w *Worker) Handle(op string, h Handler) {
	w.handlers[op] = h
}

// Serve processes envelopes until the host sends shutdown, the connection
// closes or ctx is done. In-flight handlers are waited for before it returns.
func (w *Worker) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		w.stop()
		w.wg.Wait()
	}()
	draining := false
	for {
		env, err := w.conn.Recv(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, protocol.ErrClosed) {
				w.logger.Debug("connection closed")
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		switch env.Kind {
		case protocol.KindPing:
			if err := w.conn.Send(ctx, &protocol.Envelope{CorrelationID: env.CorrelationID, Kind: protocol.KindPong}); err != nil {
				w.logger.Warn("failed to answer ping: %s", err)
			}
		case protocol.KindShutdown:
			if draining {
				continue
			}
			draining = true
			w.logger.Debug("shutdown requested, waiting for %d request(s)", w.inFlight.Load())
			// keep reading so open requests still get their callback responses
			go func() {
				w.wg.Wait()
				cancel()
			}()
		case protocol.KindRequest:
			if draining {
				w.commands.Add(1)
				w.failures.Add(1)
				w.reply(ctx, env, nil, fault.New(fault.CodeUnavailable, "worker is shutting down"))
				continue
			}
			w.dispatch(ctx, env)
		case protocol.KindCallbackResponse:
			w.resolveCallback(env)
		default:
			w.logger.Warn("ignoring unexpected %s envelope %s", env.Kind, env.CorrelationID)
		}
	}
}

func (w *Worker) stop() {
	w.once.Do(func() {
		close(w.done)
	})
}

func (w *Worker) dispatch(ctx context.Context, env *protocol.Envelope) {
	call, err := w.newCall(env)
	if err != nil {
		w.commands.Add(1)
		w.failures.Add(1)
		w.reply(ctx, env, nil, err)
		return
	}
	h, ok := w.handlers[env.Name]
	if !ok {
		if w.opts.QueueUnhandled {
			w.wg.Add(1)
			go func() {
				defer w.wg.Done()
				select {
				case w.inbox <- call:
				case <-ctx.Done():
				}
			}()
			return
		}
		w.commands.Add(1)
		w.failures.Add(1)
		w.reply(ctx, env, nil, fault.New(fault.CodeOperationNotFound, "worker has no handler for %q", env.Name))
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		select {
		case w.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		defer func() { <-w.sem }()
		w.run(ctx, call, h)
	}()
}

func (w *Worker) run(ctx context.Context, call *Call, h Handler) {
	w.inFlight.Add(1)
	defer w.inFlight.Add(-1)
	callCtx, cancel := call.env.Context(ctx)
	defer cancel()
	result, err := w.invoke(callCtx, call, h)
	if err := w.SendResponse(ctx, call, result, err); err != nil {
		w.logger.Warn("failed to send response for %s: %s", call.ID, err)
	}
}

func (w *Worker) invoke(ctx context.Context, call *Call, h Handler) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("handler %s panicked: %v\n%s", call.Operation, r, debug.Stack())
			err = fault.Exception(fmt.Sprintf("%s panicked: %v", call.Operation, r))
		}
	}()
	return h(ctx, call)
}

func (w *Worker) newCall(env *protocol.Envelope) (*Call, error) {
	c, err := codec.Lookup(env.Codec)
	if err != nil {
		return nil, err
	}
	args := map[string]any{}
	if len(env.Payload) > 0 {
		var raw any
		if err := c.Unmarshal(env.Payload, &raw); err != nil {
			return nil, err
		}
		m, ok := raw.(map[string]any)
		if !ok && raw != nil {
			return nil, fault.New(fault.CodeInvalidArgs, "request arguments must be a map, got %T", raw)
		}
		if m != nil {
			args = m
		}
	}
	call := &Call{
		ID:        env.CorrelationID,
		SessionID: env.SessionID,
		Operation: env.Name,
		Args:      args,
		env:       env,
		codec:     c,
		worker:    w,
	}
	call.Deadline, _ = env.DeadlineTime()
	return call, nil
}

// ReceiveRequest returns the next request that has no registered handler.
// It requires Options.QueueUnhandled and a running Serve.
func (w *Worker) ReceiveRequest(ctx context.Context) (*Call, error) {
	select {
	case call := <-w.inbox:
		w.inFlight.Add(1)
		call.manual = true
		return call, nil
	case <-w.done:
		return nil, fault.New(fault.CodeSessionClosed, "worker stopped")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendResponse answers call with result, or with err when it is not nil
func (w *Worker) SendResponse(ctx context.Context, call *Call, result any, err error) error {
	if !call.responded.CompareAndSwap(false, true) {
		return fault.New(fault.CodeInternal, "request %s already answered", call.ID)
	}
	if call.manual {
		w.inFlight.Add(-1)
	}
	w.commands.Add(1)
	if err != nil {
		w.failures.Add(1)
	}
	return w.reply(ctx, call.env, result, err)
}

func (w *Worker) reply(ctx context.Context, env *protocol.Envelope, result any, err error) error {
	c, lerr := codec.Lookup(env.Codec)
	if lerr != nil {
		c = w.opts.Codec
	}
	var payload []byte
	if err == nil {
		payload, err = c.Marshal(result)
	}
	resp := env.Reply(protocol.KindResponse, payload, err)
	resp.Codec = c.Name()
	if err != nil {
		resp.Payload = nil
	}
	return w.conn.Send(ctx, resp)
}

func (w *Worker) resolveCallback(env *protocol.Envelope) {
	w.mu.Lock()
	ch, ok := w.callbacks[env.CorrelationID]
	delete(w.callbacks, env.CorrelationID)
	w.mu.Unlock()
	if !ok {
		w.logger.Debug("no pending callback for %s", env.CorrelationID)
		return
	}
	ch <- env
}

func (w *Worker) invokeCallback(ctx context.Context, call *Call, tool string, args map[string]any) (any, error) {
	if args == nil {
		args = map[string]any{}
	}
	payload, err := w.opts.Codec.Marshal(args)
	if err != nil {
		return nil, err
	}
	id := uuid.Must(uuid.NewV7()).String()
	env := &protocol.Envelope{
		CorrelationID: id,
		ParentID:      call.ID,
		SessionID:     call.SessionID,
		Kind:          protocol.KindCallback,
		Name:          tool,
		Codec:         w.opts.Codec.Name(),
		Payload:       payload,
	}
	if dl, ok := ctx.Deadline(); ok {
		env.SetDeadline(dl)
	}
	ch := make(chan *protocol.Envelope, 1)
	w.mu.Lock()
	w.callbacks[id] = ch
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.callbacks, id)
		w.mu.Unlock()
	}()
	if err := w.conn.Send(ctx, env); err != nil {
		return nil, err
	}
	select {
	case resp := <-ch:
		if err := resp.Err(); err != nil {
			return nil, err
		}
		c, err := codec.Lookup(resp.Codec)
		if err != nil {
			return nil, err
		}
		var out any
		if len(resp.Payload) > 0 {
			if err := c.Unmarshal(resp.Payload, &out); err != nil {
				return nil, err
			}
		}
		return out, nil
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fault.New(fault.CodeDeadlineExceeded, "callback %s timed out", tool)
		}
		return nil, ctx.Err()
	case <-w.done:
		return nil, fault.New(fault.CodeSessionClosed, "worker stopped while waiting for callback %s", tool)
	}
}

// Stats are the worker counters reported by the __stats operation
type Stats struct {
	WorkerID     string  `json:"worker_id" msgpack:"worker_id"`
	CommandCount int64   `json:"command_count" msgpack:"command_count"`
	ErrorCount   int64   `json:"error_count" msgpack:"error_count"`
	InFlight     int64   `json:"in_flight" msgpack:"in_flight"`
	Uptime       float64 `json:"uptime_seconds" msgpack:"uptime_seconds"`
	MemoryRSS    uint64  `json:"memory_rss" msgpack:"memory_rss"`
}

// Stats returns the current counters
func (w *Worker) Stats() Stats {
	s := Stats{
		WorkerID:     w.opts.ID,
		CommandCount: w.commands.Load(),
		ErrorCount:   w.failures.Load(),
		InFlight:     w.inFlight.Load(),
		Uptime:       time.Since(w.started).Seconds(),
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mi, err := p.MemoryInfo(); err == nil {
			s.MemoryRSS = mi.RSS
		}
	}
	return s
}

func (w *Worker) stats(ctx context.Context, call *Call) (any, error) {
	s := w.Stats()
	return map[string]any{
		"worker_id":      s.WorkerID,
		"command_count":  s.CommandCount,
		"error_count":    s.ErrorCount,
		"in_flight":      s.InFlight,
		"uptime_seconds": s.Uptime,
		"memory_rss":     int64(s.MemoryRSS),
	}, nil
}
