// Package host is the host-facing entry point. A Host owns the contract
// registry, the session manager, the tool registry and the worker pool, and
// routes calls between them through a bridge dispatcher.
package host

import (
	"context"
	"time"

	"github.com/agentuity/go-bridge/bridge"
	"github.com/agentuity/go-bridge/contract"
	"github.com/agentuity/go-bridge/logger"
	"github.com/agentuity/go-bridge/pool"
	"github.com/agentuity/go-bridge/resilience"
	"github.com/agentuity/go-bridge/session"
	"github.com/agentuity/go-bridge/tool"
	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/apimachinery/pkg/util/wait"
)

const readyPoll = 10 * time.Millisecond

// Options configure New
type Options struct {
	// Contracts is used as is when set, otherwise an empty registry is created
	Contracts *contract.Registry
	Pool      pool.Options
	Sessions  session.Options
	Tools     tool.ExecutorOptions
	Bridge    bridge.Options
	// Tracer adds tracing interceptors and a tool observer when set
	Tracer trace.Tracer
	// Breaker adds a per-operation circuit breaker when set
	Breaker *resilience.CircuitBreakerConfig
	Logger  logger.Logger
}

// Host wires the runtime together
type Host struct {
	logger     logger.Logger
	contracts  *contract.Registry
	sessions   *session.Manager
	tools      *tool.Registry
	executor   *tool.Executor
	pool       *pool.Pool
	dispatcher *bridge.Dispatcher
	breakers   *resilience.BreakerSet
	cancel     context.CancelFunc
	closers    []func() error
}

// New builds a host and starts its workers and session sweeper. Persisted
// sessions are restored before the first worker starts.
func New(ctx context.Context, opts Options) (*Host, error) {
	return build(ctx, opts, nil)
}

// build is New with closers that run after everything else on Close
func build(ctx context.Context, opts Options, closers []func() error) (*Host, error) {
	if opts.Logger == nil {
		opts.Logger = logger.NewConsoleLogger()
	}
	h := &Host{
		logger:    opts.Logger.WithPrefix("[host]"),
		contracts: opts.Contracts,
		tools:     tool.NewRegistry(),
		closers:   closers,
	}
	if h.contracts == nil {
		h.contracts = contract.NewRegistry()
	}

	sessOpts := opts.Sessions
	if sessOpts.Logger == nil {
		sessOpts.Logger = opts.Logger
	}
	h.sessions = session.NewManager(sessOpts)

	toolOpts := opts.Tools
	if toolOpts.Logger == nil {
		toolOpts.Logger = opts.Logger
	}
	toolOpts.Observers = append(toolOpts.Observers, tool.LoggingObserver(opts.Logger))
	if opts.Tracer != nil {
		toolOpts.Observers = append(toolOpts.Observers, tool.TracingObserver(opts.Tracer))
	}
	h.executor = tool.NewExecutor(h.tools, toolOpts)

	bridgeOpts := opts.Bridge
	bridgeOpts.Contracts = h.contracts
	bridgeOpts.Sessions = h.sessions
	bridgeOpts.Tools = h.executor
	if bridgeOpts.Logger == nil {
		bridgeOpts.Logger = opts.Logger
	}
	// caller interceptors stay innermost, next to the worker
	outer := []bridge.Interceptor{bridge.LoggingInterceptor(opts.Logger)}
	outerCallbacks := []bridge.CallbackInterceptor{bridge.LoggingCallbackInterceptor(opts.Logger)}
	if opts.Tracer != nil {
		outer = append(outer, bridge.TracingInterceptor(opts.Tracer))
		outerCallbacks = append(outerCallbacks, bridge.TracingCallbackInterceptor(opts.Tracer))
	}
	if opts.Breaker != nil {
		h.breakers = resilience.NewBreakerSet(*opts.Breaker)
		outer = append(outer, bridge.BreakerInterceptor(h.breakers))
	}
	bridgeOpts.Interceptors = append(outer, bridgeOpts.Interceptors...)
	bridgeOpts.CallbackInterceptors = append(outerCallbacks, bridgeOpts.CallbackInterceptors...)
	h.dispatcher = bridge.NewDispatcher(bridgeOpts)

	h.sessions.OnClose(h.dispatcher.SessionClosed)
	h.sessions.OnClose(func(ctx context.Context, id string, tools []string, reason session.CloseReason) {
		if names := h.tools.UnregisterScope(id); len(names) > 0 {
			h.logger.Debug("unregistered %d tool(s) of session %s", len(names), id)
		}
	})

	poolOpts := opts.Pool
	if poolOpts.Logger == nil {
		poolOpts.Logger = opts.Logger
	}
	h.pool = pool.New(h.dispatcher.Bind(poolOpts))
	h.dispatcher.Attach(h.pool)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h.cancel = cancel
	if n, err := h.sessions.Restore(ctx); err != nil {
		h.logger.Warn("restoring sessions failed after %d: %s", n, err)
	}
	if err := h.pool.Start(runCtx); err != nil {
		cancel()
		_ = h.pool.Close(ctx)
		_ = h.sessions.Close(ctx)
		_ = h.runClosers()
		return nil, err
	}
	h.sessions.Start(runCtx)
	h.logger.Info("host ready with %d worker(s) and %d contract(s)", h.pool.Len(), h.contracts.Len())
	return h, nil
}

func (h *Host) Contracts() *contract.Registry { return h.contracts }

func (h *Host) Sessions() *session.Manager { return h.sessions }

func (h *Host) Tools() *tool.Registry { return h.tools }

func (h *Host) Pool() *pool.Pool { return h.pool }

func (h *Host) Dispatcher() *bridge.Dispatcher { return h.dispatcher }

// CreateSession allocates a session and returns its id
func (h *Host) CreateSession(ctx context.Context, opts session.CreateOptions) (string, error) {
	s, err := h.sessions.Create(ctx, opts)
	if err != nil {
		return "", err
	}
	return s.ID, nil
}

// CloseSession closes id, failing its pending calls and dropping its tools.
// Closing an unknown session is a no-op.
func (h *Host) CloseSession(ctx context.Context, id string) error {
	return h.sessions.CloseSession(ctx, id)
}

func (h *Host) SetVariable(ctx context.Context, sessionID, name string, value any) error {
	_, err := h.sessions.SetVariable(ctx, sessionID, name, value)
	return err
}

func (h *Host) GetVariable(sessionID, name string) (any, error) {
	return h.sessions.GetVariable(sessionID, name)
}

// RegisterTool adds fn under name. An empty sessionID registers a global
// tool, otherwise the tool belongs to that live session and goes away with it.
func (h *Host) RegisterTool(ctx context.Context, sessionID, name string, fn any, meta tool.Metadata) error {
	if sessionID != tool.Global {
		if _, err := h.sessions.Get(sessionID); err != nil {
			return err
		}
	}
	if err := h.tools.Register(sessionID, name, fn, meta); err != nil {
		return err
	}
	if sessionID == tool.Global {
		return nil
	}
	if err := h.sessions.AddTool(ctx, sessionID, name); err != nil {
		h.tools.Unregister(sessionID, name)
		return err
	}
	return nil
}

// UnregisterTool removes name and reports whether it was registered
func (h *Host) UnregisterTool(ctx context.Context, sessionID, name string) (bool, error) {
	removed := h.tools.Unregister(sessionID, name)
	if sessionID != tool.Global && removed {
		if _, err := h.sessions.RemoveTool(ctx, sessionID, name); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// Call runs op for sessionID on a worker and returns its contract-checked result
func (h *Host) Call(ctx context.Context, sessionID, op string, args map[string]any, opts ...bridge.CallOption) (any, error) {
	return h.dispatcher.Call(ctx, sessionID, op, args, opts...)
}

// Status is a point in time view of the host
type Status struct {
	Pool      pool.Stats                       `json:"pool"`
	Sessions  []session.Info                   `json:"sessions"`
	Pending   []bridge.PendingInfo             `json:"pending"`
	Breakers  []resilience.CircuitBreakerStats `json:"breakers,omitempty"`
	Contracts []string                         `json:"contracts"`
}

func (h *Host) Status() Status {
	st := Status{
		Pool:      h.pool.Snapshot(),
		Sessions:  h.sessions.List(),
		Pending:   h.dispatcher.Pending(),
		Contracts: h.contracts.Operations(),
	}
	if h.breakers != nil {
		st.Breakers = h.breakers.Stats()
	}
	return st
}

// WaitReady blocks until every worker is ready or ctx is done
func (h *Host) WaitReady(ctx context.Context) error {
	return wait.PollUntilContextCancel(ctx, readyPoll, true, func(ctx context.Context) (bool, error) {
		ready := 0
		snap := h.pool.Snapshot()
		for _, w := range snap.Workers {
			if w.State == pool.StateReady {
				ready++
			}
		}
		return ready >= snap.Size, nil
	})
}

func (h *Host) runClosers() error {
	var errs error
	for _, fn := range h.closers {
		errs = errors.CombineErrors(errs, fn())
	}
	return errs
}

// Close stops accepting calls, waits for pending ones until ctx is done,
// drains the workers and tears down every session
func (h *Host) Close(ctx context.Context) error {
	errs := h.dispatcher.Close(ctx)
	errs = errors.CombineErrors(errs, h.pool.Close(ctx))
	errs = errors.CombineErrors(errs, h.sessions.Close(ctx))
	h.cancel()
	errs = errors.CombineErrors(errs, h.runClosers())
	h.logger.Info("host closed")
	return errs
}
