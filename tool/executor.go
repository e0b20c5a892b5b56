package tool

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/agentuity/go-bridge/fault"
	"github.com/agentuity/go-bridge/logger"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultTimeout        = 5 * time.Second
	DefaultMaxConcurrency = 64
)

// ExecutorOptions configure an Executor
type ExecutorOptions struct {
	Timeout time.Duration
	// MaxConcurrency bounds tool functions running at once across all sessions
	MaxConcurrency int64
	Observers      []Observer
	Logger         logger.Logger
}

// Executor runs registered tools. A call always returns a result, a tagged
// error or a Timeout: tool panics and errors never escape as crashes.
type Executor struct {
	registry  *Registry
	timeout   time.Duration
	sem       *semaphore.Weighted
	logger    logger.Logger

	obsMu     sync.RWMutex
	observers []Observer
}

// NewExecutor returns an Executor over registry
func NewExecutor(registry *Registry, opts ExecutorOptions) *Executor {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = DefaultMaxConcurrency
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewConsoleLogger()
	}
	return &Executor{
		registry:  registry,
		timeout:   opts.Timeout,
		sem:       semaphore.NewWeighted(opts.MaxConcurrency),
		observers: append([]Observer(nil), opts.Observers...),
		logger:    opts.Logger.WithPrefix("[tool]"),
	}
}

// Registry returns the registry the executor resolves tools in
func (e *Executor) Registry() *Registry {
	return e.registry
}

// AddObserver appends o to the observers notified of every execution
func (e *Executor) AddObserver(o Observer) {
	e.obsMu.Lock()
	e.observers = append(e.observers, o)
	e.obsMu.Unlock()
}

func (e *Executor) currentObservers() []Observer {
	e.obsMu.RLock()
	defer e.obsMu.RUnlock()
	return append([]Observer(nil), e.observers...)
}

type execConfig struct {
	timeout time.Duration
}

// ExecOption changes a single execution
type ExecOption func(*execConfig)

// WithTimeout overrides the executor timeout for one call
func WithTimeout(d time.Duration) ExecOption {
	return func(c *execConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

type outcome struct {
	result any
	err    error
}

// Execute runs tool name as seen from sessionID. args must be a
// map[string]any, anything else fails with InvalidArgs. Observers see every
// call, including ones that fail before the tool runs.
func (e *Executor) Execute(ctx context.Context, sessionID, name string, args any, opts ...ExecOption) (any, error) {
	cfg := execConfig{timeout: e.timeout}
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()

	observers := e.currentObservers()
	ev := Event{Tool: name, SessionID: sessionID, Start: time.Now()}
	obsCtx := make([]context.Context, len(observers))
	runCtx := ctx
	for i, o := range observers {
		runCtx = o.ToolStart(runCtx, ev)
		obsCtx[i] = runCtx
	}

	result, err := e.invoke(runCtx, sessionID, name, args, cfg.timeout)

	ev.Duration = time.Since(ev.Start)
	ev.Err = err
	for i := len(observers) - 1; i >= 0; i-- {
		if err != nil {
			observers[i].ToolException(obsCtx[i], ev)
		} else {
			observers[i].ToolStop(obsCtx[i], ev)
		}
	}
	return result, err
}

// invoke resolves name, checks args and runs the tool
func (e *Executor) invoke(ctx context.Context, sessionID, name string, args any, timeout time.Duration) (any, error) {
	def, err := e.registry.Lookup(sessionID, name)
	if err != nil {
		return nil, err
	}
	argMap, ok := args.(map[string]any)
	if !ok {
		return nil, fault.New(fault.CodeInvalidArgs, "tool %s expects an argument map, got %T", name, args)
	}
	if argMap == nil {
		argMap = map[string]any{}
	}
	return e.run(ctx, def, argMap, timeout)
}

func (e *Executor) run(ctx context.Context, def *Definition, args map[string]any, timeout time.Duration) (any, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, e.ctxError(ctx, def.Name, timeout)
	}
	done := make(chan outcome, 1)
	go func() {
		// the slot is held until the function really returns, an abandoned
		// call still counts against the bound
		defer e.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("tool %s panicked: %v\n%s", def.Name, r, debug.Stack())
				done <- outcome{err: fault.Exception(fmt.Sprintf("tool %s panicked: %v", def.Name, r))}
			}
		}()
		res, err := def.Func(ctx, args)
		done <- outcome{result: res, err: err}
	}()
	select {
	case out := <-done:
		if out.err != nil {
			return nil, asException(def.Name, out.err)
		}
		return out.result, nil
	case <-ctx.Done():
		return nil, e.ctxError(ctx, def.Name, timeout)
	}
}

func (e *Executor) ctxError(ctx context.Context, name string, timeout time.Duration) error {
	if ctx.Err() == context.DeadlineExceeded {
		return fault.New(fault.CodeDeadlineExceeded, "tool %s did not finish within %v", name, timeout)
	}
	return fault.Wrap(ctx.Err(), fault.CodeInternal, "tool %s cancelled", name)
}

// asException tags an error returned by a tool. Errors that already carry a
// fault kind keep it, anything else becomes an Exception.
func asException(name string, err error) error {
	if _, ok := fault.As(err); ok {
		return err
	}
	if err == context.DeadlineExceeded {
		return fault.New(fault.CodeDeadlineExceeded, "tool %s: %s", name, err)
	}
	return fault.Wrap(err, fault.CodeException, "tool %s", name)
}
