package bridge

import (
	"context"
	"time"

	"github.com/agentuity/go-bridge/fault"
	"github.com/agentuity/go-bridge/logger"
	"github.com/agentuity/go-bridge/resilience"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Invocation is one call travelling through the interceptor chain
type Invocation struct {
	ID        string
	SessionID string
	Operation string
	Args      map[string]any
	// Timeout bounds the whole call including callbacks
	Timeout time.Duration
}

// Invoker performs an invocation
type Invoker func(ctx context.Context, inv *Invocation) (any, error)

// Interceptor wraps an invocation. It must call next at most once.
type Interceptor func(ctx context.Context, inv *Invocation, next Invoker) (any, error)

// Callback is one tool call a worker made while serving a call
type Callback struct {
	ID        string
	CallID    string
	SessionID string
	Tool      string
	Args      map[string]any
}

// CallbackInvoker handles a callback
type CallbackInvoker func(ctx context.Context, cb *Callback) (any, error)

// CallbackInterceptor wraps callback handling the same way Interceptor wraps calls
type CallbackInterceptor func(ctx context.Context, cb *Callback, next CallbackInvoker) (any, error)

// chain composes interceptors in registration order, the first one is outermost
func chain(interceptors []Interceptor, final Invoker) Invoker {
	next := final
	for i := len(interceptors) - 1; i >= 0; i-- {
		ic, inner := interceptors[i], next
		next = func(ctx context.Context, inv *Invocation) (any, error) {
			return ic(ctx, inv, inner)
		}
	}
	return next
}

func chainCallbacks(interceptors []CallbackInterceptor, final CallbackInvoker) CallbackInvoker {
	next := final
	for i := len(interceptors) - 1; i >= 0; i-- {
		ic, inner := interceptors[i], next
		next = func(ctx context.Context, cb *Callback) (any, error) {
			return ic(ctx, cb, inner)
		}
	}
	return next
}

// LoggingInterceptor logs every call and its outcome
func LoggingInterceptor(log logger.Logger) Interceptor {
	log = log.WithPrefix("[call]")
	return func(ctx context.Context, inv *Invocation, next Invoker) (any, error) {
		started := time.Now()
		log.Debug("%s session=%s id=%s", inv.Operation, inv.SessionID, inv.ID)
		res, err := next(ctx, inv)
		if err != nil {
			log.Warn("%s session=%s id=%s failed after %v: %s", inv.Operation, inv.SessionID, inv.ID, time.Since(started), err)
			return res, err
		}
		log.Debug("%s session=%s id=%s completed in %v", inv.Operation, inv.SessionID, inv.ID, time.Since(started))
		return res, nil
	}
}

// LoggingCallbackInterceptor logs every callback a worker makes
func LoggingCallbackInterceptor(log logger.Logger) CallbackInterceptor {
	log = log.WithPrefix("[callback]")
	return func(ctx context.Context, cb *Callback, next CallbackInvoker) (any, error) {
		started := time.Now()
		res, err := next(ctx, cb)
		if err != nil {
			log.Warn("%s for call %s failed after %v: %s", cb.Tool, cb.CallID, time.Since(started), err)
		} else {
			log.Debug("%s for call %s took %v", cb.Tool, cb.CallID, time.Since(started))
		}
		return res, err
	}
}

const instrumentation = "github.com/agentuity/go-bridge/bridge"

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(
			attribute.String("error.kind", string(fault.KindOf(err))),
			attribute.String("error.code", string(fault.CodeOf(err))),
		)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// TracingInterceptor records each call as a client span. A nil tracer uses
// the global provider.
func TracingInterceptor(tracer trace.Tracer) Interceptor {
	if tracer == nil {
		tracer = otel.Tracer(instrumentation)
	}
	return func(ctx context.Context, inv *Invocation, next Invoker) (any, error) {
		ctx, span := tracer.Start(ctx, "bridge.call "+inv.Operation,
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				attribute.String("bridge.operation", inv.Operation),
				attribute.String("bridge.call_id", inv.ID),
				attribute.String("session.id", inv.SessionID),
			),
		)
		res, err := next(ctx, inv)
		endSpan(span, err)
		return res, err
	}
}

// TracingCallbackInterceptor records each callback as a server span
func TracingCallbackInterceptor(tracer trace.Tracer) CallbackInterceptor {
	if tracer == nil {
		tracer = otel.Tracer(instrumentation)
	}
	return func(ctx context.Context, cb *Callback, next CallbackInvoker) (any, error) {
		ctx, span := tracer.Start(ctx, "bridge.callback "+cb.Tool,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("tool.name", cb.Tool),
				attribute.String("bridge.call_id", cb.CallID),
				attribute.String("session.id", cb.SessionID),
			),
		)
		res, err := next(ctx, cb)
		endSpan(span, err)
		return res, err
	}
}

// BreakerInterceptor fails calls fast while the operation's circuit is open.
// It never retries.
func BreakerInterceptor(breakers *resilience.BreakerSet) Interceptor {
	return func(ctx context.Context, inv *Invocation, next Invoker) (any, error) {
		cb := breakers.Get(inv.Operation)
		if err := cb.Allow(); err != nil {
			return nil, err
		}
		res, err := next(ctx, inv)
		cb.Done(err)
		return res, err
	}
}
