package tool

import (
	"context"
	"time"

	"github.com/agentuity/go-bridge/fault"
	"github.com/agentuity/go-bridge/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Event describes one point of a tool execution
type Event struct {
	Tool      string
	SessionID string
	Start     time.Time
	// Duration and Err are set on stop and exception
	Duration time.Duration
	Err      error
}

// Observer receives the start, stop and exception triple of every execution.
// Exactly one of ToolStop or ToolException follows each ToolStart.
type Observer interface {
	// ToolStart may return a derived context, the tool runs with it
	ToolStart(ctx context.Context, ev Event) context.Context
	ToolStop(ctx context.Context, ev Event)
	ToolException(ctx context.Context, ev Event)
}

type tracingObserver struct {
	tracer trace.Tracer
}

// TracingObserver records each execution as an OTel span. A nil tracer uses
// the global provider.
func TracingObserver(tracer trace.Tracer) Observer {
	if tracer == nil {
		tracer = otel.Tracer("github.com/agentuity/go-bridge/tool")
	}
	return &tracingObserver{tracer: tracer}
}

func (o *tracingObserver) ToolStart(ctx context.Context, ev Event) context.Context {
	ctx, _ = o.tracer.Start(ctx, "tool."+ev.Tool,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithTimestamp(ev.Start),
		trace.WithAttributes(
			attribute.String("tool.name", ev.Tool),
			attribute.String("session.id", ev.SessionID),
		),
	)
	return ctx
}

func (o *tracingObserver) ToolStop(ctx context.Context, ev Event) {
	span := trace.SpanFromContext(ctx)
	span.SetStatus(codes.Ok, "")
	span.End()
}

func (o *tracingObserver) ToolException(ctx context.Context, ev Event) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(ev.Err)
	span.SetAttributes(attribute.String("error.kind", string(fault.KindOf(ev.Err))))
	span.SetStatus(codes.Error, ev.Err.Error())
	span.End()
}

type loggingObserver struct {
	logger logger.Logger
}

// LoggingObserver logs every execution, exceptions at warn
func LoggingObserver(log logger.Logger) Observer {
	return &loggingObserver{logger: log.WithPrefix("[tool]")}
}

func (o *loggingObserver) ToolStart(ctx context.Context, ev Event) context.Context {
	o.logger.Trace("start %s session=%s", ev.Tool, ev.SessionID)
	return ctx
}

func (o *loggingObserver) ToolStop(ctx context.Context, ev Event) {
	o.logger.Debug("stop %s session=%s took %v", ev.Tool, ev.SessionID, ev.Duration)
}

func (o *loggingObserver) ToolException(ctx context.Context, ev Event) {
	o.logger.Warn("exception in %s session=%s after %v: %s", ev.Tool, ev.SessionID, ev.Duration, ev.Err)
}
