// Package telemetry sets up OTLP log and trace export for a bridge host or worker.
package telemetry

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"time"

	"github.com/agentuity/go-bridge/logger"
	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
	"go.opentelemetry.io/otel/trace"
)

const exportTimeout = 10 * time.Second

// GenerateOTLPBearerToken signs token with sharedSecret in the form the
// collector expects: token.base64(sha256(secret.token))
func GenerateOTLPBearerToken(sharedSecret string, token string) (string, error) {
	hash := sha256.New()
	if _, err := hash.Write([]byte(sharedSecret + "." + token)); err != nil {
		return "", fmt.Errorf("error hashing token: %w", err)
	}
	secret := hash.Sum(nil)
	tok2 := base64.StdEncoding.EncodeToString(secret)
	return token + "." + tok2, nil
}

type ShutdownFunc func()

// Options configure New
type Options struct {
	URL         string
	Token       string
	ServiceName string
	// Console, when set, keeps receiving every log line next to the exporter
	Console logger.Logger
}

// Telemetry holds the providers New installed
type Telemetry struct {
	Logger logger.Logger
	Tracer trace.Tracer

	logs   *sdklog.LoggerProvider
	traces *sdktrace.TracerProvider
}

// New builds OTLP/HTTP log and trace exporters for opts.URL and registers the
// trace provider globally. The returned logger writes to the log exporter.
func New(ctx context.Context, opts Options) (*Telemetry, ShutdownFunc, error) {
	if opts.ServiceName == "" {
		opts.ServiceName = "bridge"
	}
	otlpURL, err := url.Parse(opts.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("error parsing otlp url: %w", err)
	}
	if otlpURL.Scheme == "" || otlpURL.Host == "" {
		return nil, nil, fmt.Errorf("otlp url %q must be absolute", opts.URL)
	}
	logURL := *otlpURL
	logURL.Path = "/v1/logs"
	traceURL := *otlpURL
	traceURL.Path = "/v1/traces"

	res, err := resource.New(
		ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithProcess(),
		resource.WithOS(),
		resource.WithHost(),
		resource.WithAttributes(semconv.ServiceName(opts.ServiceName)),
	)
	if errors.Is(err, resource.ErrPartialResource) || errors.Is(err, resource.ErrSchemaURLConflict) {
		if opts.Console != nil {
			opts.Console.Warn("partial telemetry resource: %s", err)
		}
	} else if err != nil {
		return nil, nil, fmt.Errorf("error creating resource: %w", err)
	}

	headers := make(map[string]string)
	if opts.Token != "" {
		headers["Authorization"] = "Bearer " + opts.Token
	}
	insecure := otlpURL.Scheme == "http"

	logOpts := []otlploghttp.Option{
		otlploghttp.WithEndpointURL(logURL.String()),
		otlploghttp.WithHeaders(headers),
		otlploghttp.WithTimeout(exportTimeout),
		otlploghttp.WithCompression(otlploghttp.GzipCompression),
	}
	if insecure {
		logOpts = append(logOpts, otlploghttp.WithInsecure())
	}
	logExporter, err := otlploghttp.New(ctx, logOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("error creating log exporter: %w", err)
	}

	traceOpts := []otlptracehttp.Option{
		otlptracehttp.WithEndpointURL(traceURL.String()),
		otlptracehttp.WithHeaders(headers),
		otlptracehttp.WithTimeout(exportTimeout),
		otlptracehttp.WithCompression(otlptracehttp.GzipCompression),
	}
	if insecure {
		traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
	}
	traceExporter, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("error creating trace exporter: %w", err)
	}

	logProvider := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
	)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter),
	)
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	log := logger.NewOtelLogger(logProvider.Logger(opts.ServiceName), logger.LevelTrace)
	if opts.Console != nil {
		log = log.Stack(opts.Console)
	}

	t := &Telemetry{
		Logger: log,
		Tracer: traceProvider.Tracer(opts.ServiceName),
		logs:   logProvider,
		traces: traceProvider,
	}
	return t, func() {
		ctx, cancel := context.WithTimeout(context.Background(), exportTimeout)
		defer cancel()
		_ = traceProvider.Shutdown(ctx)
		_ = logProvider.Shutdown(ctx)
	}, nil
}

// Flush exports everything buffered so far
func (t *Telemetry) Flush(ctx context.Context) error {
	return errors.CombineErrors(t.traces.ForceFlush(ctx), t.logs.ForceFlush(ctx))
}
