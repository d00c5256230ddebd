package telemetry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"

	"github.com/kingrea/batchline/internal/config"
)

// TraceFile is where the file exporter writes spans, inside .batchline/logs.
const TraceFile = "traces.json"

// Shutdown flushes pending spans.
type Shutdown func(context.Context) error

var (
	openTraceFile = func(path string) (*os.File, error) {
		return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	}
	newResource = func(ctx context.Context, serviceName, version string) (*resource.Resource, error) {
		return resource.New(ctx,
			resource.WithAttributes(
				semconv.ServiceName(serviceName),
				semconv.ServiceVersion(version),
			),
		)
	}
)

// Setup initialises OpenTelemetry tracing for the given service.
//
// Tracing is opt-in: when telemetry is disabled Setup returns a no-op
// shutdown function and no global provider is registered. The otlp exporter
// posts spans to the configured endpoint; the file exporter appends them to
// logsDir/traces.json since the terminal owns stdout.
func Setup(ctx context.Context, cfg config.TelemetryConfig, logsDir, serviceName, version string) (Shutdown, error) {
	noop := func(context.Context) error { return nil }
	if !cfg.Enabled {
		return noop, nil
	}

	var (
		exporter sdktrace.SpanExporter
		closer   func() error
		err      error
	)
	switch cfg.Exporter {
	case "file":
		if err := os.MkdirAll(logsDir, 0o755); err != nil {
			return noop, fmt.Errorf("telemetry: ensure logs dir: %w", err)
		}
		f, ferr := openTraceFile(filepath.Join(logsDir, TraceFile))
		if ferr != nil {
			return noop, fmt.Errorf("telemetry: open trace file: %w", ferr)
		}
		closer = f.Close
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(f))
	default:
		if cfg.Endpoint == "" {
			return noop, nil
		}
		exporter, err = otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.Endpoint))
	}
	if err != nil {
		if closer != nil {
			_ = closer()
		}
		return noop, fmt.Errorf("telemetry: exporter: %w", err)
	}

	res, err := newResource(ctx, serviceName, version)
	if err != nil {
		if closer != nil {
			_ = closer()
		}
		return noop, fmt.Errorf("telemetry: resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		err := tp.Shutdown(ctx)
		if closer != nil {
			if cerr := closer(); err == nil {
				err = cerr
			}
		}
		return err
	}, nil
}
