// Package otel wraps OpenTelemetry trace and metric providers with
// configurable exporters. When disabled, every operation is a no-op with
// zero overhead, so queue commands can call through unconditionally.
package otel

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	// TracerName is the instrumentation scope name for queue traces.
	TracerName = "paperq"
	// MeterName is the instrumentation scope name for queue metrics.
	MeterName = "paperq"
)

// Config holds OTel configuration.
type Config struct {
	Enabled     bool
	Exporter    string
	Endpoint    string
	ServiceName string
	// ServiceVersion is stamped on the resource; the CLI passes its
	// ldflags version.
	ServiceVersion string
	SampleRatio    float64
}

// Provider wraps OTel tracer and meter providers with cleanup.
type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  metric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	closers        []func(context.Context) error
}

// Init builds a Provider from cfg. Callers must Shutdown on exit to
// flush batched spans. Disabled telemetry yields a no-op provider, so
// the claim and work paths never branch on whether tracing is on.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return noopProvider(), nil
	}

	res, err := buildResource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	exporter, err := createExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}

	ratio := cfg.SampleRatio
	if ratio <= 0 {
		ratio = 1.0
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)
	otel.SetTracerProvider(tp)

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))

	return &Provider{
		TracerProvider: tp,
		MeterProvider:  mp,
		Tracer:         tp.Tracer(TracerName),
		Meter:          mp.Meter(MeterName),
		closers: []func(context.Context) error{
			tp.Shutdown,
			mp.Shutdown,
		},
	}, nil
}

func noopProvider() *Provider {
	return &Provider{
		Tracer:        nooptrace.NewTracerProvider().Tracer(TracerName),
		Meter:         noop.NewMeterProvider().Meter(MeterName),
		MeterProvider: noop.NewMeterProvider(),
	}
}

func buildResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "paperq"
	}
	version := cfg.ServiceVersion
	if version == "" {
		version = "dev"
	}
	return resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(name),
			attribute.String("paperq.version", version),
		),
	)
}

// Shutdown flushes and shuts down every underlying provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, closer := range p.closers {
		errs = append(errs, closer(ctx))
	}
	return errors.Join(errs...)
}

func createExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp-http", "":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		return otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none":
		return discardExporter{}, nil
	default:
		return nil, fmt.Errorf("unknown telemetry exporter %q (want otlp-http, stdout, or none)", cfg.Exporter)
	}
}

// discardExporter drops all spans; exporter=none keeps span plumbing alive
// in tests without any I/O.
type discardExporter struct{}

func (discardExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (discardExporter) Shutdown(context.Context) error                             { return nil }
