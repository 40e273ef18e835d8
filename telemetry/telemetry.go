package telemetry

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

	"github.com/isdmx/pyexec/config"
)

const (
	// ScopeName is the instrumentation scope of all spans and instruments
	ScopeName = "github.com/isdmx/pyexec"
	// Version is reported as a resource attribute
	Version = "v0.3.0"
)

// Provider wraps the tracer and meter providers with cleanup
type Provider struct {
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	Metrics        *Metrics
	shutdown       func(context.Context) error
}

type options struct {
	readers []sdkmetric.Reader
}

// Option customizes Init
type Option func(*options)

// WithMetricReader attaches a metric reader to the meter provider
func WithMetricReader(r sdkmetric.Reader) Option {
	return func(o *options) {
		o.readers = append(o.readers, r)
	}
}

// Noop returns a provider whose tracer and instruments discard everything
func Noop() *Provider {
	mp := noop.NewMeterProvider()
	meter := mp.Meter(ScopeName)
	// noop instruments never fail to build
	m, _ := NewMetrics(meter)
	return &Provider{
		TracerProvider: nooptrace.NewTracerProvider(),
		MeterProvider:  mp,
		Tracer:         nooptrace.NewTracerProvider().Tracer(ScopeName),
		Meter:          meter,
		Metrics:        m,
		shutdown:       func(context.Context) error { return nil },
	}
}

// Init sets up OpenTelemetry from cfg. The returned Provider must be shut
// down on exit. A disabled configuration yields Noop().
func Init(ctx context.Context, cfg config.TelemetryConfig, opts ...Option) (*Provider, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if !cfg.Enabled {
		return Noop(), nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "pyexec"
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			attribute.String("pyexec.version", Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	exporter, err := createExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))),
	)
	otel.SetTracerProvider(tp)

	mopts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range o.readers {
		mopts = append(mopts, sdkmetric.WithReader(r))
	}
	mp := sdkmetric.NewMeterProvider(mopts...)
	otel.SetMeterProvider(mp)

	meter := mp.Meter(ScopeName)
	metrics, err := NewMetrics(meter)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("create instruments: %w", err), tp.Shutdown(ctx), mp.Shutdown(ctx))
	}

	return &Provider{
		TracerProvider: tp,
		MeterProvider:  mp,
		Tracer:         tp.Tracer(ScopeName),
		Meter:          meter,
		Metrics:        metrics,
		shutdown: func(ctx context.Context) error {
			return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
		},
	}, nil
}

// Shutdown flushes and shuts down the providers
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

func createExporter(ctx context.Context, cfg config.TelemetryConfig) (sdktrace.SpanExporter, error) {
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
		return nil, fmt.Errorf("unknown exporter: %s (supported: otlp-http, stdout, none)", cfg.Exporter)
	}
}

type discardExporter struct{}

func (discardExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (discardExporter) Shutdown(context.Context) error                             { return nil }
