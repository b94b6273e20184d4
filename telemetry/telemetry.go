// Package telemetry builds the OpenTelemetry providers used by the dispatcher
// and the API. When tracing is disabled every accessor returns a no-op
// implementation, so callers never check for nil.
package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// InstrumentationName names the tracer and meter.
const InstrumentationName = "github.com/zero-day-ai/injector"

// Options configures New.
type Options struct {
	Enabled     bool
	ServiceName string
	Version     string

	// SampleRatio is the fraction of root spans kept, (0, 1].
	SampleRatio float64

	// Exporter receives finished spans. Nil means a LogExporter on Logger.
	Exporter sdktrace.SpanExporter

	Logger *slog.Logger
}

// Provider owns the tracer provider for the process lifetime.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// New builds a Provider and installs it, with the W3C trace-context
// propagator, as the global default.
func New(ctx context.Context, opts Options) *Provider {
	if !opts.Enabled {
		return &Provider{tracer: noop.NewTracerProvider().Tracer(InstrumentationName)}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "injectord"
	}
	if opts.SampleRatio <= 0 || opts.SampleRatio > 1 {
		opts.SampleRatio = 1
	}
	exporter := opts.Exporter
	if exporter == nil {
		exporter = NewLogExporter(opts.Logger)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(opts.ServiceName),
			semconv.ServiceVersionKey.String(opts.Version),
		),
	)
	if err != nil {
		opts.Logger.Warn("failed to create resource, using default", "error", err)
		res = resource.Default()
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(opts.SampleRatio))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{tp: tp, tracer: tp.Tracer(InstrumentationName)}
}

// Tracer returns the injector tracer.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Meter returns the injector meter from the global meter provider, a no-op
// unless the embedding process installs one.
func (p *Provider) Meter() metric.Meter {
	return otel.GetMeterProvider().Meter(InstrumentationName)
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}
