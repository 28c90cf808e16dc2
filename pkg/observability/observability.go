// Package observability provides OpenTelemetry tracing and RED metrics for
// the autonomy sweeps and API.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "exoskull.autonomy"

// Metric names.
const (
	MetricOperations = "exoskull.operations.total"
	MetricErrors     = "exoskull.errors.total"
	MetricDuration   = "exoskull.operation.duration"
	MetricActive     = "exoskull.operations.active"
	MetricTenants    = "exoskull.sweep.tenants"
)

// Sweeps run for minutes, API calls for milliseconds.
var durationBuckets = []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300}

// Config configures the OTLP exporters.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // host:port of the collector
	SampleRate     float64
	BatchTimeout   time.Duration
	MetricInterval time.Duration
	Enabled        bool
	// Insecure uses plaintext gRPC to the collector.
	Insecure bool
}

// DefaultConfig has telemetry off.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "exoskull-autonomy",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		MetricInterval: 15 * time.Second,
	}
}

type instruments struct {
	operations metric.Int64Counter
	errors     metric.Int64Counter
	duration   metric.Float64Histogram
	active     metric.Int64UpDownCounter
	tenants    metric.Int64Counter
}

func newInstruments(m metric.Meter) (*instruments, error) {
	var (
		in   instruments
		errs [5]error
	)
	in.operations, errs[0] = m.Int64Counter(MetricOperations,
		metric.WithDescription("Sweeps, tenant cycles and API requests started"),
		metric.WithUnit("{operation}"))
	in.errors, errs[1] = m.Int64Counter(MetricErrors,
		metric.WithDescription("Operations that ended in error"),
		metric.WithUnit("{error}"))
	in.duration, errs[2] = m.Float64Histogram(MetricDuration,
		metric.WithDescription("Operation wall time"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...))
	in.active, errs[3] = m.Int64UpDownCounter(MetricActive,
		metric.WithDescription("Operations in flight"),
		metric.WithUnit("{operation}"))
	in.tenants, errs[4] = m.Int64Counter(MetricTenants,
		metric.WithDescription("Tenants handled by a sweep, by outcome"),
		metric.WithUnit("{tenant}"))
	if err := errors.Join(errs[:]...); err != nil {
		return nil, err
	}
	return &in, nil
}

// Provider owns the tracer and meter. The zero value is usable: it records
// through the global providers and skips metrics.
type Provider struct {
	tracer trace.Tracer
	meter  metric.Meter
	inst   *instruments
	logger *slog.Logger

	shutdown []func(context.Context) error
}

// New installs OTLP trace and metric pipelines. A disabled or nil config
// returns a Provider backed by the global no-op providers.
func New(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	p := &Provider{logger: slog.Default().With("component", "observability")}
	if !cfg.Enabled {
		p.logger.InfoContext(ctx, "telemetry disabled")
		return p, nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}
	tp, mp, err := pipelines(ctx, cfg, res)
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	p.shutdown = []func(context.Context) error{tp.Shutdown, mp.Shutdown}

	p.tracer = tp.Tracer(instrumentationName, trace.WithInstrumentationVersion(cfg.ServiceVersion))
	p.meter = mp.Meter(instrumentationName, metric.WithInstrumentationVersion(cfg.ServiceVersion))
	if p.inst, err = newInstruments(p.meter); err != nil {
		return nil, fmt.Errorf("telemetry instruments: %w", err)
	}
	p.logger.InfoContext(ctx, "telemetry exporting", "service", cfg.ServiceName, "endpoint", cfg.OTLPEndpoint, "sample_rate", cfg.SampleRate)
	return p, nil
}

func pipelines(ctx context.Context, cfg *Config, res *resource.Resource) (*sdktrace.TracerProvider, *sdkmetric.MeterProvider, error) {
	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}
	spans, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("trace exporter: %w", err)
	}
	points, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		_ = spans.Shutdown(ctx)
		return nil, nil, fmt.Errorf("metric exporter: %w", err)
	}

	sampler := sdktrace.TraceIDRatioBased(cfg.SampleRate)
	switch {
	case cfg.SampleRate >= 1:
		sampler = sdktrace.AlwaysSample()
	case cfg.SampleRate <= 0:
		sampler = sdktrace.NeverSample()
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(spans, sdktrace.WithBatchTimeout(cfg.BatchTimeout)),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	)
	interval := cfg.MetricInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(points, sdkmetric.WithInterval(interval))),
	)
	return tp, mp, nil
}

// Shutdown flushes pending spans and metrics.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdown {
		errs = append(errs, fn(ctx))
	}
	p.shutdown = nil
	return errors.Join(errs...)
}

func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter(instrumentationName)
	}
	return p.meter
}

// RecordTenants counts tenants a sweep finished, by outcome.
func (p *Provider) RecordTenants(ctx context.Context, sweep string, ok, failed, skipped int) {
	if p.inst == nil {
		return
	}
	for _, o := range []struct {
		outcome string
		n       int
	}{{"ok", ok}, {"failed", failed}, {"skipped", skipped}} {
		if o.n > 0 {
			p.inst.tenants.Add(ctx, int64(o.n), metric.WithAttributes(AttrSweep.String(sweep), AttrOutcome.String(o.outcome)))
		}
	}
}

// TrackOperation opens a span named name and counts the operation. The
// returned function records the outcome and must be called exactly once.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.Tracer().Start(ctx, name, trace.WithSpanKind(trace.SpanKindInternal), trace.WithAttributes(attrs...))
	labels := metricLabels(name, attrs)
	set := metric.WithAttributes(labels...)
	if p.inst != nil {
		p.inst.operations.Add(ctx, 1, set)
		p.inst.active.Add(ctx, 1, set)
	}
	return ctx, func(err error) {
		defer span.End()
		SetSpanStatus(ctx, err)
		if p.inst == nil {
			return
		}
		p.inst.active.Add(ctx, -1, set)
		p.inst.duration.Record(ctx, time.Since(start).Seconds(), set)
		if err != nil {
			withType := append(labels, attribute.String("error.type", fmt.Sprintf("%T", err)))
			p.inst.errors.Add(ctx, 1, metric.WithAttributes(withType...))
		}
	}
}

// metricLabels drops per-tenant and per-intervention keys, which stay on
// spans only.
func metricLabels(name string, attrs []attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs)+1)
	out = append(out, AttrOperation.String(name))
	for _, a := range attrs {
		if a.Key == AttrTenantID || a.Key == AttrInterventionID {
			continue
		}
		out = append(out, a)
	}
	return out
}
