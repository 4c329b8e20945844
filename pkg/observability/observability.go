// Package observability exports OpenTelemetry traces and metrics for
// the audit store: commit rate and latency, backlog depth and drain
// counts, and verification outcomes. Telemetry is optional; a disabled
// or nil Provider is safe everywhere and records nothing.
package observability

import (
	"context"
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

// Config configures the OpenTelemetry providers.
type Config struct {
	Enabled      bool
	ServiceName  string
	OTLPEndpoint string // gRPC endpoint, e.g. "localhost:4317"
	Insecure     bool
	BatchTimeout time.Duration
}

// Provider owns the trace and metric pipelines. The zero value and nil
// are inert.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	logger         *slog.Logger

	eventsCommitted metric.Int64Counter
	commitDuration  metric.Float64Histogram
	commitErrors    metric.Int64Counter
	backlogDrained  metric.Int64Counter
	backlogDepth    metric.Int64UpDownCounter
	verifyFailures  metric.Int64Counter
}

// New builds a Provider. When cfg.Enabled is false no exporters are
// created and every method is a no-op.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	p := &Provider{logger: slog.Default().With("component", "observability")}
	if !cfg.Enabled {
		return p, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "auditcore"
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 5 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	traceExporter, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter, sdktrace.WithBatchTimeout(cfg.BatchTimeout)),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	p.tracer = otel.Tracer("auditcore")

	metricExporter, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter,
			sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	if err := p.initMetrics(otel.Meter("auditcore")); err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", cfg.ServiceName, "endpoint", cfg.OTLPEndpoint)
	return p, nil
}

func (p *Provider) initMetrics(meter metric.Meter) error {
	var err error
	p.eventsCommitted, err = meter.Int64Counter("auditcore.events.committed",
		metric.WithDescription("Events committed to the chain"),
		metric.WithUnit("{event}"))
	if err != nil {
		return err
	}
	p.commitErrors, err = meter.Int64Counter("auditcore.commit.errors",
		metric.WithDescription("Chain commits that failed"),
		metric.WithUnit("{error}"))
	if err != nil {
		return err
	}
	p.commitDuration, err = meter.Float64Histogram("auditcore.commit.duration",
		metric.WithDescription("Chain commit duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0))
	if err != nil {
		return err
	}
	p.backlogDrained, err = meter.Int64Counter("auditcore.backlog.drained",
		metric.WithDescription("Backlog rows replayed to the chain"),
		metric.WithUnit("{row}"))
	if err != nil {
		return err
	}
	p.backlogDepth, err = meter.Int64UpDownCounter("auditcore.backlog.depth",
		metric.WithDescription("Rows currently awaiting replay"),
		metric.WithUnit("{row}"))
	if err != nil {
		return err
	}
	p.verifyFailures, err = meter.Int64Counter("auditcore.verify.failures",
		metric.WithDescription("Events that failed integrity verification"),
		metric.WithUnit("{event}"))
	return err
}

// StartSpan opens a span when tracing is enabled; otherwise the input
// context comes back with a no-op span.
func (p *Provider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if p == nil || p.tracer == nil {
		return trace.ContextWithSpan(ctx, trace.SpanFromContext(ctx)), trace.SpanFromContext(ctx)
	}
	return p.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func streamAttrs(projectID, environmentID string) metric.AddOption {
	return metric.WithAttributes(
		attribute.String("project_id", projectID),
		attribute.String("environment_id", environmentID),
	)
}

// RecordCommit tracks one chain commit attempt.
func (p *Provider) RecordCommit(ctx context.Context, projectID, environmentID string, n int, d time.Duration, err error) {
	if p == nil || p.eventsCommitted == nil {
		return
	}
	if err != nil {
		p.commitErrors.Add(ctx, 1, streamAttrs(projectID, environmentID))
		return
	}
	p.eventsCommitted.Add(ctx, int64(n), streamAttrs(projectID, environmentID))
	p.commitDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("project_id", projectID),
		attribute.String("environment_id", environmentID),
	))
}

// RecordBacklog tracks backlog movement: delta rows entering (positive)
// or leaving (negative) the queue, and drained counts replayed rows.
func (p *Provider) RecordBacklog(ctx context.Context, delta int64, drained int64) {
	if p == nil || p.backlogDepth == nil {
		return
	}
	if delta != 0 {
		p.backlogDepth.Add(ctx, delta)
	}
	if drained > 0 {
		p.backlogDrained.Add(ctx, drained)
	}
}

// RecordVerification tracks a verification sweep's failure count.
func (p *Provider) RecordVerification(ctx context.Context, projectID, environmentID string, failed int) {
	if p == nil || p.verifyFailures == nil || failed == 0 {
		return
	}
	p.verifyFailures.Add(ctx, int64(failed), streamAttrs(projectID, environmentID))
}

// Shutdown flushes and stops the exporters.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var firstErr error
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
