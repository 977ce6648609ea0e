package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/CodeMonkeyCybersecurity/salvo/internal/config"
	"github.com/CodeMonkeyCybersecurity/salvo/internal/core"
	"github.com/CodeMonkeyCybersecurity/salvo/pkg/types"
)

type telemetry struct {
	tracer         trace.Tracer
	meter          metric.Meter
	tracerProvider *sdktrace.TracerProvider

	sessionCounter  metric.Int64Counter
	attemptCounter  metric.Int64Counter
	attemptDuration metric.Float64Histogram
	workerGauge     metric.Int64UpDownCounter
}

func New(ctx context.Context, cfg config.TelemetryConfig) (core.Telemetry, error) {
	if !cfg.Enabled {
		return &noopTelemetry{}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var exporter sdktrace.SpanExporter

	switch cfg.ExporterType {
	case "otlp":
		client := otlptracehttp.NewClient(
			otlptracehttp.WithEndpoint(cfg.Endpoint),
			otlptracehttp.WithInsecure(),
		)
		exp, err := otlptrace.New(ctx, client)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		exporter = exp
	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", cfg.ExporterType)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SampleRate)),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	tracer := tp.Tracer(cfg.ServiceName)
	meter := otel.Meter(cfg.ServiceName)

	sessionCounter, err := meter.Int64Counter("salvo.sessions.total",
		metric.WithDescription("Total number of exploit sessions"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	attemptCounter, err := meter.Int64Counter("salvo.attempts.total",
		metric.WithDescription("Total number of exploit attempts"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	attemptDuration, err := meter.Float64Histogram("salvo.attempt.duration",
		metric.WithDescription("Exploit attempt duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	workerGauge, err := meter.Int64UpDownCounter("salvo.workers.active",
		metric.WithDescription("Number of active workers"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &telemetry{
		tracer:          tracer,
		meter:           meter,
		tracerProvider:  tp,
		sessionCounter:  sessionCounter,
		attemptCounter:  attemptCounter,
		attemptDuration: attemptDuration,
		workerGauge:     workerGauge,
	}, nil
}

func (t *telemetry) RecordSession(outcome types.SessionOutcome, duration float64) {
	ctx := context.Background()

	attrs := []attribute.KeyValue{
		attribute.String("session.outcome", string(outcome)),
	}

	t.sessionCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	t.attemptDuration.Record(ctx, duration, metric.WithAttributes(attrs...))
}

func (t *telemetry) RecordAttempt(status types.AttemptStatus, duration float64) {
	ctx := context.Background()

	attrs := []attribute.KeyValue{
		attribute.String("attempt.status", string(status)),
	}

	t.attemptCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	t.attemptDuration.Record(ctx, duration, metric.WithAttributes(attrs...))
}

func (t *telemetry) WorkerStarted() {
	t.workerGauge.Add(context.Background(), 1)
}

func (t *telemetry) WorkerStopped() {
	t.workerGauge.Add(context.Background(), -1)
}

func (t *telemetry) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return t.tracerProvider.Shutdown(ctx)
}

type noopTelemetry struct{}

func (n *noopTelemetry) RecordSession(outcome types.SessionOutcome, duration float64) {}
func (n *noopTelemetry) RecordAttempt(status types.AttemptStatus, duration float64)   {}
func (n *noopTelemetry) WorkerStarted()                                               {}
func (n *noopTelemetry) WorkerStopped()                                               {}
func (n *noopTelemetry) Close() error                                                 { return nil }
