// Package tracing wires the pipeline stages into OpenTelemetry. Spans
// carry the tracking id so a distributed trace lines up with the
// stage_events rows behind the trace endpoint.
package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/marinops/fleetcore/internal/config"
	"github.com/marinops/fleetcore/internal/models"
)

// TracerProvider manages the lifecycle of the OpenTelemetry tracer.
type TracerProvider struct {
	tp *sdktrace.TracerProvider
}

// NewTracerProvider builds an OTLP/gRPC exporter and installs it as the
// global provider. Returns nil when tracing is disabled.
func NewTracerProvider(cfg config.TracingConfig, serviceName, serviceVersion string) (*TracerProvider, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	exporter, err := otlptracegrpc.New(
		context.Background(),
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(serviceVersion),
			semconv.ServiceNamespaceKey.String("fleetcore"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)

	return &TracerProvider{tp: tp}, nil
}

// Shutdown flushes pending spans. Safe on a nil provider.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp == nil {
		return nil
	}
	return tp.tp.Shutdown(ctx)
}

// StageTracer starts spans named after a pipeline stage.
type StageTracer struct {
	stage  string
	tracer trace.Tracer
}

// NewStageTracer returns a tracer for one stage; it uses whatever
// global provider is installed, so it is safe without NewTracerProvider.
func NewStageTracer(stage string) *StageTracer {
	return &StageTracer{stage: stage, tracer: otel.Tracer(stage)}
}

// StartEventSpan opens a span for processing one pipeline event.
func (t *StageTracer) StartEventSpan(ctx context.Context, trackingID models.TrackingID, shipID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, t.stage+".process",
		trace.WithAttributes(
			attribute.String("fleetcore.tracking_id", string(trackingID)),
			attribute.String("fleetcore.ship_id", shipID),
			attribute.String("fleetcore.stage", t.stage),
		),
	)
}

// RecordOutcome stamps the span with the stage result and duration.
func (t *StageTracer) RecordOutcome(span trace.Span, result string, d time.Duration) {
	span.SetAttributes(
		attribute.String("fleetcore.result", result),
		attribute.Int64("fleetcore.duration_ms", d.Milliseconds()),
	)
	if result == "error" || result == "dlq" {
		span.SetStatus(codes.Error, result)
	}
}

// RecordError records err on the span and marks it failed.
func (t *StageTracer) RecordError(span trace.Span, err error) {
	span.SetStatus(codes.Error, err.Error())
	span.RecordError(err)
}
