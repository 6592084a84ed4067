// Package tracing wires OpenTelemetry spans for job handling.
package tracing

import (
	"context"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"whatsapp-ai-platform/internal/config"
)

const tracerName = "whatsapp-ai-platform"

// Init installs the global tracer provider. With no endpoint configured
// tracing stays a no-op. The returned func flushes and stops the exporter.
func Init(ctx context.Context, cfg config.TracingConfig, log *zerolog.Logger) (func(context.Context) error, error) {
	if cfg.OTLPEndpoint == "" {
		log.Info().Msg("tracing disabled (no OTLP endpoint)")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	name := cfg.ServiceName
	if name == "" {
		name = "whatsapp-ai-worker"
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(name)))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	log.Info().Str("endpoint", cfg.OTLPEndpoint).Msg("tracing enabled")
	return tp.Shutdown, nil
}

func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

func Queue(name string) attribute.KeyValue    { return attribute.String("queue.name", name) }
func JobID(id string) attribute.KeyValue      { return attribute.String("job.id", id) }
func OrgID(id string) attribute.KeyValue      { return attribute.String("org.id", id) }
func Attempt(n int) attribute.KeyValue        { return attribute.Int("job.attempt", n) }
func TaskID(id string) attribute.KeyValue     { return attribute.String("agent.task_id", id) }
func Outcome(o string) attribute.KeyValue     { return attribute.String("job.outcome", o) }
func InstanceID(id string) attribute.KeyValue { return attribute.String("whatsapp.instance_id", id) }
