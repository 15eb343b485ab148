// Package otelhelper wires OpenTelemetry tracing for the engine processes.
package otelhelper

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otlptracehttp "go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	ProjectIDKey    = "flowkeeper.project.id"
	WorkflowNameKey = "flowkeeper.workflow.name"
	SessionIDKey    = "flowkeeper.session.id"
	AttemptIDKey    = "flowkeeper.attempt.id"
	TaskIDKey       = "flowkeeper.task.id"
	TaskNameKey     = "flowkeeper.task.name"
	OperatorTypeKey = "flowkeeper.operator.type"
	RetryCountKey   = "flowkeeper.task.retry_count"
	RuleIDKey       = "flowkeeper.sla.rule.id"
	WorkerIDKey     = "flowkeeper.worker.id"
)

// ShutdownFunc flushes and stops the tracer provider.
type ShutdownFunc func(ctx context.Context) error

// NewTracer installs a global OTLP/HTTP tracer provider for serviceName; attrs are added
// to the resource. The exporter is configured from the standard OTEL_EXPORTER_OTLP_*
// variables.
//
// nolint:ireturn
func NewTracer(ctx context.Context, serviceName string, attrs ...attribute.KeyValue) (trace.Tracer, ShutdownFunc, error) {
	provider, err := newTracerProvider(ctx, serviceName, attrs...)
	if err != nil {
		return nil, nil, err
	}

	return provider.Tracer(serviceName), provider.Shutdown, nil
}

// NoopTracer returns a tracer that records nothing, for tests and disabled tracing.
//
// nolint:ireturn
func NoopTracer() trace.Tracer {
	return noop.NewTracerProvider().Tracer("flowkeeper")
}

// nolint:ireturn,spancheck
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func newTracerProvider(ctx context.Context, serviceName string, attrs ...attribute.KeyValue) (*sdktrace.TracerProvider, error) {
	r, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			append([]attribute.KeyValue{
				semconv.ServiceName(serviceName),
				semconv.ServiceNamespace("flowkeeper"),
			}, attrs...)...,
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build trace resource: %w", err)
	}

	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(r),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp, nil
}
