package cmd

import (
	"context"
	"log/slog"

	"github.com/dukex/flowkeeper/pkg/otelhelper"
	"go.opentelemetry.io/otel/trace"
)

// NewTracer returns an OTLP tracer when enabled, or a no-op one. The returned function
// flushes and stops the exporter.
func NewTracer(ctx context.Context, enabled bool, serviceName string, logger *slog.Logger) (trace.Tracer, func()) {
	if !enabled {
		return otelhelper.NoopTracer(), func() {}
	}

	tracer, shutdown, err := otelhelper.NewTracer(ctx, serviceName)
	if err != nil {
		logger.WarnContext(ctx, "Failed to initialize tracer, tracing disabled", "error", err)

		return otelhelper.NoopTracer(), func() {}
	}

	return tracer, func() {
		if err := shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.ErrorContext(ctx, "Failed to shutdown tracer provider", "error", err)
		}
	}
}
