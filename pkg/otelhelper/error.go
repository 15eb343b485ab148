package otelhelper

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SetError marks the span failed and records err with the extra attributes. A canceled
// context only adds a "canceled" event and leaves the span status alone.
func SetError(span trace.Span, err error, attrs ...attribute.KeyValue) {
	if errors.Is(err, context.Canceled) {
		span.AddEvent("canceled", trace.WithAttributes(append(attrs, attribute.String("reason", err.Error()))...))

		return
	}

	span.RecordError(err, trace.WithAttributes(attrs...))
	span.SetStatus(codes.Error, err.Error())
}
