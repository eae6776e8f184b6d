package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/imtaco/conf-sfu/internal/errors"
)

// StartSpan starts a new span with the given name and attributes
func StartSpan(ctx context.Context, tracer trace.Tracer, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, spanName)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// RecordError marks the span failed. Coded errors also get an error.code
// attribute so failures can be grouped by kind.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, errors.Message(err))
	if code := errors.CodeOf(err); code != "" {
		span.SetAttributes(attribute.String("error.code", string(code)))
	}
}
