// Package opentelemetry provides the tracing helpers used on the publish and
// consume paths: span error recording and W3C trace-context propagation
// through broker message headers.
package opentelemetry

import (
	"context"
	"maps"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// HandleSpanError records err on span and sets the span status to Error.
func HandleSpanError(span trace.Span, message string, err error) {
	if span == nil || err == nil {
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, message)
}

// InjectQueueTraceContext injects the current trace context into a flat
// string map following W3C trace-context conventions (traceparent,
// tracestate).
func InjectQueueTraceContext(ctx context.Context) map[string]string {
	carrier := propagation.HeaderCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	headers := make(map[string]string)

	for k, v := range carrier {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}

	return headers
}

// ExtractQueueTraceContext extracts trace context from flat string headers
// and returns a context carrying the remote span, enabling trace continuity
// across queue boundaries.
func ExtractQueueTraceContext(ctx context.Context, headers map[string]string) context.Context {
	if headers == nil {
		return ctx
	}

	carrier := propagation.HeaderCarrier{}
	for k, v := range headers {
		carrier.Set(k, v)
	}

	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// PrepareQueueHeaders copies baseHeaders and injects W3C trace headers from
// ctx. The result is suitable for amqp.Table.
func PrepareQueueHeaders(ctx context.Context, baseHeaders map[string]any) map[string]any {
	headers := make(map[string]any)

	maps.Copy(headers, baseHeaders)

	for k, v := range InjectQueueTraceContext(ctx) {
		headers[k] = v
	}

	return headers
}

// ExtractTraceContextFromQueueHeaders extracts trace context from amqp.Table
// style headers, ignoring non-string values.
func ExtractTraceContextFromQueueHeaders(baseCtx context.Context, amqpHeaders map[string]any) context.Context {
	if len(amqpHeaders) == 0 {
		return baseCtx
	}

	traceHeaders := make(map[string]string)

	for k, v := range amqpHeaders {
		if str, ok := v.(string); ok {
			traceHeaders[k] = str
		}
	}

	if len(traceHeaders) == 0 {
		return baseCtx
	}

	return ExtractQueueTraceContext(baseCtx, traceHeaders)
}

// GetTraceIDFromContext returns the active trace ID or an empty string.
func GetTraceIDFromContext(ctx context.Context) string {
	spanContext := trace.SpanFromContext(ctx).SpanContext()
	if !spanContext.IsValid() {
		return ""
	}

	return spanContext.TraceID().String()
}
