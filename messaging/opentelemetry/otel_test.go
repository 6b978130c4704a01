//go:build unit

package opentelemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func setupTracing(t *testing.T) *sdktrace.TracerProvider {
	t.Helper()

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	prevPropagator := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})

	t.Cleanup(func() {
		otel.SetTextMapPropagator(prevPropagator)
		require.NoError(t, provider.Shutdown(context.Background()))
	})

	return provider
}

func TestQueueHeadersCarryTraceContextAcrossBoundary(t *testing.T) {
	provider := setupTracing(t)
	tracer := provider.Tracer("test")

	ctx, span := tracer.Start(context.Background(), "publish")
	defer span.End()

	headers := PrepareQueueHeaders(ctx, map[string]any{"message-id": "abc"})
	require.Equal(t, "abc", headers["message-id"])
	require.Contains(t, headers, "traceparent")

	// The consumer side sees amqp.Table style headers.
	consumerCtx := ExtractTraceContextFromQueueHeaders(context.Background(), headers)

	remote := trace.SpanContextFromContext(consumerCtx)
	require.True(t, remote.IsValid())
	require.True(t, remote.IsRemote())
	require.Equal(t, span.SpanContext().TraceID(), remote.TraceID())
	require.Equal(t, span.SpanContext().TraceID().String(), GetTraceIDFromContext(consumerCtx))
}

func TestExtractIgnoresNonStringAndEmptyHeaders(t *testing.T) {
	setupTracing(t)

	base := context.Background()

	require.Equal(t, base, ExtractTraceContextFromQueueHeaders(base, nil))
	require.Equal(t, base, ExtractTraceContextFromQueueHeaders(base, map[string]any{"x-death": 3}))
	require.Empty(t, GetTraceIDFromContext(base))
}

func TestHandleSpanErrorRecordsStatus(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	t.Cleanup(func() {
		require.NoError(t, provider.Shutdown(context.Background()))
	})

	_, span := provider.Tracer("test").Start(context.Background(), "publish")
	HandleSpanError(span, "publish failed", errors.New("broker unreachable"))
	HandleSpanError(span, "ignored", nil)
	HandleSpanError(nil, "ignored", errors.New("ignored"))
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	require.Equal(t, codes.Error, spans[0].Status.Code)
	require.Equal(t, "publish failed", spans[0].Status.Description)
	require.Len(t, spans[0].Events, 1)
	require.Equal(t, "exception", spans[0].Events[0].Name)
}
