package consumer

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type consumerMetrics struct {
	handled       metric.Int64Counter
	dropped       metric.Int64Counter
	deduplicated  metric.Int64Counter
	handlerFailed metric.Int64Counter
}

func newConsumerMetrics(provider metric.MeterProvider) (consumerMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("messaging.consumer")

	var (
		metrics consumerMetrics
		err     error
	)

	metrics.handled, err = meter.Int64Counter(
		"consumer.messages.handled",
		metric.WithDescription("Number of handler invocations that completed successfully"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return consumerMetrics{}, fmt.Errorf("create consumer.messages.handled counter: %w", err)
	}

	metrics.dropped, err = meter.Int64Counter(
		"consumer.messages.dropped",
		metric.WithDescription("Number of messages dropped as malformed or unknown"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return consumerMetrics{}, fmt.Errorf("create consumer.messages.dropped counter: %w", err)
	}

	metrics.deduplicated, err = meter.Int64Counter(
		"consumer.messages.deduplicated",
		metric.WithDescription("Number of handler invocations skipped by the inbox processed check"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return consumerMetrics{}, fmt.Errorf("create consumer.messages.deduplicated counter: %w", err)
	}

	metrics.handlerFailed, err = meter.Int64Counter(
		"consumer.handler.failed",
		metric.WithDescription("Number of handler invocations that returned an error"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return consumerMetrics{}, fmt.Errorf("create consumer.handler.failed counter: %w", err)
	}

	return metrics, nil
}
