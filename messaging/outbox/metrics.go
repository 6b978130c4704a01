package outbox

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type dispatcherMetrics struct {
	published       metric.Int64Counter
	failed          metric.Int64Counter
	stateFailed     metric.Int64Counter
	dispatchLatency metric.Float64Histogram
	batchDepth      metric.Int64Gauge
}

func newDispatcherMetrics(provider metric.MeterProvider) (dispatcherMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("messaging.outbox.dispatcher")

	var (
		metrics dispatcherMetrics
		err     error
	)

	metrics.published, err = meter.Int64Counter(
		"outbox.messages.published",
		metric.WithDescription("Number of outbox messages successfully published"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.messages.published counter: %w", err)
	}

	metrics.failed, err = meter.Int64Counter(
		"outbox.messages.failed",
		metric.WithDescription("Number of outbox messages that failed to publish"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.messages.failed counter: %w", err)
	}

	metrics.stateFailed, err = meter.Int64Counter(
		"outbox.messages.state_update_failed",
		metric.WithDescription("Number of outbox messages published but not persisted as processed"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.messages.state_update_failed counter: %w", err)
	}

	metrics.dispatchLatency, err = meter.Float64Histogram(
		"outbox.dispatch.latency",
		metric.WithDescription("Time taken per dispatch cycle"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.dispatch.latency histogram: %w", err)
	}

	metrics.batchDepth, err = meter.Int64Gauge(
		"outbox.batch.depth",
		metric.WithDescription("Number of due outbox messages selected in a dispatch cycle"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.batch.depth gauge: %w", err)
	}

	return metrics, nil
}
