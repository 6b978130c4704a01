package consumer

import (
	"time"

	"go.opentelemetry.io/otel/metric"
)

const (
	defaultResubscribeBackoffBase = 1 * time.Second
	defaultResubscribeBackoffCap  = 30 * time.Second
	defaultRetryBackoffBase       = 5 * time.Second
	defaultRetryBackoffCap        = 10 * time.Minute
)

// Config controls consumer supervision and delivery-accounting backoff.
type Config struct {
	// ResubscribeBackoffBase is the first delay before re-establishing a
	// failed subscription. Subsequent delays double.
	ResubscribeBackoffBase time.Duration
	// ResubscribeBackoffCap bounds the resubscribe delay.
	ResubscribeBackoffCap time.Duration
	// RetryBackoffBase is the exponential base for a failed subscriber's
	// DoNotProcessBeforeUTC window in the delivery-accounting table.
	RetryBackoffBase time.Duration
	// RetryBackoffCap bounds the delivery backoff window.
	RetryBackoffCap time.Duration
	// MeterProvider overrides the global meter provider when set.
	MeterProvider metric.MeterProvider
}

// DefaultConfig returns the baseline consumer configuration.
func DefaultConfig() Config {
	return Config{
		ResubscribeBackoffBase: defaultResubscribeBackoffBase,
		ResubscribeBackoffCap:  defaultResubscribeBackoffCap,
		RetryBackoffBase:       defaultRetryBackoffBase,
		RetryBackoffCap:        defaultRetryBackoffCap,
	}
}

func (cfg *Config) normalize() {
	defaults := DefaultConfig()

	if cfg.ResubscribeBackoffBase <= 0 {
		cfg.ResubscribeBackoffBase = defaults.ResubscribeBackoffBase
	}

	if cfg.ResubscribeBackoffCap <= 0 {
		cfg.ResubscribeBackoffCap = defaults.ResubscribeBackoffCap
	}

	if cfg.RetryBackoffBase <= 0 {
		cfg.RetryBackoffBase = defaults.RetryBackoffBase
	}

	if cfg.RetryBackoffCap <= 0 {
		cfg.RetryBackoffCap = defaults.RetryBackoffCap
	}
}
