package outbox

import (
	"time"

	"go.opentelemetry.io/otel/metric"
)

const (
	defaultDispatchInterval = 2 * time.Second
	defaultBatchSize        = 50
	defaultRetryBackoffBase = 5 * time.Second
	defaultRetryBackoffCap  = 10 * time.Minute
	defaultMaxErrorLength   = 2048
)

// DispatcherConfig controls dispatcher polling and failure-backoff behavior.
type DispatcherConfig struct {
	// DispatchInterval is the periodic interval between dispatch cycles.
	DispatchInterval time.Duration
	// BatchSize is the max number of messages processed per cycle.
	BatchSize int
	// RetryBackoffBase is the exponential base for the jittered
	// DoNotProcessBeforeUTC window set after a failed dispatch.
	RetryBackoffBase time.Duration
	// RetryBackoffCap bounds the backoff window.
	RetryBackoffCap time.Duration
	// MaxErrorLength truncates persisted error messages.
	MaxErrorLength int
	// MeterProvider overrides the global meter provider when set.
	MeterProvider metric.MeterProvider
}

// DefaultDispatcherConfig returns the baseline dispatcher configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		DispatchInterval: defaultDispatchInterval,
		BatchSize:        defaultBatchSize,
		RetryBackoffBase: defaultRetryBackoffBase,
		RetryBackoffCap:  defaultRetryBackoffCap,
		MaxErrorLength:   defaultMaxErrorLength,
	}
}

func (cfg *DispatcherConfig) normalize() {
	defaults := DefaultDispatcherConfig()

	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = defaults.DispatchInterval
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}

	if cfg.RetryBackoffBase <= 0 {
		cfg.RetryBackoffBase = defaults.RetryBackoffBase
	}

	if cfg.RetryBackoffCap <= 0 {
		cfg.RetryBackoffCap = defaults.RetryBackoffCap
	}

	if cfg.MaxErrorLength <= 0 {
		cfg.MaxErrorLength = defaults.MaxErrorLength
	}
}
