package publish

import (
	"context"
	"fmt"
	"time"

	"github.com/rbasniak/painting-projects-management-sub003/messaging/backoff"
	"github.com/rbasniak/painting-projects-management-sub003/messaging/internal/nilcheck"
	"github.com/rbasniak/painting-projects-management-sub003/messaging/log"
)

const (
	defaultMaxAttempts = 5
	defaultBaseBackoff = 200 * time.Millisecond
	defaultMaxBackoff  = 30 * time.Second
)

// ResilientConfig controls retry behavior of the resilient publisher.
type ResilientConfig struct {
	// MaxAttempts is the total number of publish attempts for transient
	// failures, including the first.
	MaxAttempts int
	// BaseBackoff is the exponential base for the jittered delay.
	BaseBackoff time.Duration
	// MaxBackoff caps the exponential bound before jitter.
	MaxBackoff time.Duration
}

// DefaultResilientConfig returns the baseline retry configuration: 5
// attempts, full-jitter delays sampled from
// uniform(0, min(200ms * 2^(attempt-1), 30s)).
func DefaultResilientConfig() ResilientConfig {
	return ResilientConfig{
		MaxAttempts: defaultMaxAttempts,
		BaseBackoff: defaultBaseBackoff,
		MaxBackoff:  defaultMaxBackoff,
	}
}

func (cfg *ResilientConfig) normalize() {
	defaults := DefaultResilientConfig()

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}

	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = defaults.BaseBackoff
	}

	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaults.MaxBackoff
	}
}

// ResilientOption configures a ResilientPublisher.
type ResilientOption func(*ResilientPublisher)

// WithLogger sets a structured logger.
func WithLogger(logger log.Logger) ResilientOption {
	return func(pub *ResilientPublisher) {
		if nilcheck.Interface(logger) {
			return
		}

		pub.logger = logger
	}
}

// WithConfig overrides the retry configuration.
func WithConfig(cfg ResilientConfig) ResilientOption {
	return func(pub *ResilientPublisher) {
		pub.cfg = cfg
	}
}

// ResilientPublisher decorates a Publisher with failure classification and
// transient-failure retries. One instance is safely shared across concurrent
// callers because each publish runs an independent broker confirmation.
type ResilientPublisher struct {
	inner      Publisher
	classifier Classifier
	logger     log.Logger
	cfg        ResilientConfig
}

var _ Publisher = (*ResilientPublisher)(nil)

// NewResilientPublisher wraps inner with classified retry behavior.
func NewResilientPublisher(inner Publisher, classifier Classifier, opts ...ResilientOption) (*ResilientPublisher, error) {
	if nilcheck.Interface(inner) {
		return nil, ErrPublisherRequired
	}

	pub := &ResilientPublisher{
		inner:      inner,
		classifier: classifier,
		logger:     log.NewNop(),
		cfg:        DefaultResilientConfig(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(pub)
		}
	}

	pub.cfg.normalize()

	return pub, nil
}

// Publish attempts the publish, retrying transient failures with full-jitter
// exponential backoff. Permanent failures return a *PermanentError without
// retry; unclassified failures propagate as-is. After exhausting retries the
// last broker error propagates so the caller can leave the row for a later
// dispatch pass.
func (pub *ResilientPublisher) Publish(ctx context.Context, routingKey string, body []byte, headers map[string]any) error {
	if pub == nil {
		return ErrPublisherRequired
	}

	var lastErr error

	for attempt := 1; attempt <= pub.cfg.MaxAttempts; attempt++ {
		err := pub.inner.Publish(ctx, routingKey, body, headers)
		if err == nil {
			return nil
		}

		switch pub.classify(err) {
		case ClassPermanent:
			return &PermanentError{Err: err}
		case ClassTransient:
			lastErr = err
		default:
			return err
		}

		if attempt == pub.cfg.MaxAttempts {
			break
		}

		delay := backoff.ExponentialWithJitterCapped(pub.cfg.BaseBackoff, attempt-1, pub.cfg.MaxBackoff)

		pub.logger.Log(ctx, log.LevelWarn, "transient publish failure, retrying",
			log.String("routing_key", routingKey),
			log.Int("attempt", attempt),
			log.Int("max_attempts", pub.cfg.MaxAttempts),
			log.Err(err),
		)

		if waitErr := backoff.SleepWithContext(ctx, delay); waitErr != nil {
			return fmt.Errorf("publish retry wait interrupted: %w", waitErr)
		}
	}

	return lastErr
}

func (pub *ResilientPublisher) classify(err error) FailureClass {
	if nilcheck.Interface(pub.classifier) {
		return ClassUnknown
	}

	return pub.classifier.Classify(err)
}
