// Package circuitbreaker guards the broker publisher with a circuit breaker
// so a dead broker sheds load fast instead of stacking confirm timeouts.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/rbasniak/painting-projects-management-sub003/messaging/internal/nilcheck"
	"github.com/rbasniak/painting-projects-management-sub003/messaging/log"
	"github.com/rbasniak/painting-projects-management-sub003/messaging/publish"
)

var (
	ErrNameRequired = errors.New("circuit breaker name is required")

	// ErrCircuitOpen reports that the breaker rejected the call without
	// reaching the broker. Callers see it as an unclassified failure, so the
	// outbox row stays pending for a later pass.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// Config mirrors the gobreaker knobs this package exposes.
type Config struct {
	// MaxRequests is the number of probe requests allowed while half-open.
	MaxRequests uint32
	// Interval is the cyclic window for clearing closed-state counts.
	Interval time.Duration
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration
	// ConsecutiveFailures trips the breaker regardless of ratio.
	ConsecutiveFailures uint32
	// FailureRatio trips the breaker once MinRequests have been observed.
	FailureRatio float64
	// MinRequests is the sample floor for the ratio check.
	MinRequests uint32
}

// DefaultConfig provides balanced settings for a broker dependency.
func DefaultConfig() Config {
	return Config{
		MaxRequests:         3,
		Interval:            2 * time.Minute,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 10,
		FailureRatio:        0.5,
		MinRequests:         10,
	}
}

func (cfg *Config) normalize() {
	defaults := DefaultConfig()

	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = defaults.MaxRequests
	}

	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}

	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = defaults.ConsecutiveFailures
	}

	if cfg.FailureRatio <= 0 || cfg.FailureRatio > 1 {
		cfg.FailureRatio = defaults.FailureRatio
	}

	if cfg.MinRequests == 0 {
		cfg.MinRequests = defaults.MinRequests
	}
}

// Publisher decorates a publish.Publisher with a circuit breaker.
type Publisher struct {
	inner   publish.Publisher
	breaker *gobreaker.CircuitBreaker
	logger  log.Logger
}

// Option configures a Publisher.
type Option func(*Publisher, *Config)

// WithLogger sets a structured logger for state-change events.
func WithLogger(logger log.Logger) Option {
	return func(pub *Publisher, _ *Config) {
		if nilcheck.Interface(logger) {
			return
		}

		pub.logger = logger
	}
}

// WithConfig overrides the breaker configuration.
func WithConfig(cfg Config) Option {
	return func(_ *Publisher, target *Config) {
		*target = cfg
	}
}

// NewPublisher wraps inner with a named circuit breaker.
func NewPublisher(inner publish.Publisher, name string, opts ...Option) (*Publisher, error) {
	if nilcheck.Interface(inner) {
		return nil, publish.ErrPublisherRequired
	}

	if strings.TrimSpace(name) == "" {
		return nil, ErrNameRequired
	}

	pub := &Publisher{
		inner:  inner,
		logger: log.NewNop(),
	}

	cfg := DefaultConfig()

	for _, opt := range opts {
		if opt != nil {
			opt(pub, &cfg)
		}
	}

	cfg.normalize()

	pub.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= cfg.ConsecutiveFailures {
				return true
			}

			if counts.Requests < cfg.MinRequests {
				return false
			}

			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		// Permanent publish failures signal misconfiguration, not broker
		// health, and must not trip the breaker.
		IsSuccessful: func(err error) bool {
			return err == nil || publish.IsPermanent(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			pub.logger.Log(context.Background(), log.LevelWarn, "circuit breaker state changed",
				log.String("breaker", name),
				log.String("from", from.String()),
				log.String("to", to.String()),
			)
		},
	})

	return pub, nil
}

// Publish forwards to the wrapped publisher while the breaker allows it.
func (pub *Publisher) Publish(ctx context.Context, routingKey string, body []byte, headers map[string]any) error {
	if pub == nil || pub.breaker == nil {
		return publish.ErrPublisherRequired
	}

	_, err := pub.breaker.Execute(func() (any, error) {
		return nil, pub.inner.Publish(ctx, routingKey, body, headers)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: %w", ErrCircuitOpen, err)
		}

		return err
	}

	return nil
}

// State returns the current breaker state.
func (pub *Publisher) State() gobreaker.State {
	if pub == nil || pub.breaker == nil {
		return gobreaker.StateOpen
	}

	return pub.breaker.State()
}
