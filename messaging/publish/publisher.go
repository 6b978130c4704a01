// Package publish defines the broker publisher contract and the resilient
// decorator that classifies failures and retries transient ones with
// full-jitter exponential backoff.
package publish

import (
	"context"
	"errors"
	"fmt"
)

// Publisher sends a serialized envelope to the broker's topic exchange and
// blocks until broker-level confirmation. Implementations must be safe for
// concurrent callers.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body []byte, headers map[string]any) error
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(ctx context.Context, routingKey string, body []byte, headers map[string]any) error

// Publish implements Publisher.
func (fn PublisherFunc) Publish(ctx context.Context, routingKey string, body []byte, headers map[string]any) error {
	if fn == nil {
		return ErrPublisherRequired
	}

	return fn(ctx, routingKey, body, headers)
}

// ErrPublisherRequired is returned when a publisher dependency is missing.
var ErrPublisherRequired = errors.New("publisher is required")

// PermanentError marks a publish failure that must not be retried, such as
// broker auth/ACL refusals or malformed targets. It is surfaced immediately
// to the caller.
type PermanentError struct {
	Err error
}

// Error implements error.
func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent publish failure: %v", e.Err)
}

// Unwrap returns the underlying broker error.
func (e *PermanentError) Unwrap() error {
	return e.Err
}

// IsPermanent reports whether err carries a PermanentError anywhere in its
// chain.
func IsPermanent(err error) bool {
	var permanent *PermanentError

	return errors.As(err, &permanent)
}

// FailureClass is the retry classification of a publish error.
type FailureClass int

const (
	// ClassUnknown propagates without retry; the classifier could not place
	// the failure.
	ClassUnknown FailureClass = iota

	// ClassTransient is retried with backoff (timeouts, I/O errors, broker
	// unreachable, forced-close broker codes).
	ClassTransient

	// ClassPermanent is never retried (auth/ACL errors, malformed-target
	// broker codes).
	ClassPermanent
)

// String returns a human-readable class name.
func (class FailureClass) String() string {
	switch class {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Classifier assigns a retry class to a publish failure. Classification
// happens once, at the lowest layer, so callers only ever observe
// "succeeded" or "exhausted retries, failed".
type Classifier interface {
	Classify(err error) FailureClass
}

// ClassifierFunc adapts a function to the Classifier interface.
type ClassifierFunc func(err error) FailureClass

// Classify implements Classifier.
func (fn ClassifierFunc) Classify(err error) FailureClass {
	if fn == nil {
		return ClassUnknown
	}

	return fn(err)
}
