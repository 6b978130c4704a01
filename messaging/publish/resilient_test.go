//go:build unit

package publish

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var (
	errDenied  = errors.New("access refused")
	errTimeout = errors.New("confirm timeout")
	errWeird   = errors.New("something else entirely")
)

func testClassifier() Classifier {
	return ClassifierFunc(func(err error) FailureClass {
		switch {
		case errors.Is(err, errDenied):
			return ClassPermanent
		case errors.Is(err, errTimeout):
			return ClassTransient
		default:
			return ClassUnknown
		}
	})
}

func fastConfig() ResilientConfig {
	return ResilientConfig{
		MaxAttempts: 5,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	}
}

func TestNewResilientPublisherRequiresInner(t *testing.T) {
	_, err := NewResilientPublisher(nil, testClassifier())
	require.ErrorIs(t, err, ErrPublisherRequired)
}

func TestPublishSucceedsFirstAttempt(t *testing.T) {
	var calls int32

	inner := PublisherFunc(func(context.Context, string, []byte, map[string]any) error {
		atomic.AddInt32(&calls, 1)

		return nil
	})

	pub, err := NewResilientPublisher(inner, testClassifier(), WithConfig(fastConfig()))
	require.NoError(t, err)

	require.NoError(t, pub.Publish(context.Background(), "model.created.v1", []byte(`{}`), nil))
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestPermanentFailureIsNotRetried(t *testing.T) {
	var calls int32

	inner := PublisherFunc(func(context.Context, string, []byte, map[string]any) error {
		atomic.AddInt32(&calls, 1)

		return errDenied
	})

	pub, err := NewResilientPublisher(inner, testClassifier(), WithConfig(fastConfig()))
	require.NoError(t, err)

	err = pub.Publish(context.Background(), "model.created.v1", []byte(`{}`), nil)
	require.Error(t, err)
	require.True(t, IsPermanent(err))
	require.ErrorIs(t, err, errDenied)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestTransientFailureRetriesUpToMaxAttempts(t *testing.T) {
	var calls int32

	inner := PublisherFunc(func(context.Context, string, []byte, map[string]any) error {
		atomic.AddInt32(&calls, 1)

		return errTimeout
	})

	pub, err := NewResilientPublisher(inner, testClassifier(), WithConfig(fastConfig()))
	require.NoError(t, err)

	err = pub.Publish(context.Background(), "model.created.v1", []byte(`{}`), nil)
	require.ErrorIs(t, err, errTimeout)
	require.False(t, IsPermanent(err))
	require.Equal(t, int32(5), atomic.LoadInt32(&calls))
}

func TestTransientFailureEventuallyClears(t *testing.T) {
	var calls int32

	inner := PublisherFunc(func(context.Context, string, []byte, map[string]any) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errTimeout
		}

		return nil
	})

	pub, err := NewResilientPublisher(inner, testClassifier(), WithConfig(fastConfig()))
	require.NoError(t, err)

	require.NoError(t, pub.Publish(context.Background(), "model.created.v1", []byte(`{}`), nil))
	require.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestUnclassifiedFailurePropagatesWithoutRetry(t *testing.T) {
	var calls int32

	inner := PublisherFunc(func(context.Context, string, []byte, map[string]any) error {
		atomic.AddInt32(&calls, 1)

		return errWeird
	})

	pub, err := NewResilientPublisher(inner, testClassifier(), WithConfig(fastConfig()))
	require.NoError(t, err)

	err = pub.Publish(context.Background(), "model.created.v1", []byte(`{}`), nil)
	require.ErrorIs(t, err, errWeird)
	require.False(t, IsPermanent(err))
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRetryWaitAbortsOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var calls int32

	inner := PublisherFunc(func(context.Context, string, []byte, map[string]any) error {
		atomic.AddInt32(&calls, 1)
		cancel()

		return errTimeout
	})

	cfg := fastConfig()
	cfg.BaseBackoff = 10 * time.Second
	cfg.MaxBackoff = 10 * time.Second

	pub, err := NewResilientPublisher(inner, testClassifier(), WithConfig(cfg))
	require.NoError(t, err)

	start := time.Now()
	err = pub.Publish(ctx, "model.created.v1", []byte(`{}`), nil)
	require.Error(t, err)
	require.ErrorIs(t, err, context.Canceled)
	require.Less(t, time.Since(start), time.Second)
	require.LessOrEqual(t, atomic.LoadInt32(&calls), int32(2))
}

func TestNilClassifierTreatsFailuresAsUnknown(t *testing.T) {
	var calls int32

	inner := PublisherFunc(func(context.Context, string, []byte, map[string]any) error {
		atomic.AddInt32(&calls, 1)

		return errTimeout
	})

	pub, err := NewResilientPublisher(inner, nil, WithConfig(fastConfig()))
	require.NoError(t, err)

	err = pub.Publish(context.Background(), "model.created.v1", []byte(`{}`), nil)
	require.ErrorIs(t, err, errTimeout)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestFailureClassString(t *testing.T) {
	require.Equal(t, "transient", ClassTransient.String())
	require.Equal(t, "permanent", ClassPermanent.String())
	require.Equal(t, "unknown", ClassUnknown.String())
	require.Equal(t, "unknown", FailureClass(42).String())
}
