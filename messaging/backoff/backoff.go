// Package backoff provides exponential backoff with full jitter for the
// publish-retry and loop-supervision paths.
package backoff

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	mrand "math/rand/v2"
	"time"
)

const maxShift = 62

// Exponential calculates base * 2^attempt with overflow protection.
// Negative attempts are treated as 0.
func Exponential(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}

	if attempt < 0 {
		attempt = 0
	} else if attempt > maxShift {
		attempt = maxShift
	}

	multiplier := int64(1 << attempt)

	baseInt := int64(base)
	if baseInt > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}

	return time.Duration(baseInt * multiplier)
}

// ExponentialCapped calculates base * 2^attempt bounded by cap.
func ExponentialCapped(base time.Duration, attempt int, cap time.Duration) time.Duration {
	delay := Exponential(base, attempt)
	if cap > 0 && delay > cap {
		return cap
	}

	return delay
}

// FullJitter returns a random duration in the range [0, delay).
// Uses crypto/rand, falling back to a seeded PRNG if entropy is exhausted.
// Returns 0 for zero or negative delays.
func FullJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}

	n, err := rand.Int(rand.Reader, big.NewInt(int64(delay)))
	if err != nil {
		return time.Duration(cryptoFallbackRand(int64(delay)))
	}

	return time.Duration(n.Int64())
}

const fallbackDivisor = 2

// cryptoFallbackRand keeps jitter non-blocking when crypto/rand fails: it
// tries to seed a PRNG from raw entropy bytes and, failing that, returns the
// deterministic midpoint.
func cryptoFallbackRand(maxValue int64) int64 {
	var seed [8]byte

	_, err := rand.Read(seed[:])
	if err != nil {
		return maxValue / fallbackDivisor
	}

	rng := mrand.New(
		mrand.NewPCG(binary.LittleEndian.Uint64(seed[:]), 0),
	) // #nosec G404 -- Fallback when crypto/rand fails

	return rng.Int64N(maxValue)
}

// ExponentialWithJitter returns a random duration in [0, base * 2^attempt).
// This is the "Full Jitter" strategy.
func ExponentialWithJitter(base time.Duration, attempt int) time.Duration {
	return FullJitter(Exponential(base, attempt))
}

// ExponentialWithJitterCapped returns a random duration in
// [0, min(base * 2^attempt, cap)).
func ExponentialWithJitterCapped(base time.Duration, attempt int, cap time.Duration) time.Duration {
	return FullJitter(ExponentialCapped(base, attempt, cap))
}

// SleepWithContext sleeps for the given duration but aborts when ctx is
// cancelled. Returns immediately (nil) for zero or negative durations.
func SleepWithContext(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context done: %w", ctx.Err())
	}
}
