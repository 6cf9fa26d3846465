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

// maxShift caps the exponent so base<<attempt stays within int64.
const maxShift = 62

// Exponential returns base * 2^attempt, clamped to math.MaxInt64 on overflow.
// Negative attempts are treated as 0 and non-positive bases return 0.
func Exponential(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}

	if attempt < 0 {
		attempt = 0
	} else if attempt > maxShift {
		attempt = maxShift
	}

	if int64(base) > math.MaxInt64>>uint(attempt) {
		return time.Duration(math.MaxInt64)
	}

	return base << uint(attempt)
}

// FullJitter returns a random duration in [0, delay). Randomness comes from
// crypto/rand, with fallbackRand covering entropy failures. Zero or negative
// delays return 0.
func FullJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}

	n, err := rand.Int(rand.Reader, big.NewInt(int64(delay)))
	if err != nil {
		return time.Duration(fallbackRand(int64(delay)))
	}

	return time.Duration(n.Int64())
}

// fallbackRand produces a jitter value when crypto/rand.Int fails. It first
// tries to seed a math/rand PRNG from rand.Read (a different code path than
// rand.Int, so it can succeed independently); if that also fails it returns
// the midpoint so retry pacing never stalls on entropy exhaustion.
func fallbackRand(maxValue int64) int64 {
	var seed [8]byte

	if _, err := rand.Read(seed[:]); err != nil {
		return maxValue / 2
	}

	rng := mrand.New(
		mrand.NewPCG(binary.LittleEndian.Uint64(seed[:]), 0),
	) // #nosec G404 -- fallback when crypto/rand fails

	return rng.Int64N(maxValue)
}

// ExponentialWithJitter returns a random duration in [0, base * 2^attempt),
// the "Full Jitter" strategy.
func ExponentialWithJitter(base time.Duration, attempt int) time.Duration {
	return FullJitter(Exponential(base, attempt))
}

// SleepWithContext sleeps for duration or until ctx is done, whichever comes
// first. It returns nil when the sleep completes and a wrapped ctx.Err()
// otherwise. Zero or negative durations return immediately.
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
