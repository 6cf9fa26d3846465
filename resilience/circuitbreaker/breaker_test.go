//go:build unit

package circuitbreaker

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream failure")

// fakeClock drives a breaker's time without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

// newTestBreaker creates a breaker whose clock is controlled by the test.
func newTestBreaker(t *testing.T, cfg Config) (*Breaker, *fakeClock) {
	t.Helper()

	breaker, err := New("test-dependency", cfg)
	require.NoError(t, err)

	clock := newFakeClock()
	breaker.now = clock.Now

	return breaker, clock
}

// tripOpen drives the breaker into the open state with counted failures.
func tripOpen(t *testing.T, breaker *Breaker, failures int) {
	t.Helper()

	for i := 0; i < failures; i++ {
		_, err := breaker.Execute(func() (any, error) {
			return nil, errUpstream
		})
		require.Error(t, err)
	}

	require.Equal(t, StateOpen, breaker.State())
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	t.Run("empty name", func(t *testing.T) {
		t.Parallel()

		_, err := New("", DefaultConfig())
		assert.ErrorIs(t, err, ErrEmptyName)

		_, err = New("   ", DefaultConfig())
		assert.ErrorIs(t, err, ErrEmptyName)
	})

	t.Run("negative recovery timeout", func(t *testing.T) {
		t.Parallel()

		_, err := New("svc", Config{RecoveryTimeout: -time.Second})
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("negative slow-call threshold", func(t *testing.T) {
		t.Parallel()

		_, err := New("svc", Config{SlowCallThreshold: -time.Millisecond})
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("zero values select defaults", func(t *testing.T) {
		t.Parallel()

		breaker, err := New("svc", Config{})
		require.NoError(t, err)

		assert.Equal(t, uint32(defaultFailureThreshold), breaker.cfg.FailureThreshold)
		assert.Equal(t, defaultRecoveryTimeout, breaker.cfg.RecoveryTimeout)
		assert.Zero(t, breaker.cfg.SlowCallThreshold)
	})
}

func TestBreaker_InitialState(t *testing.T) {
	t.Parallel()

	breaker, _ := newTestBreaker(t, DefaultConfig())

	assert.Equal(t, StateClosed, breaker.State())

	snapshot := breaker.Metrics()
	assert.Equal(t, StateClosed, snapshot.State)
	assert.Zero(t, snapshot.FailureCount)
	assert.True(t, snapshot.LastFailureAt.IsZero())
	assert.True(t, snapshot.LastSuccessAt.IsZero())
}

func TestBreaker_SuccessfulExecution(t *testing.T) {
	t.Parallel()

	breaker, clock := newTestBreaker(t, DefaultConfig())

	result, err := breaker.Execute(func() (any, error) {
		return "synthesized audio", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "synthesized audio", result)
	assert.Equal(t, StateClosed, breaker.State())
	assert.Equal(t, clock.Now(), breaker.Metrics().LastSuccessAt)
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	breaker, _ := newTestBreaker(t, Config{FailureThreshold: 5})

	for i := 0; i < 3; i++ {
		_, _ = breaker.Execute(func() (any, error) { return nil, errUpstream })
	}

	assert.Equal(t, uint32(3), breaker.Metrics().FailureCount)

	_, err := breaker.Execute(func() (any, error) { return "ok", nil })
	require.NoError(t, err)

	assert.Zero(t, breaker.Metrics().FailureCount)
	assert.Equal(t, StateClosed, breaker.State())
}

func TestBreaker_TripsAtExactThreshold(t *testing.T) {
	t.Parallel()

	breaker, _ := newTestBreaker(t, Config{FailureThreshold: 3})

	for i := 0; i < 2; i++ {
		_, err := breaker.Execute(func() (any, error) { return nil, errUpstream })
		assert.ErrorIs(t, err, errUpstream)
		assert.Equal(t, StateClosed, breaker.State())
	}

	_, err := breaker.Execute(func() (any, error) { return nil, errUpstream })
	assert.ErrorIs(t, err, errUpstream)
	assert.Equal(t, StateOpen, breaker.State())

	// The next call is short-circuited without running the operation.
	invoked := false

	_, err = breaker.Execute(func() (any, error) {
		invoked = true

		return "should not run", nil
	})

	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, invoked)
}

func TestBreaker_OpenUsesFallback(t *testing.T) {
	t.Parallel()

	breaker, _ := newTestBreaker(t, Config{FailureThreshold: 1})
	tripOpen(t, breaker, 1)

	result, err := breaker.ExecuteWithFallback(
		func() (any, error) {
			t.Error("operation must not run while open")

			return nil, nil
		},
		func(cause error) (any, error) {
			assert.ErrorIs(t, cause, ErrOpen)

			return "cached answer", nil
		},
	)

	require.NoError(t, err)
	assert.Equal(t, "cached answer", result)
}

func TestBreaker_RecoveryScenario(t *testing.T) {
	t.Parallel()

	// failureThreshold=3, recoveryTimeout=30s: three consecutive failures
	// open the guard; a call 10s later fails fast; a call 31s after the
	// last failure runs as the probe and, succeeding, closes the guard.
	breaker, clock := newTestBreaker(t, Config{
		FailureThreshold: 3,
		RecoveryTimeout:  30 * time.Second,
	})

	tripOpen(t, breaker, 3)

	clock.Advance(10 * time.Second)

	_, err := breaker.Execute(func() (any, error) {
		t.Error("operation must not run before the recovery timeout")

		return nil, nil
	})
	assert.ErrorIs(t, err, ErrOpen)

	clock.Advance(21 * time.Second)

	var probes atomic.Int32

	result, err := breaker.Execute(func() (any, error) {
		probes.Add(1)

		return "recovered", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "recovered", result)
	assert.Equal(t, int32(1), probes.Load())
	assert.Equal(t, StateClosed, breaker.State())
	assert.Zero(t, breaker.Metrics().FailureCount)
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	t.Parallel()

	breaker, clock := newTestBreaker(t, Config{
		FailureThreshold: 1,
		RecoveryTimeout:  10 * time.Second,
	})

	tripOpen(t, breaker, 1)
	firstFailureAt := breaker.Metrics().LastFailureAt

	clock.Advance(11 * time.Second)

	_, err := breaker.Execute(func() (any, error) { return nil, errUpstream })
	assert.ErrorIs(t, err, errUpstream)

	snapshot := breaker.Metrics()
	assert.Equal(t, StateOpen, snapshot.State)
	assert.True(t, snapshot.LastFailureAt.After(firstFailureAt),
		"failed probe must refresh lastFailureAt")

	// The new failure restarts the recovery window.
	clock.Advance(5 * time.Second)

	_, err = breaker.Execute(func() (any, error) { return "ok", nil })
	assert.ErrorIs(t, err, ErrOpen)
}

func TestBreaker_FailedProbeFallback(t *testing.T) {
	t.Parallel()

	breaker, clock := newTestBreaker(t, Config{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Second,
	})

	tripOpen(t, breaker, 1)
	clock.Advance(2 * time.Second)

	result, err := breaker.ExecuteWithFallback(
		func() (any, error) { return nil, errUpstream },
		func(cause error) (any, error) {
			assert.ErrorIs(t, cause, errUpstream)

			return "fallback", nil
		},
	)

	require.NoError(t, err)
	assert.Equal(t, "fallback", result)
	assert.Equal(t, StateOpen, breaker.State())
}

func TestBreaker_HalfOpenAdmitsSingleProbe(t *testing.T) {
	t.Parallel()

	breaker, clock := newTestBreaker(t, Config{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Second,
	})

	tripOpen(t, breaker, 1)
	clock.Advance(2 * time.Second)

	var executions atomic.Int32

	probeRunning := make(chan struct{})
	release := make(chan struct{})
	probeDone := make(chan error, 1)

	// The first caller becomes the probe and blocks inside the operation.
	go func() {
		_, err := breaker.Execute(func() (any, error) {
			executions.Add(1)
			close(probeRunning)
			<-release

			return "ok", nil
		})
		probeDone <- err
	}()

	<-probeRunning
	require.Equal(t, StateHalfOpen, breaker.State())

	// Callers arriving while the probe is in flight are rejected as open.
	const concurrent = 4

	rejections := make(chan error, concurrent)

	var wg sync.WaitGroup

	for i := 0; i < concurrent; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := breaker.Execute(func() (any, error) {
				executions.Add(1)

				return "ok", nil
			})
			rejections <- err
		}()
	}

	wg.Wait()
	close(rejections)

	for err := range rejections {
		assert.ErrorIs(t, err, ErrOpen)
	}

	close(release)
	require.NoError(t, <-probeDone)

	assert.Equal(t, int32(1), executions.Load(),
		"exactly one operation may run while half-open")
	assert.Equal(t, StateClosed, breaker.State())
}

func TestBreaker_ExcludedErrorsDoNotCount(t *testing.T) {
	t.Parallel()

	errBadInput := errors.New("empty transcript")

	breaker, _ := newTestBreaker(t, Config{
		FailureThreshold: 2,
		IsExcluded: func(err error) bool {
			return errors.Is(err, errBadInput)
		},
	})

	for i := 0; i < 10; i++ {
		_, err := breaker.Execute(func() (any, error) { return nil, errBadInput })
		assert.ErrorIs(t, err, errBadInput)
	}

	snapshot := breaker.Metrics()
	assert.Equal(t, StateClosed, snapshot.State)
	assert.Zero(t, snapshot.FailureCount)
	assert.True(t, snapshot.LastFailureAt.IsZero())
}

func TestBreaker_ExcludedErrorBypassesFallback(t *testing.T) {
	t.Parallel()

	errBadInput := errors.New("empty transcript")

	breaker, _ := newTestBreaker(t, Config{
		IsExcluded: func(err error) bool { return errors.Is(err, errBadInput) },
	})

	_, err := breaker.ExecuteWithFallback(
		func() (any, error) { return nil, errBadInput },
		func(error) (any, error) {
			t.Error("fallback must not run for excluded errors")

			return nil, nil
		},
	)

	assert.ErrorIs(t, err, errBadInput)
}

func TestBreaker_ExcludedErrorReleasesProbeSlot(t *testing.T) {
	t.Parallel()

	errBadInput := errors.New("empty transcript")

	breaker, clock := newTestBreaker(t, Config{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Second,
		IsExcluded:       func(err error) bool { return errors.Is(err, errBadInput) },
	})

	tripOpen(t, breaker, 1)
	clock.Advance(2 * time.Second)

	// The probe hits a caller-fault error: the guard stays half-open and
	// the probe slot is released for the next caller.
	_, err := breaker.Execute(func() (any, error) { return nil, errBadInput })
	assert.ErrorIs(t, err, errBadInput)
	assert.Equal(t, StateHalfOpen, breaker.State())

	result, err := breaker.Execute(func() (any, error) { return "recovered", nil })
	require.NoError(t, err)
	assert.Equal(t, "recovered", result)
	assert.Equal(t, StateClosed, breaker.State())
}

func TestBreaker_SlowSuccessCountsAsFailure(t *testing.T) {
	t.Parallel()

	breaker, clock := newTestBreaker(t, Config{
		FailureThreshold:  2,
		SlowCallThreshold: 5 * time.Second,
	})

	slowOp := func() (any, error) {
		clock.Advance(10 * time.Second)

		return "late result", nil
	}

	result, err := breaker.Execute(slowOp)
	require.ErrorIs(t, err, ErrSlowCall)
	assert.Nil(t, result, "a slow success must not surface its result")
	assert.Equal(t, uint32(1), breaker.Metrics().FailureCount)

	_, err = breaker.Execute(slowOp)
	require.ErrorIs(t, err, ErrSlowCall)
	assert.Equal(t, StateOpen, breaker.State(), "slow calls trip the guard at threshold")
}

func TestBreaker_SlowSuccessWithinThreshold(t *testing.T) {
	t.Parallel()

	breaker, clock := newTestBreaker(t, Config{SlowCallThreshold: 5 * time.Second})

	result, err := breaker.Execute(func() (any, error) {
		clock.Advance(5 * time.Second)

		return "just in time", nil
	})

	require.NoError(t, err, "elapsed equal to the threshold is not slow")
	assert.Equal(t, "just in time", result)
	assert.Zero(t, breaker.Metrics().FailureCount)
}

func TestBreaker_SlowSuccessUsesFallback(t *testing.T) {
	t.Parallel()

	breaker, clock := newTestBreaker(t, Config{SlowCallThreshold: time.Second})

	result, err := breaker.ExecuteWithFallback(
		func() (any, error) {
			clock.Advance(3 * time.Second)

			return "late", nil
		},
		func(cause error) (any, error) {
			assert.ErrorIs(t, cause, ErrSlowCall)

			return "substitute", nil
		},
	)

	require.NoError(t, err)
	assert.Equal(t, "substitute", result)
}

func TestBreaker_CountedFailureUsesFallback(t *testing.T) {
	t.Parallel()

	breaker, _ := newTestBreaker(t, Config{FailureThreshold: 5})

	result, err := breaker.ExecuteWithFallback(
		func() (any, error) { return nil, errUpstream },
		func(cause error) (any, error) {
			assert.ErrorIs(t, cause, errUpstream)

			return "substitute", nil
		},
	)

	require.NoError(t, err)
	assert.Equal(t, "substitute", result)
	assert.Equal(t, uint32(1), breaker.Metrics().FailureCount,
		"fallback masks the error from the caller, not from the state machine")
}

func TestBreaker_Reset(t *testing.T) {
	t.Parallel()

	breaker, _ := newTestBreaker(t, Config{FailureThreshold: 1})
	tripOpen(t, breaker, 1)

	breaker.Reset()

	snapshot := breaker.Metrics()
	assert.Equal(t, StateClosed, snapshot.State)
	assert.Zero(t, snapshot.FailureCount)
	assert.True(t, snapshot.LastFailureAt.IsZero())
	assert.True(t, snapshot.LastSuccessAt.IsZero())

	result, err := breaker.Execute(func() (any, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
}

func TestBreaker_ResetDiscardsInFlightOutcome(t *testing.T) {
	t.Parallel()

	breaker, _ := newTestBreaker(t, Config{FailureThreshold: 1})

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		_, err := breaker.Execute(func() (any, error) {
			close(started)
			<-release

			return nil, errUpstream
		})
		done <- err
	}()

	<-started
	breaker.Reset()
	close(release)

	// The caller still sees its own error, but the failure landed in a
	// stale generation and must not trip the freshly reset guard.
	assert.ErrorIs(t, <-done, errUpstream)
	assert.Equal(t, StateClosed, breaker.State())
	assert.Zero(t, breaker.Metrics().FailureCount)
}

func TestBreaker_PanicCountsAsFailure(t *testing.T) {
	t.Parallel()

	breaker, _ := newTestBreaker(t, Config{FailureThreshold: 2})

	require.Panics(t, func() {
		_, _ = breaker.Execute(func() (any, error) { panic("codec exploded") })
	})

	assert.Equal(t, uint32(1), breaker.Metrics().FailureCount)
	assert.Equal(t, StateClosed, breaker.State())

	require.Panics(t, func() {
		_, _ = breaker.Execute(func() (any, error) { panic("codec exploded") })
	})

	assert.Equal(t, StateOpen, breaker.State())
}

func TestBreaker_NilGuards(t *testing.T) {
	t.Parallel()

	var breaker *Breaker

	_, err := breaker.Execute(func() (any, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrNilBreaker)
	assert.Equal(t, StateUnknown, breaker.State())
	assert.Equal(t, StateUnknown, breaker.Metrics().State)
	assert.NotPanics(t, func() { breaker.Reset() })
	assert.Empty(t, breaker.Name())

	valid, _ := newTestBreaker(t, DefaultConfig())

	_, err = valid.Execute(nil)
	assert.ErrorIs(t, err, ErrNilOperation)
}

func TestBreaker_ConcurrentClosedCalls(t *testing.T) {
	t.Parallel()

	breaker, _ := newTestBreaker(t, Config{FailureThreshold: 1000})

	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)

		go func(n int) {
			defer wg.Done()

			if n%2 == 0 {
				_, _ = breaker.Execute(func() (any, error) { return "ok", nil })
			} else {
				_, _ = breaker.Execute(func() (any, error) { return nil, errUpstream })
			}
		}(i)
	}

	wg.Wait()

	assert.Equal(t, StateClosed, breaker.State())
}
