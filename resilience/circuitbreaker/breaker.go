package circuitbreaker

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// State represents the health state of a call guard.
type State string

// Guard states. A guard starts closed, trips open after enough counted
// failures, admits a single probe once the recovery timeout elapses, and
// returns to closed only after a successful probe.
const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
	// StateUnknown is reported for dependencies with no registered guard.
	StateUnknown State = "unknown"
)

var (
	// ErrOpen is returned when a call is rejected because the guard is open,
	// or because a half-open probe is already in flight. It is distinct from
	// the dependency's own errors so callers can match it with errors.Is and
	// choose a different recovery strategy (stale cache, another provider).
	ErrOpen = errors.New("circuit breaker is open")

	// ErrSlowCall marks a call that completed without error but exceeded the
	// guard's SlowCallThreshold and was therefore counted as a failure.
	ErrSlowCall = errors.New("call exceeded slow-call threshold")

	// ErrNilBreaker is returned when a *Breaker receiver is nil.
	ErrNilBreaker = errors.New("circuit breaker is nil")

	// ErrNilOperation is returned when a nil operation is passed to Execute.
	ErrNilOperation = errors.New("operation cannot be nil")

	// ErrEmptyName is returned when a guard is created or looked up with an
	// empty dependency name.
	ErrEmptyName = errors.New("dependency name cannot be empty")
)

// Operation is a call into an external dependency, executed through a guard.
// The guard treats it as opaque: it either returns a value or an error.
type Operation func() (any, error)

// Fallback produces a substitute result when a guarded call is rejected or
// counted as a failure. It receives the triggering error: ErrOpen on
// rejection, the dependency's own error or ErrSlowCall on counted failures.
type Fallback func(err error) (any, error)

// Breaker is the call guard for one named external dependency. It counts
// consecutive failures while closed, rejects calls while open, and admits a
// single probe while half-open. All state transitions are atomic with
// respect to concurrent Execute calls.
//
// Create breakers through a Registry so independent call sites sharing a
// dependency share failure state; New exists for single-site guards and
// tests.
type Breaker struct {
	name string
	cfg  Config

	mu            sync.Mutex
	state         State
	generation    uint64
	failureCount  uint32
	lastFailureAt time.Time
	lastSuccessAt time.Time
	probeInFlight bool

	// Observability hooks installed by the Registry; all invoked outside mu
	// so they can safely call back into the guard.
	onStateChange func(name string, from, to State)
	onRejection   func(name string)
	onExecution   func(name, result string)

	// test hook
	now func() time.Time
}

// Metrics is a read-only snapshot of a guard's health.
type Metrics struct {
	State         State
	FailureCount  uint32
	LastFailureAt time.Time
	LastSuccessAt time.Time
}

// New creates a guard for the named dependency. The configuration is
// normalized (zero values replaced with defaults) and validated; it is
// immutable afterwards.
func New(name string, cfg Config) (*Breaker, error) {
	if strings.TrimSpace(name) == "" {
		return nil, ErrEmptyName
	}

	cfg = cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Breaker{
		name:  name,
		cfg:   cfg,
		state: StateClosed,
		now:   time.Now,
	}, nil
}

// Name returns the dependency name this guard protects.
func (b *Breaker) Name() string {
	if b == nil {
		return ""
	}

	return b.name
}

// Execute runs op through the guard. It returns op's result, or the error
// the state machine produced: ErrOpen on rejection, ErrSlowCall when op
// succeeded too slowly, or op's own error.
func (b *Breaker) Execute(op Operation) (any, error) {
	return b.ExecuteWithFallback(op, nil)
}

// ExecuteWithFallback is Execute with a substitute result: when the call is
// rejected or counted as a failure, fb runs with the triggering error and
// its result is returned instead. Excluded errors bypass fb and propagate
// unchanged.
func (b *Breaker) ExecuteWithFallback(op Operation, fb Fallback) (any, error) {
	if b == nil {
		return nil, ErrNilBreaker
	}

	if op == nil {
		return nil, ErrNilOperation
	}

	generation, err := b.admit()
	if err != nil {
		if fb != nil {
			return fb(err)
		}

		return nil, err
	}

	start := b.now()

	result, opErr := b.run(op, generation)

	elapsed := b.now().Sub(start)

	return b.settle(generation, result, opErr, elapsed, fb)
}

// State returns the guard's current state. Reading the state never triggers
// the open-to-half-open transition; that happens on the next call.
func (b *Breaker) State() State {
	if b == nil {
		return StateUnknown
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	return b.state
}

// Metrics returns a point-in-time snapshot without side effects.
func (b *Breaker) Metrics() Metrics {
	if b == nil {
		return Metrics{State: StateUnknown}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	return Metrics{
		State:         b.state,
		FailureCount:  b.failureCount,
		LastFailureAt: b.lastFailureAt,
		LastSuccessAt: b.lastSuccessAt,
	}
}

// Reset forces the guard back to closed with zeroed counters and
// timestamps. It is an administrative escape hatch, not part of the normal
// state machine; outcomes of calls in flight across a reset are discarded.
func (b *Breaker) Reset() {
	if b == nil {
		return
	}

	b.mu.Lock()

	change := b.transitionLocked(StateClosed)
	if change == nil {
		// Already closed: still bump the generation so in-flight outcomes
		// from before the reset cannot land on the zeroed counters.
		b.generation++
		b.probeInFlight = false
	}

	b.failureCount = 0
	b.lastFailureAt = time.Time{}
	b.lastSuccessAt = time.Time{}

	b.mu.Unlock()

	b.notify(change)
}

// admit decides whether a call may proceed. It returns the generation the
// call belongs to and, when the call must be rejected, ErrOpen wrapped with
// the dependency name. An open guard whose recovery timeout has elapsed
// transitions to half-open and admits the call as the probe.
func (b *Breaker) admit() (uint64, error) {
	b.mu.Lock()

	now := b.now()

	var (
		change   *stateChange
		rejected bool
	)

	switch b.state {
	case StateOpen:
		if now.Sub(b.lastFailureAt) > b.cfg.RecoveryTimeout {
			change = b.transitionLocked(StateHalfOpen)
			b.probeInFlight = true
		} else {
			rejected = true
		}
	case StateHalfOpen:
		// Only one probe may be in flight; concurrent callers are rejected
		// as if the guard were still open until the probe resolves.
		if b.probeInFlight {
			rejected = true
		} else {
			b.probeInFlight = true
		}
	}

	generation := b.generation

	b.mu.Unlock()

	b.notify(change)

	if rejected {
		if b.onRejection != nil {
			b.onRejection(b.name)
		}

		return generation, b.openError()
	}

	return generation, nil
}

// run executes op, converting a panic into a counted failure before
// re-panicking. The deferred accounting keeps a panicking probe from
// leaking the half-open probe slot.
func (b *Breaker) run(op Operation, generation uint64) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			b.recordOutcome(generation, outcomeFailure)
			panic(r)
		}
	}()

	return op()
}

// settle classifies a finished call and applies it to the state machine.
func (b *Breaker) settle(generation uint64, result any, opErr error, elapsed time.Duration, fb Fallback) (any, error) {
	// Excluded errors are the caller's fault and prove nothing about the
	// dependency's health: no counting, no fallback, no state change. A
	// held half-open probe slot is released so the next caller can probe.
	if opErr != nil && b.cfg.IsExcluded != nil && b.cfg.IsExcluded(opErr) {
		b.recordOutcome(generation, outcomeNeutral)
		b.reportExecution(resultExcluded)

		return nil, opErr
	}

	if opErr == nil && (b.cfg.SlowCallThreshold <= 0 || elapsed <= b.cfg.SlowCallThreshold) {
		b.recordOutcome(generation, outcomeSuccess)
		b.reportExecution(resultSuccess)

		return result, nil
	}

	// Counted failure: a dependency error, or a success that blew the
	// latency budget.
	failure := opErr
	execResult := resultFailure

	if failure == nil {
		failure = fmt.Errorf("dependency %q took %s (threshold %s): %w",
			b.name, elapsed, b.cfg.SlowCallThreshold, ErrSlowCall)
		execResult = resultSlow
	}

	b.recordOutcome(generation, outcomeFailure)
	b.reportExecution(execResult)

	if fb != nil {
		return fb(failure)
	}

	return nil, failure
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	// outcomeNeutral leaves all counters untouched; it only releases a held
	// half-open probe slot.
	outcomeNeutral
)

// recordOutcome applies a finished call's outcome to the state machine.
// Outcomes from a previous generation (the guard transitioned or was reset
// while the call was in flight) are discarded.
func (b *Breaker) recordOutcome(generation uint64, out outcome) {
	b.mu.Lock()

	var change *stateChange

	if generation == b.generation {
		now := b.now()

		switch out {
		case outcomeSuccess:
			change = b.successLocked(now)
		case outcomeFailure:
			change = b.failureLocked(now)
		case outcomeNeutral:
			b.probeInFlight = false
		}
	}

	b.mu.Unlock()

	b.notify(change)
}

func (b *Breaker) successLocked(now time.Time) *stateChange {
	b.lastSuccessAt = now

	switch b.state {
	case StateClosed:
		b.failureCount = 0

		return nil
	case StateHalfOpen:
		return b.transitionLocked(StateClosed)
	}

	return nil
}

func (b *Breaker) failureLocked(now time.Time) *stateChange {
	b.lastFailureAt = now

	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			return b.transitionLocked(StateOpen)
		}

		return nil
	case StateHalfOpen:
		return b.transitionLocked(StateOpen)
	}

	return nil
}

// stateChange captures a transition for notification outside the mutex.
type stateChange struct {
	from, to State
}

// transitionLocked moves the guard to next, bumping the generation so
// outcomes of calls admitted before the transition are discarded. The
// consecutive-failure counter resets on every transition into closed.
// Callers must hold b.mu and deliver the returned change via notify after
// unlocking.
func (b *Breaker) transitionLocked(next State) *stateChange {
	if b.state == next {
		return nil
	}

	change := &stateChange{from: b.state, to: next}

	b.state = next
	b.generation++
	b.probeInFlight = false

	if next == StateClosed {
		b.failureCount = 0
	}

	return change
}

// notify delivers a transition to the registry hook. It must be called
// without holding b.mu so hook implementations can safely query the guard.
func (b *Breaker) notify(change *stateChange) {
	if change == nil || b.onStateChange == nil {
		return
	}

	b.onStateChange(b.name, change.from, change.to)
}

func (b *Breaker) reportExecution(result string) {
	if b.onExecution != nil {
		b.onExecution(b.name, result)
	}
}

func (b *Breaker) openError() error {
	return fmt.Errorf("dependency %q unavailable: %w", b.name, ErrOpen)
}
