package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/everkind/lib-resilience/resilience/log"
	"github.com/everkind/lib-resilience/resilience/opentelemetry/metrics"
	"github.com/everkind/lib-resilience/resilience/runtime"
)

var (
	// ErrNotRegistered is returned when an operation names a dependency that
	// has no guard yet.
	ErrNotRegistered = errors.New("circuit breaker not registered")

	// ErrNilOption is returned when NewRegistry receives a nil option.
	ErrNilOption = errors.New("registry option cannot be nil")
)

// Execution result labels recorded on executionsMetric.
const (
	resultSuccess  = "success"
	resultFailure  = "failure"
	resultSlow     = "slow"
	resultExcluded = "excluded"
)

var executionsMetric = metrics.Metric{
	Name:        "circuit_breaker_executions_total",
	Unit:        "1",
	Description: "Total number of calls executed through a circuit breaker, by result",
}

var transitionsMetric = metrics.Metric{
	Name:        "circuit_breaker_transitions_total",
	Unit:        "1",
	Description: "Total number of circuit breaker state transitions",
}

var rejectionsMetric = metrics.Metric{
	Name:        "circuit_breaker_rejections_total",
	Unit:        "1",
	Description: "Total number of calls rejected while a circuit breaker was open",
}

// StateChangeListener is notified whenever any guard in a registry changes
// state. Notifications are asynchronous and unordered.
type StateChangeListener interface {
	OnStateChange(dependency string, from, to State)
}

// Registry is the process-wide lookup of guards by dependency name, so
// independent call sites protecting the same dependency share failure
// state. Construct one at application start and inject it where needed; the
// library deliberately has no implicit global instance.
type Registry struct {
	mu        sync.RWMutex
	breakers  map[string]*Breaker
	listeners []StateChangeListener

	logger         log.Logger
	metricsFactory *metrics.MetricsFactory
}

// RegistryOption customizes a Registry at construction time.
type RegistryOption func(*Registry)

// WithMetricsFactory installs the factory used to record execution,
// transition, and rejection counters. A nil factory disables metrics.
func WithMetricsFactory(factory *metrics.MetricsFactory) RegistryOption {
	return func(r *Registry) {
		r.metricsFactory = factory
	}
}

// NewRegistry creates an empty guard registry. A nil logger is replaced
// with a NopLogger.
func NewRegistry(logger log.Logger, opts ...RegistryOption) (*Registry, error) {
	if logger == nil {
		logger = &log.NopLogger{}
	}

	registry := &Registry{
		breakers: make(map[string]*Breaker),
		logger:   logger,
	}

	for _, opt := range opts {
		if opt == nil {
			return nil, ErrNilOption
		}

		opt(registry)
	}

	return registry, nil
}

// GetOrCreate returns the guard for name, creating it on first use. The
// call is idempotent per name: later calls return the existing instance and
// ignore cfg, so call sites sharing a dependency share fate instead of
// resetting each other's state.
func (r *Registry) GetOrCreate(name string, cfg Config) (*Breaker, error) {
	if strings.TrimSpace(name) == "" {
		return nil, ErrEmptyName
	}

	r.mu.RLock()
	breaker, exists := r.breakers[name]
	r.mu.RUnlock()

	if exists {
		return breaker, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring the write lock.
	if breaker, exists = r.breakers[name]; exists {
		return breaker, nil
	}

	breaker, err := New(name, cfg)
	if err != nil {
		return nil, err
	}

	breaker.onStateChange = r.handleStateChange
	breaker.onRejection = r.recordRejection
	breaker.onExecution = r.recordExecution

	r.breakers[name] = breaker

	r.logger.Log(context.Background(), log.LevelInfo, "created circuit breaker",
		log.String("dependency", name))

	return breaker, nil
}

// Execute runs op through the named guard. The guard must have been
// registered with GetOrCreate first.
func (r *Registry) Execute(name string, op Operation) (any, error) {
	return r.ExecuteWithFallback(name, op, nil)
}

// ExecuteWithFallback is Execute with a per-call fallback.
func (r *Registry) ExecuteWithFallback(name string, op Operation, fb Fallback) (any, error) {
	breaker, err := r.lookup(name)
	if err != nil {
		return nil, err
	}

	return breaker.ExecuteWithFallback(op, fb)
}

// State returns the named guard's current state, or StateUnknown when no
// guard is registered under name.
func (r *Registry) State(name string) State {
	breaker, err := r.lookup(name)
	if err != nil {
		return StateUnknown
	}

	return breaker.State()
}

// IsHealthy reports whether the named guard is closed. Open and half-open
// both count as unhealthy: half-open means recovery is being probed, not
// proven.
func (r *Registry) IsHealthy(name string) bool {
	return r.State(name) == StateClosed
}

// Metrics returns a read-only snapshot of the named guard. It has no side
// effects on the state machine.
func (r *Registry) Metrics(name string) (Metrics, error) {
	breaker, err := r.lookup(name)
	if err != nil {
		return Metrics{State: StateUnknown}, err
	}

	return breaker.Metrics(), nil
}

// Reset forces the named guard back to closed with zeroed counters. The
// existing instance is kept, so call sites holding it observe the reset.
func (r *Registry) Reset(name string) error {
	breaker, err := r.lookup(name)
	if err != nil {
		return err
	}

	r.logger.Log(context.Background(), log.LevelInfo, "resetting circuit breaker",
		log.String("dependency", name))

	breaker.Reset()

	return nil
}

// RegisterStateChangeListener adds a listener for guard transitions.
// Listeners run in their own goroutines with panic recovery, so a
// misbehaving listener can neither block a guarded call nor take the
// process down.
func (r *Registry) RegisterStateChangeListener(listener StateChangeListener) {
	if listener == nil {
		r.logger.Log(context.Background(), log.LevelWarn, "ignoring nil state change listener")

		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.listeners = append(r.listeners, listener)
}

func (r *Registry) lookup(name string) (*Breaker, error) {
	r.mu.RLock()
	breaker, exists := r.breakers[name]
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("dependency %q: %w (call GetOrCreate first)", name, ErrNotRegistered)
	}

	return breaker, nil
}

// handleStateChange logs guard transitions, records them, and fans out to
// listeners. It is installed as the onStateChange hook of every guard the
// registry creates and runs outside the guard's state mutex.
func (r *Registry) handleStateChange(name string, from, to State) {
	ctx := context.Background()

	fields := []log.Field{
		log.String("dependency", name),
		log.String("from", string(from)),
		log.String("to", string(to)),
	}

	switch to {
	case StateOpen:
		r.logger.Log(ctx, log.LevelWarn, "circuit breaker opened; calls will fail fast", fields...)
	case StateHalfOpen:
		r.logger.Log(ctx, log.LevelInfo, "circuit breaker half-open; probing recovery", fields...)
	case StateClosed:
		r.logger.Log(ctx, log.LevelInfo, "circuit breaker closed; dependency healthy", fields...)
	}

	r.recordTransition(name, from, to)

	r.mu.RLock()
	listeners := make([]StateChangeListener, len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.RUnlock()

	for _, listener := range listeners {
		runtime.SafeGo(r.logger, "circuitbreaker.listener_notify", runtime.KeepRunning, func() {
			listener.OnStateChange(name, from, to)
		})
	}
}

// recordExecution increments the executions counter. No-op without a
// metrics factory.
func (r *Registry) recordExecution(name, result string) {
	if r.metricsFactory == nil {
		return
	}

	counter, err := r.metricsFactory.Counter(executionsMetric)
	if err != nil {
		r.logger.Log(context.Background(), log.LevelWarn, "failed to create execution counter", log.Err(err))

		return
	}

	err = counter.
		WithLabels(map[string]string{
			"dependency": metrics.SanitizeMetricLabel(name),
			"result":     result,
		}).
		AddOne(context.Background())
	if err != nil {
		r.logger.Log(context.Background(), log.LevelWarn, "failed to record execution metric", log.Err(err))
	}
}

// recordTransition increments the transitions counter. No-op without a
// metrics factory.
func (r *Registry) recordTransition(name string, from, to State) {
	if r.metricsFactory == nil {
		return
	}

	counter, err := r.metricsFactory.Counter(transitionsMetric)
	if err != nil {
		r.logger.Log(context.Background(), log.LevelWarn, "failed to create transition counter", log.Err(err))

		return
	}

	err = counter.
		WithLabels(map[string]string{
			"dependency": metrics.SanitizeMetricLabel(name),
			"from":       string(from),
			"to":         string(to),
		}).
		AddOne(context.Background())
	if err != nil {
		r.logger.Log(context.Background(), log.LevelWarn, "failed to record transition metric", log.Err(err))
	}
}

// recordRejection increments the rejections counter. No-op without a
// metrics factory.
func (r *Registry) recordRejection(name string) {
	if r.metricsFactory == nil {
		return
	}

	counter, err := r.metricsFactory.Counter(rejectionsMetric)
	if err != nil {
		r.logger.Log(context.Background(), log.LevelWarn, "failed to create rejection counter", log.Err(err))

		return
	}

	err = counter.
		WithLabels(map[string]string{
			"dependency": metrics.SanitizeMetricLabel(name),
		}).
		AddOne(context.Background())
	if err != nil {
		r.logger.Log(context.Background(), log.LevelWarn, "failed to record rejection metric", log.Err(err))
	}
}
