package circuitbreaker

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"

	"github.com/everkind/lib-resilience/resilience/log"
	"github.com/everkind/lib-resilience/resilience/runtime"
)

var (
	// ErrNilRegistry is returned when a health checker is created without a
	// registry.
	ErrNilRegistry = errors.New("circuit breaker registry is nil")
	// ErrInvalidProbeInterval indicates the probe interval must be positive.
	ErrInvalidProbeInterval = errors.New("health probe interval must be positive")
	// ErrInvalidProbeTimeout indicates the per-probe timeout must be positive.
	ErrInvalidProbeTimeout = errors.New("health probe timeout must be positive")
)

// HealthProbe checks whether a dependency has recovered. It should be cheap
// and side-effect-free (a ping, a HEAD request, a one-token API call).
type HealthProbe func(ctx context.Context) error

// HealthChecker periodically probes dependencies whose guards are not
// closed and administratively resets a guard once its probe succeeds. It
// complements the guards' own half-open recovery: an out-of-band probe can
// close a guard without risking live traffic on the first post-recovery
// call.
//
// Register it as a StateChangeListener on the registry to get an immediate
// probe whenever a guard opens, instead of waiting for the next interval.
//
// A HealthChecker is one-shot: after Stop it cannot be restarted.
type HealthChecker struct {
	registry     *Registry
	interval     time.Duration
	probeTimeout time.Duration
	logger       log.Logger

	mu      sync.RWMutex
	probes  map[string]HealthProbe
	started bool
	stopped bool

	stopChan       chan struct{}
	immediateCheck chan string
	wg             sync.WaitGroup
}

// NewHealthChecker creates a health checker driving the given registry.
// interval is how often all unhealthy dependencies are probed; probeTimeout
// bounds each individual probe.
func NewHealthChecker(registry *Registry, interval, probeTimeout time.Duration, logger log.Logger) (*HealthChecker, error) {
	if registry == nil {
		return nil, ErrNilRegistry
	}

	if interval <= 0 {
		return nil, ErrInvalidProbeInterval
	}

	if probeTimeout <= 0 {
		return nil, ErrInvalidProbeTimeout
	}

	if logger == nil {
		logger = &log.NopLogger{}
	}

	return &HealthChecker{
		registry:       registry,
		interval:       interval,
		probeTimeout:   probeTimeout,
		logger:         logger,
		probes:         make(map[string]HealthProbe),
		stopChan:       make(chan struct{}),
		immediateCheck: make(chan string, 10),
	}, nil
}

// Register adds a probe for the named dependency, replacing any previous
// probe under the same name.
func (hc *HealthChecker) Register(name string, probe HealthProbe) {
	if probe == nil {
		hc.logger.Log(context.Background(), log.LevelWarn, "ignoring nil health probe",
			log.String("dependency", name))

		return
	}

	hc.mu.Lock()
	defer hc.mu.Unlock()

	hc.probes[name] = probe

	hc.logger.Log(context.Background(), log.LevelInfo, "registered health probe",
		log.String("dependency", name))
}

// Start launches the probe loop. Calling Start on a running or stopped
// checker is a no-op.
func (hc *HealthChecker) Start() {
	hc.mu.Lock()

	if hc.started || hc.stopped {
		hc.mu.Unlock()

		return
	}

	hc.started = true

	hc.mu.Unlock()

	hc.wg.Add(1)

	runtime.SafeGo(hc.logger, "circuitbreaker.health_check_loop", runtime.KeepRunning, func() {
		defer hc.wg.Done()

		hc.loop()
	})

	hc.logger.Log(context.Background(), log.LevelInfo, "health checker started",
		log.Duration("interval", hc.interval))
}

// Stop terminates the probe loop and waits for it to exit. Stop is
// idempotent.
func (hc *HealthChecker) Stop() {
	hc.mu.Lock()

	if !hc.started || hc.stopped {
		hc.mu.Unlock()

		return
	}

	hc.stopped = true

	hc.mu.Unlock()

	close(hc.stopChan)
	hc.wg.Wait()

	hc.logger.Log(context.Background(), log.LevelInfo, "health checker stopped")
}

// HealthStatus returns the guard state for every dependency with a
// registered probe.
func (hc *HealthChecker) HealthStatus() map[string]State {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	status := make(map[string]State, len(hc.probes))

	for name := range hc.probes {
		status[name] = hc.registry.State(name)
	}

	return status
}

// OnStateChange implements StateChangeListener. A guard opening schedules an
// immediate probe instead of waiting for the next interval tick.
func (hc *HealthChecker) OnStateChange(dependency string, _, to State) {
	if to != StateOpen {
		return
	}

	// Non-blocking send: when the channel is full the dependency is picked
	// up by the next interval sweep anyway.
	select {
	case hc.immediateCheck <- dependency:
	default:
		hc.logger.Log(context.Background(), log.LevelWarn, "immediate probe queue full",
			log.String("dependency", dependency))
	}
}

func (hc *HealthChecker) loop() {
	ticker := time.NewTicker(hc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			hc.sweep()
		case name := <-hc.immediateCheck:
			hc.probeOne(name)
		case <-hc.stopChan:
			return
		}
	}
}

// sweep probes every registered dependency whose guard is not closed.
func (hc *HealthChecker) sweep() {
	hc.mu.RLock()

	probes := make(map[string]HealthProbe, len(hc.probes))
	maps.Copy(probes, hc.probes)

	hc.mu.RUnlock()

	var unhealthy, recovered int

	for name := range probes {
		if hc.registry.IsHealthy(name) {
			continue
		}

		unhealthy++

		if hc.probeOne(name) {
			recovered++
		}
	}

	if unhealthy > 0 {
		hc.logger.Log(context.Background(), log.LevelInfo, "health sweep complete",
			log.Int("unhealthy", unhealthy),
			log.Int("recovered", recovered))
	}
}

// probeOne runs the named dependency's probe and resets its guard on
// success. It reports whether the guard was reset.
func (hc *HealthChecker) probeOne(name string) bool {
	hc.mu.RLock()
	probe, exists := hc.probes[name]
	hc.mu.RUnlock()

	if !exists {
		hc.logger.Log(context.Background(), log.LevelWarn, "no health probe registered",
			log.String("dependency", name))

		return false
	}

	if hc.registry.IsHealthy(name) {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), hc.probeTimeout)
	err := probe(ctx)

	cancel()

	if err != nil {
		hc.logger.Log(context.Background(), log.LevelWarn, "dependency still unhealthy",
			log.String("dependency", name),
			log.Err(err))

		return false
	}

	if resetErr := hc.registry.Reset(name); resetErr != nil {
		hc.logger.Log(context.Background(), log.LevelWarn, "failed to reset recovered dependency",
			log.String("dependency", name),
			log.Err(resetErr))

		return false
	}

	hc.logger.Log(context.Background(), log.LevelInfo, "dependency recovered; circuit breaker reset",
		log.String("dependency", name))

	return true
}
