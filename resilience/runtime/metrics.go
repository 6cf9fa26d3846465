package runtime

import (
	"context"
	"sync"

	"github.com/everkind/lib-resilience/resilience/log"
	"github.com/everkind/lib-resilience/resilience/opentelemetry/metrics"
)

// PanicMetrics counts recovered panics through a MetricsFactory.
type PanicMetrics struct {
	factory *metrics.MetricsFactory
	logger  Logger
}

var panicRecoveredMetric = metrics.Metric{
	Name:        "panic_recovered_total",
	Unit:        "1",
	Description: "Total number of recovered panics",
}

// The singleton is installed once at startup; recovery paths read it on
// every recovered panic.
var (
	panicMetricsInstance *PanicMetrics
	panicMetricsMu       sync.RWMutex
)

// InitPanicMetrics installs the factory used to count recovered panics. The
// optional logger receives diagnostics when metric recording itself fails.
// Subsequent calls and nil factories are no-ops, so callers can install it
// unconditionally during startup.
func InitPanicMetrics(factory *metrics.MetricsFactory, logger ...Logger) {
	panicMetricsMu.Lock()
	defer panicMetricsMu.Unlock()

	if factory == nil || panicMetricsInstance != nil {
		return
	}

	var l Logger
	if len(logger) > 0 {
		l = logger[0]
	}

	panicMetricsInstance = &PanicMetrics{
		factory: factory,
		logger:  l,
	}
}

// GetPanicMetrics returns the installed PanicMetrics, or nil when
// InitPanicMetrics has not been called.
func GetPanicMetrics() *PanicMetrics {
	panicMetricsMu.RLock()
	defer panicMetricsMu.RUnlock()

	return panicMetricsInstance
}

// ResetPanicMetrics clears the singleton. Intended for test isolation.
func ResetPanicMetrics() {
	panicMetricsMu.Lock()
	defer panicMetricsMu.Unlock()

	panicMetricsInstance = nil
}

// RecordPanicRecovered increments panic_recovered_total with component and
// goroutine_name labels. Safe on a nil receiver.
func (pm *PanicMetrics) RecordPanicRecovered(ctx context.Context, component, goroutineName string) {
	if pm == nil || pm.factory == nil {
		return
	}

	counter, err := pm.factory.Counter(panicRecoveredMetric)
	if err != nil {
		if pm.logger != nil {
			pm.logger.Log(ctx, log.LevelWarn, "failed to create panic metric counter", log.Err(err))
		}

		return
	}

	err = counter.
		WithLabels(map[string]string{
			"component":      metrics.SanitizeMetricLabel(component),
			"goroutine_name": metrics.SanitizeMetricLabel(goroutineName),
		}).
		AddOne(ctx)
	if err != nil && pm.logger != nil {
		pm.logger.Log(ctx, log.LevelWarn, "failed to record panic metric", log.Err(err))
	}
}

// recordPanicMetric is the internal hook recovery paths call.
func recordPanicMetric(ctx context.Context, component, goroutineName string) {
	if pm := GetPanicMetrics(); pm != nil {
		pm.RecordPanicRecovered(ctx, component, goroutineName)
	}
}
