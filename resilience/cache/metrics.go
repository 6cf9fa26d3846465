package cache

import (
	"context"

	"github.com/everkind/lib-resilience/resilience/log"
	"github.com/everkind/lib-resilience/resilience/opentelemetry/metrics"
)

// Tier labels recorded on hit and eviction counters.
const (
	tierVolatile = "volatile"
	tierDurable  = "durable"
)

// Durable operation labels recorded on the durable-errors counter.
const (
	opPut    = "put"
	opGet    = "get"
	opDelete = "delete"
	opList   = "list"
	opEncode = "encode"
	opDecode = "decode"
)

var hitsMetric = metrics.Metric{
	Name:        "cache_hits_total",
	Unit:        "1",
	Description: "Total number of cache hits, by namespace and tier",
}

var missesMetric = metrics.Metric{
	Name:        "cache_misses_total",
	Unit:        "1",
	Description: "Total number of cache misses, by namespace",
}

var evictionsMetric = metrics.Metric{
	Name:        "cache_evictions_total",
	Unit:        "1",
	Description: "Total number of expired entries evicted, by tier",
}

var promotionsMetric = metrics.Metric{
	Name:        "cache_promotions_total",
	Unit:        "1",
	Description: "Total number of durable hits promoted into the volatile tier",
}

var durableErrorsMetric = metrics.Metric{
	Name:        "cache_durable_errors_total",
	Unit:        "1",
	Description: "Total number of absorbed durable-tier failures, by operation",
}

var invalidationBatchMetric = metrics.Metric{
	Name:        "cache_invalidation_batch",
	Unit:        "1",
	Description: "Number of durable keys removed per namespace invalidation",
}

var entriesMetric = metrics.Metric{
	Name:        "cache_entries_current",
	Unit:        "1",
	Description: "Current number of entries in the volatile tier",
}

// recordHit increments the hit counter. No-op without a metrics factory.
func (s *Store) recordHit(ctx context.Context, namespace, tier string) {
	if s.cfg.MetricsFactory == nil {
		return
	}

	counter, err := s.cfg.MetricsFactory.Counter(hitsMetric)
	if err != nil {
		s.logger.Log(ctx, log.LevelWarn, "failed to create hit counter", log.Err(err))

		return
	}

	err = counter.
		WithLabels(map[string]string{
			"namespace": metrics.SanitizeMetricLabel(namespace),
			"tier":      tier,
		}).
		AddOne(ctx)
	if err != nil {
		s.logger.Log(ctx, log.LevelWarn, "failed to record hit metric", log.Err(err))
	}
}

// recordMiss increments the miss counter. No-op without a metrics factory.
func (s *Store) recordMiss(ctx context.Context, namespace string) {
	if s.cfg.MetricsFactory == nil {
		return
	}

	counter, err := s.cfg.MetricsFactory.Counter(missesMetric)
	if err != nil {
		s.logger.Log(ctx, log.LevelWarn, "failed to create miss counter", log.Err(err))

		return
	}

	err = counter.
		WithLabels(map[string]string{
			"namespace": metrics.SanitizeMetricLabel(namespace),
		}).
		AddOne(ctx)
	if err != nil {
		s.logger.Log(ctx, log.LevelWarn, "failed to record miss metric", log.Err(err))
	}
}

// recordEvictions adds count evictions for a tier. No-op without a metrics
// factory or when count is zero.
func (s *Store) recordEvictions(ctx context.Context, tier string, count int) {
	if s.cfg.MetricsFactory == nil || count == 0 {
		return
	}

	counter, err := s.cfg.MetricsFactory.Counter(evictionsMetric)
	if err != nil {
		s.logger.Log(ctx, log.LevelWarn, "failed to create eviction counter", log.Err(err))

		return
	}

	err = counter.
		WithLabels(map[string]string{"tier": tier}).
		Add(ctx, int64(count))
	if err != nil {
		s.logger.Log(ctx, log.LevelWarn, "failed to record eviction metric", log.Err(err))
	}
}

// recordPromotion increments the promotion counter. No-op without a metrics
// factory.
func (s *Store) recordPromotion(ctx context.Context, namespace string) {
	if s.cfg.MetricsFactory == nil {
		return
	}

	counter, err := s.cfg.MetricsFactory.Counter(promotionsMetric)
	if err != nil {
		s.logger.Log(ctx, log.LevelWarn, "failed to create promotion counter", log.Err(err))

		return
	}

	err = counter.
		WithLabels(map[string]string{
			"namespace": metrics.SanitizeMetricLabel(namespace),
		}).
		AddOne(ctx)
	if err != nil {
		s.logger.Log(ctx, log.LevelWarn, "failed to record promotion metric", log.Err(err))
	}
}

// recordDurableError increments the durable-error counter. No-op without a
// metrics factory.
func (s *Store) recordDurableError(ctx context.Context, operation string) {
	if s.cfg.MetricsFactory == nil {
		return
	}

	counter, err := s.cfg.MetricsFactory.Counter(durableErrorsMetric)
	if err != nil {
		s.logger.Log(ctx, log.LevelWarn, "failed to create durable error counter", log.Err(err))

		return
	}

	err = counter.
		WithLabels(map[string]string{"operation": operation}).
		AddOne(ctx)
	if err != nil {
		s.logger.Log(ctx, log.LevelWarn, "failed to record durable error metric", log.Err(err))
	}
}

// recordInvalidationBatch records how many durable keys one namespace
// invalidation removed. No-op without a metrics factory.
func (s *Store) recordInvalidationBatch(ctx context.Context, namespace string, size int) {
	if s.cfg.MetricsFactory == nil {
		return
	}

	histogram, err := s.cfg.MetricsFactory.Histogram(invalidationBatchMetric)
	if err != nil {
		s.logger.Log(ctx, log.LevelWarn, "failed to create invalidation histogram", log.Err(err))

		return
	}

	err = histogram.
		WithLabels(map[string]string{
			"namespace": metrics.SanitizeMetricLabel(namespace),
		}).
		Record(ctx, int64(size))
	if err != nil {
		s.logger.Log(ctx, log.LevelWarn, "failed to record invalidation metric", log.Err(err))
	}
}

// recordEntryCount publishes the volatile tier's current size. No-op
// without a metrics factory. Callers must not hold the store mutex.
func (s *Store) recordEntryCount(ctx context.Context) {
	if s.cfg.MetricsFactory == nil {
		return
	}

	gauge, err := s.cfg.MetricsFactory.Gauge(entriesMetric)
	if err != nil {
		s.logger.Log(ctx, log.LevelWarn, "failed to create entry gauge", log.Err(err))

		return
	}

	if err := gauge.Set(ctx, int64(s.Len())); err != nil {
		s.logger.Log(ctx, log.LevelWarn, "failed to record entry gauge", log.Err(err))
	}
}
