package metrics

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/everkind/lib-resilience/resilience/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// ErrNilMeter indicates that a nil OTEL meter was provided.
var ErrNilMeter = errors.New("metric meter cannot be nil")

// MaxMetricLabelLength bounds metric label values. Namespaces and dependency
// names come from application config and can be arbitrarily long; labels
// over the limit are truncated by SanitizeMetricLabel.
const MaxMetricLabelLength = 64

// SanitizeMetricLabel truncates a label value to MaxMetricLabelLength.
func SanitizeMetricLabel(value string) string {
	if len(value) > MaxMetricLabelLength {
		return value[:MaxMetricLabelLength]
	}

	return value
}

// Bucket layouts used when a Metric does not choose its own. Durations are
// in milliseconds, sizes in bytes.
var (
	// DefaultDurationBuckets spans operation latencies from sub-millisecond
	// memory hits up to ten-second durable-tier waits.
	DefaultDurationBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

	// DefaultPayloadBuckets spans cached payload sizes. The top end covers
	// synthesized speech clips, the largest values this library stores.
	DefaultPayloadBuckets = []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304}

	// DefaultBatchBuckets spans bulk-invalidation batch sizes.
	DefaultBatchBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000}
)

// Metric declares an instrument at its point of use. A Name alone is a
// complete declaration.
type Metric struct {
	Name        string
	Description string
	Unit        string

	// Buckets sets explicit histogram boundaries. Counters and gauges
	// ignore it; histograms without it get a layout inferred from Name.
	Buckets []float64
}

// MetricsFactory hands out OTEL instruments on demand, creating each one the
// first time it is requested and reusing it afterward. Call sites declare
// the Metric they need inline instead of registering instruments up front.
type MetricsFactory struct {
	meter  metric.Meter
	logger log.Logger

	counters   sync.Map // Metric.Name -> metric.Int64Counter
	gauges     sync.Map // Metric.Name -> metric.Int64Gauge
	histograms sync.Map // histogramCacheKey -> metric.Int64Histogram
}

// NewMetricsFactory builds a factory on the given meter. The logger may be
// nil; instrument-creation failures are then returned without being logged.
func NewMetricsFactory(meter metric.Meter, logger log.Logger) (*MetricsFactory, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}

	return &MetricsFactory{meter: meter, logger: logger}, nil
}

// NewNopFactory returns a factory whose instruments record nothing. It
// backs contexts that carry no meter, so call sites never need a nil check.
func NewNopFactory() *MetricsFactory {
	return &MetricsFactory{
		meter:  noop.NewMeterProvider().Meter("nop"),
		logger: log.NewNop(),
	}
}

// Counter returns a builder for the named counter, creating the instrument
// on first use.
func (f *MetricsFactory) Counter(m Metric) (*CounterBuilder, error) {
	counter, err := cachedInstrument(&f.counters, m.Name, func() (metric.Int64Counter, error) {
		c, err := f.meter.Int64Counter(m.Name, counterOptions(m)...)
		if err != nil {
			f.logCreateFailure("counter", m.Name, err)

			return nil, fmt.Errorf("create counter %q: %w", m.Name, err)
		}

		return c, nil
	})
	if err != nil {
		return nil, err
	}

	return &CounterBuilder{counter: counter}, nil
}

// Gauge returns a builder for the named gauge, creating the instrument on
// first use.
func (f *MetricsFactory) Gauge(m Metric) (*GaugeBuilder, error) {
	gauge, err := cachedInstrument(&f.gauges, m.Name, func() (metric.Int64Gauge, error) {
		g, err := f.meter.Int64Gauge(m.Name, gaugeOptions(m)...)
		if err != nil {
			f.logCreateFailure("gauge", m.Name, err)

			return nil, fmt.Errorf("create gauge %q: %w", m.Name, err)
		}

		return g, nil
	})
	if err != nil {
		return nil, err
	}

	return &GaugeBuilder{gauge: gauge}, nil
}

// Histogram returns a builder for the named histogram. When m.Buckets is nil
// a layout is inferred from the metric name. The same name with different
// bucket layouts yields distinct instruments.
func (f *MetricsFactory) Histogram(m Metric) (*HistogramBuilder, error) {
	if m.Buckets == nil {
		m.Buckets = selectDefaultBuckets(m.Name)
	}

	key := histogramCacheKey(m.Name, m.Buckets)

	histogram, err := cachedInstrument(&f.histograms, key, func() (metric.Int64Histogram, error) {
		h, err := f.meter.Int64Histogram(m.Name, histogramOptions(m)...)
		if err != nil {
			f.logCreateFailure("histogram", m.Name, err)

			return nil, fmt.Errorf("create histogram %q: %w", m.Name, err)
		}

		return h, nil
	})
	if err != nil {
		return nil, err
	}

	return &HistogramBuilder{histogram: histogram}, nil
}

// cachedInstrument returns the instrument cached under key, invoking create
// and caching the result on first use. Racing first calls may each run
// create; LoadOrStore keeps a single winner and the losers adopt it.
func cachedInstrument[T any](cache *sync.Map, key string, create func() (T, error)) (T, error) {
	if hit, ok := cache.Load(key); ok {
		return instrumentAs[T](hit, key)
	}

	made, err := create()
	if err != nil {
		var zero T

		return zero, err
	}

	if winner, raced := cache.LoadOrStore(key, made); raced {
		return instrumentAs[T](winner, key)
	}

	return made, nil
}

// instrumentAs narrows a cache entry back to its instrument type.
func instrumentAs[T any](entry any, key string) (T, error) {
	inst, ok := entry.(T)
	if !ok {
		var zero T

		return zero, fmt.Errorf("instrument cached under %q has type %T", key, entry)
	}

	return inst, nil
}

func (f *MetricsFactory) logCreateFailure(kind, name string, err error) {
	if f.logger == nil {
		return
	}

	f.logger.Log(context.Background(), log.LevelError, "failed to create metric instrument",
		log.String("instrument", kind),
		log.String("metric_name", name),
		log.Err(err))
}

// selectDefaultBuckets infers a bucket layout from a metric name. Size-like
// names measure bytes, batch-like names measure item counts, and everything
// else is assumed to be a duration.
func selectDefaultBuckets(name string) []float64 {
	lower := strings.ToLower(name)

	switch {
	case strings.Contains(lower, "bytes"), strings.Contains(lower, "size"):
		return DefaultPayloadBuckets
	case strings.Contains(lower, "batch"):
		return DefaultBatchBuckets
	default:
		return DefaultDurationBuckets
	}
}

// histogramCacheKey derives a histogram's cache key from its name and sorted
// bucket layout, keeping differently-bucketed instruments apart.
func histogramCacheKey(name string, buckets []float64) string {
	if len(buckets) == 0 {
		return name
	}

	sorted := append([]float64(nil), buckets...)
	sort.Float64s(sorted)

	var key strings.Builder

	key.WriteString(name)

	for i, bound := range sorted {
		if i == 0 {
			key.WriteByte(':')
		} else {
			key.WriteByte(',')
		}

		key.WriteString(strconv.FormatFloat(bound, 'g', -1, 64))
	}

	return key.String()
}

func counterOptions(m Metric) []metric.Int64CounterOption {
	opts := make([]metric.Int64CounterOption, 0, 2)
	if m.Description != "" {
		opts = append(opts, metric.WithDescription(m.Description))
	}

	if m.Unit != "" {
		opts = append(opts, metric.WithUnit(m.Unit))
	}

	return opts
}

func gaugeOptions(m Metric) []metric.Int64GaugeOption {
	opts := make([]metric.Int64GaugeOption, 0, 2)
	if m.Description != "" {
		opts = append(opts, metric.WithDescription(m.Description))
	}

	if m.Unit != "" {
		opts = append(opts, metric.WithUnit(m.Unit))
	}

	return opts
}

func histogramOptions(m Metric) []metric.Int64HistogramOption {
	opts := make([]metric.Int64HistogramOption, 0, 3)
	if m.Description != "" {
		opts = append(opts, metric.WithDescription(m.Description))
	}

	if m.Unit != "" {
		opts = append(opts, metric.WithUnit(m.Unit))
	}

	if m.Buckets != nil {
		opts = append(opts, metric.WithExplicitBucketBoundaries(m.Buckets...))
	}

	return opts
}
