package metrics

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Builder errors. The factory never hands out a builder without a live
// instrument, so these only surface use of a zero-value builder.
var (
	// ErrNilCounter is returned when a counter builder has no instrument.
	ErrNilCounter = errors.New("counter instrument is nil")
	// ErrNilGauge is returned when a gauge builder has no instrument.
	ErrNilGauge = errors.New("gauge instrument is nil")
	// ErrNilHistogram is returned when a histogram builder has no instrument.
	ErrNilHistogram = errors.New("histogram instrument is nil")
)

// labelAttrs appends a label map to base as string attributes. The result is
// a fresh slice; base is never mutated, which keeps derived builders
// independent of the builder they came from.
func labelAttrs(base []attribute.KeyValue, labels map[string]string) []attribute.KeyValue {
	merged := make([]attribute.KeyValue, 0, len(base)+len(labels))
	merged = append(merged, base...)

	for key, value := range labels {
		merged = append(merged, attribute.String(key, value))
	}

	return merged
}

// extendAttrs appends extra attributes to base into a fresh slice.
func extendAttrs(base, extra []attribute.KeyValue) []attribute.KeyValue {
	merged := make([]attribute.KeyValue, 0, len(base)+len(extra))
	merged = append(merged, base...)

	return append(merged, extra...)
}

// CounterBuilder records monotonically increasing counts. Label methods
// derive new builders, so one base builder can be shared across goroutines
// and specialized per call site.
type CounterBuilder struct {
	counter metric.Int64Counter
	attrs   []attribute.KeyValue
}

// WithLabels derives a builder with the given labels attached as string
// attributes.
func (c *CounterBuilder) WithLabels(labels map[string]string) *CounterBuilder {
	return &CounterBuilder{counter: c.counter, attrs: labelAttrs(c.attrs, labels)}
}

// WithAttributes derives a builder with the given OTEL attributes attached.
func (c *CounterBuilder) WithAttributes(attrs ...attribute.KeyValue) *CounterBuilder {
	return &CounterBuilder{counter: c.counter, attrs: extendAttrs(c.attrs, attrs)}
}

// Add increments the counter by value under the builder's attributes.
func (c *CounterBuilder) Add(ctx context.Context, value int64) error {
	if c.counter == nil {
		return ErrNilCounter
	}

	c.counter.Add(ctx, value, metric.WithAttributes(c.attrs...))

	return nil
}

// AddOne increments the counter by one.
func (c *CounterBuilder) AddOne(ctx context.Context) error {
	return c.Add(ctx, 1)
}

// GaugeBuilder records point-in-time values such as live entry counts or
// in-flight probe totals.
type GaugeBuilder struct {
	gauge metric.Int64Gauge
	attrs []attribute.KeyValue
}

// WithLabels derives a builder with the given labels attached as string
// attributes.
func (g *GaugeBuilder) WithLabels(labels map[string]string) *GaugeBuilder {
	return &GaugeBuilder{gauge: g.gauge, attrs: labelAttrs(g.attrs, labels)}
}

// WithAttributes derives a builder with the given OTEL attributes attached.
func (g *GaugeBuilder) WithAttributes(attrs ...attribute.KeyValue) *GaugeBuilder {
	return &GaugeBuilder{gauge: g.gauge, attrs: extendAttrs(g.attrs, attrs)}
}

// Set records the gauge's current value.
func (g *GaugeBuilder) Set(ctx context.Context, value int64) error {
	if g.gauge == nil {
		return ErrNilGauge
	}

	g.gauge.Record(ctx, value, metric.WithAttributes(g.attrs...))

	return nil
}

// HistogramBuilder records value distributions such as operation latencies
// and payload sizes.
type HistogramBuilder struct {
	histogram metric.Int64Histogram
	attrs     []attribute.KeyValue
}

// WithLabels derives a builder with the given labels attached as string
// attributes.
func (h *HistogramBuilder) WithLabels(labels map[string]string) *HistogramBuilder {
	return &HistogramBuilder{histogram: h.histogram, attrs: labelAttrs(h.attrs, labels)}
}

// WithAttributes derives a builder with the given OTEL attributes attached.
func (h *HistogramBuilder) WithAttributes(attrs ...attribute.KeyValue) *HistogramBuilder {
	return &HistogramBuilder{histogram: h.histogram, attrs: extendAttrs(h.attrs, attrs)}
}

// Record adds value to the distribution.
func (h *HistogramBuilder) Record(ctx context.Context, value int64) error {
	if h.histogram == nil {
		return ErrNilHistogram
	}

	h.histogram.Record(ctx, value, metric.WithAttributes(h.attrs...))

	return nil
}
