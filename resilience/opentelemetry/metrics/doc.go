// Package metrics provides a thread-safe factory over an OpenTelemetry
// metric.Meter with lazily created, cached instruments and fluent
// counter/gauge/histogram builders.
//
// Components accept a *MetricsFactory in their Config; a nil factory means
// no metrics are emitted. NewNopFactory returns a factory backed by the
// no-op meter for callers that want the wiring without a metrics pipeline.
//
// Each recording package declares the Metric values it emits; this package
// only provides the factory, builders, and shared bucket defaults.
package metrics
