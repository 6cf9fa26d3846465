// Package opentelemetry provides the tracing helpers the durable-tier
// connectors and the read-through fetcher share: span error handling, span
// events, struct-to-attribute serialization, and the attribute keys used
// across the library.
//
// Provider and exporter wiring belongs to the embedding application; this
// package only decorates spans that are already flowing through context.
package opentelemetry
