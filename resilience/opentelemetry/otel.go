package opentelemetry

import (
	"context"
	"encoding/json"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry attribute keys shared by the durable-tier connectors.
const (
	// AttrDBSystem is the OTEL semantic convention attribute key for the
	// backing system name.
	AttrDBSystem = "db.system"
	// AttrDBMongoDBCollection is the OTEL semantic convention attribute key
	// for the MongoDB collection.
	AttrDBMongoDBCollection = "db.mongodb.collection"
	// AttrCacheKey carries the derived (hashed) cache key. Derived keys are
	// safe to attach to spans; raw keys may embed user identifiers and are
	// never recorded.
	AttrCacheKey = "cache.key"
	// AttrCachePrefix carries the key prefix of a scan or bulk invalidation.
	AttrCachePrefix = "cache.prefix"
	// AttrCacheNamespace carries the logical namespace of a cache operation.
	AttrCacheNamespace = "cache.namespace"
)

// Values for AttrDBSystem.
const (
	// DBSystemRedis identifies the Redis durable tier.
	DBSystemRedis = "redis"
	// DBSystemMongoDB identifies the MongoDB durable tier.
	DBSystemMongoDB = "mongodb"
	// DBSystemBlob identifies the object-storage durable tier.
	DBSystemBlob = "blob"
)

// spanUsable reports whether span points at a non-nil span. Both the pointer
// and the interface it holds can be nil on recovery paths.
func spanUsable(span *trace.Span) bool {
	return span != nil && *span != nil
}

// HandleSpanError marks the span as failed and records err on it. Nil spans
// and nil errors are ignored.
func HandleSpanError(span *trace.Span, message string, err error) {
	if spanUsable(span) && err != nil {
		(*span).SetStatus(codes.Error, message+": "+err.Error())
		(*span).RecordError(err)
	}
}

// HandleSpanEvent adds a named event with the given attributes to the span.
// Nil spans are ignored.
func HandleSpanEvent(span *trace.Span, eventName string, attributes ...attribute.KeyValue) {
	if spanUsable(span) {
		(*span).AddEvent(eventName, trace.WithAttributes(attributes...))
	}
}

// SetSpanAttributesFromStruct JSON-serializes valueStruct and attaches it to
// the span under key. Marshal failures are returned to the caller; nil spans
// are ignored.
func SetSpanAttributesFromStruct(span *trace.Span, key string, valueStruct any) error {
	jsonByte, err := json.Marshal(valueStruct)
	if err != nil {
		return err
	}

	if !spanUsable(span) {
		return nil
	}

	(*span).SetAttributes(attribute.KeyValue{
		Key:   attribute.Key(key),
		Value: attribute.StringValue(string(jsonByte)),
	})

	return nil
}

// GetTraceIDFromContext returns the hex trace ID of the span carried by ctx,
// or "" when no valid span context is present.
func GetTraceIDFromContext(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span == nil {
		return ""
	}

	spanContext := span.SpanContext()
	if !spanContext.IsValid() {
		return ""
	}

	return spanContext.TraceID().String()
}
