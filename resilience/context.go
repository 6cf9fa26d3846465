package resilience

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/everkind/lib-resilience/resilience/log"
	"github.com/everkind/lib-resilience/resilience/opentelemetry/metrics"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// ErrNilParentContext indicates that a nil parent context was provided.
var ErrNilParentContext = errors.New("cannot create context from nil parent")

type contextKey string

// ContextKey is the context key under which ContextValues travel.
var ContextKey = contextKey("resilience_context")

// ContextValues holds the request-scoped facilities attached to a context.
type ContextValues struct {
	RequestID      string
	Tracer         trace.Tracer
	Logger         log.Logger
	MetricsFactory *metrics.MetricsFactory
}

// cloneContextValues returns a copy of the values stored in ctx, or an empty
// struct when none are. Writers clone before mutating so a derived context
// never changes what its parent observes.
func cloneContextValues(ctx context.Context) *ContextValues {
	values, ok := ctx.Value(ContextKey).(*ContextValues)
	if !ok || values == nil {
		return &ContextValues{}
	}

	clone := *values

	return &clone
}

// ContextWithLogger returns a derived context carrying logger.
func ContextWithLogger(ctx context.Context, logger log.Logger) context.Context {
	values := cloneContextValues(ctx)
	values.Logger = logger

	return context.WithValue(ctx, ContextKey, values)
}

// LoggerFromContext extracts the logger carried by ctx. It never returns nil:
// a context without one yields a NopLogger.
//
//nolint:ireturn
func LoggerFromContext(ctx context.Context) log.Logger {
	if values, ok := ctx.Value(ContextKey).(*ContextValues); ok && values != nil && values.Logger != nil {
		return values.Logger
	}

	return &log.NopLogger{}
}

// ContextWithTracer returns a derived context carrying tracer.
func ContextWithTracer(ctx context.Context, tracer trace.Tracer) context.Context {
	values := cloneContextValues(ctx)
	values.Tracer = tracer

	return context.WithValue(ctx, ContextKey, values)
}

// TracerFromContext extracts the tracer carried by ctx, falling back to the
// globally registered provider.
//
//nolint:ireturn
func TracerFromContext(ctx context.Context) trace.Tracer {
	if values, ok := ctx.Value(ContextKey).(*ContextValues); ok && values != nil && values.Tracer != nil {
		return values.Tracer
	}

	return otel.Tracer("resilience.default")
}

// ContextWithMetricsFactory returns a derived context carrying factory.
func ContextWithMetricsFactory(ctx context.Context, factory *metrics.MetricsFactory) context.Context {
	values := cloneContextValues(ctx)
	values.MetricsFactory = factory

	return context.WithValue(ctx, ContextKey, values)
}

// MetricsFactoryFromContext extracts the metrics factory carried by ctx. It
// never returns nil: a context without one yields a factory on the globally
// registered meter provider, or a no-op factory as the last resort.
func MetricsFactoryFromContext(ctx context.Context) *metrics.MetricsFactory {
	if values, ok := ctx.Value(ContextKey).(*ContextValues); ok && values != nil && values.MetricsFactory != nil {
		return values.MetricsFactory
	}

	meter := otel.GetMeterProvider().Meter("resilience.default")

	factory, err := metrics.NewMetricsFactory(meter, &log.NopLogger{})
	if err != nil {
		return metrics.NewNopFactory()
	}

	return factory
}

// ContextWithRequestID returns a derived context carrying the correlation id.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	values := cloneContextValues(ctx)
	values.RequestID = requestID

	return context.WithValue(ctx, ContextKey, values)
}

// RequestIDFromContext extracts the correlation id carried by ctx. A context
// without one yields a fresh UUID, so every request ends up traceable.
func RequestIDFromContext(ctx context.Context) string {
	if values, ok := ctx.Value(ContextKey).(*ContextValues); ok && values != nil {
		if trimmed := strings.TrimSpace(values.RequestID); trimmed != "" {
			return trimmed
		}
	}

	return uuid.NewString()
}

// WithTimeoutSafe creates a context with the specified timeout while
// respecting any existing deadline in the parent: when the parent's deadline
// is already shorter, the returned context inherits it instead of extending
// it. Returns ErrNilParentContext for a nil parent.
func WithTimeoutSafe(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc, error) {
	if parent == nil {
		return nil, nil, ErrNilParentContext
	}

	if deadline, ok := parent.Deadline(); ok {
		if time.Until(deadline) < timeout {
			ctx, cancel := context.WithCancel(parent)

			return ctx, cancel, nil
		}
	}

	ctx, cancel := context.WithTimeout(parent, timeout)

	return ctx, cancel, nil
}
