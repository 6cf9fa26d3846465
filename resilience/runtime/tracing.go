package runtime

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrPanic marks errors synthesized from recovered panic values.
var ErrPanic = errors.New("panic")

// PanicSpanEventName is the span event name used for recovered panics.
const PanicSpanEventName = "panic.recovered"

// RecordPanicToSpan records a recovered panic as an event on the span
// carried by ctx and marks the span status as error. It is a no-op when the
// span is not recording.
func RecordPanicToSpan(ctx context.Context, panicValue any, stack []byte, goroutineName string) {
	recordPanicEvent(ctx, panicValue, stack, "", goroutineName)
}

// RecordPanicToSpanWithComponent is RecordPanicToSpan with an additional
// component attribute and a "component/name" status description.
func RecordPanicToSpanWithComponent(
	ctx context.Context,
	panicValue any,
	stack []byte,
	component, goroutineName string,
) {
	recordPanicEvent(ctx, panicValue, stack, component, goroutineName)
}

func recordPanicEvent(
	ctx context.Context,
	panicValue any,
	stack []byte,
	component, goroutineName string,
) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("panic.value", formatPanicValue(panicValue)),
		attribute.String("panic.stack", string(stack)),
		attribute.String("panic.goroutine_name", goroutineName),
	}
	if component != "" {
		attrs = append(attrs, attribute.String("panic.component", component))
	}

	span.AddEvent(PanicSpanEventName, trace.WithAttributes(attrs...))

	target := goroutineName
	if component != "" {
		target = component + "/" + goroutineName
	}

	span.SetStatus(codes.Error, "panic recovered in "+target)
	span.RecordError(fmt.Errorf("%w: %s", ErrPanic, formatPanicValue(panicValue)))
}
