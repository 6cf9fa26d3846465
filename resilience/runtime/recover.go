package runtime

import (
	"context"
	"runtime/debug"

	"github.com/everkind/lib-resilience/resilience/log"
)

// Logger is the minimal logging surface this package needs. It is satisfied
// by log.Logger; keeping it local avoids forcing the full interface on
// callers that only hand us a panic sink.
type Logger interface {
	Log(ctx context.Context, level log.Level, msg string, fields ...log.Field)
}

// RecoverAndLog swallows a panic after logging it together with the stack
// trace. Use it in defer statements for workers that must survive
// misbehaving callbacks.
//
// This variant has no context, so it records neither metrics nor span
// events; prefer RecoverAndLogWithContext where a context is available.
func RecoverAndLog(logger Logger, name string) {
	if r := recover(); r != nil {
		logPanicWithStack(context.Background(), logger, name, r, debug.Stack())
	}
}

// RecoverAndLogWithContext is RecoverAndLog plus observability: the panic is
// counted (see InitPanicMetrics), attached to the active span as an event,
// and forwarded to the configured ErrorReporter.
//
// component names the library component ("cache", "circuitbreaker"), name
// the goroutine or handler that panicked.
func RecoverAndLogWithContext(ctx context.Context, logger Logger, component, name string) {
	if r := recover(); r != nil {
		stack := debug.Stack()
		logPanicWithStack(ctx, logger, name, r, stack)
		recordPanicObservability(ctx, r, stack, component, name)
	}
}

// RecoverAndCrash recovers from a panic, logs it, and re-panics with the
// original value. Use it where continuing after a panic would corrupt state.
func RecoverAndCrash(logger Logger, name string) {
	if r := recover(); r != nil {
		logPanicWithStack(context.Background(), logger, name, r, debug.Stack())
		panic(r)
	}
}

// RecoverAndCrashWithContext is RecoverAndCrash plus metric, span, and error
// reporter recording before the re-panic.
func RecoverAndCrashWithContext(ctx context.Context, logger Logger, component, name string) {
	if r := recover(); r != nil {
		stack := debug.Stack()
		logPanicWithStack(ctx, logger, name, r, stack)
		recordPanicObservability(ctx, r, stack, component, name)
		panic(r)
	}
}

// RecoverWithPolicy recovers from a panic and either swallows it or
// re-panics according to policy. Use it when the recovery behavior is
// decided at runtime.
func RecoverWithPolicy(logger Logger, name string, policy PanicPolicy) {
	if r := recover(); r != nil {
		logPanicWithStack(context.Background(), logger, name, r, debug.Stack())

		if policy == CrashProcess {
			panic(r)
		}
	}
}

// RecoverWithPolicyAndContext is RecoverWithPolicy plus full observability
// recording. It is the defer SafeGoWithContextAndComponent installs.
func RecoverWithPolicyAndContext(
	ctx context.Context,
	logger Logger,
	component, name string,
	policy PanicPolicy,
) {
	if recovered := recover(); recovered != nil {
		stack := debug.Stack()
		logPanicWithStack(ctx, logger, name, recovered, stack)
		recordPanicObservability(ctx, recovered, stack, component, name)

		if policy == CrashProcess {
			panic(recovered)
		}
	}
}

// HandlePanicValue feeds a panic value recovered by some external mechanism
// (for example an HTTP framework's recover middleware) through the same
// logging and observability pipeline without calling recover itself.
// A nil panicValue is a no-op.
func HandlePanicValue(ctx context.Context, logger Logger, panicValue any, component, name string) {
	if panicValue == nil {
		return
	}

	stack := debug.Stack()
	logPanicWithStack(ctx, logger, name, panicValue, stack)
	recordPanicObservability(ctx, panicValue, stack, component, name)
}

// logPanicWithStack emits the structured panic log line. A nil logger drops
// the record rather than panicking inside the recovery path.
func logPanicWithStack(ctx context.Context, logger Logger, name string, panicValue any, stack []byte) {
	if logger == nil {
		return
	}

	logger.Log(ctx, log.LevelError, "panic recovered",
		log.String("source", name),
		log.String("panic_value", formatPanicValue(panicValue)),
		log.String("stack_trace", string(stack)),
	)
}

// recordPanicObservability fans the panic out to metrics, the active span,
// and the error reporter. Each sink tolerates being unconfigured.
func recordPanicObservability(
	ctx context.Context,
	panicValue any,
	stack []byte,
	component, name string,
) {
	recordPanicMetric(ctx, component, name)
	RecordPanicToSpanWithComponent(ctx, panicValue, stack, component, name)
	reportPanicToErrorService(ctx, panicValue, stack, component, name)
}
