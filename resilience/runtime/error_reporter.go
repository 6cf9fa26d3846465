package runtime

import (
	"context"
	"fmt"
	"sync/atomic"
)

// ErrorReporter receives recovered panics for forwarding to an external
// error tracking service. The abstraction keeps this library free of any
// vendor SDK dependency.
//
// Implementations must be safe for concurrent use and must not panic.
type ErrorReporter interface {
	// CaptureException reports a recovered panic. tags carries metadata
	// such as "component" and "goroutine_name".
	CaptureException(ctx context.Context, err error, tags map[string]string)
}

// Reporting state is process-global; recovery helpers run on arbitrary
// goroutines and read it lock-free.
var (
	reporterRef   atomic.Pointer[ErrorReporter]
	redactReports atomic.Bool
)

// SetErrorReporter installs the global error reporter used by the recovery
// helpers. Pass nil to disable reporting.
func SetErrorReporter(reporter ErrorReporter) {
	reporterRef.Store(&reporter)
}

// GetErrorReporter returns the installed reporter, or nil.
func GetErrorReporter() ErrorReporter {
	ref := reporterRef.Load()
	if ref == nil {
		return nil
	}

	return *ref
}

// SetProductionMode toggles redaction of panic details in error reports.
// When enabled, stack traces and panic values are withheld from the
// reporter; this library can sit in front of caregiver conversations, so
// panic payloads must be assumed sensitive.
func SetProductionMode(enabled bool) {
	redactReports.Store(enabled)
}

// IsProductionMode reports whether redaction is enabled.
func IsProductionMode() bool {
	return redactReports.Load()
}

// redactedPanicMsg replaces panic details when production mode is on.
const redactedPanicMsg = "panic recovered (details redacted)"

// maxReportedStackLen bounds the stack trace attached to a report.
const maxReportedStackLen = 4096

// reportPanicToErrorService hands a recovered panic to the installed
// reporter, honoring production-mode redaction. Without a reporter it does
// nothing.
func reportPanicToErrorService(
	ctx context.Context,
	panicValue any,
	stack []byte,
	component, goroutineName string,
) {
	reporter := GetErrorReporter()
	if reporter == nil {
		return
	}

	redact := IsProductionMode()

	tags := map[string]string{
		"component":      component,
		"goroutine_name": goroutineName,
		"panic_type":     "recovered",
	}
	if len(stack) > 0 && !redact {
		tags["stack_trace"] = clipStack(string(stack))
	}

	reporter.CaptureException(ctx, toPanicError(panicValue, redact), tags)
}

// clipStack truncates oversized stack traces, marking the cut.
func clipStack(stack string) string {
	if len(stack) <= maxReportedStackLen {
		return stack
	}

	return stack[:maxReportedStackLen] + "\n...[truncated]"
}

// panicError carries a panic rendered as an error message.
type panicError string

func (e panicError) Error() string {
	return string(e)
}

// toPanicError converts a recovered panic value into the error handed to the
// reporter. Error values pass through untouched so callers can still match
// them; in production everything collapses to a fixed redacted message.
func toPanicError(panicValue any, redact bool) error {
	if redact {
		return panicError(redactedPanicMsg)
	}

	switch v := panicValue.(type) {
	case error:
		return v
	case string:
		return panicError(v)
	default:
		return panicError("panic: " + formatPanicValue(panicValue))
	}
}

// formatPanicValue renders an arbitrary panic value as a string.
func formatPanicValue(value any) string {
	if value == nil {
		return "<nil>"
	}

	return fmt.Sprint(value)
}
