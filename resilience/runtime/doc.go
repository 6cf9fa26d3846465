// Package runtime provides panic-safe goroutine launching and panic recovery
// helpers with observability hooks.
//
// Library components use SafeGo and SafeGoWithContextAndComponent for every
// background goroutine (cache cleanup sweeps, async durable writes, state
// change listener fan-out) so a panicking callback can never take the host
// process down unless the caller asked for CrashProcess.
//
// Recovered panics are logged with their stack trace, counted via the
// metrics factory when one was installed with InitPanicMetrics, recorded as
// span events on the active trace span, and forwarded to an optional
// ErrorReporter.
package runtime
