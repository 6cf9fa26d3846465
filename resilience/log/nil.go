package log

import "context"

// NopLogger satisfies Logger while discarding every record. It backs the
// optional-logger paths in this module, so call sites never need a nil
// check before logging.
type NopLogger struct{}

// NewNop returns a logger that discards everything.
func NewNop() Logger {
	return &NopLogger{}
}

// Log discards the record.
func (l *NopLogger) Log(_ context.Context, _ Level, _ string, _ ...Field) {}

// With returns the receiver; there is no state to attach fields to.
//
//nolint:ireturn
func (l *NopLogger) With(_ ...Field) Logger { return l }

// WithGroup returns the receiver.
//
//nolint:ireturn
func (l *NopLogger) WithGroup(_ string) Logger { return l }

// Enabled reports false for every level.
func (l *NopLogger) Enabled(_ Level) bool { return false }

// Sync has nothing to flush.
func (l *NopLogger) Sync(_ context.Context) error { return nil }
