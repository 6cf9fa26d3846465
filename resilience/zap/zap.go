package zap

import (
	"context"
	"time"

	logpkg "github.com/everkind/lib-resilience/resilience/log"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Field aliases zap.Field so callers of the typed convenience methods don't
// import zap themselves.
type Field = zap.Field

// Logger adapts a *zap.Logger to the log.Logger facade. A nil *Logger and
// the zero value are both usable and drop every record, so components can
// log unconditionally.
type Logger struct {
	logger      *zap.Logger
	atomicLevel zap.AtomicLevel
}

var _ logpkg.Logger = (*Logger)(nil)

// underlying returns the wrapped zap logger; nil receivers and zero values
// get a nop logger instead.
func (l *Logger) underlying() *zap.Logger {
	if l == nil || l.logger == nil {
		return zap.NewNop()
	}

	return l.logger
}

// child wraps zl in a Logger sharing this logger's level handle.
func (l *Logger) child(zl *zap.Logger) *Logger {
	var level zap.AtomicLevel
	if l != nil {
		level = l.atomicLevel
	}

	return &Logger{logger: zl, atomicLevel: level}
}

// Log implements log.Logger. When ctx carries a valid OpenTelemetry span,
// trace_id and span_id fields are appended so the record joins up with the
// distributed trace.
func (l *Logger) Log(ctx context.Context, level logpkg.Level, msg string, fields ...logpkg.Field) {
	zl := l.underlying()

	lvl := logLevelToZap(level)
	if !zl.Core().Enabled(lvl) {
		return
	}

	converted := appendTraceContext(ctx, convertFields(fields, 2))

	zl.Log(lvl, msg, converted...)
}

// With returns a child logger that attaches fields to every record.
//
//nolint:ireturn
func (l *Logger) With(fields ...logpkg.Field) logpkg.Logger {
	return l.child(l.underlying().With(convertFields(fields, 0)...))
}

// WithGroup returns a child logger nesting subsequent fields under name.
//
//nolint:ireturn
func (l *Logger) WithGroup(name string) logpkg.Logger {
	return l.child(l.underlying().With(zap.Namespace(name)))
}

// Enabled reports whether a record at level would be emitted.
func (l *Logger) Enabled(level logpkg.Level) bool {
	return l.underlying().Core().Enabled(logLevelToZap(level))
}

// Sync flushes buffered records. It returns immediately when ctx is already
// done and abandons the flush if ctx expires while it runs.
func (l *Logger) Sync(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	result := make(chan error, 1)

	go func() { result <- l.underlying().Sync() }()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WithZapFields returns a child logger carrying pre-built zap fields,
// skipping the per-call field conversion on hot paths.
func (l *Logger) WithZapFields(fields ...Field) *Logger {
	return l.child(l.underlying().With(fields...))
}

// Debug emits msg at debug level.
func (l *Logger) Debug(msg string, fields ...Field) {
	l.underlying().Debug(msg, fields...)
}

// Info emits msg at info level.
func (l *Logger) Info(msg string, fields ...Field) {
	l.underlying().Info(msg, fields...)
}

// Warn emits msg at warn level.
func (l *Logger) Warn(msg string, fields ...Field) {
	l.underlying().Warn(msg, fields...)
}

// Error emits msg at error level.
func (l *Logger) Error(msg string, fields ...Field) {
	l.underlying().Error(msg, fields...)
}

// Raw exposes the wrapped *zap.Logger for code that needs zap APIs directly.
func (l *Logger) Raw() *zap.Logger {
	return l.underlying()
}

// Level returns the handle for adjusting the log level at runtime.
func (l *Logger) Level() zap.AtomicLevel {
	if l == nil {
		return zap.NewAtomicLevel()
	}

	return l.atomicLevel
}

// Any builds a field holding an arbitrary value.
func Any(key string, value any) Field {
	return zap.Any(key, value)
}

// String builds a string field.
func String(key, value string) Field {
	return zap.String(key, value)
}

// Int builds an int field.
func Int(key string, value int) Field {
	return zap.Int(key, value)
}

// Bool builds a bool field.
func Bool(key string, value bool) Field {
	return zap.Bool(key, value)
}

// Duration builds a duration field.
func Duration(key string, value time.Duration) Field {
	return zap.Duration(key, value)
}

// ErrorField builds the conventional "error" field.
func ErrorField(err error) Field {
	return zap.Error(err)
}

// logLevelToZap maps facade levels to zap levels; unknown levels log at info.
func logLevelToZap(level logpkg.Level) zapcore.Level {
	switch level {
	case logpkg.LevelDebug:
		return zapcore.DebugLevel
	case logpkg.LevelInfo:
		return zapcore.InfoLevel
	case logpkg.LevelWarn:
		return zapcore.WarnLevel
	case logpkg.LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// convertFields turns facade fields into zap fields, reserving extra slots
// of capacity for fields appended afterwards.
func convertFields(fields []logpkg.Field, extra int) []zap.Field {
	converted := make([]zap.Field, 0, len(fields)+extra)
	for _, f := range fields {
		converted = append(converted, zap.Any(f.Key, f.Value))
	}

	return converted
}

// appendTraceContext appends trace correlation fields when ctx carries a
// valid span context.
func appendTraceContext(ctx context.Context, fields []zap.Field) []zap.Field {
	if ctx == nil {
		return fields
	}

	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return fields
	}

	return append(fields,
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	)
}
