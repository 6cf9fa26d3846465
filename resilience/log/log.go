package log

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Logger is the structured logging interface the library's components write
// against. Implementations must be safe for concurrent use.
type Logger interface {
	// Log emits one record. Implementations may derive extra fields from
	// ctx, such as trace correlation ids.
	Log(ctx context.Context, level Level, msg string, fields ...Field)
	// With returns a child logger that attaches fields to every record.
	With(fields ...Field) Logger
	// WithGroup returns a child logger nesting subsequent fields under name.
	WithGroup(name string) Logger
	// Enabled reports whether a record at level would be emitted.
	Enabled(level Level) bool
	// Sync flushes buffered records, giving up when ctx is done.
	Sync(ctx context.Context) error
}

// Level is the severity of a log record. Numbering is inverted relative to
// slog and zap: 0 is the most severe. A logger set to some Level emits that
// level and every numerically smaller one, so the value acts as a verbosity
// ceiling.
//
//	LevelError (0) -- only errors
//	LevelWarn  (1) -- errors + warnings
//	LevelInfo  (2) -- errors + warnings + info
//	LevelDebug (3) -- everything
type Level uint8

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

// String returns the lowercase name of the level, or "unknown" for values
// outside the defined range.
func (level Level) String() string {
	switch level {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// ParseLevel resolves a level name, case-insensitively. "warning" is
// accepted as an alias for warn.
func ParseLevel(lvl string) (Level, error) {
	switch strings.ToLower(lvl) {
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}

	return 0, fmt.Errorf("unrecognized log level %q", lvl)
}

// Field is one typed key/value attribute on a log record.
type Field struct {
	Key   string
	Value any
}

// Any builds a field holding an arbitrary value.
//
// Prefer the typed constructors where they fit: values routed through Any
// are easy vehicles for sensitive payloads (conversation fragments, tokens,
// anything identifying a care recipient) to leak into log output.
func Any(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// String builds a string field.
func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

// Int builds an int field.
func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

// Bool builds a bool field.
func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

// Duration builds a duration field.
func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value}
}

// Err builds the conventional "error" field.
func Err(err error) Field {
	return Field{Key: "error", Value: err}
}
