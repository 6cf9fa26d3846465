package circuitbreaker

import (
	"errors"
	"fmt"
	"time"
)

const (
	defaultFailureThreshold = 5
	defaultRecoveryTimeout  = 30 * time.Second
)

// ErrInvalidConfig indicates the provided guard configuration is invalid.
var ErrInvalidConfig = errors.New("invalid circuit breaker config")

// Config holds the tuning knobs for one guard. All fields are fixed at
// creation; retuning a dependency requires resetting its guard via a new
// Registry or a new Breaker.
type Config struct {
	// FailureThreshold is the number of consecutive counted failures while
	// closed that trips the guard open. Zero selects the default of 5.
	FailureThreshold uint32

	// RecoveryTimeout is how long an open guard rejects calls after the
	// last failure before admitting a single recovery probe. Zero selects
	// the default of 30s.
	RecoveryTimeout time.Duration

	// SlowCallThreshold classifies operations that succeed slower than this
	// as counted failures. Zero disables slow-call classification.
	SlowCallThreshold time.Duration

	// IsExcluded reports whether an error is the caller's fault (malformed
	// input, an invalid voice id) rather than the dependency's. Excluded
	// errors propagate unchanged and never touch the failure counter. Nil
	// excludes nothing.
	IsExcluded func(error) bool
}

// normalize returns cfg with zero values replaced by defaults.
func (cfg Config) normalize() Config {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}

	if cfg.RecoveryTimeout == 0 {
		cfg.RecoveryTimeout = defaultRecoveryTimeout
	}

	return cfg
}

// Validate reports whether the configuration is usable. New normalizes
// before validating, so zero values never fail.
func (cfg Config) Validate() error {
	if cfg.RecoveryTimeout < 0 {
		return configError("recovery timeout cannot be negative")
	}

	if cfg.SlowCallThreshold < 0 {
		return configError("slow-call threshold cannot be negative")
	}

	return nil
}

// DefaultConfig provides balanced settings for most dependencies.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
	}
}

// SpeechServiceConfig is tuned for managed speech recognition and synthesis
// APIs. A synthesis call slower than a few seconds is as bad as one that
// fails, so slow calls count against the guard.
func SpeechServiceConfig() Config {
	return Config{
		FailureThreshold:  3,
		RecoveryTimeout:   30 * time.Second,
		SlowCallThreshold: 5 * time.Second,
	}
}

// StorageConfig is tuned for object storage backends, which should be
// stable: more tolerant of consecutive failures, quicker to retry.
func StorageConfig() Config {
	return Config{
		FailureThreshold:  10,
		RecoveryTimeout:   15 * time.Second,
		SlowCallThreshold: 10 * time.Second,
	}
}

// WebFetchConfig is tuned for crawling third-party websites, the flakiest
// dependency class this library guards: trip fast, probe again soon.
func WebFetchConfig() Config {
	return Config{
		FailureThreshold:  3,
		RecoveryTimeout:   10 * time.Second,
		SlowCallThreshold: 3 * time.Second,
	}
}

func configError(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, msg)
}
