package cache

import (
	"errors"
	"fmt"
	"time"

	"github.com/everkind/lib-resilience/resilience/log"
	"github.com/everkind/lib-resilience/resilience/opentelemetry/metrics"
)

const (
	defaultTTL              = 5 * time.Minute
	defaultDurableTimeout   = 3 * time.Second
	defaultDurableKeyPrefix = "cache:"
	defaultAsyncRetries     = 2
)

// ErrInvalidConfig indicates the provided cache configuration is invalid.
var ErrInvalidConfig = errors.New("invalid cache configuration")

// Config controls a Store. The zero value is usable: a memory-only cache
// with a 5 minute default TTL and no cleanup loop.
type Config struct {
	// DefaultTTL applies to Set and to SetWithTTL calls with a
	// non-positive TTL. Defaults to 5 minutes.
	DefaultTTL time.Duration

	// CleanupInterval is how often the background sweep evicts expired
	// volatile entries once Start is called. Zero disables the sweep;
	// Cleanup can still be called manually.
	CleanupInterval time.Duration

	// Durable is the optional remote second tier. Nil means memory-only.
	Durable DurableStore

	// DurableTimeout bounds every durable-tier call. Defaults to 3s.
	DurableTimeout time.Duration

	// DurableKeyPrefix namespaces this cache's keys inside a shared
	// backend (bucket, database, keyspace). Defaults to "cache:".
	DurableKeyPrefix string

	// Codec serializes values for the durable tier. Defaults to JSONCodec.
	Codec Codec

	// AsyncDurableWrites uploads to the durable tier from a background
	// goroutine with bounded retries instead of synchronously on Set.
	AsyncDurableWrites bool

	// AsyncWriteRetries is how many times a failed async upload is
	// retried with exponential backoff. Defaults to 2.
	AsyncWriteRetries int

	// Logger receives tier errors and lifecycle events. Defaults to a
	// NopLogger.
	Logger log.Logger

	// MetricsFactory emits hit/miss/promotion/eviction counters. Nil
	// disables metrics.
	MetricsFactory *metrics.MetricsFactory
}

// normalize returns cfg with zero values replaced by defaults.
func (cfg Config) normalize() Config {
	if cfg.DefaultTTL == 0 {
		cfg.DefaultTTL = defaultTTL
	}

	if cfg.DurableTimeout == 0 {
		cfg.DurableTimeout = defaultDurableTimeout
	}

	if cfg.DurableKeyPrefix == "" {
		cfg.DurableKeyPrefix = defaultDurableKeyPrefix
	}

	if cfg.Codec == nil {
		cfg.Codec = JSONCodec{}
	}

	if cfg.AsyncWriteRetries == 0 {
		cfg.AsyncWriteRetries = defaultAsyncRetries
	}

	if cfg.Logger == nil {
		cfg.Logger = &log.NopLogger{}
	}

	return cfg
}

// Validate checks the configuration for impossible values. New normalizes
// before validating, so zero values never fail.
func (cfg Config) Validate() error {
	if cfg.DefaultTTL < 0 {
		return configError("default TTL cannot be negative")
	}

	if cfg.CleanupInterval < 0 {
		return configError("cleanup interval cannot be negative")
	}

	if cfg.DurableTimeout < 0 {
		return configError("durable timeout cannot be negative")
	}

	if cfg.AsyncWriteRetries < 0 {
		return configError("async write retries cannot be negative")
	}

	return nil
}

func configError(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, msg)
}
