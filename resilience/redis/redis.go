package redis

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/everkind/lib-resilience/resilience/cache"
	"github.com/everkind/lib-resilience/resilience/log"
	libOpentelemetry "github.com/everkind/lib-resilience/resilience/opentelemetry"
	"github.com/everkind/lib-resilience/resilience/opentelemetry/metrics"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrNilStore is returned when a store receiver is nil.
	ErrNilStore = errors.New("redis store is nil")
	// ErrInvalidConfig indicates the provided redis configuration is invalid.
	ErrInvalidConfig = errors.New("invalid redis config")
)

const (
	maxPoolSize      = 1000
	defaultScanCount = 100
)

// Config configures the Redis durable tier.
type Config struct {
	// Addresses lists the Redis/Valkey endpoints. A single address selects
	// a standalone client, several a cluster client (go-redis
	// UniversalClient rules).
	Addresses []string

	// Username and Password are optional static credentials.
	Username string
	Password string

	// DB selects the logical database. Standalone only.
	DB int

	PoolSize     int
	MinIdleConns int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	DialTimeout  time.Duration
	MaxRetries   int

	// ScanCount is the COUNT hint passed to SCAN during prefix listing.
	// Defaults to 100.
	ScanCount int64

	Logger         log.Logger
	MetricsFactory *metrics.MetricsFactory
}

// connectionFailuresMetric defines the counter for redis connection failures.
var connectionFailuresMetric = metrics.Metric{
	Name:        "redis_connection_failures_total",
	Unit:        "1",
	Description: "Total number of redis connection failures",
}

// operationFailuresMetric defines the counter for failed store operations.
var operationFailuresMetric = metrics.Metric{
	Name:        "redis_operation_failures_total",
	Unit:        "1",
	Description: "Total number of failed redis store operations, by operation",
}

// envelope is the gob-encoded record stored under each key. Payload bytes
// and metadata travel together so a single GET restores both.
type envelope struct {
	Data []byte
	Meta cache.Metadata
}

// Store implements cache.DurableStore on a Redis or Valkey deployment.
type Store struct {
	cfg        Config
	logger     log.Logger
	client     redis.UniversalClient
	ownsClient bool

	// test hook
	now func() time.Time
}

var _ cache.DurableStore = (*Store)(nil)

// New validates config, connects to Redis, verifies the connection with a
// ping, and returns a ready store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	normalized, err := normalizeConfig(cfg)
	if err != nil {
		return nil, err
	}

	s := &Store{
		cfg:        normalized,
		logger:     normalized.Logger,
		client:     redis.NewUniversalClient(buildUniversalOptions(normalized)),
		ownsClient: true,
		now:        time.Now,
	}

	if _, err := s.client.Ping(ctx).Result(); err != nil {
		_ = s.client.Close()

		s.recordConnectionFailure(ctx, "connect")
		s.logger.Log(ctx, log.LevelError, "redis ping failed", log.Err(err))

		return nil, fmt.Errorf("redis connect: ping: %w", err)
	}

	s.logger.Log(ctx, log.LevelInfo, "connected to Redis/Valkey durable tier")

	return s, nil
}

// NewWithClient wraps an existing client, for applications that manage their
// own Redis connection. Close leaves the client open for its owner. The
// client carries its own topology, so cfg.Addresses is not required.
func NewWithClient(client redis.UniversalClient, cfg Config) (*Store, error) {
	if client == nil {
		return nil, configError("client cannot be nil")
	}

	if cfg.Logger == nil {
		cfg.Logger = &log.NopLogger{}
	}

	if cfg.ScanCount <= 0 {
		cfg.ScanCount = defaultScanCount
	}

	return &Store{
		cfg:    cfg,
		logger: cfg.Logger,
		client: client,
		now:    time.Now,
	}, nil
}

// Put stores the payload and its metadata under key. When the metadata
// carries an expiry the key is written with a matching server-side TTL;
// entries already past their expiry are not written at all.
func (s *Store) Put(ctx context.Context, key string, data []byte, meta cache.Metadata) error {
	if s == nil {
		return ErrNilStore
	}

	tracer := otel.Tracer("redis")

	ctx, span := tracer.Start(ctx, "redis.put")
	defer span.End()

	span.SetAttributes(
		attribute.String(libOpentelemetry.AttrDBSystem, libOpentelemetry.DBSystemRedis),
		attribute.String(libOpentelemetry.AttrCacheKey, key),
	)

	var expiration time.Duration

	if expiresAt, hasExpiry := meta.ExpiresAt(); hasExpiry {
		expiration = expiresAt.Sub(s.now())
		if expiration <= 0 {
			return nil
		}
	}

	payload, err := encodeEnvelope(envelope{Data: data, Meta: meta})
	if err != nil {
		libOpentelemetry.HandleSpanError(&span, "Failed to encode redis envelope", err)

		return fmt.Errorf("redis put %q: encode: %w", key, err)
	}

	if err := s.client.Set(ctx, key, payload, expiration).Err(); err != nil {
		s.recordOperationFailure(ctx, "put")
		libOpentelemetry.HandleSpanError(&span, "Failed to write redis entry", err)

		return fmt.Errorf("redis put %q: %w", key, err)
	}

	return nil
}

// Get returns the payload and metadata stored under key, or
// cache.ErrKeyNotFound when the key is absent or already reaped by the
// server-side TTL.
func (s *Store) Get(ctx context.Context, key string) ([]byte, cache.Metadata, error) {
	if s == nil {
		return nil, nil, ErrNilStore
	}

	tracer := otel.Tracer("redis")

	ctx, span := tracer.Start(ctx, "redis.get")
	defer span.End()

	span.SetAttributes(
		attribute.String(libOpentelemetry.AttrDBSystem, libOpentelemetry.DBSystemRedis),
		attribute.String(libOpentelemetry.AttrCacheKey, key),
	)

	payload, err := s.client.Get(ctx, key).Bytes()

	switch {
	case errors.Is(err, redis.Nil):
		return nil, nil, fmt.Errorf("redis get %q: %w", key, cache.ErrKeyNotFound)
	case err != nil:
		s.recordOperationFailure(ctx, "get")
		libOpentelemetry.HandleSpanError(&span, "Failed to read redis entry", err)

		return nil, nil, fmt.Errorf("redis get %q: %w", key, err)
	}

	env, err := decodeEnvelope(payload)
	if err != nil {
		s.recordOperationFailure(ctx, "get")
		libOpentelemetry.HandleSpanError(&span, "Failed to decode redis envelope", err)

		return nil, nil, fmt.Errorf("redis get %q: decode: %w", key, err)
	}

	return env.Data, env.Meta, nil
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if s == nil {
		return ErrNilStore
	}

	tracer := otel.Tracer("redis")

	ctx, span := tracer.Start(ctx, "redis.delete")
	defer span.End()

	span.SetAttributes(
		attribute.String(libOpentelemetry.AttrDBSystem, libOpentelemetry.DBSystemRedis),
		attribute.String(libOpentelemetry.AttrCacheKey, key),
	)

	if err := s.client.Del(ctx, key).Err(); err != nil {
		s.recordOperationFailure(ctx, "delete")
		libOpentelemetry.HandleSpanError(&span, "Failed to delete redis entry", err)

		return fmt.Errorf("redis delete %q: %w", key, err)
	}

	return nil
}

// ListByPrefix returns every key under prefix using cursor-based SCAN.
func (s *Store) ListByPrefix(ctx context.Context, prefix string) ([]string, error) {
	if s == nil {
		return nil, ErrNilStore
	}

	tracer := otel.Tracer("redis")

	ctx, span := tracer.Start(ctx, "redis.list_by_prefix")
	defer span.End()

	span.SetAttributes(
		attribute.String(libOpentelemetry.AttrDBSystem, libOpentelemetry.DBSystemRedis),
		attribute.String(libOpentelemetry.AttrCachePrefix, prefix),
	)

	match := escapeMatch(prefix) + "*"

	var (
		keys   []string
		cursor uint64
	)

	for {
		page, next, err := s.client.Scan(ctx, cursor, match, s.cfg.ScanCount).Result()
		if err != nil {
			s.recordOperationFailure(ctx, "list")
			libOpentelemetry.HandleSpanError(&span, "Failed to scan redis keys", err)

			return nil, fmt.Errorf("redis scan %q: %w", prefix, err)
		}

		keys = append(keys, page...)

		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

// Close releases the underlying client. Clients injected via NewWithClient
// are left open.
func (s *Store) Close() error {
	if s == nil {
		return ErrNilStore
	}

	if !s.ownsClient {
		return nil
	}

	return s.client.Close()
}

func buildUniversalOptions(cfg Config) *redis.UniversalOptions {
	return &redis.UniversalOptions{
		Addrs:        cfg.Addresses,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		DialTimeout:  cfg.DialTimeout,
		MaxRetries:   cfg.MaxRetries,
	}
}

func encodeEnvelope(env envelope) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(env); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func decodeEnvelope(payload []byte) (envelope, error) {
	var env envelope
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&env); err != nil {
		return envelope{}, err
	}

	return env, nil
}

// escapeMatch backslash-escapes SCAN MATCH glob metacharacters so the prefix
// matches literally.
func escapeMatch(prefix string) string {
	var b strings.Builder

	for _, r := range prefix {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}

		b.WriteRune(r)
	}

	return b.String()
}

func normalizeConfig(cfg Config) (Config, error) {
	if cfg.Logger == nil {
		cfg.Logger = &log.NopLogger{}
	}

	if cfg.PoolSize == 0 {
		cfg.PoolSize = 10
	}

	if cfg.PoolSize > maxPoolSize {
		cfg.PoolSize = maxPoolSize
	}

	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 3 * time.Second
	}

	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 3 * time.Second
	}

	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}

	if cfg.ScanCount == 0 {
		cfg.ScanCount = defaultScanCount
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func validateConfig(cfg Config) error {
	if len(cfg.Addresses) == 0 {
		return configError("at least one address is required")
	}

	for _, address := range cfg.Addresses {
		if strings.TrimSpace(address) == "" {
			return configError("addresses cannot be empty")
		}
	}

	if cfg.PoolSize < 0 || cfg.MinIdleConns < 0 {
		return configError("pool sizes cannot be negative")
	}

	if cfg.ReadTimeout < 0 || cfg.WriteTimeout < 0 || cfg.DialTimeout < 0 {
		return configError("timeouts cannot be negative")
	}

	if cfg.ScanCount < 0 {
		return configError("scan count cannot be negative")
	}

	return nil
}

// recordConnectionFailure increments the redis connection failure counter.
// No-op when no metrics factory is configured.
func (s *Store) recordConnectionFailure(ctx context.Context, operation string) {
	if s.cfg.MetricsFactory == nil {
		return
	}

	counter, err := s.cfg.MetricsFactory.Counter(connectionFailuresMetric)
	if err != nil {
		s.logger.Log(ctx, log.LevelWarn, "failed to create redis metric counter", log.Err(err))

		return
	}

	err = counter.
		WithLabels(map[string]string{
			"operation": metrics.SanitizeMetricLabel(operation),
		}).
		AddOne(ctx)
	if err != nil {
		s.logger.Log(ctx, log.LevelWarn, "failed to record redis metric", log.Err(err))
	}
}

// recordOperationFailure increments the failed-operation counter. No-op when
// no metrics factory is configured.
func (s *Store) recordOperationFailure(ctx context.Context, operation string) {
	if s.cfg.MetricsFactory == nil {
		return
	}

	counter, err := s.cfg.MetricsFactory.Counter(operationFailuresMetric)
	if err != nil {
		s.logger.Log(ctx, log.LevelWarn, "failed to create redis metric counter", log.Err(err))

		return
	}

	err = counter.
		WithLabels(map[string]string{
			"operation": metrics.SanitizeMetricLabel(operation),
		}).
		AddOne(ctx)
	if err != nil {
		s.logger.Log(ctx, log.LevelWarn, "failed to record redis metric", log.Err(err))
	}
}

func configError(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, msg)
}
