package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/everkind/lib-resilience/resilience/cache"
	"github.com/everkind/lib-resilience/resilience/log"
	libOpentelemetry "github.com/everkind/lib-resilience/resilience/opentelemetry"
	"github.com/everkind/lib-resilience/resilience/opentelemetry/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
)

var (
	// ErrNilStore is returned when a store receiver is nil.
	ErrNilStore = errors.New("blob store is nil")
	// ErrInvalidConfig indicates the provided blob configuration is invalid.
	ErrInvalidConfig = errors.New("invalid blob config")
)

// contentTypeBinary is set on every object so drivers never sniff payloads.
const contentTypeBinary = "application/octet-stream"

// Config configures the object-storage durable tier.
type Config struct {
	// URL selects the bucket through a registered Go CDK driver, for
	// example "s3://care-cache?region=us-east-1", "gs://care-cache",
	// "file:///var/cache" or "mem://". The driver package must be blank
	// imported by the application.
	URL string

	// Bucket is a pre-opened bucket for applications that manage their own
	// storage clients. Close leaves it open for its owner. Exactly one of
	// URL or Bucket must be set.
	Bucket *blob.Bucket

	Logger         log.Logger
	MetricsFactory *metrics.MetricsFactory
}

// operationFailuresMetric defines the counter for failed store operations.
var operationFailuresMetric = metrics.Metric{
	Name:        "blob_operation_failures_total",
	Unit:        "1",
	Description: "Total number of failed blob store operations, by operation",
}

// Store implements cache.DurableStore on a Go CDK bucket.
type Store struct {
	cfg        Config
	logger     log.Logger
	bucket     *blob.Bucket
	ownsBucket bool
}

var _ cache.DurableStore = (*Store)(nil)

// New validates config and opens the bucket when configured by URL.
func New(ctx context.Context, cfg Config) (*Store, error) {
	normalized, err := normalizeConfig(cfg)
	if err != nil {
		return nil, err
	}

	s := &Store{
		cfg:    normalized,
		logger: normalized.Logger,
	}

	if normalized.Bucket != nil {
		s.bucket = normalized.Bucket

		return s, nil
	}

	bucket, err := blob.OpenBucket(ctx, normalized.URL)
	if err != nil {
		s.recordOperationFailure(ctx, "open")
		s.logger.Log(ctx, log.LevelError, "failed to open blob bucket", log.Err(err))

		return nil, fmt.Errorf("blob open %q: %w", normalized.URL, err)
	}

	s.bucket = bucket
	s.ownsBucket = true

	s.logger.Log(ctx, log.LevelInfo, "opened blob bucket durable tier")

	return s, nil
}

// Put writes the payload as the object body with the entry metadata attached
// as object metadata.
func (s *Store) Put(ctx context.Context, key string, data []byte, meta cache.Metadata) error {
	if s == nil {
		return ErrNilStore
	}

	tracer := otel.Tracer("blob")

	ctx, span := tracer.Start(ctx, "blob.put")
	defer span.End()

	span.SetAttributes(
		attribute.String(libOpentelemetry.AttrDBSystem, libOpentelemetry.DBSystemBlob),
		attribute.String(libOpentelemetry.AttrCacheKey, key),
	)

	opts := &blob.WriterOptions{
		ContentType: contentTypeBinary,
		Metadata:    meta,
	}

	if err := s.bucket.WriteAll(ctx, key, data, opts); err != nil {
		s.recordOperationFailure(ctx, "put")
		libOpentelemetry.HandleSpanError(&span, "Failed to write blob object", err)

		return fmt.Errorf("blob put %q: %w", key, err)
	}

	return nil
}

// Get returns the object body and metadata, or cache.ErrKeyNotFound when the
// object is absent.
func (s *Store) Get(ctx context.Context, key string) ([]byte, cache.Metadata, error) {
	if s == nil {
		return nil, nil, ErrNilStore
	}

	tracer := otel.Tracer("blob")

	ctx, span := tracer.Start(ctx, "blob.get")
	defer span.End()

	span.SetAttributes(
		attribute.String(libOpentelemetry.AttrDBSystem, libOpentelemetry.DBSystemBlob),
		attribute.String(libOpentelemetry.AttrCacheKey, key),
	)

	data, err := s.bucket.ReadAll(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, nil, fmt.Errorf("blob get %q: %w", key, cache.ErrKeyNotFound)
		}

		s.recordOperationFailure(ctx, "get")
		libOpentelemetry.HandleSpanError(&span, "Failed to read blob object", err)

		return nil, nil, fmt.Errorf("blob get %q: %w", key, err)
	}

	attrs, err := s.bucket.Attributes(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, nil, fmt.Errorf("blob get %q: %w", key, cache.ErrKeyNotFound)
		}

		s.recordOperationFailure(ctx, "get")
		libOpentelemetry.HandleSpanError(&span, "Failed to read blob attributes", err)

		return nil, nil, fmt.Errorf("blob get %q: attributes: %w", key, err)
	}

	return data, attrs.Metadata, nil
}

// Delete removes the object. Deleting an absent object is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if s == nil {
		return ErrNilStore
	}

	tracer := otel.Tracer("blob")

	ctx, span := tracer.Start(ctx, "blob.delete")
	defer span.End()

	span.SetAttributes(
		attribute.String(libOpentelemetry.AttrDBSystem, libOpentelemetry.DBSystemBlob),
		attribute.String(libOpentelemetry.AttrCacheKey, key),
	)

	if err := s.bucket.Delete(ctx, key); err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil
		}

		s.recordOperationFailure(ctx, "delete")
		libOpentelemetry.HandleSpanError(&span, "Failed to delete blob object", err)

		return fmt.Errorf("blob delete %q: %w", key, err)
	}

	return nil
}

// ListByPrefix returns the key of every object under prefix.
func (s *Store) ListByPrefix(ctx context.Context, prefix string) ([]string, error) {
	if s == nil {
		return nil, ErrNilStore
	}

	tracer := otel.Tracer("blob")

	ctx, span := tracer.Start(ctx, "blob.list_by_prefix")
	defer span.End()

	span.SetAttributes(
		attribute.String(libOpentelemetry.AttrDBSystem, libOpentelemetry.DBSystemBlob),
		attribute.String(libOpentelemetry.AttrCachePrefix, prefix),
	)

	iter := s.bucket.List(&blob.ListOptions{Prefix: prefix})

	var keys []string

	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			return keys, nil
		}

		if err != nil {
			s.recordOperationFailure(ctx, "list")
			libOpentelemetry.HandleSpanError(&span, "Failed to list blob objects", err)

			return nil, fmt.Errorf("blob list %q: %w", prefix, err)
		}

		keys = append(keys, obj.Key)
	}
}

// Close releases the bucket. Buckets injected through Config.Bucket are left
// open.
func (s *Store) Close() error {
	if s == nil {
		return ErrNilStore
	}

	if !s.ownsBucket {
		return nil
	}

	return s.bucket.Close()
}

func normalizeConfig(cfg Config) (Config, error) {
	if cfg.Logger == nil {
		cfg.Logger = &log.NopLogger{}
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func validateConfig(cfg Config) error {
	hasURL := strings.TrimSpace(cfg.URL) != ""

	if hasURL && cfg.Bucket != nil {
		return configError("URL and Bucket are mutually exclusive")
	}

	if !hasURL && cfg.Bucket == nil {
		return configError("exactly one of URL or Bucket is required")
	}

	return nil
}

// recordOperationFailure increments the failed-operation counter. No-op when
// no metrics factory is configured.
func (s *Store) recordOperationFailure(ctx context.Context, operation string) {
	if s.cfg.MetricsFactory == nil {
		return
	}

	counter, err := s.cfg.MetricsFactory.Counter(operationFailuresMetric)
	if err != nil {
		s.logger.Log(ctx, log.LevelWarn, "failed to create blob metric counter", log.Err(err))

		return
	}

	err = counter.
		WithLabels(map[string]string{
			"operation": metrics.SanitizeMetricLabel(operation),
		}).
		AddOne(ctx)
	if err != nil {
		s.logger.Log(ctx, log.LevelWarn, "failed to record blob metric", log.Err(err))
	}
}

func configError(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, msg)
}
