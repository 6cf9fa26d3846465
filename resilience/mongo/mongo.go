package mongo

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/everkind/lib-resilience/resilience/cache"
	"github.com/everkind/lib-resilience/resilience/log"
	libOpentelemetry "github.com/everkind/lib-resilience/resilience/opentelemetry"
	"github.com/everkind/lib-resilience/resilience/opentelemetry/metrics"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const (
	defaultCollection             = "cache_entries"
	defaultServerSelectionTimeout = 5 * time.Second
	maxMaxPoolSize                = 1000
)

var (
	// ErrNilStore is returned when a store receiver is nil.
	ErrNilStore = errors.New("mongo store is nil")
	// ErrNilOption is returned when a nil Option is passed to New.
	ErrNilOption = errors.New("mongo option is nil")
	// ErrInvalidConfig indicates the provided mongo configuration is invalid.
	ErrInvalidConfig = errors.New("invalid mongo config")
	// ErrConnect wraps connection establishment failures.
	ErrConnect = errors.New("mongo connect failed")
	// ErrPing wraps connectivity probe failures.
	ErrPing = errors.New("mongo ping failed")
	// ErrCreateIndex wraps TTL index creation failures.
	ErrCreateIndex = errors.New("mongo create index failed")
)

// Config configures the MongoDB durable tier.
type Config struct {
	// URI is the MongoDB connection string.
	URI string

	// Database holds the cache collection.
	Database string

	// Collection stores one document per entry. Defaults to
	// "cache_entries".
	Collection string

	MaxPoolSize            uint64
	ServerSelectionTimeout time.Duration

	Logger         log.Logger
	MetricsFactory *metrics.MetricsFactory
}

// connectionFailuresMetric defines the counter for mongo connection failures.
var connectionFailuresMetric = metrics.Metric{
	Name:        "mongo_connection_failures_total",
	Unit:        "1",
	Description: "Total number of mongo connection failures",
}

// operationFailuresMetric defines the counter for failed store operations.
var operationFailuresMetric = metrics.Metric{
	Name:        "mongo_operation_failures_total",
	Unit:        "1",
	Description: "Total number of failed mongo store operations, by operation",
}

// document is the BSON shape of one cache entry. ExpiresAt duplicates the
// metadata expiry as a BSON date so the TTL index can reap it; the
// authoritative, nanosecond-precision expiry stays in Meta.
type document struct {
	Key       string         `bson:"_id"`
	Data      []byte         `bson:"data"`
	Meta      cache.Metadata `bson:"meta"`
	ExpiresAt time.Time      `bson:"expires_at,omitempty"`
}

// Store implements cache.DurableStore on a MongoDB collection.
type Store struct {
	cfg        Config
	logger     log.Logger
	client     *mongo.Client
	collection *mongo.Collection
	deps       storeDeps
}

var _ cache.DurableStore = (*Store)(nil)

// Option customizes internal store dependencies (primarily for tests).
type Option func(*storeDeps)

type storeDeps struct {
	connect     func(ctx context.Context, opts *options.ClientOptions) (*mongo.Client, error)
	ping        func(ctx context.Context, client *mongo.Client) error
	disconnect  func(ctx context.Context, client *mongo.Client) error
	createIndex func(ctx context.Context, client *mongo.Client, database, collection string, index mongo.IndexModel) error
}

func defaultDeps() storeDeps {
	return storeDeps{
		connect: func(ctx context.Context, clientOptions *options.ClientOptions) (*mongo.Client, error) {
			return mongo.Connect(ctx, clientOptions)
		},
		ping: func(ctx context.Context, client *mongo.Client) error {
			return client.Ping(ctx, nil)
		},
		disconnect: func(ctx context.Context, client *mongo.Client) error {
			return client.Disconnect(ctx)
		},
		createIndex: func(ctx context.Context, client *mongo.Client, database, collection string, index mongo.IndexModel) error {
			_, err := client.Database(database).Collection(collection).Indexes().CreateOne(ctx, index)

			return err
		},
	}
}

// New validates config, connects to MongoDB, verifies the connection with a
// ping, and returns a ready store.
func New(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	normalized, err := normalizeConfig(cfg)
	if err != nil {
		return nil, err
	}

	deps := defaultDeps()

	for _, opt := range opts {
		if opt == nil {
			return nil, ErrNilOption
		}

		opt(&deps)
	}

	clientOptions := options.Client().
		ApplyURI(normalized.URI).
		SetServerSelectionTimeout(normalized.ServerSelectionTimeout)

	if normalized.MaxPoolSize > 0 {
		clientOptions.SetMaxPoolSize(normalized.MaxPoolSize)
	}

	s := &Store{
		cfg:    normalized,
		logger: normalized.Logger,
		deps:   deps,
	}

	client, err := deps.connect(ctx, clientOptions)
	if err != nil {
		s.recordConnectionFailure(ctx, "connect")
		s.logger.Log(ctx, log.LevelError, "mongo connect failed", log.Err(err))

		return nil, fmt.Errorf("%w: %w", ErrConnect, err)
	}

	if err := deps.ping(ctx, client); err != nil {
		if disconnectErr := deps.disconnect(ctx, client); disconnectErr != nil {
			s.logger.Log(ctx, log.LevelWarn, "failed to disconnect after ping failure", log.Err(disconnectErr))
		}

		s.recordConnectionFailure(ctx, "ping")
		s.logger.Log(ctx, log.LevelError, "mongo ping failed", log.Err(err))

		return nil, fmt.Errorf("%w: %w", ErrPing, err)
	}

	s.client = client
	s.collection = client.Database(normalized.Database).Collection(normalized.Collection)

	s.logger.Log(ctx, log.LevelInfo, "connected to MongoDB durable tier")

	return s, nil
}

// EnsureTTLIndex creates the server-side reaper index on expires_at. With
// ExpireAfterSeconds 0 the server removes each document once its expires_at
// passes. Creation is idempotent; call once at startup.
func (s *Store) EnsureTTLIndex(ctx context.Context) error {
	if s == nil {
		return ErrNilStore
	}

	tracer := otel.Tracer("mongo")

	ctx, span := tracer.Start(ctx, "mongo.ensure_ttl_index")
	defer span.End()

	span.SetAttributes(
		attribute.String(libOpentelemetry.AttrDBSystem, libOpentelemetry.DBSystemMongoDB),
		attribute.String(libOpentelemetry.AttrDBMongoDBCollection, s.cfg.Collection),
	)

	s.logger.Log(ctx, log.LevelDebug, "ensuring cache TTL index",
		log.String("collection", s.cfg.Collection))

	if err := s.deps.createIndex(ctx, s.client, s.cfg.Database, s.cfg.Collection, ttlIndexModel()); err != nil {
		indexErr := fmt.Errorf("%w: %w", ErrCreateIndex, err)
		libOpentelemetry.HandleSpanError(&span, "Failed to create mongo TTL index", indexErr)

		return indexErr
	}

	return nil
}

// Put upserts the document for key.
func (s *Store) Put(ctx context.Context, key string, data []byte, meta cache.Metadata) error {
	if s == nil {
		return ErrNilStore
	}

	tracer := otel.Tracer("mongo")

	ctx, span := tracer.Start(ctx, "mongo.put")
	defer span.End()

	span.SetAttributes(
		attribute.String(libOpentelemetry.AttrDBSystem, libOpentelemetry.DBSystemMongoDB),
		attribute.String(libOpentelemetry.AttrDBMongoDBCollection, s.cfg.Collection),
		attribute.String(libOpentelemetry.AttrCacheKey, key),
	)

	replaceOptions := options.Replace().SetUpsert(true)

	if _, err := s.collection.ReplaceOne(ctx, bson.M{"_id": key}, toDocument(key, data, meta), replaceOptions); err != nil {
		s.recordOperationFailure(ctx, "put")
		libOpentelemetry.HandleSpanError(&span, "Failed to upsert mongo document", err)

		return fmt.Errorf("mongo put %q: %w", key, err)
	}

	return nil
}

// Get returns the payload and metadata stored under key, or
// cache.ErrKeyNotFound when no document exists.
func (s *Store) Get(ctx context.Context, key string) ([]byte, cache.Metadata, error) {
	if s == nil {
		return nil, nil, ErrNilStore
	}

	tracer := otel.Tracer("mongo")

	ctx, span := tracer.Start(ctx, "mongo.get")
	defer span.End()

	span.SetAttributes(
		attribute.String(libOpentelemetry.AttrDBSystem, libOpentelemetry.DBSystemMongoDB),
		attribute.String(libOpentelemetry.AttrDBMongoDBCollection, s.cfg.Collection),
		attribute.String(libOpentelemetry.AttrCacheKey, key),
	)

	var doc document

	err := s.collection.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)

	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return nil, nil, fmt.Errorf("mongo get %q: %w", key, cache.ErrKeyNotFound)
	case err != nil:
		s.recordOperationFailure(ctx, "get")
		libOpentelemetry.HandleSpanError(&span, "Failed to read mongo document", err)

		return nil, nil, fmt.Errorf("mongo get %q: %w", key, err)
	}

	return doc.Data, doc.Meta, nil
}

// Delete removes the document for key. Deleting an absent key is not an
// error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if s == nil {
		return ErrNilStore
	}

	tracer := otel.Tracer("mongo")

	ctx, span := tracer.Start(ctx, "mongo.delete")
	defer span.End()

	span.SetAttributes(
		attribute.String(libOpentelemetry.AttrDBSystem, libOpentelemetry.DBSystemMongoDB),
		attribute.String(libOpentelemetry.AttrDBMongoDBCollection, s.cfg.Collection),
		attribute.String(libOpentelemetry.AttrCacheKey, key),
	)

	if _, err := s.collection.DeleteOne(ctx, bson.M{"_id": key}); err != nil {
		s.recordOperationFailure(ctx, "delete")
		libOpentelemetry.HandleSpanError(&span, "Failed to delete mongo document", err)

		return fmt.Errorf("mongo delete %q: %w", key, err)
	}

	return nil
}

// ListByPrefix returns the _id of every document whose key starts with
// prefix.
func (s *Store) ListByPrefix(ctx context.Context, prefix string) ([]string, error) {
	if s == nil {
		return nil, ErrNilStore
	}

	tracer := otel.Tracer("mongo")

	ctx, span := tracer.Start(ctx, "mongo.list_by_prefix")
	defer span.End()

	span.SetAttributes(
		attribute.String(libOpentelemetry.AttrDBSystem, libOpentelemetry.DBSystemMongoDB),
		attribute.String(libOpentelemetry.AttrDBMongoDBCollection, s.cfg.Collection),
		attribute.String(libOpentelemetry.AttrCachePrefix, prefix),
	)

	findOptions := options.Find().SetProjection(bson.M{"_id": 1})

	cursor, err := s.collection.Find(ctx, prefixFilter(prefix), findOptions)
	if err != nil {
		s.recordOperationFailure(ctx, "list")
		libOpentelemetry.HandleSpanError(&span, "Failed to list mongo documents", err)

		return nil, fmt.Errorf("mongo list %q: %w", prefix, err)
	}

	defer func() { _ = cursor.Close(ctx) }()

	var keys []string

	for cursor.Next(ctx) {
		var doc struct {
			Key string `bson:"_id"`
		}

		if err := cursor.Decode(&doc); err != nil {
			s.recordOperationFailure(ctx, "list")
			libOpentelemetry.HandleSpanError(&span, "Failed to decode mongo key", err)

			return nil, fmt.Errorf("mongo list %q: decode: %w", prefix, err)
		}

		keys = append(keys, doc.Key)
	}

	if err := cursor.Err(); err != nil {
		s.recordOperationFailure(ctx, "list")
		libOpentelemetry.HandleSpanError(&span, "Failed to iterate mongo cursor", err)

		return nil, fmt.Errorf("mongo list %q: %w", prefix, err)
	}

	return keys, nil
}

// Close disconnects from MongoDB. Closing twice is safe.
func (s *Store) Close(ctx context.Context) error {
	if s == nil {
		return ErrNilStore
	}

	if s.client == nil {
		return nil
	}

	err := s.deps.disconnect(ctx, s.client)
	s.client = nil

	if err != nil {
		return fmt.Errorf("mongo disconnect: %w", err)
	}

	return nil
}

// toDocument maps one cache entry to its BSON document. The metadata expiry,
// when present, is copied into the TTL-indexed expires_at date field.
func toDocument(key string, data []byte, meta cache.Metadata) document {
	doc := document{
		Key:  key,
		Data: data,
		Meta: meta,
	}

	if expiresAt, hasExpiry := meta.ExpiresAt(); hasExpiry {
		doc.ExpiresAt = expiresAt.UTC()
	}

	return doc
}

// prefixFilter matches every _id starting with prefix. QuoteMeta keeps
// namespace characters from being read as regex syntax.
func prefixFilter(prefix string) bson.M {
	return bson.M{"_id": primitive.Regex{Pattern: "^" + regexp.QuoteMeta(prefix)}}
}

// ttlIndexModel is the reaper index: ExpireAfterSeconds 0 deletes each
// document as soon as its expires_at date passes.
func ttlIndexModel() mongo.IndexModel {
	return mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	}
}

func normalizeConfig(cfg Config) (Config, error) {
	if cfg.Logger == nil {
		cfg.Logger = &log.NopLogger{}
	}

	if cfg.Collection == "" {
		cfg.Collection = defaultCollection
	}

	if cfg.ServerSelectionTimeout == 0 {
		cfg.ServerSelectionTimeout = defaultServerSelectionTimeout
	}

	if cfg.MaxPoolSize > maxMaxPoolSize {
		cfg.MaxPoolSize = maxMaxPoolSize
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.URI) == "" {
		return configError("URI is required")
	}

	if strings.TrimSpace(cfg.Database) == "" {
		return configError("database name is required")
	}

	if strings.TrimSpace(cfg.Collection) == "" {
		return configError("collection name cannot be blank")
	}

	if cfg.ServerSelectionTimeout < 0 {
		return configError("server selection timeout cannot be negative")
	}

	return nil
}

// recordConnectionFailure increments the mongo connection failure counter.
// No-op when no metrics factory is configured.
func (s *Store) recordConnectionFailure(ctx context.Context, operation string) {
	if s.cfg.MetricsFactory == nil {
		return
	}

	counter, err := s.cfg.MetricsFactory.Counter(connectionFailuresMetric)
	if err != nil {
		s.logger.Log(ctx, log.LevelWarn, "failed to create mongo metric counter", log.Err(err))

		return
	}

	err = counter.
		WithLabels(map[string]string{
			"operation": metrics.SanitizeMetricLabel(operation),
		}).
		AddOne(ctx)
	if err != nil {
		s.logger.Log(ctx, log.LevelWarn, "failed to record mongo metric", log.Err(err))
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
		s.logger.Log(ctx, log.LevelWarn, "failed to create mongo metric counter", log.Err(err))

		return
	}

	err = counter.
		WithLabels(map[string]string{
			"operation": metrics.SanitizeMetricLabel(operation),
		}).
		AddOne(ctx)
	if err != nil {
		s.logger.Log(ctx, log.LevelWarn, "failed to record mongo metric", log.Err(err))
	}
}

func configError(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, msg)
}
