package readthrough

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/everkind/lib-resilience/resilience/cache"
	"github.com/everkind/lib-resilience/resilience/circuitbreaker"
	"github.com/everkind/lib-resilience/resilience/log"
	libOpentelemetry "github.com/everkind/lib-resilience/resilience/opentelemetry"
	"github.com/everkind/lib-resilience/resilience/opentelemetry/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrNilFetcher is returned when a fetcher receiver is nil.
	ErrNilFetcher = errors.New("readthrough fetcher is nil")
	// ErrInvalidConfig indicates the provided fetcher configuration is invalid.
	ErrInvalidConfig = errors.New("invalid readthrough config")
	// ErrInvalidRequest indicates a fetch request is missing a required field.
	ErrInvalidRequest = errors.New("invalid fetch request")
)

// Load result labels.
const (
	resultSuccess  = "success"
	resultFailure  = "failure"
	resultFallback = "fallback"
)

// loadsMetric counts loads that reached the dependency, by outcome.
var loadsMetric = metrics.Metric{
	Name:        "readthrough_loads_total",
	Unit:        "1",
	Description: "Total number of read-through loads, by namespace and result",
}

// coalescedMetric counts fetches that shared another caller's in-flight load
// instead of issuing their own.
var coalescedMetric = metrics.Metric{
	Name:        "readthrough_coalesced_loads_total",
	Unit:        "1",
	Description: "Total number of fetches coalesced onto an in-flight load",
}

// staleServesMetric counts expired entries served while a guard was open.
var staleServesMetric = metrics.Metric{
	Name:        "readthrough_stale_serves_total",
	Unit:        "1",
	Description: "Total number of stale cache entries served during an outage",
}

// Config wires a Fetcher to its cache and guard registry. Both are required;
// the same registry can back any number of fetchers.
type Config struct {
	Cache    *cache.Store
	Breakers *circuitbreaker.Registry

	// Logger receives writeback failures and stale-serve notices. Defaults
	// to a NopLogger.
	Logger log.Logger

	// MetricsFactory emits load/coalesce/stale counters. Nil disables
	// metrics.
	MetricsFactory *metrics.MetricsFactory
}

// FetchRequest describes one read-through lookup.
type FetchRequest struct {
	// Namespace and Key address the cache entry, with the same rules the
	// cache applies on writes.
	Namespace string
	Key       string

	// Dependency names the guard that protects Load. Dependencies not yet
	// present in the registry are created with the default guard config;
	// register tuned guards up front to override.
	Dependency string

	// TTL is the base time-to-live for the writeback. Non-positive means
	// the cache default. The effective TTL is adapted to how recently the
	// key was read.
	TTL time.Duration

	// Load fetches the value from the dependency on a cache miss.
	Load func(ctx context.Context) (any, error)

	// Fallback, when set, substitutes failed or rejected loads. Fallback
	// results are returned to the caller but never written back, so the
	// cache retries the dependency as soon as it recovers. When both
	// Fallback and ServeStaleOnOpen are set, Fallback wins.
	Fallback circuitbreaker.Fallback

	// ServeStaleOnOpen serves the expired cache entry, when one survives,
	// instead of failing a load the open guard rejected.
	ServeStaleOnOpen bool
}

// Fetcher is the read-through composition of the tiered cache and the guard
// registry. Concurrent fetches for the same (namespace, key) share a single
// load.
type Fetcher struct {
	cache          *cache.Store
	breakers       *circuitbreaker.Registry
	logger         log.Logger
	metricsFactory *metrics.MetricsFactory

	flights singleflight.Group
}

// New validates cfg and returns a ready Fetcher.
func New(cfg Config) (*Fetcher, error) {
	if cfg.Cache == nil {
		return nil, configError("cache store is required")
	}

	if cfg.Breakers == nil {
		return nil, configError("breaker registry is required")
	}

	if cfg.Logger == nil {
		cfg.Logger = &log.NopLogger{}
	}

	return &Fetcher{
		cache:          cfg.Cache,
		breakers:       cfg.Breakers,
		logger:         cfg.Logger,
		metricsFactory: cfg.MetricsFactory,
	}, nil
}

// Fetch returns the value for (namespace, key), loading it through the named
// guard on a miss and writing the result back with an access-aware TTL.
// Identical concurrent misses are coalesced: one caller's Load runs, everyone
// gets its result. The first caller's request drives the shared flight.
//
// Loader errors propagate unchanged. A caller whose context ends while the
// shared load is still running gets its context error; the load itself is
// not cancelled and still writes back for the next fetch.
func (f *Fetcher) Fetch(ctx context.Context, req FetchRequest) (any, error) {
	if f == nil {
		return nil, ErrNilFetcher
	}

	if err := validateRequest(req); err != nil {
		return nil, err
	}

	tracer := otel.Tracer("readthrough")

	ctx, span := tracer.Start(ctx, "readthrough.fetch")
	defer span.End()

	// Raw keys may embed user identifiers; only the namespace goes on the
	// span.
	span.SetAttributes(
		attribute.String(libOpentelemetry.AttrCacheNamespace, req.Namespace),
	)

	if value, found := f.cache.Get(ctx, req.Namespace, req.Key); found {
		return value, nil
	}

	// The shared load is detached from this caller's cancellation so one
	// impatient caller cannot abort the flight for everyone coalesced onto
	// it. Context values (trace context included) survive.
	loadCtx := context.WithoutCancel(ctx)

	ch := f.flights.DoChan(flightKey(req.Namespace, req.Key), func() (any, error) {
		return f.load(loadCtx, req)
	})

	select {
	case result := <-ch:
		if result.Shared {
			f.recordCoalesced(ctx, req.Namespace)
		}

		if result.Err != nil {
			libOpentelemetry.HandleSpanError(&span, "read-through load failed", result.Err)

			return nil, result.Err
		}

		return result.Val, nil
	case <-ctx.Done():
		libOpentelemetry.HandleSpanError(&span, "fetch abandoned", ctx.Err())

		return nil, ctx.Err()
	}
}

// load runs once per flight: re-check the cache, call the dependency through
// its guard, and write a live result back.
func (f *Fetcher) load(ctx context.Context, req FetchRequest) (any, error) {
	// A flight that finished between this caller's miss and DoChan has
	// already written the entry back.
	if value, found := f.cache.Get(ctx, req.Namespace, req.Key); found {
		return value, nil
	}

	breaker, err := f.breakers.GetOrCreate(req.Dependency, circuitbreaker.DefaultConfig())
	if err != nil {
		return nil, err
	}

	operation := func() (any, error) {
		return req.Load(ctx)
	}

	var (
		fellBack bool
		result   any
	)

	if req.Fallback != nil {
		fallback := func(cause error) (any, error) {
			fellBack = true

			return req.Fallback(cause)
		}

		result, err = breaker.ExecuteWithFallback(operation, fallback)
	} else {
		result, err = breaker.Execute(operation)
	}

	if err != nil {
		if req.ServeStaleOnOpen && errors.Is(err, circuitbreaker.ErrOpen) {
			if stale, found := f.cache.GetStale(ctx, req.Namespace, req.Key); found {
				f.recordStaleServe(ctx, req.Namespace)
				f.logger.Log(ctx, log.LevelWarn, "guard open; serving stale cache entry",
					log.String("namespace", req.Namespace),
					log.String("dependency", req.Dependency))

				return stale, nil
			}
		}

		f.recordLoad(ctx, req.Namespace, resultFailure)

		return nil, err
	}

	if fellBack {
		f.recordLoad(ctx, req.Namespace, resultFallback)

		return result, nil
	}

	f.recordLoad(ctx, req.Namespace, resultSuccess)

	ttl := f.cache.AdaptiveTTL(req.Namespace, req.Key, req.TTL)

	if writeErr := f.cache.SetWithTTL(ctx, req.Namespace, req.Key, result, ttl); writeErr != nil {
		f.logger.Log(ctx, log.LevelWarn, "cache writeback failed",
			log.String("namespace", req.Namespace),
			log.Err(writeErr))
	}

	return result, nil
}

func validateRequest(req FetchRequest) error {
	if strings.TrimSpace(req.Namespace) == "" {
		return requestError("namespace is required")
	}

	if strings.TrimSpace(req.Key) == "" {
		return requestError("key is required")
	}

	if strings.TrimSpace(req.Dependency) == "" {
		return requestError("dependency name is required")
	}

	if req.Load == nil {
		return requestError("load function is required")
	}

	return nil
}

func flightKey(namespace, key string) string {
	return namespace + ":" + key
}

// recordLoad increments the load counter for the namespace and outcome.
// No-op when no metrics factory is configured.
func (f *Fetcher) recordLoad(ctx context.Context, namespace, result string) {
	if f.metricsFactory == nil {
		return
	}

	counter, err := f.metricsFactory.Counter(loadsMetric)
	if err != nil {
		f.logger.Log(ctx, log.LevelWarn, "failed to create readthrough metric counter", log.Err(err))

		return
	}

	err = counter.
		WithLabels(map[string]string{
			"namespace": metrics.SanitizeMetricLabel(namespace),
			"result":    result,
		}).
		AddOne(ctx)
	if err != nil {
		f.logger.Log(ctx, log.LevelWarn, "failed to record readthrough metric", log.Err(err))
	}
}

// recordCoalesced increments the coalesced-fetch counter. No-op when no
// metrics factory is configured.
func (f *Fetcher) recordCoalesced(ctx context.Context, namespace string) {
	if f.metricsFactory == nil {
		return
	}

	counter, err := f.metricsFactory.Counter(coalescedMetric)
	if err != nil {
		f.logger.Log(ctx, log.LevelWarn, "failed to create readthrough metric counter", log.Err(err))

		return
	}

	err = counter.
		WithLabels(map[string]string{
			"namespace": metrics.SanitizeMetricLabel(namespace),
		}).
		AddOne(ctx)
	if err != nil {
		f.logger.Log(ctx, log.LevelWarn, "failed to record readthrough metric", log.Err(err))
	}
}

// recordStaleServe increments the stale-serve counter. No-op when no metrics
// factory is configured.
func (f *Fetcher) recordStaleServe(ctx context.Context, namespace string) {
	if f.metricsFactory == nil {
		return
	}

	counter, err := f.metricsFactory.Counter(staleServesMetric)
	if err != nil {
		f.logger.Log(ctx, log.LevelWarn, "failed to create readthrough metric counter", log.Err(err))

		return
	}

	err = counter.
		WithLabels(map[string]string{
			"namespace": metrics.SanitizeMetricLabel(namespace),
		}).
		AddOne(ctx)
	if err != nil {
		f.logger.Log(ctx, log.LevelWarn, "failed to record readthrough metric", log.Err(err))
	}
}

func configError(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, msg)
}

func requestError(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, msg)
}
