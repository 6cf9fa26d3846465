//go:build unit

package readthrough

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/everkind/lib-resilience/resilience/cache"
	"github.com/everkind/lib-resilience/resilience/circuitbreaker"
	"github.com/everkind/lib-resilience/resilience/log"
	"github.com/everkind/lib-resilience/resilience/opentelemetry/metrics"
)

var errUpstream = errors.New("upstream unavailable")

// trippableConfig opens after a single failure and stays open for the rest
// of the test.
func trippableConfig() circuitbreaker.Config {
	return circuitbreaker.Config{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Hour,
	}
}

func newTestFetcher(t *testing.T) (*Fetcher, *cache.Store, *circuitbreaker.Registry) {
	t.Helper()

	store, err := cache.New(cache.Config{Logger: &log.NopLogger{}})
	require.NoError(t, err)
	t.Cleanup(store.Close)

	registry, err := circuitbreaker.NewRegistry(&log.NopLogger{})
	require.NoError(t, err)

	fetcher, err := New(Config{Cache: store, Breakers: registry, Logger: &log.NopLogger{}})
	require.NoError(t, err)

	return fetcher, store, registry
}

// counterValue sums the data points of a counter metric recorded through the
// given reader, filtered by the wanted attributes.
func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string, want map[string]string) int64 {
	t.Helper()

	var rm metricdata.ResourceMetrics

	require.NoError(t, reader.Collect(context.Background(), &rm))

	var total int64

	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}

			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}

		points:
			for _, dp := range sum.DataPoints {
				for key, value := range want {
					got, found := dp.Attributes.Value(attribute.Key(key))
					if !found || got.AsString() != value {
						continue points
					}
				}

				total += dp.Value
			}
		}
	}

	return total
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	store, err := cache.New(cache.Config{})
	require.NoError(t, err)
	t.Cleanup(store.Close)

	registry, err := circuitbreaker.NewRegistry(&log.NopLogger{})
	require.NoError(t, err)

	_, err = New(Config{Breakers: registry})
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.ErrorContains(t, err, "cache store")

	_, err = New(Config{Cache: store})
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.ErrorContains(t, err, "breaker registry")

	fetcher, err := New(Config{Cache: store, Breakers: registry})
	require.NoError(t, err)
	assert.NotNil(t, fetcher)
}

func TestFetch_InvalidRequest(t *testing.T) {
	t.Parallel()

	fetcher, _, _ := newTestFetcher(t)

	load := func(_ context.Context) (any, error) { return "value", nil }

	tests := []struct {
		name string
		req  FetchRequest
	}{
		{
			name: "missing namespace",
			req:  FetchRequest{Key: "k", Dependency: "dep", Load: load},
		},
		{
			name: "blank key",
			req:  FetchRequest{Namespace: "conversation", Key: "   ", Dependency: "dep", Load: load},
		},
		{
			name: "missing dependency",
			req:  FetchRequest{Namespace: "conversation", Key: "k", Load: load},
		},
		{
			name: "nil loader",
			req:  FetchRequest{Namespace: "conversation", Key: "k", Dependency: "dep"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := fetcher.Fetch(context.Background(), tt.req)
			require.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestFetch_CacheHitSkipsLoad(t *testing.T) {
	t.Parallel()

	fetcher, store, _ := newTestFetcher(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "conversation", "recent-summary", "talked about the garden"))

	var loads atomic.Int32

	value, err := fetcher.Fetch(ctx, FetchRequest{
		Namespace:  "conversation",
		Key:        "recent-summary",
		Dependency: "conversation-db",
		Load: func(_ context.Context) (any, error) {
			loads.Add(1)

			return nil, errUpstream
		},
	})

	require.NoError(t, err)
	assert.Equal(t, "talked about the garden", value)
	assert.Equal(t, int32(0), loads.Load())
}

func TestFetch_MissLoadsAndWritesBack(t *testing.T) {
	t.Parallel()

	fetcher, store, _ := newTestFetcher(t)
	ctx := context.Background()

	var loads atomic.Int32

	req := FetchRequest{
		Namespace:  "weather",
		Key:        "today",
		Dependency: "weather-api",
		TTL:        10 * time.Minute,
		Load: func(_ context.Context) (any, error) {
			loads.Add(1)

			return "sunny, 22 degrees", nil
		},
	}

	value, err := fetcher.Fetch(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "sunny, 22 degrees", value)

	cached, found := store.Get(ctx, "weather", "today")
	require.True(t, found)
	assert.Equal(t, "sunny, 22 degrees", cached)

	// The second fetch is served from the cache.
	value, err = fetcher.Fetch(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "sunny, 22 degrees", value)
	assert.Equal(t, int32(1), loads.Load())
}

func TestFetch_LoaderErrorPropagates(t *testing.T) {
	t.Parallel()

	fetcher, store, _ := newTestFetcher(t)
	ctx := context.Background()

	var loads atomic.Int32

	req := FetchRequest{
		Namespace:  "webpage",
		Key:        "https://example.com/news",
		Dependency: "web-fetch",
		Load: func(_ context.Context) (any, error) {
			loads.Add(1)

			return nil, errUpstream
		},
	}

	_, err := fetcher.Fetch(ctx, req)
	require.ErrorIs(t, err, errUpstream)
	assert.Equal(t, 0, store.Len())

	// Errors are not cached: the next fetch loads again.
	_, err = fetcher.Fetch(ctx, req)
	require.ErrorIs(t, err, errUpstream)
	assert.Equal(t, int32(2), loads.Load())
}

func TestFetch_CoalescesConcurrentLoads(t *testing.T) {
	t.Parallel()

	fetcher, _, _ := newTestFetcher(t)

	var loads atomic.Int32

	entered := make(chan struct{})
	release := make(chan struct{})

	req := FetchRequest{
		Namespace:  "conversation",
		Key:        "history",
		Dependency: "conversation-db",
		Load: func(_ context.Context) (any, error) {
			loads.Add(1)
			close(entered)
			<-release

			return "loaded history", nil
		},
	}

	const callers = 8

	values := make(chan any, callers)
	errs := make(chan error, callers)

	var wg sync.WaitGroup

	for i := 0; i < callers; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			value, err := fetcher.Fetch(context.Background(), req)
			values <- value
			errs <- err
		}()
	}

	<-entered
	close(release)
	wg.Wait()
	close(values)
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	for value := range values {
		assert.Equal(t, "loaded history", value)
	}

	// Every caller either joined the single flight or hit the entry it
	// wrote back; the loader ran exactly once.
	assert.Equal(t, int32(1), loads.Load())
}

func TestFetch_GuardOpenRejectsLoad(t *testing.T) {
	t.Parallel()

	fetcher, _, registry := newTestFetcher(t)
	ctx := context.Background()

	_, err := registry.GetOrCreate("flaky-api", trippableConfig())
	require.NoError(t, err)

	var loads atomic.Int32

	req := FetchRequest{
		Namespace:  "webpage",
		Key:        "https://example.com",
		Dependency: "flaky-api",
		Load: func(_ context.Context) (any, error) {
			loads.Add(1)

			return nil, errUpstream
		},
	}

	_, err = fetcher.Fetch(ctx, req)
	require.ErrorIs(t, err, errUpstream)
	require.Equal(t, circuitbreaker.StateOpen, registry.State("flaky-api"))

	// The open guard rejects before the loader runs.
	_, err = fetcher.Fetch(ctx, req)
	require.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, int32(1), loads.Load())
}

func TestFetch_ServeStaleOnOpen(t *testing.T) {
	t.Parallel()

	fetcher, store, registry := newTestFetcher(t)
	ctx := context.Background()

	// An expired entry survives in the volatile tier until Cleanup sweeps it.
	require.NoError(t, store.SetWithTTL(ctx, "medication", "daily-plan", "10am donepezil", time.Nanosecond))
	time.Sleep(2 * time.Millisecond)

	_, found := store.Get(ctx, "medication", "daily-plan")
	require.False(t, found)

	_, err := registry.GetOrCreate("medication-db", trippableConfig())
	require.NoError(t, err)

	var loads atomic.Int32

	req := FetchRequest{
		Namespace:        "medication",
		Key:              "daily-plan",
		Dependency:       "medication-db",
		ServeStaleOnOpen: true,
		Load: func(_ context.Context) (any, error) {
			loads.Add(1)

			return nil, errUpstream
		},
	}

	_, err = fetcher.Fetch(ctx, req)
	require.ErrorIs(t, err, errUpstream)

	value, err := fetcher.Fetch(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "10am donepezil", value)
	assert.Equal(t, int32(1), loads.Load())
}

func TestFetch_ServeStaleOnOpenWithoutEntry(t *testing.T) {
	t.Parallel()

	fetcher, _, registry := newTestFetcher(t)
	ctx := context.Background()

	_, err := registry.GetOrCreate("medication-db", trippableConfig())
	require.NoError(t, err)

	req := FetchRequest{
		Namespace:        "medication",
		Key:              "daily-plan",
		Dependency:       "medication-db",
		ServeStaleOnOpen: true,
		Load: func(_ context.Context) (any, error) {
			return nil, errUpstream
		},
	}

	_, err = fetcher.Fetch(ctx, req)
	require.ErrorIs(t, err, errUpstream)

	// No stale entry to fall back on: the rejection propagates.
	_, err = fetcher.Fetch(ctx, req)
	require.ErrorIs(t, err, circuitbreaker.ErrOpen)
}

func TestFetch_FallbackResultNotCached(t *testing.T) {
	t.Parallel()

	fetcher, store, _ := newTestFetcher(t)
	ctx := context.Background()

	var loads atomic.Int32

	req := FetchRequest{
		Namespace:  "speech",
		Key:        "greeting",
		Dependency: "speech-api",
		Load: func(_ context.Context) (any, error) {
			loads.Add(1)

			return nil, errUpstream
		},
		Fallback: func(_ error) (any, error) {
			return "text-only reply", nil
		},
	}

	value, err := fetcher.Fetch(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "text-only reply", value)

	// Degraded values are never written back, so the dependency is retried.
	assert.Equal(t, 0, store.Len())

	_, err = fetcher.Fetch(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int32(2), loads.Load())
}

func TestFetch_FallbackOnOpenGuard(t *testing.T) {
	t.Parallel()

	fetcher, store, registry := newTestFetcher(t)
	ctx := context.Background()

	_, err := registry.GetOrCreate("speech-api", trippableConfig())
	require.NoError(t, err)

	var loads atomic.Int32

	failing := FetchRequest{
		Namespace:  "speech",
		Key:        "greeting",
		Dependency: "speech-api",
		Load: func(_ context.Context) (any, error) {
			loads.Add(1)

			return nil, errUpstream
		},
	}

	_, err = fetcher.Fetch(ctx, failing)
	require.ErrorIs(t, err, errUpstream)
	require.Equal(t, circuitbreaker.StateOpen, registry.State("speech-api"))

	withFallback := failing
	withFallback.Fallback = func(_ error) (any, error) {
		return "text-only reply", nil
	}

	value, err := fetcher.Fetch(ctx, withFallback)
	require.NoError(t, err)
	assert.Equal(t, "text-only reply", value)
	assert.Equal(t, int32(1), loads.Load())

	// Once the guard resets, the loader runs again and the live result is
	// cached.
	require.NoError(t, registry.Reset("speech-api"))

	recovered := failing
	recovered.Load = func(_ context.Context) (any, error) {
		return "synthesized greeting", nil
	}

	value, err = fetcher.Fetch(ctx, recovered)
	require.NoError(t, err)
	assert.Equal(t, "synthesized greeting", value)
	assert.Equal(t, 1, store.Len())
}

func TestFetch_CanceledCallerDoesNotAbortFlight(t *testing.T) {
	t.Parallel()

	fetcher, store, _ := newTestFetcher(t)

	entered := make(chan struct{})
	release := make(chan struct{})

	req := FetchRequest{
		Namespace:  "photos",
		Key:        "album-cover",
		Dependency: "photo-storage",
		Load: func(loadCtx context.Context) (any, error) {
			close(entered)
			<-release

			// The shared load survives the caller's cancellation.
			if err := loadCtx.Err(); err != nil {
				return nil, err
			}

			return "album-cover-bytes", nil
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fetchErr := make(chan error, 1)

	go func() {
		_, err := fetcher.Fetch(ctx, req)
		fetchErr <- err
	}()

	<-entered
	cancel()

	select {
	case err := <-fetchErr:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("fetch did not return after cancellation")
	}

	close(release)

	// The detached flight completes and writes back for the next fetch.
	require.Eventually(t, func() bool {
		_, found := store.Get(context.Background(), "photos", "album-cover")

		return found
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFetch_RecordsMetrics(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	factory, err := metrics.NewMetricsFactory(provider.Meter("test"), &log.NopLogger{})
	require.NoError(t, err)

	store, err := cache.New(cache.Config{Logger: &log.NopLogger{}})
	require.NoError(t, err)
	t.Cleanup(store.Close)

	registry, err := circuitbreaker.NewRegistry(&log.NopLogger{})
	require.NoError(t, err)

	fetcher, err := New(Config{
		Cache:          store,
		Breakers:       registry,
		Logger:         &log.NopLogger{},
		MetricsFactory: factory,
	})
	require.NoError(t, err)

	ctx := context.Background()

	_, err = fetcher.Fetch(ctx, FetchRequest{
		Namespace:  "conversation",
		Key:        "summary",
		Dependency: "conversation-db",
		Load:       func(_ context.Context) (any, error) { return "summary text", nil },
	})
	require.NoError(t, err)

	_, err = fetcher.Fetch(ctx, FetchRequest{
		Namespace:  "weather",
		Key:        "today",
		Dependency: "weather-api",
		Load:       func(_ context.Context) (any, error) { return nil, errUpstream },
	})
	require.ErrorIs(t, err, errUpstream)

	_, err = fetcher.Fetch(ctx, FetchRequest{
		Namespace:  "speech",
		Key:        "greeting",
		Dependency: "speech-api",
		Load:       func(_ context.Context) (any, error) { return nil, errUpstream },
		Fallback:   func(_ error) (any, error) { return "text-only reply", nil },
	})
	require.NoError(t, err)

	// Stale serve: an expired entry plus an open guard.
	require.NoError(t, store.SetWithTTL(ctx, "medication", "daily-plan", "10am donepezil", time.Nanosecond))
	time.Sleep(2 * time.Millisecond)

	_, err = registry.GetOrCreate("medication-db", trippableConfig())
	require.NoError(t, err)

	stale := FetchRequest{
		Namespace:        "medication",
		Key:              "daily-plan",
		Dependency:       "medication-db",
		ServeStaleOnOpen: true,
		Load:             func(_ context.Context) (any, error) { return nil, errUpstream },
	}

	_, err = fetcher.Fetch(ctx, stale)
	require.ErrorIs(t, err, errUpstream)

	_, err = fetcher.Fetch(ctx, stale)
	require.NoError(t, err)

	loads := "readthrough_loads_total"
	assert.Equal(t, int64(1), counterValue(t, reader, loads, map[string]string{"namespace": "conversation", "result": "success"}))
	assert.Equal(t, int64(1), counterValue(t, reader, loads, map[string]string{"namespace": "weather", "result": "failure"}))
	assert.Equal(t, int64(1), counterValue(t, reader, loads, map[string]string{"namespace": "speech", "result": "fallback"}))
	assert.Equal(t, int64(1), counterValue(t, reader, "readthrough_stale_serves_total", map[string]string{"namespace": "medication"}))
}

func TestFetch_RecordsCoalescedLoads(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	factory, err := metrics.NewMetricsFactory(provider.Meter("test"), &log.NopLogger{})
	require.NoError(t, err)

	store, err := cache.New(cache.Config{Logger: &log.NopLogger{}})
	require.NoError(t, err)
	t.Cleanup(store.Close)

	registry, err := circuitbreaker.NewRegistry(&log.NopLogger{})
	require.NoError(t, err)

	fetcher, err := New(Config{
		Cache:          store,
		Breakers:       registry,
		Logger:         &log.NopLogger{},
		MetricsFactory: factory,
	})
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})

	req := FetchRequest{
		Namespace:  "conversation",
		Key:        "history",
		Dependency: "conversation-db",
		Load: func(_ context.Context) (any, error) {
			close(entered)
			<-release

			return "loaded history", nil
		},
	}

	leaderErr := make(chan error, 1)

	go func() {
		_, err := fetcher.Fetch(context.Background(), req)
		leaderErr <- err
	}()

	<-entered

	followerErr := make(chan error, 1)
	started := make(chan struct{})

	go func() {
		close(started)

		_, err := fetcher.Fetch(context.Background(), req)
		followerErr <- err
	}()

	// Give the follower a moment to reach the in-flight load before
	// releasing it.
	<-started
	time.Sleep(50 * time.Millisecond)
	close(release)

	require.NoError(t, <-leaderErr)
	require.NoError(t, <-followerErr)

	coalesced := counterValue(t, reader, "readthrough_coalesced_loads_total", map[string]string{"namespace": "conversation"})
	assert.GreaterOrEqual(t, coalesced, int64(1))
}

func TestFetcher_NilGuard(t *testing.T) {
	t.Parallel()

	var fetcher *Fetcher

	_, err := fetcher.Fetch(context.Background(), FetchRequest{})
	require.ErrorIs(t, err, ErrNilFetcher)
}
