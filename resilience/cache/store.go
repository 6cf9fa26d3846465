package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/everkind/lib-resilience/resilience/backoff"
	"github.com/everkind/lib-resilience/resilience/log"
	"github.com/everkind/lib-resilience/resilience/runtime"
)

// keySeparator joins the namespace and the hashed key. Namespaces must not
// contain it, or prefix-based namespace invalidation would bleed across
// namespaces.
const keySeparator = ":"

// Adaptive TTL windows. A key read within the hot window earns double its
// base TTL on the next write-back; one read within the warm window keeps
// the base; anything colder decays to half, floored at minAdaptiveTTL.
const (
	hotAccessWindow  = 60 * time.Second
	warmAccessWindow = 300 * time.Second
	minAdaptiveTTL   = 60 * time.Second
)

// asyncRetryBaseDelay seeds the exponential backoff between async durable
// write attempts.
const asyncRetryBaseDelay = 200 * time.Millisecond

var (
	// ErrInvalidNamespace is returned when a namespace is empty or contains
	// the key separator.
	ErrInvalidNamespace = errors.New("namespace must be non-empty and must not contain \":\"")

	// ErrInvalidKey is returned when a key is empty.
	ErrInvalidKey = errors.New("key cannot be empty")
)

// entry is one cached value. Entries are owned exclusively by the Store and
// only ever mutated under its mutex.
type entry struct {
	value          any
	namespace      string
	createdAt      time.Time
	lastAccessedAt time.Time
	expiresAt      time.Time
}

func (e *entry) isExpired(now time.Time) bool {
	return !now.Before(e.expiresAt)
}

// Store is a two-tier cache: a volatile in-process map plus an optional
// durable remote tier. All methods are safe for concurrent use.
//
// Get and Set never surface durable-tier failures; they log them and
// degrade to memory-only behavior. Invalidate and InvalidateNamespace do
// surface them, because failing to remove a durable copy means a later
// restart could resurrect data the caller asked to drop.
type Store struct {
	cfg    Config
	logger log.Logger

	mu      sync.RWMutex
	entries map[string]*entry

	lifecycleMu sync.Mutex
	started     bool
	closed      bool

	lifeCtx  context.Context
	lifeStop context.CancelFunc
	wg       sync.WaitGroup

	// test hook
	now func() time.Time
}

// New creates a Store. The configuration is normalized (zero values
// replaced with defaults) and validated; it is immutable afterwards.
func New(cfg Config) (*Store, error) {
	cfg = cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	lifeCtx, lifeStop := context.WithCancel(context.Background())

	return &Store{
		cfg:      cfg,
		logger:   cfg.Logger,
		entries:  make(map[string]*entry),
		lifeCtx:  lifeCtx,
		lifeStop: lifeStop,
		now:      time.Now,
	}, nil
}

// deriveKey combines namespace and key into the tier-wide identifier:
// the namespace stays a readable prefix for bulk invalidation, the key is
// hashed so arbitrary-length keys map to a fixed-size identifier and
// identical keys in different namespaces never collide.
func deriveKey(namespace, key string) string {
	sum := sha256.Sum256([]byte(key))

	return namespace + keySeparator + hex.EncodeToString(sum[:])
}

func validateNamespace(namespace string) error {
	if namespace == "" || strings.Contains(namespace, keySeparator) {
		return fmt.Errorf("%w: %q", ErrInvalidNamespace, namespace)
	}

	return nil
}

// Get returns the live value for (namespace, key). A volatile hit refreshes
// the entry's last-access time. On a volatile miss the durable tier is
// consulted within the configured timeout, and a live durable hit is
// promoted into the volatile tier with its remaining TTL. Get never returns
// an error: durable failures are logged and reported as a miss.
func (s *Store) Get(ctx context.Context, namespace, key string) (any, bool) {
	storeKey := deriveKey(namespace, key)
	now := s.now()

	s.mu.Lock()

	ent, exists := s.entries[storeKey]
	if exists && !ent.isExpired(now) {
		ent.lastAccessedAt = now
		value := ent.value

		s.mu.Unlock()

		s.recordHit(ctx, namespace, tierVolatile)

		return value, true
	}

	// Expired entries are left for Cleanup so GetStale can still serve them.
	s.mu.Unlock()

	if s.cfg.Durable != nil {
		if value, found := s.durableFallback(ctx, namespace, storeKey); found {
			s.recordHit(ctx, namespace, tierDurable)

			return value, true
		}
	}

	s.recordMiss(ctx, namespace)

	return nil, false
}

// GetStale returns the volatile value for (namespace, key) even when it has
// expired, as long as Cleanup has not swept it yet. It never consults the
// durable tier and does not refresh the entry's last-access time. Callers
// use it to degrade gracefully while the authoritative dependency is
// unavailable.
func (s *Store) GetStale(ctx context.Context, namespace, key string) (any, bool) {
	s.mu.RLock()

	ent, exists := s.entries[deriveKey(namespace, key)]

	var value any
	if exists {
		value = ent.value
	}

	s.mu.RUnlock()

	if !exists {
		return nil, false
	}

	s.logger.Log(ctx, log.LevelDebug, "serving possibly stale entry",
		log.String("namespace", namespace))

	return value, true
}

// Set stores value under (namespace, key) with the default TTL.
func (s *Store) Set(ctx context.Context, namespace, key string, value any) error {
	return s.SetWithTTL(ctx, namespace, key, value, 0)
}

// SetWithTTL stores value under (namespace, key). A non-positive ttl means
// the default TTL. The volatile write always succeeds; the durable upload
// is best-effort and its failure never rolls back the volatile copy.
func (s *Store) SetWithTTL(ctx context.Context, namespace, key string, value any, ttl time.Duration) error {
	if err := validateNamespace(namespace); err != nil {
		return err
	}

	if key == "" {
		return ErrInvalidKey
	}

	if ttl <= 0 {
		ttl = s.cfg.DefaultTTL
	}

	now := s.now()
	expiresAt := now.Add(ttl)
	storeKey := deriveKey(namespace, key)

	s.mu.Lock()
	s.entries[storeKey] = &entry{
		value:          value,
		namespace:      namespace,
		createdAt:      now,
		lastAccessedAt: now,
		expiresAt:      expiresAt,
	}
	s.mu.Unlock()

	s.recordEntryCount(ctx)

	if s.cfg.Durable == nil {
		return nil
	}

	data, err := s.cfg.Codec.Marshal(value)
	if err != nil {
		s.recordDurableError(ctx, opEncode)
		s.logger.Log(ctx, log.LevelWarn, "value failed to encode; durable tier skipped",
			log.String("namespace", namespace),
			log.Err(err))

		return nil
	}

	durableKey := s.durableKey(storeKey)
	meta := NewMetadata(now, expiresAt)

	if s.cfg.AsyncDurableWrites {
		s.uploadAsync(durableKey, data, meta)

		return nil
	}

	if err := s.durablePut(ctx, durableKey, data, meta); err != nil {
		s.recordDurableError(ctx, opPut)
		s.logger.Log(ctx, log.LevelWarn, "durable write failed; volatile copy kept",
			log.String("key", durableKey),
			log.Err(err))
	}

	return nil
}

// Invalidate removes (namespace, key) from both tiers.
func (s *Store) Invalidate(ctx context.Context, namespace, key string) error {
	if err := validateNamespace(namespace); err != nil {
		return err
	}

	if key == "" {
		return ErrInvalidKey
	}

	storeKey := deriveKey(namespace, key)

	s.mu.Lock()
	delete(s.entries, storeKey)
	s.mu.Unlock()

	s.recordEntryCount(ctx)

	if s.cfg.Durable == nil {
		return nil
	}

	durableKey := s.durableKey(storeKey)

	if err := s.durableDelete(ctx, durableKey); err != nil {
		s.recordDurableError(ctx, opDelete)

		return fmt.Errorf("durable invalidate failed for %q: %w", durableKey, err)
	}

	return nil
}

// InvalidateNamespace removes every key under namespace from both tiers.
// The durable sweep lists the namespace's prefix and deletes key by key;
// individual failures are collected and returned joined, after all
// deletable keys have been removed.
func (s *Store) InvalidateNamespace(ctx context.Context, namespace string) error {
	if err := validateNamespace(namespace); err != nil {
		return err
	}

	s.mu.Lock()

	removed := 0

	for storeKey, ent := range s.entries {
		if ent.namespace == namespace {
			delete(s.entries, storeKey)
			removed++
		}
	}

	s.mu.Unlock()

	s.logger.Log(ctx, log.LevelInfo, "namespace invalidated",
		log.String("namespace", namespace),
		log.Int("volatile_removed", removed))

	s.recordEntryCount(ctx)

	if s.cfg.Durable == nil {
		return nil
	}

	prefix := s.cfg.DurableKeyPrefix + namespace + keySeparator

	keys, err := s.durableList(ctx, prefix)
	if err != nil {
		s.recordDurableError(ctx, opList)

		return fmt.Errorf("listing durable keys under %q: %w", prefix, err)
	}

	var errs []error

	deleted := 0

	for _, durableKey := range keys {
		if err := s.durableDelete(ctx, durableKey); err != nil {
			s.recordDurableError(ctx, opDelete)
			errs = append(errs, fmt.Errorf("deleting %q: %w", durableKey, err))

			continue
		}

		deleted++
	}

	s.recordInvalidationBatch(ctx, namespace, deleted)

	return errors.Join(errs...)
}

// Cleanup sweeps the volatile tier, evicting every expired entry, and
// returns how many it removed. It runs periodically once Start is called
// and may also be invoked manually.
func (s *Store) Cleanup() int {
	now := s.now()

	s.mu.Lock()

	evicted := 0

	for storeKey, ent := range s.entries {
		if ent.isExpired(now) {
			delete(s.entries, storeKey)
			evicted++
		}
	}

	s.mu.Unlock()

	if evicted > 0 {
		ctx := context.Background()
		s.recordEvictions(ctx, tierVolatile, evicted)
		s.recordEntryCount(ctx)
	}

	return evicted
}

// AdaptiveTTL returns the TTL to use when writing (namespace, key) back
// into the cache, scaled by how recently the key was read: hot keys earn
// double the base TTL, warm keys keep it, cold keys decay to half (floored
// at one minute). Unknown keys get the base. A non-positive base means the
// default TTL.
func (s *Store) AdaptiveTTL(namespace, key string, base time.Duration) time.Duration {
	if base <= 0 {
		base = s.cfg.DefaultTTL
	}

	s.mu.RLock()

	ent, exists := s.entries[deriveKey(namespace, key)]

	var lastAccessedAt time.Time
	if exists {
		lastAccessedAt = ent.lastAccessedAt
	}

	s.mu.RUnlock()

	if !exists {
		return base
	}

	elapsed := s.now().Sub(lastAccessedAt)

	switch {
	case elapsed <= hotAccessWindow:
		return 2 * base
	case elapsed <= warmAccessWindow:
		return base
	default:
		if half := base / 2; half > minAdaptiveTTL {
			return half
		}

		return minAdaptiveTTL
	}
}

// Len returns the number of entries in the volatile tier, including expired
// entries not yet swept.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.entries)
}

// Start launches the periodic cleanup loop when a CleanupInterval is
// configured. Calling Start on a running or closed store is a no-op.
func (s *Store) Start() {
	s.lifecycleMu.Lock()

	if s.started || s.closed || s.cfg.CleanupInterval <= 0 {
		s.lifecycleMu.Unlock()

		return
	}

	s.started = true

	s.lifecycleMu.Unlock()

	s.wg.Add(1)

	runtime.SafeGoWithContextAndComponent(s.lifeCtx, s.logger, "cache", "cache.cleanup_loop",
		runtime.KeepRunning, func(ctx context.Context) {
			defer s.wg.Done()

			ticker := time.NewTicker(s.cfg.CleanupInterval)
			defer ticker.Stop()

			for {
				select {
				case <-ticker.C:
					if evicted := s.Cleanup(); evicted > 0 {
						s.logger.Log(ctx, log.LevelDebug, "swept expired entries",
							log.Int("evicted", evicted))
					}
				case <-ctx.Done():
					return
				}
			}
		})

	s.logger.Log(context.Background(), log.LevelInfo, "cache cleanup loop started",
		log.Duration("interval", s.cfg.CleanupInterval))
}

// Close stops the cleanup loop and waits for it and any in-flight async
// durable writes to finish. Close is idempotent. The store remains usable
// as a memory-only cache afterwards, but no new background work is started.
func (s *Store) Close() {
	s.lifecycleMu.Lock()

	if s.closed {
		s.lifecycleMu.Unlock()

		return
	}

	s.closed = true

	s.lifecycleMu.Unlock()

	s.lifeStop()
	s.wg.Wait()

	s.logger.Log(context.Background(), log.LevelInfo, "cache store closed")
}

// durableFallback reads storeKey from the durable tier, evicts it when
// expired or corrupt, and otherwise decodes and promotes it. It reports
// whether a live value was found; every failure degrades to a miss.
func (s *Store) durableFallback(ctx context.Context, namespace, storeKey string) (any, bool) {
	durableKey := s.durableKey(storeKey)

	data, meta, err := s.durableGet(ctx, durableKey)
	if err != nil {
		if !errors.Is(err, ErrKeyNotFound) {
			s.recordDurableError(ctx, opGet)
			s.logger.Log(ctx, log.LevelWarn, "durable read failed; treating as miss",
				log.String("key", durableKey),
				log.Err(err))
		}

		return nil, false
	}

	now := s.now()

	expiresAt, ok := meta.ExpiresAt()
	if !ok || !now.Before(expiresAt) {
		// Expired or unreadable entries are removed so later reads stop
		// paying a round trip for them.
		s.deleteDurableBestEffort(ctx, durableKey)
		s.recordEvictions(ctx, tierDurable, 1)

		return nil, false
	}

	value, err := s.cfg.Codec.Unmarshal(data)
	if err != nil {
		s.recordDurableError(ctx, opDecode)
		s.logger.Log(ctx, log.LevelWarn, "durable payload failed to decode; evicting",
			log.String("key", durableKey),
			log.Err(err))
		s.deleteDurableBestEffort(ctx, durableKey)

		return nil, false
	}

	createdAt, ok := meta.CreatedAt()
	if !ok {
		createdAt = now
	}

	s.mu.Lock()
	s.entries[storeKey] = &entry{
		value:          value,
		namespace:      namespace,
		createdAt:      createdAt,
		lastAccessedAt: now,
		expiresAt:      expiresAt,
	}
	s.mu.Unlock()

	s.recordPromotion(ctx, namespace)

	return value, true
}

// uploadAsync writes to the durable tier from a background goroutine,
// retrying with exponential backoff. The write outlives the originating
// request: the attempt in progress completes even across Close, but pending
// retries stop, so Close never blocks longer than one durable timeout per
// outstanding write.
func (s *Store) uploadAsync(durableKey string, data []byte, meta Metadata) {
	s.wg.Add(1)

	runtime.SafeGoWithContextAndComponent(s.lifeCtx, s.logger, "cache", "cache.durable_write",
		runtime.KeepRunning, func(ctx context.Context) {
			defer s.wg.Done()

			putCtx := context.WithoutCancel(ctx)

			for attempt := 0; attempt <= s.cfg.AsyncWriteRetries; attempt++ {
				if attempt > 0 {
					delay := backoff.ExponentialWithJitter(asyncRetryBaseDelay, attempt-1)
					if err := backoff.SleepWithContext(ctx, delay); err != nil {
						return
					}
				}

				err := s.durablePut(putCtx, durableKey, data, meta)
				if err == nil {
					return
				}

				s.recordDurableError(ctx, opPut)
				s.logger.Log(ctx, log.LevelWarn, "async durable write failed",
					log.String("key", durableKey),
					log.Int("attempt", attempt+1),
					log.Err(err))
			}
		})
}

func (s *Store) durableKey(storeKey string) string {
	return s.cfg.DurableKeyPrefix + storeKey
}

func (s *Store) durablePut(ctx context.Context, key string, data []byte, meta Metadata) error {
	opCtx, cancel := context.WithTimeout(ctx, s.cfg.DurableTimeout)
	defer cancel()

	return s.cfg.Durable.Put(opCtx, key, data, meta)
}

func (s *Store) durableGet(ctx context.Context, key string) ([]byte, Metadata, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.cfg.DurableTimeout)
	defer cancel()

	return s.cfg.Durable.Get(opCtx, key)
}

func (s *Store) durableDelete(ctx context.Context, key string) error {
	opCtx, cancel := context.WithTimeout(ctx, s.cfg.DurableTimeout)
	defer cancel()

	return s.cfg.Durable.Delete(opCtx, key)
}

func (s *Store) durableList(ctx context.Context, prefix string) ([]string, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.cfg.DurableTimeout)
	defer cancel()

	return s.cfg.Durable.ListByPrefix(opCtx, prefix)
}

func (s *Store) deleteDurableBestEffort(ctx context.Context, key string) {
	if err := s.durableDelete(ctx, key); err != nil {
		s.recordDurableError(ctx, opDelete)
		s.logger.Log(ctx, log.LevelWarn, "failed to remove expired durable entry",
			log.String("key", key),
			log.Err(err))
	}
}
