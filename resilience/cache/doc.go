// Package cache provides a two-tier key/value cache with usage-adaptive
// expiration: a volatile in-process tier backed by a map, and an optional
// durable remote tier behind the DurableStore interface (Redis, object
// storage, MongoDB).
//
// Reads check the volatile tier first and fall back to the durable tier
// within a bounded timeout; durable hits are promoted into the volatile
// tier with their remaining TTL. Writes always land in the volatile tier
// and are uploaded to the durable tier best-effort: a durable failure is
// logged and absorbed, never surfaced to the caller. Caching here is an
// optimization, not a source of truth.
//
// Entries carry per-key access timestamps which feed AdaptiveTTL: recently
// hot keys earn a longer TTL on write-back, cold keys decay faster. Expired
// entries are swept by a periodic cleanup loop rather than on access, which
// keeps the hot path O(1) and lets GetStale serve expired-but-unswept
// values while a dependency is unavailable.
//
// Values served from the volatile tier are the exact values passed to Set.
// Values served from the durable tier pass through the configured Codec,
// so their concrete type follows the codec's decoding rules (JSONCodec
// yields map[string]any for structs; BytesCodec yields []byte).
package cache
