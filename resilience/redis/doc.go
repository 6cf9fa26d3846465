// Package redis implements the cache durable tier on Redis or Valkey.
//
// Each entry is stored as a single gob-encoded envelope carrying the payload
// bytes and their metadata, so one GET restores both. When the metadata
// carries an expiry the key is written with a matching server-side TTL and
// the server reaps stale entries even if the cache never reads them again.
// Prefix listing uses cursor-based SCAN, never KEYS.
//
// The store accepts any go-redis UniversalClient topology. On clustered
// deployments SCAN visits a single node; keep namespace sweeps on standalone
// or hash-tag keys that must be listed together.
package redis
