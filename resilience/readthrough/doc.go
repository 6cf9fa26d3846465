// Package readthrough ties the tiered cache and the call guards into one
// fetch path: consult the cache, coalesce concurrent misses for the same key
// into a single load, run that load under the dependency's guard, and write
// the result back with an access-aware TTL.
//
// Degraded results never enter the cache: fallback values are returned to
// callers but not written back, and a load rejected by an open guard can
// serve the expired cache entry instead when the request opts in.
package readthrough
