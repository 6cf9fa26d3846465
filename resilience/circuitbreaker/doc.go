// Package circuitbreaker implements per-dependency call guards and their
// process-wide registry.
//
// A Breaker wraps calls to one named external dependency (a speech service,
// an object store, a third-party API, a crawled website) and fails fast once
// that dependency is unhealthy, optionally substituting a per-call fallback.
// Guards move between three states: closed (calls flow and consecutive
// counted failures accumulate), open (calls are rejected until the recovery
// timeout elapses), and half-open (exactly one probe call is admitted and
// its outcome decides between closed and open).
//
// Guards never retry. The only decisions a guard makes are run the
// operation, reject it, or substitute the fallback; retry policy stays with
// the caller.
//
// Use a Registry so call sites protecting the same dependency share one
// guard, and therefore share fate. An optional HealthChecker probes
// unhealthy dependencies out of band and resets their guards on recovery.
package circuitbreaker
