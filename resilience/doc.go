// Package resilience provides the request-scoped plumbing shared by its
// subpackages: context carriers for the logger, tracer, metrics factory, and
// request id, plus deadline helpers.
//
// Typical usage at request ingress:
//
//	ctx = resilience.ContextWithLogger(ctx, logger)
//	ctx = resilience.ContextWithTracer(ctx, tracer)
//	ctx = resilience.ContextWithRequestID(ctx, requestID)
//
// Specialized integrations live in subpackages such as cache, circuitbreaker,
// readthrough, redis, mongo, and blob.
package resilience
