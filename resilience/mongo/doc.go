// Package mongo implements the cache durable tier on a MongoDB collection.
//
// Each entry is one document keyed by _id, carrying the payload bytes, the
// string metadata, and a BSON date copy of the expiry. Call EnsureTTLIndex
// once at startup and the server reaps expired documents on its own; the
// reading cache still checks the metadata expiry, so reaping lag never serves
// stale data.
package mongo
