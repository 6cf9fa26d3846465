// Package blob implements the cache durable tier on object storage through
// the Go CDK, so one store speaks to S3, GCS, Azure Blob, local files, or the
// in-memory driver, selected by URL.
//
// Payload bytes become the object body and the entry metadata rides along as
// object metadata, so no envelope format is needed. Expiry is enforced by the
// reading cache, not the bucket; pair long-lived buckets with a lifecycle
// rule when storage growth matters.
package blob
