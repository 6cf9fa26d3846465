package cache

import (
	"context"
	"errors"
	"time"
)

// ErrKeyNotFound is returned by DurableStore implementations when a key has
// no stored value. The Store treats it as an ordinary miss.
var ErrKeyNotFound = errors.New("key not found in durable store")

// Metadata keys every DurableStore implementation must persist alongside
// the payload. Timestamps are formatted with time.RFC3339Nano.
const (
	MetadataKeyExpiresAt = "expires_at"
	MetadataKeyCreatedAt = "created_at"
)

// Metadata is the string-keyed metadata stored with each durable entry.
type Metadata map[string]string

// NewMetadata builds the metadata for a durable entry.
func NewMetadata(createdAt, expiresAt time.Time) Metadata {
	return Metadata{
		MetadataKeyCreatedAt: createdAt.UTC().Format(time.RFC3339Nano),
		MetadataKeyExpiresAt: expiresAt.UTC().Format(time.RFC3339Nano),
	}
}

// ExpiresAt parses the entry's expiry timestamp. It reports false when the
// field is absent or unparsable; such entries are treated as corrupt and
// evicted on read.
func (m Metadata) ExpiresAt() (time.Time, bool) {
	return m.timeField(MetadataKeyExpiresAt)
}

// CreatedAt parses the entry's creation timestamp.
func (m Metadata) CreatedAt() (time.Time, bool) {
	return m.timeField(MetadataKeyCreatedAt)
}

func (m Metadata) timeField(key string) (time.Time, bool) {
	raw, exists := m[key]
	if !exists {
		return time.Time{}, false
	}

	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}

	return ts, true
}

// DurableStore is the remote second tier of the cache: an object-storage-like
// backend addressed by key. Implementations live in the resilience/redis,
// resilience/blob, and resilience/mongo packages.
//
// Contract:
//   - Get returns ErrKeyNotFound (possibly wrapped) when the key is absent.
//   - Delete of an absent key is not an error.
//   - ListByPrefix returns the full keys of every entry under prefix.
//   - All methods honor ctx cancellation and deadlines; the Store bounds
//     every call with its configured durable timeout.
type DurableStore interface {
	Put(ctx context.Context, key string, data []byte, meta Metadata) error
	Get(ctx context.Context, key string) ([]byte, Metadata, error)
	Delete(ctx context.Context, key string) error
	ListByPrefix(ctx context.Context, prefix string) ([]string, error)
}
