// Package cache provides the bounded TTL cache used to memoize derived
// market-data views. Values are opaque byte slices so in-process and remote
// backends share one contract.
package cache

import (
	"context"
	"time"
)

// Stats holds cumulative cache counters.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Size      int64 `json:"size"`
}

// Cache is a key-value store with per-entry TTL. An entry is unreadable
// once its TTL has elapsed, whether or not anything read it in between.
//
// Implementations may be remote. Callers must treat any returned error as
// a miss or no-op and fall back to recomputation: cached values are derived
// copies, never the source of truth, so degrading is always correct.
type Cache interface {
	// Get returns the value for key and whether it was present and fresh.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key for ttl. A ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key if present.
	Delete(ctx context.Context, key string) error

	// Clear removes all entries.
	Clear(ctx context.Context) error

	// Stats returns cumulative counters.
	Stats() Stats

	// Close releases background resources. The cache must not be used after.
	Close() error
}
