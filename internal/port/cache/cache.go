// Package cache defines the port interface for the snapshot cache that
// answers status lookups for handoffs that can no longer change.
package cache

import (
	"context"
	"time"
)

// Cache is the port interface for key-value caching. Entries may be evicted
// at any time; a miss is never an error.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
