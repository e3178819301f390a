// Package ristretto implements the cache port using dgraph-io/ristretto as
// the in-process terminal snapshot cache.
package ristretto

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/Strob0t/relay/internal/port/cache"
)

// Cache wraps a ristretto cache. Cost is the value size in bytes.
type Cache struct {
	c *ristretto.Cache[string, []byte]
}

var _ cache.Cache = (*Cache)(nil)

// New creates a ristretto-backed cache holding at most maxCostBytes of
// values.
func New(maxCostBytes int64) (*Cache, error) {
	if maxCostBytes < 1024 {
		maxCostBytes = 1024
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		// Snapshots run to a few KiB; ~10 counters per expected item.
		NumCounters: maxCostBytes / 1024 * 10,
		MaxCost:     maxCostBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("ristretto: %w", err)
	}
	return &Cache{c: c}, nil
}

// Get retrieves a value from the cache.
func (c *Cache) Get(_ context.Context, key string) (data []byte, ok bool, err error) {
	val, found := c.c.Get(key)
	if !found {
		return nil, false, nil
	}
	return val, true, nil
}

// Set stores a value with the given TTL. It waits for the write buffer so
// the value is visible to the next Get; ristretto may still reject it under
// cost pressure.
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.c.SetWithTTL(key, value, int64(len(value)), ttl)
	c.c.Wait()
	return nil
}

// Delete removes a value from the cache.
func (c *Cache) Delete(_ context.Context, key string) error {
	c.c.Del(key)
	return nil
}

// Close shuts down the cache and releases resources.
func (c *Cache) Close() {
	c.c.Close()
}
