// Package tiered layers the process-local snapshot cache over a shared one,
// so a snapshot remembered by any relay process is served from memory by all
// of them after the first lookup.
package tiered

import (
	"context"
	"log/slog"
	"time"

	"github.com/Strob0t/relay/internal/port/cache"
)

// Cache combines an L1 (in-process) and an L2 (shared) cache. L2 failures
// degrade to misses: entries are advisory and the store stays authoritative.
type Cache struct {
	l1       cache.Cache
	l2       cache.Cache
	l1Expire time.Duration
}

var _ cache.Cache = (*Cache)(nil)

// New creates a tiered cache. l1Expire bounds how long an L2 hit is kept in L1.
func New(l1, l2 cache.Cache, l1Expire time.Duration) *Cache {
	return &Cache{l1: l1, l2: l2, l1Expire: l1Expire}
}

// Get checks L1, then L2, backfilling L1 on an L2 hit.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, found, err := c.l1.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if found {
		return val, true, nil
	}

	val, found, err = c.l2.Get(ctx, key)
	if err != nil {
		slog.WarnContext(ctx, "l2 cache get failed", "key", key, "error", err)
		return nil, false, nil
	}
	if !found {
		return nil, false, nil
	}
	if err := c.l1.Set(ctx, key, val, c.l1Expire); err != nil {
		slog.DebugContext(ctx, "l1 backfill failed", "key", key, "error", err)
	}
	return val, true, nil
}

// Set writes L1 and then L2.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.l1.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	if err := c.l2.Set(ctx, key, value, ttl); err != nil {
		slog.WarnContext(ctx, "l2 cache set failed", "key", key, "error", err)
	}
	return nil
}

// Delete removes key from both levels. An L2 failure is returned so callers
// know another process may still serve the entry.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.l1.Delete(ctx, key); err != nil {
		return err
	}
	return c.l2.Delete(ctx, key)
}
