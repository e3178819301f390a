package natskv

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/relay/internal/port/cache"
)

// Cache implements the cache port on a KeyValue bucket shared by every relay
// process. Expiry is the bucket's MaxAge; the per-call ttl is ignored.
type Cache struct {
	kv jetstream.KeyValue
}

var _ cache.Cache = (*Cache)(nil)

// NewCache creates a cache over kv. Create the bucket with the snapshot TTL.
func NewCache(kv jetstream.KeyValue) *Cache {
	return &Cache{kv: kv}
}

// cacheKey maps arbitrary keys onto the KV key alphabet.
func cacheKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

// Get returns the cached value; a missing or deleted key is a miss.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	e, err := c.kv.Get(ctx, cacheKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get %s: %w", key, err)
	}
	return e.Value(), true, nil
}

// Set stores value.
func (c *Cache) Set(ctx context.Context, key string, value []byte, _ time.Duration) error {
	if _, err := c.kv.Put(ctx, cacheKey(key), value); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (c *Cache) Delete(ctx context.Context, key string) error {
	err := c.kv.Delete(ctx, cacheKey(key))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("cache delete %s: %w", key, err)
	}
	return nil
}
