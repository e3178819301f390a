package tiered_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Strob0t/relay/internal/adapter/ristretto"
	"github.com/Strob0t/relay/internal/adapter/tiered"
	"github.com/Strob0t/relay/internal/port/cache/cachetest"
)

// memCache stands in for the shared L2.
type memCache struct {
	data map[string][]byte
	err  error
}

func newMemCache() *memCache {
	return &memCache{data: make(map[string][]byte)}
}

func (m *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	if m.err != nil {
		return nil, false, m.err
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	if m.err != nil {
		return m.err
	}
	m.data[key] = value
	return nil
}

func (m *memCache) Delete(_ context.Context, key string) error {
	if m.err != nil {
		return m.err
	}
	delete(m.data, key)
	return nil
}

func newL1(t *testing.T) *ristretto.Cache {
	t.Helper()
	c, err := ristretto.New(1 << 20)
	if err != nil {
		t.Fatalf("ristretto: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestTiered_Compliance(t *testing.T) {
	cachetest.Run(t, tiered.New(newL1(t), newMemCache(), time.Minute))
}

func TestTiered_L2HitBackfillsL1(t *testing.T) {
	l1, l2 := newL1(t), newMemCache()
	c := tiered.New(l1, l2, time.Minute)
	ctx := context.Background()

	l2.data["handoff:a"] = []byte(`{"id":"a"}`)
	val, found, err := c.Get(ctx, "handoff:a")
	if err != nil || !found || string(val) != `{"id":"a"}` {
		t.Fatalf("Get = %q, %v, %v", val, found, err)
	}

	delete(l2.data, "handoff:a")
	if _, found, _ := l1.Get(ctx, "handoff:a"); !found {
		t.Fatal("L2 hit was not backfilled into L1")
	}
}

func TestTiered_L2FailureIsAMiss(t *testing.T) {
	l2 := newMemCache()
	l2.err = errors.New("bucket unavailable")
	c := tiered.New(newL1(t), l2, time.Minute)
	ctx := context.Background()

	if _, found, err := c.Get(ctx, "handoff:b"); err != nil || found {
		t.Fatalf("Get with L2 down = %v, %v; want a clean miss", found, err)
	}
	if err := c.Set(ctx, "handoff:b", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set with L2 down: %v", err)
	}
	if val, found, _ := c.Get(ctx, "handoff:b"); !found || string(val) != "v" {
		t.Fatal("L1 did not keep the value while L2 was down")
	}
	if err := c.Delete(ctx, "handoff:b"); err == nil {
		t.Fatal("Delete hid an L2 failure")
	}
}
