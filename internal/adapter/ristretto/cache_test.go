package ristretto_test

import (
	"context"
	"testing"
	"time"

	"github.com/Strob0t/relay/internal/adapter/ristretto"
	"github.com/Strob0t/relay/internal/port/cache/cachetest"
)

func newCache(t *testing.T) *ristretto.Cache {
	t.Helper()
	c, err := ristretto.New(1 << 20)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestCompliance(t *testing.T) {
	cachetest.Run(t, newCache(t))
}

func TestExpiry(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()

	if err := c.Set(ctx, "short", []byte("v"), 50*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, found, _ := c.Get(ctx, "short"); !found {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("entry did not expire")
}
