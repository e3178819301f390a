package natskv_test

import (
	"context"
	"testing"
	"time"

	"github.com/Strob0t/relay/internal/adapter/natskv"
	"github.com/Strob0t/relay/internal/port/cache/cachetest"
)

func TestCacheCompliance(t *testing.T) {
	js := testJetStream(t)
	cachetest.Run(t, natskv.NewCache(newBucket(t, js)))
}

func TestCache_KeysOutsideKVAlphabet(t *testing.T) {
	js := testJetStream(t)
	c := natskv.NewCache(newBucket(t, js))
	ctx := context.Background()

	const key = "handoff:6f1c 9a/b*>"
	if err := c.Set(ctx, key, []byte("snapshot"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok, err := c.Get(ctx, key)
	if err != nil || !ok || string(got) != "snapshot" {
		t.Fatalf("Get = %q, %v, %v", got, ok, err)
	}
}
