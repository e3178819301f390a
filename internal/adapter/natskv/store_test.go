package natskv_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/relay/internal/adapter/natskv"
	"github.com/Strob0t/relay/internal/port/kvstore"
	"github.com/Strob0t/relay/internal/port/kvstore/kvstoretest"
)

// testJetStream connects to NATS or skips the test if NATS_URL is not set.
func testJetStream(t *testing.T) jetstream.JetStream {
	t.Helper()

	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("requires NATS_URL")
	}
	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(nc.Close)
	js, err := jetstream.New(nc)
	if err != nil {
		t.Fatalf("jetstream: %v", err)
	}
	return js
}

func newBucket(t *testing.T, js jetstream.JetStream) jetstream.KeyValue {
	t.Helper()
	ctx := context.Background()
	bucket := "relay-test-" + uuid.NewString()[:8]
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: bucket, History: 1})
	if err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	t.Cleanup(func() {
		if err := js.DeleteKeyValue(context.Background(), bucket); err != nil {
			t.Logf("delete bucket %s: %v", bucket, err)
		}
	})
	return kv
}

func TestConformance(t *testing.T) {
	js := testJetStream(t)
	kvstoretest.Run(t, kvstoretest.Harness{
		New: func(t *testing.T) kvstore.Store {
			return natskv.New(newBucket(t, js))
		},
		Reopen: func(t *testing.T, s kvstore.Store) kvstore.Store {
			// A fresh handle on the same bucket reads what the server stored.
			kv, err := js.KeyValue(context.Background(), s.(*natskv.Store).Bucket())
			if err != nil {
				t.Fatalf("reopen bucket: %v", err)
			}
			return natskv.New(kv)
		},
	})
}

func TestWatch(t *testing.T) {
	js := testJetStream(t)
	s := natskv.New(newBucket(t, js))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := s.Put(ctx, "w.before", []byte("old")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	ch, err := s.Watch(ctx, "w.")
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	rev, err := s.Put(ctx, "w.k", []byte("v1"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := s.Put(ctx, "other.k", []byte("ignored")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Delete(ctx, "w.k", rev); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	want := []struct {
		key     string
		deleted bool
	}{{"w.k", false}, {"w.k", true}}
	for i, w := range want {
		select {
		case e := <-ch:
			if e.Key != w.key || (e.Value == nil) != w.deleted {
				t.Fatalf("update %d = %s (value %q), want %s deleted=%v", i, e.Key, e.Value, w.key, w.deleted)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for update %d", i)
		}
	}

	cancel()
	select {
	case _, ok := <-ch:
		for ok {
			_, ok = <-ch
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watch channel not closed after cancel")
	}
}
