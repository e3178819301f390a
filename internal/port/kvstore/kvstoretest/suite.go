// Package kvstoretest is the behavioral conformance suite every kvstore.Store
// backend must pass.
package kvstoretest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/Strob0t/relay/internal/domain"
	"github.com/Strob0t/relay/internal/port/kvstore"
)

// Harness builds stores for the suite.
type Harness struct {
	// New returns an empty store. The suite closes it.
	New func(t *testing.T) kvstore.Store
	// Reopen, when set, closes s and returns a store over the same data.
	Reopen func(t *testing.T, s kvstore.Store) kvstore.Store
}

// Run executes the suite.
func Run(t *testing.T, h Harness) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s kvstore.Store)
	}{
		{"GetMissing", testGetMissing},
		{"PutGet", testPutGet},
		{"PutAdvancesRevision", testPutAdvancesRevision},
		{"CreateOnly", testCreateOnly},
		{"CompareAndSwap", testCompareAndSwap},
		{"CompareAndSwapMissing", testCompareAndSwapMissing},
		{"Delete", testDelete},
		{"RevisionMonotonicAcrossDelete", testRevisionAcrossDelete},
		{"ListByPrefix", testListByPrefix},
		{"ConcurrentCompareAndSwap", testConcurrentCAS},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := h.New(t)
			defer s.Close()
			tt.fn(t, s)
		})
	}
	if h.Reopen != nil {
		t.Run("PutIsDurable", func(t *testing.T) {
			s := h.New(t)
			ctx := context.Background()
			rev, err := s.Put(ctx, "durable.k", []byte("v"))
			if err != nil {
				t.Fatalf("Put: %v", err)
			}
			s = h.Reopen(t, s)
			defer s.Close()
			e, err := s.Get(ctx, "durable.k")
			if err != nil {
				t.Fatalf("Get after reopen: %v", err)
			}
			if string(e.Value) != "v" || e.Revision != rev {
				t.Fatalf("after reopen got %q@%d, want v@%d", e.Value, e.Revision, rev)
			}
		})
	}
}

func testGetMissing(t *testing.T, s kvstore.Store) {
	_, err := s.Get(context.Background(), "missing.k")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testPutGet(t *testing.T, s kvstore.Store) {
	ctx := context.Background()
	rev, err := s.Put(ctx, "a.k", []byte("hello"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if rev == 0 {
		t.Fatal("revision must be positive")
	}
	e, err := s.Get(ctx, "a.k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if e.Key != "a.k" || string(e.Value) != "hello" || e.Revision != rev {
		t.Fatalf("got %+v, want a.k=hello@%d", e, rev)
	}
}

func testPutAdvancesRevision(t *testing.T, s kvstore.Store) {
	ctx := context.Background()
	r1, err := s.Put(ctx, "a.k", []byte("1"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	r2, err := s.Put(ctx, "a.k", []byte("2"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if r2 <= r1 {
		t.Fatalf("revision did not advance: %d then %d", r1, r2)
	}
}

func testCreateOnly(t *testing.T, s kvstore.Store) {
	ctx := context.Background()
	rev, err := s.CompareAndSwap(ctx, "c.k", 0, []byte("first"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.CompareAndSwap(ctx, "c.k", 0, []byte("second")); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("second create: expected ErrConflict, got %v", err)
	}
	e, err := s.Get(ctx, "c.k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(e.Value) != "first" || e.Revision != rev {
		t.Fatalf("failed create overwrote the value: %q@%d", e.Value, e.Revision)
	}
}

func testCompareAndSwap(t *testing.T, s kvstore.Store) {
	ctx := context.Background()
	r1, err := s.Put(ctx, "s.k", []byte("v1"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	r2, err := s.CompareAndSwap(ctx, "s.k", r1, []byte("v2"))
	if err != nil {
		t.Fatalf("CAS at current revision: %v", err)
	}
	if r2 <= r1 {
		t.Fatalf("CAS revision %d not after %d", r2, r1)
	}
	if _, err := s.CompareAndSwap(ctx, "s.k", r1, []byte("stale")); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("CAS at stale revision: expected ErrConflict, got %v", err)
	}
	e, err := s.Get(ctx, "s.k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(e.Value) != "v2" || e.Revision != r2 {
		t.Fatalf("stale CAS changed the value: %q@%d", e.Value, e.Revision)
	}
}

func testCompareAndSwapMissing(t *testing.T, s kvstore.Store) {
	_, err := s.CompareAndSwap(context.Background(), "gone.k", 7, []byte("x"))
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func testDelete(t *testing.T, s kvstore.Store) {
	ctx := context.Background()
	r1, err := s.Put(ctx, "d.k", []byte("v1"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	r2, err := s.Put(ctx, "d.k", []byte("v2"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Delete(ctx, "d.k", r1); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("stale delete: expected ErrConflict, got %v", err)
	}
	if err := s.Delete(ctx, "d.k", r2); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "d.k"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Get after delete: expected ErrNotFound, got %v", err)
	}
	if err := s.Delete(ctx, "d.k", 0); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("delete missing: expected ErrNotFound, got %v", err)
	}
}

func testRevisionAcrossDelete(t *testing.T, s kvstore.Store) {
	ctx := context.Background()
	r1, err := s.Put(ctx, "r.k", []byte("v1"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Delete(ctx, "r.k", r1); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	r2, err := s.CompareAndSwap(ctx, "r.k", 0, []byte("v2"))
	if err != nil {
		t.Fatalf("re-create: %v", err)
	}
	if r2 <= r1 {
		t.Fatalf("revision after re-create %d not after %d", r2, r1)
	}
	if _, err := s.CompareAndSwap(ctx, "r.k", r1, []byte("stale")); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("CAS with pre-delete revision: expected ErrConflict, got %v", err)
	}
}

func testListByPrefix(t *testing.T, s kvstore.Store) {
	ctx := context.Background()
	for _, k := range []string{"p.c", "p.a", "q.a", "p.b"} {
		if _, err := s.Put(ctx, k, []byte(k)); err != nil {
			t.Fatalf("Put %s: %v", k, err)
		}
	}
	e, err := s.Get(ctx, "p.b")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := s.Delete(ctx, "p.b", e.Revision); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	got, err := s.ListByPrefix(ctx, "p.")
	if err != nil {
		t.Fatalf("ListByPrefix: %v", err)
	}
	if len(got) != 2 || got[0].Key != "p.a" || got[1].Key != "p.c" {
		t.Fatalf("ListByPrefix = %v, want [p.a p.c]", keys(got))
	}
	if string(got[0].Value) != "p.a" || got[0].Revision == 0 {
		t.Fatalf("entry = %+v", got[0])
	}

	none, err := s.ListByPrefix(ctx, "z.")
	if err != nil {
		t.Fatalf("ListByPrefix empty: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected no entries, got %v", keys(none))
	}
}

func testConcurrentCAS(t *testing.T, s kvstore.Store) {
	ctx := context.Background()
	rev, err := s.Put(ctx, "race.k", []byte("0"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	const n = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		failures []error
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := s.CompareAndSwap(ctx, "race.k", rev, []byte(fmt.Sprint(i)))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case !errors.Is(err, domain.ErrConflict):
				failures = append(failures, err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if len(failures) > 0 {
		t.Fatalf("unexpected errors: %v", failures)
	}
	if wins != 1 {
		t.Fatalf("%d writers won the same revision, want exactly 1", wins)
	}
}

func keys(entries []kvstore.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Key
	}
	return out
}
