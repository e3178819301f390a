package service_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/Strob0t/relay/internal/domain"
	"github.com/Strob0t/relay/internal/domain/merge"
)

func TestDocument_GetMissingIsEmpty(t *testing.T) {
	env := newTestEnv(t)
	doc, err := env.docs.Get(context.Background(), "new/file.go")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if doc.Path != "new/file.go" || doc.Content != "" {
		t.Fatalf("doc = %+v, want empty document at the path", doc)
	}
}

func TestDocument_IntegrateConflictLeavesDocument(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	const path = "pkg/config.go"

	first := merge.Fragment{Source: "func parseConfig() error {\n\treturn nil\n}"}
	if _, err := env.docs.Integrate(ctx, path, []merge.Fragment{first}); err != nil {
		t.Fatalf("Integrate: %v", err)
	}
	before, _ := env.docs.Get(ctx, path)

	redeclare := merge.Fragment{Source: "func parseConfig() error {\n\treturn errBad\n}"}
	res, err := env.docs.Integrate(ctx, path, []merge.Fragment{redeclare})
	if !errors.Is(err, domain.ErrMergeConflict) {
		t.Fatalf("expected ErrMergeConflict, got %v", err)
	}
	if res.Status != merge.StatusConflict || res.Document.Content != before.Content {
		t.Fatalf("conflict result = %s with changed document", res.Status)
	}
	after, _ := env.docs.Get(ctx, path)
	if after.Content != before.Content {
		t.Fatalf("stored document changed on conflict:\n%s", after.Content)
	}

	redeclare.Replace = true
	if _, err := env.docs.Integrate(ctx, path, []merge.Fragment{redeclare}); err != nil {
		t.Fatalf("Integrate with replace: %v", err)
	}
	replaced, _ := env.docs.Get(ctx, path)
	if !strings.Contains(replaced.Content, "return errBad") {
		t.Fatalf("replace not stored:\n%s", replaced.Content)
	}
}

func TestDocument_DryRunStoresNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res, err := env.docs.DryRun(ctx, "pkg/a.go", []merge.Fragment{{Source: "func a() {}"}})
	if err != nil {
		t.Fatalf("DryRun: %v", err)
	}
	if res.Status != merge.StatusMerged {
		t.Fatalf("DryRun status = %s", res.Status)
	}
	doc, _ := env.docs.Get(ctx, "pkg/a.go")
	if doc.Content != "" {
		t.Fatalf("dry run stored %q", doc.Content)
	}
}

// Concurrent merges into one path are serialized, so none is lost.
func TestDocument_ConcurrentIntegrate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	const path = "pkg/many.go"
	const n = 8

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			src := fmt.Sprintf("func f%d() int {\n\treturn %d\n}", i, i)
			if _, err := env.docs.Integrate(ctx, path, []merge.Fragment{{Source: src}}); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Integrate: %v", err)
	}

	doc, err := env.docs.Get(ctx, path)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	for i := range n {
		if !strings.Contains(doc.Content, fmt.Sprintf("func f%d()", i)) {
			t.Errorf("f%d lost:\n%s", i, doc.Content)
		}
	}
}

func TestDocument_PathsWithSlashesAndDots(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := merge.Document{Path: "a/b.go", Content: "func b() {}\n"}
	c := merge.Document{Path: "a.b/c.go", Content: "func c() {}\n"}
	for _, d := range []merge.Document{a, c} {
		if err := env.docs.Put(ctx, d); err != nil {
			t.Fatalf("Put %s: %v", d.Path, err)
		}
	}
	got, err := env.docs.Get(ctx, "a/b.go")
	if err != nil || got.Content != a.Content {
		t.Fatalf("Get a/b.go = %+v, %v", got, err)
	}
}
