package service

import (
	"testing"
	"time"

	"github.com/Strob0t/relay/internal/domain/contract"
	"github.com/Strob0t/relay/internal/domain/handoff"
	"github.com/Strob0t/relay/internal/domain/merge"
)

func TestSyncWaiter_DeliverWakesAllWaiters(t *testing.T) {
	w := newSyncWaiter()
	a, unregA := w.register("h1")
	defer unregA()
	b, unregB := w.register("h1")
	defer unregB()

	if !w.deliver("h1") {
		t.Fatal("deliver reported no waiters")
	}
	for i, ch := range []<-chan struct{}{a, b} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatalf("waiter %d not woken", i)
		}
	}
}

func TestSyncWaiter_DeliverNeverBlocks(t *testing.T) {
	w := newSyncWaiter()
	ch, unregister := w.register("h1")
	defer unregister()

	w.deliver("h1")
	w.deliver("h1") // buffer already full
	<-ch
	select {
	case <-ch:
		t.Fatal("second wake-up should have coalesced")
	default:
	}
}

func TestSyncWaiter_Unregister(t *testing.T) {
	w := newSyncWaiter()
	_, unregister := w.register("h1")
	unregister()
	if w.deliver("h1") {
		t.Fatal("deliver found a removed waiter")
	}
	if len(w.waiters) != 0 {
		t.Fatalf("waiters map not cleaned: %v", w.waiters)
	}
}

func TestFragmentsByPath(t *testing.T) {
	c := contract.Contract{RequiredExports: []string{"a"}, TargetPath: "x.go"}
	single := &handoff.Handoff{Contract: c, Artifacts: []handoff.Artifact{
		{Fragment: &merge.Fragment{Source: "func a() {}"}},
	}}
	multi := &handoff.Handoff{Contract: contract.Contract{TargetPath: "x.go"}, Artifacts: []handoff.Artifact{
		{Fragment: &merge.Fragment{Source: "func b() {}", TargetPath: "y.go"}},
		{Content: "notes only"},
		{Fragment: &merge.Fragment{Source: "func c() {}"}},
	}}
	orphan := &handoff.Handoff{Artifacts: []handoff.Artifact{
		{Fragment: &merge.Fragment{Source: "func d() {}"}},
	}}

	groups := fragmentsByPath(single, multi, orphan)
	if len(groups) != 2 {
		t.Fatalf("got %d groups, want 2", len(groups))
	}
	if groups[0].path != "x.go" || len(groups[0].fragments) != 2 {
		t.Fatalf("group 0 = %s with %d fragments", groups[0].path, len(groups[0].fragments))
	}
	if got := groups[0].fragments[0].Contract.RequiredExports; len(got) != 1 || got[0] != "a" {
		t.Errorf("lone fragment contract = %v, want the handoff's", got)
	}
	if got := groups[0].fragments[1].Contract.RequiredExports; len(got) != 0 {
		t.Errorf("fragment of a multi-fragment handoff got contract %v", got)
	}
	if groups[1].path != "y.go" {
		t.Errorf("group 1 = %s, want y.go", groups[1].path)
	}
}
