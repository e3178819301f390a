package nats

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/relay/internal/domain/event"
	"github.com/Strob0t/relay/internal/domain/handoff"
	"github.com/Strob0t/relay/internal/port/eventstore"
)

func testArchive(t *testing.T) *ArchiveStore {
	t.Helper()
	q := testConnect(t)
	ctx := context.Background()
	stream := "RELAY_ARCHIVE_TEST_" + uuid.NewString()[:8]
	s, err := NewArchiveStore(ctx, q.JetStream(), stream, time.Hour)
	if err != nil {
		t.Fatalf("NewArchiveStore: %v", err)
	}
	t.Cleanup(func() {
		if err := q.JetStream().DeleteStream(context.Background(), stream); err != nil {
			t.Logf("delete stream: %v", err)
		}
	})
	return s
}

func archived(t *testing.T, id, parent string, status handoff.Status, at time.Time) *event.Event {
	t.Helper()
	h := &handoff.Handoff{ID: id, ParentID: parent, From: "agent-a", To: "agent-b", Status: status, Version: 3}
	ev, err := event.FromHandoff(h, at)
	if err != nil {
		t.Fatalf("FromHandoff: %v", err)
	}
	return ev
}

func TestArchiveStore_AppendQuery(t *testing.T) {
	s := testArchive(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	evs := []*event.Event{
		archived(t, "h1", "", handoff.StatusCompleted, base),
		archived(t, "h2", "p1", handoff.StatusFailed, base.Add(time.Second)),
		archived(t, "h3", "p1", handoff.StatusCancelled, base.Add(2*time.Second)),
	}
	for _, ev := range evs {
		id, err := s.Append(ctx, ev)
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if id != ev.ID {
			t.Fatalf("Append returned %s, want %s", id, ev.ID)
		}
	}

	all, err := s.Query(ctx, eventstore.Filter{})
	if err != nil {
		t.Fatalf("Query all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("Query all returned %d events, want 3", len(all))
	}

	one, err := s.Query(ctx, eventstore.Filter{HandoffID: "h2"})
	if err != nil {
		t.Fatalf("Query h2: %v", err)
	}
	if len(one) != 1 || one[0].Type != event.TypeHandoffFailed {
		t.Fatalf("Query h2 = %+v", one)
	}
	h, err := one[0].Handoff()
	if err != nil || h.ParentID != "p1" {
		t.Fatalf("decoded snapshot = %+v, %v", h, err)
	}

	children, err := s.Query(ctx, eventstore.Filter{ParentID: "p1", Limit: 1})
	if err != nil {
		t.Fatalf("Query parent: %v", err)
	}
	if len(children) != 1 || children[0].HandoffID != "h2" {
		t.Fatalf("Query parent with limit = %+v, want [h2]", children)
	}
}

func TestArchiveStore_AppendIsIdempotent(t *testing.T) {
	s := testArchive(t)
	ctx := context.Background()
	ev := archived(t, "dup", "", handoff.StatusCompleted, time.Now().UTC())

	for range 3 {
		if _, err := s.Append(ctx, ev); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	got, err := s.Query(ctx, eventstore.Filter{HandoffID: "dup"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d events after repeated append, want 1", len(got))
	}
}

func TestArchiveStore_QueryEmpty(t *testing.T) {
	s := testArchive(t)
	got, err := s.Query(context.Background(), eventstore.Filter{HandoffID: "nothing"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no events, got %d", len(got))
	}
}
