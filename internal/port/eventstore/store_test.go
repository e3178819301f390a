package eventstore_test

import (
	"testing"
	"time"

	"github.com/Strob0t/relay/internal/domain/event"
	"github.com/Strob0t/relay/internal/port/eventstore"
)

func TestFilterMatches(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	before, after := at.Add(-time.Minute), at.Add(time.Minute)
	ev := &event.Event{
		HandoffID: "h-1",
		ParentID:  "p-1",
		From:      "planner",
		To:        "coder",
		Type:      event.TypeHandoffFailed,
		CreatedAt: at,
	}

	tests := []struct {
		name string
		f    eventstore.Filter
		want bool
	}{
		{"empty", eventstore.Filter{}, true},
		{"handoff", eventstore.Filter{HandoffID: "h-1"}, true},
		{"other handoff", eventstore.Filter{HandoffID: "h-2"}, false},
		{"parent", eventstore.Filter{ParentID: "p-1"}, true},
		{"from and to", eventstore.Filter{From: "planner", To: "coder"}, true},
		{"wrong to", eventstore.Filter{To: "reviewer"}, false},
		{"type listed", eventstore.Filter{Types: []event.Type{event.TypeHandoffCompleted, event.TypeHandoffFailed}}, true},
		{"type not listed", eventstore.Filter{Types: []event.Type{event.TypeHandoffCompleted}}, false},
		{"inside window", eventstore.Filter{After: &before, Before: &after}, true},
		{"after is exclusive", eventstore.Filter{After: &at}, false},
		{"before is exclusive", eventstore.Filter{Before: &at}, false},
		{"limit ignored", eventstore.Filter{Limit: 1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.f.Matches(ev); got != tt.want {
				t.Errorf("Matches = %v, want %v", got, tt.want)
			}
		})
	}
}
