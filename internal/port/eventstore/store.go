// Package eventstore defines the port interface for the append-only event backend.
package eventstore

import (
	"context"
	"time"

	"github.com/Strob0t/relay/internal/domain/event"
)

// Filter selects events by attribute. Zero fields match everything.
type Filter struct {
	HandoffID string       `json:"handoff_id,omitempty"`
	ParentID  string       `json:"parent_id,omitempty"`
	From      string       `json:"from,omitempty"`
	To        string       `json:"to,omitempty"`
	Types     []event.Type `json:"types,omitempty"`
	After     *time.Time   `json:"after,omitempty"`
	Before    *time.Time   `json:"before,omitempty"`
	Limit     int          `json:"limit,omitempty"`
}

// Matches reports whether ev satisfies every set field of f. Limit is not
// considered.
func (f *Filter) Matches(ev *event.Event) bool {
	if f.HandoffID != "" && ev.HandoffID != f.HandoffID {
		return false
	}
	if f.ParentID != "" && ev.ParentID != f.ParentID {
		return false
	}
	if f.From != "" && ev.From != f.From {
		return false
	}
	if f.To != "" && ev.To != f.To {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if ev.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.After != nil && !ev.CreatedAt.After(*f.After) {
		return false
	}
	if f.Before != nil && !ev.CreatedAt.Before(*f.Before) {
		return false
	}
	return true
}

// Store is the port interface for archiving and querying handoff events.
type Store interface {
	// Append persists ev and returns its ID. Appending an ID that already
	// exists is a no-op that returns the same ID.
	Append(ctx context.Context, ev *event.Event) (string, error)

	// Query returns matching events ordered by creation time.
	Query(ctx context.Context, f Filter) ([]event.Event, error)
}
