// Package messagequeue defines the message queue port (interface).
package messagequeue

import (
	"context"
	"strings"
)

// Handler processes a message received from the queue.
// The context carries request-scoped values such as the request ID.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue is the port interface for publishing and subscribing to messages.
type Queue interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// Only messages published after the call are delivered.
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Drain gracefully drains all subscriptions before closing.
	Drain() error

	// Close shuts down the queue connection immediately.
	Close() error

	// IsConnected reports whether the queue is currently connected.
	IsConnected() bool
}

// Subjects carry wake-up hints only; the key-value store stays the source
// of truth for every handoff.
const (
	SubjectHandoffAssigned = "handoffs.assigned" // handoffs.assigned.{agent}
	SubjectHandoffStatus   = "handoffs.status"   // handoffs.status.{handoff}
)

// AssignedSubject returns the nudge subject for agentID.
func AssignedSubject(agentID string) string {
	return SubjectHandoffAssigned + "." + Token(agentID)
}

// StatusSubject returns the status-change subject for a handoff.
func StatusSubject(handoffID string) string {
	return SubjectHandoffStatus + "." + Token(handoffID)
}

// Token makes s safe as a single subject token.
func Token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}
