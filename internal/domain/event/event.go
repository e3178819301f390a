// Package event defines the archived handoff record kept in the append-only
// event backend.
package event

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/relay/internal/domain/handoff"
)

// Type identifies the kind of archived event.
type Type string

const (
	TypeHandoffCompleted Type = "handoff.completed"
	TypeHandoffFailed    Type = "handoff.failed"
	TypeHandoffCancelled Type = "handoff.cancelled"
	TypeHandoffRejected  Type = "handoff.rejected"
	TypeHandoffTimeout   Type = "handoff.timeout"
)

// TypeFor returns the event type recording a handoff that ended in s.
func TypeFor(s handoff.Status) Type {
	return Type("handoff." + strings.ToLower(string(s)))
}

// namespace scopes deterministic event IDs.
var namespace = uuid.MustParse("6f1c2a9e-3b7d-4e52-9a61-0c8d5e2f4b17")

// Event is one immutable archived snapshot of a terminal handoff.
type Event struct {
	ID        string          `json:"id"`
	HandoffID string          `json:"handoff_id"`
	ParentID  string          `json:"parent_id,omitempty"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Type      Type            `json:"type"`
	Status    handoff.Status  `json:"status"`
	Payload   json.RawMessage `json:"payload"`
	Version   int             `json:"version"`
	CreatedAt time.Time       `json:"created_at"`
}

// FromHandoff builds the archive event for a terminal handoff. The ID is
// derived from the handoff ID and version so re-archiving is idempotent.
func FromHandoff(h *handoff.Handoff, now time.Time) (*Event, error) {
	payload, err := json.Marshal(h)
	if err != nil {
		return nil, err
	}
	id := uuid.NewSHA1(namespace, []byte(h.ID+"/"+strings.ToLower(string(h.Status))+"/"+strconv.Itoa(h.Version)))
	return &Event{
		ID:        id.String(),
		HandoffID: h.ID,
		ParentID:  h.ParentID,
		From:      h.From,
		To:        h.To,
		Type:      TypeFor(h.Status),
		Status:    h.Status,
		Payload:   payload,
		Version:   h.Version,
		CreatedAt: now,
	}, nil
}

// Handoff decodes the snapshot carried in the payload.
func (e *Event) Handoff() (*handoff.Handoff, error) {
	var h handoff.Handoff
	if err := json.Unmarshal(e.Payload, &h); err != nil {
		return nil, err
	}
	return &h, nil
}
