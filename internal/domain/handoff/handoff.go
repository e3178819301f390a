// Package handoff defines delegated units of work and their lifecycle.
package handoff

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Strob0t/relay/internal/domain"
	"github.com/Strob0t/relay/internal/domain/contract"
	"github.com/Strob0t/relay/internal/domain/merge"
)

// Role identifies who wrote a message.
type Role string

const (
	RoleRequester Role = "requester"
	RoleReceiver  Role = "receiver"
	RoleSystem    Role = "system"
)

// MessageKind classifies a message in a handoff's conversation.
type MessageKind string

const (
	KindNote         MessageKind = "note"
	KindProgress     MessageKind = "progress"
	KindQuestion     MessageKind = "question"
	KindAnswer       MessageKind = "answer"
	KindRejection    MessageKind = "rejection"
	KindFailure      MessageKind = "failure"
	KindCancellation MessageKind = "cancellation"
)

// Message is one entry in a handoff's ordered conversation.
type Message struct {
	Role    Role        `json:"role"`
	Kind    MessageKind `json:"kind"`
	Text    string      `json:"text"`
	Options []string    `json:"options,omitempty"`
	At      time.Time   `json:"at"`
}

// Artifact is an output produced by the receiver.
type Artifact struct {
	Name     string          `json:"name"`
	Content  string          `json:"content,omitempty"`
	Markers  []string        `json:"markers,omitempty"`
	Fragment *merge.Fragment `json:"fragment,omitempty"`
}

// Handoff is a unit of delegated work tracked through a terminal-state lifecycle.
type Handoff struct {
	ID          string                 `json:"id"`
	ParentID    string                 `json:"parent_id,omitempty"`
	Children    []string               `json:"children,omitempty"`
	From        string                 `json:"from"`
	To          string                 `json:"to"`
	Capability  string                 `json:"capability,omitempty"`
	Description string                 `json:"description"`
	Input       json.RawMessage        `json:"input,omitempty"`
	Contract    contract.Contract      `json:"contract"`
	Priority    int                    `json:"priority"`
	Timeout     time.Duration          `json:"timeout,omitempty"`
	Status      Status                 `json:"status"`
	Estimate    *contract.SizeEstimate `json:"estimate,omitempty"`
	Messages    []Message              `json:"messages,omitempty"`
	Artifacts   []Artifact             `json:"artifacts,omitempty"`
	Version     int                    `json:"version"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	// ArchivedAt is set once the terminal snapshot reached the event backend.
	ArchivedAt *time.Time `json:"archived_at,omitempty"`

	// Revision is the store revision this copy was read at.
	Revision uint64 `json:"-"`
}

// IsComposite reports whether the handoff was decomposed into children.
func (h *Handoff) IsComposite() bool { return len(h.Children) > 0 }

// LastMessage returns the most recent message, or nil.
func (h *Handoff) LastMessage() *Message {
	if len(h.Messages) == 0 {
		return nil
	}
	return &h.Messages[len(h.Messages)-1]
}

// AwaitingResume reports whether the handoff is INPUT_REQUIRED and the
// requester has answered the latest question.
func (h *Handoff) AwaitingResume() bool {
	if h.Status != StatusInputRequired {
		return false
	}
	m := h.LastMessage()
	return m != nil && m.Kind == KindAnswer
}

// Transition moves h to target and bumps its version. It fails with
// domain.ErrInvalidTransition when the table has no such edge.
func (h *Handoff) Transition(target Status, now time.Time) error {
	if !h.Status.CanTransitionTo(target) {
		return fmt.Errorf("%s -> %s: %w", h.Status, target, domain.ErrInvalidTransition)
	}
	h.Status = target
	h.touch(now)
	return nil
}

// AddMessage appends a message stamped at now and bumps the version.
func (h *Handoff) AddMessage(role Role, kind MessageKind, text string, options []string, now time.Time) {
	h.Messages = append(h.Messages, Message{Role: role, Kind: kind, Text: text, Options: options, At: now})
	h.touch(now)
}

func (h *Handoff) touch(now time.Time) {
	h.Version++
	h.UpdatedAt = now
}

// Fragments returns the merge fragments attached to the artifacts, in order.
func (h *Handoff) Fragments() []merge.Fragment {
	var out []merge.Fragment
	for _, a := range h.Artifacts {
		if a.Fragment != nil {
			out = append(out, *a.Fragment)
		}
	}
	return out
}

// MissingMarkers returns the contract's completeness markers that no artifact
// emitted, either explicitly or inside its content.
func MissingMarkers(c *contract.Contract, artifacts []Artifact) []string {
	var missing []string
	for _, marker := range c.CompletenessMarkers {
		if !markerPresent(marker, artifacts) {
			missing = append(missing, marker)
		}
	}
	return missing
}

func markerPresent(marker string, artifacts []Artifact) bool {
	for _, a := range artifacts {
		for _, m := range a.Markers {
			if m == marker {
				return true
			}
		}
		if strings.Contains(a.Content, marker) {
			return true
		}
		if a.Fragment != nil && strings.Contains(a.Fragment.Source, marker) {
			return true
		}
	}
	return false
}

// CreateRequest is the input to creating a handoff.
type CreateRequest struct {
	From        string            `json:"from"`
	To          string            `json:"to"`
	Capability  string            `json:"capability,omitempty"`
	Description string            `json:"description"`
	Input       json.RawMessage   `json:"input,omitempty"`
	Contract    contract.Contract `json:"contract"`
	Priority    int               `json:"priority"`
	Timeout     time.Duration     `json:"timeout,omitempty"`
	// Negotiate runs the estimator and negotiator before persisting.
	Negotiate bool `json:"negotiate"`
}

var (
	ErrFromRequired        = errors.New("from agent is required")
	ErrToRequired          = errors.New("to agent is required")
	ErrDescriptionRequired = errors.New("description is required")
	ErrNegativeTimeout     = errors.New("timeout must not be negative")
)

// Validate checks the request. Every failure wraps domain.ErrInvalidContract.
func (r *CreateRequest) Validate() error {
	if strings.TrimSpace(r.From) == "" {
		return fmt.Errorf("%w: %w", domain.ErrInvalidContract, ErrFromRequired)
	}
	if strings.TrimSpace(r.To) == "" {
		return fmt.Errorf("%w: %w", domain.ErrInvalidContract, ErrToRequired)
	}
	if strings.TrimSpace(r.Description) == "" {
		return fmt.Errorf("%w: %w", domain.ErrInvalidContract, ErrDescriptionRequired)
	}
	if r.Timeout < 0 {
		return fmt.Errorf("%w: %w", domain.ErrInvalidContract, ErrNegativeTimeout)
	}
	if len(r.Input) > 0 && !json.Valid(r.Input) {
		return fmt.Errorf("input is not valid JSON: %w", domain.ErrInvalidContract)
	}
	if err := r.Contract.Validate(); err != nil {
		return fmt.Errorf("contract: %w", err)
	}
	return nil
}

// Task returns the estimator input for the request.
func (r *CreateRequest) Task() contract.Task {
	return contract.Task{
		Description: r.Description,
		Exports:     r.Contract.RequiredExports,
		Language:    r.Contract.Language,
	}
}
