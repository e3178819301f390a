package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Strob0t/relay/internal/domain/handoff"
	"github.com/Strob0t/relay/internal/port/kvstore"
	"github.com/Strob0t/relay/internal/port/messagequeue"
)

// Signals turns store watches and queue nudges into wake-ups for Await and
// Poll. It never carries state: waiters always re-read the store.
type Signals struct {
	status   *syncWaiter // keyed by handoff ID
	assigned *syncWaiter // keyed by agent ID
	queue    messagequeue.Queue
}

// NewSignals creates a Signals. queue may be nil, in which case wake-ups are
// delivered only inside this process.
func NewSignals(queue messagequeue.Queue) *Signals {
	return &Signals{
		status:   newSyncWaiter(),
		assigned: newSyncWaiter(),
		queue:    queue,
	}
}

// Run forwards store changes and queue nudges to local waiters until ctx is
// done. kv is watched when it implements kvstore.Watcher.
func (s *Signals) Run(ctx context.Context, kv kvstore.Store) error {
	if s.queue != nil {
		stopStatus, err := s.queue.Subscribe(ctx, messagequeue.SubjectHandoffStatus+".>", s.onStatus)
		if err != nil {
			return fmt.Errorf("subscribe status: %w", err)
		}
		defer stopStatus()
		stopAssigned, err := s.queue.Subscribe(ctx, messagequeue.SubjectHandoffAssigned+".>", s.onAssigned)
		if err != nil {
			return fmt.Errorf("subscribe assigned: %w", err)
		}
		defer stopAssigned()
	}

	w, ok := kv.(kvstore.Watcher)
	if !ok {
		<-ctx.Done()
		return nil
	}
	changes, err := w.Watch(ctx, handoffPrefix)
	if err != nil {
		return fmt.Errorf("watch handoffs: %w", err)
	}
	slog.Info("watching handoff changes", "prefix", handoffPrefix)
	for e := range changes {
		id := strings.TrimPrefix(e.Key, handoffPrefix)
		s.status.deliver(id)
		if e.Value == nil {
			continue
		}
		h, err := decodeHandoff(e)
		if err != nil {
			continue
		}
		s.assigned.deliver(h.To)
	}
	return nil
}

func (s *Signals) onStatus(_ context.Context, _ string, data []byte) error {
	var p messagequeue.StatusPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	s.status.deliver(p.HandoffID)
	return nil
}

func (s *Signals) onAssigned(_ context.Context, _ string, data []byte) error {
	var p messagequeue.AssignedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	s.assigned.deliver(p.AgentID)
	return nil
}

// statusChanged wakes local awaiters of h and publishes a status nudge.
func (s *Signals) statusChanged(ctx context.Context, h *handoff.Handoff) {
	s.status.deliver(h.ID)
	if h.ParentID != "" {
		s.status.deliver(h.ParentID)
	}
	if h.Status == handoff.StatusPending || h.AwaitingResume() {
		s.assigned.deliver(h.To)
	}
	if s.queue == nil {
		return
	}
	data, err := json.Marshal(messagequeue.StatusPayload{HandoffID: h.ID, Status: string(h.Status), Version: h.Version})
	if err != nil {
		return
	}
	if err := s.queue.Publish(ctx, messagequeue.StatusSubject(h.ID), data); err != nil {
		slog.Warn("publish status nudge failed", "handoff_id", h.ID, "error", err)
	}
	if h.ParentID != "" {
		parent, _ := json.Marshal(messagequeue.StatusPayload{HandoffID: h.ParentID, Status: string(h.Status), Version: h.Version})
		if err := s.queue.Publish(ctx, messagequeue.StatusSubject(h.ParentID), parent); err != nil {
			slog.Warn("publish status nudge failed", "handoff_id", h.ParentID, "error", err)
		}
	}
}

// assign wakes pollers for h's receiving agent and publishes an assignment nudge.
func (s *Signals) assign(ctx context.Context, h *handoff.Handoff) {
	s.assigned.deliver(h.To)
	if s.queue == nil {
		return
	}
	data, err := json.Marshal(messagequeue.AssignedPayload{HandoffID: h.ID, AgentID: h.To, Priority: h.Priority})
	if err != nil {
		return
	}
	if err := s.queue.Publish(ctx, messagequeue.AssignedSubject(h.To), data); err != nil {
		slog.Warn("publish assignment nudge failed", "handoff_id", h.ID, "agent_id", h.To, "error", err)
	}
}

func (s *Signals) waitStatus(id string) (<-chan struct{}, func()) { return s.status.register(id) }

func (s *Signals) waitAssigned(agentID string) (<-chan struct{}, func()) {
	return s.assigned.register(agentID)
}
