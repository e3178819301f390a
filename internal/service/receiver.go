package service

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sort"
	"strings"
	"time"

	cfotel "github.com/Strob0t/relay/internal/adapter/otel"
	"github.com/Strob0t/relay/internal/config"
	"github.com/Strob0t/relay/internal/domain"
	"github.com/Strob0t/relay/internal/domain/handoff"
	"github.com/Strob0t/relay/internal/logger"
	"github.com/Strob0t/relay/internal/port/kvstore"
)

// ReceiverService is the worker side of the protocol. Every operation is a
// compare-and-swap from an allowed source status; losing a race to another
// receiver or to the requester fails with domain.ErrConflict.
type ReceiverService struct {
	core
	docs *DocumentService
	cfg  config.Handoff
}

// NewReceiverService creates a ReceiverService. docs may be nil, which skips
// merging on Complete. signals may be nil. Unset intervals in cfg take their
// defaults.
func NewReceiverService(kv kvstore.Store, docs *DocumentService, signals *Signals, cfg config.Handoff) *ReceiverService {
	cfg = withDefaults(cfg)
	return &ReceiverService{
		core: newCore(kv, signals, cfg.MaxCASAttempts),
		docs: docs,
		cfg:  cfg,
	}
}

// SetMetrics attaches metric instruments.
func (s *ReceiverService) SetMetrics(m *cfotel.Metrics) { s.setMetrics(m) }

// Poll returns an endless sequence of handoffs addressed to agentID that are
// ready for it: PENDING work, and INPUT_REQUIRED work whose question was
// answered. Each round re-queries the store, so the sequence holds no cursor
// and a handoff stays visible until some receiver moves it on. Between rounds
// Poll sleeps the configured interval or until an assignment nudge arrives.
//
// Cancelling ctx ends the sequence after the current round; a store query
// already running is not interrupted. A query error is yielded and the
// sequence continues with the next round.
func (s *ReceiverService) Poll(ctx context.Context, agentID string) iter.Seq2[*handoff.Handoff, error] {
	return func(yield func(*handoff.Handoff, error) bool) {
		wake, unregister := s.signals.waitAssigned(agentID)
		defer unregister()
		timer := time.NewTimer(s.cfg.PollInterval)
		defer timer.Stop()

		for {
			if ctx.Err() != nil {
				return
			}
			ready, err := s.ready(context.WithoutCancel(ctx), agentID)
			if err != nil {
				slog.WarnContext(ctx, "poll query failed", "agent_id", agentID, "error", err)
				if !yield(nil, err) {
					return
				}
			}
			for _, h := range ready {
				if ctx.Err() != nil {
					return
				}
				if !yield(h, nil) {
					return
				}
			}

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.cfg.PollInterval)
			select {
			case <-ctx.Done():
				return
			case <-wake:
			case <-timer.C:
			}
		}
	}
}

// Queue lists the handoffs ready for agentID in the order Poll yields them.
func (s *ReceiverService) Queue(ctx context.Context, agentID string) ([]*handoff.Handoff, error) {
	return s.ready(ctx, agentID)
}

// ready lists the leaf handoffs agentID can act on, highest priority first,
// then oldest first.
func (s *ReceiverService) ready(ctx context.Context, agentID string) ([]*handoff.Handoff, error) {
	all, err := s.store.list(ctx)
	if err != nil {
		return nil, err
	}
	var out []*handoff.Handoff
	for _, h := range all {
		if h.To != agentID || h.IsComposite() {
			continue
		}
		if h.Status == handoff.StatusPending || h.AwaitingResume() {
			out = append(out, h)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Accept claims a PENDING handoff. Exactly one of several racing receivers
// succeeds; the others get domain.ErrConflict and must not proceed.
func (s *ReceiverService) Accept(ctx context.Context, id string) (*handoff.Handoff, error) {
	return s.apply(ctx, "accept", id, func(h *handoff.Handoff) error {
		return advance(h, handoff.StatusAccepted, s.now)
	})
}

// Reject declines a PENDING handoff with a reason.
func (s *ReceiverService) Reject(ctx context.Context, id, reason string) (*handoff.Handoff, error) {
	return s.apply(ctx, "reject", id, func(h *handoff.Handoff) error {
		if err := advance(h, handoff.StatusRejected, s.now); err != nil {
			return err
		}
		h.AddMessage(handoff.RoleReceiver, handoff.KindRejection, reason, nil, s.now())
		return nil
	})
}

// Start begins work on an ACCEPTED handoff.
func (s *ReceiverService) Start(ctx context.Context, id string) (*handoff.Handoff, error) {
	return s.apply(ctx, "start", id, func(h *handoff.Handoff) error {
		if h.Status == handoff.StatusInputRequired {
			return fmt.Errorf("start %s while waiting for input: %w", id, domain.ErrInvalidTransition)
		}
		return advance(h, handoff.StatusInProgress, s.now)
	})
}

// Progress appends a progress note to an IN_PROGRESS handoff.
func (s *ReceiverService) Progress(ctx context.Context, id, note string) (*handoff.Handoff, error) {
	return s.apply(ctx, "progress", id, func(h *handoff.Handoff) error {
		switch {
		case h.Status == handoff.StatusInProgress:
		case h.Status.IsTerminal():
			return fmt.Errorf("handoff %s is already %s: %w", id, h.Status, domain.ErrConflict)
		default:
			return fmt.Errorf("progress on %s in status %s: %w", id, h.Status, domain.ErrInvalidTransition)
		}
		h.AddMessage(handoff.RoleReceiver, handoff.KindProgress, note, nil, s.now())
		return nil
	})
}

// RequestInput asks the requester a question and parks the handoff in
// INPUT_REQUIRED until it is answered and resumed.
func (s *ReceiverService) RequestInput(ctx context.Context, id, question string, options []string) (*handoff.Handoff, error) {
	if strings.TrimSpace(question) == "" {
		return nil, fmt.Errorf("question is required: %w", domain.ErrInvalidContract)
	}
	return s.apply(ctx, "request_input", id, func(h *handoff.Handoff) error {
		if err := advance(h, handoff.StatusInputRequired, s.now); err != nil {
			return err
		}
		h.AddMessage(handoff.RoleReceiver, handoff.KindQuestion, question, options, s.now())
		return nil
	})
}

// Resume returns an INPUT_REQUIRED handoff to IN_PROGRESS. The answer, if
// any, is the handoff's last message.
func (s *ReceiverService) Resume(ctx context.Context, id string) (*handoff.Handoff, error) {
	return s.apply(ctx, "resume", id, func(h *handoff.Handoff) error {
		if h.Status == handoff.StatusAccepted {
			return fmt.Errorf("resume %s before it was started: %w", id, domain.ErrInvalidTransition)
		}
		return advance(h, handoff.StatusInProgress, s.now)
	})
}

// Complete closes a handoff with its artifacts. A handoff that already moved
// on fails with domain.ErrConflict before the artifacts are looked at.
// Artifacts missing a completeness marker fail with domain.ErrTruncatedOutput.
//
// The fragments of a top-level handoff are merged into their target
// documents before it is stored as COMPLETED; a merge failure is returned
// and the handoff stays IN_PROGRESS. If the final write loses a race the
// merges are undone. Fragments of a sub-contract are only dry-run here, the
// parent merges them in plan order.
func (s *ReceiverService) Complete(ctx context.Context, id string, artifacts []handoff.Artifact) (*handoff.Handoff, error) {
	current, err := s.store.load(ctx, id)
	if err != nil {
		return nil, err
	}
	view := *current
	if err := advance(&view, handoff.StatusCompleted, s.now); err != nil {
		return nil, fmt.Errorf("complete %s: %w", id, err)
	}
	if missing := handoff.MissingMarkers(&current.Contract, artifacts); len(missing) > 0 {
		return nil, fmt.Errorf("complete %s: missing markers %s: %w", id, strings.Join(missing, ", "), domain.ErrTruncatedOutput)
	}

	var writes []*write
	if s.docs != nil {
		view.Artifacts = artifacts
		groups := fragmentsByPath(&view)
		if current.ParentID != "" {
			err = s.dryRun(ctx, id, groups)
		} else {
			writes, err = s.integrate(ctx, id, groups)
		}
		if err != nil {
			return nil, err
		}
	}

	h, err := s.apply(ctx, "complete", id, func(h *handoff.Handoff) error {
		if err := advance(h, handoff.StatusCompleted, s.now); err != nil {
			return err
		}
		h.Artifacts = artifacts
		for _, w := range writes {
			h.AddMessage(handoff.RoleSystem, handoff.KindNote, "merged into "+w.path, nil, s.now())
		}
		return nil
	})
	if err != nil {
		s.undo(ctx, id, writes)
		return nil, err
	}
	return h, nil
}

func (s *ReceiverService) dryRun(ctx context.Context, id string, groups []fragmentGroup) error {
	for _, g := range groups {
		res, err := s.docs.DryRun(ctx, g.path, g.fragments)
		if err != nil {
			return err
		}
		if err := res.Err(); err != nil {
			return fmt.Errorf("complete %s: fragments do not merge into %s: %w", id, g.path, err)
		}
	}
	return nil
}

// integrate merges every group or none: a failure undoes the groups already
// stored.
func (s *ReceiverService) integrate(ctx context.Context, id string, groups []fragmentGroup) ([]*write, error) {
	var writes []*write
	for _, g := range groups {
		_, w, err := s.docs.integrate(ctx, g.path, g.fragments)
		if err != nil {
			s.undo(ctx, id, writes)
			return nil, fmt.Errorf("complete %s: merge into %s: %w", id, g.path, err)
		}
		if w != nil {
			writes = append(writes, w)
		}
	}
	return writes, nil
}

func (s *ReceiverService) undo(ctx context.Context, id string, writes []*write) {
	ctx = context.WithoutCancel(ctx)
	for i := len(writes) - 1; i >= 0; i-- {
		if err := s.docs.undo(ctx, writes[i]); err != nil {
			slog.WarnContext(ctx, "undo merge failed", "handoff_id", id, "path", writes[i].path, "error", err)
		}
	}
}

// Fail closes a handoff the receiver could not finish.
func (s *ReceiverService) Fail(ctx context.Context, id, reason string) (*handoff.Handoff, error) {
	return s.apply(ctx, "fail", id, func(h *handoff.Handoff) error {
		if err := advance(h, handoff.StatusFailed, s.now); err != nil {
			return err
		}
		h.AddMessage(handoff.RoleReceiver, handoff.KindFailure, reason, nil, s.now())
		return nil
	})
}

func (s *ReceiverService) apply(ctx context.Context, op, id string, fn func(h *handoff.Handoff) error) (*handoff.Handoff, error) {
	ctx = logger.WithHandoffID(ctx, id)
	ctx, span := cfotel.StartHandoffSpan(ctx, op, id)
	defer span.End()

	before := handoff.Status("")
	h, err := s.store.mutate(ctx, id, func(h *handoff.Handoff) error {
		before = h.Status
		return fn(h)
	})
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			slog.InfoContext(ctx, "receiver lost race", "op", op, "handoff_id", id, "error", err)
		}
		return nil, err
	}
	if h.Status != before {
		s.transitioned(ctx, h)
	} else {
		s.signals.statusChanged(ctx, h)
	}
	return h, nil
}
