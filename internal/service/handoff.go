package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	cfotel "github.com/Strob0t/relay/internal/adapter/otel"
	"github.com/Strob0t/relay/internal/config"
	"github.com/Strob0t/relay/internal/domain"
	"github.com/Strob0t/relay/internal/domain/contract"
	"github.com/Strob0t/relay/internal/domain/handoff"
	"github.com/Strob0t/relay/internal/domain/merge"
	"github.com/Strob0t/relay/internal/logger"
	"github.com/Strob0t/relay/internal/port/cache"
	"github.com/Strob0t/relay/internal/port/eventstore"
	"github.com/Strob0t/relay/internal/port/kvstore"
)

// AwaitResult is the coordinator's view of a handoff once Await returns.
// On timeout Handoff.Status is TIMEOUT, which is never stored.
type AwaitResult struct {
	Handoff *handoff.Handoff
	// Documents holds the current content of every document a completed
	// top-level handoff was merged into.
	Documents []merge.Document
}

// HandoffService is the requester side of the protocol: it creates
// handoffs, negotiates their size, awaits results and cancels.
type HandoffService struct {
	core
	estimator  contract.Estimator
	negotiator *contract.Negotiator
	docs       *DocumentService
	cfg        config.Handoff

	cache    cache.Cache
	cacheTTL time.Duration
	archive  eventstore.Store
}

// NewHandoffService creates a HandoffService. signals may be nil.
func NewHandoffService(kv kvstore.Store, est contract.Estimator, docs *DocumentService, signals *Signals, cfg config.Handoff) *HandoffService {
	cfg = withDefaults(cfg)
	return &HandoffService{
		core:       newCore(kv, signals, cfg.MaxCASAttempts),
		estimator:  est,
		negotiator: contract.NewNegotiator(est),
		docs:       docs,
		cfg:        cfg,
	}
}

// SetMetrics attaches metric instruments.
func (s *HandoffService) SetMetrics(m *cfotel.Metrics) { s.setMetrics(m) }

// SetCache enables the terminal snapshot cache.
func (s *HandoffService) SetCache(c cache.Cache, ttl time.Duration) {
	s.cache = c
	s.cacheTTL = ttl
}

// SetArchive lets Get fall back to archived snapshots once a handoff has
// left the live store.
func (s *HandoffService) SetArchive(es eventstore.Store) { s.archive = es }

// Create validates req, negotiates its size when asked to and persists the
// resulting handoff(s). It returns the ID the requester awaits. An oversized
// contract that cannot be split fails with domain.ErrBudgetExceeded and
// persists nothing.
func (s *HandoffService) Create(ctx context.Context, req handoff.CreateRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	if req.Timeout == 0 {
		req.Timeout = s.cfg.DefaultTimeout
	}

	now := s.now()
	h := &handoff.Handoff{
		ID:          uuid.NewString(),
		From:        req.From,
		To:          req.To,
		Capability:  req.Capability,
		Description: req.Description,
		Input:       req.Input,
		Contract:    req.Contract,
		Priority:    req.Priority,
		Timeout:     req.Timeout,
		Status:      handoff.StatusPending,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	ctx = logger.WithHandoffID(ctx, h.ID)

	if !req.Negotiate {
		return h.ID, s.createLeaf(ctx, h, "leaf")
	}

	dec := s.negotiate(ctx, h.ID, &req)
	h.Estimate = &dec.Estimate
	switch dec.Kind {
	case contract.DecisionReject:
		slog.InfoContext(ctx, "handoff rejected by negotiation", "from", req.From, "to", req.To, "reason", dec.Reason)
		return "", dec.Err
	case contract.DecisionDecompose:
		return h.ID, s.createComposite(ctx, h, dec.Plan)
	default:
		return h.ID, s.createLeaf(ctx, h, "leaf")
	}
}

func (s *HandoffService) negotiate(ctx context.Context, origin string, req *handoff.CreateRequest) contract.Decision {
	ctx, span := cfotel.StartNegotiationSpan(ctx, req.From, req.To, len(req.Contract.RequiredExports))
	defer span.End()

	task := req.Task()
	est := s.estimator.Estimate(task)
	dec := s.negotiator.Decide(origin, task, &req.Contract, est)
	span.SetAttributes(attribute.String("negotiation.decision", string(dec.Kind)))
	if s.metrics != nil {
		s.metrics.Negotiations.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", string(dec.Kind))))
	}
	slog.InfoContext(ctx, "contract negotiated",
		"decision", dec.Kind,
		"lines", est.Lines,
		"tokens", est.Tokens,
		"max_lines", req.Contract.MaxLines,
		"max_tokens", req.Contract.MaxTokens,
	)
	return dec
}

func (s *HandoffService) createLeaf(ctx context.Context, h *handoff.Handoff, kind string) error {
	if err := s.store.create(ctx, h); err != nil {
		return fmt.Errorf("create handoff: %w", err)
	}
	s.created(ctx, h, kind)
	s.signals.assign(ctx, h)
	return nil
}

func (s *HandoffService) created(ctx context.Context, h *handoff.Handoff, kind string) {
	slog.InfoContext(ctx, "handoff created", "handoff_id", h.ID, "parent_id", h.ParentID, "from", h.From, "to", h.To, "kind", kind)
	if s.metrics != nil {
		s.metrics.HandoffsCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

// createComposite persists a parent the coordinator itself works (it goes
// straight to IN_PROGRESS) and one PENDING child per sub-contract, in plan
// order. A child that cannot be stored fails the parent and cancels the
// children already stored.
func (s *HandoffService) createComposite(ctx context.Context, parent *handoff.Handoff, plan *contract.Plan) error {
	if err := plan.Validate(&parent.Contract); err != nil {
		return fmt.Errorf("decomposition plan: %w", err)
	}

	children := make([]*handoff.Handoff, len(plan.SubContracts))
	for i := range plan.SubContracts {
		sc := &plan.SubContracts[i]
		est := sc.Estimate
		children[i] = &handoff.Handoff{
			ID:          uuid.NewString(),
			ParentID:    parent.ID,
			From:        parent.From,
			To:          parent.To,
			Capability:  parent.Capability,
			Description: fmt.Sprintf("%s (part %d of %d: %s)", parent.Description, i+1, len(plan.SubContracts), strings.Join(sc.Contract.RequiredExports, ", ")),
			Input:       parent.Input,
			Contract:    sc.Contract,
			Priority:    parent.Priority,
			Timeout:     parent.Timeout,
			Status:      handoff.StatusPending,
			Estimate:    &est,
			Version:     1,
			CreatedAt:   parent.CreatedAt,
			UpdatedAt:   parent.CreatedAt,
		}
		parent.Children = append(parent.Children, children[i].ID)
	}

	now := s.now()
	for _, target := range []handoff.Status{handoff.StatusAccepted, handoff.StatusInProgress} {
		if err := parent.Transition(target, now); err != nil {
			return err
		}
	}
	parent.AddMessage(handoff.RoleSystem, handoff.KindNote,
		fmt.Sprintf("decomposed into %d sub-contracts", len(children)), nil, now)

	if err := s.store.create(ctx, parent); err != nil {
		return fmt.Errorf("create parent handoff: %w", err)
	}
	s.created(ctx, parent, "parent")

	for i, child := range children {
		if err := s.store.create(ctx, child); err != nil {
			slog.ErrorContext(ctx, "create child handoff failed", "handoff_id", parent.ID, "index", i, "error", err)
			s.abandon(context.WithoutCancel(ctx), parent.ID, fmt.Sprintf("sub-contract %d could not be stored: %v", i, err))
			return fmt.Errorf("create child handoff %d: %w", i, err)
		}
		s.created(ctx, child, "child")
	}
	for _, child := range children {
		s.signals.assign(ctx, child)
	}
	return nil
}

// Get returns the current state of a handoff: from the terminal snapshot
// cache, the live store, or the archive, in that order.
func (s *HandoffService) Get(ctx context.Context, id string) (*handoff.Handoff, error) {
	if h, ok := s.cached(ctx, id); ok {
		return h, nil
	}
	h, err := s.store.load(ctx, id)
	if err == nil {
		s.remember(ctx, h)
		return h, nil
	}
	if !errors.Is(err, domain.ErrNotFound) || s.archive == nil {
		return nil, err
	}
	events, qerr := s.archive.Query(ctx, eventstore.Filter{HandoffID: id})
	if qerr != nil {
		return nil, fmt.Errorf("query archive for %s: %w", id, qerr)
	}
	if len(events) == 0 {
		return nil, err
	}
	archived, derr := events[len(events)-1].Handoff()
	if derr != nil {
		return nil, fmt.Errorf("decode archived handoff %s: %w", id, derr)
	}
	s.remember(ctx, archived)
	return archived, nil
}

func cacheKey(id string) string { return "handoff:" + id }

func (s *HandoffService) cached(ctx context.Context, id string) (*handoff.Handoff, bool) {
	if s.cache == nil {
		return nil, false
	}
	data, ok, err := s.cache.Get(ctx, cacheKey(id))
	if err != nil || !ok {
		return nil, false
	}
	var h handoff.Handoff
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, false
	}
	return &h, true
}

// remember caches terminal snapshots only; live handoffs change under CAS.
func (s *HandoffService) remember(ctx context.Context, h *handoff.Handoff) {
	if s.cache == nil || !h.Status.IsTerminal() {
		return
	}
	data, err := json.Marshal(h)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, cacheKey(h.ID), data, s.cacheTTL); err != nil {
		slog.Warn("cache handoff snapshot failed", "handoff_id", h.ID, "error", err)
	}
}

// Await blocks until the handoff is terminal or timeout elapses. A composite
// handoff is driven forward while waiting: once every child completed, their
// fragments are merged in contract order and the parent completes. A leaf
// was merged by the receiver when it completed.
//
// On timeout the result carries the local view TIMEOUT and the error wraps
// domain.ErrTimeout. With cancel_on_timeout the stored handoff is also moved
// to CANCELLED so a receiver still working loses its final write.
func (s *HandoffService) Await(ctx context.Context, id string, timeout time.Duration) (*AwaitResult, error) {
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	ctx = logger.WithHandoffID(ctx, id)
	ctx, span := cfotel.StartHandoffSpan(ctx, "await", id)
	defer span.End()

	start := time.Now()
	if s.metrics != nil {
		defer func() {
			s.metrics.AwaitDuration.Record(ctx, time.Since(start).Seconds())
		}()
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.cfg.AwaitPollInterval)
	defer ticker.Stop()
	wake, unregister := s.signals.waitStatus(id)
	defer unregister()

	for {
		h, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if h.IsComposite() && !h.Status.IsTerminal() {
			if h, err = s.advanceComposite(ctx, h); err != nil {
				return nil, err
			}
		}
		if h.Status.IsTerminal() {
			return s.finish(ctx, h)
		}

		select {
		case <-deadline.C:
			return s.expire(ctx, h, timeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		case <-ticker.C:
		}
	}
}

// finish builds the result for a terminal handoff. Its fragments were merged
// before it completed, so finish only reads the documents back.
func (s *HandoffService) finish(ctx context.Context, h *handoff.Handoff) (*AwaitResult, error) {
	res := &AwaitResult{Handoff: h}
	if h.Status != handoff.StatusCompleted || h.ParentID != "" || s.docs == nil {
		return res, nil
	}
	for _, path := range documentPaths(h) {
		doc, err := s.docs.Get(ctx, path)
		if err != nil {
			return res, fmt.Errorf("read %s for %s: %w", path, h.ID, err)
		}
		res.Documents = append(res.Documents, doc)
	}
	return res, nil
}

// documentPaths lists the documents h wrote to: the target of each fragment
// group, or the contract target of a composite.
func documentPaths(h *handoff.Handoff) []string {
	var paths []string
	for _, g := range fragmentsByPath(h) {
		paths = append(paths, g.path)
	}
	if len(paths) == 0 && h.IsComposite() && h.Contract.TargetPath != "" {
		paths = append(paths, h.Contract.TargetPath)
	}
	return paths
}

func (s *HandoffService) expire(ctx context.Context, h *handoff.Handoff, timeout time.Duration) (*AwaitResult, error) {
	slog.WarnContext(ctx, "await timed out", "handoff_id", h.ID, "status", h.Status, "timeout", timeout)
	if s.cfg.CancelOnTimeout {
		_, err := s.cancel(context.WithoutCancel(ctx), h.ID, fmt.Sprintf("await timed out after %s", timeout))
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrInvalidTransition):
			// It became terminal between the last read and the cancel.
			if latest, gerr := s.Get(ctx, h.ID); gerr == nil && latest.Status.IsTerminal() {
				return s.finish(ctx, latest)
			}
		default:
			slog.WarnContext(ctx, "cancel after timeout failed", "handoff_id", h.ID, "error", err)
		}
	}
	view := *h
	view.Status = handoff.StatusTimeout
	return &AwaitResult{Handoff: &view}, fmt.Errorf("await %s after %s: %w", h.ID, timeout, domain.ErrTimeout)
}

// advanceComposite moves a parent forward from the state of its children.
func (s *HandoffService) advanceComposite(ctx context.Context, parent *handoff.Handoff) (*handoff.Handoff, error) {
	children := make([]*handoff.Handoff, 0, len(parent.Children))
	done := true
	for _, cid := range parent.Children {
		child, err := s.Get(ctx, cid)
		if errors.Is(err, domain.ErrNotFound) {
			return s.abandon(ctx, parent.ID, fmt.Sprintf("sub-contract handoff %s is missing", cid))
		}
		if err != nil {
			return nil, err
		}
		switch child.Status {
		case handoff.StatusCompleted:
		case handoff.StatusFailed, handoff.StatusRejected, handoff.StatusCancelled:
			reason := fmt.Sprintf("sub-contract handoff %s ended %s", cid, child.Status)
			if m := child.LastMessage(); m != nil && m.Text != "" {
				reason += ": " + m.Text
			}
			return s.abandon(ctx, parent.ID, reason)
		default:
			done = false
		}
		children = append(children, child)
	}
	if !done {
		return parent, nil
	}

	var artifacts []handoff.Artifact
	for _, g := range fragmentsByPath(children...) {
		m, err := s.docs.Integrate(ctx, g.path, g.fragments)
		if err != nil {
			if domain.IsDecision(err) || errors.Is(err, domain.ErrMergeSyntax) {
				return s.abandon(ctx, parent.ID, fmt.Sprintf("merge into %s failed: %v", g.path, err))
			}
			return nil, err
		}
		artifacts = append(artifacts, handoff.Artifact{Name: g.path, Content: m.Document.Content})
	}
	for _, c := range children {
		artifacts = append(artifacts, c.Artifacts...)
	}

	h, err := s.store.mutate(ctx, parent.ID, func(h *handoff.Handoff) error {
		if h.Status.IsTerminal() {
			return nil
		}
		if err := h.Transition(handoff.StatusCompleted, s.now()); err != nil {
			return err
		}
		h.Artifacts = artifacts
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("complete parent %s: %w", parent.ID, err)
	}
	if h.Status == handoff.StatusCompleted {
		s.transitioned(ctx, h)
	}
	return h, nil
}

// abandon fails a parent and cancels its unfinished children. A parent that
// is already terminal is returned as stored.
func (s *HandoffService) abandon(ctx context.Context, id, reason string) (*handoff.Handoff, error) {
	var changed bool
	h, err := s.store.mutate(ctx, id, func(h *handoff.Handoff) error {
		changed = false
		if h.Status.IsTerminal() {
			return nil
		}
		now := s.now()
		if err := h.Transition(handoff.StatusFailed, now); err != nil {
			return err
		}
		h.AddMessage(handoff.RoleSystem, handoff.KindFailure, reason, nil, now)
		changed = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fail parent %s: %w", id, err)
	}
	if changed {
		slog.WarnContext(ctx, "composite handoff failed", "handoff_id", id, "reason", reason)
		s.transitioned(ctx, h)
		s.cancelChildren(ctx, h, "parent failed: "+reason)
	}
	return h, nil
}

// Cancel moves a non-terminal handoff to CANCELLED and cascades to its
// unfinished children. A terminal handoff fails with
// domain.ErrInvalidTransition. Cancellation is advisory: a receiver that
// already read the handoff learns of it only when its next write loses.
func (s *HandoffService) Cancel(ctx context.Context, id string) error {
	ctx = logger.WithHandoffID(ctx, id)
	ctx, span := cfotel.StartHandoffSpan(ctx, "cancel", id)
	defer span.End()
	_, err := s.cancel(ctx, id, "cancelled by requester")
	return err
}

func (s *HandoffService) cancel(ctx context.Context, id, reason string) (*handoff.Handoff, error) {
	h, err := s.store.mutate(ctx, id, func(h *handoff.Handoff) error {
		now := s.now()
		if err := h.Transition(handoff.StatusCancelled, now); err != nil {
			return fmt.Errorf("cancel %s: %w", id, err)
		}
		h.AddMessage(handoff.RoleRequester, handoff.KindCancellation, reason, nil, now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.transitioned(ctx, h)
	s.cancelChildren(ctx, h, "parent cancelled")
	return h, nil
}

func (s *HandoffService) cancelChildren(ctx context.Context, parent *handoff.Handoff, reason string) {
	for _, cid := range parent.Children {
		if _, err := s.cancel(ctx, cid, reason); err != nil &&
			!errors.Is(err, domain.ErrInvalidTransition) && !errors.Is(err, domain.ErrNotFound) {
			slog.WarnContext(ctx, "cancel child handoff failed", "handoff_id", cid, "parent_id", parent.ID, "error", err)
		}
	}
}

// Answer supplies the requester's answer to the question a receiver asked.
// The handoff stays INPUT_REQUIRED until the receiver resumes it.
func (s *HandoffService) Answer(ctx context.Context, id, text string) (*handoff.Handoff, error) {
	ctx = logger.WithHandoffID(ctx, id)
	h, err := s.store.mutate(ctx, id, func(h *handoff.Handoff) error {
		if h.Status != handoff.StatusInputRequired {
			if h.Status.IsTerminal() {
				return fmt.Errorf("answer %s: already %s: %w", id, h.Status, domain.ErrConflict)
			}
			return fmt.Errorf("answer %s in status %s: %w", id, h.Status, domain.ErrInvalidTransition)
		}
		h.AddMessage(handoff.RoleRequester, handoff.KindAnswer, text, nil, s.now())
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "handoff answered", "handoff_id", id)
	s.signals.statusChanged(ctx, h)
	return h, nil
}
