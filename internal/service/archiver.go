package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	cfotel "github.com/Strob0t/relay/internal/adapter/otel"
	"github.com/Strob0t/relay/internal/config"
	"github.com/Strob0t/relay/internal/domain"
	"github.com/Strob0t/relay/internal/domain/event"
	"github.com/Strob0t/relay/internal/domain/handoff"
	"github.com/Strob0t/relay/internal/port/eventstore"
	"github.com/Strob0t/relay/internal/port/kvstore"
	"github.com/Strob0t/relay/internal/resilience"
)

// ArchiveService exports terminal handoffs to the append-only event backend
// and then, optionally, removes them from the live store.
type ArchiveService struct {
	store   *handoffStore
	events  eventstore.Store
	breaker *resilience.Breaker
	cfg     config.Archive
	metrics *cfotel.Metrics
	now     func() time.Time
}

// NewArchiveService creates an ArchiveService. Appends go through breaker.
func NewArchiveService(kv kvstore.Store, events eventstore.Store, breaker *resilience.Breaker, cfg config.Archive) *ArchiveService {
	return &ArchiveService{
		store:   &handoffStore{kv: kv, maxAttempts: 1},
		events:  events,
		breaker: breaker,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetMetrics attaches metric instruments.
func (s *ArchiveService) SetMetrics(m *cfotel.Metrics) {
	s.metrics = m
	s.store.metrics = m
}

// Run sweeps every interval until ctx is done.
func (s *ArchiveService) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("archive sweep failed", "error", err)
			}
		}
	}
}

// Sweep archives every terminal handoff that has been terminal for at least
// the retention period and returns how many it archived. A child is kept
// live while its parent is still running, since the parent reads it.
// Archive event IDs are deterministic, so a sweep interrupted between the
// append and the delete repeats harmlessly.
func (s *ArchiveService) Sweep(ctx context.Context) (int, error) {
	all, err := s.store.list(ctx)
	if err != nil {
		return 0, err
	}
	live := make(map[string]handoff.Status, len(all))
	for _, h := range all {
		live[h.ID] = h.Status
	}

	now := s.now()
	archived := 0
	for _, h := range all {
		if !h.Status.IsTerminal() || h.ArchivedAt != nil || now.Sub(h.UpdatedAt) < s.cfg.Retention {
			continue
		}
		if st, ok := live[h.ParentID]; ok && !st.IsTerminal() {
			continue
		}
		if err := s.archive(ctx, h, now); err != nil {
			if errors.Is(err, resilience.ErrCircuitOpen) {
				return archived, err
			}
			slog.Warn("archive handoff failed", "handoff_id", h.ID, "error", err)
			continue
		}
		archived++
	}
	if archived > 0 {
		slog.Info("archived terminal handoffs", "count", archived)
	}
	return archived, nil
}

func (s *ArchiveService) archive(ctx context.Context, h *handoff.Handoff, now time.Time) error {
	ev, err := event.FromHandoff(h, now)
	if err != nil {
		return fmt.Errorf("build event: %w", err)
	}
	err = s.breaker.Call(ctx, func(ctx context.Context) error {
		_, err := s.events.Append(ctx, ev)
		return err
	})
	if err != nil {
		return fmt.Errorf("append event for %s: %w", h.ID, err)
	}
	if s.metrics != nil {
		s.metrics.EventsArchived.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(ev.Type))))
	}

	if s.cfg.DeleteAfterArchive {
		err := s.store.kv.Delete(ctx, handoffKey(h.ID), h.Revision)
		if err != nil && !errors.Is(err, domain.ErrNotFound) && !errors.Is(err, domain.ErrConflict) {
			return fmt.Errorf("delete archived %s: %w", h.ID, err)
		}
		return nil
	}
	h.ArchivedAt = &now
	if err := s.store.save(ctx, h); err != nil && !errors.Is(err, domain.ErrConflict) {
		return fmt.Errorf("mark %s archived: %w", h.ID, err)
	}
	return nil
}
