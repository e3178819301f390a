package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	cfotel "github.com/Strob0t/relay/internal/adapter/otel"
	"github.com/Strob0t/relay/internal/domain"
	"github.com/Strob0t/relay/internal/domain/handoff"
	"github.com/Strob0t/relay/internal/port/kvstore"
)

// Key layout in the durable store.
const (
	handoffPrefix  = "handoffs."
	documentPrefix = "documents."
)

func handoffKey(id string) string { return handoffPrefix + id }

// handoffStore reads and writes handoffs as JSON entries. Every write is a
// compare-and-swap against the revision the handoff was read at.
type handoffStore struct {
	kv          kvstore.Store
	maxAttempts int
	metrics     *cfotel.Metrics
}

func (s *handoffStore) load(ctx context.Context, id string) (*handoff.Handoff, error) {
	e, err := s.kv.Get(ctx, handoffKey(id))
	if err != nil {
		return nil, fmt.Errorf("get handoff %s: %w", id, err)
	}
	return decodeHandoff(e)
}

func decodeHandoff(e kvstore.Entry) (*handoff.Handoff, error) {
	var h handoff.Handoff
	if err := json.Unmarshal(e.Value, &h); err != nil {
		return nil, fmt.Errorf("decode %s: %w", e.Key, err)
	}
	h.Revision = e.Revision
	return &h, nil
}

// create persists a new handoff. It fails with domain.ErrConflict if the ID
// is taken.
func (s *handoffStore) create(ctx context.Context, h *handoff.Handoff) error {
	h.Revision = 0
	return s.save(ctx, h)
}

// save writes h if the stored copy is still at h.Revision and advances
// h.Revision on success.
func (s *handoffStore) save(ctx context.Context, h *handoff.Handoff) error {
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("marshal handoff %s: %w", h.ID, err)
	}
	rev, err := s.kv.CompareAndSwap(ctx, handoffKey(h.ID), h.Revision, data)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) && s.metrics != nil {
			s.metrics.CASConflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("key", "handoff")))
		}
		return fmt.Errorf("save handoff %s: %w", h.ID, err)
	}
	h.Revision = rev
	return nil
}

// mutate applies fn to the freshest copy of id and writes the result. A lost
// compare-and-swap is retried from a re-read, up to maxAttempts, so fn always
// decides against the current stored state. Errors returned by fn are final.
func (s *handoffStore) mutate(ctx context.Context, id string, fn func(h *handoff.Handoff) error) (*handoff.Handoff, error) {
	attempts := max(s.maxAttempts, 1)
	var lastErr error
	for range attempts {
		h, err := s.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(h); err != nil {
			return nil, err
		}
		err = s.save(ctx, h)
		if err == nil {
			return h, nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("after %d attempts: %w", attempts, lastErr)
}

// list returns every live handoff. Entries that fail to decode are skipped.
func (s *handoffStore) list(ctx context.Context) ([]*handoff.Handoff, error) {
	entries, err := s.kv.ListByPrefix(ctx, handoffPrefix)
	if err != nil {
		return nil, fmt.Errorf("list handoffs: %w", err)
	}
	out := make([]*handoff.Handoff, 0, len(entries))
	for _, e := range entries {
		if strings.Contains(strings.TrimPrefix(e.Key, handoffPrefix), ".") {
			continue
		}
		h, err := decodeHandoff(e)
		if err != nil {
			continue
		}
		out = append(out, h)
	}
	return out, nil
}

// advance moves h to target. When the stored status already lies past a
// legal source of target, a concurrent actor won and the failure is
// domain.ErrConflict rather than domain.ErrInvalidTransition.
func advance(h *handoff.Handoff, target handoff.Status, now func() time.Time) error {
	err := h.Transition(target, now())
	if err == nil || !errors.Is(err, domain.ErrInvalidTransition) {
		return err
	}
	if handoff.Superseded(h.Status, target) {
		return fmt.Errorf("handoff %s is already %s: %w", h.ID, h.Status, domain.ErrConflict)
	}
	return fmt.Errorf("handoff %s: %w", h.ID, err)
}
