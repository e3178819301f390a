package service

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	cfotel "github.com/Strob0t/relay/internal/adapter/otel"
	"github.com/Strob0t/relay/internal/config"
	"github.com/Strob0t/relay/internal/domain/handoff"
	"github.com/Strob0t/relay/internal/domain/merge"
	"github.com/Strob0t/relay/internal/port/kvstore"
)

// core is the state shared by the coordinator and receiver services. It holds
// no handoff state of its own; the store is authoritative.
type core struct {
	store   *handoffStore
	signals *Signals
	metrics *cfotel.Metrics
	now     func() time.Time
}

func newCore(kv kvstore.Store, signals *Signals, maxAttempts int) core {
	if signals == nil {
		signals = NewSignals(nil)
	}
	return core{
		store:   &handoffStore{kv: kv, maxAttempts: maxAttempts},
		signals: signals,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (c *core) setMetrics(m *cfotel.Metrics) {
	c.metrics = m
	c.store.metrics = m
}

// withDefaults fills the unset intervals and limits of cfg from
// config.Defaults.
func withDefaults(cfg config.Handoff) config.Handoff {
	d := config.Defaults().Handoff
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = d.PollInterval
	}
	if cfg.AwaitPollInterval <= 0 {
		cfg.AwaitPollInterval = d.AwaitPollInterval
	}
	if cfg.MaxCASAttempts <= 0 {
		cfg.MaxCASAttempts = d.MaxCASAttempts
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = d.DefaultTimeout
	}
	return cfg
}

// transitioned records a committed status change.
func (c *core) transitioned(ctx context.Context, h *handoff.Handoff) {
	slog.InfoContext(ctx, "handoff transitioned", "handoff_id", h.ID, "status", h.Status, "version", h.Version)
	if c.metrics != nil {
		c.metrics.HandoffTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(h.Status))))
	}
	c.signals.statusChanged(ctx, h)
}

// fragmentGroup is the ordered set of fragments bound for one document.
type fragmentGroup struct {
	path      string
	fragments []merge.Fragment
}

// fragmentsByPath groups the fragments of hs by target document, keeping
// first-appearance order for both paths and fragments. A fragment without a
// target path goes to its handoff's contract target; one without either is
// dropped. A lone fragment with no contract of its own is checked against
// its handoff's contract.
func fragmentsByPath(hs ...*handoff.Handoff) []fragmentGroup {
	var groups []fragmentGroup
	index := make(map[string]int)
	for _, h := range hs {
		frags := h.Fragments()
		for _, f := range frags {
			if f.TargetPath == "" {
				f.TargetPath = h.Contract.TargetPath
			}
			if f.TargetPath == "" {
				continue
			}
			if len(frags) == 1 && len(f.Contract.RequiredExports) == 0 {
				f.Contract = h.Contract
			}
			i, ok := index[f.TargetPath]
			if !ok {
				i = len(groups)
				index[f.TargetPath] = i
				groups = append(groups, fragmentGroup{path: f.TargetPath})
			}
			groups[i].fragments = append(groups[i].fragments, f)
		}
	}
	return groups
}
