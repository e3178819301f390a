package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "relay"

// Metrics holds all relay metric instruments.
type Metrics struct {
	HandoffsCreated    metric.Int64Counter
	HandoffTransitions metric.Int64Counter
	Negotiations       metric.Int64Counter
	CASConflicts       metric.Int64Counter
	MergeOutcomes      metric.Int64Counter
	EventsArchived     metric.Int64Counter
	AwaitDuration      metric.Float64Histogram
}

// NewMetrics creates all metric instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return newMetrics(otel.Meter(meterName))
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.HandoffsCreated, err = meter.Int64Counter("relay.handoffs.created",
		metric.WithDescription("Number of handoffs persisted, by kind (leaf, parent, child)"))
	if err != nil {
		return nil, err
	}

	m.HandoffTransitions, err = meter.Int64Counter("relay.handoffs.transitions",
		metric.WithDescription("Number of committed status transitions, by target status"))
	if err != nil {
		return nil, err
	}

	m.Negotiations, err = meter.Int64Counter("relay.negotiations",
		metric.WithDescription("Number of contract negotiations, by decision"))
	if err != nil {
		return nil, err
	}

	m.CASConflicts, err = meter.Int64Counter("relay.store.cas_conflicts",
		metric.WithDescription("Number of compare-and-swap writes lost to a concurrent writer"))
	if err != nil {
		return nil, err
	}

	m.MergeOutcomes, err = meter.Int64Counter("relay.merges",
		metric.WithDescription("Number of structural merges, by result status"))
	if err != nil {
		return nil, err
	}

	m.EventsArchived, err = meter.Int64Counter("relay.archive.events",
		metric.WithDescription("Number of terminal handoffs archived to the event backend"))
	if err != nil {
		return nil, err
	}

	m.AwaitDuration, err = meter.Float64Histogram("relay.await.duration_seconds",
		metric.WithDescription("Time callers spent awaiting a handoff"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
