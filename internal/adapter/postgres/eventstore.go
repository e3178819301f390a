package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/relay/internal/domain/event"
	"github.com/Strob0t/relay/internal/port/eventstore"
)

// EventStore implements eventstore.Store using PostgreSQL (append-only).
type EventStore struct {
	pool *pgxpool.Pool
}

var _ eventstore.Store = (*EventStore)(nil)

// NewEventStore creates a new EventStore backed by the given connection pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// Append inserts ev into handoff_events. A row with the same ID is left
// untouched.
func (s *EventStore) Append(ctx context.Context, ev *event.Event) (string, error) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO handoff_events (id, handoff_id, parent_id, from_agent, to_agent, event_type, status, payload, version, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO NOTHING`,
		ev.ID, ev.HandoffID, ev.ParentID, ev.From, ev.To, string(ev.Type), string(ev.Status),
		[]byte(ev.Payload), ev.Version, ev.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("append event %s: %w", ev.HandoffID, err)
	}
	return ev.ID, nil
}

// eventColumns is the SELECT column list for handoff_events queries.
const eventColumns = `id::text, handoff_id, parent_id, from_agent, to_agent, event_type, status, payload, version, created_at`

// scanEvent scans a row into an Event.
func scanEvent(scanner interface{ Scan(dest ...any) error }, ev *event.Event) error {
	var payload []byte
	if err := scanner.Scan(
		&ev.ID, &ev.HandoffID, &ev.ParentID, &ev.From, &ev.To,
		&ev.Type, &ev.Status, &payload, &ev.Version, &ev.CreatedAt,
	); err != nil {
		return err
	}
	ev.Payload = payload
	return nil
}

// Query returns matching events ordered by created_at.
func (s *EventStore) Query(ctx context.Context, f eventstore.Filter) ([]event.Event, error) {
	where, args := buildWhere(&f)

	q := fmt.Sprintf(`SELECT %s FROM handoff_events`, eventColumns)
	if where != "" {
		q += " WHERE " + where
	}
	q += " ORDER BY created_at ASC, id ASC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		var ev event.Event
		if err := scanEvent(rows, &ev); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// buildWhere turns a filter into a WHERE clause with positional args.
func buildWhere(f *eventstore.Filter) (string, []any) {
	var (
		conditions []string
		args       []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conditions = append(conditions, fmt.Sprintf(cond, len(args)))
	}

	if f.HandoffID != "" {
		add("handoff_id = $%d", f.HandoffID)
	}
	if f.ParentID != "" {
		add("parent_id = $%d", f.ParentID)
	}
	if f.From != "" {
		add("from_agent = $%d", f.From)
	}
	if f.To != "" {
		add("to_agent = $%d", f.To)
	}
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		add("event_type = ANY($%d)", types)
	}
	if f.After != nil {
		add("created_at > $%d", *f.After)
	}
	if f.Before != nil {
		add("created_at < $%d", *f.Before)
	}
	return strings.Join(conditions, " AND "), args
}
