package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/relay/internal/domain/event"
	"github.com/Strob0t/relay/internal/port/eventstore"
	"github.com/Strob0t/relay/internal/port/messagequeue"
)

const (
	archiveSubjectPrefix = "relay.archive."
	archiveFetchBatch    = 256
	archiveFetchWait     = 500 * time.Millisecond
	archiveDupWindow     = 10 * time.Minute
)

// ArchiveStore implements eventstore.Store on a JetStream stream. Events
// are published under relay.archive.<handoff>, de-duplicated by event ID.
type ArchiveStore struct {
	js     jetstream.JetStream
	stream string
}

// NewArchiveStore ensures the archive stream exists. maxAge 0 keeps events
// forever.
func NewArchiveStore(ctx context.Context, js jetstream.JetStream, stream string, maxAge time.Duration) (*ArchiveStore, error) {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       stream,
		Subjects:   []string{archiveSubject(stream, ">")},
		Storage:    jetstream.FileStorage,
		MaxAge:     maxAge,
		Duplicates: archiveDupWindow,
	})
	if err != nil {
		return nil, fmt.Errorf("archive stream %s: %w", stream, err)
	}
	return &ArchiveStore{js: js, stream: stream}, nil
}

func archiveSubject(stream, handoffToken string) string {
	return archiveSubjectPrefix + strings.ToLower(messagequeue.Token(stream)) + "." + handoffToken
}

// Append publishes ev. The event ID doubles as the JetStream message ID so
// a retried append inside the duplicate window is dropped by the server.
func (s *ArchiveStore) Append(ctx context.Context, ev *event.Event) (string, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}
	subject := archiveSubject(s.stream, messagequeue.Token(ev.HandoffID))
	if _, err := s.js.Publish(ctx, subject, data, jetstream.WithMsgID(ev.ID)); err != nil {
		return "", fmt.Errorf("archive publish %s: %w", ev.HandoffID, err)
	}
	return ev.ID, nil
}

// Query replays the matching part of the stream. Filtering on HandoffID is
// done by subject; every other field is matched client-side.
func (s *ArchiveStore) Query(ctx context.Context, f eventstore.Filter) ([]event.Event, error) {
	token := ">"
	if f.HandoffID != "" {
		token = messagequeue.Token(f.HandoffID)
	}
	cfg := jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{archiveSubject(s.stream, token)},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	}
	if f.After != nil {
		cfg.DeliverPolicy = jetstream.DeliverByStartTimePolicy
		start := *f.After
		cfg.OptStartTime = &start
	}

	cons, err := s.js.OrderedConsumer(ctx, s.stream, cfg)
	if err != nil {
		return nil, fmt.Errorf("archive consumer: %w", err)
	}
	info, err := cons.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive consumer info: %w", err)
	}

	remaining := info.NumPending
	seen := make(map[string]bool)
	var out []event.Event
	for remaining > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch, err := cons.Fetch(archiveFetchBatch, jetstream.FetchMaxWait(archiveFetchWait))
		if err != nil {
			return nil, fmt.Errorf("archive fetch: %w", err)
		}
		got := 0
		for msg := range batch.Messages() {
			got++
			if remaining > 0 {
				remaining--
			}
			var ev event.Event
			if err := json.Unmarshal(msg.Data(), &ev); err != nil {
				return nil, fmt.Errorf("decode archived event: %w", err)
			}
			if seen[ev.ID] || !f.Matches(&ev) {
				continue
			}
			seen[ev.ID] = true
			out = append(out, ev)
		}
		if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("archive fetch: %w", err)
		}
		if got == 0 {
			// Messages expired or were purged after the consumer was created.
			break
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}
