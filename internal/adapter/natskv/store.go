// Package natskv implements the kvstore port on a NATS JetStream KeyValue
// bucket. Revisions are the bucket's stream sequence numbers, so they grow
// across deletes and every write is acknowledged only once stored.
package natskv

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/relay/internal/domain"
	"github.com/Strob0t/relay/internal/port/kvstore"
)

// Store wraps a JetStream KeyValue bucket.
type Store struct {
	kv jetstream.KeyValue
}

var (
	_ kvstore.Store   = (*Store)(nil)
	_ kvstore.Watcher = (*Store)(nil)
)

// New creates a NATS KV-backed store over an existing bucket.
func New(kv jetstream.KeyValue) *Store {
	return &Store{kv: kv}
}

// Bucket returns the bucket name.
func (s *Store) Bucket() string {
	return s.kv.Bucket()
}

// Get retrieves the current entry.
func (s *Store) Get(ctx context.Context, key string) (kvstore.Entry, error) {
	e, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return kvstore.Entry{}, fmt.Errorf("get %s: %w", key, domain.ErrNotFound)
		}
		return kvstore.Entry{}, fmt.Errorf("get %s: %w", key, err)
	}
	return toEntry(e), nil
}

// Put writes value unconditionally.
func (s *Store) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	rev, err := s.kv.Put(ctx, key, value)
	if err != nil {
		return 0, fmt.Errorf("put %s: %w", key, err)
	}
	return rev, nil
}

// CompareAndSwap writes value if key is still at expected (0 = absent).
func (s *Store) CompareAndSwap(ctx context.Context, key string, expected uint64, value []byte) (uint64, error) {
	var (
		rev uint64
		err error
	)
	if expected == 0 {
		rev, err = s.kv.Create(ctx, key, value)
	} else {
		rev, err = s.kv.Update(ctx, key, value, expected)
	}
	if err != nil {
		if isConflict(err) {
			return 0, fmt.Errorf("cas %s@%d: %w", key, expected, domain.ErrConflict)
		}
		return 0, fmt.Errorf("cas %s@%d: %w", key, expected, err)
	}
	return rev, nil
}

// Delete removes key, guarded by expected when it is non-zero.
func (s *Store) Delete(ctx context.Context, key string, expected uint64) error {
	if _, err := s.Get(ctx, key); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	var opts []jetstream.KVDeleteOpt
	if expected > 0 {
		opts = append(opts, jetstream.LastRevision(expected))
	}
	if err := s.kv.Delete(ctx, key, opts...); err != nil {
		if isConflict(err) {
			return fmt.Errorf("delete %s@%d: %w", key, expected, domain.ErrConflict)
		}
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// ListByPrefix returns live entries under prefix, sorted by key. Prefixes
// ending in a token separator are filtered by the server; others are
// filtered here.
func (s *Store) ListByPrefix(ctx context.Context, prefix string) ([]kvstore.Entry, error) {
	pattern := ">"
	if strings.HasSuffix(prefix, ".") {
		pattern = prefix + ">"
	}
	w, err := s.kv.Watch(ctx, pattern, jetstream.IgnoreDeletes())
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	defer func() { _ = w.Stop() }()

	var out []kvstore.Entry
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case e, ok := <-w.Updates():
			if !ok || e == nil {
				// nil marks the end of the initial snapshot.
				sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
				return out, nil
			}
			if strings.HasPrefix(e.Key(), prefix) {
				out = append(out, toEntry(e))
			}
		}
	}
}

// Watch streams writes under prefix made after the call until ctx is done.
func (s *Store) Watch(ctx context.Context, prefix string) (<-chan kvstore.Entry, error) {
	pattern := ">"
	if strings.HasSuffix(prefix, ".") {
		pattern = prefix + ">"
	} else if prefix != "" && !strings.ContainsAny(prefix, "*>") {
		pattern = prefix
	}
	w, err := s.kv.Watch(ctx, pattern, jetstream.UpdatesOnly())
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", prefix, err)
	}

	out := make(chan kvstore.Entry)
	go func() {
		defer close(out)
		defer func() { _ = w.Stop() }()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-w.Updates():
				if !ok {
					return
				}
				if e == nil || !strings.HasPrefix(e.Key(), prefix) {
					continue
				}
				select {
				case out <- toEntry(e):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close is a no-op; the connection belongs to the caller.
func (s *Store) Close() error {
	return nil
}

func toEntry(e jetstream.KeyValueEntry) kvstore.Entry {
	out := kvstore.Entry{Key: e.Key(), Revision: e.Revision()}
	if op := e.Operation(); op != jetstream.KeyValueDelete && op != jetstream.KeyValuePurge {
		out.Value = e.Value()
	}
	return out
}

func isConflict(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}
