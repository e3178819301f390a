// Package kvstore defines the durable key-value port that owns the canonical
// copy of every live handoff.
package kvstore

import "context"

// Entry is a stored value and the revision it was written at.
type Entry struct {
	Key      string
	Value    []byte
	Revision uint64
}

// Store is a durable key-value store with compare-and-swap. Revisions are
// positive and strictly increase with every write to a key, including
// writes after a delete.
type Store interface {
	// Get returns the current entry or domain.ErrNotFound.
	Get(ctx context.Context, key string) (Entry, error)

	// Put writes value unconditionally. The write is durable when Put returns.
	Put(ctx context.Context, key string, value []byte) (uint64, error)

	// CompareAndSwap writes value only if the key is still at expected.
	// expected 0 means the key must not exist. A changed or missing key
	// fails with domain.ErrConflict and nothing is written.
	CompareAndSwap(ctx context.Context, key string, expected uint64, value []byte) (uint64, error)

	// Delete removes key. With expected > 0 it fails with domain.ErrConflict
	// if the key changed. A missing key fails with domain.ErrNotFound.
	Delete(ctx context.Context, key string, expected uint64) error

	// ListByPrefix returns every entry whose key starts with prefix, sorted
	// by key.
	ListByPrefix(ctx context.Context, prefix string) ([]Entry, error)

	Close() error
}

// Watcher is implemented by stores that can push changes.
type Watcher interface {
	// Watch delivers entries written under prefix until ctx is done. Deleted
	// keys arrive with a nil Value. The channel is closed when the watch ends.
	Watch(ctx context.Context, prefix string) (<-chan Entry, error)
}
