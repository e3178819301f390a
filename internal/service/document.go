package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	cfotel "github.com/Strob0t/relay/internal/adapter/otel"
	"github.com/Strob0t/relay/internal/domain"
	"github.com/Strob0t/relay/internal/domain/merge"
	"github.com/Strob0t/relay/internal/port/kvstore"
)

// DocumentService owns the shared documents fragments are merged into.
// Merges into one path are serialized by a per-path semaphore inside the
// process and by compare-and-swap on the document key across processes.
type DocumentService struct {
	kv          kvstore.Store
	engine      *merge.Engine
	maxAttempts int
	metrics     *cfotel.Metrics

	mu    sync.Mutex
	locks map[string]*semaphore.Weighted
}

// NewDocumentService creates a DocumentService.
func NewDocumentService(kv kvstore.Store, engine *merge.Engine, maxAttempts int) *DocumentService {
	return &DocumentService{
		kv:          kv,
		engine:      engine,
		maxAttempts: max(maxAttempts, 1),
		locks:       make(map[string]*semaphore.Weighted),
	}
}

// SetMetrics attaches metric instruments.
func (s *DocumentService) SetMetrics(m *cfotel.Metrics) { s.metrics = m }

// documentKey encodes path into a single key token. Store keys only allow a
// restricted alphabet, paths do not.
func documentKey(path string) string {
	return documentPrefix + base64.RawURLEncoding.EncodeToString([]byte(path))
}

func (s *DocumentService) lock(path string) *semaphore.Weighted {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[path]
	if !ok {
		l = semaphore.NewWeighted(1)
		s.locks[path] = l
	}
	return l
}

// Get returns the current document at path. A path never written yields an
// empty document, not an error.
func (s *DocumentService) Get(ctx context.Context, path string) (merge.Document, error) {
	doc, _, err := s.load(ctx, path)
	return doc, err
}

func (s *DocumentService) load(ctx context.Context, path string) (merge.Document, uint64, error) {
	e, err := s.kv.Get(ctx, documentKey(path))
	if errors.Is(err, domain.ErrNotFound) {
		return merge.Document{Path: path}, 0, nil
	}
	if err != nil {
		return merge.Document{}, 0, fmt.Errorf("get document %s: %w", path, err)
	}
	var doc merge.Document
	if err := json.Unmarshal(e.Value, &doc); err != nil {
		return merge.Document{}, 0, fmt.Errorf("decode document %s: %w", path, err)
	}
	return doc, e.Revision, nil
}

// Put stores doc unconditionally, replacing whatever is at its path.
func (s *DocumentService) Put(ctx context.Context, doc merge.Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	if _, err := s.kv.Put(ctx, documentKey(doc.Path), data); err != nil {
		return fmt.Errorf("put document %s: %w", doc.Path, err)
	}
	return nil
}

// DryRun merges fragments into the current document at path without storing
// the result.
func (s *DocumentService) DryRun(ctx context.Context, path string, fragments []merge.Fragment) (merge.Result, error) {
	doc, _, err := s.load(ctx, path)
	if err != nil {
		return merge.Result{}, err
	}
	return s.engine.Merge(ctx, doc, fragments), nil
}

// Integrate merges fragments, in order, into the document at path and stores
// the result. A conflict or rejection stores nothing and returns the result
// together with its sentinel error. Re-integrating already merged fragments
// is a no-op.
func (s *DocumentService) Integrate(ctx context.Context, path string, fragments []merge.Fragment) (merge.Result, error) {
	res, _, err := s.integrate(ctx, path, fragments)
	return res, err
}

// write is a stored merge that can still be undone.
type write struct {
	path     string
	before   merge.Document
	from, to uint64
}

func (s *DocumentService) integrate(ctx context.Context, path string, fragments []merge.Fragment) (merge.Result, *write, error) {
	ctx, span := cfotel.StartMergeSpan(ctx, path, len(fragments))
	defer span.End()

	l := s.lock(path)
	if err := l.Acquire(ctx, 1); err != nil {
		return merge.Result{}, nil, err
	}
	defer l.Release(1)

	var lastErr error
	for range s.maxAttempts {
		doc, rev, err := s.load(ctx, path)
		if err != nil {
			return merge.Result{}, nil, err
		}
		res := s.engine.Merge(ctx, doc, fragments)
		s.recordOutcome(ctx, res.Status)
		if err := res.Err(); err != nil {
			slog.Warn("merge failed", "path", path, "status", res.Status, "error", err)
			return res, nil, err
		}
		if !res.Changed() {
			return res, nil, nil
		}
		data, err := json.Marshal(res.Document)
		if err != nil {
			return res, nil, fmt.Errorf("marshal document: %w", err)
		}
		next, err := s.kv.CompareAndSwap(ctx, documentKey(path), rev, data)
		if err != nil {
			if errors.Is(err, domain.ErrConflict) {
				if s.metrics != nil {
					s.metrics.CASConflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("key", "document")))
				}
				lastErr = err
				continue
			}
			return res, nil, fmt.Errorf("store document %s: %w", path, err)
		}
		slog.Info("document merged", "path", path, "fragments", len(fragments), "applied", len(res.Applied))
		return res, &write{path: path, before: doc, from: rev, to: next}, nil
	}
	return merge.Result{}, nil, fmt.Errorf("integrate %s after %d attempts: %w", path, s.maxAttempts, lastErr)
}

// undo restores the document w replaced, provided nothing was written to it
// since. A document that moved on is left alone and reported as a conflict.
func (s *DocumentService) undo(ctx context.Context, w *write) error {
	l := s.lock(w.path)
	if err := l.Acquire(ctx, 1); err != nil {
		return err
	}
	defer l.Release(1)

	key := documentKey(w.path)
	if w.from == 0 {
		if err := s.kv.Delete(ctx, key, w.to); err != nil {
			return fmt.Errorf("undo merge into %s: %w", w.path, err)
		}
		return nil
	}
	data, err := json.Marshal(w.before)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	if _, err := s.kv.CompareAndSwap(ctx, key, w.to, data); err != nil {
		return fmt.Errorf("undo merge into %s: %w", w.path, err)
	}
	return nil
}

func (s *DocumentService) recordOutcome(ctx context.Context, status merge.Status) {
	if s.metrics == nil {
		return
	}
	s.metrics.MergeOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
}
