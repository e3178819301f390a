package logger

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Closer flushes and stops the async handler.
type Closer interface {
	Close()
}

type nopCloser struct{}

func (nopCloser) Close() {}

// asyncState is shared by an AsyncHandler and every handler derived from it
// with WithAttrs or WithGroup.
type asyncState struct {
	ch      chan job
	wg      sync.WaitGroup
	mu      sync.RWMutex // guards closed against sends on ch
	closed  bool
	dropped atomic.Int64
}

type job struct {
	h   slog.Handler
	rec slog.Record
}

// AsyncHandler hands records to background workers through a bounded buffer.
// When the buffer is full, records below slog.LevelWarn are dropped and
// counted; warnings and errors are written on the caller's goroutine.
// Records handled after Close are written synchronously.
type AsyncHandler struct {
	inner slog.Handler
	state *asyncState
}

// NewAsyncHandler creates an AsyncHandler with the given buffer size and
// worker count.
func NewAsyncHandler(inner slog.Handler, chanSize, workers int) *AsyncHandler {
	if workers < 1 {
		workers = 1
	}
	st := &asyncState{ch: make(chan job, chanSize)}
	for range workers {
		st.wg.Add(1)
		go st.drain()
	}
	return &AsyncHandler{inner: inner, state: st}
}

func (st *asyncState) drain() {
	defer st.wg.Done()
	for j := range st.ch {
		_ = j.h.Handle(context.Background(), j.rec)
	}
}

// Enabled delegates to the inner handler.
func (h *AsyncHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle enqueues the record, falling back as described on AsyncHandler.
func (h *AsyncHandler) Handle(ctx context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	st := h.state
	st.mu.RLock()
	if st.closed {
		st.mu.RUnlock()
		return h.inner.Handle(ctx, rec)
	}
	select {
	case st.ch <- job{h: h.inner, rec: rec.Clone()}:
		st.mu.RUnlock()
		return nil
	default:
	}
	st.mu.RUnlock()

	if rec.Level >= slog.LevelWarn {
		return h.inner.Handle(ctx, rec)
	}
	st.dropped.Add(1)
	return nil
}

// WithAttrs returns a handler sharing this handler's buffer and workers.
func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithAttrs(attrs), state: h.state}
}

// WithGroup returns a handler sharing this handler's buffer and workers.
func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithGroup(name), state: h.state}
}

// DroppedCount returns the number of dropped records.
func (h *AsyncHandler) DroppedCount() int64 {
	return h.state.dropped.Load()
}

// Close stops accepting buffered records, waits for the workers to drain and
// reports how many records were dropped. It is safe to call more than once.
func (h *AsyncHandler) Close() {
	st := h.state
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return
	}
	st.closed = true
	close(st.ch)
	st.mu.Unlock()
	st.wg.Wait()

	if n := st.dropped.Load(); n > 0 {
		rec := slog.NewRecord(time.Now(), slog.LevelWarn, "async logger dropped records", 0)
		rec.AddAttrs(slog.Int64("dropped", n))
		_ = h.inner.Handle(context.Background(), rec)
	}
}
