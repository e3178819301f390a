package logger

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// recordingHandler collects slog.Records for test assertions.
type recordingHandler struct {
	mu      sync.Mutex
	records []slog.Record
	delay   time.Duration
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordingHandler) Handle(_ context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	if h.delay > 0 {
		time.Sleep(h.delay)
	}
	h.mu.Lock()
	h.records = append(h.records, rec)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recordingHandler) WithGroup(string) slog.Handler      { return h }

func (h *recordingHandler) count(level slog.Level) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, r := range h.records {
		if r.Level == level {
			n++
		}
	}
	return n
}

func (h *recordingHandler) messages() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.records))
	for i, r := range h.records {
		out[i] = r.Message
	}
	return out
}

func record(level slog.Level, msg string) slog.Record {
	return slog.NewRecord(time.Now(), level, msg, 0)
}

func TestAsyncHandler_ConcurrentWrites(t *testing.T) {
	const goroutines = 50
	const perGoroutine = 100

	inner := &recordingHandler{}
	ah := NewAsyncHandler(inner, goroutines*perGoroutine, 4)

	var wg sync.WaitGroup
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perGoroutine {
				_ = ah.Handle(context.Background(), record(slog.LevelInfo, "poll"))
			}
		}()
	}
	wg.Wait()
	ah.Close()

	if got := inner.count(slog.LevelInfo); got != goroutines*perGoroutine {
		t.Fatalf("expected %d records, got %d", goroutines*perGoroutine, got)
	}
}

// A full buffer drops info records but never warnings or errors.
func TestAsyncHandler_FullBufferKeepsWarnings(t *testing.T) {
	inner := &recordingHandler{delay: 5 * time.Millisecond}
	ah := NewAsyncHandler(inner, 1, 1)

	for range 30 {
		_ = ah.Handle(context.Background(), record(slog.LevelInfo, "flood"))
		_ = ah.Handle(context.Background(), record(slog.LevelError, "cas exhausted"))
	}
	ah.Close()

	if ah.DroppedCount() == 0 {
		t.Fatal("expected some info records to be dropped")
	}
	if got := inner.count(slog.LevelError); got != 30 {
		t.Fatalf("error records written = %d, want 30", got)
	}
	msgs := inner.messages()
	if last := msgs[len(msgs)-1]; last != "async logger dropped records" {
		t.Fatalf("last record = %q, want the drop report", last)
	}
}

func TestAsyncHandler_HandleAfterClose(t *testing.T) {
	inner := &recordingHandler{}
	ah := NewAsyncHandler(inner, 10, 1)
	ah.Close()
	ah.Close()

	if err := ah.Handle(context.Background(), record(slog.LevelInfo, "late")); err != nil {
		t.Fatalf("Handle after Close: %v", err)
	}
	if got := inner.count(slog.LevelInfo); got != 1 {
		t.Fatalf("late record written %d times, want 1", got)
	}
}

func TestAsyncHandler_DerivedHandlersShareBuffer(t *testing.T) {
	inner := &recordingHandler{}
	ah := NewAsyncHandler(inner, 100, 1)
	derived := ah.WithAttrs([]slog.Attr{slog.String("handoff_id", "h1")}).WithGroup("merge")

	_ = derived.Handle(context.Background(), record(slog.LevelInfo, "merged"))
	ah.Close()

	if got := inner.count(slog.LevelInfo); got != 1 {
		t.Fatalf("derived record not flushed by the parent Close: %d", got)
	}
}
