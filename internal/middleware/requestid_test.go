package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/Strob0t/relay/internal/logger"
)

func TestRequestIDGenerated(t *testing.T) {
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if logger.RequestID(r.Context()) == "" {
			t.Error("expected generated request ID in context")
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	respID := rec.Header().Get("X-Request-ID")
	if _, err := uuid.Parse(respID); err != nil {
		t.Errorf("expected a UUID request ID, got %q: %v", respID, err)
	}
}

func TestRequestIDPropagated(t *testing.T) {
	const existingID = "my-custom-id-123"

	var capturedID string
	handler := RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		capturedID = logger.RequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.Header.Set("X-Request-ID", existingID)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if capturedID != existingID {
		t.Errorf("expected %q in context, got %q", existingID, capturedID)
	}
	if got := rec.Header().Get("X-Request-ID"); got != existingID {
		t.Errorf("expected %q in response header, got %q", existingID, got)
	}
}

func TestHandoffIDFromRoute(t *testing.T) {
	var captured string
	r := chi.NewRouter()
	r.With(HandoffID).Get("/handoffs/{id}", func(_ http.ResponseWriter, r *http.Request) {
		captured = logger.HandoffID(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/handoffs/h-42", http.NoBody)
	r.ServeHTTP(httptest.NewRecorder(), req)

	if captured != "h-42" {
		t.Errorf("handoff ID in context = %q, want h-42", captured)
	}
}
