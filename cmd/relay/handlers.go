package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/relay/internal/config"
	"github.com/Strob0t/relay/internal/domain"
	"github.com/Strob0t/relay/internal/logger"
	"github.com/Strob0t/relay/internal/service"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// healthHandler reports liveness and the active configuration.
func healthHandler(holder *config.Holder) http.HandlerFunc {
	type healthStatus struct {
		Status   string `json:"status"`
		Store    string `json:"store"`
		Archive  string `json:"archive"`
		LogLevel string `json:"log_level"`
	}

	return func(w http.ResponseWriter, _ *http.Request) {
		cfg := holder.Get()
		writeJSON(w, http.StatusOK, healthStatus{
			Status:   "ok",
			Store:    cfg.Store.Backend,
			Archive:  cfg.Archive.Backend,
			LogLevel: cfg.Logging.Level,
		})
	}
}

// readyHandler returns 503 while a backing dependency is unreachable.
func readyHandler(in *infra) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := in.ping(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

// handoffHandler serves a read-only snapshot of one handoff.
func handoffHandler(coord *service.HandoffService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h, err := coord.Get(r.Context(), chi.URLParam(r, "id"))
		switch {
		case errors.Is(err, domain.ErrNotFound):
			writeError(w, http.StatusNotFound, "handoff not found")
		case err != nil:
			slog.ErrorContext(r.Context(), "get handoff", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		default:
			writeJSON(w, http.StatusOK, h)
		}
	}
}

// documentHandler serves the stored content of a merged document.
func documentHandler(docs *service.DocumentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := chi.URLParam(r, "*")
		if path == "" {
			writeError(w, http.StatusBadRequest, "document path required")
			return
		}
		doc, err := docs.Get(r.Context(), path)
		if err != nil {
			slog.ErrorContext(r.Context(), "get document", "path", path, "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, doc)
	}
}

// queueHandler lists the handoffs an agent can pick up next.
func queueHandler(recv *service.ReceiverService) http.HandlerFunc {
	type queueEntry struct {
		ID       string `json:"id"`
		From     string `json:"from"`
		Status   string `json:"status"`
		Priority int    `json:"priority"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		agent := chi.URLParam(r, "agent")
		ctx := logger.WithAgentID(r.Context(), agent)
		ready, err := recv.Queue(ctx, agent)
		if err != nil {
			slog.ErrorContext(ctx, "list agent queue", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		out := make([]queueEntry, 0, len(ready))
		for _, h := range ready {
			out = append(out, queueEntry{ID: h.ID, From: h.From, Status: string(h.Status), Priority: h.Priority})
		}
		writeJSON(w, http.StatusOK, out)
	}
}
