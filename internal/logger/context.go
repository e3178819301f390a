package logger

import (
	"context"
	"log/slog"
)

type contextKey int

const (
	requestIDKey contextKey = iota
	handoffIDKey
	agentIDKey
)

// WithRequestID returns a new context with the given request ID stored.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID extracts the request ID from the context.
// Returns an empty string if no request ID is set.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithHandoffID stores the handoff being worked on.
func WithHandoffID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, handoffIDKey, id)
}

// HandoffID returns the handoff ID stored in ctx, or "".
func HandoffID(ctx context.Context) string {
	id, _ := ctx.Value(handoffIDKey).(string)
	return id
}

// WithAgentID stores the acting agent.
func WithAgentID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, agentIDKey, id)
}

// AgentID returns the agent ID stored in ctx, or "".
func AgentID(ctx context.Context) string {
	id, _ := ctx.Value(agentIDKey).(string)
	return id
}

// ContextHandler adds request_id, handoff_id and agent_id attributes from the
// record's context.
type ContextHandler struct {
	inner slog.Handler
}

// NewContextHandler wraps inner.
func NewContextHandler(inner slog.Handler) *ContextHandler {
	return &ContextHandler{inner: inner}
}

// Enabled delegates to the inner handler.
func (h *ContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle stamps the context attributes and delegates.
func (h *ContextHandler) Handle(ctx context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	if ctx != nil {
		if id := RequestID(ctx); id != "" {
			rec.AddAttrs(slog.String("request_id", id))
		}
		if id := HandoffID(ctx); id != "" {
			rec.AddAttrs(slog.String("handoff_id", id))
		}
		if id := AgentID(ctx); id != "" {
			rec.AddAttrs(slog.String("agent_id", id))
		}
	}
	return h.inner.Handle(ctx, rec)
}

// WithAttrs wraps the inner handler's WithAttrs.
func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{inner: h.inner.WithAttrs(attrs)}
}

// WithGroup wraps the inner handler's WithGroup.
func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{inner: h.inner.WithGroup(name)}
}
