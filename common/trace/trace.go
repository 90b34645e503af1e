// Package trace generates correlation ids and carries them, together with
// the session id, through a turn's context.
package trace

import (
	"context"
	"encoding/hex"

	"github.com/google/uuid"
)

type traceKey struct{}
type sessionKey struct{}

// GenerateID returns a random trace id of the form "t_<32 hex>".
func GenerateID() string {
	id := uuid.New()
	return "t_" + hex.EncodeToString(id[:])
}

// WithTraceID returns a child context carrying id.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceKey{}, id)
}

// FromContext returns the trace id in ctx, or "".
func FromContext(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok {
		return v
	}
	return ""
}

// Ensure returns ctx unchanged when it already carries a trace id, otherwise
// a child with a fresh one. The id in effect is returned alongside.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := FromContext(ctx); id != "" {
		return ctx, id
	}
	id := GenerateID()
	return WithTraceID(ctx, id), id
}

// WithSession returns a child context tagged with the conversation session.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey{}, sessionID)
}

// SessionFromContext returns the session id in ctx, or "".
func SessionFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionKey{}).(string); ok {
		return v
	}
	return ""
}
