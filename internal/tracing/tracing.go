// Package tracing attaches correlation IDs to scan cycles, Trades, and
// broker calls so that related log lines can be grouped across
// components.
package tracing

import (
	"context"
	"crypto/rand"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type contextKey string

const (
	traceIDKey contextKey = "trace_id"

	// TraceIDField is the zerolog field name used for correlation IDs.
	TraceIDField = "trace_id"
)

// NewTraceID generates a random 16-character hex correlation ID.
func NewTraceID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "0000000000000000"
	}
	return fmt.Sprintf("%x", b)
}

// WithTraceID attaches a trace ID to ctx.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// FromCtx extracts the trace ID, or "" if absent.
func FromCtx(ctx context.Context) string {
	if id, ok := ctx.Value(traceIDKey).(string); ok {
		return id
	}
	return ""
}

// Logger returns a zerolog sub-logger carrying the context's trace ID,
// falling back to the global logger when none is present.
func Logger(ctx context.Context) zerolog.Logger {
	id := FromCtx(ctx)
	if id == "" {
		return log.Logger
	}
	return log.With().Str(TraceIDField, id).Logger()
}
