// Package shared holds the cross-cutting helpers both the command layer
// and the worker need: trace identity and output redaction.
package shared

import (
	"context"

	"github.com/google/uuid"
)

// ctxKey keeps this package's context values from colliding with keys
// defined elsewhere.
type ctxKey uint8

const traceIDKey ctxKey = iota

// NewTraceID mints the identifier that follows one task through log
// lines, spans, and the converter subprocess environment.
func NewTraceID() string {
	return uuid.NewString()
}

// WithTraceID attaches a trace identifier to ctx.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey, id)
}

// TraceID reads the trace identifier from ctx. Absent or empty yields
// "-", so log fields and environment variables get a stable placeholder.
func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey).(string)
	if id == "" {
		return "-"
	}
	return id
}
