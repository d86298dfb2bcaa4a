package manager

import (
	"context"
	"log/slog"
	"sync/atomic"
)

type opIDKey struct{}

var lastOpID atomic.Uint64

// ContextWithOpID returns a context carrying op_id id.
func ContextWithOpID(ctx context.Context, id uint64) context.Context {
	return context.WithValue(ctx, opIDKey{}, id)
}

// OpIDFromContext returns the op_id carried by ctx, or 0.
func OpIDFromContext(ctx context.Context) uint64 {
	id, _ := ctx.Value(opIDKey{}).(uint64)
	return id
}

// withOp gives ctx a fresh op_id unless it already has one, so every
// log line of one registry operation can be correlated.
func withOp(ctx context.Context) context.Context {
	if OpIDFromContext(ctx) != 0 {
		return ctx
	}
	return ContextWithOpID(ctx, lastOpID.Add(1))
}

// opIDHandler wraps a slog.Handler to automatically extract op_id from
// context and add it to log records. Use with InfoContext, WarnContext, etc.
type opIDHandler struct {
	slog.Handler
}

// Handle extracts op_id from context and adds it to the record.
func (h opIDHandler) Handle(ctx context.Context, r slog.Record) error {
	if opID := OpIDFromContext(ctx); opID != 0 {
		r.AddAttrs(slog.Uint64("op_id", opID))
	}
	return h.Handler.Handle(ctx, r)
}

// WithAttrs returns a new handler with the given attributes, maintaining the wrapper.
func (h opIDHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return opIDHandler{h.Handler.WithAttrs(attrs)}
}

// WithGroup returns a new handler with the given group, maintaining the wrapper.
func (h opIDHandler) WithGroup(name string) slog.Handler {
	return opIDHandler{h.Handler.WithGroup(name)}
}

// WithOpIDHandler wraps a logger's handler to extract op_id from context.
func WithOpIDHandler(logger *slog.Logger) *slog.Logger {
	return slog.New(opIDHandler{logger.Handler()})
}
