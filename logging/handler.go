package logging

import (
	"context"
	"log/slog"
)

const componentKey = "component"

// filteringHandler drops records below the level its Spec sets for the
// handler's component. The component is taken from the last
// "component" attribute added with With.
type filteringHandler struct {
	inner     slog.Handler
	spec      *Spec
	component string
}

// NewFilteringHandler wraps inner so that records are filtered per
// component by spec. inner should accept every level.
func NewFilteringHandler(inner slog.Handler, spec *Spec) slog.Handler {
	return &filteringHandler{inner: inner, spec: spec}
}

func (h *filteringHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.spec.LevelFor(h.component).ToSlog()
}

func (h *filteringHandler) Handle(ctx context.Context, r slog.Record) error {
	if !h.Enabled(ctx, r.Level) {
		return nil
	}
	return h.inner.Handle(ctx, r)
}

func (h *filteringHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &filteringHandler{inner: h.inner.WithAttrs(attrs), spec: h.spec, component: h.component}
	for _, a := range attrs {
		if a.Key == componentKey {
			next.component = a.Value.String()
		}
	}
	return next
}

func (h *filteringHandler) WithGroup(name string) slog.Handler {
	return &filteringHandler{inner: h.inner.WithGroup(name), spec: h.spec, component: h.component}
}
