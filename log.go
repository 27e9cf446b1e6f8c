package graphstore

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// forwardHandler sends records to whatever logger the store currently holds,
// so loggers handed out at construction follow later SetLogger calls.
type forwardHandler struct {
	current *atomic.Pointer[slog.Logger]
	wrap    []func(slog.Handler) slog.Handler
}

func newForwardLogger(current *atomic.Pointer[slog.Logger]) *slog.Logger {
	return slog.New(&forwardHandler{current: current})
}

func (h *forwardHandler) target() slog.Handler {
	t := h.current.Load().Handler()
	for _, w := range h.wrap {
		t = w(t)
	}
	return t
}

func (h *forwardHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.current.Load().Handler().Enabled(ctx, level)
}

func (h *forwardHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.target().Handle(ctx, r)
}

func (h *forwardHandler) with(w func(slog.Handler) slog.Handler) *forwardHandler {
	wrap := make([]func(slog.Handler) slog.Handler, len(h.wrap), len(h.wrap)+1)
	copy(wrap, h.wrap)
	return &forwardHandler{current: h.current, wrap: append(wrap, w)}
}

func (h *forwardHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h.with(func(t slog.Handler) slog.Handler { return t.WithAttrs(attrs) })
}

func (h *forwardHandler) WithGroup(name string) slog.Handler {
	return h.with(func(t slog.Handler) slog.Handler { return t.WithGroup(name) })
}
