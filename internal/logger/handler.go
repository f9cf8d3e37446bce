package logger

import (
	"context"
	"log/slog"
)

type componentHandler struct {
	attrs  []slog.Attr
	groups []string
}

func (h *componentHandler) resolve() slog.Handler {
	handler := slog.Default().Handler().WithAttrs(h.attrs)
	for _, g := range h.groups {
		handler = handler.WithGroup(g)
	}
	return handler
}

func (h *componentHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return slog.Default().Handler().Enabled(ctx, level)
}

func (h *componentHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.resolve().Handle(ctx, r)
}

func (h *componentHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(h.groups) > 0 {
		return h.resolve().WithAttrs(attrs)
	}
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &componentHandler{attrs: merged}
}

func (h *componentHandler) WithGroup(name string) slog.Handler {
	groups := make([]string, 0, len(h.groups)+1)
	groups = append(groups, h.groups...)
	groups = append(groups, name)
	return &componentHandler{attrs: h.attrs, groups: groups}
}
