package logging

import (
	"context"
	"errors"
	"io"
	"log/slog"
)

// MultiHandler fans records out to every handler that accepts their level.
// Records logged with a context also carry the request_id and endpoint
// stored in it, unless the logger already has those attributes.
func MultiHandler(handlers ...slog.Handler) slog.Handler {
	filtered := make([]slog.Handler, 0, len(handlers))
	for _, handler := range handlers {
		if handler != nil {
			filtered = append(filtered, handler)
		}
	}
	if len(filtered) == 0 {
		return slog.NewTextHandler(io.Discard, nil)
	}
	return &multiHandler{handlers: filtered}
}

type multiHandler struct {
	handlers []slog.Handler
	// bound holds top-level keys added through WithAttrs.
	bound map[string]struct{}
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, record slog.Record) error {
	if extra := h.contextAttrs(ctx, record); len(extra) > 0 {
		record = record.Clone()
		record.AddAttrs(extra...)
	}

	var handleErr error
	for _, handler := range h.handlers {
		if !handler.Enabled(ctx, record.Level) {
			continue
		}
		handleErr = errors.Join(handleErr, handler.Handle(ctx, record))
	}
	return handleErr
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, 0, len(h.handlers))
	for _, handler := range h.handlers {
		next = append(next, handler.WithAttrs(attrs))
	}

	bound := make(map[string]struct{}, len(h.bound)+len(attrs))
	for key := range h.bound {
		bound[key] = struct{}{}
	}
	for _, attr := range attrs {
		bound[attr.Key] = struct{}{}
	}
	return &multiHandler{handlers: next, bound: bound}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, 0, len(h.handlers))
	for _, handler := range h.handlers {
		next = append(next, handler.WithGroup(name))
	}
	return &multiHandler{handlers: next, bound: h.bound}
}

func (h *multiHandler) contextAttrs(ctx context.Context, record slog.Record) []slog.Attr {
	var extra []slog.Attr
	add := func(key, value string) {
		if value == "" {
			return
		}
		if _, ok := h.bound[key]; ok {
			return
		}
		present := false
		record.Attrs(func(attr slog.Attr) bool {
			present = attr.Key == key
			return !present
		})
		if !present {
			extra = append(extra, slog.String(key, value))
		}
	}
	add(string(requestIDKey), RequestIDFromContext(ctx))
	add(string(endpointKey), EndpointFromContext(ctx))
	return extra
}
