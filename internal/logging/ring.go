package logging

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Entry is a flattened log record kept by Ring.
type Entry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// Ring keeps the most recent log entries in a fixed size buffer.
type Ring struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool
}

// NewRing returns a ring holding up to size entries. Non-positive sizes default to 200.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = 200
	}
	return &Ring{entries: make([]Entry, size)}
}

// Entries returns the buffered entries, oldest first.
func (r *Ring) Entries() []Entry {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		out := make([]Entry, r.next)
		copy(out, r.entries[:r.next])
		return out
	}
	out := make([]Entry, 0, len(r.entries))
	out = append(out, r.entries[r.next:]...)
	out = append(out, r.entries[:r.next]...)
	return out
}

func (r *Ring) add(entry Entry) {
	r.mu.Lock()
	r.entries[r.next] = entry
	r.next++
	if r.next == len(r.entries) {
		r.next = 0
		r.full = true
	}
	r.mu.Unlock()
}

// Wrap returns a handler that mirrors every record handled by next into the ring.
func (r *Ring) Wrap(next slog.Handler) slog.Handler {
	return &ringHandler{ring: r, next: next}
}

type ringHandler struct {
	ring   *Ring
	next   slog.Handler
	attrs  []slog.Attr
	groups []string
}

func (h *ringHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *ringHandler) Handle(ctx context.Context, record slog.Record) error {
	attrs := make(map[string]any, len(h.attrs)+record.NumAttrs())
	for _, attr := range h.attrs {
		attrs[attr.Key] = flatten(attr.Value)
	}
	record.Attrs(func(attr slog.Attr) bool {
		attrs[h.key(attr.Key)] = flatten(attr.Value)
		return true
	})
	h.ring.add(Entry{
		Time:    record.Time,
		Level:   record.Level.String(),
		Message: record.Message,
		Attrs:   attrs,
	})
	return h.next.Handle(ctx, record)
}

func (h *ringHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefixed := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	prefixed = append(prefixed, h.attrs...)
	for _, attr := range attrs {
		prefixed = append(prefixed, slog.Attr{Key: h.key(attr.Key), Value: attr.Value})
	}
	return &ringHandler{ring: h.ring, next: h.next.WithAttrs(attrs), attrs: prefixed, groups: h.groups}
}

func (h *ringHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	groups := append(append([]string(nil), h.groups...), name)
	return &ringHandler{ring: h.ring, next: h.next.WithGroup(name), attrs: h.attrs, groups: groups}
}

func (h *ringHandler) key(key string) string {
	for i := len(h.groups) - 1; i >= 0; i-- {
		key = h.groups[i] + "." + key
	}
	return key
}

func flatten(value slog.Value) any {
	value = value.Resolve()
	if err, ok := value.Any().(error); ok {
		return err.Error()
	}
	return value.Any()
}
