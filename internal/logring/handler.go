package logring

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Entry is one captured log record, flattened for display.
type Entry struct {
	Time    time.Time
	Level   slog.Level
	Message string
	Attrs   string
}

// Handler tees every record into a bounded in-memory ring while passing
// it through to the wrapped handler. The ring keeps the most recent
// records so the client can show recent activity on demand without
// scrolling the primary log stream.
type Handler struct {
	delegate slog.Handler
	ring     *ring
	attrs    string
}

// New wraps delegate with a ring of the given capacity. A non-positive
// capacity falls back to 128.
func New(delegate slog.Handler, capacity int) *Handler {
	if capacity <= 0 {
		capacity = 128
	}
	return &Handler{
		delegate: delegate,
		ring:     &ring{entries: make([]Entry, capacity)},
	}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.delegate.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(h.attrs)
	r.Attrs(func(a slog.Attr) bool {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(a.String())
		return true
	})
	h.ring.add(Entry{
		Time:    r.Time,
		Level:   r.Level,
		Message: r.Message,
		Attrs:   b.String(),
	})
	return h.delegate.Handle(ctx, r)
}

// WithAttrs clones the handler; the clone shares the same ring, so
// component-scoped loggers all land in one buffer.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := &Handler{
		delegate: h.delegate.WithAttrs(attrs),
		ring:     h.ring,
		attrs:    h.attrs,
	}
	for _, a := range attrs {
		if clone.attrs != "" {
			clone.attrs += " "
		}
		clone.attrs += a.String()
	}
	return clone
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{
		delegate: h.delegate.WithGroup(name),
		ring:     h.ring,
		attrs:    h.attrs,
	}
}

// Entries returns the buffered records, oldest first.
func (h *Handler) Entries() []Entry {
	return h.ring.snapshot()
}

// Dump writes the buffered records to w, oldest first.
func (h *Handler) Dump(w io.Writer) {
	for _, e := range h.Entries() {
		fmt.Fprintf(w, "%s %s %s", e.Time.Format(time.RFC3339), e.Level, e.Message)
		if e.Attrs != "" {
			fmt.Fprintf(w, " %s", e.Attrs)
		}
		fmt.Fprintln(w)
	}
}

type ring struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool
}

func (r *ring) add(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.next] = e
	r.next++
	if r.next == len(r.entries) {
		r.next = 0
		r.full = true
	}
}

func (r *ring) snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]Entry(nil), r.entries[:r.next]...)
	}
	out := make([]Entry, 0, len(r.entries))
	out = append(out, r.entries[r.next:]...)
	out = append(out, r.entries[:r.next]...)
	return out
}
