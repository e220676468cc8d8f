// Package logging provides the engine's log plumbing: a slog handler that
// tees every record into a bounded in-RAM ring (for the admin log tail and
// the websocket live stream) while writing JSON to stdout. Producers never
// block on log output — a slow subscriber loses entries, and the loss is
// counted rather than hidden.
package logging

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Entry is one captured log record. Seq is a process-wide monotonic
// sequence number so a tailing client can resume from where it left off
// and detect gaps after a disconnect.
type Entry struct {
	Seq       uint64         `json:"seq"`
	Time      time.Time      `json:"time"`
	Level     string         `json:"level"`
	Message   string         `json:"msg"`
	Component string         `json:"component,omitempty"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// Ring holds the most recent entries. Capacity is fixed at construction;
// writes evict the oldest entry once full.
type Ring struct {
	mu      sync.RWMutex
	entries []Entry
	head    int
	count   int
	nextSeq uint64

	subMu   sync.RWMutex
	subs    map[chan Entry]bool
	dropped atomic.Uint64
}

func NewRing(capacity int) *Ring {
	return &Ring{
		entries: make([]Entry, capacity),
		subs:    make(map[chan Entry]bool),
	}
}

// Add stamps the entry with its sequence number, stores it, and fans it
// out to subscribers. A subscriber whose channel is full is skipped and
// the drop counted; the producer never waits.
func (r *Ring) Add(e Entry) {
	r.mu.Lock()
	e.Seq = r.nextSeq
	r.nextSeq++
	r.entries[r.head] = e
	r.head = (r.head + 1) % len(r.entries)
	if r.count < len(r.entries) {
		r.count++
	}
	r.mu.Unlock()

	r.subMu.RLock()
	for ch := range r.subs {
		select {
		case ch <- e:
		default:
			r.dropped.Add(1)
		}
	}
	r.subMu.RUnlock()
}

// Tail returns up to n of the most recent entries, oldest first. A
// non-empty component restricts the result to that component's entries;
// n still bounds the returned count, not the scanned window.
func (r *Ring) Tail(n int, component string) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, n)
	// Walk newest→oldest collecting matches, then reverse, so the filter
	// can't starve the result when one chatty component dominates the ring.
	for i := 0; i < r.count && len(out) < n; i++ {
		e := r.entries[(r.head-1-i+2*len(r.entries))%len(r.entries)]
		if component != "" && e.Component != component {
			continue
		}
		out = append(out, e)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Subscribe returns a channel fed every subsequent entry. The channel is
// buffered; see Add for the overflow policy.
func (r *Ring) Subscribe() chan Entry {
	ch := make(chan Entry, 100)
	r.subMu.Lock()
	r.subs[ch] = true
	r.subMu.Unlock()
	return ch
}

func (r *Ring) Unsubscribe(ch chan Entry) {
	r.subMu.Lock()
	delete(r.subs, ch)
	r.subMu.Unlock()
	close(ch)
}

// Dropped reports how many entries have been lost to slow subscribers
// since startup, surfaced alongside the tail so a gap is explainable.
func (r *Ring) Dropped() uint64 {
	return r.dropped.Load()
}

// StreamHandler is the slog.Handler every component logs through: records
// go to the ring and to a JSON fallback writer.
type StreamHandler struct {
	ring     *Ring
	fallback slog.Handler
	level    slog.Level
	attrs    []slog.Attr
}

func NewStreamHandler(ring *Ring, fallback io.Writer, level slog.Level) *StreamHandler {
	return &StreamHandler{
		ring:     ring,
		fallback: slog.NewJSONHandler(fallback, &slog.HandlerOptions{Level: level}),
		level:    level,
	}
}

func (h *StreamHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

// Handle pulls the "component" attr out of the record (every component
// logs with slog.Default().With("component", ...)) so the ring can filter
// on it, and passes the rest through as opaque attrs.
func (h *StreamHandler) Handle(ctx context.Context, rec slog.Record) error {
	attrs := make(map[string]any)
	var component string

	collect := func(a slog.Attr) {
		if a.Key == "component" {
			component = a.Value.String()
			return
		}
		attrs[a.Key] = a.Value.Any()
	}
	for _, a := range h.attrs {
		collect(a)
	}
	rec.Attrs(func(a slog.Attr) bool {
		collect(a)
		return true
	})

	h.ring.Add(Entry{
		Time:      rec.Time,
		Level:     rec.Level.String(),
		Message:   rec.Message,
		Component: component,
		Attrs:     attrs,
	})

	return h.fallback.Handle(ctx, rec)
}

func (h *StreamHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &StreamHandler{
		ring:     h.ring,
		fallback: h.fallback.WithAttrs(attrs),
		level:    h.level,
		attrs:    append(append([]slog.Attr(nil), h.attrs...), attrs...),
	}
}

func (h *StreamHandler) WithGroup(name string) slog.Handler {
	return &StreamHandler{
		ring:     h.ring,
		fallback: h.fallback.WithGroup(name),
		level:    h.level,
		attrs:    h.attrs,
	}
}

var globalRing = NewRing(1000)

// GetLogBuffer returns the process-wide ring the default handler writes to.
func GetLogBuffer() *Ring {
	return globalRing
}
