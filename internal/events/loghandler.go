package events

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"
)

type LogLine struct {
	Level   string         `json:"level"`
	Message string         `json:"msg"`
	Time    time.Time      `json:"ts"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// LogHandler mirrors every slog record into a shared in-memory ring so the
// admin surface can tail recent logs without touching files.
type LogHandler struct {
	inner  slog.Handler
	level  slog.Leveler
	ring   *logRing
	attrs  []slog.Attr
	groups []string
}

type logRing struct {
	mu    sync.RWMutex
	lines []LogLine
	pos   int
	count int
}

func NewLogHandler(level slog.Leveler, ringSize int) *LogHandler {
	if ringSize <= 0 {
		ringSize = 1000
	}
	return &LogHandler{
		inner: slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
		level: level,
		ring:  &logRing{lines: make([]LogLine, ringSize)},
	}
}

func (h *LogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *LogHandler) Handle(ctx context.Context, r slog.Record) error {
	if err := h.inner.Handle(ctx, r); err != nil {
		return err
	}

	attrs := make(map[string]any)
	prefix := groupPrefix(h.groups)
	for _, a := range h.attrs {
		attrs[prefix+a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs[prefix+a.Key] = a.Value.Any()
		return true
	})

	line := LogLine{
		Level:   r.Level.String(),
		Message: r.Message,
		Time:    r.Time,
	}
	if len(attrs) > 0 {
		line.Attrs = attrs
	}

	h.ring.append(line)
	return nil
}

func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LogHandler{
		inner:  h.inner.WithAttrs(attrs),
		level:  h.level,
		ring:   h.ring,
		attrs:  append(cloneAttrs(h.attrs), attrs...),
		groups: h.groups,
	}
}

func (h *LogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &LogHandler{
		inner:  h.inner.WithGroup(name),
		level:  h.level,
		ring:   h.ring,
		attrs:  cloneAttrs(h.attrs),
		groups: append(append([]string{}, h.groups...), name),
	}
}

// Recent returns buffered log lines, oldest first.
func (h *LogHandler) Recent() []LogLine {
	return h.ring.recent()
}

func (r *logRing) append(line LogLine) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lines[r.pos] = line
	r.pos = (r.pos + 1) % len(r.lines)
	if r.count < len(r.lines) {
		r.count++
	}
}

func (r *logRing) recent() []LogLine {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.count == 0 {
		return nil
	}
	result := make([]LogLine, r.count)
	start := (r.pos - r.count + len(r.lines)) % len(r.lines)
	for i := range r.count {
		result[i] = r.lines[(start+i)%len(r.lines)]
	}
	return result
}

func groupPrefix(groups []string) string {
	if len(groups) == 0 {
		return ""
	}
	var p string
	for _, g := range groups {
		p += g + "."
	}
	return p
}

func cloneAttrs(attrs []slog.Attr) []slog.Attr {
	if len(attrs) == 0 {
		return nil
	}
	c := make([]slog.Attr, len(attrs))
	copy(c, attrs)
	return c
}
