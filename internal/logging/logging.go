// Package logging builds the SDK's internal leveled logger. It is
// independent of the host's default logger, never panics, and keeps a
// bounded history of recent records for diagnostics.
package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// LevelSilent disables all output.
const LevelSilent = slog.Level(12)

// DefaultMaxHistory is the number of records retained when no limit is set.
const DefaultMaxHistory = 100

// Record is a retained log entry.
type Record struct {
	Time    time.Time
	Level   slog.Level
	Message string
	Attrs   map[string]any
}

// Callback receives every record that passes the level filter.
type Callback func(Record)

// Options configures New.
type Options struct {
	Level      string
	Debug      bool
	MaxHistory int
	Output     io.Writer // nil keeps records in history only
	Callback   Callback
	// Handler, when set, receives every enabled record instead of a
	// text handler on Output.
	Handler slog.Handler
}

// Logger bundles the slog logger with its history and level control.
type Logger struct {
	*slog.Logger
	level   *slog.LevelVar
	history *History
	sink    *sink
}

// New creates a Logger.
func New(opts Options) *Logger {
	level := new(slog.LevelVar)
	level.Set(ParseLevel(opts.Level, opts.Debug))

	max := opts.MaxHistory
	if max <= 0 {
		max = DefaultMaxHistory
	}
	history := newHistory(max)

	var inner slog.Handler = slog.DiscardHandler
	switch {
	case opts.Handler != nil:
		inner = opts.Handler
	case opts.Output != nil:
		inner = slog.NewTextHandler(opts.Output, &slog.HandlerOptions{Level: level})
	}

	s := &sink{history: history}
	s.callback = opts.Callback

	h := &handler{level: level, inner: inner, sink: s}
	return &Logger{
		Logger:  slog.New(h),
		level:   level,
		history: history,
		sink:    s,
	}
}

// ParseLevel maps a config level name onto a slog level. Unknown
// names fall back to warn.
func ParseLevel(name string, debug bool) slog.Level {
	if debug {
		return slog.LevelDebug
	}
	if level, ok := LookupLevel(name); ok {
		return level
	}
	return slog.LevelWarn
}

// LookupLevel resolves a level name, case-insensitively. An empty
// name is warn.
func LookupLevel(name string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "", "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	case "silent", "none", "off":
		return LevelSilent, true
	}
	return 0, false
}

// SetLevel changes the level at runtime.
func (l *Logger) SetLevel(name string, debug bool) {
	l.level.Set(ParseLevel(name, debug))
}

// SetCallback replaces the debug callback.
func (l *Logger) SetCallback(cb Callback) {
	l.sink.mu.Lock()
	l.sink.callback = cb
	l.sink.mu.Unlock()
}

// History returns the retained records, oldest first.
func (l *Logger) History() []Record {
	return l.history.Snapshot()
}

type sink struct {
	mu       sync.Mutex
	callback Callback
	history  *History
}

func (s *sink) emit(rec Record) {
	s.history.add(rec)

	s.mu.Lock()
	cb := s.callback
	s.mu.Unlock()
	if cb == nil {
		return
	}

	defer func() { _ = recover() }()
	cb(rec)
}

type handler struct {
	level  *slog.LevelVar
	inner  slog.Handler
	sink   *sink
	attrs  map[string]any
	groups []string
}

func (h *handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *handler) Handle(ctx context.Context, r slog.Record) (err error) {
	defer func() {
		if recover() != nil {
			err = nil
		}
	}()

	attrs := make(map[string]any, len(h.attrs)+r.NumAttrs())
	for k, v := range h.attrs {
		attrs[k] = v
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs[h.key(a.Key)] = a.Value.Resolve().Any()
		return true
	})

	h.sink.emit(Record{Time: r.Time, Level: r.Level, Message: r.Message, Attrs: attrs})

	if h.inner.Enabled(ctx, r.Level) {
		_ = h.inner.Handle(ctx, r)
	}
	return nil
}

func (h *handler) key(k string) string {
	if len(h.groups) == 0 {
		return k
	}
	return strings.Join(h.groups, ".") + "." + k
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = make(map[string]any, len(h.attrs)+len(attrs))
	for k, v := range h.attrs {
		next.attrs[k] = v
	}
	for _, a := range attrs {
		next.attrs[h.key(a.Key)] = a.Value.Resolve().Any()
	}
	next.inner = h.inner.WithAttrs(attrs)
	return &next
}

func (h *handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.groups = append(append([]string{}, h.groups...), name)
	next.inner = h.inner.WithGroup(name)
	return &next
}
