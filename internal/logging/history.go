package logging

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// HistorySize is how many records the in-memory history keeps.
const HistorySize = 1000

// Entry is one record kept in the history.
type Entry struct {
	Time       time.Time
	Level      slog.Level
	Module     string
	Message    string
	Attributes map[string]any
}

// Ring is a fixed-size, concurrency-safe buffer of recent entries. Once
// full, each write replaces the oldest entry.
type Ring struct {
	mu      sync.RWMutex
	entries []Entry
	head    int
	count   int
}

// NewRing creates a ring holding up to size entries.
func NewRing(size int) *Ring {
	if size < 1 {
		size = 1
	}
	return &Ring{entries: make([]Entry, size)}
}

// Write appends e.
func (r *Ring) Write(e Entry) {
	r.mu.Lock()
	r.entries[r.head] = e
	r.head = (r.head + 1) % len(r.entries)
	if r.count < len(r.entries) {
		r.count++
	}
	r.mu.Unlock()
}

// Len returns the number of entries held.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Query returns up to limit of the newest entries that pass the filter,
// oldest first. limit <= 0 means no limit; an empty module matches all.
func (r *Ring) Query(limit int, module string, minLevel slog.Level) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Entry
	size := len(r.entries)
	// Walk newest to oldest so limit keeps the most recent entries.
	for i := 0; i < r.count; i++ {
		e := r.entries[(r.head-1-i+size)%size]
		if e.Level < minLevel || (module != "" && e.Module != module) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// history receives every record accepted by a module logger.
var history = NewRing(HistorySize)

// History returns the process-wide log history.
func History() *Ring {
	return history
}

// historyHandler copies records into a Ring. The "module" attribute set
// by GetLogger becomes Entry.Module; other attributes are flattened with
// dotted group prefixes.
type historyHandler struct {
	ring   *Ring
	level  slog.Leveler
	module string
	attrs  map[string]any
	groups []string
}

func newHistoryHandler(ring *Ring, level slog.Leveler) *historyHandler {
	return &historyHandler{ring: ring, level: level}
}

func (h *historyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *historyHandler) Handle(_ context.Context, r slog.Record) error {
	e := Entry{
		Time:    r.Time,
		Level:   r.Level,
		Module:  h.module,
		Message: r.Message,
	}
	if len(h.attrs) > 0 || r.NumAttrs() > 0 {
		e.Attributes = make(map[string]any, len(h.attrs)+r.NumAttrs())
		for k, v := range h.attrs {
			e.Attributes[k] = v
		}
		r.Attrs(func(a slog.Attr) bool {
			flatten(e.Attributes, h.groups, a)
			return true
		})
	}
	h.ring.Write(e)
	return nil
}

func (h *historyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = make(map[string]any, len(h.attrs)+len(attrs))
	for k, v := range h.attrs {
		clone.attrs[k] = v
	}
	for _, a := range attrs {
		if a.Key == "module" && len(h.groups) == 0 {
			clone.module = a.Value.String()
			continue
		}
		flatten(clone.attrs, h.groups, a)
	}
	return &clone
}

func (h *historyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.groups = append(append([]string(nil), h.groups...), name)
	return &clone
}

func flatten(dst map[string]any, groups []string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	key := a.Key
	if len(groups) > 0 {
		key = strings.Join(groups, ".") + "." + key
	}

	switch a.Value.Kind() {
	case slog.KindGroup:
		sub := groups
		if a.Key != "" {
			sub = append(append([]string(nil), groups...), a.Key)
		}
		for _, ga := range a.Value.Group() {
			flatten(dst, sub, ga)
		}
	case slog.KindTime:
		dst[key] = a.Value.Time().Format(time.RFC3339Nano)
	case slog.KindDuration:
		dst[key] = a.Value.Duration().String()
	case slog.KindAny:
		if err, ok := a.Value.Any().(error); ok {
			dst[key] = err.Error()
		} else {
			dst[key] = a.Value.Any()
		}
	default:
		dst[key] = a.Value.Any()
	}
}

// ParseLevel parses debug, info, warn or error.
func ParseLevel(level string) (slog.Level, bool) {
	parsed := parseLevel(level)
	if parsed == nil {
		return 0, false
	}
	return *parsed, true
}

// LevelName returns the lower-case name ParseLevel accepts.
func LevelName(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "error"
	case level >= slog.LevelWarn:
		return "warn"
	case level >= slog.LevelInfo:
		return "info"
	default:
		return "debug"
	}
}
