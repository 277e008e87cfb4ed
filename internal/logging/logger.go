// Package logging is the daemon's log/slog front end. It adds a TRACE level
// for wire dumps and renders records as single plain-text lines.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Levels used across the module. LevelTrace sits one step below DEBUG and is
// reserved for request and response bodies.
const (
	LevelTrace = slog.LevelDebug - 4
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// levels is ordered from most to least verbose; LevelString walks it.
var levels = []struct {
	name  string
	level slog.Level
}{
	{"TRACE", LevelTrace},
	{"DEBUG", LevelDebug},
	{"INFO", LevelInfo},
	{"WARN", LevelWarn},
	{"ERROR", LevelError},
}

// ParseLevel maps a config value such as "debug" or "WARNING" to a level.
// Unknown names fall back to INFO with an error.
func ParseLevel(s string) (slog.Level, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	if name == "WARNING" {
		name = "WARN"
	}
	for _, l := range levels {
		if l.name == name {
			return l.level, nil
		}
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// LevelString names the nearest level at or above level. Anything past
// ERROR prints as ERROR.
func LevelString(level slog.Level) string {
	for _, l := range levels {
		if level <= l.level {
			return l.name
		}
	}
	return levels[len(levels)-1].name
}

// Logger is a slog.Logger that remembers its threshold.
type Logger struct {
	*slog.Logger
	level slog.Level
}

// lineHandler writes "2006-01-02 15:04:05 LEVEL message key=value ...".
// Bound attributes precede the record's own; groups become dotted key
// prefixes. Clones share the writer lock.
type lineHandler struct {
	level  slog.Level
	out    io.Writer
	mu     *sync.Mutex
	attrs  []slog.Attr
	prefix string
}

func (h *lineHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *lineHandler) Handle(_ context.Context, r slog.Record) error {
	buf := make([]byte, 0, 128)
	buf = r.Time.AppendFormat(buf, time.DateTime)
	buf = append(buf, ' ')
	buf = append(buf, LevelString(r.Level)...)
	buf = append(buf, ' ')
	buf = append(buf, r.Message...)

	for _, a := range h.attrs {
		buf = appendAttr(buf, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		buf = appendAttr(buf, h.prefix, a)
		return true
	})
	buf = append(buf, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.out.Write(buf)
	return err
}

func appendAttr(buf []byte, prefix string, a slog.Attr) []byte {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return buf
	}
	if a.Value.Kind() == slog.KindGroup {
		if a.Key != "" {
			prefix += a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			buf = appendAttr(buf, prefix, ga)
		}
		return buf
	}

	buf = append(buf, ' ')
	buf = append(buf, prefix...)
	buf = append(buf, a.Key...)
	buf = append(buf, '=')
	return appendValue(buf, a.Value)
}

// appendValue quotes strings that would otherwise break key=value parsing.
func appendValue(buf []byte, v slog.Value) []byte {
	var s string
	switch v.Kind() {
	case slog.KindString:
		s = v.String()
	case slog.KindTime:
		return v.Time().AppendFormat(buf, time.RFC3339)
	default:
		s = fmt.Sprint(v.Any())
	}
	if s == "" || strings.ContainsAny(s, " \t\n\"=") {
		return strconv.AppendQuote(buf, s)
	}
	return append(buf, s...)
}

func (h *lineHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	clone := *h
	clone.attrs = make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(clone.attrs, h.attrs)
	for _, a := range attrs {
		a.Key = h.prefix + a.Key
		clone.attrs = append(clone.attrs, a)
	}
	return &clone
}

func (h *lineHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.prefix += name + "."
	return &clone
}

// New logs to stdout at level.
func New(level slog.Level) *Logger {
	return NewWithWriter(level, os.Stdout)
}

// NewWithWriter logs to w at level.
func NewWithWriter(level slog.Level, w io.Writer) *Logger {
	h := &lineHandler{level: level, out: w, mu: new(sync.Mutex)}
	return &Logger{Logger: slog.New(h), level: level}
}

// Discard returns a Logger with every level disabled.
func Discard() *Logger {
	return NewWithWriter(LevelError+1, io.Discard)
}

// With binds args to every record written through the returned Logger.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), level: l.level}
}

// Component is shorthand for With("component", name).
func (l *Logger) Component(name string) *Logger {
	return l.With("component", name)
}

// SetDefault routes package-level slog calls through logger.
func SetDefault(logger *Logger) {
	slog.SetDefault(logger.Logger)
}

func (l *Logger) Trace(msg string, args ...any) {
	l.Log(context.Background(), LevelTrace, msg, args...)
}

// IsTraceEnabled lets callers skip building wire dumps nobody will see.
func (l *Logger) IsTraceEnabled() bool { return l.level <= LevelTrace }

func (l *Logger) IsDebugEnabled() bool { return l.level <= LevelDebug }

func (l *Logger) Level() slog.Level { return l.level }
