// Package utils holds the console log handler and shutdown sequencing shared
// by the daemon and tests.
package utils

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

var levelColors = map[slog.Level]string{
	slog.LevelDebug: "\033[36m", // Cyan
	slog.LevelInfo:  "\033[32m", // Green
	slog.LevelWarn:  "\033[33m", // Yellow
	slog.LevelError: "\033[31m", // Red
}

const colorReset = "\033[0m"

// HandlerConfig configures a console handler.
type HandlerConfig struct {
	Level      slog.Leveler
	Output     io.Writer
	Colorize   bool
	ShowCaller bool
	TimeFormat string
}

// Handler writes records as
//
//	[TIME] [LEVEL] [COMPONENT] message key=value key=value
//
// The component comes from a "component" attribute; the latest one wins.
type Handler struct {
	mu        *sync.Mutex
	cfg       HandlerConfig
	component string
	attrs     string
	groups    []string
}

var _ slog.Handler = (*Handler)(nil)

// NewHandler creates a console handler.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}
	if cfg.TimeFormat == "" {
		cfg.TimeFormat = "15:04:05.000"
	}
	if cfg.Level == nil {
		cfg.Level = slog.LevelInfo
	}
	return &Handler{mu: &sync.Mutex{}, cfg: cfg}
}

// NewLogger returns a colorized console logger at level tagged with
// component.
func NewLogger(component string, level slog.Leveler) *slog.Logger {
	h := NewHandler(HandlerConfig{Level: level, Colorize: true})
	return slog.New(h).With("component", component)
}

// ParseLevel maps debug, info, warn and error to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log level %q: %w", s, err)
	}
	return l, nil
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.cfg.Level.Level()
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder

	if h.cfg.Colorize {
		b.WriteString(colorFor(r.Level))
	}

	t := r.Time
	if t.IsZero() {
		t = time.Now()
	}
	b.WriteString("[")
	b.WriteString(t.Format(h.cfg.TimeFormat))
	b.WriteString("] ")
	fmt.Fprintf(&b, "[%-5s] ", r.Level.String())

	component := h.component
	var fields strings.Builder
	fields.WriteString(h.attrs)
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" && len(h.groups) == 0 {
			component = a.Value.String()
			return true
		}
		h.appendAttr(&fields, h.groups, a)
		return true
	})
	if component != "" {
		b.WriteString("[")
		b.WriteString(component)
		b.WriteString("] ")
	}
	b.WriteString(r.Message)
	b.WriteString(fields.String())

	if h.cfg.ShowCaller && r.PC != 0 {
		frames := runtime.CallersFrames([]uintptr{r.PC})
		f, _ := frames.Next()
		fmt.Fprintf(&b, " (%s:%d)", filepath.Base(f.File), f.Line)
	}

	if h.cfg.Colorize {
		b.WriteString(colorReset)
	}
	b.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.cfg.Output, b.String())
	return err
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h2 := *h
	var b strings.Builder
	b.WriteString(h.attrs)
	for _, a := range attrs {
		if a.Key == "component" && len(h.groups) == 0 {
			h2.component = a.Value.String()
			continue
		}
		h.appendAttr(&b, h.groups, a)
	}
	h2.attrs = b.String()
	return &h2
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := *h
	h2.groups = append(append([]string(nil), h.groups...), name)
	return &h2
}

func (h *Handler) appendAttr(b *strings.Builder, groups []string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		sub := groups
		if a.Key != "" {
			sub = append(append([]string(nil), groups...), a.Key)
		}
		for _, ga := range a.Value.Group() {
			h.appendAttr(b, sub, ga)
		}
		return
	}
	b.WriteString(" ")
	for _, g := range groups {
		b.WriteString(g)
		b.WriteString(".")
	}
	b.WriteString(a.Key)
	b.WriteString("=")
	b.WriteString(formatValue(a.Value))
}

func formatValue(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return fmt.Sprintf("%q", v.String())
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return fmt.Sprintf("%q", err.Error())
		}
	}
	return v.String()
}

func colorFor(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return levelColors[slog.LevelError]
	case level >= slog.LevelWarn:
		return levelColors[slog.LevelWarn]
	case level >= slog.LevelInfo:
		return levelColors[slog.LevelInfo]
	default:
		return levelColors[slog.LevelDebug]
	}
}
