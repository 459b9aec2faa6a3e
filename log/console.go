package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ConsoleHandler is a slog.Handler producing the single-line, human-first
// format the node prints when attached to a terminal:
//
//	12:04:05.123 INFO  [csm] applied sync event ev_idx=41
//
// JSON output (log.New) stays the default for service deployments; the
// CLI switches to this when stderr is a terminal.
type ConsoleHandler struct {
	mu    *sync.Mutex
	w     io.Writer
	level slog.Leveler

	// attrs/module accumulate WithAttrs context; module is split out so
	// it renders as the bracketed prefix rather than a trailing key=val.
	attrs  []slog.Attr
	module string
}

// NewConsoleHandler writes formatted records to w at or above level.
func NewConsoleHandler(w io.Writer, level slog.Leveler) *ConsoleHandler {
	return &ConsoleHandler{mu: &sync.Mutex{}, w: w, level: level}
}

// Enabled implements slog.Handler.
func (h *ConsoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// WithAttrs implements slog.Handler.
func (h *ConsoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := *h
	out.attrs = append([]slog.Attr(nil), h.attrs...)
	for _, a := range attrs {
		if a.Key == "module" {
			if out.module != "" {
				out.module += "." + a.Value.String()
			} else {
				out.module = a.Value.String()
			}
			continue
		}
		out.attrs = append(out.attrs, a)
	}
	return &out
}

// WithGroup implements slog.Handler. The group name is recorded as a plain
// group=<name> attribute; keys logged afterwards are not prefixed with it.
func (h *ConsoleHandler) WithGroup(name string) slog.Handler {
	out := *h
	out.attrs = append(append([]slog.Attr(nil), h.attrs...), slog.String("group", name))
	return &out
}

// Handle implements slog.Handler.
func (h *ConsoleHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Time.Format("15:04:05.000"))
	b.WriteByte(' ')
	b.WriteString(padLevel(r.Level))
	if h.module != "" {
		b.WriteString(" [")
		b.WriteString(h.module)
		b.WriteByte(']')
	}
	b.WriteByte(' ')
	b.WriteString(r.Message)

	for _, a := range h.attrs {
		writeAttr(&b, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&b, a)
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func padLevel(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "ERROR"
	case l >= slog.LevelWarn:
		return "WARN "
	case l >= slog.LevelInfo:
		return "INFO "
	default:
		return "DEBUG"
	}
}

func writeAttr(b *strings.Builder, a slog.Attr) {
	b.WriteByte(' ')
	b.WriteString(a.Key)
	b.WriteByte('=')
	b.WriteString(formatValue(a.Value))
}

func formatValue(v slog.Value) string {
	switch v.Kind() {
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	default:
		s := v.String()
		if strings.ContainsAny(s, " \t\"") {
			return fmt.Sprintf("%q", s)
		}
		if s == "" {
			return `""`
		}
		return s
	}
}

// NewConsole creates a Logger printing the console format to w.
func NewConsole(w io.Writer, level slog.Level) *Logger {
	return NewWithHandler(NewConsoleHandler(w, level))
}
