package log

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/polardev/chatstack/internal/logmux"
)

// LineHandler renders records as "LEVEL message key=value" lines into a
// stream of the multiplexer, so supervisor diagnostics show up tagged in the
// live console and in the session log. The stream is looked up on every
// record as it is reopened for each session; records arriving while no
// stream is open go to the fallback handler.
type LineHandler struct {
	mux      *logmux.Mux
	name     string
	level    slog.Leveler
	fallback slog.Handler
	attrs    string
	groups   []string
}

func NewLineHandler(mux *logmux.Mux, name string, level slog.Leveler, fallback slog.Handler) *LineHandler {
	return &LineHandler{
		mux:      mux,
		name:     name,
		level:    level,
		fallback: fallback,
	}
}

func (h *LineHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *LineHandler) Handle(ctx context.Context, r slog.Record) error {
	stream, ok := h.mux.Stream(h.name)
	if !ok {
		if h.fallback == nil {
			return nil
		}
		return h.fallback.Handle(ctx, r)
	}

	var b strings.Builder
	if r.Level != slog.LevelInfo {
		b.WriteString(r.Level.String())
		b.WriteByte(' ')
	}
	b.WriteString(r.Message)
	b.WriteString(h.attrs)
	prefix := h.prefix()
	r.Attrs(func(a slog.Attr) bool {
		appendAttr(&b, prefix, a)
		return true
	})
	return stream.EmitSeverity(b.String(), severity(r.Level))
}

func (h *LineHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h2 := h.clone()
	var b strings.Builder
	b.WriteString(h.attrs)
	prefix := h.prefix()
	for _, a := range attrs {
		appendAttr(&b, prefix, a)
	}
	h2.attrs = b.String()
	if h.fallback != nil {
		h2.fallback = h.fallback.WithAttrs(attrs)
	}
	return h2
}

func (h *LineHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := h.clone()
	h2.groups = append(h2.groups, name)
	if h.fallback != nil {
		h2.fallback = h.fallback.WithGroup(name)
	}
	return h2
}

func (h *LineHandler) clone() *LineHandler {
	h2 := *h
	h2.groups = append([]string(nil), h.groups...)
	return &h2
}

func (h *LineHandler) prefix() string {
	if len(h.groups) == 0 {
		return ""
	}
	return strings.Join(h.groups, ".") + "."
}

func severity(level slog.Level) logmux.Severity {
	switch {
	case level >= slog.LevelError:
		return logmux.SeverityError
	case level >= slog.LevelWarn:
		return logmux.SeverityWarn
	default:
		return logmux.SeverityDefault
	}
}

func appendAttr(b *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p = prefix + a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			appendAttr(b, p, ga)
		}
		return
	}
	b.WriteByte(' ')
	b.WriteString(prefix)
	b.WriteString(a.Key)
	b.WriteByte('=')
	b.WriteString(formatValue(a.Value))
}

func formatValue(v slog.Value) string {
	var s string
	switch v.Kind() {
	case slog.KindString:
		s = v.String()
	case slog.KindDuration:
		s = v.Duration().String()
	case slog.KindTime:
		s = v.Time().Format(time.RFC3339)
	default:
		if err, ok := v.Any().(error); ok {
			s = err.Error()
		} else {
			s = fmt.Sprint(v.Any())
		}
	}
	if s == "" || strings.ContainsAny(s, " \t\"=") {
		return strconv.Quote(s)
	}
	return s
}
