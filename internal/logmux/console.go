package logmux

import (
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// ANSI colors used for severities. Tag colors are chosen per service.
const (
	ColorError = "1"
	ColorWarn  = "3"
)

// Console is the live, colorized stream. Every line is written with a single
// Write call while holding the lock, so lines from concurrent services never
// interleave.
type Console struct {
	mx       sync.Mutex
	w        io.Writer
	renderer *lipgloss.Renderer
}

// NewConsole returns a console writing to w. mode is one of "auto", "always"
// or "never"; auto enables colors only when w is a terminal.
func NewConsole(w io.Writer, mode string) *Console {
	r := lipgloss.NewRenderer(w)
	if colorEnabled(w, mode) {
		r.SetColorProfile(termenv.ANSI)
	} else {
		r.SetColorProfile(termenv.Ascii)
	}
	return &Console{
		w:        w,
		renderer: r,
	}
}

func colorEnabled(w io.Writer, mode string) bool {
	switch mode {
	case "always":
		return true
	case "never":
		return false
	}
	return IsTerminal(w)
}

// IsTerminal reports whether w is a file descriptor attached to a terminal.
func IsTerminal(w any) bool {
	f, ok := w.(interface{ Fd() uintptr })
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

// WriteLine writes "[TAG] text" with the tag rendered in color.
func (c *Console) WriteLine(tag, color, text string) error {
	style := c.renderer.NewStyle().Bold(true).Foreground(lipgloss.Color(color))
	var b strings.Builder
	b.Grow(len(tag) + len(text) + 16)
	b.WriteString(style.Render("[" + tag + "]"))
	b.WriteByte(' ')
	b.WriteString(text)
	b.WriteByte('\n')
	return c.write(b.String())
}

// Println writes untagged text, e.g. the help screen or the endpoints banner.
func (c *Console) Println(text string) error {
	return c.write(text + "\n")
}

func (c *Console) write(s string) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	if _, err := io.WriteString(c.w, s); err != nil {
		return err
	}
	if f, ok := c.w.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}
