package logmux

import (
	"strings"
	"time"
)

// Severity is derived from the text of a line, never from its source stream.
type Severity int

const (
	SeverityDefault Severity = iota
	SeverityWarn
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityWarn:
		return "warn"
	case SeverityError:
		return "error"
	default:
		return "info"
	}
}

// Classify returns the severity of a line. The match is a case-insensitive
// substring test where ERR (and so ERROR) wins over WARN (and WARNING).
func Classify(text string) Severity {
	upper := strings.ToUpper(text)
	switch {
	case strings.Contains(upper, "ERR"):
		return SeverityError
	case strings.Contains(upper, "WARN"):
		return SeverityWarn
	default:
		return SeverityDefault
	}
}

// Line is a single line of service output on its way to the log files and
// the console.
type Line struct {
	Service  string
	Tag      string
	Text     string
	Severity Severity
	Color    string
	Time     time.Time
}
