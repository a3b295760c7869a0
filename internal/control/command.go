// Package control reads operator commands from standard input and from a
// trigger file, and dispatches them to the supervisor.
package control

import (
	"strings"
)

// Command is a normalized operator command. Matching is case sensitive.
type Command string

const (
	Empty     Command = ""
	Help      Command = "help"
	Restart   Command = "restart"
	Stop      Command = "stop"
	Quit      Command = "quit"
	Exit      Command = "exit"
	TestInfo  Command = "test-info"
	TestWarn  Command = "test-warn"
	TestError Command = "test-error"
	TestAll   Command = "test-all"
)

var vocabulary = []struct {
	cmd   Command
	usage string
}{
	{Help, "show this help"},
	{Restart, "stop all services and start them again"},
	{Stop, "stop all services and exit (also quit, exit)"},
	{TestInfo, "write an info line to the app log"},
	{TestWarn, "write a warning line to the app log"},
	{TestError, "write an error line to the app log"},
	{TestAll, "write a line to every service log"},
}

// Normalize strips a trailing carriage return, trims the line and collapses
// inner whitespace.
func Normalize(line string) string {
	line = strings.TrimSuffix(line, "\r")
	return strings.Join(strings.Fields(line), " ")
}

// Parse normalizes line into a Command, which may be unknown.
func Parse(line string) Command {
	return Command(Normalize(line))
}

func (c Command) Known() bool {
	switch c {
	case Help, Restart, Stop, Quit, Exit, TestInfo, TestWarn, TestError, TestAll:
		return true
	}
	return false
}

// IsStop reports whether c asks the supervisor to exit.
func (c Command) IsStop() bool {
	return c == Stop || c == Quit || c == Exit
}

// TestKind returns the diagnostic kind of a test-* command.
func (c Command) TestKind() (string, bool) {
	switch c {
	case TestInfo, TestWarn, TestError, TestAll:
		return strings.TrimPrefix(string(c), "test-"), true
	}
	return "", false
}

// HelpLines lists the commands with their usage.
func HelpLines() []string {
	out := []string{"Commands:"}
	for _, v := range vocabulary {
		out = append(out, "  "+padRight(string(v.cmd), 12)+v.usage)
	}
	return out
}

func padRight(s string, n int) string {
	if len(s) >= n {
		return s + " "
	}
	return s + strings.Repeat(" ", n-len(s))
}
