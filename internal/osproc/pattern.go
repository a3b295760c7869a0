package osproc

import (
	"path/filepath"
	"strings"
)

// Pattern identifies a process by its argument vector rather than by a
// substring of the joined command line. An argument whose base name is
// Program, or Program followed by a version such as python3.12, must be
// followed by every element of Args in order. Args are compared exactly.
type Pattern struct {
	Program string
	Args    []string
}

// IsZero reports whether p matches nothing.
func (p Pattern) IsZero() bool {
	return strings.TrimSpace(p.Program) == ""
}

func (p Pattern) String() string {
	return strings.Join(append([]string{p.Program}, p.Args...), " ")
}

// Matches reports whether argv was started by p.
func (p Pattern) Matches(argv []string) bool {
	if p.IsZero() {
		return false
	}
	for i, arg := range argv {
		if p.program(arg) && subsequence(argv[i+1:], p.Args) {
			return true
		}
	}
	return false
}

func (p Pattern) program(arg string) bool {
	if arg == "" {
		return false
	}
	base := filepath.Base(arg)
	if base == p.Program {
		return true
	}
	rest, ok := strings.CutPrefix(base, p.Program)
	if !ok || rest == "" {
		return false
	}
	return strings.Trim(rest, "0123456789.") == "" && rest[0] != '.'
}

// subsequence reports whether want appears in have in order, not
// necessarily contiguously.
func subsequence(have, want []string) bool {
	i := 0
	for _, h := range have {
		if i == len(want) {
			break
		}
		if h == want[i] {
			i++
		}
	}
	return i == len(want)
}
