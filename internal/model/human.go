// human readable and writable stdlib types
// which can be used inside config file
package model

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	if d == nil {
		return errors.New("can't unmarshal to nil")
	}
	parsed, err := time.ParseDuration(os.ExpandEnv(string(text)))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Path is a filesystem path with $VAR and leading ~ expanded.
type Path string

func (p *Path) UnmarshalText(text []byte) error {
	if p == nil {
		return errors.New("can't unmarshal to nil")
	}
	*p = Path(expandPath(string(text)))
	return nil
}

func (p Path) MarshalText() ([]byte, error) {
	return []byte(p), nil
}

func (p Path) String() string {
	return string(p)
}

func expandPath(s string) string {
	s = os.ExpandEnv(s)
	if s == "~" || strings.HasPrefix(s, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return s
		}
		return filepath.Join(home, strings.TrimPrefix(s, "~"))
	}
	return s
}
