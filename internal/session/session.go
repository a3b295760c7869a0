// Package session manages the durable log directories of supervisor runs.
//
// Every run gets its own run_<timestamp>_<id> directory under the base dir;
// run_active points to the current one. A run is terminated by writing the
// session_end marker, which happens at most once per directory.
package session

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	MarkerName = "session_end"
	ActiveLink = "run_active"
	DirPrefix  = "run_"

	timeLayout = "20060102T150405Z"
)

// Reasons a session ended, written to the marker.
const (
	ReasonStop      = "stop"
	ReasonRestart   = "restart"
	ReasonSignal    = "signal"
	ReasonFailed    = "startup failed"
	ReasonAbandoned = "abandoned"
)

var ErrMarkerExists = errors.New("session already ended")

type Manager struct {
	base string
	now  func() time.Time
}

func NewManager(base string) *Manager {
	return &Manager{
		base: base,
		now:  time.Now,
	}
}

func (m *Manager) Base() string {
	return m.base
}

// Session is one supervisor run.
type Session struct {
	ID      string
	Dir     string
	Started time.Time

	mx    sync.Mutex
	ended bool
}

// New terminates a previous active session left without a marker, then
// creates a new session directory and points run_active at it.
func (m *Manager) New() (*Session, error) {
	if err := os.MkdirAll(m.base, 0o755); err != nil {
		return nil, fmt.Errorf("creating session base: %w", err)
	}
	if err := m.closeAbandoned(); err != nil {
		slog.Warn("closing abandoned session", "error", err)
	}

	now := m.now().UTC()
	id := uuid.NewString()[:8]
	name := DirPrefix + now.Format(timeLayout) + "_" + id
	dir := filepath.Join(m.base, name)
	if err := os.Mkdir(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating session dir: %w", err)
	}
	if err := m.activate(name); err != nil {
		return nil, err
	}
	return &Session{
		ID:      id,
		Dir:     dir,
		Started: now,
	}, nil
}

// Active returns the directory run_active points to.
func (m *Manager) Active() (string, bool) {
	target, err := os.Readlink(filepath.Join(m.base, ActiveLink))
	if err != nil {
		return "", false
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(m.base, target)
	}
	if _, err := os.Stat(target); err != nil {
		return "", false
	}
	return target, true
}

// activate atomically replaces run_active with a link to name.
func (m *Manager) activate(name string) error {
	tmp := filepath.Join(m.base, ActiveLink+".tmp-"+uuid.NewString()[:8])
	if err := os.Symlink(name, tmp); err != nil {
		return fmt.Errorf("linking active session: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(m.base, ActiveLink)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("activating session: %w", err)
	}
	return nil
}

func (m *Manager) closeAbandoned() error {
	dir, ok := m.Active()
	if !ok {
		return nil
	}
	err := writeMarker(dir, m.now(), ReasonAbandoned)
	if errors.Is(err, ErrMarkerExists) {
		return nil
	}
	if err == nil {
		slog.Info("previous session was not terminated", "dir", dir)
	}
	return err
}

// LogPath is the durable log file of a service within the session.
func (s *Session) LogPath(service string) string {
	return filepath.Join(s.Dir, service+".log")
}

func (s *Session) Name() string {
	return filepath.Base(s.Dir)
}

// End writes the session_end marker. It returns ErrMarkerExists when the
// session has already been ended, which callers treat as a no-op.
func (s *Session) End(reason string) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.ended {
		return ErrMarkerExists
	}
	err := writeMarker(s.Dir, time.Now(), reason)
	if err == nil || errors.Is(err, ErrMarkerExists) {
		s.ended = true
	}
	return err
}

func (s *Session) Ended() bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.ended
}

type Marker struct {
	EndedAt time.Time
	Reason  string
}

// ReadMarker parses the session_end marker of dir. It returns an error
// wrapping fs.ErrNotExist for a session still active.
func ReadMarker(dir string) (Marker, error) {
	b, err := os.ReadFile(filepath.Join(dir, MarkerName))
	if err != nil {
		return Marker{}, err
	}
	var m Marker
	for line := range strings.Lines(string(b)) {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch key {
		case "ended_at":
			m.EndedAt, err = time.Parse(time.RFC3339, value)
			if err != nil {
				return Marker{}, fmt.Errorf("parsing %s: %w", MarkerName, err)
			}
		case "reason":
			m.Reason = value
		}
	}
	return m, nil
}

func writeMarker(dir string, at time.Time, reason string) error {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return err
	}
	defer root.Close()

	f, err := root.OpenFile(MarkerName, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return ErrMarkerExists
	}
	if err != nil {
		return fmt.Errorf("creating %s: %w", MarkerName, err)
	}
	reason = strings.Join(strings.Fields(reason), " ")
	_, err = fmt.Fprintf(f, "ended_at=%s\nreason=%s\n", at.UTC().Format(time.RFC3339), reason)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("writing %s: %w", MarkerName, err)
	}
	return nil
}
