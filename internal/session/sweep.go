package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/polardev/chatstack/internal/model"
)

// Sweep removes session directories older than retention. The active session
// is never removed. It returns the removed directories.
func (m *Manager) Sweep(ctx context.Context, retention time.Duration) ([]string, error) {
	entries, err := os.ReadDir(m.base)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	active, _ := m.Active()
	cutoff := m.now().Add(-retention)

	var removed []string
	var errs []error
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), DirPrefix) || e.Name() == ActiveLink {
			continue
		}
		dir := filepath.Join(m.base, e.Name())
		if dir == active {
			continue
		}
		started, ok := m.startedAt(e)
		if !ok || !started.Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, err)
			continue
		}
		slog.DebugContext(ctx, "session removed", "dir", dir, "started", started)
		removed = append(removed, dir)
	}
	return removed, errors.Join(errs...)
}

// startedAt reads the start time from the directory name and falls back to
// its modification time for directories not created by a Manager.
func (m *Manager) startedAt(e os.DirEntry) (time.Time, bool) {
	stamp, _, _ := strings.Cut(strings.TrimPrefix(e.Name(), DirPrefix), "_")
	if t, err := time.Parse(timeLayout, stamp); err == nil {
		return t, true
	}
	info, err := e.Info()
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}

// Sweeper runs Sweep at startup and then on a cron schedule.
type Sweeper struct {
	manager   *Manager
	retention time.Duration
	scheduler gocron.Scheduler
	onRemove  func(ctx context.Context, name string)
}

type SweeperOption func(*Sweeper)

// OnRemove calls fn with the base name of every removed session directory.
func OnRemove(fn func(ctx context.Context, name string)) SweeperOption {
	return func(s *Sweeper) {
		s.onRemove = fn
	}
}

func NewSweeper(ctx context.Context, manager *Manager, cfg model.Session, opts ...SweeperOption) (*Sweeper, error) {
	retention, err := model.ParseRetention(cfg.Retention)
	if err != nil {
		return nil, fmt.Errorf("parsing session.retention: %w", err)
	}
	if _, err := model.ParseCron(cfg.Sweep); err != nil {
		return nil, fmt.Errorf("parsing session.sweep: %w", err)
	}

	s := &Sweeper{
		manager:   manager,
		retention: retention,
	}
	for _, opt := range opts {
		opt(s)
	}
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = scheduler.NewJob(
		gocron.CronJob(cfg.Sweep, false),
		gocron.NewTask(func() { s.sweep(ctx) }),
	)
	if err != nil {
		_ = scheduler.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	s.scheduler = scheduler
	slog.DebugContext(ctx, "session sweep scheduled", "cron", cfg.Sweep, "retention", retention)
	return s, nil
}

// Start sweeps once and starts the schedule.
func (s *Sweeper) Start(ctx context.Context) {
	s.sweep(ctx)
	s.scheduler.Start()
}

func (s *Sweeper) Shutdown() error {
	return s.scheduler.Shutdown()
}

func (s *Sweeper) sweep(ctx context.Context) {
	removed, err := s.manager.Sweep(ctx, s.retention)
	if err != nil {
		slog.WarnContext(ctx, "session sweep", "error", err)
	}
	if len(removed) > 0 {
		slog.InfoContext(ctx, "old sessions removed", "count", len(removed))
	}
	if s.onRemove != nil {
		for _, dir := range removed {
			s.onRemove(ctx, filepath.Base(dir))
		}
	}
}
