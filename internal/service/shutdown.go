package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/polardev/chatstack/internal/metrics"
	"github.com/polardev/chatstack/internal/model"
	"github.com/polardev/chatstack/internal/osproc"
	"github.com/polardev/chatstack/internal/session"
)

// Coordinator stops everything the supervisor started. StopAll runs at
// most once per bound session.
type Coordinator struct {
	mx       sync.Mutex
	registry *Registry
	specs    []model.ServiceSpec
	grace    time.Duration
	metrics  *metrics.Metrics
	session  *session.Session
	done     bool
}

func NewCoordinator(registry *Registry, specs []model.ServiceSpec, grace time.Duration, m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		registry: registry,
		specs:    specs,
		grace:    grace,
		metrics:  m,
		done:     true,
	}
}

// Bind arms the coordinator for a new session.
func (c *Coordinator) Bind(sess *session.Session) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.session = sess
	c.done = false
}

// Done reports whether the bound session was already stopped.
func (c *Coordinator) Done() bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.done
}

// StopAll terminates registered process groups in parallel, kills strays
// matching the service patterns, and writes the session marker with reason.
// Repeated calls are no-ops until the next Bind.
func (c *Coordinator) StopAll(ctx context.Context, reason string) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.done {
		slog.DebugContext(ctx, "shutdown already done", "reason", reason)
		return nil
	}
	c.done = true
	// cleanup must finish even when ctx was canceled by a signal
	ctx = context.WithoutCancel(ctx)
	slog.InfoContext(ctx, "shutting down", "reason", reason)

	var errs []error
	var g errgroup.Group
	for _, h := range c.registry.All() {
		g.Go(func() error {
			defer c.registry.Remove(h)
			defer c.metrics.Running(h.Name(), false)
			if err := h.Stop(ctx, c.grace); err != nil {
				return fmt.Errorf("%s: %w", h.Name(), err)
			}
			slog.DebugContext(ctx, "service stopped", "service", h.Name(), "pid", h.Pid())
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}

	for _, spec := range c.specs {
		if spec.Match.IsZero() {
			continue
		}
		pids, err := osproc.TerminateMatching(ctx, spec.Match, c.grace)
		if len(pids) > 0 {
			slog.InfoContext(ctx, "terminated stray processes", "service", spec.Name, "pids", pids)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", spec.Name, err))
		}
	}

	if c.session != nil {
		err := c.session.End(reason)
		if err != nil && !errors.Is(err, session.ErrMarkerExists) {
			errs = append(errs, err)
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		slog.WarnContext(ctx, "shutdown complete with errors", "error", err)
		return err
	}
	slog.InfoContext(ctx, "shutdown complete")
	return nil
}
