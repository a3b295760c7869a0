// Package probe decides whether a service accepts traffic, either by
// reaching one of its HTTP endpoints or by finding a "listening" line in its
// log.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"regexp"
	"time"

	"github.com/polardev/chatstack/internal/model"
	"github.com/polardev/chatstack/internal/parallel"
)

var ErrNotReady = errors.New("service not ready")

const DefaultInterval = time.Second

type Prober struct {
	client   *http.Client
	interval time.Duration
}

func New(interval time.Duration) *Prober {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Prober{
		client: &http.Client{
			// a redirect is a response too
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		interval: interval,
	}
}

// AwaitReady polls check every interval until it passes or timeout elapses,
// in which case the returned error wraps ErrNotReady. A zero check is ready.
func (p *Prober) AwaitReady(ctx context.Context, check model.ReadinessCheck, timeout time.Duration) error {
	if check.IsZero() {
		return nil
	}
	re, err := compile(check)
	if err != nil {
		return err
	}
	start := time.Now()
	deadline := start.Add(timeout)
	for round := 1; ; round++ {
		if p.once(ctx, check, re, deadline) {
			slog.DebugContext(ctx, "ready", "round", round, "elapsed", time.Since(start))
			return nil
		}
		if time.Until(deadline) < p.interval/2 {
			return fmt.Errorf("not ready after %s: %w", timeout, ErrNotReady)
		}
		if err := sleep(ctx, p.interval); err != nil {
			return err
		}
	}
}

// Attempt runs at most attempts checks spaced by interval. It is the non
// fatal variant used for the user facing service.
func (p *Prober) Attempt(ctx context.Context, check model.ReadinessCheck, attempts int) error {
	if check.IsZero() {
		return nil
	}
	re, err := compile(check)
	if err != nil {
		return err
	}
	for i := range attempts {
		if p.once(ctx, check, re, time.Now().Add(p.interval)) {
			return nil
		}
		if i == attempts-1 {
			break
		}
		if err := sleep(ctx, p.interval); err != nil {
			return err
		}
	}
	return fmt.Errorf("not ready after %d attempts: %w", attempts, ErrNotReady)
}

// Check runs a single round of check.
func (p *Prober) Check(ctx context.Context, check model.ReadinessCheck) (bool, error) {
	re, err := compile(check)
	if err != nil {
		return false, err
	}
	return p.once(ctx, check, re, time.Now().Add(p.interval)), nil
}

func (p *Prober) once(ctx context.Context, check model.ReadinessCheck, re *regexp.Regexp, deadline time.Time) bool {
	if re != nil && logMatches(check.LogPath, re) {
		return true
	}
	if len(check.URLs) == 0 {
		return false
	}
	// a round never outlives the interval
	roundEnd := time.Now().Add(p.interval)
	if deadline.Before(roundEnd) && deadline.After(time.Now()) {
		roundEnd = deadline
	}
	rctx, cancel := context.WithDeadline(ctx, roundEnd)
	defer cancel()
	_, err := parallel.First(rctx, check.URLs, p.get)
	return err == nil
}

// get succeeds on any HTTP response regardless of its status code.
func (p *Prober) get(ctx context.Context, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	_ = resp.Body.Close()
	return resp.StatusCode, nil
}

func compile(check model.ReadinessCheck) (*regexp.Regexp, error) {
	if check.LogPath == "" || check.Pattern == "" {
		return nil, nil
	}
	re, err := regexp.Compile(check.Pattern)
	if err != nil {
		return nil, fmt.Errorf("readiness pattern %q: %w", check.Pattern, err)
	}
	return re, nil
}

func logMatches(path string, re *regexp.Regexp) bool {
	b, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return re.Match(b)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
