package osproc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sys/unix"
)

var ErrStillAlive = errors.New("process still alive after SIGKILL")

const pollInterval = 50 * time.Millisecond

// Terminate sends SIGTERM to pid, or to its process group when group is
// true, waits up to grace for the process to go away and then sends SIGKILL.
// A process that is already gone is not an error.
func Terminate(ctx context.Context, pid int32, group bool, grace time.Duration) error {
	gone := func() bool { return !Alive(ctx, pid) }
	return TerminateFunc(ctx, pid, group, grace, gone)
}

// TerminateFunc is Terminate with a custom exit check. The supervisor uses
// it for its own children, whose exit is observed by cmd.Wait.
func TerminateFunc(ctx context.Context, pid int32, group bool, grace time.Duration, gone func() bool) error {
	if gone() {
		return nil
	}
	if err := signal(pid, group, unix.SIGTERM); err != nil {
		return err
	}
	if waitGone(ctx, grace, gone) {
		return nil
	}

	slog.WarnContext(ctx, "process ignored SIGTERM, killing", "pid", pid, "grace", grace)
	if err := signal(pid, group, unix.SIGKILL); err != nil {
		return err
	}
	if waitGone(ctx, time.Second, gone) {
		return nil
	}
	return fmt.Errorf("pid %d: %w", pid, ErrStillAlive)
}

// TerminateMatching terminates every process matching pattern and returns
// the PIDs it signaled.
func TerminateMatching(ctx context.Context, pattern Pattern, grace time.Duration) ([]int32, error) {
	pids, err := Live(ctx, pattern)
	if err != nil {
		return nil, err
	}
	var errs []error
	for _, pid := range pids {
		errs = append(errs, Terminate(ctx, pid, false, grace))
	}
	return pids, errors.Join(errs...)
}

func signal(pid int32, group bool, sig syscall.Signal) error {
	target := int(pid)
	if group {
		target = -target
	}
	err := unix.Kill(target, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("sending %s to %d: %w", sig, target, err)
	}
	return nil
}

func waitGone(ctx context.Context, timeout time.Duration, gone func() bool) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if gone() {
			return true
		}
		select {
		case <-ctx.Done():
			return gone()
		case <-deadline.C:
			return gone()
		case <-ticker.C:
		}
	}
}

// GroupGone reports whether the process group pgid has no live member left.
// Members that already exited but were not reaped yet by a parent outside
// our control stay signalable, so kill(-pgid, 0) alone would report them.
func GroupGone(ctx context.Context, pgid int32) bool {
	if unix.Kill(-int(pgid), 0) != nil {
		return true
	}
	pids, err := process.PidsWithContext(ctx)
	if err != nil {
		return false
	}
	for _, pid := range pids {
		if g, err := unix.Getpgid(int(pid)); err == nil && g == int(pgid) && Alive(ctx, pid) {
			return false
		}
	}
	return true
}
