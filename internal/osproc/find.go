package osproc

import (
	"context"
	"errors"
	"os"
	"slices"

	"github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
)

// Find returns the PIDs of processes whose argument vector matches pattern.
// The calling process is never reported.
func Find(ctx context.Context, pattern Pattern) ([]int32, error) {
	if pattern.IsZero() {
		return nil, errors.New("empty process pattern")
	}
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	self := int32(os.Getpid())
	var pids []int32
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		argv, err := p.CmdlineSliceWithContext(ctx)
		if err != nil || len(argv) == 0 {
			// gone or a kernel thread
			continue
		}
		if pattern.Matches(argv) {
			pids = append(pids, p.Pid)
		}
	}
	return pids, nil
}

// Live is Find without zombies.
func Live(ctx context.Context, pattern Pattern) ([]int32, error) {
	pids, err := Find(ctx, pattern)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(pids, func(pid int32) bool { return !Alive(ctx, pid) }), nil
}

// Running is the liveness probe by name: true if at least one live process
// matches pattern.
func Running(ctx context.Context, pattern Pattern) (bool, error) {
	pids, err := Live(ctx, pattern)
	return len(pids) > 0, err
}

// Alive reports whether pid exists and is not a zombie.
func Alive(ctx context.Context, pid int32) bool {
	if pid <= 0 {
		return false
	}
	ok, err := process.PidExistsWithContext(ctx, pid)
	if err != nil || !ok {
		return false
	}
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return false
	}
	status, err := p.StatusWithContext(ctx)
	if err != nil {
		// exists, status unknown
		return true
	}
	return !slices.Contains(status, process.Zombie)
}

// ListenerPIDs returns the PIDs owning a TCP socket listening on port.
// Sockets owned by other users may be reported without a PID and are
// skipped.
func ListenerPIDs(ctx context.Context, port int) ([]int32, error) {
	conns, err := net.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return nil, err
	}
	var pids []int32
	for _, c := range conns {
		if c.Status != "LISTEN" || c.Laddr.Port != uint32(port) || c.Pid <= 0 {
			continue
		}
		if !slices.Contains(pids, c.Pid) {
			pids = append(pids, c.Pid)
		}
	}
	return pids, nil
}
