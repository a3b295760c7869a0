package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/polardev/chatstack/internal/osproc"
)

var (
	ErrNotStarted = errors.New("process not started")
	ErrRunning    = errors.New("process already running")
)

// Command is a fully resolved argument vector, never interpreted by a shell.
type Command struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

func (c Command) Argv() []string {
	return append([]string{c.Path}, c.Args...)
}

type Result struct {
	Path    string
	Args    []string
	Started time.Time
	Stopped time.Time
	State   *os.ProcessState
	Err     error
}

// Runner runs one child process in its own process group, with stdout and
// stderr both going to a single file (a pipe or a log file).
type Runner struct {
	mx     sync.RWMutex
	cmd    *exec.Cmd
	result Result
	done   chan struct{}
}

func NewRunner() *Runner {
	return &Runner{
		result: Result{Err: ErrNotStarted},
	}
}

// Start starts the process and returns without waiting for it. The output
// file is shared with the child; the caller may close its copy once Start
// returns. A nil output discards it.
func (r *Runner) Start(_ context.Context, proto Command, output *os.File) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd != nil {
		return ErrRunning
	}

	r.result = Result{
		Path: proto.Path,
		Args: append([]string(nil), proto.Args...),
	}

	// not CommandContext: canceling would kill the leader only, Stop
	// takes care of the whole group
	cmd := exec.Command(proto.Path, proto.Args...)
	cmd.Env = proto.Env
	cmd.Dir = proto.Dir
	if output != nil {
		cmd.Stdout = output
		cmd.Stderr = output
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	r.result.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		r.result.Stopped = time.Now().UTC()
		r.result.Err = err
		return err
	}
	r.cmd = cmd
	r.done = make(chan struct{})
	go r.wait(cmd, r.done)
	return nil
}

func (r *Runner) wait(cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()
	stopped := time.Now().UTC()

	r.mx.Lock()
	defer r.mx.Unlock()
	r.result.Stopped = stopped
	r.result.State = cmd.ProcessState
	r.result.Err = err
	r.cmd = nil
	close(done)
}

// Pid returns the process ID, or 0 before the first start.
func (r *Runner) Pid() int32 {
	r.mx.RLock()
	defer r.mx.RUnlock()
	if r.cmd != nil {
		return int32(r.cmd.Process.Pid)
	}
	if r.result.State != nil {
		return int32(r.result.State.Pid())
	}
	return 0
}

// Done is closed once the process has exited and was reaped.
func (r *Runner) Done() <-chan struct{} {
	r.mx.RLock()
	defer r.mx.RUnlock()
	if r.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return r.done
}

func (r *Runner) Running() bool {
	select {
	case <-r.Done():
		return false
	default:
		return true
	}
}

// Stop terminates the process group: SIGTERM, then SIGKILL after grace.
// Members left in the group after the leader exited are terminated too.
func (r *Runner) Stop(ctx context.Context, grace time.Duration) error {
	pid := r.Pid()
	if pid == 0 {
		return nil
	}
	done := r.Done()
	gone := func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}
	path := r.Result().Path
	if err := osproc.TerminateFunc(ctx, pid, true, grace, gone); err != nil {
		return fmt.Errorf("stopping %s: %w", path, err)
	}
	groupGone := func() bool { return osproc.GroupGone(ctx, pid) }
	if err := osproc.TerminateFunc(ctx, pid, true, grace, groupGone); err != nil {
		return fmt.Errorf("stopping process group of %s: %w", path, err)
	}
	return nil
}

// Result returns the last command result, or a result with ErrNotStarted.
func (r *Runner) Result() Result {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return r.result
}
