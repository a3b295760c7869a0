package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/polardev/chatstack/internal/logmux"
	"github.com/polardev/chatstack/internal/metrics"
	"github.com/polardev/chatstack/internal/model"
	"github.com/polardev/chatstack/internal/netscan"
	"github.com/polardev/chatstack/internal/osproc"
)

var ErrExecutableNotFound = errors.New("executable not found")

type LaunchStatus int

const (
	Started LaunchStatus = iota + 1
	SkippedAlreadyRunning
)

func (s LaunchStatus) String() string {
	switch s {
	case Started:
		return "started"
	case SkippedAlreadyRunning:
		return "skipped, already running"
	default:
		return "failed"
	}
}

// Launcher starts services and registers their handles.
type Launcher struct {
	registry *Registry
	mux      *logmux.Mux
	runtime  model.Runtime
	grace    time.Duration
	metrics  *metrics.Metrics
	lookPath func(string) (string, error)
}

func NewLauncher(registry *Registry, mux *logmux.Mux, cfg model.Config, m *metrics.Metrics) *Launcher {
	return &Launcher{
		registry: registry,
		mux:      mux,
		runtime:  cfg.Runtime,
		grace:    cfg.Shutdown.Grace.Duration,
		metrics:  m,
		lookPath: exec.LookPath,
	}
}

// Running is the liveness check used before a launch: a live registered
// handle, or any process matching spec.Match.
func (l *Launcher) Running(ctx context.Context, spec model.ServiceSpec) bool {
	if h, ok := l.registry.Get(spec.Name); ok && h.Alive() {
		return true
	}
	if spec.Match.IsZero() {
		return false
	}
	ok, err := osproc.Running(ctx, spec.Match)
	if err != nil {
		slog.DebugContext(ctx, "liveness probe", "service", spec.Name, "error", err)
	}
	return ok
}

// Launch starts spec unless it is running already. The output of the
// process goes to the multiplexer stream registered under spec.Name.
func (l *Launcher) Launch(ctx context.Context, spec model.ServiceSpec) (LaunchStatus, *Handle, error) {
	if l.Running(ctx, spec) {
		slog.InfoContext(ctx, "already running, not starting", "service", spec.Name)
		l.metrics.Launch(spec.Name, metrics.OutcomeSkipped)
		h, _ := l.registry.Get(spec.Name)
		return SkippedAlreadyRunning, h, nil
	}

	h, err := l.start(ctx, spec)
	if err != nil {
		l.metrics.Launch(spec.Name, metrics.OutcomeFailed)
		return 0, nil, err
	}
	l.metrics.Launch(spec.Name, metrics.OutcomeStarted)
	l.metrics.Running(spec.Name, true)
	slog.InfoContext(ctx, "service started", "service", spec.Name, "pid", h.Pid(), "cmd", h.Result().Path)

	go func() {
		<-h.Done()
		l.metrics.Running(spec.Name, false)
		res := h.Result()
		slog.DebugContext(ctx, "service exited", "service", spec.Name, "error", res.Err)
	}()
	return Started, h, nil
}

func (l *Launcher) start(ctx context.Context, spec model.ServiceSpec) (*Handle, error) {
	cmd, err := l.Command(ctx, spec)
	if err != nil {
		return nil, err
	}
	stream, ok := l.mux.Stream(spec.Name)
	if !ok {
		return nil, fmt.Errorf("%s: no output stream open", spec.Name)
	}
	if spec.ReclaimPort > 0 {
		if err := l.reclaim(ctx, spec.Name, spec.ReclaimPort); err != nil {
			return nil, err
		}
	}

	// forwarding outlives the launch request, Handle.Stop ends it
	fctx := context.WithoutCancel(ctx)
	runner := NewRunner()
	var h *Handle
	switch spec.Output {
	case model.OutputFile:
		f, err := os.Create(spec.TmpLog)
		if err != nil {
			return nil, fmt.Errorf("creating %s: %w", spec.TmpLog, err)
		}
		err = runner.Start(ctx, cmd, f)
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("starting %s: %w", spec.Name, err)
		}
		h = newHandle(spec, runner)
		h.goTask(fctx, nil, func(ctx context.Context) error {
			return stream.Tail(ctx, spec.TmpLog)
		})
	default:
		if err := truncate(spec.TmpLog); err != nil {
			return nil, err
		}
		pr, pw, err := os.Pipe()
		if err != nil {
			return nil, err
		}
		err = runner.Start(ctx, cmd, pw)
		_ = pw.Close()
		if err != nil {
			_ = pr.Close()
			return nil, fmt.Errorf("starting %s: %w", spec.Name, err)
		}
		h = newHandle(spec, runner)
		h.goTask(fctx, pr, func(ctx context.Context) error {
			defer pr.Close()
			return stream.Forward(ctx, pr)
		})
	}

	if err := l.registry.Add(h); err != nil {
		_ = h.Stop(ctx, l.grace)
		return nil, err
	}
	return h, nil
}

// Command resolves the executable of spec and applies the runtime wrappers.
func (l *Launcher) Command(ctx context.Context, spec model.ServiceSpec) (Command, error) {
	exe, err := l.resolve(spec)
	if err != nil {
		return Command{}, err
	}
	argv := append([]string{exe}, spec.Args...)

	if spec.LineBuffered {
		if stdbuf, err := l.lookPath("stdbuf"); err == nil {
			argv = append([]string{stdbuf, "-oL", "-eL"}, argv...)
		} else {
			slog.DebugContext(ctx, "stdbuf not available, output may be block buffered", "service", spec.Name)
		}
	}
	if spec.Isolated && l.runtime.CondaEnv != "" {
		if conda, err := l.lookPath("conda"); err == nil {
			argv = append([]string{conda, "run", "--no-capture-output", "-n", l.runtime.CondaEnv}, argv...)
		} else {
			slog.WarnContext(ctx, "conda not found, running outside of the environment", "service", spec.Name, "env", l.runtime.CondaEnv)
		}
	}

	return Command{
		Path: argv[0],
		Args: argv[1:],
		Env:  append(os.Environ(), spec.Env...),
		Dir:  spec.Dir,
	}, nil
}

func (l *Launcher) resolve(spec model.ServiceSpec) (string, error) {
	if spec.Binary != "" {
		info, err := os.Stat(spec.Binary)
		if err != nil || info.IsDir() || info.Mode().Perm()&0o111 == 0 {
			return "", fmt.Errorf("%s: %s: %w", spec.Name, spec.Binary, ErrExecutableNotFound)
		}
		return spec.Binary, nil
	}
	path, err := l.lookPath(spec.Program)
	if err != nil {
		return "", fmt.Errorf("%s: %s not in $PATH: %w", spec.Name, spec.Program, ErrExecutableNotFound)
	}
	return path, nil
}

// reclaim terminates foreign listeners on port and waits for it to be free.
func (l *Launcher) reclaim(ctx context.Context, name string, port int) error {
	if !netscan.Listening(ctx, uint16(port)) {
		return nil
	}
	pids, err := osproc.ListenerPIDs(ctx, port)
	if err != nil {
		return fmt.Errorf("finding listeners on port %d: %w", port, err)
	}
	if len(pids) == 0 {
		// sockets of other users have no visible owner process
		attrs := []any{"service", name, "port", port}
		if ls := netscan.ListenersOn(uint16(port)); len(ls) > 0 {
			attrs = append(attrs, "uid", ls[0].UID, "inode", ls[0].Inode)
		}
		slog.WarnContext(ctx, "port is busy, owner unknown", attrs...)
	}
	for _, pid := range pids {
		slog.WarnContext(ctx, "port is busy, terminating listener", "service", name, "port", port, "pid", pid)
		if err := osproc.Terminate(ctx, pid, false, l.grace); err != nil {
			return fmt.Errorf("freeing port %d: %w", port, err)
		}
	}
	return netscan.WaitFree(ctx, uint16(port), l.grace+time.Second)
}

func truncate(path string) error {
	if path == "" {
		return nil
	}
	err := os.Truncate(path, 0)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("truncating %s: %w", path, err)
	}
	return nil
}
