package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/polardev/chatstack/internal/model"
)

// drainTimeout bounds how long a forwarding task may keep reading after
// its process group is gone.
const drainTimeout = 2 * time.Second

// Handle is the runtime record of a launched service.
type Handle struct {
	ID      string
	Spec    model.ServiceSpec
	Started time.Time

	runner *Runner
	tasks  []*task
}

// task is one output forwarding goroutine.
type task struct {
	id     string
	done   chan struct{}
	cancel context.CancelFunc
	source io.Closer // closing it unblocks a pending read
	err    error
}

func newHandle(spec model.ServiceSpec, runner *Runner) *Handle {
	return &Handle{
		ID:      uuid.NewString(),
		Spec:    spec,
		Started: time.Now(),
		runner:  runner,
	}
}

// goTask runs fn as a forwarding task of the handle.
func (h *Handle) goTask(ctx context.Context, source io.Closer, fn func(context.Context) error) {
	ctx, cancel := context.WithCancel(ctx)
	t := &task{
		id:     uuid.NewString(),
		done:   make(chan struct{}),
		cancel: cancel,
		source: source,
	}
	h.tasks = append(h.tasks, t)
	go func() {
		defer close(t.done)
		t.err = fn(ctx)
	}()
}

func (h *Handle) Name() string {
	return h.Spec.Name
}

func (h *Handle) Pid() int32 {
	return h.runner.Pid()
}

// Alive reports whether the process is still running.
func (h *Handle) Alive() bool {
	return h.runner.Running()
}

// Done is closed when the process has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.runner.Done()
}

func (h *Handle) Result() Result {
	return h.runner.Result()
}

// TaskIDs returns the IDs of the output forwarding tasks still alive.
func (h *Handle) TaskIDs() []string {
	var ids []string
	for _, t := range h.tasks {
		select {
		case <-t.done:
		default:
			ids = append(ids, t.id)
		}
	}
	return ids
}

// Stop terminates the process group and then the forwarding tasks. Tasks
// get drainTimeout to forward what the process wrote before they are
// canceled.
func (h *Handle) Stop(ctx context.Context, grace time.Duration) error {
	err := h.runner.Stop(ctx, grace)

	var errs []error
	errs = append(errs, err)
	for _, t := range h.tasks {
		// tailers end on cancel after a final read, forwarders on EOF
		if t.source == nil {
			t.cancel()
		}
		select {
		case <-t.done:
		case <-time.After(drainTimeout):
			slog.DebugContext(ctx, "forwarding task did not drain", "service", h.Spec.Name, "task", t.id)
			t.cancel()
			if t.source != nil {
				_ = t.source.Close()
			}
			<-t.done
		}
		t.cancel()
		if t.err != nil && !errors.Is(t.err, context.Canceled) {
			errs = append(errs, t.err)
		}
	}
	return errors.Join(errs...)
}
