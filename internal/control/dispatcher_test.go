package control_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/polardev/chatstack/internal/control"
	"github.com/polardev/chatstack/internal/session"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mx         sync.Mutex
	calls      []string
	restartErr error
	printed    []string
}

func (r *recorder) record(call string) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recorder) Calls() []string {
	r.mx.Lock()
	defer r.mx.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) Restart(context.Context) error {
	r.record("restart")
	return r.restartErr
}

func (r *recorder) Stop(_ context.Context, reason string) error {
	r.record("stop:" + reason)
	return nil
}

func (r *recorder) Test(_ context.Context, kind string) error {
	r.record("test:" + kind)
	return nil
}

func (r *recorder) Println(text string) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.printed = append(r.printed, text)
	return nil
}

func TestDispatch(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	d := control.NewDispatcher(rec, rec)
	ctx := t.Context()

	for _, line := range []string{"", "   \t", "  ReStart\t", "nonsense", "test-info", "test-all\r"} {
		require.NoError(t, d.Dispatch(ctx, line), line)
	}
	require.Equal(t, []string{"test:info", "test:all"}, rec.Calls())

	require.NoError(t, d.Dispatch(ctx, "help"))
	require.Equal(t, control.HelpLines(), rec.printed)

	require.NoError(t, d.Dispatch(ctx, "restart"))
	for _, stop := range []string{"stop", "quit", " exit "} {
		require.ErrorIs(t, d.Dispatch(ctx, stop), control.ErrStop)
	}
	stopped := "stop:" + session.ReasonStop
	require.Equal(t, []string{"test:info", "test:all", "restart", stopped, stopped, stopped}, rec.Calls())

	t.Run("restart failure", func(t *testing.T) {
		boom := errors.New("boom")
		d := control.NewDispatcher(&recorder{restartErr: boom}, nil)
		err := d.Dispatch(ctx, "restart")
		require.ErrorIs(t, err, boom)
		require.NotErrorIs(t, err, control.ErrStop)
	})
}

func TestRun_Input(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	pr, pw := io.Pipe()
	t.Cleanup(func() { _ = pw.Close() })

	d := control.NewDispatcher(rec, rec,
		control.WithInput(pr),
		control.WithReadTimeout(20*time.Millisecond),
	)
	done := make(chan error, 1)
	go func() { done <- d.Run(t.Context()) }()

	_, err := io.WriteString(pw, "test-warn\r\n\n  ReStart\t\nstop\n")
	require.NoError(t, err)

	select {
	case err := <-done:
		require.ErrorIs(t, err, control.ErrStop)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
	require.Equal(t, []string{"test:warn", "stop:stop"}, rec.Calls())
}

func TestRun_Trigger(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	path := filepath.Join(t.TempDir(), "chatstack.cmd")

	pr, pw := io.Pipe()
	d := control.NewDispatcher(rec, rec,
		control.WithInput(pr),
		control.WithTrigger(control.NewTrigger(path)),
		control.WithReadTimeout(20*time.Millisecond),
	)
	// end of input leaves the trigger file working
	require.NoError(t, pw.Close())

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.NoError(t, control.WriteTrigger(path, "  test-error "))
	require.Eventually(t, func() bool {
		return len(rec.Calls()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return os.IsNotExist(err)
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not end on cancel")
	}
	require.Equal(t, []string{"test:error"}, rec.Calls())
}

func TestTrigger(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "chatstack.cmd")
	trigger := control.NewTrigger(path)

	cmds, err := trigger.Consume()
	require.NoError(t, err)
	require.Empty(t, cmds)

	require.NoError(t, control.WriteTrigger(path, "restart"))
	require.NoError(t, control.WriteTrigger(path, "stop"))
	require.Error(t, control.WriteTrigger(path, "  "))

	cmds, err = trigger.Consume()
	require.NoError(t, err)
	require.Equal(t, []string{"stop"}, cmds)

	// consumed once
	cmds, err = trigger.Consume()
	require.NoError(t, err)
	require.Empty(t, cmds)

	require.NoError(t, os.WriteFile(path, []byte("test-info\r\n\n test-all \n"), 0o644))
	cmds, err = trigger.Consume()
	require.NoError(t, err)
	require.Equal(t, []string{"test-info", "test-all"}, cmds)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Empty(t, entries)
}
