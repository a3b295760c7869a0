package logmux_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/polardev/chatstack/internal/logmux"
	"github.com/stretchr/testify/require"
)

func newTarget(t *testing.T, name string) logmux.Target {
	t.Helper()
	dir := t.TempDir()
	return logmux.Target{
		Name:       name,
		Tag:        strings.ToUpper(name),
		Color:      "2",
		TmpLog:     filepath.Join(dir, "tmp", name+".log"),
		SessionLog: filepath.Join(dir, "session", name+".log"),
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(b)
}

func TestStream_Forward(t *testing.T) {
	t.Parallel()
	var console syncBuffer
	var mx sync.Mutex
	var seen []logmux.Line
	mux := logmux.New(
		logmux.NewConsole(&console, "never"),
		logmux.WithObserver(func(l logmux.Line) {
			mx.Lock()
			seen = append(seen, l)
			mx.Unlock()
		}),
	)
	target := newTarget(t, "localchat")
	stream, err := mux.Open(target)
	require.NoError(t, err)

	// append mode keeps content written before
	require.NoError(t, os.WriteFile(target.TmpLog, []byte("old\n"), 0o644))

	input := "INFO: started\r\nWARNING: slow\rERROR: boom\n"
	require.NoError(t, stream.Forward(t.Context(), strings.NewReader(input)))
	require.NoError(t, mux.CloseAll())

	require.Equal(t, "old\nINFO: started\nWARNING: slow\nERROR: boom\n", readFile(t, target.TmpLog))
	require.Equal(t, "INFO: started\nWARNING: slow\nERROR: boom\n", readFile(t, target.SessionLog))
	require.Equal(t,
		"[LOCALCHAT] INFO: started\n[LOCALCHAT] WARNING: slow\n[LOCALCHAT] ERROR: boom\n",
		console.String())

	require.Len(t, seen, 3)
	require.Equal(t, logmux.SeverityDefault, seen[0].Severity)
	require.Equal(t, "2", seen[0].Color)
	require.Equal(t, logmux.SeverityWarn, seen[1].Severity)
	require.Equal(t, logmux.ColorWarn, seen[1].Color)
	require.Equal(t, logmux.SeverityError, seen[2].Severity)
	require.Equal(t, logmux.ColorError, seen[2].Color)

	err = stream.Emit("late")
	require.ErrorIs(t, err, logmux.ErrStreamClosed)
}

func TestStream_Forward_LongLine(t *testing.T) {
	t.Parallel()
	var console syncBuffer
	mux := logmux.New(logmux.NewConsole(&console, "never"))
	target := newTarget(t, "ollama")
	stream, err := mux.Open(target)
	require.NoError(t, err)

	long := strings.Repeat("y", logmux.MaxLineSize+1)
	require.NoError(t, stream.Forward(t.Context(), strings.NewReader(long+"\nstill here\n")))
	require.NoError(t, mux.CloseAll())
	require.Equal(t, long[:logmux.MaxLineSize]+"\ny\nstill here\n", readFile(t, target.SessionLog))
}

func TestStream_EmitSeverity(t *testing.T) {
	t.Parallel()
	var console syncBuffer
	mux := logmux.New(logmux.NewConsole(&console, "always"))
	target := newTarget(t, "supervisor")
	target.TmpLog = ""
	stream, err := mux.Open(target)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mux.CloseAll() })

	require.NoError(t, stream.EmitSeverity("no errors found", logmux.SeverityDefault))
	out := console.String()
	require.Contains(t, out, "\x1b[")
	require.Contains(t, out, "[SUPERVISOR]")
	require.True(t, strings.HasSuffix(out, " no errors found\n"))
	require.Equal(t, "no errors found\n", readFile(t, target.SessionLog))
}

func TestMux_Open_Replaces(t *testing.T) {
	t.Parallel()
	var console syncBuffer
	mux := logmux.New(logmux.NewConsole(&console, "never"))
	first, err := mux.Open(newTarget(t, "ollama"))
	require.NoError(t, err)
	second, err := mux.Open(newTarget(t, "ollama"))
	require.NoError(t, err)

	got, ok := mux.Stream("ollama")
	require.True(t, ok)
	require.Same(t, second, got)
	require.ErrorIs(t, first.Emit("x"), logmux.ErrStreamClosed)

	require.NoError(t, mux.CloseAll())
	_, ok = mux.Stream("ollama")
	require.False(t, ok)
}

func TestStream_Tail(t *testing.T) {
	t.Parallel()
	var console syncBuffer
	mux := logmux.New(logmux.NewConsole(&console, "never"), logmux.WithPollInterval(20*time.Millisecond))
	target := newTarget(t, "cloudflared")
	followed := target.TmpLog
	target.TmpLog = ""
	require.NoError(t, os.MkdirAll(filepath.Dir(followed), 0o755))
	require.NoError(t, os.WriteFile(followed, []byte("first\n"), 0o644))

	stream, err := mux.Open(target)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() {
		done <- stream.Tail(ctx, followed)
	}()

	f, err := os.OpenFile(followed, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("ERR second\r\nthi")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return strings.Contains(console.String(), "[CLOUDFLARED] ERR second\n")
	}, 2*time.Second, 10*time.Millisecond)
	require.NotContains(t, console.String(), "thi")

	_, err = f.WriteString("rd")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	cancel()
	require.NoError(t, <-done)
	require.NoError(t, mux.CloseAll())

	require.Equal(t, "[CLOUDFLARED] first\n[CLOUDFLARED] ERR second\n[CLOUDFLARED] third\n", console.String())
	require.Equal(t, "first\nERR second\nthird\n", readFile(t, target.SessionLog))
	require.Equal(t, "first\nERR second\r\nthird", readFile(t, followed))
}
