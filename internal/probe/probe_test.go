package probe_test

import (
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/polardev/chatstack/internal/model"
	"github.com/polardev/chatstack/internal/probe"
	"github.com/stretchr/testify/require"
)

// deadURL returns an URL nothing listens on.
func deadURL(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return "http://" + addr + "/api/version"
}

func TestAwaitReady_AnyStatus(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	p := probe.New(50 * time.Millisecond)
	check := model.ReadinessCheck{URLs: []string{deadURL(t), srv.URL}}
	require.NoError(t, p.AwaitReady(t.Context(), check, time.Second))
}

func TestAwaitReady_Timeout(t *testing.T) {
	t.Parallel()
	p := probe.New(100 * time.Millisecond)
	check := model.ReadinessCheck{URLs: []string{deadURL(t)}}

	start := time.Now()
	err := p.AwaitReady(t.Context(), check, 300*time.Millisecond)
	elapsed := time.Since(start)
	require.ErrorIs(t, err, probe.ErrNotReady)
	require.GreaterOrEqual(t, elapsed, 250*time.Millisecond)
	require.Less(t, elapsed, 600*time.Millisecond)
}

func TestAwaitReady_LogPattern(t *testing.T) {
	t.Parallel()
	logPath := filepath.Join(t.TempDir(), "localchat.log")
	check := model.ReadinessCheck{
		URLs:    []string{deadURL(t)},
		LogPath: logPath,
		Pattern: "Uvicorn running on|Application startup complete",
	}

	go func() {
		time.Sleep(150 * time.Millisecond)
		_ = os.WriteFile(logPath, []byte("INFO: Started server process\nINFO: Uvicorn running on http://0.0.0.0:7860\n"), 0o644)
	}()

	p := probe.New(50 * time.Millisecond)
	require.NoError(t, p.AwaitReady(t.Context(), check, 2*time.Second))
}

func TestAwaitReady_BadPattern(t *testing.T) {
	t.Parallel()
	check := model.ReadinessCheck{LogPath: "/dev/null", Pattern: "(unclosed"}
	err := probe.New(0).AwaitReady(t.Context(), check, time.Second)
	require.Error(t, err)
	require.NotErrorIs(t, err, probe.ErrNotReady)
}

func TestAwaitReady_ZeroCheck(t *testing.T) {
	t.Parallel()
	require.NoError(t, probe.New(0).AwaitReady(t.Context(), model.ReadinessCheck{}, time.Millisecond))
}

func TestAttempt(t *testing.T) {
	t.Parallel()
	p := probe.New(20 * time.Millisecond)
	check := model.ReadinessCheck{URLs: []string{deadURL(t)}}

	start := time.Now()
	err := p.Attempt(t.Context(), check, 3)
	require.ErrorIs(t, err, probe.ErrNotReady)
	require.ErrorContains(t, err, "3 attempts")
	require.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)

	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)
	ok, err := p.Check(t.Context(), model.ReadinessCheck{URLs: []string{srv.URL}})
	require.NoError(t, err)
	require.True(t, ok)
}
