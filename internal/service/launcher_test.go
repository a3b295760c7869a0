package service_test

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/polardev/chatstack/internal/logmux"
	"github.com/polardev/chatstack/internal/model"
	"github.com/polardev/chatstack/internal/osproc"
	"github.com/polardev/chatstack/internal/probe"
	"github.com/polardev/chatstack/internal/service"
	"github.com/stretchr/testify/require"
)

func fakeLookPath(found ...string) func(string) (string, error) {
	return func(name string) (string, error) {
		for _, f := range found {
			if filepath.Base(f) == name {
				return f, nil
			}
		}
		return "", exec.ErrNotFound
	}
}

func TestLauncher_Command(t *testing.T) {
	t.Parallel()
	spec := model.ServiceSpec{
		Name:         "localchat",
		Program:      "python3",
		Args:         []string{"-u", "Main.py"},
		Env:          []string{"PORT=7860"},
		Dir:          "/srv/localchat",
		Isolated:     true,
		LineBuffered: true,
	}
	cfg := model.DefaultConfig()
	cfg.Runtime.CondaEnv = "chat"

	var testCases = []struct {
		scenario string
		found    []string
		then     []string
		err      error
	}{
		{
			scenario: "all wrappers",
			found:    []string{"/usr/bin/python3", "/usr/bin/stdbuf", "/opt/conda/bin/conda"},
			then: []string{
				"/opt/conda/bin/conda", "run", "--no-capture-output", "-n", "chat",
				"/usr/bin/stdbuf", "-oL", "-eL",
				"/usr/bin/python3", "-u", "Main.py",
			},
		},
		{
			scenario: "no conda",
			found:    []string{"/usr/bin/python3", "/usr/bin/stdbuf"},
			then:     []string{"/usr/bin/stdbuf", "-oL", "-eL", "/usr/bin/python3", "-u", "Main.py"},
		},
		{
			scenario: "no wrappers",
			found:    []string{"/usr/bin/python3"},
			then:     []string{"/usr/bin/python3", "-u", "Main.py"},
		},
		{
			scenario: "no python",
			found:    []string{"/usr/bin/stdbuf", "/opt/conda/bin/conda"},
			err:      service.ErrExecutableNotFound,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			launcher := service.NewLauncher(service.NewRegistry(), nil, cfg, nil)
			launcher.SetLookPath(fakeLookPath(tc.found...))
			cmd, err := launcher.Command(t.Context(), spec)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.then, cmd.Argv())
			require.Equal(t, "/srv/localchat", cmd.Dir)
			require.Equal(t, "PORT=7860", cmd.Env[len(cmd.Env)-1])
		})
	}

	t.Run("binary override", func(t *testing.T) {
		sh := lookSh(t)
		launcher := service.NewLauncher(service.NewRegistry(), nil, model.DefaultConfig(), nil)
		launcher.SetLookPath(fakeLookPath())

		cmd, err := launcher.Command(t.Context(), model.ServiceSpec{Name: "x", Binary: sh, Args: []string{"-c", "true"}})
		require.NoError(t, err)
		require.Equal(t, []string{sh, "-c", "true"}, cmd.Argv())

		_, err = launcher.Command(t.Context(), model.ServiceSpec{Name: "x", Binary: filepath.Join(t.TempDir(), "nope")})
		require.ErrorIs(t, err, service.ErrExecutableNotFound)
	})
}

func TestLauncher_Launch(t *testing.T) {
	t.Parallel()
	sh := lookSh(t)
	mux, console := newMux(t)
	target := openStream(t, mux, "echo")
	m := marker()

	cfg := model.DefaultConfig()
	registry := service.NewRegistry()
	launcher := service.NewLauncher(registry, mux, cfg, nil)
	spec := model.ServiceSpec{
		Name:   target.Name,
		Tag:    target.Tag,
		Binary: sh,
		Args:   []string{"-c", "echo hello; echo WARNING: careful 1>&2; sleep 30; exit 0", m},
		Match:  shPattern(m),
		TmpLog: target.TmpLog,
		Output: model.OutputStream,
	}

	status, h, err := launcher.Launch(t.Context(), spec)
	require.NoError(t, err)
	require.Equal(t, service.Started, status)
	require.Equal(t, "started", status.String())
	t.Cleanup(func() { _ = h.Stop(t.Context(), time.Second) })

	t.Run("idempotent", func(t *testing.T) {
		status, h2, err := launcher.Launch(t.Context(), spec)
		require.NoError(t, err)
		require.Equal(t, service.SkippedAlreadyRunning, status)
		require.Same(t, h, h2)
		require.Equal(t, 1, registry.Len())
	})

	require.Eventually(t, func() bool {
		return strings.Contains(readFile(t, target.SessionLog), "careful")
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, h.Stop(t.Context(), time.Second))
	require.Equal(t, "hello\nWARNING: careful\n", readFile(t, target.TmpLog))
	require.Equal(t, "hello\nWARNING: careful\n", readFile(t, target.SessionLog))
	require.Equal(t, []string{"[ECHO] hello"}, console.lines("hello"))
}

func TestLauncher_Launch_TmpLogTruncated(t *testing.T) {
	t.Parallel()
	sh := lookSh(t)
	mux, _ := newMux(t)
	target := openStream(t, mux, "fresh")
	require.NoError(t, os.WriteFile(target.TmpLog, []byte("stale line\n"), 0o644))

	launcher := service.NewLauncher(service.NewRegistry(), mux, model.DefaultConfig(), nil)
	_, h, err := launcher.Launch(t.Context(), model.ServiceSpec{
		Name:   target.Name,
		Tag:    target.Tag,
		Binary: sh,
		Args:   []string{"-c", "echo fresh line"},
		TmpLog: target.TmpLog,
	})
	require.NoError(t, err)
	<-h.Done()
	require.NoError(t, h.Stop(t.Context(), time.Second))
	require.Equal(t, "fresh line\n", readFile(t, target.TmpLog))
}

func TestLauncher_Launch_OutputFile(t *testing.T) {
	t.Parallel()
	sh := lookSh(t)
	mux, console := newMux(t)
	target := openStream(t, mux, "tunnel")
	m := marker()

	launcher := service.NewLauncher(service.NewRegistry(), mux, model.DefaultConfig(), nil)
	spec := model.ServiceSpec{
		Name:   target.Name,
		Tag:    target.Tag,
		Binary: sh,
		Args:   []string{"-c", "echo ERR written by child; sleep 30; exit 0", m},
		Match:  shPattern(m),
		TmpLog: filepath.Join(t.TempDir(), "tunnel-child.log"),
		Output: model.OutputFile,
	}
	_, h, err := launcher.Launch(t.Context(), spec)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Stop(t.Context(), time.Second) })

	require.Eventually(t, func() bool {
		return strings.Contains(readFile(t, target.SessionLog), "written by child")
	}, 5*time.Second, 20*time.Millisecond)
	require.NoError(t, h.Stop(t.Context(), time.Second))

	require.Equal(t, "ERR written by child\n", readFile(t, spec.TmpLog))
	require.Equal(t, "ERR written by child\n", readFile(t, target.SessionLog))
	// tailed lines keep the default color and never touch the stream tmp log
	require.Empty(t, readFile(t, target.TmpLog))
	require.Equal(t, []string{"[TUNNEL] ERR written by child"}, console.lines("written by child"))
}

func TestLauncher_Launch_LongLine(t *testing.T) {
	t.Parallel()
	sh := lookSh(t)
	mux, _ := newMux(t)
	target := openStream(t, mux, "chatty")
	m := marker()

	launcher := service.NewLauncher(service.NewRegistry(), mux, model.DefaultConfig(), nil)
	script := fmt.Sprintf("i=0; while [ $i -lt %d ]; do printf '%%01024d' 0; i=$((i+1)); done; echo; echo still here; sleep 30; exit 0",
		logmux.MaxLineSize/1024+512)
	spec := model.ServiceSpec{
		Name:   target.Name,
		Tag:    target.Tag,
		Binary: sh,
		Args:   []string{"-c", script, m},
		Match:  shPattern(m),
		TmpLog: target.TmpLog,
		Output: model.OutputStream,
	}
	_, h, err := launcher.Launch(t.Context(), spec)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Stop(t.Context(), time.Second) })

	require.Eventually(t, func() bool {
		return strings.Contains(readFile(t, target.SessionLog), "still here")
	}, 20*time.Second, 50*time.Millisecond)
	require.True(t, h.Alive())
}

func TestLauncher_Launch_NotFound(t *testing.T) {
	t.Parallel()
	mux, _ := newMux(t)
	target := openStream(t, mux, "missing")
	registry := service.NewRegistry()
	launcher := service.NewLauncher(registry, mux, model.DefaultConfig(), nil)

	_, h, err := launcher.Launch(t.Context(), model.ServiceSpec{
		Name:    target.Name,
		Program: "chatstack-does-not-exist-" + marker(),
		TmpLog:  target.TmpLog,
	})
	require.ErrorIs(t, err, service.ErrExecutableNotFound)
	require.Nil(t, h)
	require.Zero(t, registry.Len())
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestLauncher_ReclaimPort(t *testing.T) {
	t.Parallel()
	python, err := exec.LookPath("python3")
	if err != nil {
		t.Skipf("skipped, binary python3 not available: %v", err)
	}
	mux, _ := newMux(t)
	target := openStream(t, mux, "web")
	port := freePort(t)
	url := fmt.Sprintf("http://127.0.0.1:%d/", port)
	prober := probe.New(100 * time.Millisecond)
	check := model.ReadinessCheck{URLs: []string{url}}

	// foreign listener, not known to the launcher
	foreignDir := t.TempDir()
	foreign := exec.Command(python, "-m", "http.server", strconv.Itoa(port), "--bind", "127.0.0.1", "--directory", foreignDir)
	foreign.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	require.NoError(t, foreign.Start())
	exited := make(chan error, 1)
	go func() { exited <- foreign.Wait() }()
	t.Cleanup(func() { _ = syscall.Kill(-foreign.Process.Pid, syscall.SIGKILL) })
	require.NoError(t, prober.AwaitReady(t.Context(), check, 10*time.Second))

	ownDir := t.TempDir()
	cfg := model.DefaultConfig()
	cfg.Shutdown.Grace = model.Duration{Duration: 2 * time.Second}
	launcher := service.NewLauncher(service.NewRegistry(), mux, cfg, nil)
	spec := model.ServiceSpec{
		Name:        target.Name,
		Tag:         target.Tag,
		Binary:      python,
		Args:        []string{"-m", "http.server", strconv.Itoa(port), "--bind", "127.0.0.1", "--directory", ownDir},
		Match:       osproc.Pattern{Program: filepath.Base(python), Args: []string{"--directory", ownDir}},
		TmpLog:      target.TmpLog,
		ReclaimPort: port,
	}
	status, h, err := launcher.Launch(t.Context(), spec)
	require.NoError(t, err)
	require.Equal(t, service.Started, status)
	t.Cleanup(func() { _ = h.Stop(t.Context(), time.Second) })

	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("foreign listener still running")
	}
	require.NoError(t, prober.Attempt(t.Context(), check, 50))
	require.True(t, h.Alive())
}

func TestLaunchStatus_String(t *testing.T) {
	t.Parallel()
	require.Equal(t, "skipped, already running", service.SkippedAlreadyRunning.String())
	require.Equal(t, "failed", service.LaunchStatus(0).String())
}
