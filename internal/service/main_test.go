package service_test

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/polardev/chatstack/internal/logmux"
	"github.com/polardev/chatstack/internal/osproc"
)

type syncBuffer struct {
	mx  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.buf.String()
}

// lines returns the console lines containing substr.
func (b *syncBuffer) lines(substr string) []string {
	var out []string
	for line := range strings.Lines(b.String()) {
		if strings.Contains(line, substr) {
			out = append(out, strings.TrimSuffix(line, "\n"))
		}
	}
	return out
}

func lookSh(t *testing.T) string {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	return sh
}

// marker is a unique token to recognize test processes by.
func marker() string {
	return "chatstack-test-" + uuid.NewString()[:8]
}

func shPattern(m string) osproc.Pattern {
	return osproc.Pattern{Program: "sh", Args: []string{m}}
}

func newMux(t *testing.T) (*logmux.Mux, *syncBuffer) {
	t.Helper()
	console := &syncBuffer{}
	mux := logmux.New(logmux.NewConsole(console, "never"))
	t.Cleanup(func() { _ = mux.CloseAll() })
	return mux, console
}

func openStream(t *testing.T, mux *logmux.Mux, name string) logmux.Target {
	t.Helper()
	dir := t.TempDir()
	target := logmux.Target{
		Name:       name,
		Tag:        strings.ToUpper(name),
		Color:      "2",
		TmpLog:     filepath.Join(dir, "tmp", name+".log"),
		SessionLog: filepath.Join(dir, "session", name+".log"),
	}
	_, err := mux.Open(target)
	require.NoError(t, err)
	return target
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return ""
	}
	require.NoError(t, err)
	return string(b)
}
