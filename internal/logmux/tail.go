package logmux

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Tail follows path, written by someone else, and emits each new complete
// line. The lines are persisted to the session log only and keep the default
// tag color. A file shrinking below the read offset is read again from the
// start. Tail returns when ctx is done, after emitting a trailing partial line.
func (s *Stream) Tail(ctx context.Context, path string) error {
	path = filepath.Clean(path)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	// watching the directory survives the file being recreated
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	t := tailer{stream: s, path: path}
	ticker := time.NewTicker(s.mux.poll)
	defer ticker.Stop()

	t.read(false)
	for {
		select {
		case <-ctx.Done():
			t.read(true)
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) == path && ev.Has(fsnotify.Write|fsnotify.Create) {
				t.read(false)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.DebugContext(ctx, "tail watcher", "path", path, "error", err)
		case <-ticker.C:
			t.read(false)
		}
	}
}

type tailer struct {
	stream  *Stream
	path    string
	offset  int64
	pending []byte
}

func (t *tailer) read(atEOF bool) {
	f, err := os.Open(t.path)
	if errors.Is(err, fs.ErrNotExist) {
		return
	}
	if err != nil {
		slog.Debug("tail open", "path", t.path, "error", err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return
	}
	if info.Size() < t.offset {
		t.offset = 0
		t.pending = t.pending[:0]
	}
	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return
	}
	chunk, err := io.ReadAll(f)
	if err != nil {
		slog.Debug("tail read", "path", t.path, "error", err)
	}
	t.offset += int64(len(chunk))
	t.pending = append(t.pending, chunk...)

	for len(t.pending) > 0 {
		advance, token, _ := ScanLines(t.pending, atEOF)
		if advance == 0 {
			break
		}
		_ = t.stream.emitPlain(string(token))
		t.pending = t.pending[advance:]
	}
}
