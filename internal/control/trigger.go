package control

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Trigger is a file other processes drop a command into. Consuming renames
// it away first, so a writer replacing the file is never lost nor read twice.
type Trigger struct {
	path string
}

func NewTrigger(path string) *Trigger {
	return &Trigger{path: path}
}

func (t *Trigger) Path() string {
	if t == nil {
		return ""
	}
	return t.path
}

// Consume returns the pending commands and removes the file. It returns no
// commands and no error when there is no file.
func (t *Trigger) Consume() ([]string, error) {
	if t == nil || t.path == "" {
		return nil, nil
	}
	private := t.path + ".consumed-" + uuid.NewString()[:8]
	if err := os.Rename(t.path, private); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("consuming trigger: %w", err)
	}
	defer os.Remove(private)

	b, err := os.ReadFile(private)
	if err != nil {
		return nil, fmt.Errorf("reading trigger: %w", err)
	}
	var cmds []string
	for line := range strings.Lines(string(b)) {
		if n := Normalize(line); n != "" {
			cmds = append(cmds, n)
		}
	}
	return cmds, nil
}

// WriteTrigger atomically replaces the trigger file at path with command.
func WriteTrigger(path, command string) error {
	command = Normalize(command)
	if command == "" {
		return errors.New("empty command")
	}
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := f.WriteString(command + "\n"); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return err
	}
	if err := os.Rename(f.Name(), path); err != nil {
		_ = os.Remove(f.Name())
		return fmt.Errorf("writing trigger: %w", err)
	}
	return nil
}
