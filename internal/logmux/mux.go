package logmux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var ErrStreamClosed = errors.New("stream closed")

// Target describes where the lines of one service go.
type Target struct {
	Name       string
	Tag        string
	Color      string // default tag color
	TmpLog     string // empty when the service writes the file itself
	SessionLog string
}

type Option func(*Mux)

// WithObserver registers fn to be called for every emitted line, after it
// has been written.
func WithObserver(fn func(Line)) Option {
	return func(m *Mux) {
		m.observe = fn
	}
}

// WithPollInterval sets how often a Tailer checks its file regardless of
// filesystem notifications.
func WithPollInterval(d time.Duration) Option {
	return func(m *Mux) {
		m.poll = d
	}
}

// Mux owns the console and the per service streams of the current session.
type Mux struct {
	console *Console
	observe func(Line)
	poll    time.Duration

	mx      sync.Mutex
	streams map[string]*Stream
}

func New(console *Console, opts ...Option) *Mux {
	m := &Mux{
		console: console,
		poll:    250 * time.Millisecond,
		streams: make(map[string]*Stream),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Mux) Console() *Console {
	return m.console
}

// Open opens both log files of t in append mode and registers the stream
// under t.Name, closing a previously registered one.
func (m *Mux) Open(t Target) (*Stream, error) {
	s := &Stream{
		mux:    m,
		target: t,
	}
	var err error
	if t.TmpLog != "" {
		s.tmp, err = openAppend(t.TmpLog)
		if err != nil {
			return nil, err
		}
	}
	if t.SessionLog != "" {
		s.session, err = openAppend(t.SessionLog)
		if err != nil {
			if s.tmp != nil {
				_ = s.tmp.Close()
			}
			return nil, err
		}
	}

	m.mx.Lock()
	prev := m.streams[t.Name]
	m.streams[t.Name] = s
	m.mx.Unlock()
	if prev != nil {
		_ = prev.Close()
	}
	return s, nil
}

// Stream returns the stream registered for name.
func (m *Mux) Stream(name string) (*Stream, bool) {
	m.mx.Lock()
	defer m.mx.Unlock()
	s, ok := m.streams[name]
	return s, ok
}

// CloseAll closes and unregisters every stream.
func (m *Mux) CloseAll() error {
	m.mx.Lock()
	streams := m.streams
	m.streams = make(map[string]*Stream)
	m.mx.Unlock()

	var errs []error
	for _, s := range streams {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}

func openAppend(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log %s: %w", path, err)
	}
	return f, nil
}

// Stream is the output pipeline of one service. Lines emitted on the same
// stream keep their order in both files and on the console.
type Stream struct {
	mux    *Mux
	target Target

	mx      sync.Mutex
	tmp     *os.File
	session *os.File
	closed  bool
}

func (s *Stream) Target() Target {
	return s.target
}

// Emit classifies text and writes it.
func (s *Stream) Emit(text string) error {
	return s.emit(text, Classify(text), true, true)
}

// EmitSeverity writes text with a given severity instead of a classified one.
func (s *Stream) EmitSeverity(text string, sev Severity) error {
	return s.emit(text, sev, true, true)
}

// emitPlain writes a tailed line: default color, session log only.
func (s *Stream) emitPlain(text string) error {
	return s.emit(text, Classify(text), false, false)
}

func (s *Stream) emit(text string, sev Severity, colored, toTmp bool) error {
	line := Line{
		Service:  s.target.Name,
		Tag:      s.target.Tag,
		Text:     text,
		Severity: sev,
		Color:    s.target.Color,
		Time:     time.Now(),
	}
	if colored {
		switch sev {
		case SeverityError:
			line.Color = ColorError
		case SeverityWarn:
			line.Color = ColorWarn
		}
	}

	s.mx.Lock()
	defer s.mx.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	var errs []error
	raw := text + "\n"
	if toTmp && s.tmp != nil {
		_, err := io.WriteString(s.tmp, raw)
		errs = append(errs, err)
	}
	if s.session != nil {
		_, err := io.WriteString(s.session, raw)
		errs = append(errs, err)
	}
	errs = append(errs, s.mux.console.WriteLine(line.Tag, line.Color, line.Text))
	if s.mux.observe != nil {
		s.mux.observe(line)
	}
	return errors.Join(errs...)
}

// Forward emits every line read from r until EOF, a read error or ctx being
// canceled. A blocked read is only interrupted by closing r. Once the stream
// is closed the rest of r is discarded, the writer never sees a broken pipe.
func (s *Stream) Forward(ctx context.Context, r io.Reader) error {
	scanner := NewScanner(r)
	for scanner.Scan() {
		if err := s.Emit(scanner.Text()); errors.Is(err, ErrStreamClosed) {
			_, _ = io.Copy(io.Discard, r)
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
	err := scanner.Err()
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}

func (s *Stream) Close() error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var errs []error
	if s.tmp != nil {
		errs = append(errs, s.tmp.Close())
	}
	if s.session != nil {
		errs = append(errs, s.session.Close())
	}
	return errors.Join(errs...)
}
