package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/polardev/chatstack/internal/logmux"
	"github.com/polardev/chatstack/internal/session"
)

// ErrStop is returned by Run after a stop command was handled.
var ErrStop = errors.New("stop requested")

const DefaultReadTimeout = time.Second

// Handler carries out the commands.
type Handler interface {
	Restart(ctx context.Context) error
	Stop(ctx context.Context, reason string) error
	Test(ctx context.Context, kind string) error
}

// Printer shows help text to the operator.
type Printer interface {
	Println(text string) error
}

type Dispatcher struct {
	handler Handler
	printer Printer
	input   io.Reader
	trigger *Trigger
	timeout time.Duration
}

type Option func(*Dispatcher)

// WithInput sets the line source, typically os.Stdin.
func WithInput(r io.Reader) Option {
	return func(d *Dispatcher) {
		d.input = r
	}
}

// WithTrigger sets the trigger file polled between reads.
func WithTrigger(t *Trigger) Option {
	return func(d *Dispatcher) {
		d.trigger = t
	}
}

// WithReadTimeout sets how long one iteration waits for input before the
// trigger file is checked.
func WithReadTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

func NewDispatcher(handler Handler, printer Printer, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		handler: handler,
		printer: printer,
		timeout: DefaultReadTimeout,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Run dispatches commands until a stop command (ErrStop), a failed restart,
// or ctx being done (ctx.Err()). End of input only disables the input; the
// trigger file keeps being polled.
func (d *Dispatcher) Run(ctx context.Context) error {
	var lines <-chan string
	if d.input != nil {
		lines = readLines(ctx, d.input)
	}
	ticker := time.NewTicker(d.timeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				slog.DebugContext(ctx, "end of input, commands are read from the trigger file only", "trigger", d.trigger.Path())
				lines = nil
				continue
			}
			if err := d.Dispatch(ctx, line); err != nil {
				return err
			}
		case <-ticker.C:
			cmds, err := d.trigger.Consume()
			if err != nil {
				slog.WarnContext(ctx, "trigger file", "error", err)
			}
			for _, cmd := range cmds {
				slog.InfoContext(ctx, "command from trigger file", "command", cmd)
				if err := d.Dispatch(ctx, cmd); err != nil {
					return err
				}
			}
		}
	}
}

func readLines(ctx context.Context, r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := logmux.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}

// Dispatch runs a single command line.
func (d *Dispatcher) Dispatch(ctx context.Context, line string) error {
	cmd := Parse(line)
	switch {
	case cmd == Empty:
		return nil
	case cmd == Help:
		for _, l := range HelpLines() {
			_ = d.printer.Println(l)
		}
		return nil
	case cmd == Restart:
		if err := d.handler.Restart(ctx); err != nil {
			return fmt.Errorf("restart: %w", err)
		}
		return nil
	case cmd.IsStop():
		slog.InfoContext(ctx, "stop requested", "command", string(cmd))
		if err := d.handler.Stop(ctx, session.ReasonStop); err != nil {
			return errors.Join(ErrStop, err)
		}
		return ErrStop
	}
	if kind, ok := cmd.TestKind(); ok {
		if err := d.handler.Test(ctx, kind); err != nil {
			slog.WarnContext(ctx, "diagnostic failed", "command", string(cmd), "error", err)
		}
		return nil
	}
	slog.WarnContext(ctx, "unknown command, type help for the list", "command", string(cmd))
	return nil
}
