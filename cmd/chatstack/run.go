package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/polardev/chatstack/internal/control"
	"github.com/polardev/chatstack/internal/history"
	"github.com/polardev/chatstack/internal/log"
	"github.com/polardev/chatstack/internal/logmux"
	"github.com/polardev/chatstack/internal/logview"
	"github.com/polardev/chatstack/internal/metrics"
	"github.com/polardev/chatstack/internal/model"
	"github.com/polardev/chatstack/internal/service"
	"github.com/polardev/chatstack/internal/session"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run starts the stack and reads commands until stopped",
	Args:  cobra.NoArgs,
	RunE:  doRun,
}

func doRun(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	m := metrics.New()
	console := logmux.NewConsole(os.Stdout, config.Runtime.Color)
	mux := logmux.New(console, logmux.WithObserver(m.ObserveLine))
	lineHandler := log.NewLineHandler(mux, model.ServiceSupervisor, log.Level(config.Verbose), log.StderrHandler(os.Stderr, config.Verbose))
	slog.SetDefault(slog.New(log.NewContextHandler(lineHandler)))

	var opts []service.Option
	var sweepOpts []session.SweeperOption
	if db, err := openHistory(ctx); err != nil {
		slog.WarnContext(ctx, "session history disabled", "error", err)
	} else {
		defer db.Close()
		opts = append(opts, service.WithHistory(db))
		sweepOpts = append(sweepOpts, session.OnRemove(func(ctx context.Context, name string) {
			if err := history.Delete(ctx, db, name); err != nil && !errors.Is(err, history.ErrNotFound) {
				slog.WarnContext(ctx, "removing session history", "session", name, "error", err)
			}
		}))
	}
	sup := service.New(config, mux, m, opts...)

	sweeper, err := session.NewSweeper(ctx, sup.Sessions(), config.Session, sweepOpts...)
	if err != nil {
		return err
	}
	sweeper.Start(ctx)
	defer func() {
		_ = sweeper.Shutdown()
	}()

	// background servers end with bgCtx
	bgCtx, bgCancel := context.WithCancel(ctx)
	var g errgroup.Group
	defer func() {
		bgCancel()
		_ = g.Wait()
	}()
	if config.LogView.Enabled {
		viewer := logview.NewHandler(config.Session.TmpDir.String(), config.Session.Dir.String(), m.Gatherer())
		g.Go(func() error {
			if err := logview.Serve(bgCtx, config.LogView.Addr, viewer.Router()); err != nil {
				slog.ErrorContext(bgCtx, "log viewer stopped", "error", err)
			}
			return nil
		})
	}

	trigger := control.NewTrigger(config.Control.TriggerFile.String())
	if stale, err := trigger.Consume(); err != nil || len(stale) > 0 {
		slog.DebugContext(ctx, "discarded stale trigger file", "commands", stale, "error", err)
	}

	if err := sup.Start(ctx); err != nil {
		if ctx.Err() != nil {
			return stopOnSignal(ctx, sup)
		}
		if serr := sup.Stop(ctx, service.ReasonFailed); serr != nil {
			slog.WarnContext(ctx, "cleanup after failed start", "error", serr)
		}
		return err
	}

	dispatcher := control.NewDispatcher(sup, console,
		control.WithInput(os.Stdin),
		control.WithTrigger(trigger),
		control.WithReadTimeout(config.Control.ReadTimeout.Duration),
	)
	err = dispatcher.Run(ctx)
	switch {
	case errors.Is(err, control.ErrStop):
		return nil
	case ctx.Err() != nil:
		return stopOnSignal(ctx, sup)
	default:
		if serr := sup.Stop(ctx, service.ReasonFailed); serr != nil {
			slog.WarnContext(ctx, "cleanup after failure", "error", serr)
		}
		return err
	}
}

func openHistory(ctx context.Context) (*sql.DB, error) {
	dir := config.Session.Dir.String()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return history.InitDB(ctx, history.Path(dir))
}

func stopOnSignal(ctx context.Context, sup *service.Supervisor) error {
	slog.InfoContext(ctx, "signal received, stopping")
	if err := sup.Stop(ctx, service.ReasonSignal); err != nil {
		slog.WarnContext(ctx, "stop after signal", "error", err)
	}
	return nil
}
