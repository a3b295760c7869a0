package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/polardev/chatstack/internal/history"
	"github.com/polardev/chatstack/internal/netscan"
	"github.com/polardev/chatstack/internal/osproc"
	"github.com/polardev/chatstack/internal/probe"
	"github.com/polardev/chatstack/internal/session"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "status reports which services are running",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		stack := config.Stack()
		prober := probe.New(config.Readiness.Interval.Duration)

		cell := lipgloss.NewStyle().Padding(0, 1)
		t := table.New().
			Border(lipgloss.NormalBorder()).
			Headers("SERVICE", "STATE", "PIDS", "READY").
			StyleFunc(func(_, _ int) lipgloss.Style { return cell })
		for _, spec := range stack.All() {
			pids, err := osproc.Live(ctx, spec.Match)
			if err != nil {
				slog.DebugContext(ctx, "process lookup", "service", spec.Name, "error", err)
			}
			state := "stopped"
			if len(pids) > 0 {
				state = "running"
			}
			ready := "-"
			if !spec.Ready.IsZero() {
				ok, err := prober.Check(ctx, spec.Ready)
				ready = fmt.Sprint(ok)
				if err != nil {
					ready = "error: " + err.Error()
				}
			}
			t.Row(spec.Name, state, fmt.Sprint(pids), ready)
		}
		fmt.Fprintln(cmd.OutOrStdout(), t.Render())

		port := config.App.Port
		if netscan.Listening(ctx, uint16(port)) {
			fmt.Fprintf(cmd.OutOrStdout(), "\nport %d: listening\n", port)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "\nport %d: free\n", port)
		}
		if dir, ok := session.NewManager(config.Session.Dir.String()).Active(); ok {
			state := "active"
			if m, err := session.ReadMarker(dir); err == nil {
				state = fmt.Sprintf("ended %s (%s)", m.EndedAt.Format("2006-01-02 15:04:05"), m.Reason)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session: %s, %s\n", dir, state)
		}
		printHistory(cmd, cell)
		return nil
	},
}

const historyRuns = 5

// printHistory lists the last sessions recorded by run, if any.
func printHistory(cmd *cobra.Command, cell lipgloss.Style) {
	ctx := cmd.Context()
	path := history.Path(config.Session.Dir.String())
	if _, err := os.Stat(path); err != nil {
		return
	}
	db, err := history.InitDB(ctx, path)
	if err != nil {
		slog.DebugContext(ctx, "opening session history", "error", err)
		return
	}
	defer db.Close()
	rows, err := history.Recent(ctx, db, historyRuns)
	if err != nil {
		slog.DebugContext(ctx, "reading session history", "error", err)
		return
	}
	if len(rows) == 0 {
		return
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("SESSION", "STARTED", "ENDED", "REASON").
		StyleFunc(func(_, _ int) lipgloss.Style { return cell })
	for _, r := range rows {
		ended, reason := "-", "running"
		if r.Ended != nil {
			ended = r.Ended.Local().Format(time.DateTime)
		}
		if r.Reason != nil {
			reason = *r.Reason
		}
		t.Row(r.Name, r.Started.Local().Format(time.DateTime), ended, reason)
	}
	fmt.Fprintln(cmd.OutOrStdout())
	fmt.Fprintln(cmd.OutOrStdout(), t.Render())
}
