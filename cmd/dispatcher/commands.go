package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/unclebandit/mailcampaign/internal/app"
	"github.com/unclebandit/mailcampaign/internal/model"
	"github.com/unclebandit/mailcampaign/internal/queue"
	"github.com/unclebandit/mailcampaign/internal/runstate"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Tick on an interval and on dispatch requests until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return ctx.withApp(runCtx, func(a *app.App) error {
				nudges := make(chan struct{}, 1)
				if err := queue.StartDispatchSubscriber(a.Nudges, nudges, a.Logger); err != nil {
					return err
				}
				return a.Dispatcher.Run(runCtx, interval, nudges)
			})
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "Tick interval (defaults to dispatcher.interval)")
	return cmd
}

func newTickCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run a single dispatch tick, for use from cron",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(a *app.App) error {
				report, ran := a.Dispatcher.TryTick(cmd.Context())
				if !ran {
					return fmt.Errorf("a tick is already running")
				}
				if asJSON {
					return writeJSON(cmd, report)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "recovered=%d selected=%d sent=%d failed=%d skipped=%d completed=%d in %s\n",
					report.Recovered, report.Selected, report.Sent, report.Failed, report.Skipped,
					report.CampaignsCompleted, report.Duration.Round(time.Millisecond))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the tick report as JSON")
	return cmd
}

func newStatsCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show queue counts and dispatcher run times",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(a *app.App) error {
				stats, state, err := collectStats(cmd.Context(), a)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, map[string]any{"queue": stats, "dispatcher": state})
				}
				printStats(cmd.OutOrStdout(), stats, state)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	return cmd
}

func collectStats(ctx context.Context, a *app.App) (model.QueueStats, runstate.State, error) {
	stats, err := a.Service.QueueStats(ctx)
	if err != nil {
		return stats, runstate.State{}, err
	}
	state, err := a.RunState.Snapshot(ctx)
	return stats, state, err
}

func printStats(w io.Writer, stats model.QueueStats, state runstate.State) {
	fmt.Fprintf(w, "%-12s %d\n", "pending", stats.Pending)
	fmt.Fprintf(w, "%-12s %d\n", "processing", stats.Processing)
	fmt.Fprintf(w, "%-12s %d\n", "sent", stats.Sent)
	fmt.Fprintf(w, "%-12s %d\n", "failed", stats.Failed)
	fmt.Fprintf(w, "%-12s %d\n", "cancelled", stats.Cancelled)
	fmt.Fprintf(w, "%-12s %d\n", "total", stats.Total)
	fmt.Fprintf(w, "%-12s %s\n", "last run", formatRunTime(state.LastRun))
	fmt.Fprintf(w, "%-12s %s\n", "next run", formatRunTime(state.NextRun))
}

func formatRunTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}
