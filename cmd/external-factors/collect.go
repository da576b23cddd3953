package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/i474232898/external-factors/internal/collect"
	"github.com/i474232898/external-factors/internal/logger"
)

type windowFlags struct {
	start   string
	end     string
	days    int
	workers int
}

// window resolves the flags against now. Missing bounds default to the
// defaultDays-long window ending at end (or now).
func (f windowFlags) window(now time.Time, defaultDays int) (collect.Window, error) {
	days := f.days
	if days <= 0 {
		days = defaultDays
	}

	end := now
	if f.end != "" {
		t, err := time.Parse(time.DateOnly, f.end)
		if err != nil {
			return collect.Window{}, errors.Wrap(err, "invalid --end")
		}
		end = t
	}
	w := collect.LastDays(end, days)

	if f.start != "" {
		t, err := time.Parse(time.DateOnly, f.start)
		if err != nil {
			return collect.Window{}, errors.Wrap(err, "invalid --start")
		}
		w.Start = t
	}
	return w, w.Validate()
}

func newCollectCmd() *cobra.Command {
	var flags windowFlags
	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Collect every source once and print the checklist",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCollect(cmd.Context(), cmd.OutOrStdout(), flags)
		},
	}
	cmd.Flags().StringVar(&flags.start, "start", "", "window start (YYYY-MM-DD)")
	cmd.Flags().StringVar(&flags.end, "end", "", "window end (YYYY-MM-DD), defaults to today")
	cmd.Flags().IntVar(&flags.days, "days", 0, "window length in days when --start is not set (default WINDOW_DAYS)")
	cmd.Flags().IntVar(&flags.workers, "workers", 0, "concurrent sources (default WORKERS)")
	return cmd
}

// runCollect prints the checklist to out. It returns an error only for bad
// configuration or a failed credential gate; source failures are reported in
// the checklist.
func runCollect(ctx context.Context, out io.Writer, flags windowFlags) error {
	a, err := newApp(flags.workers)
	if err != nil {
		return err
	}
	defer a.Close()

	w, err := flags.window(time.Now(), a.cfg.WindowDays)
	if err != nil {
		return err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	run, err := a.orch.Run(ctx, w)
	printReport(out, run)
	if err != nil {
		return err
	}

	a.log.Infow("collection finished",
		logger.FieldRunID, run.ID,
		"summary", run.Report.Summary(),
		logger.FieldPath, a.cfg.DataDir)
	return nil
}

func printReport(out io.Writer, run *collect.Run) {
	if run == nil {
		return
	}
	fmt.Fprintf(out, "FINAL COLLECTION CHECKLIST (%s)\n", run.Window)
	fmt.Fprint(out, run.Report.String())
}
