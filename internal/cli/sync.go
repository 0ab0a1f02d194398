package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/ferry/internal/app"
	"github.com/roach88/ferry/internal/engine"
)

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Download every collection into the local cache",
		Long: `Run a bulk sync against the active backend. A complete sync younger
than the staleness threshold is reused unless --force is given.

Example:
  ferry sync
  ferry sync --force --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app.App, out *OutputFormatter) error {
				res, err := a.Bulk.PerformFullSync(ctx, force)
				if err != nil {
					return out.Fail(ExitFailure, "sync failed", err, nil)
				}
				if err := out.Emit(res, func(w io.Writer) { printBulkResult(w, res) }); err != nil {
					return err
				}
				if len(res.Errors) > 0 {
					return NewExitError(ExitFailure, fmt.Sprintf("%d collection(s) failed", len(res.Errors)))
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "ignore the staleness threshold")

	return cmd
}

func printBulkResult(w io.Writer, res engine.BulkResult) {
	if res.Status == engine.BulkCached {
		fmt.Fprintf(w, "✓ Cache is fresh (last sync %s)\n", res.LastSyncAt.Format("2006-01-02 15:04:05"))
		return
	}
	if res.Status == engine.BulkInProgress {
		fmt.Fprintln(w, "Sync already in progress")
		return
	}
	mark := "✓"
	if len(res.Errors) > 0 {
		mark = "✗"
	}
	fmt.Fprintf(w, "%s Synced %d document(s) in %d collection(s)\n", mark, res.Documents(), len(res.Collections))
	for _, c := range res.Collections {
		if c.Error != "" {
			fmt.Fprintf(w, "  %-12s error: %s\n", c.Name, c.Error)
			continue
		}
		fmt.Fprintf(w, "  %-12s %d\n", c.Name, c.Count)
	}
}

// NewDrainCommand creates the drain command.
func NewDrainCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Replay queued mutations against the active backend",
		Long: `Run one drain pass: every pending operation is applied to the active
backend in enqueue order. Failed operations are retried on later passes until
they exhaust their retries.

Example:
  ferry drain --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app.App, out *OutputFormatter) error {
				res, started, err := a.Drainer.StartDrain(ctx)
				if err != nil {
					return out.Fail(ExitFailure, "drain failed", err, nil)
				}
				if !started {
					return out.Fail(ExitFailure, "drain failed", fmt.Errorf("a drain is already running"), nil)
				}
				if err := out.Emit(res, func(w io.Writer) { printDrainResult(w, res) }); err != nil {
					return err
				}
				if len(res.Errors) > 0 {
					return NewExitError(ExitFailure, fmt.Sprintf("%d operation(s) failed", len(res.Errors)))
				}
				return nil
			})
		},
	}
}

func printDrainResult(w io.Writer, res engine.DrainResult) {
	s := res.Stats
	mark := "✓"
	if len(res.Errors) > 0 {
		mark = "✗"
	}
	fmt.Fprintf(w, "%s Drained %d operation(s): %d synced, %d retrying, %d failed, %d deferred\n",
		mark, s.Total, s.Synced, s.Retried, s.Failed, s.Deferred)
	for _, e := range res.Errors {
		fmt.Fprintf(w, "  %s\n", e)
	}
}
