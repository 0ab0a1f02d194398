package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/ferry/internal/app"
	"github.com/roach88/ferry/internal/model"
)

// NewQueueCommand creates the queue command group.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and maintain the mutation queue",
	}

	var states []string
	list := &cobra.Command{
		Use:   "list",
		Short: "List queued operations in replay order",
		Long: `List queued operations. Without --state every operation is shown.

Example:
  ferry queue list --state pending --state retrying`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := make([]model.OpState, 0, len(states))
			for _, s := range states {
				st := model.OpState(s)
				if !st.Valid() {
					return NewExitError(ExitCommandError, fmt.Sprintf("invalid state %q", s))
				}
				filter = append(filter, st)
			}
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app.App, out *OutputFormatter) error {
				ops, err := a.Store.ListOperations(ctx, filter...)
				if err != nil {
					return out.Fail(ExitCommandError, "failed to list queue", err, nil)
				}
				return out.Emit(ops, func(w io.Writer) { printOperations(w, ops) })
			})
		},
	}
	list.Flags().StringArrayVar(&states, "state", nil, "filter by state (pending|retrying|synced|failed)")

	requeue := &cobra.Command{
		Use:           "requeue <op-id>",
		Short:         "Queue a fresh copy of a permanently failed operation",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app.App, out *OutputFormatter) error {
				id, err := a.Store.Requeue(ctx, args[0])
				if err != nil {
					return out.Fail(ExitFailure, "requeue failed", err, nil)
				}
				return out.Emit(map[string]string{"id": id, "from": args[0]}, func(w io.Writer) {
					fmt.Fprintf(w, "✓ Requeued %s as %s\n", args[0], id)
				})
			})
		},
	}

	var retention time.Duration
	sweep := &cobra.Command{
		Use:           "sweep",
		Short:         "Delete synced operations older than the retention window",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app.App, out *OutputFormatter) error {
				if retention > 0 {
					a.Config.Sync.Retention = retention
				}
				n, err := a.Sweep(ctx)
				if err != nil {
					return out.Fail(ExitFailure, "sweep failed", err, nil)
				}
				return out.Emit(map[string]int64{"deleted": n}, func(w io.Writer) {
					fmt.Fprintf(w, "✓ Deleted %d synced operation(s)\n", n)
				})
			})
		},
	}
	sweep.Flags().DurationVar(&retention, "retention", 0, "retention window (defaults to config)")

	cmd.AddCommand(list, requeue, sweep)
	return cmd
}

func printOperations(w io.Writer, ops []model.SyncOperation) {
	if len(ops) == 0 {
		fmt.Fprintln(w, "Queue is empty")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tDOCUMENT\tSTATE\tRETRIES\tENQUEUED\tLAST ERROR")
	for _, op := range ops {
		fmt.Fprintf(tw, "%s\t%s\t%s/%s\t%s\t%d\t%s\t%s\n",
			op.ID, op.Kind, op.Collection, op.DocID, op.State, op.RetryCount,
			op.EnqueuedAt.Format(time.RFC3339), op.LastError)
	}
	tw.Flush()
}
