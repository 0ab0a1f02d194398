package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/ferry/internal/app"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "status",
		Short:         "Show the active backend, queue and cache state",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app.App, out *OutputFormatter) error {
				st, err := a.Status(ctx)
				if err != nil {
					return out.Fail(ExitCommandError, "failed to read status", err, nil)
				}
				return out.Emit(st, func(w io.Writer) { printStatus(w, st) })
			})
		},
	}
}

func printStatus(w io.Writer, st app.Status) {
	fmt.Fprintf(w, "Active backend: %s (%s)\n", st.Active.ID, st.Active.Label)
	if st.Rotation.AutoRotateEnabled && st.Rotation.NextRotationAt != nil {
		fmt.Fprintf(w, "Next rotation:  %s (every %dh)\n",
			st.Rotation.NextRotationAt.Format(time.RFC3339), st.Rotation.RotationIntervalHours)
	} else {
		fmt.Fprintln(w, "Next rotation:  disabled")
	}
	fmt.Fprintf(w, "Queue:          %d pending, %d retrying, %d synced, %d failed\n",
		st.Queue.Pending, st.Queue.Retrying, st.Queue.Synced, st.Queue.Failed)
	if st.Marker != nil {
		fmt.Fprintf(w, "Last sync:      %s (complete=%t, %d error(s))\n",
			st.Marker.LastSyncAt.Format(time.RFC3339), st.Marker.IsComplete, len(st.Marker.Errors))
	} else {
		fmt.Fprintln(w, "Last sync:      never")
	}
	for _, c := range st.Collections {
		fmt.Fprintf(w, "  %-12s %d record(s), synced %s\n", c.Name, c.RecordCount, c.LastSyncedAt.Format(time.RFC3339))
	}
}
