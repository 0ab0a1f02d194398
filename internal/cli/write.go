package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/roach88/ferry/internal/app"
	"github.com/roach88/ferry/internal/model"
)

// NewWriteCommand creates the write command group.
func NewWriteCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "write",
		Short: "Write documents locally and queue them for sync",
		Long: `Write to the local cache. Every write appends one operation to the
mutation queue; run "ferry drain" (or "ferry run") to send it.

Example:
  ferry write add customers --data '{"name":"Ada"}'
  ferry write update orders o1 --data '{"status":"shipped"}'
  ferry write delete orders o1`,
	}

	var data string
	add := &cobra.Command{
		Use:           "add <collection> [id]",
		Short:         "Create a document (the id is generated when omitted)",
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := parseFields(data)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid --data", err)
			}
			id := ""
			if len(args) == 2 {
				id = args[1]
			}
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app.App, out *OutputFormatter) error {
				op, err := a.Writer.Add(ctx, args[0], id, fields)
				return emitOperation(out, op, err)
			})
		},
	}
	add.Flags().StringVarP(&data, "data", "d", "{}", "document fields as a JSON object")

	var patch string
	update := &cobra.Command{
		Use:           "update <collection> <id>",
		Short:         "Merge fields into a document",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := parseFields(patch)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid --data", err)
			}
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app.App, out *OutputFormatter) error {
				op, err := a.Writer.Update(ctx, args[0], args[1], fields)
				return emitOperation(out, op, err)
			})
		},
	}
	update.Flags().StringVarP(&patch, "data", "d", "{}", "fields to merge as a JSON object")

	del := &cobra.Command{
		Use:           "delete <collection> <id>",
		Short:         "Delete a document",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app.App, out *OutputFormatter) error {
				op, err := a.Writer.Delete(ctx, args[0], args[1])
				return emitOperation(out, op, err)
			})
		},
	}

	cmd.AddCommand(add, update, del)
	return cmd
}

// parseFields decodes a JSON object, keeping numbers exact.
func parseFields(data string) (model.Fields, error) {
	dec := json.NewDecoder(strings.NewReader(data))
	dec.UseNumber()
	var fields model.Fields
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, fmt.Errorf("expected a JSON object")
	}
	return fields, nil
}

func emitOperation(out *OutputFormatter, op model.SyncOperation, err error) error {
	if err != nil {
		exit := ExitFailure
		if model.CodeOf(err) == model.CodeInvalidArgument {
			exit = ExitCommandError
		}
		return out.Fail(exit, "write failed", err, nil)
	}
	return out.Emit(op, func(w io.Writer) {
		fmt.Fprintf(w, "✓ Queued %s %s/%s as %s\n", op.Kind, op.Collection, op.DocID, op.ID)
	})
}
