package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/roach88/ferry/internal/app"
	"github.com/roach88/ferry/internal/model"
)

// NewCacheCommand creates the cache command group.
func NewCacheCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Read or clear the local cache",
	}

	get := &cobra.Command{
		Use:           "get <collection> <id>",
		Short:         "Show one cached document",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app.App, out *OutputFormatter) error {
				rec, err := a.Store.Get(ctx, args[0], args[1])
				if err != nil {
					return out.Fail(ExitFailure, "cache lookup failed", err, nil)
				}
				return out.Emit(rec, func(w io.Writer) { printRecords(w, []model.Record{rec}) })
			})
		},
	}

	var field, value string
	list := &cobra.Command{
		Use:   "list <collection>",
		Short: "List cached documents of a collection",
		Long: `List cached documents. With --field and --value only documents whose
indexed field equals value are shown.

Example:
  ferry cache list orders --field status --value open`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app.App, out *OutputFormatter) error {
				var (
					recs []model.Record
					err  error
				)
				if field != "" {
					recs, err = a.Store.GetByIndex(ctx, args[0], field, value)
				} else {
					recs, err = a.Store.GetAll(ctx, args[0])
				}
				if err != nil {
					return out.Fail(ExitFailure, "cache read failed", err, nil)
				}
				return out.Emit(recs, func(w io.Writer) { printRecords(w, recs) })
			})
		},
	}
	list.Flags().StringVar(&field, "field", "", "indexed field to filter on")
	list.Flags().StringVar(&value, "value", "", "value the field must equal")

	clearCmd := &cobra.Command{
		Use:           "clear",
		Short:         "Drop every cached document (queued writes are kept)",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app.App, out *OutputFormatter) error {
				return emitOutcome(out, "clear cache", a.ClearCache(ctx), nil, func(w io.Writer) {
					fmt.Fprintln(w, "✓ Cache cleared")
				})
			})
		},
	}

	cmd.AddCommand(get, list, clearCmd)
	return cmd
}

func printRecords(w io.Writer, recs []model.Record) {
	if len(recs) == 0 {
		fmt.Fprintln(w, "No documents")
		return
	}
	for _, r := range recs {
		fields, err := json.Marshal(r.Fields)
		if err != nil {
			fields = []byte(fmt.Sprintf("%v", r.Fields))
		}
		fmt.Fprintf(w, "%s/%s %s\n", r.Collection, r.ID, fields)
	}
}

// emitOutcome renders an administrative outcome. A failed outcome exits
// with ExitFailure.
func emitOutcome(out *OutputFormatter, action string, o app.Outcome, data any, text func(w io.Writer)) error {
	if !o.Success {
		code := o.Code
		if code == "" {
			code = ErrCodeGeneric
		}
		_ = out.Error(code, fmt.Sprintf("%s failed: %s", action, o.Reason), data)
		return NewExitError(ExitFailure, fmt.Sprintf("%s failed: %s", action, o.Reason))
	}
	payload := any(o)
	if data != nil {
		payload = map[string]any{"outcome": o, "result": data}
	}
	return out.Emit(payload, text)
}
