package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/ferry/internal/schema"
)

// NewSchemaCommand creates the schema command group.
func NewSchemaCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Work with collection schema files",
	}

	check := &cobra.Command{
		Use:   "check [file.cue]",
		Short: "Validate a CUE collection schema",
		Long: `Compile a collection schema and print its collections. Without a file
the built-in schema is shown.

Example:
  ferry schema check collections.cue`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)
			sch := schema.Default()
			if len(args) == 1 {
				out.VerboseLog("Compiling %s", args[0])
				var err error
				if sch, err = schema.Load(args[0]); err != nil {
					return out.Fail(ExitFailure, "schema invalid", err, nil)
				}
			}
			return out.Emit(sch, func(w io.Writer) { printSchema(w, sch) })
		},
	}

	cmd.AddCommand(check)
	return cmd
}

func printSchema(w io.Writer, sch *schema.Schema) {
	fmt.Fprintf(w, "✓ %d collection(s)\n", len(sch.Collections))
	for _, c := range sch.Collections {
		line := "  " + c.Name
		if len(c.Indexes) > 0 {
			line += " indexes=" + strings.Join(c.Indexes, ",")
		}
		if c.Window != nil {
			line += fmt.Sprintf(" window=%s>%s", c.Window.Field, c.Window.MaxAge)
		}
		fmt.Fprintln(w, line)
	}
}
