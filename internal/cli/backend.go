package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/ferry/internal/app"
	"github.com/roach88/ferry/internal/model"
)

// NewBackendCommand creates the backend command group.
func NewBackendCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backend",
		Short: "Manage remote backends and rotation",
		Long: `Manage the backend registry: register and remove backends, activate
one, rotate to the next, replicate data between two and schedule automatic
rotation.`,
	}

	cmd.AddCommand(
		newBackendListCommand(rootOpts),
		newBackendRegisterCommand(rootOpts),
		newBackendActivateCommand(rootOpts),
		newBackendRotateCommand(rootOpts),
		newBackendReplicateCommand(rootOpts),
		newBackendScheduleCommand(rootOpts),
		newBackendRemoveCommand(rootOpts),
		newBackendHistoryCommand(rootOpts),
	)
	return cmd
}

func newBackendListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List registered backends in rotation order",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app.App, out *OutputFormatter) error {
				backends := a.Backends()
				return out.Emit(backends, func(w io.Writer) { printBackends(w, backends) })
			})
		},
	}
}

func printBackends(w io.Writer, backends []model.Backend) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tLABEL\tPROJECT\tSTATUS\tREADS\tWRITES\tHEALTHY")
	for _, b := range backends {
		status := string(b.Status)
		if b.Retired {
			status = "retired"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%t\n",
			b.ID, b.Label, b.Descriptor.ProjectID, status, b.Metrics.Reads, b.Metrics.Writes, b.Metrics.Healthy)
	}
	tw.Flush()
}

func newBackendRegisterCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		label string
		file  string
		d     model.Descriptor
	)

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Probe and register a custom backend",
		Long: `Register a backend from a YAML descriptor file and/or flags (flags win).
The backend is probed first; an unreachable backend is not registered.

Example:
  ferry backend register --label east --file east.yaml
  ferry backend register --label west --project-id west --api-key KEY \
    --auth-domain west.example.com --storage-bucket west.bucket \
    --sender-id 1000 --app-id app-west`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			desc, err := loadDescriptor(file)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read descriptor", err)
			}
			overrideDescriptor(cmd, &desc, d)
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app.App, out *OutputFormatter) error {
				o, b := a.RegisterBackend(ctx, label, desc)
				b.Descriptor = b.Descriptor.Redacted()
				return emitOutcome(out, "register backend", o, b, func(w io.Writer) {
					fmt.Fprintf(w, "✓ Registered %s (%s)\n", b.ID, b.Label)
				})
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&label, "label", "", "display label")
	f.StringVarP(&file, "file", "f", "", "YAML descriptor file")
	f.StringVar(&d.APIKey, "api-key", "", "API key")
	f.StringVar(&d.AuthDomain, "auth-domain", "", "auth domain")
	f.StringVar(&d.ProjectID, "project-id", "", "project id")
	f.StringVar(&d.StorageBucket, "storage-bucket", "", "storage bucket")
	f.StringVar(&d.MessagingSenderID, "sender-id", "", "messaging sender id")
	f.StringVar(&d.AppID, "app-id", "", "app id")
	f.StringVar(&d.MeasurementID, "measurement-id", "", "measurement id")
	f.StringVar(&d.Endpoint, "endpoint", "", "endpoint URL override")

	return cmd
}

// loadDescriptor reads a YAML descriptor. An empty path yields a zero
// descriptor.
func loadDescriptor(path string) (model.Descriptor, error) {
	var d model.Descriptor
	if path == "" {
		return d, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return d, fmt.Errorf("failed to read descriptor file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&d); err != nil && !errors.Is(err, io.EOF) {
		return d, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return d, nil
}

// overrideDescriptor copies every descriptor flag the user set onto d.
func overrideDescriptor(cmd *cobra.Command, d *model.Descriptor, flags model.Descriptor) {
	set := func(name string, dst *string, v string) {
		if cmd.Flags().Changed(name) {
			*dst = v
		}
	}
	set("api-key", &d.APIKey, flags.APIKey)
	set("auth-domain", &d.AuthDomain, flags.AuthDomain)
	set("project-id", &d.ProjectID, flags.ProjectID)
	set("storage-bucket", &d.StorageBucket, flags.StorageBucket)
	set("sender-id", &d.MessagingSenderID, flags.MessagingSenderID)
	set("app-id", &d.AppID, flags.AppID)
	set("measurement-id", &d.MeasurementID, flags.MeasurementID)
	set("endpoint", &d.Endpoint, flags.Endpoint)
}

func newBackendActivateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "activate <id>",
		Short:         "Probe a backend and make it active",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app.App, out *OutputFormatter) error {
				o := a.ActivateBackend(ctx, args[0])
				return emitOutcome(out, "activate backend", o, nil, func(w io.Writer) {
					if o.Reason != "" {
						fmt.Fprintf(w, "✓ %s is %s\n", args[0], o.Reason)
						return
					}
					fmt.Fprintf(w, "✓ Activated %s\n", args[0])
				})
			})
		},
	}
}

func newBackendRotateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "rotate",
		Short:         "Rotate to the next backend now",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app.App, out *OutputFormatter) error {
				o, entry := a.ForceRotation(ctx)
				return emitOutcome(out, "rotate", o, entry, func(w io.Writer) {
					fmt.Fprintf(w, "✓ Rotated %s → %s\n", entry.From, entry.To)
					if entry.SyncResult != nil {
						fmt.Fprintf(w, "  replicated %d document(s)\n", entry.SyncResult.Copied())
					}
				})
			})
		},
	}
}

func newBackendReplicateCommand(rootOpts *RootOptions) *cobra.Command {
	var from, to string

	cmd := &cobra.Command{
		Use:   "replicate",
		Short: "Copy every collection from one backend to another",
		Long: `Make the target backend's collections equal to the source's.

Example:
  ferry backend replicate --from primary --to standby`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app.App, out *OutputFormatter) error {
				o, res := a.Replicate(ctx, from, to)
				return emitOutcome(out, "replicate", o, res, func(w io.Writer) {
					fmt.Fprintf(w, "✓ Replicated %s → %s\n", res.From, res.To)
					for _, c := range res.Collections {
						fmt.Fprintf(w, "  %-12s copied %d, deleted %d\n", c.Name, c.Copied, c.Deleted)
					}
				})
			})
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "source backend id (required)")
	cmd.Flags().StringVar(&to, "to", "", "target backend id (required)")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")

	return cmd
}

func newBackendScheduleCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		hours int
		off   bool
	)

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Enable or disable automatic rotation",
		Long: `Schedule automatic rotation every --hours hours, or turn it off.

Example:
  ferry backend schedule --hours 24
  ferry backend schedule --off`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !off && hours <= 0 {
				return NewExitError(ExitCommandError, "either --hours or --off is required")
			}
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app.App, out *OutputFormatter) error {
				var err error
				if off {
					err = a.Rotation.DisableAutoRotation(ctx)
				} else {
					err = a.Rotation.ScheduleRotation(ctx, hours)
				}
				if err != nil {
					return out.Fail(ExitFailure, "schedule failed", err, nil)
				}
				state := a.Rotation.State()
				state.History = nil
				return out.Emit(state, func(w io.Writer) {
					if !state.AutoRotateEnabled {
						fmt.Fprintln(w, "✓ Automatic rotation disabled")
						return
					}
					fmt.Fprintf(w, "✓ Rotating every %dh, next at %s\n",
						state.RotationIntervalHours, state.NextRotationAt.Format(time.RFC3339))
				})
			})
		},
	}

	cmd.Flags().IntVar(&hours, "hours", 0, "rotation interval in hours")
	cmd.Flags().BoolVar(&off, "off", false, "disable automatic rotation")

	return cmd
}

func newBackendRemoveCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "remove <id>",
		Short:         "Remove a custom backend (retired if it appears in history)",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app.App, out *OutputFormatter) error {
				retired, err := a.Rotation.RemoveBackend(ctx, args[0])
				if err != nil {
					return out.Fail(ExitFailure, "remove failed", err, nil)
				}
				return out.Emit(map[string]any{"id": args[0], "retired": retired}, func(w io.Writer) {
					if retired {
						fmt.Fprintf(w, "✓ Retired %s\n", args[0])
						return
					}
					fmt.Fprintf(w, "✓ Removed %s\n", args[0])
				})
			})
		},
	}
}

func newBackendHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "history",
		Short:         "Show the rotation history, oldest first",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app.App, out *OutputFormatter) error {
				history := a.Rotation.History()
				return out.Emit(history, func(w io.Writer) {
					if len(history) == 0 {
						fmt.Fprintln(w, "No rotations yet")
						return
					}
					for _, e := range history {
						mark := "✓"
						if !e.Success {
							mark = "✗"
						}
						fmt.Fprintf(w, "%s %s %s → %s %s\n", mark, e.At.Format(time.RFC3339), e.From, e.To, e.Reason)
					}
				})
			})
		},
	}
}
