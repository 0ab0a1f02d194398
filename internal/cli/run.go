package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/ferry/internal/server"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Listen string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync engine until interrupted",
		Long: `Start the sync engine: the connectivity monitor, automatic sync, the
rotation timer and the queue sweeper. With --listen (or listen in the config
file) the HTTP API and the /events WebSocket stream are served as well.

Example:
  ferry run --config ferry.yaml
  ferry run --db /tmp/ferry.db --listen :8080 --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "HTTP listen address (overrides config)")

	return cmd
}

func runEngine(opts *RunOptions, cmd *cobra.Command) error {
	a, err := opts.openApp(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			slog.Error("error closing engine", "error", closeErr)
		}
	}()

	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	listen := a.Config.Listen
	if opts.Listen != "" {
		listen = opts.Listen
	}

	var (
		wg        sync.WaitGroup
		serverErr error
	)
	if listen != "" {
		srv := server.New(a, listen, slog.Default().With("component", "http"))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Serve(ctx); err != nil {
				serverErr = err
				cancel()
			}
		}()
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Engine started. Active backend:", a.Rotation.Active().ID)
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	runErr := a.Run(ctx)
	cancel()
	wg.Wait()

	if serverErr != nil {
		return WrapExitError(ExitFailure, "http server error", serverErr)
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "engine error", runErr)
	}
	slog.Info("engine stopped gracefully")
	return nil
}
