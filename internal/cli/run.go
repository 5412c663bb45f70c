package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/fieldsync/internal/config"
	"github.com/roach88/fieldsync/internal/connectivity"
	"github.com/roach88/fieldsync/internal/resolve"
)

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync engine until interrupted",
		Long: `Run the sync engine as a long-lived process.

Opens the local store (creating it if needed), returns operations left in
flight by a previous run to the queue, and drains whenever connectivity
returns, on every sync_interval tick and after each local change. Stops
cleanly on SIGINT or SIGTERM.

Connectivity comes from probe_address (a TCP reachability probe) and
connectivity_file (a state file written by the host platform). With both
set the device is online only while both say so; with neither it is
assumed online.

Example:
  fieldsync run --config /etc/fieldsync.yaml
  FIELDSYNC_REMOTE_URL=https://sync.example.com fieldsync run -v`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(rootOpts, cmd)
		},
	}
	return cmd
}

func runEngine(opts *RootOptions, cmd *cobra.Command) error {
	a, err := openApp(opts, cmd, true)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			a.logger.Error("error closing store", "error", closeErr)
		}
	}()

	a.engine.OnResolution(func(r resolve.Report) {
		a.logger.Info("conflict resolved",
			"entity_type", r.EntityType,
			"entity_id", r.EntityID,
			"operation_id", r.OperationID,
			"overridden", len(r.Overridden),
			"corrected", r.Corrected,
			"discarded", r.Discarded)
	})
	a.engine.OnReauthRequired(func() {
		a.logger.Warn("server rejected the credentials; refresh the token and sync will resume")
	})

	ctx, cancel := signalContext(cmd.Context(), a.logger)
	defer cancel()

	if src := connectivitySource(a.cfg, a.logger); src != nil {
		// Offline until the first report arrives.
		a.engine.SetOnline(false)
		go func() {
			if err := src.Run(ctx, a.engine.SetOnline); err != nil && ctx.Err() == nil {
				a.logger.Error("connectivity monitor stopped", "error", err)
			}
		}()
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Sync engine started. Press Ctrl-C to stop.")

	if err := a.engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "sync engine stopped", err)
	}

	a.logger.Info("sync engine stopped gracefully")
	return nil
}

// signalContext returns a context cancelled by SIGINT, SIGTERM or the
// parent.
func signalContext(parent context.Context, logger *slog.Logger) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// connectivitySource combines the configured connectivity inputs, or
// returns nil when none is configured.
func connectivitySource(cfg *config.Config, logger *slog.Logger) connectivity.Source {
	var sources []connectivity.Source
	if cfg.ProbeAddress != "" {
		p := connectivity.NewProber(cfg.ProbeAddress, cfg.ProbeInterval)
		p.Logger = logger
		sources = append(sources, p)
	}
	if cfg.ConnectivityFile != "" {
		f := connectivity.NewFileFlag(cfg.ConnectivityFile)
		f.Logger = logger
		sources = append(sources, f)
	}
	switch len(sources) {
	case 0:
		return nil
	case 1:
		return sources[0]
	}
	return connectivity.All(sources...)
}
