package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/fieldsync/internal/engine"
)

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Drain the queue once and exit",
		Long: `Deliver every eligible queued operation once, then print the queue status.

Operations that fail transiently stay queued with their retry delay.
Exits 1 if the store failed during the drain.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(rootOpts, cmd)
		},
	}
	return cmd
}

func runSync(opts *RootOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	a, err := openApp(opts, cmd, true)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	if err := a.engine.DrainOnce(ctx); err != nil {
		return formatter.Fail(ExitFailure, "sync failed", err)
	}

	status, err := a.engine.SyncStatus(ctx)
	if err != nil {
		return formatter.Fail(ExitFailure, "sync status", err)
	}
	if status.Fault != "" {
		return formatter.Fail(ExitFailure, "sync halted", &engine.Error{Code: engine.ErrCodeHalted, Message: status.Fault})
	}
	return formatter.Emit(status, func(w io.Writer) {
		fmt.Fprintln(w, "Sync complete.")
		writeStatus(w, status)
	})
}

func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}
