package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/roach88/fieldsync/internal/engine"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue depths and driver state",
		Long: `Show how many operations are pending, in flight, dead-lettered and
committed in the local store.

Example:
  fieldsync status
  fieldsync status --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(rootOpts, cmd)
		},
	}
	return cmd
}

func runStatus(opts *RootOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	a, err := openApp(opts, cmd, false)
	if err != nil {
		return err
	}
	defer a.Close()

	status, err := a.engine.SyncStatus(cmd.Context())
	if err != nil {
		return formatter.Fail(ExitFailure, "sync status", err)
	}
	return formatter.Emit(status, func(w io.Writer) {
		writeStatus(w, status)
	})
}

func writeStatus(w io.Writer, s engine.Status) {
	fmt.Fprintf(w, "State:          %s\n", stateString(s.State))
	online := color.GreenString("yes")
	if !s.Online {
		online = color.YellowString("no")
	}
	fmt.Fprintf(w, "Online:         %s\n", online)
	fmt.Fprintf(w, "Pending:        %d\n", s.Pending)
	fmt.Fprintf(w, "In flight:      %d\n", s.InFlight)
	dead := fmt.Sprint(s.DeadLettered)
	if s.DeadLettered > 0 {
		dead = color.RedString("%d", s.DeadLettered)
	}
	fmt.Fprintf(w, "Dead-lettered:  %s\n", dead)
	fmt.Fprintf(w, "Committed:      %d\n", s.Committed)
	if !s.BackoffUntil.IsZero() {
		fmt.Fprintf(w, "Paused until:   %s\n", s.BackoffUntil.Format(time.RFC3339))
	}
	if !s.LastDrainAt.IsZero() {
		fmt.Fprintf(w, "Last drain:     %s\n", s.LastDrainAt.Format(time.RFC3339))
	}
	if s.Fault != "" {
		fmt.Fprintf(w, "Fault:          %s\n", color.RedString("%s", s.Fault))
	}
}

func stateString(s engine.State) string {
	switch s {
	case engine.StateDraining:
		return color.CyanString("%s", s)
	case engine.StateBackoff:
		return color.YellowString("%s", s)
	}
	return color.GreenString("%s", s)
}
