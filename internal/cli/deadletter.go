package cli

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/fieldsync/internal/deadletter"
)

// NewDeadLetterCommand creates the deadletter command group.
func NewDeadLetterCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "deadletter",
		Aliases: []string{"dlq"},
		Short:   "List, retry or discard operations that could not be delivered",
		Long: `Operations the server rejected, or that ran out of retries, stay
dead-lettered until someone acts on them. Retrying puts an operation at
the tail of the queue with its attempt count reset. Discarding removes it
and leaves the local record as it is until the next resync.`,
	}
	cmd.AddCommand(newDeadLetterListCommand(rootOpts))
	cmd.AddCommand(newDeadLetterRetryCommand(rootOpts))
	cmd.AddCommand(newDeadLetterDiscardCommand(rootOpts))
	return cmd
}

func newDeadLetterListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List dead-lettered operations",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(rootOpts, cmd)
			a, err := openApp(rootOpts, cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			ops, err := a.deadLetters.List(cmd.Context())
			if err != nil {
				return formatter.Fail(ExitFailure, "list dead letters", err)
			}
			return formatter.Emit(ops, func(w io.Writer) {
				if len(ops) == 0 {
					fmt.Fprintln(w, "No dead-lettered operations.")
					return
				}
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "OPERATION\tENTITY\tKIND\tATTEMPTS\tREASON")
				for _, op := range ops {
					fmt.Fprintf(tw, "%s\t%s/%s\t%s\t%d\t%s\n", op.ID, op.EntityType, op.EntityID, op.Kind, op.AttemptCount, op.LastError)
				}
				tw.Flush()
			})
		},
	}
}

func newDeadLetterRetryCommand(rootOpts *RootOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:           "retry [operation-id]",
		Short:         "Re-enqueue a dead-lettered operation",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return NewExitError(ExitCommandError, "pass exactly one of an operation id or --all")
			}
			formatter := newFormatter(rootOpts, cmd)
			a, err := openApp(rootOpts, cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			if all {
				n, err := a.deadLetters.RetryAll(cmd.Context())
				if err != nil {
					return formatter.Fail(ExitFailure, "retry dead letters", err)
				}
				return formatter.Emit(map[string]int{"retried": n}, func(w io.Writer) {
					fmt.Fprintf(w, "Re-enqueued %d operation(s).\n", n)
				})
			}

			op, err := a.deadLetters.Retry(cmd.Context(), args[0])
			if err != nil {
				return formatter.Fail(deadLetterExitCode(err), "retry failed", err)
			}
			return formatter.Emit(op, func(w io.Writer) {
				fmt.Fprintf(w, "Re-enqueued %s (%s %s/%s).\n", op.ID, op.Kind, op.EntityType, op.EntityID)
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "retry every dead-lettered operation")
	return cmd
}

func newDeadLetterDiscardCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "discard <operation-id>",
		Short:         "Permanently remove a dead-lettered operation",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(rootOpts, cmd)
			a, err := openApp(rootOpts, cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.deadLetters.Discard(cmd.Context(), args[0]); err != nil {
				return formatter.Fail(deadLetterExitCode(err), "discard failed", err)
			}
			return formatter.Emit(map[string]string{"discarded": args[0]}, func(w io.Writer) {
				fmt.Fprintf(w, "Discarded %s.\n", args[0])
			})
		},
	}
}

// deadLetterExitCode treats an unknown or live operation id as a usage
// error.
func deadLetterExitCode(err error) int {
	if errors.Is(err, deadletter.ErrNotDeadLettered) {
		return ExitCommandError
	}
	return ExitFailure
}
