package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/fieldsync/internal/model"
)

// EnqueueOptions holds flags for the enqueue command.
type EnqueueOptions struct {
	*RootOptions
	Payload string
}

// NewEnqueueCommand creates the enqueue command.
func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EnqueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "enqueue <entity-type> <create|update|delete> [id]",
		Short: "Apply a local mutation and queue it for delivery",
		Long: `Apply a mutation to the local store and queue it for the server in one
transaction.

Entity types: assignment, note, photo_record, time_entry. The payload is
the full field set for create and the changed fields for update; delete
takes none. A create without an id gets a generated one.

Examples:
  fieldsync enqueue note create --payload '{"assignment_id":"a-1","body":"Replaced filter"}'
  fieldsync enqueue assignment update a-1 --payload '{"notes":"Gate code 4412"}'
  fieldsync enqueue note delete 0196f7c2-...`,
		Args:          cobra.RangeArgs(2, 3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnqueue(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Payload, "payload", "{}", "field values as a JSON object")

	return cmd
}

func runEnqueue(opts *EnqueueOptions, args []string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	et, err := model.ParseEntityType(args[0])
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid entity type", err)
	}
	kind, err := model.ParseOpKind(args[1])
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid operation kind", err)
	}
	var id string
	if len(args) == 3 {
		id = args[2]
	}
	payload, err := model.ParseObject([]byte(opts.Payload))
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --payload JSON", err)
	}

	a, err := openApp(opts.RootOptions, cmd, false)
	if err != nil {
		return err
	}
	defer a.Close()

	op, err := a.engine.EnqueueMutation(cmd.Context(), et, id, kind, payload)
	if err != nil {
		return formatter.Fail(ExitFailure, "mutation rejected", err)
	}

	return formatter.Emit(op, func(w io.Writer) {
		fmt.Fprintf(w, "Queued %s %s/%s as operation %s\n", op.Kind, op.EntityType, op.EntityID, op.ID)
	})
}
