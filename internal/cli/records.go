package cli

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/fieldsync/internal/model"
	"github.com/roach88/fieldsync/internal/store"
)

// NewRecordsCommand creates the records command group.
func NewRecordsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "records",
		Short: "Inspect and refresh locally stored records",
	}
	cmd.AddCommand(newRecordsListCommand(rootOpts))
	cmd.AddCommand(newRecordsGetCommand(rootOpts))
	cmd.AddCommand(newRecordsResyncCommand(rootOpts))
	return cmd
}

func newRecordsListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list <entity-type>",
		Short:         "List live records of one entity type",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(rootOpts, cmd)
			et, err := model.ParseEntityType(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid entity type", err)
			}

			a, err := openApp(rootOpts, cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			records, err := a.store.ListRecords(cmd.Context(), et)
			if err != nil {
				return formatter.Fail(ExitFailure, "list records", err)
			}
			if records == nil {
				records = []model.Record{}
			}
			return formatter.Emit(records, func(w io.Writer) {
				if len(records) == 0 {
					fmt.Fprintf(w, "No %s records.\n", et)
					return
				}
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tSERVER ID\tVERSION\tUPDATED BY\tUPDATED AT")
				for _, r := range records {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID, dash(r.ServerID), versionString(r.Version), r.UpdatedBy, r.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"))
				}
				tw.Flush()
			})
		},
	}
}

// recordView is a record together with its logged operations.
type recordView struct {
	Record     model.Record      `json:"record"`
	Operations []model.Operation `json:"operations"`
}

func newRecordsGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "get <entity-type> <id>",
		Short:         "Show one record and its logged operations",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(rootOpts, cmd)
			et, err := model.ParseEntityType(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid entity type", err)
			}

			a, err := openApp(rootOpts, cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			rec, err := a.store.GetRecordAny(ctx, et, args[1])
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return formatter.Fail(ExitFailure, "record not found", err)
				}
				return formatter.Fail(ExitFailure, "get record", err)
			}
			ops, err := a.store.ListForEntity(ctx, et, args[1])
			if err != nil {
				return formatter.Fail(ExitFailure, "list operations", err)
			}
			if ops == nil {
				ops = []model.Operation{}
			}

			return formatter.Emit(recordView{Record: rec, Operations: ops}, func(w io.Writer) {
				writeRecord(w, rec, ops)
			})
		},
	}
}

func newRecordsResyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resync <entity-type> <id>",
		Short: "Replace a record with the server's copy",
		Long: `Fetch the server's copy of a record and replace the local one with it.

Refused while the record has pending or in-flight operations. A record the
server no longer has is removed locally. Use this after discarding a
dead-lettered operation to drop the local change.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(rootOpts, cmd)
			et, err := model.ParseEntityType(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid entity type", err)
			}

			a, err := openApp(rootOpts, cmd, true)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.engine.Resync(cmd.Context(), et, args[1]); err != nil {
				return formatter.Fail(ExitFailure, "resync failed", err)
			}
			result := map[string]string{"entity_type": string(et), "id": args[1]}
			return formatter.Emit(result, func(w io.Writer) {
				fmt.Fprintf(w, "Resynced %s/%s from the server.\n", et, args[1])
			})
		},
	}
}

func writeRecord(w io.Writer, rec model.Record, ops []model.Operation) {
	fmt.Fprintf(w, "%s/%s\n", rec.EntityType, rec.ID)
	if rec.ServerID != "" {
		fmt.Fprintf(w, "  server id:  %s\n", rec.ServerID)
	}
	fmt.Fprintf(w, "  version:    %s\n", versionString(rec.Version))
	fmt.Fprintf(w, "  updated:    %s by %s\n", rec.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"), rec.UpdatedBy)
	if rec.Deleted {
		fmt.Fprintln(w, "  deleted:    yes (awaiting server confirmation)")
	}
	fmt.Fprintln(w, "  fields:")
	for _, k := range rec.Fields.Keys() {
		data, err := model.MarshalValue(rec.Fields[k])
		if err != nil {
			data = []byte("?")
		}
		fmt.Fprintf(w, "    %s: %s\n", k, data)
	}
	if len(ops) == 0 {
		return
	}
	fmt.Fprintln(w, "  operations:")
	for _, op := range ops {
		line := fmt.Sprintf("    %s %s %s (attempts %d)", op.ID, op.Kind, op.Status, op.AttemptCount)
		if op.LastError != "" {
			line += ": " + op.LastError
		}
		fmt.Fprintln(w, line)
	}
}

func versionString(v *int64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprint(*v)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
