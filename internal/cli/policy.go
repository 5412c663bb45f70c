package cli

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/fieldsync/internal/policy"
)

// TableView is the printable form of one entity type's authority table.
type TableView struct {
	EntityType string            `json:"entity_type"`
	Default    string            `json:"default"`
	Fields     map[string]string `json:"fields"`
}

// PolicyView is the printable form of a policy.
type PolicyView struct {
	Source string      `json:"source"`
	Tables []TableView `json:"tables"`
}

// NewPolicyCommand creates the policy command group.
func NewPolicyCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Check and show field authority policies",
		Long: `A policy file is CUE that overrides the built-in authority of individual
fields, or the fallback for a whole entity type:

  assignment: {
      fields: notes: "server_authoritative"
  }
  note: default: "client_authoritative"

Authorities: server_authoritative, client_authoritative, mergeable.`,
	}
	cmd.AddCommand(newPolicyCheckCommand(rootOpts))
	cmd.AddCommand(newPolicyShowCommand(rootOpts))
	return cmd
}

func newPolicyCheckCommand(rootOpts *RootOptions) *cobra.Command {
	var show bool
	cmd := &cobra.Command{
		Use:           "check <file>",
		Short:         "Validate a policy file",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(rootOpts, cmd)
			pol, err := policy.LoadFile(args[0])
			if err != nil {
				return outputPolicyError(formatter, err)
			}
			if !show {
				return formatter.Emit(map[string]any{"valid": true, "file": args[0]}, func(w io.Writer) {
					fmt.Fprintf(w, "✓ %s is valid\n", args[0])
				})
			}
			view := policyView(args[0], pol)
			return formatter.Emit(view, func(w io.Writer) {
				writePolicy(w, view)
			})
		},
	}
	cmd.Flags().BoolVar(&show, "show", false, "print the effective policy after validation")
	return cmd
}

func newPolicyShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "show",
		Short:         "Print the policy the engine would use",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(rootOpts, cmd)
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			source, pol := "built-in", policy.Default()
			if cfg.PolicyFile != "" {
				source = cfg.PolicyFile
				if pol, err = policy.LoadFile(cfg.PolicyFile); err != nil {
					return outputPolicyError(formatter, err)
				}
			}
			view := policyView(source, pol)
			return formatter.Emit(view, func(w io.Writer) {
				writePolicy(w, view)
			})
		},
	}
}

func outputPolicyError(formatter *OutputFormatter, err error) error {
	var loadErr *policy.LoadError
	if errors.As(err, &loadErr) {
		if outErr := formatter.Error("INVALID_POLICY", loadErr.Error(), map[string]any{
			"field": loadErr.Field,
			"line":  loadErr.Pos.Line(),
		}); outErr != nil {
			return outErr
		}
		return WrapExitError(ExitFailure, "invalid policy", err)
	}
	return formatter.Fail(ExitCommandError, "read policy", err)
}

func policyView(source string, pol *policy.Policy) PolicyView {
	view := PolicyView{Source: source, Tables: []TableView{}}
	for _, et := range pol.EntityTypes() {
		t, _ := pol.Table(et)
		tv := TableView{EntityType: string(et), Default: string(t.Default), Fields: make(map[string]string, len(t.Fields))}
		if tv.Default == "" {
			tv.Default = "mergeable"
		}
		for f, a := range t.Fields {
			tv.Fields[f] = string(a)
		}
		view.Tables = append(view.Tables, tv)
	}
	return view
}

func writePolicy(w io.Writer, view PolicyView) {
	fmt.Fprintf(w, "Policy (%s)\n", view.Source)
	for _, t := range view.Tables {
		fmt.Fprintf(w, "\n%s (default %s)\n", t.EntityType, t.Default)
		for _, f := range slices.Sorted(maps.Keys(t.Fields)) {
			fmt.Fprintf(w, "  %-20s %s\n", f, t.Fields[f])
		}
	}
}
