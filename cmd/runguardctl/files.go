package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/triage-ai/runguard/internal/catalog"
	"github.com/triage-ai/runguard/internal/policy"
)

func newRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Work with policy rule files",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate <file>",
		Short: "Parse a rules file and check it for invalid or conflicting rules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := policy.LoadRulesFile(args[0])
			if err != nil {
				return fmt.Errorf("validation failed: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "✓ %d rules valid: %s\n", len(rules), args[0])
			for _, r := range rules {
				state := "active"
				if !r.Active {
					state = "inactive"
				}
				fmt.Fprintf(out, "  %-4d %-24s %-18s %s\n", r.Sequence, r.Code, r.Kind, state)
			}
			return nil
		},
	})
	return cmd
}

func newToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Work with tool catalog files",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate <file>",
		Short: "Parse a tools file and compile every input schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := catalog.LoadStaticFile(args[0]); err != nil {
				return fmt.Errorf("validation failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ tools valid: %s\n", args[0])
			return nil
		},
	})
	return cmd
}
