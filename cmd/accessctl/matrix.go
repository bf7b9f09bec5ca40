package main

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-logic-access/internal/rbac"
)

func newMatrixCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "matrix [role]",
		Short: "Print the permission matrix",
		Long:  "Prints the dense role × module × action matrix, optionally for one role only.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				matrix, err := a.svc.GetMatrix(ctx)
				if err != nil {
					return fmt.Errorf("reading matrix: %w", err)
				}
				if len(args) == 1 {
					role, ok := matrix[args[0]]
					if !ok {
						return fmt.Errorf("role %q is not registered", args[0])
					}
					matrix = rbac.Matrix{args[0]: role}
				}
				if a.json {
					return printJSON(a.out, matrix)
				}
				return printMatrix(a, matrix)
			})
		},
	}
}

// printMatrix renders one row per (role, module) and one column per action.
func printMatrix(a *app, matrix rbac.Matrix) error {
	actionSet := make(map[string]bool)
	for _, modules := range matrix {
		for _, actions := range modules {
			for action := range actions {
				actionSet[action] = true
			}
		}
	}
	actions := slices.Sorted(maps.Keys(actionSet))

	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "ROLE\tMODULE\t%s\n", strings.ToUpper(strings.Join(actions, "\t")))
	for _, role := range slices.Sorted(maps.Keys(matrix)) {
		for _, module := range slices.Sorted(maps.Keys(matrix[role])) {
			cells := make([]string, len(actions))
			for i, action := range actions {
				cells[i] = "-"
				if matrix[role][module][action] {
					cells[i] = "allow"
				}
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\n", role, module, strings.Join(cells, "\t"))
		}
	}
	return tw.Flush()
}

func newCheckCmd(flags *globalFlags) *cobra.Command {
	var attrs []string

	cmd := &cobra.Command{
		Use:   "check <role> <module> <action>",
		Short: "Decide whether a role may perform an action",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			attributes, err := parseAttributes(attrs)
			if err != nil {
				return err
			}
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				key := rbac.Key{Role: args[0], Module: args[1], Action: args[2]}
				allowed, err := a.svc.Decide(ctx, rbac.Request{Key: key, Attributes: attributes})
				if err != nil {
					return fmt.Errorf("checking %s: %w", key, err)
				}
				if a.json {
					return printJSON(a.out, map[string]any{"key": key, "allowed": allowed})
				}
				verdict := "denied"
				if allowed {
					verdict = "allowed"
				}
				fmt.Fprintf(a.out, "%s: %s\n", key, verdict)
				return nil
			})
		},
	}

	cmd.Flags().StringArrayVar(&attrs, "attr", nil, "Request attribute as key=value (repeatable)")
	return cmd
}

// parseAttributes turns key=value pairs into a map.
func parseAttributes(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	attrs := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid attribute %q, want key=value", p)
		}
		attrs[k] = v
	}
	return attrs, nil
}
