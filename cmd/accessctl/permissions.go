package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nerrad567/gray-logic-access/internal/rbac"
)

// parseAllowed accepts allow/deny and the usual boolean spellings.
func parseAllowed(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "allow", "allowed", "grant", "true", "yes", "on":
		return true, nil
	case "deny", "denied", "revoke", "false", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid value %q, want allow or deny", s)
	}
}

// printResult reports a single-permission write.
func printResult(a *app, key rbac.Key, res *rbac.Result) error {
	if a.json {
		return printJSON(a.out, res)
	}
	if !res.Changed {
		fmt.Fprintf(a.out, "%s unchanged.\n", key)
		return nil
	}
	fmt.Fprintf(a.out, "%s updated (audit %s).\n", key, res.AuditID)
	return nil
}

func newSetCmd(flags *globalFlags) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "set <role> <module> <action> <allow|deny>",
		Short: "Set one permission",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			allowed, err := parseAllowed(args[3])
			if err != nil {
				return err
			}
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				key := rbac.Key{Role: args[0], Module: args[1], Action: args[2]}
				res, err := a.svc.SetPermission(ctx, a.actor, key, allowed, reason)
				if err != nil {
					return fmt.Errorf("setting %s: %w", key, err)
				}
				return printResult(a, key, res)
			})
		},
	}

	cmd.Flags().StringVarP(&reason, "reason", "r", "", "Reason recorded with the change")
	return cmd
}

func newActivateCmd(flags *globalFlags) *cobra.Command {
	var (
		reason string
		off    bool
	)

	cmd := &cobra.Command{
		Use:   "activate <role> <module> <action>",
		Short: "Activate or deactivate one permission",
		Long:  "An inactive permission denies regardless of its allowed value. Use --off to deactivate.",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				key := rbac.Key{Role: args[0], Module: args[1], Action: args[2]}
				res, err := a.svc.SetActive(ctx, a.actor, key, !off, reason)
				if err != nil {
					return fmt.Errorf("updating %s: %w", key, err)
				}
				return printResult(a, key, res)
			})
		},
	}

	cmd.Flags().StringVarP(&reason, "reason", "r", "", "Reason recorded with the change")
	cmd.Flags().BoolVar(&off, "off", false, "Deactivate instead of activate")
	return cmd
}

func newConditionsCmd(flags *globalFlags) *cobra.Command {
	var (
		reason   string
		clearAll bool
	)

	cmd := &cobra.Command{
		Use:   "conditions <role> <module> <action> [json]",
		Short: "Replace the conditions of one permission",
		Long: `Replaces the conditions of one permission with a JSON array, for example:

  accessctl conditions operator reports view '[{"kind":"time_window","start":"08:00","end":"18:00"}]'

Use --clear to remove all conditions.`,
		Args: cobra.RangeArgs(3, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			var conds rbac.Conditions
			switch {
			case clearAll:
			case len(args) == 4:
				if err := json.Unmarshal([]byte(args[3]), &conds); err != nil {
					return fmt.Errorf("parsing conditions: %w", err)
				}
			default:
				return fmt.Errorf("specify a conditions JSON array or --clear")
			}
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				key := rbac.Key{Role: args[0], Module: args[1], Action: args[2]}
				res, err := a.svc.SetConditions(ctx, a.actor, key, conds, reason)
				if err != nil {
					return fmt.Errorf("setting conditions on %s: %w", key, err)
				}
				return printResult(a, key, res)
			})
		},
	}

	cmd.Flags().StringVarP(&reason, "reason", "r", "", "Reason recorded with the change")
	cmd.Flags().BoolVar(&clearAll, "clear", false, "Remove all conditions")
	return cmd
}

// bulkFile is the change file read by the bulk command. JSON files are
// accepted as well since JSON is valid YAML.
type bulkFile struct {
	Reason  string        `yaml:"reason"`
	Changes []rbac.Change `yaml:"changes"`
}

func newBulkCmd(flags *globalFlags) *cobra.Command {
	var (
		file   string
		reason string
	)

	cmd := &cobra.Command{
		Use:   "bulk <role> --file changes.yaml",
		Short: "Apply a batch of changes to one role atomically",
		Long: `Applies every change in the file as one unit: either all changed cells
commit with their history and audit entries, or nothing does.

  reason: quarterly review
  changes:
    - {module: reports, action: view, allowed: true}
    - {module: reports, action: delete, allowed: false}`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			batch, err := readBulkFile(file)
			if err != nil {
				return err
			}
			if reason != "" {
				batch.Reason = reason
			}
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				res, err := a.svc.ApplyBulk(ctx, a.actor, args[0], batch.Changes, batch.Reason)
				if err != nil {
					return fmt.Errorf("applying batch to %s: %w", args[0], err)
				}
				if a.json {
					return printJSON(a.out, res)
				}
				for _, c := range res.Changed {
					fmt.Fprintf(a.out, "%s:%s:%s %v -> %v\n", res.Role, c.Module, c.Action, c.Old, c.New)
				}
				fmt.Fprintf(a.out, "%d changed, %d unchanged.\n", len(res.Changed), len(res.Unchanged))
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML or JSON change file")
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "Reason recorded with the batch (overrides the file)")
	_ = cmd.MarkFlagRequired("file") //nolint:errcheck // flag is defined above
	return cmd
}

func readBulkFile(path string) (*bulkFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading change file: %w", err)
	}
	var batch bulkFile
	if err := yaml.Unmarshal(data, &batch); err != nil {
		return nil, fmt.Errorf("parsing change file: %w", err)
	}
	return &batch, nil
}
