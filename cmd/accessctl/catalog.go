package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-logic-access/internal/rbac"
)

func newSyncCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Sync the configured roles, modules and actions into storage",
		Long: "Adds newly declared roles, modules and actions, updates display names " +
			"and deactivates entries no longer declared in the config file.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				changes, err := a.svc.SyncCatalog(ctx, a.actor, rbac.CatalogFromConfig(a.cfg.RBAC))
				if err != nil {
					return fmt.Errorf("syncing catalog: %w", err)
				}
				if a.json {
					return printJSON(a.out, changes)
				}
				if changes.Empty() {
					fmt.Fprintln(a.out, "Catalog already up to date.")
					return nil
				}
				printList(a, "Added", changes.Added)
				printList(a, "Updated", changes.Updated)
				printList(a, "Deactivated", changes.Deactivated)
				return nil
			})
		},
	}
}

func printList(a *app, label string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(a.out, "%s: %s\n", label, strings.Join(items, ", "))
}

func newDefaultsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "defaults",
		Short: "Seed default permissions for cells without a stored row",
		Long: "Stores a permission for every registered (role, module, action) that has none. " +
			"The configured super role is granted, everything else denied. Existing rows are never changed.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				result, err := a.svc.InitializeDefaults(ctx, a.actor, rbac.DefaultPolicyFromConfig(a.cfg.RBAC))
				if err != nil {
					return fmt.Errorf("seeding defaults: %w", err)
				}
				if a.json {
					return printJSON(a.out, result)
				}
				fmt.Fprintf(a.out, "Seeded %d permission(s), %d already present.\n", result.Seeded, result.Existing)
				return nil
			})
		},
	}
}
