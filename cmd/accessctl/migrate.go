package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-logic-access/internal/infrastructure/database"
)

func newMigrateCmd(flags *globalFlags) *cobra.Command {
	var down bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Long:  "Applies every pending migration in version order, or rolls back the latest one with --down.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, db, _, err := openDatabase(cmd, flags)
			if err != nil {
				return err
			}
			defer db.Close()

			if down {
				if err := db.MigrateDown(cmd.Context()); err != nil {
					return fmt.Errorf("rolling back migration: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Rolled back latest migration.")
				return nil
			}

			_, pending, err := db.Status(cmd.Context())
			if err != nil {
				return err
			}
			if err := db.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("running migrations: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s).\n", len(pending))
			return nil
		},
	}

	cmd.Flags().BoolVar(&down, "down", false, "Roll back the most recently applied migration")
	cmd.AddCommand(newMigrateStatusCmd(flags))

	return cmd
}

func newMigrateStatusCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, db, _, err := openDatabase(cmd, flags)
			if err != nil {
				return err
			}
			defer db.Close()

			applied, pending, err := db.Status(cmd.Context())
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "VERSION\tSTATE\tAPPLIED AT")
			for _, r := range applied {
				fmt.Fprintf(tw, "%s\tapplied\t%s\n", r.Version, database.FormatTime(r.AppliedAt))
			}
			for _, m := range pending {
				fmt.Fprintf(tw, "%s\tpending\t%s\n", m.Version, m.Name)
			}
			return tw.Flush()
		},
	}
}
