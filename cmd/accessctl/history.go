package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-logic-access/internal/audit"
	"github.com/nerrad567/gray-logic-access/internal/rbac"
)

func newHistoryCmd(flags *globalFlags) *cobra.Command {
	var filter rbac.HistoryFilter

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List permission value transitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				entries, err := a.svc.History(ctx, filter)
				if err != nil {
					return fmt.Errorf("listing history: %w", err)
				}
				if a.json {
					return printJSON(a.out, entries)
				}
				if len(entries) == 0 {
					fmt.Fprintln(a.out, "No history found.")
					return nil
				}

				tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "SEQ\tTIME\tPERMISSION\tFIELD\tCHANGE\tACTOR\tREASON")
				for _, e := range entries {
					key := rbac.Key{Role: e.Role, Module: e.Module, Action: e.Action}
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%v -> %v\t%s\t%s\n",
						e.Seq, e.CreatedAt.Format(time.RFC3339), key, e.Field,
						e.OldValue, e.NewValue, e.ActorID, e.Reason)
				}
				return tw.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&filter.Role, "role", "", "Filter by role")
	cmd.Flags().StringVar(&filter.Module, "module", "", "Filter by module")
	cmd.Flags().StringVar(&filter.Action, "action", "", "Filter by action")
	cmd.Flags().StringVar(&filter.ActorID, "by", "", "Filter by actor id")
	cmd.Flags().Int64Var(&filter.AfterSeq, "after", 0, "Resume after this sequence number")
	cmd.Flags().IntVarP(&filter.Limit, "limit", "l", 0, "Maximum number of rows (default 50, max 200)")

	return cmd
}

func newAuditCmd(flags *globalFlags) *cobra.Command {
	var (
		filter audit.Filter
		since  time.Duration
		all    bool
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the audit trail",
		Long:  "Prints one page of audit entries, or every matching entry with --all.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				var entries []audit.Entry
				var next string
				if all {
					for e, err := range a.audit.Iterate(ctx, filter) {
						if err != nil {
							return fmt.Errorf("reading audit log: %w", err)
						}
						entries = append(entries, e)
					}
				} else {
					page, err := a.audit.Query(ctx, filter)
					if err != nil {
						return fmt.Errorf("querying audit log: %w", err)
					}
					entries, next = page.Entries, page.NextCursor
				}

				if a.json {
					return printJSON(a.out, audit.Page{Entries: entries, Total: len(entries), Limit: filter.Limit, NextCursor: next})
				}
				printAudit(a, entries)
				if next != "" {
					fmt.Fprintf(a.out, "\nMore entries available: --cursor %s\n", next)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&filter.ActorID, "by", "", "Filter by actor id")
	cmd.Flags().StringVar(&filter.Action, "action", "", "Filter by audit action (e.g. permission.update)")
	cmd.Flags().StringVar(&filter.TargetType, "target-type", "", "Filter by target type")
	cmd.Flags().StringVar(&filter.TargetID, "target", "", "Filter by target id")
	cmd.Flags().DurationVar(&since, "since", 0, "Only entries newer than this (e.g. 24h)")
	cmd.Flags().BoolVar(&filter.Descending, "desc", false, "Newest entries first")
	cmd.Flags().IntVarP(&filter.Limit, "limit", "l", 0, "Page size (default 50, max 200)")
	cmd.Flags().StringVar(&filter.Cursor, "cursor", "", "Resume from a previous page")
	cmd.Flags().BoolVar(&all, "all", false, "Print every matching entry")

	return cmd
}

func printAudit(a *app, entries []audit.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(a.out, "No audit entries found.")
		return
	}
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tACTION\tACTOR\tSOURCE\tTARGET\tDESCRIPTION")
	for _, e := range entries {
		target := e.TargetType
		if e.TargetID != "" {
			target += ":" + e.TargetID
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.CreatedAt.Format(time.RFC3339), e.Action, e.ActorID, e.Source, target, e.Description)
	}
	tw.Flush() //nolint:errcheck // terminal output
}
