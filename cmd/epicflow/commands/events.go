package commands

import (
	"context"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func newEventsCommand() *cobra.Command {
	var (
		unit  string
		limit int
		audit bool
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the transition log",
		Long: `Show attempted transitions, accepted and rejected, oldest first. Rejected
attempts carry the guard that failed and its reason.

--audit shows the audit trail of CLI mutations instead.`,
		Example: `  epicflow events --unit billing
  epicflow events --limit 50
  epicflow events --audit`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), appOptions{}, func(ctx context.Context, a *app) error {
				if audit {
					entries, err := a.store.ListAuditEntries(ctx, nil, nil, limit, 0)
					if err != nil {
						return err
					}
					if jsonOutput {
						return printJSON(entries)
					}
					tw := newTable()
					tw.AppendHeader(table.Row{"Time", "Actor", "Action", "Target", "Details"})
					for _, e := range entries {
						tw.AppendRow(table.Row{e.Timestamp.Format(time.RFC3339), e.Actor, e.Action, deref(e.TargetID), deref(e.Details)})
					}
					tw.Render()
					return nil
				}

				events, err := a.coord.Events(ctx, unit, limit)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(events)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Seq", "Time", "Unit", "From", "To", "Accepted", "Guard", "Reason", "Actor"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.Seq, e.At.Format(time.RFC3339), e.UnitID, e.From, e.To, e.Accepted, e.Guard, e.Reason, e.Actor})
				}
				tw.Render()
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&unit, "unit", "", "only this unit")
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "most recent N entries (0 for all)")
	cmd.Flags().BoolVar(&audit, "audit", false, "show the audit trail")

	return cmd
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
