package commands

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func newQueueCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Show worker slots and admission queues",
		Long: `Show every worker slot with the unit it holds, and the ContractsLocked
units waiting for a slot. Queues are served lowest layer first, in
submission order within a layer.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), appOptions{}, func(ctx context.Context, a *app) error {
				slots, err := a.coord.Scheduler.Slots(ctx)
				if err != nil {
					return err
				}
				queues, err := a.coord.Scheduler.Queues(ctx)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(map[string]interface{}{"slots": slots, "queues": queues})
				}

				tw := newTable()
				tw.AppendHeader(table.Row{"Worker", "Unit", "Claimed"})
				for _, s := range slots {
					claimed := ""
					if !s.Free() {
						claimed = s.ClaimedAt.Format(time.RFC3339)
					}
					tw.AppendRow(table.Row{s.WorkerID, s.UnitID, claimed})
				}
				tw.Render()

				layers := make([]int, 0, len(queues))
				for l := range queues {
					layers = append(layers, l)
				}
				sort.Ints(layers)
				qw := newTable()
				qw.AppendHeader(table.Row{"Layer", "Waiting"})
				for _, l := range layers {
					qw.AppendRow(table.Row{l, strings.Join(queues[l], ", ")})
				}
				qw.Render()
				return nil
			})
		},
	}
	return cmd
}
