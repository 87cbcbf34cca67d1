package commands

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/openfroyo/epicflow/pkg/engine"
)

func newStatusCommand() *cobra.Command {
	var state string

	cmd := &cobra.Command{
		Use:   "status [unit]",
		Short: "Show unit status",
		Long: `Without arguments, list every unit with its state, layer, worker and task
progress. With a unit ID, show the unit in detail along with what blocks it:
unsatisfied contracts, open tasks, the park record and the latest gate
results.`,
		Example: `  epicflow status
  epicflow status --state implementing
  epicflow status billing`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), appOptions{}, func(ctx context.Context, a *app) error {
				if len(args) == 1 {
					return showUnit(ctx, a, args[0])
				}

				units, err := a.store.ListUnits(ctx)
				if err != nil {
					return err
				}
				if state != "" {
					want, err := engine.ParseLifecycleState(state)
					if err != nil {
						return engine.NewCodedError(engine.ErrCodeValidation, err.Error(), nil)
					}
					filtered := units[:0]
					for _, u := range units {
						if u.State == want {
							filtered = append(filtered, u)
						}
					}
					units = filtered
				}
				sort.Slice(units, func(i, j int) bool {
					if units[i].Layer != units[j].Layer {
						return units[i].Layer < units[j].Layer
					}
					return units[i].ID < units[j].ID
				})

				if jsonOutput {
					return printJSON(units)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Layer", "State", "Worker", "Tasks", "Effort"})
				for _, u := range units {
					done := len(u.Tasks) - len(u.PendingTasks())
					tw.AppendRow(table.Row{u.ID, u.Name, u.Layer, u.State, u.Worker, fmt.Sprintf("%d/%d", done, len(u.Tasks)), u.Effort})
				}
				tw.Render()
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&state, "state", "", "only units in this state")

	return cmd
}

type unitDetail struct {
	Unit        *engine.Unit                          `json:"unit"`
	Unsatisfied []string                              `json:"unsatisfied_contracts,omitempty"`
	Gates       map[engine.GateKind]engine.GateResult `json:"gates,omitempty"`
}

func showUnit(ctx context.Context, a *app, id string) error {
	unit, err := a.store.GetUnit(ctx, id)
	if err != nil {
		return err
	}
	reasons, err := a.coord.Contracts.Unsatisfied(ctx, id)
	if err != nil {
		return err
	}
	latest, err := a.coord.Gates.LatestByKind(ctx, id)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(unitDetail{Unit: unit, Unsatisfied: reasons, Gates: latest})
	}

	fmt.Printf("%s  %s\n", unit.ID, unit.Name)
	fmt.Printf("  State:    %s", unit.State)
	if at, ok := unit.StateEnteredAt[unit.State]; ok {
		fmt.Printf(" (since %s)", at.Format(time.RFC3339))
	}
	fmt.Println()
	fmt.Printf("  Layer:    %d\n", unit.Layer)
	if unit.Worker != "" {
		fmt.Printf("  Worker:   %s\n", unit.Worker)
	}
	if len(unit.Dependencies) > 0 {
		fmt.Printf("  Depends:  %s\n", strings.Join(unit.Dependencies, ", "))
	}
	if unit.Park != nil {
		fmt.Printf("  Parked:   %s %s\n", unit.Park.Reason, unit.Park.Detail)
	}
	for _, r := range reasons {
		fmt.Printf("  Blocked:  %s\n", r)
	}

	if len(unit.Tasks) > 0 {
		tw := newTable()
		tw.AppendHeader(table.Row{"Task", "Title", "Done"})
		for _, t := range unit.Tasks {
			tw.AppendRow(table.Row{t.ID, t.Title, t.Done})
		}
		tw.Render()
	}
	if len(latest) > 0 {
		kinds := make([]string, 0, len(latest))
		for k := range latest {
			kinds = append(kinds, string(k))
		}
		sort.Strings(kinds)
		tw := newTable()
		tw.AppendHeader(table.Row{"Kind", "Gate", "Outcome", "Recorded"})
		for _, k := range kinds {
			r := latest[engine.GateKind(k)]
			tw.AppendRow(table.Row{k, r.Gate, r.Outcome, r.RecordedAt.Format(time.RFC3339)})
		}
		tw.Render()
	}
	return nil
}
