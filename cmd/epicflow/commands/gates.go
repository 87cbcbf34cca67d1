package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/openfroyo/epicflow/pkg/engine"
)

func newGatesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gates",
		Short: "Run and inspect verification gates",
	}

	cmd.AddCommand(newGatesRunCommand())
	cmd.AddCommand(newGatesHistoryCommand())

	return cmd
}

func newGatesRunCommand() *cobra.Command {
	var only []string

	cmd := &cobra.Command{
		Use:   "run <unit>",
		Short: "Run the plan's gates for a unit",
		Long: `Run the default gate set from the configured plan for a unit without
changing its state. Gates without dependencies between them run
concurrently; a gate whose dependency did not pass is recorded as skipped.
Every result is appended to the unit's gate history.

Runs that fail on gate infrastructure (unreachable hosts, timeouts) are
retried with exponential backoff up to gate_retries times.`,
		Example: `  epicflow gates run billing
  epicflow gates run billing --gate ci --gate security`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), appOptions{gates: true}, func(ctx context.Context, a *app) error {
				if err := a.loadPlanGates(ctx); err != nil {
					return err
				}
				if _, err := a.store.GetUnit(ctx, args[0]); err != nil {
					return err
				}
				specs, err := selectGates(a.coord.Machine.DefaultGates(), only)
				if err != nil {
					return err
				}

				out, err := engine.RunGatesWithRetry(ctx, a.coord.Gates, args[0], specs, engine.RetryOptions{
					MaxTries: uint(settings.GateRetries),
				})
				if err != nil {
					return err
				}
				a.audit(ctx, "gates.run", args[0], map[string]interface{}{"all_pass": out.AllPass})

				if jsonOutput {
					return printJSON(out)
				}
				printGateResults(out.Results)
				if out.AllPass {
					fmt.Println("✓ All gates passed")
				} else {
					fmt.Println("✗ Some gates did not pass")
				}
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVar(&only, "gate", nil, "run only these gates")

	return cmd
}

// selectGates filters specs by name. Dependencies outside the selection are
// dropped so the subset runs on its own.
func selectGates(specs []engine.GateSpec, names []string) ([]engine.GateSpec, error) {
	if len(specs) == 0 {
		return nil, engine.NewCodedError(engine.ErrCodeValidation, "the plan declares no gates", nil)
	}
	if len(names) == 0 {
		return specs, nil
	}

	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	var out []engine.GateSpec
	for _, s := range specs {
		if !want[s.Name] {
			continue
		}
		delete(want, s.Name)
		var deps []string
		for _, d := range s.DependsOn {
			for _, n := range names {
				if d == n {
					deps = append(deps, d)
				}
			}
		}
		s.DependsOn = deps
		out = append(out, s)
	}
	for _, n := range names {
		if !want[n] {
			continue
		}
		return nil, engine.NewCodedError(engine.ErrCodeNotFound, fmt.Sprintf("the plan has no gate %s", n), nil)
	}
	return out, nil
}

func newGatesHistoryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "history <unit>",
		Short: "Show a unit's gate results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), appOptions{}, func(ctx context.Context, a *app) error {
				if _, err := a.store.GetUnit(ctx, args[0]); err != nil {
					return err
				}
				results, err := a.coord.Gates.History(ctx, args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(results)
				}
				plain := make([]engine.GateResult, len(results))
				for i, r := range results {
					plain[i] = *r
				}
				printGateResults(plain)
				return nil
			})
		},
	}
}

func printGateResults(results []engine.GateResult) {
	tw := newTable()
	tw.AppendHeader(table.Row{"Gate", "Kind", "Outcome", "Recorded"})
	for _, r := range results {
		tw.AppendRow(table.Row{r.Gate, r.Kind, r.Outcome, r.RecordedAt.Format(time.RFC3339)})
	}
	tw.Render()
}
