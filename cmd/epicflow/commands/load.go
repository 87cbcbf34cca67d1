package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/epicflow/pkg/engine"
)

func newLoadCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "load [path...]",
		Short: "Load a work plan into the database",
		Long: `Load (or reload) a work plan. New units start Planned; units that already
exist keep their state, worker and task progress while their description,
dependencies and contracts are updated. Layers are recomputed and queued
units are re-filed under their new layer. Declared workers get a slot.

The load is rejected as a whole if the plan has a cycle or an unknown
dependency.`,
		Example: `  epicflow load plan.yaml
  epicflow load ./plans --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			sources := planSources(args)
			if len(sources) == 0 {
				return engine.NewCodedError(engine.ErrCodeValidation, "no plan given; pass a path or set plan in epicflow.yaml", nil)
			}
			return withApp(cmd.Context(), appOptions{}, func(ctx context.Context, a *app) error {
				plan, wp, err := a.loader.LoadPlan(ctx, sources...)
				if err != nil {
					return err
				}
				report, err := a.coord.LoadPlan(ctx, plan)
				if err != nil {
					return err
				}
				a.audit(ctx, "plan.loaded", wp.Name, map[string]interface{}{
					"sources": wp.SourceFiles,
					"created": len(report.Created),
					"updated": len(report.Updated),
				})

				if jsonOutput {
					return printJSON(report)
				}
				fmt.Printf("✓ Loaded %s: %d created, %d updated, %d contracts registered\n",
					strings.Join(sources, ", "), len(report.Created), len(report.Updated), len(report.Contracts))
				printLayers(report.Layers, report.CriticalPath)
				printAssigned(report.Assigned)
				return nil
			})
		},
	}
	return cmd
}
