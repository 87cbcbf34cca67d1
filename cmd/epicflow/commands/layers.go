package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/openfroyo/epicflow/pkg/config"
	"github.com/openfroyo/epicflow/pkg/engine"
)

func newLayersCommand() *cobra.Command {
	var (
		dot      bool
		fromPlan bool
	)

	cmd := &cobra.Command{
		Use:   "layers",
		Short: "Show execution layers and the critical path",
		Long: `Show the execution layers of the loaded units. Units in one layer have no
dependencies on each other and may run concurrently. The critical path is
the dependency chain with the largest summed effort.

--dot prints the graph in Graphviz format with the critical path in red.
--from-plan reads the configured plan files instead of the database.`,
		Example: `  epicflow layers
  epicflow layers --dot | dot -Tsvg > plan.svg
  epicflow layers --from-plan --plan plan.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if fromPlan {
				plan, _, err := config.NewLoader().LoadPlan(ctx, settings.Plan...)
				if err != nil {
					return err
				}
				builder := engine.NewDAGBuilder()
				graph, err := builder.Build(plan.Units)
				if err != nil {
					return err
				}
				return showGraph(graph, builder, dot)
			}

			return withApp(ctx, appOptions{}, func(ctx context.Context, a *app) error {
				graph, builder, err := a.coord.Graph(ctx)
				if err != nil {
					return err
				}
				return showGraph(graph, builder, dot)
			})
		},
	}

	cmd.Flags().BoolVar(&dot, "dot", false, "print Graphviz DOT")
	cmd.Flags().BoolVar(&fromPlan, "from-plan", false, "compute layers from the plan files")

	return cmd
}

func showGraph(graph *engine.ExecutionGraph, builder *engine.DAGBuilder, dot bool) error {
	switch {
	case dot:
		fmt.Print(builder.ToDOT())
		return nil
	case jsonOutput:
		return printJSON(map[string]interface{}{
			"layers":          graph.Layers,
			"critical_path":   graph.CriticalPath,
			"critical_effort": graph.CriticalEffort,
		})
	}
	printLayers(graph.Layers, graph.CriticalPath)
	fmt.Printf("Critical effort: %g\n", graph.CriticalEffort)
	return nil
}

func printLayers(layers []engine.ExecutionLayer, critical []string) {
	onPath := make(map[string]bool, len(critical))
	for _, id := range critical {
		onPath[id] = true
	}

	tw := newTable()
	tw.AppendHeader(table.Row{"Layer", "Units", "Concurrent"})
	for _, l := range layers {
		ids := make([]string, len(l.Units))
		for i, id := range l.Units {
			if onPath[id] {
				id += "*"
			}
			ids[i] = id
		}
		tw.AppendRow(table.Row{l.Index, strings.Join(ids, ", "), l.Concurrent})
	}
	tw.Render()
	if len(critical) > 0 {
		fmt.Printf("Critical path (*): %s\n", strings.Join(critical, " -> "))
	}
}
