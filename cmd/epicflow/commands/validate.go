package commands

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/epicflow/pkg/config"
	"github.com/openfroyo/epicflow/pkg/engine"
)

type validateResult struct {
	Valid        bool                     `json:"valid"`
	Units        int                      `json:"units"`
	Contracts    int                      `json:"contracts"`
	Layers       []engine.ExecutionLayer  `json:"layers,omitempty"`
	CriticalPath []string                 `json:"critical_path,omitempty"`
	Errors       []config.ValidationError `json:"errors,omitempty"`
}

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [path...]",
		Short: "Validate a work plan",
		Long: `Validate work plan files (YAML, JSON or CUE) without touching the database.

This command checks:
  - YAML/CUE syntax and the #WorkPlan schema
  - Field constraints and contract references (name@version)
  - Executor config of every gate
  - Unknown dependencies and dependency cycles`,
		Example: `  # Validate the configured plan
  epicflow validate

  # Validate a directory of plan files
  epicflow validate ./plans`,
		RunE: func(cmd *cobra.Command, args []string) error {
			sources := planSources(args)
			if len(sources) == 0 {
				return engine.NewCodedError(engine.ErrCodeValidation, "no plan given; pass a path or set plan in epicflow.yaml", nil)
			}
			log.Debug().Strs("sources", sources).Msg("Validating work plan")

			res := validateResult{}
			plan, _, err := config.NewLoader().LoadPlan(cmd.Context(), sources...)
			if err == nil {
				var graph *engine.ExecutionGraph
				graph, err = engine.NewDAGBuilder().Build(plan.Units)
				if err == nil {
					res.Valid = true
					res.Units = len(plan.Units)
					res.Contracts = len(plan.Contracts)
					res.Layers = graph.Layers
					res.CriticalPath = graph.CriticalPath
				}
			}
			if err != nil {
				var pe *config.PlanError
				if errors.As(err, &pe) {
					res.Errors = pe.Errors
				} else {
					res.Errors = []config.ValidationError{{Message: err.Error()}}
				}
			}

			if jsonOutput {
				if perr := printJSON(res); perr != nil {
					return perr
				}
			} else if res.Valid {
				fmt.Printf("✓ Plan is valid: %d units, %d contracts, %d layers\n", res.Units, res.Contracts, len(res.Layers))
			} else {
				for _, e := range res.Errors {
					fmt.Printf("✗ %s\n", e.String())
				}
			}
			return err
		},
	}
	return cmd
}

// planSources returns the command arguments, or the configured plan.
func planSources(args []string) []string {
	if len(args) > 0 {
		return args
	}
	return settings.Plan
}
