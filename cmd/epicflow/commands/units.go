package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openfroyo/epicflow/pkg/engine"
)

func newSubmitCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit <unit>",
		Short: "Queue a ContractsLocked unit for a worker",
		Long: `Append a ContractsLocked unit to its layer's admission queue and run an
admission pass. The unit is assigned at once if a worker is free and its
consumed contracts are satisfied. Submitting a queued unit keeps its place.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), appOptions{}, func(ctx context.Context, a *app) error {
				adm, err := a.coord.Scheduler.Submit(ctx, args[0])
				if err != nil {
					return err
				}
				a.audit(ctx, "unit.submitted", args[0], adm)
				if jsonOutput {
					return printJSON(adm)
				}
				if adm.Queued {
					fmt.Printf("✓ %s is queued\n", args[0])
				}
				printAssigned(adm.Assigned)
				return nil
			})
		},
	}
	return cmd
}

func newAssignCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assign <unit> <worker>",
		Short: "Assign a unit to a worker",
		Long: `Move a ContractsLocked unit to Implementing on the given worker. The worker
must be free and every contract the unit consumes must be locked or
verified. A rejection is recorded in the transition log with its reason.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), appOptions{}, func(ctx context.Context, a *app) error {
				if err := a.coord.Scheduler.AssignAs(ctx, args[0], args[1], settings.Actor); err != nil {
					return err
				}
				a.audit(ctx, "unit.assigned", args[0], map[string]string{"worker": args[1]})
				return printResult(ctx, a, args[0], fmt.Sprintf("✓ %s assigned to %s", args[0], args[1]))
			})
		},
	}
	return cmd
}

func newParkCommand() *cobra.Command {
	var (
		reason string
		detail string
	)

	cmd := &cobra.Command{
		Use:   "park <unit>",
		Short: "Park an Implementing unit and free its worker",
		Long: `Park an Implementing unit. The worker slot is released and handed to the
next eligible queued unit in the same pass.`,
		Example: `  epicflow park checkout --reason external_blocker --detail "waiting on vendor sandbox"`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r := engine.ParkReason(reason)
			if err := r.Validate(); err != nil {
				return engine.NewCodedError(engine.ErrCodeValidation, err.Error(), nil)
			}
			return withApp(cmd.Context(), appOptions{}, func(ctx context.Context, a *app) error {
				rec, err := a.coord.Scheduler.ParkAs(ctx, args[0], r, detail, settings.Actor)
				if err != nil {
					return err
				}
				a.audit(ctx, "unit.parked", args[0], rec)
				return printResult(ctx, a, args[0], fmt.Sprintf("✓ %s parked (%s)", args[0], rec.Reason))
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", string(engine.ParkManual), "manual, idle_timeout or external_blocker")
	cmd.Flags().StringVar(&detail, "detail", "", "free-form detail")

	return cmd
}

func newResumeCommand() *cobra.Command {
	var (
		note         string
		evidenceFile string
	)

	cmd := &cobra.Command{
		Use:   "resume <unit>",
		Short: "Resume a parked unit",
		Long: `Return a parked unit to ContractsLocked and queue it at the back of its
layer. Evidence that the blocker is cleared is required, as a note or a
file; without it the request fails with STILL_BLOCKED.`,
		Example: `  epicflow resume checkout --note "vendor sandbox is back"`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			evidence := engine.ResumeEvidence{Note: note}
			if evidenceFile != "" {
				b, err := os.ReadFile(evidenceFile)
				if err != nil {
					return fmt.Errorf("failed to read evidence: %w", err)
				}
				evidence.Payload = b
			}
			return withApp(cmd.Context(), appOptions{}, func(ctx context.Context, a *app) error {
				if err := a.coord.Scheduler.ResumeAs(ctx, args[0], evidence, settings.Actor); err != nil {
					return err
				}
				a.audit(ctx, "unit.resumed", args[0], map[string]string{"note": note})
				return printResult(ctx, a, args[0], fmt.Sprintf("✓ %s resumed", args[0]))
			})
		},
	}

	cmd.Flags().StringVar(&note, "note", "", "why the blocker is cleared")
	cmd.Flags().StringVar(&evidenceFile, "evidence-file", "", "file attached as evidence")

	return cmd
}

func newTaskCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Record task progress",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "done <unit> <task>",
		Short: "Mark a task done",
		Long: `Mark a declared task of an Implementing unit done. This resets the unit's
idle clock. A unit moves to Review only once all its tasks are done.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), appOptions{}, func(ctx context.Context, a *app) error {
				if err := a.coord.Scheduler.RecordProgress(ctx, args[0], args[1]); err != nil {
					return err
				}
				a.audit(ctx, "task.done", args[0], map[string]string{"task": args[1]})
				return printResult(ctx, a, args[0], fmt.Sprintf("✓ %s: task %s done", args[0], args[1]))
			})
		},
	})

	return cmd
}

func newTransitionCommand() *cobra.Command {
	var (
		worker       string
		reason       string
		evidenceFile string
	)

	cmd := &cobra.Command{
		Use:   "transition <unit> <state>",
		Short: "Request a lifecycle transition",
		Long: `Request a transition to one of planned, contracts_locked, implementing,
review, integrated, released or parked. The transition's guard is checked
and both accepted and rejected attempts are written to the transition log.

  contracts_locked  every produced contract is locked
  implementing      --worker is free and consumed contracts are satisfied
  review            every task is done
  integrated        ci, security and contract verification gates pass
  released          --evidence-file holds the deployment confirmation`,
		Example: `  epicflow transition billing contracts_locked
  epicflow transition billing implementing --worker alice
  epicflow transition billing integrated
  epicflow transition billing released --evidence-file deploy.json`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			to, err := engine.ParseLifecycleState(args[1])
			if err != nil {
				return engine.NewCodedError(engine.ErrCodeValidation, err.Error(), nil)
			}
			req := engine.TransitionRequest{
				UnitID: args[0],
				To:     to,
				Worker: worker,
				Actor:  settings.Actor,
				Reason: reason,
			}
			if evidenceFile != "" {
				req.Evidence, err = os.ReadFile(evidenceFile)
				if err != nil {
					return fmt.Errorf("failed to read evidence: %w", err)
				}
			}

			opts := appOptions{gates: to == engine.StateIntegrated}
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app) error {
				if opts.gates {
					if err := a.loadPlanGates(ctx); err != nil {
						return err
					}
				}
				unit, err := a.coord.Machine.Transition(ctx, req)
				if err != nil {
					return err
				}
				a.audit(ctx, "unit.transitioned", unit.ID, map[string]string{"to": string(unit.State)})
				if jsonOutput {
					return printJSON(unit)
				}
				fmt.Printf("✓ %s is %s\n", unit.ID, unit.State)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&worker, "worker", "", "worker for implementing")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the transition")
	cmd.Flags().StringVar(&evidenceFile, "evidence-file", "", "release confirmation or resume evidence")

	return cmd
}

// printResult prints msg, or the unit as JSON with --json.
func printResult(ctx context.Context, a *app, unitID, msg string) error {
	if !jsonOutput {
		fmt.Println(msg)
		return nil
	}
	unit, err := a.store.GetUnit(ctx, unitID)
	if err != nil {
		return err
	}
	return printJSON(unit)
}
