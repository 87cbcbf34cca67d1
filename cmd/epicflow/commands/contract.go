package commands

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/openfroyo/epicflow/pkg/engine"
)

func newContractCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contract",
		Short: "Manage interface contracts",
		Long: `Interface contracts move from draft to locked to verified, never back.
A unit may only start implementing once every contract it consumes is
locked or verified.`,
	}

	cmd.AddCommand(newContractAttachCommand())
	cmd.AddCommand(newContractLockCommand())
	cmd.AddCommand(newContractVerifyCommand())
	cmd.AddCommand(newContractListCommand())

	return cmd
}

func newContractAttachCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "attach <name@version> <schema-file>",
		Short:   "Attach or replace the schema of a draft contract",
		Example: `  epicflow contract attach billing-api@v1 api/openapi.yaml`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRef(args[0])
			if err != nil {
				return err
			}
			schema, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("failed to read schema: %w", err)
			}
			return withApp(cmd.Context(), appOptions{}, func(ctx context.Context, a *app) error {
				if err := a.coord.Contracts.AttachSchema(ctx, ref, schema); err != nil {
					return err
				}
				a.audit(ctx, "contract.schema_attached", ref.Key(), map[string]string{"file": args[1]})
				fmt.Printf("✓ Attached %s to %s\n", args[1], ref)
				return nil
			})
		},
	}
}

func newContractLockCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "lock <name@version>",
		Short: "Lock a contract",
		Long: `Freeze a draft contract's schema. Locking an already locked or verified
contract is a no-op. Units waiting on the contract are admitted when a
worker is free.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRef(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), appOptions{}, func(ctx context.Context, a *app) error {
				assigned, err := a.coord.LockContract(ctx, ref)
				if err != nil {
					return err
				}
				a.audit(ctx, "contract.locked", ref.Key(), nil)
				if jsonOutput {
					return printJSON(map[string]interface{}{"contract": ref, "assigned": assigned})
				}
				fmt.Printf("✓ Locked %s\n", ref)
				printAssigned(assigned)
				return nil
			})
		},
	}
}

func newContractVerifyCommand() *cobra.Command {
	var (
		evidenceFile string
		checksum     string
	)

	cmd := &cobra.Command{
		Use:   "verify <name@version>",
		Short: "Record verification evidence for a locked contract",
		Long: `Verify a locked contract with an evidence bundle, for example a contract
test report. With --checksum the bundle's sha256 must match.`,
		Example: `  epicflow contract verify billing-api@v1 --evidence-file reports/pact.json`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRef(args[0])
			if err != nil {
				return err
			}
			payload, err := os.ReadFile(evidenceFile)
			if err != nil {
				return fmt.Errorf("failed to read evidence: %w", err)
			}
			return withApp(cmd.Context(), appOptions{}, func(ctx context.Context, a *app) error {
				assigned, err := a.coord.VerifyContract(ctx, ref, engine.Evidence{Payload: payload, Checksum: checksum})
				if err != nil {
					return err
				}
				a.audit(ctx, "contract.verified", ref.Key(), map[string]string{"file": evidenceFile})
				if jsonOutput {
					return printJSON(map[string]interface{}{"contract": ref, "assigned": assigned})
				}
				fmt.Printf("✓ Verified %s\n", ref)
				printAssigned(assigned)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&evidenceFile, "evidence-file", "", "verification evidence")
	cmd.Flags().StringVar(&checksum, "checksum", "", "expected sha256 of the evidence")
	_ = cmd.MarkFlagRequired("evidence-file")

	return cmd
}

func newContractListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List contracts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), appOptions{}, func(ctx context.Context, a *app) error {
				contracts, err := a.coord.Contracts.List(ctx)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(contracts)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Contract", "State", "Producer", "Consumers", "Locked", "Verified"})
				for _, c := range contracts {
					tw.AppendRow(table.Row{
						c.Ref.String(), c.State, c.Producer, strings.Join(c.Consumers, ", "),
						formatTime(c.LockedAt), formatTime(c.VerifiedAt),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
