package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/epicflow/pkg/engine"
	"github.com/openfroyo/epicflow/pkg/stores"
)

func newRestoreCommand() *cobra.Command {
	var (
		backupFile string
		force      bool
	)

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore the epicflow database from a backup",
		Long: `Replace the database with a backup written by "epicflow backup".

WARNING: this discards the current database. Stop "epicflow serve" first.

The restore process:
  - verifies the backup's integrity and schema
  - replaces the database file and removes stale WAL files
  - runs pending migrations on the restored database
  - reconciles slots and queues`,
		Example: `  epicflow restore --from .epicflow/backups/epicflow-20260101T000000Z.db --force`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log.Info().Str("from", backupFile).Str("db", settings.DB).Msg("Restoring from backup")

			if _, err := os.Stat(settings.DB); err == nil && !force {
				return engine.NewCodedError(engine.ErrCodeValidation,
					fmt.Sprintf("%s exists; pass --force to replace it", settings.DB), nil)
			}
			if err := stores.Restore(ctx, backupFile, settings.DB); err != nil {
				return err
			}

			return withApp(ctx, appOptions{}, func(ctx context.Context, a *app) error {
				rec, err := a.coord.Reconcile(ctx)
				if err != nil {
					return err
				}
				a.audit(ctx, "db.restored", backupFile, rec)
				if jsonOutput {
					return printJSON(rec)
				}
				fmt.Printf("✓ Restored %s from %s\n", settings.DB, backupFile)
				printAssigned(rec.Assigned)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&backupFile, "from", "", "backup file to restore from")
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing database")
	_ = cmd.MarkFlagRequired("from")

	return cmd
}
