package commands

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/epicflow/pkg/stores"
)

func newBackupCommand() *cobra.Command {
	var outFile string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Back up the epicflow database",
		Long: `Write a consistent copy of the live SQLite database with VACUUM INTO and
verify it. The backup holds units, contracts, slots, queues, gate history,
the transition log and the audit trail. It is safe to run while
"epicflow serve" is running.`,
		Example: `  # Backup next to the database with a timestamped name
  epicflow backup

  # Backup to a specific file
  epicflow backup --out /backups/epicflow.db`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if outFile == "" {
				outFile = filepath.Join(filepath.Dir(settings.DB), "backups",
					fmt.Sprintf("epicflow-%s.db", time.Now().UTC().Format("20060102T150405Z")))
			}
			log.Info().Str("db", settings.DB).Str("out", outFile).Msg("Creating backup")

			return withApp(cmd.Context(), appOptions{}, func(ctx context.Context, a *app) error {
				if err := a.store.Backup(ctx, outFile); err != nil {
					return err
				}
				if err := stores.VerifyBackup(ctx, outFile); err != nil {
					return err
				}
				a.audit(ctx, "db.backup", outFile, nil)
				if jsonOutput {
					return printJSON(map[string]string{"backup": outFile})
				}
				fmt.Printf("✓ Backup written and verified: %s\n", outFile)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "", "backup output file (must not exist)")

	return cmd
}
