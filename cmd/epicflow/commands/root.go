package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/openfroyo/epicflow/pkg/config"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool

	v        *viper.Viper
	settings *config.Settings
	version  string
)

// Execute runs the root command
func Execute(ctx context.Context, ver, commit, buildDate string) error {
	version = ver
	rootCmd := newRootCommand(ver, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(ver, commit, buildDate string) *cobra.Command {
	v = config.NewViper()

	rootCmd := &cobra.Command{
		Use:   "epicflow",
		Short: "epicflow - epic and sprint execution scheduler",
		Long: `epicflow schedules epics and sprints across a fixed pool of workers.

It computes execution layers from the dependency graph, gates every unit on
locked interface contracts, holds one unit per worker and walks each unit
through Planned, ContractsLocked, Implementing, Review, Integrated and
Released. Integration is guarded by CI, security and contract verification
gates that run through OPA policies, Starlark scripts, SSH commands, WASM
plugins or local commands.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", ver, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
			s, err := config.LoadSettings(v, configPath)
			if err != nil {
				return err
			}
			settings = s
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default ./epicflow.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().String("db", "", "SQLite database path")
	rootCmd.PersistentFlags().String("actor", "", "actor recorded on transitions and audit entries")
	rootCmd.PersistentFlags().StringSlice("plan", nil, "work plan files or directories")
	_ = v.BindPFlag("db", rootCmd.PersistentFlags().Lookup("db"))
	_ = v.BindPFlag("actor", rootCmd.PersistentFlags().Lookup("actor"))
	_ = v.BindPFlag("plan", rootCmd.PersistentFlags().Lookup("plan"))

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newLoadCommand())
	rootCmd.AddCommand(newLayersCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newQueueCommand())
	rootCmd.AddCommand(newSubmitCommand())
	rootCmd.AddCommand(newAssignCommand())
	rootCmd.AddCommand(newParkCommand())
	rootCmd.AddCommand(newResumeCommand())
	rootCmd.AddCommand(newTaskCommand())
	rootCmd.AddCommand(newTransitionCommand())
	rootCmd.AddCommand(newContractCommand())
	rootCmd.AddCommand(newGatesCommand())
	rootCmd.AddCommand(newEventsCommand())
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newBackupCommand())
	rootCmd.AddCommand(newRestoreCommand())

	return rootCmd
}
