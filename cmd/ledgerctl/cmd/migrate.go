package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mwork/credit-ledger/internal/pkg/database"
)

var migrateSteps int

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down]",
	Short:     "Apply or roll back schema migrations",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down"},
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := database.NewPostgres(cmd.Context(), cfg.DatabaseURL, database.PoolConfig{MaxOpenConns: 2})
		if err != nil {
			return err
		}
		defer database.ClosePostgres(db)

		switch args[0] {
		case "up":
			return database.MigrateUp(db)
		case "down":
			return database.MigrateDown(db, migrateSteps)
		}
		return fmt.Errorf("unknown direction %q", args[0])
	},
}

func init() {
	migrateCmd.Flags().IntVar(&migrateSteps, "steps", 1, "number of migrations to roll back")
	rootCmd.AddCommand(migrateCmd)
}
