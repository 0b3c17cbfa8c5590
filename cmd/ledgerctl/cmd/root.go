package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mwork/credit-ledger/internal/app"
	"github.com/mwork/credit-ledger/internal/config"
	"github.com/mwork/credit-ledger/internal/pkg/logger"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "ledgerctl",
	Short: "Operator tool for the credit ledger",
	Long: `ledgerctl runs one-off operations against the credit ledger:
schema migrations, a single reconciliation pass, a single distribution
tick, and development tokens.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cfg = config.Load()
		logger.Init(logger.Config{Level: cfg.LogLevel, Environment: cfg.Env})
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withApp builds the application without starting its workers.
func withApp(cmd *cobra.Command, fn func(a *app.App) error) error {
	a, err := app.New(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
