package cmd

import (
	"github.com/spf13/cobra"

	"github.com/mwork/credit-ledger/internal/app"
)

var distributeCmd = &cobra.Command{
	Use:   "distribute",
	Short: "Run one distribution tick",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app.App) error {
			summary, err := a.Distribution.Tick(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, summary)
		})
	},
}

func init() {
	rootCmd.AddCommand(distributeCmd)
}
