package cmd

import (
	"github.com/spf13/cobra"

	"github.com/mwork/credit-ledger/internal/app"
)

var reconcileOrder string

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one reconciliation pass over due pending purchases",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app.App) error {
			if reconcileOrder != "" {
				tx, err := a.Reconciler.ReconcileOrder(cmd.Context(), reconcileOrder)
				if err != nil {
					return err
				}
				return printJSON(cmd, tx)
			}
			summary, err := a.Payments.Reconcile(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, summary)
		})
	},
}

func init() {
	reconcileCmd.Flags().StringVar(&reconcileOrder, "order", "", "reconcile a single external order id")
	rootCmd.AddCommand(reconcileCmd)
}
