package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mwork/credit-ledger/internal/domain/credit"
	"github.com/mwork/credit-ledger/internal/pkg/jwt"
)

var (
	tokenUser string
	tokenRole string
)

// tokenCmd issues bearer tokens for local testing. Production tokens come
// from the identity service.
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a development access token",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.IsProduction() {
			return fmt.Errorf("token issuance is disabled in production")
		}
		if tokenRole != credit.RoleUser && tokenRole != credit.RoleAdmin {
			return fmt.Errorf("role must be %q or %q", credit.RoleUser, credit.RoleAdmin)
		}
		token, err := jwt.NewService(cfg.JWTSecret, cfg.JWTAccessTTL).GenerateAccessToken(tokenUser, tokenRole)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "user id to embed")
	tokenCmd.Flags().StringVar(&tokenRole, "role", credit.RoleUser, "user or admin")
	_ = tokenCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(tokenCmd)
}
