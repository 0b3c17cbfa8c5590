package admin

import (
	"net/http"

	"github.com/mwork/credit-ledger/internal/domain/credit"
	"github.com/mwork/credit-ledger/internal/middleware"
	"github.com/mwork/credit-ledger/internal/pkg/response"
)

// Permission represents an admin permission
type Permission string

const (
	// Ledger
	PermAdjustCredits       Permission = "credits.adjust"
	PermReverseTransactions Permission = "transactions.reverse"
	PermViewTransactions    Permission = "transactions.view"

	// Background workers
	PermManageDistribution Permission = "distribution.manage"
	PermReconcilePayments  Permission = "payments.reconcile"
)

// RolePermissions maps roles to their permissions
var RolePermissions = map[string][]Permission{
	credit.RoleAdmin: {
		PermAdjustCredits, PermReverseTransactions, PermViewTransactions,
		PermManageDistribution, PermReconcilePayments,
	},
	credit.RoleSystem: {
		PermViewTransactions, PermManageDistribution, PermReconcilePayments,
	},
}

// HasPermission reports whether role grants perm.
func HasPermission(role string, perm Permission) bool {
	for _, p := range RolePermissions[role] {
		if p == perm {
			return true
		}
	}
	return false
}

// RequirePermission middleware checks for specific permission
func RequirePermission(perm Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if middleware.GetUserID(r.Context()) == "" {
				response.Unauthorized(w, "unauthorized")
				return
			}
			if !HasPermission(middleware.GetRole(r.Context()), perm) {
				response.Forbidden(w, "Permission denied")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
