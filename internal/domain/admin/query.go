package admin

import (
	"context"
	"strings"

	"github.com/mwork/credit-ledger/internal/domain/credit"
)

// Query is the read-only view over the transaction log used by operators
// and by per-user history endpoints.
type Query struct {
	store credit.Store
}

func NewQuery(store credit.Store) *Query {
	return &Query{store: store}
}

// AllTransactions lists every transaction, newest first, narrowed by filters.
func (q *Query) AllTransactions(ctx context.Context, actor credit.Actor, filters credit.Filters, page credit.Pagination) (credit.Page, error) {
	if !HasPermission(actor.Role, PermViewTransactions) {
		return credit.Page{}, credit.ErrForbidden
	}
	if filters.DateFrom != nil && filters.DateTo != nil && filters.DateTo.Before(*filters.DateFrom) {
		return credit.Page{}, &credit.ValidationError{Field: "to", Reason: "must not be before from"}
	}
	return q.store.ListAll(ctx, filters, page.Normalize())
}

// UserTransactions lists one user's transactions, newest first.
func (q *Query) UserTransactions(ctx context.Context, userID string, page credit.Pagination) (credit.Page, error) {
	if strings.TrimSpace(userID) == "" {
		return credit.Page{}, &credit.ValidationError{Field: "user_id", Reason: "is required"}
	}
	return q.store.ListByUser(ctx, userID, page.Normalize())
}
