package credit

import (
	"context"
	"sort"
	"time"
)

// Store is the durable backing of the ledger: account balances plus the
// append-only transaction log.
type Store interface {
	// Atomic runs fn as one unit of work while holding exclusive locks on the
	// accounts in userIDs, acquired in ascending order. Missing accounts are
	// created with a zero balance. Either every write made through tx is
	// committed or none is.
	Atomic(ctx context.Context, userIDs []string, fn func(tx Tx) error) error

	EnsureAccount(ctx context.Context, userID string) (*Account, error)
	GetAccount(ctx context.Context, userID string) (*Account, error)

	FindTransaction(ctx context.Context, id string) (*Transaction, error)
	FindByExternalOrderID(ctx context.Context, orderID string) (*Transaction, error)
	ListByUser(ctx context.Context, userID string, page Pagination) (Page, error)
	ListAll(ctx context.Context, filters Filters, page Pagination) (Page, error)

	// ListDuePending returns pending purchases whose next attempt is due at now.
	ListDuePending(ctx context.Context, now time.Time, limit int) ([]Transaction, error)
	// RecordAttempt stores reconciliation bookkeeping on a still pending purchase.
	RecordAttempt(ctx context.Context, id string, attempts int, next time.Time) error
	// ListDueForDistribution returns ids of accounts never granted or last
	// granted at or before cutoff, ordered by id and starting after the given id.
	ListDueForDistribution(ctx context.Context, cutoff time.Time, after string, limit int) ([]string, error)
}

// Tx is the write side of a unit of work opened by Store.Atomic.
type Tx interface {
	// Account returns the locked account. Only accounts named in Atomic may be read.
	Account(userID string) (*Account, error)
	SetBalance(userID string, balance int64) error
	SetLastDistributionAt(userID string, at time.Time) error

	// InsertTransaction appends t, assigning ID and CreatedAt when empty.
	InsertTransaction(t *Transaction) error
	UpdateTransaction(t *Transaction) error
	FindTransaction(id string) (*Transaction, error)
	FindByExternalOrderID(orderID string) (*Transaction, error)
	FindByIdempotencyKey(key string) (*Transaction, error)
}

// lockOrder returns the distinct ids in the global lock order.
func lockOrder(userIDs []string) []string {
	seen := make(map[string]struct{}, len(userIDs))
	out := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
