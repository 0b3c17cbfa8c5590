package credit_test

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwork/credit-ledger/internal/domain/credit"
)

var admin = credit.Actor{UserID: "admin-1", Role: credit.RoleAdmin}

func user(id string) credit.Actor {
	return credit.Actor{UserID: id, Role: credit.RoleUser}
}

func newService(t *testing.T) (*credit.Service, *credit.MemoryStore) {
	t.Helper()
	store := credit.NewMemoryStore()
	return credit.NewService(store), store
}

// completedSum is the balance oracle: the sum of completed amounts for a user.
func completedSum(t *testing.T, store credit.Store, userID string) int64 {
	t.Helper()
	page, err := store.ListByUser(context.Background(), userID, credit.Pagination{Limit: credit.MaxLimit})
	require.NoError(t, err)
	require.LessOrEqual(t, page.Total, credit.MaxLimit, "oracle needs every row on one page")

	var sum int64
	for _, tx := range page.Items {
		if tx.Status == credit.StatusCompleted {
			sum += tx.Amount
		}
	}
	return sum
}

func balanceOf(t *testing.T, svc *credit.Service, userID string) int64 {
	t.Helper()
	acc, err := svc.Balance(context.Background(), userID)
	require.NoError(t, err)
	return acc.Balance
}

func TestCreditAndDebit(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)

	tx, err := svc.Credit(ctx, admin, "u1", 10, credit.KindAdminAdjustment, "")
	require.NoError(t, err)
	assert.Equal(t, credit.StatusCompleted, tx.Status)
	assert.NotNil(t, tx.CompletedAt)

	_, err = svc.Debit(ctx, user("u1"), "u1", 4, credit.KindAdminAdjustment)
	require.ErrorIs(t, err, credit.ErrForbidden, "users cannot write admin adjustments")

	_, err = svc.Debit(ctx, admin, "u1", 4, credit.KindAdminAdjustment)
	require.NoError(t, err)

	assert.Equal(t, int64(6), balanceOf(t, svc, "u1"))
	assert.Equal(t, int64(6), completedSum(t, store, "u1"))
}

func TestRejectsNonPositiveAmounts(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	for _, amount := range []int64{0, -1, -100} {
		_, err := svc.Credit(ctx, admin, "u1", amount, credit.KindDistribution, "")
		require.ErrorIs(t, err, credit.ErrInvalidAmount)

		var verr *credit.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "amount", verr.Field)

		_, err = svc.Debit(ctx, admin, "u1", amount, credit.KindAdminAdjustment)
		require.ErrorIs(t, err, credit.ErrInvalidAmount)

		_, _, err = svc.Transfer(ctx, user("u1"), "u1", "u2", amount)
		require.ErrorIs(t, err, credit.ErrInvalidAmount)
	}
}

func TestDebitInsufficientBalanceLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)

	_, err := svc.Credit(ctx, admin, "u1", 3, credit.KindAdminAdjustment, "")
	require.NoError(t, err)
	before, err := store.ListByUser(ctx, "u1", credit.Pagination{})
	require.NoError(t, err)

	_, err = svc.Debit(ctx, admin, "u1", 5, credit.KindAdminAdjustment)
	var insufficient *credit.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(3), insufficient.Balance)
	assert.Equal(t, int64(5), insufficient.Requested)
	assert.True(t, credit.IsClientError(err))

	after, err := store.ListByUser(ctx, "u1", credit.Pagination{})
	require.NoError(t, err)
	assert.Equal(t, before.Total, after.Total)
	assert.Equal(t, int64(3), balanceOf(t, svc, "u1"))
}

func TestCreditIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)

	first, err := svc.Credit(ctx, admin, "u1", 5, credit.KindDistribution, "grant-42")
	require.NoError(t, err)
	second, err := svc.Credit(ctx, admin, "u1", 5, credit.KindDistribution, "grant-42")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(5), balanceOf(t, svc, "u1"))
	assert.Equal(t, int64(5), completedSum(t, store, "u1"))

	_, err = svc.Credit(ctx, admin, "u1", 7, credit.KindDistribution, "grant-42")
	require.ErrorIs(t, err, credit.ErrDuplicateIdempotency)
}

func TestTransfer(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)

	_, err := svc.Credit(ctx, admin, "alice", 10, credit.KindAdminAdjustment, "")
	require.NoError(t, err)

	out, in, err := svc.Transfer(ctx, user("alice"), "alice", "bob", 4)
	require.NoError(t, err)
	assert.Equal(t, credit.KindTransferOut, out.Kind)
	assert.Equal(t, int64(-4), out.Amount)
	assert.Equal(t, credit.KindTransferIn, in.Kind)
	assert.Equal(t, int64(4), in.Amount)
	assert.Equal(t, *out.TransferID, *in.TransferID)

	assert.Equal(t, int64(6), balanceOf(t, svc, "alice"))
	assert.Equal(t, int64(4), balanceOf(t, svc, "bob"))
	assert.Equal(t, int64(6), completedSum(t, store, "alice"))
	assert.Equal(t, int64(4), completedSum(t, store, "bob"))

	t.Run("self transfer", func(t *testing.T) {
		_, _, err := svc.Transfer(ctx, user("alice"), "alice", "alice", 1)
		require.ErrorIs(t, err, credit.ErrValidation)
	})

	t.Run("on behalf of someone else", func(t *testing.T) {
		_, _, err := svc.Transfer(ctx, user("mallory"), "alice", "mallory", 1)
		require.ErrorIs(t, err, credit.ErrForbidden)
	})

	t.Run("insufficient", func(t *testing.T) {
		_, _, err := svc.Transfer(ctx, user("bob"), "bob", "alice", 5)
		require.ErrorIs(t, err, credit.ErrInsufficientBalance)
		assert.Equal(t, int64(4), balanceOf(t, svc, "bob"))
		assert.Equal(t, int64(6), balanceOf(t, svc, "alice"))
	})
}

func TestAdjust(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)

	_, _, err := svc.Adjust(ctx, user("u1"), "u1", 5, false, "self grant")
	require.ErrorIs(t, err, credit.ErrForbidden)

	acc, tx, err := svc.Adjust(ctx, admin, "u1", 5, false, "welcome bonus")
	require.NoError(t, err)
	assert.Equal(t, int64(5), acc.Balance)
	assert.Equal(t, "welcome bonus", tx.Description)

	_, _, err = svc.Adjust(ctx, admin, "u1", -8, false, "chargeback")
	require.ErrorIs(t, err, credit.ErrInsufficientBalance)

	acc, _, err = svc.Adjust(ctx, admin, "u1", -8, true, "chargeback")
	require.NoError(t, err)
	assert.Equal(t, int64(-3), acc.Balance)
	assert.Equal(t, int64(-3), completedSum(t, store, "u1"))

	_, _, err = svc.Adjust(ctx, admin, "u1", 0, false, "noop")
	require.ErrorIs(t, err, credit.ErrValidation)
}

func TestBalanceArithmeticStaysInRange(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)

	_, err := svc.Credit(ctx, admin, "u1", 10, credit.KindAdminAdjustment, "")
	require.NoError(t, err)

	_, err = svc.Credit(ctx, admin, "u1", math.MaxInt64, credit.KindAdminAdjustment, "")
	var verr *credit.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "amount", verr.Field)
	assert.Equal(t, int64(10), balanceOf(t, svc, "u1"))

	_, _, err = svc.Adjust(ctx, admin, "u2", math.MinInt64, true, "wipe")
	require.ErrorIs(t, err, credit.ErrValidation)
	assert.Equal(t, int64(0), balanceOf(t, svc, "u2"))

	_, _, err = svc.Adjust(ctx, admin, "u3", math.MaxInt64, false, "cap")
	require.NoError(t, err)
	_, _, err = svc.Transfer(ctx, user("u1"), "u1", "u3", 1)
	require.ErrorIs(t, err, credit.ErrValidation)
	assert.Equal(t, int64(10), balanceOf(t, svc, "u1"))
	assert.Equal(t, int64(math.MaxInt64), balanceOf(t, svc, "u3"))

	_, granted, err := svc.GrantDistribution(ctx, "u3", 1, time.Hour, time.Now())
	require.ErrorIs(t, err, credit.ErrValidation)
	assert.False(t, granted)

	_, err = svc.RecordPurchase(ctx, credit.PendingPurchase{UserID: "u3", Credits: 1, ExternalOrderID: "MOMO-MAX", GatewayAmount: 1000})
	require.NoError(t, err)
	_, _, err = svc.ApplyOutcome(ctx, "MOMO-MAX", credit.Outcome{Status: credit.StatusCompleted})
	require.ErrorIs(t, err, credit.ErrValidation)
	tx, err := svc.TransactionByOrder(ctx, "MOMO-MAX")
	require.NoError(t, err)
	assert.Equal(t, credit.StatusPending, tx.Status)

	assert.Equal(t, int64(10), completedSum(t, store, "u1"))
	assert.Equal(t, int64(math.MaxInt64), completedSum(t, store, "u3"))
}

func TestPurchaseLifecycle(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)

	pending, err := svc.RecordPurchase(ctx, credit.PendingPurchase{
		UserID:          "u1",
		Credits:         5,
		ExternalOrderID: "MOMO1",
		GatewayAmount:   5000,
	})
	require.NoError(t, err)
	assert.Equal(t, credit.StatusPending, pending.Status)
	assert.Nil(t, pending.CompletedAt)
	assert.Equal(t, int64(0), balanceOf(t, svc, "u1"))

	_, err = svc.RecordPurchase(ctx, credit.PendingPurchase{UserID: "u1", Credits: 5, ExternalOrderID: "MOMO1"})
	var dup *credit.DuplicateOrderError
	require.ErrorAs(t, err, &dup)
	require.NotNil(t, dup.Existing)
	assert.Equal(t, pending.ID, dup.Existing.ID)

	done, applied, err := svc.ApplyOutcome(ctx, "MOMO1", credit.Outcome{Status: credit.StatusCompleted})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, credit.StatusCompleted, done.Status)
	assert.NotNil(t, done.CompletedAt)
	assert.Equal(t, int64(5), balanceOf(t, svc, "u1"))

	// a second "paid" report for the same order is a no-op
	again, applied, err := svc.ApplyOutcome(ctx, "MOMO1", credit.Outcome{Status: credit.StatusCompleted})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, done.ID, again.ID)
	assert.Equal(t, int64(5), balanceOf(t, svc, "u1"))

	// a late "failed" report cannot flip a completed purchase
	_, applied, err = svc.ApplyOutcome(ctx, "MOMO1", credit.Outcome{Status: credit.StatusFailed, Reason: "late"})
	require.NoError(t, err)
	assert.False(t, applied)

	page, err := store.ListByUser(ctx, "u1", credit.Pagination{})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
	assert.Equal(t, int64(5), completedSum(t, store, "u1"))
}

func TestPurchaseFailure(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	_, err := svc.RecordPurchase(ctx, credit.PendingPurchase{UserID: "u1", Credits: 2, ExternalOrderID: "MOMO2"})
	require.NoError(t, err)

	tx, applied, err := svc.ApplyOutcome(ctx, "MOMO2", credit.Outcome{Status: credit.StatusFailed, Reason: "declined"})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, credit.StatusFailed, tx.Status)
	require.NotNil(t, tx.FailureReason)
	assert.Equal(t, "declined", *tx.FailureReason)
	assert.NotNil(t, tx.CompletedAt)
	assert.Equal(t, int64(0), balanceOf(t, svc, "u1"))

	_, _, err = svc.ApplyOutcome(ctx, "missing", credit.Outcome{Status: credit.StatusCompleted})
	require.ErrorIs(t, err, credit.ErrTransactionNotFound)
}

func TestConcurrentOutcomesApplyOnce(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)

	_, err := svc.RecordPurchase(ctx, credit.PendingPurchase{UserID: "u1", Credits: 5, ExternalOrderID: "MOMO3"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	applied := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := svc.ApplyOutcome(ctx, "MOMO3", credit.Outcome{Status: credit.StatusCompleted})
			if err != nil {
				t.Errorf("apply: %v", err)
				return
			}
			if ok {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	assert.Equal(t, int64(5), balanceOf(t, svc, "u1"))
	assert.Equal(t, int64(5), completedSum(t, store, "u1"))
}

func TestGrantDistribution(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	_, granted, err := svc.GrantDistribution(ctx, "u1", 2, time.Hour, t0)
	require.NoError(t, err)
	assert.True(t, granted)

	_, granted, err = svc.GrantDistribution(ctx, "u1", 2, time.Hour, t0.Add(10*time.Minute))
	require.NoError(t, err)
	assert.False(t, granted)

	_, granted, err = svc.GrantDistribution(ctx, "u1", 2, time.Hour, t0.Add(61*time.Minute))
	require.NoError(t, err)
	assert.True(t, granted)

	acc, err := svc.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), acc.Balance)
	require.NotNil(t, acc.LastDistributionAt)
	assert.True(t, acc.LastDistributionAt.Equal(t0.Add(61*time.Minute)))
}

func TestReverse(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)

	tx, err := svc.Credit(ctx, admin, "u1", 7, credit.KindDistribution, "")
	require.NoError(t, err)

	_, err = svc.Reverse(ctx, user("u1"), tx.ID, "oops")
	require.ErrorIs(t, err, credit.ErrForbidden)

	reversed, err := svc.Reverse(ctx, admin, tx.ID, "granted twice")
	require.NoError(t, err)
	assert.Equal(t, credit.StatusReversed, reversed.Status)
	assert.Equal(t, int64(0), balanceOf(t, svc, "u1"))
	assert.Equal(t, int64(0), completedSum(t, store, "u1"))

	_, err = svc.Reverse(ctx, admin, tx.ID, "again")
	require.ErrorIs(t, err, credit.ErrInvalidTransition)

	_, err = svc.Credit(ctx, admin, "u2", 3, credit.KindDistribution, "")
	require.NoError(t, err)
	out, _, err := svc.Transfer(ctx, user("u2"), "u2", "u3", 1)
	require.NoError(t, err)
	_, err = svc.Reverse(ctx, admin, out.ID, "transfer")
	require.ErrorIs(t, err, credit.ErrInvalidTransition)
}

func TestRandomOperationsKeepBalanceEqualToLog(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)
	users := []string{"a", "b", "c", "d"}

	for _, u := range users {
		_, err := svc.Credit(ctx, admin, u, 20, credit.KindAdminAdjustment, "")
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 15; i++ {
				u := users[rng.Intn(len(users))]
				amount := int64(rng.Intn(6) + 1)
				var err error
				switch rng.Intn(3) {
				case 0:
					_, err = svc.Credit(ctx, admin, u, amount, credit.KindDistribution, "")
				case 1:
					_, err = svc.Debit(ctx, admin, u, amount, credit.KindAdminAdjustment)
				default:
					to := users[rng.Intn(len(users))]
					if to == u {
						continue
					}
					_, _, err = svc.Transfer(ctx, user(u), u, to, amount)
				}
				if err != nil && !errors.Is(err, credit.ErrInsufficientBalance) {
					t.Errorf("unexpected error: %v", err)
				}
			}
		}(int64(w))
	}
	wg.Wait()

	for _, u := range users {
		bal := balanceOf(t, svc, u)
		assert.GreaterOrEqual(t, bal, int64(0), "user %s went negative", u)
		assert.Equal(t, completedSum(t, store, u), bal, "user %s", u)
	}
}

func TestConcurrentOpposingTransfersConserveTotal(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	_, err := svc.Credit(ctx, admin, "x", 50, credit.KindAdminAdjustment, "")
	require.NoError(t, err)
	_, err = svc.Credit(ctx, admin, "y", 50, credit.KindAdminAdjustment, "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 100; i++ {
		amount := int64(rng.Intn(10) + 1)
		from, to := "x", "y"
		if i%2 == 1 {
			from, to = "y", "x"
		}
		wg.Add(1)
		go func(from, to string, amount int64) {
			defer wg.Done()
			_, _, err := svc.Transfer(ctx, user(from), from, to, amount)
			if err != nil && !errors.Is(err, credit.ErrInsufficientBalance) {
				t.Errorf("transfer: %v", err)
			}
		}(from, to, amount)
	}
	wg.Wait()

	x, y := balanceOf(t, svc, "x"), balanceOf(t, svc, "y")
	assert.Equal(t, int64(100), x+y)
	assert.GreaterOrEqual(t, x, int64(0))
	assert.GreaterOrEqual(t, y, int64(0))
}
