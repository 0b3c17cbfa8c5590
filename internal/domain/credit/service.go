package credit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mwork/credit-ledger/internal/pkg/metrics"
)

// Service applies balance mutations through a Store. Every mutation runs in
// a single Store.Atomic unit together with its transaction log rows.
type Service struct {
	store Store
	now   func() time.Time
}

func NewService(store Store) *Service {
	return &Service{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// SetClock replaces the time source used for timestamps.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Store exposes the backing store for read-only consumers.
func (s *Service) Store() Store {
	return s.store
}

// Credit adds amount to userID. A non-empty idempotencyKey makes the call
// replay-safe: repeating it returns the originally recorded transaction.
func (s *Service) Credit(ctx context.Context, actor Actor, userID string, amount int64, kind Kind, idempotencyKey string) (*Transaction, error) {
	if amount <= 0 {
		return nil, invalidAmount()
	}
	if err := s.checkDirectKind(actor, kind); err != nil {
		return nil, err
	}
	if strings.TrimSpace(userID) == "" {
		return nil, invalid("user_id", "is required")
	}

	var out *Transaction
	replayed := false
	err := s.store.Atomic(ctx, []string{userID}, func(tx Tx) error {
		if idempotencyKey != "" {
			existing, err := tx.FindByIdempotencyKey(idempotencyKey)
			if err == nil {
				if existing.UserID != userID || existing.Amount != amount {
					return fmt.Errorf("%w: %s reused with different parameters", ErrDuplicateIdempotency, idempotencyKey)
				}
				out = existing
				replayed = true
				return nil
			}
			if !errors.Is(err, ErrTransactionNotFound) {
				return err
			}
		}

		acc, err := tx.Account(userID)
		if err != nil {
			return err
		}
		next, err := addBalance(acc.Balance, amount)
		if err != nil {
			return err
		}
		if err := tx.SetBalance(userID, next); err != nil {
			return err
		}
		t := s.completed(actor, userID, kind, amount)
		t.IdempotencyKey = strPtr(idempotencyKey)
		if err := tx.InsertTransaction(t); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	if replayed {
		log.Debug().Str("user_id", userID).Str("idempotency_key", idempotencyKey).Msg("credit replay ignored")
		return out, nil
	}

	metrics.LedgerOps.WithLabelValues(string(kind)).Inc()
	log.Info().Str("user_id", userID).Int64("amount", amount).Str("kind", string(kind)).Str("tx_id", out.ID).Msg("credit applied")
	return out, nil
}

// Debit removes amount from userID, failing with InsufficientBalanceError
// when the balance would go negative.
func (s *Service) Debit(ctx context.Context, actor Actor, userID string, amount int64, kind Kind) (*Transaction, error) {
	if amount <= 0 {
		return nil, invalidAmount()
	}
	if err := s.checkDirectKind(actor, kind); err != nil {
		return nil, err
	}
	if actor.UserID != userID && !actor.IsAdmin() {
		return nil, ErrForbidden
	}

	var out *Transaction
	err := s.store.Atomic(ctx, []string{userID}, func(tx Tx) error {
		acc, err := tx.Account(userID)
		if err != nil {
			return err
		}
		if acc.Balance < amount {
			return &InsufficientBalanceError{UserID: userID, Balance: acc.Balance, Requested: amount}
		}
		if err := tx.SetBalance(userID, acc.Balance-amount); err != nil {
			return err
		}
		out = s.completed(actor, userID, kind, -amount)
		return tx.InsertTransaction(out)
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientBalance) {
			metrics.InsufficientBalance.Inc()
		}
		return nil, err
	}

	metrics.LedgerOps.WithLabelValues(string(kind)).Inc()
	log.Info().Str("user_id", userID).Int64("amount", -amount).Str("kind", string(kind)).Str("tx_id", out.ID).Msg("debit applied")
	return out, nil
}

// Transfer moves amount from one account to another. Both legs are written
// in the same unit of work under locks taken in id order.
func (s *Service) Transfer(ctx context.Context, actor Actor, fromUserID, toUserID string, amount int64) (*Transaction, *Transaction, error) {
	if amount <= 0 {
		return nil, nil, invalidAmount()
	}
	if strings.TrimSpace(toUserID) == "" {
		return nil, nil, invalid("recipient_id", "is required")
	}
	if fromUserID == toUserID {
		return nil, nil, invalid("recipient_id", "cannot transfer to yourself")
	}
	if actor.UserID != fromUserID && !actor.IsAdmin() {
		return nil, nil, ErrForbidden
	}

	var out, in *Transaction
	err := s.store.Atomic(ctx, []string{fromUserID, toUserID}, func(tx Tx) error {
		src, err := tx.Account(fromUserID)
		if err != nil {
			return err
		}
		if src.Balance < amount {
			return &InsufficientBalanceError{UserID: fromUserID, Balance: src.Balance, Requested: amount}
		}
		dst, err := tx.Account(toUserID)
		if err != nil {
			return err
		}
		dstNext, err := addBalance(dst.Balance, amount)
		if err != nil {
			return err
		}

		if err := tx.SetBalance(fromUserID, src.Balance-amount); err != nil {
			return err
		}
		if err := tx.SetBalance(toUserID, dstNext); err != nil {
			return err
		}

		transferID := uuid.NewString()
		out = s.completed(actor, fromUserID, KindTransferOut, -amount)
		out.TransferID = &transferID
		out.Counterparty = strPtr(toUserID)
		in = s.completed(actor, toUserID, KindTransferIn, amount)
		in.TransferID = &transferID
		in.Counterparty = strPtr(fromUserID)

		if err := tx.InsertTransaction(out); err != nil {
			return err
		}
		return tx.InsertTransaction(in)
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientBalance) {
			metrics.InsufficientBalance.Inc()
		}
		return nil, nil, err
	}

	metrics.LedgerOps.WithLabelValues("transfer").Inc()
	log.Info().
		Str("from_user_id", fromUserID).
		Str("to_user_id", toUserID).
		Int64("amount", amount).
		Str("transfer_id", *out.TransferID).
		Msg("transfer applied")
	return out, in, nil
}

// Adjust applies an admin correction of delta credits. A debit below zero is
// rejected unless allowNegative is set.
func (s *Service) Adjust(ctx context.Context, actor Actor, userID string, delta int64, allowNegative bool, reason string) (*Account, *Transaction, error) {
	if !actor.IsAdmin() {
		return nil, nil, ErrForbidden
	}
	if delta == 0 {
		return nil, nil, invalid("amount", "must not be zero")
	}
	if delta == math.MinInt64 {
		return nil, nil, balanceOutOfRange()
	}

	var acc *Account
	var out *Transaction
	err := s.store.Atomic(ctx, []string{userID}, func(tx Tx) error {
		cur, err := tx.Account(userID)
		if err != nil {
			return err
		}
		next, err := addBalance(cur.Balance, delta)
		if err != nil {
			return err
		}
		if next < 0 && !allowNegative {
			return &InsufficientBalanceError{UserID: userID, Balance: cur.Balance, Requested: -delta}
		}
		if err := tx.SetBalance(userID, next); err != nil {
			return err
		}
		out = s.completed(actor, userID, KindAdminAdjustment, delta)
		out.Description = reason
		if err := tx.InsertTransaction(out); err != nil {
			return err
		}
		cur.Balance = next
		acc = cur
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	metrics.LedgerOps.WithLabelValues(string(KindAdminAdjustment)).Inc()
	log.Info().Str("user_id", userID).Str("admin_id", actor.UserID).Int64("amount", delta).Str("tx_id", out.ID).Msg("admin adjustment applied")
	return acc, out, nil
}

// Balance returns the account of userID, creating it on first touch.
func (s *Service) Balance(ctx context.Context, userID string) (*Account, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, invalid("user_id", "is required")
	}
	return s.store.EnsureAccount(ctx, userID)
}

// PendingPurchase describes a gateway order about to be recorded.
type PendingPurchase struct {
	UserID          string
	Credits         int64
	ExternalOrderID string
	GatewayAmount   int64
	RedirectURL     string
	Description     string
}

// RecordPurchase appends a pending purchase keyed by its external order id.
// A second call with the same id returns DuplicateOrderError carrying the
// recorded transaction.
func (s *Service) RecordPurchase(ctx context.Context, p PendingPurchase) (*Transaction, error) {
	if p.Credits <= 0 {
		return nil, invalidAmount()
	}
	if p.ExternalOrderID == "" {
		return nil, invalid("external_order_id", "is required")
	}

	t := &Transaction{
		ID:              uuid.NewString(),
		UserID:          p.UserID,
		Kind:            KindPurchase,
		Amount:          p.Credits,
		Status:          StatusPending,
		ExternalOrderID: strPtr(p.ExternalOrderID),
		Description:     p.Description,
		GatewayAmount:   &p.GatewayAmount,
		RedirectURL:     strPtr(p.RedirectURL),
		CreatedBy:       p.UserID,
		CreatedAt:       s.now(),
	}
	err := s.store.Atomic(ctx, []string{p.UserID}, func(tx Tx) error {
		return tx.InsertTransaction(t)
	})
	if err != nil {
		var dup *DuplicateOrderError
		if errors.As(err, &dup) && dup.Existing == nil {
			dup.Existing, _ = s.store.FindByExternalOrderID(ctx, p.ExternalOrderID)
		}
		return nil, err
	}

	log.Info().Str("user_id", p.UserID).Int64("credits", p.Credits).Str("order_id", p.ExternalOrderID).Msg("purchase recorded as pending")
	return t, nil
}

// ApplyOutcome drives a pending purchase to a terminal state. The status
// change and the balance credit share one unit of work keyed on the
// transaction. Applied is false when the purchase was already terminal or the
// outcome is still pending; the current transaction is returned either way.
func (s *Service) ApplyOutcome(ctx context.Context, orderID string, outcome Outcome) (*Transaction, bool, error) {
	current, err := s.store.FindByExternalOrderID(ctx, orderID)
	if err != nil {
		return nil, false, err
	}
	if current.Status.Terminal() || outcome.Status == StatusPending {
		return current, false, nil
	}
	if outcome.Status != StatusCompleted && outcome.Status != StatusFailed {
		return nil, false, fmt.Errorf("%w: outcome %s", ErrInvalidTransition, outcome.Status)
	}

	applied := false
	err = s.store.Atomic(ctx, []string{current.UserID}, func(tx Tx) error {
		t, err := tx.FindByExternalOrderID(orderID)
		if err != nil {
			return err
		}
		current = t
		if t.Status != StatusPending {
			return nil
		}

		now := s.now()
		t.Status = outcome.Status
		t.CompletedAt = &now
		t.NextAttemptAt = nil
		t.GatewayTransID = strPtr(outcome.GatewayTransID)
		t.GatewayResultCode = outcome.GatewayResultCode
		t.GatewayMessage = strPtr(outcome.GatewayMessage)
		if outcome.Status == StatusCompleted {
			acc, err := tx.Account(t.UserID)
			if err != nil {
				return err
			}
			next, err := addBalance(acc.Balance, t.Amount)
			if err != nil {
				return err
			}
			if err := tx.SetBalance(t.UserID, next); err != nil {
				return err
			}
		} else {
			t.FailureReason = strPtr(outcome.Reason)
		}
		if err := tx.UpdateTransaction(t); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if applied {
		metrics.LedgerOps.WithLabelValues(string(KindPurchase) + "_" + string(outcome.Status)).Inc()
		log.Info().
			Str("order_id", orderID).
			Str("user_id", current.UserID).
			Str("status", string(current.Status)).
			Int64("amount", current.Amount).
			Msg("purchase settled")
	} else {
		log.Debug().Str("order_id", orderID).Str("status", string(current.Status)).Msg("duplicate purchase outcome discarded")
	}
	return current, applied, nil
}

// RecordAttempt stores reconciliation bookkeeping for a pending purchase.
func (s *Service) RecordAttempt(ctx context.Context, id string, attempts int, next time.Time) error {
	return s.store.RecordAttempt(ctx, id, attempts, next)
}

// GrantDistribution credits amount to userID when the account has not been
// granted within interval of now. The grant and lastDistributionAt are
// written together.
func (s *Service) GrantDistribution(ctx context.Context, userID string, amount int64, interval time.Duration, now time.Time) (*Transaction, bool, error) {
	if amount <= 0 {
		return nil, false, invalidAmount()
	}

	var out *Transaction
	err := s.store.Atomic(ctx, []string{userID}, func(tx Tx) error {
		acc, err := tx.Account(userID)
		if err != nil {
			return err
		}
		if acc.LastDistributionAt != nil && acc.LastDistributionAt.After(now.Add(-interval)) {
			return nil
		}
		next, err := addBalance(acc.Balance, amount)
		if err != nil {
			return err
		}
		if err := tx.SetBalance(userID, next); err != nil {
			return err
		}
		if err := tx.SetLastDistributionAt(userID, now); err != nil {
			return err
		}
		out = s.completed(System, userID, KindDistribution, amount)
		out.CreatedAt = now
		out.CompletedAt = &now
		return tx.InsertTransaction(out)
	})
	if err != nil {
		return nil, false, err
	}
	if out == nil {
		return nil, false, nil
	}

	metrics.LedgerOps.WithLabelValues(string(KindDistribution)).Inc()
	log.Debug().Str("user_id", userID).Int64("amount", amount).Msg("distribution granted")
	return out, true, nil
}

// Reverse marks a completed transaction reversed and backs its amount out of
// the balance. Transfer legs cannot be reversed individually.
func (s *Service) Reverse(ctx context.Context, actor Actor, id, reason string) (*Transaction, error) {
	if !actor.IsAdmin() {
		return nil, ErrForbidden
	}
	if strings.TrimSpace(reason) == "" {
		return nil, invalid("reason", "is required")
	}

	current, err := s.store.FindTransaction(ctx, id)
	if err != nil {
		return nil, err
	}

	err = s.store.Atomic(ctx, []string{current.UserID}, func(tx Tx) error {
		t, err := tx.FindTransaction(id)
		if err != nil {
			return err
		}
		if t.Status != StatusCompleted {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, StatusReversed)
		}
		if t.Kind == KindTransferIn || t.Kind == KindTransferOut {
			return fmt.Errorf("%w: transfer legs cannot be reversed", ErrInvalidTransition)
		}
		acc, err := tx.Account(t.UserID)
		if err != nil {
			return err
		}
		next, err := addBalance(acc.Balance, -t.Amount)
		if err != nil {
			return err
		}
		if err := tx.SetBalance(t.UserID, next); err != nil {
			return err
		}
		t.Status = StatusReversed
		t.FailureReason = strPtr(reason)
		if err := tx.UpdateTransaction(t); err != nil {
			return err
		}
		current = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.LedgerOps.WithLabelValues("reversal").Inc()
	log.Warn().Str("tx_id", id).Str("admin_id", actor.UserID).Str("reason", reason).Int64("amount", current.Amount).Msg("transaction reversed")
	return current, nil
}

// Transaction returns one transaction by id.
func (s *Service) Transaction(ctx context.Context, id string) (*Transaction, error) {
	return s.store.FindTransaction(ctx, id)
}

// TransactionByOrder returns the purchase recorded for an external order id.
func (s *Service) TransactionByOrder(ctx context.Context, orderID string) (*Transaction, error) {
	return s.store.FindByExternalOrderID(ctx, orderID)
}

// History lists the transactions of one user, newest first.
func (s *Service) History(ctx context.Context, userID string, page Pagination) (Page, error) {
	return s.store.ListByUser(ctx, userID, page)
}

// addBalance returns balance+delta, refusing results outside int64.
func addBalance(balance, delta int64) (int64, error) {
	if (delta > 0 && balance > math.MaxInt64-delta) || (delta < 0 && balance < math.MinInt64-delta) {
		return 0, balanceOutOfRange()
	}
	return balance + delta, nil
}

func (s *Service) completed(actor Actor, userID string, kind Kind, amount int64) *Transaction {
	now := s.now()
	return &Transaction{
		ID:          uuid.NewString(),
		UserID:      userID,
		Kind:        kind,
		Amount:      amount,
		Status:      StatusCompleted,
		CreatedBy:   actor.UserID,
		CreatedAt:   now,
		CompletedAt: &now,
	}
}

// checkDirectKind limits which kinds may be written by Credit and Debit.
// Transfers and purchases have their own entry points.
func (s *Service) checkDirectKind(actor Actor, kind Kind) error {
	switch kind {
	case KindDistribution, KindAdminAdjustment:
		if !actor.IsAdmin() {
			return ErrForbidden
		}
		return nil
	case KindPurchase, KindTransferIn, KindTransferOut:
		return invalid("kind", fmt.Sprintf("%s is written by its own operation", kind))
	default:
		return invalid("kind", "unknown kind")
	}
}
