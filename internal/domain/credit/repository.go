package credit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

const (
	queryTimeout = 3 * time.Second
	unitTimeout  = 5 * time.Second

	maxUnitAttempts = 3
)

const txColumns = `id, user_id, kind, amount, status, external_order_id, idempotency_key, transfer_id,
	counterparty_id, description, failure_reason, gateway_amount, redirect_url, reconcile_attempts,
	next_attempt_at, created_by, created_at, completed_at, gateway_trans_id, gateway_result_code,
	gateway_message`

const accountColumns = `user_id, balance, last_distribution_at, created_at, updated_at`

// PostgresStore persists the ledger in credit_accounts and credit_transactions.
// Per-account serialization uses SELECT ... FOR UPDATE.
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Atomic(ctx context.Context, userIDs []string, fn func(tx Tx) error) error {
	ids := lockOrder(userIDs)
	for attempt := 1; ; attempt++ {
		err := s.atomicOnce(ctx, ids, fn)
		if err == nil || !isSerializationFailure(err) {
			return err
		}
		if attempt >= maxUnitAttempts {
			return &ConcurrencyConflictError{Attempts: attempt}
		}
		log.Warn().Err(err).Int("attempt", attempt).Strs("user_ids", ids).Msg("ledger unit conflicted, retrying")
	}
}

func (s *PostgresStore) atomicOnce(ctx context.Context, ids []string, fn func(tx Tx) error) error {
	ctx2, cancel := context.WithTimeout(ctx, unitTimeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx2, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("%w: begin tx: %w", ErrInternal, err)
	}
	defer tx.Rollback()

	ptx := &pgTx{ctx: ctx2, tx: tx, locked: make(map[string]bool, len(ids))}
	for _, id := range ids {
		if err := ptx.lockAccount(id); err != nil {
			return err
		}
	}

	if err := fn(ptx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit tx: %w", ErrInternal, err)
	}
	return nil
}

func (s *PostgresStore) EnsureAccount(ctx context.Context, userID string) (*Account, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if _, err := s.db.ExecContext(ctx2, `
		INSERT INTO credit_accounts (user_id, balance)
		VALUES ($1, 0)
		ON CONFLICT (user_id) DO NOTHING
	`, userID); err != nil {
		return nil, fmt.Errorf("%w: ensure account: %w", ErrInternal, err)
	}

	var acc Account
	if err := s.db.GetContext(ctx2, &acc, `SELECT `+accountColumns+` FROM credit_accounts WHERE user_id = $1`, userID); err != nil {
		return nil, fmt.Errorf("%w: get account: %w", ErrInternal, err)
	}
	return &acc, nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, userID string) (*Account, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var acc Account
	err := s.db.GetContext(ctx2, &acc, `SELECT `+accountColumns+` FROM credit_accounts WHERE user_id = $1`, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("%w: get account: %w", ErrInternal, err)
	}
	return &acc, nil
}

func (s *PostgresStore) FindTransaction(ctx context.Context, id string) (*Transaction, error) {
	return s.getTransaction(ctx, `SELECT `+txColumns+` FROM credit_transactions WHERE id = $1`, id)
}

func (s *PostgresStore) FindByExternalOrderID(ctx context.Context, orderID string) (*Transaction, error) {
	return s.getTransaction(ctx, `SELECT `+txColumns+` FROM credit_transactions WHERE external_order_id = $1`, orderID)
}

func (s *PostgresStore) getTransaction(ctx context.Context, query string, arg string) (*Transaction, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var t Transaction
	if err := s.db.GetContext(ctx2, &t, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("%w: get transaction: %w", ErrInternal, err)
	}
	return &t, nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, page Pagination) (Page, error) {
	return s.ListAll(ctx, Filters{UserID: userID}, page)
}

func (s *PostgresStore) ListAll(ctx context.Context, filters Filters, page Pagination) (Page, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	page = page.Normalize()
	where, args := buildWhere(filters)

	var total int
	if err := s.db.GetContext(ctx2, &total, `SELECT COUNT(*) FROM credit_transactions`+where, args...); err != nil {
		return Page{}, fmt.Errorf("%w: count transactions: %w", ErrInternal, err)
	}

	query := `SELECT ` + txColumns + ` FROM credit_transactions` + where +
		fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, page.Limit, page.Offset)

	items := make([]Transaction, 0)
	if err := s.db.SelectContext(ctx2, &items, query, args...); err != nil {
		return Page{}, fmt.Errorf("%w: list transactions: %w", ErrInternal, err)
	}
	return Page{Items: items, Total: total}, nil
}

func buildWhere(f Filters) (string, []interface{}) {
	clauses := make([]string, 0, 5)
	args := make([]interface{}, 0, 7)
	add := func(clause string, arg interface{}) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.Kind != "" {
		add("kind = $%d", string(f.Kind))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.DateFrom != nil {
		add("created_at >= $%d", *f.DateFrom)
	}
	if f.DateTo != nil {
		add("created_at <= $%d", *f.DateTo)
	}

	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (s *PostgresStore) ListDuePending(ctx context.Context, now time.Time, limit int) ([]Transaction, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	items := make([]Transaction, 0)
	err := s.db.SelectContext(ctx2, &items, `
		SELECT `+txColumns+`
		FROM credit_transactions
		WHERE kind = 'purchase' AND status = 'pending'
			AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
		ORDER BY created_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list pending: %w", ErrInternal, err)
	}
	return items, nil
}

func (s *PostgresStore) RecordAttempt(ctx context.Context, id string, attempts int, next time.Time) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx2, `
		UPDATE credit_transactions
		SET reconcile_attempts = $2, next_attempt_at = $3
		WHERE id = $1 AND status = 'pending'
	`, id, attempts, next)
	if err != nil {
		return fmt.Errorf("%w: record attempt: %w", ErrInternal, err)
	}
	return nil
}

func (s *PostgresStore) ListDueForDistribution(ctx context.Context, cutoff time.Time, after string, limit int) ([]string, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	ids := make([]string, 0)
	err := s.db.SelectContext(ctx2, &ids, `
		SELECT user_id
		FROM credit_accounts
		WHERE (last_distribution_at IS NULL OR last_distribution_at <= $1)
			AND user_id > $2
		ORDER BY user_id
		LIMIT $3
	`, cutoff, after, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list distribution candidates: %w", ErrInternal, err)
	}
	return ids, nil
}

// pgTx is the Tx handed to Atomic callbacks. Its context carries the unit deadline.
type pgTx struct {
	ctx    context.Context
	tx     *sqlx.Tx
	locked map[string]bool
}

func (t *pgTx) lockAccount(userID string) error {
	if _, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO credit_accounts (user_id, balance)
		VALUES ($1, 0)
		ON CONFLICT (user_id) DO NOTHING
	`, userID); err != nil {
		return fmt.Errorf("%w: ensure account: %w", ErrInternal, err)
	}

	var balance int64
	if err := t.tx.GetContext(t.ctx, &balance, `SELECT balance FROM credit_accounts WHERE user_id = $1 FOR UPDATE`, userID); err != nil {
		return fmt.Errorf("%w: lock account: %w", ErrInternal, err)
	}
	t.locked[userID] = true
	return nil
}

func (t *pgTx) Account(userID string) (*Account, error) {
	if !t.locked[userID] {
		return nil, fmt.Errorf("%w: account %s not locked", ErrInternal, userID)
	}
	var acc Account
	if err := t.tx.GetContext(t.ctx, &acc, `SELECT `+accountColumns+` FROM credit_accounts WHERE user_id = $1`, userID); err != nil {
		return nil, fmt.Errorf("%w: read account: %w", ErrInternal, err)
	}
	return &acc, nil
}

func (t *pgTx) SetBalance(userID string, balance int64) error {
	if !t.locked[userID] {
		return fmt.Errorf("%w: account %s not locked", ErrInternal, userID)
	}
	if _, err := t.tx.ExecContext(t.ctx, `UPDATE credit_accounts SET balance = $2, updated_at = now() WHERE user_id = $1`, userID, balance); err != nil {
		return fmt.Errorf("%w: update balance: %w", ErrInternal, err)
	}
	return nil
}

func (t *pgTx) SetLastDistributionAt(userID string, at time.Time) error {
	if !t.locked[userID] {
		return fmt.Errorf("%w: account %s not locked", ErrInternal, userID)
	}
	if _, err := t.tx.ExecContext(t.ctx, `UPDATE credit_accounts SET last_distribution_at = $2, updated_at = now() WHERE user_id = $1`, userID, at); err != nil {
		return fmt.Errorf("%w: update last distribution: %w", ErrInternal, err)
	}
	return nil
}

func (t *pgTx) InsertTransaction(tr *Transaction) error {
	if tr.ID == "" {
		tr.ID = uuid.NewString()
	}
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = time.Now().UTC()
	}

	_, err := t.tx.NamedExecContext(t.ctx, `
		INSERT INTO credit_transactions (
			id, user_id, kind, amount, status, external_order_id, idempotency_key, transfer_id,
			counterparty_id, description, failure_reason, gateway_amount, redirect_url,
			reconcile_attempts, next_attempt_at, created_by, created_at, completed_at,
			gateway_trans_id, gateway_result_code, gateway_message
		) VALUES (
			:id, :user_id, :kind, :amount, :status, :external_order_id, :idempotency_key, :transfer_id,
			:counterparty_id, :description, :failure_reason, :gateway_amount, :redirect_url,
			:reconcile_attempts, :next_attempt_at, :created_by, :created_at, :completed_at,
			:gateway_trans_id, :gateway_result_code, :gateway_message
		)
	`, tr)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			if strings.Contains(pqErr.Constraint, "external_order_id") && tr.ExternalOrderID != nil {
				return &DuplicateOrderError{ExternalOrderID: *tr.ExternalOrderID}
			}
			if strings.Contains(pqErr.Constraint, "idempotency_key") && tr.IdempotencyKey != nil {
				return fmt.Errorf("%w: %s", ErrDuplicateIdempotency, *tr.IdempotencyKey)
			}
		}
		return fmt.Errorf("%w: insert transaction: %w", ErrInternal, err)
	}
	return nil
}

func (t *pgTx) UpdateTransaction(tr *Transaction) error {
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE credit_transactions
		SET status = $2, completed_at = $3, failure_reason = $4, redirect_url = $5,
			reconcile_attempts = $6, next_attempt_at = $7, gateway_trans_id = $8,
			gateway_result_code = $9, gateway_message = $10
		WHERE id = $1
	`, tr.ID, string(tr.Status), tr.CompletedAt, tr.FailureReason, tr.RedirectURL, tr.Attempts, tr.NextAttemptAt,
		tr.GatewayTransID, tr.GatewayResultCode, tr.GatewayMessage)
	if err != nil {
		return fmt.Errorf("%w: update transaction: %w", ErrInternal, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected: %w", ErrInternal, err)
	}
	if rows == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

func (t *pgTx) FindTransaction(id string) (*Transaction, error) {
	return t.getForUpdate(`SELECT `+txColumns+` FROM credit_transactions WHERE id = $1 FOR UPDATE`, id)
}

func (t *pgTx) FindByExternalOrderID(orderID string) (*Transaction, error) {
	return t.getForUpdate(`SELECT `+txColumns+` FROM credit_transactions WHERE external_order_id = $1 FOR UPDATE`, orderID)
}

func (t *pgTx) FindByIdempotencyKey(key string) (*Transaction, error) {
	return t.getForUpdate(`SELECT `+txColumns+` FROM credit_transactions WHERE idempotency_key = $1 FOR UPDATE`, key)
}

func (t *pgTx) getForUpdate(query, arg string) (*Transaction, error) {
	var tr Transaction
	if err := t.tx.GetContext(t.ctx, &tr, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("%w: read transaction: %w", ErrInternal, err)
	}
	return &tr, nil
}

func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "40001" || pqErr.Code == "40P01"
}
