package distribution

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/mwork/credit-ledger/internal/domain/credit"
)

// ConfigStore persists the distribution policy.
type ConfigStore interface {
	Get(ctx context.Context) (*Config, error)
	SetInterval(ctx context.Context, seconds int64) (*Config, error)
	MarkRun(ctx context.Context, at time.Time) error
}

const queryTimeout = 3 * time.Second

// PostgresConfigStore keeps the policy in the distribution_config row with id 1.
type PostgresConfigStore struct {
	db       *sqlx.DB
	defaults Config
}

func NewPostgresConfigStore(db *sqlx.DB, defaults Config) *PostgresConfigStore {
	return &PostgresConfigStore{db: db, defaults: defaults}
}

func (s *PostgresConfigStore) Get(ctx context.Context) (*Config, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var cfg Config
	err := s.db.GetContext(ctx, &cfg, `
		SELECT interval_seconds, amount, last_run_at, updated_at
		FROM distribution_config
		WHERE id = 1
	`)
	if errors.Is(err, sql.ErrNoRows) {
		out := s.defaults
		return &out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load distribution config: %w", credit.ErrInternal, err)
	}
	return &cfg, nil
}

func (s *PostgresConfigStore) SetInterval(ctx context.Context, seconds int64) (*Config, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var cfg Config
	err := s.db.GetContext(ctx, &cfg, `
		INSERT INTO distribution_config (id, interval_seconds, amount, updated_at)
		VALUES (1, $1, $2, now())
		ON CONFLICT (id) DO UPDATE
			SET interval_seconds = EXCLUDED.interval_seconds, updated_at = now()
		RETURNING interval_seconds, amount, last_run_at, updated_at
	`, seconds, s.defaults.Amount)
	if err != nil {
		return nil, fmt.Errorf("%w: update distribution interval: %w", credit.ErrInternal, err)
	}
	return &cfg, nil
}

func (s *PostgresConfigStore) MarkRun(ctx context.Context, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO distribution_config (id, interval_seconds, amount, last_run_at, updated_at)
		VALUES (1, $1, $2, $3, now())
		ON CONFLICT (id) DO UPDATE SET last_run_at = EXCLUDED.last_run_at
	`, s.defaults.IntervalSeconds, s.defaults.Amount, at)
	if err != nil {
		return fmt.Errorf("%w: mark distribution run: %w", credit.ErrInternal, err)
	}
	return nil
}

// MemoryConfigStore is the in-process ConfigStore.
type MemoryConfigStore struct {
	mu  sync.RWMutex
	cfg Config
}

func NewMemoryConfigStore(defaults Config) *MemoryConfigStore {
	return &MemoryConfigStore{cfg: defaults}
}

func (m *MemoryConfigStore) Get(_ context.Context) (*Config, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := m.cfg
	return &out, nil
}

func (m *MemoryConfigStore) SetInterval(_ context.Context, seconds int64) (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.IntervalSeconds = seconds
	m.cfg.UpdatedAt = time.Now().UTC()
	out := m.cfg
	return &out, nil
}

func (m *MemoryConfigStore) MarkRun(_ context.Context, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.LastRunAt = &at
	return nil
}
