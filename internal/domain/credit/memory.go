package credit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps the ledger in process. It backs tests and the
// STORE_DRIVER=memory development mode.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	txs      map[string]*Transaction
	seq      []string
	byOrder  map[string]string
	byKey    map[string]string

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		txs:      make(map[string]*Transaction),
		byOrder:  make(map[string]string),
		byKey:    make(map[string]string),
		locks:    make(map[string]*sync.Mutex),
		now:      time.Now,
	}
}

func (m *MemoryStore) accountLock(userID string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[userID] = l
	}
	return l
}

func (m *MemoryStore) Atomic(ctx context.Context, userIDs []string, fn func(tx Tx) error) error {
	ids := lockOrder(userIDs)
	for _, id := range ids {
		l := m.accountLock(id)
		l.Lock()
		defer l.Unlock()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{
		store:    m,
		accounts: make(map[string]*Account, len(ids)),
		updated:  make(map[string]*Transaction),
	}
	m.mu.Lock()
	for _, id := range ids {
		acc := m.ensureLocked(id)
		cp := *acc
		tx.accounts[id] = &cp
	}
	m.mu.Unlock()

	if err := fn(tx); err != nil {
		return err
	}
	return m.commit(tx)
}

func (m *MemoryStore) commit(tx *memTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range tx.inserted {
		if t.ExternalOrderID != nil {
			if _, dup := m.byOrder[*t.ExternalOrderID]; dup {
				return &DuplicateOrderError{ExternalOrderID: *t.ExternalOrderID}
			}
		}
		if t.IdempotencyKey != nil {
			if _, dup := m.byKey[*t.IdempotencyKey]; dup {
				return fmt.Errorf("%w: %s", ErrDuplicateIdempotency, *t.IdempotencyKey)
			}
		}
	}

	now := m.now()
	for id, acc := range tx.accounts {
		if !tx.dirty[id] {
			continue
		}
		acc.UpdatedAt = now
		cp := *acc
		m.accounts[id] = &cp
	}
	for _, t := range tx.inserted {
		cp := *t
		m.txs[cp.ID] = &cp
		m.seq = append(m.seq, cp.ID)
		if cp.ExternalOrderID != nil {
			m.byOrder[*cp.ExternalOrderID] = cp.ID
		}
		if cp.IdempotencyKey != nil {
			m.byKey[*cp.IdempotencyKey] = cp.ID
		}
	}
	for id, t := range tx.updated {
		if _, ok := m.txs[id]; !ok {
			continue
		}
		cp := *t
		m.txs[id] = &cp
	}
	return nil
}

func (m *MemoryStore) ensureLocked(userID string) *Account {
	acc, ok := m.accounts[userID]
	if !ok {
		now := m.now()
		acc = &Account{UserID: userID, CreatedAt: now, UpdatedAt: now}
		m.accounts[userID] = acc
	}
	return acc
}

func (m *MemoryStore) EnsureAccount(_ context.Context, userID string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *m.ensureLocked(userID)
	return &cp, nil
}

func (m *MemoryStore) GetAccount(_ context.Context, userID string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acc, ok := m.accounts[userID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *acc
	return &cp, nil
}

func (m *MemoryStore) FindTransaction(_ context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.txs[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) FindByExternalOrderID(_ context.Context, orderID string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byOrder[orderID]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *m.txs[id]
	return &cp, nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, page Pagination) (Page, error) {
	return m.ListAll(ctx, Filters{UserID: userID}, page)
}

func (m *MemoryStore) ListAll(_ context.Context, filters Filters, page Pagination) (Page, error) {
	page = page.Normalize()

	m.mu.RLock()
	matched := make([]Transaction, 0)
	for i := len(m.seq) - 1; i >= 0; i-- {
		t := m.txs[m.seq[i]]
		if matches(t, filters) {
			matched = append(matched, *t)
		}
	}
	m.mu.RUnlock()

	// newest first; seq order breaks ties between equal timestamps
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	out := Page{Total: len(matched), Items: []Transaction{}}
	if page.Offset >= len(matched) {
		return out, nil
	}
	end := page.Offset + page.Limit
	if end > len(matched) {
		end = len(matched)
	}
	out.Items = matched[page.Offset:end]
	return out, nil
}

func matches(t *Transaction, f Filters) bool {
	if f.UserID != "" && t.UserID != f.UserID {
		return false
	}
	if f.Kind != "" && t.Kind != f.Kind {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.DateFrom != nil && t.CreatedAt.Before(*f.DateFrom) {
		return false
	}
	if f.DateTo != nil && t.CreatedAt.After(*f.DateTo) {
		return false
	}
	return true
}

func (m *MemoryStore) ListDuePending(_ context.Context, now time.Time, limit int) ([]Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Transaction, 0)
	for _, id := range m.seq {
		t := m.txs[id]
		if t.Kind != KindPurchase || t.Status != StatusPending {
			continue
		}
		if t.NextAttemptAt != nil && t.NextAttemptAt.After(now) {
			continue
		}
		out = append(out, *t)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) RecordAttempt(_ context.Context, id string, attempts int, next time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txs[id]
	if !ok {
		return ErrTransactionNotFound
	}
	if t.Status != StatusPending {
		return nil
	}
	t.Attempts = attempts
	t.NextAttemptAt = timePtr(next)
	return nil
}

func (m *MemoryStore) ListDueForDistribution(_ context.Context, cutoff time.Time, after string, limit int) ([]string, error) {
	m.mu.RLock()
	ids := make([]string, 0)
	for id, acc := range m.accounts {
		if id <= after {
			continue
		}
		if acc.LastDistributionAt == nil || !acc.LastDistributionAt.After(cutoff) {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// memTx stages writes until the unit of work commits.
type memTx struct {
	store    *MemoryStore
	accounts map[string]*Account
	dirty    map[string]bool
	inserted []*Transaction
	updated  map[string]*Transaction
}

func (t *memTx) Account(userID string) (*Account, error) {
	acc, ok := t.accounts[userID]
	if !ok {
		return nil, fmt.Errorf("%w: account %s not locked", ErrInternal, userID)
	}
	cp := *acc
	return &cp, nil
}

func (t *memTx) markDirty(userID string) {
	if t.dirty == nil {
		t.dirty = make(map[string]bool)
	}
	t.dirty[userID] = true
}

func (t *memTx) SetBalance(userID string, balance int64) error {
	acc, ok := t.accounts[userID]
	if !ok {
		return fmt.Errorf("%w: account %s not locked", ErrInternal, userID)
	}
	acc.Balance = balance
	t.markDirty(userID)
	return nil
}

func (t *memTx) SetLastDistributionAt(userID string, at time.Time) error {
	acc, ok := t.accounts[userID]
	if !ok {
		return fmt.Errorf("%w: account %s not locked", ErrInternal, userID)
	}
	acc.LastDistributionAt = timePtr(at)
	t.markDirty(userID)
	return nil
}

func (t *memTx) InsertTransaction(tr *Transaction) error {
	if tr.ID == "" {
		tr.ID = uuid.NewString()
	}
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = t.store.now()
	}
	if tr.ExternalOrderID != nil {
		if existing, err := t.FindByExternalOrderID(*tr.ExternalOrderID); err == nil {
			return &DuplicateOrderError{ExternalOrderID: *tr.ExternalOrderID, Existing: existing}
		}
	}
	if tr.IdempotencyKey != nil {
		if _, err := t.FindByIdempotencyKey(*tr.IdempotencyKey); err == nil {
			return fmt.Errorf("%w: %s", ErrDuplicateIdempotency, *tr.IdempotencyKey)
		}
	}
	cp := *tr
	t.inserted = append(t.inserted, &cp)
	return nil
}

func (t *memTx) UpdateTransaction(tr *Transaction) error {
	for _, ins := range t.inserted {
		if ins.ID == tr.ID {
			*ins = *tr
			return nil
		}
	}
	if _, err := t.store.FindTransaction(context.Background(), tr.ID); err != nil {
		return err
	}
	cp := *tr
	t.updated[tr.ID] = &cp
	return nil
}

func (t *memTx) FindTransaction(id string) (*Transaction, error) {
	if tr, ok := t.updated[id]; ok {
		cp := *tr
		return &cp, nil
	}
	for _, ins := range t.inserted {
		if ins.ID == id {
			cp := *ins
			return &cp, nil
		}
	}
	return t.store.FindTransaction(context.Background(), id)
}

func (t *memTx) FindByExternalOrderID(orderID string) (*Transaction, error) {
	for _, ins := range t.inserted {
		if ins.ExternalOrderID != nil && *ins.ExternalOrderID == orderID {
			cp := *ins
			return &cp, nil
		}
	}
	t.store.mu.RLock()
	id, ok := t.store.byOrder[orderID]
	t.store.mu.RUnlock()
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return t.FindTransaction(id)
}

func (t *memTx) FindByIdempotencyKey(key string) (*Transaction, error) {
	for _, ins := range t.inserted {
		if ins.IdempotencyKey != nil && *ins.IdempotencyKey == key {
			cp := *ins
			return &cp, nil
		}
	}
	t.store.mu.RLock()
	id, ok := t.store.byKey[key]
	t.store.mu.RUnlock()
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return t.FindTransaction(id)
}
