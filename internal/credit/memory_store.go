package credit

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory credit store for demo/development mode.
type MemoryStore struct {
	accounts map[string]*Account
	byOwner  map[string]string // owner id -> account id
	txs      map[string]*Transaction
	order    []string // transaction ids in append order
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory credit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		byOwner:  make(map[string]string),
		txs:      make(map[string]*Transaction),
	}
}

func (m *MemoryStore) CreateAccount(ctx context.Context, a *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byOwner[a.OwnerID]; ok {
		return ErrDuplicateAccount
	}
	cp := *a
	m.accounts[a.ID] = &cp
	m.byOwner[a.OwnerID] = a.ID
	return nil
}

func (m *MemoryStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) GetByOwner(ctx context.Context, ownerID string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byOwner[ownerID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *m.accounts[id]
	return &cp, nil
}

// Save persists the account and upserts the transactions in one
// critical section. The version check rejects a save based on a stale
// read.
func (m *MemoryStore) Save(ctx context.Context, a *Account, upserts []*Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.accounts[a.ID]
	if !ok {
		return ErrAccountNotFound
	}
	if cur.Version != a.Version {
		return ErrVersionConflict
	}

	a.Version++
	cp := *a
	m.accounts[a.ID] = &cp

	for _, tx := range upserts {
		txCp := *tx
		if _, exists := m.txs[tx.ID]; !exists {
			m.order = append(m.order, tx.ID)
		}
		m.txs[tx.ID] = &txCp
	}
	return nil
}

func (m *MemoryStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.txs[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *tx
	return &cp, nil
}

func (m *MemoryStore) GetByReference(ctx context.Context, accountID, reference string, txType TxType) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, id := range m.order {
		tx := m.txs[id]
		if tx.AccountID == accountID && tx.Reference == reference && tx.Type == txType {
			cp := *tx
			return &cp, nil
		}
	}
	return nil, ErrTransactionNotFound
}

func (m *MemoryStore) ListTransactions(ctx context.Context, accountID string, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Transaction, 0, limit)
	for i := len(m.order) - 1; i >= 0 && len(out) < limit; i-- {
		tx := m.txs[m.order[i]]
		if tx.AccountID == accountID {
			cp := *tx
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListOverdueCandidates(ctx context.Context, asOf time.Time, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Transaction, 0)
	for _, id := range m.order {
		if len(out) >= limit {
			break
		}
		tx := m.txs[id]
		if tx.Type == TxAuthorization && tx.Status == TxAuthorized && asOf.After(tx.DueDate) {
			cp := *tx
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) SumByType(ctx context.Context, accountID string, txType TxType, status TxStatus) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sum := decimal.Zero
	for _, id := range m.order {
		tx := m.txs[id]
		if tx.AccountID == accountID && tx.Type == txType && tx.Status == status {
			sum = sum.Add(tx.Amount.Decimal())
		}
	}
	return sum, nil
}
