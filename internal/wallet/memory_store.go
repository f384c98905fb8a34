package wallet

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/freightdesk/paycore/internal/pagination"
)

// MemoryStore is an in-memory wallet store for demo/development mode.
type MemoryStore struct {
	wallets map[string]*Wallet
	byOwner map[string]string // owner id -> wallet id
	txs     map[string]*Transaction
	order   []string // transaction ids in append order
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory wallet store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets: make(map[string]*Wallet),
		byOwner: make(map[string]string),
		txs:     make(map[string]*Transaction),
	}
}

func (m *MemoryStore) CreateWallet(ctx context.Context, w *Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Only an open wallet blocks a second create; a closed one stays
	// behind for history and the owner may open a fresh wallet.
	if id, ok := m.byOwner[w.OwnerID]; ok && m.wallets[id].Status != StatusClosed {
		return ErrDuplicateWallet
	}
	cp := *w
	m.wallets[w.ID] = &cp
	m.byOwner[w.OwnerID] = w.ID
	return nil
}

func (m *MemoryStore) GetWallet(ctx context.Context, id string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.wallets[id]
	if !ok {
		return nil, ErrWalletNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) GetByOwner(ctx context.Context, ownerID string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byOwner[ownerID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	w := m.wallets[id]
	if w.Status == StatusClosed {
		return nil, ErrWalletNotFound
	}
	cp := *w
	return &cp, nil
}

// Apply saves the wallets and appends the transactions in one critical
// section. Version checks reject a save based on a stale read.
func (m *MemoryStore) Apply(ctx context.Context, wallets []*Wallet, txs []*Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, w := range wallets {
		cur, ok := m.wallets[w.ID]
		if !ok {
			return ErrWalletNotFound
		}
		if cur.Version != w.Version {
			return ErrVersionConflict
		}
	}
	for _, w := range wallets {
		w.Version++
		cp := *w
		m.wallets[w.ID] = &cp
	}
	for _, tx := range txs {
		cp := *tx
		m.txs[tx.ID] = &cp
		m.order = append(m.order, tx.ID)
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

func (m *MemoryStore) GetByReference(ctx context.Context, walletID, reference string, txType TxType) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, id := range m.order {
		tx := m.txs[id]
		if tx.WalletID == walletID && tx.Reference == reference && tx.Type == txType {
			cp := *tx
			return &cp, nil
		}
	}
	return nil, ErrTransactionNotFound
}

func (m *MemoryStore) ListTransactions(ctx context.Context, walletID string, limit int, opts ...ListOption) ([]*Transaction, error) {
	o := applyListOpts(opts)

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Transaction, 0, limit)
	for i := len(m.order) - 1; i >= 0 && len(out) < limit; i-- {
		tx := m.txs[m.order[i]]
		if tx.WalletID != walletID {
			continue
		}
		if o.cursor != nil && !beforeCursor(tx, o.cursor) {
			continue
		}
		cp := *tx
		out = append(out, &cp)
	}
	return out, nil
}

// beforeCursor reports whether tx sorts strictly after the cursor position
// in the newest-first ordering (created_at, id) descending.
func beforeCursor(tx *Transaction, c *pagination.Cursor) bool {
	if tx.CreatedAt.Before(c.CreatedAt) {
		return true
	}
	return tx.CreatedAt.Equal(c.CreatedAt) && tx.ID < c.ID
}

func (m *MemoryStore) MarkReversed(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[id]
	if !ok {
		return ErrTransactionNotFound
	}
	tx.Status = TxReversed
	return nil
}

func (m *MemoryStore) SumCompletedOutbound(ctx context.Context, walletID string, from, to time.Time) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sum := decimal.Zero
	for _, id := range m.order {
		tx := m.txs[id]
		if tx.WalletID != walletID || tx.Status != TxCompleted || !tx.Type.outbound() {
			continue
		}
		if tx.CreatedAt.Before(from) || tx.CreatedAt.After(to) {
			continue
		}
		sum = sum.Add(tx.Amount.Decimal())
	}
	return sum, nil
}

func (m *MemoryStore) SumCompletedDeltas(ctx context.Context, walletID string) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sum := decimal.Zero
	for _, id := range m.order {
		tx := m.txs[id]
		if tx.WalletID != walletID {
			continue
		}
		if tx.Status != TxCompleted && tx.Status != TxReversed {
			continue
		}
		sum = sum.Add(tx.Delta())
	}
	return sum, nil
}

func (m *MemoryStore) ListWalletIDs(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.wallets))
	for id := range m.wallets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) ListDanglingTransfers(ctx context.Context, cutoff time.Time, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inGroups := make(map[string]bool)
	for _, id := range m.order {
		tx := m.txs[id]
		if tx.Type == TxTransferIn && tx.Status == TxCompleted {
			inGroups[tx.TransferGroup] = true
		}
	}

	out := make([]*Transaction, 0)
	for _, id := range m.order {
		if len(out) >= limit {
			break
		}
		tx := m.txs[id]
		if tx.Type != TxTransferOut || tx.Status != TxCompleted {
			continue
		}
		if !tx.CreatedAt.Before(cutoff) || inGroups[tx.TransferGroup] {
			continue
		}
		cp := *tx
		out = append(out, &cp)
	}
	return out, nil
}
