package payment

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory payment store for demo/development mode.
type MemoryStore struct {
	payments   map[string]*Payment
	byExternal map[string]string // external id -> payment id
	order      []string
	mu         sync.RWMutex
}

// NewMemoryStore creates a new in-memory payment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments:   make(map[string]*Payment),
		byExternal: make(map[string]string),
	}
}

func clonePayment(p *Payment) *Payment {
	cp := *p
	if p.Metadata != nil {
		cp.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

func (m *MemoryStore) Create(ctx context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.payments[p.ID] = clonePayment(p)
	m.order = append(m.order, p.ID)
	if p.ExternalID != "" {
		m.byExternal[p.ExternalID] = p.ID
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return clonePayment(p), nil
}

func (m *MemoryStore) GetByExternalID(ctx context.Context, externalID string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byExternal[externalID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return clonePayment(m.payments[id]), nil
}

func (m *MemoryStore) Update(ctx context.Context, p *Payment, expect Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.payments[p.ID]
	if !ok {
		return ErrPaymentNotFound
	}
	if cur.Status != expect {
		return ErrStaleTransition
	}

	m.payments[p.ID] = clonePayment(p)
	if p.ExternalID != "" {
		m.byExternal[p.ExternalID] = p.ID
	}
	return nil
}

func (m *MemoryStore) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Payment, 0, limit)
	for i := len(m.order) - 1; i >= 0 && len(out) < limit; i-- {
		p := m.payments[m.order[i]]
		if p.OwnerID == ownerID {
			out = append(out, clonePayment(p))
		}
	}
	return out, nil
}

func (m *MemoryStore) ListStuckProcessing(ctx context.Context, cutoff time.Time, limit int) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Payment, 0)
	for _, id := range m.order {
		if len(out) >= limit {
			break
		}
		p := m.payments[id]
		if p.Status == StatusProcessing && p.UpdatedAt.Before(cutoff) {
			out = append(out, clonePayment(p))
		}
	}
	return out, nil
}
