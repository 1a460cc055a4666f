package escrow

import (
	"context"
	"sort"
	"sync"

	"github.com/olawolejethro/azariPay-sub002/internal/txn"
)

// MemoryStore is an in-memory escrow store for development and testing.
// The byTrade index is the unique trade slot: Create checks and claims it
// under one lock.
type MemoryStore struct {
	mu      sync.RWMutex
	escrows map[int64]*Escrow
	byTrade map[int64]int64
	nextID  int64
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[int64]*Escrow),
		byTrade: make(map[int64]int64),
	}
}

func (m *MemoryStore) Create(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, taken := m.byTrade[e.TradeID]; taken {
		return ErrDuplicateTrade
	}
	m.nextID++
	e.ID = m.nextID
	cp := *e
	m.escrows[e.ID] = &cp
	m.byTrade[e.TradeID] = e.ID

	id, tradeID := e.ID, e.TradeID
	txn.OnRollback(ctx, func() {
		m.mu.Lock()
		delete(m.escrows, id)
		delete(m.byTrade, tradeID)
		m.mu.Unlock()
	})
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id int64) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) GetByTradeID(_ context.Context, tradeID int64) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byTrade[tradeID]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	cp := *m.escrows[id]
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.escrows[e.ID]
	if !ok {
		return ErrEscrowNotFound
	}
	cp := *e
	m.escrows[e.ID] = &cp

	txn.OnRollback(ctx, func() {
		m.mu.Lock()
		m.escrows[prev.ID] = prev
		m.mu.Unlock()
	})
	return nil
}

func (m *MemoryStore) ListHeld(_ context.Context, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if !e.IsTerminal() {
			cp := *e
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
