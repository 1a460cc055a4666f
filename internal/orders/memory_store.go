package orders

import (
	"context"
	"sort"
	"sync"

	"github.com/olawolejethro/azariPay-sub002/internal/txn"
)

// MemoryStore is an in-memory order store for development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[int64]*Order
	nextID int64
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[int64]*Order)}
}

func (m *MemoryStore) Create(ctx context.Context, order *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	order.ID = m.nextID
	cp := *order
	m.orders[order.ID] = &cp

	id := order.ID
	txn.OnRollback(ctx, func() {
		m.mu.Lock()
		delete(m.orders, id)
		m.mu.Unlock()
	})
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id int64) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, order *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.orders[order.ID]
	if !ok {
		return ErrOrderNotFound
	}
	cp := *order
	m.orders[order.ID] = &cp

	txn.OnRollback(ctx, func() {
		m.mu.Lock()
		m.orders[prev.ID] = prev
		m.mu.Unlock()
	})
	return nil
}

func (m *MemoryStore) ListOpen(_ context.Context, kind Kind, limit int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Order
	for _, o := range m.orders {
		if o.Kind == kind && o.Status == StatusOpen {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
