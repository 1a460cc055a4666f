package dispute

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/olawolejethro/azariPay-sub002/internal/txn"
)

// MemoryStore is an in-memory dispute store for development and testing.
type MemoryStore struct {
	disputes map[int64]*Dispute
	nextID   int64
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory dispute store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		disputes: make(map[int64]*Dispute),
	}
}

func clone(d *Dispute) *Dispute {
	cp := *d
	cp.Screenshots = slices.Clone(d.Screenshots)
	return &cp
}

func (m *MemoryStore) Create(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.disputes {
		if existing.TradeID == d.TradeID && slices.Contains(OpenStatuses, existing.Status) {
			return ErrOpenDispute
		}
	}
	m.nextID++
	d.ID = m.nextID
	m.disputes[d.ID] = clone(d)

	id := d.ID
	txn.OnRollback(ctx, func() {
		m.mu.Lock()
		delete(m.disputes, id)
		m.mu.Unlock()
	})
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id int64) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return clone(d), nil
}

func (m *MemoryStore) Update(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.disputes[d.ID]
	if !ok {
		return ErrDisputeNotFound
	}
	m.disputes[d.ID] = clone(d)

	txn.OnRollback(ctx, func() {
		m.mu.Lock()
		m.disputes[prev.ID] = prev
		m.mu.Unlock()
	})
	return nil
}

func (m *MemoryStore) FindOpenByTrade(_ context.Context, tradeID int64) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, d := range m.disputes {
		if d.TradeID == tradeID && slices.Contains(OpenStatuses, d.Status) {
			return clone(d), nil
		}
	}
	return nil, ErrDisputeNotFound
}

func (m *MemoryStore) ListByTrade(_ context.Context, tradeID int64) ([]*Dispute, error) {
	return m.list(0, func(d *Dispute) bool { return d.TradeID == tradeID }), nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, statuses []Status, limit int) ([]*Dispute, error) {
	return m.list(limit, func(d *Dispute) bool { return slices.Contains(statuses, d.Status) }), nil
}

// list returns matching disputes oldest first. A zero limit returns all.
func (m *MemoryStore) list(limit int, match func(d *Dispute) bool) []*Dispute {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := []*Dispute{}
	for _, d := range m.disputes {
		if match(d) {
			result = append(result, clone(d))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}
