package negotiation

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/olawolejethro/azariPay-sub002/internal/txn"
)

// MemoryStore is an in-memory negotiation store for development and testing.
type MemoryStore struct {
	negotiations map[int64]*Negotiation
	nextID       int64
	mu           sync.RWMutex
}

// NewMemoryStore creates a new in-memory negotiation store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		negotiations: make(map[int64]*Negotiation),
	}
}

func (m *MemoryStore) Create(ctx context.Context, n *Negotiation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	n.ID = m.nextID
	cp := *n
	m.negotiations[n.ID] = &cp

	id := n.ID
	txn.OnRollback(ctx, func() {
		m.mu.Lock()
		delete(m.negotiations, id)
		m.mu.Unlock()
	})
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id int64) (*Negotiation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, ok := m.negotiations[id]
	if !ok {
		return nil, ErrNegotiationNotFound
	}
	cp := *n
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, n *Negotiation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.negotiations[n.ID]
	if !ok {
		return ErrNegotiationNotFound
	}
	cp := *n
	m.negotiations[n.ID] = &cp

	txn.OnRollback(ctx, func() {
		m.mu.Lock()
		m.negotiations[prev.ID] = prev
		m.mu.Unlock()
	})
	return nil
}

func (m *MemoryStore) countOpen(now time.Time, match func(n *Negotiation) bool) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, n := range m.negotiations {
		if match(n) && isOpen(n, now) {
			count++
		}
	}
	return count
}

func isOpen(n *Negotiation, now time.Time) bool {
	return slices.Contains(openStatuses, n.Status) && !n.ExpiredAt(now)
}

func (m *MemoryStore) CountOpenByBuyer(_ context.Context, buyerID int64, now time.Time) (int, error) {
	return m.countOpen(now, func(n *Negotiation) bool { return n.BuyerID == buyerID }), nil
}

func (m *MemoryStore) CountOpenBySeller(_ context.Context, sellerID int64, now time.Time) (int, error) {
	return m.countOpen(now, func(n *Negotiation) bool { return n.SellerID == sellerID }), nil
}

func (m *MemoryStore) CountOpenByOrder(_ context.Context, orderID int64, now time.Time) (int, error) {
	return m.countOpen(now, func(n *Negotiation) bool { return n.SellOrderID == orderID }), nil
}

func (m *MemoryStore) FindLatest(_ context.Context, orderID, buyerID int64, statuses ...Status) (*Negotiation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *Negotiation
	for _, n := range m.negotiations {
		if n.SellOrderID != orderID || n.BuyerID != buyerID || !slices.Contains(statuses, n.Status) {
			continue
		}
		if latest == nil || n.ID > latest.ID {
			latest = n
		}
	}
	if latest == nil {
		return nil, ErrNegotiationNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *MemoryStore) ListForUser(_ context.Context, userID int64, limit int) ([]*Negotiation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Negotiation
	for _, n := range m.negotiations {
		if n.IsParticipant(userID) {
			cp := *n
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID > result[j].ID })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListStale(_ context.Context, now time.Time, limit int) ([]*Negotiation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Negotiation
	for _, n := range m.negotiations {
		if slices.Contains(openStatuses, n.Status) && n.ExpiredAt(now) {
			cp := *n
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
