package trade

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/olawolejethro/azariPay-sub002/internal/txn"
)

// MemoryStore is an in-memory trade store for development and testing.
type MemoryStore struct {
	trades       map[int64]*Trade
	settlements  map[int64][]*Settlement
	nextID       int64
	nextSettleID int64
	mu           sync.RWMutex
}

// NewMemoryStore creates a new in-memory trade store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trades:      make(map[int64]*Trade),
		settlements: make(map[int64][]*Settlement),
	}
}

func (m *MemoryStore) Create(ctx context.Context, t *Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	t.ID = m.nextID
	cp := *t
	m.trades[t.ID] = &cp

	id := t.ID
	txn.OnRollback(ctx, func() {
		m.mu.Lock()
		delete(m.trades, id)
		m.mu.Unlock()
	})
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id int64) (*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.trades[id]
	if !ok {
		return nil, ErrTradeNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, t *Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.trades[t.ID]
	if !ok {
		return ErrTradeNotFound
	}
	cp := *t
	m.trades[t.ID] = &cp

	txn.OnRollback(ctx, func() {
		m.mu.Lock()
		m.trades[prev.ID] = prev
		m.mu.Unlock()
	})
	return nil
}

func (m *MemoryStore) CountOpenByUser(_ context.Context, userID int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, t := range m.trades {
		if t.IsParticipant(userID) && slices.Contains(OpenStatuses, t.Status) {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID int64, limit int) ([]*Trade, error) {
	return m.list(limit, false, func(t *Trade) bool { return t.IsParticipant(userID) }), nil
}

func (m *MemoryStore) ListExpirable(_ context.Context, now time.Time, limit int) ([]*Trade, error) {
	return m.list(limit, true, func(t *Trade) bool { return t.ExpiredAt(now) }), nil
}

func (m *MemoryStore) list(limit int, ascending bool, match func(*Trade) bool) []*Trade {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Trade
	for _, t := range m.trades {
		if match(t) {
			cp := *t
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if ascending {
			return result[i].ID < result[j].ID
		}
		return result[i].ID > result[j].ID
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result
}

func (m *MemoryStore) AddSettlements(ctx context.Context, rows []*Settlement) error {
	if len(rows) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tradeID := rows[0].TradeID
	prev := m.settlements[tradeID]
	next := slices.Clone(prev)
	for _, r := range rows {
		m.nextSettleID++
		r.ID = m.nextSettleID
		cp := *r
		next = append(next, &cp)
	}
	m.settlements[tradeID] = next

	txn.OnRollback(ctx, func() {
		m.mu.Lock()
		m.settlements[tradeID] = prev
		m.mu.Unlock()
	})
	return nil
}

func (m *MemoryStore) ListSettlements(_ context.Context, tradeID int64) ([]*Settlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Settlement, 0, len(m.settlements[tradeID]))
	for _, s := range m.settlements[tradeID] {
		cp := *s
		result = append(result, &cp)
	}
	return result, nil
}
