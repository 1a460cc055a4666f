package ledger

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/olawolejethro/azariPay-sub002/internal/txn"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	balances map[string]*Balance
	entries  []*Entry
	nextID   int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{balances: make(map[string]*Balance)}
}

func balKey(userID int64, currency string) string {
	return strconv.FormatInt(userID, 10) + ":" + currency
}

func (m *MemoryStore) GetBalance(_ context.Context, userID int64, currency string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if bal, ok := m.balances[balKey(userID, currency)]; ok {
		cp := *bal
		return &cp, nil
	}
	return &Balance{UserID: userID, Currency: currency, Available: decimal.Zero, UpdatedAt: time.Now()}, nil
}

func (m *MemoryStore) ListBalances(_ context.Context, userID int64) ([]*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Balance
	for _, bal := range m.balances {
		if bal.UserID == userID {
			cp := *bal
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out, nil
}

func (m *MemoryStore) Credit(ctx context.Context, entry *Entry) (decimal.Decimal, error) {
	return m.apply(ctx, entry, entry.Amount)
}

func (m *MemoryStore) Debit(ctx context.Context, entry *Entry) (decimal.Decimal, error) {
	return m.apply(ctx, entry, entry.Amount.Neg())
}

func (m *MemoryStore) apply(ctx context.Context, entry *Entry, delta decimal.Decimal) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := balKey(entry.UserID, entry.Currency)
	bal, existed := m.balances[key]
	if !existed {
		bal = &Balance{UserID: entry.UserID, Currency: entry.Currency, Available: decimal.Zero}
	}

	next := bal.Available.Add(delta)
	if next.IsNegative() {
		return decimal.Zero, ErrInsufficientBalance
	}

	prev := *bal
	bal.Available = next
	bal.UpdatedAt = time.Now()
	m.balances[key] = bal

	m.nextID++
	stored := *entry
	stored.ID = m.nextID
	stored.BalanceAfter = next
	m.entries = append(m.entries, &stored)
	entry.ID = stored.ID
	entry.BalanceAfter = next

	txn.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if existed {
			*m.balances[key] = prev
		} else {
			delete(m.balances, key)
		}
		for i, e := range m.entries {
			if e.ID == stored.ID {
				m.entries = append(m.entries[:i], m.entries[i+1:]...)
				break
			}
		}
	})

	return next, nil
}

func (m *MemoryStore) History(_ context.Context, userID int64, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if m.entries[i].UserID == userID {
			cp := *m.entries[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Total sums every balance in currency across all users.
func (m *MemoryStore) Total(currency string) decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := decimal.Zero
	for _, bal := range m.balances {
		if bal.Currency == currency {
			total = total.Add(bal.Available)
		}
	}
	return total
}
