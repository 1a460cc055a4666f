package fees

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"
)

// MemoryStore holds fee rows in memory.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]*Config
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]*Config)}
}

func (m *MemoryStore) Get(_ context.Context, txType TransactionType, currency string) (*Config, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cfg, ok := m.rows[string(txType)+":"+currency]
	if !ok {
		return nil, ErrNotConfigured
	}
	cp := *cfg
	return &cp, nil
}

func (m *MemoryStore) Put(_ context.Context, cfg *Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *cfg
	m.rows[string(cfg.TransactionType)+":"+cfg.Currency] = &cp
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]*Config, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Config, 0, len(m.rows))
	for _, cfg := range m.rows {
		cp := *cfg
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TransactionType != out[j].TransactionType {
			return out[i].TransactionType < out[j].TransactionType
		}
		return out[i].Currency < out[j].Currency
	})
	return out, nil
}

// PostgresStore reads fee_configs.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed fee store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Get(ctx context.Context, txType TransactionType, currency string) (*Config, error) {
	cfg := &Config{TransactionType: txType, Currency: currency}
	err := p.db.QueryRowContext(ctx, `
		SELECT amount, active, updated_at
		FROM fee_configs
		WHERE transaction_type = $1 AND currency = $2`,
		string(txType), currency,
	).Scan(&cfg.Amount, &cfg.Active, &cfg.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotConfigured
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func (p *PostgresStore) Put(ctx context.Context, cfg *Config) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO fee_configs (transaction_type, currency, amount, active, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (transaction_type, currency) DO UPDATE SET
			amount     = EXCLUDED.amount,
			active     = EXCLUDED.active,
			updated_at = NOW()`,
		string(cfg.TransactionType), cfg.Currency, cfg.Amount, cfg.Active)
	return err
}

func (p *PostgresStore) List(ctx context.Context) ([]*Config, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT transaction_type, currency, amount, active, updated_at
		FROM fee_configs
		ORDER BY transaction_type, currency`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Config
	for rows.Next() {
		cfg := &Config{}
		var txType string
		if err := rows.Scan(&txType, &cfg.Currency, &cfg.Amount, &cfg.Active, &cfg.UpdatedAt); err != nil {
			return nil, err
		}
		cfg.TransactionType = TransactionType(txType)
		out = append(out, cfg)
	}
	return out, rows.Err()
}
