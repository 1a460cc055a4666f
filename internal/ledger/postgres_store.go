package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/olawolejethro/azariPay-sub002/internal/txn"
)

// PostgresStore persists wallets in wallet_balances and wallet_entries.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetBalance(ctx context.Context, userID int64, currency string) (*Balance, error) {
	bal := &Balance{UserID: userID, Currency: currency}
	err := txn.Executor(ctx, p.db).QueryRowContext(ctx, `
		SELECT available, updated_at
		FROM wallet_balances
		WHERE user_id = $1 AND currency = $2`+txn.ForUpdate(ctx),
		userID, currency,
	).Scan(&bal.Available, &bal.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &Balance{UserID: userID, Currency: currency, Available: decimal.Zero, UpdatedAt: time.Now()}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	return bal, nil
}

func (p *PostgresStore) ListBalances(ctx context.Context, userID int64) ([]*Balance, error) {
	rows, err := txn.Executor(ctx, p.db).QueryContext(ctx, `
		SELECT user_id, currency, available, updated_at
		FROM wallet_balances
		WHERE user_id = $1
		ORDER BY currency`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Balance
	for rows.Next() {
		bal := &Balance{}
		if err := rows.Scan(&bal.UserID, &bal.Currency, &bal.Available, &bal.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, bal)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Credit(ctx context.Context, entry *Entry) (decimal.Decimal, error) {
	db := txn.Executor(ctx, p.db)

	var after decimal.Decimal
	err := db.QueryRowContext(ctx, `
		INSERT INTO wallet_balances (user_id, currency, available, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (user_id, currency) DO UPDATE SET
			available  = wallet_balances.available + EXCLUDED.available,
			updated_at = NOW()
		RETURNING available`,
		entry.UserID, entry.Currency, entry.Amount,
	).Scan(&after)
	if err != nil {
		return decimal.Zero, fmt.Errorf("credit balance: %w", err)
	}

	if err := p.insertEntry(ctx, db, entry, after); err != nil {
		return decimal.Zero, err
	}
	return after, nil
}

func (p *PostgresStore) Debit(ctx context.Context, entry *Entry) (decimal.Decimal, error) {
	db := txn.Executor(ctx, p.db)

	var after decimal.Decimal
	err := db.QueryRowContext(ctx, `
		UPDATE wallet_balances SET
			available  = available - $3,
			updated_at = NOW()
		WHERE user_id = $1 AND currency = $2 AND available >= $3
		RETURNING available`,
		entry.UserID, entry.Currency, entry.Amount,
	).Scan(&after)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, ErrInsufficientBalance
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("debit balance: %w", err)
	}

	if err := p.insertEntry(ctx, db, entry, after); err != nil {
		return decimal.Zero, err
	}
	return after, nil
}

func (p *PostgresStore) insertEntry(ctx context.Context, db txn.DBTX, entry *Entry, after decimal.Decimal) error {
	entry.BalanceAfter = after
	err := db.QueryRowContext(ctx, `
		INSERT INTO wallet_entries (user_id, currency, type, amount, balance_after, reference, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		entry.UserID, entry.Currency, string(entry.Type), entry.Amount, after,
		entry.Reference, entry.Description, entry.CreatedAt,
	).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("insert wallet entry: %w", err)
	}
	return nil
}

func (p *PostgresStore) History(ctx context.Context, userID int64, limit int) ([]*Entry, error) {
	rows, err := txn.Executor(ctx, p.db).QueryContext(ctx, `
		SELECT id, user_id, currency, type, amount, balance_after, reference, description, created_at
		FROM wallet_entries
		WHERE user_id = $1
		ORDER BY id DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Entry
	for rows.Next() {
		e := &Entry{}
		var typ string
		if err := rows.Scan(&e.ID, &e.UserID, &e.Currency, &typ, &e.Amount, &e.BalanceAfter,
			&e.Reference, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = EntryType(typ)
		out = append(out, e)
	}
	return out, rows.Err()
}
