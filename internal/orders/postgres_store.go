package orders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/olawolejethro/azariPay-sub002/internal/txn"
)

// PostgresStore persists orders in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const orderColumns = `id, kind, owner_id, currency, target_currency, exchange_rate, available_amount,
	min_transaction_limit, status, matched_user_id, matched_trade_id, is_negotiating,
	trade_count, completed_count, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, o *Order) error {
	err := txn.Executor(ctx, p.db).QueryRowContext(ctx, `
		INSERT INTO orders (kind, owner_id, currency, target_currency, exchange_rate, available_amount,
			min_transaction_limit, status, is_negotiating, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`,
		string(o.Kind), o.OwnerID, o.Currency, o.TargetCurrency, o.ExchangeRate, o.AvailableAmount,
		o.MinTransactionLimit, string(o.Status), o.IsNegotiating, o.CreatedAt, o.UpdatedAt,
	).Scan(&o.ID)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id int64) (*Order, error) {
	row := txn.Executor(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`+txn.ForUpdate(ctx), id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	return o, err
}

func (p *PostgresStore) Update(ctx context.Context, o *Order) error {
	result, err := txn.Executor(ctx, p.db).ExecContext(ctx, `
		UPDATE orders SET
			available_amount = $1,
			status           = $2,
			matched_user_id  = $3,
			matched_trade_id = $4,
			is_negotiating   = $5,
			trade_count      = $6,
			completed_count  = $7,
			updated_at       = $8
		WHERE id = $9`,
		o.AvailableAmount, string(o.Status), nullInt64(o.MatchedUserID), nullInt64(o.MatchedTradeID),
		o.IsNegotiating, o.TradeCount, o.CompletedCount, o.UpdatedAt, o.ID,
	)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (p *PostgresStore) ListOpen(ctx context.Context, kind Kind, limit int) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+orderColumns+`
		FROM orders WHERE kind = $1 AND status = 'OPEN'
		ORDER BY id LIMIT $2`, string(kind), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(s scanner) (*Order, error) {
	o := &Order{}
	var kind, status string
	var matchedUser, matchedTrade sql.NullInt64
	err := s.Scan(&o.ID, &kind, &o.OwnerID, &o.Currency, &o.TargetCurrency, &o.ExchangeRate,
		&o.AvailableAmount, &o.MinTransactionLimit, &status, &matchedUser, &matchedTrade,
		&o.IsNegotiating, &o.TradeCount, &o.CompletedCount, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Kind = Kind(kind)
	o.Status = Status(status)
	if matchedUser.Valid {
		o.MatchedUserID = &matchedUser.Int64
	}
	if matchedTrade.Valid {
		o.MatchedTradeID = &matchedTrade.Int64
	}
	return o, nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
