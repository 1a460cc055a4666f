package trade

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/olawolejethro/azariPay-sub002/internal/txn"
)

// PostgresStore persists trade data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed trade store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const tradeColumns = `id, buyer_id, seller_id, initiator_id, sell_order_id, buy_order_id, negotiation_id,
	amount, currency, converted_amount, converted_currency, rate, negotiated_rate,
	rate_negotiated_at, rate_negotiated_by, rate_negotiation_reason, status, payment_time_limit_seconds,
	accepted_at, payment_sent_at, payment_confirmed_at, cancelled_at, cancelled_by, cancellation_reason,
	created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, t *Trade) error {
	err := txn.Executor(ctx, p.db).QueryRowContext(ctx, `
		INSERT INTO trades (buyer_id, seller_id, initiator_id, sell_order_id, buy_order_id, negotiation_id,
			amount, currency, converted_amount, converted_currency, rate, status,
			payment_time_limit_seconds, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id`,
		t.BuyerID, t.SellerID, t.InitiatorID, nullInt64(t.SellOrderID), nullInt64(t.BuyOrderID),
		nullInt64(t.NegotiationID), t.Amount, t.Currency, t.ConvertedAmount, t.ConvertedCurrency,
		t.Rate, string(t.Status), int64(t.PaymentTimeLimit/time.Second), t.CreatedAt, t.UpdatedAt,
	).Scan(&t.ID)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id int64) (*Trade, error) {
	row := txn.Executor(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE id = $1`+txn.ForUpdate(ctx), id)
	t, err := scanTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTradeNotFound
	}
	return t, err
}

func (p *PostgresStore) Update(ctx context.Context, t *Trade) error {
	result, err := txn.Executor(ctx, p.db).ExecContext(ctx, `
		UPDATE trades SET
			converted_amount        = $1,
			negotiated_rate         = $2,
			rate_negotiated_at      = $3,
			rate_negotiated_by      = $4,
			rate_negotiation_reason = $5,
			status                  = $6,
			accepted_at             = $7,
			payment_sent_at         = $8,
			payment_confirmed_at    = $9,
			cancelled_at            = $10,
			cancelled_by            = $11,
			cancellation_reason     = $12,
			updated_at              = $13
		WHERE id = $14`,
		t.ConvertedAmount, t.NegotiatedRate, nullTime(t.RateNegotiatedAt), nullInt64(t.RateNegotiatedBy),
		t.RateNegotiationReason, string(t.Status), nullTime(t.AcceptedAt), nullTime(t.PaymentSentAt),
		nullTime(t.PaymentConfirmedAt), nullTime(t.CancelledAt), nullInt64(t.CancelledBy),
		t.CancellationReason, t.UpdatedAt, t.ID,
	)
	if err != nil {
		return fmt.Errorf("update trade: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTradeNotFound
	}
	return nil
}

func (p *PostgresStore) CountOpenByUser(ctx context.Context, userID int64) (int, error) {
	names := make([]string, len(OpenStatuses))
	for i, st := range OpenStatuses {
		names[i] = string(st)
	}
	var n int
	err := txn.Executor(ctx, p.db).QueryRowContext(ctx, `
		SELECT COUNT(*) FROM trades
		WHERE (buyer_id = $1 OR seller_id = $1) AND status = ANY($2)`,
		userID, pq.Array(names)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count open trades: %w", err)
	}
	return n, nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID int64, limit int) ([]*Trade, error) {
	return p.query(ctx, `SELECT `+tradeColumns+`
		FROM trades WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY id DESC LIMIT $2`, userID, limit)
}

func (p *PostgresStore) ListExpirable(ctx context.Context, now time.Time, limit int) ([]*Trade, error) {
	return p.query(ctx, `SELECT `+tradeColumns+`
		FROM trades
		WHERE status IN ('PENDING', 'ACTIVE')
		  AND payment_time_limit_seconds > 0
		  AND COALESCE(accepted_at, created_at) + make_interval(secs => payment_time_limit_seconds) <= $1
		ORDER BY id LIMIT $2`, now, limit)
}

func (p *PostgresStore) AddSettlements(ctx context.Context, rows []*Settlement) error {
	exec := txn.Executor(ctx, p.db)
	for _, r := range rows {
		err := exec.QueryRowContext(ctx, `
			INSERT INTO trade_settlements (trade_id, user_id, side, amount, currency, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id`,
			r.TradeID, r.UserID, string(r.Side), r.Amount, r.Currency, r.CreatedAt,
		).Scan(&r.ID)
		if err != nil {
			return fmt.Errorf("insert settlement: %w", err)
		}
	}
	return nil
}

func (p *PostgresStore) ListSettlements(ctx context.Context, tradeID int64) ([]*Settlement, error) {
	rows, err := txn.Executor(ctx, p.db).QueryContext(ctx, `
		SELECT id, trade_id, user_id, side, amount, currency, created_at
		FROM trade_settlements WHERE trade_id = $1 ORDER BY id`, tradeID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := []*Settlement{}
	for rows.Next() {
		s := &Settlement{}
		var side string
		if err := rows.Scan(&s.ID, &s.TradeID, &s.UserID, &side, &s.Amount, &s.Currency, &s.CreatedAt); err != nil {
			return nil, err
		}
		s.Side = SettlementSide(side)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) query(ctx context.Context, query string, args ...any) ([]*Trade, error) {
	rows, err := txn.Executor(ctx, p.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTrade(s scanner) (*Trade, error) {
	t := &Trade{}
	var status string
	var limitSeconds int64
	var sellOrderID, buyOrderID, negotiationID, negotiatedBy, cancelledBy sql.NullInt64
	var negotiatedAt, acceptedAt, sentAt, confirmedAt, cancelledAt sql.NullTime
	err := s.Scan(&t.ID, &t.BuyerID, &t.SellerID, &t.InitiatorID, &sellOrderID, &buyOrderID, &negotiationID,
		&t.Amount, &t.Currency, &t.ConvertedAmount, &t.ConvertedCurrency, &t.Rate, &t.NegotiatedRate,
		&negotiatedAt, &negotiatedBy, &t.RateNegotiationReason, &status, &limitSeconds,
		&acceptedAt, &sentAt, &confirmedAt, &cancelledAt, &cancelledBy, &t.CancellationReason,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}

	t.Status = Status(status)
	t.PaymentTimeLimit = time.Duration(limitSeconds) * time.Second
	t.SellOrderID = int64Ptr(sellOrderID)
	t.BuyOrderID = int64Ptr(buyOrderID)
	t.NegotiationID = int64Ptr(negotiationID)
	t.RateNegotiatedBy = int64Ptr(negotiatedBy)
	t.CancelledBy = int64Ptr(cancelledBy)
	t.RateNegotiatedAt = timePtr(negotiatedAt)
	t.AcceptedAt = timePtr(acceptedAt)
	t.PaymentSentAt = timePtr(sentAt)
	t.PaymentConfirmedAt = timePtr(confirmedAt)
	t.CancelledAt = timePtr(cancelledAt)
	return t, nil
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	return &v.Int64
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	return &v.Time
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
