package negotiation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/olawolejethro/azariPay-sub002/internal/txn"
)

// PostgresStore persists negotiation data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed negotiation store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const negotiationColumns = `id, sell_order_id, buyer_id, seller_id, original_rate, proposed_rate, notes,
	status, expires_at, agreed_at, agreed_by, trade_creation_deadline, cancelled_by, cancel_reason,
	trade_id, created_at, updated_at`

// openPredicate matches negotiations that are still open at $2.
const openPredicate = `((status IN ('PENDING', 'IN_PROGRESS') AND expires_at > $2)
	OR (status = 'AGREED' AND trade_creation_deadline > $2))`

func (p *PostgresStore) Create(ctx context.Context, n *Negotiation) error {
	err := txn.Executor(ctx, p.db).QueryRowContext(ctx, `
		INSERT INTO negotiations (sell_order_id, buyer_id, seller_id, original_rate, proposed_rate,
			notes, status, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		n.SellOrderID, n.BuyerID, n.SellerID, n.OriginalRate, n.ProposedRate,
		n.Notes, string(n.Status), n.ExpiresAt, n.CreatedAt, n.UpdatedAt,
	).Scan(&n.ID)
	if err != nil {
		return fmt.Errorf("insert negotiation: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id int64) (*Negotiation, error) {
	row := txn.Executor(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+negotiationColumns+` FROM negotiations WHERE id = $1`+txn.ForUpdate(ctx), id)
	n, err := scanNegotiation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNegotiationNotFound
	}
	return n, err
}

func (p *PostgresStore) Update(ctx context.Context, n *Negotiation) error {
	result, err := txn.Executor(ctx, p.db).ExecContext(ctx, `
		UPDATE negotiations SET
			proposed_rate           = $1,
			notes                   = $2,
			status                  = $3,
			agreed_at               = $4,
			agreed_by               = $5,
			trade_creation_deadline = $6,
			cancelled_by            = $7,
			cancel_reason           = $8,
			trade_id                = $9,
			updated_at              = $10
		WHERE id = $11`,
		n.ProposedRate, n.Notes, string(n.Status), nullTime(n.AgreedAt), nullInt64(n.AgreedBy),
		nullTime(n.TradeCreationDeadline), nullInt64(n.CancelledBy), n.CancelReason,
		nullInt64(n.TradeID), n.UpdatedAt, n.ID,
	)
	if err != nil {
		return fmt.Errorf("update negotiation: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNegotiationNotFound
	}
	return nil
}

func (p *PostgresStore) count(ctx context.Context, column string, id int64, now time.Time) (int, error) {
	var n int
	err := txn.Executor(ctx, p.db).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM negotiations WHERE `+column+` = $1 AND `+openPredicate, id, now).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count open negotiations: %w", err)
	}
	return n, nil
}

func (p *PostgresStore) CountOpenByBuyer(ctx context.Context, buyerID int64, now time.Time) (int, error) {
	return p.count(ctx, "buyer_id", buyerID, now)
}

func (p *PostgresStore) CountOpenBySeller(ctx context.Context, sellerID int64, now time.Time) (int, error) {
	return p.count(ctx, "seller_id", sellerID, now)
}

func (p *PostgresStore) CountOpenByOrder(ctx context.Context, orderID int64, now time.Time) (int, error) {
	return p.count(ctx, "sell_order_id", orderID, now)
}

func (p *PostgresStore) FindLatest(ctx context.Context, orderID, buyerID int64, statuses ...Status) (*Negotiation, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	row := txn.Executor(ctx, p.db).QueryRowContext(ctx, `SELECT `+negotiationColumns+`
		FROM negotiations
		WHERE sell_order_id = $1 AND buyer_id = $2 AND status = ANY($3)
		ORDER BY id DESC LIMIT 1`+txn.ForUpdate(ctx),
		orderID, buyerID, pq.Array(names))
	n, err := scanNegotiation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNegotiationNotFound
	}
	return n, err
}

func (p *PostgresStore) ListForUser(ctx context.Context, userID int64, limit int) ([]*Negotiation, error) {
	return p.query(ctx, `SELECT `+negotiationColumns+`
		FROM negotiations WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY id DESC LIMIT $2`, userID, limit)
}

func (p *PostgresStore) ListStale(ctx context.Context, now time.Time, limit int) ([]*Negotiation, error) {
	return p.query(ctx, `SELECT `+negotiationColumns+`
		FROM negotiations
		WHERE (status IN ('PENDING', 'IN_PROGRESS') AND expires_at <= $1)
		   OR (status = 'AGREED' AND trade_creation_deadline <= $1)
		ORDER BY id LIMIT $2`, now, limit)
}

func (p *PostgresStore) query(ctx context.Context, query string, args ...any) ([]*Negotiation, error) {
	rows, err := txn.Executor(ctx, p.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Negotiation
	for rows.Next() {
		n, err := scanNegotiation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanNegotiation(s scanner) (*Negotiation, error) {
	n := &Negotiation{}
	var status string
	var agreedAt, deadline sql.NullTime
	var agreedBy, cancelledBy, tradeID sql.NullInt64
	err := s.Scan(&n.ID, &n.SellOrderID, &n.BuyerID, &n.SellerID, &n.OriginalRate, &n.ProposedRate,
		&n.Notes, &status, &n.ExpiresAt, &agreedAt, &agreedBy, &deadline, &cancelledBy,
		&n.CancelReason, &tradeID, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return nil, err
	}

	n.Status = Status(status)
	if agreedAt.Valid {
		n.AgreedAt = &agreedAt.Time
	}
	if deadline.Valid {
		n.TradeCreationDeadline = &deadline.Time
	}
	if agreedBy.Valid {
		n.AgreedBy = &agreedBy.Int64
	}
	if cancelledBy.Valid {
		n.CancelledBy = &cancelledBy.Int64
	}
	if tradeID.Valid {
		n.TradeID = &tradeID.Int64
	}
	return n, nil
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
