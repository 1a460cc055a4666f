package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/olawolejethro/azariPay-sub002/internal/txn"
)

// PostgresStore persists escrow data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const escrowColumns = `id, trade_id, seller_id, buyer_id, amount, trade_amount, fee, currency, status,
	locked_at, released_at, refunded_at, disputed_at, processed_by, released_amount, platform_profit,
	created_at, updated_at`

// Create inserts the escrow only if the trade has none. The trade_id unique
// key makes the check and the insert one atomic step.
func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	err := txn.Executor(ctx, p.db).QueryRowContext(ctx, `
		INSERT INTO escrows (trade_id, seller_id, buyer_id, amount, trade_amount, fee, currency,
			status, locked_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (trade_id) DO NOTHING
		RETURNING id`,
		e.TradeID, e.SellerID, e.BuyerID, e.Amount, e.TradeAmount, e.Fee, e.Currency,
		string(e.Status), e.LockedAt, e.CreatedAt, e.UpdatedAt,
	).Scan(&e.ID)
	if errors.Is(err, sql.ErrNoRows) || txn.IsUniqueViolation(err) {
		return ErrDuplicateTrade
	}
	if err != nil {
		return fmt.Errorf("insert escrow: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id int64) (*Escrow, error) {
	row := txn.Executor(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE id = $1`+txn.ForUpdate(ctx), id)
	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) GetByTradeID(ctx context.Context, tradeID int64) (*Escrow, error) {
	row := txn.Executor(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE trade_id = $1`+txn.ForUpdate(ctx), tradeID)
	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) Update(ctx context.Context, e *Escrow) error {
	result, err := txn.Executor(ctx, p.db).ExecContext(ctx, `
		UPDATE escrows SET
			status          = $1,
			released_at     = $2,
			refunded_at     = $3,
			disputed_at     = $4,
			processed_by    = $5,
			released_amount = $6,
			platform_profit = $7,
			updated_at      = $8
		WHERE id = $9`,
		string(e.Status), nullTime(e.ReleasedAt), nullTime(e.RefundedAt), nullTime(e.DisputedAt),
		nullInt64(e.ProcessedBy), e.ReleasedAmount, e.PlatformProfit, e.UpdatedAt, e.ID,
	)
	if err != nil {
		return fmt.Errorf("update escrow: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

func (p *PostgresStore) ListHeld(ctx context.Context, limit int) ([]*Escrow, error) {
	rows, err := txn.Executor(ctx, p.db).QueryContext(ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE status IN ($1, $2) ORDER BY id LIMIT $3`,
		string(StatusLocked), string(StatusDisputed), limit)
	if err != nil {
		return nil, fmt.Errorf("list held escrows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var status string
	var releasedAt, refundedAt, disputedAt sql.NullTime
	var processedBy sql.NullInt64
	err := s.Scan(&e.ID, &e.TradeID, &e.SellerID, &e.BuyerID, &e.Amount, &e.TradeAmount, &e.Fee,
		&e.Currency, &status, &e.LockedAt, &releasedAt, &refundedAt, &disputedAt, &processedBy,
		&e.ReleasedAmount, &e.PlatformProfit, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}

	e.Status = Status(status)
	if releasedAt.Valid {
		e.ReleasedAt = &releasedAt.Time
	}
	if refundedAt.Valid {
		e.RefundedAt = &refundedAt.Time
	}
	if disputedAt.Valid {
		e.DisputedAt = &disputedAt.Time
	}
	if processedBy.Valid {
		e.ProcessedBy = &processedBy.Int64
	}
	return e, nil
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
