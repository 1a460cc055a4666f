package dispute

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/olawolejethro/azariPay-sub002/internal/escrow"
	"github.com/olawolejethro/azariPay-sub002/internal/txn"
)

// PostgresStore persists disputes in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const disputeColumns = `id, trade_id, raised_by, description, amount, transaction_type, screenshots,
	status, outcome, resolution, resolved_by, resolved_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	err := txn.Executor(ctx, p.db).QueryRowContext(ctx, `
		INSERT INTO disputes (trade_id, raised_by, description, amount, transaction_type, screenshots,
			status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		d.TradeID, d.RaisedBy, d.Description, d.Amount, d.TransactionType, pq.Array(screenshots(d)),
		string(d.Status), d.CreatedAt, d.UpdatedAt,
	).Scan(&d.ID)
	if txn.IsUniqueViolation(err) {
		return ErrOpenDispute
	}
	if err != nil {
		return fmt.Errorf("insert dispute: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id int64) (*Dispute, error) {
	row := txn.Executor(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE id = $1`+txn.ForUpdate(ctx), id)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) Update(ctx context.Context, d *Dispute) error {
	result, err := txn.Executor(ctx, p.db).ExecContext(ctx, `
		UPDATE disputes SET
			status      = $1,
			outcome     = $2,
			resolution  = $3,
			resolved_by = $4,
			resolved_at = $5,
			updated_at  = $6
		WHERE id = $7`,
		string(d.Status), string(d.Outcome), d.Resolution, nullInt64(d.ResolvedBy), nullTime(d.ResolvedAt),
		d.UpdatedAt, d.ID,
	)
	if err != nil {
		return fmt.Errorf("update dispute: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrDisputeNotFound
	}
	return nil
}

func (p *PostgresStore) FindOpenByTrade(ctx context.Context, tradeID int64) (*Dispute, error) {
	row := txn.Executor(ctx, p.db).QueryRowContext(ctx, `SELECT `+disputeColumns+`
		FROM disputes WHERE trade_id = $1 AND status = ANY($2)
		ORDER BY id DESC LIMIT 1`, tradeID, pq.Array(statusNames(OpenStatuses)))
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) ListByTrade(ctx context.Context, tradeID int64) ([]*Dispute, error) {
	return p.query(ctx, `SELECT `+disputeColumns+`
		FROM disputes WHERE trade_id = $1 ORDER BY id`, tradeID)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, statuses []Status, limit int) ([]*Dispute, error) {
	return p.query(ctx, `SELECT `+disputeColumns+`
		FROM disputes WHERE status = ANY($1)
		ORDER BY id LIMIT $2`, pq.Array(statusNames(statuses)), limit)
}

func (p *PostgresStore) query(ctx context.Context, query string, args ...any) ([]*Dispute, error) {
	rows, err := txn.Executor(ctx, p.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := []*Dispute{}
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var status, outcome string
	var resolvedBy sql.NullInt64
	var resolvedAt sql.NullTime
	var shots pq.StringArray
	err := s.Scan(&d.ID, &d.TradeID, &d.RaisedBy, &d.Description, &d.Amount, &d.TransactionType, &shots,
		&status, &outcome, &d.Resolution, &resolvedBy, &resolvedAt, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}

	d.Status = Status(status)
	d.Outcome = escrow.Outcome(outcome)
	d.Screenshots = []string(shots)
	if d.Screenshots == nil {
		d.Screenshots = []string{}
	}
	if resolvedBy.Valid {
		d.ResolvedBy = &resolvedBy.Int64
	}
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}
	return d, nil
}

func screenshots(d *Dispute) []string {
	if d.Screenshots == nil {
		return []string{}
	}
	return d.Screenshots
}

func statusNames(statuses []Status) []string {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	return names
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
