// Package txn provides the unit of work every financial operation runs in.
//
// A Runner executes a function so that all store writes made through the
// context either commit together or not at all. Nested WithinTx calls join
// the outer unit of work.
//
// Postgres stores obtain the active transaction with Executor. Memory stores
// register compensating closures with OnRollback. Side effects that must
// only be seen once the writes are durable go through AfterCommit.
package txn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/olawolejethro/azariPay-sub002/internal/retry"
)

// Runner runs fn as a single unit of work.
type Runner interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// DBTX is the subset of *sql.DB and *sql.Tx used by stores.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{}
type journalKey struct{}
type hooksKey struct{}

// hooks collects AfterCommit callbacks for the outermost unit of work.
type hooks struct {
	fns []func()
}

func (h *hooks) run() {
	for _, fn := range h.fns {
		fn()
	}
	h.fns = nil
}

// AfterCommit runs fn once the outermost unit of work bound to ctx has
// committed. Callbacks are dropped if it rolls back. Outside a unit of work
// fn runs immediately.
func AfterCommit(ctx context.Context, fn func()) {
	if h, ok := ctx.Value(hooksKey{}).(*hooks); ok {
		h.fns = append(h.fns, fn)
		return
	}
	fn()
}

// Executor returns the transaction bound to ctx, or db when there is none.
func Executor(ctx context.Context, db *sql.DB) DBTX {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return db
}

// InTx reports whether ctx carries an open unit of work.
func InTx(ctx context.Context) bool {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return true
	}
	_, ok := ctx.Value(journalKey{}).(*journal)
	return ok
}

// ForUpdate returns a row-locking clause when ctx carries a SQL transaction.
func ForUpdate(ctx context.Context) string {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return " FOR UPDATE"
	}
	return ""
}

// SQLRunner runs units of work in SERIALIZABLE Postgres transactions,
// retrying serialization failures.
type SQLRunner struct {
	db          *sql.DB
	maxAttempts int
	baseDelay   time.Duration
}

// NewSQLRunner creates a runner over db.
func NewSQLRunner(db *sql.DB) *SQLRunner {
	return &SQLRunner{db: db, maxAttempts: 3, baseDelay: 20 * time.Millisecond}
}

// WithinTx runs fn in a transaction, committing when fn returns nil.
func (r *SQLRunner) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}

	h := &hooks{}
	err := retry.DoIf(ctx, r.maxAttempts, r.baseDelay, IsSerializationFailure, func() error {
		h.fns = nil
		return r.runOnce(context.WithValue(ctx, hooksKey{}, h), fn)
	})
	if err != nil {
		return err
	}
	h.run()
	return nil
}

func (r *SQLRunner) runOnce(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// IsSerializationFailure reports whether err is a Postgres 40001 error.
func IsSerializationFailure(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "40001"
}

// IsUniqueViolation reports whether err is a Postgres 23505 error.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// MemoryRunner serializes units of work over the in-memory stores and undoes
// their writes when fn fails.
type MemoryRunner struct {
	mu sync.Mutex
}

// NewMemoryRunner creates a runner for the in-memory stores.
func NewMemoryRunner() *MemoryRunner {
	return &MemoryRunner{}
}

type journal struct {
	undo []func()
}

func (j *journal) rollback() {
	for i := len(j.undo) - 1; i >= 0; i-- {
		j.undo[i]()
	}
	j.undo = nil
}

// WithinTx runs fn holding the runner lock. Writes recorded with OnRollback
// are reverted in reverse order if fn returns an error or panics.
// AfterCommit callbacks run after the lock is released.
func (r *MemoryRunner) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(journalKey{}).(*journal); ok {
		return fn(ctx)
	}

	h := &hooks{}
	if err := r.run(context.WithValue(ctx, hooksKey{}, h), fn); err != nil {
		return err
	}
	h.run()
	return nil
}

func (r *MemoryRunner) run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j := &journal{}
	defer func() {
		if p := recover(); p != nil {
			j.rollback()
			panic(p)
		}
		if err != nil {
			j.rollback()
		}
	}()

	return fn(context.WithValue(ctx, journalKey{}, j))
}

// OnRollback registers undo to run if the unit of work bound to ctx fails.
// It is a no-op outside a memory unit of work.
func OnRollback(ctx context.Context, undo func()) {
	if j, ok := ctx.Value(journalKey{}).(*journal); ok {
		j.undo = append(j.undo, undo)
	}
}
