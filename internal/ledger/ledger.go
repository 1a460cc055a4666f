// Package ledger is the wallet ledger: per-user balances in each currency
// with an append-only entry log.
//
// Every debit and credit runs in the caller's unit of work when one is open,
// so escrow and trade settlement can move funds atomically with their own
// state changes.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/olawolejethro/azariPay-sub002/internal/apperr"
	"github.com/olawolejethro/azariPay-sub002/internal/txn"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("amount must be positive")
)

// EntryType is the direction of a ledger entry.
type EntryType string

const (
	EntryDebit  EntryType = "debit"
	EntryCredit EntryType = "credit"
)

// Balance is a user's available funds in one currency.
type Balance struct {
	UserID    int64           `json:"userId"`
	Currency  string          `json:"currency"`
	Available decimal.Decimal `json:"available"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Entry records one balance movement.
type Entry struct {
	ID           int64           `json:"id"`
	UserID       int64           `json:"userId"`
	Currency     string          `json:"currency"`
	Type         EntryType       `json:"type"`
	Amount       decimal.Decimal `json:"amount"`
	BalanceAfter decimal.Decimal `json:"balanceAfter"`
	Reference    string          `json:"reference,omitempty"`
	Description  string          `json:"description,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// Store persists balances and entries. Debit and Credit apply the balance
// change and append the entry, returning the balance after the movement.
type Store interface {
	GetBalance(ctx context.Context, userID int64, currency string) (*Balance, error)
	ListBalances(ctx context.Context, userID int64) ([]*Balance, error)
	Credit(ctx context.Context, entry *Entry) (decimal.Decimal, error)
	Debit(ctx context.Context, entry *Entry) (decimal.Decimal, error)
	History(ctx context.Context, userID int64, limit int) ([]*Entry, error)
}

// Ledger is the wallet service.
type Ledger struct {
	store  Store
	tx     txn.Runner
	logger *slog.Logger
}

// New creates a ledger over store.
func New(store Store, tx txn.Runner) *Ledger {
	return &Ledger{store: store, tx: tx, logger: slog.Default()}
}

// WithLogger sets the logger.
func (l *Ledger) WithLogger(logger *slog.Logger) *Ledger {
	l.logger = logger
	return l
}

func normalizeCurrency(currency string) string {
	return strings.ToUpper(strings.TrimSpace(currency))
}

// GetBalance returns the available balance; unknown wallets have zero.
func (l *Ledger) GetBalance(ctx context.Context, userID int64, currency string) (decimal.Decimal, error) {
	bal, err := l.store.GetBalance(ctx, userID, normalizeCurrency(currency))
	if err != nil {
		return decimal.Zero, err
	}
	return bal.Available, nil
}

// Balances lists every currency balance a user holds.
func (l *Ledger) Balances(ctx context.Context, userID int64) ([]*Balance, error) {
	return l.store.ListBalances(ctx, userID)
}

// Debit removes amount from the user's wallet. A shortfall is reported as an
// InsufficientFunds business error and nothing is written.
func (l *Ledger) Debit(ctx context.Context, userID int64, currency string, amount decimal.Decimal, reference, description string) (decimal.Decimal, error) {
	done := observeOp("debit")
	defer done()

	entry, err := newEntry(userID, currency, EntryDebit, amount, reference, description)
	if err != nil {
		return decimal.Zero, err
	}

	var after decimal.Decimal
	err = l.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		after, err = l.store.Debit(ctx, entry)
		return err
	})
	if errors.Is(err, ErrInsufficientBalance) {
		insufficientFundsTotal.WithLabelValues(entry.Currency).Inc()
		return decimal.Zero, apperr.Wrap(apperr.KindInsufficientFunds, err,
			fmt.Sprintf("insufficient %s balance for debit of %s", entry.Currency, amount.String()))
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("debit wallet %d %s: %w", userID, entry.Currency, err)
	}

	l.logger.Debug("wallet debited", "user_id", userID, "currency", entry.Currency,
		"amount", amount.String(), "balance_after", after.String(), "reference", reference)
	return after, nil
}

// Credit adds amount to the user's wallet, creating it if needed.
func (l *Ledger) Credit(ctx context.Context, userID int64, currency string, amount decimal.Decimal, reference, description string) (decimal.Decimal, error) {
	done := observeOp("credit")
	defer done()

	entry, err := newEntry(userID, currency, EntryCredit, amount, reference, description)
	if err != nil {
		return decimal.Zero, err
	}

	var after decimal.Decimal
	err = l.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		after, err = l.store.Credit(ctx, entry)
		return err
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("credit wallet %d %s: %w", userID, entry.Currency, err)
	}

	l.logger.Debug("wallet credited", "user_id", userID, "currency", entry.Currency,
		"amount", amount.String(), "balance_after", after.String(), "reference", reference)
	return after, nil
}

// History returns the user's most recent entries, newest first.
func (l *Ledger) History(ctx context.Context, userID int64, limit int) ([]*Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return l.store.History(ctx, userID, limit)
}

func newEntry(userID int64, currency string, typ EntryType, amount decimal.Decimal, reference, description string) (*Entry, error) {
	if !amount.IsPositive() {
		return nil, apperr.Wrap(apperr.KindBadRequest, ErrInvalidAmount, "invalid wallet amount")
	}
	cur := normalizeCurrency(currency)
	if cur == "" {
		return nil, apperr.BadRequest("currency is required")
	}
	return &Entry{
		UserID:      userID,
		Currency:    cur,
		Type:        typ,
		Amount:      amount,
		Reference:   reference,
		Description: description,
		CreatedAt:   time.Now(),
	}, nil
}
