// Package orders is the order book: sell and buy offers that trades and
// negotiations are opened against.
//
// A sell order's owner provides TargetCurrency and wants Currency; a buy
// order's owner wants Currency and pays TargetCurrency. ExchangeRate is
// TargetCurrency per unit of Currency in both cases.
package orders

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

var ErrOrderNotFound = errors.New("order not found")

// Kind is the side of an order.
type Kind string

const (
	KindSell Kind = "SELL"
	KindBuy  Kind = "BUY"
)

// Status is the matching state of an order.
type Status string

const (
	StatusOpen    Status = "OPEN"
	StatusMatched Status = "MATCHED"
	StatusClosed  Status = "CLOSED"
)

// Order is an offer in the book.
type Order struct {
	ID                  int64           `json:"id"`
	Kind                Kind            `json:"kind"`
	OwnerID             int64           `json:"ownerId"`
	Currency            string          `json:"currency"`
	TargetCurrency      string          `json:"targetCurrency"`
	ExchangeRate        decimal.Decimal `json:"exchangeRate"`
	AvailableAmount     decimal.Decimal `json:"availableAmount"`
	MinTransactionLimit decimal.Decimal `json:"minTransactionLimit"`
	Status              Status          `json:"status"`
	MatchedUserID       *int64          `json:"matchedUserId,omitempty"`
	MatchedTradeID      *int64          `json:"matchedTradeId,omitempty"`
	IsNegotiating       bool            `json:"isNegotiating"`
	TradeCount          int             `json:"tradeCount"`
	CompletedCount      int             `json:"completedCount"`
	CreatedAt           time.Time       `json:"createdAt"`
	UpdatedAt           time.Time       `json:"updatedAt"`
}

// EscrowCurrency is the currency AvailableAmount is denominated in: the
// currency the seller of a trade on this order will lock.
func (o *Order) EscrowCurrency() string {
	if o.Kind == KindSell {
		return o.TargetCurrency
	}
	return o.Currency
}

// Store persists orders.
type Store interface {
	Create(ctx context.Context, order *Order) error
	Get(ctx context.Context, id int64) (*Order, error)
	Update(ctx context.Context, order *Order) error
	ListOpen(ctx context.Context, kind Kind, limit int) ([]*Order, error)
}

// CreateRequest contains the parameters for posting an order.
type CreateRequest struct {
	Kind                Kind            `json:"kind" validate:"required,oneof=SELL BUY"`
	Currency            string          `json:"currency" validate:"required,len=3"`
	TargetCurrency      string          `json:"targetCurrency" validate:"required,len=3,nefield=Currency"`
	ExchangeRate        decimal.Decimal `json:"exchangeRate" validate:"gt=0"`
	AvailableAmount     decimal.Decimal `json:"availableAmount" validate:"gt=0"`
	MinTransactionLimit decimal.Decimal `json:"minTransactionLimit" validate:"gte=0"`
}

// Book implements order book operations.
type Book struct {
	store  Store
	tx     txn.Runner
	logger *slog.Logger
}

// NewBook creates an order book.
func NewBook(store Store, tx txn.Runner) *Book {
	return &Book{store: store, tx: tx, logger: slog.Default()}
}

// WithLogger sets the logger.
func (b *Book) WithLogger(logger *slog.Logger) *Book {
	b.logger = logger
	return b
}

// Create posts a new open order.
func (b *Book) Create(ctx context.Context, ownerID int64, req CreateRequest) (*Order, error) {
	if req.Kind != KindSell && req.Kind != KindBuy {
		return nil, apperr.BadRequest("kind must be SELL or BUY")
	}
	if !req.ExchangeRate.IsPositive() {
		return nil, apperr.BadRequest("exchange rate must be positive")
	}
	if !req.AvailableAmount.IsPositive() {
		return nil, apperr.BadRequest("available amount must be positive")
	}
	if req.MinTransactionLimit.IsNegative() {
		return nil, apperr.BadRequest("minimum transaction limit cannot be negative")
	}

	now := time.Now()
	order := &Order{
		Kind:                req.Kind,
		OwnerID:             ownerID,
		Currency:            strings.ToUpper(req.Currency),
		TargetCurrency:      strings.ToUpper(req.TargetCurrency),
		ExchangeRate:        req.ExchangeRate,
		AvailableAmount:     req.AvailableAmount,
		MinTransactionLimit: req.MinTransactionLimit,
		Status:              StatusOpen,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if order.Currency == order.TargetCurrency {
		return nil, apperr.BadRequest("currency and target currency must differ")
	}
	if err := b.store.Create(ctx, order); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	b.logger.Info("order created", "order_id", order.ID, "kind", order.Kind, "owner_id", ownerID)
	return order, nil
}

// Get returns an order, as a NotFound business error when missing.
func (b *Book) Get(ctx context.Context, id int64) (*Order, error) {
	order, err := b.store.Get(ctx, id)
	if errors.Is(err, ErrOrderNotFound) {
		return nil, apperr.NotFound("order %d not found", id)
	}
	return order, err
}

// ListOpen returns matchable orders of a kind.
func (b *Book) ListOpen(ctx context.Context, kind Kind, limit int) ([]*Order, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return b.store.ListOpen(ctx, kind, limit)
}

// Reserve marks an open order as matched to a trade so it cannot be matched twice.
func (b *Book) Reserve(ctx context.Context, id, counterpartyID, tradeID int64) error {
	return b.mutate(ctx, id, func(o *Order) error {
		if o.Status != StatusOpen {
			return apperr.Conflict("order %d is not open for matching", id)
		}
		o.Status = StatusMatched
		o.MatchedUserID = &counterpartyID
		o.MatchedTradeID = &tradeID
		o.TradeCount++
		return nil
	})
}

// Release reopens a matched order after its trade was cancelled or rejected.
func (b *Book) Release(ctx context.Context, id int64) error {
	return b.mutate(ctx, id, func(o *Order) error {
		if o.Status == StatusClosed {
			return nil
		}
		o.Status = StatusOpen
		o.MatchedUserID = nil
		o.MatchedTradeID = nil
		return nil
	})
}

// CompleteTrade records a completed trade that consumed filled from the
// order's available amount, reopening the order or closing it when exhausted.
func (b *Book) CompleteTrade(ctx context.Context, id int64, filled decimal.Decimal) error {
	return b.mutate(ctx, id, func(o *Order) error {
		o.CompletedCount++
		o.AvailableAmount = o.AvailableAmount.Sub(filled)
		if o.AvailableAmount.IsNegative() {
			o.AvailableAmount = decimal.Zero
		}
		o.MatchedUserID = nil
		o.MatchedTradeID = nil
		if o.AvailableAmount.IsPositive() {
			o.Status = StatusOpen
		} else {
			o.Status = StatusClosed
		}
		return nil
	})
}

// SetNegotiating flags whether a rate negotiation is running on the order.
func (b *Book) SetNegotiating(ctx context.Context, id int64, negotiating bool) error {
	return b.mutate(ctx, id, func(o *Order) error {
		o.IsNegotiating = negotiating
		return nil
	})
}

// Close withdraws an order from the book. Only the owner may close it and
// not while a trade holds it.
func (b *Book) Close(ctx context.Context, id, ownerID int64) (*Order, error) {
	var closed *Order
	err := b.mutate(ctx, id, func(o *Order) error {
		if o.OwnerID != ownerID {
			return apperr.Forbidden("only the owner may close order %d", id)
		}
		if o.Status == StatusMatched {
			return apperr.Conflict("order %d is matched to an active trade", id)
		}
		o.Status = StatusClosed
		closed = o
		return nil
	})
	return closed, err
}

func (b *Book) mutate(ctx context.Context, id int64, fn func(o *Order) error) error {
	return b.tx.WithinTx(ctx, func(ctx context.Context) error {
		order, err := b.Get(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(order); err != nil {
			return err
		}
		order.UpdatedAt = time.Now()
		return b.store.Update(ctx, order)
	})
}
