// Package dispute records disputes raised against trades and settles them.
//
// Raising a dispute freezes the trade's escrow in the same unit of work as
// the dispute row. Operations staff then review the dispute and resolve it
// with a full release to the buyer or a full refund to the seller.
package dispute

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/olawolejethro/azariPay-sub002/internal/escrow"
	"github.com/olawolejethro/azariPay-sub002/internal/trade"
)

var (
	ErrDisputeNotFound = errors.New("dispute not found")
	ErrOpenDispute     = errors.New("trade already has an open dispute")
)

// Status represents the state of a dispute.
type Status string

const (
	StatusPending     Status = "PENDING"
	StatusUnderReview Status = "UNDER_REVIEW"
	StatusResolved    Status = "RESOLVED"
	StatusRejected    Status = "REJECTED"
	StatusEscalated   Status = "ESCALATED"
)

// OpenStatuses block a second dispute on the same trade.
var OpenStatuses = []Status{StatusPending, StatusUnderReview}

// Closed reports whether the dispute has been settled.
func (s Status) Closed() bool {
	return s == StatusResolved || s == StatusRejected
}

// Dispute is a complaint about a trade raised by one of its parties.
type Dispute struct {
	ID              int64           `json:"id"`
	TradeID         int64           `json:"tradeId"`
	RaisedBy        int64           `json:"raisedBy"`
	Description     string          `json:"description"`
	Amount          decimal.Decimal `json:"amount"`
	TransactionType string          `json:"transactionType,omitempty"`
	Screenshots     []string        `json:"screenshots"`
	Status          Status          `json:"status"`
	Outcome         escrow.Outcome  `json:"outcome,omitempty"`
	Resolution      string          `json:"resolution,omitempty"`
	ResolvedBy      *int64          `json:"resolvedBy,omitempty"`
	ResolvedAt      *time.Time      `json:"resolvedAt,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// Details is a dispute with the trade and escrow it concerns.
type Details struct {
	Dispute *Dispute       `json:"dispute"`
	Trade   *trade.Trade   `json:"trade"`
	Escrow  *escrow.Escrow `json:"escrow,omitempty"`
}

// Store persists disputes.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id int64) (*Dispute, error)
	Update(ctx context.Context, d *Dispute) error
	// FindOpenByTrade returns the PENDING or UNDER_REVIEW dispute on a trade.
	FindOpenByTrade(ctx context.Context, tradeID int64) (*Dispute, error)
	ListByTrade(ctx context.Context, tradeID int64) ([]*Dispute, error)
	ListByStatus(ctx context.Context, statuses []Status, limit int) ([]*Dispute, error)
}

// Trades is the part of the trade manager disputes drive.
type Trades interface {
	Lookup(ctx context.Context, id int64) (*trade.Trade, error)
	RaiseDispute(ctx context.Context, id, userID int64, record func(ctx context.Context, t *trade.Trade) error) (*trade.Trade, error)
	SettleDispute(ctx context.Context, id, adminID int64, outcome escrow.Outcome, record func(ctx context.Context, t *trade.Trade) error) (*trade.Trade, error)
}

// Escrows reads the escrow behind a trade.
type Escrows interface {
	GetByTradeID(ctx context.Context, tradeID int64) (*escrow.Escrow, error)
}

// Alerter raises operations alerts.
type Alerter interface {
	Alert(ctx context.Context, subject string, fields map[string]any)
}

// CreateRequest raises a dispute.
type CreateRequest struct {
	TradeID         int64           `json:"tradeId" validate:"required,gt=0"`
	Description     string          `json:"description" validate:"required,min=10,max=2000"`
	Amount          decimal.Decimal `json:"amount" validate:"gt=0"`
	TransactionType string          `json:"transactionType" validate:"max=32"`
	Screenshots     []string        `json:"screenshots" validate:"max=5,dive,url"`
}

// ReviewRequest moves a dispute into review or escalates it.
type ReviewRequest struct {
	Status Status `json:"status" validate:"required,oneof=UNDER_REVIEW ESCALATED"`
}

// ResolveRequest settles a dispute in full one way or the other.
type ResolveRequest struct {
	Outcome escrow.Outcome `json:"outcome" validate:"required,oneof=release refund"`
	Notes   string         `json:"notes" validate:"max=2000"`
}
