// Package negotiation runs time-boxed exchange-rate negotiations on sell
// orders before a trade is opened.
//
// Flow:
//  1. Buyer opens a negotiation on a sell order; the order rate is snapshotted
//  2. Seller proposes rates within ±20% of the snapshot (IN_PROGRESS)
//  3. Buyer accepts the current proposal (AGREED), opening a trade-creation window
//  4. Trade creation consumes the agreed rate (COMPLETED)
//
// Either party may cancel before agreement (DECLINED). Negotiations and
// agreements past their window become EXPIRED when next touched, and a
// Timer writes the same status in the background.
package negotiation

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/olawolejethro/azariPay-sub002/internal/orders"
)

var ErrNegotiationNotFound = errors.New("negotiation not found")

const (
	// DefaultWindow is how long a negotiation stays open.
	DefaultWindow = 24 * time.Hour

	// DefaultTradeWindow is how long an agreed rate waits for a trade.
	DefaultTradeWindow = 24 * time.Hour

	// DefaultMaxOpen is the number of open negotiations a user may hold.
	DefaultMaxOpen = 3
)

// Status represents the state of a negotiation.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusAgreed     Status = "AGREED"
	StatusDeclined   Status = "DECLINED"
	StatusExpired    Status = "EXPIRED"
	StatusCompleted  Status = "COMPLETED"
)

// Negotiation is a rate discussion between the buyer and the owner of a sell order.
type Negotiation struct {
	ID                    int64           `json:"id"`
	SellOrderID           int64           `json:"sellOrderId"`
	BuyerID               int64           `json:"buyerId"`
	SellerID              int64           `json:"sellerId"`
	OriginalRate          decimal.Decimal `json:"originalRate"`
	ProposedRate          decimal.Decimal `json:"proposedRate"`
	Notes                 string          `json:"notes,omitempty"`
	Status                Status          `json:"status"`
	ExpiresAt             time.Time       `json:"expiresAt"`
	AgreedAt              *time.Time      `json:"agreedAt,omitempty"`
	AgreedBy              *int64          `json:"agreedBy,omitempty"`
	TradeCreationDeadline *time.Time      `json:"tradeCreationDeadline,omitempty"`
	CancelledBy           *int64          `json:"cancelledBy,omitempty"`
	CancelReason          string          `json:"cancelReason,omitempty"`
	TradeID               *int64          `json:"tradeId,omitempty"`
	CreatedAt             time.Time       `json:"createdAt"`
	UpdatedAt             time.Time       `json:"updatedAt"`
}

// IsTerminal returns true if the negotiation can no longer change.
func (n *Negotiation) IsTerminal() bool {
	switch n.Status {
	case StatusDeclined, StatusExpired, StatusCompleted:
		return true
	}
	return false
}

// Negotiable reports whether rates may still be proposed or accepted.
func (n *Negotiation) Negotiable() bool {
	return n.Status == StatusPending || n.Status == StatusInProgress
}

// ExpiredAt reports whether the negotiation's current window has passed at now.
func (n *Negotiation) ExpiredAt(now time.Time) bool {
	switch n.Status {
	case StatusPending, StatusInProgress:
		return !now.Before(n.ExpiresAt)
	case StatusAgreed:
		return n.TradeCreationDeadline != nil && !now.Before(*n.TradeCreationDeadline)
	}
	return false
}

// IsParticipant reports whether userID is the buyer or the seller.
func (n *Negotiation) IsParticipant(userID int64) bool {
	return userID == n.BuyerID || userID == n.SellerID
}

// RoomID is the chat room of the negotiation.
func (n *Negotiation) RoomID() string {
	return RoomID(n.ID)
}

// Store persists negotiations. Open means PENDING or IN_PROGRESS before
// ExpiresAt, or AGREED before TradeCreationDeadline.
type Store interface {
	Create(ctx context.Context, n *Negotiation) error
	Get(ctx context.Context, id int64) (*Negotiation, error)
	Update(ctx context.Context, n *Negotiation) error
	CountOpenByBuyer(ctx context.Context, buyerID int64, now time.Time) (int, error)
	CountOpenBySeller(ctx context.Context, sellerID int64, now time.Time) (int, error)
	CountOpenByOrder(ctx context.Context, orderID int64, now time.Time) (int, error)
	// FindLatest returns the newest negotiation for (order, buyer) in one of statuses.
	FindLatest(ctx context.Context, orderID, buyerID int64, statuses ...Status) (*Negotiation, error)
	ListForUser(ctx context.Context, userID int64, limit int) ([]*Negotiation, error)
	// ListStale returns negotiations whose window has passed at now but whose
	// status has not been moved to EXPIRED yet.
	ListStale(ctx context.Context, now time.Time, limit int) ([]*Negotiation, error)
}

// OrderBook is the part of the order book negotiations read and flag.
type OrderBook interface {
	Get(ctx context.Context, id int64) (*orders.Order, error)
	SetNegotiating(ctx context.Context, id int64, negotiating bool) error
}

// ChatBridge opens and feeds the negotiation chat room.
type ChatBridge interface {
	CreateRoom(ctx context.Context, roomID string, participants []int64, details map[string]any) error
	PostMessage(ctx context.Context, roomID string, senderID int64, text string) error
	UpdateStatus(ctx context.Context, roomID, status string) error
}

// UpdateRateRequest is the seller's counter-proposal.
type UpdateRateRequest struct {
	ProposedRate decimal.Decimal `json:"proposedRate" validate:"gt=0"`
	Notes        string          `json:"notes" validate:"max=1000"`
}

// RespondRequest is the buyer's answer to the current proposal.
type RespondRequest struct {
	Action string `json:"action" validate:"required,oneof=accept"`
	Notes  string `json:"notes" validate:"max=1000"`
}

// CancelRequest carries an optional reason.
type CancelRequest struct {
	Reason string `json:"reason" validate:"max=1000"`
}

// CreateRequest opens a negotiation on a sell order.
type CreateRequest struct {
	OrderID int64 `json:"orderId" validate:"required,gt=0"`
}
