// Package trade owns the lifecycle of a peer-to-peer currency trade.
//
// Flow:
//  1. A user opens a trade against a sell or buy order (PENDING)
//  2. The seller confirms readiness; the escrowed leg plus lock fee is locked (ACTIVE)
//  3. The buyer reports the off-platform payment (PAYMENT_SENT)
//  4. The seller confirms receipt; escrow is released to the buyer (COMPLETED)
//
// A trade may be cancelled with a full refund before completion, rejected by
// the order owner while PENDING, or disputed. PENDING and ACTIVE trades whose
// payment window elapsed are cancelled when next touched.
package trade

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/olawolejethro/azariPay-sub002/internal/escrow"
	"github.com/olawolejethro/azariPay-sub002/internal/negotiation"
	"github.com/olawolejethro/azariPay-sub002/internal/orders"
)

var ErrTradeNotFound = errors.New("trade not found")

const (
	// DefaultPaymentTimeLimit is how long a trade may wait for payment.
	DefaultPaymentTimeLimit = 30 * time.Minute

	// DefaultMaxOpenTrades is the number of open trades a user may hold.
	DefaultMaxOpenTrades = 3
)

// Status represents the state of a trade.
type Status string

const (
	StatusPending     Status = "PENDING"
	StatusActive      Status = "ACTIVE"
	StatusPaymentSent Status = "PAYMENT_SENT"
	StatusCompleted   Status = "COMPLETED"
	StatusCancelled   Status = "CANCELLED"
	StatusRejected    Status = "REJECTED"
	StatusDisputed    Status = "DISPUTED"
)

// OpenStatuses are the statuses that count against a user's open-trade limit.
var OpenStatuses = []Status{StatusPending, StatusActive, StatusPaymentSent, StatusDisputed}

var transitions = map[Status][]Status{
	StatusPending:     {StatusActive, StatusCancelled, StatusRejected},
	StatusActive:      {StatusActive, StatusPaymentSent, StatusCancelled, StatusDisputed},
	StatusPaymentSent: {StatusCompleted, StatusCancelled, StatusDisputed},
	StatusCompleted:   {StatusDisputed},
	StatusDisputed:    {StatusCompleted, StatusCancelled},
}

// CanTransition reports whether a trade may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// OriginKind says which side of the book a trade was opened against.
type OriginKind string

const (
	OriginSellOrder OriginKind = "SELL_ORDER"
	OriginBuyOrder  OriginKind = "BUY_ORDER"
)

// Origin is the order a trade was opened against.
type Origin struct {
	Kind    OriginKind `json:"kind"`
	OrderID int64      `json:"orderId"`
}

// Trade is one exchange between a buyer and a seller. The seller always
// funds escrow and receives the off-platform payment; the buyer sends it
// and receives the escrow release.
type Trade struct {
	ID                    int64               `json:"id"`
	BuyerID               int64               `json:"buyerId"`
	SellerID              int64               `json:"sellerId"`
	InitiatorID           int64               `json:"initiatorId"`
	SellOrderID           *int64              `json:"sellOrderId,omitempty"`
	BuyOrderID            *int64              `json:"buyOrderId,omitempty"`
	NegotiationID         *int64              `json:"negotiationId,omitempty"`
	Amount                decimal.Decimal     `json:"amount"`
	Currency              string              `json:"currency"`
	ConvertedAmount       decimal.Decimal     `json:"convertedAmount"`
	ConvertedCurrency     string              `json:"convertedCurrency"`
	Rate                  decimal.Decimal     `json:"rate"`
	NegotiatedRate        decimal.NullDecimal `json:"negotiatedRate"`
	RateNegotiatedAt      *time.Time          `json:"rateNegotiatedAt,omitempty"`
	RateNegotiatedBy      *int64              `json:"rateNegotiatedBy,omitempty"`
	RateNegotiationReason string              `json:"rateNegotiationReason,omitempty"`
	Status                Status              `json:"status"`
	PaymentTimeLimit      time.Duration       `json:"-"`
	AcceptedAt            *time.Time          `json:"acceptedAt,omitempty"`
	PaymentSentAt         *time.Time          `json:"paymentSentAt,omitempty"`
	PaymentConfirmedAt    *time.Time          `json:"paymentConfirmedAt,omitempty"`
	CancelledAt           *time.Time          `json:"cancelledAt,omitempty"`
	CancelledBy           *int64              `json:"cancelledBy,omitempty"`
	CancellationReason    string              `json:"cancellationReason,omitempty"`
	CreatedAt             time.Time           `json:"createdAt"`
	UpdatedAt             time.Time           `json:"updatedAt"`
}

// Origin returns the order the trade was opened against.
func (t *Trade) Origin() Origin {
	if t.SellOrderID != nil {
		return Origin{Kind: OriginSellOrder, OrderID: *t.SellOrderID}
	}
	if t.BuyOrderID != nil {
		return Origin{Kind: OriginBuyOrder, OrderID: *t.BuyOrderID}
	}
	return Origin{}
}

// EscrowLeg is the amount and currency the seller locks. A sell-order trade
// escrows the converted side, a buy-order trade the base side.
func (t *Trade) EscrowLeg() (decimal.Decimal, string) {
	if t.Origin().Kind == OriginSellOrder {
		return t.ConvertedAmount, t.ConvertedCurrency
	}
	return t.Amount, t.Currency
}

// PaymentLeg is the amount and currency the buyer pays off-platform.
func (t *Trade) PaymentLeg() (decimal.Decimal, string) {
	if t.Origin().Kind == OriginSellOrder {
		return t.Amount, t.Currency
	}
	return t.ConvertedAmount, t.ConvertedCurrency
}

// EffectiveRate is the rate the trade settles at: a rate renegotiated on the
// trade, else the agreed negotiation rate, else the order rate.
func (t *Trade) EffectiveRate(n *negotiation.Negotiation) decimal.Decimal {
	if t.NegotiatedRate.Valid {
		return t.NegotiatedRate.Decimal
	}
	if n != nil {
		return n.ProposedRate
	}
	return t.Rate
}

// IsParticipant reports whether userID is the buyer or the seller.
func (t *Trade) IsParticipant(userID int64) bool {
	return userID == t.BuyerID || userID == t.SellerID
}

// Counterparty returns the other participant.
func (t *Trade) Counterparty(userID int64) int64 {
	if userID == t.BuyerID {
		return t.SellerID
	}
	return t.BuyerID
}

// OrderOwnerID is the owner of the order the trade was opened against.
func (t *Trade) OrderOwnerID() int64 {
	if t.Origin().Kind == OriginSellOrder {
		return t.SellerID
	}
	return t.BuyerID
}

// Role names userID's side of the trade.
func (t *Trade) Role(userID int64) string {
	switch userID {
	case t.BuyerID:
		return "buyer"
	case t.SellerID:
		return "seller"
	}
	return "user"
}

// PaymentDeadline is when a PENDING or ACTIVE trade expires.
func (t *Trade) PaymentDeadline() time.Time {
	start := t.CreatedAt
	if t.AcceptedAt != nil {
		start = *t.AcceptedAt
	}
	return start.Add(t.PaymentTimeLimit)
}

// ExpiredAt reports whether the trade's payment window has elapsed at now.
func (t *Trade) ExpiredAt(now time.Time) bool {
	if t.Status != StatusPending && t.Status != StatusActive {
		return false
	}
	return t.PaymentTimeLimit > 0 && !now.Before(t.PaymentDeadline())
}

// RoomID is the chat room of the trade.
func (t *Trade) RoomID() string {
	return RoomID(t.ID)
}

// RoomID is the chat room key of a trade.
func RoomID(id int64) string {
	return fmt.Sprintf("trade:%d", id)
}

// SettlementSide labels one leg of a completed trade.
type SettlementSide string

const (
	SideSellerDebit SettlementSide = "SELLER_DEBIT"
	SideBuyerCredit SettlementSide = "BUYER_CREDIT"
	SidePlatformFee SettlementSide = "PLATFORM_FEE"
)

// Settlement records one side of a settled trade.
type Settlement struct {
	ID        int64           `json:"id"`
	TradeID   int64           `json:"tradeId"`
	UserID    int64           `json:"userId"`
	Side      SettlementSide  `json:"side"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Details is a trade with its related aggregates resolved.
type Details struct {
	Trade           *Trade                   `json:"trade"`
	Origin          Origin                   `json:"origin"`
	Order           *orders.Order            `json:"order,omitempty"`
	Negotiation     *negotiation.Negotiation `json:"negotiation,omitempty"`
	Escrow          *escrow.Escrow           `json:"escrow,omitempty"`
	Settlements     []*Settlement            `json:"settlements,omitempty"`
	EffectiveRate   decimal.Decimal          `json:"effectiveRate"`
	PaymentDeadline *time.Time               `json:"paymentDeadline,omitempty"`
}

// Store persists trades and their settlement rows.
type Store interface {
	Create(ctx context.Context, t *Trade) error
	Get(ctx context.Context, id int64) (*Trade, error)
	Update(ctx context.Context, t *Trade) error
	CountOpenByUser(ctx context.Context, userID int64) (int, error)
	ListByUser(ctx context.Context, userID int64, limit int) ([]*Trade, error)
	// ListExpirable returns PENDING and ACTIVE trades whose payment window
	// has elapsed at now.
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]*Trade, error)
	AddSettlements(ctx context.Context, rows []*Settlement) error
	ListSettlements(ctx context.Context, tradeID int64) ([]*Settlement, error)
}

// EscrowLedger holds the seller's funds.
type EscrowLedger interface {
	LockFunds(ctx context.Context, req escrow.LockRequest) (*escrow.Escrow, error)
	ReleaseFunds(ctx context.Context, tradeID, processedBy int64, tradeAmount decimal.Decimal) (*escrow.ReleaseResult, error)
	RefundFunds(ctx context.Context, tradeID, processedBy int64) (*escrow.Escrow, error)
	MarkAsDisputed(ctx context.Context, tradeID, processedBy int64) (*escrow.Escrow, error)
	ResolveDisputed(ctx context.Context, tradeID, processedBy int64, outcome escrow.Outcome, tradeAmount decimal.Decimal) (*escrow.Escrow, error)
	GetByTradeID(ctx context.Context, tradeID int64) (*escrow.Escrow, error)
}

// Negotiations supplies agreed rates.
type Negotiations interface {
	GetAgreedNegotiation(ctx context.Context, orderID, buyerID int64) (*negotiation.Negotiation, error)
	MarkCompleted(ctx context.Context, id, tradeID int64) error
	Find(ctx context.Context, id int64) (*negotiation.Negotiation, error)
}

// OrderBook reserves and settles the order a trade was opened against.
type OrderBook interface {
	Get(ctx context.Context, id int64) (*orders.Order, error)
	Reserve(ctx context.Context, id, counterpartyID, tradeID int64) error
	Release(ctx context.Context, id int64) error
	CompleteTrade(ctx context.Context, id int64, filled decimal.Decimal) error
}

// Wallet reads seller balances before a trade is opened.
type Wallet interface {
	GetBalance(ctx context.Context, userID int64, currency string) (decimal.Decimal, error)
}

// ChatBridge opens and feeds the trade chat room.
type ChatBridge interface {
	CreateRoom(ctx context.Context, roomID string, participants []int64, details map[string]any) error
	PostMessage(ctx context.Context, roomID string, senderID int64, text string) error
	UpdateStatus(ctx context.Context, roomID, status string) error
}

// OnboardingChecker reports whether a user finished onboarding and KYC.
type OnboardingChecker interface {
	IsOnboarded(ctx context.Context, userID int64) (bool, error)
}

// OnboardingFunc adapts a function to OnboardingChecker.
type OnboardingFunc func(ctx context.Context, userID int64) (bool, error)

func (f OnboardingFunc) IsOnboarded(ctx context.Context, userID int64) (bool, error) {
	return f(ctx, userID)
}

// CreateRequest opens a trade. Exactly one of SellOrderID and BuyOrderID is set.
type CreateRequest struct {
	SellOrderID *int64          `json:"sellOrderId"`
	BuyOrderID  *int64          `json:"buyOrderId"`
	Amount      decimal.Decimal `json:"amount" validate:"gt=0"`
}

// CancelRequest carries the reason for a cancellation. ConfirmNoPayment is
// required once the buyer reported payment.
type CancelRequest struct {
	Reason           string `json:"reason" validate:"max=1000"`
	ConfirmNoPayment bool   `json:"confirmNoPayment"`
}

// StatusRequest asks for a REJECTED or CANCELLED status.
type StatusRequest struct {
	Status Status `json:"status" validate:"required,oneof=REJECTED CANCELLED"`
	Reason string `json:"reason" validate:"max=1000"`
}

// RateRequest renegotiates the rate of an unfunded trade.
type RateRequest struct {
	Rate   decimal.Decimal `json:"rate" validate:"gt=0"`
	Reason string          `json:"reason" validate:"max=1000"`
}
