// Package escrow holds a seller's funds for the duration of a trade.
//
// Flow:
//  1. Seller is ready → trade leg + lock fee debited from the seller wallet, escrow LOCKED
//  2. Seller confirms payment received → buyer credited the trade leg, fee to platform, RELEASED
//  3. Trade cancelled → seller credited the full locked amount, REFUNDED
//  4. Dispute raised → funds frozen, DISPUTED, until resolved to RELEASED or REFUNDED
//
// Every operation runs in one unit of work with the wallet movements it makes.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/olawolejethro/azariPay-sub002/internal/apperr"
	"github.com/olawolejethro/azariPay-sub002/internal/fees"
	"github.com/olawolejethro/azariPay-sub002/internal/metrics"
	"github.com/olawolejethro/azariPay-sub002/internal/orders"
	"github.com/olawolejethro/azariPay-sub002/internal/traces"
	"github.com/olawolejethro/azariPay-sub002/internal/txn"
)

var (
	ErrEscrowNotFound = errors.New("escrow not found")
	ErrDuplicateTrade = errors.New("escrow already exists for trade")
)

// Status represents the state of an escrow.
type Status string

const (
	StatusLocked   Status = "LOCKED"
	StatusReleased Status = "RELEASED"
	StatusRefunded Status = "REFUNDED"
	StatusDisputed Status = "DISPUTED"
)

// Outcome is how a disputed escrow is settled.
type Outcome string

const (
	OutcomeRelease Outcome = "release"
	OutcomeRefund  Outcome = "refund"
)

// Escrow is the custodial hold for one trade.
type Escrow struct {
	ID             int64               `json:"id"`
	TradeID        int64               `json:"tradeId"`
	SellerID       int64               `json:"sellerId"`
	BuyerID        int64               `json:"buyerId"`
	Amount         decimal.Decimal     `json:"amount"`
	TradeAmount    decimal.Decimal     `json:"tradeAmount"`
	Fee            decimal.Decimal     `json:"fee"`
	Currency       string              `json:"currency"`
	Status         Status              `json:"status"`
	LockedAt       time.Time           `json:"lockedAt"`
	ReleasedAt     *time.Time          `json:"releasedAt,omitempty"`
	RefundedAt     *time.Time          `json:"refundedAt,omitempty"`
	DisputedAt     *time.Time          `json:"disputedAt,omitempty"`
	ProcessedBy    *int64              `json:"processedBy,omitempty"`
	ReleasedAmount decimal.NullDecimal `json:"releasedAmount"`
	PlatformProfit decimal.NullDecimal `json:"platformProfit"`
	CreatedAt      time.Time           `json:"createdAt"`
	UpdatedAt      time.Time           `json:"updatedAt"`
}

// IsTerminal returns true if the escrow is in a final state.
func (e *Escrow) IsTerminal() bool {
	return e.Status == StatusReleased || e.Status == StatusRefunded
}

// Store persists escrows. Create fails with ErrDuplicateTrade when an escrow
// for the same trade already exists.
type Store interface {
	Create(ctx context.Context, escrow *Escrow) error
	Get(ctx context.Context, id int64) (*Escrow, error)
	GetByTradeID(ctx context.Context, tradeID int64) (*Escrow, error)
	Update(ctx context.Context, escrow *Escrow) error
	// ListHeld returns LOCKED and DISPUTED escrows, oldest first.
	ListHeld(ctx context.Context, limit int) ([]*Escrow, error)
}

// Wallet is the part of the wallet ledger escrow moves funds through.
type Wallet interface {
	GetBalance(ctx context.Context, userID int64, currency string) (decimal.Decimal, error)
	Debit(ctx context.Context, userID int64, currency string, amount decimal.Decimal, reference, description string) (decimal.Decimal, error)
	Credit(ctx context.Context, userID int64, currency string, amount decimal.Decimal, reference, description string) (decimal.Decimal, error)
}

// FeeResolver resolves the lock fee.
type FeeResolver interface {
	FeeFor(ctx context.Context, txType fees.TransactionType, currency string) (decimal.Decimal, error)
}

// OrderLookup reads the seller's order.
type OrderLookup interface {
	Get(ctx context.Context, id int64) (*orders.Order, error)
}

// LockRequest contains the parameters for locking a trade's funds.
type LockRequest struct {
	TradeID  int64
	SellerID int64
	BuyerID  int64
	OrderID  int64
	Amount   decimal.Decimal
	Currency string
}

// ReleaseResult is the outcome of a release.
type ReleaseResult struct {
	Escrow          *Escrow         `json:"escrow"`
	PlatformProfit  decimal.Decimal `json:"platformProfit"`
	AlreadyReleased bool            `json:"alreadyReleased"`
}

// Service implements escrow business logic.
type Service struct {
	store           Store
	wallet          Wallet
	fees            FeeResolver
	orders          OrderLookup
	tx              txn.Runner
	platformAccount int64
	logger          *slog.Logger
	now             func() time.Time
}

// NewService creates a new escrow service.
func NewService(store Store, wallet Wallet, feeResolver FeeResolver, orderLookup OrderLookup, tx txn.Runner) *Service {
	return &Service{
		store:  store,
		wallet: wallet,
		fees:   feeResolver,
		orders: orderLookup,
		tx:     tx,
		logger: slog.Default(),
		now:    time.Now,
	}
}

// WithPlatformAccount sets the wallet credited with lock fees on release.
// With no platform account the fee stays out of every wallet.
func (s *Service) WithPlatformAccount(userID int64) *Service {
	s.platformAccount = userID
	return s
}

// WithLogger sets the logger.
func (s *Service) WithLogger(logger *slog.Logger) *Service {
	s.logger = logger
	return s
}

// WithClock overrides time.Now.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func reference(tradeID int64) string {
	return fmt.Sprintf("escrow:trade:%d", tradeID)
}

// LockFunds debits the seller the trade leg plus the lock fee and records a
// LOCKED escrow. It is idempotent on the trade: a LOCKED escrow is returned
// unchanged, any other existing escrow is a Conflict.
func (s *Service) LockFunds(ctx context.Context, req LockRequest) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.LockFunds",
		traces.TradeID(req.TradeID), traces.UserID(req.SellerID), traces.Amount(req.Amount.String()))
	defer span.End()

	if !req.Amount.IsPositive() {
		return nil, apperr.BadRequest("escrow amount must be positive")
	}
	currency := strings.ToUpper(req.Currency)

	var locked *Escrow
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		existing, err := s.store.GetByTradeID(ctx, req.TradeID)
		switch {
		case err == nil:
			locked, err = existingLock(existing)
			return err
		case !errors.Is(err, ErrEscrowNotFound):
			return err
		}

		order, err := s.orders.Get(ctx, req.OrderID)
		if err != nil {
			return err
		}
		if order.AvailableAmount.LessThan(req.Amount) {
			return apperr.BadRequest("order %d has %s %s available, trade needs %s",
				order.ID, order.AvailableAmount.String(), currency, req.Amount.String())
		}

		fee, err := s.fees.FeeFor(ctx, fees.EscrowLock, currency)
		if err != nil {
			return err
		}
		total := req.Amount.Add(fee)

		balance, err := s.wallet.GetBalance(ctx, req.SellerID, currency)
		if err != nil {
			return err
		}
		if balance.LessThan(total) {
			return apperr.InsufficientFunds("insufficient %s balance: need %s including %s fee, have %s",
				currency, total.String(), fee.String(), balance.String())
		}

		if _, err := s.wallet.Debit(ctx, req.SellerID, currency, total, reference(req.TradeID),
			fmt.Sprintf("Escrow lock for trade #%d", req.TradeID)); err != nil {
			return err
		}

		now := s.now()
		e := &Escrow{
			TradeID:     req.TradeID,
			SellerID:    req.SellerID,
			BuyerID:     req.BuyerID,
			Amount:      total,
			TradeAmount: req.Amount,
			Fee:         fee,
			Currency:    currency,
			Status:      StatusLocked,
			LockedAt:    now,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.store.Create(ctx, e); err != nil {
			return err
		}
		locked = e
		return nil
	})

	if errors.Is(err, ErrDuplicateTrade) {
		// Lost the insert race; the winner's escrow decides the result.
		if txn.InTx(ctx) {
			return nil, apperr.Conflict("escrow for trade %d is being created concurrently", req.TradeID)
		}
		existing, getErr := s.store.GetByTradeID(ctx, req.TradeID)
		if getErr != nil {
			return nil, getErr
		}
		locked, err = existingLock(existing)
	}
	if err != nil {
		metrics.EscrowOpsTotal.WithLabelValues("lock", "error").Inc()
		return nil, err
	}

	metrics.EscrowOpsTotal.WithLabelValues("lock", "ok").Inc()
	s.logger.Info("escrow locked", "trade_id", req.TradeID, "escrow_id", locked.ID,
		"seller_id", req.SellerID, "amount", locked.Amount.String(), "currency", locked.Currency)
	return locked, nil
}

func existingLock(e *Escrow) (*Escrow, error) {
	if e.Status == StatusLocked {
		return e, nil
	}
	return nil, apperr.Conflict("trade %d already has a %s escrow", e.TradeID, e.Status)
}

// ReleaseFunds credits the buyer exactly tradeAmount and the platform account
// the remainder. Releasing a RELEASED escrow returns the earlier result.
func (s *Service) ReleaseFunds(ctx context.Context, tradeID, processedBy int64, tradeAmount decimal.Decimal) (*ReleaseResult, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ReleaseFunds",
		traces.TradeID(tradeID), traces.UserID(processedBy), traces.Amount(tradeAmount.String()))
	defer span.End()

	var result *ReleaseResult
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		e, err := s.getByTrade(ctx, tradeID)
		if err != nil {
			return err
		}
		if e.Status == StatusReleased {
			result = &ReleaseResult{Escrow: e, PlatformProfit: priorProfit(e, tradeAmount), AlreadyReleased: true}
			return nil
		}
		if e.Status != StatusLocked {
			return apperr.BadRequest("escrow for trade %d is %s, not LOCKED", tradeID, e.Status)
		}
		profit, err := s.release(ctx, e, processedBy, tradeAmount)
		if err != nil {
			return err
		}
		result = &ReleaseResult{Escrow: e, PlatformProfit: profit}
		return nil
	})
	if err != nil {
		metrics.EscrowOpsTotal.WithLabelValues("release", "error").Inc()
		return nil, err
	}

	if !result.AlreadyReleased {
		metrics.EscrowOpsTotal.WithLabelValues("release", "ok").Inc()
		metrics.EscrowDuration.Observe(s.now().Sub(result.Escrow.LockedAt).Seconds())
		s.logger.Info("escrow released", "trade_id", tradeID, "escrow_id", result.Escrow.ID,
			"buyer_id", result.Escrow.BuyerID, "amount", tradeAmount.String(),
			"platform_profit", result.PlatformProfit.String())
	}
	return result, nil
}

func priorProfit(e *Escrow, tradeAmount decimal.Decimal) decimal.Decimal {
	if e.PlatformProfit.Valid {
		return e.PlatformProfit.Decimal
	}
	return e.Amount.Sub(tradeAmount)
}

// release moves a held escrow to the buyer. The caller holds the unit of work.
func (s *Service) release(ctx context.Context, e *Escrow, processedBy int64, tradeAmount decimal.Decimal) (decimal.Decimal, error) {
	if !tradeAmount.IsPositive() || tradeAmount.GreaterThan(e.Amount) {
		return decimal.Zero, apperr.BadRequest("release amount %s must be positive and at most the escrowed %s",
			tradeAmount.String(), e.Amount.String())
	}

	ref := reference(e.TradeID)
	if _, err := s.wallet.Credit(ctx, e.BuyerID, e.Currency, tradeAmount, ref,
		fmt.Sprintf("Escrow release for trade #%d", e.TradeID)); err != nil {
		return decimal.Zero, err
	}

	profit := e.Amount.Sub(tradeAmount)
	if profit.IsPositive() && s.platformAccount != 0 {
		if _, err := s.wallet.Credit(ctx, s.platformAccount, e.Currency, profit, ref,
			fmt.Sprintf("Escrow fee for trade #%d", e.TradeID)); err != nil {
			return decimal.Zero, err
		}
	}

	now := s.now()
	e.Status = StatusReleased
	e.ReleasedAt = &now
	e.ProcessedBy = &processedBy
	e.ReleasedAmount = decimal.NewNullDecimal(tradeAmount)
	e.PlatformProfit = decimal.NewNullDecimal(profit)
	e.UpdatedAt = now
	return profit, s.store.Update(ctx, e)
}

// RefundFunds returns the full locked amount, fee included, to the seller.
// Refunding a REFUNDED escrow returns it unchanged.
func (s *Service) RefundFunds(ctx context.Context, tradeID, processedBy int64) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.RefundFunds", traces.TradeID(tradeID), traces.UserID(processedBy))
	defer span.End()

	var refunded *Escrow
	var already bool
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		e, err := s.getByTrade(ctx, tradeID)
		if err != nil {
			return err
		}
		refunded = e
		if e.Status == StatusRefunded {
			already = true
			return nil
		}
		if e.Status != StatusLocked {
			return apperr.BadRequest("escrow for trade %d is %s, not LOCKED", tradeID, e.Status)
		}
		return s.refund(ctx, e, processedBy)
	})
	if err != nil {
		metrics.EscrowOpsTotal.WithLabelValues("refund", "error").Inc()
		return nil, err
	}

	if !already {
		metrics.EscrowOpsTotal.WithLabelValues("refund", "ok").Inc()
		metrics.EscrowDuration.Observe(s.now().Sub(refunded.LockedAt).Seconds())
		s.logger.Info("escrow refunded", "trade_id", tradeID, "escrow_id", refunded.ID,
			"seller_id", refunded.SellerID, "amount", refunded.Amount.String())
	}
	return refunded, nil
}

func (s *Service) refund(ctx context.Context, e *Escrow, processedBy int64) error {
	if _, err := s.wallet.Credit(ctx, e.SellerID, e.Currency, e.Amount, reference(e.TradeID),
		fmt.Sprintf("Escrow refund for trade #%d", e.TradeID)); err != nil {
		return err
	}

	now := s.now()
	e.Status = StatusRefunded
	e.RefundedAt = &now
	e.ProcessedBy = &processedBy
	e.UpdatedAt = now
	return s.store.Update(ctx, e)
}

// MarkAsDisputed freezes the trade's escrow. No wallet is touched.
func (s *Service) MarkAsDisputed(ctx context.Context, tradeID, processedBy int64) (*Escrow, error) {
	return s.markDisputed(ctx, processedBy, func(ctx context.Context) (*Escrow, error) {
		return s.getByTrade(ctx, tradeID)
	})
}

// MarkAsDisputedByID freezes an escrow addressed by its own ID.
func (s *Service) MarkAsDisputedByID(ctx context.Context, escrowID, processedBy int64) (*Escrow, error) {
	return s.markDisputed(ctx, processedBy, func(ctx context.Context) (*Escrow, error) {
		return s.Get(ctx, escrowID)
	})
}

func (s *Service) markDisputed(ctx context.Context, processedBy int64, load func(context.Context) (*Escrow, error)) (*Escrow, error) {
	var disputed *Escrow
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		e, err := load(ctx)
		if err != nil {
			return err
		}
		disputed = e
		if e.Status == StatusDisputed {
			return nil
		}
		if e.Status != StatusLocked {
			return apperr.BadRequest("escrow for trade %d is %s, not LOCKED", e.TradeID, e.Status)
		}
		now := s.now()
		e.Status = StatusDisputed
		e.DisputedAt = &now
		e.ProcessedBy = &processedBy
		e.UpdatedAt = now
		return s.store.Update(ctx, e)
	})
	if err != nil {
		metrics.EscrowOpsTotal.WithLabelValues("dispute", "error").Inc()
		return nil, err
	}

	metrics.EscrowOpsTotal.WithLabelValues("dispute", "ok").Inc()
	s.logger.Warn("escrow disputed", "trade_id", disputed.TradeID, "escrow_id", disputed.ID,
		"processed_by", processedBy)
	return disputed, nil
}

// ResolveDisputed settles a DISPUTED escrow: release pays the buyer
// tradeAmount and the platform the rest, refund returns everything to the seller.
func (s *Service) ResolveDisputed(ctx context.Context, tradeID, processedBy int64, outcome Outcome, tradeAmount decimal.Decimal) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ResolveDisputed", traces.TradeID(tradeID), traces.UserID(processedBy))
	defer span.End()

	var resolved *Escrow
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		e, err := s.getByTrade(ctx, tradeID)
		if err != nil {
			return err
		}
		if e.Status != StatusDisputed {
			return apperr.BadRequest("escrow for trade %d is %s, not DISPUTED", tradeID, e.Status)
		}
		resolved = e
		switch outcome {
		case OutcomeRelease:
			_, err = s.release(ctx, e, processedBy, tradeAmount)
		case OutcomeRefund:
			err = s.refund(ctx, e, processedBy)
		default:
			err = apperr.BadRequest("unknown dispute outcome %q", outcome)
		}
		return err
	})
	if err != nil {
		metrics.EscrowOpsTotal.WithLabelValues("resolve", "error").Inc()
		return nil, err
	}

	metrics.EscrowOpsTotal.WithLabelValues("resolve", "ok").Inc()
	s.logger.Info("disputed escrow resolved", "trade_id", tradeID, "escrow_id", resolved.ID,
		"outcome", outcome, "processed_by", processedBy)
	return resolved, nil
}

// GetByTradeID returns the escrow for a trade.
func (s *Service) GetByTradeID(ctx context.Context, tradeID int64) (*Escrow, error) {
	return s.getByTrade(ctx, tradeID)
}

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id int64) (*Escrow, error) {
	e, err := s.store.Get(ctx, id)
	if errors.Is(err, ErrEscrowNotFound) {
		return nil, apperr.NotFound("escrow %d not found", id)
	}
	return e, err
}

// Held returns up to limit escrows still holding funds.
func (s *Service) Held(ctx context.Context, limit int) ([]*Escrow, error) {
	return s.store.ListHeld(ctx, limit)
}

func (s *Service) getByTrade(ctx context.Context, tradeID int64) (*Escrow, error) {
	e, err := s.store.GetByTradeID(ctx, tradeID)
	if errors.Is(err, ErrEscrowNotFound) {
		return nil, apperr.NotFound("no escrow for trade %d", tradeID)
	}
	return e, err
}
