package trade

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/olawolejethro/azariPay-sub002/internal/apperr"
	"github.com/olawolejethro/azariPay-sub002/internal/escrow"
	"github.com/olawolejethro/azariPay-sub002/internal/metrics"
	"github.com/olawolejethro/azariPay-sub002/internal/rates"
	"github.com/olawolejethro/azariPay-sub002/internal/traces"
	"github.com/olawolejethro/azariPay-sub002/internal/validation"
)

const (
	maxReasonLength = 1000
	expiryReason    = "payment time limit elapsed"
)

// NotifySellerToProceed funds the escrow of a sell-order trade.
func (m *Manager) NotifySellerToProceed(ctx context.Context, id, userID int64) (*Details, error) {
	return m.proceed(ctx, id, userID, OriginSellOrder)
}

// NotifyBuyerToProceed funds the escrow of a buy-order trade.
func (m *Manager) NotifyBuyerToProceed(ctx context.Context, id, userID int64) (*Details, error) {
	return m.proceed(ctx, id, userID, OriginBuyOrder)
}

// Proceed funds the escrow of a trade of either origin.
func (m *Manager) Proceed(ctx context.Context, id, userID int64) (*Details, error) {
	return m.proceed(ctx, id, userID, "")
}

// proceed locks the seller's escrowed leg plus the lock fee and moves the
// trade to ACTIVE. Repeating it on an ACTIVE trade returns the same escrow.
func (m *Manager) proceed(ctx context.Context, id, userID int64, kind OriginKind) (*Details, error) {
	ctx, span := traces.StartSpan(ctx, "trade.Proceed", traces.TradeID(id), traces.UserID(userID))
	defer span.End()

	var locked *escrow.Escrow
	t, err := m.mutate(ctx, id, func(t *Trade) error {
		if kind != "" && t.Origin().Kind != kind {
			return apperr.BadRequest("trade %d has origin %s", id, t.Origin().Kind)
		}
		if userID != t.SellerID {
			return apperr.Forbidden("only the seller may fund the escrow of trade %d", id)
		}
		if !CanTransition(t.Status, StatusActive) {
			return apperr.BadRequest("trade %d is %s", id, t.Status)
		}
		return nil
	}, func(ctx context.Context, t *Trade) error {
		t.ConvertedAmount = rates.Convert(t.Amount, t.EffectiveRate(nil))
		leg, currency := t.EscrowLeg()

		var err error
		locked, err = m.escrow.LockFunds(ctx, escrow.LockRequest{
			TradeID:  t.ID,
			SellerID: t.SellerID,
			BuyerID:  t.BuyerID,
			OrderID:  t.Origin().OrderID,
			Amount:   leg,
			Currency: currency,
		})
		if err != nil {
			return err
		}

		now := m.now()
		if t.AcceptedAt == nil {
			t.AcceptedAt = &now
		}
		t.Status = StatusActive
		t.UpdatedAt = now
		return m.store.Update(ctx, t)
	})
	if err != nil {
		return nil, err
	}

	metrics.TradeTransitionsTotal.WithLabelValues(string(t.Status)).Inc()
	m.logger.Info("trade funded", "trade_id", id, "escrow_id", locked.ID,
		"amount", locked.Amount.String(), "currency", locked.Currency)

	pay, payCurrency := t.PaymentLeg()
	body := fmt.Sprintf("The seller locked %s in escrow (%s plus a %s fee). Send %s to the seller before %s.",
		money(locked.Amount, locked.Currency), money(locked.TradeAmount, locked.Currency),
		money(locked.Fee, locked.Currency), money(pay, payCurrency),
		t.PaymentDeadline().UTC().Format(time.RFC3339))
	m.post(ctx, t, body)
	m.status(ctx, t)
	m.notify(ctx, t.BuyerID, "Funds in escrow", body, t)

	d, err := m.details(ctx, t)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// NotifyPaymentSent records that the buyer sent the off-platform payment.
// Only an ACTIVE trade accepts it: a PENDING trade has no locked escrow, so
// the buyer would be paying against unsecured funds, and the call fails with
// BadRequest until the seller has proceeded.
func (m *Manager) NotifyPaymentSent(ctx context.Context, id, userID int64) (*Trade, error) {
	ctx, span := traces.StartSpan(ctx, "trade.PaymentSent", traces.TradeID(id), traces.UserID(userID))
	defer span.End()

	t, err := m.mutate(ctx, id, func(t *Trade) error {
		if userID != t.BuyerID {
			return apperr.Forbidden("only the buyer may report payment on trade %d", id)
		}
		if t.Status == StatusPending {
			return apperr.BadRequest("trade %d is PENDING: the seller has not funded the escrow yet", id)
		}
		if !CanTransition(t.Status, StatusPaymentSent) {
			return apperr.BadRequest("trade %d is %s", id, t.Status)
		}
		return nil
	}, func(ctx context.Context, t *Trade) error {
		now := m.now()
		t.Status = StatusPaymentSent
		t.PaymentSentAt = &now
		t.UpdatedAt = now
		return m.store.Update(ctx, t)
	})
	if err != nil {
		return nil, err
	}

	metrics.TradeTransitionsTotal.WithLabelValues(string(t.Status)).Inc()
	m.logger.Info("trade payment sent", "trade_id", id, "buyer_id", userID)

	pay, currency := t.PaymentLeg()
	body := fmt.Sprintf("The buyer reports sending %s. Confirm receipt to release the escrow.", money(pay, currency))
	m.post(ctx, t, body)
	m.status(ctx, t)
	m.notify(ctx, t.SellerID, "Payment sent", body, t)
	return t, nil
}

// ReleaseFunds completes a trade once the seller confirms the payment
// arrived. The escrow pays the buyer the escrowed leg, the lock fee stays
// with the platform, settlement rows are written and the order is settled,
// all in one unit of work.
func (m *Manager) ReleaseFunds(ctx context.Context, id, releaserID int64) (*Details, error) {
	ctx, span := traces.StartSpan(ctx, "trade.ReleaseFunds", traces.TradeID(id), traces.UserID(releaserID))
	defer span.End()

	var released *escrow.Escrow
	t, err := m.mutate(ctx, id, func(t *Trade) error {
		if !t.IsParticipant(releaserID) {
			return apperr.Forbidden("not a party to trade %d", id)
		}
		if releaserID != t.SellerID {
			return apperr.Forbidden("only the seller may release the escrow of trade %d", id)
		}
		if t.Status != StatusPaymentSent {
			return apperr.BadRequest("trade %d is %s, not PAYMENT_SENT", id, t.Status)
		}
		return nil
	}, func(ctx context.Context, t *Trade) error {
		leg, _ := t.EscrowLeg()
		res, err := m.escrow.ReleaseFunds(ctx, t.ID, releaserID, leg)
		if err != nil {
			return err
		}
		released = res.Escrow
		return m.complete(ctx, t, res.Escrow)
	})
	if err != nil {
		return nil, err
	}

	metrics.TradeTransitionsTotal.WithLabelValues(string(t.Status)).Inc()
	m.logger.Info("trade completed", "trade_id", id, "escrow_id", released.ID,
		"released", released.ReleasedAmount.Decimal.String(), "fee", released.PlatformProfit.Decimal.String())

	body := fmt.Sprintf("The seller confirmed payment. %s was released to the buyer.",
		money(released.ReleasedAmount.Decimal, released.Currency))
	m.post(ctx, t, body)
	m.status(ctx, t)
	m.notify(ctx, t.BuyerID, "Trade completed", body, t)
	m.notify(ctx, t.SellerID, "Trade completed", body, t)
	return m.details(ctx, t)
}

// complete settles a trade whose escrow was just released. The caller holds
// the unit of work.
func (m *Manager) complete(ctx context.Context, t *Trade, e *escrow.Escrow) error {
	existing, err := m.store.ListSettlements(ctx, t.ID)
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		if err := m.store.AddSettlements(ctx, m.settlements(t, e)); err != nil {
			return fmt.Errorf("record settlement: %w", err)
		}
	}
	leg, _ := t.EscrowLeg()
	if err := m.orders.CompleteTrade(ctx, t.Origin().OrderID, leg); err != nil {
		return err
	}
	now := m.now()
	t.Status = StatusCompleted
	t.PaymentConfirmedAt = &now
	t.UpdatedAt = now
	return m.store.Update(ctx, t)
}

// settlements splits a released escrow into the seller's debit, the
// buyer's credit and the platform fee.
func (m *Manager) settlements(t *Trade, e *escrow.Escrow) []*Settlement {
	now := m.now()
	released := e.TradeAmount
	if e.ReleasedAmount.Valid {
		released = e.ReleasedAmount.Decimal
	}
	rows := []*Settlement{
		{TradeID: t.ID, UserID: t.SellerID, Side: SideSellerDebit, Amount: e.Amount, Currency: e.Currency, CreatedAt: now},
		{TradeID: t.ID, UserID: t.BuyerID, Side: SideBuyerCredit, Amount: released, Currency: e.Currency, CreatedAt: now},
	}
	if fee := e.Amount.Sub(released); fee.IsPositive() {
		rows = append(rows, &Settlement{TradeID: t.ID, UserID: m.platformAccount, Side: SidePlatformFee,
			Amount: fee, Currency: e.Currency, CreatedAt: now})
	}
	return rows
}

// CancelTrade cancels a trade with no reason.
func (m *Manager) CancelTrade(ctx context.Context, id, userID int64) (*Trade, error) {
	return m.CancelTradeWithReason(ctx, id, userID, CancelRequest{})
}

// CancelTradeWithReason cancels an unsettled trade on behalf of either
// party. A funded escrow is refunded in full and the order reopened. Once
// the buyer reported payment, the caller must confirm no payment was made.
func (m *Manager) CancelTradeWithReason(ctx context.Context, id, userID int64, req CancelRequest) (*Trade, error) {
	ctx, span := traces.StartSpan(ctx, "trade.Cancel", traces.TradeID(id), traces.UserID(userID))
	defer span.End()

	reason := validation.SanitizeString(req.Reason, maxReasonLength)
	var refunded *escrow.Escrow
	cancelled := false
	t, err := m.touch(ctx, id, func(t *Trade) error {
		if !t.IsParticipant(userID) {
			return apperr.Forbidden("not a party to trade %d", id)
		}
		if !CanTransition(t.Status, StatusCancelled) || t.Status == StatusDisputed {
			return apperr.BadRequest("trade %d is %s and cannot be cancelled", id, t.Status)
		}
		if t.Status == StatusPaymentSent && !req.ConfirmNoPayment {
			return apperr.BadRequest("payment was reported on trade %d: confirm that no payment was made to cancel", id)
		}
		return nil
	}, func(ctx context.Context, t *Trade) error {
		var err error
		refunded, err = m.unwind(ctx, t, userID, StatusCancelled, reason)
		cancelled = err == nil
		return err
	})
	if err != nil {
		return nil, err
	}
	if cancelled {
		m.afterUnwind(ctx, t, userID, refunded)
	}
	return t, nil
}

// UpdateTradeStatus applies a REJECTED or CANCELLED status. Only the order
// owner may reject, and only while the trade is PENDING.
func (m *Manager) UpdateTradeStatus(ctx context.Context, id, userID int64, status Status, reason string) (*Trade, error) {
	switch status {
	case StatusCancelled:
		return m.CancelTradeWithReason(ctx, id, userID, CancelRequest{Reason: reason})
	case StatusRejected:
	default:
		return nil, apperr.BadRequest("status %s cannot be set directly", status)
	}

	ctx, span := traces.StartSpan(ctx, "trade.Reject", traces.TradeID(id), traces.UserID(userID))
	defer span.End()

	reason = validation.SanitizeString(reason, maxReasonLength)
	var refunded *escrow.Escrow
	rejected := false
	t, err := m.touch(ctx, id, func(t *Trade) error {
		if !t.IsParticipant(userID) {
			return apperr.Forbidden("not a party to trade %d", id)
		}
		if t.OrderOwnerID() != userID {
			return apperr.Forbidden("only the order owner may reject trade %d", id)
		}
		if !CanTransition(t.Status, StatusRejected) {
			return apperr.BadRequest("trade %d is %s and cannot be rejected", id, t.Status)
		}
		return nil
	}, func(ctx context.Context, t *Trade) error {
		var err error
		refunded, err = m.unwind(ctx, t, userID, StatusRejected, reason)
		rejected = err == nil
		return err
	})
	if err != nil {
		return nil, err
	}
	if rejected {
		m.afterUnwind(ctx, t, userID, refunded)
	}
	return t, nil
}

// unwind refunds a LOCKED escrow, reopens the order and closes the trade
// with status. The caller holds the unit of work.
func (m *Manager) unwind(ctx context.Context, t *Trade, userID int64, status Status, reason string) (*escrow.Escrow, error) {
	refunded, err := m.refundIfLocked(ctx, t.ID, userID)
	if err != nil {
		return nil, err
	}
	if err := m.orders.Release(ctx, t.Origin().OrderID); err != nil {
		return nil, err
	}
	now := m.now()
	t.Status = status
	t.CancelledAt = &now
	t.CancelledBy = &userID
	t.CancellationReason = reason
	t.UpdatedAt = now
	return refunded, m.store.Update(ctx, t)
}

func (m *Manager) refundIfLocked(ctx context.Context, tradeID, processedBy int64) (*escrow.Escrow, error) {
	e, err := m.escrow.GetByTradeID(ctx, tradeID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if e.Status != escrow.StatusLocked {
		return nil, nil
	}
	return m.escrow.RefundFunds(ctx, tradeID, processedBy)
}

func (m *Manager) afterUnwind(ctx context.Context, t *Trade, userID int64, refunded *escrow.Escrow) {
	metrics.TradeTransitionsTotal.WithLabelValues(string(t.Status)).Inc()
	m.logger.Info("trade closed", "trade_id", t.ID, "status", t.Status, "by", userID, "reason", t.CancellationReason)

	verb := "cancelled"
	if t.Status == StatusRejected {
		verb = "rejected"
	}
	body := fmt.Sprintf("The %s %s the trade.", t.Role(userID), verb)
	if t.CancellationReason != "" {
		body = fmt.Sprintf("The %s %s the trade: %s", t.Role(userID), verb, t.CancellationReason)
	}
	if refunded != nil {
		body += fmt.Sprintf(" %s was refunded to the seller.", money(refunded.Amount, refunded.Currency))
	}
	m.post(ctx, t, body)
	m.status(ctx, t)
	title := "Trade " + verb
	m.notify(ctx, t.Counterparty(userID), title, body, t)
	if t.Status == StatusRejected {
		m.notify(ctx, userID, title, body, t)
	}
}

// UpdateTradeRate lets the seller renegotiate the rate before the escrow
// is funded. The new rate must stay within the deviation band of the
// trade's rate.
func (m *Manager) UpdateTradeRate(ctx context.Context, id, sellerID int64, req RateRequest) (*Trade, error) {
	ctx, span := traces.StartSpan(ctx, "trade.UpdateRate", traces.TradeID(id), traces.UserID(sellerID))
	defer span.End()

	reason := validation.SanitizeString(req.Reason, maxReasonLength)
	var before decimal.Decimal
	t, err := m.mutate(ctx, id, func(t *Trade) error {
		if t.SellerID != sellerID {
			return apperr.Forbidden("only the seller may change the rate of trade %d", id)
		}
		if t.Status != StatusPending && t.Status != StatusActive {
			return apperr.BadRequest("trade %d is %s", id, t.Status)
		}
		return nil
	}, func(ctx context.Context, t *Trade) error {
		listed, err := m.listedRate(ctx, t)
		if err != nil {
			return err
		}
		if err := rates.Validate(listed, req.Rate); err != nil {
			return err
		}

		e, err := m.escrow.GetByTradeID(ctx, t.ID)
		switch {
		case err == nil && e.Status == escrow.StatusLocked:
			return apperr.BadRequest("the rate of trade %d cannot change once funds are locked", id)
		case err != nil && !errors.Is(err, apperr.ErrNotFound):
			return err
		}

		before = t.ConvertedAmount
		converted := rates.Convert(t.Amount, req.Rate)
		if t.Origin().Kind == OriginSellOrder {
			order, err := m.orders.Get(ctx, t.Origin().OrderID)
			if err != nil {
				return err
			}
			if converted.GreaterThan(order.AvailableAmount) {
				return apperr.BadRequest("order %d has %s %s available, trade needs %s",
					order.ID, order.AvailableAmount.String(), t.ConvertedCurrency, converted.String())
			}
		}

		now := m.now()
		t.NegotiatedRate = decimal.NewNullDecimal(req.Rate)
		t.RateNegotiatedAt = &now
		t.RateNegotiatedBy = &sellerID
		t.RateNegotiationReason = reason
		t.ConvertedAmount = converted
		t.UpdatedAt = now
		return m.store.Update(ctx, t)
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("trade rate updated", "trade_id", id, "rate", req.Rate.String())
	body := fmt.Sprintf("The seller %s the rate from %s to %s (%s%%): %s becomes %s.",
		rates.Direction(t.Rate, req.Rate), t.Rate.String(), req.Rate.String(),
		rates.ChangePercent(t.Rate, req.Rate).StringFixed(2),
		money(before, t.ConvertedCurrency), money(t.ConvertedAmount, t.ConvertedCurrency))
	m.post(ctx, t, body)
	m.notify(ctx, t.BuyerID, "Trade rate updated", body, t)
	return t, nil
}

// listedRate is the rate the deviation band is measured from: the order's
// listed rate as snapshotted by the negotiation the trade came from, or the
// trade's own rate when it was opened at the listed rate.
func (m *Manager) listedRate(ctx context.Context, t *Trade) (decimal.Decimal, error) {
	if t.NegotiationID == nil || m.negotiations == nil {
		return t.Rate, nil
	}
	n, err := m.negotiations.Find(ctx, *t.NegotiationID)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("load negotiation %d: %w", *t.NegotiationID, err)
	}
	return n.OriginalRate, nil
}

// RaiseDispute freezes a trade and its escrow on behalf of a participant
// and runs record in the same unit of work.
func (m *Manager) RaiseDispute(ctx context.Context, id, userID int64, record func(ctx context.Context, t *Trade) error) (*Trade, error) {
	ctx, span := traces.StartSpan(ctx, "trade.RaiseDispute", traces.TradeID(id), traces.UserID(userID))
	defer span.End()

	t, err := m.mutate(ctx, id, func(t *Trade) error {
		if !t.IsParticipant(userID) {
			return apperr.Forbidden("not a party to trade %d", id)
		}
		if t.Status != StatusActive && t.Status != StatusPaymentSent {
			return apperr.BadRequest("trade %d is %s; disputes need an ACTIVE or PAYMENT_SENT trade", id, t.Status)
		}
		return nil
	}, func(ctx context.Context, t *Trade) error {
		if _, err := m.escrow.MarkAsDisputed(ctx, t.ID, userID); err != nil {
			return err
		}
		t.Status = StatusDisputed
		t.UpdatedAt = m.now()
		if err := m.store.Update(ctx, t); err != nil {
			return err
		}
		return record(ctx, t)
	})
	if err != nil {
		return nil, err
	}

	metrics.TradeTransitionsTotal.WithLabelValues(string(t.Status)).Inc()
	m.logger.Warn("trade disputed", "trade_id", id, "raised_by", userID)
	m.post(ctx, t, fmt.Sprintf("The %s opened a dispute. Funds stay in escrow until it is resolved.", t.Role(userID)))
	m.status(ctx, t)
	return t, nil
}

// SettleDispute settles a DISPUTED trade: release completes it in the
// buyer's favour, refund cancels it in the seller's. record runs in the
// same unit of work.
func (m *Manager) SettleDispute(ctx context.Context, id, adminID int64, outcome escrow.Outcome, record func(ctx context.Context, t *Trade) error) (*Trade, error) {
	ctx, span := traces.StartSpan(ctx, "trade.SettleDispute", traces.TradeID(id), traces.UserID(adminID))
	defer span.End()

	t, err := m.mutate(ctx, id, func(t *Trade) error {
		if t.Status != StatusDisputed {
			return apperr.BadRequest("trade %d is %s, not DISPUTED", id, t.Status)
		}
		if outcome != escrow.OutcomeRelease && outcome != escrow.OutcomeRefund {
			return apperr.BadRequest("unknown dispute outcome %q", outcome)
		}
		return nil
	}, func(ctx context.Context, t *Trade) error {
		leg, _ := t.EscrowLeg()
		e, err := m.escrow.ResolveDisputed(ctx, t.ID, adminID, outcome, leg)
		if err != nil {
			return err
		}
		if outcome == escrow.OutcomeRelease {
			err = m.complete(ctx, t, e)
		} else {
			err = m.closeDisputed(ctx, t, adminID)
		}
		if err != nil {
			return err
		}
		return record(ctx, t)
	})
	if err != nil {
		return nil, err
	}

	metrics.TradeTransitionsTotal.WithLabelValues(string(t.Status)).Inc()
	m.logger.Info("trade dispute settled", "trade_id", id, "outcome", outcome, "status", t.Status)

	body := "The dispute was resolved: the escrow was released to the buyer."
	if outcome == escrow.OutcomeRefund {
		body = "The dispute was resolved: the escrow was refunded to the seller."
	}
	m.post(ctx, t, body)
	m.status(ctx, t)
	return t, nil
}

func (m *Manager) closeDisputed(ctx context.Context, t *Trade, adminID int64) error {
	if err := m.orders.Release(ctx, t.Origin().OrderID); err != nil {
		return err
	}
	now := m.now()
	t.Status = StatusCancelled
	t.CancelledAt = &now
	t.CancelledBy = &adminID
	t.CancellationReason = "dispute resolved with a refund"
	t.UpdatedAt = now
	return m.store.Update(ctx, t)
}

// expire cancels a trade whose payment window elapsed. The caller holds
// the unit of work.
func (m *Manager) expire(ctx context.Context, t *Trade, now time.Time) error {
	if _, err := m.refundIfLocked(ctx, t.ID, 0); err != nil {
		return err
	}
	if err := m.orders.Release(ctx, t.Origin().OrderID); err != nil {
		return err
	}
	t.Status = StatusCancelled
	t.CancelledAt = &now
	t.CancellationReason = expiryReason
	t.UpdatedAt = now
	return m.store.Update(ctx, t)
}

func (m *Manager) afterExpire(ctx context.Context, t *Trade) {
	metrics.TradesExpiredTotal.Inc()
	metrics.TradeTransitionsTotal.WithLabelValues(string(t.Status)).Inc()
	m.logger.Info("trade expired", "trade_id", t.ID, "order_id", t.Origin().OrderID)

	body := "The trade was cancelled because the payment time limit elapsed. Any escrowed funds were returned to the seller."
	m.post(ctx, t, body)
	m.status(ctx, t)
	m.notify(ctx, t.BuyerID, "Trade expired", body, t)
	m.notify(ctx, t.SellerID, "Trade expired", body, t)
}

// ExpireStale cancels PENDING and ACTIVE trades whose payment window has
// elapsed. It returns how many were cancelled.
func (m *Manager) ExpireStale(ctx context.Context) (int, error) {
	stale, err := m.store.ListExpirable(ctx, m.now(), 100)
	if err != nil {
		return 0, fmt.Errorf("list expirable trades: %w", err)
	}

	expired := 0
	for _, candidate := range stale {
		t, ok, err := m.locked(ctx, candidate.ID, nil, nil)
		if err != nil {
			m.logger.Warn("failed to expire trade", "trade_id", candidate.ID, "error", err)
			continue
		}
		if ok {
			expired++
			m.afterExpire(ctx, t)
		}
	}
	return expired, nil
}
