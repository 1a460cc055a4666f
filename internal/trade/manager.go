package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/olawolejethro/azariPay-sub002/internal/apperr"
	"github.com/olawolejethro/azariPay-sub002/internal/metrics"
	"github.com/olawolejethro/azariPay-sub002/internal/negotiation"
	"github.com/olawolejethro/azariPay-sub002/internal/notify"
	"github.com/olawolejethro/azariPay-sub002/internal/orders"
	"github.com/olawolejethro/azariPay-sub002/internal/rates"
	"github.com/olawolejethro/azariPay-sub002/internal/syncutil"
	"github.com/olawolejethro/azariPay-sub002/internal/traces"
	"github.com/olawolejethro/azariPay-sub002/internal/txn"
)

// Manager drives trades through their lifecycle. Every mutation takes the
// trade's keyed lock and then runs in one unit of work with the escrow,
// wallet and order writes it makes. Notifications and chat run after commit.
type Manager struct {
	store            Store
	escrow           EscrowLedger
	orders           OrderBook
	wallet           Wallet
	negotiations     Negotiations
	tx               txn.Runner
	locker           syncutil.Locker
	notifier         notify.Dispatcher
	chat             ChatBridge
	onboarding       OnboardingChecker
	platformAccount  int64
	logger           *slog.Logger
	now              func() time.Time
	paymentTimeLimit time.Duration
	maxOpen          int
}

// NewManager creates a trade manager.
func NewManager(store Store, ledger EscrowLedger, book OrderBook, wallet Wallet, tx txn.Runner) *Manager {
	return &Manager{
		store:            store,
		escrow:           ledger,
		orders:           book,
		wallet:           wallet,
		tx:               tx,
		locker:           syncutil.NewKeyedMutex(),
		logger:           slog.Default(),
		now:              time.Now,
		paymentTimeLimit: DefaultPaymentTimeLimit,
		maxOpen:          DefaultMaxOpenTrades,
	}
}

// WithNegotiations sets where agreed rates come from.
func (m *Manager) WithNegotiations(n Negotiations) *Manager {
	m.negotiations = n
	return m
}

// WithLocker replaces the process-local trade lock, e.g. with a Redis locker.
func (m *Manager) WithLocker(l syncutil.Locker) *Manager {
	m.locker = l
	return m
}

// WithNotifier sets where participant notifications go.
func (m *Manager) WithNotifier(d notify.Dispatcher) *Manager {
	m.notifier = d
	return m
}

// WithChat sets the chat bridge for trade rooms.
func (m *Manager) WithChat(c ChatBridge) *Manager {
	m.chat = c
	return m
}

// WithOnboarding sets the KYC gate for opening trades.
func (m *Manager) WithOnboarding(c OnboardingChecker) *Manager {
	m.onboarding = c
	return m
}

// WithPlatformAccount sets the account recorded on fee settlement rows.
func (m *Manager) WithPlatformAccount(userID int64) *Manager {
	m.platformAccount = userID
	return m
}

// WithLogger sets the logger.
func (m *Manager) WithLogger(logger *slog.Logger) *Manager {
	m.logger = logger
	return m
}

// WithClock overrides time.Now.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// WithPaymentTimeLimit sets how long new trades wait for payment.
func (m *Manager) WithPaymentTimeLimit(d time.Duration) *Manager {
	if d > 0 {
		m.paymentTimeLimit = d
	}
	return m
}

// WithMaxOpenTrades sets how many open trades each user may hold.
func (m *Manager) WithMaxOpenTrades(n int) *Manager {
	if n > 0 {
		m.maxOpen = n
	}
	return m
}

// CreateTrade opens a PENDING trade against a sell or buy order and reserves
// the order. An agreed negotiation between the order and the buyer sets the
// trade rate and is consumed by the trade.
func (m *Manager) CreateTrade(ctx context.Context, initiatorID int64, req CreateRequest) (*Details, error) {
	ctx, span := traces.StartSpan(ctx, "trade.Create", traces.UserID(initiatorID), traces.Amount(req.Amount.String()))
	defer span.End()

	if (req.SellOrderID == nil) == (req.BuyOrderID == nil) {
		return nil, apperr.BadRequest("invalid request: exactly one of sellOrderId and buyOrderId is required")
	}
	if !req.Amount.IsPositive() {
		return nil, apperr.BadRequest("amount must be positive")
	}
	if m.onboarding != nil {
		ok, err := m.onboarding.IsOnboarded(ctx, initiatorID)
		if err != nil {
			return nil, fmt.Errorf("check onboarding: %w", err)
		}
		if !ok {
			return nil, apperr.Forbidden("complete onboarding before trading")
		}
	}

	origin := Origin{Kind: OriginSellOrder}
	if req.SellOrderID != nil {
		origin.OrderID = *req.SellOrderID
	} else {
		origin = Origin{Kind: OriginBuyOrder, OrderID: *req.BuyOrderID}
	}

	unlock, err := m.locker.LockContext(ctx, orderKey(origin.OrderID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	var created *Trade
	var order *orders.Order
	var agreed *negotiation.Negotiation
	err = m.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		order, err = m.orders.Get(ctx, origin.OrderID)
		if err != nil {
			return err
		}
		if err := checkOrder(order, origin, initiatorID); err != nil {
			return err
		}

		open, err := m.store.CountOpenByUser(ctx, initiatorID)
		if err != nil {
			return err
		}
		if open >= m.maxOpen {
			return apperr.BadRequest("you have reached the limit of %d open trades", m.maxOpen)
		}

		t := &Trade{
			InitiatorID:       initiatorID,
			Amount:            req.Amount,
			Currency:          order.Currency,
			ConvertedCurrency: order.TargetCurrency,
			Rate:              order.ExchangeRate,
			Status:            StatusPending,
			PaymentTimeLimit:  m.paymentTimeLimit,
		}
		orderID := order.ID
		if origin.Kind == OriginSellOrder {
			t.SellOrderID = &orderID
			t.SellerID, t.BuyerID = order.OwnerID, initiatorID
		} else {
			t.BuyOrderID = &orderID
			t.SellerID, t.BuyerID = initiatorID, order.OwnerID
		}

		if origin.Kind == OriginSellOrder && m.negotiations != nil {
			agreed, err = m.negotiations.GetAgreedNegotiation(ctx, order.ID, t.BuyerID)
			switch {
			case err == nil:
				t.Rate = agreed.ProposedRate
				t.NegotiationID = &agreed.ID
			case errors.Is(err, apperr.ErrNotFound):
				agreed = nil
			default:
				return err
			}
		}
		t.ConvertedAmount = rates.Convert(t.Amount, t.Rate)

		if t.Amount.LessThan(order.MinTransactionLimit) {
			return apperr.BadRequest("amount %s is below the order minimum of %s %s",
				t.Amount.String(), order.MinTransactionLimit.String(), order.Currency)
		}
		leg, currency := t.EscrowLeg()
		if !leg.IsPositive() {
			return apperr.BadRequest("amount %s %s converts to nothing at rate %s",
				t.Amount.String(), t.Currency, t.Rate.String())
		}
		if leg.GreaterThan(order.AvailableAmount) {
			return apperr.BadRequest("order %d has %s %s available, trade needs %s",
				order.ID, order.AvailableAmount.String(), currency, leg.String())
		}
		balance, err := m.wallet.GetBalance(ctx, t.SellerID, currency)
		if err != nil {
			return err
		}
		if balance.LessThan(leg) {
			return apperr.InsufficientFunds("seller has insufficient %s balance for this trade", currency)
		}

		now := m.now()
		t.CreatedAt = now
		t.UpdatedAt = now
		if err := m.store.Create(ctx, t); err != nil {
			return fmt.Errorf("create trade: %w", err)
		}
		if err := m.orders.Reserve(ctx, order.ID, t.Counterparty(order.OwnerID), t.ID); err != nil {
			return err
		}
		if agreed != nil {
			if err := m.negotiations.MarkCompleted(ctx, agreed.ID, t.ID); err != nil {
				return err
			}
		}
		created = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(traces.TradeID(created.ID))

	metrics.TradeTransitionsTotal.WithLabelValues(string(created.Status)).Inc()
	m.logger.Info("trade created", "trade_id", created.ID, "origin", origin.Kind, "order_id", origin.OrderID,
		"buyer_id", created.BuyerID, "seller_id", created.SellerID, "amount", created.Amount.String())

	m.openRoom(ctx, created)
	leg, currency := created.EscrowLeg()
	m.notify(ctx, order.OwnerID, "New trade",
		fmt.Sprintf("A trade for %s %s (%s %s at %s) was opened on your order %d.",
			created.Amount.String(), created.Currency, leg.String(), currency, created.Rate.String(), order.ID),
		created)

	return &Details{
		Trade:           created,
		Origin:          origin,
		Order:           order,
		Negotiation:     agreed,
		EffectiveRate:   created.EffectiveRate(agreed),
		PaymentDeadline: deadline(created),
	}, nil
}

func checkOrder(order *orders.Order, origin Origin, initiatorID int64) error {
	switch order.Status {
	case orders.StatusOpen:
	case orders.StatusMatched:
		return apperr.Conflict("order %d is already matched to a trade", order.ID)
	default:
		return apperr.BadRequest("order %d is %s", order.ID, order.Status)
	}
	want := orders.KindSell
	if origin.Kind == OriginBuyOrder {
		want = orders.KindBuy
	}
	if order.Kind != want {
		return apperr.BadRequest("order %d is a %s order", order.ID, order.Kind)
	}
	if order.OwnerID == initiatorID {
		return apperr.BadRequest("cannot trade against your own order")
	}
	return nil
}

// GetTrade returns a trade with its order, negotiation, escrow and
// settlements to one of its participants. An elapsed payment window is
// applied first.
func (m *Manager) GetTrade(ctx context.Context, id, userID int64) (*Details, error) {
	t, err := m.touch(ctx, id, func(t *Trade) error {
		if !t.IsParticipant(userID) {
			return apperr.Forbidden("not a party to trade %d", id)
		}
		return nil
	}, nil)
	if err != nil {
		return nil, err
	}
	return m.details(ctx, t)
}

// details resolves the aggregates a trade references. Missing escrow and
// negotiation rows are left empty.
func (m *Manager) details(ctx context.Context, t *Trade) (*Details, error) {
	d := &Details{Trade: t, Origin: t.Origin(), PaymentDeadline: deadline(t)}

	order, err := m.orders.Get(ctx, d.Origin.OrderID)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}
	d.Order = order

	if t.NegotiationID != nil && m.negotiations != nil {
		n, err := m.negotiations.Find(ctx, *t.NegotiationID)
		if err != nil && !errors.Is(err, apperr.ErrNotFound) {
			return nil, err
		}
		d.Negotiation = n
	}

	e, err := m.escrow.GetByTradeID(ctx, t.ID)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}
	d.Escrow = e

	d.Settlements, err = m.store.ListSettlements(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	d.EffectiveRate = t.EffectiveRate(d.Negotiation)
	return d, nil
}

func deadline(t *Trade) *time.Time {
	if t.Status != StatusPending && t.Status != StatusActive {
		return nil
	}
	dl := t.PaymentDeadline()
	return &dl
}

// CheckUserHasOpenTrades reports whether userID holds any PENDING, ACTIVE,
// PAYMENT_SENT or DISPUTED trade.
func (m *Manager) CheckUserHasOpenTrades(ctx context.Context, userID int64) (bool, error) {
	n, err := m.store.CountOpenByUser(ctx, userID)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListUserTrades returns trades where userID is buyer or seller, newest first.
func (m *Manager) ListUserTrades(ctx context.Context, userID int64, limit int) ([]*Trade, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return m.store.ListByUser(ctx, userID, limit)
}

// Lookup returns a trade as stored, with no participant check and no expiry.
func (m *Manager) Lookup(ctx context.Context, id int64) (*Trade, error) {
	return m.load(ctx, id)
}

func (m *Manager) load(ctx context.Context, id int64) (*Trade, error) {
	t, err := m.store.Get(ctx, id)
	if errors.Is(err, ErrTradeNotFound) {
		return nil, apperr.NotFound("trade %d not found", id)
	}
	return t, err
}

func tradeKey(id int64) string { return fmt.Sprintf("trade:%d", id) }

func orderKey(id int64) string { return fmt.Sprintf("order:%d", id) }

// touch loads a trade under its lock and unit of work. check runs first and
// must not write. An elapsed payment window is then applied and fn is
// skipped; otherwise fn mutates the trade. touch returns the trade as it
// stands after commit.
func (m *Manager) touch(ctx context.Context, id int64, check func(*Trade) error, fn func(context.Context, *Trade) error) (*Trade, error) {
	t, expired, err := m.locked(ctx, id, check, fn)
	if err != nil {
		return nil, err
	}
	if expired {
		m.afterExpire(ctx, t)
	}
	return t, nil
}

// mutate is touch for operations that cannot proceed on an expired trade.
func (m *Manager) mutate(ctx context.Context, id int64, check func(*Trade) error, fn func(context.Context, *Trade) error) (*Trade, error) {
	t, expired, err := m.locked(ctx, id, check, fn)
	if err != nil {
		return nil, err
	}
	if expired {
		m.afterExpire(ctx, t)
		return nil, apperr.BadRequest("trade %d expired: the payment time limit elapsed", id)
	}
	return t, nil
}

func (m *Manager) locked(ctx context.Context, id int64, check func(*Trade) error, fn func(context.Context, *Trade) error) (*Trade, bool, error) {
	unlock, err := m.locker.LockContext(ctx, tradeKey(id))
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	var t *Trade
	expired := false
	err = m.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		t, err = m.load(ctx, id)
		if err != nil {
			return err
		}
		if check != nil {
			if err := check(t); err != nil {
				return err
			}
		}
		now := m.now()
		if t.ExpiredAt(now) {
			expired = true
			return m.expire(ctx, t, now)
		}
		if fn == nil {
			return nil
		}
		return fn(ctx, t)
	})
	if err != nil {
		return nil, false, err
	}
	return t, expired, nil
}

func (m *Manager) openRoom(ctx context.Context, t *Trade) {
	if m.chat == nil {
		return
	}
	leg, currency := t.EscrowLeg()
	details := map[string]any{
		"tradeId":         t.ID,
		"origin":          t.Origin(),
		"amount":          t.Amount.String(),
		"currency":        t.Currency,
		"escrowAmount":    leg.String(),
		"escrowCurrency":  currency,
		"rate":            t.Rate.String(),
		"paymentDeadline": t.PaymentDeadline(),
	}
	if err := m.chat.CreateRoom(ctx, t.RoomID(), []int64{t.BuyerID, t.SellerID}, details); err != nil {
		m.logger.Warn("failed to create trade room", "trade_id", t.ID, "error", err)
	}
}

func (m *Manager) post(ctx context.Context, t *Trade, text string) {
	if m.chat == nil {
		return
	}
	if err := m.chat.PostMessage(ctx, t.RoomID(), 0, text); err != nil {
		m.logger.Warn("failed to post trade message", "trade_id", t.ID, "error", err)
	}
}

func (m *Manager) status(ctx context.Context, t *Trade) {
	if m.chat == nil {
		return
	}
	if err := m.chat.UpdateStatus(ctx, t.RoomID(), string(t.Status)); err != nil {
		m.logger.Warn("failed to update trade room", "trade_id", t.ID, "error", err)
	}
}

func (m *Manager) notify(ctx context.Context, userID int64, title, body string, t *Trade) {
	if m.notifier == nil || userID == 0 {
		return
	}
	m.notifier.Notify(ctx, notify.Notification{
		UserID:   userID,
		Category: notify.CategoryTrade,
		Title:    title,
		Body:     body,
		Action:   "trade",
		Priority: notify.PriorityHigh,
		Data: map[string]any{
			"tradeId":  t.ID,
			"status":   t.Status,
			"amount":   t.Amount.String(),
			"currency": t.Currency,
		},
	})
}

func money(amount decimal.Decimal, currency string) string {
	return amount.StringFixed(2) + " " + currency
}
