package negotiation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/olawolejethro/azariPay-sub002/internal/apperr"
	"github.com/olawolejethro/azariPay-sub002/internal/metrics"
	"github.com/olawolejethro/azariPay-sub002/internal/notify"
	"github.com/olawolejethro/azariPay-sub002/internal/orders"
	"github.com/olawolejethro/azariPay-sub002/internal/rates"
	"github.com/olawolejethro/azariPay-sub002/internal/traces"
	"github.com/olawolejethro/azariPay-sub002/internal/txn"
	"github.com/olawolejethro/azariPay-sub002/internal/validation"
)

const maxNotesLength = 1000

var openStatuses = []Status{StatusPending, StatusInProgress, StatusAgreed}

// RoomID is the chat room key of a negotiation.
func RoomID(id int64) string {
	return fmt.Sprintf("negotiation:%d", id)
}

// Service implements negotiation business logic.
type Service struct {
	store       Store
	orders      OrderBook
	tx          txn.Runner
	notifier    notify.Dispatcher
	chat        ChatBridge
	logger      *slog.Logger
	now         func() time.Time
	window      time.Duration
	tradeWindow time.Duration
	maxOpen     int
}

// NewService creates a new negotiation service.
func NewService(store Store, book OrderBook, tx txn.Runner) *Service {
	return &Service{
		store:       store,
		orders:      book,
		tx:          tx,
		logger:      slog.Default(),
		now:         time.Now,
		window:      DefaultWindow,
		tradeWindow: DefaultTradeWindow,
		maxOpen:     DefaultMaxOpen,
	}
}

// WithNotifier sets where participant notifications go.
func (s *Service) WithNotifier(d notify.Dispatcher) *Service {
	s.notifier = d
	return s
}

// WithChat sets the chat bridge for negotiation rooms.
func (s *Service) WithChat(c ChatBridge) *Service {
	s.chat = c
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

// WithWindows sets the negotiation window and the trade-creation window
// that follows an agreement.
func (s *Service) WithWindows(negotiation, tradeCreation time.Duration) *Service {
	if negotiation > 0 {
		s.window = negotiation
	}
	if tradeCreation > 0 {
		s.tradeWindow = tradeCreation
	}
	return s
}

// WithMaxOpen sets how many open negotiations each user may hold.
func (s *Service) WithMaxOpen(n int) *Service {
	if n > 0 {
		s.maxOpen = n
	}
	return s
}

// CreateNegotiation opens a negotiation on a sell order for buyerID.
func (s *Service) CreateNegotiation(ctx context.Context, orderID, buyerID int64) (*Negotiation, error) {
	ctx, span := traces.StartSpan(ctx, "negotiation.Create", traces.UserID(buyerID))
	defer span.End()

	var created *Negotiation
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		order, err := s.orders.Get(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Kind != orders.KindSell {
			return apperr.BadRequest("rates can only be negotiated on sell orders")
		}
		if order.Status != orders.StatusOpen {
			return apperr.BadRequest("order %d is not open", orderID)
		}
		if order.OwnerID == buyerID {
			return apperr.BadRequest("cannot negotiate on your own order")
		}

		now := s.now()
		if err := s.checkLimits(ctx, buyerID, order.OwnerID, now); err != nil {
			return err
		}

		existing, err := s.store.FindLatest(ctx, orderID, buyerID, openStatuses...)
		switch {
		case err == nil && !existing.ExpiredAt(now):
			return apperr.Conflict("an active negotiation %d already exists for order %d", existing.ID, orderID)
		case err == nil:
			if err := s.expire(ctx, existing, now); err != nil {
				return err
			}
		case !errors.Is(err, ErrNegotiationNotFound):
			return err
		}
		open, err := s.store.CountOpenByBuyer(ctx, buyerID, now)
		if err != nil {
			return err
		}
		if open > 0 {
			return apperr.Conflict("buyer already has an active negotiation")
		}

		n := &Negotiation{
			SellOrderID:  orderID,
			BuyerID:      buyerID,
			SellerID:     order.OwnerID,
			OriginalRate: order.ExchangeRate,
			ProposedRate: order.ExchangeRate,
			Status:       StatusPending,
			ExpiresAt:    now.Add(s.window),
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := s.store.Create(ctx, n); err != nil {
			return fmt.Errorf("create negotiation: %w", err)
		}
		if err := s.orders.SetNegotiating(ctx, orderID, true); err != nil {
			return err
		}
		created = n
		return nil
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(traces.NegotiationID(created.ID))

	metrics.NegotiationsTotal.WithLabelValues(string(created.Status)).Inc()
	s.logger.Info("negotiation created",
		"negotiation_id", created.ID, "order_id", orderID, "buyer_id", buyerID, "seller_id", created.SellerID)

	s.openRoom(ctx, created)
	s.notify(ctx, created.SellerID, "New rate negotiation",
		fmt.Sprintf("A buyer wants to negotiate the rate of %s on your order %d.", created.OriginalRate, orderID),
		created)
	return created, nil
}

func (s *Service) checkLimits(ctx context.Context, buyerID, sellerID int64, now time.Time) error {
	buyerOpen, err := s.store.CountOpenByBuyer(ctx, buyerID, now)
	if err != nil {
		return err
	}
	if buyerOpen >= s.maxOpen {
		return apperr.BadRequest("buyer has reached the limit of %d open negotiations", s.maxOpen)
	}
	sellerOpen, err := s.store.CountOpenBySeller(ctx, sellerID, now)
	if err != nil {
		return err
	}
	if sellerOpen >= s.maxOpen {
		return apperr.BadRequest("seller has reached the limit of %d open negotiations", s.maxOpen)
	}
	return nil
}

// UpdateNegotiationRate records the seller's proposed rate.
func (s *Service) UpdateNegotiationRate(ctx context.Context, id, sellerID int64, req UpdateRateRequest) (*Negotiation, error) {
	ctx, span := traces.StartSpan(ctx, "negotiation.UpdateRate", traces.NegotiationID(id), traces.UserID(sellerID))
	defer span.End()

	var updated *Negotiation
	expired := false
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		n, err := s.load(ctx, id)
		if err != nil {
			return err
		}
		if n.SellerID != sellerID {
			return apperr.Forbidden("only the seller may propose a rate")
		}
		if !n.Negotiable() {
			return apperr.BadRequest("negotiation %d is %s", id, n.Status)
		}
		now := s.now()
		if n.ExpiredAt(now) {
			expired = true
			updated = n
			return s.expire(ctx, n, now)
		}
		if err := rates.Validate(n.OriginalRate, req.ProposedRate); err != nil {
			return err
		}

		n.ProposedRate = req.ProposedRate
		n.Notes = validation.SanitizeString(req.Notes, maxNotesLength)
		n.Status = StatusInProgress
		n.UpdatedAt = now
		updated = n
		return s.store.Update(ctx, n)
	})
	if err != nil {
		return nil, err
	}
	if expired {
		s.afterExpire(ctx, updated)
		return nil, apperr.BadRequest("negotiation %d has expired", id)
	}

	metrics.NegotiationsTotal.WithLabelValues(string(updated.Status)).Inc()
	direction := rates.Direction(updated.OriginalRate, updated.ProposedRate)
	pct := rates.ChangePercent(updated.OriginalRate, updated.ProposedRate).Abs()
	body := fmt.Sprintf("The seller %s the rate by %s%% to %s.", direction, pct.StringFixed(2), updated.ProposedRate)
	if direction == "unchanged" {
		body = fmt.Sprintf("The seller kept the rate at %s.", updated.ProposedRate)
	}
	s.post(ctx, updated, body)
	s.notify(ctx, updated.BuyerID, "Rate updated", body, updated)
	return updated, nil
}

// RespondToNegotiation lets the buyer accept the current proposal.
func (s *Service) RespondToNegotiation(ctx context.Context, id, buyerID int64, req RespondRequest) (*Negotiation, error) {
	ctx, span := traces.StartSpan(ctx, "negotiation.Respond", traces.NegotiationID(id), traces.UserID(buyerID))
	defer span.End()

	if !strings.EqualFold(req.Action, "accept") {
		return nil, apperr.BadRequest("unsupported action %q", req.Action)
	}

	var agreed *Negotiation
	expired := false
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		n, err := s.load(ctx, id)
		if err != nil {
			return err
		}
		if n.BuyerID != buyerID {
			return apperr.Forbidden("only the buyer may respond to a proposal")
		}
		if !n.Negotiable() {
			return apperr.BadRequest("negotiation %d is %s", id, n.Status)
		}
		now := s.now()
		if n.ExpiredAt(now) {
			expired = true
			agreed = n
			return s.expire(ctx, n, now)
		}

		deadline := now.Add(s.tradeWindow)
		n.Status = StatusAgreed
		n.AgreedAt = &now
		n.AgreedBy = &buyerID
		n.TradeCreationDeadline = &deadline
		if notes := validation.SanitizeString(req.Notes, maxNotesLength); notes != "" {
			n.Notes = notes
		}
		n.UpdatedAt = now
		agreed = n
		return s.store.Update(ctx, n)
	})
	if err != nil {
		return nil, err
	}
	if expired {
		s.afterExpire(ctx, agreed)
		return nil, apperr.BadRequest("negotiation %d has expired", id)
	}

	metrics.NegotiationsTotal.WithLabelValues(string(agreed.Status)).Inc()
	s.logger.Info("negotiation agreed", "negotiation_id", id, "rate", agreed.ProposedRate.String())

	body := fmt.Sprintf("The buyer accepted the rate of %s. A trade must be opened before %s.",
		agreed.ProposedRate, agreed.TradeCreationDeadline.UTC().Format(time.RFC3339))
	s.post(ctx, agreed, body)
	s.status(ctx, agreed)
	s.notify(ctx, agreed.SellerID, "Rate accepted", body, agreed)
	return agreed, nil
}

// CancelNegotiation declines an unsettled negotiation on behalf of either party.
func (s *Service) CancelNegotiation(ctx context.Context, id, userID int64, reason string) (*Negotiation, error) {
	ctx, span := traces.StartSpan(ctx, "negotiation.Cancel", traces.NegotiationID(id), traces.UserID(userID))
	defer span.End()

	reason = validation.SanitizeString(reason, maxNotesLength)

	var cancelled *Negotiation
	expired := false
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		n, err := s.load(ctx, id)
		if err != nil {
			return err
		}
		if !n.IsParticipant(userID) {
			return apperr.Forbidden("not a party to negotiation %d", id)
		}
		if !n.Negotiable() {
			return apperr.BadRequest("negotiation %d is %s", id, n.Status)
		}
		now := s.now()
		if n.ExpiredAt(now) {
			expired = true
			cancelled = n
			return s.expire(ctx, n, now)
		}

		n.Status = StatusDeclined
		n.CancelledBy = &userID
		n.CancelReason = reason
		n.UpdatedAt = now
		if err := s.store.Update(ctx, n); err != nil {
			return err
		}
		cancelled = n
		return s.clearOrderFlag(ctx, n.SellOrderID, now)
	})
	if err != nil {
		return nil, err
	}
	if expired {
		s.afterExpire(ctx, cancelled)
		return nil, apperr.BadRequest("negotiation %d has expired", id)
	}

	metrics.NegotiationsTotal.WithLabelValues(string(cancelled.Status)).Inc()

	role, counterparty := "buyer", cancelled.SellerID
	if userID == cancelled.SellerID {
		role, counterparty = "seller", cancelled.BuyerID
	}
	body := fmt.Sprintf("The %s cancelled the negotiation.", role)
	if reason != "" {
		body = fmt.Sprintf("The %s cancelled the negotiation: %s", role, reason)
	}
	s.post(ctx, cancelled, body)
	s.status(ctx, cancelled)
	s.notify(ctx, counterparty, "Negotiation cancelled", body, cancelled)
	return cancelled, nil
}

// GetAgreedNegotiation returns the live agreement for (order, buyer). An
// agreement past its trade-creation deadline is expired and reported as
// NotFound.
func (s *Service) GetAgreedNegotiation(ctx context.Context, orderID, buyerID int64) (*Negotiation, error) {
	var agreed *Negotiation
	expired := false
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		n, err := s.store.FindLatest(ctx, orderID, buyerID, StatusAgreed)
		if errors.Is(err, ErrNegotiationNotFound) {
			return apperr.NotFound("no agreed negotiation for order %d", orderID)
		}
		if err != nil {
			return err
		}
		agreed = n
		if now := s.now(); n.ExpiredAt(now) {
			expired = true
			return s.expire(ctx, n, now)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if expired {
		s.afterExpire(ctx, agreed)
		return nil, apperr.NotFound("agreed negotiation %d expired before a trade was opened", agreed.ID)
	}
	return agreed, nil
}

// MarkCompleted links an agreed negotiation to the trade that consumed it.
// It joins the caller's unit of work.
func (s *Service) MarkCompleted(ctx context.Context, id, tradeID int64) error {
	return s.tx.WithinTx(ctx, func(ctx context.Context) error {
		n, err := s.load(ctx, id)
		if err != nil {
			return err
		}
		if n.Status != StatusAgreed {
			return apperr.BadRequest("negotiation %d is %s, not AGREED", id, n.Status)
		}
		now := s.now()
		if n.ExpiredAt(now) {
			return apperr.BadRequest("negotiation %d agreement has expired", id)
		}
		n.Status = StatusCompleted
		n.TradeID = &tradeID
		n.UpdatedAt = now
		if err := s.store.Update(ctx, n); err != nil {
			return err
		}
		return s.clearOrderFlag(ctx, n.SellOrderID, now)
	})
}

// Get returns a negotiation to one of its participants, expiring it first
// if its window has passed.
func (s *Service) Get(ctx context.Context, id, userID int64) (*Negotiation, error) {
	var n *Negotiation
	expired := false
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		n, err = s.load(ctx, id)
		if err != nil {
			return err
		}
		if !n.IsParticipant(userID) {
			return apperr.Forbidden("not a party to negotiation %d", id)
		}
		if now := s.now(); n.ExpiredAt(now) {
			expired = true
			return s.expire(ctx, n, now)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if expired {
		s.afterExpire(ctx, n)
	}
	return n, nil
}

// Find returns a negotiation without a participant check, as stored.
func (s *Service) Find(ctx context.Context, id int64) (*Negotiation, error) {
	return s.load(ctx, id)
}

// ListForUser returns negotiations where userID is buyer or seller, newest first.
func (s *Service) ListForUser(ctx context.Context, userID int64, limit int) ([]*Negotiation, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListForUser(ctx, userID, limit)
}

// ExpireStale writes EXPIRED for negotiations whose window has passed. It
// returns how many were expired.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	now := s.now()
	stale, err := s.store.ListStale(ctx, now, 100)
	if err != nil {
		return 0, fmt.Errorf("list stale negotiations: %w", err)
	}

	expired := 0
	for _, candidate := range stale {
		var n *Negotiation
		err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
			fresh, err := s.load(ctx, candidate.ID)
			if err != nil {
				return err
			}
			if fresh.IsTerminal() || !fresh.ExpiredAt(now) {
				return nil
			}
			n = fresh
			return s.expire(ctx, fresh, now)
		})
		if err != nil {
			s.logger.Warn("failed to expire negotiation", "negotiation_id", candidate.ID, "error", err)
			continue
		}
		if n != nil {
			expired++
			s.afterExpire(ctx, n)
		}
	}
	return expired, nil
}

func (s *Service) load(ctx context.Context, id int64) (*Negotiation, error) {
	n, err := s.store.Get(ctx, id)
	if errors.Is(err, ErrNegotiationNotFound) {
		return nil, apperr.NotFound("negotiation %d not found", id)
	}
	return n, err
}

// expire writes EXPIRED inside the caller's unit of work.
func (s *Service) expire(ctx context.Context, n *Negotiation, now time.Time) error {
	n.Status = StatusExpired
	n.UpdatedAt = now
	if err := s.store.Update(ctx, n); err != nil {
		return err
	}
	return s.clearOrderFlag(ctx, n.SellOrderID, now)
}

// afterExpire reports an expiry once the unit of work that wrote it has
// committed. Lazy expiry can run inside a caller's transaction.
func (s *Service) afterExpire(ctx context.Context, n *Negotiation) {
	txn.AfterCommit(ctx, func() {
		metrics.NegotiationsTotal.WithLabelValues(string(StatusExpired)).Inc()
		s.logger.Info("negotiation expired", "negotiation_id", n.ID, "order_id", n.SellOrderID)
		s.status(ctx, n)
	})
}

// clearOrderFlag drops the order's negotiating flag once no open
// negotiation remains on it.
func (s *Service) clearOrderFlag(ctx context.Context, orderID int64, now time.Time) error {
	open, err := s.store.CountOpenByOrder(ctx, orderID, now)
	if err != nil {
		return err
	}
	if open > 0 {
		return nil
	}
	return s.orders.SetNegotiating(ctx, orderID, false)
}

func (s *Service) openRoom(ctx context.Context, n *Negotiation) {
	if s.chat == nil {
		return
	}
	details := map[string]any{
		"negotiationId": n.ID,
		"orderId":       n.SellOrderID,
		"originalRate":  n.OriginalRate.String(),
		"expiresAt":     n.ExpiresAt,
	}
	if err := s.chat.CreateRoom(ctx, n.RoomID(), []int64{n.BuyerID, n.SellerID}, details); err != nil {
		s.logger.Warn("failed to create negotiation room", "negotiation_id", n.ID, "error", err)
	}
}

func (s *Service) post(ctx context.Context, n *Negotiation, text string) {
	if s.chat == nil {
		return
	}
	if err := s.chat.PostMessage(ctx, n.RoomID(), 0, text); err != nil {
		s.logger.Warn("failed to post negotiation message", "negotiation_id", n.ID, "error", err)
	}
}

func (s *Service) status(ctx context.Context, n *Negotiation) {
	if s.chat == nil {
		return
	}
	if err := s.chat.UpdateStatus(ctx, n.RoomID(), string(n.Status)); err != nil {
		s.logger.Warn("failed to update negotiation room", "negotiation_id", n.ID, "error", err)
	}
}

func (s *Service) notify(ctx context.Context, userID int64, title, body string, n *Negotiation) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, notify.Notification{
		UserID:   userID,
		Category: notify.CategoryNegotiation,
		Title:    title,
		Body:     body,
		Action:   "negotiation",
		Data: map[string]any{
			"negotiationId": n.ID,
			"orderId":       n.SellOrderID,
			"status":        n.Status,
			"proposedRate":  n.ProposedRate.String(),
		},
	})
}
