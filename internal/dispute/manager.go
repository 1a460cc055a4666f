package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/olawolejethro/azariPay-sub002/internal/apperr"
	"github.com/olawolejethro/azariPay-sub002/internal/escrow"
	"github.com/olawolejethro/azariPay-sub002/internal/metrics"
	"github.com/olawolejethro/azariPay-sub002/internal/notify"
	"github.com/olawolejethro/azariPay-sub002/internal/trade"
	"github.com/olawolejethro/azariPay-sub002/internal/traces"
	"github.com/olawolejethro/azariPay-sub002/internal/txn"
	"github.com/olawolejethro/azariPay-sub002/internal/validation"
)

const (
	maxDescriptionLength = 2000
	maxNotesLength       = 2000
	defaultQueueLimit    = 50
	maxQueueLimit        = 200
)

// Manager implements dispute business logic.
type Manager struct {
	store    Store
	trades   Trades
	escrows  Escrows
	tx       txn.Runner
	notifier notify.Dispatcher
	alerter  Alerter
	opsUser  int64
	logger   *slog.Logger
	now      func() time.Time
}

// NewManager creates a new dispute manager.
func NewManager(store Store, trades Trades, escrows Escrows, tx txn.Runner) *Manager {
	return &Manager{
		store:   store,
		trades:  trades,
		escrows: escrows,
		tx:      tx,
		logger:  slog.Default(),
		now:     time.Now,
	}
}

// WithNotifier sets where participant notifications go.
func (m *Manager) WithNotifier(d notify.Dispatcher) *Manager {
	m.notifier = d
	return m
}

// WithAlerter sets the operations channel.
func (m *Manager) WithAlerter(a Alerter) *Manager {
	m.alerter = a
	return m
}

// WithOpsUser lets the operations account read any dispute.
func (m *Manager) WithOpsUser(userID int64) *Manager {
	m.opsUser = userID
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

// CreateDispute raises a dispute on an ACTIVE or PAYMENT_SENT trade. The
// dispute row, the DISPUTED trade and the frozen escrow commit together.
func (m *Manager) CreateDispute(ctx context.Context, userID int64, req CreateRequest) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Create", traces.TradeID(req.TradeID), traces.UserID(userID))
	defer span.End()

	if errs := validation.Struct(req); len(errs) > 0 {
		return nil, apperr.BadRequest("%s", errs.Error())
	}
	if err := m.checkNoOpen(ctx, req.TradeID); err != nil {
		return nil, err
	}

	var created *Dispute
	t, err := m.trades.RaiseDispute(ctx, req.TradeID, userID, func(ctx context.Context, t *trade.Trade) error {
		if err := m.checkNoOpen(ctx, t.ID); err != nil {
			return err
		}
		now := m.now()
		d := &Dispute{
			TradeID:         t.ID,
			RaisedBy:        userID,
			Description:     validation.SanitizeString(req.Description, maxDescriptionLength),
			Amount:          req.Amount,
			TransactionType: req.TransactionType,
			Screenshots:     append([]string{}, req.Screenshots...),
			Status:          StatusPending,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := m.store.Create(ctx, d); err != nil {
			if errors.Is(err, ErrOpenDispute) {
				return apperr.Conflict("trade %d already has an open dispute", t.ID)
			}
			return fmt.Errorf("create dispute: %w", err)
		}
		created = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(traces.DisputeID(created.ID))

	metrics.DisputesTotal.WithLabelValues(string(created.Status)).Inc()
	m.logger.Warn("dispute raised",
		"dispute_id", created.ID, "trade_id", t.ID, "raised_by", userID, "amount", created.Amount.String())

	m.notify(ctx, t.Counterparty(userID), "Trade disputed",
		fmt.Sprintf("The %s opened a dispute on trade %d. The escrow is frozen until it is resolved.", t.Role(userID), t.ID),
		created)
	if m.alerter != nil {
		m.alerter.Alert(ctx, "Trade dispute raised", map[string]any{
			"disputeId":       created.ID,
			"tradeId":         t.ID,
			"raisedBy":        userID,
			"amount":          created.Amount.String(),
			"transactionType": created.TransactionType,
		})
	}
	return created, nil
}

func (m *Manager) checkNoOpen(ctx context.Context, tradeID int64) error {
	open, err := m.store.FindOpenByTrade(ctx, tradeID)
	switch {
	case err == nil:
		return apperr.Conflict("dispute %d is already open on trade %d", open.ID, tradeID)
	case errors.Is(err, ErrDisputeNotFound):
		return nil
	default:
		return err
	}
}

// GetDisputeDetails returns a dispute with its trade and escrow. Only the
// trade's parties and the operations account may read it.
func (m *Manager) GetDisputeDetails(ctx context.Context, id, userID int64) (*Details, error) {
	d, err := m.Details(ctx, id)
	if err != nil {
		return nil, err
	}
	if !d.Trade.IsParticipant(userID) && (m.opsUser == 0 || userID != m.opsUser) {
		return nil, apperr.Forbidden("not a party to dispute %d", id)
	}
	return d, nil
}

// Details returns a dispute with its trade and escrow without an access check.
func (m *Manager) Details(ctx context.Context, id int64) (*Details, error) {
	d, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	t, err := m.trades.Lookup(ctx, d.TradeID)
	if err != nil {
		return nil, err
	}
	e, err := m.escrows.GetByTradeID(ctx, d.TradeID)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}
	return &Details{Dispute: d, Trade: t, Escrow: e}, nil
}

// ListForTrade returns every dispute raised on a trade, for its parties.
func (m *Manager) ListForTrade(ctx context.Context, tradeID, userID int64) ([]*Dispute, error) {
	t, err := m.trades.Lookup(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if !t.IsParticipant(userID) && (m.opsUser == 0 || userID != m.opsUser) {
		return nil, apperr.Forbidden("not a party to trade %d", tradeID)
	}
	return m.store.ListByTrade(ctx, tradeID)
}

// Queue returns disputes awaiting operations, oldest first.
func (m *Manager) Queue(ctx context.Context, limit int) ([]*Dispute, error) {
	if limit <= 0 {
		limit = defaultQueueLimit
	}
	if limit > maxQueueLimit {
		limit = maxQueueLimit
	}
	return m.store.ListByStatus(ctx, []Status{StatusPending, StatusUnderReview, StatusEscalated}, limit)
}

// Review moves a PENDING dispute under review, or escalates a PENDING or
// UNDER_REVIEW one.
func (m *Manager) Review(ctx context.Context, id, adminID int64, req ReviewRequest) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Review", traces.DisputeID(id), traces.UserID(adminID))
	defer span.End()

	var updated *Dispute
	err := m.tx.WithinTx(ctx, func(ctx context.Context) error {
		d, err := m.load(ctx, id)
		if err != nil {
			return err
		}
		if !canReview(d.Status, req.Status) {
			return apperr.BadRequest("dispute %d is %s and cannot move to %s", id, d.Status, req.Status)
		}
		d.Status = req.Status
		d.UpdatedAt = m.now()
		if err := m.store.Update(ctx, d); err != nil {
			return err
		}
		updated = d
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.DisputesTotal.WithLabelValues(string(updated.Status)).Inc()
	m.logger.Info("dispute reviewed", "dispute_id", id, "admin_id", adminID, "status", updated.Status)
	if updated.Status == StatusEscalated && m.alerter != nil {
		m.alerter.Alert(ctx, "Trade dispute escalated", map[string]any{
			"disputeId": id,
			"tradeId":   updated.TradeID,
			"adminId":   adminID,
		})
	}
	return updated, nil
}

func canReview(from, to Status) bool {
	switch to {
	case StatusUnderReview:
		return from == StatusPending
	case StatusEscalated:
		return from == StatusPending || from == StatusUnderReview
	}
	return false
}

// ResolveDispute settles the disputed trade in full. A release pays the
// buyer and completes the trade; a refund returns the escrow to the seller
// and cancels it. The dispute is RESOLVED when the outcome favours whoever
// raised it and REJECTED otherwise.
func (m *Manager) ResolveDispute(ctx context.Context, id, adminID int64, req ResolveRequest) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Resolve", traces.DisputeID(id), traces.UserID(adminID))
	defer span.End()

	if errs := validation.Struct(req); len(errs) > 0 {
		return nil, apperr.BadRequest("%s", errs.Error())
	}
	d, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status.Closed() {
		return nil, apperr.Conflict("dispute %d is already %s", id, d.Status)
	}

	var resolved *Dispute
	t, err := m.trades.SettleDispute(ctx, d.TradeID, adminID, req.Outcome, func(ctx context.Context, t *trade.Trade) error {
		d, err := m.load(ctx, id)
		if err != nil {
			return err
		}
		if d.Status.Closed() {
			return apperr.Conflict("dispute %d is already %s", id, d.Status)
		}
		now := m.now()
		d.Status = StatusRejected
		if favoursRaiser(t, d.RaisedBy, req.Outcome) {
			d.Status = StatusResolved
		}
		d.Outcome = req.Outcome
		d.Resolution = validation.SanitizeString(req.Notes, maxNotesLength)
		d.ResolvedBy = &adminID
		d.ResolvedAt = &now
		d.UpdatedAt = now
		if err := m.store.Update(ctx, d); err != nil {
			return err
		}
		resolved = d
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.DisputesTotal.WithLabelValues(string(resolved.Status)).Inc()
	m.logger.Info("dispute resolved",
		"dispute_id", id, "trade_id", t.ID, "admin_id", adminID, "outcome", req.Outcome, "status", resolved.Status)

	body := fmt.Sprintf("Dispute %d on trade %d was settled: the escrow was released to the buyer.", id, t.ID)
	if req.Outcome == escrow.OutcomeRefund {
		body = fmt.Sprintf("Dispute %d on trade %d was settled: the escrow was refunded to the seller.", id, t.ID)
	}
	m.notify(ctx, t.BuyerID, "Dispute resolved", body, resolved)
	m.notify(ctx, t.SellerID, "Dispute resolved", body, resolved)
	return resolved, nil
}

// favoursRaiser reports whether outcome sides with the user who raised the
// dispute: a buyer wants the release, a seller wants the refund.
func favoursRaiser(t *trade.Trade, raisedBy int64, outcome escrow.Outcome) bool {
	if raisedBy == t.BuyerID {
		return outcome == escrow.OutcomeRelease
	}
	return outcome == escrow.OutcomeRefund
}

func (m *Manager) load(ctx context.Context, id int64) (*Dispute, error) {
	d, err := m.store.Get(ctx, id)
	if errors.Is(err, ErrDisputeNotFound) {
		return nil, apperr.NotFound("dispute %d not found", id)
	}
	return d, err
}

func (m *Manager) notify(ctx context.Context, userID int64, title, body string, d *Dispute) {
	if m.notifier == nil {
		return
	}
	m.notifier.Notify(ctx, notify.Notification{
		UserID:   userID,
		Category: notify.CategoryDispute,
		Title:    title,
		Body:     body,
		Action:   "dispute",
		Priority: notify.PriorityHigh,
		Data: map[string]any{
			"disputeId": d.ID,
			"tradeId":   d.TradeID,
			"status":    d.Status,
		},
	})
}
