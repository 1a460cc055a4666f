// Package reconciliation cross-checks held escrows against the trades they
// belong to, so funds left locked by a failed settlement are surfaced.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/olawolejethro/azariPay-sub002/internal/apperr"
	"github.com/olawolejethro/azariPay-sub002/internal/escrow"
	"github.com/olawolejethro/azariPay-sub002/internal/trade"
)

// scanLimit caps how many held escrows one run inspects.
const scanLimit = 1000

// Kind classifies a finding.
type Kind string

const (
	// KindStuckEscrow is funds still held for a closed or missing trade.
	KindStuckEscrow Kind = "stuck_escrow"
	// KindStatusMismatch is a dispute freeze on only one side.
	KindStatusMismatch Kind = "status_mismatch"
	// KindAmountMismatch is an escrow that does not match the trade's escrow leg.
	KindAmountMismatch Kind = "amount_mismatch"
)

// Finding is one inconsistency between an escrow and its trade.
type Finding struct {
	Kind     Kind   `json:"kind"`
	TradeID  int64  `json:"tradeId"`
	EscrowID int64  `json:"escrowId"`
	Detail   string `json:"detail"`
}

// Report is the outcome of one reconciliation run.
type Report struct {
	Checked  int           `json:"checked"`
	Findings []Finding     `json:"findings"`
	Duration time.Duration `json:"duration"`
	RanAt    time.Time     `json:"ranAt"`
}

// Clean reports whether the run found nothing.
func (r *Report) Clean() bool {
	return len(r.Findings) == 0
}

// Count returns how many findings are of kind k.
func (r *Report) Count(k Kind) int {
	n := 0
	for _, f := range r.Findings {
		if f.Kind == k {
			n++
		}
	}
	return n
}

// Escrows lists escrows still holding funds.
type Escrows interface {
	Held(ctx context.Context, limit int) ([]*escrow.Escrow, error)
}

// Trades looks up trades without a participant check.
type Trades interface {
	Lookup(ctx context.Context, id int64) (*trade.Trade, error)
}

// Alerter raises operations alerts.
type Alerter interface {
	Alert(ctx context.Context, subject string, fields map[string]any)
}

// Service performs reconciliation between escrows and trades.
type Service struct {
	escrows Escrows
	trades  Trades
	alerter Alerter
	logger  *slog.Logger
	now     func() time.Time
}

// NewService creates a reconciliation service.
func NewService(escrows Escrows, trades Trades) *Service {
	return &Service{
		escrows: escrows,
		trades:  trades,
		logger:  slog.Default(),
		now:     time.Now,
	}
}

// WithAlerter raises an ops alert whenever a run has findings.
func (s *Service) WithAlerter(a Alerter) *Service {
	s.alerter = a
	return s
}

// WithLogger sets a structured logger.
func (s *Service) WithLogger(logger *slog.Logger) *Service {
	s.logger = logger
	return s
}

// WithClock overrides the time source, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Run checks every held escrow against its trade.
func (s *Service) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{RanAt: s.now()}

	held, err := s.escrows.Held(ctx, scanLimit)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("list held escrows: %w", err)
	}

	for _, e := range held {
		t, err := s.trades.Lookup(ctx, e.TradeID)
		if err != nil && !errors.Is(err, apperr.ErrNotFound) {
			reconcileErrors.Inc()
			return nil, fmt.Errorf("load trade %d: %w", e.TradeID, err)
		}
		report.Checked++
		if f, bad := check(e, t); bad {
			report.Findings = append(report.Findings, f)
		}
	}

	report.Duration = time.Since(start)
	s.observe(ctx, report)
	return report, nil
}

// check compares one held escrow with its trade, which is nil when missing.
func check(e *escrow.Escrow, t *trade.Trade) (Finding, bool) {
	f := Finding{TradeID: e.TradeID, EscrowID: e.ID}

	if t == nil {
		f.Kind, f.Detail = KindStuckEscrow, "trade does not exist"
		return f, true
	}
	switch t.Status {
	case trade.StatusCompleted, trade.StatusCancelled, trade.StatusRejected:
		f.Kind = KindStuckEscrow
		f.Detail = fmt.Sprintf("escrow %s but trade %s", e.Status, t.Status)
		return f, true
	}
	if (e.Status == escrow.StatusDisputed) != (t.Status == trade.StatusDisputed) {
		f.Kind = KindStatusMismatch
		f.Detail = fmt.Sprintf("escrow %s but trade %s", e.Status, t.Status)
		return f, true
	}
	amount, currency := t.EscrowLeg()
	if !e.TradeAmount.Equal(amount) || e.Currency != currency {
		f.Kind = KindAmountMismatch
		f.Detail = fmt.Sprintf("escrow holds %s %s, trade leg is %s %s",
			e.TradeAmount, e.Currency, amount, currency)
		return f, true
	}
	return f, false
}

func (s *Service) observe(ctx context.Context, r *Report) {
	reconcileDuration.Observe(r.Duration.Seconds())
	reconcileChecked.Set(float64(r.Checked))
	for _, k := range []Kind{KindStuckEscrow, KindStatusMismatch, KindAmountMismatch} {
		reconcileFindings.WithLabelValues(string(k)).Set(float64(r.Count(k)))
	}

	if r.Clean() {
		s.logger.Debug("reconciliation clean", "checked", r.Checked)
		return
	}
	for _, f := range r.Findings {
		s.logger.Error("reconciliation finding", "kind", f.Kind, "trade_id", f.TradeID,
			"escrow_id", f.EscrowID, "detail", f.Detail)
	}
	if s.alerter != nil {
		s.alerter.Alert(ctx, "Escrow reconciliation mismatch", map[string]any{
			"checked":  r.Checked,
			"findings": len(r.Findings),
		})
	}
}
