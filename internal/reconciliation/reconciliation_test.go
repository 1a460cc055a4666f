package reconciliation

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/olawolejethro/azariPay-sub002/internal/apperr"
	"github.com/olawolejethro/azariPay-sub002/internal/escrow"
	"github.com/olawolejethro/azariPay-sub002/internal/logging"
	"github.com/olawolejethro/azariPay-sub002/internal/notify"
	"github.com/olawolejethro/azariPay-sub002/internal/trade"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeEscrows struct {
	held []*escrow.Escrow
	err  error
}

func (f *fakeEscrows) Held(context.Context, int) ([]*escrow.Escrow, error) {
	return f.held, f.err
}

type fakeTrades map[int64]*trade.Trade

func (f fakeTrades) Lookup(_ context.Context, id int64) (*trade.Trade, error) {
	t, ok := f[id]
	if !ok {
		return nil, apperr.NotFound("trade %d not found", id)
	}
	return t, nil
}

func sellTrade(id int64, status trade.Status) *trade.Trade {
	orderID := int64(7)
	return &trade.Trade{
		ID: id, SellOrderID: &orderID, Status: status,
		Amount: d("10"), Currency: "CAD",
		ConvertedAmount: d("15000"), ConvertedCurrency: "NGN",
	}
}

func held(id, tradeID int64, status escrow.Status) *escrow.Escrow {
	return &escrow.Escrow{
		ID: id, TradeID: tradeID, Status: status,
		Amount: d("15050"), TradeAmount: d("15000"), Fee: d("50"), Currency: "NGN",
	}
}

func TestRun_Clean(t *testing.T) {
	escrows := &fakeEscrows{held: []*escrow.Escrow{
		held(1, 10, escrow.StatusLocked),
		held(2, 11, escrow.StatusDisputed),
	}}
	trades := fakeTrades{
		10: sellTrade(10, trade.StatusPaymentSent),
		11: sellTrade(11, trade.StatusDisputed),
	}
	alerts := notify.NewRecorder()

	svc := NewService(escrows, trades).WithAlerter(alerts).WithLogger(logging.Discard())
	report, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !report.Clean() || report.Checked != 2 {
		t.Fatalf("expected clean run over 2 escrows, got %+v", report)
	}
	if len(alerts.Alerts()) != 0 {
		t.Errorf("clean run should not alert, got %v", alerts.Alerts())
	}
}

func TestRun_Findings(t *testing.T) {
	wrongLeg := sellTrade(14, trade.StatusActive)
	wrongLeg.ConvertedAmount = d("16000")

	escrows := &fakeEscrows{held: []*escrow.Escrow{
		held(1, 10, escrow.StatusLocked),   // trade completed
		held(2, 11, escrow.StatusLocked),   // trade missing
		held(3, 12, escrow.StatusLocked),   // trade disputed, escrow not frozen
		held(4, 13, escrow.StatusDisputed), // escrow frozen, trade active
		held(5, 14, escrow.StatusLocked),   // leg changed
	}}
	trades := fakeTrades{
		10: sellTrade(10, trade.StatusCompleted),
		12: sellTrade(12, trade.StatusDisputed),
		13: sellTrade(13, trade.StatusActive),
		14: wrongLeg,
	}
	alerts := notify.NewRecorder()

	svc := NewService(escrows, trades).WithAlerter(alerts).WithLogger(logging.Discard())
	report, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got := report.Count(KindStuckEscrow); got != 2 {
		t.Errorf("expected 2 stuck escrows, got %d", got)
	}
	if got := report.Count(KindStatusMismatch); got != 2 {
		t.Errorf("expected 2 status mismatches, got %d", got)
	}
	if got := report.Count(KindAmountMismatch); got != 1 {
		t.Errorf("expected 1 amount mismatch, got %d", got)
	}
	if report.Findings[0].TradeID != 10 || report.Findings[0].EscrowID != 1 {
		t.Errorf("unexpected first finding %+v", report.Findings[0])
	}
	if a := alerts.Alerts(); len(a) != 1 || a[0] != "Escrow reconciliation mismatch" {
		t.Errorf("expected one mismatch alert, got %v", a)
	}
}

func TestRun_StoreError(t *testing.T) {
	svc := NewService(&fakeEscrows{err: errors.New("db down")}, fakeTrades{}).WithLogger(logging.Discard())
	if _, err := svc.Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestTimer_KeepsLastReport(t *testing.T) {
	escrows := &fakeEscrows{held: []*escrow.Escrow{held(1, 10, escrow.StatusLocked)}}
	svc := NewService(escrows, fakeTrades{10: sellTrade(10, trade.StatusActive)}).WithLogger(logging.Discard())
	timer := NewTimer(svc, time.Hour, logging.Discard())

	if timer.Last() != nil {
		t.Fatal("expected no report before the first run")
	}
	timer.safeRun(context.Background())
	if r := timer.Last(); r == nil || r.Checked != 1 {
		t.Fatalf("expected report with 1 escrow, got %+v", r)
	}
}

func TestTimer_StopsOnCancel(t *testing.T) {
	svc := NewService(&fakeEscrows{}, fakeTrades{}).WithLogger(logging.Discard())
	timer := NewTimer(svc, 10*time.Millisecond, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		timer.Start(ctx)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for !timer.Running() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !timer.Running() {
		t.Fatal("timer did not start")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop")
	}
}

func TestHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := NewService(&fakeEscrows{}, fakeTrades{}).WithLogger(logging.Discard())
	timer := NewTimer(svc, time.Hour, logging.Discard())

	router := gin.New()
	NewHandler(svc, timer).RegisterAdminRoutes(router.Group("/v1/admin"))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/admin/reconciliation", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before any run, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/admin/reconciliation/run", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}
