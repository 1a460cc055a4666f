package trade

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/olawolejethro/azariPay-sub002/internal/apperr"
	"github.com/olawolejethro/azariPay-sub002/internal/escrow"
	"github.com/olawolejethro/azariPay-sub002/internal/fees"
	"github.com/olawolejethro/azariPay-sub002/internal/ledger"
	"github.com/olawolejethro/azariPay-sub002/internal/negotiation"
	"github.com/olawolejethro/azariPay-sub002/internal/notify"
	"github.com/olawolejethro/azariPay-sub002/internal/orders"
	"github.com/olawolejethro/azariPay-sub002/internal/txn"
)

const (
	seller   int64 = 1
	buyer    int64 = 2
	outsider int64 = 3
	platform int64 = 999
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func ptr(v int64) *int64 { return &v }

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type chatLog struct {
	mu       sync.Mutex
	rooms    map[string][]int64
	messages map[string][]string
	statuses map[string]string
}

func newChatLog() *chatLog {
	return &chatLog{
		rooms:    make(map[string][]int64),
		messages: make(map[string][]string),
		statuses: make(map[string]string),
	}
}

func (c *chatLog) CreateRoom(_ context.Context, roomID string, participants []int64, _ map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms[roomID] = participants
	return nil
}

func (c *chatLog) PostMessage(_ context.Context, roomID string, _ int64, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages[roomID] = append(c.messages[roomID], text)
	return nil
}

func (c *chatLog) UpdateStatus(_ context.Context, roomID, status string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[roomID] = status
	return nil
}

// failingBook fails CompleteTrade to exercise rollback of a release.
type failingBook struct {
	*orders.Book
}

func (failingBook) CompleteTrade(context.Context, int64, decimal.Decimal) error {
	return errors.New("order store unavailable")
}

type fixture struct {
	mgr          *Manager
	store        *MemoryStore
	wallet       *ledger.Ledger
	wallets      *ledger.MemoryStore
	escrows      *escrow.Service
	book         *orders.Book
	negotiations *negotiation.Service
	runner       *txn.MemoryRunner
	clock        *clock
	sent         *notify.Recorder
	chat         *chatLog
}

// newFixture builds the full stack on memory stores with the scenario
// seller: 100000 NGN and a 50 NGN lock fee.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	runner := txn.NewMemoryRunner()
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	wallets := ledger.NewMemoryStore()
	wallet := ledger.New(wallets, runner)
	if _, err := wallet.Credit(ctx, seller, "NGN", d("100000"), "seed", "deposit"); err != nil {
		t.Fatalf("seed wallet: %v", err)
	}

	feeRows := fees.NewMemoryStore()
	_ = feeRows.Put(ctx, &fees.Config{TransactionType: fees.EscrowLock, Currency: "NGN", Amount: d("50"), Active: true})

	book := orders.NewBook(orders.NewMemoryStore(), runner)
	escrows := escrow.NewService(escrow.NewMemoryStore(), wallet, fees.NewResolver(feeRows), book, runner).
		WithPlatformAccount(platform)
	negs := negotiation.NewService(negotiation.NewMemoryStore(), book, runner).WithClock(clk.Now)

	store := NewMemoryStore()
	sent := notify.NewRecorder()
	chat := newChatLog()
	mgr := NewManager(store, escrows, book, wallet, runner).
		WithNegotiations(negs).
		WithNotifier(sent).
		WithChat(chat).
		WithPlatformAccount(platform).
		WithClock(clk.Now).
		WithLogger(slog.Default())

	return &fixture{
		mgr: mgr, store: store, wallet: wallet, wallets: wallets, escrows: escrows, book: book,
		negotiations: negs, runner: runner, clock: clk, sent: sent, chat: chat,
	}
}

// sellOrder posts the scenario order: the seller gives NGN for CAD at 1500.
func (f *fixture) sellOrder(t *testing.T) *orders.Order {
	t.Helper()
	o, err := f.book.Create(context.Background(), seller, orders.CreateRequest{
		Kind:                orders.KindSell,
		Currency:            "CAD",
		TargetCurrency:      "NGN",
		ExchangeRate:        d("1500"),
		AvailableAmount:     d("500000"),
		MinTransactionLimit: d("5"),
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return o
}

func (f *fixture) create(t *testing.T, orderID int64, amount string) *Trade {
	t.Helper()
	details, err := f.mgr.CreateTrade(context.Background(), buyer, CreateRequest{SellOrderID: ptr(orderID), Amount: d(amount)})
	if err != nil {
		t.Fatalf("CreateTrade: %v", err)
	}
	return details.Trade
}

// funded opens a 10 CAD trade and has the seller lock the escrow.
func (f *fixture) funded(t *testing.T) (*orders.Order, *Trade) {
	t.Helper()
	o := f.sellOrder(t)
	tr := f.create(t, o.ID, "10")
	if _, err := f.mgr.NotifySellerToProceed(context.Background(), tr.ID, seller); err != nil {
		t.Fatalf("NotifySellerToProceed: %v", err)
	}
	return o, tr
}

func (f *fixture) balance(t *testing.T, user int64, currency string) decimal.Decimal {
	t.Helper()
	bal, err := f.wallet.GetBalance(context.Background(), user, currency)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	return bal
}

func (f *fixture) trade(t *testing.T, id int64) *Trade {
	t.Helper()
	tr, err := f.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get trade: %v", err)
	}
	return tr
}

func (f *fixture) order(t *testing.T, id int64) *orders.Order {
	t.Helper()
	o, err := f.book.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	return o
}

func expectKind(t *testing.T, err error, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("Expected %v, got %v", target, err)
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusActive, true},
		{StatusActive, StatusActive, true},
		{StatusActive, StatusPaymentSent, true},
		{StatusPaymentSent, StatusCompleted, true},
		{StatusPending, StatusCancelled, true},
		{StatusPaymentSent, StatusCancelled, true},
		{StatusPending, StatusRejected, true},
		{StatusCompleted, StatusDisputed, true},
		{StatusDisputed, StatusCompleted, true},
		{StatusDisputed, StatusCancelled, true},
		{StatusCompleted, StatusActive, false},
		{StatusCancelled, StatusActive, false},
		{StatusRejected, StatusPending, false},
		{StatusPending, StatusPaymentSent, false},
		{StatusPending, StatusDisputed, false},
		{StatusActive, StatusRejected, false},
		{StatusActive, StatusCompleted, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestOrigin_Legs(t *testing.T) {
	sell := &Trade{SellOrderID: ptr(1), Amount: d("10"), Currency: "CAD", ConvertedAmount: d("15000"), ConvertedCurrency: "NGN"}
	if leg, cur := sell.EscrowLeg(); !leg.Equal(d("15000")) || cur != "NGN" {
		t.Errorf("sell origin escrows %s %s", leg, cur)
	}
	if leg, cur := sell.PaymentLeg(); !leg.Equal(d("10")) || cur != "CAD" {
		t.Errorf("sell origin pays %s %s", leg, cur)
	}

	buy := &Trade{BuyOrderID: ptr(1), Amount: d("15000"), Currency: "NGN", ConvertedAmount: d("15"), ConvertedCurrency: "CAD"}
	if o := buy.Origin(); o.Kind != OriginBuyOrder || o.OrderID != 1 {
		t.Errorf("Unexpected origin %+v", o)
	}
	if leg, cur := buy.EscrowLeg(); !leg.Equal(d("15000")) || cur != "NGN" {
		t.Errorf("buy origin escrows %s %s", leg, cur)
	}
}

func TestEffectiveRate(t *testing.T) {
	tr := &Trade{Rate: d("1500")}
	if !tr.EffectiveRate(nil).Equal(d("1500")) {
		t.Error("Expected order rate")
	}
	n := &negotiation.Negotiation{ProposedRate: d("1650")}
	if !tr.EffectiveRate(n).Equal(d("1650")) {
		t.Error("Expected negotiated proposal")
	}
	tr.NegotiatedRate = decimal.NewNullDecimal(d("1700"))
	if !tr.EffectiveRate(n).Equal(d("1700")) {
		t.Error("Expected trade-level rate to win")
	}
}

func TestCreateTrade(t *testing.T) {
	f := newFixture(t)
	o := f.sellOrder(t)

	details, err := f.mgr.CreateTrade(context.Background(), buyer, CreateRequest{SellOrderID: ptr(o.ID), Amount: d("10")})
	if err != nil {
		t.Fatalf("CreateTrade: %v", err)
	}
	tr := details.Trade
	if tr.Status != StatusPending || tr.SellerID != seller || tr.BuyerID != buyer || tr.InitiatorID != buyer {
		t.Errorf("Unexpected trade %+v", tr)
	}
	if !tr.ConvertedAmount.Equal(d("15000")) || tr.ConvertedCurrency != "NGN" || tr.Currency != "CAD" {
		t.Errorf("Unexpected legs: %s %s / %s %s", tr.Amount, tr.Currency, tr.ConvertedAmount, tr.ConvertedCurrency)
	}
	if tr.PaymentTimeLimit != DefaultPaymentTimeLimit {
		t.Errorf("Expected default payment limit, got %s", tr.PaymentTimeLimit)
	}
	if details.Order == nil || details.Origin.Kind != OriginSellOrder || details.PaymentDeadline == nil {
		t.Errorf("Expected resolved details, got %+v", details)
	}

	order := f.order(t, o.ID)
	if order.Status != orders.StatusMatched || order.TradeCount != 1 || *order.MatchedTradeID != tr.ID {
		t.Errorf("Expected order reserved for the trade, got %+v", order)
	}
	if _, ok := f.chat.rooms[RoomID(tr.ID)]; !ok {
		t.Error("Expected trade room")
	}
	if got := f.sent.For(seller); len(got) != 1 || got[0].Category != notify.CategoryTrade {
		t.Errorf("Expected order owner notified, got %+v", got)
	}
}

func TestCreateTrade_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(t *testing.T, f *fixture, o *orders.Order) (int64, CreateRequest)
		target error
	}{
		{"no order", func(t *testing.T, _ *fixture, _ *orders.Order) (int64, CreateRequest) {
			return buyer, CreateRequest{Amount: d("10")}
		}, apperr.ErrBadRequest},
		{"both orders", func(t *testing.T, _ *fixture, o *orders.Order) (int64, CreateRequest) {
			return buyer, CreateRequest{SellOrderID: ptr(o.ID), BuyOrderID: ptr(o.ID), Amount: d("10")}
		}, apperr.ErrBadRequest},
		{"self trade", func(t *testing.T, _ *fixture, o *orders.Order) (int64, CreateRequest) {
			return seller, CreateRequest{SellOrderID: ptr(o.ID), Amount: d("10")}
		}, apperr.ErrBadRequest},
		{"kind mismatch", func(t *testing.T, _ *fixture, o *orders.Order) (int64, CreateRequest) {
			return buyer, CreateRequest{BuyOrderID: ptr(o.ID), Amount: d("10")}
		}, apperr.ErrBadRequest},
		{"below minimum", func(t *testing.T, _ *fixture, o *orders.Order) (int64, CreateRequest) {
			return buyer, CreateRequest{SellOrderID: ptr(o.ID), Amount: d("4")}
		}, apperr.ErrBadRequest},
		{"over available", func(t *testing.T, _ *fixture, o *orders.Order) (int64, CreateRequest) {
			return buyer, CreateRequest{SellOrderID: ptr(o.ID), Amount: d("400")}
		}, apperr.ErrBadRequest},
		{"seller short", func(t *testing.T, _ *fixture, o *orders.Order) (int64, CreateRequest) {
			return buyer, CreateRequest{SellOrderID: ptr(o.ID), Amount: d("70")}
		}, apperr.ErrInsufficientFunds},
		{"missing order", func(t *testing.T, _ *fixture, _ *orders.Order) (int64, CreateRequest) {
			return buyer, CreateRequest{SellOrderID: ptr(404), Amount: d("10")}
		}, apperr.ErrNotFound},
		{"already matched", func(t *testing.T, f *fixture, o *orders.Order) (int64, CreateRequest) {
			f.create(t, o.ID, "10")
			return outsider, CreateRequest{SellOrderID: ptr(o.ID), Amount: d("10")}
		}, apperr.ErrConflict},
		{"not onboarded", func(t *testing.T, f *fixture, o *orders.Order) (int64, CreateRequest) {
			f.mgr.WithOnboarding(OnboardingFunc(func(_ context.Context, userID int64) (bool, error) {
				return userID != buyer, nil
			}))
			return buyer, CreateRequest{SellOrderID: ptr(o.ID), Amount: d("10")}
		}, apperr.ErrForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			o := f.sellOrder(t)
			user, req := tt.setup(t, f, o)
			_, err := f.mgr.CreateTrade(context.Background(), user, req)
			expectKind(t, err, tt.target)
		})
	}
}

func TestCreateTrade_OpenTradeLimit(t *testing.T) {
	f := newFixture(t)
	f.mgr.WithMaxOpenTrades(2)

	for i := 0; i < 2; i++ {
		f.create(t, f.sellOrder(t).ID, "10")
	}
	_, err := f.mgr.CreateTrade(context.Background(), buyer, CreateRequest{SellOrderID: ptr(f.sellOrder(t).ID), Amount: d("10")})
	expectKind(t, err, apperr.ErrBadRequest)

	open, err := f.mgr.CheckUserHasOpenTrades(context.Background(), buyer)
	if err != nil || !open {
		t.Errorf("Expected open trades, got %v %v", open, err)
	}
	none, _ := f.mgr.CheckUserHasOpenTrades(context.Background(), outsider)
	if none {
		t.Error("Outsider has no trades")
	}
}

func TestCreateTrade_ConsumesAgreedNegotiation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.sellOrder(t)

	n, err := f.negotiations.CreateNegotiation(ctx, o.ID, buyer)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.negotiations.UpdateNegotiationRate(ctx, n.ID, seller, negotiation.UpdateRateRequest{ProposedRate: d("1650")}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.negotiations.RespondToNegotiation(ctx, n.ID, buyer, negotiation.RespondRequest{Action: "accept"}); err != nil {
		t.Fatal(err)
	}

	details, err := f.mgr.CreateTrade(ctx, buyer, CreateRequest{SellOrderID: ptr(o.ID), Amount: d("10")})
	if err != nil {
		t.Fatalf("CreateTrade: %v", err)
	}
	tr := details.Trade
	if !tr.Rate.Equal(d("1650")) || !tr.ConvertedAmount.Equal(d("16500")) {
		t.Errorf("Expected negotiated rate, got rate=%s converted=%s", tr.Rate, tr.ConvertedAmount)
	}
	if tr.NegotiationID == nil || *tr.NegotiationID != n.ID {
		t.Errorf("Expected negotiation link, got %v", tr.NegotiationID)
	}

	consumed, err := f.negotiations.Find(ctx, n.ID)
	if err != nil {
		t.Fatal(err)
	}
	if consumed.Status != negotiation.StatusCompleted || consumed.TradeID == nil || *consumed.TradeID != tr.ID {
		t.Errorf("Expected negotiation completed by trade %d, got %+v", tr.ID, consumed)
	}
}

func TestCreateTrade_ExpiredAgreementFallsBackToOrderRate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.sellOrder(t)

	n, _ := f.negotiations.CreateNegotiation(ctx, o.ID, buyer)
	_, _ = f.negotiations.UpdateNegotiationRate(ctx, n.ID, seller, negotiation.UpdateRateRequest{ProposedRate: d("1650")})
	_, _ = f.negotiations.RespondToNegotiation(ctx, n.ID, buyer, negotiation.RespondRequest{Action: "accept"})
	f.clock.Advance(negotiation.DefaultTradeWindow + time.Minute)

	tr := f.create(t, o.ID, "10")
	if !tr.Rate.Equal(d("1500")) || tr.NegotiationID != nil {
		t.Errorf("Expected order rate without negotiation, got %s %v", tr.Rate, tr.NegotiationID)
	}
}

// 100000 NGN seller, 50 NGN fee, 10 CAD at 1500: lock leaves 84950, release
// pays the buyer 15000 and the platform 50.
func TestTrade_LockReleaseScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o, tr := f.funded(t)

	if got := f.balance(t, seller, "NGN"); !got.Equal(d("84950")) {
		t.Fatalf("Expected seller 84950 after lock, got %s", got)
	}
	if got := f.trade(t, tr.ID); got.Status != StatusActive || got.AcceptedAt == nil {
		t.Fatalf("Expected ACTIVE with AcceptedAt, got %+v", got)
	}
	buyerMsgs := f.sent.For(buyer)
	if len(buyerMsgs) == 0 || !strings.Contains(buyerMsgs[len(buyerMsgs)-1].Body, "15050.00 NGN") {
		t.Errorf("Expected fee-inclusive notification, got %+v", buyerMsgs)
	}

	if _, err := f.mgr.NotifyPaymentSent(ctx, tr.ID, buyer); err != nil {
		t.Fatalf("NotifyPaymentSent: %v", err)
	}
	details, err := f.mgr.ReleaseFunds(ctx, tr.ID, seller)
	if err != nil {
		t.Fatalf("ReleaseFunds: %v", err)
	}

	if details.Trade.Status != StatusCompleted || details.Trade.PaymentConfirmedAt == nil {
		t.Errorf("Expected COMPLETED, got %+v", details.Trade)
	}
	if got := f.balance(t, buyer, "NGN"); !got.Equal(d("15000")) {
		t.Errorf("Expected buyer +15000, got %s", got)
	}
	if got := f.balance(t, platform, "NGN"); !got.Equal(d("50")) {
		t.Errorf("Expected platform fee 50, got %s", got)
	}
	if got := f.wallets.Total("NGN"); !got.Equal(d("100000")) {
		t.Errorf("Expected conserved total 100000, got %s", got)
	}
	if details.Escrow == nil || details.Escrow.Status != escrow.StatusReleased {
		t.Errorf("Expected released escrow, got %+v", details.Escrow)
	}

	if len(details.Settlements) != 3 {
		t.Fatalf("Expected 3 settlement rows, got %d", len(details.Settlements))
	}
	sides := map[SettlementSide]decimal.Decimal{}
	for _, s := range details.Settlements {
		sides[s.Side] = s.Amount
	}
	if !sides[SideSellerDebit].Equal(d("15050")) || !sides[SideBuyerCredit].Equal(d("15000")) || !sides[SidePlatformFee].Equal(d("50")) {
		t.Errorf("Unexpected settlement split %v", sides)
	}

	order := f.order(t, o.ID)
	if order.Status != orders.StatusOpen || order.CompletedCount != 1 || !order.AvailableAmount.Equal(d("485000")) {
		t.Errorf("Expected order reopened with counters, got %+v", order)
	}
	if f.chat.statuses[RoomID(tr.ID)] != string(StatusCompleted) {
		t.Errorf("Expected room COMPLETED, got %q", f.chat.statuses[RoomID(tr.ID)])
	}
}

func TestTrade_CompletedCannotGoActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, tr := f.funded(t)
	_, _ = f.mgr.NotifyPaymentSent(ctx, tr.ID, buyer)
	if _, err := f.mgr.ReleaseFunds(ctx, tr.ID, seller); err != nil {
		t.Fatal(err)
	}

	_, err := f.mgr.NotifySellerToProceed(ctx, tr.ID, seller)
	expectKind(t, err, apperr.ErrBadRequest)
	_, err = f.mgr.ReleaseFunds(ctx, tr.ID, seller)
	expectKind(t, err, apperr.ErrBadRequest)
	if got := f.balance(t, buyer, "NGN"); !got.Equal(d("15000")) {
		t.Errorf("Second release paid again: %s", got)
	}
}

func TestProceed_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, tr := f.funded(t)

	details, err := f.mgr.NotifySellerToProceed(ctx, tr.ID, seller)
	if err != nil {
		t.Fatalf("second proceed: %v", err)
	}
	if details.Trade.Status != StatusActive {
		t.Errorf("Expected ACTIVE, got %s", details.Trade.Status)
	}
	if got := f.balance(t, seller, "NGN"); !got.Equal(d("84950")) {
		t.Errorf("Expected a single debit, got balance %s", got)
	}
}

func TestProceed_ConcurrentSingleDebit(t *testing.T) {
	f := newFixture(t)
	o := f.sellOrder(t)
	tr := f.create(t, o.ID, "10")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.mgr.NotifySellerToProceed(context.Background(), tr.ID, seller)
		}()
	}
	wg.Wait()

	if got := f.balance(t, seller, "NGN"); !got.Equal(d("84950")) {
		t.Errorf("Expected one lock, got balance %s", got)
	}
}

func TestProceed_Rejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.sellOrder(t)
	tr := f.create(t, o.ID, "10")

	_, err := f.mgr.NotifySellerToProceed(ctx, tr.ID, buyer)
	expectKind(t, err, apperr.ErrForbidden)
	_, err = f.mgr.NotifyBuyerToProceed(ctx, tr.ID, seller)
	expectKind(t, err, apperr.ErrBadRequest)
	_, err = f.mgr.NotifySellerToProceed(ctx, 404, seller)
	expectKind(t, err, apperr.ErrNotFound)
}

func TestProceed_InsufficientFunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.sellOrder(t)
	tr := f.create(t, o.ID, "10")

	// Seller spends down after the trade was opened.
	if _, err := f.wallet.Debit(ctx, seller, "NGN", d("90000"), "spend", "withdrawal"); err != nil {
		t.Fatal(err)
	}
	_, err := f.mgr.NotifySellerToProceed(ctx, tr.ID, seller)
	expectKind(t, err, apperr.ErrInsufficientFunds)
	if got := f.trade(t, tr.ID); got.Status != StatusPending {
		t.Errorf("Expected trade still PENDING, got %s", got.Status)
	}
}

func TestNotifyPaymentSent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.sellOrder(t)
	tr := f.create(t, o.ID, "10")

	_, err := f.mgr.NotifyPaymentSent(ctx, tr.ID, buyer)
	expectKind(t, err, apperr.ErrBadRequest)

	if _, err := f.mgr.NotifySellerToProceed(ctx, tr.ID, seller); err != nil {
		t.Fatal(err)
	}
	_, err = f.mgr.NotifyPaymentSent(ctx, tr.ID, seller)
	expectKind(t, err, apperr.ErrForbidden)

	sent, err := f.mgr.NotifyPaymentSent(ctx, tr.ID, buyer)
	if err != nil {
		t.Fatalf("NotifyPaymentSent: %v", err)
	}
	if sent.Status != StatusPaymentSent || sent.PaymentSentAt == nil {
		t.Errorf("Expected PAYMENT_SENT, got %+v", sent)
	}
	msgs := f.sent.For(seller)
	if last := msgs[len(msgs)-1]; !strings.Contains(last.Body, "10.00 CAD") {
		t.Errorf("Expected payee told the sent amount, got %q", last.Body)
	}
}

func TestReleaseFunds_OnlySeller(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, tr := f.funded(t)

	_, err := f.mgr.ReleaseFunds(ctx, tr.ID, seller)
	expectKind(t, err, apperr.ErrBadRequest)

	_, _ = f.mgr.NotifyPaymentSent(ctx, tr.ID, buyer)
	_, err = f.mgr.ReleaseFunds(ctx, tr.ID, buyer)
	expectKind(t, err, apperr.ErrForbidden)
	_, err = f.mgr.ReleaseFunds(ctx, tr.ID, outsider)
	expectKind(t, err, apperr.ErrForbidden)
}

func TestReleaseFunds_RollsBackOnFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o, tr := f.funded(t)
	_, _ = f.mgr.NotifyPaymentSent(ctx, tr.ID, buyer)

	f.mgr.orders = failingBook{f.book}
	if _, err := f.mgr.ReleaseFunds(ctx, tr.ID, seller); err == nil {
		t.Fatal("Expected release to fail")
	}

	if got := f.trade(t, tr.ID); got.Status != StatusPaymentSent {
		t.Errorf("Expected PAYMENT_SENT after rollback, got %s", got.Status)
	}
	e, err := f.escrows.GetByTradeID(ctx, tr.ID)
	if err != nil {
		t.Fatal(err)
	}
	if e.Status != escrow.StatusLocked {
		t.Errorf("Expected escrow LOCKED after rollback, got %s", e.Status)
	}
	if got := f.balance(t, buyer, "NGN"); !got.IsZero() {
		t.Errorf("Expected no buyer credit, got %s", got)
	}
	rows, _ := f.store.ListSettlements(ctx, tr.ID)
	if len(rows) != 0 {
		t.Errorf("Expected no settlement rows, got %d", len(rows))
	}
	if order := f.order(t, o.ID); order.CompletedCount != 0 {
		t.Errorf("Expected order untouched, got %+v", order)
	}

	f.mgr.orders = f.book
	if _, err := f.mgr.ReleaseFunds(ctx, tr.ID, seller); err != nil {
		t.Fatalf("retry release: %v", err)
	}
	if got := f.balance(t, buyer, "NGN"); !got.Equal(d("15000")) {
		t.Errorf("Expected buyer +15000 after retry, got %s", got)
	}
}

func TestCancelTrade_RefundsInFull(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o, tr := f.funded(t)

	cancelled, err := f.mgr.CancelTradeWithReason(ctx, tr.ID, buyer, CancelRequest{Reason: "changed my mind"})
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != StatusCancelled || cancelled.CancelledBy == nil || *cancelled.CancelledBy != buyer {
		t.Errorf("Unexpected cancelled trade %+v", cancelled)
	}
	if got := f.balance(t, seller, "NGN"); !got.Equal(d("100000")) {
		t.Errorf("Expected full refund to 100000, got %s", got)
	}
	if order := f.order(t, o.ID); order.Status != orders.StatusOpen || order.MatchedTradeID != nil {
		t.Errorf("Expected order reopened, got %+v", order)
	}
	msgs := f.sent.For(seller)
	if last := msgs[len(msgs)-1]; !strings.Contains(last.Body, "refunded") || !strings.Contains(last.Body, "changed my mind") {
		t.Errorf("Expected refund details, got %q", last.Body)
	}

	_, err = f.mgr.CancelTrade(ctx, tr.ID, seller)
	expectKind(t, err, apperr.ErrBadRequest)
}

func TestCancelTrade_Pending(t *testing.T) {
	f := newFixture(t)
	o := f.sellOrder(t)
	tr := f.create(t, o.ID, "10")

	if _, err := f.mgr.CancelTrade(context.Background(), tr.ID, outsider); !errors.Is(err, apperr.ErrForbidden) {
		t.Errorf("Expected Forbidden for outsider, got %v", err)
	}
	if _, err := f.mgr.CancelTrade(context.Background(), tr.ID, seller); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got := f.balance(t, seller, "NGN"); !got.Equal(d("100000")) {
		t.Errorf("Expected untouched balance, got %s", got)
	}
}

func TestCancelTrade_PaymentSentNeedsConfirmation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, tr := f.funded(t)
	_, _ = f.mgr.NotifyPaymentSent(ctx, tr.ID, buyer)

	_, err := f.mgr.CancelTrade(ctx, tr.ID, seller)
	expectKind(t, err, apperr.ErrBadRequest)

	cancelled, err := f.mgr.CancelTradeWithReason(ctx, tr.ID, seller, CancelRequest{ConfirmNoPayment: true})
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Errorf("Expected CANCELLED, got %s", cancelled.Status)
	}
	if got := f.balance(t, seller, "NGN"); !got.Equal(d("100000")) {
		t.Errorf("Expected full refund, got %s", got)
	}
}

func TestUpdateTradeStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.sellOrder(t)
	tr := f.create(t, o.ID, "10")

	_, err := f.mgr.UpdateTradeStatus(ctx, tr.ID, seller, StatusCompleted, "")
	expectKind(t, err, apperr.ErrBadRequest)
	_, err = f.mgr.UpdateTradeStatus(ctx, tr.ID, buyer, StatusRejected, "")
	expectKind(t, err, apperr.ErrForbidden)

	rejected, err := f.mgr.UpdateTradeStatus(ctx, tr.ID, seller, StatusRejected, "rate moved")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != StatusRejected || rejected.CancellationReason != "rate moved" {
		t.Errorf("Unexpected %+v", rejected)
	}
	if len(f.sent.For(buyer)) == 0 {
		t.Error("Expected buyer notified")
	}
	if order := f.order(t, o.ID); order.Status != orders.StatusOpen {
		t.Errorf("Expected order reopened, got %s", order.Status)
	}

	tr2 := f.create(t, o.ID, "10")
	cancelled, err := f.mgr.UpdateTradeStatus(ctx, tr2.ID, buyer, StatusCancelled, "")
	if err != nil || cancelled.Status != StatusCancelled {
		t.Errorf("Expected CANCELLED, got %v %v", cancelled, err)
	}
}

func TestUpdateTradeRate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.sellOrder(t)
	tr := f.create(t, o.ID, "10")

	_, err := f.mgr.UpdateTradeRate(ctx, tr.ID, buyer, RateRequest{Rate: d("1600")})
	expectKind(t, err, apperr.ErrForbidden)
	_, err = f.mgr.UpdateTradeRate(ctx, tr.ID, seller, RateRequest{Rate: d("1801")})
	expectKind(t, err, apperr.ErrBadRequest)

	updated, err := f.mgr.UpdateTradeRate(ctx, tr.ID, seller, RateRequest{Rate: d("1800"), Reason: "market"})
	if err != nil {
		t.Fatalf("UpdateTradeRate: %v", err)
	}
	if !updated.NegotiatedRate.Valid || !updated.NegotiatedRate.Decimal.Equal(d("1800")) || !updated.ConvertedAmount.Equal(d("18000")) {
		t.Errorf("Unexpected %+v", updated)
	}
	msgs := f.sent.For(buyer)
	if last := msgs[len(msgs)-1]; !strings.Contains(last.Body, "15000.00 NGN") || !strings.Contains(last.Body, "18000.00 NGN") {
		t.Errorf("Expected before/after amounts, got %q", last.Body)
	}

	if _, err := f.mgr.NotifySellerToProceed(ctx, tr.ID, seller); err != nil {
		t.Fatal(err)
	}
	if got := f.balance(t, seller, "NGN"); !got.Equal(d("81950")) {
		t.Errorf("Expected lock at the renegotiated rate, got %s", got)
	}
	_, err = f.mgr.UpdateTradeRate(ctx, tr.ID, seller, RateRequest{Rate: d("1500")})
	expectKind(t, err, apperr.ErrBadRequest)
}

func TestUpdateTradeRate_NegotiatedTradeKeepsListedBand(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.sellOrder(t)

	n, err := f.negotiations.CreateNegotiation(ctx, o.ID, buyer)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.negotiations.UpdateNegotiationRate(ctx, n.ID, seller, negotiation.UpdateRateRequest{ProposedRate: d("1800")}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.negotiations.RespondToNegotiation(ctx, n.ID, buyer, negotiation.RespondRequest{Action: "accept"}); err != nil {
		t.Fatal(err)
	}
	tr := f.create(t, o.ID, "10")
	if !tr.Rate.Equal(d("1800")) {
		t.Fatalf("Expected negotiated rate 1800, got %s", tr.Rate)
	}

	// 20% above the agreed rate is 44% above the listed 1500.
	_, err = f.mgr.UpdateTradeRate(ctx, tr.ID, seller, RateRequest{Rate: d("2160")})
	expectKind(t, err, apperr.ErrBadRequest)
	_, err = f.mgr.UpdateTradeRate(ctx, tr.ID, seller, RateRequest{Rate: d("1801")})
	expectKind(t, err, apperr.ErrBadRequest)
	if got := f.trade(t, tr.ID); got.NegotiatedRate.Valid || !got.ConvertedAmount.Equal(d("18000")) {
		t.Errorf("Rejected updates must not change the trade, got %+v", got)
	}

	// 1200 is 33% below the agreed rate but exactly 20% below the listed one.
	updated, err := f.mgr.UpdateTradeRate(ctx, tr.ID, seller, RateRequest{Rate: d("1200")})
	if err != nil {
		t.Fatalf("UpdateTradeRate: %v", err)
	}
	if !updated.ConvertedAmount.Equal(d("12000")) {
		t.Errorf("Expected 12000 NGN at 1200, got %s", updated.ConvertedAmount)
	}
}

func TestCreateTrade_RejectsEmptyEscrowLeg(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o, err := f.book.Create(ctx, seller, orders.CreateRequest{
		Kind:            orders.KindSell,
		Currency:        "CAD",
		TargetCurrency:  "NGN",
		ExchangeRate:    d("1"),
		AvailableAmount: d("500000"),
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = f.mgr.CreateTrade(ctx, buyer, CreateRequest{SellOrderID: ptr(o.ID), Amount: d("0.001")})
	expectKind(t, err, apperr.ErrBadRequest)

	got, err := f.book.Get(ctx, o.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != orders.StatusOpen {
		t.Errorf("Expected order to stay OPEN, got %s", got.Status)
	}
	if open, _ := f.mgr.CheckUserHasOpenTrades(ctx, buyer); open {
		t.Error("Expected no trade to be created")
	}
}

func TestLazyExpiry_RefundsAndReopens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o, tr := f.funded(t)

	f.clock.Advance(DefaultPaymentTimeLimit + time.Second)

	_, err := f.mgr.NotifyPaymentSent(ctx, tr.ID, buyer)
	expectKind(t, err, apperr.ErrBadRequest)

	details, err := f.mgr.GetTrade(ctx, tr.ID, buyer)
	if err != nil {
		t.Fatalf("GetTrade: %v", err)
	}
	if details.Trade.Status != StatusCancelled || details.Trade.CancellationReason != expiryReason {
		t.Errorf("Expected expiry cancellation, got %+v", details.Trade)
	}
	if got := f.balance(t, seller, "NGN"); !got.Equal(d("100000")) {
		t.Errorf("Expected escrow refunded, got %s", got)
	}
	if order := f.order(t, o.ID); order.Status != orders.StatusOpen {
		t.Errorf("Expected order reopened, got %s", order.Status)
	}
}

func TestExpireStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.create(t, f.sellOrder(t).ID, "10")
	second := f.create(t, f.sellOrder(t).ID, "10")
	if _, err := f.mgr.NotifySellerToProceed(ctx, second.ID, seller); err != nil {
		t.Fatal(err)
	}

	if n, _ := f.mgr.ExpireStale(ctx); n != 0 {
		t.Errorf("Expected nothing stale yet, got %d", n)
	}
	f.clock.Advance(time.Hour)

	n, err := f.mgr.ExpireStale(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("Expected 2 expired, got %d", n)
	}
	for _, id := range []int64{first.ID, second.ID} {
		if got := f.trade(t, id); got.Status != StatusCancelled {
			t.Errorf("trade %d: expected CANCELLED, got %s", id, got.Status)
		}
	}
	if got := f.balance(t, seller, "NGN"); !got.Equal(d("100000")) {
		t.Errorf("Expected refund, got %s", got)
	}
}

func TestBuyOrderOrigin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// The buyer wants NGN and pays CAD; the initiator sells NGN.
	o, err := f.book.Create(ctx, buyer, orders.CreateRequest{
		Kind:            orders.KindBuy,
		Currency:        "NGN",
		TargetCurrency:  "CAD",
		ExchangeRate:    d("0.001"),
		AvailableAmount: d("50000"),
	})
	if err != nil {
		t.Fatal(err)
	}
	details, err := f.mgr.CreateTrade(ctx, seller, CreateRequest{BuyOrderID: ptr(o.ID), Amount: d("15000")})
	if err != nil {
		t.Fatalf("CreateTrade: %v", err)
	}
	tr := details.Trade
	if tr.SellerID != seller || tr.BuyerID != buyer || !tr.ConvertedAmount.Equal(d("15")) {
		t.Errorf("Unexpected buy-order trade %+v", tr)
	}

	_, err = f.mgr.NotifySellerToProceed(ctx, tr.ID, seller)
	expectKind(t, err, apperr.ErrBadRequest)
	if _, err := f.mgr.NotifyBuyerToProceed(ctx, tr.ID, seller); err != nil {
		t.Fatalf("NotifyBuyerToProceed: %v", err)
	}
	if got := f.balance(t, seller, "NGN"); !got.Equal(d("84950")) {
		t.Errorf("Expected base leg plus fee locked, got %s", got)
	}

	_, _ = f.mgr.NotifyPaymentSent(ctx, tr.ID, buyer)
	if _, err := f.mgr.ReleaseFunds(ctx, tr.ID, seller); err != nil {
		t.Fatalf("ReleaseFunds: %v", err)
	}
	if got := f.balance(t, buyer, "NGN"); !got.Equal(d("15000")) {
		t.Errorf("Expected buyer +15000, got %s", got)
	}
	if order := f.order(t, o.ID); !order.AvailableAmount.Equal(d("35000")) {
		t.Errorf("Expected order available 35000, got %s", order.AvailableAmount)
	}
}

func TestDisputeHooks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, tr := f.funded(t)

	recorded := 0
	record := func(context.Context, *Trade) error { recorded++; return nil }

	_, err := f.mgr.RaiseDispute(ctx, tr.ID, outsider, record)
	expectKind(t, err, apperr.ErrForbidden)

	disputed, err := f.mgr.RaiseDispute(ctx, tr.ID, buyer, record)
	if err != nil {
		t.Fatalf("RaiseDispute: %v", err)
	}
	if disputed.Status != StatusDisputed {
		t.Errorf("Expected DISPUTED, got %s", disputed.Status)
	}
	e, _ := f.escrows.GetByTradeID(ctx, tr.ID)
	if e.Status != escrow.StatusDisputed {
		t.Errorf("Expected escrow DISPUTED, got %s", e.Status)
	}

	// A disputed trade does not expire and cannot be cancelled.
	f.clock.Advance(time.Hour)
	_, err = f.mgr.CancelTrade(ctx, tr.ID, buyer)
	expectKind(t, err, apperr.ErrBadRequest)

	failing := func(context.Context, *Trade) error { return errors.New("dispute store down") }
	if _, err := f.mgr.SettleDispute(ctx, tr.ID, 500, escrow.OutcomeRefund, failing); err == nil {
		t.Fatal("Expected settle to fail")
	}
	if got := f.trade(t, tr.ID); got.Status != StatusDisputed {
		t.Errorf("Expected rollback to DISPUTED, got %s", got.Status)
	}

	settled, err := f.mgr.SettleDispute(ctx, tr.ID, 500, escrow.OutcomeRefund, record)
	if err != nil {
		t.Fatalf("SettleDispute: %v", err)
	}
	if settled.Status != StatusCancelled {
		t.Errorf("Expected CANCELLED, got %s", settled.Status)
	}
	if got := f.balance(t, seller, "NGN"); !got.Equal(d("100000")) {
		t.Errorf("Expected refund, got %s", got)
	}
	if recorded != 2 {
		t.Errorf("Expected record to run twice, got %d", recorded)
	}
}

func TestGetTrade(t *testing.T) {
	f := newFixture(t)
	_, tr := f.funded(t)

	_, err := f.mgr.GetTrade(context.Background(), tr.ID, outsider)
	expectKind(t, err, apperr.ErrForbidden)

	details, err := f.mgr.GetTrade(context.Background(), tr.ID, seller)
	if err != nil {
		t.Fatal(err)
	}
	if details.Escrow == nil || !details.Escrow.Amount.Equal(d("15050")) {
		t.Errorf("Expected escrow resolved, got %+v", details.Escrow)
	}
	if !details.EffectiveRate.Equal(d("1500")) {
		t.Errorf("Expected effective rate 1500, got %s", details.EffectiveRate)
	}

	list, err := f.mgr.ListUserTrades(context.Background(), buyer, 0)
	if err != nil || len(list) != 1 {
		t.Errorf("Expected one trade listed, got %d %v", len(list), err)
	}
}

func TestTimer_StartStop(t *testing.T) {
	f := newFixture(t)
	timer := NewTimer(f.mgr, 10*time.Millisecond, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go timer.Start(ctx)
	deadline := time.Now().Add(2 * time.Second)
	for timer.Sweeps() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !timer.Running() || timer.Sweeps() == 0 {
		t.Fatal("Expected timer to sweep")
	}
	timer.Stop()
	for timer.Running() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if timer.Running() {
		t.Error("Expected timer stopped")
	}
}
