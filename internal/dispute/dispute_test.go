package dispute

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olawolejethro/azariPay-sub002/internal/apperr"
	"github.com/olawolejethro/azariPay-sub002/internal/escrow"
	"github.com/olawolejethro/azariPay-sub002/internal/fees"
	"github.com/olawolejethro/azariPay-sub002/internal/ledger"
	"github.com/olawolejethro/azariPay-sub002/internal/notify"
	"github.com/olawolejethro/azariPay-sub002/internal/orders"
	"github.com/olawolejethro/azariPay-sub002/internal/trade"
	"github.com/olawolejethro/azariPay-sub002/internal/txn"
)

const (
	seller   int64 = 1
	buyer    int64 = 2
	outsider int64 = 3
	admin    int64 = 500
	ops      int64 = 900
	platform int64 = 999
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	mgr     *Manager
	store   *MemoryStore
	trades  *trade.Manager
	wallet  *ledger.Ledger
	escrows *escrow.Service
	sent    *notify.Recorder
	tradeID int64
}

// brokenStore fails every dispute insert.
type brokenStore struct {
	*MemoryStore
}

func (brokenStore) Create(context.Context, *Dispute) error {
	return errors.New("dispute store unavailable")
}

// newFixture opens a 10 CAD trade against a NGN sell order at 1500 and has
// the seller lock 15000 NGN plus the 50 NGN fee in escrow.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	runner := txn.NewMemoryRunner()

	wallet := ledger.New(ledger.NewMemoryStore(), runner)
	_, err := wallet.Credit(ctx, seller, "NGN", d("100000"), "seed", "deposit")
	require.NoError(t, err)

	feeRows := fees.NewMemoryStore()
	require.NoError(t, feeRows.Put(ctx, &fees.Config{TransactionType: fees.EscrowLock, Currency: "NGN", Amount: d("50"), Active: true}))

	book := orders.NewBook(orders.NewMemoryStore(), runner)
	escrows := escrow.NewService(escrow.NewMemoryStore(), wallet, fees.NewResolver(feeRows), book, runner).
		WithPlatformAccount(platform)
	sent := notify.NewRecorder()
	trades := trade.NewManager(trade.NewMemoryStore(), escrows, book, wallet, runner).
		WithNotifier(sent).
		WithPlatformAccount(platform)

	order, err := book.Create(ctx, seller, orders.CreateRequest{
		Kind:                orders.KindSell,
		Currency:            "CAD",
		TargetCurrency:      "NGN",
		ExchangeRate:        d("1500"),
		AvailableAmount:     d("500000"),
		MinTransactionLimit: d("5"),
	})
	require.NoError(t, err)
	orderID := order.ID
	created, err := trades.CreateTrade(ctx, buyer, trade.CreateRequest{SellOrderID: &orderID, Amount: d("10")})
	require.NoError(t, err)
	_, err = trades.Proceed(ctx, created.Trade.ID, seller)
	require.NoError(t, err)

	store := NewMemoryStore()
	mgr := NewManager(store, trades, escrows, runner).
		WithNotifier(sent).
		WithAlerter(sent).
		WithOpsUser(ops)

	return &fixture{
		mgr: mgr, store: store, trades: trades, wallet: wallet, escrows: escrows, sent: sent,
		tradeID: created.Trade.ID,
	}
}

func (f *fixture) request() CreateRequest {
	return CreateRequest{
		TradeID:         f.tradeID,
		Description:     "Buyer paid but the seller never released the funds.",
		Amount:          d("15000"),
		TransactionType: "bank_transfer",
		Screenshots:     []string{"https://cdn.example.com/receipt.png"},
	}
}

func (f *fixture) raise(t *testing.T, userID int64) *Dispute {
	t.Helper()
	disp, err := f.mgr.CreateDispute(context.Background(), userID, f.request())
	require.NoError(t, err)
	return disp
}

func (f *fixture) balance(t *testing.T, userID int64) decimal.Decimal {
	t.Helper()
	bal, err := f.wallet.GetBalance(context.Background(), userID, "NGN")
	require.NoError(t, err)
	return bal
}

func (f *fixture) trade(t *testing.T) *trade.Trade {
	t.Helper()
	tr, err := f.trades.Lookup(context.Background(), f.tradeID)
	require.NoError(t, err)
	return tr
}

func (f *fixture) escrow(t *testing.T) *escrow.Escrow {
	t.Helper()
	e, err := f.escrows.GetByTradeID(context.Background(), f.tradeID)
	require.NoError(t, err)
	return e
}

func TestCreateDispute_FreezesEscrow(t *testing.T) {
	f := newFixture(t)

	disp := f.raise(t, buyer)

	assert.Equal(t, StatusPending, disp.Status)
	assert.Equal(t, buyer, disp.RaisedBy)
	assert.Equal(t, []string{"https://cdn.example.com/receipt.png"}, disp.Screenshots)
	assert.Equal(t, trade.StatusDisputed, f.trade(t).Status)
	assert.Equal(t, escrow.StatusDisputed, f.escrow(t).Status)

	// Frozen: nothing moved out of or into a wallet.
	assert.True(t, f.balance(t, seller).Equal(d("84950")), "seller balance %s", f.balance(t, seller))
	assert.True(t, f.balance(t, buyer).IsZero())

	var toSeller []notify.Notification
	for _, n := range f.sent.For(seller) {
		if n.Category == notify.CategoryDispute {
			toSeller = append(toSeller, n)
		}
	}
	require.Len(t, toSeller, 1)
	assert.Equal(t, notify.PriorityHigh, toSeller[0].Priority)
	assert.Equal(t, []string{"Trade dispute raised"}, f.sent.Alerts())
}

func TestCreateDispute_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		user   int64
		mutate func(req *CreateRequest)
		want   error
	}{
		{"outsider", outsider, nil, apperr.ErrForbidden},
		{"short description", buyer, func(r *CreateRequest) { r.Description = "bad" }, apperr.ErrBadRequest},
		{"zero amount", buyer, func(r *CreateRequest) { r.Amount = decimal.Zero }, apperr.ErrBadRequest},
		{"bad screenshot", buyer, func(r *CreateRequest) { r.Screenshots = []string{"receipt.png"} }, apperr.ErrBadRequest},
		{"missing trade", buyer, func(r *CreateRequest) { r.TradeID = 404 }, apperr.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			req := f.request()
			if tt.mutate != nil {
				tt.mutate(&req)
			}
			_, err := f.mgr.CreateDispute(context.Background(), tt.user, req)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, trade.StatusActive, f.trade(t).Status)
		})
	}
}

func TestCreateDispute_OneOpenPerTrade(t *testing.T) {
	f := newFixture(t)
	f.raise(t, buyer)

	_, err := f.mgr.CreateDispute(context.Background(), seller, f.request())
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestCreateDispute_ClosedTrade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.trades.CancelTrade(ctx, f.tradeID, buyer)
	require.NoError(t, err)

	_, err = f.mgr.CreateDispute(ctx, buyer, f.request())
	assert.ErrorIs(t, err, apperr.ErrBadRequest)
}

func TestCreateDispute_RollsBackOnStoreFailure(t *testing.T) {
	f := newFixture(t)
	f.mgr.store = brokenStore{f.store}

	_, err := f.mgr.CreateDispute(context.Background(), buyer, f.request())
	require.Error(t, err)

	assert.Equal(t, trade.StatusActive, f.trade(t).Status)
	assert.Equal(t, escrow.StatusLocked, f.escrow(t).Status)
	assert.Empty(t, f.sent.Alerts())
}

func TestGetDisputeDetails(t *testing.T) {
	f := newFixture(t)
	disp := f.raise(t, buyer)
	ctx := context.Background()

	got, err := f.mgr.GetDisputeDetails(ctx, disp.ID, seller)
	require.NoError(t, err)
	assert.Equal(t, disp.ID, got.Dispute.ID)
	assert.Equal(t, f.tradeID, got.Trade.ID)
	require.NotNil(t, got.Escrow)
	assert.True(t, got.Escrow.Amount.Equal(d("15050")))

	_, err = f.mgr.GetDisputeDetails(ctx, disp.ID, ops)
	assert.NoError(t, err)

	_, err = f.mgr.GetDisputeDetails(ctx, disp.ID, outsider)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = f.mgr.GetDisputeDetails(ctx, 404, buyer)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	list, err := f.mgr.ListForTrade(ctx, f.tradeID, buyer)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestReview(t *testing.T) {
	f := newFixture(t)
	disp := f.raise(t, buyer)
	ctx := context.Background()

	reviewed, err := f.mgr.Review(ctx, disp.ID, admin, ReviewRequest{Status: StatusUnderReview})
	require.NoError(t, err)
	assert.Equal(t, StatusUnderReview, reviewed.Status)

	_, err = f.mgr.Review(ctx, disp.ID, admin, ReviewRequest{Status: StatusUnderReview})
	assert.ErrorIs(t, err, apperr.ErrBadRequest)

	escalated, err := f.mgr.Review(ctx, disp.ID, admin, ReviewRequest{Status: StatusEscalated})
	require.NoError(t, err)
	assert.Equal(t, StatusEscalated, escalated.Status)
	assert.Contains(t, f.sent.Alerts(), "Trade dispute escalated")

	queue, err := f.mgr.Queue(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, queue, 1)
}

func TestResolveDispute_Release(t *testing.T) {
	f := newFixture(t)
	disp := f.raise(t, buyer)
	ctx := context.Background()

	resolved, err := f.mgr.ResolveDispute(ctx, disp.ID, admin, ResolveRequest{Outcome: escrow.OutcomeRelease, Notes: "payment confirmed"})
	require.NoError(t, err)

	assert.Equal(t, StatusResolved, resolved.Status)
	assert.Equal(t, escrow.OutcomeRelease, resolved.Outcome)
	require.NotNil(t, resolved.ResolvedBy)
	assert.Equal(t, admin, *resolved.ResolvedBy)
	assert.Equal(t, trade.StatusCompleted, f.trade(t).Status)
	assert.Equal(t, escrow.StatusReleased, f.escrow(t).Status)

	assert.True(t, f.balance(t, buyer).Equal(d("15000")), "buyer balance %s", f.balance(t, buyer))
	assert.True(t, f.balance(t, platform).Equal(d("50")))
	assert.True(t, f.balance(t, seller).Equal(d("84950")))

	_, err = f.mgr.ResolveDispute(ctx, disp.ID, admin, ResolveRequest{Outcome: escrow.OutcomeRefund})
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestResolveDispute_RefundRejectsBuyerClaim(t *testing.T) {
	f := newFixture(t)
	disp := f.raise(t, buyer)

	resolved, err := f.mgr.ResolveDispute(context.Background(), disp.ID, admin, ResolveRequest{Outcome: escrow.OutcomeRefund})
	require.NoError(t, err)

	assert.Equal(t, StatusRejected, resolved.Status)
	assert.Equal(t, trade.StatusCancelled, f.trade(t).Status)
	assert.Equal(t, escrow.StatusRefunded, f.escrow(t).Status)
	assert.True(t, f.balance(t, seller).Equal(d("100000")), "seller balance %s", f.balance(t, seller))
	assert.True(t, f.balance(t, buyer).IsZero())
}

func TestResolveDispute_SellerRaised(t *testing.T) {
	f := newFixture(t)
	disp := f.raise(t, seller)

	resolved, err := f.mgr.ResolveDispute(context.Background(), disp.ID, admin, ResolveRequest{Outcome: escrow.OutcomeRefund})
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, resolved.Status)
}

func TestResolveDispute_BadOutcome(t *testing.T) {
	f := newFixture(t)
	disp := f.raise(t, buyer)

	_, err := f.mgr.ResolveDispute(context.Background(), disp.ID, admin, ResolveRequest{Outcome: "split"})
	assert.ErrorIs(t, err, apperr.ErrBadRequest)
	assert.Equal(t, escrow.StatusDisputed, f.escrow(t).Status)
}

func TestMemoryStore_CopiesScreenshots(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	in := &Dispute{TradeID: 1, Status: StatusPending, Screenshots: []string{"https://a"}, CreatedAt: time.Now()}
	require.NoError(t, store.Create(ctx, in))

	in.Screenshots[0] = "https://changed"
	got, err := store.Get(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://a", got.Screenshots[0])

	assert.ErrorIs(t, store.Create(ctx, &Dispute{TradeID: 1, Status: StatusPending}), ErrOpenDispute)
}
