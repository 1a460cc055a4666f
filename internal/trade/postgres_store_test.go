//go:build integration

package trade

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/olawolejethro/azariPay-sub002/internal/testutil"
)

func newRow(sellOrderID int64, status Status, created time.Time) *Trade {
	return &Trade{
		BuyerID: buyer, SellerID: seller, InitiatorID: buyer, SellOrderID: ptr(sellOrderID),
		Amount: d("10"), Currency: "CAD", ConvertedAmount: d("15000"), ConvertedCurrency: "NGN",
		Rate: d("1500"), Status: status, PaymentTimeLimit: DefaultPaymentTimeLimit,
		CreatedAt: created, UpdatedAt: created,
	}
}

func TestPostgresStore_CreateGetUpdate(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	tr := newRow(1, StatusPending, now)
	if err := store.Create(ctx, tr); err != nil {
		t.Fatalf("Create: %v", err)
	}

	tr.Status = StatusActive
	tr.AcceptedAt = &now
	tr.NegotiatedRate.Decimal, tr.NegotiatedRate.Valid = d("1600"), true
	tr.RateNegotiatedBy = ptr(seller)
	if err := store.Update(ctx, tr); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := store.Get(ctx, tr.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusActive || got.AcceptedAt == nil || got.PaymentTimeLimit != DefaultPaymentTimeLimit {
		t.Errorf("Unexpected %+v", got)
	}
	if !got.NegotiatedRate.Valid || !got.NegotiatedRate.Decimal.Equal(d("1600")) {
		t.Errorf("Expected negotiated rate 1600, got %v", got.NegotiatedRate)
	}
	if got.BuyOrderID != nil || got.SellOrderID == nil || *got.SellOrderID != 1 {
		t.Errorf("Expected sell origin only, got %+v", got)
	}

	if _, err := store.Get(ctx, 9999); !errors.Is(err, ErrTradeNotFound) {
		t.Errorf("Expected ErrTradeNotFound, got %v", err)
	}
}

func TestPostgresStore_OpenAndExpirable(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	fresh := newRow(1, StatusPending, now)
	stale := newRow(2, StatusActive, now.Add(-time.Hour))
	done := newRow(3, StatusCompleted, now.Add(-time.Hour))
	for _, tr := range []*Trade{fresh, stale, done} {
		if err := store.Create(ctx, tr); err != nil {
			t.Fatal(err)
		}
	}

	n, err := store.CountOpenByUser(ctx, seller)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("Expected 2 open trades, got %d", n)
	}

	list, err := store.ListExpirable(ctx, now, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != stale.ID {
		t.Errorf("Expected only trade %d expirable, got %v", stale.ID, list)
	}

	all, _ := store.ListByUser(ctx, buyer, 10)
	if len(all) != 3 || all[0].ID != done.ID {
		t.Errorf("Expected 3 trades newest first, got %v", all)
	}
}

func TestPostgresStore_Settlements(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	tr := newRow(1, StatusCompleted, now)
	if err := store.Create(ctx, tr); err != nil {
		t.Fatal(err)
	}
	rows := []*Settlement{
		{TradeID: tr.ID, UserID: seller, Side: SideSellerDebit, Amount: d("15050"), Currency: "NGN", CreatedAt: now},
		{TradeID: tr.ID, UserID: buyer, Side: SideBuyerCredit, Amount: d("15000"), Currency: "NGN", CreatedAt: now},
	}
	if err := store.AddSettlements(ctx, rows); err != nil {
		t.Fatal(err)
	}
	if rows[0].ID == 0 {
		t.Error("Expected settlement ID to be assigned")
	}

	got, err := store.ListSettlements(ctx, tr.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[1].Side != SideBuyerCredit {
		t.Errorf("Unexpected settlements %v", got)
	}
}
