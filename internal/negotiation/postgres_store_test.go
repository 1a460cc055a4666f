//go:build integration

package negotiation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/olawolejethro/azariPay-sub002/internal/testutil"
)

func TestPostgresStore_OpenCountsAndStale(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	open := &Negotiation{SellOrderID: 1, BuyerID: 2, SellerID: 1, OriginalRate: d("1500"), ProposedRate: d("1500"),
		Status: StatusPending, ExpiresAt: now.Add(time.Hour), CreatedAt: now, UpdatedAt: now}
	stale := &Negotiation{SellOrderID: 3, BuyerID: 2, SellerID: 1, OriginalRate: d("1500"), ProposedRate: d("1500"),
		Status: StatusInProgress, ExpiresAt: now.Add(-time.Minute), CreatedAt: now, UpdatedAt: now}
	for _, n := range []*Negotiation{open, stale} {
		if err := store.Create(ctx, n); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	buyerOpen, err := store.CountOpenByBuyer(ctx, 2, now)
	if err != nil {
		t.Fatal(err)
	}
	if buyerOpen != 1 {
		t.Errorf("Expected 1 open for buyer, got %d", buyerOpen)
	}
	sellerOpen, _ := store.CountOpenBySeller(ctx, 1, now)
	if sellerOpen != 1 {
		t.Errorf("Expected 1 open for seller, got %d", sellerOpen)
	}

	list, err := store.ListStale(ctx, now, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != stale.ID {
		t.Errorf("Expected only negotiation %d stale, got %v", stale.ID, list)
	}

	found, err := store.FindLatest(ctx, 1, 2, StatusPending, StatusInProgress)
	if err != nil {
		t.Fatal(err)
	}
	if found.ID != open.ID {
		t.Errorf("Expected %d, got %d", open.ID, found.ID)
	}
	if _, err := store.FindLatest(ctx, 1, 2, StatusAgreed); !errors.Is(err, ErrNegotiationNotFound) {
		t.Errorf("Expected ErrNegotiationNotFound, got %v", err)
	}
}

func TestPostgresStore_UpdateRoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	n := &Negotiation{SellOrderID: 1, BuyerID: 2, SellerID: 1, OriginalRate: d("1500"), ProposedRate: d("1500"),
		Status: StatusPending, ExpiresAt: now.Add(time.Hour), CreatedAt: now, UpdatedAt: now}
	if err := store.Create(ctx, n); err != nil {
		t.Fatal(err)
	}

	deadline := now.Add(24 * time.Hour)
	buyerID, tradeID := int64(2), int64(9)
	n.ProposedRate = d("1650")
	n.Status = StatusCompleted
	n.AgreedAt = &now
	n.AgreedBy = &buyerID
	n.TradeCreationDeadline = &deadline
	n.TradeID = &tradeID
	if err := store.Update(ctx, n); err != nil {
		t.Fatal(err)
	}

	got, err := store.Get(ctx, n.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusCompleted || !got.ProposedRate.Equal(d("1650")) {
		t.Errorf("Unexpected %+v", got)
	}
	if got.TradeID == nil || *got.TradeID != tradeID || got.TradeCreationDeadline == nil {
		t.Errorf("Expected trade link and deadline, got %+v", got)
	}
}
