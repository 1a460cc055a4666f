package traces

import (
	"context"
	"log/slog"
	"testing"
)

func TestInit_NoEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), "", slog.Default())
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestStartSpan_SetsAttributes(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "escrow.lock", TradeID(7), Currency("NGN"))
	defer span.End()
	if ctx == nil {
		t.Fatal("expected context")
	}
}

func TestAttributeKeys(t *testing.T) {
	if got := TradeID(7); string(got.Key) != "trade.id" || got.Value.AsInt64() != 7 {
		t.Fatalf("TradeID = %v", got)
	}
	if got := Amount("15050"); got.Value.AsString() != "15050" {
		t.Fatalf("Amount = %v", got)
	}
}
