package checkout

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/tabletap/tabletap-client/internal/cart"
)

func snapshotCart(t *testing.T, lines ...cart.Line) *cart.Cart {
	t.Helper()
	c := &cart.Cart{Key: cart.Key{FoodCourtID: "fc-1", TableID: "t-12"}}
	c.Lines = append(c.Lines, lines...)
	return c
}

func TestComputeTotalsBurgerSalad(t *testing.T) {
	t.Parallel()
	snapshot := snapshotCart(t,
		cart.Line{ItemID: "burger", UnitPrice: decimal.NewFromInt(150), Quantity: 2},
		cart.Line{ItemID: "salad", UnitPrice: decimal.NewFromInt(90), Quantity: 1},
	)
	taxRate := decimal.RequireFromString("0.18")

	totals, err := ComputeTotals(snapshot, taxRate, "INR")
	if err != nil {
		t.Fatalf("ComputeTotals: %v", err)
	}
	if !totals.Subtotal.Equal(decimal.NewFromInt(390)) {
		t.Fatalf("subtotal: want 390, got %s", totals.Subtotal)
	}
	if !totals.Total.Equal(decimal.RequireFromString("460.2")) {
		t.Fatalf("total: want 460.2, got %s", totals.Total)
	}
	if totals.AmountMinor != 46020 {
		t.Fatalf("minor units: want 46020, got %d", totals.AmountMinor)
	}
	if totals.Currency != "INR" {
		t.Fatalf("currency: want INR, got %s", totals.Currency)
	}
}

func TestComputeTotalsZeroExponentCurrency(t *testing.T) {
	t.Parallel()
	snapshot := snapshotCart(t,
		cart.Line{ItemID: "ramen", UnitPrice: decimal.NewFromInt(900), Quantity: 1},
	)
	totals, err := ComputeTotals(snapshot, decimal.RequireFromString("0.1"), "JPY")
	if err != nil {
		t.Fatalf("ComputeTotals: %v", err)
	}
	if totals.AmountMinor != 990 {
		t.Fatalf("JPY minor units: want 990, got %d", totals.AmountMinor)
	}
}

func TestComputeTotalsRoundsHalfAwayFromZero(t *testing.T) {
	t.Parallel()
	// 33.335 -> 3334 paise, not 3333.
	snapshot := snapshotCart(t,
		cart.Line{ItemID: "chai", UnitPrice: decimal.RequireFromString("33.335"), Quantity: 1},
	)
	totals, err := ComputeTotals(snapshot, decimal.Zero, "INR")
	if err != nil {
		t.Fatalf("ComputeTotals: %v", err)
	}
	if totals.AmountMinor != 3334 {
		t.Fatalf("minor units: want 3334, got %d", totals.AmountMinor)
	}
}

func TestComputeTotalsRejectsEmptyCart(t *testing.T) {
	t.Parallel()
	if _, err := ComputeTotals(snapshotCart(t), decimal.Zero, "INR"); err == nil {
		t.Fatal("expected error for empty cart")
	}
}

func TestStateTransitions(t *testing.T) {
	t.Parallel()
	legal := [][2]State{
		{StateIdle, StateIntentRequested},
		{StateIntentRequested, StateGatewayPresented},
		{StateGatewayPresented, StateFinalizing},
		{StateGatewayPresented, StateCancelled},
		{StateFinalizing, StateSucceeded},
		{StateFinalizing, StateUnreconciled},
	}
	for _, pair := range legal {
		if !canTransition(pair[0], pair[1]) {
			t.Errorf("expected %s -> %s to be legal", pair[0], pair[1])
		}
	}

	illegal := [][2]State{
		{StateIdle, StateFinalizing},
		{StateIntentRequested, StateSucceeded},
		{StateUnreconciled, StateIdle},
		{StateSucceeded, StateIntentRequested},
		{StateFinalizing, StateCancelled},
	}
	for _, pair := range illegal {
		if canTransition(pair[0], pair[1]) {
			t.Errorf("expected %s -> %s to be illegal", pair[0], pair[1])
		}
	}
}
