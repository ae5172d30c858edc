package venue

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/shopspring/decimal"

	"funding-arb/pkg/types"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func newTestVenue(t *testing.T) *PaperVenue {
	t.Helper()
	v := NewPaperVenue("paper", newTestLogger())
	v.SetSymbol("BTC", dec("0.5"), dec("0.001"))
	v.SetTicker("BTC", dec("49999.5"), dec("50000.5"), dec("5"), dec("5"))
	return v
}

func TestPaperLimitFillsByDefault(t *testing.T) {
	t.Parallel()

	v := newTestVenue(t)
	ctx := context.Background()

	id, err := v.PlaceLimit(ctx, "BTC", types.BUY, dec("0.02"), dec("49999"), true, false)
	if err != nil {
		t.Fatalf("PlaceLimit: %v", err)
	}

	o, err := v.OrderStatus(ctx, id)
	if err != nil {
		t.Fatalf("OrderStatus: %v", err)
	}
	if o.Status != types.OrderFilled {
		t.Errorf("status = %s, want FILLED", o.Status)
	}
	if !o.FilledQty.Equal(dec("0.02")) {
		t.Errorf("filled = %s, want 0.02", o.FilledQty)
	}
	if !o.AvgFillPrice.Equal(dec("49999")) {
		t.Errorf("avg price = %s, want limit price", o.AvgFillPrice)
	}
}

func TestPaperScriptedPartialFill(t *testing.T) {
	t.Parallel()

	v := newTestVenue(t)
	v.Script("BTC", types.SELL, FillScript{FillRatio: dec("0.4")})
	ctx := context.Background()

	id, err := v.PlaceLimit(ctx, "BTC", types.SELL, dec("1"), dec("50001"), true, false)
	if err != nil {
		t.Fatalf("PlaceLimit: %v", err)
	}

	o, _ := v.OrderStatus(ctx, id)
	if o.Status != types.OrderPartial {
		t.Errorf("status = %s, want PARTIAL", o.Status)
	}
	if !o.FilledQty.Equal(dec("0.4")) {
		t.Errorf("filled = %s, want 0.4", o.FilledQty)
	}

	// A partial stays partial until canceled; the remainder never fills on
	// its own.
	o, _ = v.OrderStatus(ctx, id)
	if o.Status != types.OrderPartial || !o.FilledQty.Equal(dec("0.4")) {
		t.Errorf("second poll changed the order: %+v", o)
	}

	if err := v.Cancel(ctx, id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	o, _ = v.OrderStatus(ctx, id)
	if o.Status != types.OrderCanceled {
		t.Errorf("status after cancel = %s, want CANCELED", o.Status)
	}
	if !o.FilledQty.Equal(dec("0.4")) {
		t.Errorf("cancel must keep the filled quantity, got %s", o.FilledQty)
	}
}

func TestPaperDelayedFill(t *testing.T) {
	t.Parallel()

	v := newTestVenue(t)
	v.Script("BTC", types.BUY, FillScript{FillRatio: dec("1"), FillAfterPolls: 2})
	ctx := context.Background()

	id, _ := v.PlaceLimit(ctx, "BTC", types.BUY, dec("0.01"), dec("49999"), true, false)

	for i := 0; i < 2; i++ {
		o, _ := v.OrderStatus(ctx, id)
		if o.Status != types.OrderPlaced {
			t.Fatalf("poll %d: status = %s, want PLACED", i, o.Status)
		}
	}
	o, _ := v.OrderStatus(ctx, id)
	if o.Status != types.OrderFilled {
		t.Errorf("status after fill clock = %s, want FILLED", o.Status)
	}
}

func TestPaperPostOnlyRejectStreak(t *testing.T) {
	t.Parallel()

	v := newTestVenue(t)
	v.Script("BTC", types.BUY, FillScript{FillRatio: dec("1"), PostOnlyRejects: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := v.PlaceLimit(ctx, "BTC", types.BUY, dec("0.01"), dec("49999"), true, false); !IsPostOnlyReject(err) {
			t.Fatalf("placement %d: err = %v, want post-only reject", i, err)
		}
	}
	if _, err := v.PlaceLimit(ctx, "BTC", types.BUY, dec("0.01"), dec("49999"), true, false); err != nil {
		t.Fatalf("placement after streak: %v", err)
	}
}

func TestPaperPostOnlyCrossRejected(t *testing.T) {
	t.Parallel()

	v := newTestVenue(t)
	ctx := context.Background()

	// Buy at or above the ask crosses.
	if _, err := v.PlaceLimit(ctx, "BTC", types.BUY, dec("0.01"), dec("50000.5"), true, false); !IsPostOnlyReject(err) {
		t.Errorf("crossing buy: err = %v, want post-only reject", err)
	}
	// Sell at or below the bid crosses.
	if _, err := v.PlaceLimit(ctx, "BTC", types.SELL, dec("0.01"), dec("49999.5"), true, false); !IsPostOnlyReject(err) {
		t.Errorf("crossing sell: err = %v, want post-only reject", err)
	}
	// Non-post-only orders may cross.
	if _, err := v.PlaceLimit(ctx, "BTC", types.BUY, dec("0.01"), dec("50000.5"), false, false); err != nil {
		t.Errorf("non-post-only crossing buy: %v", err)
	}
}

func TestPaperMarketFillsAtBBO(t *testing.T) {
	t.Parallel()

	v := newTestVenue(t)
	v.SetFees(dec("0.0002"), dec("0.0005"))
	ctx := context.Background()

	id, err := v.PlaceMarket(ctx, "BTC", types.BUY, dec("0.1"), true)
	if err != nil {
		t.Fatalf("PlaceMarket: %v", err)
	}
	o, _ := v.OrderStatus(ctx, id)
	if o.Status != types.OrderFilled {
		t.Errorf("status = %s, want FILLED", o.Status)
	}
	if !o.AvgFillPrice.Equal(dec("50000.5")) {
		t.Errorf("buy filled at %s, want ask 50000.5", o.AvgFillPrice)
	}
	// 0.1 × 50000.5 × 0.0005
	wantFee := dec("0.1").Mul(dec("50000.5")).Mul(dec("0.0005"))
	if !o.FeesPaid.Equal(wantFee) {
		t.Errorf("fees = %s, want %s", o.FeesPaid, wantFee)
	}
	if !v.WasReduceOnly(id) {
		t.Error("reduce-only flag not recorded")
	}
}

func TestPaperCancelIdempotent(t *testing.T) {
	t.Parallel()

	v := newTestVenue(t)
	ctx := context.Background()

	if err := v.Cancel(ctx, "no-such-order"); err != nil {
		t.Errorf("cancel of unknown order = %v, want nil", err)
	}

	id, _ := v.PlaceMarket(ctx, "BTC", types.SELL, dec("0.01"), false)
	// Canceling a filled order is a no-op, not an error.
	if err := v.Cancel(ctx, id); err != nil {
		t.Errorf("cancel of filled order = %v, want nil", err)
	}
	o, _ := v.OrderStatus(ctx, id)
	if o.Status != types.OrderFilled {
		t.Errorf("cancel flipped a terminal status to %s", o.Status)
	}
}

func TestPaperLeverage(t *testing.T) {
	t.Parallel()

	v := newTestVenue(t)
	v.SetMaxLeverage("BTC", 3)
	ctx := context.Background()

	if err := v.SetAccountLeverage(ctx, "BTC", 3); err != nil {
		t.Fatalf("SetAccountLeverage: %v", err)
	}
	if lev, ok := v.AppliedLeverage("BTC"); !ok || lev != 3 {
		t.Errorf("applied leverage = %d (%v), want 3", lev, ok)
	}
	if err := v.SetAccountLeverage(ctx, "BTC", 10); err == nil {
		t.Error("leverage above max should be rejected")
	}

	v.SetSupportsLeverage(false)
	if err := v.SetAccountLeverage(ctx, "BTC", 2); !IsUnsupported(err) {
		t.Errorf("cross-margin venue: err = %v, want ErrUnsupported", err)
	}
}

func TestPaperRounding(t *testing.T) {
	t.Parallel()

	v := newTestVenue(t)

	if got := v.RoundPrice("BTC", dec("50000.3"), types.BUY); !got.Equal(dec("50000")) {
		t.Errorf("buy round = %s, want 50000", got)
	}
	if got := v.RoundPrice("BTC", dec("50000.3"), types.SELL); !got.Equal(dec("50000.5")) {
		t.Errorf("sell round = %s, want 50000.5", got)
	}
}

func TestRoundToLot(t *testing.T) {
	t.Parallel()

	if got := RoundToLot(dec("0.0239"), dec("0.001")); !got.Equal(dec("0.023")) {
		t.Errorf("RoundToLot = %s, want 0.023", got)
	}
	if got := RoundToLot(dec("5"), decimal.Zero); !got.Equal(dec("5")) {
		t.Errorf("zero lot should pass through, got %s", got)
	}
}

func TestPaperSyntheticDepth(t *testing.T) {
	t.Parallel()

	v := newTestVenue(t)
	bids, asks, err := v.OrderBook(context.Background(), "BTC", 3)
	if err != nil {
		t.Fatalf("OrderBook: %v", err)
	}
	if len(bids) != 3 || len(asks) != 3 {
		t.Fatalf("depth = %d/%d, want 3/3", len(bids), len(asks))
	}
	if !bids[0].Price.Equal(dec("49999.5")) || !asks[0].Price.Equal(dec("50000.5")) {
		t.Errorf("top of synthesized book = %s/%s", bids[0].Price, asks[0].Price)
	}
	if !bids[1].Price.LessThan(bids[0].Price) {
		t.Error("bids must descend")
	}
	if !asks[1].Price.GreaterThan(asks[0].Price) {
		t.Error("asks must ascend")
	}
}
