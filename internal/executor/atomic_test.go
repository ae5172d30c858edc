package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"funding-arb/internal/config"
	"funding-arb/internal/market"
	"funding-arb/internal/venue"
	"funding-arb/pkg/types"
)

// atomicFixture wires two paper venues with identical 49999.5/50000.5 books
// behind a full atomic executor. Identical mids align both entry legs at
// 50000, which is maker-safe on both books.
type atomicFixture struct {
	long   *venue.PaperVenue // "lighter"
	short  *venue.PaperVenue // "aster"
	cache  *market.BookTickerCache
	atomic *AtomicExecutor
}

func newAtomicFixture(t *testing.T) *atomicFixture {
	t.Helper()
	logger := newTestLogger()
	cfg := testExecCfg()
	cache := market.NewBookTickerCache(cfg.StalenessLimit)
	exec := NewOrderExecutor(cache, cfg, logger)
	hedge := NewHedgeManager(exec, testHedgeCfg(), logger)
	liq := market.NewAnalyzer(config.LiquidityConfig{
		MaxSlippagePct:    0.5,
		MaxSpreadBps:      50,
		MinLiquidityScore: 0.6,
	}, logger)

	long := newPaperBTC("lighter")
	short := newPaperBTC("aster")
	venues := map[string]venue.Adapter{"lighter": long, "aster": short}

	f := &atomicFixture{
		long:   long,
		short:  short,
		cache:  cache,
		atomic: NewAtomicExecutor(venues, exec, hedge, liq, cache, cfg, logger),
	}
	f.warm(t)
	return f
}

// warm seeds the ticker cache from each venue's current book so entry does
// not wait out the warmup window.
func (f *atomicFixture) warm(t *testing.T) {
	t.Helper()
	for _, v := range []*venue.PaperVenue{f.long, f.short} {
		tk, err := v.BestBidAsk(context.Background(), "BTC")
		if err != nil {
			t.Fatalf("seed ticker %s: %v", v.Name(), err)
		}
		f.cache.Put(tk)
	}
}

func entryLegs() (types.OrderSpec, types.OrderSpec) {
	long := types.OrderSpec{
		Venue: "lighter", Symbol: "BTC", Side: types.BUY,
		SizeUSD: dec("10000"), Mode: types.LimitWithFallback,
	}
	short := types.OrderSpec{
		Venue: "aster", Symbol: "BTC", Side: types.SELL,
		SizeUSD: dec("10000"), Mode: types.LimitWithFallback,
	}
	return long, short
}

func TestAtomicBothLegsFill(t *testing.T) {
	t.Parallel()
	f := newAtomicFixture(t)
	long, short := entryLegs()

	res, err := f.atomic.Execute(context.Background(), long, short)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.AllFilled {
		t.Fatalf("all_filled = false: %+v", res)
	}
	// Identical mids mean both legs post at the aligned price 50000.
	if !res.LongLeg.AvgPrice.Equal(dec("50000")) {
		t.Errorf("long avg = %s, want aligned 50000", res.LongLeg.AvgPrice)
	}
	if !res.ShortLeg.AvgPrice.Equal(dec("50000")) {
		t.Errorf("short avg = %s, want aligned 50000", res.ShortLeg.AvgPrice)
	}
	if !res.LongLeg.FilledQty.Equal(dec("0.2")) || !res.ShortLeg.FilledQty.Equal(dec("0.2")) {
		t.Errorf("filled qty = %s / %s, want 0.2 / 0.2", res.LongLeg.FilledQty, res.ShortLeg.FilledQty)
	}
	if res.Leverage != 20 {
		t.Errorf("leverage = %d, want min(20, 20)", res.Leverage)
	}
	for _, v := range []*venue.PaperVenue{f.long, f.short} {
		if lev, ok := v.AppliedLeverage("BTC"); !ok || lev != 20 {
			t.Errorf("%s applied leverage = %d (%t), want 20", v.Name(), lev, ok)
		}
	}
	if res.RollbackPerformed || res.Incident != nil {
		t.Errorf("unexpected rollback state: %+v", res)
	}
}

func TestAtomicLeverageUsesLowerCap(t *testing.T) {
	t.Parallel()
	f := newAtomicFixture(t)
	f.short.SetMaxLeverage("BTC", 5)
	long, short := entryLegs()

	res, err := f.atomic.Execute(context.Background(), long, short)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Leverage != 5 {
		t.Errorf("leverage = %d, want 5", res.Leverage)
	}
	if lev, _ := f.long.AppliedLeverage("BTC"); lev != 5 {
		t.Errorf("long venue leverage = %d, want 5", lev)
	}
}

func TestAtomicValidatesLegs(t *testing.T) {
	t.Parallel()
	f := newAtomicFixture(t)
	long, short := entryLegs()

	cases := []struct {
		name   string
		mutate func(long, short *types.OrderSpec)
	}{
		{"same venue", func(l, s *types.OrderSpec) { s.Venue = l.Venue }},
		{"same side", func(l, s *types.OrderSpec) { s.Side = l.Side }},
		{"different symbol", func(l, s *types.OrderSpec) { s.Symbol = "ETH" }},
		{"mismatched notional", func(l, s *types.OrderSpec) { s.SizeUSD = dec("9999") }},
		{"zero notional", func(l, s *types.OrderSpec) { l.SizeUSD = decimal.Zero; s.SizeUSD = decimal.Zero }},
		{"unknown venue", func(l, s *types.OrderSpec) { s.Venue = "phantom" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l, s := long, short
			tc.mutate(&l, &s)
			if _, err := f.atomic.Execute(context.Background(), l, s); err == nil {
				t.Fatal("want validation error")
			}
		})
	}
}

func TestAtomicPreflightRejectsThinBook(t *testing.T) {
	t.Parallel()
	f := newAtomicFixture(t)
	// The short leg sells into aster's bids; make them nearly empty.
	f.short.SetDepth("BTC",
		[]types.BookLevel{{Price: dec("49999.5"), Qty: dec("0.001")}},
		[]types.BookLevel{{Price: dec("50000.5"), Qty: dec("5")}},
	)
	long, short := entryLegs()

	res, err := f.atomic.Execute(context.Background(), long, short)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Rejection != types.PreflightRejected {
		t.Fatalf("rejection = %q, want PREFLIGHT_REJECTED", res.Rejection)
	}
	if res.RejectDetail == "" {
		t.Error("reject detail empty")
	}
	if f.long.PlacedLimits() != 0 || f.short.PlacedLimits() != 0 {
		t.Error("orders were placed despite preflight rejection")
	}
	if res.AllFilled || res.RollbackPerformed {
		t.Errorf("unexpected result state: %+v", res)
	}
}

func TestAtomicHedgeCompletesLaggingLeg(t *testing.T) {
	t.Parallel()
	f := newAtomicFixture(t)
	// Short-side limits never fill; the hedge drives the leg to market.
	f.short.Script("BTC", types.SELL, venue.FillScript{FillRatio: decimal.Zero})
	long, short := entryLegs()

	res, err := f.atomic.Execute(context.Background(), long, short)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.AllFilled {
		t.Fatalf("all_filled = false: %+v", res)
	}
	if !res.ShortLeg.FilledQty.Equal(dec("0.2")) {
		t.Errorf("short filled = %s, want 0.2", res.ShortLeg.FilledQty)
	}
	if res.ShortLeg.ModeUsed != types.FillMarket {
		t.Errorf("short mode = %s, want MARKET", res.ShortLeg.ModeUsed)
	}
	if !res.ShortLeg.AvgPrice.Equal(dec("49999.5")) {
		t.Errorf("short avg = %s, want bid 49999.5", res.ShortLeg.AvgPrice)
	}
	if res.RollbackPerformed {
		t.Error("rollback performed on a completed entry")
	}
}

func TestAtomicBothUnfilledIsEntryRejected(t *testing.T) {
	t.Parallel()
	f := newAtomicFixture(t)
	f.long.Script("BTC", types.BUY, venue.FillScript{FillRatio: decimal.Zero})
	f.short.Script("BTC", types.SELL, venue.FillScript{FillRatio: decimal.Zero})
	long, short := entryLegs()

	res, err := f.atomic.Execute(context.Background(), long, short)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Rejection != types.EntryRejected {
		t.Fatalf("rejection = %q, want ENTRY_REJECTED", res.Rejection)
	}
	if res.RollbackPerformed || !res.RollbackCostUSD.IsZero() {
		t.Errorf("rollback state on clean rejection: %+v", res)
	}
	if f.long.PlacedMarkets() != 0 || f.short.PlacedMarkets() != 0 {
		t.Error("market orders placed during clean rejection")
	}
}

func TestAtomicRollsBackWhenHedgeFails(t *testing.T) {
	t.Parallel()
	f := newAtomicFixture(t)
	// Short side neither rests nor markets: the hedge must fail, leaving
	// the filled long leg to be unwound.
	f.short.Script("BTC", types.SELL, venue.FillScript{FillRatio: decimal.Zero, RejectMarkets: true})
	long, short := entryLegs()

	res, err := f.atomic.Execute(context.Background(), long, short)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.AllFilled {
		t.Fatal("all_filled = true after failed hedge")
	}
	if !res.RollbackPerformed {
		t.Fatal("rollback not performed")
	}
	// Long entry at 50000, unwound at the 49999.5 bid: half a tick of loss
	// on 0.2 BTC.
	if !res.RollbackCostUSD.Equal(dec("0.1")) {
		t.Errorf("rollback cost = %s, want 0.1", res.RollbackCostUSD)
	}
	if res.Incident != nil {
		t.Errorf("incident = %+v, want none", res.Incident)
	}
	if f.long.PlacedMarkets() != 1 {
		t.Errorf("long venue markets = %d, want 1 rollback order", f.long.PlacedMarkets())
	}
	if got := f.long.ReduceOnlyPlacements(); got != 1 {
		t.Errorf("reduce-only placements = %d, want 1", got)
	}
}

func TestAtomicRollbackFailureRaisesIncident(t *testing.T) {
	t.Parallel()
	f := newAtomicFixture(t)
	f.short.Script("BTC", types.SELL, venue.FillScript{FillRatio: decimal.Zero, RejectMarkets: true})
	// The rollback exit on the long venue is a SELL market; reject it too.
	f.long.Script("BTC", types.SELL, venue.FillScript{RejectMarkets: true})
	long, short := entryLegs()

	res, err := f.atomic.Execute(context.Background(), long, short)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.RollbackPerformed {
		t.Fatal("rollback not attempted")
	}
	if res.Incident == nil {
		t.Fatal("want rollback incident")
	}
	inc := res.Incident
	if inc.Venue != "lighter" || inc.Symbol != "BTC" {
		t.Errorf("incident venue/symbol = %s/%s, want lighter/BTC", inc.Venue, inc.Symbol)
	}
	if inc.Side != types.BUY {
		t.Errorf("incident side = %s, want BUY residual", inc.Side)
	}
	if !inc.ResidualQty.Equal(dec("0.2")) {
		t.Errorf("residual = %s, want 0.2", inc.ResidualQty)
	}
	if inc.Attempts != 3 {
		t.Errorf("incident attempts = %d, want 3", inc.Attempts)
	}
	if inc.ID == "" || inc.LastError == "" {
		t.Errorf("incident missing id or error: %+v", inc)
	}
}

func TestAtomicClosingPlacesReduceOnly(t *testing.T) {
	t.Parallel()
	f := newAtomicFixture(t)
	long, short := entryLegs()
	long.Side, short.Side = types.SELL, types.BUY
	long.ReduceOnly, short.ReduceOnly = true, true

	res, err := f.atomic.Execute(context.Background(), long, short)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.AllFilled {
		t.Fatalf("all_filled = false: %+v", res)
	}
	// Closing skips the leverage step entirely.
	if _, ok := f.long.AppliedLeverage("BTC"); ok {
		t.Error("leverage applied during close")
	}
	for _, v := range []*venue.PaperVenue{f.long, f.short} {
		placements := v.PlacedLimits() + v.PlacedMarkets()
		if got := v.ReduceOnlyPlacements(); got != placements {
			t.Errorf("%s reduce-only = %d, want all %d", v.Name(), got, placements)
		}
	}
}

func TestAtomicClosingExecutesThroughThinBook(t *testing.T) {
	t.Parallel()
	f := newAtomicFixture(t)
	// Same starved book that rejects an entry. An exit must go through anyway.
	f.short.SetDepth("BTC",
		[]types.BookLevel{{Price: dec("49999.5"), Qty: dec("0.001")}},
		[]types.BookLevel{{Price: dec("50000.5"), Qty: dec("5")}},
	)
	long, short := entryLegs()
	long.Side, short.Side = types.SELL, types.BUY
	long.ReduceOnly, short.ReduceOnly = true, true

	res, err := f.atomic.Execute(context.Background(), long, short)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Rejection != "" {
		t.Fatalf("close rejected: %q (%s)", res.Rejection, res.RejectDetail)
	}
	if !res.AllFilled {
		t.Fatalf("all_filled = false: %+v", res)
	}
}

func TestAtomicWideInterVenueSpreadSkipsAlignment(t *testing.T) {
	t.Parallel()
	f := newAtomicFixture(t)
	// Push aster 1% above lighter: alignment must abort and each leg price
	// from its own book.
	f.short.SetTicker("BTC", dec("50504.5"), dec("50505.5"), dec("5"), dec("5"))
	f.warm(t)
	long, short := entryLegs()

	res, err := f.atomic.Execute(context.Background(), long, short)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.AllFilled {
		t.Fatalf("all_filled = false: %+v", res)
	}
	if !res.LongLeg.AvgPrice.Equal(dec("50000")) {
		t.Errorf("long avg = %s, want local inside 50000", res.LongLeg.AvgPrice)
	}
	if !res.ShortLeg.AvgPrice.Equal(dec("50505")) {
		t.Errorf("short avg = %s, want local inside 50505", res.ShortLeg.AvgPrice)
	}
	// The shared quantity still pins to the lower mid.
	if !res.LongLeg.RequestedQty.Equal(dec("0.2")) || !res.ShortLeg.RequestedQty.Equal(dec("0.2")) {
		t.Errorf("requested = %s / %s, want 0.2 / 0.2", res.LongLeg.RequestedQty, res.ShortLeg.RequestedQty)
	}
}

func TestAtomicAbortRollsBackFilledLeg(t *testing.T) {
	t.Parallel()
	f := newAtomicFixture(t)
	f.short.Script("BTC", types.SELL, venue.FillScript{FillRatio: decimal.Zero})
	long, short := entryLegs()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	res, err := f.atomic.Execute(ctx, long, short)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if res.AllFilled {
		t.Fatal("all_filled = true on aborted entry")
	}
	if !res.RollbackPerformed {
		t.Fatal("filled long leg not rolled back on abort")
	}
	// The abort path must unwind, never market-hedge the missing leg.
	if f.short.PlacedMarkets() != 0 {
		t.Errorf("short venue markets = %d, want 0", f.short.PlacedMarkets())
	}
	if f.long.PlacedMarkets() != 1 {
		t.Errorf("long venue markets = %d, want 1 rollback order", f.long.PlacedMarkets())
	}
}
