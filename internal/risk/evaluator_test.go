package risk

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"funding-arb/internal/config"
	"funding-arb/internal/funding"
	"funding-arb/pkg/types"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testRebalanceCfg() config.RebalanceConfig {
	return config.RebalanceConfig{
		ErosionThreshold:        0.5,
		MaxAgeHours:             168,
		EnableBetterOpportunity: true,
		MinImprovement:          0.002,
		ConfirmCycles:           3,
	}
}

// newTestEvaluator wires a fee model where one round trip on lighter+aster
// costs (0.0005+0.0002)*2 = 0.0014 of size.
func newTestEvaluator(cfg config.RebalanceConfig) *Evaluator {
	fees := funding.NewFeeModel([]config.VenueConfig{
		{Name: "lighter", MakerFeeRate: 0.0002, TakerFeeRate: 0.0005},
		{Name: "aster", MakerFeeRate: 0.0001, TakerFeeRate: 0.0002},
	})
	return NewEvaluator(cfg, fees, newTestLogger())
}

// openPosition is one hour old with entry divergence 2e-9/s and a realized
// APY of exactly zero (funding earned equals fees paid).
func openPosition(now time.Time) *types.Position {
	return &types.Position{
		ID:                   "pos-1",
		Symbol:               "BTC",
		LongVenue:            "lighter",
		ShortVenue:           "aster",
		SizeUSD:              dec("1000"),
		Qty:                  dec("0.02"),
		EntryDivergence:      dec("0.000000002"),
		CumulativeFundingUSD: dec("10"),
		TotalFeesUSD:         dec("10"),
		Status:               types.PosOpen,
		OpenedAt:             now.Add(-time.Hour),
	}
}

func rates(divergence string) types.RateComparison {
	return types.RateComparison{Divergence: dec(divergence)}
}

func betterPair(netAPY string) *types.Opportunity {
	return &types.Opportunity{
		Symbol:     "BTC",
		LongVenue:  "hyperliquid",
		ShortVenue: "aster",
		NetAPY:     dec(netAPY),
	}
}

func TestEvaluateHoldsWhenHealthy(t *testing.T) {
	t.Parallel()
	now := time.Now()
	e := newTestEvaluator(testRebalanceCfg())
	pos := openPosition(now)

	v := e.Evaluate(pos, rates("0.0000000015"), nil, now)
	if v.Exit {
		t.Fatalf("got exit %s (%s), want hold", v.Reason, v.Detail)
	}
	if v.Reason != "" || v.Detail != "" {
		t.Fatalf("hold verdict carries reason %q detail %q", v.Reason, v.Detail)
	}
	if got := len(e.History(pos.ID)); got != 1 {
		t.Fatalf("got %d observations, want 1", got)
	}
}

func TestEvaluateFundingFlip(t *testing.T) {
	t.Parallel()
	now := time.Now()
	for _, div := range []string{"0", "-0.000000001"} {
		e := newTestEvaluator(testRebalanceCfg())
		v := e.Evaluate(openPosition(now), rates(div), nil, now)
		if !v.Exit || v.Reason != types.ExitFundingFlip {
			t.Fatalf("divergence %s: got (%v, %s), want funding flip", div, v.Exit, v.Reason)
		}
	}
}

func TestEvaluateProfitErosion(t *testing.T) {
	t.Parallel()
	now := time.Now()
	e := newTestEvaluator(testRebalanceCfg())

	// 0.9e-9 / 2e-9 = 0.45, below the 0.5 threshold.
	v := e.Evaluate(openPosition(now), rates("0.0000000009"), nil, now)
	if !v.Exit || v.Reason != types.ExitProfitErosion {
		t.Fatalf("got (%v, %s), want profit erosion", v.Exit, v.Reason)
	}

	// Exactly at the threshold holds: the predicate is strict less-than.
	v = e.Evaluate(openPosition(now), rates("0.000000001"), nil, now)
	if v.Exit {
		t.Fatalf("ratio 0.5 at threshold 0.5: got exit %s, want hold", v.Reason)
	}
}

func TestEvaluateFlipOutranksErosion(t *testing.T) {
	t.Parallel()
	now := time.Now()
	e := newTestEvaluator(testRebalanceCfg())

	v := e.Evaluate(openPosition(now), rates("-0.000000001"), nil, now)
	if v.Reason != types.ExitFundingFlip {
		t.Fatalf("got %s, want funding flip to outrank erosion", v.Reason)
	}
}

func TestEvaluateTimeLimit(t *testing.T) {
	t.Parallel()
	now := time.Now()
	e := newTestEvaluator(testRebalanceCfg())

	pos := openPosition(now)
	pos.OpenedAt = now.Add(-168 * time.Hour)
	v := e.Evaluate(pos, rates("0.0000000015"), nil, now)
	if !v.Exit || v.Reason != types.ExitTimeLimit {
		t.Fatalf("age at limit: got (%v, %s), want time limit", v.Exit, v.Reason)
	}

	// An eroded position that is also over age exits for erosion first.
	pos = openPosition(now)
	pos.OpenedAt = now.Add(-169 * time.Hour)
	v = e.Evaluate(pos, rates("0.0000000009"), nil, now)
	if v.Reason != types.ExitProfitErosion {
		t.Fatalf("got %s, want erosion to outrank time limit", v.Reason)
	}
}

func TestEvaluateBetterOpportunityConfirms(t *testing.T) {
	t.Parallel()
	now := time.Now()
	e := newTestEvaluator(testRebalanceCfg())
	pos := openPosition(now)

	// Required edge over the zero realized APY: 0.002 + 0.0014 = 0.0034.
	best := betterPair("0.0035")
	for cycle := 1; cycle <= 2; cycle++ {
		now = now.Add(time.Minute)
		v := e.Evaluate(pos, rates("0.0000000015"), best, now)
		if v.Exit {
			t.Fatalf("cycle %d: fired early with %s", cycle, v.Reason)
		}
		if got := e.Confirmations(pos.ID); got != cycle {
			t.Fatalf("cycle %d: got %d confirmations, want %d", cycle, got, cycle)
		}
	}

	now = now.Add(time.Minute)
	v := e.Evaluate(pos, rates("0.0000000015"), best, now)
	if !v.Exit || v.Reason != types.ExitBetterOpportunity {
		t.Fatalf("cycle 3: got (%v, %s), want better opportunity", v.Exit, v.Reason)
	}

	// Unchanged inputs keep returning the same decision.
	now = now.Add(time.Minute)
	v = e.Evaluate(pos, rates("0.0000000015"), best, now)
	if !v.Exit || v.Reason != types.ExitBetterOpportunity {
		t.Fatalf("cycle 4: got (%v, %s), want decision to repeat", v.Exit, v.Reason)
	}
}

func TestEvaluateBetterOpportunityResetsOnMiss(t *testing.T) {
	t.Parallel()
	now := time.Now()
	e := newTestEvaluator(testRebalanceCfg())
	pos := openPosition(now)
	best := betterPair("0.0035")

	for range 2 {
		now = now.Add(time.Minute)
		e.Evaluate(pos, rates("0.0000000015"), best, now)
	}
	if got := e.Confirmations(pos.ID); got != 2 {
		t.Fatalf("got %d confirmations, want 2", got)
	}

	// One cycle without a candidate clears the streak.
	now = now.Add(time.Minute)
	e.Evaluate(pos, rates("0.0000000015"), nil, now)
	if got := e.Confirmations(pos.ID); got != 0 {
		t.Fatalf("after miss: got %d confirmations, want 0", got)
	}

	for range 2 {
		now = now.Add(time.Minute)
		if v := e.Evaluate(pos, rates("0.0000000015"), best, now); v.Exit {
			t.Fatalf("fired with only %d confirmations", e.Confirmations(pos.ID))
		}
	}
}

func TestEvaluateBetterOpportunityNeedsMargin(t *testing.T) {
	t.Parallel()
	now := time.Now()
	e := newTestEvaluator(testRebalanceCfg())
	pos := openPosition(now)

	// Exactly the required 0.0034 edge does not count as an improvement.
	best := betterPair("0.0034")
	for cycle := 1; cycle <= 4; cycle++ {
		now = now.Add(time.Minute)
		if v := e.Evaluate(pos, rates("0.0000000015"), best, now); v.Exit {
			t.Fatalf("cycle %d: fired with %s on a break-even candidate", cycle, v.Reason)
		}
	}
	if got := e.Confirmations(pos.ID); got != 0 {
		t.Fatalf("got %d confirmations, want 0", got)
	}
}

func TestEvaluateBetterOpportunityDisabled(t *testing.T) {
	t.Parallel()
	now := time.Now()
	cfg := testRebalanceCfg()
	cfg.EnableBetterOpportunity = false
	e := newTestEvaluator(cfg)
	pos := openPosition(now)

	best := betterPair("10")
	for cycle := 1; cycle <= 4; cycle++ {
		now = now.Add(time.Minute)
		if v := e.Evaluate(pos, rates("0.0000000015"), best, now); v.Exit {
			t.Fatalf("cycle %d: disabled predicate fired with %s", cycle, v.Reason)
		}
	}
}

func TestEvaluateBetterOpportunityIgnoresOtherSymbols(t *testing.T) {
	t.Parallel()
	now := time.Now()
	e := newTestEvaluator(testRebalanceCfg())
	pos := openPosition(now)

	best := betterPair("10")
	best.Symbol = "ETH"
	now = now.Add(time.Minute)
	if v := e.Evaluate(pos, rates("0.0000000015"), best, now); v.Exit {
		t.Fatalf("fired with %s on a different symbol", v.Reason)
	}
	if got := e.Confirmations(pos.ID); got != 0 {
		t.Fatalf("got %d confirmations, want 0", got)
	}
}

func TestEvaluateBetterOpportunityUnknownVenueHolds(t *testing.T) {
	t.Parallel()
	now := time.Now()
	e := newTestEvaluator(testRebalanceCfg())
	pos := openPosition(now)
	pos.LongVenue = "unknown"

	now = now.Add(time.Minute)
	if v := e.Evaluate(pos, rates("0.0000000015"), betterPair("10"), now); v.Exit {
		t.Fatalf("fired with %s despite unpriceable round trip", v.Reason)
	}
}

func TestHistoryEvictsOldObservations(t *testing.T) {
	t.Parallel()
	t0 := time.Now()
	e := newTestEvaluator(testRebalanceCfg())
	pos := openPosition(t0)

	e.Evaluate(pos, rates("0.0000000015"), nil, t0)
	e.Evaluate(pos, rates("0.0000000016"), nil, t0.Add(30*time.Minute))
	pos.OpenedAt = t0.Add(24 * time.Hour) // keep the age predicate quiet
	e.Evaluate(pos, rates("0.0000000017"), nil, t0.Add(25*time.Hour))

	obs := e.History(pos.ID)
	if len(obs) != 1 {
		t.Fatalf("got %d observations, want 1", len(obs))
	}
	if !obs[0].Divergence.Equal(dec("0.0000000017")) {
		t.Fatalf("kept observation %s, want the newest", obs[0].Divergence)
	}
}

func TestForgetClearsState(t *testing.T) {
	t.Parallel()
	now := time.Now()
	e := newTestEvaluator(testRebalanceCfg())
	pos := openPosition(now)
	best := betterPair("0.0035")

	for range 2 {
		now = now.Add(time.Minute)
		e.Evaluate(pos, rates("0.0000000015"), best, now)
	}
	e.Forget(pos.ID)

	if got := len(e.History(pos.ID)); got != 0 {
		t.Fatalf("got %d observations after forget, want 0", got)
	}
	if got := e.Confirmations(pos.ID); got != 0 {
		t.Fatalf("got %d confirmations after forget, want 0", got)
	}
}
