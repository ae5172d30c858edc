package funding

import (
	"log/slog"
	"os"
	"testing"

	"github.com/shopspring/decimal"

	"funding-arb/internal/config"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testVenues() []config.VenueConfig {
	return []config.VenueConfig{
		{
			Name:                   "lighter",
			FundingIntervalSeconds: 3600,
			MakerFeeRate:           0.0002,
			TakerFeeRate:           0.0005,
		},
		{
			Name:                   "aster",
			FundingIntervalSeconds: 28800,
			MakerFeeRate:           0.0001,
			TakerFeeRate:           0.0004,
		},
	}
}

func TestRoundTripCost(t *testing.T) {
	t.Parallel()
	m := NewFeeModel(testVenues())

	// 10000 × (0.0005 + 0.0004) × 2
	cost, err := m.RoundTripCost("lighter", "aster", dec("10000"), Taker)
	if err != nil {
		t.Fatalf("RoundTripCost: %v", err)
	}
	if !cost.Equal(dec("18")) {
		t.Errorf("taker round trip = %s, want 18", cost)
	}

	cost, err = m.RoundTripCost("lighter", "aster", dec("10000"), Maker)
	if err != nil {
		t.Fatalf("RoundTripCost maker: %v", err)
	}
	if !cost.Equal(dec("6")) {
		t.Errorf("maker round trip = %s, want 6", cost)
	}
}

func TestRoundTripCostUnknownVenue(t *testing.T) {
	t.Parallel()
	m := NewFeeModel(testVenues())

	if _, err := m.RoundTripCost("lighter", "phantom", dec("10000"), Taker); err == nil {
		t.Error("unknown venue should error")
	}
	if _, err := m.RoundTripCost("phantom", "aster", dec("10000"), Taker); err == nil {
		t.Error("unknown venue should error")
	}
}

func TestFee(t *testing.T) {
	t.Parallel()
	m := NewFeeModel(testVenues())

	fee, err := m.Fee("aster", Maker)
	if err != nil {
		t.Fatalf("Fee: %v", err)
	}
	if !fee.Equal(dec("0.0001")) {
		t.Errorf("aster maker fee = %s, want 0.0001", fee)
	}

	if _, err := m.Fee("phantom", Taker); err == nil {
		t.Error("unknown venue should error")
	}
}
