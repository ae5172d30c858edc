// Package funding owns opportunity discovery: the client for the
// funding-rate aggregation service, the fee schedule, and the analyzer that
// turns raw rates into fee-adjusted, ranked long/short pairs.
package funding

import (
	"fmt"

	"github.com/shopspring/decimal"

	"funding-arb/internal/config"
)

// Liquidity is the fill assumption used when pricing fees.
type Liquidity string

const (
	Maker Liquidity = "maker"
	Taker Liquidity = "taker"
)

type feeSchedule struct {
	maker decimal.Decimal
	taker decimal.Decimal
}

// FeeModel holds the per-venue maker/taker schedule. Immutable after load.
type FeeModel struct {
	venues map[string]feeSchedule
}

func NewFeeModel(venues []config.VenueConfig) *FeeModel {
	m := &FeeModel{venues: make(map[string]feeSchedule, len(venues))}
	for _, v := range venues {
		m.venues[v.Name] = feeSchedule{
			maker: decimal.NewFromFloat(v.MakerFeeRate),
			taker: decimal.NewFromFloat(v.TakerFeeRate),
		}
	}
	return m
}

// Fee returns one venue's rate under the given fill assumption.
func (m *FeeModel) Fee(venue string, liq Liquidity) (decimal.Decimal, error) {
	s, ok := m.venues[venue]
	if !ok {
		return decimal.Zero, fmt.Errorf("fee model: unknown venue %q", venue)
	}
	if liq == Maker {
		return s.maker, nil
	}
	return s.taker, nil
}

// RoundTripCost prices the full position lifecycle, entry and exit on both
// legs:
//
//	cost = size_usd × (fee(a) + fee(b)) × 2
//
// Taker on every fill is the conservative default; callers expecting
// limit-first entries to rest as maker may pass Maker instead.
func (m *FeeModel) RoundTripCost(venueA, venueB string, sizeUSD decimal.Decimal, liq Liquidity) (decimal.Decimal, error) {
	feeA, err := m.Fee(venueA, liq)
	if err != nil {
		return decimal.Zero, err
	}
	feeB, err := m.Fee(venueB, liq)
	if err != nil {
		return decimal.Zero, err
	}
	return sizeUSD.Mul(feeA.Add(feeB)).Mul(decimal.NewFromInt(2)), nil
}
