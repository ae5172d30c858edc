package funding

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"

	"funding-arb/internal/config"
	"funding-arb/pkg/types"
)

// ErrNoViablePair means no venue pair survives normalization and fees for a
// symbol. Expected during flat-rate regimes; callers skip, not retry.
var ErrNoViablePair = errors.New("no viable venue pair")

// Analyzer converts per-interval funding rates into comparable per-second
// terms and prices pairs net of round-trip fees. Pure computation apart from
// exclusion warnings.
type Analyzer struct {
	fees      *FeeModel
	intervals map[string]int64 // venue → funding interval seconds
	logger    *slog.Logger
}

func NewAnalyzer(venues []config.VenueConfig, fees *FeeModel, logger *slog.Logger) *Analyzer {
	intervals := make(map[string]int64, len(venues))
	for _, v := range venues {
		intervals[v.Name] = v.FundingIntervalSeconds
	}
	return &Analyzer{
		fees:      fees,
		intervals: intervals,
		logger:    logger.With("component", "analyzer"),
	}
}

// Normalize converts a venue's per-interval rate to per-second. Venues with
// an unknown interval cannot be compared and return an error.
func (a *Analyzer) Normalize(venue string, rate decimal.Decimal) (decimal.Decimal, error) {
	interval, ok := a.intervals[venue]
	if !ok || interval <= 0 {
		return decimal.Zero, fmt.Errorf("normalize: unknown funding interval for venue %q", venue)
	}
	return rate.Div(decimal.NewFromInt(interval)), nil
}

// NetProfitability is the annualized USD profit of holding the divergence
// between two venues at the given size, net of the taker round trip:
//
//	|Δrate_per_second| × seconds_per_year × size_usd − round_trip_cost
func (a *Analyzer) NetProfitability(venueA, venueB string, rateA, rateB, sizeUSD decimal.Decimal) (decimal.Decimal, error) {
	perSecA, err := a.Normalize(venueA, rateA)
	if err != nil {
		return decimal.Zero, err
	}
	perSecB, err := a.Normalize(venueB, rateB)
	if err != nil {
		return decimal.Zero, err
	}
	gross := perSecA.Sub(perSecB).Abs().Mul(types.SecondsPerYear()).Mul(sizeUSD)
	cost, err := a.fees.RoundTripCost(venueA, venueB, sizeUSD, Taker)
	if err != nil {
		return decimal.Zero, err
	}
	return gross.Sub(cost), nil
}

// Pair is one oriented venue assignment for a symbol.
type Pair struct {
	Symbol     string
	LongVenue  string
	ShortVenue string
	NetAPY     decimal.Decimal // fraction per year net of fees, 0.15 = 15%
}

// BestPair orients the trade: the venue with the higher per-second rate is
// shorted (it pays us funding), the lower is longed. Venues with unknown
// intervals are excluded with a warning. Wraps ErrNoViablePair when fewer
// than two venues remain or the net yield is not positive.
func (a *Analyzer) BestPair(symbol string, rates map[string]decimal.Decimal, sizeUSD decimal.Decimal) (Pair, error) {
	if !sizeUSD.IsPositive() {
		return Pair{}, fmt.Errorf("best pair %s: size must be positive, got %s", symbol, sizeUSD)
	}

	type normalized struct {
		venue  string
		perSec decimal.Decimal
	}
	var norm []normalized
	for venue, rate := range rates {
		perSec, err := a.Normalize(venue, rate)
		if err != nil {
			a.logger.Warn("excluding venue from pairing", "venue", venue, "symbol", symbol, "error", err)
			continue
		}
		norm = append(norm, normalized{venue: venue, perSec: perSec})
	}
	if len(norm) < 2 {
		return Pair{}, fmt.Errorf("best pair %s: %d usable venues: %w", symbol, len(norm), ErrNoViablePair)
	}

	// Highest rate first; name order breaks exact ties so the result does
	// not depend on map iteration.
	sort.Slice(norm, func(i, j int) bool {
		if !norm[i].perSec.Equal(norm[j].perSec) {
			return norm[i].perSec.GreaterThan(norm[j].perSec)
		}
		return norm[i].venue < norm[j].venue
	})
	short, long := norm[0], norm[len(norm)-1]

	gross := short.perSec.Sub(long.perSec).Mul(types.SecondsPerYear()).Mul(sizeUSD)
	cost, err := a.fees.RoundTripCost(short.venue, long.venue, sizeUSD, Taker)
	if err != nil {
		return Pair{}, fmt.Errorf("best pair %s: %w", symbol, err)
	}
	net := gross.Sub(cost)
	if !net.IsPositive() {
		return Pair{}, fmt.Errorf("best pair %s: net yield %s USD/yr: %w", symbol, net, ErrNoViablePair)
	}

	return Pair{
		Symbol:     symbol,
		LongVenue:  long.venue,
		ShortVenue: short.venue,
		NetAPY:     net.Div(sizeUSD),
	}, nil
}

// Rank orders opportunities by net APY descending, then 24h volume
// descending, then symbol. Entries with non-positive APY are dropped.
func (a *Analyzer) Rank(opps []types.Opportunity) []types.Opportunity {
	ranked := make([]types.Opportunity, 0, len(opps))
	for _, o := range opps {
		if !o.NetAPY.IsPositive() {
			continue
		}
		ranked = append(ranked, o)
	}
	sort.Slice(ranked, func(i, j int) bool {
		oi, oj := ranked[i], ranked[j]
		if !oi.NetAPY.Equal(oj.NetAPY) {
			return oi.NetAPY.GreaterThan(oj.NetAPY)
		}
		if !oi.Volume24h.Equal(oj.Volume24h) {
			return oi.Volume24h.GreaterThan(oj.Volume24h)
		}
		return oi.Symbol < oj.Symbol
	})
	return ranked
}
