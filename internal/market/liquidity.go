// liquidity.go implements the pre-flight depth/slippage/spread gate that
// runs before any atomic entry.
package market

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"funding-arb/internal/config"
	"funding-arb/internal/venue"
	"funding-arb/pkg/types"
)

// bookDepth is how many levels per side we request when walking the book.
const bookDepth = 50

// Recommendation is the verdict of a liquidity check.
type Recommendation string

const (
	// ProceedLimit: the book supports a passive limit entry of this size.
	ProceedLimit Recommendation = "proceed_limit"
	// ProceedMarket: depth is unknown (BBO-only venue) but the spread is
	// tight enough that crossing it is acceptable.
	ProceedMarket Recommendation = "proceed_market"
	// InsufficientDepth: the visible book cannot absorb the order.
	InsufficientDepth Recommendation = "insufficient_depth"
	// WideSpread: the spread alone exceeds the configured ceiling.
	WideSpread Recommendation = "wide_spread"
	// UnacceptableSlippage: filling the full size would move price too far.
	UnacceptableSlippage Recommendation = "unacceptable_slippage"
)

// Report is the result of one liquidity check on one leg.
type Report struct {
	Venue               string
	Symbol              string
	Side                types.Side
	DepthOK             bool
	ExpectedSlippagePct decimal.Decimal // percent, e.g. 0.12 = 0.12%
	SpreadBps           decimal.Decimal
	LiquidityScore      decimal.Decimal // [0,1], blend of depth and spread
	Recommendation      Recommendation
}

// Blocking reports whether this verdict must abort an atomic entry. A wide
// spread alone does not block; it only rules out passive pricing.
func (r Report) Blocking() bool {
	return r.Recommendation == InsufficientDepth || r.Recommendation == UnacceptableSlippage
}

// Analyzer scores whether a (venue, symbol, side, size) order is safe to
// place. Venues with full depth get a walked-book slippage estimate; venues
// with top-of-book only get a conservative spread-based estimate.
type Analyzer struct {
	maxSlippagePct decimal.Decimal
	maxSpreadBps   decimal.Decimal
	minScore       decimal.Decimal
	logger         *slog.Logger
}

// Score weights. Depth adequacy dominates: a tight spread on a thin book is
// still a thin book.
var (
	depthWeight  = decimal.NewFromFloat(0.6)
	spreadWeight = decimal.NewFromFloat(0.4)
)

func NewAnalyzer(cfg config.LiquidityConfig, logger *slog.Logger) *Analyzer {
	return &Analyzer{
		maxSlippagePct: decimal.NewFromFloat(cfg.MaxSlippagePct),
		maxSpreadBps:   decimal.NewFromFloat(cfg.MaxSpreadBps),
		minScore:       decimal.NewFromFloat(cfg.MinLiquidityScore),
		logger:         logger.With("component", "liquidity"),
	}
}

// Check evaluates one leg. BUY consumes the ask side, SELL the bid side.
func (a *Analyzer) Check(ctx context.Context, adapter venue.Adapter, symbol string, side types.Side, sizeUSD decimal.Decimal) (Report, error) {
	if !sizeUSD.IsPositive() {
		return Report{}, fmt.Errorf("liquidity check %s/%s: size must be positive, got %s", adapter.Name(), symbol, sizeUSD)
	}

	tk, err := adapter.BestBidAsk(ctx, symbol)
	if err != nil {
		return Report{}, fmt.Errorf("liquidity check %s/%s: %w", adapter.Name(), symbol, err)
	}
	mid := tk.Mid()
	if mid.IsZero() {
		return Report{}, fmt.Errorf("liquidity check %s/%s: empty book", adapter.Name(), symbol)
	}
	spreadBps := tk.SpreadBps()

	rep := Report{
		Venue:     adapter.Name(),
		Symbol:    symbol,
		Side:      side,
		SpreadBps: spreadBps,
	}

	if !adapter.FullDepth() {
		a.checkBBOOnly(&rep, tk, sizeUSD)
	} else {
		bids, asks, err := adapter.OrderBook(ctx, symbol, bookDepth)
		if err != nil {
			return Report{}, fmt.Errorf("liquidity check %s/%s: %w", adapter.Name(), symbol, err)
		}
		levels := asks
		if side == types.SELL {
			levels = bids
		}
		a.checkWalked(&rep, levels, mid, sizeUSD)
	}

	a.logger.Debug("liquidity check",
		"venue", rep.Venue,
		"symbol", rep.Symbol,
		"side", rep.Side,
		"size_usd", sizeUSD,
		"depth_ok", rep.DepthOK,
		"slippage_pct", rep.ExpectedSlippagePct,
		"spread_bps", rep.SpreadBps,
		"score", rep.LiquidityScore,
		"recommendation", rep.Recommendation,
	)
	return rep, nil
}

// checkWalked consumes sizeUSD notional level by level from the touch and
// measures the volume-weighted fill price against mid.
func (a *Analyzer) checkWalked(rep *Report, levels []types.BookLevel, mid, sizeUSD decimal.Decimal) {
	remaining := sizeUSD
	sideNotional := decimal.Zero
	totalQty := decimal.Zero
	totalCost := decimal.Zero

	for _, lvl := range levels {
		if !lvl.Price.IsPositive() || !lvl.Qty.IsPositive() {
			continue
		}
		notional := lvl.Price.Mul(lvl.Qty)
		sideNotional = sideNotional.Add(notional)
		if remaining.IsPositive() {
			take := decimal.Min(remaining, notional)
			totalQty = totalQty.Add(take.Div(lvl.Price))
			totalCost = totalCost.Add(take)
			remaining = remaining.Sub(take)
		}
	}

	rep.DepthOK = !remaining.IsPositive()
	if totalQty.IsPositive() {
		vwap := totalCost.Div(totalQty)
		rep.ExpectedSlippagePct = vwap.Sub(mid).Div(mid).Abs().Mul(decimal.NewFromInt(100))
	}
	rep.LiquidityScore = a.score(sideNotional, sizeUSD, rep.SpreadBps)

	switch {
	case !rep.DepthOK:
		rep.Recommendation = InsufficientDepth
	case rep.ExpectedSlippagePct.GreaterThan(a.maxSlippagePct):
		rep.Recommendation = UnacceptableSlippage
	case rep.SpreadBps.GreaterThan(a.maxSpreadBps):
		rep.Recommendation = WideSpread
	case rep.LiquidityScore.LessThan(a.minScore):
		rep.Recommendation = a.weakerComponent(sideNotional, sizeUSD, rep.SpreadBps)
	default:
		rep.Recommendation = ProceedLimit
	}
}

// checkBBOOnly is the conservative path for venues without full depth. The
// touch sizes understate resting liquidity, so depth never blocks here; the
// only hard gate is the spread, and the slippage estimate is the half-spread
// cost of crossing it.
func (a *Analyzer) checkBBOOnly(rep *Report, tk types.BookTicker, sizeUSD decimal.Decimal) {
	touch := tk.Ask.Mul(tk.AskSize)
	if rep.Side == types.SELL {
		touch = tk.Bid.Mul(tk.BidSize)
	}
	rep.DepthOK = touch.GreaterThanOrEqual(sizeUSD)
	rep.ExpectedSlippagePct = rep.SpreadBps.Div(decimal.NewFromInt(200)) // half spread, bps → pct
	rep.LiquidityScore = a.score(touch, sizeUSD, rep.SpreadBps)

	if rep.SpreadBps.GreaterThan(a.maxSpreadBps) {
		rep.Recommendation = WideSpread
		return
	}
	rep.Recommendation = ProceedMarket
}

// components computes the two score inputs: depth adequacy (notional vs 2x
// the order) and spread tightness (linear falloff toward the ceiling).
func (a *Analyzer) components(sideNotional, sizeUSD, spreadBps decimal.Decimal) (depthScore, spreadScore decimal.Decimal) {
	depthScore = decimal.Min(decimal.NewFromInt(1), sideNotional.Div(sizeUSD.Mul(decimal.NewFromInt(2))))
	spreadScore = decimal.Zero
	if a.maxSpreadBps.IsPositive() {
		spreadScore = decimal.Max(decimal.Zero, decimal.NewFromInt(1).Sub(spreadBps.Div(a.maxSpreadBps)))
	}
	return depthScore, spreadScore
}

func (a *Analyzer) score(sideNotional, sizeUSD, spreadBps decimal.Decimal) decimal.Decimal {
	depthScore, spreadScore := a.components(sideNotional, sizeUSD, spreadBps)
	return depthWeight.Mul(depthScore).Add(spreadWeight.Mul(spreadScore))
}

// weakerComponent names the gate that dragged a passing-but-low score down.
func (a *Analyzer) weakerComponent(sideNotional, sizeUSD, spreadBps decimal.Decimal) Recommendation {
	depthScore, spreadScore := a.components(sideNotional, sizeUSD, spreadBps)
	if depthScore.LessThan(spreadScore) {
		return InsufficientDepth
	}
	return WideSpread
}
