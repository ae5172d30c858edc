// Package venue defines the uniform capability surface over one exchange:
// the Adapter interface every venue client implements, the shared error
// taxonomy, a Guard that enforces rate limits and circuit breaking in front
// of any adapter, a RESTVenue client for the live gateway API, and a
// scriptable PaperVenue for tests and dry-run.
package venue

import (
	"context"

	"github.com/shopspring/decimal"

	"funding-arb/pkg/types"
)

// Adapter is the capability contract for one perpetual-futures venue.
// Implementations must use decimal arithmetic end-to-end and never silently
// truncate prices or quantities. All blocking operations take a context and
// honor its deadline.
type Adapter interface {
	// Name returns the venue identifier, e.g. "lighter".
	Name() string

	// BestBidAsk returns the current top of book. It prefers the live WS
	// cache and MUST return ErrStaleQuote when the cache is stale and a REST
	// refresh fails.
	BestBidAsk(ctx context.Context, symbol string) (types.BookTicker, error)

	// OrderBook returns up to depth levels per side, bids descending and
	// asks ascending. Venues without full WS depth serve this from REST.
	OrderBook(ctx context.Context, symbol string, depth int) (bids, asks []types.BookLevel, err error)

	// PlaceLimit submits a limit order and returns our client ID. Fails with
	// ErrPostOnlyReject when postOnly is set and the price would cross.
	PlaceLimit(ctx context.Context, symbol string, side types.Side, qty, price decimal.Decimal, postOnly, reduceOnly bool) (string, error)

	// PlaceMarket submits a market order and returns our client ID.
	PlaceMarket(ctx context.Context, symbol string, side types.Side, qty decimal.Decimal, reduceOnly bool) (string, error)

	// Cancel cancels by client ID. Idempotent: ErrOrderNotFound is success.
	Cancel(ctx context.Context, clientID string) error

	// OrderStatus returns the current tracked state of an order.
	OrderStatus(ctx context.Context, clientID string) (types.TrackedOrder, error)

	// PositionQty returns the signed net base position for the symbol:
	// positive long, negative short, zero flat. Startup reconciliation treats
	// this as the venue-side source of truth.
	PositionQty(ctx context.Context, symbol string) (decimal.Decimal, error)

	// SetAccountLeverage sets per-symbol account leverage. Venues on pure
	// cross-margin return ErrUnsupported.
	SetAccountLeverage(ctx context.Context, symbol string, leverage int) error

	// MaxLeverage returns the venue's maximum leverage for the symbol.
	MaxLeverage(ctx context.Context, symbol string) (int, error)

	// TickSize returns the price increment for the symbol.
	TickSize(symbol string) decimal.Decimal

	// LotSize returns the quantity increment for the symbol.
	LotSize(symbol string) decimal.Decimal

	// RoundPrice rounds toward the passive side (down for BUY, up for SELL)
	// so post-only limits do not cross.
	RoundPrice(symbol string, price decimal.Decimal, side types.Side) decimal.Decimal

	// FullDepth reports whether the venue's WS stream maintains full book
	// depth. When false, liquidity checks fall back to BBO-only estimates.
	FullDepth() bool
}

// RoundToTick rounds price toward the passive side of the book: floor for
// buys, ceil for sells. A zero tick passes the price through.
func RoundToTick(price, tick decimal.Decimal, side types.Side) decimal.Decimal {
	if tick.IsZero() || price.IsZero() {
		return price
	}
	steps := price.Div(tick)
	if side == types.BUY {
		return steps.Floor().Mul(tick)
	}
	return steps.Ceil().Mul(tick)
}

// RoundToLot floors qty to the venue's lot increment. Never rounds up: an
// oversized order is worse than a slightly undersized one.
func RoundToLot(qty, lot decimal.Decimal) decimal.Decimal {
	if lot.IsZero() || qty.IsZero() {
		return qty
	}
	return qty.Div(lot).Floor().Mul(lot)
}
