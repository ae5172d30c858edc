// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot — venue order state,
// funding rates and opportunities, book tickers, positions, and the result
// types produced by the execution layer. It has no dependencies on internal
// packages, so it can be imported by any layer. All prices, quantities, and
// USD amounts are decimal.Decimal end-to-end; float64 never touches money.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Opposite returns the other side. Used when building the hedge leg and
// rollback orders.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// OrderStatus is the lifecycle state of a tracked venue order.
type OrderStatus string

const (
	OrderNew      OrderStatus = "NEW"      // created locally, not yet acknowledged
	OrderPlaced   OrderStatus = "PLACED"   // resting on the venue book
	OrderPartial  OrderStatus = "PARTIAL"  // partially filled, remainder live
	OrderFilled   OrderStatus = "FILLED"   // fully filled (terminal)
	OrderCanceled OrderStatus = "CANCELED" // canceled by us or the venue (terminal)
	OrderRejected OrderStatus = "REJECTED" // rejected by the venue (terminal)
	OrderUnknown  OrderStatus = "UNKNOWN"  // status query failed; state indeterminate
)

// IsTerminal reports whether the status can no longer transition.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderRejected:
		return true
	default:
		return false
	}
}

// PositionStatus is the lifecycle state of a delta-neutral pair.
type PositionStatus string

const (
	PosOpening PositionStatus = "OPENING" // atomic entry in flight
	PosOpen    PositionStatus = "OPEN"    // both legs filled, accruing funding
	PosClosing PositionStatus = "CLOSING" // exit triggered, closing legs in flight
	PosClosed  PositionStatus = "CLOSED"  // both legs flat (terminal)
	PosFailed  PositionStatus = "FAILED"  // rollback incident or abandoned residual (terminal)
)

// ExitReason records why a position was moved toward CLOSING.
type ExitReason string

const (
	ExitFundingFlip       ExitReason = "FUNDING_FLIP"       // divergence crossed zero
	ExitProfitErosion     ExitReason = "PROFIT_EROSION"     // divergence decayed below threshold
	ExitTimeLimit         ExitReason = "TIME_LIMIT"         // position exceeded max age
	ExitBetterOpportunity ExitReason = "BETTER_OPPORTUNITY" // capital recycled into a better pair
	ExitAbandoned         ExitReason = "ABANDONED"          // OPENING residual force-closed at restart
	ExitRollback          ExitReason = "ROLLBACK"           // atomic entry rolled back
)

// OperationMode selects the hedge retry profile: opening a new pair is given
// more patience than closing an existing one.
type OperationMode string

const (
	OpOpening OperationMode = "OPENING"
	OpClosing OperationMode = "CLOSING"
)

// ExecMode is the requested execution strategy for a single order.
type ExecMode string

const (
	LimitOnly         ExecMode = "LIMIT_ONLY"          // limit attempts only; may return unfilled
	LimitWithFallback ExecMode = "LIMIT_WITH_FALLBACK" // limit attempts, then market for the remainder
	MarketOnly        ExecMode = "MARKET_ONLY"         // immediate market order
)

// FillMode records how a fill was actually achieved, independent of the
// requested ExecMode.
type FillMode string

const (
	FillInside FillMode = "INSIDE" // post-only limit one tick inside the spread
	FillTouch  FillMode = "TOUCH"  // limit at the opposite-side best price
	FillMarket FillMode = "MARKET" // market order
	FillNone   FillMode = "NONE"   // nothing filled
)

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// BookTicker is a top-of-book snapshot for one (venue, symbol). Fed by the
// venue WS streams into the BookTickerCache; Seq must advance for the entry
// to be considered live.
type BookTicker struct {
	Venue   string
	Symbol  string
	Bid     decimal.Decimal
	Ask     decimal.Decimal
	BidSize decimal.Decimal
	AskSize decimal.Decimal
	Seq     int64     // venue sequence or local update counter
	Ts      time.Time // when the tick was received
}

// IsStale reports whether the ticker is older than limit at the given time.
// Sequence-advance staleness is tracked by the cache, which knows the
// previously observed Seq.
func (b BookTicker) IsStale(limit time.Duration, now time.Time) bool {
	return now.Sub(b.Ts) > limit
}

// Mid returns the arithmetic midpoint of bid and ask.
func (b BookTicker) Mid() decimal.Decimal {
	return b.Bid.Add(b.Ask).Div(decimal.NewFromInt(2))
}

// Spread returns ask − bid.
func (b BookTicker) Spread() decimal.Decimal {
	return b.Ask.Sub(b.Bid)
}

// SpreadBps returns the spread in basis points of the mid. Returns zero when
// the mid is zero (empty book).
func (b BookTicker) SpreadBps() decimal.Decimal {
	mid := b.Mid()
	if mid.IsZero() {
		return decimal.Zero
	}
	return b.Spread().Div(mid).Mul(decimal.NewFromInt(10000))
}

// BookLevel is a single bid or ask level in a venue order book.
type BookLevel struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
}

// FundingRate is one venue's raw funding rate for a symbol. Rate is
// per-interval as published by the venue; IntervalSeconds is the venue's
// funding period (3600 for 1h venues, 28800 for 8h venues).
type FundingRate struct {
	Venue           string
	Symbol          string
	Rate            decimal.Decimal
	IntervalSeconds int64
	NextPaymentAt   time.Time
}

// PerSecond normalizes the raw rate to a per-second basis. A rate with an
// unknown interval normalizes to zero; the analyzer excludes such venues
// before comparison.
func (f FundingRate) PerSecond() decimal.Decimal {
	if f.IntervalSeconds <= 0 {
		return decimal.Zero
	}
	return f.Rate.Div(decimal.NewFromInt(f.IntervalSeconds))
}

// Opportunity is a ranked funding-divergence pair, either computed locally by
// the FundingAnalyzer or received from the aggregation service (whose JSON
// uses the long_dex/short_dex field names). Rates are per-second; the
// orientation invariant is Divergence = ShortRate − LongRate > 0.
type Opportunity struct {
	Symbol     string          `json:"symbol"`
	LongVenue  string          `json:"long_dex"`
	ShortVenue string          `json:"short_dex"`
	LongRate   decimal.Decimal `json:"long_rate"`  // per-second, paid by the long side
	ShortRate  decimal.Decimal `json:"short_rate"` // per-second, received by the short side
	Divergence decimal.Decimal `json:"divergence"` // ShortRate − LongRate
	NetAPY     decimal.Decimal `json:"net_profit_apy"`
	LongOIUSD  decimal.Decimal `json:"long_oi_usd"`
	ShortOIUSD decimal.Decimal `json:"short_oi_usd"`
	Volume24h  decimal.Decimal `json:"volume_24h_usd"` // min of the two venues' 24h notional
	Timestamp  time.Time       `json:"timestamp"`
}

// RateComparison is the aggregation service's two-venue divergence response.
type RateComparison struct {
	Divergence decimal.Decimal `json:"divergence"`
	LongRate   decimal.Decimal `json:"long_rate"`
	ShortRate  decimal.Decimal `json:"short_rate"`
}

// ————————————————————————————————————————————————————————————————————————
// Orders and execution results
// ————————————————————————————————————————————————————————————————————————

// OrderSpec is one leg's request as handed to the execution layer.
type OrderSpec struct {
	Venue      string
	Symbol     string
	Side       Side
	SizeUSD    decimal.Decimal
	Mode       ExecMode
	Timeout    time.Duration
	ReduceOnly bool

	// Price pins the first limit attempt (aligned entry pricing). Zero means
	// derive every attempt's price from the live BBO.
	Price decimal.Decimal

	// Qty pins the base quantity directly. Zero means convert SizeUSD at the
	// reference mid. Paired legs share one quantity so that lot rounding is
	// the only source of leg imbalance.
	Qty decimal.Decimal
}

// TrackedOrder is the canonical view of one venue order. Owned by the
// executor that placed it; handed to the orchestrator after atomic success.
type TrackedOrder struct {
	Venue        string
	Symbol       string
	ClientID     string // our UUID, assigned at placement
	VenueID      string // venue-assigned ID, empty until acknowledged
	Side         Side
	RequestedQty decimal.Decimal
	FilledQty    decimal.Decimal
	AvgFillPrice decimal.Decimal
	FeesPaid     decimal.Decimal
	Status       OrderStatus
	PlacedAt     time.Time
	UpdatedAt    time.Time
}

// RemainingQty returns the unfilled quantity, never negative.
func (o TrackedOrder) RemainingQty() decimal.Decimal {
	rem := o.RequestedQty.Sub(o.FilledQty)
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}

// ExecutionReport is the outcome of a single-order execution run. FilledQty
// accumulates across limit attempts and any market fallback.
type ExecutionReport struct {
	Venue        string
	Symbol       string
	Side         Side
	RequestedQty decimal.Decimal
	FilledQty    decimal.Decimal
	AvgPrice     decimal.Decimal // size-weighted across all fills
	FeesUSD      decimal.Decimal
	SlippagePct  decimal.Decimal // signed vs. reference mid at start
	ModeUsed     FillMode        // how the final fill was achieved
	Attempts     int
	Elapsed      time.Duration
	Status       OrderStatus // terminal status of the last attempt
}

// Filled reports whether the full requested quantity was filled.
func (r ExecutionReport) Filled() bool {
	return r.FilledQty.GreaterThanOrEqual(r.RequestedQty) && r.RequestedQty.IsPositive()
}

// RemainingQty returns the unfilled quantity, never negative.
func (r ExecutionReport) RemainingQty() decimal.Decimal {
	rem := r.RequestedQty.Sub(r.FilledQty)
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}

// HedgeResult is the outcome of driving a second leg to completion.
type HedgeResult struct {
	Report        ExecutionReport
	BreakEvenUsed bool // the break-even price attempt produced a fill
	Aborted       bool // orchestrator abort; Report carries accumulated state
}

// RejectReason classifies an atomic entry that created no position.
type RejectReason string

const (
	PreflightRejected RejectReason = "PREFLIGHT_REJECTED" // liquidity/slippage gate failed
	EntryRejected     RejectReason = "ENTRY_REJECTED"     // both legs unfilled; clean cancel
)

// AtomicResult is the single authoritative event for position creation.
// AllFilled=true means both legs filled at the reported prices and a Position
// may be built from it; anything else means no position exists, with
// Rejection or the rollback fields explaining why.
type AtomicResult struct {
	AllFilled    bool
	LongLeg      ExecutionReport
	ShortLeg     ExecutionReport
	Leverage     int             // effective leverage applied (min across venues)
	TotalFeesUSD decimal.Decimal // entry fees across both legs

	Rejection    RejectReason // set when no order reached the book or preflight failed
	RejectDetail string       // specific failed check, for logs

	RollbackPerformed bool
	RollbackCostUSD   decimal.Decimal
	Incident          *RollbackIncident // non-nil when rollback itself failed
	Elapsed           time.Duration
}

// RollbackIncident records a failed compensating rollback: net directional
// exposure remains on a venue and operator action is required.
type RollbackIncident struct {
	ID          string          `json:"id"`
	Venue       string          `json:"venue"`
	Symbol      string          `json:"symbol"`
	Side        Side            `json:"side"`         // side of the residual exposure
	ResidualQty decimal.Decimal `json:"residual_qty"` // base quantity left un-hedged
	Attempts    int             `json:"attempts"`
	LastError   string          `json:"last_error"`
	OccurredAt  time.Time       `json:"occurred_at"`
}

// ————————————————————————————————————————————————————————————————————————
// Positions
// ————————————————————————————————————————————————————————————————————————

// secondsPerYear annualizes per-second funding rates: 365 × 86400.
var secondsPerYear = decimal.NewFromInt(365 * 86400)

// SecondsPerYear returns the annualization factor shared by profitability
// and APY computations.
func SecondsPerYear() decimal.Decimal { return secondsPerYear }

// Position is the core entity: a delta-neutral long/short pair across two
// venues. Created only from an AtomicResult with AllFilled=true; exclusively
// owned by the orchestrator, persisted through the PositionStore.
type Position struct {
	ID         string `json:"id"` // UUID
	Symbol     string `json:"symbol"`
	LongVenue  string `json:"long_venue"`
	ShortVenue string `json:"short_venue"`

	SizeUSD         decimal.Decimal `json:"size_usd"`
	Qty             decimal.Decimal `json:"qty"` // base quantity per leg (legs equal within lot size)
	Leverage        int             `json:"leverage"`
	EntryLongPrice  decimal.Decimal `json:"entry_long_price"`
	EntryShortPrice decimal.Decimal `json:"entry_short_price"`
	EntryLongRate   decimal.Decimal `json:"entry_long_rate"`  // per-second at entry
	EntryShortRate  decimal.Decimal `json:"entry_short_rate"` // per-second at entry
	EntryDivergence decimal.Decimal `json:"entry_divergence"`

	CurrentDivergence    decimal.Decimal `json:"current_divergence"`
	CumulativeFundingUSD decimal.Decimal `json:"cumulative_funding_usd"`
	TotalFeesUSD         decimal.Decimal `json:"total_fees_usd"`
	RealizedPnlUSD       decimal.Decimal `json:"realized_pnl_usd"`

	Status     PositionStatus `json:"status"`
	ExitReason ExitReason     `json:"exit_reason,omitempty"`

	OpenedAt    time.Time  `json:"opened_at"`
	LastCheckAt *time.Time `json:"last_check_at,omitempty"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// Age returns the time elapsed since the position was opened.
func (p *Position) Age(now time.Time) time.Duration {
	return now.Sub(p.OpenedAt)
}

// NetExposure is the USD gap between the two entry notionals. For a healthy
// pair this is the small entry-price basis, never a directional bet.
func (p *Position) NetExposure() decimal.Decimal {
	return p.EntryLongPrice.Sub(p.EntryShortPrice).Mul(p.Qty).Abs()
}

// ApplyFunding accrues an observed funding payment. Accrual is only legal
// while the position is live and amounts must be non-negative, keeping
// CumulativeFundingUSD monotone.
func (p *Position) ApplyFunding(amountUSD decimal.Decimal) error {
	if p.Status != PosOpen && p.Status != PosClosing {
		return fmt.Errorf("apply funding: position %s is %s", p.ID, p.Status)
	}
	if amountUSD.IsNegative() {
		return fmt.Errorf("apply funding: negative amount %s for position %s", amountUSD, p.ID)
	}
	p.CumulativeFundingUSD = p.CumulativeFundingUSD.Add(amountUSD)
	return nil
}

// ApplyFees accrues trading fees. Same monotonicity rules as ApplyFunding.
func (p *Position) ApplyFees(feeUSD decimal.Decimal) error {
	if p.Status != PosOpen && p.Status != PosClosing {
		return fmt.Errorf("apply fees: position %s is %s", p.ID, p.Status)
	}
	if feeUSD.IsNegative() {
		return fmt.Errorf("apply fees: negative fee %s for position %s", feeUSD, p.ID)
	}
	p.TotalFeesUSD = p.TotalFeesUSD.Add(feeUSD)
	return nil
}

// RealizedAPY annualizes net funding received (funding minus fees) over the
// position's age relative to its notional. Zero before any time has passed.
func (p *Position) RealizedAPY(now time.Time) decimal.Decimal {
	ageSec := decimal.NewFromInt(int64(p.Age(now).Seconds()))
	if ageSec.IsZero() || p.SizeUSD.IsZero() {
		return decimal.Zero
	}
	net := p.CumulativeFundingUSD.Sub(p.TotalFeesUSD)
	return net.Div(p.SizeUSD).Div(ageSec).Mul(secondsPerYear)
}

// FundingPayment is one observed funding transfer, append-only and
// de-duplicated by (venue, symbol, paid_at).
type FundingPayment struct {
	ID         string          `json:"id"` // UUID
	PositionID string          `json:"position_id"`
	Venue      string          `json:"venue"`
	Symbol     string          `json:"symbol"`
	AmountUSD  decimal.Decimal `json:"amount_usd"`
	PaidAt     time.Time       `json:"paid_at"`
}
