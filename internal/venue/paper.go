package venue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"funding-arb/pkg/types"
)

// FillScript controls how PaperVenue fills orders for one (symbol, side).
// The zero value never fills: set FillRatio explicitly. Scripts can be
// swapped mid-test to model regime changes between attempts.
type FillScript struct {
	FillRatio       decimal.Decimal // 1 = full fill, 0.4 = 40% partial, 0 = rest forever
	FillAfterPolls  int             // OrderStatus calls before the fill materializes
	PostOnlyRejects int             // consecutive post-only rejects before placements stick
	RejectLimits    bool            // venue rejects limit placements outright
	RejectMarkets   bool            // venue rejects market placements outright
}

// paperOrder is the venue-side record behind a TrackedOrder.
type paperOrder struct {
	types.TrackedOrder
	price      decimal.Decimal
	postOnly   bool
	reduceOnly bool
	market     bool
	pollsLeft  int
	filledOnce bool
}

// PaperVenue is a fully scriptable in-memory Adapter used by tests and
// dry-run operation. Limit orders rest until the scripted number of status
// polls passes, then fill at their limit price with maker fees; market
// orders fill immediately at the opposite BBO with taker fees. Post-only
// placements that would cross the scripted book are rejected like a real
// venue would.
type PaperVenue struct {
	name   string
	logger *slog.Logger

	mu        sync.Mutex
	tickers   map[string]types.BookTicker
	tickerErr error
	depth     map[string][2][]types.BookLevel // [bids, asks]
	orders    map[string]*paperOrder
	scripts   map[string]*FillScript     // keyed symbol|side
	poLeft    map[string]int             // remaining scripted post-only rejects
	positions map[string]decimal.Decimal // signed net base qty per symbol

	tick map[string]decimal.Decimal
	lot  map[string]decimal.Decimal

	supportsLeverage bool
	fullDepth        bool
	maxLev           map[string]int
	appliedLev       map[string]int

	makerFee decimal.Decimal
	takerFee decimal.Decimal

	seq           int64
	placedLimits  int
	placedMarkets int
}

// NewPaperVenue returns a venue with permissive defaults: leverage settable,
// full depth, zero fees, tick 0.01, lot 0.001, max leverage 20.
func NewPaperVenue(name string, logger *slog.Logger) *PaperVenue {
	return &PaperVenue{
		name:             name,
		logger:           logger.With("component", "paper-venue", "venue", name),
		tickers:          make(map[string]types.BookTicker),
		depth:            make(map[string][2][]types.BookLevel),
		orders:           make(map[string]*paperOrder),
		scripts:          make(map[string]*FillScript),
		poLeft:           make(map[string]int),
		positions:        make(map[string]decimal.Decimal),
		tick:             make(map[string]decimal.Decimal),
		lot:              make(map[string]decimal.Decimal),
		maxLev:           make(map[string]int),
		appliedLev:       make(map[string]int),
		supportsLeverage: true,
		fullDepth:        true,
	}
}

func scriptKey(symbol string, side types.Side) string {
	return symbol + "|" + string(side)
}

// ———————————————————————————— scripting ————————————————————————————

// SetTicker installs a fresh top-of-book snapshot.
func (v *PaperVenue) SetTicker(symbol string, bid, ask, bidSize, askSize decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.seq++
	v.tickers[symbol] = types.BookTicker{
		Venue:   v.name,
		Symbol:  symbol,
		Bid:     bid,
		Ask:     ask,
		BidSize: bidSize,
		AskSize: askSize,
		Seq:     v.seq,
		Ts:      time.Now(),
	}
}

// SetTickerError forces BestBidAsk to fail until cleared with nil.
func (v *PaperVenue) SetTickerError(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tickerErr = err
}

// SetDepth installs a full book for OrderBook reads.
func (v *PaperVenue) SetDepth(symbol string, bids, asks []types.BookLevel) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.depth[symbol] = [2][]types.BookLevel{bids, asks}
}

// SetSymbol sets tick and lot sizes for a symbol.
func (v *PaperVenue) SetSymbol(symbol string, tick, lot decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tick[symbol] = tick
	v.lot[symbol] = lot
}

// SetMaxLeverage sets the symbol's leverage cap.
func (v *PaperVenue) SetMaxLeverage(symbol string, lev int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.maxLev[symbol] = lev
}

// SetSupportsLeverage toggles whether SetAccountLeverage works.
func (v *PaperVenue) SetSupportsLeverage(ok bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.supportsLeverage = ok
}

// SetFullDepth toggles the venue's depth capability.
func (v *PaperVenue) SetFullDepth(ok bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.fullDepth = ok
}

// SetFees sets maker and taker fee rates.
func (v *PaperVenue) SetFees(maker, taker decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.makerFee = maker
	v.takerFee = taker
}

// SetPosition seeds a net base position as if prior fills had built it.
func (v *PaperVenue) SetPosition(symbol string, qty decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.positions[symbol] = qty
}

// Script installs fill behavior for a (symbol, side).
func (v *PaperVenue) Script(symbol string, side types.Side, s FillScript) {
	v.mu.Lock()
	defer v.mu.Unlock()
	key := scriptKey(symbol, side)
	v.scripts[key] = &s
	v.poLeft[key] = s.PostOnlyRejects
}

// Order returns a snapshot of one order for assertions.
func (v *PaperVenue) Order(clientID string) (types.TrackedOrder, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	o, ok := v.orders[clientID]
	if !ok {
		return types.TrackedOrder{}, false
	}
	return o.TrackedOrder, true
}

// WasReduceOnly reports whether the order was placed reduce-only.
func (v *PaperVenue) WasReduceOnly(clientID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	o, ok := v.orders[clientID]
	return ok && o.reduceOnly
}

// AppliedLeverage returns the last leverage set for the symbol.
func (v *PaperVenue) AppliedLeverage(symbol string) (int, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	lev, ok := v.appliedLev[symbol]
	return lev, ok
}

// PlacedLimits returns how many limit orders were accepted.
func (v *PaperVenue) PlacedLimits() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.placedLimits
}

// PlacedMarkets returns how many market orders were accepted.
func (v *PaperVenue) PlacedMarkets() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.placedMarkets
}

// ReduceOnlyPlacements returns how many accepted orders were reduce-only.
func (v *PaperVenue) ReduceOnlyPlacements() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	n := 0
	for _, o := range v.orders {
		if o.reduceOnly {
			n++
		}
	}
	return n
}

// ———————————————————————————— Adapter ————————————————————————————

// Name returns the venue identifier.
func (v *PaperVenue) Name() string { return v.name }

// FullDepth reports the scripted depth capability.
func (v *PaperVenue) FullDepth() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.fullDepth
}

// BestBidAsk returns the scripted ticker.
func (v *PaperVenue) BestBidAsk(_ context.Context, symbol string) (types.BookTicker, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.tickerErr != nil {
		return types.BookTicker{}, v.tickerErr
	}
	tk, ok := v.tickers[symbol]
	if !ok {
		return types.BookTicker{}, fmt.Errorf("%s: no ticker for %s", v.name, symbol)
	}
	return tk, nil
}

// OrderBook returns scripted depth, or synthesizes five levels per side off
// the current BBO when none was scripted.
func (v *PaperVenue) OrderBook(_ context.Context, symbol string, depth int) ([]types.BookLevel, []types.BookLevel, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if d, ok := v.depth[symbol]; ok {
		bids, asks := d[0], d[1]
		if depth > 0 && depth < len(bids) {
			bids = bids[:depth]
		}
		if depth > 0 && depth < len(asks) {
			asks = asks[:depth]
		}
		return bids, asks, nil
	}

	tk, ok := v.tickers[symbol]
	if !ok {
		return nil, nil, fmt.Errorf("%s: no book for %s", v.name, symbol)
	}
	tick := v.tickLocked(symbol)
	levels := 5
	if depth > 0 && depth < levels {
		levels = depth
	}
	var bids, asks []types.BookLevel
	for i := 0; i < levels; i++ {
		off := tick.Mul(decimal.NewFromInt(int64(i)))
		bids = append(bids, types.BookLevel{Price: tk.Bid.Sub(off), Qty: tk.BidSize})
		asks = append(asks, types.BookLevel{Price: tk.Ask.Add(off), Qty: tk.AskSize})
	}
	return bids, asks, nil
}

// PlaceLimit accepts or rejects a limit order per script and book state.
func (v *PaperVenue) PlaceLimit(_ context.Context, symbol string, side types.Side, qty, price decimal.Decimal, postOnly, reduceOnly bool) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	key := scriptKey(symbol, side)
	script := v.scripts[key]

	if script != nil && script.RejectLimits {
		return "", fmt.Errorf("%s: limit order rejected", v.name)
	}

	// Scripted reject streak first, then the real crossing check.
	if postOnly {
		if v.poLeft[key] > 0 {
			v.poLeft[key]--
			return "", fmt.Errorf("%s: %w", v.name, ErrPostOnlyReject)
		}
		if tk, ok := v.tickers[symbol]; ok {
			crosses := (side == types.BUY && price.GreaterThanOrEqual(tk.Ask)) ||
				(side == types.SELL && price.LessThanOrEqual(tk.Bid))
			if crosses {
				return "", fmt.Errorf("%s: %w", v.name, ErrPostOnlyReject)
			}
		}
	}

	now := time.Now()
	o := &paperOrder{
		TrackedOrder: types.TrackedOrder{
			Venue:        v.name,
			Symbol:       symbol,
			ClientID:     uuid.NewString(),
			VenueID:      fmt.Sprintf("P-%d", len(v.orders)+1),
			Side:         side,
			RequestedQty: qty,
			Status:       types.OrderPlaced,
			PlacedAt:     now,
			UpdatedAt:    now,
		},
		price:      price,
		postOnly:   postOnly,
		reduceOnly: reduceOnly,
	}
	if script != nil {
		o.pollsLeft = script.FillAfterPolls
	}
	v.orders[o.ClientID] = o
	v.placedLimits++
	v.logger.Debug("limit placed", "symbol", symbol, "side", side, "qty", qty, "price", price)
	return o.ClientID, nil
}

// PlaceMarket fills immediately at the opposite BBO with taker fees.
func (v *PaperVenue) PlaceMarket(_ context.Context, symbol string, side types.Side, qty decimal.Decimal, reduceOnly bool) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	key := scriptKey(symbol, side)
	if script := v.scripts[key]; script != nil && script.RejectMarkets {
		return "", fmt.Errorf("%s: market order rejected", v.name)
	}

	tk, ok := v.tickers[symbol]
	if !ok {
		return "", fmt.Errorf("%s: no ticker for %s", v.name, symbol)
	}
	price := tk.Ask
	if side == types.SELL {
		price = tk.Bid
	}

	now := time.Now()
	o := &paperOrder{
		TrackedOrder: types.TrackedOrder{
			Venue:        v.name,
			Symbol:       symbol,
			ClientID:     uuid.NewString(),
			VenueID:      fmt.Sprintf("P-%d", len(v.orders)+1),
			Side:         side,
			RequestedQty: qty,
			FilledQty:    qty,
			AvgFillPrice: price,
			FeesPaid:     qty.Mul(price).Mul(v.takerFee),
			Status:       types.OrderFilled,
			PlacedAt:     now,
			UpdatedAt:    now,
		},
		price:      price,
		reduceOnly: reduceOnly,
		market:     true,
	}
	v.orders[o.ClientID] = o
	v.placedMarkets++
	v.applyFillLocked(symbol, side, qty)
	v.logger.Debug("market filled", "symbol", symbol, "side", side, "qty", qty, "price", price)
	return o.ClientID, nil
}

// Cancel cancels a resting order. Unknown and terminal orders are no-ops.
func (v *PaperVenue) Cancel(_ context.Context, clientID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	o, ok := v.orders[clientID]
	if !ok {
		return nil
	}
	if o.Status.IsTerminal() {
		return nil
	}
	o.Status = types.OrderCanceled
	o.UpdatedAt = time.Now()
	return nil
}

// OrderStatus advances the scripted fill clock and returns current state.
func (v *PaperVenue) OrderStatus(_ context.Context, clientID string) (types.TrackedOrder, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	o, ok := v.orders[clientID]
	if !ok {
		return types.TrackedOrder{}, fmt.Errorf("%s: %w: %s", v.name, ErrOrderNotFound, clientID)
	}
	if o.Status.IsTerminal() || o.market || o.filledOnce {
		return o.TrackedOrder, nil
	}

	if o.pollsLeft > 0 {
		o.pollsLeft--
		return o.TrackedOrder, nil
	}

	// Fill clock expired: apply the scripted ratio. No script means a full
	// fill; a present script with zero ratio rests forever.
	script := v.scripts[scriptKey(o.Symbol, o.Side)]
	ratio := decimal.NewFromInt(1)
	if script != nil {
		ratio = script.FillRatio
	}
	if ratio.IsZero() {
		return o.TrackedOrder, nil
	}
	if ratio.GreaterThan(decimal.NewFromInt(1)) {
		ratio = decimal.NewFromInt(1)
	}

	fillQty := o.RequestedQty.Mul(ratio)
	if lot := v.lotLocked(o.Symbol); !lot.IsZero() {
		fillQty = RoundToLot(fillQty, lot)
	}
	o.FilledQty = fillQty
	o.AvgFillPrice = o.price
	o.FeesPaid = fillQty.Mul(o.price).Mul(v.makerFee)
	o.UpdatedAt = time.Now()
	o.filledOnce = true
	v.applyFillLocked(o.Symbol, o.Side, fillQty)
	if fillQty.GreaterThanOrEqual(o.RequestedQty) {
		o.Status = types.OrderFilled
	} else {
		o.Status = types.OrderPartial
	}
	return o.TrackedOrder, nil
}

// PositionQty returns the net base position built up from fills. Bookkeeping
// is passive: reduce-only is recorded on orders but not enforced, so tests
// that script fills on a flat venue simply see the signed sum.
func (v *PaperVenue) PositionQty(_ context.Context, symbol string) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.positions[symbol], nil
}

func (v *PaperVenue) applyFillLocked(symbol string, side types.Side, qty decimal.Decimal) {
	if side == types.SELL {
		qty = qty.Neg()
	}
	v.positions[symbol] = v.positions[symbol].Add(qty)
}

// SetAccountLeverage records the leverage, or refuses on cross-margin venues.
func (v *PaperVenue) SetAccountLeverage(_ context.Context, symbol string, leverage int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.supportsLeverage {
		return fmt.Errorf("%s: %w: account leverage", v.name, ErrUnsupported)
	}
	if max := v.maxLevLocked(symbol); leverage > max {
		return fmt.Errorf("%s: leverage %d exceeds max %d", v.name, leverage, max)
	}
	v.appliedLev[symbol] = leverage
	return nil
}

// MaxLeverage returns the scripted leverage cap, default 20.
func (v *PaperVenue) MaxLeverage(_ context.Context, symbol string) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.maxLevLocked(symbol), nil
}

// TickSize returns the scripted tick, default 0.01.
func (v *PaperVenue) TickSize(symbol string) decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.tickLocked(symbol)
}

// LotSize returns the scripted lot, default 0.001.
func (v *PaperVenue) LotSize(symbol string) decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lotLocked(symbol)
}

// RoundPrice rounds toward the passive side using the symbol's tick.
func (v *PaperVenue) RoundPrice(symbol string, price decimal.Decimal, side types.Side) decimal.Decimal {
	return RoundToTick(price, v.TickSize(symbol), side)
}

func (v *PaperVenue) tickLocked(symbol string) decimal.Decimal {
	if t, ok := v.tick[symbol]; ok {
		return t
	}
	return decimal.NewFromFloat(0.01)
}

func (v *PaperVenue) lotLocked(symbol string) decimal.Decimal {
	if l, ok := v.lot[symbol]; ok {
		return l
	}
	return decimal.NewFromFloat(0.001)
}

func (v *PaperVenue) maxLevLocked(symbol string) int {
	if m, ok := v.maxLev[symbol]; ok {
		return m
	}
	return 20
}
