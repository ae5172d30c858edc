// Package executor implements order placement: the tiered single-order
// executor (post-only limits, then market), the adaptive second-leg hedge
// driver, and the two-leg atomic entry with partial-fill rollback.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"funding-arb/internal/config"
	"funding-arb/internal/market"
	"funding-arb/internal/venue"
	"funding-arb/pkg/types"
)

const (
	// postOnlyRereads bounds free BBO refreshes after a post-only reject
	// within one attempt; further rejects consume the attempt.
	postOnlyRereads = 2

	// drainTimeout bounds the cancel+snapshot pair that closes out an
	// attempt. Detached from the caller's context: shutdown must still
	// leave no resting orders behind.
	drainTimeout = 3 * time.Second

	// marketTimeout bounds the status poll after a market placement.
	marketTimeout = 3 * time.Second
)

var hundred = decimal.NewFromInt(100)

// OrderExecutor drives one order to its terminal state. Limit pricing uses
// the live BBO only: the WS cache when fresh, a REST refresh otherwise.
type OrderExecutor struct {
	cache  *market.BookTickerCache
	cfg    config.ExecutionConfig
	logger *slog.Logger
}

func NewOrderExecutor(cache *market.BookTickerCache, cfg config.ExecutionConfig, logger *slog.Logger) *OrderExecutor {
	return &OrderExecutor{
		cache:  cache,
		cfg:    cfg,
		logger: logger.With("component", "executor"),
	}
}

// Execute places spec against the venue and returns what actually happened.
// A partial or zero fill is a normal outcome carried in the report, not an
// error; errors are reserved for context cancellation, permanent venue
// failures, and a book too empty to price against.
//
// Limit attempts price one tick through the far touch for the first
// insideTickRetries attempts, at the touch after that, rounded passive.
// Each attempt gets timeout/maxAttempts; a partial at the sub-timeout is
// cancelled and the remainder carries into the next attempt. In
// LIMIT_WITH_FALLBACK the remainder goes to a market order whose result is
// authoritative.
func (e *OrderExecutor) Execute(ctx context.Context, adapter venue.Adapter, spec types.OrderSpec, insideTickRetries int) (types.ExecutionReport, error) {
	start := time.Now()
	report := types.ExecutionReport{
		Venue:    adapter.Name(),
		Symbol:   spec.Symbol,
		Side:     spec.Side,
		ModeUsed: types.FillNone,
		Status:   types.OrderCanceled,
	}

	tk, err := e.liveBBO(ctx, adapter, spec.Symbol)
	if err != nil {
		report.Elapsed = time.Since(start)
		return report, fmt.Errorf("execute %s/%s: %w", adapter.Name(), spec.Symbol, err)
	}
	refMid := tk.Mid()
	if refMid.IsZero() {
		report.Elapsed = time.Since(start)
		return report, fmt.Errorf("execute %s/%s: empty book", adapter.Name(), spec.Symbol)
	}

	lot := adapter.LotSize(spec.Symbol)
	qty := spec.Qty
	if qty.IsZero() {
		qty = spec.SizeUSD.Div(refMid)
	}
	qty = venue.RoundToLot(qty, lot)
	if !qty.IsPositive() {
		report.Elapsed = time.Since(start)
		return report, fmt.Errorf("execute %s/%s: %s USD is below one lot at mid %s", adapter.Name(), spec.Symbol, spec.SizeUSD, refMid)
	}
	report.RequestedQty = qty

	acc := &fillAccumulator{}
	var phaseErr error
	if spec.Mode != types.MarketOnly {
		phaseErr = e.limitPhase(ctx, adapter, spec, qty, insideTickRetries, acc, &report)
	}

	remainder := qty.Sub(acc.qty)
	wantMarket := spec.Mode == types.MarketOnly ||
		(spec.Mode == types.LimitWithFallback && phaseErr == nil)
	if wantMarket && remainder.GreaterThanOrEqual(lot) && remainder.IsPositive() {
		report.Attempts++
		out := e.marketOrder(ctx, adapter, spec.Symbol, spec.Side, remainder, spec.ReduceOnly)
		acc.add(out.qty, out.avg, out.fees)
		if out.qty.IsPositive() {
			report.ModeUsed = types.FillMarket
		}
		if out.err != nil {
			phaseErr = out.err
		}
	}

	e.finalize(&report, acc, refMid, start)
	e.logger.Debug("execution complete",
		"venue", report.Venue,
		"symbol", report.Symbol,
		"side", report.Side,
		"requested_qty", report.RequestedQty,
		"filled_qty", report.FilledQty,
		"avg_price", report.AvgPrice,
		"mode_used", report.ModeUsed,
		"attempts", report.Attempts,
		"status", report.Status,
	)
	return report, phaseErr
}

// limitPhase runs the post-only attempt loop, accumulating fills into acc.
// Returns only hard errors (context, permanent); running out of attempts or
// time is normal.
func (e *OrderExecutor) limitPhase(ctx context.Context, adapter venue.Adapter, spec types.OrderSpec, totalQty decimal.Decimal, insideTickRetries int, acc *fillAccumulator, report *types.ExecutionReport) error {
	deadline := time.Now().Add(spec.Timeout)
	attemptTimeout := spec.Timeout / time.Duration(e.cfg.MaxAttempts)
	tick := adapter.TickSize(spec.Symbol)
	lot := adapter.LotSize(spec.Symbol)

	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		remainder := totalQty.Sub(acc.qty)
		if !remainder.IsPositive() || remainder.LessThan(lot) {
			return nil
		}
		if !time.Now().Before(deadline) {
			return nil
		}

		clientID := ""
		for reread := 0; reread <= postOnlyRereads; reread++ {
			tk, err := e.liveBBO(ctx, adapter, spec.Symbol)
			if err != nil {
				if isHard(ctx, err) {
					return err
				}
				e.logger.Warn("bbo read failed, consuming attempt", "venue", adapter.Name(), "symbol", spec.Symbol, "error", err)
				break
			}

			price := limitPrice(tk, spec.Side, tick, attempt, insideTickRetries)
			if !spec.Price.IsZero() && attempt == 1 && reread == 0 {
				price = spec.Price
			}
			price = adapter.RoundPrice(spec.Symbol, price, spec.Side)

			id, err := adapter.PlaceLimit(ctx, spec.Symbol, spec.Side, remainder, price, true, spec.ReduceOnly)
			if err == nil {
				clientID = id
				break
			}
			if venue.IsPostOnlyReject(err) {
				// Free refresh: the book moved under us.
				continue
			}
			if isHard(ctx, err) {
				return err
			}
			e.logger.Warn("limit placement failed, consuming attempt", "venue", adapter.Name(), "symbol", spec.Symbol, "error", err)
			break
		}
		if clientID == "" {
			if err := sleepCtx(ctx, e.cfg.PollInterval); err != nil {
				return err
			}
			continue
		}

		report.Attempts++
		attemptDeadline := time.Now().Add(attemptTimeout)
		if attemptDeadline.After(deadline) {
			attemptDeadline = deadline
		}

		out := e.pollOrder(ctx, adapter, clientID, attemptDeadline)
		acc.add(out.qty, out.avg, out.fees)
		if out.qty.IsPositive() {
			if attempt <= insideTickRetries {
				report.ModeUsed = types.FillInside
			} else {
				report.ModeUsed = types.FillTouch
			}
		}
		if out.err != nil {
			return out.err
		}
	}
	return nil
}

// orderOutcome is one placed order's final contribution.
type orderOutcome struct {
	qty  decimal.Decimal
	avg  decimal.Decimal
	fees decimal.Decimal
	err  error
}

// pollOrder watches one order until it goes terminal or the deadline hits,
// cancelling the remainder in the latter case. The returned quantities are
// this order's total fills, post-cancel races included.
func (e *OrderExecutor) pollOrder(ctx context.Context, adapter venue.Adapter, clientID string, deadline time.Time) orderOutcome {
	for {
		if err := sleepCtx(ctx, e.cfg.PollInterval); err != nil {
			out := e.drainOrder(ctx, adapter, clientID)
			out.err = err
			return out
		}

		st, err := adapter.OrderStatus(ctx, clientID)
		if err != nil {
			if venue.IsNotFound(err) {
				e.logger.Warn("order vanished while polling", "client_id", clientID)
				return orderOutcome{}
			}
			if isHard(ctx, err) {
				out := e.drainOrder(ctx, adapter, clientID)
				out.err = err
				return out
			}
			if !time.Now().Before(deadline) {
				return e.drainOrder(ctx, adapter, clientID)
			}
			continue
		}

		if st.Status.IsTerminal() {
			return orderOutcome{qty: st.FilledQty, avg: st.AvgFillPrice, fees: st.FeesPaid}
		}
		if !time.Now().Before(deadline) {
			return e.drainOrder(ctx, adapter, clientID)
		}
	}
}

// drainOrder cancels an order and snapshots its final state. Runs on a
// detached context: fills that land during cancellation must be counted
// even when the caller is shutting down.
func (e *OrderExecutor) drainOrder(ctx context.Context, adapter venue.Adapter, clientID string) orderOutcome {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
	defer cancel()

	if err := adapter.Cancel(dctx, clientID); err != nil {
		e.logger.Warn("cancel failed", "client_id", clientID, "error", err)
	}
	st, err := adapter.OrderStatus(dctx, clientID)
	if err != nil {
		e.logger.Warn("post-cancel snapshot failed", "client_id", clientID, "error", err)
		return orderOutcome{}
	}
	return orderOutcome{qty: st.FilledQty, avg: st.AvgFillPrice, fees: st.FeesPaid}
}

// marketOrder places a market order and waits for its terminal state.
func (e *OrderExecutor) marketOrder(ctx context.Context, adapter venue.Adapter, symbol string, side types.Side, qty decimal.Decimal, reduceOnly bool) orderOutcome {
	id, err := adapter.PlaceMarket(ctx, symbol, side, qty, reduceOnly)
	if err != nil {
		return orderOutcome{err: fmt.Errorf("market %s/%s: %w", adapter.Name(), symbol, err)}
	}
	return e.pollOrder(ctx, adapter, id, time.Now().Add(marketTimeout))
}

// liveBBO returns a fresh top of book: cache when within the staleness
// limit, REST otherwise.
func (e *OrderExecutor) liveBBO(ctx context.Context, adapter venue.Adapter, symbol string) (types.BookTicker, error) {
	tk, stale := e.cache.Get(adapter.Name(), symbol)
	if !stale {
		return tk, nil
	}
	tk, err := adapter.BestBidAsk(ctx, symbol)
	if err != nil {
		return types.BookTicker{}, fmt.Errorf("stale cache, rest refresh: %w", err)
	}
	return tk, nil
}

func (e *OrderExecutor) finalize(report *types.ExecutionReport, acc *fillAccumulator, refMid decimal.Decimal, start time.Time) {
	report.FilledQty = acc.qty
	report.AvgPrice = acc.avg()
	report.FeesUSD = acc.fees
	report.Elapsed = time.Since(start)

	switch {
	case acc.qty.GreaterThanOrEqual(report.RequestedQty) && report.RequestedQty.IsPositive():
		report.Status = types.OrderFilled
	case acc.qty.IsPositive():
		report.Status = types.OrderPartial
	default:
		report.Status = types.OrderCanceled
	}

	// Signed so positive is always adverse: paid above mid buying, received
	// below mid selling.
	if acc.qty.IsPositive() && refMid.IsPositive() {
		slip := report.AvgPrice.Sub(refMid).Div(refMid).Mul(hundred)
		if report.Side == types.SELL {
			slip = slip.Neg()
		}
		report.SlippagePct = slip
	}
}

// fillAccumulator aggregates fills across attempts.
type fillAccumulator struct {
	qty  decimal.Decimal
	cost decimal.Decimal
	fees decimal.Decimal
}

func (a *fillAccumulator) add(qty, avgPrice, fees decimal.Decimal) {
	if qty.IsPositive() {
		a.qty = a.qty.Add(qty)
		a.cost = a.cost.Add(qty.Mul(avgPrice))
	}
	a.fees = a.fees.Add(fees)
}

func (a *fillAccumulator) avg() decimal.Decimal {
	if !a.qty.IsPositive() {
		return decimal.Zero
	}
	return a.cost.Div(a.qty)
}

// limitPrice prices one attempt: one tick through the far touch while
// attempts remain, at the far touch after that.
func limitPrice(tk types.BookTicker, side types.Side, tick decimal.Decimal, attempt, insideTickRetries int) decimal.Decimal {
	if side == types.BUY {
		if attempt <= insideTickRetries {
			return tk.Ask.Sub(tick)
		}
		return tk.Ask
	}
	if attempt <= insideTickRetries {
		return tk.Bid.Add(tick)
	}
	return tk.Bid
}

// isHard reports whether an error must abort the attempt loop rather than
// consume an attempt.
func isHard(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var perm *venue.PermanentError
	return errors.As(err, &perm)
}

// sleepCtx waits d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
