package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"funding-arb/internal/config"
	"funding-arb/internal/venue"
	"funding-arb/pkg/types"
)

// HedgeRequest sizes the second leg to exactly match an already-filled first
// leg. TargetQty is a contract quantity, not USD: re-deriving from notional
// would break delta neutrality.
type HedgeRequest struct {
	Symbol           string
	Side             types.Side
	TargetQty        decimal.Decimal
	TriggerFillPrice decimal.Decimal // first leg's average fill
	Mode             types.OperationMode
}

// HedgeManager drives the second leg of a pair to completion: one uncounted
// break-even attempt at the first leg's own price, then adaptive limit
// attempts against the live book, then a market order for whatever is left.
// Closing hedges place every order reduce-only.
type HedgeManager struct {
	exec   *OrderExecutor
	cfg    config.HedgeConfig
	logger *slog.Logger
}

func NewHedgeManager(exec *OrderExecutor, cfg config.HedgeConfig, logger *slog.Logger) *HedgeManager {
	return &HedgeManager{
		exec:   exec,
		cfg:    cfg,
		logger: logger.With("component", "hedge"),
	}
}

func (h *HedgeManager) profile(mode types.OperationMode) config.HedgeProfile {
	if mode == types.OpClosing {
		return h.cfg.Closing
	}
	return h.cfg.Opening
}

// Hedge fills req.TargetQty on the venue. On context cancellation the live
// attempt is drained and the accumulated state returned with Aborted set;
// an aborted hedge never falls back to market. A remainder smaller than one
// lot is complete.
func (h *HedgeManager) Hedge(ctx context.Context, adapter venue.Adapter, req HedgeRequest) (types.HedgeResult, error) {
	start := time.Now()
	prof := h.profile(req.Mode)
	reduceOnly := req.Mode == types.OpClosing

	result := types.HedgeResult{
		Report: types.ExecutionReport{
			Venue:        adapter.Name(),
			Symbol:       req.Symbol,
			Side:         req.Side,
			RequestedQty: req.TargetQty,
			ModeUsed:     types.FillNone,
			Status:       types.OrderCanceled,
		},
	}
	if !req.TargetQty.IsPositive() {
		return result, fmt.Errorf("hedge %s/%s: target quantity must be positive", adapter.Name(), req.Symbol)
	}

	tick := adapter.TickSize(req.Symbol)
	lot := adapter.LotSize(req.Symbol)
	deadline := time.Now().Add(prof.TotalTimeout)
	attemptTimeout := prof.TotalTimeout / time.Duration(prof.MaxRetries)

	acc := &fillAccumulator{}
	var refMid decimal.Decimal
	var hardErr error

	// Break-even attempt. Uncounted against the retry budget: posting at
	// the first leg's own price costs nothing when it works and is skipped
	// outright when the book has moved away.
	tk, err := h.exec.liveBBO(ctx, adapter, req.Symbol)
	switch {
	case err != nil && isHard(ctx, err):
		hardErr = err
	case err != nil:
		h.logger.Warn("bbo read failed, skipping break-even attempt", "venue", adapter.Name(), "symbol", req.Symbol, "error", err)
	default:
		refMid = tk.Mid()
		price := adapter.RoundPrice(req.Symbol, req.TriggerFillPrice, req.Side)
		if breakEvenFeasible(tk, req.Side, price, prof.MaxDeviationPct) {
			id, perr := adapter.PlaceLimit(ctx, req.Symbol, req.Side, req.TargetQty, price, true, reduceOnly)
			switch {
			case perr == nil:
				result.Report.Attempts++
				attemptDeadline := minTime(time.Now().Add(attemptTimeout), deadline)
				out := h.exec.pollOrder(ctx, adapter, id, attemptDeadline)
				acc.add(out.qty, out.avg, out.fees)
				if out.qty.IsPositive() {
					result.BreakEvenUsed = true
					result.Report.ModeUsed = types.FillInside
				}
				hardErr = out.err
			case venue.IsPostOnlyReject(perr):
				// Book crossed the trigger; straight to adaptive pricing.
			case isHard(ctx, perr):
				hardErr = perr
			default:
				h.logger.Warn("break-even placement failed", "venue", adapter.Name(), "symbol", req.Symbol, "error", perr)
			}
		}
	}

	// Adaptive attempts against the live book.
	for attempt := 1; attempt <= prof.MaxRetries && hardErr == nil; attempt++ {
		remainder := req.TargetQty.Sub(acc.qty)
		if remainder.LessThan(lot) {
			break
		}
		if !time.Now().Before(deadline) {
			break
		}
		if attempt > 1 {
			if err := sleepCtx(ctx, prof.RetryBackoff); err != nil {
				hardErr = err
				break
			}
		}

		clientID := ""
		for reread := 0; reread <= postOnlyRereads; reread++ {
			tk, err := h.exec.liveBBO(ctx, adapter, req.Symbol)
			if err != nil {
				if isHard(ctx, err) {
					hardErr = err
				} else {
					h.logger.Warn("bbo read failed, consuming attempt", "venue", adapter.Name(), "symbol", req.Symbol, "error", err)
				}
				break
			}
			if refMid.IsZero() {
				refMid = tk.Mid()
			}

			price := adapter.RoundPrice(req.Symbol, limitPrice(tk, req.Side, tick, attempt, prof.InsideTickRetries), req.Side)
			id, perr := adapter.PlaceLimit(ctx, req.Symbol, req.Side, remainder, price, true, reduceOnly)
			if perr == nil {
				clientID = id
				break
			}
			if venue.IsPostOnlyReject(perr) {
				continue
			}
			if isHard(ctx, perr) {
				hardErr = perr
			} else {
				h.logger.Warn("hedge placement failed, consuming attempt", "venue", adapter.Name(), "symbol", req.Symbol, "error", perr)
			}
			break
		}
		if hardErr != nil {
			break
		}
		if clientID == "" {
			continue
		}

		result.Report.Attempts++
		attemptDeadline := minTime(time.Now().Add(attemptTimeout), deadline)
		out := h.exec.pollOrder(ctx, adapter, clientID, attemptDeadline)
		acc.add(out.qty, out.avg, out.fees)
		if out.qty.IsPositive() {
			if attempt <= prof.InsideTickRetries {
				result.Report.ModeUsed = types.FillInside
			} else {
				result.Report.ModeUsed = types.FillTouch
			}
		}
		hardErr = out.err
	}

	// Market fallback on natural exhaustion only. An abort must not buy
	// exposure the orchestrator no longer wants.
	remainder := req.TargetQty.Sub(acc.qty)
	if hardErr == nil && ctx.Err() == nil && remainder.GreaterThanOrEqual(lot) {
		result.Report.Attempts++
		out := h.exec.marketOrder(ctx, adapter, req.Symbol, req.Side, remainder, reduceOnly)
		acc.add(out.qty, out.avg, out.fees)
		if out.qty.IsPositive() {
			result.Report.ModeUsed = types.FillMarket
		}
		hardErr = out.err
	}

	if ctx.Err() != nil {
		result.Aborted = true
	}
	h.exec.finalize(&result.Report, acc, refMid, start)
	h.logger.Info("hedge complete",
		"venue", result.Report.Venue,
		"symbol", result.Report.Symbol,
		"side", result.Report.Side,
		"target_qty", req.TargetQty,
		"filled_qty", result.Report.FilledQty,
		"break_even_used", result.BreakEvenUsed,
		"mode_used", result.Report.ModeUsed,
		"aborted", result.Aborted,
	)
	return result, hardErr
}

// breakEvenFeasible reports whether posting at price is both maker-safe and
// close enough to the current mid to be worth an attempt.
func breakEvenFeasible(tk types.BookTicker, side types.Side, price decimal.Decimal, maxDeviationPct float64) bool {
	if !price.IsPositive() {
		return false
	}
	switch side {
	case types.BUY:
		if price.LessThan(tk.Bid) || price.GreaterThanOrEqual(tk.Ask) {
			return false
		}
	case types.SELL:
		if price.LessThanOrEqual(tk.Bid) || price.GreaterThan(tk.Ask) {
			return false
		}
	}
	dev := tk.Mid().Sub(price).Abs().Div(price).Mul(hundred)
	return dev.LessThan(decimal.NewFromFloat(maxDeviationPct))
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
