package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"funding-arb/internal/config"
	"funding-arb/internal/market"
	"funding-arb/internal/venue"
	"funding-arb/pkg/types"
)

// AtomicExecutor places a delta-neutral pair across two venues and
// guarantees that either both legs fill or no net exposure remains. A leg
// that fills alone is completed through the HedgeManager; when that fails,
// every fill is unwound with reduce-only market orders. Rollback is not
// cancelable: it completes or escalates to a RollbackIncident.
type AtomicExecutor struct {
	venues    map[string]venue.Adapter
	exec      *OrderExecutor
	hedge     *HedgeManager
	liquidity *market.Analyzer
	cache     *market.BookTickerCache
	cfg       config.ExecutionConfig
	logger    *slog.Logger
}

func NewAtomicExecutor(venues map[string]venue.Adapter, exec *OrderExecutor, hedge *HedgeManager, liquidity *market.Analyzer, cache *market.BookTickerCache, cfg config.ExecutionConfig, logger *slog.Logger) *AtomicExecutor {
	return &AtomicExecutor{
		venues:    venues,
		exec:      exec,
		hedge:     hedge,
		liquidity: liquidity,
		cache:     cache,
		cfg:       cfg,
		logger:    logger.With("component", "atomic"),
	}
}

// Execute runs the two-leg entry. The first leg is reported as LongLeg, the
// second as ShortLeg; both legs reduce-only selects the closing hedge
// profile. The returned AtomicResult is the single authoritative event for
// position creation: callers may build a Position only from AllFilled=true.
func (a *AtomicExecutor) Execute(ctx context.Context, long, short types.OrderSpec) (res types.AtomicResult, err error) {
	start := time.Now()
	defer func() { res.Elapsed = time.Since(start) }()

	if err := validateLegs(long, short); err != nil {
		return res, err
	}
	adLong, err := a.adapterFor(long.Venue)
	if err != nil {
		return res, err
	}
	adShort, err := a.adapterFor(short.Venue)
	if err != nil {
		return res, err
	}

	mode := types.OpOpening
	if long.ReduceOnly && short.ReduceOnly {
		mode = types.OpClosing
	}
	prof := a.hedge.profile(mode)

	if mode == types.OpOpening {
		lev, err := a.normalizeLeverage(ctx, adLong, adShort, long.Symbol)
		if err != nil {
			return res, err
		}
		res.Leverage = lev
	}

	a.warmBooks(ctx, long, short)
	a.align(ctx, adLong, adShort, &long, &short)

	// The liquidity gate protects entries only. A closing pair must always
	// be attempted; a thin book makes the exit slower, not optional.
	if mode == types.OpOpening {
		if rejected, detail, err := a.preflight(ctx, adLong, adShort, long, short); err != nil {
			return res, err
		} else if rejected {
			res.Rejection = types.PreflightRejected
			res.RejectDetail = detail
			a.logger.Warn("atomic entry rejected at preflight", "symbol", long.Symbol, "detail", detail)
			return res, nil
		}
	}

	// Both legs go out together on a short limit-only budget. Market
	// fallback is withheld here: chasing both books simultaneously belongs
	// to the hedge and rollback stages, where one side is already known.
	t1 := time.Duration(float64(a.cfg.AtomicTimeout) * a.cfg.FirstLegFraction)
	specLong, specShort := long, short
	specLong.Mode, specLong.Timeout = phaseMode(long.Mode), t1
	specShort.Mode, specShort.Timeout = phaseMode(short.Mode), t1

	var (
		repLong, repShort types.ExecutionReport
		errLong, errShort error
		wg                sync.WaitGroup
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		repLong, errLong = a.exec.Execute(ctx, adLong, specLong, prof.InsideTickRetries)
	}()
	go func() {
		defer wg.Done()
		repShort, errShort = a.exec.Execute(ctx, adShort, specShort, prof.InsideTickRetries)
	}()
	wg.Wait()

	hard := errors.Join(errLong, errShort)
	res.LongLeg, res.ShortLeg = repLong, repShort
	res.TotalFeesUSD = repLong.FeesUSD.Add(repShort.FeesUSD)

	clean := hard == nil && ctx.Err() == nil
	if clean && repLong.Filled() && repShort.Filled() {
		res.AllFilled = true
		a.logger.Info("atomic entry filled",
			"symbol", long.Symbol,
			"long_venue", long.Venue, "long_avg", repLong.AvgPrice,
			"short_venue", short.Venue, "short_avg", repShort.AvgPrice,
			"fees_usd", res.TotalFeesUSD,
		)
		return res, nil
	}

	if repLong.FilledQty.IsZero() && repShort.FilledQty.IsZero() {
		if clean {
			res.Rejection = types.EntryRejected
			res.RejectDetail = fmt.Sprintf("no fills on either leg within %s", t1)
			a.logger.Warn("atomic entry rejected", "symbol", long.Symbol, "detail", res.RejectDetail)
		}
		return res, hard
	}

	if clean {
		anchor, lag := orient(adLong, &repLong, adShort, &repShort)
		ratio := anchor.rep.FilledQty.Div(anchor.rep.RequestedQty)
		if ratio.GreaterThanOrEqual(decimal.NewFromFloat(prof.ThresholdToHedge)) {
			if a.completeLaggingLeg(ctx, anchor, lag, mode) {
				res.LongLeg, res.ShortLeg = repLong, repShort
				res.TotalFeesUSD = repLong.FeesUSD.Add(repShort.FeesUSD)
				res.AllFilled = true
				a.logger.Info("atomic entry completed via hedge",
					"symbol", long.Symbol,
					"anchor_venue", anchor.rep.Venue,
					"hedge_venue", lag.rep.Venue,
					"fees_usd", res.TotalFeesUSD,
				)
				return res, nil
			}
			res.LongLeg, res.ShortLeg = repLong, repShort
			res.TotalFeesUSD = repLong.FeesUSD.Add(repShort.FeesUSD)
		}
	}

	a.rollback(ctx, adLong, adShort, &res)
	return res, hard
}

func (a *AtomicExecutor) adapterFor(name string) (venue.Adapter, error) {
	ad, ok := a.venues[name]
	if !ok {
		return nil, fmt.Errorf("unknown venue %q", name)
	}
	return ad, nil
}

// phaseMode strips market fallback from the parallel placement phase.
func phaseMode(m types.ExecMode) types.ExecMode {
	if m == types.MarketOnly {
		return types.MarketOnly
	}
	return types.LimitOnly
}

func validateLegs(long, short types.OrderSpec) error {
	switch {
	case long.Symbol == "" || long.Symbol != short.Symbol:
		return fmt.Errorf("atomic legs must share a symbol, got %q and %q", long.Symbol, short.Symbol)
	case long.Venue == short.Venue:
		return fmt.Errorf("atomic legs must be on different venues, both %q", long.Venue)
	case long.Side == short.Side:
		return fmt.Errorf("atomic legs must be opposite sides, both %s", long.Side)
	case !long.SizeUSD.IsPositive():
		return fmt.Errorf("atomic notional must be positive, got %s", long.SizeUSD)
	case !long.SizeUSD.Equal(short.SizeUSD):
		return fmt.Errorf("atomic legs must match notional, got %s and %s", long.SizeUSD, short.SizeUSD)
	}
	return nil
}

// normalizeLeverage applies the lowest common max leverage to both venues.
// Venues that cannot report or set leverage are tolerated.
func (a *AtomicExecutor) normalizeLeverage(ctx context.Context, adLong, adShort venue.Adapter, symbol string) (int, error) {
	lev := 0
	for _, ad := range []venue.Adapter{adLong, adShort} {
		m, err := ad.MaxLeverage(ctx, symbol)
		if err != nil {
			if venue.IsUnsupported(err) {
				continue
			}
			return 0, fmt.Errorf("max leverage %s/%s: %w", ad.Name(), symbol, err)
		}
		if lev == 0 || m < lev {
			lev = m
		}
	}
	if lev == 0 {
		return 1, nil
	}
	for _, ad := range []venue.Adapter{adLong, adShort} {
		if err := ad.SetAccountLeverage(ctx, symbol, lev); err != nil {
			if venue.IsUnsupported(err) {
				a.logger.Debug("leverage not settable", "venue", ad.Name(), "symbol", symbol)
				continue
			}
			return 0, fmt.Errorf("set leverage %s/%s: %w", ad.Name(), symbol, err)
		}
	}
	return lev, nil
}

func (a *AtomicExecutor) warmBooks(ctx context.Context, long, short types.OrderSpec) {
	var g errgroup.Group
	for _, leg := range []types.OrderSpec{long, short} {
		g.Go(func() error {
			return a.cache.WaitWarm(ctx, leg.Venue, leg.Symbol, a.cfg.Warmup)
		})
	}
	if err := g.Wait(); err != nil {
		a.logger.Warn("book warmup incomplete, using rest quotes", "error", err)
	}
}

// align pins one shared base quantity on both legs and, when the venues
// agree on price, sets break-even-aligned entry prices around the lower
// mid. Any alignment abort leaves Price zero so each leg prices from its
// own book.
func (a *AtomicExecutor) align(ctx context.Context, adLong, adShort venue.Adapter, long, short *types.OrderSpec) {
	tkLong, errLong := a.exec.liveBBO(ctx, adLong, long.Symbol)
	tkShort, errShort := a.exec.liveBBO(ctx, adShort, short.Symbol)
	if errLong != nil || errShort != nil {
		a.logger.Warn("alignment skipped: book unavailable", "symbol", long.Symbol,
			"long_err", errLong, "short_err", errShort)
		return
	}
	midLong, midShort := tkLong.Mid(), tkShort.Mid()
	if !midLong.IsPositive() || !midShort.IsPositive() {
		return
	}
	m := decimal.Min(midLong, midShort)

	// A pinned quantity is the caller's truth (closing an exact position);
	// only derive from notional when unset.
	if long.Qty.IsZero() {
		long.Qty = long.SizeUSD.Div(m)
	}
	short.Qty = long.Qty

	gap := midLong.Sub(midShort).Abs()
	spreadPct := gap.Div(m).Mul(hundred)
	if spreadPct.GreaterThan(decimal.NewFromFloat(a.cfg.MaxAlignmentSpreadPct)) {
		a.logger.Warn("alignment aborted: inter-venue spread too wide",
			"symbol", long.Symbol, "spread_pct", spreadPct)
		return
	}

	offsetRaw := decimal.NewFromFloat(a.cfg.AlignmentOffsetFrac).Mul(gap)
	maxTicks := decimal.NewFromInt(int64(a.cfg.MaxOffsetTicks))
	aligned := func(ad venue.Adapter, leg *types.OrderSpec) decimal.Decimal {
		offset := decimal.Min(offsetRaw, ad.TickSize(leg.Symbol).Mul(maxTicks))
		if leg.Side == types.BUY {
			return ad.RoundPrice(leg.Symbol, m.Sub(offset), leg.Side)
		}
		return ad.RoundPrice(leg.Symbol, m.Add(offset), leg.Side)
	}
	pLong := aligned(adLong, long)
	pShort := aligned(adShort, short)

	if crosses(tkLong, long.Side, pLong) || crosses(tkShort, short.Side, pShort) {
		a.logger.Warn("alignment aborted: aligned price would cross",
			"symbol", long.Symbol, "long_price", pLong, "short_price", pShort)
		return
	}
	long.Price, short.Price = pLong, pShort
	a.logger.Debug("aligned entry prices",
		"symbol", long.Symbol, "reference_mid", m,
		"long_price", pLong, "short_price", pShort)
}

func crosses(tk types.BookTicker, side types.Side, price decimal.Decimal) bool {
	if side == types.BUY {
		return price.GreaterThanOrEqual(tk.Ask)
	}
	return price.LessThanOrEqual(tk.Bid)
}

// preflight runs the liquidity gate on both legs. Only insufficient depth
// and unacceptable slippage block; a wide spread or weak score proceeds.
func (a *AtomicExecutor) preflight(ctx context.Context, adLong, adShort venue.Adapter, long, short types.OrderSpec) (bool, string, error) {
	type legCheck struct {
		ad  venue.Adapter
		leg types.OrderSpec
	}
	checks := []legCheck{{adLong, long}, {adShort, short}}
	reports := make([]market.Report, len(checks))

	var g errgroup.Group
	for i, c := range checks {
		g.Go(func() error {
			rep, err := a.liquidity.Check(ctx, c.ad, c.leg.Symbol, c.leg.Side, c.leg.SizeUSD)
			if err != nil {
				return fmt.Errorf("liquidity preflight %s/%s: %w", c.ad.Name(), c.leg.Symbol, err)
			}
			reports[i] = rep
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return false, "", err
	}
	for _, rep := range reports {
		if rep.Blocking() {
			return true, fmt.Sprintf("%s %s %s: %s", rep.Venue, rep.Symbol, rep.Side, rep.Recommendation), nil
		}
	}
	return false, "", nil
}

// legState pairs a leg's report with the adapter that owns it. rep is
// updated in place as the hedge completes the leg.
type legState struct {
	adapter venue.Adapter
	rep     *types.ExecutionReport
}

// orient returns the better-filled leg first.
func orient(adLong venue.Adapter, repLong *types.ExecutionReport, adShort venue.Adapter, repShort *types.ExecutionReport) (anchor, lag legState) {
	stLong := legState{adLong, repLong}
	stShort := legState{adShort, repShort}
	rl := repLong.FilledQty.Div(repLong.RequestedQty)
	rs := repShort.FilledQty.Div(repShort.RequestedQty)
	if rl.GreaterThanOrEqual(rs) {
		return stLong, stShort
	}
	return stShort, stLong
}

// completeLaggingLeg drives the lagging leg up to the anchor's filled
// quantity. Reports true when the legs end matched within one lot.
func (a *AtomicExecutor) completeLaggingLeg(ctx context.Context, anchor, lag legState, mode types.OperationMode) bool {
	lot := lag.adapter.LotSize(lag.rep.Symbol)
	target := anchor.rep.FilledQty.Sub(lag.rep.FilledQty)
	if target.LessThan(lot) {
		return true
	}

	hres, herr := a.hedge.Hedge(ctx, lag.adapter, HedgeRequest{
		Symbol:           lag.rep.Symbol,
		Side:             lag.rep.Side,
		TargetQty:        target,
		TriggerFillPrice: anchor.rep.AvgPrice,
		Mode:             mode,
	})
	*lag.rep = mergeReports(*lag.rep, hres.Report)
	if herr != nil || hres.Aborted {
		return false
	}
	shortfall := anchor.rep.FilledQty.Sub(lag.rep.FilledQty)
	return shortfall.LessThan(lot)
}

// mergeReports folds a completion run into the leg's original report.
func mergeReports(leg, extra types.ExecutionReport) types.ExecutionReport {
	acc := &fillAccumulator{}
	acc.add(leg.FilledQty, leg.AvgPrice, leg.FeesUSD)
	acc.add(extra.FilledQty, extra.AvgPrice, extra.FeesUSD)
	leg.FilledQty = acc.qty
	leg.AvgPrice = acc.avg()
	leg.FeesUSD = acc.fees
	leg.Attempts += extra.Attempts
	if extra.FilledQty.IsPositive() {
		leg.ModeUsed = extra.ModeUsed
	}
	switch {
	case leg.Filled():
		leg.Status = types.OrderFilled
	case leg.FilledQty.IsPositive():
		leg.Status = types.OrderPartial
	}
	return leg
}

// rollback unwinds every fill with reduce-only market orders on a detached
// context. Each leg gets bounded retries; a residual past them becomes a
// RollbackIncident carried in the result.
func (a *AtomicExecutor) rollback(ctx context.Context, adLong, adShort venue.Adapter, res *types.AtomicResult) {
	legs := []legState{{adLong, &res.LongLeg}, {adShort, &res.ShortLeg}}
	for _, leg := range legs {
		if !leg.rep.FilledQty.IsPositive() {
			continue
		}
		res.RollbackPerformed = true
		cost, incident := a.rollbackLeg(ctx, leg.adapter, *leg.rep)
		res.RollbackCostUSD = res.RollbackCostUSD.Add(cost)
		if incident != nil {
			if res.Incident == nil {
				res.Incident = incident
			} else {
				a.logger.Error("second rollback incident in one atomic entry",
					"incident_id", incident.ID, "venue", incident.Venue, "residual_qty", incident.ResidualQty)
			}
		}
	}
	if res.RollbackPerformed {
		a.logger.Warn("atomic entry rolled back",
			"symbol", res.LongLeg.Symbol,
			"rollback_cost_usd", res.RollbackCostUSD,
			"incident", res.Incident != nil,
		)
	}
}

func (a *AtomicExecutor) rollbackLeg(ctx context.Context, adapter venue.Adapter, rep types.ExecutionReport) (decimal.Decimal, *types.RollbackIncident) {
	rctx := context.WithoutCancel(ctx)
	lot := adapter.LotSize(rep.Symbol)
	exitSide := rep.Side.Opposite()
	retries := a.cfg.RollbackRetries
	if retries < 3 {
		retries = 3
	}

	residual := rep.FilledQty
	exit := &fillAccumulator{}
	var lastErr error
	attempts := 0
	for attempts < retries && residual.GreaterThanOrEqual(lot) {
		attempts++
		out := a.exec.marketOrder(rctx, adapter, rep.Symbol, exitSide, residual, true)
		exit.add(out.qty, out.avg, out.fees)
		residual = residual.Sub(out.qty)
		if out.err != nil {
			lastErr = out.err
		} else if residual.GreaterThanOrEqual(lot) {
			lastErr = fmt.Errorf("rollback market order left %s unfilled", residual)
		}
		if residual.GreaterThanOrEqual(lot) {
			_ = sleepCtx(rctx, a.cfg.PollInterval)
		}
	}

	// Signed price loss on the unwound quantity, positive when the exit was
	// worse than the entry, plus the exit fees.
	cost := exit.fees
	if exit.qty.IsPositive() {
		loss := rep.AvgPrice.Sub(exit.avg())
		if rep.Side == types.SELL {
			loss = loss.Neg()
		}
		cost = cost.Add(loss.Mul(exit.qty))
	}

	if residual.GreaterThanOrEqual(lot) {
		msg := fmt.Sprintf("residual after %d attempts", attempts)
		if lastErr != nil {
			msg = lastErr.Error()
		}
		incident := &types.RollbackIncident{
			ID:          uuid.NewString(),
			Venue:       rep.Venue,
			Symbol:      rep.Symbol,
			Side:        rep.Side,
			ResidualQty: residual,
			Attempts:    attempts,
			LastError:   msg,
			OccurredAt:  time.Now(),
		}
		a.logger.Error("rollback failed, net exposure remains",
			"incident_id", incident.ID,
			"venue", incident.Venue,
			"symbol", incident.Symbol,
			"residual_qty", incident.ResidualQty,
			"last_error", msg,
		)
		return cost, incident
	}
	return cost, nil
}
