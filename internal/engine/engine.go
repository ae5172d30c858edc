// Package engine runs the delta-neutral funding strategy.
//
// It wires together all subsystems and drives them through a fixed cycle:
//
//  1. Phase 1 (monitor) refreshes divergence and accrues funding payments
//     for every live position, a few positions at a time in parallel.
//  2. Phase 2 (close) runs the exit predicates over fresh rates and unwinds
//     positions whose verdict says exit, one position at a time.
//  3. Phase 3 (open) ranks current opportunities and enters new pairs
//     through the atomic executor, up to the capacity and per-cycle caps.
//
// Every status transition is journaled through the store before the venue
// action it covers, so a restart can reconcile interrupted work. A rollback
// incident stops the show: it is journaled, broadcast, and handed to the
// process owner on the Fatal channel.
//
// Lifecycle: New() → Start() → [cycles every TickInterval] → Stop().
package engine

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

	"funding-arb/internal/api"
	"funding-arb/internal/config"
	"funding-arb/internal/executor"
	"funding-arb/internal/funding"
	"funding-arb/internal/market"
	"funding-arb/internal/metrics"
	"funding-arb/internal/risk"
	"funding-arb/internal/store"
	"funding-arb/internal/venue"
	"funding-arb/pkg/types"
)

// monitorConcurrency caps parallel divergence refreshes in Phase 1.
const monitorConcurrency = 4

// Engine orchestrates the funding-arbitrage system. It owns the cycle
// goroutine and all position state transitions; venues, cache, and store are
// built by the caller and shared with the executors.
type Engine struct {
	cfg       config.Config
	venues    map[string]venue.Adapter
	cache     *market.BookTickerCache
	funding   *funding.Client
	analyzer  *funding.Analyzer
	atomic    *executor.AtomicExecutor
	evaluator *risk.Evaluator
	store     store.Store
	metrics   *metrics.Metrics
	logger    *slog.Logger

	// posLocks gives transitions on one position exclusivity. Keyed by
	// position ID, dropped at terminal status.
	posLocks   map[string]*sync.Mutex
	posLocksMu sync.Mutex

	// mu guards the session counters, the last cycle summary, the per-symbol
	// re-entry cooldowns, and the single-position latch.
	mu            sync.RWMutex
	session       api.SessionStats
	lastCycle     api.CycleSummary
	cooldowns     map[string]time.Time
	sessionOpened bool

	// events feeds the WebSocket stream. Nil when the API server is disabled.
	events chan api.Event

	// fatal carries the first rollback incident out to the process owner.
	fatal chan *types.RollbackIncident

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires the strategy components around the caller-provided venues, book
// cache, and journal.
func New(cfg config.Config, venues map[string]venue.Adapter, cache *market.BookTickerCache, st store.Store, m *metrics.Metrics, logger *slog.Logger) *Engine {
	fees := funding.NewFeeModel(cfg.Venues)
	orderExec := executor.NewOrderExecutor(cache, cfg.Execution, logger)
	hedge := executor.NewHedgeManager(orderExec, cfg.Hedge, logger)
	liquidity := market.NewAnalyzer(cfg.Liquidity, logger)

	ctx, cancel := context.WithCancel(context.Background())

	var events chan api.Event
	if cfg.Server.Enabled {
		events = make(chan api.Event, 100)
	}

	return &Engine{
		cfg:       cfg,
		venues:    venues,
		cache:     cache,
		funding:   funding.NewClient(cfg.Funding, logger),
		analyzer:  funding.NewAnalyzer(cfg.Venues, fees, logger),
		atomic:    executor.NewAtomicExecutor(venues, orderExec, hedge, liquidity, cache, cfg.Execution, logger),
		evaluator: risk.NewEvaluator(cfg.Rebalance, fees, logger),
		store:     st,
		metrics:   m,
		logger:    logger.With("component", "engine"),
		posLocks:  make(map[string]*sync.Mutex),
		cooldowns: make(map[string]time.Time),
		session:   api.SessionStats{StartedAt: time.Now().UTC()},
		events:    events,
		fatal:     make(chan *types.RollbackIncident, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start reconciles the journal against the venues, then launches the cycle
// loop. A reconciliation failure aborts startup: trading over unknown
// exposure is worse than not trading.
func (e *Engine) Start() error {
	if err := e.reconcile(e.ctx); err != nil {
		return fmt.Errorf("reconcile journal: %w", err)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run()
	}()
	return nil
}

// Stop cancels the cycle loop and waits up to the configured grace period
// for an in-flight cycle to finish. The event channel is closed only once
// the loop has fully drained.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if e.events != nil {
			close(e.events)
		}
		e.logger.Info("shutdown complete")
	case <-time.After(e.cfg.Strategy.ShutdownGrace):
		e.logger.Warn("cycle still in flight after grace period, abandoning wait",
			"grace", e.cfg.Strategy.ShutdownGrace)
	}
}

// Fatal delivers the first rollback incident. The engine keeps its journal
// consistent and continues the cycle that hit it; exiting the process is the
// receiver's job.
func (e *Engine) Fatal() <-chan *types.RollbackIncident {
	return e.fatal
}

func (e *Engine) run() {
	ticker := time.NewTicker(e.cfg.Strategy.TickInterval)
	defer ticker.Stop()

	e.executeCycle(e.ctx)
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.executeCycle(e.ctx)
		}
	}
}

// executeCycle runs the three phases once and publishes the summary.
func (e *Engine) executeCycle(ctx context.Context) {
	start := time.Now()
	e.mu.RLock()
	seq := e.session.CyclesCompleted + 1
	e.mu.RUnlock()

	summary := api.CycleSummary{Seq: seq, StartedAt: start.UTC()}

	open, err := e.store.ListOpen(ctx)
	if err != nil {
		e.logger.Error("list open positions", "error", err)
		return
	}
	summary.PositionsChecked = len(open)

	rates := e.monitorPhase(ctx, open)
	e.closePhase(ctx, open, rates, &summary)
	e.openPhase(ctx, &summary)

	elapsed := time.Since(start)
	summary.Elapsed = elapsed.Round(time.Millisecond).String()

	e.mu.Lock()
	e.session.CyclesCompleted = seq
	e.lastCycle = summary
	e.mu.Unlock()

	e.metrics.CycleCompleted(elapsed)
	if live, err := e.store.ListOpen(ctx); err == nil {
		e.metrics.OpenPositions.Set(float64(len(live)))
	}

	e.logger.Info("cycle complete",
		"seq", seq,
		"elapsed", elapsed.Round(time.Millisecond),
		"positions", summary.PositionsChecked,
		"opportunities", summary.OpportunitiesSeen,
		"exits", summary.ExitsTriggered,
		"entries_attempted", summary.EntriesAttempted,
		"entries_succeeded", summary.EntriesSucceeded,
		"rollback_incidents", summary.RollbackIncidents)
	e.emit(api.NewCycleEvent(summary, time.Now().UTC()))
}

// monitorPhase refreshes rates and funding for every live position. A failed
// refresh skips that position's verdict for this cycle, nothing more.
func (e *Engine) monitorPhase(ctx context.Context, open []*types.Position) map[string]types.RateComparison {
	rates := make(map[string]types.RateComparison, len(open))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(monitorConcurrency)
	for _, pos := range open {
		if pos.Status != types.PosOpen && pos.Status != types.PosClosing {
			continue
		}
		g.Go(func() error {
			cmp, err := e.refreshPosition(gctx, pos)
			if err != nil {
				e.logger.Warn("position refresh failed",
					"position", pos.ID, "symbol", pos.Symbol, "error", err)
				return nil
			}
			mu.Lock()
			rates[pos.ID] = cmp
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		e.logger.Error("monitor phase", "error", err)
	}
	return rates
}

// refreshPosition pulls the live divergence, accrues settled funding, and
// journals the updated position.
func (e *Engine) refreshPosition(ctx context.Context, pos *types.Position) (types.RateComparison, error) {
	lock := e.lockFor(pos.ID)
	lock.Lock()
	defer lock.Unlock()

	cmp, err := e.funding.Compare(ctx, pos.Symbol, pos.LongVenue, pos.ShortVenue)
	if err != nil {
		return types.RateComparison{}, fmt.Errorf("compare rates: %w", err)
	}

	since := pos.OpenedAt
	if pos.LastCheckAt != nil {
		since = *pos.LastCheckAt
	}
	if err := e.accrueFunding(ctx, pos, since); err != nil {
		e.logger.Warn("funding accrual failed", "position", pos.ID, "error", err)
	}

	now := time.Now().UTC()
	pos.CurrentDivergence = cmp.Divergence
	pos.LastCheckAt = &now
	if err := e.store.Update(ctx, pos); err != nil {
		return types.RateComparison{}, fmt.Errorf("journal refresh: %w", err)
	}
	return cmp, nil
}

// accrueFunding journals settlements since the last check and folds the
// batch into the position. The journal keeps every signed payment; the
// position's cumulative counter only moves up, so a net-negative window is
// left for the funding-flip exit instead of being subtracted.
func (e *Engine) accrueFunding(ctx context.Context, pos *types.Position, since time.Time) error {
	pays, err := e.funding.Payments(ctx, pos.Symbol, []string{pos.LongVenue, pos.ShortVenue}, since)
	if err != nil {
		return err
	}

	batch := decimal.Zero
	for _, pay := range pays {
		// Positive rates are paid by longs: our long leg pays them, our
		// short leg collects them.
		amount := pay.Rate.Mul(pos.SizeUSD)
		if pay.Venue == pos.LongVenue {
			amount = amount.Neg()
		}
		rec := types.FundingPayment{
			ID:         uuid.NewString(),
			PositionID: pos.ID,
			Venue:      pay.Venue,
			Symbol:     pay.Symbol,
			AmountUSD:  amount,
			PaidAt:     pay.PaidAt,
		}
		inserted, err := e.store.RecordFunding(ctx, rec)
		if err != nil {
			return fmt.Errorf("journal payment: %w", err)
		}
		if !inserted {
			continue // seen in an earlier, overlapping window
		}
		batch = batch.Add(amount)
		e.emit(api.NewFundingEvent(rec, time.Now().UTC()))
	}

	if !batch.IsPositive() {
		if batch.IsNegative() {
			e.logger.Warn("net negative funding window",
				"position", pos.ID, "symbol", pos.Symbol, "net_usd", batch)
		}
		return nil
	}
	if err := pos.ApplyFunding(batch); err != nil {
		return err
	}
	e.metrics.FundingAccrued(pos.Symbol, batch.InexactFloat64())
	e.mu.Lock()
	e.session.FundingAccruedUSD = e.session.FundingAccruedUSD.Add(batch)
	e.mu.Unlock()
	return nil
}

// closePhase evaluates exits over Phase 1's rates and re-drives closes that
// did not land in an earlier cycle.
func (e *Engine) closePhase(ctx context.Context, open []*types.Position, rates map[string]types.RateComparison, summary *api.CycleSummary) {
	now := time.Now().UTC()
	for _, pos := range open {
		if ctx.Err() != nil {
			return
		}
		switch pos.Status {
		case types.PosClosing:
			e.closeOne(ctx, pos, pos.ExitReason, summary)
		case types.PosOpen:
			cmp, ok := rates[pos.ID]
			if !ok {
				continue
			}
			verdict := e.evaluator.Evaluate(pos, cmp, e.bestAlternative(ctx, pos), now)
			if !verdict.Exit {
				continue
			}
			summary.ExitsTriggered++
			e.closeOne(ctx, pos, verdict.Reason, summary)
		}
	}
}

// bestAlternative fetches the service's best same-symbol opportunity for the
// better-opportunity predicate. The position's own pair is not an
// alternative.
func (e *Engine) bestAlternative(ctx context.Context, pos *types.Position) *types.Opportunity {
	if !e.cfg.Rebalance.EnableBetterOpportunity {
		return nil
	}
	opp, err := e.funding.Best(ctx, pos.Symbol)
	if err != nil {
		if !errors.Is(err, funding.ErrNoOpportunity) {
			e.logger.Warn("best opportunity lookup failed", "symbol", pos.Symbol, "error", err)
		}
		return nil
	}
	if opp.LongVenue == pos.LongVenue && opp.ShortVenue == pos.ShortVenue {
		return nil
	}
	return &opp
}

// closeOne drives a position to CLOSED. Any failure leaves it in CLOSING for
// the next cycle; only a journaled all-filled unwind is terminal.
func (e *Engine) closeOne(ctx context.Context, pos *types.Position, reason types.ExitReason, summary *api.CycleSummary) {
	lock := e.lockFor(pos.ID)
	lock.Lock()
	defer lock.Unlock()

	if pos.Status == types.PosOpen {
		pos.Status = types.PosClosing
		pos.ExitReason = reason
		// Journal the intent before touching the venues.
		if err := e.store.Update(ctx, pos); err != nil {
			e.logger.Error("journal CLOSING transition", "position", pos.ID, "error", err)
			return
		}
	}

	res, err := e.closeLegs(ctx, pos)
	if err != nil {
		e.logger.Error("close attempt", "position", pos.ID, "error", err)
		return
	}
	if res.Incident != nil {
		e.handleIncident(ctx, pos, res.Incident, summary)
		return
	}
	if !res.AllFilled {
		// A rolled-back close re-established the pair on the venues; its
		// round-trip cost still belongs to this position.
		cost := res.TotalFeesUSD.Add(res.RollbackCostUSD)
		if cost.IsPositive() {
			if err := pos.ApplyFees(cost); err != nil {
				e.logger.Error("apply failed-close cost", "position", pos.ID, "error", err)
			} else if err := e.store.Update(ctx, pos); err != nil {
				e.logger.Error("journal failed-close cost", "position", pos.ID, "error", err)
			}
			e.metrics.FeesPaidUSD.Add(cost.InexactFloat64())
			e.mu.Lock()
			e.session.FeesPaidUSD = e.session.FeesPaidUSD.Add(cost)
			e.mu.Unlock()
		}
		if res.RollbackPerformed {
			e.metrics.RollbackRecorded(false)
		}
		e.logger.Warn("close incomplete, will retry",
			"position", pos.ID, "rejection", string(res.Rejection), "detail", res.RejectDetail)
		return
	}

	now := time.Now().UTC()
	if err := pos.ApplyFees(res.TotalFeesUSD); err != nil {
		e.logger.Error("apply exit fees", "position", pos.ID, "error", err)
	}
	realized := pos.CumulativeFundingUSD.Sub(pos.TotalFeesUSD)
	if err := e.store.ClosePosition(ctx, pos.ID, reason, realized); err != nil {
		e.logger.Error("journal close", "position", pos.ID, "error", err)
		return
	}
	pos.Status = types.PosClosed
	pos.RealizedPnlUSD = realized
	pos.ClosedAt = &now

	e.evaluator.Forget(pos.ID)
	e.forgetLock(pos.ID)

	e.metrics.ExitRecorded(string(reason))
	e.metrics.FeesPaidUSD.Add(res.TotalFeesUSD.InexactFloat64())

	e.mu.Lock()
	e.session.PositionsClosed++
	e.session.FeesPaidUSD = e.session.FeesPaidUSD.Add(res.TotalFeesUSD)
	e.session.RealizedPnlUSD = e.session.RealizedPnlUSD.Add(realized)
	total := e.session.RealizedPnlUSD
	e.cooldowns[pos.Symbol] = now.Add(e.cfg.Strategy.Cooldown)
	e.mu.Unlock()
	e.metrics.RealizedPnlUSD.Set(total.InexactFloat64())

	e.emit(api.NewPositionClosedEvent(pos, realized, now))
	e.logger.Info("position closed",
		"position", pos.ID,
		"symbol", pos.Symbol,
		"reason", string(reason),
		"held", pos.Age(now).Round(time.Minute),
		"funding_usd", pos.CumulativeFundingUSD,
		"fees_usd", pos.TotalFeesUSD,
		"realized_usd", realized)
}

// closeLegs unwinds the pair through the atomic executor. The quantity is
// pinned to the position's own, so a moved price cannot leave a residual.
func (e *Engine) closeLegs(ctx context.Context, pos *types.Position) (types.AtomicResult, error) {
	long := types.OrderSpec{
		Venue:      pos.LongVenue,
		Symbol:     pos.Symbol,
		Side:       types.SELL,
		SizeUSD:    pos.SizeUSD,
		Qty:        pos.Qty,
		Mode:       types.LimitWithFallback,
		ReduceOnly: true,
	}
	short := types.OrderSpec{
		Venue:      pos.ShortVenue,
		Symbol:     pos.Symbol,
		Side:       types.BUY,
		SizeUSD:    pos.SizeUSD,
		Qty:        pos.Qty,
		Mode:       types.LimitWithFallback,
		ReduceOnly: true,
	}
	return e.atomic.Execute(ctx, long, short)
}

// openPhase ranks fresh opportunities and enters new pairs while capacity,
// the session policy, and the per-cycle budget allow.
func (e *Engine) openPhase(ctx context.Context, summary *api.CycleSummary) {
	live, err := e.store.ListOpen(ctx)
	if err != nil {
		e.logger.Error("list open positions", "error", err)
		return
	}

	capacity := e.cfg.Strategy.MaxPositions - len(live)
	if capacity <= 0 {
		e.logger.Debug("at position capacity",
			"open", len(live), "max", e.cfg.Strategy.MaxPositions)
		return
	}
	if e.sessionExhausted() {
		e.logger.Debug("single-position session already used")
		return
	}

	opps, err := e.funding.Opportunities(ctx, funding.OpportunityFilter{
		MinProfitAPY: e.cfg.Strategy.MinProfitAPY,
		MaxOIUSD:     e.cfg.Strategy.MaxOIUSD,
		Dexes:        e.cfg.VenueNames(),
		Symbols:      e.cfg.Strategy.Symbols,
	})
	if err != nil {
		e.logger.Error("fetch opportunities", "error", err)
		return
	}
	summary.OpportunitiesSeen = len(opps)
	e.metrics.OpportunitiesSeen.Add(float64(len(opps)))

	busy := make(map[string]bool, len(live))
	for _, pos := range live {
		busy[pos.Symbol] = true
	}

	now := time.Now().UTC()
	budget := min(capacity, e.cfg.Strategy.MaxNewPerCycle)
	for _, opp := range e.analyzer.Rank(opps) {
		if budget <= 0 || ctx.Err() != nil {
			return
		}
		if busy[opp.Symbol] {
			continue
		}
		if e.inCooldown(opp.Symbol, now) {
			e.logger.Debug("symbol cooling down", "symbol", opp.Symbol)
			continue
		}
		summary.EntriesAttempted++
		if e.openOne(ctx, opp, summary) {
			summary.EntriesSucceeded++
			busy[opp.Symbol] = true
			budget--
			if e.sessionExhausted() {
				return
			}
		}
	}
}

// openOne journals the entry intent, runs the atomic pair, and promotes the
// position to OPEN only on all_filled. Every failure shape lands in FAILED
// with the venues flat (or escalates as an incident).
func (e *Engine) openOne(ctx context.Context, opp types.Opportunity, summary *api.CycleSummary) bool {
	sizeUSD := decimal.NewFromFloat(e.cfg.Strategy.MaxPositionSizeUSD)
	now := time.Now().UTC()

	pos := &types.Position{
		ID:                uuid.NewString(),
		Symbol:            opp.Symbol,
		LongVenue:         opp.LongVenue,
		ShortVenue:        opp.ShortVenue,
		SizeUSD:           sizeUSD,
		EntryLongRate:     opp.LongRate,
		EntryShortRate:    opp.ShortRate,
		EntryDivergence:   opp.Divergence,
		CurrentDivergence: opp.Divergence,
		Status:            types.PosOpening,
		OpenedAt:          now,
	}
	// Entry intent is journaled before any order reaches a venue.
	if err := e.store.Create(ctx, pos); err != nil {
		e.logger.Error("journal entry intent", "symbol", opp.Symbol, "error", err)
		return false
	}

	long := types.OrderSpec{
		Venue:   opp.LongVenue,
		Symbol:  opp.Symbol,
		Side:    types.BUY,
		SizeUSD: sizeUSD,
		Mode:    types.LimitWithFallback,
	}
	short := types.OrderSpec{
		Venue:   opp.ShortVenue,
		Symbol:  opp.Symbol,
		Side:    types.SELL,
		SizeUSD: sizeUSD,
		Mode:    types.LimitWithFallback,
	}

	res, err := e.atomic.Execute(ctx, long, short)
	switch {
	case res.Incident != nil:
		e.failEntry(ctx, pos, types.ExitRollback, metrics.EntryError,
			fmt.Sprintf("incident %s: %s", res.Incident.ID, res.Incident.LastError))
		e.handleIncident(ctx, pos, res.Incident, summary)
		return false

	case err != nil:
		e.failEntry(ctx, pos, "", metrics.EntryError, err.Error())
		e.emit(api.NewEntryRejectedEvent(opp, res, time.Now().UTC()))
		return false

	case res.RollbackPerformed:
		e.metrics.RollbackRecorded(false)
		e.metrics.FeesPaidUSD.Add(res.TotalFeesUSD.InexactFloat64())
		e.mu.Lock()
		e.session.FeesPaidUSD = e.session.FeesPaidUSD.Add(res.TotalFeesUSD)
		e.mu.Unlock()
		e.failEntry(ctx, pos, types.ExitRollback, metrics.EntryRolledBack,
			fmt.Sprintf("entry rolled back, cost %s usd", res.RollbackCostUSD.StringFixed(4)))
		e.emit(api.NewEntryRejectedEvent(opp, res, time.Now().UTC()))
		return false

	case !res.AllFilled:
		result := metrics.EntryRejected
		if res.Rejection == types.PreflightRejected {
			result = metrics.EntryPreflightSkip
		}
		e.failEntry(ctx, pos, "", result, res.RejectDetail)
		e.emit(api.NewEntryRejectedEvent(opp, res, time.Now().UTC()))
		return false
	}

	filled := time.Now().UTC()
	pos.Status = types.PosOpen
	pos.OpenedAt = filled // age and accrual run from fill, not intent
	pos.Qty = res.LongLeg.FilledQty
	pos.Leverage = res.Leverage
	pos.EntryLongPrice = res.LongLeg.AvgPrice
	pos.EntryShortPrice = res.ShortLeg.AvgPrice
	if err := pos.ApplyFees(res.TotalFeesUSD); err != nil {
		e.logger.Error("apply entry fees", "position", pos.ID, "error", err)
	}
	if err := e.store.Update(ctx, pos); err != nil {
		// The pair is live on the venues; reconciliation picks it up if this
		// journal write never lands.
		e.logger.Error("journal OPEN transition", "position", pos.ID, "error", err)
	}

	e.metrics.EntryRecorded(metrics.EntryFilled)
	e.metrics.FeesPaidUSD.Add(res.TotalFeesUSD.InexactFloat64())
	e.mu.Lock()
	e.session.PositionsOpened++
	e.session.FeesPaidUSD = e.session.FeesPaidUSD.Add(res.TotalFeesUSD)
	e.sessionOpened = true
	e.mu.Unlock()

	e.emit(api.NewPositionOpenedEvent(pos, filled))
	e.logger.Info("position opened",
		"position", pos.ID,
		"symbol", pos.Symbol,
		"long_venue", pos.LongVenue,
		"short_venue", pos.ShortVenue,
		"size_usd", pos.SizeUSD,
		"qty", pos.Qty,
		"leverage", pos.Leverage,
		"entry_divergence", pos.EntryDivergence,
		"net_apy", opp.NetAPY,
		"fees_usd", res.TotalFeesUSD,
		"elapsed", res.Elapsed.Round(time.Millisecond))
	return true
}

// failEntry journals a terminal FAILED entry and counts it.
func (e *Engine) failEntry(ctx context.Context, pos *types.Position, reason types.ExitReason, result, detail string) {
	now := time.Now().UTC()
	pos.Status = types.PosFailed
	pos.ExitReason = reason
	pos.ClosedAt = &now
	if detail != "" {
		if pos.Metadata == nil {
			pos.Metadata = make(map[string]any)
		}
		pos.Metadata["failure"] = detail
	}
	if err := e.store.Update(ctx, pos); err != nil {
		e.logger.Error("journal failed entry", "position", pos.ID, "error", err)
	}
	e.forgetLock(pos.ID)

	e.metrics.EntryRecorded(result)
	e.mu.Lock()
	e.session.EntriesRejected++
	e.mu.Unlock()
	e.logger.Warn("entry failed",
		"position", pos.ID, "symbol", pos.Symbol, "result", result, "detail", detail)
}

// handleIncident journals and broadcasts an un-hedged residual, then hands
// it to the process owner. Only the first incident is delivered; the process
// is already on its way down for any later one.
func (e *Engine) handleIncident(ctx context.Context, pos *types.Position, inc *types.RollbackIncident, summary *api.CycleSummary) {
	e.logger.Error("ROLLBACK INCIDENT, operator action required",
		"incident", inc.ID,
		"position", pos.ID,
		"venue", inc.Venue,
		"symbol", inc.Symbol,
		"side", string(inc.Side),
		"residual_qty", inc.ResidualQty,
		"attempts", inc.Attempts,
		"last_error", inc.LastError)

	if err := e.store.SaveState(ctx, "incident:"+inc.ID, inc); err != nil {
		e.logger.Error("journal incident", "incident", inc.ID, "error", err)
	}

	e.metrics.RollbackRecorded(true)
	summary.RollbackIncidents++
	e.mu.Lock()
	e.session.RollbackIncidents++
	e.mu.Unlock()

	e.emit(api.NewRollbackIncidentEvent(inc, time.Now().UTC()))

	select {
	case e.fatal <- inc:
	default:
	}
}

// reconcile restores the journal's live positions at startup. OPEN and
// CLOSING positions re-enter the normal cycle; interrupted OPENING entries
// are resolved against the venues' own position reports.
func (e *Engine) reconcile(ctx context.Context) error {
	open, err := e.store.ListOpen(ctx)
	if err != nil {
		return err
	}
	for _, pos := range open {
		switch pos.Status {
		case types.PosOpening:
			if err := e.reconcileOpening(ctx, pos, open); err != nil {
				return err
			}
		default:
			e.logger.Info("restored position",
				"position", pos.ID, "symbol", pos.Symbol, "status", string(pos.Status))
		}
	}
	return nil
}

// reconcileOpening resolves a position that died mid-entry. The journal
// cannot know what filled, so the venues are the truth: anything beyond what
// the surviving positions account for is flattened reduce-only, and the
// entry is recorded as abandoned rather than re-driven.
func (e *Engine) reconcileOpening(ctx context.Context, pos *types.Position, open []*types.Position) error {
	flattened := make(map[string]string, 2)
	for _, venueName := range []string{pos.LongVenue, pos.ShortVenue} {
		ad, ok := e.venues[venueName]
		if !ok {
			return fmt.Errorf("reconcile %s: unknown venue %q", pos.ID, venueName)
		}
		actual, err := ad.PositionQty(ctx, pos.Symbol)
		if err != nil {
			return fmt.Errorf("reconcile %s: query %s: %w", pos.ID, venueName, err)
		}
		residual := actual.Sub(expectedExposure(open, venueName, pos.Symbol))
		qty := venue.RoundToLot(residual.Abs(), ad.LotSize(pos.Symbol))
		if qty.IsZero() {
			continue
		}
		side := types.SELL
		if residual.IsNegative() {
			side = types.BUY
		}
		if _, err := ad.PlaceMarket(ctx, pos.Symbol, side, qty, true); err != nil {
			return fmt.Errorf("reconcile %s: flatten %s %s %s: %w", pos.ID, venueName, side, qty, err)
		}
		flattened[venueName] = qty.String()
		e.logger.Warn("flattened interrupted entry leg",
			"position", pos.ID, "venue", venueName, "side", string(side), "qty", qty)
	}

	now := time.Now().UTC()
	pos.Status = types.PosFailed
	pos.ExitReason = types.ExitAbandoned
	pos.ClosedAt = &now
	if len(flattened) > 0 {
		if pos.Metadata == nil {
			pos.Metadata = make(map[string]any)
		}
		pos.Metadata["flattened"] = flattened
	}
	if err := e.store.Update(ctx, pos); err != nil {
		return fmt.Errorf("reconcile %s: journal: %w", pos.ID, err)
	}
	e.logger.Info("abandoned interrupted entry",
		"position", pos.ID, "symbol", pos.Symbol, "flattened_legs", len(flattened))
	return nil
}

// expectedExposure sums the journal's view of venue-side base quantity for
// one (venue, symbol) across surviving positions.
func expectedExposure(open []*types.Position, venueName, symbol string) decimal.Decimal {
	total := decimal.Zero
	for _, pos := range open {
		if pos.Symbol != symbol || (pos.Status != types.PosOpen && pos.Status != types.PosClosing) {
			continue
		}
		if pos.LongVenue == venueName {
			total = total.Add(pos.Qty)
		}
		if pos.ShortVenue == venueName {
			total = total.Sub(pos.Qty)
		}
	}
	return total
}

// ActivePositions returns the journal's live positions for the API.
func (e *Engine) ActivePositions() []*types.Position {
	open, err := e.store.ListOpen(e.ctx)
	if err != nil {
		e.logger.Error("list open positions", "error", err)
		return nil
	}
	return open
}

// PositionHistory returns the recorded divergence observations, oldest
// first. False means the position has no recorded samples.
func (e *Engine) PositionHistory(id string) ([]risk.Observation, bool) {
	obs := e.evaluator.History(id)
	if len(obs) == 0 {
		return nil, false
	}
	return obs, true
}

// SessionStats returns a copy of the session counters.
func (e *Engine) SessionStats() api.SessionStats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.session
}

// LastCycle returns the most recent cycle summary.
func (e *Engine) LastCycle() api.CycleSummary {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastCycle
}

// Events returns the event stream, nil when the API server is disabled.
func (e *Engine) Events() <-chan api.Event {
	return e.events
}

// emit pushes an event to the stream without ever blocking the cycle.
func (e *Engine) emit(evt api.Event) {
	if e.events == nil {
		return
	}
	select {
	case e.events <- evt:
	default:
		// Stream consumer can't keep up, drop the event.
	}
}

func (e *Engine) sessionExhausted() bool {
	if !e.cfg.Session.SinglePositionPerSession {
		return false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sessionOpened
}

func (e *Engine) inCooldown(symbol string, now time.Time) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	until, ok := e.cooldowns[symbol]
	return ok && now.Before(until)
}

func (e *Engine) lockFor(positionID string) *sync.Mutex {
	e.posLocksMu.Lock()
	defer e.posLocksMu.Unlock()
	l, ok := e.posLocks[positionID]
	if !ok {
		l = &sync.Mutex{}
		e.posLocks[positionID] = l
	}
	return l
}

func (e *Engine) forgetLock(positionID string) {
	e.posLocksMu.Lock()
	defer e.posLocksMu.Unlock()
	delete(e.posLocks, positionID)
}
