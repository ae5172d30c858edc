// Package risk decides when open positions should be closed.
//
// Each strategy cycle the engine evaluates every OPEN position against four
// exit conditions, in strict priority order:
//
//   - Funding flip:       divergence at or below zero, the position now pays
//   - Profit erosion:     divergence decayed below a fraction of its entry level
//   - Time limit:         the position exceeded its maximum age
//   - Better opportunity: a sufficiently better pair exists for the same capital
//
// The first condition that holds wins. The predicates themselves are pure
// functions of the position and the current rates; the evaluator's only state
// is a rolling divergence history per position and the consecutive-cycle
// confirmation counter behind the better-opportunity exit.
package risk

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"funding-arb/internal/config"
	"funding-arb/internal/funding"
	"funding-arb/pkg/types"
)

const (
	// historyWindow bounds how far back per-position divergence observations
	// are kept for the status API.
	historyWindow = 24 * time.Hour

	// historyCap bounds the window regardless of evaluation cadence.
	historyCap = 2000
)

// Verdict is one evaluation's outcome. Reason and Detail are set only when
// Exit is true.
type Verdict struct {
	Exit   bool
	Reason types.ExitReason
	Detail string
}

// Observation is one recorded divergence sample for a position.
type Observation struct {
	Divergence decimal.Decimal `json:"divergence"`
	At         time.Time       `json:"at"`
}

// Evaluator applies the exit predicates to open positions. Safe for
// concurrent use.
type Evaluator struct {
	cfg    config.RebalanceConfig
	fees   *funding.FeeModel
	logger *slog.Logger

	mu      sync.RWMutex
	history map[string][]Observation
	streaks map[string]int
}

func NewEvaluator(cfg config.RebalanceConfig, fees *funding.FeeModel, logger *slog.Logger) *Evaluator {
	return &Evaluator{
		cfg:     cfg,
		fees:    fees,
		logger:  logger.With("component", "risk"),
		history: make(map[string][]Observation),
		streaks: make(map[string]int),
	}
}

// Evaluate runs the predicates against one position in priority order and
// returns the first exit condition that holds. Repeated calls with unchanged
// inputs return the same decision.
//
// rates carries the position's current two-venue divergence; best is the
// strongest candidate pair currently available for the position's symbol, or
// nil when none is known.
func (e *Evaluator) Evaluate(pos *types.Position, rates types.RateComparison, best *types.Opportunity, now time.Time) Verdict {
	e.record(pos.ID, rates.Divergence, now)

	if rates.Divergence.Sign() <= 0 {
		return e.exit(pos, types.ExitFundingFlip,
			fmt.Sprintf("per-second divergence %s at or below zero", rates.Divergence))
	}
	if ratio, ok := eroded(pos.EntryDivergence, rates.Divergence, e.cfg.ErosionThreshold); ok {
		return e.exit(pos, types.ExitProfitErosion,
			fmt.Sprintf("divergence eroded to %s of entry, threshold %.2f", ratio.StringFixed(4), e.cfg.ErosionThreshold))
	}
	if age, limit, ok := overAge(pos, now, e.cfg.MaxAgeHours); ok {
		return e.exit(pos, types.ExitTimeLimit,
			fmt.Sprintf("age %s at or over limit %s", age.Round(time.Minute), limit))
	}

	if !e.cfg.EnableBetterOpportunity {
		return Verdict{}
	}
	realized, improved := e.improves(pos, best, now)
	streak := e.bumpStreak(pos.ID, improved)
	if improved && streak >= e.cfg.ConfirmCycles {
		return e.exit(pos, types.ExitBetterOpportunity,
			fmt.Sprintf("%s long %s / short %s offers %s apy vs realized %s, held %d cycles",
				best.Symbol, best.LongVenue, best.ShortVenue,
				best.NetAPY.StringFixed(4), realized.StringFixed(4), streak))
	}
	return Verdict{}
}

// History returns the recorded divergence observations for a position,
// oldest first.
func (e *Evaluator) History(positionID string) []Observation {
	e.mu.RLock()
	defer e.mu.RUnlock()
	obs := e.history[positionID]
	out := make([]Observation, len(obs))
	copy(out, obs)
	return out
}

// Confirmations returns how many consecutive cycles the better-opportunity
// improvement has held for a position.
func (e *Evaluator) Confirmations(positionID string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.streaks[positionID]
}

// Forget drops all evaluator state for a position. Called once the position
// reaches a terminal status.
func (e *Evaluator) Forget(positionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.history, positionID)
	delete(e.streaks, positionID)
}

func (e *Evaluator) record(positionID string, divergence decimal.Decimal, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	obs := append(e.history[positionID], Observation{Divergence: divergence, At: now})
	cutoff := now.Add(-historyWindow)
	idx := 0
	for idx < len(obs) && !obs[idx].At.After(cutoff) {
		idx++
	}
	obs = obs[idx:]
	if over := len(obs) - historyCap; over > 0 {
		obs = obs[over:]
	}
	e.history[positionID] = obs
}

func (e *Evaluator) bumpStreak(positionID string, improved bool) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !improved {
		e.streaks[positionID] = 0
		return 0
	}
	e.streaks[positionID]++
	return e.streaks[positionID]
}

// improves reports whether best beats the position's realized APY by the
// configured margin plus one round trip of exit-and-reenter fees on the
// position's size.
func (e *Evaluator) improves(pos *types.Position, best *types.Opportunity, now time.Time) (decimal.Decimal, bool) {
	if best == nil || best.Symbol != pos.Symbol || !pos.SizeUSD.IsPositive() {
		return decimal.Zero, false
	}
	realized := pos.RealizedAPY(now)
	rt, err := e.fees.RoundTripCost(pos.LongVenue, pos.ShortVenue, pos.SizeUSD, funding.Taker)
	if err != nil {
		e.logger.Warn("round-trip cost unavailable, skipping better-opportunity check",
			"position", pos.ID, "error", err)
		return realized, false
	}
	required := realized.
		Add(decimal.NewFromFloat(e.cfg.MinImprovement)).
		Add(rt.Div(pos.SizeUSD))
	return realized, best.NetAPY.GreaterThan(required)
}

func (e *Evaluator) exit(pos *types.Position, reason types.ExitReason, detail string) Verdict {
	e.logger.Info("exit signal",
		"position", pos.ID,
		"symbol", pos.Symbol,
		"reason", string(reason),
		"detail", detail)
	return Verdict{Exit: true, Reason: reason, Detail: detail}
}

func eroded(entry, current decimal.Decimal, threshold float64) (decimal.Decimal, bool) {
	if !entry.IsPositive() {
		return decimal.Zero, false
	}
	ratio := current.Div(entry)
	return ratio, ratio.LessThan(decimal.NewFromFloat(threshold))
}

func overAge(pos *types.Position, now time.Time, maxHours float64) (time.Duration, time.Duration, bool) {
	limit := time.Duration(maxHours * float64(time.Hour))
	age := pos.Age(now)
	return age, limit, age >= limit
}
