package api

import (
	"time"

	"github.com/shopspring/decimal"

	"funding-arb/internal/config"
	"funding-arb/internal/risk"
	"funding-arb/pkg/types"
)

// StatusSnapshot is the complete engine state served at /api/v1/status and
// pushed to every WebSocket client on connect.
type StatusSnapshot struct {
	Timestamp time.Time `json:"timestamp"`
	DryRun    bool      `json:"dry_run"`

	// Non-terminal positions, oldest first
	Positions []PositionStatus `json:"positions"`

	// Counters since process start
	Session SessionStats `json:"session"`

	// Most recent completed cycle; zero until the first cycle finishes
	LastCycle CycleSummary `json:"last_cycle"`

	Config ConfigSummary `json:"config"`
}

// PositionStatus is the API view of one delta-neutral pair.
type PositionStatus struct {
	ID         string `json:"id"`
	Symbol     string `json:"symbol"`
	LongVenue  string `json:"long_venue"`
	ShortVenue string `json:"short_venue"`

	SizeUSD  decimal.Decimal `json:"size_usd"`
	Qty      decimal.Decimal `json:"qty"`
	Leverage int             `json:"leverage"`

	EntryDivergence   decimal.Decimal `json:"entry_divergence"`
	CurrentDivergence decimal.Decimal `json:"current_divergence"`

	CumulativeFundingUSD decimal.Decimal `json:"cumulative_funding_usd"`
	TotalFeesUSD         decimal.Decimal `json:"total_fees_usd"`
	NetFundingUSD        decimal.Decimal `json:"net_funding_usd"`
	RealizedAPY          decimal.Decimal `json:"realized_apy"`

	Status     types.PositionStatus `json:"status"`
	ExitReason types.ExitReason     `json:"exit_reason,omitempty"`
	OpenedAt   time.Time            `json:"opened_at"`
	AgeHours   float64              `json:"age_hours"`
}

// SessionStats are the running counters for the current process lifetime.
type SessionStats struct {
	StartedAt         time.Time       `json:"started_at"`
	CyclesCompleted   int64           `json:"cycles_completed"`
	PositionsOpened   int64           `json:"positions_opened"`
	PositionsClosed   int64           `json:"positions_closed"`
	EntriesRejected   int64           `json:"entries_rejected"`
	RollbackIncidents int64           `json:"rollback_incidents"`
	FundingAccruedUSD decimal.Decimal `json:"funding_accrued_usd"`
	FeesPaidUSD       decimal.Decimal `json:"fees_paid_usd"`
	RealizedPnlUSD    decimal.Decimal `json:"realized_pnl_usd"`
}

// CycleSummary describes one completed monitor/close/open cycle.
type CycleSummary struct {
	Seq               int64     `json:"seq"`
	StartedAt         time.Time `json:"started_at"`
	Elapsed           string    `json:"elapsed"`
	PositionsChecked  int       `json:"positions_checked"`
	OpportunitiesSeen int       `json:"opportunities_seen"`
	ExitsTriggered    int       `json:"exits_triggered"`
	EntriesAttempted  int       `json:"entries_attempted"`
	EntriesSucceeded  int       `json:"entries_succeeded"`
	RollbackIncidents int       `json:"rollback_incidents"`
}

// DivergenceHistory is the payload of /api/v1/positions/{id}/divergence.
type DivergenceHistory struct {
	PositionID   string             `json:"position_id"`
	Observations []risk.Observation `json:"observations"`
}

// ConfigSummary is the operator-relevant slice of the active configuration.
type ConfigSummary struct {
	TickInterval       string   `json:"tick_interval"`
	MaxPositions       int      `json:"max_positions"`
	MaxPositionSizeUSD float64  `json:"max_position_size_usd"`
	MinProfitAPY       float64  `json:"min_profit_apy"`
	MaxNewPerCycle     int      `json:"max_new_per_cycle"`
	Cooldown           string   `json:"cooldown"`
	Symbols            []string `json:"symbols,omitempty"`

	ErosionThreshold        float64 `json:"erosion_threshold"`
	MaxAgeHours             float64 `json:"max_age_hours"`
	EnableBetterOpportunity bool    `json:"enable_better_opportunity"`

	MaxSlippagePct    float64 `json:"max_slippage_pct"`
	MaxSpreadBps      float64 `json:"max_spread_bps"`
	MinLiquidityScore float64 `json:"min_liquidity_score"`

	Venues []string `json:"venues"`
	DryRun bool     `json:"dry_run"`
}

// NewPositionStatus projects a position into its API view at the given time.
func NewPositionStatus(p *types.Position, now time.Time) PositionStatus {
	return PositionStatus{
		ID:         p.ID,
		Symbol:     p.Symbol,
		LongVenue:  p.LongVenue,
		ShortVenue: p.ShortVenue,

		SizeUSD:  p.SizeUSD,
		Qty:      p.Qty,
		Leverage: p.Leverage,

		EntryDivergence:   p.EntryDivergence,
		CurrentDivergence: p.CurrentDivergence,

		CumulativeFundingUSD: p.CumulativeFundingUSD,
		TotalFeesUSD:         p.TotalFeesUSD,
		NetFundingUSD:        p.CumulativeFundingUSD.Sub(p.TotalFeesUSD),
		RealizedAPY:          p.RealizedAPY(now),

		Status:     p.Status,
		ExitReason: p.ExitReason,
		OpenedAt:   p.OpenedAt,
		AgeHours:   p.Age(now).Hours(),
	}
}

// NewConfigSummary builds the summary from the full config.
func NewConfigSummary(cfg config.Config) ConfigSummary {
	return ConfigSummary{
		TickInterval:       cfg.Strategy.TickInterval.String(),
		MaxPositions:       cfg.Strategy.MaxPositions,
		MaxPositionSizeUSD: cfg.Strategy.MaxPositionSizeUSD,
		MinProfitAPY:       cfg.Strategy.MinProfitAPY,
		MaxNewPerCycle:     cfg.Strategy.MaxNewPerCycle,
		Cooldown:           cfg.Strategy.Cooldown.String(),
		Symbols:            cfg.Strategy.Symbols,

		ErosionThreshold:        cfg.Rebalance.ErosionThreshold,
		MaxAgeHours:             cfg.Rebalance.MaxAgeHours,
		EnableBetterOpportunity: cfg.Rebalance.EnableBetterOpportunity,

		MaxSlippagePct:    cfg.Liquidity.MaxSlippagePct,
		MaxSpreadBps:      cfg.Liquidity.MaxSpreadBps,
		MinLiquidityScore: cfg.Liquidity.MinLiquidityScore,

		Venues: cfg.VenueNames(),
		DryRun: cfg.DryRun,
	}
}
