// Package config defines all configuration for the arbitrage bot.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via ARB_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun    bool            `mapstructure:"dry_run"`
	Venues    []VenueConfig   `mapstructure:"venues"`
	Strategy  StrategyConfig  `mapstructure:"strategy"`
	Rebalance RebalanceConfig `mapstructure:"rebalance"`
	Liquidity LiquidityConfig `mapstructure:"liquidity"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Hedge     HedgeConfig     `mapstructure:"hedge"`
	Session   SessionConfig   `mapstructure:"session"`
	Funding   FundingConfig   `mapstructure:"funding"`
	Store     StoreConfig     `mapstructure:"store"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Server    ServerConfig    `mapstructure:"server"`
}

// VenueConfig describes one perpetual-futures venue. Attributes are immutable
// for a session; credentials come from ARB_<VENUE>_API_KEY / _API_SECRET.
type VenueConfig struct {
	Name                   string  `mapstructure:"name"`
	RESTBaseURL            string  `mapstructure:"rest_base_url"`
	WSURL                  string  `mapstructure:"ws_url"`
	APIKey                 string  `mapstructure:"api_key"`
	APISecret              string  `mapstructure:"api_secret"`
	FundingIntervalSeconds int64   `mapstructure:"funding_interval_seconds"`
	MakerFeeRate           float64 `mapstructure:"maker_fee_rate"`
	TakerFeeRate           float64 `mapstructure:"taker_fee_rate"`
	SupportsLeverage       bool    `mapstructure:"supports_leverage"` // account leverage settable per symbol
	FullDepth              bool    `mapstructure:"full_depth"`        // WS provides full depth, not just BBO
	RateLimitPerSec        float64 `mapstructure:"rate_limit_per_sec"`
	MaxConcurrent          int     `mapstructure:"max_concurrent"` // REST connection pool cap
}

// StrategyConfig tunes the orchestrator's three-phase cycle.
//
//   - TickInterval: how often the monitor/close/open cycle runs.
//   - MaxPositions: capacity gate; Phase 3 is skipped at the cap.
//   - MaxPositionSizeUSD: per-entry notional cap.
//   - MinProfitAPY: opportunity filter, e.g. 0.05 = 5% net APY.
//   - MaxOIUSD: skip symbols whose open interest exceeds this (0 = no cap);
//     used to stay in low-OI regimes where divergences persist.
//   - MaxNewPerCycle: cap on entries attempted per cycle.
//   - Cooldown: do not re-open a symbol within this window of its last close.
//   - Symbols: allow-list of underlyings; empty = all symbols the service returns.
type StrategyConfig struct {
	TickInterval       time.Duration `mapstructure:"tick_interval"`
	MaxPositions       int           `mapstructure:"max_positions"`
	MaxPositionSizeUSD float64       `mapstructure:"max_position_size_usd"`
	MinProfitAPY       float64       `mapstructure:"min_profit_apy"`
	MaxOIUSD           float64       `mapstructure:"max_oi_usd"`
	MaxNewPerCycle     int           `mapstructure:"max_new_per_cycle"`
	Cooldown           time.Duration `mapstructure:"cooldown"`
	Symbols            []string      `mapstructure:"symbols"`
	ShutdownGrace      time.Duration `mapstructure:"shutdown_grace"`
}

// RebalanceConfig sets the exit predicates evaluated each cycle.
//
//   - ErosionThreshold: exit when current/entry divergence falls below this.
//   - MaxAgeHours: exit positions older than this.
//   - EnableBetterOpportunity: recycle capital when a better pair appears.
//   - MinImprovement: required APY improvement, net of one round-trip cost.
//   - ConfirmCycles: consecutive cycles the improvement must persist before
//     the better-opportunity exit fires (guards against APY noise).
type RebalanceConfig struct {
	ErosionThreshold        float64 `mapstructure:"erosion_threshold"`
	MaxAgeHours             float64 `mapstructure:"max_age_hours"`
	EnableBetterOpportunity bool    `mapstructure:"enable_better_opportunity"`
	MinImprovement          float64 `mapstructure:"min_improvement"`
	ConfirmCycles           int     `mapstructure:"confirm_cycles"`
}

// LiquidityConfig sets the pre-flight depth/slippage/spread gates.
type LiquidityConfig struct {
	MaxSlippagePct    float64 `mapstructure:"max_slippage_pct"`
	MaxSpreadBps      float64 `mapstructure:"max_spread_bps"`
	MinLiquidityScore float64 `mapstructure:"min_liquidity_score"`
}

// ExecutionConfig tunes order placement.
//
//   - PollInterval: order-status poll cadence during a limit attempt.
//   - StalenessLimit: max age of a book ticker before a forced refresh.
//   - Warmup: how long to wait for the first WS tick on a fresh subscription.
//   - MaxAttempts: limit attempts before the market fallback.
//   - AtomicTimeout: total budget for a two-leg atomic entry.
//   - FirstLegFraction: share of AtomicTimeout given to the parallel
//     first-phase placement of both legs.
//   - MaxAlignmentSpreadPct: abort break-even price alignment when the
//     inter-venue mid spread exceeds this.
//   - AlignmentOffsetFrac: aligned prices sit this fraction of the local
//     spread away from the shared mid.
//   - MaxOffsetTicks: absolute cap on any computed price offset.
//   - RollbackRetries: compensating-order attempts before an incident is raised.
type ExecutionConfig struct {
	PollInterval          time.Duration `mapstructure:"poll_interval"`
	StalenessLimit        time.Duration `mapstructure:"staleness_limit"`
	Warmup                time.Duration `mapstructure:"warmup"`
	MaxAttempts           int           `mapstructure:"max_attempts"`
	AtomicTimeout         time.Duration `mapstructure:"atomic_timeout"`
	FirstLegFraction      float64       `mapstructure:"first_leg_fraction"`
	MaxAlignmentSpreadPct float64       `mapstructure:"max_alignment_spread_pct"`
	AlignmentOffsetFrac   float64       `mapstructure:"alignment_offset_frac"`
	MaxOffsetTicks        int           `mapstructure:"max_offset_ticks"`
	RollbackRetries       int           `mapstructure:"rollback_retries"`
}

// HedgeProfile is one retry profile for the second-leg driver. Opening gets
// more patience than closing.
type HedgeProfile struct {
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryBackoff      time.Duration `mapstructure:"retry_backoff"`
	TotalTimeout      time.Duration `mapstructure:"total_timeout"`
	InsideTickRetries int           `mapstructure:"inside_tick_retries"`
	MaxDeviationPct   float64       `mapstructure:"max_deviation_pct"` // break-even feasibility bound
	ThresholdToHedge  float64       `mapstructure:"threshold_to_hedge"`
}

// HedgeConfig holds the per-operation-mode hedge profiles.
type HedgeConfig struct {
	Opening HedgeProfile `mapstructure:"opening"`
	Closing HedgeProfile `mapstructure:"closing"`
}

// SessionConfig holds operator-validation gates.
type SessionConfig struct {
	// SinglePositionPerSession stops Phase 3 after the first successful open
	// until process restart.
	SinglePositionPerSession bool `mapstructure:"single_position_per_session"`
}

// FundingConfig points at the funding-rate aggregation service.
type FundingConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RetryCount int           `mapstructure:"retry_count"`
}

// StoreConfig selects the position journal backend.
type StoreConfig struct {
	Backend string `mapstructure:"backend"` // "memory" or "postgres"
	DSN     string `mapstructure:"dsn"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ServerConfig controls the ops/metrics HTTP server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`

	// AllowedOrigins lists browser origins permitted to open the WebSocket
	// stream, beyond the default localhost/same-host rule.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: ARB_<VENUE>_API_KEY, ARB_<VENUE>_API_SECRET,
// ARB_STORE_DSN, ARB_DRY_RUN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ARB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	for i := range cfg.Venues {
		prefix := "ARB_" + strings.ToUpper(cfg.Venues[i].Name)
		if key := os.Getenv(prefix + "_API_KEY"); key != "" {
			cfg.Venues[i].APIKey = key
		}
		if secret := os.Getenv(prefix + "_API_SECRET"); secret != "" {
			cfg.Venues[i].APISecret = secret
		}
	}
	if dsn := os.Getenv("ARB_STORE_DSN"); dsn != "" {
		cfg.Store.DSN = dsn
	}
	if os.Getenv("ARB_DRY_RUN") == "true" || os.Getenv("ARB_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// setDefaults seeds every tunable with its documented default so a minimal
// YAML (venues + funding URL) is runnable.
func setDefaults(v *viper.Viper) {
	v.SetDefault("strategy.tick_interval", "60s")
	v.SetDefault("strategy.max_positions", 3)
	v.SetDefault("strategy.max_position_size_usd", 1000.0)
	v.SetDefault("strategy.min_profit_apy", 0.01)
	v.SetDefault("strategy.max_oi_usd", 0.0)
	v.SetDefault("strategy.max_new_per_cycle", 1)
	v.SetDefault("strategy.cooldown", "1h")
	v.SetDefault("strategy.shutdown_grace", "15s")

	v.SetDefault("rebalance.erosion_threshold", 0.5)
	v.SetDefault("rebalance.max_age_hours", 168.0)
	v.SetDefault("rebalance.enable_better_opportunity", false)
	v.SetDefault("rebalance.min_improvement", 0.002)
	v.SetDefault("rebalance.confirm_cycles", 3)

	v.SetDefault("liquidity.max_slippage_pct", 0.5)
	v.SetDefault("liquidity.max_spread_bps", 50.0)
	v.SetDefault("liquidity.min_liquidity_score", 0.6)

	v.SetDefault("execution.poll_interval", "150ms")
	v.SetDefault("execution.staleness_limit", "2s")
	v.SetDefault("execution.warmup", "500ms")
	v.SetDefault("execution.max_attempts", 4)
	v.SetDefault("execution.atomic_timeout", "10s")
	v.SetDefault("execution.first_leg_fraction", 0.30)
	v.SetDefault("execution.max_alignment_spread_pct", 0.5)
	v.SetDefault("execution.alignment_offset_frac", 0.25)
	v.SetDefault("execution.max_offset_ticks", 10)
	v.SetDefault("execution.rollback_retries", 3)

	v.SetDefault("hedge.opening.max_retries", 8)
	v.SetDefault("hedge.opening.retry_backoff", "75ms")
	v.SetDefault("hedge.opening.total_timeout", "6s")
	v.SetDefault("hedge.opening.inside_tick_retries", 3)
	v.SetDefault("hedge.opening.max_deviation_pct", 0.5)
	v.SetDefault("hedge.opening.threshold_to_hedge", 1.0)

	v.SetDefault("hedge.closing.max_retries", 5)
	v.SetDefault("hedge.closing.retry_backoff", "50ms")
	v.SetDefault("hedge.closing.total_timeout", "3s")
	v.SetDefault("hedge.closing.inside_tick_retries", 2)
	v.SetDefault("hedge.closing.max_deviation_pct", 0.5)
	v.SetDefault("hedge.closing.threshold_to_hedge", 1.0)

	v.SetDefault("funding.timeout", "10s")
	v.SetDefault("funding.retry_count", 3)

	v.SetDefault("store.backend", "memory")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8080)
}

// Venue returns the config for a named venue.
func (c *Config) Venue(name string) (*VenueConfig, bool) {
	for i := range c.Venues {
		if c.Venues[i].Name == name {
			return &c.Venues[i], true
		}
	}
	return nil, false
}

// VenueNames returns the configured venue names in declaration order.
func (c *Config) VenueNames() []string {
	names := make([]string, 0, len(c.Venues))
	for _, v := range c.Venues {
		names = append(names, v.Name)
	}
	return names
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if len(c.Venues) < 2 {
		return fmt.Errorf("at least 2 venues are required for arbitrage, got %d", len(c.Venues))
	}
	seen := make(map[string]bool, len(c.Venues))
	for _, vc := range c.Venues {
		if vc.Name == "" {
			return fmt.Errorf("venues[].name is required")
		}
		if seen[vc.Name] {
			return fmt.Errorf("venue %q is configured twice", vc.Name)
		}
		seen[vc.Name] = true
		if vc.FundingIntervalSeconds <= 0 {
			return fmt.Errorf("venue %s: funding_interval_seconds must be > 0", vc.Name)
		}
		if vc.MakerFeeRate < 0 || vc.TakerFeeRate < 0 {
			return fmt.Errorf("venue %s: fee rates must be >= 0", vc.Name)
		}
		if vc.RateLimitPerSec <= 0 {
			return fmt.Errorf("venue %s: rate_limit_per_sec must be > 0", vc.Name)
		}
	}
	if c.Strategy.TickInterval <= 0 {
		return fmt.Errorf("strategy.tick_interval must be > 0")
	}
	if c.Strategy.MaxPositions <= 0 {
		return fmt.Errorf("strategy.max_positions must be > 0")
	}
	if c.Strategy.MaxPositionSizeUSD <= 0 {
		return fmt.Errorf("strategy.max_position_size_usd must be > 0")
	}
	if c.Strategy.MaxNewPerCycle <= 0 {
		return fmt.Errorf("strategy.max_new_per_cycle must be > 0")
	}
	if c.Rebalance.ErosionThreshold <= 0 || c.Rebalance.ErosionThreshold >= 1 {
		return fmt.Errorf("rebalance.erosion_threshold must be in (0, 1)")
	}
	if c.Rebalance.MaxAgeHours <= 0 {
		return fmt.Errorf("rebalance.max_age_hours must be > 0")
	}
	if c.Rebalance.EnableBetterOpportunity && c.Rebalance.ConfirmCycles <= 0 {
		return fmt.Errorf("rebalance.confirm_cycles must be > 0 when better-opportunity exits are enabled")
	}
	if c.Liquidity.MinLiquidityScore < 0 || c.Liquidity.MinLiquidityScore > 1 {
		return fmt.Errorf("liquidity.min_liquidity_score must be in [0, 1]")
	}
	if c.Execution.PollInterval <= 0 {
		return fmt.Errorf("execution.poll_interval must be > 0")
	}
	if c.Execution.StalenessLimit <= 0 {
		return fmt.Errorf("execution.staleness_limit must be > 0")
	}
	if c.Execution.MaxAttempts <= 0 {
		return fmt.Errorf("execution.max_attempts must be > 0")
	}
	if c.Execution.FirstLegFraction <= 0 || c.Execution.FirstLegFraction >= 1 {
		return fmt.Errorf("execution.first_leg_fraction must be in (0, 1)")
	}
	if c.Execution.RollbackRetries < 3 {
		return fmt.Errorf("execution.rollback_retries must be >= 3")
	}
	for _, hp := range []struct {
		name string
		p    HedgeProfile
	}{{"hedge.opening", c.Hedge.Opening}, {"hedge.closing", c.Hedge.Closing}} {
		if hp.p.MaxRetries <= 0 {
			return fmt.Errorf("%s.max_retries must be > 0", hp.name)
		}
		if hp.p.TotalTimeout <= 0 {
			return fmt.Errorf("%s.total_timeout must be > 0", hp.name)
		}
		if hp.p.InsideTickRetries < 0 {
			return fmt.Errorf("%s.inside_tick_retries must be >= 0", hp.name)
		}
		if hp.p.ThresholdToHedge <= 0 || hp.p.ThresholdToHedge > 1 {
			return fmt.Errorf("%s.threshold_to_hedge must be in (0, 1]", hp.name)
		}
	}
	if c.Funding.BaseURL == "" {
		return fmt.Errorf("funding.base_url is required")
	}
	switch c.Store.Backend {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required when store.backend is postgres (set ARB_STORE_DSN)")
		}
	default:
		return fmt.Errorf("store.backend must be one of: memory, postgres")
	}
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		return fmt.Errorf("server.port must be a valid TCP port")
	}
	return nil
}
