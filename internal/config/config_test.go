package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const minimalYAML = `
venues:
  - name: lighter
    rest_base_url: https://api.lighter.test
    ws_url: wss://ws.lighter.test
    funding_interval_seconds: 3600
    maker_fee_rate: 0.0002
    taker_fee_rate: 0.0005
    rate_limit_per_sec: 10
    max_concurrent: 8
  - name: aster
    rest_base_url: https://api.aster.test
    ws_url: wss://ws.aster.test
    funding_interval_seconds: 28800
    maker_fee_rate: 0.0002
    taker_fee_rate: 0.0004
    supports_leverage: true
    full_depth: true
    rate_limit_per_sec: 10
funding:
  base_url: http://funding.test:8000
`

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Strategy.TickInterval != 60*time.Second {
		t.Errorf("tick_interval = %v, want 60s", cfg.Strategy.TickInterval)
	}
	if cfg.Strategy.MaxNewPerCycle != 1 {
		t.Errorf("max_new_per_cycle = %d, want 1", cfg.Strategy.MaxNewPerCycle)
	}
	if cfg.Rebalance.ErosionThreshold != 0.5 {
		t.Errorf("erosion_threshold = %v, want 0.5", cfg.Rebalance.ErosionThreshold)
	}
	if cfg.Rebalance.MaxAgeHours != 168.0 {
		t.Errorf("max_age_hours = %v, want 168", cfg.Rebalance.MaxAgeHours)
	}
	if cfg.Hedge.Opening.MaxRetries != 8 || cfg.Hedge.Opening.TotalTimeout != 6*time.Second {
		t.Errorf("opening profile = %+v, want 8 retries / 6s", cfg.Hedge.Opening)
	}
	if cfg.Hedge.Closing.MaxRetries != 5 || cfg.Hedge.Closing.RetryBackoff != 50*time.Millisecond {
		t.Errorf("closing profile = %+v, want 5 retries / 50ms backoff", cfg.Hedge.Closing)
	}
	if cfg.Execution.StalenessLimit != 2*time.Second {
		t.Errorf("staleness_limit = %v, want 2s", cfg.Execution.StalenessLimit)
	}
	if cfg.Execution.Warmup != 500*time.Millisecond {
		t.Errorf("warmup = %v, want 500ms", cfg.Execution.Warmup)
	}
	if cfg.Store.Backend != "memory" {
		t.Errorf("store.backend = %q, want memory", cfg.Store.Backend)
	}
}

func TestLoadVenueLookup(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	vc, ok := cfg.Venue("aster")
	if !ok {
		t.Fatal("Venue(aster) not found")
	}
	if vc.FundingIntervalSeconds != 28800 {
		t.Errorf("aster funding interval = %d, want 28800", vc.FundingIntervalSeconds)
	}
	if !vc.SupportsLeverage {
		t.Error("aster should support leverage")
	}
	if _, ok := cfg.Venue("nosuch"); ok {
		t.Error("Venue(nosuch) should not be found")
	}

	names := cfg.VenueNames()
	if len(names) != 2 || names[0] != "lighter" || names[1] != "aster" {
		t.Errorf("VenueNames() = %v", names)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	// t.Setenv is incompatible with t.Parallel.
	t.Setenv("ARB_LIGHTER_API_KEY", "key-from-env")
	t.Setenv("ARB_LIGHTER_API_SECRET", "secret-from-env")
	t.Setenv("ARB_DRY_RUN", "1")

	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	vc, _ := cfg.Venue("lighter")
	if vc.APIKey != "key-from-env" {
		t.Errorf("APIKey = %q, want env override", vc.APIKey)
	}
	if vc.APISecret != "secret-from-env" {
		t.Errorf("APISecret = %q, want env override", vc.APISecret)
	}
	if !cfg.DryRun {
		t.Error("ARB_DRY_RUN=1 should enable dry-run")
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	t.Parallel()

	base := func(t *testing.T) *Config {
		cfg, err := Load(writeConfig(t, minimalYAML))
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"one venue", func(c *Config) { c.Venues = c.Venues[:1] }},
		{"duplicate venue", func(c *Config) { c.Venues[1].Name = c.Venues[0].Name }},
		{"zero funding interval", func(c *Config) { c.Venues[0].FundingIntervalSeconds = 0 }},
		{"negative maker fee", func(c *Config) { c.Venues[0].MakerFeeRate = -0.01 }},
		{"zero rate limit", func(c *Config) { c.Venues[1].RateLimitPerSec = 0 }},
		{"zero max positions", func(c *Config) { c.Strategy.MaxPositions = 0 }},
		{"zero position size", func(c *Config) { c.Strategy.MaxPositionSizeUSD = 0 }},
		{"erosion out of range", func(c *Config) { c.Rebalance.ErosionThreshold = 1.5 }},
		{"confirm cycles", func(c *Config) {
			c.Rebalance.EnableBetterOpportunity = true
			c.Rebalance.ConfirmCycles = 0
		}},
		{"liquidity score out of range", func(c *Config) { c.Liquidity.MinLiquidityScore = 1.2 }},
		{"first leg fraction", func(c *Config) { c.Execution.FirstLegFraction = 1.0 }},
		{"rollback retries too low", func(c *Config) { c.Execution.RollbackRetries = 2 }},
		{"zero hedge retries", func(c *Config) { c.Hedge.Opening.MaxRetries = 0 }},
		{"hedge threshold", func(c *Config) { c.Hedge.Closing.ThresholdToHedge = 0 }},
		{"missing funding url", func(c *Config) { c.Funding.BaseURL = "" }},
		{"unknown store backend", func(c *Config) { c.Store.Backend = "redis" }},
		{"postgres without dsn", func(c *Config) { c.Store.Backend = "postgres"; c.Store.DSN = "" }},
		{"bad server port", func(c *Config) { c.Server.Port = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base(t)
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("Validate() accepted invalid config (%s)", tt.name)
			}
		})
	}
}
