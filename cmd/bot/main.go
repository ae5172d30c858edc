// Funding Arbitrage Bot — delta-neutral funding-rate arbitrage across
// perpetual-futures DEXes.
//
// Architecture:
//
//	main.go              — entry point: loads config, wires venues/feeds/store, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: monitor → close → open cycle over journaled positions
//	funding/client.go    — REST client for the funding-rate aggregator (opportunities, rate compare, payments)
//	funding/analyzer.go  — ranks opportunities by net APY after round-trip fees
//	executor/atomic.go   — two-venue atomic entry/exit: partial first leg, full hedge, rollback on failure
//	executor/hedge.go    — per-leg hedging: limit chase inside the spread, market fallback
//	executor/order.go    — single-order lifecycle: align price, place, poll, cancel
//	market/stream.go     — WebSocket book-ticker feeds with auto-reconnect
//	market/liquidity.go  — spread/depth/slippage gate before any entry
//	risk/evaluator.go    — exit signals: funding flip, profit erosion, time limit, better opportunity
//	venue/rest.go        — REST client for venue gateways (orders, positions, leverage) with HMAC auth
//	venue/guard.go       — rate limiting + circuit breaking in front of every venue
//	store/               — position journal: in-memory or Postgres
//	api/                 — ops HTTP/WebSocket server: status, positions, event stream, metrics
//
// How it makes money:
//
//	Perp funding rates differ across venues for the same symbol. The bot goes
//	long where funding is low or negative and short where it is high, so the
//	two legs cancel price risk while both collect (or one pays less) funding
//	every interval. Positions stay open while the divergence persists and are
//	unwound when it flips sign, erodes below threshold, ages out, or a better
//	pair is worth the switching cost.
//
// Exit codes: 0 clean shutdown, 2 invalid config, 3 venue auth failure at
// startup, 4 halted on a rollback incident.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"funding-arb/internal/api"
	"funding-arb/internal/config"
	"funding-arb/internal/engine"
	"funding-arb/internal/market"
	"funding-arb/internal/metrics"
	"funding-arb/internal/store"
	"funding-arb/internal/venue"
)

const (
	exitConfig   = 2
	exitAuth     = 3
	exitIncident = 4
)

func main() {
	// Load config
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("ARB_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(exitConfig)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(exitConfig)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	ctx, cancel := context.WithCancel(context.Background())

	cache := market.NewBookTickerCache(cfg.Execution.StalenessLimit)

	// Venues: paper doubles in dry run, gateway clients live. Everything
	// above the adapter boundary runs identically either way.
	papers := make(map[string]*venue.PaperVenue)
	venues := make(map[string]venue.Adapter, len(cfg.Venues))
	for _, vc := range cfg.Venues {
		var inner venue.Adapter
		if cfg.DryRun {
			pv := venue.NewPaperVenue(vc.Name, logger)
			pv.SetFees(decimal.NewFromFloat(vc.MakerFeeRate), decimal.NewFromFloat(vc.TakerFeeRate))
			pv.SetSupportsLeverage(vc.SupportsLeverage)
			papers[vc.Name] = pv
			inner = pv
		} else {
			rv := venue.NewRESTVenue(vc, cache, logger)
			warmCtx, warmCancel := context.WithTimeout(ctx, 30*time.Second)
			err := rv.Warm(warmCtx, cfg.Strategy.Symbols)
			warmCancel()
			if err != nil {
				logger.Error("venue warmup failed", "venue", vc.Name, "error", err)
				if venue.IsAuth(err) {
					os.Exit(exitAuth)
				}
				os.Exit(1)
			}
			inner = rv
		}
		venues[vc.Name] = venue.NewGuard(inner, vc, logger)
	}

	// Market data feeds
	for _, vc := range cfg.Venues {
		if vc.WSURL == "" {
			continue
		}
		feed := market.NewTickerFeed(vc.Name, vc.WSURL, cache, nil, logger)
		if err := feed.Subscribe(ctx, cfg.Strategy.Symbols); err != nil {
			logger.Error("ticker subscribe failed", "venue", vc.Name, "error", err)
			os.Exit(1)
		}
		go func() {
			if err := feed.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("ticker feed exited", "venue", vc.Name, "error", err)
			}
		}()
	}

	if cfg.DryRun {
		go pumpPaperTickers(ctx, cache, papers)
	}

	// Position journal
	var st store.Store
	var pg *store.PostgresStore
	if cfg.Store.Backend == "postgres" {
		pg, err = store.OpenPostgres(ctx, cfg.Store.DSN)
		if err != nil {
			logger.Error("failed to open postgres", "error", err)
			os.Exit(1)
		}
		st = pg
	} else {
		st = store.NewMemoryStore()
	}

	m := metrics.New()
	eng := engine.New(*cfg, venues, cache, st, m, logger)

	// Start ops server if enabled
	var apiServer *api.Server
	if cfg.Server.Enabled {
		apiServer = api.NewServer(*cfg, eng, m, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("ops server failed", "error", err)
			}
		}()
		logger.Info("ops server started", "url", fmt.Sprintf("http://localhost:%d", cfg.Server.Port))
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE, orders stay on paper venues")
	}

	logger.Info("funding arbitrage bot started",
		"venues", len(cfg.Venues),
		"symbols", cfg.Strategy.Symbols,
		"tick_interval", cfg.Strategy.TickInterval,
		"max_positions", cfg.Strategy.MaxPositions,
		"position_size_usd", cfg.Strategy.MaxPositionSizeUSD,
		"dry_run", cfg.DryRun,
	)

	// Wait for a shutdown signal or a fatal incident
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case inc := <-eng.Fatal():
		logger.Error("halting on rollback incident",
			"incident", inc.ID,
			"venue", inc.Venue,
			"symbol", inc.Symbol,
			"residual_qty", inc.ResidualQty,
		)
		exitCode = exitIncident
	}

	// Stop feeds, then the ops server, then the engine
	cancel()
	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop ops server", "error", err)
		}
	}
	eng.Stop()
	if pg != nil {
		if err := pg.Close(); err != nil {
			logger.Error("failed to close postgres", "error", err)
		}
	}

	os.Exit(exitCode)
}

// pumpPaperTickers mirrors live cache ticks onto the paper venues so dry-run
// fills track real prices.
func pumpPaperTickers(ctx context.Context, cache *market.BookTickerCache, papers map[string]*venue.PaperVenue) {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, tk := range cache.Snapshot() {
				if pv, ok := papers[tk.Venue]; ok {
					pv.SetTicker(tk.Symbol, tk.Bid, tk.Ask, tk.BidSize, tk.AskSize)
				}
			}
		}
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
