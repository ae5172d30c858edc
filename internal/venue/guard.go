package venue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"funding-arb/internal/config"
	"funding-arb/pkg/types"
)

const (
	// breakerFailures is how many consecutive transient failures open the
	// venue circuit, escalating to PermanentError.
	breakerFailures = 5
	// breakerTimeout is how long the circuit stays open before a probe.
	breakerTimeout = 30 * time.Second
)

// Guard wraps an Adapter with the venue's request limits: a token-bucket
// rate limiter, a connection-pool cap, and a circuit breaker that converts
// transient-failure streaks into PermanentError. Every network-bound call in
// the system goes through a Guard; local lookups (tick size, rounding) pass
// straight through.
type Guard struct {
	inner   Adapter
	limiter *rate.Limiter
	sem     chan struct{}
	cb      *gobreaker.CircuitBreaker
	logger  *slog.Logger

	// Transient-failure streak. The breaker resets its own counts on state
	// change, so PermanentError carries this instead.
	failures atomic.Int64
}

// NewGuard builds a Guard from the venue's configured limits.
func NewGuard(inner Adapter, cfg config.VenueConfig, logger *slog.Logger) *Guard {
	maxConc := cfg.MaxConcurrent
	if maxConc <= 0 {
		maxConc = 8
	}
	burst := int(cfg.RateLimitPerSec)
	if burst < 1 {
		burst = 1
	}

	log := logger.With("component", "venue-guard", "venue", inner.Name())

	settings := gobreaker.Settings{
		Name:        inner.Name(),
		MaxRequests: 1,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailures
		},
		// Only transient infrastructure failures trip the circuit. Domain
		// rejects (post-only, not-found, unsupported) are the venue working.
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("venue circuit state change",
				"from", from.String(),
				"to", to.String())
		},
	}

	return &Guard{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimitPerSec), burst),
		sem:     make(chan struct{}, maxConc),
		cb:      gobreaker.NewCircuitBreaker(settings),
		logger:  log,
	}
}

// do runs fn behind the semaphore, limiter, and breaker, then classifies the
// error per the venue taxonomy.
func (g *Guard) do(ctx context.Context, op string, fn func() (any, error)) (any, error) {
	select {
	case g.sem <- struct{}{}:
		defer func() { <-g.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%s: rate wait: %w", op, err)
	}

	res, err := g.cb.Execute(fn)
	if err != nil {
		if IsTransient(err) {
			g.failures.Add(1)
		}
		return nil, g.classify(op, err)
	}
	g.failures.Store(0)
	return res, nil
}

func (g *Guard) classify(op string, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &PermanentError{
			Venue:    g.inner.Name(),
			Op:       op,
			Failures: int(g.failures.Load()),
			Err:      err,
		}
	}
	// Expected domain errors pass through for errors.Is matching upstream.
	if IsPostOnlyReject(err) || IsUnsupported(err) || IsNotFound(err) || IsStaleQuote(err) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var te *TransientError
	if !errors.As(err, &te) && IsTransient(err) {
		return &TransientError{Venue: g.inner.Name(), Op: op, Err: err}
	}
	return err
}

// Name returns the wrapped venue's identifier.
func (g *Guard) Name() string { return g.inner.Name() }

// FullDepth reports the wrapped venue's depth capability.
func (g *Guard) FullDepth() bool { return g.inner.FullDepth() }

// TickSize returns the wrapped venue's price increment.
func (g *Guard) TickSize(symbol string) decimal.Decimal { return g.inner.TickSize(symbol) }

// LotSize returns the wrapped venue's quantity increment.
func (g *Guard) LotSize(symbol string) decimal.Decimal { return g.inner.LotSize(symbol) }

// RoundPrice rounds via the wrapped venue.
func (g *Guard) RoundPrice(symbol string, price decimal.Decimal, side types.Side) decimal.Decimal {
	return g.inner.RoundPrice(symbol, price, side)
}

// BestBidAsk reads the top of book through the guard.
func (g *Guard) BestBidAsk(ctx context.Context, symbol string) (types.BookTicker, error) {
	res, err := g.do(ctx, "best_bid_ask", func() (any, error) {
		return g.inner.BestBidAsk(ctx, symbol)
	})
	if err != nil {
		return types.BookTicker{}, err
	}
	return res.(types.BookTicker), nil
}

// OrderBook reads depth through the guard.
func (g *Guard) OrderBook(ctx context.Context, symbol string, depth int) ([]types.BookLevel, []types.BookLevel, error) {
	type book struct {
		bids []types.BookLevel
		asks []types.BookLevel
	}
	res, err := g.do(ctx, "order_book", func() (any, error) {
		bids, asks, err := g.inner.OrderBook(ctx, symbol, depth)
		if err != nil {
			return nil, err
		}
		return book{bids: bids, asks: asks}, nil
	})
	if err != nil {
		return nil, nil, err
	}
	b := res.(book)
	return b.bids, b.asks, nil
}

// PlaceLimit places a limit order through the guard.
func (g *Guard) PlaceLimit(ctx context.Context, symbol string, side types.Side, qty, price decimal.Decimal, postOnly, reduceOnly bool) (string, error) {
	res, err := g.do(ctx, "place_limit", func() (any, error) {
		return g.inner.PlaceLimit(ctx, symbol, side, qty, price, postOnly, reduceOnly)
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

// PlaceMarket places a market order through the guard.
func (g *Guard) PlaceMarket(ctx context.Context, symbol string, side types.Side, qty decimal.Decimal, reduceOnly bool) (string, error) {
	res, err := g.do(ctx, "place_market", func() (any, error) {
		return g.inner.PlaceMarket(ctx, symbol, side, qty, reduceOnly)
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

// Cancel cancels through the guard. Unknown orders count as success.
func (g *Guard) Cancel(ctx context.Context, clientID string) error {
	_, err := g.do(ctx, "cancel", func() (any, error) {
		return nil, g.inner.Cancel(ctx, clientID)
	})
	if IsNotFound(err) {
		return nil
	}
	return err
}

// OrderStatus queries order state through the guard.
func (g *Guard) OrderStatus(ctx context.Context, clientID string) (types.TrackedOrder, error) {
	res, err := g.do(ctx, "order_status", func() (any, error) {
		return g.inner.OrderStatus(ctx, clientID)
	})
	if err != nil {
		return types.TrackedOrder{}, err
	}
	return res.(types.TrackedOrder), nil
}

// PositionQty queries the venue's net position through the guard.
func (g *Guard) PositionQty(ctx context.Context, symbol string) (decimal.Decimal, error) {
	res, err := g.do(ctx, "position_qty", func() (any, error) {
		return g.inner.PositionQty(ctx, symbol)
	})
	if err != nil {
		return decimal.Zero, err
	}
	return res.(decimal.Decimal), nil
}

// SetAccountLeverage sets leverage through the guard.
func (g *Guard) SetAccountLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := g.do(ctx, "set_account_leverage", func() (any, error) {
		return nil, g.inner.SetAccountLeverage(ctx, symbol, leverage)
	})
	return err
}

// MaxLeverage queries the symbol's leverage cap through the guard.
func (g *Guard) MaxLeverage(ctx context.Context, symbol string) (int, error) {
	res, err := g.do(ctx, "max_leverage", func() (any, error) {
		return g.inner.MaxLeverage(ctx, symbol)
	})
	if err != nil {
		return 0, err
	}
	return res.(int), nil
}
