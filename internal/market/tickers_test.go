package market

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"funding-arb/pkg/types"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func testTick(venue, symbol string, seq int64, bid, ask string, ts time.Time) types.BookTicker {
	return types.BookTicker{
		Venue:   venue,
		Symbol:  symbol,
		Bid:     dec(bid),
		Ask:     dec(ask),
		BidSize: dec("1"),
		AskSize: dec("1"),
		Seq:     seq,
		Ts:      ts,
	}
}

func TestCachePutGet(t *testing.T) {
	t.Parallel()
	c := NewBookTickerCache(2 * time.Second)

	c.Put(testTick("lighter", "BTC", 1, "49999.5", "50000.5", time.Now()))

	tk, stale := c.Get("lighter", "BTC")
	if stale {
		t.Fatal("just-written ticker reported stale")
	}
	if !tk.Bid.Equal(dec("49999.5")) || !tk.Ask.Equal(dec("50000.5")) {
		t.Errorf("ticker = %s/%s, want 49999.5/50000.5", tk.Bid, tk.Ask)
	}
}

func TestCacheMissingIsStale(t *testing.T) {
	t.Parallel()
	c := NewBookTickerCache(2 * time.Second)

	tk, stale := c.Get("lighter", "ETH")
	if !stale {
		t.Error("missing entry should be stale")
	}
	if !tk.Bid.IsZero() {
		t.Errorf("missing entry bid = %s, want zero", tk.Bid)
	}
}

func TestCacheSeqRegressionIgnored(t *testing.T) {
	t.Parallel()
	c := NewBookTickerCache(2 * time.Second)
	now := time.Now()

	c.Put(testTick("lighter", "BTC", 5, "50000", "50001", now))
	c.Put(testTick("lighter", "BTC", 3, "40000", "40001", now))

	tk, _ := c.Get("lighter", "BTC")
	if tk.Seq != 5 {
		t.Errorf("seq = %d, want 5 after out-of-order update", tk.Seq)
	}
	if !tk.Bid.Equal(dec("50000")) {
		t.Errorf("bid = %s, want 50000", tk.Bid)
	}
}

func TestCacheStaleWithoutSeqAdvance(t *testing.T) {
	t.Parallel()
	c := NewBookTickerCache(2 * time.Second)
	base := time.Now()

	c.Put(testTick("lighter", "BTC", 1, "50000", "50001", base))

	if _, stale := c.getAt("lighter", "BTC", base.Add(time.Second)); stale {
		t.Error("entry stale 1s after write with 2s limit")
	}
	if _, stale := c.getAt("lighter", "BTC", base.Add(3*time.Second)); !stale {
		t.Error("entry fresh 3s after write with 2s limit")
	}

	// Re-delivering the same sequence must not reset the freshness clock.
	c.Put(testTick("lighter", "BTC", 1, "50000", "50001", base.Add(3*time.Second)))
	if _, stale := c.getAt("lighter", "BTC", base.Add(3*time.Second)); !stale {
		t.Error("repeated seq refreshed the clock")
	}

	// A real seq advance does.
	c.Put(testTick("lighter", "BTC", 2, "50000", "50001", base.Add(3*time.Second)))
	if _, stale := c.getAt("lighter", "BTC", base.Add(3*time.Second)); stale {
		t.Error("advancing seq did not refresh the clock")
	}
}

func TestWaitWarmImmediate(t *testing.T) {
	t.Parallel()
	c := NewBookTickerCache(2 * time.Second)
	c.Put(testTick("lighter", "BTC", 1, "50000", "50001", time.Now()))

	if err := c.WaitWarm(context.Background(), "lighter", "BTC", 10*time.Millisecond); err != nil {
		t.Errorf("WaitWarm on warm cache: %v", err)
	}
}

func TestWaitWarmDelayedTick(t *testing.T) {
	t.Parallel()
	c := NewBookTickerCache(2 * time.Second)

	go func() {
		time.Sleep(30 * time.Millisecond)
		c.Put(testTick("aster", "BTC", 1, "50000", "50001", time.Now()))
	}()

	if err := c.WaitWarm(context.Background(), "aster", "BTC", 2*time.Second); err != nil {
		t.Errorf("WaitWarm should succeed once the tick lands: %v", err)
	}
}

func TestWaitWarmTimeout(t *testing.T) {
	t.Parallel()
	c := NewBookTickerCache(2 * time.Second)

	err := c.WaitWarm(context.Background(), "lighter", "BTC", 30*time.Millisecond)
	if err == nil {
		t.Fatal("WaitWarm on a cold cache should time out")
	}
}

func TestWaitWarmContextCanceled(t *testing.T) {
	t.Parallel()
	c := NewBookTickerCache(2 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.WaitWarm(ctx, "lighter", "BTC", time.Minute)
	if err != context.Canceled {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestSnapshot(t *testing.T) {
	t.Parallel()
	c := NewBookTickerCache(2 * time.Second)
	now := time.Now()

	c.Put(testTick("lighter", "BTC", 1, "50000", "50001", now))
	c.Put(testTick("aster", "BTC", 1, "50002", "50003", now))

	snap := c.Snapshot()
	if len(snap) != 2 {
		t.Errorf("snapshot has %d tickers, want 2", len(snap))
	}
}
