// Package market provides the live market-data layer: the process-wide
// book-ticker cache fed by venue WebSocket streams, the reconnecting ticker
// feed itself, and the pre-flight liquidity analyzer.
package market

import (
	"context"
	"fmt"
	"sync"
	"time"

	"funding-arb/pkg/types"
)

// BookTickerCache is the process-wide map of (venue, symbol) → latest top of
// book. Venue WS handlers write; executors read. An entry's freshness clock
// only advances when its sequence number does, so a feed stuck re-delivering
// the same tick goes stale like a silent one.
type BookTickerCache struct {
	mu        sync.RWMutex
	staleness time.Duration
	entries   map[string]*tickerEntry
	warm      map[string]chan struct{}
}

type tickerEntry struct {
	ticker     types.BookTicker
	advancedAt time.Time // last time Seq moved forward
}

func tickerKey(venue, symbol string) string {
	return venue + "|" + symbol
}

// NewBookTickerCache creates a cache with the given staleness limit
// (spec default 2s).
func NewBookTickerCache(staleness time.Duration) *BookTickerCache {
	return &BookTickerCache{
		staleness: staleness,
		entries:   make(map[string]*tickerEntry),
		warm:      make(map[string]chan struct{}),
	}
}

// Put stores a tick. Sequence regressions update nothing; equal sequences
// keep the old freshness clock.
func (c *BookTickerCache) Put(tk types.BookTicker) {
	key := tickerKey(tk.Venue, tk.Symbol)

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.entries[key] = &tickerEntry{ticker: tk, advancedAt: tk.Ts}
		if ch, waiting := c.warm[key]; waiting {
			close(ch)
			delete(c.warm, key)
		}
		return
	}
	if tk.Seq < e.ticker.Seq {
		return
	}
	advanced := tk.Seq > e.ticker.Seq
	e.ticker = tk
	if advanced {
		e.advancedAt = tk.Ts
	}
}

// Get returns the current snapshot plus a stale flag. Missing entries are
// stale by definition.
func (c *BookTickerCache) Get(venue, symbol string) (types.BookTicker, bool) {
	return c.getAt(venue, symbol, time.Now())
}

func (c *BookTickerCache) getAt(venue, symbol string, now time.Time) (types.BookTicker, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[tickerKey(venue, symbol)]
	if !ok {
		return types.BookTicker{}, true
	}
	stale := now.Sub(e.advancedAt) > c.staleness
	return e.ticker, stale
}

// WaitWarm blocks until the first tick for (venue, symbol) arrives, up to
// warmup. Returns immediately when the cache already holds an entry.
func (c *BookTickerCache) WaitWarm(ctx context.Context, venue, symbol string, warmup time.Duration) error {
	key := tickerKey(venue, symbol)

	c.mu.Lock()
	if _, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return nil
	}
	ch, ok := c.warm[key]
	if !ok {
		ch = make(chan struct{})
		c.warm[key] = ch
	}
	c.mu.Unlock()

	timer := time.NewTimer(warmup)
	defer timer.Stop()

	select {
	case <-ch:
		return nil
	case <-timer.C:
		return fmt.Errorf("ticker warmup: no tick for %s/%s within %s", venue, symbol, warmup)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns a copy of all current tickers, for the status API.
func (c *BookTickerCache) Snapshot() []types.BookTicker {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]types.BookTicker, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.ticker)
	}
	return out
}
