// stream.go implements the per-venue WebSocket book-ticker feed.
//
// One TickerFeed runs per venue. It subscribes to symbols on demand, decodes
// the venue's ticker messages through a pluggable Decoder, and writes every
// tick into the shared BookTickerCache. The connection auto-reconnects with
// exponential backoff (1s → 30s max) and re-subscribes to all tracked
// symbols on reconnection. A read deadline (90s) ensures silent server
// failures are detected within ~2 missed pings.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"funding-arb/pkg/types"
)

const (
	pingInterval     = 50 * time.Second // how often we send PING to keep alive
	readTimeout      = 90 * time.Second // ~2 missed pings triggers reconnect
	maxReconnectWait = 30 * time.Second // cap on exponential backoff
	writeTimeout     = 10 * time.Second // deadline for outgoing messages
)

// Decoder turns one venue WS message into a BookTicker. Returning false
// skips the message (heartbeats, acks, unrelated channels).
type Decoder func(data []byte) (types.BookTicker, bool)

// tickerMsg is the default wire format: a flat JSON book-ticker update.
type tickerMsg struct {
	Channel string          `json:"channel"`
	Symbol  string          `json:"symbol"`
	Bid     decimal.Decimal `json:"bid"`
	Ask     decimal.Decimal `json:"ask"`
	BidSize decimal.Decimal `json:"bid_size"`
	AskSize decimal.Decimal `json:"ask_size"`
	Seq     int64           `json:"seq"`
}

// subscribeMsg is the default subscribe/unsubscribe request.
type subscribeMsg struct {
	Op      string   `json:"op"` // "subscribe" or "unsubscribe"
	Channel string   `json:"channel"`
	Symbols []string `json:"symbols"`
}

// DefaultDecoder parses the flat book-ticker format used by the paper stack
// and the test harness. Real venue adapters install their own Decoder.
func DefaultDecoder(venue string) Decoder {
	return func(data []byte) (types.BookTicker, bool) {
		var msg tickerMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			return types.BookTicker{}, false
		}
		if msg.Channel != "" && msg.Channel != "bookTicker" {
			return types.BookTicker{}, false
		}
		if msg.Symbol == "" || msg.Bid.IsZero() && msg.Ask.IsZero() {
			return types.BookTicker{}, false
		}
		return types.BookTicker{
			Venue:   venue,
			Symbol:  msg.Symbol,
			Bid:     msg.Bid,
			Ask:     msg.Ask,
			BidSize: msg.BidSize,
			AskSize: msg.AskSize,
			Seq:     msg.Seq,
			Ts:      time.Now(),
		}, true
	}
}

// TickerFeed maintains one venue's WebSocket connection, feeding the cache.
type TickerFeed struct {
	url    string
	venue  string
	cache  *BookTickerCache
	decode Decoder

	conn   *websocket.Conn
	connMu sync.Mutex // protects conn reads/writes

	// Track subscriptions for automatic re-subscribe on reconnect
	subscribedMu sync.RWMutex
	subscribed   map[string]bool

	logger *slog.Logger
}

// NewTickerFeed creates a feed for one venue. A nil decoder installs the
// default flat format.
func NewTickerFeed(venue, wsURL string, cache *BookTickerCache, decode Decoder, logger *slog.Logger) *TickerFeed {
	if decode == nil {
		decode = DefaultDecoder(venue)
	}
	return &TickerFeed{
		url:        wsURL,
		venue:      venue,
		cache:      cache,
		decode:     decode,
		subscribed: make(map[string]bool),
		logger:     logger.With("component", "ticker-feed", "venue", venue),
	}
}

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *TickerFeed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		// Exponential backoff: 1s, 2s, 4s, 8s, ..., 30s max
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Subscribe starts streaming symbols. Already-subscribed symbols are
// re-sent harmlessly; subscriptions survive reconnects.
func (f *TickerFeed) Subscribe(ctx context.Context, symbols []string) error {
	f.subscribedMu.Lock()
	var fresh []string
	for _, s := range symbols {
		if !f.subscribed[s] {
			fresh = append(fresh, s)
		}
		f.subscribed[s] = true
	}
	f.subscribedMu.Unlock()

	if len(fresh) == 0 {
		return nil
	}
	err := f.writeJSON(subscribeMsg{Op: "subscribe", Channel: "bookTicker", Symbols: fresh})
	if err != nil {
		// Not connected yet: the initial subscription on connect covers it.
		f.logger.Debug("subscribe queued until connect", "symbols", fresh, "error", err)
		return nil
	}
	return nil
}

// Unsubscribe stops streaming symbols. Removal from the tracked set alone
// is enough when disconnected: the next connect simply skips them.
func (f *TickerFeed) Unsubscribe(ctx context.Context, symbols []string) error {
	f.subscribedMu.Lock()
	for _, s := range symbols {
		delete(f.subscribed, s)
	}
	f.subscribedMu.Unlock()

	if err := f.writeJSON(subscribeMsg{Op: "unsubscribe", Channel: "bookTicker", Symbols: symbols}); err != nil {
		f.logger.Debug("unsubscribe while disconnected", "symbols", symbols, "error", err)
	}
	return nil
}

// Close gracefully closes the connection.
func (f *TickerFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *TickerFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.sendInitialSubscription(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("websocket connected")

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	// Read loop with deadline so we reconnect if server goes silent
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		if tk, ok := f.decode(msg); ok {
			f.cache.Put(tk)
		}
	}
}

func (f *TickerFeed) sendInitialSubscription() error {
	f.subscribedMu.RLock()
	symbols := make([]string, 0, len(f.subscribed))
	for s := range f.subscribed {
		symbols = append(symbols, s)
	}
	f.subscribedMu.RUnlock()

	if len(symbols) == 0 {
		return nil
	}
	return f.writeJSON(subscribeMsg{Op: "subscribe", Channel: "bookTicker", Symbols: symbols})
}

func (f *TickerFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *TickerFeed) writeJSON(v interface{}) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *TickerFeed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}
