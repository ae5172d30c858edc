package venue

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"funding-arb/internal/config"
	"funding-arb/pkg/types"
)

// QuoteCache is the read side of a live ticker cache. BestBidAsk consults it
// before falling back to REST; fresh REST reads are written back so other
// consumers see them. *market.BookTickerCache satisfies it.
type QuoteCache interface {
	Get(venue, symbol string) (types.BookTicker, bool)
	Put(tk types.BookTicker)
}

// RESTVenue is an Adapter over the normalized perp-DEX gateway REST API.
// Every venue behind the gateway speaks the same dialect under /api/v1; only
// the base URL and credentials differ per venue. Private endpoints are
// signed with HMAC-SHA256 over timestamp, method, path and body.
//
// RESTVenue does no rate limiting or circuit breaking of its own: wrap it in
// a Guard before handing it to the engine.
type RESTVenue struct {
	cfg    config.VenueConfig
	http   *resty.Client
	quotes QuoteCache
	secret []byte
	logger *slog.Logger

	mu      sync.RWMutex
	symbols map[string]symbolMeta
	orders  map[string]*restOrder
}

type symbolMeta struct {
	tick   decimal.Decimal
	lot    decimal.Decimal
	maxLev int
}

// restOrder is the client-side record of an order we placed. The gateway is
// keyed by our client ID, but side and requested quantity are ours to
// remember: status polls return only what the venue knows.
type restOrder struct {
	symbol    string
	side      types.Side
	requested decimal.Decimal
	venueID   string
	placedAt  time.Time
}

type wireSymbol struct {
	Symbol      string          `json:"symbol"`
	TickSize    decimal.Decimal `json:"tick_size"`
	LotSize     decimal.Decimal `json:"lot_size"`
	MaxLeverage int             `json:"max_leverage"`
}

type exchangeInfoResponse struct {
	Symbols []wireSymbol `json:"symbols"`
}

type wireTicker struct {
	Symbol  string          `json:"symbol"`
	Bid     decimal.Decimal `json:"bid"`
	Ask     decimal.Decimal `json:"ask"`
	BidSize decimal.Decimal `json:"bid_size"`
	AskSize decimal.Decimal `json:"ask_size"`
	Seq     int64           `json:"seq"`
}

type wireLevel struct {
	Price decimal.Decimal `json:"price"`
	Qty   decimal.Decimal `json:"qty"`
}

type wireDepth struct {
	Bids []wireLevel `json:"bids"`
	Asks []wireLevel `json:"asks"`
}

type orderRequest struct {
	ClientID   string          `json:"client_id"`
	Symbol     string          `json:"symbol"`
	Side       string          `json:"side"`
	Type       string          `json:"type"`
	Qty        decimal.Decimal `json:"qty"`
	Price      decimal.Decimal `json:"price"`
	PostOnly   bool            `json:"post_only"`
	ReduceOnly bool            `json:"reduce_only"`
}

type orderAck struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

type wireOrder struct {
	OrderID   string          `json:"order_id"`
	ClientID  string          `json:"client_id"`
	Symbol    string          `json:"symbol"`
	Side      string          `json:"side"`
	Qty       decimal.Decimal `json:"qty"`
	FilledQty decimal.Decimal `json:"filled_qty"`
	AvgPrice  decimal.Decimal `json:"avg_price"`
	Fees      decimal.Decimal `json:"fees"`
	Status    string          `json:"status"`
	UpdatedAt int64           `json:"updated_at"` // unix milliseconds
}

type wirePosition struct {
	Symbol string          `json:"symbol"`
	Qty    decimal.Decimal `json:"qty"` // signed, positive long
}

type leverageRequest struct {
	Symbol   string `json:"symbol"`
	Leverage int    `json:"leverage"`
}

// NewRESTVenue builds a venue client for one gateway endpoint. Pass a nil
// quotes cache to read every ticker over REST.
func NewRESTVenue(cfg config.VenueConfig, quotes QuoteCache, logger *slog.Logger) *RESTVenue {
	client := resty.New().
		SetBaseURL(cfg.RESTBaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			// Resubmits are safe: the gateway dedups orders on client_id.
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		}).
		SetHeader("Content-Type", "application/json")

	return &RESTVenue{
		cfg:     cfg,
		http:    client,
		quotes:  quotes,
		secret:  decodeSecret(cfg.APISecret),
		logger:  logger.With("component", "venue-rest", "venue", cfg.Name),
		symbols: make(map[string]symbolMeta),
		orders:  make(map[string]*restOrder),
	}
}

// decodeSecret accepts base64 secrets in either alphabet, padded or not, and
// falls back to the raw bytes for venues that issue plain-text secrets.
func decodeSecret(s string) []byte {
	for _, enc := range []*base64.Encoding{
		base64.URLEncoding,
		base64.RawURLEncoding,
		base64.StdEncoding,
		base64.RawStdEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil {
			return b
		}
	}
	return []byte(s)
}

// Warm loads symbol metadata and proves the credentials work. Call once at
// startup before the venue is handed to the engine; trading against a venue
// with unknown tick sizes or dead keys fails here, not mid-hedge.
func (v *RESTVenue) Warm(ctx context.Context, symbols []string) error {
	if err := v.loadSymbols(ctx, symbols); err != nil {
		return err
	}
	if err := v.verifyAuth(ctx); err != nil {
		return err
	}
	v.logger.Info("venue ready", "symbols", len(symbols))
	return nil
}

func (v *RESTVenue) loadSymbols(ctx context.Context, symbols []string) error {
	path := "/api/v1/exchange-info"
	if len(symbols) > 0 {
		path += "?symbols=" + url.QueryEscape(strings.Join(symbols, ","))
	}
	var out exchangeInfoResponse
	resp, err := v.http.R().SetContext(ctx).SetResult(&out).Get(path)
	if cerr := v.classify("exchange info", resp, err); cerr != nil {
		return cerr
	}

	v.mu.Lock()
	for _, s := range out.Symbols {
		v.symbols[s.Symbol] = symbolMeta{tick: s.TickSize, lot: s.LotSize, maxLev: s.MaxLeverage}
	}
	v.mu.Unlock()

	for _, want := range symbols {
		v.mu.RLock()
		_, ok := v.symbols[want]
		v.mu.RUnlock()
		if !ok {
			return fmt.Errorf("%s: exchange info missing symbol %s", v.cfg.Name, want)
		}
	}
	return nil
}

func (v *RESTVenue) verifyAuth(ctx context.Context) error {
	if v.cfg.APIKey == "" {
		return fmt.Errorf("%s: %w: no API key configured", v.cfg.Name, ErrAuth)
	}
	const path = "/api/v1/account"
	r := v.http.R().SetContext(ctx)
	v.sign(r, http.MethodGet, path, nil)
	resp, err := r.Get(path)
	return v.classify("verify auth", resp, err)
}

// sign sets the auth headers for a private call. The signature covers the
// timestamp, method, path including query, and the exact body bytes sent, so
// signed requests must build their query into the path rather than through
// query params.
func (v *RESTVenue) sign(r *resty.Request, method, path string, body []byte) {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(ts))
	mac.Write([]byte(method))
	mac.Write([]byte(path))
	mac.Write(body)
	r.SetHeader("X-API-KEY", v.cfg.APIKey)
	r.SetHeader("X-API-TIMESTAMP", ts)
	r.SetHeader("X-API-SIGNATURE", base64.URLEncoding.EncodeToString(mac.Sum(nil)))
}

// classify maps a REST outcome onto the shared error taxonomy: transport
// errors and 429/5xx become TransientError, 401/403 wrap ErrAuth, post-only
// reject messages wrap ErrPostOnlyReject. Anything else surfaces the status
// and body verbatim.
func (v *RESTVenue) classify(op string, resp *resty.Response, err error) error {
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%s: %s: %w", v.cfg.Name, op, err)
		}
		return &TransientError{Venue: v.cfg.Name, Op: op, Err: err}
	}

	code := resp.StatusCode()
	switch {
	case code == http.StatusOK:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%s: %s: status %d: %s: %w", v.cfg.Name, op, code, resp.String(), ErrAuth)
	case code == http.StatusTooManyRequests || code >= http.StatusInternalServerError:
		return &TransientError{
			Venue: v.cfg.Name,
			Op:    op,
			Err:   fmt.Errorf("status %d: %s", code, resp.String()),
		}
	default:
		body := resp.String()
		for _, m := range postOnlyMessages {
			if strings.Contains(body, m) {
				return fmt.Errorf("%s: %s: %w: %s", v.cfg.Name, op, ErrPostOnlyReject, body)
			}
		}
		return fmt.Errorf("%s: %s: status %d: %s", v.cfg.Name, op, code, body)
	}
}

func (v *RESTVenue) Name() string { return v.cfg.Name }

// BestBidAsk serves from the live cache when it has a fresh entry and only
// then falls back to REST. Failures on the fallback path wrap ErrStaleQuote:
// by then there is no trustworthy quote at all.
func (v *RESTVenue) BestBidAsk(ctx context.Context, symbol string) (types.BookTicker, error) {
	if v.quotes != nil {
		if tk, ok := v.quotes.Get(v.cfg.Name, symbol); ok {
			return tk, nil
		}
	}

	path := "/api/v1/ticker?symbol=" + url.QueryEscape(symbol)
	var out wireTicker
	resp, err := v.http.R().SetContext(ctx).SetResult(&out).Get(path)
	if cerr := v.classify("ticker", resp, err); cerr != nil {
		return types.BookTicker{}, fmt.Errorf("%s: %w: %v", v.cfg.Name, ErrStaleQuote, cerr)
	}
	if !out.Bid.IsPositive() || !out.Ask.IsPositive() {
		return types.BookTicker{}, fmt.Errorf("%s: %w: empty book for %s", v.cfg.Name, ErrStaleQuote, symbol)
	}

	tk := types.BookTicker{
		Venue:   v.cfg.Name,
		Symbol:  symbol,
		Bid:     out.Bid,
		Ask:     out.Ask,
		BidSize: out.BidSize,
		AskSize: out.AskSize,
		Seq:     out.Seq,
		Ts:      time.Now(),
	}
	if v.quotes != nil {
		v.quotes.Put(tk)
	}
	return tk, nil
}

func (v *RESTVenue) OrderBook(ctx context.Context, symbol string, depth int) ([]types.BookLevel, []types.BookLevel, error) {
	path := "/api/v1/depth?symbol=" + url.QueryEscape(symbol)
	if depth > 0 {
		path += "&limit=" + strconv.Itoa(depth)
	}
	var out wireDepth
	resp, err := v.http.R().SetContext(ctx).SetResult(&out).Get(path)
	if cerr := v.classify("depth", resp, err); cerr != nil {
		return nil, nil, cerr
	}

	bids := make([]types.BookLevel, 0, len(out.Bids))
	for _, l := range out.Bids {
		bids = append(bids, types.BookLevel{Price: l.Price, Qty: l.Qty})
	}
	asks := make([]types.BookLevel, 0, len(out.Asks))
	for _, l := range out.Asks {
		asks = append(asks, types.BookLevel{Price: l.Price, Qty: l.Qty})
	}
	return bids, asks, nil
}

func (v *RESTVenue) PlaceLimit(ctx context.Context, symbol string, side types.Side, qty, price decimal.Decimal, postOnly, reduceOnly bool) (string, error) {
	return v.submit(ctx, orderRequest{
		Symbol:     symbol,
		Side:       string(side),
		Type:       "LIMIT",
		Qty:        qty,
		Price:      price,
		PostOnly:   postOnly,
		ReduceOnly: reduceOnly,
	}, side, "place limit")
}

func (v *RESTVenue) PlaceMarket(ctx context.Context, symbol string, side types.Side, qty decimal.Decimal, reduceOnly bool) (string, error) {
	return v.submit(ctx, orderRequest{
		Symbol:     symbol,
		Side:       string(side),
		Type:       "MARKET",
		Qty:        qty,
		ReduceOnly: reduceOnly,
	}, side, "place market")
}

func (v *RESTVenue) submit(ctx context.Context, req orderRequest, side types.Side, op string) (string, error) {
	req.ClientID = uuid.NewString()
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("%s: %s: marshal: %w", v.cfg.Name, op, err)
	}

	const path = "/api/v1/orders"
	var ack orderAck
	r := v.http.R().SetContext(ctx).SetBody(body).SetResult(&ack)
	v.sign(r, http.MethodPost, path, body)
	resp, err := r.Post(path)
	if cerr := v.classify(op, resp, err); cerr != nil {
		return "", cerr
	}

	v.mu.Lock()
	v.orders[req.ClientID] = &restOrder{
		symbol:    req.Symbol,
		side:      side,
		requested: req.Qty,
		venueID:   ack.OrderID,
		placedAt:  time.Now(),
	}
	v.mu.Unlock()

	v.logger.Debug("order placed",
		"op", op, "symbol", req.Symbol, "side", req.Side,
		"qty", req.Qty, "client_id", req.ClientID, "venue_id", ack.OrderID)
	return req.ClientID, nil
}

// Cancel is idempotent: an order the gateway no longer knows counts as
// canceled.
func (v *RESTVenue) Cancel(ctx context.Context, clientID string) error {
	path := "/api/v1/orders/" + clientID
	r := v.http.R().SetContext(ctx)
	v.sign(r, http.MethodDelete, path, nil)
	resp, err := r.Delete(path)
	if err == nil && resp.StatusCode() == http.StatusNotFound {
		return nil
	}
	return v.classify("cancel", resp, err)
}

func (v *RESTVenue) OrderStatus(ctx context.Context, clientID string) (types.TrackedOrder, error) {
	v.mu.RLock()
	reg, ok := v.orders[clientID]
	v.mu.RUnlock()
	if !ok {
		return types.TrackedOrder{}, fmt.Errorf("%s: %w: %s", v.cfg.Name, ErrOrderNotFound, clientID)
	}

	path := "/api/v1/orders/" + clientID
	var out wireOrder
	r := v.http.R().SetContext(ctx).SetResult(&out)
	v.sign(r, http.MethodGet, path, nil)
	resp, err := r.Get(path)
	if err == nil && resp.StatusCode() == http.StatusNotFound {
		return types.TrackedOrder{}, fmt.Errorf("%s: %w: %s", v.cfg.Name, ErrOrderNotFound, clientID)
	}
	if cerr := v.classify("order status", resp, err); cerr != nil {
		return types.TrackedOrder{}, cerr
	}

	if reg.venueID == "" && out.OrderID != "" {
		v.mu.Lock()
		reg.venueID = out.OrderID
		v.mu.Unlock()
	}

	updated := time.Now()
	if out.UpdatedAt > 0 {
		updated = time.UnixMilli(out.UpdatedAt)
	}
	return types.TrackedOrder{
		Venue:        v.cfg.Name,
		Symbol:       reg.symbol,
		ClientID:     clientID,
		VenueID:      out.OrderID,
		Side:         reg.side,
		RequestedQty: reg.requested,
		FilledQty:    out.FilledQty,
		AvgFillPrice: out.AvgPrice,
		FeesPaid:     out.Fees,
		Status:       mapOrderStatus(out.Status),
		PlacedAt:     reg.placedAt,
		UpdatedAt:    updated,
	}, nil
}

// mapOrderStatus normalizes gateway status strings. Unrecognized values map
// to OrderUnknown so the executor keeps polling instead of guessing.
func mapOrderStatus(s string) types.OrderStatus {
	switch strings.ToUpper(s) {
	case "NEW", "PLACED", "OPEN", "ACCEPTED":
		return types.OrderPlaced
	case "PARTIAL", "PARTIALLY_FILLED":
		return types.OrderPartial
	case "FILLED":
		return types.OrderFilled
	case "CANCELED", "CANCELLED", "EXPIRED":
		return types.OrderCanceled
	case "REJECTED":
		return types.OrderRejected
	default:
		return types.OrderUnknown
	}
}

func (v *RESTVenue) PositionQty(ctx context.Context, symbol string) (decimal.Decimal, error) {
	path := "/api/v1/positions?symbol=" + url.QueryEscape(symbol)
	var out wirePosition
	r := v.http.R().SetContext(ctx).SetResult(&out)
	v.sign(r, http.MethodGet, path, nil)
	resp, err := r.Get(path)
	if err == nil && resp.StatusCode() == http.StatusNotFound {
		// The venue has never seen the symbol: flat.
		return decimal.Zero, nil
	}
	if cerr := v.classify("position", resp, err); cerr != nil {
		return decimal.Zero, cerr
	}
	return out.Qty, nil
}

func (v *RESTVenue) SetAccountLeverage(ctx context.Context, symbol string, leverage int) error {
	if !v.cfg.SupportsLeverage {
		return fmt.Errorf("%s: %w: account leverage", v.cfg.Name, ErrUnsupported)
	}
	body, err := json.Marshal(leverageRequest{Symbol: symbol, Leverage: leverage})
	if err != nil {
		return fmt.Errorf("%s: set leverage: marshal: %w", v.cfg.Name, err)
	}
	const path = "/api/v1/leverage"
	r := v.http.R().SetContext(ctx).SetBody(body)
	v.sign(r, http.MethodPost, path, body)
	resp, err := r.Post(path)
	return v.classify("set leverage", resp, err)
}

func (v *RESTVenue) MaxLeverage(_ context.Context, symbol string) (int, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	m, ok := v.symbols[symbol]
	if !ok || m.maxLev <= 0 {
		return 0, fmt.Errorf("%s: no leverage metadata for %s", v.cfg.Name, symbol)
	}
	return m.maxLev, nil
}

// TickSize returns the cached price increment, zero when the symbol was
// never loaded. Warm guarantees metadata for every configured symbol.
func (v *RESTVenue) TickSize(symbol string) decimal.Decimal {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.symbols[symbol].tick
}

func (v *RESTVenue) LotSize(symbol string) decimal.Decimal {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.symbols[symbol].lot
}

func (v *RESTVenue) RoundPrice(symbol string, price decimal.Decimal, side types.Side) decimal.Decimal {
	return RoundToTick(price, v.TickSize(symbol), side)
}

func (v *RESTVenue) FullDepth() bool { return v.cfg.FullDepth }
