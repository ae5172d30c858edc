package funding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"funding-arb/internal/config"
	"funding-arb/pkg/types"
)

// ErrNoOpportunity means the service has no current opportunity for the
// symbol (HTTP 404 on /opportunities/best). Expected, not a failure.
var ErrNoOpportunity = errors.New("no opportunity for symbol")

// Client wraps the funding-rate aggregation service. All rates it returns
// are already normalized to a per-second basis by the service.
type Client struct {
	http   *resty.Client
	logger *slog.Logger
}

func NewClient(cfg config.FundingConfig, logger *slog.Logger) *Client {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(500 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})

	return &Client{
		http:   client,
		logger: logger.With("component", "funding-client"),
	}
}

// OpportunityFilter narrows the opportunities listing. Zero values mean no
// constraint.
type OpportunityFilter struct {
	MinProfitAPY float64
	MaxOIUSD     float64
	Dexes        []string
	Symbols      []string
}

type opportunitiesEnvelope struct {
	Opportunities []json.RawMessage `json:"opportunities"`
}

// Opportunities lists current cross-venue opportunities matching the filter,
// best first as ranked by the service. Records that fail to decode (missing
// venues, unparseable rates) are dropped individually with a warning rather
// than failing the scan.
func (c *Client) Opportunities(ctx context.Context, f OpportunityFilter) ([]types.Opportunity, error) {
	params := make(map[string]string)
	if f.MinProfitAPY > 0 {
		params["min_profit"] = strconv.FormatFloat(f.MinProfitAPY, 'f', -1, 64)
	}
	if f.MaxOIUSD > 0 {
		params["max_oi_usd"] = strconv.FormatFloat(f.MaxOIUSD, 'f', -1, 64)
	}
	if len(f.Dexes) > 0 {
		params["dexes"] = strings.Join(f.Dexes, ",")
	}
	if len(f.Symbols) > 0 {
		params["symbols"] = strings.Join(f.Symbols, ",")
	}

	var envelope opportunitiesEnvelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(&envelope).
		Get("/api/v1/opportunities")
	if err != nil {
		return nil, fmt.Errorf("fetch opportunities: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("fetch opportunities: status %d", resp.StatusCode())
	}

	opps := make([]types.Opportunity, 0, len(envelope.Opportunities))
	for _, raw := range envelope.Opportunities {
		var opp types.Opportunity
		if err := json.Unmarshal(raw, &opp); err != nil {
			c.logger.Warn("dropping malformed opportunity", "error", err, "raw", string(raw))
			continue
		}
		if opp.Symbol == "" || opp.LongVenue == "" || opp.ShortVenue == "" {
			c.logger.Warn("dropping incomplete opportunity", "raw", string(raw))
			continue
		}
		opps = append(opps, opp)
	}
	return opps, nil
}

// Compare returns the live divergence between two venues for one symbol.
func (c *Client) Compare(ctx context.Context, symbol, dex1, dex2 string) (types.RateComparison, error) {
	var cmp types.RateComparison
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol": symbol,
			"dex1":   dex1,
			"dex2":   dex2,
		}).
		SetResult(&cmp).
		Get("/api/v1/funding-rates/compare")
	if err != nil {
		return types.RateComparison{}, fmt.Errorf("compare %s %s/%s: %w", symbol, dex1, dex2, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.RateComparison{}, fmt.Errorf("compare %s %s/%s: status %d", symbol, dex1, dex2, resp.StatusCode())
	}
	return cmp, nil
}

// Payment is one settled funding transfer as reported by the service. Rate
// is the per-interval rate actually charged at settlement, signed from the
// long side's perspective: positive means longs paid shorts.
type Payment struct {
	Venue  string          `json:"dex"`
	Symbol string          `json:"symbol"`
	Rate   decimal.Decimal `json:"rate"`
	PaidAt time.Time       `json:"paid_at"`
}

type paymentsEnvelope struct {
	Payments []Payment `json:"payments"`
}

// Payments lists funding settlements for one symbol on the given venues from
// the cutoff onward. The window is inclusive on both ends, so pollers with
// overlapping windows see the boundary settlement twice and must de-duplicate
// by (venue, symbol, paid_at).
func (c *Client) Payments(ctx context.Context, symbol string, venues []string, since time.Time) ([]Payment, error) {
	params := map[string]string{
		"symbol": symbol,
		"since":  since.UTC().Format(time.RFC3339),
	}
	if len(venues) > 0 {
		params["dexes"] = strings.Join(venues, ",")
	}

	var envelope paymentsEnvelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(&envelope).
		Get("/api/v1/funding-payments")
	if err != nil {
		return nil, fmt.Errorf("fetch funding payments %s: %w", symbol, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("fetch funding payments %s: status %d", symbol, resp.StatusCode())
	}
	return envelope.Payments, nil
}

// Best returns the service's single best opportunity for a symbol, or
// ErrNoOpportunity when it has none.
func (c *Client) Best(ctx context.Context, symbol string) (types.Opportunity, error) {
	var opp types.Opportunity
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&opp).
		Get("/api/v1/opportunities/best")
	if err != nil {
		return types.Opportunity{}, fmt.Errorf("best opportunity %s: %w", symbol, err)
	}
	switch resp.StatusCode() {
	case http.StatusOK:
		return opp, nil
	case http.StatusNotFound:
		return types.Opportunity{}, fmt.Errorf("best opportunity %s: %w", symbol, ErrNoOpportunity)
	default:
		return types.Opportunity{}, fmt.Errorf("best opportunity %s: status %d", symbol, resp.StatusCode())
	}
}
