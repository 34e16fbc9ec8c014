// Package price supplies market prices for open positions.
//
// Prices are advisory: a provider that cannot price an asset leaves it out of
// the returned map and the position is reported with priceMissing set.
package price

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
)

// ErrInvalidList is returned by ParseList for a malformed price list.
var ErrInvalidList = errors.New("price: invalid price list")

// Provider looks up the latest price of each asset. Assets it cannot price
// are absent from the result.
type Provider interface {
	Prices(ctx context.Context, assetIDs []string) (map[string]decimal.Decimal, error)
}

// Static serves a fixed price map. The zero value prices nothing.
type Static map[string]decimal.Decimal

func (s Static) Prices(_ context.Context, assetIDs []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(assetIDs))
	for _, id := range assetIDs {
		if p, ok := s[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

// HTTPProvider queries a price API:
//
//	GET {baseURL}/prices?assets=AAPL,MSFT  ->  {"prices": {"AAPL": "187.20", "MSFT": 402}}
//
// Requests are retried with backoff and guarded by a circuit breaker, so a
// failing upstream is skipped quickly instead of stalling every request.
type HTTPProvider struct {
	baseURL    string
	httpClient *http.Client
	retry      RetryConfig
	cb         *gobreaker.CircuitBreaker
	logger     *slog.Logger
}

// NewHTTPProvider creates a provider for baseURL. timeout bounds each attempt.
func NewHTTPProvider(baseURL string, timeout time.Duration, logger *slog.Logger) *HTTPProvider {
	if logger == nil {
		logger = slog.Default()
	}
	p := &HTTPProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		retry:      DefaultRetry,
		logger:     logger,
	}
	p.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "price-api",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return p
}

// WithRetry overrides the retry policy.
func (p *HTTPProvider) WithRetry(cfg RetryConfig) *HTTPProvider {
	p.retry = cfg
	return p
}

type pricesResponse struct {
	Prices map[string]decimal.Decimal `json:"prices"`
}

func (p *HTTPProvider) Prices(ctx context.Context, assetIDs []string) (map[string]decimal.Decimal, error) {
	if len(assetIDs) == 0 {
		return map[string]decimal.Decimal{}, nil
	}

	ids := append([]string(nil), assetIDs...)
	sort.Strings(ids)
	endpoint := p.baseURL + "/prices?assets=" + url.QueryEscape(strings.Join(ids, ","))

	res, err := p.cb.Execute(func() (interface{}, error) {
		resp, err := doWithRetry(ctx, p.httpClient, p.retry, p.logger, func() (*http.Request, error) {
			return http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		})
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("price api returned status %d", resp.StatusCode)
		}

		var body pricesResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, fmt.Errorf("decode: %w", err)
		}
		return body.Prices, nil
	})
	if err != nil {
		return nil, fmt.Errorf("price fetch: %w", err)
	}

	out := make(map[string]decimal.Decimal, len(ids))
	for id, v := range res.(map[string]decimal.Decimal) {
		if v.IsPositive() {
			out[id] = v
		}
	}
	return out, nil
}

// ParseList parses "AAPL:187.2,MSFT:402" into a price map. An empty string
// yields an empty map.
func ParseList(s string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal)
	if strings.TrimSpace(s) == "" {
		return out, nil
	}
	for _, pair := range strings.Split(s, ",") {
		asset, value, ok := strings.Cut(strings.TrimSpace(pair), ":")
		asset = strings.TrimSpace(asset)
		if !ok || asset == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidList, pair)
		}
		v, err := decimal.NewFromString(strings.TrimSpace(value))
		if err != nil || !v.IsPositive() {
			return nil, fmt.Errorf("%w: price for %s must be a positive number", ErrInvalidList, asset)
		}
		out[asset] = v
	}
	return out, nil
}

// Merge returns base overlaid with override.
func Merge(base, override map[string]decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}
