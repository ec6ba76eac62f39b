// Package fetcher is the scheduled job that pulls market prices and appends them to the
// price store as one batch per fetch cycle.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when the upstream rejects a call with 429.
var ErrRateLimited = errors.New("upstream rate limit exceeded")

// priceScale is the number of decimal places kept from upstream quotes.
const priceScale = 8

// Quote is one coin's current price in USD.
type Quote struct {
	ID    string
	Price decimal.Decimal
}

// Client calls the CoinGecko markets endpoint.
type Client struct {
	apiURL     string
	apiKey     string
	perPage    int
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewClient creates a markets client allowing rps upstream calls per second.
func NewClient(apiURL, apiKey string, perPage int, rps float64, logger *slog.Logger) *Client {
	return &Client{
		apiURL:  apiURL,
		apiKey:  apiKey,
		perPage: perPage,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		logger:  logger.With("component", "coingecko_client"),
	}
}

// Markets returns the current USD price of the top coins by market cap. Entries without a
// usable price are skipped.
func (c *Client) Markets(ctx context.Context) ([]Quote, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	startTime := time.Now()
	body, err := c.get(ctx)
	if err != nil {
		return nil, err
	}

	quotes, err := c.parse(body)
	if err != nil {
		return nil, err
	}

	c.logger.Info("markets_fetched",
		"quotes", len(quotes),
		"size_bytes", len(body),
		"latency_ms", time.Since(startTime).Milliseconds(),
	)
	return quotes, nil
}

func (c *Client) get(ctx context.Context) ([]byte, error) {
	params := url.Values{}
	params.Set("vs_currency", "usd")
	params.Set("order", "market_cap_desc")
	params.Set("per_page", strconv.Itoa(c.perPage))
	params.Set("page", "1")
	params.Set("sparkline", "false")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-cg-demo-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("markets request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read markets response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, ErrRateLimited
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("unexpected status code: %d: %s", resp.StatusCode, gjson.GetBytes(body, "error").String())
	}
	return body, nil
}

func (c *Client) parse(body []byte) ([]Quote, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("markets response is not valid JSON")
	}
	result := gjson.ParseBytes(body)
	if !result.IsArray() {
		return nil, fmt.Errorf("markets response is not an array")
	}

	quotes := make([]Quote, 0, len(result.Array()))
	seen := make(map[string]struct{})
	result.ForEach(func(_, item gjson.Result) bool {
		id := item.Get("id").String()
		raw := item.Get("current_price")
		if id == "" || strings.ContainsAny(id, "| \t\r\n") {
			c.logger.Warn("quote_skipped", "id", id, "reason", "invalid_id")
			return true
		}
		if raw.Type != gjson.Number {
			c.logger.Warn("quote_skipped", "id", id, "reason", "missing_price")
			return true
		}
		if _, dup := seen[id]; dup {
			return true
		}

		price, err := decimal.NewFromString(raw.Raw)
		if err == nil {
			price = price.Round(priceScale)
		}
		// Checked after rounding: a sub-scale price would round to zero.
		if err != nil || !price.IsPositive() {
			c.logger.Warn("quote_skipped", "id", id, "price", raw.Raw, "reason", "invalid_price")
			return true
		}

		seen[id] = struct{}{}
		quotes = append(quotes, Quote{ID: id, Price: price})
		return true
	})
	return quotes, nil
}
