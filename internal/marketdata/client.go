// Package marketdata adapts the opaque market-data vendor (OHLC candles and
// spot price) behind a pacing, retrying HTTP client.
// No caching lives here; that belongs to internal/indicator.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/koshedu/meteora-rsi-bot/internal/errkind"
)

// Client is the concrete MarketDataClient: a single FIFO pacing gate in
// front of a retrying HTTP client.
type Client struct {
	baseURL string
	http    *retryablehttp.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// New builds a vendor client. baseURL points at the vendor's REST API root.
func New(baseURL string, logger zerolog.Logger) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = time.Second
	rc.RetryWaitMax = 4 * time.Second
	rc.Logger = nil // zerolog is the source of truth; silence retryablehttp's own logging
	rc.CheckRetry = checkRetry
	rc.Backoff = exponentialBackoff

	return &Client{
		baseURL: baseURL,
		http:    rc,
		// a single shared token bucket enforces the >=300ms global pacing
		// interval across every vendor call (klines and spot price alike).
		limiter: rate.NewLimiter(rate.Every(300*time.Millisecond), 1),
		logger:  logger.With().Str("component", "marketdata").Logger(),
	}
}

// checkRetry retries on transient network faults and 5xx, but treats 429
// as terminal from retryablehttp's point of view: FetchKlines and
// FetchSpotPrice translate it into errkind.RateLimited themselves rather
// than burning retries on a condition that won't clear in seconds.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return false, nil
	}
	if resp.StatusCode >= 500 {
		return true, nil
	}
	return false, nil
}

// exponentialBackoff implements the 1s/2s/4s retry schedule.
func exponentialBackoff(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
	wait := time.Second * time.Duration(1<<attemptNum)
	if wait > max {
		return max
	}
	return wait
}

// FetchKlines returns limit candles for symbol at timeframe tf, oldest
// first.
func (c *Client) FetchKlines(ctx context.Context, symbol string, tf string, limit int) ([]Kline, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", tf)
	q.Set("limit", strconv.Itoa(limit))

	raw, err := c.get(ctx, "/klines", q)
	if err != nil {
		return nil, err
	}

	var payload []rawKline
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("marketdata: decode klines: %w", err)
	}

	out := make([]Kline, 0, len(payload))
	for _, k := range payload {
		out = append(out, Kline{
			OpenTime:  time.UnixMilli(k.OpenTime),
			Open:      k.Open,
			High:      k.High,
			Low:       k.Low,
			Close:     k.Close,
			Volume:    k.Volume,
			CloseTime: time.UnixMilli(k.CloseTime),
		})
	}
	return out, nil
}

// FetchSpotPrice returns the latest traded price for symbol.
func (c *Client) FetchSpotPrice(ctx context.Context, symbol string) (float64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	q := url.Values{}
	q.Set("symbol", symbol)

	raw, err := c.get(ctx, "/ticker/price", q)
	if err != nil {
		return 0, err
	}

	var payload struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return 0, fmt.Errorf("marketdata: decode spot price: %w", err)
	}
	price, err := strconv.ParseFloat(payload.Price, 64)
	if err != nil {
		return 0, fmt.Errorf("marketdata: parse spot price: %w", err)
	}
	return price, nil
}

type rawKline struct {
	OpenTime  int64   `json:"openTime"`
	Open      float64 `json:"open,string"`
	High      float64 `json:"high,string"`
	Low       float64 `json:"low,string"`
	Close     float64 `json:"close,string"`
	Volume    float64 `json:"volume,string"`
	CloseTime int64   `json:"closeTime"`
}

func (c *Client) get(ctx context.Context, path string, q url.Values) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errkind.New(errkind.Transient, "", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errkind.New(errkind.Transient, "", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		c.logger.Warn().Str("path", path).Msg("vendor rate limit hit")
		return nil, errkind.New(errkind.RateLimited, "", fmt.Errorf("marketdata: 429 on %s", path))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("marketdata: unexpected status %d on %s: %s", resp.StatusCode, path, string(body))
	}
	return body, nil
}
