// Package indicator computes RSI across timeframes with a timeframe-aware
// TTL cache and per-key single-flight deduplication.
package indicator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/koshedu/meteora-rsi-bot/config"
	"github.com/koshedu/meteora-rsi-bot/internal/marketdata"
)

// KlineFetcher is the subset of MarketDataClient the indicator cache needs.
type KlineFetcher interface {
	FetchKlines(ctx context.Context, symbol, tf string, limit int) ([]marketdata.Kline, error)
	FetchSpotPrice(ctx context.Context, symbol string) (float64, error)
}

// Value is a computed RSI reading.
type Value struct {
	Timeframe      config.Timeframe
	Value          float64
	Signal         Signal
	CloseTimestamp time.Time
}

// RemoteCache is the subset of cache.TieredCache the indicator cache
// optionally builds on for its L2 tier. Nil-safe: a nil RemoteCache means
// L1-only.
type RemoteCache interface {
	Get(ctx context.Context, key string, out interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

type cachedRSI struct {
	value    Value
	cachedAt time.Time
}

// Cache is the concrete IndicatorCache.
type Cache struct {
	client KlineFetcher
	remote RemoteCache
	logger zerolog.Logger

	mu        sync.RWMutex
	byKey     map[string]cachedRSI
	rsiFlight singleflight.Group

	spotMu     sync.RWMutex
	spotCache  map[string]spotEntry
	spotFlight singleflight.Group

	thresholdsMu         sync.RWMutex
	oversold, overbought float64
}

type spotEntry struct {
	price    float64
	cachedAt time.Time
}

const spotTTL = 30 * time.Second

// New builds an indicator cache over client, with an optional remote L2
// tier (pass nil for L1-only).
func New(client KlineFetcher, remote RemoteCache, logger zerolog.Logger) *Cache {
	return &Cache{
		client:     client,
		remote:     remote,
		logger:     logger.With().Str("component", "indicator").Logger(),
		byKey:      make(map[string]cachedRSI),
		spotCache:  make(map[string]spotEntry),
		oversold:   30,
		overbought: 70,
	}
}

// SetThresholds updates the oversold/overbought thresholds used to classify
// future RSI computations; already-cached values keep their original
// classification until they next recompute.
func (c *Cache) SetThresholds(oversold, overbought float64) {
	c.thresholdsMu.Lock()
	defer c.thresholdsMu.Unlock()
	c.oversold = oversold
	c.overbought = overbought
}

func (c *Cache) thresholds() (float64, float64) {
	c.thresholdsMu.RLock()
	defer c.thresholdsMu.RUnlock()
	return c.oversold, c.overbought
}

func rsiKey(symbol string, tf config.Timeframe, period int) string {
	return fmt.Sprintf("%s|%s|%d", symbol, tf, period)
}

// RSI returns the cached-or-computed RSI value for (symbol, tf, period).
// forceRefresh bypasses the cache entirely (used by the scheduler's signal
// tick).
func (c *Cache) RSI(ctx context.Context, symbol string, tf config.Timeframe, period int, forceRefresh bool) (Value, error) {
	key := rsiKey(symbol, tf, period)

	if !forceRefresh {
		c.mu.RLock()
		cached, ok := c.byKey[key]
		c.mu.RUnlock()
		if ok && time.Since(cached.cachedAt) < tf.RSICacheTTL() {
			return cached.value, nil
		}
	}

	result, err, _ := c.rsiFlight.Do(key, func() (interface{}, error) {
		if !forceRefresh {
			if v, hit := c.remoteRSI(ctx, tf, key); hit {
				return v, nil
			}
		}
		return c.computeAndStore(ctx, symbol, tf, period, key)
	})
	if err != nil {
		return Value{}, err
	}
	return result.(Value), nil
}

// remoteRSI checks the shared L2 tier for a value another process computed
// within the TTL, populating L1 on a hit so subsequent reads stay local.
// Misses and L2 failures both report a plain miss.
func (c *Cache) remoteRSI(ctx context.Context, tf config.Timeframe, key string) (Value, bool) {
	if c.remote == nil {
		return Value{}, false
	}
	var v Value
	hit, err := c.remote.Get(ctx, "rsi:"+key, &v)
	if err != nil || !hit {
		return Value{}, false
	}
	c.mu.Lock()
	c.byKey[key] = cachedRSI{value: v, cachedAt: time.Now()}
	c.mu.Unlock()
	return v, true
}

func (c *Cache) computeAndStore(ctx context.Context, symbol string, tf config.Timeframe, period int, key string) (Value, error) {
	klines, err := c.client.FetchKlines(ctx, symbol, string(tf), period+50)
	if err != nil {
		return Value{}, err
	}
	if len(klines) == 0 {
		return Value{}, fmt.Errorf("indicator: no klines returned for %s/%s", symbol, tf)
	}

	rsi := wilderRSI(klines, period)
	v := Value{
		Timeframe:      tf,
		Value:          rsi,
		Signal:         Signal(""),
		CloseTimestamp: klines[len(klines)-1].CloseTime,
	}

	oversold, overbought := c.thresholds()
	v.Signal = ClassifySignal(rsi, oversold, overbought)

	c.mu.Lock()
	c.byKey[key] = cachedRSI{value: v, cachedAt: time.Now()}
	c.mu.Unlock()

	if c.remote != nil {
		_ = c.remote.Set(ctx, "rsi:"+key, v, tf.RSICacheTTL())
	}

	return v, nil
}

// RSIAll evaluates RSI sequentially (not in parallel, to maximize cache
// hits) across timeframes, substituting a neutral fallback for any
// timeframe whose fetch fails so the caller still gets one value per
// requested timeframe.
func (c *Cache) RSIAll(ctx context.Context, symbol string, timeframes []config.Timeframe, period int, force bool) []Value {
	out := make([]Value, 0, len(timeframes))
	for _, tf := range timeframes {
		v, err := c.RSI(ctx, symbol, tf, period, force)
		if err != nil {
			c.logger.Warn().Err(err).Str("symbol", symbol).Str("tf", string(tf)).Msg("rsi fetch failed, using neutral fallback")
			v = Value{Timeframe: tf, Value: 50, Signal: Neutral}
		}
		out = append(out, v)
	}
	return out
}

// SpotPrice returns the cached-or-fetched spot price for symbol, with the
// same single-flight discipline and a fixed 30s TTL.
func (c *Cache) SpotPrice(ctx context.Context, symbol string) (float64, error) {
	c.spotMu.RLock()
	cached, ok := c.spotCache[symbol]
	c.spotMu.RUnlock()
	if ok && time.Since(cached.cachedAt) < spotTTL {
		return cached.price, nil
	}

	result, err, _ := c.spotFlight.Do(symbol, func() (interface{}, error) {
		if c.remote != nil {
			var remote float64
			if hit, err := c.remote.Get(ctx, "spot:"+symbol, &remote); err == nil && hit {
				c.spotMu.Lock()
				c.spotCache[symbol] = spotEntry{price: remote, cachedAt: time.Now()}
				c.spotMu.Unlock()
				return remote, nil
			}
		}

		price, err := c.client.FetchSpotPrice(ctx, symbol)
		if err != nil {
			return 0.0, err
		}
		c.spotMu.Lock()
		c.spotCache[symbol] = spotEntry{price: price, cachedAt: time.Now()}
		c.spotMu.Unlock()
		if c.remote != nil {
			_ = c.remote.Set(ctx, "spot:"+symbol, price, spotTTL)
		}
		return price, nil
	})
	if err != nil {
		return 0, err
	}
	return result.(float64), nil
}

