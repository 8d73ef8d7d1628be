// Package cache implements the two-tier cache primitive shared by the
// indicator cache and the wallet balance cache: an in-process L1 map plus a
// best-effort Redis L2 tier that degrades to L1-only on failure.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// TieredCache is a string-keyed, JSON-valued cache with an in-process L1
// tier and an optional shared L2 (Redis) tier.
type TieredCache struct {
	mu sync.RWMutex
	l1 map[string]entry

	redis  *redis.Client
	prefix string
	logger zerolog.Logger

	healthyMu    sync.RWMutex
	healthy      bool
	failureCount int

	maxFailures   int
	checkInterval time.Duration
	lastCheck     time.Time
}

type entry struct {
	value   []byte
	expires time.Time
}

// New builds an L1-only cache (no Redis configured).
func New(logger zerolog.Logger) *TieredCache {
	return &TieredCache{
		l1:            make(map[string]entry),
		logger:        logger.With().Str("component", "tiered_cache").Logger(),
		maxFailures:   3,
		checkInterval: 30 * time.Second,
	}
}

// WithRedis attaches a best-effort L2 tier under the given key prefix.
func (c *TieredCache) WithRedis(client *redis.Client, prefix string) *TieredCache {
	c.redis = client
	c.prefix = prefix
	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err == nil {
			c.setHealthy(true)
		} else {
			c.logger.Warn().Err(err).Msg("redis L2 tier unreachable at startup, starting degraded")
		}
	}
	return c
}

// Get looks up key, checking L1 first, then L2 if L1 misses and L2 is
// healthy. A L2 hit populates L1 opportunistically.
func (c *TieredCache) Get(ctx context.Context, key string, out interface{}) (bool, error) {
	c.mu.RLock()
	e, ok := c.l1[key]
	c.mu.RUnlock()
	if ok && time.Now().Before(e.expires) {
		return true, json.Unmarshal(e.value, out)
	}

	if !c.l2Usable() {
		return false, nil
	}

	raw, err := c.redis.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.recordFailure()
		}
		return false, nil
	}
	c.recordSuccess()

	if err := json.Unmarshal(raw, out); err != nil {
		return false, nil
	}
	c.mu.Lock()
	c.l1[key] = entry{value: raw, expires: time.Now().Add(time.Minute)}
	c.mu.Unlock()
	return true, nil
}

// Set stores value in L1 (always) and L2 (best-effort) with the given TTL.
func (c *TieredCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.l1[key] = entry{value: raw, expires: time.Now().Add(ttl)}
	c.mu.Unlock()

	if !c.l2Usable() {
		return nil
	}
	if err := c.redis.Set(ctx, c.prefix+key, raw, ttl).Err(); err != nil {
		c.recordFailure()
	} else {
		c.recordSuccess()
	}
	return nil
}

func (c *TieredCache) l2Usable() bool {
	if c.redis == nil {
		return false
	}
	c.healthyMu.RLock()
	healthy := c.healthy
	lastCheck := c.lastCheck
	c.healthyMu.RUnlock()

	if healthy {
		return true
	}
	if time.Since(lastCheck) >= c.checkInterval {
		go c.probe()
	}
	return false
}

func (c *TieredCache) probe() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.redis.Ping(ctx).Err(); err == nil {
		c.setHealthy(true)
	}
}

func (c *TieredCache) recordFailure() {
	c.healthyMu.Lock()
	defer c.healthyMu.Unlock()
	c.failureCount++
	c.lastCheck = time.Now()
	if c.failureCount >= c.maxFailures && c.healthy {
		c.logger.Warn().Int("failures", c.failureCount).Msg("redis L2 tier marked unhealthy, degrading to L1-only")
		c.healthy = false
	}
}

func (c *TieredCache) recordSuccess() {
	c.healthyMu.Lock()
	defer c.healthyMu.Unlock()
	if !c.healthy {
		c.logger.Info().Msg("redis L2 tier recovered")
	}
	c.healthy = true
	c.failureCount = 0
	c.lastCheck = time.Now()
}

func (c *TieredCache) setHealthy(v bool) {
	c.healthyMu.Lock()
	defer c.healthyMu.Unlock()
	c.healthy = v
	c.lastCheck = time.Now()
}
