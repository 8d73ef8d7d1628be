// Package scheduler drives the per-timeframe signal, range-monitor, and
// global harvest crons. Every handler is reentrancy-
// safe: a tick for a (timeframe, operation) pair that is still running from
// the previous tick is skipped, not queued.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/koshedu/meteora-rsi-bot/config"
	"github.com/koshedu/meteora-rsi-bot/internal/indicator"
	"github.com/koshedu/meteora-rsi-bot/internal/pool"
	"github.com/koshedu/meteora-rsi-bot/internal/position"
	"github.com/koshedu/meteora-rsi-bot/internal/wallet"
)

const (
	minBuyAmount  = 0.01
	minSellAmount = 10

	harvestInterval = time.Minute
)

// IndicatorSource is the slice of the indicator cache the scheduler reads:
// per-timeframe RSI and the spot price.
type IndicatorSource interface {
	RSI(ctx context.Context, symbol string, tf config.Timeframe, period int, forceRefresh bool) (indicator.Value, error)
	SpotPrice(ctx context.Context, symbol string) (float64, error)
}

// Scheduler drives the trading crons. It holds references to every other
// component it drives, assembled once at construction.
type Scheduler struct {
	cfg        *config.Store
	indicators IndicatorSource
	positions  *position.Store
	manager    *position.Manager
	walletSvc  *wallet.Service
	logger     zerolog.Logger

	symbol string

	leases sync.Map // key -> *int32, reentrancy guard per (tf, operation)
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Scheduler. cfg is a live store rather than a fixed snapshot
// so update_config takes effect on the next tick without a
// restart.
func New(cfg *config.Store, indicators IndicatorSource, positions *position.Store, manager *position.Manager, walletSvc *wallet.Service, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		indicators: indicators,
		positions:  positions,
		manager:    manager,
		walletSvc:  walletSvc,
		logger:     logger.With().Str("component", "scheduler").Logger(),
		symbol:     cfg.Get().Tokens.TradingSymbol,
		stopCh:     make(chan struct{}),
	}
}

// Start launches the signal and range-monitor crons for every enabled
// timeframe, plus the single global harvest cron. The enabled-timeframe
// set is captured once at startup: toggling a timeframe live changes its
// cadence inputs (RSI thresholds, position factor) but not which crons are
// running; structural changes require a restart.
func (s *Scheduler) Start(ctx context.Context) {
	for tf := range s.cfg.Get().EnabledTFs {
		tf := tf
		s.wg.Add(2)
		go s.runLoop(ctx, tf.Period(), "signal:"+string(tf), func() { s.evaluateSignal(ctx, tf) })
		go s.runLoop(ctx, tf.Period(), "range:"+string(tf), func() { s.monitorRange(ctx, tf) })
	}
	s.wg.Add(1)
	go s.runLoop(ctx, harvestInterval, "harvest:global", func() { s.harvestTick(ctx) })

	s.wg.Add(1)
	go s.runLoop(ctx, time.Hour, "balance:hourly", func() { s.sampleBalance(ctx) })
}

// sampleBalance is the hourly balance cron body: sample, then compress,
// invoked sequentially rather than fused into one step so each is
// independently testable.
func (s *Scheduler) sampleBalance(ctx context.Context) {
	if err := s.walletSvc.Sample(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("sample_balance: sample failed")
		return
	}
	s.walletSvc.Compress()
}

// Stop signals every running loop to exit and waits for in-flight handlers
// to finish. Shutdown stops the Scheduler before anything else.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Scheduler) runLoop(ctx context.Context, period time.Duration, leaseKey string, handler func()) {
	defer s.wg.Done()
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.tryAcquire(leaseKey) {
				continue // a prior tick for this key is still running
			}
			s.wg.Add(1) // Stop() must await in-flight handlers, not just the loops
			go func() {
				defer s.wg.Done()
				defer s.release(leaseKey)
				handler()
			}()
		}
	}
}

func (s *Scheduler) tryAcquire(key string) bool {
	v, _ := s.leases.LoadOrStore(key, new(int32))
	return atomic.CompareAndSwapInt32(v.(*int32), 0, 1)
}

func (s *Scheduler) release(key string) {
	if v, ok := s.leases.Load(key); ok {
		atomic.StoreInt32(v.(*int32), 0)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// evaluateSignal is the per-timeframe signal tick.
func (s *Scheduler) evaluateSignal(ctx context.Context, tf config.Timeframe) {
	cfg := s.cfg.Get()
	rsi, err := s.indicators.RSI(ctx, s.symbol, tf, cfg.RSI.Period, true)
	if err != nil {
		s.logger.Warn().Err(err).Str("tf", string(tf)).Msg("evaluate_signal: rsi fetch failed")
		return
	}
	price, err := s.indicators.SpotPrice(ctx, s.symbol)
	if err != nil {
		s.logger.Warn().Err(err).Str("tf", string(tf)).Msg("evaluate_signal: spot price fetch failed")
		return
	}

	active, hasActive := s.positions.ActiveForTimeframe(string(tf))

	switch {
	case rsi.Value < cfg.RSI.Oversold:
		s.pursueSide(ctx, tf, pool.SideBuy, active, hasActive, price)
	case rsi.Value > cfg.RSI.Overbought:
		s.pursueSide(ctx, tf, pool.SideSell, active, hasActive, price)
	default:
		if hasActive && s.extremelyOutOfRange(active, price, tf) {
			if _, err := s.manager.Close(ctx, active.ID, false); err != nil {
				s.logger.Warn().Err(err).Str("position_id", active.ID).Msg("evaluate_signal: close on extreme drift failed")
			}
		}
	}
}

func (s *Scheduler) extremelyOutOfRange(active position.Position, price float64, tf config.Timeframe) bool {
	buf := (active.PriceRange.Max - active.PriceRange.Min) * tf.BufferPct()
	extra := buf * 0.5
	return price < active.PriceRange.Min-buf-extra || price > active.PriceRange.Max+buf+extra
}

// pursueSide closes an undesired or out-of-range active position (waiting
// 1s), then opens a new one of the desired side if balance permits.
func (s *Scheduler) pursueSide(ctx context.Context, tf config.Timeframe, side pool.Side, active position.Position, hasActive bool, price float64) {
	if hasActive {
		if active.Side == side && s.manager.IsInValidRange(active, price) {
			return
		}
		if _, err := s.manager.Close(ctx, active.ID, false); err != nil {
			s.logger.Warn().Err(err).Str("position_id", active.ID).Msg("evaluate_signal: close before replace failed")
			return
		}
		if err := sleepCtx(ctx, time.Second); err != nil {
			return
		}
	}

	amount, ok := s.sizePosition(ctx, tf, side)
	if !ok {
		return
	}
	if _, err := s.manager.Create(ctx, tf, side, amount); err != nil {
		s.logger.Warn().Err(err).Str("tf", string(tf)).Str("side", string(side)).Msg("evaluate_signal: create failed")
	}
}

func (s *Scheduler) sizePosition(ctx context.Context, tf config.Timeframe, side pool.Side) (float64, bool) {
	bal, err := s.walletSvc.Balance(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("evaluate_signal: balance read failed")
		return 0, false
	}
	factor := s.cfg.Get().PositionFactors[tf]

	var amount, min float64
	if side == pool.SideBuy {
		amount, min = bal.BaseQty*factor, minBuyAmount
	} else {
		amount, min = bal.QuoteQty*factor, minSellAmount
	}
	if amount < min {
		return 0, false
	}
	return amount, true
}

// monitorRange is the per-timeframe range monitor cron body.
func (s *Scheduler) monitorRange(ctx context.Context, tf config.Timeframe) {
	active, ok := s.positions.ActiveForTimeframe(string(tf))
	if !ok {
		return
	}

	cfg := s.cfg.Get()
	rsi, err := s.indicators.RSI(ctx, s.symbol, tf, cfg.RSI.Period, false)
	if err != nil {
		s.logger.Warn().Err(err).Str("tf", string(tf)).Msg("monitor_range: rsi fetch failed")
		return
	}
	price, err := s.indicators.SpotPrice(ctx, s.symbol)
	if err != nil {
		s.logger.Warn().Err(err).Str("tf", string(tf)).Msg("monitor_range: spot price fetch failed")
		return
	}

	inRange := s.manager.IsInValidRange(active, price)

	shouldClose := false
	switch active.Side {
	case pool.SideBuy:
		shouldClose = rsi.Value >= cfg.RSI.Overbought || price >= active.PriceRange.Max || !inRange
	case pool.SideSell:
		shouldClose = rsi.Value <= cfg.RSI.Oversold || price <= active.PriceRange.Min || !inRange
	}

	if shouldClose {
		if _, err := s.manager.Close(ctx, active.ID, false); err != nil {
			s.logger.Warn().Err(err).Str("position_id", active.ID).Msg("monitor_range: close failed")
		}
	}
}

// harvestTick is the global per-minute harvest cron body.
func (s *Scheduler) harvestTick(ctx context.Context) {
	harvestCfg := s.cfg.Get().Harvest
	if !harvestCfg.Enabled {
		return
	}

	price, err := s.indicators.SpotPrice(ctx, s.symbol)
	if err != nil {
		s.logger.Warn().Err(err).Msg("harvest_tick: spot price fetch failed")
		return
	}

	for _, p := range s.positions.AllActive() {
		if !s.shouldHarvest(ctx, p, price, harvestCfg) {
			continue
		}
		if err := s.manager.Harvest(ctx, p, price); err != nil {
			s.logger.Warn().Err(err).Str("position_id", p.ID).Msg("harvest_tick: harvest failed")
		}
	}
}

// shouldHarvest gates Manager.Harvest: the price must have moved into the
// position's range, and at least min_bins_harvest bins must have traded
// through since the original lower/upper bin. When the on-chain bin read
// fails it falls back to a ±min_price_move test against the entry price
// rather than skipping the tick outright.
func (s *Scheduler) shouldHarvest(ctx context.Context, p position.Position, price float64, cfg config.HarvestConfig) bool {
	switch p.Side {
	case pool.SideBuy:
		if price <= p.PriceRange.Min {
			return false
		}
	case pool.SideSell:
		if price >= p.PriceRange.Max {
			return false
		}
	}

	if bins, ok := s.manager.BinsTradedThrough(ctx, p); ok {
		return bins >= cfg.MinBins
	}

	s.logger.Warn().Str("position_id", p.ID).Msg("harvest_tick: bins-traded-through read failed, falling back to price-move test")
	if p.EntryPrice == 0 {
		return false
	}
	move := (price - p.EntryPrice) / p.EntryPrice
	if move < 0 {
		move = -move
	}
	return move >= cfg.MinPriceMove
}
