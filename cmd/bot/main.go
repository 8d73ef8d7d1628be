// Command bot is the process entrypoint for the autonomous trading core: it
// wires every component in dependency order, starts the scheduler and the
// HTTP boundary, and blocks until SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/koshedu/meteora-rsi-bot/config"
	"github.com/koshedu/meteora-rsi-bot/internal/audit"
	"github.com/koshedu/meteora-rsi-bot/internal/boundary"
	"github.com/koshedu/meteora-rsi-bot/internal/cache"
	"github.com/koshedu/meteora-rsi-bot/internal/indicator"
	"github.com/koshedu/meteora-rsi-bot/internal/marketdata"
	"github.com/koshedu/meteora-rsi-bot/internal/obslog"
	"github.com/koshedu/meteora-rsi-bot/internal/pool"
	"github.com/koshedu/meteora-rsi-bot/internal/position"
	"github.com/koshedu/meteora-rsi-bot/internal/rpcexec"
	"github.com/koshedu/meteora-rsi-bot/internal/scheduler"
	"github.com/koshedu/meteora-rsi-bot/internal/secrets"
	"github.com/koshedu/meteora-rsi-bot/internal/wallet"
)

func main() {
	os.Exit(run())
}

// run returns the process exit code (0 normal shutdown, 1 initialization
// failure) rather than calling os.Exit directly, so deferred cleanup
// (context cancel, audit ledger Close) always runs.
func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		return 1
	}
	cfgStore := config.NewStore(cfg)

	logger := obslog.New(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info().Msg("configuration loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Secrets (Vault or env fallback).
	secretsProvider, err := secrets.New(cfg.Vault, logger)
	if err != nil {
		logger.Error().Err(err).Msg("secrets provider init failed")
		return 1
	}
	bundle, err := secretsProvider.Fetch(ctx, secrets.Bundle{
		WalletSeedPhrase: cfg.Wallet.SeedPhrase,
		PoolRPCToken:     cfg.Endpoints.PoolRPCToken,
	})
	if err != nil {
		logger.Error().Err(err).Msg("secrets fetch failed")
		return 1
	}
	if bundle.WalletSeedPhrase == "" {
		logger.Error().Msg("no wallet seed phrase available from vault or WALLET_SEED_PHRASE")
		return 1
	}

	// Tiered cache, shared by the indicator cache and the wallet service
	// for their L2 tier. Redis is best-effort: a dial failure degrades to
	// L1-only rather than aborting startup.
	sharedCache := cache.New(logger)
	if cfg.Redis.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		sharedCache = sharedCache.WithRedis(redisClient, "meteora-rsi-bot:")
		logger.Info().Str("addr", cfg.Redis.Address).Msg("tiered cache: redis L2 attached")
	} else {
		logger.Info().Msg("tiered cache: redis disabled, L1-only")
	}

	// Market-data vendor client.
	marketClient := marketdata.New(cfg.Endpoints.MarketDataBaseURL, logger)

	// Indicator cache (RSI, single-flight, timeframe TTL).
	indicatorCache := indicator.New(marketClient, sharedCache, logger)
	indicatorCache.SetThresholds(cfg.RSI.Oversold, cfg.RSI.Overbought)

	// Pool sidecar adapter.
	poolClient := pool.NewHTTPClient(cfg.Endpoints.PoolBaseURL, bundle.PoolRPCToken, logger)

	// Serialized, rate-limited RPC executor.
	rpcExecutor := rpcexec.New(logger)

	// Wallet balance service, seeded from the persisted snapshot history
	// and caching reads in the shared tiered cache.
	history, err := wallet.LoadHistory(cfg.Storage.BalanceHistoryPath)
	if err != nil {
		logger.Error().Err(err).Msg("balance history load failed")
		return 1
	}
	walletReader := wallet.NewHTTPReader(cfg.Endpoints.PoolBaseURL, rpcExecutor, logger)
	walletSvc := wallet.New(walletReader, sharedCache, history, logger).WithPersistPath(cfg.Storage.BalanceHistoryPath)

	// Audit ledger (best-effort; nil pool degrades to no-op).
	auditLedger, err := audit.Connect(ctx, cfg.Audit.DatabaseURL, logger)
	if err != nil {
		logger.Error().Err(err).Msg("audit ledger connect failed")
		return 1
	}
	defer auditLedger.Close()

	// Position store, loaded from its flat-file checkpoint.
	positionStore := position.New(cfg.Storage.PositionsPath, logger)
	if err := positionStore.Load(); err != nil {
		logger.Error().Err(err).Msg("position store load failed")
		return 1
	}

	// Position manager: create/close/harvest state machine.
	positionManager := position.NewManager(positionStore, cfg.Pools, poolClient, rpcExecutor, cfg.Transaction, walletSvc, auditLedger, logger)

	// Scheduler: per-timeframe signal/range crons, global harvest tick,
	// hourly balance sampling.
	sched := scheduler.New(cfgStore, indicatorCache, positionStore, positionManager, walletSvc, logger)

	// Reconcile any position whose close was mid-flight at a prior crash:
	// such positions remain ACTIVE on disk and are resolved against the
	// chain before the scheduler starts.
	updated, total := positionManager.SyncWithChain(ctx)
	logger.Info().Int("updated", updated).Int("total", total).Msg("startup sync_with_chain complete")

	sched.Start(ctx)
	logger.Info().Msg("scheduler started")

	// HTTP boundary adapter.
	server := boundary.New(cfgStore, positionStore, positionManager, walletSvc, indicatorCache, logger)
	serverErrCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			serverErrCh <- err
		}
	}()
	logger.Info().Str("addr", cfg.Server.ListenAddr).Msg("http boundary started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case err := <-serverErrCh:
		logger.Error().Err(err).Msg("http boundary failed")
	}

	// Abort the scheduler first so no new tick starts a close/create while
	// we wind down; Stop() awaits any close phase already in flight.
	sched.Stop()
	logger.Info().Msg("scheduler stopped")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http boundary shutdown error")
	}

	logger.Info().Msg("shutdown complete")
	return 0
}
