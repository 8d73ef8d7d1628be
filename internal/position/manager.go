package position

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/koshedu/meteora-rsi-bot/config"
	"github.com/koshedu/meteora-rsi-bot/internal/errkind"
	"github.com/koshedu/meteora-rsi-bot/internal/pool"
	"github.com/koshedu/meteora-rsi-bot/internal/rpcexec"
	"github.com/koshedu/meteora-rsi-bot/internal/wallet"
)

const (
	minBuyAmount  = 0.01 // base units
	minSellAmount = 10   // quote units

	binCountFloor  = 25
	createSlippage = 0.03
	syncBatchSize  = 3
)

// AuditRecorder is the subset of the audit ledger the manager needs. A nil
// recorder is valid: audit history is best-effort and never gates a trading
// decision.
type AuditRecorder interface {
	Append(ctx context.Context, positionID, event string, details map[string]interface{})
}

// Manager owns the create/close/harvest/range-check protocol against the
// pool client and the RPC executor, persisting every transition through the
// Store.
type Manager struct {
	store      *Store
	pools      map[config.Timeframe]config.PoolDescriptor
	poolClient pool.Client
	rpc        *rpcexec.Executor
	txCfg      config.TransactionConfig
	wallet     *wallet.Service
	audit      AuditRecorder
	logger     zerolog.Logger

	// Pauses between retries and close phases; tunables, not baked logic.
	slippageRetryUnit time.Duration
	removeSettle      time.Duration
	claimSettle       time.Duration

	closingMu sync.Mutex
	closing   map[string]bool
}

// NewManager builds a Manager. audit may be nil.
func NewManager(store *Store, pools map[config.Timeframe]config.PoolDescriptor, poolClient pool.Client, rpc *rpcexec.Executor, txCfg config.TransactionConfig, walletSvc *wallet.Service, audit AuditRecorder, logger zerolog.Logger) *Manager {
	return &Manager{
		store:             store,
		pools:             pools,
		poolClient:        poolClient,
		rpc:               rpc,
		txCfg:             txCfg,
		wallet:            walletSvc,
		audit:             audit,
		logger:            logger.With().Str("component", "position_manager").Logger(),
		slippageRetryUnit: 2 * time.Second,
		removeSettle:      2 * time.Second,
		claimSettle:       1500 * time.Millisecond,
		closing:           make(map[string]bool),
	}
}

// WithTimings overrides the slippage retry unit and the settle pauses
// between close phases. A zero value keeps the current setting.
func (m *Manager) WithTimings(slippageRetryUnit, removeSettle, claimSettle time.Duration) *Manager {
	if slippageRetryUnit > 0 {
		m.slippageRetryUnit = slippageRetryUnit
	}
	if removeSettle > 0 {
		m.removeSettle = removeSettle
	}
	if claimSettle > 0 {
		m.claimSettle = claimSettle
	}
	return m
}

// submitTx drives one pool.Tx through RpcExecutor.Submit:
// fresh blockhash per attempt, send+confirm with the configured timeout,
// retry on blockhash-expiry/confirmation-timeout faults. Wallet signing is
// an opaque external collaborator; the sidecar attaches the
// configured trading wallet itself, so no signer material crosses this
// boundary.
func (m *Manager) submitTx(ctx context.Context, tx pool.Tx, label string) (string, error) {
	return m.rpc.Submit(ctx, m.poolClient, m.poolClient, rpcexec.Tx{
		Template: tx.Template,
		Label:    label,
	}, m.txCfg.MaxRetries, m.txCfg.Timeout)
}

// submitTxs submits every tx in txs in order, labeling each with its index
// so retries and logs stay distinguishable (a multi-tx phase like remove-
// liquidity can return more than one transaction).
func (m *Manager) submitTxs(ctx context.Context, txs []pool.Tx, label string) ([]string, error) {
	sigs := make([]string, 0, len(txs))
	for i, tx := range txs {
		sig, err := m.submitTx(ctx, tx, fmt.Sprintf("%s[%d]", label, i))
		if err != nil {
			return sigs, err
		}
		sigs = append(sigs, sig)
	}
	return sigs, nil
}

func (m *Manager) recordAudit(ctx context.Context, id, event string, details map[string]interface{}) {
	if m.audit == nil {
		return
	}
	m.audit.Append(ctx, id, event, details)
}

func initialBinCount(tf config.Timeframe) int {
	switch tf {
	case config.TF1m:
		return 45
	case config.TF15m:
		return 55
	default:
		return 60
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

// Create opens a new one-sided position for tf, narrowing the bin count
// and widening slippage across retries when the pool rejects on slippage.
func (m *Manager) Create(ctx context.Context, tf config.Timeframe, side pool.Side, amount float64) (Position, error) {
	if side == pool.SideBuy && amount < minBuyAmount {
		return Position{}, errkind.New(errkind.Validation, "", fmt.Errorf("buy amount %v below minimum %v base", amount, minBuyAmount))
	}
	if side == pool.SideSell && amount < minSellAmount {
		return Position{}, errkind.New(errkind.Validation, "", fmt.Errorf("sell amount %v below minimum %v quote", amount, minSellAmount))
	}

	pd, ok := m.pools[tf]
	if !ok || pd.PoolID == "" {
		return Position{}, errkind.New(errkind.Validation, "", fmt.Errorf("position: no pool configured for timeframe %s", tf))
	}

	activeV, err := m.rpc.Read(ctx, func(ctx context.Context) (interface{}, error) {
		return m.poolClient.ActiveBin(ctx, pd.PoolID)
	})
	if err != nil {
		return Position{}, fmt.Errorf("position: create: active bin: %w", err)
	}
	active := activeV.(pool.ActiveBin)

	initial := initialBinCount(tf)

	var result pool.CreateResult
	var minBin, maxBin, binCount int
	var lastErr error
	created := false

	for attempt := 1; attempt <= 5; attempt++ {
		binCount = initial - 7*(attempt-1)
		if binCount < binCountFloor {
			binCount = binCountFloor
		}
		slippage := createSlippage + 0.02*float64(attempt-1)

		var amountBase, amountQuote float64
		if side == pool.SideBuy {
			minBin, maxBin = active.BinID, active.BinID+binCount
			amountBase = amount
		} else {
			minBin, maxBin = active.BinID-binCount, active.BinID
			amountQuote = amount
		}

		if err := m.poolClient.EnsureBinArrays(ctx, pd.PoolID, []int{minBin, maxBin}); err != nil {
			return Position{}, fmt.Errorf("position: create: ensure bin arrays: %w", err)
		}

		result, err = m.poolClient.CreateOneSidedPosition(ctx, pd.PoolID, side, amountBase, amountQuote, minBin, maxBin, string(pd.Strategy), slippage)
		if err == nil {
			if _, err = m.submitTx(ctx, result.Tx, "create_position"); err == nil {
				created = true
				break
			}
		}
		lastErr = err

		if code, ok := errkind.CodeOf(err); ok && code == errkind.CodeExceededBinSlippageTolerance {
			wait := time.Duration(float64(m.slippageRetryUnit) * math.Pow(1.5, float64(attempt-1)))
			m.logger.Warn().Err(err).Int("attempt", attempt).Dur("wait", wait).Str("tf", string(tf)).Msg("create: slippage tolerance exceeded, narrowing and retrying")
			if werr := sleepCtx(ctx, wait); werr != nil {
				return Position{}, werr
			}
			continue
		}
		return Position{}, fmt.Errorf("position: create: %w", err)
	}
	if !created {
		return Position{}, fmt.Errorf("position: create: exhausted slippage retries: %w", lastErr)
	}

	priceMin := pool.PriceForBin(active.BinID, active.Price, pd.BinStep, minBin)
	priceMax := pool.PriceForBin(active.BinID, active.Price, pd.BinStep, maxBin)
	if !pool.SanityBoundsOK(priceMin, priceMax) {
		priceMin = pool.LinearPriceApprox(active.Price, pd.BinStep, binCount, false)
		priceMax = pool.LinearPriceApprox(active.Price, pd.BinStep, binCount, true)
	}

	p := Position{
		ID:         result.PositionAccount,
		PoolID:     pd.PoolID,
		Timeframe:  tf,
		Side:       side,
		Amount:     amount,
		EntryPrice: active.Price,
		CreatedAt:  time.Now(),
		Status:     StatusActive,
		PriceRange: PriceRange{
			Min:      priceMin,
			Max:      priceMax,
			BinRange: BinRange{MinBin: minBin, MaxBin: maxBin},
		},
		LastRangeCheck: time.Now(),
	}

	if err := m.store.Put(p); err != nil {
		return Position{}, fmt.Errorf("position: create: persist: %w", err)
	}
	m.recordAudit(ctx, p.ID, "created", map[string]interface{}{
		"timeframe": string(tf), "side": string(side), "amount": amount, "entry_price": active.Price,
	})
	return p, nil
}

func (m *Manager) readAccount(ctx context.Context, poolID, account string) (pool.PositionAccount, error) {
	v, err := m.rpc.Read(ctx, func(ctx context.Context) (interface{}, error) {
		return m.poolClient.GetPosition(ctx, poolID, account)
	})
	if err != nil {
		return pool.PositionAccount{}, err
	}
	return v.(pool.PositionAccount), nil
}

// removeLiquidity builds the remove-liquidity transaction(s) and submits
// each through RpcExecutor.Submit; a nil tx list (no
// liquidity to remove) is not an error and submits nothing.
func (m *Manager) removeLiquidity(ctx context.Context, poolID, account string, fromBin, toBin, bps int, shouldClaimAndClose bool) ([]string, error) {
	txs, err := m.poolClient.RemoveLiquidity(ctx, poolID, account, fromBin, toBin, bps, shouldClaimAndClose)
	if err != nil {
		return nil, err
	}
	return m.submitTxs(ctx, txs, "remove_liquidity")
}

// claimRewards builds the reward-claim transaction(s) and submits each; a
// nil tx list (zero rewards) is not an error.
func (m *Manager) claimRewards(ctx context.Context, poolID, account string) ([]string, error) {
	txs, err := m.poolClient.ClaimAllRewards(ctx, poolID, account)
	if err != nil {
		return nil, err
	}
	return m.submitTxs(ctx, txs, "claim_all_rewards")
}

// closeAccount builds the account-close transaction and submits it.
func (m *Manager) closeAccount(ctx context.Context, poolID, account string) (string, error) {
	tx, err := m.poolClient.ClosePositionAccount(ctx, poolID, account)
	if err != nil {
		return "", err
	}
	return m.submitTx(ctx, tx, "close_position_account")
}

// BinsTradedThrough reports how many bins the pool's active bin has moved
// past the position's original lower (buy) or upper (sell) bin, via a fresh
// on-chain read. ok is false when the read fails, signaling the caller to
// fall back to a price-based test.
func (m *Manager) BinsTradedThrough(ctx context.Context, p Position) (bins int, ok bool) {
	account, err := m.readAccount(ctx, p.PoolID, p.ID)
	if err != nil {
		return 0, false
	}
	activeV, err := m.rpc.Read(ctx, func(ctx context.Context) (interface{}, error) {
		return m.poolClient.ActiveBin(ctx, p.PoolID)
	})
	if err != nil {
		return 0, false
	}
	active := activeV.(pool.ActiveBin)

	switch p.Side {
	case pool.SideBuy:
		bins = active.BinID - account.LowerBin
	case pool.SideSell:
		bins = account.UpperBin - active.BinID
	}
	if bins < 0 {
		bins = 0
	}
	return bins, true
}

// Close removes liquidity, claims rewards, and closes the on-chain account
// in three phases. Guarded by the closing set so a second concurrent call
// for the same id returns immediately; already-CLOSED positions return
// immediately too.
func (m *Manager) Close(ctx context.Context, id string, force bool) (CloseResult, error) {
	m.closingMu.Lock()
	if m.closing[id] {
		m.closingMu.Unlock()
		return CloseResult{}, nil
	}
	m.closing[id] = true
	m.closingMu.Unlock()
	defer func() {
		m.closingMu.Lock()
		delete(m.closing, id)
		m.closingMu.Unlock()
	}()

	p, ok := m.store.Get(id)
	if !ok {
		return CloseResult{}, fmt.Errorf("position: close: %s not found", id)
	}
	if p.Status == StatusClosed {
		return CloseResult{}, nil
	}

	before, beforeErr := m.wallet.Balance(ctx)

	lower, upper := p.PriceRange.BinRange.MinBin, p.PriceRange.BinRange.MaxBin
	if account, err := m.readAccount(ctx, p.PoolID, p.ID); err == nil {
		lower, upper = account.LowerBin, account.UpperBin
	}

	// Phase 1: remove all liquidity, widened to sweep harvested remainders.
	if _, err := m.removeLiquidity(ctx, p.PoolID, p.ID, lower-200, upper+200, 10000, false); err != nil {
		if !force {
			return CloseResult{}, fmt.Errorf("position: close: phase1 remove liquidity: %w", err)
		}
		m.logger.Warn().Err(err).Str("position_id", id).Msg("close phase 1 failed, forcing close")
	}
	if err := sleepCtx(ctx, m.removeSettle); err != nil {
		return CloseResult{}, err
	}

	// Phase 2: claim rewards.
	if _, err := m.claimRewards(ctx, p.PoolID, p.ID); err != nil {
		if !force {
			return CloseResult{}, fmt.Errorf("position: close: phase2 claim rewards: %w", err)
		}
		m.logger.Warn().Err(err).Str("position_id", id).Msg("close phase 2 failed, forcing close")
	}
	if err := sleepCtx(ctx, m.claimSettle); err != nil {
		return CloseResult{}, err
	}

	// Phase 3: close the account, falling back to a wider re-widen retry on
	// NonEmptyPosition, then accepting an in-memory close either way.
	if _, err := m.closeAccount(ctx, p.PoolID, p.ID); err != nil {
		if errkind.Is(err, errkind.OnChainLogical) {
			if code, _ := errkind.CodeOf(err); code == errkind.CodeNonEmptyPosition {
				m.logger.Warn().Str("position_id", id).Msg("close phase 3: non-empty position, re-widening and retrying")
				_, _ = m.removeLiquidity(ctx, p.PoolID, p.ID, lower-500, upper+500, 10000, true)
				_, _ = m.closeAccount(ctx, p.PoolID, p.ID)
			}
		} else if !force {
			return CloseResult{}, fmt.Errorf("position: close: phase3 close account: %w", err)
		}
	}

	var result CloseResult
	if beforeErr == nil {
		if after, err := m.wallet.Balance(ctx); err == nil {
			result = CloseResult{
				ReceivedBase:  after.BaseQty - before.BaseQty,
				ReceivedQuote: after.QuoteQty - before.QuoteQty,
			}
		}
	}

	p.Status = StatusClosed
	if err := m.store.Put(p); err != nil {
		return result, fmt.Errorf("position: close: persist: %w", err)
	}
	m.recordAudit(ctx, id, "closed", map[string]interface{}{
		"received_base": result.ReceivedBase, "received_quote": result.ReceivedQuote, "forced": force,
	})
	return result, nil
}

// IsInValidRange reports whether currentPrice sits inside the position's
// buffered range. Within the timeframe's check interval the previous
// verdict is trusted and the check is skipped.
func (m *Manager) IsInValidRange(p Position, currentPrice float64) bool {
	if time.Since(p.LastRangeCheck) < p.Timeframe.RangeCheckInterval() {
		return true
	}

	buf := (p.PriceRange.Max - p.PriceRange.Min) * p.Timeframe.BufferPct()
	inRange := currentPrice >= p.PriceRange.Min-buf && currentPrice <= p.PriceRange.Max+buf

	p.LastRangeCheck = time.Now()
	if err := m.store.Put(p); err != nil {
		m.logger.Warn().Err(err).Str("position_id", p.ID).Msg("failed to persist range check timestamp")
	}
	return inRange
}

// SyncWithChain checks every ACTIVE position against its on-chain account
// in batches of 3 with a 1s inter-batch pause; a gone-or-empty account is
// marked CLOSED.
func (m *Manager) SyncWithChain(ctx context.Context) (updated, total int) {
	actives := m.store.AllActive()
	total = len(actives)

	for i := 0; i < len(actives); i += syncBatchSize {
		end := i + syncBatchSize
		if end > len(actives) {
			end = len(actives)
		}
		for _, p := range actives[i:end] {
			account, err := m.readAccount(ctx, p.PoolID, p.ID)
			gone := err != nil || (account.LowerBin == 0 && account.UpperBin == 0 && account.Owner == "")
			if !gone {
				continue
			}
			p.Status = StatusClosed
			if perr := m.store.Put(p); perr != nil {
				m.logger.Warn().Err(perr).Str("position_id", p.ID).Msg("sync_with_chain: failed to persist closure")
				continue
			}
			updated++
			m.recordAudit(ctx, p.ID, "closed_by_sync", nil)
		}
		if end < len(actives) {
			if err := sleepCtx(ctx, time.Second); err != nil {
				return updated, total
			}
		}
	}
	return updated, total
}

// Harvest removes liquidity from bins the active price has already
// crossed, keeping the position account open.
func (m *Manager) Harvest(ctx context.Context, p Position, currentPrice float64) error {
	if !pool.SanityBoundsOK(p.PriceRange.Min, p.PriceRange.Max) {
		return errkind.New(errkind.StateCorruption, "", fmt.Errorf("position: harvest: %s has corrupt price range", p.ID))
	}

	span := p.PriceRange.Max - p.PriceRange.Min
	if span <= 0 {
		return nil
	}

	var movement float64
	switch p.Side {
	case pool.SideBuy:
		movement = (currentPrice - p.PriceRange.Min) / span
	case pool.SideSell:
		movement = (p.PriceRange.Max - currentPrice) / span
	}
	if movement < p.Timeframe.HarvestThresholdPct() {
		return nil
	}

	account, err := m.readAccount(ctx, p.PoolID, p.ID)
	if err != nil {
		return fmt.Errorf("position: harvest: read account: %w", err)
	}
	activeV, err := m.rpc.Read(ctx, func(ctx context.Context) (interface{}, error) {
		return m.poolClient.ActiveBin(ctx, p.PoolID)
	})
	if err != nil {
		return fmt.Errorf("position: harvest: active bin: %w", err)
	}
	active := activeV.(pool.ActiveBin)

	var from, to int
	switch p.Side {
	case pool.SideBuy:
		from = account.LowerBin
		to = active.BinID - 1
		if account.UpperBin < to {
			to = account.UpperBin
		}
	case pool.SideSell:
		from = active.BinID + 1
		if account.LowerBin > from {
			from = account.LowerBin
		}
		to = account.UpperBin
	}
	if to-from+1 < 3 {
		return nil
	}

	if _, err := m.removeLiquidity(ctx, p.PoolID, p.ID, from, to, 10000, false); err != nil {
		return fmt.Errorf("position: harvest: remove liquidity: %w", err)
	}

	// price_range is intentionally left untouched: the liquidity structure
	// narrows but the original decision window stays meaningful for the
	// close logic that follows.
	p.HasBeenHarvested = true
	p.LastHarvestAt = time.Now()
	if err := m.store.Put(p); err != nil {
		return fmt.Errorf("position: harvest: persist: %w", err)
	}
	m.recordAudit(ctx, p.ID, "harvested", map[string]interface{}{"from_bin": from, "to_bin": to})
	return nil
}
