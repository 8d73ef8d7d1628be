package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/koshedu/meteora-rsi-bot/config"
	"github.com/koshedu/meteora-rsi-bot/internal/cache"
	"github.com/koshedu/meteora-rsi-bot/internal/indicator"
	"github.com/koshedu/meteora-rsi-bot/internal/pool"
	"github.com/koshedu/meteora-rsi-bot/internal/position"
	"github.com/koshedu/meteora-rsi-bot/internal/rpcexec"
	"github.com/koshedu/meteora-rsi-bot/internal/wallet"
)

// The per-(tf,operation) lease used by runLoop: a second acquire for the
// same key must fail while the first handler is still in flight, and must
// succeed again once released.
func TestReentrancyGuardSkipsOverlappingTicks(t *testing.T) {
	s := &Scheduler{}
	key := "signal:1m"

	if !s.tryAcquire(key) {
		t.Fatal("expected first acquire to succeed")
	}

	if s.tryAcquire(key) {
		t.Fatal("expected second acquire to fail while the first is still held")
	}

	s.release(key)

	if !s.tryAcquire(key) {
		t.Fatal("expected acquire to succeed again after release")
	}
	s.release(key)
}

// Distinct (tf, operation) pairs must not contend with each other.
func TestReentrancyGuardIsPerKey(t *testing.T) {
	s := &Scheduler{}
	if !s.tryAcquire("signal:1m") {
		t.Fatal("expected acquire for signal:1m to succeed")
	}
	if !s.tryAcquire("range:1m") {
		t.Fatal("expected acquire for a distinct key to succeed independently")
	}
}

// Drives runLoop's real ticker path with a slow handler and a fast period,
// confirming the handler never overlaps itself.
func TestRunLoopSkipsTickWhileHandlerInFlight(t *testing.T) {
	s := &Scheduler{stopCh: make(chan struct{})}

	var running int32
	var overlapped int32
	var calls int32

	handler := func() {
		if !atomic.CompareAndSwapInt32(&running, 0, 1) {
			atomic.StoreInt32(&overlapped, 1)
			return
		}
		atomic.AddInt32(&calls, 1)
		time.Sleep(30 * time.Millisecond)
		atomic.StoreInt32(&running, 0)
	}

	s.wg.Add(1)
	go s.runLoop(context.Background(), 5*time.Millisecond, "test", handler)

	time.Sleep(120 * time.Millisecond)
	close(s.stopCh)
	s.wg.Wait()

	if atomic.LoadInt32(&overlapped) != 0 {
		t.Fatal("handler observed an overlapping invocation")
	}
	if atomic.LoadInt32(&calls) == 0 {
		t.Fatal("expected at least one handler invocation")
	}
}

type schedCreate struct {
	side           pool.Side
	amountBase     float64
	amountQuote    float64
	minBin, maxBin int
}

type schedPool struct {
	mu        sync.Mutex
	activeBin pool.ActiveBin
	creates   []schedCreate
	accounts  map[string]pool.PositionAccount
	nextAcct  string
}

func newSchedPool() *schedPool {
	return &schedPool{
		activeBin: pool.ActiveBin{BinID: 8000, Price: 150},
		accounts:  map[string]pool.PositionAccount{},
		nextAcct:  "acct-sched",
	}
}

func (f *schedPool) ActiveBin(ctx context.Context, poolID string) (pool.ActiveBin, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activeBin, nil
}
func (f *schedPool) EnsureBinArrays(ctx context.Context, poolID string, bins []int) error {
	return nil
}
func (f *schedPool) CreateOneSidedPosition(ctx context.Context, poolID string, side pool.Side, amountBase, amountQuote float64, minBin, maxBin int, strategy string, slippagePct float64) (pool.CreateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates = append(f.creates, schedCreate{side: side, amountBase: amountBase, amountQuote: amountQuote, minBin: minBin, maxBin: maxBin})
	f.accounts[f.nextAcct] = pool.PositionAccount{LowerBin: minBin, UpperBin: maxBin, Owner: "wallet"}
	return pool.CreateResult{PositionAccount: f.nextAcct, Tx: pool.Tx{Template: "tpl"}}, nil
}
func (f *schedPool) RemoveLiquidity(ctx context.Context, poolID, positionAccount string, fromBin, toBin int, bps int, shouldClaimAndClose bool) ([]pool.Tx, error) {
	return nil, nil
}
func (f *schedPool) ClaimAllRewards(ctx context.Context, poolID, positionAccount string) ([]pool.Tx, error) {
	return nil, nil
}
func (f *schedPool) ClosePositionAccount(ctx context.Context, poolID, positionAccount string) (pool.Tx, error) {
	return pool.Tx{Template: "tpl-close"}, nil
}
func (f *schedPool) GetPosition(ctx context.Context, poolID, positionAccount string) (pool.PositionAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accounts[positionAccount], nil
}
func (f *schedPool) ListUserPositions(ctx context.Context, poolID string) ([]string, error) {
	return nil, nil
}
func (f *schedPool) LatestBlockhash(ctx context.Context) (string, error) { return "bh", nil }
func (f *schedPool) SendAndConfirm(ctx context.Context, txTemplate interface{}, blockhash string, signers []interface{}, timeout time.Duration) (string, bool, error) {
	return "sig", false, nil
}

type fakeIndicators struct {
	mu    sync.Mutex
	rsi   float64
	price float64
}

func (f *fakeIndicators) RSI(ctx context.Context, symbol string, tf config.Timeframe, period int, forceRefresh bool) (indicator.Value, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return indicator.Value{Timeframe: tf, Value: f.rsi, Signal: indicator.ClassifySignal(f.rsi, 30, 70)}, nil
}
func (f *fakeIndicators) SpotPrice(ctx context.Context, symbol string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.price, nil
}

func (f *fakeIndicators) set(rsi, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rsi = rsi
	f.price = price
}

type schedReader struct{ base, quote float64 }

func (r *schedReader) ReadBalance(ctx context.Context) (wallet.Balance, error) {
	return wallet.Balance{BaseQty: r.base, QuoteQty: r.quote, Timestamp: time.Now().Unix()}, nil
}

type schedHarness struct {
	sched *Scheduler
	store *position.Store
	pool  *schedPool
	ind   *fakeIndicators
}

func newSchedHarness(t *testing.T, base, quote float64) *schedHarness {
	t.Helper()

	cfg := &config.Config{
		RSI:             config.RSIConfig{Period: 14, Oversold: 30, Overbought: 70},
		CheckInterval:   30 * time.Second,
		PositionFactors: map[config.Timeframe]float64{config.TF1h: 0.2},
		EnabledTFs:      map[config.Timeframe]bool{config.TF1h: true},
		Pools: map[config.Timeframe]config.PoolDescriptor{
			config.TF1h: {PoolID: "pool-1h", BinStep: 20, Strategy: config.StrategySpot},
		},
		Tokens:  config.TokenConfig{TradingSymbol: "SOLUSDC"},
		Harvest: config.HarvestConfig{Enabled: true, MinBins: 5, MinPriceMove: 0.01},
	}
	cfgStore := config.NewStore(cfg)

	store := position.New(filepath.Join(t.TempDir(), "positions.yaml"), zerolog.Nop())
	rpc := rpcexec.New(zerolog.Nop())
	t.Cleanup(rpc.Close)
	walletSvc := wallet.New(&schedReader{base: base, quote: quote}, cache.New(zerolog.Nop()), nil, zerolog.Nop())
	fp := newSchedPool()
	manager := position.NewManager(store, cfg.Pools, fp, rpc, config.TransactionConfig{Timeout: time.Second, MaxRetries: 2}, walletSvc, nil, zerolog.Nop()).
		WithTimings(time.Millisecond, time.Millisecond, time.Millisecond)
	ind := &fakeIndicators{}

	return &schedHarness{
		sched: New(cfgStore, ind, store, manager, walletSvc, zerolog.Nop()),
		store: store,
		pool:  fp,
		ind:   ind,
	}
}

// An oversold tick with no active position opens a BUY sized by the
// timeframe's position factor.
func TestEvaluateSignalOversoldOpensBuy(t *testing.T) {
	h := newSchedHarness(t, 2.0, 0)
	h.ind.set(25, 150)

	h.sched.evaluateSignal(context.Background(), config.TF1h)

	active, ok := h.store.ActiveForTimeframe(string(config.TF1h))
	if !ok {
		t.Fatal("expected an active 1h position after an oversold tick")
	}
	if active.Side != pool.SideBuy {
		t.Fatalf("expected BUY, got %s", active.Side)
	}
	if diff := active.Amount - 0.4; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected amount 2.0*0.2=0.4, got %v", active.Amount)
	}
	if active.PriceRange.BinRange.MinBin != 8000 || active.PriceRange.BinRange.MaxBin != 8060 {
		t.Fatalf("expected bins [8000,8060], got %+v", active.PriceRange.BinRange)
	}
	if active.PriceRange.Min < 149.99 || active.PriceRange.Max <= active.PriceRange.Min {
		t.Fatalf("expected price range starting at the current price, got %+v", active.PriceRange)
	}

	h.pool.mu.Lock()
	defer h.pool.mu.Unlock()
	if len(h.pool.creates) != 1 {
		t.Fatalf("expected 1 create, got %d", len(h.pool.creates))
	}
	if c := h.pool.creates[0]; c.amountBase != active.Amount || c.amountQuote != 0 {
		t.Fatalf("a BUY must provide base only, got %+v", c)
	}
}

// An oversold tick with an insufficient balance opens nothing.
func TestEvaluateSignalSkipsBelowMinimumSize(t *testing.T) {
	h := newSchedHarness(t, 0.04, 0) // 0.04*0.2 = 0.008 < 0.01 base minimum
	h.ind.set(25, 150)

	h.sched.evaluateSignal(context.Background(), config.TF1h)

	if _, ok := h.store.ActiveForTimeframe(string(config.TF1h)); ok {
		t.Fatal("expected no position when the sized amount is below the minimum")
	}
}

// A reversal to overbought closes the held BUY; no SELL opens because the
// quote balance is below the minimum.
func TestEvaluateSignalReversalClosesBuy(t *testing.T) {
	h := newSchedHarness(t, 2.0, 0)
	h.ind.set(25, 150)
	h.sched.evaluateSignal(context.Background(), config.TF1h)

	active, ok := h.store.ActiveForTimeframe(string(config.TF1h))
	if !ok {
		t.Fatal("setup: expected an active BUY")
	}

	h.ind.set(72, 151)
	h.sched.evaluateSignal(context.Background(), config.TF1h)

	got, _ := h.store.Get(active.ID)
	if got.Status != position.StatusClosed {
		t.Fatalf("expected the BUY closed on reversal, got %s", got.Status)
	}
	if _, ok := h.store.ActiveForTimeframe(string(config.TF1h)); ok {
		t.Fatal("expected no replacement with a zero quote balance")
	}
}

// The range monitor closes a BUY whose price broke through the top of its
// range, without attempting a harvest.
func TestMonitorRangeClosesOnBreakthrough(t *testing.T) {
	h := newSchedHarness(t, 2.0, 0)

	p := position.Position{
		ID:         "bt-1",
		PoolID:     "pool-1h",
		Timeframe:  config.TF1h,
		Side:       pool.SideBuy,
		Amount:     0.4,
		EntryPrice: 105,
		CreatedAt:  time.Now(),
		Status:     position.StatusActive,
		PriceRange: position.PriceRange{
			Min:      100,
			Max:      110,
			BinRange: position.BinRange{MinBin: 8000, MaxBin: 8060},
		},
		LastRangeCheck: time.Now(),
	}
	if err := h.store.Put(p); err != nil {
		t.Fatalf("put: %v", err)
	}
	h.pool.mu.Lock()
	h.pool.accounts[p.ID] = pool.PositionAccount{LowerBin: 8000, UpperBin: 8060, Owner: "wallet"}
	h.pool.mu.Unlock()

	h.ind.set(50, 110.5)
	h.sched.monitorRange(context.Background(), config.TF1h)

	got, _ := h.store.Get(p.ID)
	if got.Status != position.StatusClosed {
		t.Fatalf("expected CLOSED after breakthrough, got %s", got.Status)
	}
	if got.HasBeenHarvested {
		t.Fatal("a breakthrough close must not harvest")
	}
}

// The range monitor holds a position whose price is still inside the range
// and whose RSI has not reversed.
func TestMonitorRangeHoldsInsideRange(t *testing.T) {
	h := newSchedHarness(t, 2.0, 0)
	h.ind.set(25, 150)
	h.sched.evaluateSignal(context.Background(), config.TF1h)

	h.ind.set(50, 151)
	h.sched.monitorRange(context.Background(), config.TF1h)

	if _, ok := h.store.ActiveForTimeframe(string(config.TF1h)); !ok {
		t.Fatal("expected the position held while price stays in range")
	}
}
