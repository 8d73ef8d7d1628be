package boundary

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/koshedu/meteora-rsi-bot/config"
	"github.com/koshedu/meteora-rsi-bot/internal/cache"
	"github.com/koshedu/meteora-rsi-bot/internal/indicator"
	"github.com/koshedu/meteora-rsi-bot/internal/marketdata"
	"github.com/koshedu/meteora-rsi-bot/internal/pool"
	"github.com/koshedu/meteora-rsi-bot/internal/position"
	"github.com/koshedu/meteora-rsi-bot/internal/rpcexec"
	"github.com/koshedu/meteora-rsi-bot/internal/wallet"
)

type stubPool struct{}

func (stubPool) ActiveBin(ctx context.Context, poolID string) (pool.ActiveBin, error) {
	return pool.ActiveBin{BinID: 8000, Price: 150}, nil
}
func (stubPool) EnsureBinArrays(ctx context.Context, poolID string, bins []int) error { return nil }
func (stubPool) CreateOneSidedPosition(ctx context.Context, poolID string, side pool.Side, amountBase, amountQuote float64, minBin, maxBin int, strategy string, slippagePct float64) (pool.CreateResult, error) {
	return pool.CreateResult{PositionAccount: "acct-http", Tx: pool.Tx{Template: "tpl"}}, nil
}
func (stubPool) RemoveLiquidity(ctx context.Context, poolID, positionAccount string, fromBin, toBin int, bps int, shouldClaimAndClose bool) ([]pool.Tx, error) {
	return nil, nil
}
func (stubPool) ClaimAllRewards(ctx context.Context, poolID, positionAccount string) ([]pool.Tx, error) {
	return nil, nil
}
func (stubPool) ClosePositionAccount(ctx context.Context, poolID, positionAccount string) (pool.Tx, error) {
	return pool.Tx{Template: "tpl-close"}, nil
}
func (stubPool) GetPosition(ctx context.Context, poolID, positionAccount string) (pool.PositionAccount, error) {
	return pool.PositionAccount{LowerBin: 8000, UpperBin: 8060, Owner: "wallet"}, nil
}
func (stubPool) ListUserPositions(ctx context.Context, poolID string) ([]string, error) {
	return nil, nil
}
func (stubPool) LatestBlockhash(ctx context.Context) (string, error) { return "bh", nil }
func (stubPool) SendAndConfirm(ctx context.Context, txTemplate interface{}, blockhash string, signers []interface{}, timeout time.Duration) (string, bool, error) {
	return "sig", false, nil
}

type stubReader struct{}

func (stubReader) ReadBalance(ctx context.Context) (wallet.Balance, error) {
	return wallet.Balance{BaseQty: 5, QuoteQty: 500, Timestamp: time.Now().Unix()}, nil
}

type stubFetcher struct{}

func (stubFetcher) FetchKlines(ctx context.Context, symbol, tf string, limit int) ([]marketdata.Kline, error) {
	out := make([]marketdata.Kline, limit)
	base := time.Now().Add(-time.Duration(limit) * time.Minute)
	for i := range out {
		out[i] = marketdata.Kline{Close: 100 + float64(i%7), CloseTime: base.Add(time.Duration(i) * time.Minute)}
	}
	return out, nil
}
func (stubFetcher) FetchSpotPrice(ctx context.Context, symbol string) (float64, error) {
	return 150, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()

	cfg := &config.Config{
		RSI:             config.RSIConfig{Period: 14, Oversold: 30, Overbought: 70},
		CheckInterval:   30 * time.Second,
		PositionFactors: map[config.Timeframe]float64{config.TF1h: 0.2},
		EnabledTFs:      map[config.Timeframe]bool{config.TF1h: true},
		Pools: map[config.Timeframe]config.PoolDescriptor{
			config.TF1h: {PoolID: "pool-1h", BinStep: 20, Strategy: config.StrategySpot},
		},
		Tokens: config.TokenConfig{TradingSymbol: "SOLUSDC"},
		Server: config.ServerConfig{ListenAddr: ":0", CORSOrigins: []string{"http://localhost:3000"}},
	}
	cfgStore := config.NewStore(cfg)

	store := position.New(filepath.Join(t.TempDir(), "positions.yaml"), zerolog.Nop())
	rpc := rpcexec.New(zerolog.Nop())
	t.Cleanup(rpc.Close)
	walletSvc := wallet.New(stubReader{}, cache.New(zerolog.Nop()), nil, zerolog.Nop())
	indicators := indicator.New(stubFetcher{}, nil, zerolog.Nop())
	manager := position.NewManager(store, cfg.Pools, stubPool{}, rpc, config.TransactionConfig{Timeout: time.Second, MaxRetries: 2}, walletSvc, nil, zerolog.Nop())

	return New(cfgStore, store, manager, walletSvc, indicators, zerolog.Nop())
}

type envelope struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Error     string          `json:"error"`
	Timestamp int64           `json:"timestamp"`
}

func doRequest(t *testing.T, s *Server, method, path, body string) (int, envelope) {
	t.Helper()
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var env envelope
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
			t.Fatalf("decode envelope for %s %s: %v (%s)", method, path, err, rec.Body.String())
		}
	}
	return rec.Code, env
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestCreatePositionRejectsBadSide(t *testing.T) {
	s := newTestServer(t)
	code, env := doRequest(t, s, http.MethodPost, "/api/positions", `{"tf":"1h","side":"LONG","amount":1}`)
	if code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
	if env.Success {
		t.Fatal("expected success=false")
	}
	if env.Error == "" {
		t.Fatal("expected an error message in the envelope")
	}
}

func TestCreatePositionRejectsBelowMinimum(t *testing.T) {
	s := newTestServer(t)
	code, env := doRequest(t, s, http.MethodPost, "/api/positions", `{"tf":"1h","side":"BUY","amount":0.001}`)
	if code != http.StatusBadRequest {
		t.Fatalf("expected 400 for below-minimum amount, got %d (%s)", code, env.Error)
	}
}

func TestCreateThenListPositions(t *testing.T) {
	s := newTestServer(t)

	code, env := doRequest(t, s, http.MethodPost, "/api/positions", `{"tf":"1h","side":"BUY","amount":1}`)
	if code != http.StatusOK || !env.Success {
		t.Fatalf("create failed: code=%d error=%s", code, env.Error)
	}

	code, env = doRequest(t, s, http.MethodGet, "/api/positions", "")
	if code != http.StatusOK {
		t.Fatalf("list failed: %d", code)
	}
	var listed []position.Position
	if err := json.Unmarshal(env.Data, &listed); err != nil {
		t.Fatalf("decode positions: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != "acct-http" {
		t.Fatalf("expected the created position, got %+v", listed)
	}
}

func TestGetBalanceEnvelope(t *testing.T) {
	s := newTestServer(t)
	code, env := doRequest(t, s, http.MethodGet, "/api/balance", "")
	if code != http.StatusOK || !env.Success {
		t.Fatalf("balance failed: code=%d error=%s", code, env.Error)
	}
	if env.Timestamp == 0 {
		t.Fatal("expected a timestamp in the envelope")
	}
}

func TestUpdateConfigRejectsInvalidPatch(t *testing.T) {
	s := newTestServer(t)
	code, _ := doRequest(t, s, http.MethodPost, "/api/config", `{"rsi":{"period":500,"oversold":30,"overbought":70}}`)
	if code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid patch, got %d", code)
	}

	code, _ = doRequest(t, s, http.MethodPost, "/api/config", `{"rsi":{"period":21,"oversold":25,"overbought":75}}`)
	if code != http.StatusOK {
		t.Fatalf("expected 200 for valid patch, got %d", code)
	}
	if got := s.cfg.Get().RSI.Period; got != 21 {
		t.Fatalf("expected live config updated to 21, got %d", got)
	}
}
