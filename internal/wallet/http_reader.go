package wallet

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/koshedu/meteora-rsi-bot/internal/rpcexec"
)

// HTTPReader is the concrete Reader: a JSON-over-HTTP adapter to the same
// pool-operator sidecar internal/pool.HTTPClient talks to (the sidecar
// fronts both the pool program and the trading wallet's token accounts).
// Intentionally as thin as pool.HTTPClient: build request, do it, decode
// JSON. The actual fetch is run through rpcexec.Executor.Read so balance
// reads share the serialized, 250ms-paced queue and retry/backoff with
// every other on-chain read instead of hitting the sidecar on their own
// schedule.
type HTTPReader struct {
	baseURL string
	http    *http.Client
	rpc     *rpcexec.Executor
	logger  zerolog.Logger
}

// NewHTTPReader builds a Reader against baseURL, routing every fetch through
// rpc's serialized read queue.
func NewHTTPReader(baseURL string, rpc *rpcexec.Executor, logger zerolog.Logger) *HTTPReader {
	return &HTTPReader{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
		rpc:     rpc,
		logger:  logger.With().Str("component", "wallet_reader").Logger(),
	}
}

type balanceResponse struct {
	BaseQty   float64 `json:"base_qty"`
	QuoteQty  float64 `json:"quote_qty"`
	Timestamp int64   `json:"timestamp"`
}

// ReadBalance fetches the current human-unit balance through the RPC
// executor's read queue.
func (r *HTTPReader) ReadBalance(ctx context.Context) (Balance, error) {
	v, err := r.rpc.Read(ctx, func(ctx context.Context) (interface{}, error) {
		bal, err := r.fetchBalance(ctx)
		if err != nil {
			return nil, err
		}
		return bal, nil
	})
	if err != nil {
		return Balance{}, err
	}
	return v.(Balance), nil
}

func (r *HTTPReader) fetchBalance(ctx context.Context) (Balance, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/wallet/balance", nil)
	if err != nil {
		return Balance{}, fmt.Errorf("wallet: build request: %w", err)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return Balance{}, fmt.Errorf("wallet: read balance: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Balance{}, fmt.Errorf("wallet: read balance: status %d: %s", resp.StatusCode, string(body))
	}

	var out balanceResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Balance{}, fmt.Errorf("wallet: decode balance: %w", err)
	}
	return Balance{BaseQty: out.BaseQty, QuoteQty: out.QuoteQty, Timestamp: out.Timestamp}, nil
}
