// Package pool is the thin adapter to the AMM pool: active bin reads,
// price<->bin conversion, one-sided position creation, liquidity removal,
// reward claims, and account lifecycle. HTTPClient is a JSON-over-HTTP
// adapter to the pool-operator sidecar that fronts the AMM program, not a
// vendored SDK.
package pool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/koshedu/meteora-rsi-bot/internal/errkind"
)

// HTTPClient talks to a pool-operator sidecar/RPC endpoint that fronts the
// actual AMM program. It is intentionally thin: build request, POST JSON,
// decode JSON, classify known on-chain error codes.
type HTTPClient struct {
	baseURL   string
	authToken string
	http      *http.Client
	logger    zerolog.Logger
}

// NewHTTPClient builds a Client against baseURL. authToken may be empty for
// an unauthenticated sidecar.
func NewHTTPClient(baseURL, authToken string, logger zerolog.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL:   baseURL,
		authToken: authToken,
		http:      &http.Client{Timeout: 15 * time.Second},
		logger:    logger.With().Str("component", "pool").Logger(),
	}
}

func (c *HTTPClient) call(ctx context.Context, method string, req, resp interface{}) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return errkind.New(errkind.Transient, "", err)
	}
	defer httpResp.Body.Close()

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(httpResp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("pool: decode response for %s: %w", method, err)
	}

	if envelope.Error != nil {
		return classifyError(envelope.Error.Code, envelope.Error.Message)
	}
	if resp != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, resp); err != nil {
			return fmt.Errorf("pool: decode result for %s: %w", method, err)
		}
	}
	return nil
}

// classifyError turns the AMM program's error codes into errkind
// classifications so callers branch on kinds, not strings.
func classifyError(code, message string) error {
	switch code {
	case "6030", "0x178e", errkind.CodeNonEmptyPosition:
		return errkind.New(errkind.OnChainLogical, errkind.CodeNonEmptyPosition, fmt.Errorf("%s", message))
	case errkind.CodeExceededBinSlippageTolerance:
		return errkind.New(errkind.OnChainLogical, errkind.CodeExceededBinSlippageTolerance, fmt.Errorf("%s", message))
	default:
		return fmt.Errorf("pool: %s: %s", code, message)
	}
}

func (c *HTTPClient) ActiveBin(ctx context.Context, poolID string) (ActiveBin, error) {
	var resp ActiveBin
	err := c.call(ctx, "active_bin", map[string]string{"pool_id": poolID}, &resp)
	return resp, err
}

func (c *HTTPClient) EnsureBinArrays(ctx context.Context, poolID string, bins []int) error {
	err := c.call(ctx, "ensure_bin_arrays", map[string]interface{}{"pool_id": poolID, "bins": bins}, nil)
	if err != nil && isAlreadyInitialized(err) {
		return nil
	}
	return err
}

func isAlreadyInitialized(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "already initialized")
}

// CreateOneSidedPosition asks the sidecar to build (not submit) the
// position-creation transaction; the caller submits it via RpcExecutor.Submit.
func (c *HTTPClient) CreateOneSidedPosition(ctx context.Context, poolID string, side Side, amountBase, amountQuote float64, minBin, maxBin int, strategy string, slippagePct float64) (CreateResult, error) {
	var resp struct {
		PositionAccount string      `json:"position_account"`
		Tx              interface{} `json:"tx"`
	}
	err := c.call(ctx, "build_create_one_sided_position", map[string]interface{}{
		"pool_id":      poolID,
		"side":         side,
		"amount_base":  amountBase,
		"amount_quote": amountQuote,
		"min_bin":      minBin,
		"max_bin":      maxBin,
		"strategy":     strategy,
		"slippage_pct": slippagePct,
	}, &resp)
	if err != nil {
		return CreateResult{}, err
	}
	return CreateResult{PositionAccount: resp.PositionAccount, Tx: Tx{Template: resp.Tx}}, nil
}

// RemoveLiquidity asks the sidecar to build (not submit) the remove-liquidity
// transaction(s); "no liquidity to remove" is not an error.
func (c *HTTPClient) RemoveLiquidity(ctx context.Context, poolID, positionAccount string, fromBin, toBin int, bps int, shouldClaimAndClose bool) ([]Tx, error) {
	var resp struct {
		Txs []interface{} `json:"txs"`
	}
	err := c.call(ctx, "build_remove_liquidity", map[string]interface{}{
		"pool_id":                poolID,
		"position_account":       positionAccount,
		"from_bin":               fromBin,
		"to_bin":                 toBin,
		"bps":                    bps,
		"should_claim_and_close": shouldClaimAndClose,
	}, &resp)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "no liquidity") {
			return nil, nil
		}
		return nil, err
	}
	return wrapTxs(resp.Txs), nil
}

// ClaimAllRewards asks the sidecar to build (not submit) the reward-claim
// transaction(s); zero-reward is not an error.
func (c *HTTPClient) ClaimAllRewards(ctx context.Context, poolID, positionAccount string) ([]Tx, error) {
	var resp struct {
		Txs []interface{} `json:"txs"`
	}
	err := c.call(ctx, "build_claim_all_rewards", map[string]interface{}{
		"pool_id": poolID, "position_account": positionAccount,
	}, &resp)
	return wrapTxs(resp.Txs), err
}

// ClosePositionAccount asks the sidecar to build (not submit) the
// account-close transaction.
func (c *HTTPClient) ClosePositionAccount(ctx context.Context, poolID, positionAccount string) (Tx, error) {
	var resp struct {
		Tx interface{} `json:"tx"`
	}
	err := c.call(ctx, "build_close_position_account", map[string]interface{}{
		"pool_id": poolID, "position_account": positionAccount,
	}, &resp)
	return Tx{Template: resp.Tx}, err
}

func wrapTxs(raw []interface{}) []Tx {
	if len(raw) == 0 {
		return nil
	}
	out := make([]Tx, len(raw))
	for i, t := range raw {
		out[i] = Tx{Template: t}
	}
	return out
}

// LatestBlockhash implements rpcexec.BlockhashProvider: fetched fresh
// before every submission attempt.
func (c *HTTPClient) LatestBlockhash(ctx context.Context) (string, error) {
	var resp struct {
		Blockhash string `json:"blockhash"`
	}
	err := c.call(ctx, "latest_blockhash", map[string]interface{}{}, &resp)
	return resp.Blockhash, err
}

// SendAndConfirm implements rpcexec.TxSender: attaches the blockhash,
// sends, and confirms with the given timeout. Retriable faults ("block
// height exceeded", "Blockhash not found", confirmation timeout) are
// classified from the sidecar's messages the same way isAlreadyInitialized
// and "no liquidity" are above.
func (c *HTTPClient) SendAndConfirm(ctx context.Context, txTemplate interface{}, blockhash string, signers []interface{}, timeout time.Duration) (string, bool, error) {
	var resp struct {
		Signature string `json:"signature"`
	}
	err := c.call(ctx, "send_and_confirm", map[string]interface{}{
		"tx":         txTemplate,
		"blockhash":  blockhash,
		"signers":    signers,
		"timeout_ms": timeout.Milliseconds(),
	}, &resp)
	if err != nil {
		return "", isRetriableSubmitFault(err), err
	}
	return resp.Signature, false, nil
}

func isRetriableSubmitFault(err error) bool {
	if errkind.Is(err, errkind.Transient) || errkind.Is(err, errkind.RateLimited) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "block height exceeded") ||
		strings.Contains(msg, "blockhash not found") ||
		strings.Contains(msg, "confirmation timeout") ||
		strings.Contains(msg, "timed out")
}

func (c *HTTPClient) GetPosition(ctx context.Context, poolID, positionAccount string) (PositionAccount, error) {
	var resp PositionAccount
	err := c.call(ctx, "get_position", map[string]interface{}{
		"pool_id": poolID, "position_account": positionAccount,
	}, &resp)
	return resp, err
}

func (c *HTTPClient) ListUserPositions(ctx context.Context, poolID string) ([]string, error) {
	var resp struct {
		Positions []string `json:"positions"`
	}
	err := c.call(ctx, "list_user_positions", map[string]string{"pool_id": poolID}, &resp)
	return resp.Positions, err
}
