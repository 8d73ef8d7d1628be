package pool

import (
	"context"
	"time"
)

// Side is which direction a one-sided liquidity position leans.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ActiveBin describes the pool's current tick.
type ActiveBin struct {
	BinID int
	Price float64
}

// Tx is an unsigned transaction template returned by a Client write
// operation, never a submitted signature. The sidecar's job stops at
// building the transaction; attaching a fresh blockhash, sending, and
// confirming belongs to rpcexec.Executor.Submit via the Client's
// LatestBlockhash/SendAndConfirm methods below. Template is opaque (whatever wire format the sidecar
// hands back) the same way HTTPClient.call's request/response bodies are
// opaque JSON.
type Tx struct {
	Template interface{}
}

// CreateResult is returned by CreateOneSidedPosition: the on-chain account
// id the position will have, plus the unsigned creation transaction.
type CreateResult struct {
	PositionAccount string
	Tx              Tx
}

// PositionAccount is what GetPosition returns.
type PositionAccount struct {
	LowerBin      int
	UpperBin      int
	LastUpdatedAt int64
	Owner         string
}

// Client's LatestBlockhash and SendAndConfirm methods match
// rpcexec.BlockhashProvider/TxSender structurally (Go interfaces match by
// method set, not by name): any pool.Client implementation doubles as both,
// so RpcExecutor.Submit can drive the submission protocol directly against it.

// Client is the opaque AMM pool adapter; this interface is the entire
// surface the core depends on. LatestBlockhash/SendAndConfirm let
// rpcexec.Executor.Submit drive the blockhash-refresh-and-retry protocol
// over whatever Tx templates the build methods below return.
type Client interface {
	ActiveBin(ctx context.Context, poolID string) (ActiveBin, error)
	EnsureBinArrays(ctx context.Context, poolID string, bins []int) error
	CreateOneSidedPosition(ctx context.Context, poolID string, side Side, amountBase, amountQuote float64, minBin, maxBin int, strategy string, slippagePct float64) (CreateResult, error)
	RemoveLiquidity(ctx context.Context, poolID, positionAccount string, fromBin, toBin int, bps int, shouldClaimAndClose bool) ([]Tx, error)
	ClaimAllRewards(ctx context.Context, poolID, positionAccount string) ([]Tx, error)
	ClosePositionAccount(ctx context.Context, poolID, positionAccount string) (Tx, error)
	GetPosition(ctx context.Context, poolID, positionAccount string) (PositionAccount, error)
	ListUserPositions(ctx context.Context, poolID string) ([]string, error)

	LatestBlockhash(ctx context.Context) (string, error)
	SendAndConfirm(ctx context.Context, txTemplate interface{}, blockhash string, signers []interface{}, timeout time.Duration) (signature string, retriable bool, err error)
}
