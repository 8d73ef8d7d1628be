package rpcexec

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/koshedu/meteora-rsi-bot/internal/errkind"
)

func (e *Executor) submitRetryUnit() time.Duration {
	if e.submitRetryDelay > 0 {
		return e.submitRetryDelay
	}
	return 2 * time.Second
}

func isRetryable(err error) bool {
	var e *errkind.Error
	if errors.As(err, &e) {
		return errkind.Retryable(e.Kind)
	}
	return false
}

// BlockhashProvider supplies a fresh blockhash to attach to a transaction
// before each submission attempt.
type BlockhashProvider interface {
	LatestBlockhash(ctx context.Context) (string, error)
}

// TxSender sends an already-blockhashed transaction with the given
// commitment and returns its signature once confirmed, or a retriable/
// non-retriable error.
type TxSender interface {
	SendAndConfirm(ctx context.Context, txTemplate interface{}, blockhash string, signers []interface{}, timeout time.Duration) (signature string, retriable bool, err error)
}

// Tx describes one submission request.
type Tx struct {
	Template interface{}
	Signers  []interface{}
	Label    string
}

// Submit implements the transaction submission protocol: for each attempt,
// refetch the blockhash, send+confirm with a bounded
// timeout, retry retriable faults with attempt*2s backoff, fail immediately
// on non-retriable faults. Exhaustion is fatal for this submission.
func (e *Executor) Submit(ctx context.Context, bh BlockhashProvider, sender TxSender, tx Tx, maxAttempts int, timeout time.Duration) (string, error) {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		blockhash, err := bh.LatestBlockhash(ctx)
		if err != nil {
			lastErr = err
			if !isRetryable(err) {
				return "", fmt.Errorf("rpcexec: submit %s: fetch blockhash: %w", tx.Label, err)
			}
		} else {
			sig, retriable, err := sender.SendAndConfirm(ctx, tx.Template, blockhash, tx.Signers, timeout)
			if err == nil {
				return sig, nil
			}
			lastErr = err
			if !retriable {
				return "", fmt.Errorf("rpcexec: submit %s: non-retriable: %w", tx.Label, err)
			}
		}

		e.logger.Warn().Str("label", tx.Label).Int("attempt", attempt).Err(lastErr).Msg("transaction submission failed, retrying with fresh blockhash")

		wait := time.Duration(attempt) * e.submitRetryUnit()
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "", fmt.Errorf("rpcexec: submit %s: exhausted %d attempts: %w", tx.Label, maxAttempts, lastErr)
}
