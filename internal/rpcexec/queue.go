// Package rpcexec provides the serialized, rate-limited RPC read queue and
// the transaction submission loop. The read queue is an ordered mailbox
// consumed by a single worker goroutine.
package rpcexec

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type job struct {
	fn   func(ctx context.Context) (interface{}, error)
	done chan result
}

type result struct {
	value interface{}
	err   error
}

// Executor serializes RPC reads through a single worker with a minimum
// 250ms pacing and exponential-backoff retry on transient faults, and
// separately exposes transaction submission (Submit).
type Executor struct {
	queue   chan job
	limiter *rate.Limiter
	logger  zerolog.Logger

	maxRetries       int
	baseDelay        time.Duration
	maxDelay         time.Duration
	submitRetryDelay time.Duration // 0 means the default attempt*2s
}

// New starts the single-worker read queue. Callers must call Close when
// done to stop the worker goroutine.
func New(logger zerolog.Logger) *Executor {
	e := &Executor{
		queue:      make(chan job, 256),
		limiter:    rate.NewLimiter(rate.Every(250*time.Millisecond), 1),
		logger:     logger.With().Str("component", "rpcexec").Logger(),
		maxRetries: 5,
		baseDelay:  5 * time.Second,
		maxDelay:   30 * time.Second,
	}
	go e.run()
	return e
}

func (e *Executor) run() {
	for j := range e.queue {
		j.done <- e.execWithRetry(context.Background(), j.fn)
	}
}

// Read enqueues fn and blocks for its result, retried with exponential
// backoff 2^n*5s capped at 30s, up to 5 attempts. Non-transient
// errors (anything not classified errkind.Transient/RateLimited) surface
// immediately without retry.
func (e *Executor) Read(ctx context.Context, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	j := job{fn: fn, done: make(chan result, 1)}
	select {
	case e.queue <- j:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-j.done:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Executor) execWithRetry(ctx context.Context, fn func(ctx context.Context) (interface{}, error)) result {
	var lastErr error
	for attempt := 0; attempt < e.maxRetries; attempt++ {
		if err := e.limiter.Wait(ctx); err != nil {
			return result{err: err}
		}

		v, err := fn(ctx)
		if err == nil {
			return result{value: v}
		}
		lastErr = err

		if !isRetryable(err) {
			return result{err: err}
		}

		wait := e.baseDelay * time.Duration(1<<attempt)
		if wait > e.maxDelay {
			wait = e.maxDelay
		}
		e.logger.Warn().Err(err).Int("attempt", attempt+1).Dur("wait", wait).Msg("rpc read failed, retrying")

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return result{err: ctx.Err()}
		}
	}
	return result{err: lastErr}
}

// Close stops the worker goroutine. Safe to call once.
func (e *Executor) Close() {
	close(e.queue)
}
