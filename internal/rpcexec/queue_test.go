package rpcexec

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/koshedu/meteora-rsi-bot/internal/errkind"
)

func TestReadRetriesTransientThenSucceeds(t *testing.T) {
	e := New(zerolog.Nop())
	e.baseDelay = time.Millisecond
	e.maxDelay = 5 * time.Millisecond
	defer e.Close()

	var calls int32
	fn := func(ctx context.Context) (interface{}, error) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			return nil, errkind.New(errkind.Transient, "", errors.New("boom"))
		}
		return "ok", nil
	}

	v, err := e.Read(context.Background(), fn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "ok" {
		t.Fatalf("expected ok, got %v", v)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestReadSurfacesNonRetriableImmediately(t *testing.T) {
	e := New(zerolog.Nop())
	e.baseDelay = time.Millisecond
	defer e.Close()

	var calls int32
	fn := func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("validation failure")
	}

	_, err := e.Read(context.Background(), fn)
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 call for a non-retriable error, got %d", calls)
	}
}

type fakeBlockhash struct{ n int32 }

func (f *fakeBlockhash) LatestBlockhash(ctx context.Context) (string, error) {
	return "bh", nil
}

type flakySender struct {
	failUntil int32
	calls     int32
}

func (s *flakySender) SendAndConfirm(ctx context.Context, tmpl interface{}, blockhash string, signers []interface{}, timeout time.Duration) (string, bool, error) {
	n := atomic.AddInt32(&s.calls, 1)
	if n <= s.failUntil {
		return "", true, errors.New("Blockhash not found")
	}
	return "sig123", false, nil
}

func TestSubmitRetriesWithFreshBlockhash(t *testing.T) {
	e := New(zerolog.Nop())
	e.submitRetryDelay = time.Millisecond
	defer e.Close()

	sender := &flakySender{failUntil: 2}
	sig, err := e.Submit(context.Background(), &fakeBlockhash{}, sender, Tx{Label: "close"}, 5, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sig != "sig123" {
		t.Fatalf("expected sig123, got %s", sig)
	}
	if sender.calls != 3 {
		t.Fatalf("expected 3 send attempts, got %d", sender.calls)
	}
}

type alwaysFailSender struct{}

func (alwaysFailSender) SendAndConfirm(ctx context.Context, tmpl interface{}, blockhash string, signers []interface{}, timeout time.Duration) (string, bool, error) {
	return "", false, errors.New("invalid instruction")
}

func TestSubmitFailsImmediatelyOnNonRetriable(t *testing.T) {
	e := New(zerolog.Nop())
	defer e.Close()

	sig, err := e.Submit(context.Background(), &fakeBlockhash{}, alwaysFailSender{}, Tx{Label: "close"}, 5, time.Second)
	if err == nil {
		t.Fatal("expected error")
	}
	if sig != "" {
		t.Fatalf("expected empty signature, got %s", sig)
	}
}
