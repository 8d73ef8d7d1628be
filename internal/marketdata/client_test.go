package marketdata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/koshedu/meteora-rsi-bot/internal/errkind"
)

func TestFetchKlinesDecodesVendorPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/klines" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("interval"); got != "1h" {
			t.Errorf("expected interval=1h, got %s", got)
		}
		w.Write([]byte(`[
			{"openTime":1700000000000,"open":"100.0","high":"101.0","low":"99.5","close":"100.5","volume":"12.0","closeTime":1700003599999},
			{"openTime":1700003600000,"open":"100.5","high":"102.0","low":"100.1","close":"101.7","volume":"9.3","closeTime":1700007199999}
		]`))
	}))
	defer srv.Close()

	c := New(srv.URL, zerolog.Nop())
	klines, err := c.FetchKlines(context.Background(), "SOLUSDC", "1h", 2)
	if err != nil {
		t.Fatalf("fetch klines: %v", err)
	}
	if len(klines) != 2 {
		t.Fatalf("expected 2 klines, got %d", len(klines))
	}
	if klines[1].Close != 101.7 {
		t.Fatalf("expected close 101.7, got %v", klines[1].Close)
	}
	if klines[0].CloseTime.After(klines[1].CloseTime) {
		t.Fatal("expected klines ordered oldest first")
	}
}

func TestFetchSpotPriceParsesString(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"symbol":"SOLUSDC","price":"149.25"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, zerolog.Nop())
	price, err := c.FetchSpotPrice(context.Background(), "SOLUSDC")
	if err != nil {
		t.Fatalf("fetch spot price: %v", err)
	}
	if price != 149.25 {
		t.Fatalf("expected 149.25, got %v", price)
	}
}

func TestRateLimitSurfacesAsRateLimitedKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(srv.URL, zerolog.Nop())
	_, err := c.FetchSpotPrice(context.Background(), "SOLUSDC")
	if !errkind.Is(err, errkind.RateLimited) {
		t.Fatalf("expected RateLimited kind, got %v", err)
	}
}

// Consecutive vendor calls must be at least 300ms apart.
func TestVendorCallsArePaced(t *testing.T) {
	var mu sync.Mutex
	var stamps []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		stamps = append(stamps, time.Now())
		mu.Unlock()
		w.Write([]byte(`{"price":"100"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, zerolog.Nop())
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := c.FetchSpotPrice(ctx, "SOLUSDC"); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(stamps) != 3 {
		t.Fatalf("expected 3 vendor calls, got %d", len(stamps))
	}
	for i := 1; i < len(stamps); i++ {
		if gap := stamps[i].Sub(stamps[i-1]); gap < 290*time.Millisecond {
			t.Fatalf("calls %d and %d only %v apart, want >= 300ms", i-1, i, gap)
		}
	}
}
