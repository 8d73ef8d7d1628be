package pool

import "testing"

// BinIDForPrice(PriceForBin(b)) must round-trip to b near the active bin.
func TestBinRoundTrip(t *testing.T) {
	activeBin := 8000
	activePrice := 150.0
	binStep := 20 // bps

	for offset := -50; offset <= 50; offset++ {
		bin := activeBin + offset
		price := PriceForBin(activeBin, activePrice, binStep, bin)
		got := BinIDForPrice(activeBin, activePrice, binStep, price)
		if got != bin {
			t.Errorf("round trip failed at offset %d: got bin %d, want %d (price=%v)", offset, got, bin, price)
		}
	}
}

func TestSanityBoundsOK(t *testing.T) {
	cases := []struct {
		min, max float64
		want     bool
	}{
		{100, 110, true},
		{0.5, 110, false},
		{100, 20000, false},
		{110, 100, false},
	}
	for _, tc := range cases {
		if got := SanityBoundsOK(tc.min, tc.max); got != tc.want {
			t.Errorf("SanityBoundsOK(%v,%v) = %v, want %v", tc.min, tc.max, got, tc.want)
		}
	}
}

func TestLinearPriceApprox(t *testing.T) {
	price := 100.0
	upper := LinearPriceApprox(price, 20, 60, true)
	lower := LinearPriceApprox(price, 20, 60, false)
	if upper <= price {
		t.Errorf("expected upper approx > price, got %v", upper)
	}
	if lower >= price {
		t.Errorf("expected lower approx < price, got %v", lower)
	}
}
