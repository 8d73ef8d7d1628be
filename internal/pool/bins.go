package pool

import "math"

// BinIDForPrice converts price to the bin id offset from activeBin, using
// the canonical logarithmic formula:
//
//	bin_id = active_id + round( log(price/active_price) / log(1 + binStep/10000) )
//
// This is the only canonical formula this core uses; any SDK-reported bin id
// is treated as an optimization to prefer when available, never as a source
// of truth.
func BinIDForPrice(activeBin int, activePrice float64, binStepBps int, price float64) int {
	if activePrice <= 0 || price <= 0 || binStepBps <= 0 {
		return activeBin
	}
	step := 1 + float64(binStepBps)/10000.0
	offset := math.Log(price/activePrice) / math.Log(step)
	return activeBin + int(math.Round(offset))
}

// PriceForBin is the inverse of BinIDForPrice: price(b) = price(a) *
// (1+binStep/10000)^(b-a).
func PriceForBin(activeBin int, activePrice float64, binStepBps int, bin int) float64 {
	step := 1 + float64(binStepBps)/10000.0
	return activePrice * math.Pow(step, float64(bin-activeBin))
}

// LinearPriceApprox is the fallback approximation used when the logarithmic
// result falls outside the sanity bounds (1, 10000):
// +-(binStep/10000) * currentPrice * binCount.
func LinearPriceApprox(currentPrice float64, binStepBps, binCount int, upper bool) float64 {
	delta := (float64(binStepBps) / 10000.0) * currentPrice * float64(binCount)
	if upper {
		return currentPrice + delta
	}
	return currentPrice - delta
}

// SanityBoundsOK reports whether a computed price range passes the
// (1, 10000) sanity bounds; a failing range is treated as corrupt state.
func SanityBoundsOK(min, max float64) bool {
	if min <= 1 || min >= 10000 || max <= 1 || max >= 10000 {
		return false
	}
	return min <= max
}
