package wallet

import "context"

// Balance is the normalized (human-unit) wallet balance snapshot reader
// result.
type Balance struct {
	BaseQty   float64
	QuoteQty  float64
	Timestamp int64 // unix seconds
}

// Snapshot is a persisted balance history entry.
type Snapshot struct {
	BaseQty        float64 `yaml:"base_qty"`
	QuoteQty       float64 `yaml:"quote_qty"`
	Timestamp      int64   `yaml:"timestamp"`
	IsDailyAverage bool    `yaml:"is_daily_average,omitempty"`
	OriginalCount  int     `yaml:"original_count,omitempty"`
}

// Reader reads the current on-chain balance. Decimals are already applied;
// values are human units.
type Reader interface {
	ReadBalance(ctx context.Context) (Balance, error)
}
