// Package position holds the authoritative in-memory position store and the
// manager that drives a position through its create/harvest/close
// lifecycle.
package position

import (
	"time"

	"github.com/koshedu/meteora-rsi-bot/config"
	"github.com/koshedu/meteora-rsi-bot/internal/pool"
)

// Status is the terminal-or-not lifecycle state of a Position.
type Status string

const (
	StatusActive Status = "ACTIVE"
	StatusClosed Status = "CLOSED"
)

// BinRange is the on-chain bin bounds a position's liquidity was created
// against.
type BinRange struct {
	MinBin int `yaml:"min_bin"`
	MaxBin int `yaml:"max_bin"`
}

// PriceRange is the decision window a position was opened against; it is
// never mutated after creation (harvesting narrows liquidity but preserves
// this window).
type PriceRange struct {
	Min      float64  `yaml:"min"`
	Max      float64  `yaml:"max"`
	BinRange BinRange `yaml:"bin_range"`
}

// Position is one one-sided liquidity position.
type Position struct {
	ID               string           `yaml:"id"`
	PoolID           string           `yaml:"pool_id"`
	Timeframe        config.Timeframe `yaml:"timeframe"`
	Side             pool.Side        `yaml:"side"`
	Amount           float64          `yaml:"amount"`
	EntryPrice       float64          `yaml:"entry_price"`
	CreatedAt        time.Time        `yaml:"created_at"`
	Status           Status           `yaml:"status"`
	PriceRange       PriceRange       `yaml:"price_range"`
	LastRangeCheck   time.Time        `yaml:"last_range_check"`
	HasBeenHarvested bool             `yaml:"has_been_harvested"`
	LastHarvestAt    time.Time        `yaml:"last_harvest_at,omitempty"`
}

// CloseResult is returned by PositionManager.Close.
type CloseResult struct {
	ReceivedBase  float64
	ReceivedQuote float64
}
