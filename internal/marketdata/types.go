package marketdata

import "time"

// Kline is one OHLC candle returned by the vendor feed.
type Kline struct {
	OpenTime  time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	CloseTime time.Time
}
