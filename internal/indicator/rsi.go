package indicator

import "github.com/koshedu/meteora-rsi-bot/internal/marketdata"

// Signal classifies an RSI value against the configured thresholds.
type Signal string

const (
	Oversold   Signal = "OVERSOLD"
	Overbought Signal = "OVERBOUGHT"
	Neutral    Signal = "NEUTRAL"
)

// ClassifySignal derives a Signal from value against the given thresholds.
func ClassifySignal(value, oversold, overbought float64) Signal {
	switch {
	case value < oversold:
		return Oversold
	case value > overbought:
		return Overbought
	default:
		return Neutral
	}
}

// wilderRSI computes Wilder's smoothed RSI over period candles' close
// prices. Requires at least period+1 closes; callers fetch period+50
// candles so the smoothing has settled by the time the final value is
// read.
func wilderRSI(klines []marketdata.Kline, period int) float64 {
	if len(klines) < period+1 {
		return 50.0
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		change := klines[i].Close - klines[i-1].Close
		if change > 0 {
			avgGain += change
		} else {
			avgLoss += -change
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	for i := period + 1; i < len(klines); i++ {
		change := klines[i].Close - klines[i-1].Close
		var gain, loss float64
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		if avgGain == 0 {
			return 50.0
		}
		return 100.0
	}

	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}
