package signal

import "apex-engine/internal/exchange"

// simpleMA computes the arithmetic mean of the last `period` closes, ported
// from trend_analyzer.go's calculateEMA sibling helpers (donor computes EMA
// by hand; this spec's MA1/MA2 are plain moving averages per §3/§4.4).
func simpleMA(candles []exchange.Candle, period int) float64 {
	if len(candles) == 0 {
		return 0
	}
	if period > len(candles) {
		period = len(candles)
	}
	start := len(candles) - period
	var sum float64
	for _, c := range candles[start:] {
		sum += c.Close
	}
	return sum / float64(period)
}

// maSeries returns the simple-moving-average value at every index where a
// full window is available, used to detect a crossover within the last few
// candles rather than just comparing the latest values.
func maSeries(candles []exchange.Candle, period int) []float64 {
	out := make([]float64, len(candles))
	var sum float64
	for i, c := range candles {
		sum += c.Close
		if i >= period {
			sum -= candles[i-period].Close
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		} else {
			out[i] = c.Close // degrade to price until the window fills
		}
	}
	return out
}

// rsi computes the Relative Strength Index over the last `period` deltas --
// ported from trend_analyzer.go's calculateRSI.
func rsi(candles []exchange.Candle, period int) float64 {
	if len(candles) < period+1 {
		return 50 // degradation default per §4.4
	}
	start := len(candles) - period - 1
	var gains, losses float64
	for i := start + 1; i < len(candles); i++ {
		delta := candles[i].Close - candles[i-1].Close
		if delta >= 0 {
			gains += delta
		} else {
			losses -= delta
		}
	}
	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// avgVolume is the mean volume over the last `period` candles (excluding the
// latest, which is compared against it for spike detection).
func avgVolume(candles []exchange.Candle, period int) float64 {
	if len(candles) < 2 {
		return 0
	}
	n := len(candles) - 1
	if period < n {
		n = period
	}
	start := len(candles) - 1 - n
	var sum float64
	for _, c := range candles[start : len(candles)-1] {
		sum += c.Volume
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// crossover describes a bullish/bearish MA1/MA2 cross found within the
// lookback window.
type crossover struct {
	bullish bool
	bearish bool
}

// detectCrossover scans the last `lookback` transitions of short vs long MA
// for a sign change, per §4.4 "bullish MA crossover within last 3 candles".
func detectCrossover(shortMA, longMA []float64, lookback int) crossover {
	n := len(shortMA)
	if n < 2 {
		return crossover{}
	}
	start := n - lookback
	if start < 1 {
		start = 1
	}
	var cr crossover
	for i := start; i < n; i++ {
		prevDiff := shortMA[i-1] - longMA[i-1]
		currDiff := shortMA[i] - longMA[i]
		if prevDiff <= 0 && currDiff > 0 {
			cr.bullish = true
		}
		if prevDiff >= 0 && currDiff < 0 {
			cr.bearish = true
		}
	}
	return cr
}
