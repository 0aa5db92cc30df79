// Package signal implements C4, the Signal Generator: a pure function from
// (candles, parameters) to a deterministic TradingSignal, with an internal
// LRU of computed indicators keyed by (symbol, latestCandleTimestamp,
// candleCount) per §9's design note. Indicator math is ported from the
// donor's hand-rolled trend_analyzer.go since no indicator library appears
// anywhere in the retrieval pack.
package signal

import (
	"container/list"
	"fmt"
	"sync"

	"apex-engine/internal/exchange"
)

const minCandles = 50

// Action is the directional call C4 produces.
type Action string

const (
	Buy  Action = "BUY"
	Sell Action = "SELL"
	Hold Action = "HOLD"
)

// Conditions mirrors §3's TradingSignal.conditions.
type Conditions struct {
	MACrossover         bool
	RSISignal           bool
	VolumeConfirmation  bool
	TrendAlignment      bool
}

// Indicators mirrors §3's TradingSignal.indicators.
type Indicators struct {
	Price     float64
	MA1       float64
	MA2       float64
	RSI       float64
	Volume    float64
	AvgVolume float64
}

// TradingSignal is §3's immutable output record.
type TradingSignal struct {
	Symbol     string
	Action     Action
	Strength   float64
	Reason     string
	Indicators Indicators
	Conditions Conditions
	Timestamp  int64
}

// Params is §4.4's configurable input set.
type Params struct {
	MA1Period             int
	MA2Period             int
	RSIPeriod             int
	RSIOversold           float64
	RSIOverbought         float64
	VolumeSpikeThreshold  float64
	MinSignalStrength     float64
	ConfirmationRequired  bool
}

// DefaultParams mirrors internal/config's defaults for standalone callers
// (e.g. tests) that don't want to thread the whole BotConfig through.
func DefaultParams() Params {
	return Params{
		MA1Period:            9,
		MA2Period:            21,
		RSIPeriod:            14,
		RSIOversold:          30,
		RSIOverbought:        70,
		VolumeSpikeThreshold: 2,
		MinSignalStrength:    65,
		ConfirmationRequired: true,
	}
}

// Generator wraps the pure Generate function with a bounded memoization LRU.
type Generator struct {
	mu       sync.Mutex
	lru      *list.List
	index    map[string]*list.Element
	capacity int
}

type memoEntry struct {
	key    string
	signal TradingSignal
}

func NewGenerator(capacity int) *Generator {
	if capacity <= 0 {
		capacity = 256
	}
	return &Generator{
		lru:      list.New(),
		index:    make(map[string]*list.Element),
		capacity: capacity,
	}
}

// Generate memoizes on (symbol, latest candle timestamp, candle count) --
// NOT on candle content hash, per §9's explicit guidance that content
// hashing is too expensive to recompute every call.
func (g *Generator) Generate(symbol string, candles []exchange.Candle, p Params) TradingSignal {
	if len(candles) == 0 {
		return Generate(symbol, candles, p)
	}
	key := fmt.Sprintf("%s:%d:%d", symbol, candles[len(candles)-1].Timestamp, len(candles))

	g.mu.Lock()
	if elem, ok := g.index[key]; ok {
		g.lru.MoveToFront(elem)
		sig := elem.Value.(*memoEntry).signal
		g.mu.Unlock()
		return sig
	}
	g.mu.Unlock()

	sig := Generate(symbol, candles, p)

	g.mu.Lock()
	elem := g.lru.PushFront(&memoEntry{key: key, signal: sig})
	g.index[key] = elem
	for g.lru.Len() > g.capacity {
		oldest := g.lru.Back()
		if oldest == nil {
			break
		}
		g.lru.Remove(oldest)
		delete(g.index, oldest.Value.(*memoEntry).key)
	}
	g.mu.Unlock()

	return sig
}

// Generate is the pure scoring function §4.4 specifies. Given identical
// candles and parameters, two invocations return field-wise equal signals.
func Generate(symbol string, candles []exchange.Candle, p Params) TradingSignal {
	// Timestamp is derived from the input, not wall-clock time, so that two
	// invocations over identical candles/params are equal field-wise (§8's
	// C4 determinism law).
	var now int64
	if len(candles) > 0 {
		now = candles[len(candles)-1].Timestamp
	}

	if len(candles) < minCandles {
		return TradingSignal{
			Symbol:    symbol,
			Action:    Hold,
			Strength:  0,
			Reason:    "Insufficient historical data",
			Timestamp: now,
		}
	}

	latest := candles[len(candles)-1]
	price := latest.Close

	ma1Series := maSeries(candles, p.MA1Period)
	ma2Series := maSeries(candles, p.MA2Period)
	ma1 := ma1Series[len(ma1Series)-1]
	ma2 := ma2Series[len(ma2Series)-1]

	rsiVal := rsi(candles, p.RSIPeriod)

	vol := latest.Volume
	avgVol := avgVolume(candles, p.RSIPeriod)

	cross := detectCrossover(ma1Series, ma2Series, 3)

	volumeSpike := avgVol > 0 && vol >= p.VolumeSpikeThreshold*avgVol
	trendBullish := price > ma1 && ma1 > ma2
	trendBearish := price < ma1 && ma1 < ma2

	var buyStrength, sellStrength float64
	rsiOversoldHit := rsiVal <= p.RSIOversold
	rsiOverboughtHit := rsiVal >= p.RSIOverbought

	if rsiOversoldHit {
		buyStrength += 30
	}
	if cross.bullish {
		buyStrength += 35
	}
	if trendBullish {
		buyStrength += 25
	}
	if volumeSpike && (rsiOversoldHit || cross.bullish) {
		buyStrength += 10
	}

	if rsiOverboughtHit {
		sellStrength += 30
	}
	if cross.bearish {
		sellStrength += 35
	}
	if trendBearish {
		sellStrength += 25
	}
	if volumeSpike && (rsiOverboughtHit || cross.bearish) {
		sellStrength += 10
	}

	indicators := Indicators{Price: price, MA1: ma1, MA2: ma2, RSI: rsiVal, Volume: vol, AvgVolume: avgVol}

	var action Action
	var strength float64
	var reason string
	var conditions Conditions

	switch {
	case buyStrength >= p.MinSignalStrength && buyStrength > sellStrength:
		action = Buy
		strength = buyStrength
		reason = "Buy conditions met"
		conditions = Conditions{MACrossover: cross.bullish, RSISignal: rsiOversoldHit, VolumeConfirmation: volumeSpike, TrendAlignment: trendBullish}
	case sellStrength >= p.MinSignalStrength && sellStrength > buyStrength:
		action = Sell
		strength = sellStrength
		reason = "Sell conditions met"
		conditions = Conditions{MACrossover: cross.bearish, RSISignal: rsiOverboughtHit, VolumeConfirmation: volumeSpike, TrendAlignment: trendBearish}
	default:
		action = Hold
		strength = buyStrength
		if sellStrength > strength {
			strength = sellStrength
		}
		reason = "No qualifying signal"
		conditions = Conditions{
			MACrossover:        cross.bullish || cross.bearish,
			RSISignal:          rsiOversoldHit || rsiOverboughtHit,
			VolumeConfirmation: volumeSpike,
			TrendAlignment:     trendBullish || trendBearish,
		}
	}

	if action != Hold && p.ConfirmationRequired {
		confirmations := 0
		if conditions.MACrossover {
			confirmations++
		}
		if conditions.RSISignal {
			confirmations++
		}
		if conditions.TrendAlignment {
			confirmations++
		}
		if confirmations < 2 {
			action = Hold
			reason = "Insufficient confirmations"
		}
	}

	return TradingSignal{
		Symbol:     symbol,
		Action:     action,
		Strength:   strength,
		Reason:     reason,
		Indicators: indicators,
		Conditions: conditions,
		Timestamp:  now,
	}
}
