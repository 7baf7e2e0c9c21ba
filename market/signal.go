package market

import (
	"math"
	"time"
)

// Action trading action
type Action string

const (
	ActionOpenLong  Action = "OPEN_LONG"
	ActionOpenShort Action = "OPEN_SHORT"
	ActionClose     Action = "CLOSE"
	ActionHold      Action = "HOLD"
)

// IsOpen reports whether a opens a new position
func (a Action) IsOpen() bool {
	return a == ActionOpenLong || a == ActionOpenShort
}

// Bias sub-signal direction
type Bias string

const (
	Bullish Bias = "bullish"
	Bearish Bias = "bearish"
	Neutral Bias = "neutral"
)

// Confluence weights, sum 100
const (
	WeightEMA        = 20
	WeightRSI        = 15
	WeightMACD       = 15
	WeightBollinger  = 10
	WeightStochastic = 10
	WeightVolume     = 10
	WeightOrderBook  = 10
	WeightVWAP       = 10
)

// Action thresholds on the confluence score
const (
	LongThreshold  = 40
	ShortThreshold = -40
)

// SubSignal one indicator vote
type SubSignal struct {
	Name   string             `json:"name"`
	Bias   Bias               `json:"bias"`
	Weight int                `json:"weight"`
	Value  map[string]float64 `json:"value"`
}

// Signal technical trading signal; Action is never CLOSE
type Signal struct {
	Symbol     string      `json:"symbol"`
	Action     Action      `json:"action"`
	Confidence float64     `json:"confidence"`
	Confluence int         `json:"confluence"`
	Entry      float64     `json:"entry"`
	Stop       float64     `json:"stop"`
	Target     float64     `json:"target"`
	RiskReward float64     `json:"risk_reward"`
	Regime     Regime      `json:"regime"`
	Indicators []SubSignal `json:"indicators"`
	Timestamp  time.Time   `json:"timestamp"`
}

// GenerateSignal weighted-vote confluence over the eight sub-signals
func GenerateSignal(d *Data) Signal {
	ind := d.Indicators
	price := d.CurrentPrice

	emaTrend := Neutral
	switch {
	case ind.EMA9 > ind.EMA21 && ind.EMA21 > ind.EMA50:
		emaTrend = Bullish
	case ind.EMA9 < ind.EMA21 && ind.EMA21 < ind.EMA50:
		emaTrend = Bearish
	}

	rsi := Neutral
	switch {
	case ind.RSI14 < 30, ind.RSI14 < 45:
		rsi = Bullish
	case ind.RSI14 > 70, ind.RSI14 > 55:
		rsi = Bearish
	}

	macd := Neutral
	switch {
	case ind.MACD.Histogram > 0 && ind.MACD.Value > ind.MACD.Signal:
		macd = Bullish
	case ind.MACD.Histogram < 0 && ind.MACD.Value < ind.MACD.Signal:
		macd = Bearish
	}

	bb := Neutral
	switch {
	case ind.Bollinger.PercentB < 0.2:
		bb = Bullish
	case ind.Bollinger.PercentB > 0.8:
		bb = Bearish
	}

	stoch := Neutral
	switch {
	case ind.Stochastic.K < 20 && ind.Stochastic.D < 20:
		stoch = Bullish
	case ind.Stochastic.K > 80 && ind.Stochastic.D > 80:
		stoch = Bearish
	}

	// volume spikes confirm the EMA trend direction
	vol := Neutral
	if ind.VolumeRatio > 1.5 {
		vol = Bearish
		if emaTrend == Bullish {
			vol = Bullish
		}
	}

	ob := Neutral
	switch {
	case d.OrderBook.Imbalance > 0.3:
		ob = Bullish
	case d.OrderBook.Imbalance < -0.3:
		ob = Bearish
	}

	vwap := Neutral
	switch {
	case price > ind.VWAP*1.002:
		vwap = Bullish
	case price < ind.VWAP*0.998:
		vwap = Bearish
	}

	subs := []SubSignal{
		{Name: "EMA Trend", Bias: emaTrend, Weight: WeightEMA, Value: map[string]float64{"ema9": ind.EMA9, "ema21": ind.EMA21, "ema50": ind.EMA50}},
		{Name: "RSI", Bias: rsi, Weight: WeightRSI, Value: map[string]float64{"rsi14": ind.RSI14, "rsi7": ind.RSI7}},
		{Name: "MACD", Bias: macd, Weight: WeightMACD, Value: map[string]float64{"value": ind.MACD.Value, "signal": ind.MACD.Signal, "histogram": ind.MACD.Histogram}},
		{Name: "Bollinger Bands", Bias: bb, Weight: WeightBollinger, Value: map[string]float64{"percent_b": ind.Bollinger.PercentB, "bandwidth": ind.Bollinger.Bandwidth}},
		{Name: "Stochastic", Bias: stoch, Weight: WeightStochastic, Value: map[string]float64{"k": ind.Stochastic.K, "d": ind.Stochastic.D}},
		{Name: "Volume", Bias: vol, Weight: WeightVolume, Value: map[string]float64{"ratio": ind.VolumeRatio}},
		{Name: "Order Book", Bias: ob, Weight: WeightOrderBook, Value: map[string]float64{"imbalance": d.OrderBook.Imbalance}},
		{Name: "VWAP", Bias: vwap, Weight: WeightVWAP, Value: map[string]float64{"vwap": ind.VWAP, "price": price}},
	}

	score := Confluence(subs)
	sig := Signal{
		Symbol:     d.Symbol,
		Action:     ActionForScore(score),
		Confluence: score,
		Entry:      price,
		Regime:     d.Regime,
		Indicators: subs,
		Timestamp:  d.Timestamp,
	}

	confidence := math.Abs(float64(score))
	switch d.Regime {
	case RegimeVolatile:
		confidence *= 0.7
	case RegimeLowVolatility:
		confidence *= 0.8
	case RegimeRanging:
		confidence *= 0.85
	}
	sig.Confidence = math.Min(100, math.Max(0, confidence))

	multiplier := 2.0
	if d.Regime == RegimeVolatile {
		multiplier = 2.5
	}
	stopDistance := ind.ATR14 * multiplier

	switch sig.Action {
	case ActionOpenLong:
		sig.Stop = price - stopDistance
		sig.Target = price + stopDistance*2
	case ActionOpenShort:
		sig.Stop = price + stopDistance
		sig.Target = price - stopDistance*2
	default:
		sig.Stop = price
		sig.Target = price
	}
	if stopDistance > 0 {
		sig.RiskReward = math.Abs(sig.Target-price) / stopDistance
	}
	return sig
}

// Confluence signed sum of sub-signal weights, in [-100, 100]
func Confluence(subs []SubSignal) int {
	score := 0
	for _, s := range subs {
		switch s.Bias {
		case Bullish:
			score += s.Weight
		case Bearish:
			score -= s.Weight
		}
	}
	return score
}

// ActionForScore maps a confluence score to an action
func ActionForScore(score int) Action {
	switch {
	case score >= LongThreshold:
		return ActionOpenLong
	case score <= ShortThreshold:
		return ActionOpenShort
	default:
		return ActionHold
	}
}
