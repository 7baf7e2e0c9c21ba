// Package indicator computes technical indicators from an ascending candle series.
// Every function is pure and degrades to a neutral value on short input instead of panicking.
package indicator

import (
	"math"

	"github.com/markcheno/go-talib"
)

// Candle one OHLCV bar
type Candle struct {
	Timestamp int64   `json:"timestamp"` // open time, unix millis
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// MACD line, signal and histogram
type MACD struct {
	Value     float64 `json:"value"`
	Signal    float64 `json:"signal"`
	Histogram float64 `json:"histogram"`
}

// Stochastic %K and %D
type Stochastic struct {
	K float64 `json:"k"`
	D float64 `json:"d"`
}

// Bollinger bands snapshot
type Bollinger struct {
	Upper     float64 `json:"upper"`
	Middle    float64 `json:"middle"`
	Lower     float64 `json:"lower"`
	Bandwidth float64 `json:"bandwidth"`
	PercentB  float64 `json:"percent_b"`
}

// Set full indicator snapshot for one analysis pass
type Set struct {
	EMA9                 float64    `json:"ema9"`
	EMA21                float64    `json:"ema21"`
	EMA50                float64    `json:"ema50"`
	EMA200               float64    `json:"ema200"`
	SMA20                float64    `json:"sma20"`
	SMA50                float64    `json:"sma50"`
	RSI14                float64    `json:"rsi14"`
	RSI7                 float64    `json:"rsi7"`
	MACD                 MACD       `json:"macd"`
	Stochastic           Stochastic `json:"stochastic"`
	ATR14                float64    `json:"atr14"`
	Bollinger            Bollinger  `json:"bollinger"`
	VWAP                 float64    `json:"vwap"`
	VolumeSMA20          float64    `json:"volume_sma20"`
	VolumeRatio          float64    `json:"volume_ratio"`
	TrendStrength        float64    `json:"trend_strength"`
	VolatilityPercentile float64    `json:"volatility_percentile"`
}

// Compute builds the full indicator set. Callers enforce the minimum candle count.
func Compute(candles []Candle) Set {
	closes := make([]float64, len(candles))
	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	volumes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
		highs[i] = c.High
		lows[i] = c.Low
		volumes[i] = c.Volume
	}

	var s Set
	s.EMA9 = EMA(closes, 9)
	s.EMA21 = EMA(closes, 21)
	s.EMA50 = EMA(closes, 50)
	if len(closes) >= 200 {
		s.EMA200 = EMA(closes, 200)
	} else {
		s.EMA200 = s.EMA50
	}
	s.SMA20 = SMA(closes, 20)
	s.SMA50 = SMA(closes, 50)
	s.RSI14 = RSI(closes, 14)
	s.RSI7 = RSI(closes, 7)
	s.MACD = ComputeMACD(closes)
	s.Stochastic = ComputeStochastic(highs, lows, closes, 14, 3)
	s.ATR14 = ATR(highs, lows, closes, 14)
	s.Bollinger = ComputeBollinger(closes, 20, 2)
	s.VWAP = VWAP(candles)

	s.VolumeSMA20 = SMA(volumes, 20)
	s.VolumeRatio = 1
	if s.VolumeSMA20 > 0 && len(volumes) > 0 {
		s.VolumeRatio = volumes[len(volumes)-1] / s.VolumeSMA20
	}

	s.TrendStrength = TrendStrength(closes, s.EMA9, s.EMA21, s.EMA50)
	s.VolatilityPercentile = VolatilityPercentile(highs, lows, closes)
	return s
}

// SMA simple average of the last period values; averages everything when shorter
func SMA(data []float64, period int) float64 {
	if len(data) == 0 || period <= 0 {
		return 0
	}
	if len(data) < period {
		return mean(data)
	}
	out := talib.Sma(data[len(data)-period:], period)
	return out[len(out)-1]
}

// EMA seeded with the SMA of the first period values, k = 2/(period+1).
// Fewer than period points returns the last value unsmoothed.
func EMA(data []float64, period int) float64 {
	if len(data) == 0 {
		return 0
	}
	if period <= 0 || len(data) < period {
		return data[len(data)-1]
	}
	k := 2.0 / float64(period+1)
	ema := mean(data[:period])
	for _, v := range data[period:] {
		ema = v*k + ema*(1-k)
	}
	return ema
}

// RSI with Wilder smoothing. 50 when fewer than period+1 points, 100 when there are no losses.
func RSI(closes []float64, period int) float64 {
	if period <= 0 || len(closes) < period+1 {
		return 50
	}

	var gains, losses float64
	for i := 1; i <= period; i++ {
		change := closes[i] - closes[i-1]
		if change >= 0 {
			gains += change
		} else {
			losses -= change
		}
	}
	p := float64(period)
	avgGain := gains / p
	avgLoss := losses / p

	for i := period + 1; i < len(closes); i++ {
		change := closes[i] - closes[i-1]
		if change >= 0 {
			avgGain = (avgGain*(p-1) + change) / p
			avgLoss = avgLoss * (p - 1) / p
		} else {
			avgGain = avgGain * (p - 1) / p
			avgLoss = (avgLoss*(p-1) - change) / p
		}
	}

	if avgLoss == 0 {
		return 100
	}
	return 100 - 100/(1+avgGain/avgLoss)
}

// ComputeMACD EMA12 − EMA26 with an EMA9 signal over the running MACD-line history
func ComputeMACD(closes []float64) MACD {
	line := EMA(closes, 12) - EMA(closes, 26)
	if len(closes) < 26 {
		return MACD{Value: line, Signal: line}
	}

	k12 := 2.0 / 13
	k26 := 2.0 / 27
	ema12 := mean(closes[:12])
	ema26 := mean(closes[:26])
	history := make([]float64, 0, len(closes)-26)
	for _, v := range closes[26:] {
		ema12 = v*k12 + ema12*(1-k12)
		ema26 = v*k26 + ema26*(1-k26)
		history = append(history, ema12-ema26)
	}

	signal := line
	if len(history) >= 9 {
		signal = EMA(history, 9)
	}
	return MACD{Value: line, Signal: signal, Histogram: line - signal}
}

// ComputeStochastic %K over kPeriod and %D as the SMA of %K over dPeriod.
// A flat range reads as 50.
func ComputeStochastic(highs, lows, closes []float64, kPeriod, dPeriod int) Stochastic {
	if kPeriod <= 0 || len(closes) < kPeriod || len(highs) != len(closes) || len(lows) != len(closes) {
		return Stochastic{K: 50, D: 50}
	}

	kValues := make([]float64, 0, len(closes)-kPeriod+1)
	for i := kPeriod - 1; i < len(closes); i++ {
		hh, ll := highs[i], lows[i]
		for j := i - kPeriod + 1; j <= i; j++ {
			hh = math.Max(hh, highs[j])
			ll = math.Min(ll, lows[j])
		}
		k := 50.0
		if r := hh - ll; r > 0 {
			k = (closes[i] - ll) / r * 100
		}
		kValues = append(kValues, k)
	}
	return Stochastic{K: kValues[len(kValues)-1], D: SMA(kValues, dPeriod)}
}

// ATR Wilder-smoothed average true range; mean TR when fewer than period ranges exist
func ATR(highs, lows, closes []float64, period int) float64 {
	n := len(closes)
	if n < 2 || len(highs) < n || len(lows) < n || period <= 0 {
		return 0
	}

	trs := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		tr := math.Max(highs[i]-lows[i], math.Max(math.Abs(highs[i]-closes[i-1]), math.Abs(lows[i]-closes[i-1])))
		trs = append(trs, tr)
	}
	if len(trs) < period {
		return mean(trs)
	}

	p := float64(period)
	atr := mean(trs[:period])
	for _, tr := range trs[period:] {
		atr = (atr*(p-1) + tr) / p
	}
	return atr
}

// ComputeBollinger middle = SMA(period), bands = middle ± k·σ with population σ.
// %B is 0.5 when the bands collapse; bandwidth is 0 when middle ≤ 0.
func ComputeBollinger(closes []float64, period int, k float64) Bollinger {
	if len(closes) == 0 || period <= 0 {
		return Bollinger{PercentB: 0.5}
	}

	middle := SMA(closes, period)
	var stdDev float64
	if len(closes) >= period && period > 1 {
		out := talib.StdDev(closes[len(closes)-period:], period, 1)
		stdDev = out[len(out)-1]
	} else {
		window := closes
		if len(window) > period {
			window = window[len(window)-period:]
		}
		var variance float64
		for _, v := range window {
			variance += (v - middle) * (v - middle)
		}
		stdDev = math.Sqrt(variance / float64(len(window)))
	}
	if math.IsNaN(stdDev) || stdDev < 0 {
		stdDev = 0
	}

	b := Bollinger{
		Upper:    middle + stdDev*k,
		Middle:   middle,
		Lower:    middle - stdDev*k,
		PercentB: 0.5,
	}
	if middle > 0 {
		b.Bandwidth = (b.Upper - b.Lower) / middle
	}
	if width := b.Upper - b.Lower; width > 0 {
		b.PercentB = (closes[len(closes)-1] - b.Lower) / width
	}
	return b
}

// VWAP over the last 100 candles using typical price; falls back to the last close without volume
func VWAP(candles []Candle) float64 {
	if len(candles) == 0 {
		return 0
	}
	window := candles
	if len(window) > 100 {
		window = window[len(window)-100:]
	}
	var tpv, vol float64
	for _, c := range window {
		tpv += (c.High + c.Low + c.Close) / 3 * c.Volume
		vol += c.Volume
	}
	if vol <= 0 {
		return candles[len(candles)-1].Close
	}
	return tpv / vol
}

// TrendStrength 0-100 score from EMA alignment (40), distance from EMA50 (30)
// and the run of closes moving with the aligned trend (30)
func TrendStrength(closes []float64, ema9, ema21, ema50 float64) float64 {
	if len(closes) == 0 {
		return 0
	}
	price := closes[len(closes)-1]
	if price == 0 {
		return 0
	}

	var strength float64
	bullish := ema9 > ema21 && ema21 > ema50
	bearish := ema9 < ema21 && ema21 < ema50
	switch {
	case bullish || bearish:
		strength += 40
	case ema9 != ema21:
		strength += 20
	}

	if ema50 > 0 {
		dist := math.Abs(price-ema50) / ema50 * 100
		strength += math.Min(30, dist*10)
	}

	run := 0
	for i := len(closes) - 1; i > 0 && i > len(closes)-10; i-- {
		if (bullish && closes[i] > closes[i-1]) || (bearish && closes[i] < closes[i-1]) {
			run++
			continue
		}
		break
	}
	strength += math.Min(30, float64(run)*5)

	return math.Min(100, strength)
}

// VolatilityPercentile rank of the latest rolling 14-bar ATR among all rolling ATRs, 0-100.
// 50 when fewer than 20 closes are available.
func VolatilityPercentile(highs, lows, closes []float64) float64 {
	const window = 14
	if len(closes) < 20 || len(highs) < len(closes) || len(lows) < len(closes) {
		return 50
	}

	// each window ends at candle i-1, so the last one includes the newest candle
	atrs := make([]float64, 0, len(closes)-window+1)
	for i := window; i <= len(closes); i++ {
		atrs = append(atrs, ATR(highs[i-window:i], lows[i-window:i], closes[i-window:i], window))
	}

	// mid-rank: ties count half, so a flat series sits at 50
	current := atrs[len(atrs)-1]
	var below, equal int
	for _, v := range atrs {
		switch {
		case v < current:
			below++
		case v == current:
			equal++
		}
	}
	return (float64(below) + float64(equal)/2) / float64(len(atrs)) * 100
}

func mean(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	var sum float64
	for _, v := range data {
		sum += v
	}
	return sum / float64(len(data))
}
