package market

import (
	"context"
	"errors"
	"math"
	"testing"

	"perpagent/indicator"

	"github.com/rs/zerolog"
)

type fakeFeed struct {
	candles []indicator.Candle
	price   float64
	book    OrderBookSummary
	err     error
}

func (f *fakeFeed) Candles(ctx context.Context, symbol, interval string, limit int) ([]indicator.Candle, error) {
	return f.candles, f.err
}

func (f *fakeFeed) OrderBook(ctx context.Context, symbol string, depth int) (OrderBookSummary, error) {
	return f.book, nil
}

func (f *fakeFeed) Price(ctx context.Context, symbol string) (float64, error) {
	return f.price, nil
}

func trendCandles(n int, start, step float64) []indicator.Candle {
	out := make([]indicator.Candle, n)
	for i := range out {
		c := start + float64(i)*step
		out[i] = indicator.Candle{
			Timestamp: int64(i) * 900_000,
			Open:      c - step/2,
			High:      c + math.Abs(step),
			Low:       c - math.Abs(step),
			Close:     c,
			Volume:    100,
		}
	}
	return out
}

func TestAnalyzeInsufficientData(t *testing.T) {
	e := NewEngine(&fakeFeed{candles: trendCandles(49, 100, 1), price: 150}, EngineConfig{}, zerolog.Nop())
	_, err := e.Analyze(context.Background(), "BTC")
	if !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("err=%v, expected ErrInsufficientData", err)
	}
}

func TestAnalyzeFeedError(t *testing.T) {
	e := NewEngine(&fakeFeed{err: errors.New("boom")}, EngineConfig{}, zerolog.Nop())
	if _, err := e.Analyze(context.Background(), "BTC"); err == nil {
		t.Fatalf("expected feed error to fail analysis")
	}
}

func TestAnalyzeBuildsSnapshot(t *testing.T) {
	candles := trendCandles(200, 100, 1)
	e := NewEngine(&fakeFeed{candles: candles, price: 300}, EngineConfig{}, zerolog.Nop())
	d, err := e.Analyze(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("Analyze returned error: %v", err)
	}
	if d.CurrentPrice != 300 {
		t.Fatalf("CurrentPrice=%v, expected 300", d.CurrentPrice)
	}
	// 96 fifteen-minute candles in 24h
	if d.Volume24h != 96*100 {
		t.Fatalf("Volume24h=%v, expected %v", d.Volume24h, 96*100)
	}
	if d.High24h < d.Low24h {
		t.Fatalf("High24h=%v below Low24h=%v", d.High24h, d.Low24h)
	}
}

func TestDetectRegimeOrder(t *testing.T) {
	bullish := indicator.Set{EMA9: 3, EMA21: 2, EMA50: 1, TrendStrength: 80, VolatilityPercentile: 50,
		Bollinger: indicator.Bollinger{Bandwidth: 0.05}}

	tests := []struct {
		name   string
		mutate func(s *indicator.Set)
		want   Regime
	}{
		{name: "trend", mutate: func(s *indicator.Set) {}, want: RegimeTrendingUp},
		{name: "volatility overrides trend", mutate: func(s *indicator.Set) { s.VolatilityPercentile = 90 }, want: RegimeVolatile},
		{name: "low volatility needs narrow bands", mutate: func(s *indicator.Set) {
			s.VolatilityPercentile = 10
			s.Bollinger.Bandwidth = 0.01
		}, want: RegimeLowVolatility},
		{name: "low percentile wide bands keeps trend", mutate: func(s *indicator.Set) { s.VolatilityPercentile = 10 }, want: RegimeTrendingUp},
		{name: "weak trend is ranging", mutate: func(s *indicator.Set) { s.TrendStrength = 40 }, want: RegimeRanging},
		{name: "bearish alignment", mutate: func(s *indicator.Set) { s.EMA9, s.EMA50 = 1, 3 }, want: RegimeTrendingDown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := bullish
			tt.mutate(&s)
			if got := DetectRegime(s); got != tt.want {
				t.Fatalf("DetectRegime=%v, expected %v", got, tt.want)
			}
		})
	}
}

func TestActionForScore(t *testing.T) {
	for score := -100; score <= 100; score += 5 {
		got := ActionForScore(score)
		var want Action
		switch {
		case score >= 40:
			want = ActionOpenLong
		case score <= -40:
			want = ActionOpenShort
		default:
			want = ActionHold
		}
		if got != want {
			t.Fatalf("ActionForScore(%d)=%v, expected %v", score, got, want)
		}
	}
}

func TestWeightsSumTo100(t *testing.T) {
	sum := WeightEMA + WeightRSI + WeightMACD + WeightBollinger + WeightStochastic + WeightVolume + WeightOrderBook + WeightVWAP
	if sum != 100 {
		t.Fatalf("weights sum=%d, expected 100", sum)
	}
}

func TestGenerateSignal(t *testing.T) {
	bullish := &Data{
		Symbol:       "BTC",
		CurrentPrice: 100,
		Regime:       RegimeTrendingUp,
		OrderBook:    OrderBookSummary{Imbalance: 0.5},
		Indicators: indicator.Set{
			EMA9: 101, EMA21: 100, EMA50: 99,
			RSI14:       40,
			MACD:        indicator.MACD{Value: 2, Signal: 1, Histogram: 1},
			Bollinger:   indicator.Bollinger{PercentB: 0.5},
			Stochastic:  indicator.Stochastic{K: 50, D: 50},
			VolumeRatio: 2,
			VWAP:        95,
			ATR14:       2,
		},
	}

	sig := GenerateSignal(bullish)
	// EMA 20 + RSI 15 + MACD 15 + Volume 10 + Order Book 10 + VWAP 10
	if sig.Confluence != 80 {
		t.Fatalf("Confluence=%d, expected 80", sig.Confluence)
	}
	if sig.Action != ActionOpenLong {
		t.Fatalf("Action=%v, expected OPEN_LONG", sig.Action)
	}
	if sig.Confidence != 80 {
		t.Fatalf("Confidence=%v, expected 80 in trending regime", sig.Confidence)
	}
	if sig.Stop != 96 || sig.Target != 108 {
		t.Fatalf("stop/target=%v/%v, expected 96/108", sig.Stop, sig.Target)
	}
	if sig.RiskReward != 2 {
		t.Fatalf("RiskReward=%v, expected 2", sig.RiskReward)
	}

	bullish.Regime = RegimeVolatile
	sig = GenerateSignal(bullish)
	if math.Abs(sig.Confidence-56) > 1e-9 {
		t.Fatalf("volatile Confidence=%v, expected 56", sig.Confidence)
	}
	if sig.Stop != 95 || sig.Target != 110 {
		t.Fatalf("volatile stop/target=%v/%v, expected 95/110", sig.Stop, sig.Target)
	}
}

func TestGenerateSignalBoundsOnSeries(t *testing.T) {
	for _, step := range []float64{1, -1, 0.01} {
		d, err := Build("BTC", trendCandles(200, 500, step), 0, OrderBookSummary{})
		if err != nil {
			t.Fatalf("Build returned error: %v", err)
		}
		sig := GenerateSignal(d)
		if sig.Confluence < -100 || sig.Confluence > 100 {
			t.Fatalf("Confluence=%d outside [-100, 100]", sig.Confluence)
		}
		if sig.Confidence < 0 || sig.Confidence > 100 {
			t.Fatalf("Confidence=%v outside [0, 100]", sig.Confidence)
		}
		if sig.Action != ActionForScore(sig.Confluence) {
			t.Fatalf("Action=%v inconsistent with score %d", sig.Action, sig.Confluence)
		}
		if sig.Action == ActionClose {
			t.Fatalf("technical signal produced CLOSE")
		}
	}
}

func TestSummarizeBook(t *testing.T) {
	s := SummarizeBook(
		[]Level{{Price: 100, Quantity: 3}},
		[]Level{{Price: 101, Quantity: 1}},
	)
	// bid depth 300, ask depth 101
	want := (300.0 - 101) / 401
	if math.Abs(s.Imbalance-want) > 1e-9 {
		t.Fatalf("Imbalance=%v, expected %v", s.Imbalance, want)
	}
	if s.Spread != 1 {
		t.Fatalf("Spread=%v, expected 1", s.Spread)
	}
}
