package backtest

import (
	"context"
	"errors"
	"math"
	"testing"

	"perpagent/account"
	"perpagent/config"
	"perpagent/decision"
	"perpagent/indicator"
	"perpagent/market"

	"github.com/rs/zerolog"
)

// scriptedDecider opens one long on the first bar and holds afterwards
type scriptedDecider struct {
	calls int
	first decision.TradeDecision
}

func (s *scriptedDecider) Decide(ctx context.Context, d *market.Data, sig market.Signal, positions []account.Position, bal account.Balance) decision.TradeDecision {
	s.calls++
	if s.calls == 1 {
		return s.first
	}
	return decision.TradeDecision{Symbol: d.Symbol, Action: market.ActionHold}
}

func testLimits() config.RiskLimits {
	return config.RiskLimits{
		MaxPositionSizePct:   10,
		MaxPortfolioHeatPct:  25,
		MaxDailyLossPct:      5,
		MaxDrawdownPct:       15,
		MaxConsecutiveLosses: 3,
		MaxLeverage:          5,
		MaxOpenPositions:     3,
		MinConfidence:        65,
		MinRiskReward:        1.5,
		CooldownMinutes:      60,
		MaxOrderSizeUSD:      50000,
		MinOrderSizeUSD:      10,
		MaxSlippagePct:       0.5,
	}
}

// rampCandles wiggles for 40 bars, sits at 100 until bar 59, then rises 1 per bar
func rampCandles(n int) []indicator.Candle {
	candles := make([]indicator.Candle, n)
	for i := range candles {
		price := 100.0
		switch {
		case i < 40:
			price = 100 + 2*math.Sin(float64(i)/3)
		case i >= 60:
			price = 100 + float64(i-59)
		}
		candles[i] = indicator.Candle{
			Timestamp: int64(i) * 15 * 60 * 1000,
			Open:      price,
			High:      price + 0.5,
			Low:       price - 0.5,
			Close:     price,
			Volume:    1000,
		}
	}
	return candles
}

func longDecision() decision.TradeDecision {
	return decision.TradeDecision{
		Symbol:            "BTC",
		Action:            market.ActionOpenLong,
		Confidence:        80,
		SuggestedSize:     1000,
		SuggestedLeverage: 1,
		StopLoss:          95,
		TakeProfit:        110,
		RiskReward:        2,
		Source:            decision.SourceTechnical,
	}
}

func testConfig(d Decider) Config {
	return Config{Symbol: "BTC", InitialBalance: 10000, Limits: testLimits(), Window: 50, Decider: d}
}

func TestRunTakesProfitAtTarget(t *testing.T) {
	res, err := Run(context.Background(), rampCandles(75), testConfig(&scriptedDecider{first: longDecision()}), zerolog.Nop())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Bars != 26 {
		t.Fatalf("Bars=%d, expected 26", res.Bars)
	}
	if res.TotalTrades != 1 || res.Wins != 1 {
		t.Fatalf("trades=%d wins=%d, expected one winning trade", res.TotalTrades, res.Wins)
	}
	trade := res.Trades[0]
	if trade.ExitPrice != 110 || math.Abs(trade.PnL-100) > 1e-9 {
		t.Fatalf("trade=%+v, expected exit at 110 for +100", trade)
	}
	if math.Abs(res.FinalEquity-10100) > 1e-9 {
		t.Fatalf("FinalEquity=%v, expected 10100", res.FinalEquity)
	}
	if res.WinRate != 100 || res.MaxDrawdown != 0 || res.Rejections != 0 {
		t.Fatalf("result=%+v, expected 100%% win rate, no drawdown, no rejections", res)
	}
	if trade.ID == "" || res.RunID == "" {
		t.Fatalf("expected trade and run IDs")
	}
}

func TestRunStopsOut(t *testing.T) {
	candles := rampCandles(75)
	for i := 60; i < len(candles); i++ {
		p := 100 - float64(i-59)
		candles[i].Open, candles[i].High, candles[i].Low, candles[i].Close = p, p+0.5, p-0.5, p
	}
	res, err := Run(context.Background(), candles, testConfig(&scriptedDecider{first: longDecision()}), zerolog.Nop())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.TotalTrades != 1 || res.Losses != 1 {
		t.Fatalf("trades=%d losses=%d, expected one losing trade", res.TotalTrades, res.Losses)
	}
	if res.Trades[0].ExitPrice != 95 || math.Abs(res.TotalPnL+50) > 1e-9 {
		t.Fatalf("trade=%+v, expected stop at 95 for -50", res.Trades[0])
	}
	if res.MaxDrawdown <= 0 {
		t.Fatalf("MaxDrawdown=%v, expected a drawdown", res.MaxDrawdown)
	}
}

func TestRunCountsRejections(t *testing.T) {
	weak := longDecision()
	weak.Confidence = 50
	d := &scriptedDecider{first: weak}
	res, err := Run(context.Background(), rampCandles(75), testConfig(d), zerolog.Nop())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Rejections != 1 || res.TotalTrades != 0 {
		t.Fatalf("rejections=%d trades=%d, expected 1 and 0", res.Rejections, res.TotalTrades)
	}
	if res.FinalEquity != 10000 {
		t.Fatalf("FinalEquity=%v, expected untouched balance", res.FinalEquity)
	}
}

func TestRunNotEnoughHistory(t *testing.T) {
	_, err := Run(context.Background(), rampCandles(50), testConfig(nil), zerolog.Nop())
	if !errors.Is(err, ErrNotEnoughHistory) {
		t.Fatalf("err=%v, expected ErrNotEnoughHistory", err)
	}
}

func TestRunTechnicalOnly(t *testing.T) {
	res, err := Run(context.Background(), rampCandles(120), testConfig(nil), zerolog.Nop())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Wins+res.Losses != res.TotalTrades {
		t.Fatalf("wins+losses=%d, expected %d", res.Wins+res.Losses, res.TotalTrades)
	}
	var sum float64
	for _, tr := range res.Trades {
		sum += tr.PnL
	}
	if math.Abs(sum-res.TotalPnL) > 1e-6 {
		t.Fatalf("TotalPnL=%v, expected sum of trades %v", res.TotalPnL, sum)
	}
	if res.MaxDrawdown < 0 || res.MaxDrawdown > 100 {
		t.Fatalf("MaxDrawdown=%v, expected within [0,100]", res.MaxDrawdown)
	}
}

func TestSummarize(t *testing.T) {
	res := &Result{Trades: []Trade{{PnL: 30}, {PnL: -10}, {PnL: 50}, {PnL: -20}}}
	Summarize(res)
	if res.TotalTrades != 4 || res.Wins != 2 || res.Losses != 2 {
		t.Fatalf("counts=%d/%d/%d, expected 4/2/2", res.TotalTrades, res.Wins, res.Losses)
	}
	if res.TotalPnL != 50 || res.WinRate != 50 || res.AvgWin != 40 || res.AvgLoss != 15 {
		t.Fatalf("result=%+v, expected pnl 50, win rate 50, avg win 40, avg loss 15", res)
	}
	if math.Abs(res.ProfitFactor-80.0/30) > 1e-9 {
		t.Fatalf("ProfitFactor=%v, expected %v", res.ProfitFactor, 80.0/30)
	}
}

func TestSweepOrdersByPnL(t *testing.T) {
	candles := rampCandles(75)
	cfg := testConfig(nil)
	results, err := Sweep(context.Background(), candles, cfg, []float64{0, 3}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results=%d, expected 2", len(results))
	}
	if results[0].Result.TotalPnL < results[1].Result.TotalPnL {
		t.Fatalf("expected best strategy first: %v < %v", results[0].Result.TotalPnL, results[1].Result.TotalPnL)
	}
}
