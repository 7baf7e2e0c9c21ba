package risk

import (
	"math"
	"strings"
	"testing"
	"time"

	"perpagent/account"
	"perpagent/config"
	"perpagent/decision"
	"perpagent/logger"
	"perpagent/market"

	"github.com/rs/zerolog"
)

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

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestEngine() (*Engine, *clock) {
	c := &clock{t: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)}
	e := NewEngine(testLimits(), zerolog.Nop())
	e.SetClock(c.now)
	return e, c
}

func balance(equity float64) account.Balance {
	return account.Balance{TotalEquity: equity, Available: equity}
}

func longDecision(size float64, leverage int) decision.TradeDecision {
	return decision.TradeDecision{
		Symbol:            "BTC",
		Action:            market.ActionOpenLong,
		Confidence:        80,
		SuggestedSize:     size,
		SuggestedLeverage: leverage,
		StopLoss:          98,
		TakeProfit:        104,
		RiskReward:        2.0,
		Regime:            market.RegimeTrendingUp,
	}
}

// $2,000 notional at 2x is $1,000 margin, exactly the 10% cap
func TestScenarioAApprovedUnchanged(t *testing.T) {
	e, _ := newTestEngine()
	res := e.Evaluate(longDecision(2000, 2), balance(10000), nil)
	if !res.Approved {
		t.Fatalf("expected approval, got rejection: %s", res.Reason)
	}
	if res.AdjustedSize != 2000 {
		t.Fatalf("AdjustedSize=%v, expected 2000", res.AdjustedSize)
	}
	if res.AdjustedLeverage != 2 {
		t.Fatalf("AdjustedLeverage=%v, expected 2", res.AdjustedLeverage)
	}
}

func TestScenarioBConsecutiveLossesTripBreaker(t *testing.T) {
	e, _ := newTestEngine()
	for i := 0; i < 3; i++ {
		e.RecordTradeResult(-25)
	}
	res := e.Evaluate(longDecision(2000, 2), balance(10000), nil)
	if res.Approved {
		t.Fatalf("expected rejection after 3 losses")
	}
	if !strings.Contains(res.Reason, "3 consecutive losses") {
		t.Fatalf("Reason=%q, expected to cite 3 consecutive losses", res.Reason)
	}
	st := e.Snapshot()
	if !st.BreakerActive {
		t.Fatalf("expected breaker active")
	}
	if st.BreakerReason != "3 consecutive losses" {
		t.Fatalf("BreakerReason=%q", st.BreakerReason)
	}
}

func TestRecordTradeResult(t *testing.T) {
	e, _ := newTestEngine()
	e.RecordTradeResult(-1)
	e.RecordTradeResult(-1)
	if got := e.Snapshot().ConsecutiveLosses; got != 2 {
		t.Fatalf("ConsecutiveLosses=%d, expected 2", got)
	}
	e.RecordTradeResult(0)
	if got := e.Snapshot().ConsecutiveLosses; got != 0 {
		t.Fatalf("ConsecutiveLosses=%d after breakeven, expected 0", got)
	}
}

func TestBreakerCooldownAndAutoClear(t *testing.T) {
	e, c := newTestEngine()
	e.Trip("manual test")

	c.t = c.t.Add(59 * time.Minute)
	res := e.Evaluate(longDecision(2000, 2), balance(10000), nil)
	if res.Approved {
		t.Fatalf("expected rejection during cooldown")
	}
	if !strings.Contains(res.Reason, "Cooldown: 1 min remaining") {
		t.Fatalf("Reason=%q", res.Reason)
	}

	c.t = c.t.Add(time.Minute)
	res = e.Evaluate(longDecision(2000, 2), balance(10000), nil)
	if !res.Approved {
		t.Fatalf("expected approval once cooldown elapsed, got %q", res.Reason)
	}
	if e.Snapshot().BreakerActive {
		t.Fatalf("expected breaker auto-cleared")
	}
}

func TestResetClearsBreaker(t *testing.T) {
	e, _ := newTestEngine()
	e.Trip("x")
	e.Reset()
	st := e.Snapshot()
	if st.BreakerActive || st.BreakerReason != "" || !st.CooldownUntil.IsZero() {
		t.Fatalf("Reset left state %+v", st)
	}
}

func TestHoldAndCloseAreIdempotent(t *testing.T) {
	e, _ := newTestEngine()
	e.RecordTradeResult(-1)
	e.Trip("active")
	before := e.Snapshot()

	for _, action := range []market.Action{market.ActionHold, market.ActionClose} {
		d := longDecision(0, 0)
		d.Action = action
		d.Confidence = 0
		for i := 0; i < 3; i++ {
			res := e.Evaluate(d, balance(1), nil)
			if !res.Approved {
				t.Fatalf("%s rejected: %s", action, res.Reason)
			}
			if res.AdjustedSize != 0 || res.AdjustedLeverage != 0 {
				t.Fatalf("%s adjusted: %+v", action, res)
			}
		}
	}
	if after := e.Snapshot(); after != before {
		t.Fatalf("state mutated: before %+v after %+v", before, after)
	}
}

func TestCheckOrder(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(e *Engine)
		mutate     func(d *decision.TradeDecision)
		positions  int
		wantPrefix string
	}{
		{
			name:       "breaker before confidence",
			setup:      func(e *Engine) { e.Trip("test") },
			mutate:     func(d *decision.TradeDecision) { d.Confidence = 10 },
			wantPrefix: "Circuit breaker active: test.",
		},
		{
			name:       "confidence before rr",
			mutate:     func(d *decision.TradeDecision) { d.Confidence = 10; d.RiskReward = 0.5 },
			wantPrefix: "Confidence too low: 10% (min: 65%)",
		},
		{
			name:       "rr before positions",
			mutate:     func(d *decision.TradeDecision) { d.RiskReward = 1.2 },
			positions:  3,
			wantPrefix: "R:R ratio too low: 1.20 (min: 1.5)",
		},
		{
			name:       "positions before losses",
			setup:      func(e *Engine) { e.RecordTradeResult(-1); e.RecordTradeResult(-1); e.RecordTradeResult(-1) },
			positions:  3,
			wantPrefix: "Max positions reached: 3/3",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newTestEngine()
			if tt.setup != nil {
				tt.setup(e)
			}
			d := longDecision(2000, 2)
			if tt.mutate != nil {
				tt.mutate(&d)
			}
			positions := make([]account.Position, tt.positions)
			res := e.Evaluate(d, balance(10000), positions)
			if res.Approved {
				t.Fatalf("expected rejection")
			}
			if !strings.HasPrefix(res.Reason, tt.wantPrefix) {
				t.Fatalf("Reason=%q, expected prefix %q", res.Reason, tt.wantPrefix)
			}
		})
	}
}

func TestDailyLossTripsBreaker(t *testing.T) {
	e, _ := newTestEngine()
	if res := e.Evaluate(longDecision(2000, 2), balance(10000), nil); !res.Approved {
		t.Fatalf("baseline evaluation rejected: %s", res.Reason)
	}
	res := e.Evaluate(longDecision(2000, 2), balance(9400), nil)
	if res.Approved {
		t.Fatalf("expected daily loss rejection")
	}
	if res.Reason != "Daily loss limit reached: 6.00% (max: 5%)" {
		t.Fatalf("Reason=%q", res.Reason)
	}
	if st := e.Snapshot(); !st.BreakerActive || st.BreakerReason != "Daily loss limit reached: 6.00%" {
		t.Fatalf("breaker state %+v", st)
	}
}

func TestDrawdownTripsBreaker(t *testing.T) {
	e, c := newTestEngine()
	e.Evaluate(longDecision(2000, 2), balance(10000), nil)

	// next day resets the daily baseline so only drawdown applies
	c.t = c.t.Add(24 * time.Hour)
	res := e.Evaluate(longDecision(2000, 2), balance(8400), nil)
	if res.Approved {
		t.Fatalf("expected drawdown rejection")
	}
	if res.Reason != "Drawdown limit reached: 16.00% (max: 15%)" {
		t.Fatalf("Reason=%q", res.Reason)
	}
	if !e.Snapshot().BreakerActive {
		t.Fatalf("expected breaker active")
	}
}

func TestSizingAdjustments(t *testing.T) {
	t.Run("drawdown reduction", func(t *testing.T) {
		e, c := newTestEngine()
		e.Evaluate(longDecision(1000, 5), balance(10000), nil)
		c.t = c.t.Add(24 * time.Hour)
		res := e.Evaluate(longDecision(1000, 5), balance(9000), nil)
		if !res.Approved {
			t.Fatalf("rejected: %s", res.Reason)
		}
		want := 1000 * (1 - 10.0/15*0.5)
		if math.Abs(res.AdjustedSize-want) > 1e-6 {
			t.Fatalf("AdjustedSize=%v, expected %v", res.AdjustedSize, want)
		}
	})

	t.Run("loss streak reduction", func(t *testing.T) {
		e, _ := newTestEngine()
		e.RecordTradeResult(-1)
		e.RecordTradeResult(-1)
		res := e.Evaluate(longDecision(1000, 5), balance(10000), nil)
		if !res.Approved {
			t.Fatalf("rejected: %s", res.Reason)
		}
		if math.Abs(res.AdjustedSize-490) > 1e-6 {
			t.Fatalf("AdjustedSize=%v, expected 490", res.AdjustedSize)
		}
	})

	t.Run("balance cap on margin", func(t *testing.T) {
		e, _ := newTestEngine()
		res := e.Evaluate(longDecision(5000, 2), balance(10000), nil)
		if !res.Approved || res.AdjustedSize != 2000 {
			t.Fatalf("result %+v, expected size capped to 2000", res)
		}
	})

	t.Run("hard cap", func(t *testing.T) {
		l := testLimits()
		l.MaxOrderSizeUSD = 1500
		e := NewEngine(l, zerolog.Nop())
		res := e.Evaluate(longDecision(2000, 2), balance(10000), nil)
		if !res.Approved || res.AdjustedSize != 1500 {
			t.Fatalf("result %+v, expected hard cap 1500", res)
		}
	})

	t.Run("leverage clamp and volatile halving", func(t *testing.T) {
		e, _ := newTestEngine()
		d := longDecision(1000, 20)
		d.Regime = market.RegimeVolatile
		res := e.Evaluate(d, balance(10000), nil)
		if !res.Approved || res.AdjustedLeverage != 2 {
			t.Fatalf("result %+v, expected leverage 2", res)
		}

		d.SuggestedLeverage = 1
		res = e.Evaluate(d, balance(10000), nil)
		if res.AdjustedLeverage != 1 {
			t.Fatalf("AdjustedLeverage=%d, expected floor at 1", res.AdjustedLeverage)
		}
	})

	t.Run("missing stop warns", func(t *testing.T) {
		e, _ := newTestEngine()
		d := longDecision(1000, 2)
		d.StopLoss = 0
		res := e.Evaluate(d, balance(10000), nil)
		found := false
		for _, w := range res.Warnings {
			if strings.HasPrefix(w, "No stop loss specified") {
				found = true
			}
		}
		if !found {
			t.Fatalf("warnings %v missing stop loss warning", res.Warnings)
		}
	})
}

func TestPortfolioHeat(t *testing.T) {
	t.Run("shrinks to headroom", func(t *testing.T) {
		e, _ := newTestEngine()
		positions := []account.Position{{Symbol: "ETH", MarginUsed: 2000}}
		res := e.Evaluate(longDecision(2000, 2), balance(10000), positions)
		if !res.Approved {
			t.Fatalf("rejected: %s", res.Reason)
		}
		// 5% headroom = $500 margin = $1,000 notional at 2x
		if math.Abs(res.AdjustedSize-1000) > 1e-6 {
			t.Fatalf("AdjustedSize=%v, expected 1000", res.AdjustedSize)
		}
	})

	t.Run("rejects without headroom", func(t *testing.T) {
		e, _ := newTestEngine()
		positions := []account.Position{{Symbol: "ETH", MarginUsed: 2500}}
		res := e.Evaluate(longDecision(2000, 2), balance(10000), positions)
		if res.Approved {
			t.Fatalf("expected heat rejection")
		}
		if res.Reason != "Portfolio heat too high: 25.0% (max: 25%)" {
			t.Fatalf("Reason=%q", res.Reason)
		}
	})
}

func TestMinimumNotional(t *testing.T) {
	e, _ := newTestEngine()
	res := e.Evaluate(longDecision(5, 1), balance(10000), nil)
	if res.Approved {
		t.Fatalf("expected rejection below minimum")
	}
	if res.Reason != "Position size too small after adjustments: $5.00" {
		t.Fatalf("Reason=%q", res.Reason)
	}
}

func TestSizeNeverIncreases(t *testing.T) {
	regimes := []market.Regime{market.RegimeTrendingUp, market.RegimeVolatile, market.RegimeRanging}
	for _, size := range []float64{50, 500, 2000, 8000, 100000} {
		for _, lev := range []int{0, 1, 3, 10} {
			for _, regime := range regimes {
				for losses := 0; losses < 3; losses++ {
					e, _ := newTestEngine()
					for i := 0; i < losses; i++ {
						e.RecordTradeResult(-1)
					}
					d := longDecision(size, lev)
					d.Regime = regime
					positions := []account.Position{{MarginUsed: 1500}}
					res := e.Evaluate(d, balance(10000), positions)
					if res.Approved && res.AdjustedSize > size {
						t.Fatalf("size %v lev %d regime %s losses %d: AdjustedSize=%v grew",
							size, lev, regime, losses, res.AdjustedSize)
					}
				}
			}
		}
	}
}

func TestKellySize(t *testing.T) {
	tests := []struct {
		name                string
		winRate, ratio, cnf float64
		want                float64
	}{
		{name: "capped at max position", winRate: 60, ratio: 2, cnf: 80, want: 1000},
		{name: "half kelly scaled by confidence", winRate: 55, ratio: 1.5, cnf: 50, want: 625},
		{name: "negative edge", winRate: 40, ratio: 1, cnf: 90, want: 0},
		{name: "no payoff data", winRate: 60, ratio: 0, cnf: 90, want: 0},
	}
	e, _ := newTestEngine()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := e.KellySize(balance(10000), tt.winRate, tt.ratio, tt.cnf)
			if math.Abs(got-tt.want) > 1e-6 {
				t.Fatalf("KellySize=%v, expected %v", got, tt.want)
			}
		})
	}
}

func TestMetrics(t *testing.T) {
	e, c := newTestEngine()
	e.Evaluate(longDecision(2000, 2), balance(10000), nil)
	e.Trip("drill")

	bal := account.Balance{TotalEquity: 9500, Available: 9000, MarginUsed: 500}
	c.t = c.t.Add(time.Hour - time.Minute)
	m := e.Metrics(bal, []account.Position{{MarginUsed: 500}}, logger.PerformanceStats{WinRate: 50})
	if m.PeakEquity != 10000 {
		t.Fatalf("PeakEquity=%v, expected 10000", m.PeakEquity)
	}
	if math.Abs(m.DrawdownPercent-5) > 1e-9 {
		t.Fatalf("DrawdownPercent=%v, expected 5", m.DrawdownPercent)
	}
	if math.Abs(m.DailyPnLPercent+5) > 1e-9 {
		t.Fatalf("DailyPnLPercent=%v, expected -5", m.DailyPnLPercent)
	}
	if math.Abs(m.PortfolioHeat-500.0/9500*100) > 1e-9 {
		t.Fatalf("PortfolioHeat=%v", m.PortfolioHeat)
	}
	if !m.CircuitBreakerActive || m.CircuitBreakerReason != "drill" || m.CooldownUntil == nil {
		t.Fatalf("breaker fields %+v", m)
	}
}
