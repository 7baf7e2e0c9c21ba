package risk

import (
	"fmt"
	"math"
	"sync"
	"time"

	"perpagent/account"
	"perpagent/config"
	"perpagent/decision"
	"perpagent/market"

	"github.com/rs/zerolog"
)

// State mutable risk state owned by one Engine
type State struct {
	PeakEquity        float64   `json:"peak_equity"`
	DailyStartEquity  float64   `json:"daily_start_equity"`
	DailyStartDate    string    `json:"daily_start_date"`
	ConsecutiveLosses int       `json:"consecutive_losses"`
	BreakerActive     bool      `json:"breaker_active"`
	BreakerReason     string    `json:"breaker_reason,omitempty"`
	CooldownUntil     time.Time `json:"cooldown_until,omitempty"`
	TrippedAt         time.Time `json:"tripped_at,omitempty"`
}

// Result outcome of a risk evaluation; a rejection is a value, not an error
type Result struct {
	Approved         bool     `json:"approved"`
	Reason           string   `json:"reason,omitempty"`
	AdjustedSize     float64  `json:"adjusted_size,omitempty"` // USD notional
	AdjustedLeverage int      `json:"adjusted_leverage,omitempty"`
	Warnings         []string `json:"warnings"`
}

// Engine risk management engine. All methods are safe for concurrent use.
type Engine struct {
	mu     sync.Mutex
	limits config.RiskLimits
	state  State
	now    func() time.Time
	log    zerolog.Logger
}

// NewEngine creates a risk engine with fresh state
func NewEngine(limits config.RiskLimits, log zerolog.Logger) *Engine {
	return &Engine{limits: limits, now: time.Now, log: log}
}

// SetClock replaces the time source
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

// Limits the configured limits
func (e *Engine) Limits() config.RiskLimits {
	return e.limits
}

// Snapshot copy of the current state
func (e *Engine) Snapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Evaluate runs the ordered checks and sizing adjustments for d.
// HOLD and CLOSE are approved without touching state.
func (e *Engine) Evaluate(d decision.TradeDecision, bal account.Balance, positions []account.Position) Result {
	if !d.Action.IsOpen() {
		return Result{Approved: true, Warnings: []string{}}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	l := e.limits
	now := e.now()
	warnings := []string{}

	// 1. circuit breaker, auto-cleared once cooldown has elapsed
	if e.state.BreakerActive {
		if now.Before(e.state.CooldownUntil) {
			minutesLeft := int(math.Ceil(e.state.CooldownUntil.Sub(now).Minutes()))
			return reject(fmt.Sprintf("Circuit breaker active: %s. Cooldown: %d min remaining.", e.state.BreakerReason, minutesLeft))
		}
		e.resetLocked()
	}

	// 2. confidence
	if d.Confidence < l.MinConfidence {
		return reject(fmt.Sprintf("Confidence too low: %.0f%% (min: %.0f%%)", d.Confidence, l.MinConfidence))
	}

	// 3. reward:risk
	if d.RiskReward < l.MinRiskReward {
		return reject(fmt.Sprintf("R:R ratio too low: %.2f (min: %g)", d.RiskReward, l.MinRiskReward))
	}

	// 4. open positions
	if len(positions) >= l.MaxOpenPositions {
		return reject(fmt.Sprintf("Max positions reached: %d/%d", len(positions), l.MaxOpenPositions))
	}

	// 5. daily loss
	_, dailyLossUsed := e.dailyLocked(bal, now)
	if dailyLossUsed >= l.MaxDailyLossPct {
		e.tripLocked(fmt.Sprintf("Daily loss limit reached: %.2f%%", dailyLossUsed), now)
		return reject(fmt.Sprintf("Daily loss limit reached: %.2f%% (max: %g%%)", dailyLossUsed, l.MaxDailyLossPct))
	}

	// 6. drawdown from peak
	drawdown := e.drawdownLocked(bal.TotalEquity)
	if drawdown >= l.MaxDrawdownPct {
		e.tripLocked(fmt.Sprintf("Max drawdown reached: %.2f%%", drawdown), now)
		return reject(fmt.Sprintf("Drawdown limit reached: %.2f%% (max: %g%%)", drawdown, l.MaxDrawdownPct))
	}

	// 7. losing streak
	if losses := e.state.ConsecutiveLosses; losses >= l.MaxConsecutiveLosses {
		e.tripLocked(fmt.Sprintf("%d consecutive losses", losses), now)
		return reject(fmt.Sprintf("Consecutive loss limit reached: %d consecutive losses (max: %d)", losses, l.MaxConsecutiveLosses))
	}

	// leverage first: the balance cap is on margin, which depends on it
	leverage := d.SuggestedLeverage
	if leverage < 1 {
		leverage = 1
	}
	if leverage > l.MaxLeverage {
		leverage = l.MaxLeverage
		warnings = append(warnings, fmt.Sprintf("Leverage capped at %dx", l.MaxLeverage))
	}
	if d.Regime == market.RegimeVolatile {
		leverage = int(math.Max(1, math.Floor(float64(leverage)*0.5)))
		warnings = append(warnings, "Leverage halved due to high volatility")
	}

	size := d.SuggestedSize
	maxMargin := bal.Available * l.MaxPositionSizePct / 100
	if size/float64(leverage) > maxMargin {
		size = maxMargin * float64(leverage)
		warnings = append(warnings, fmt.Sprintf("Size capped: $%.2f (max %g%% of balance as margin)", size, l.MaxPositionSizePct))
	}

	if size > l.MaxOrderSizeUSD {
		size = l.MaxOrderSizeUSD
		warnings = append(warnings, fmt.Sprintf("Size hard-capped at $%g", l.MaxOrderSizeUSD))
	}

	if drawdown > 5 {
		factor := math.Max(0.25, 1-(drawdown/l.MaxDrawdownPct)*0.5)
		size *= factor
		warnings = append(warnings, fmt.Sprintf("Size reduced %.0f%% due to %.1f%% drawdown", (1-factor)*100, drawdown))
	}

	if losses := e.state.ConsecutiveLosses; losses > 0 {
		size *= math.Pow(0.7, float64(losses))
		warnings = append(warnings, fmt.Sprintf("Size reduced after %d consecutive losses", losses))
	}

	// portfolio heat in margin terms
	currentHeat := Heat(positions, bal)
	if bal.TotalEquity > 0 {
		newHeat := size / float64(leverage) / bal.TotalEquity * 100
		if currentHeat+newHeat > l.MaxPortfolioHeatPct {
			headroom := l.MaxPortfolioHeatPct - currentHeat
			if headroom <= 0 {
				return reject(fmt.Sprintf("Portfolio heat too high: %.1f%% (max: %g%%)", currentHeat, l.MaxPortfolioHeatPct))
			}
			size = bal.TotalEquity * headroom / 100 * float64(leverage)
			warnings = append(warnings, fmt.Sprintf("Size reduced due to portfolio heat: %.1f%%", currentHeat))
		}
	}

	if d.StopLoss == 0 {
		warnings = append(warnings, "No stop loss specified - will use default ATR-based stop")
	}

	if size < l.MinOrderSizeUSD {
		return reject(fmt.Sprintf("Position size too small after adjustments: $%.2f", size))
	}

	e.log.Info().
		Float64("original_size", d.SuggestedSize).
		Float64("adjusted_size", size).
		Int("leverage", leverage).
		Float64("confidence", d.Confidence).
		Float64("rr", d.RiskReward).
		Float64("portfolio_heat", currentHeat).
		Strs("warnings", warnings).
		Msg("✅ risk check passed")

	return Result{
		Approved:         true,
		AdjustedSize:     size,
		AdjustedLeverage: leverage,
		Warnings:         warnings,
	}
}

func reject(reason string) Result {
	return Result{Approved: false, Reason: reason, Warnings: []string{}}
}

// Trip activates the circuit breaker for the configured cooldown
func (e *Engine) Trip(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tripLocked(reason, e.now())
}

func (e *Engine) tripLocked(reason string, now time.Time) {
	e.state.BreakerActive = true
	e.state.BreakerReason = reason
	e.state.TrippedAt = now
	e.state.CooldownUntil = now.Add(e.limits.Cooldown())
	e.log.Warn().
		Str("reason", reason).
		Time("cooldown_until", e.state.CooldownUntil).
		Int("consecutive_losses", e.state.ConsecutiveLosses).
		Float64("peak_equity", e.state.PeakEquity).
		Msg("🚨 CIRCUIT BREAKER TRIGGERED")
}

// Reset clears the circuit breaker
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetLocked()
}

func (e *Engine) resetLocked() {
	if e.state.BreakerActive {
		e.log.Info().Msg("✅ circuit breaker reset")
	}
	e.state.BreakerActive = false
	e.state.BreakerReason = ""
	e.state.CooldownUntil = time.Time{}
	e.state.TrippedAt = time.Time{}
}

// RecordTradeResult updates the losing streak: a loss extends it, anything else clears it
func (e *Engine) RecordTradeResult(pnl float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if pnl < 0 {
		e.state.ConsecutiveLosses++
		e.log.Warn().Int("consecutive_losses", e.state.ConsecutiveLosses).Float64("pnl", pnl).Msg("⚠️  losing trade recorded")
		return
	}
	e.state.ConsecutiveLosses = 0
}

// dailyLocked resets the baseline on a new UTC date and returns daily PnL and loss used %
func (e *Engine) dailyLocked(bal account.Balance, now time.Time) (float64, float64) {
	today := now.UTC().Format("2006-01-02")
	if e.state.DailyStartDate != today {
		e.state.DailyStartDate = today
		e.state.DailyStartEquity = bal.TotalEquity
	}
	pnl := bal.TotalEquity - e.state.DailyStartEquity
	var used float64
	if e.state.DailyStartEquity > 0 {
		used = math.Max(0, -pnl/e.state.DailyStartEquity*100)
	}
	return pnl, used
}

// drawdownLocked updates the peak and returns drawdown % from it
func (e *Engine) drawdownLocked(equity float64) float64 {
	if equity > e.state.PeakEquity {
		e.state.PeakEquity = equity
	}
	if e.state.PeakEquity <= 0 {
		return 0
	}
	return (e.state.PeakEquity - equity) / e.state.PeakEquity * 100
}

// Heat Σ marginUsed / totalEquity over open positions, in percent
func Heat(positions []account.Position, bal account.Balance) float64 {
	if bal.TotalEquity <= 0 {
		return 0
	}
	var heat float64
	for _, p := range positions {
		heat += p.MarginUsed / bal.TotalEquity * 100
	}
	return heat
}

// KellySize half-Kelly fraction scaled by confidence and capped at the max position %,
// applied to the available balance
func (e *Engine) KellySize(bal account.Balance, winRatePct, avgWinLossRatio, confidence float64) float64 {
	if avgWinLossRatio <= 0 {
		return 0
	}
	p := winRatePct / 100
	q := 1 - p
	b := avgWinLossRatio

	f := (b*p - q) / b
	f = math.Max(0, f*0.5)
	f *= confidence / 100
	f = math.Min(f, e.limits.MaxPositionSizePct/100)
	return bal.Available * f
}
