package risk

import (
	"math"
	"time"

	"perpagent/account"
	"perpagent/config"
	"perpagent/logger"
)

// Metrics risk dashboard snapshot
type Metrics struct {
	TotalEquity       float64 `json:"total_equity"`
	AvailableBalance  float64 `json:"available_balance"`
	MarginUsed        float64 `json:"margin_used"`
	MarginUsedPercent float64 `json:"margin_used_percent"`

	PeakEquity      float64 `json:"peak_equity"`
	CurrentDrawdown float64 `json:"current_drawdown"`
	DrawdownPercent float64 `json:"drawdown_percent"`

	DailyPnL        float64 `json:"daily_pnl"`
	DailyPnLPercent float64 `json:"daily_pnl_percent"`
	DailyLossUsed   float64 `json:"daily_loss_used"`

	OpenPositions int     `json:"open_positions"`
	PortfolioHeat float64 `json:"portfolio_heat"`

	WinRate      float64 `json:"win_rate"`
	AvgWin       float64 `json:"avg_win"`
	AvgLoss      float64 `json:"avg_loss"`
	ProfitFactor float64 `json:"profit_factor"`

	ConsecutiveLosses    int        `json:"consecutive_losses"`
	CircuitBreakerActive bool       `json:"circuit_breaker_active"`
	CircuitBreakerReason string     `json:"circuit_breaker_reason,omitempty"`
	CooldownUntil        *time.Time `json:"cooldown_until,omitempty"`

	Limits config.RiskLimits `json:"limits"`
}

// Metrics builds the snapshot. Like an evaluation it rolls the daily baseline and peak equity forward.
func (e *Engine) Metrics(bal account.Balance, positions []account.Position, perf logger.PerformanceStats) Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()

	dailyPnL, dailyLossUsed := e.dailyLocked(bal, e.now())
	drawdown := e.drawdownLocked(bal.TotalEquity)

	m := Metrics{
		TotalEquity:          bal.TotalEquity,
		AvailableBalance:     bal.Available,
		MarginUsed:           bal.MarginUsed,
		PeakEquity:           e.state.PeakEquity,
		CurrentDrawdown:      math.Max(0, e.state.PeakEquity-bal.TotalEquity),
		DrawdownPercent:      drawdown,
		DailyPnL:             dailyPnL,
		DailyLossUsed:        dailyLossUsed,
		OpenPositions:        len(positions),
		PortfolioHeat:        Heat(positions, bal),
		WinRate:              perf.WinRate,
		AvgWin:               perf.AvgWin,
		AvgLoss:              perf.AvgLoss,
		ProfitFactor:         perf.ProfitFactor,
		ConsecutiveLosses:    e.state.ConsecutiveLosses,
		CircuitBreakerActive: e.state.BreakerActive,
		Limits:               e.limits,
	}
	if bal.TotalEquity > 0 {
		m.MarginUsedPercent = bal.MarginUsed / bal.TotalEquity * 100
	}
	if e.state.DailyStartEquity > 0 {
		m.DailyPnLPercent = dailyPnL / e.state.DailyStartEquity * 100
	}
	if e.state.BreakerActive {
		m.CircuitBreakerReason = e.state.BreakerReason
		until := e.state.CooldownUntil
		m.CooldownUntil = &until
	}
	return m
}
