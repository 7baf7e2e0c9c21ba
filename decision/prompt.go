package decision

import (
	"fmt"
	"strings"

	"perpagent/account"
	"perpagent/logger"
	"perpagent/market"
)

// buildSystemPrompt fixed rules plus the response contract ParseAdvisory understands
func buildSystemPrompt(maxLeverage int) string {
	var sb strings.Builder
	sb.WriteString("You are a professional cryptocurrency perpetual futures analyst.\n")
	sb.WriteString("Analyze the market data and return one clear, actionable trading decision.\n\n")

	sb.WriteString("# RULES\n")
	sb.WriteString("- Be conservative: only recommend trades with high confidence\n")
	sb.WriteString("- Prioritize capital preservation over aggressive gains\n")
	sb.WriteString("- Learn from the recent trades provided and never repeat a losing setup\n")
	sb.WriteString("- Prefer HOLD when the technical signal and your own reading disagree\n")
	sb.WriteString(fmt.Sprintf("- Leverage 1-%dx, position size 1-10%% of available balance as margin\n", maxLeverage))
	sb.WriteString("- Stop loss 0.5-5% from entry, take profit 1-10% from entry, reward:risk of at least 1.5\n\n")

	sb.WriteString("# OUTPUT FORMAT\n")
	sb.WriteString("Write your analysis first, then exactly one JSON object in a ```json code block:\n\n")
	sb.WriteString("```json\n")
	sb.WriteString("{\n")
	sb.WriteString("  \"action\": \"OPEN_LONG | OPEN_SHORT | CLOSE | HOLD\",\n")
	sb.WriteString("  \"confidence\": 0-100,\n")
	sb.WriteString("  \"position_size_pct\": 1-10,\n")
	sb.WriteString(fmt.Sprintf("  \"leverage\": 1-%d,\n", maxLeverage))
	sb.WriteString("  \"stop_loss_pct\": 0.5-5,\n")
	sb.WriteString("  \"take_profit_pct\": 1-10,\n")
	sb.WriteString("  \"trailing_stop_pct\": 0-5,\n")
	sb.WriteString("  \"strategy\": \"Trend Following | Mean Reversion | Breakout Trading\",\n")
	sb.WriteString("  \"market_regime\": \"trending_up | trending_down | ranging | volatile | low_volatility\",\n")
	sb.WriteString("  \"reasoning\": \"short explanation\"\n")
	sb.WriteString("}\n")
	sb.WriteString("```\n")
	sb.WriteString("Percentages are relative to the current price. For CLOSE and HOLD the sizing fields may be omitted.\n")
	return sb.String()
}

func buildUserPrompt(d *market.Data, sig market.Signal, positions []account.Position, bal account.Balance,
	perf *logger.PerformanceStats, recent []logger.TradeRecord) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Time: %s\n\n", d.Timestamp.UTC().Format("2006-01-02 15:04:05 MST")))
	sb.WriteString(fmt.Sprintf("Account: equity %.2f | available %.2f | margin used %.2f | unrealized PnL %+.2f\n\n",
		bal.TotalEquity, bal.Available, bal.MarginUsed, bal.UnrealizedPnL))

	if len(positions) > 0 {
		sb.WriteString("## Open Positions\n")
		for i, p := range positions {
			sb.WriteString(fmt.Sprintf("%d. %s %s | entry %.4f current %.4f | size %.6f | %dx | PnL %+.2f (%+.2f%%)",
				i+1, p.Symbol, strings.ToUpper(string(p.Side)), p.EntryPrice, p.CurrentPrice, p.Size, p.Leverage,
				p.UnrealizedPnL.Absolute, p.UnrealizedPnL.Percentage))
			if p.StopLoss > 0 || p.TakeProfit > 0 {
				sb.WriteString(fmt.Sprintf(" | SL %.4f TP %.4f", p.StopLoss, p.TakeProfit))
			}
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	} else {
		sb.WriteString("Open Positions: none\n\n")
	}

	sb.WriteString("## Market\n")
	sb.WriteString(market.Format(d))
	sb.WriteString("\n")

	sb.WriteString("## Technical Signal\n")
	sb.WriteString(fmt.Sprintf("Action %s | confidence %.0f%% | confluence %d | entry %.4f stop %.4f target %.4f | R:R %.2f\n\n",
		sig.Action, sig.Confidence, sig.Confluence, sig.Entry, sig.Stop, sig.Target, sig.RiskReward))

	if perf != nil && perf.Trades > 0 {
		sb.WriteString("## Performance (last 30 days)\n")
		sb.WriteString(fmt.Sprintf("Trades %d | win rate %.1f%% | avg win %.2f | avg loss %.2f | profit factor %.2f | total PnL %+.2f\n\n",
			perf.Trades, perf.WinRate, perf.AvgWin, perf.AvgLoss, perf.ProfitFactor, perf.TotalPnL))
	}

	if len(recent) > 0 {
		sb.WriteString("## Recent Trades\n")
		for _, t := range recent {
			line := fmt.Sprintf("- %s %s entry %.4f", t.Symbol, strings.ToUpper(t.Side), t.EntryPrice)
			if t.ExitPrice != nil {
				line += fmt.Sprintf(" exit %.4f", *t.ExitPrice)
			}
			if t.RealizedPnL != nil {
				line += fmt.Sprintf(" PnL %+.2f", *t.RealizedPnL)
			}
			if t.ExitReason != "" {
				line += " (" + t.ExitReason + ")"
			}
			if t.Strategy != "" {
				line += " [" + t.Strategy + "]"
			}
			sb.WriteString(line + "\n")
		}
		sb.WriteString("\n")
	}

	sb.WriteString("Provide your decision following the output format.\n")
	return sb.String()
}
