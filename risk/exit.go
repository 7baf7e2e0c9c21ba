package risk

import (
	"fmt"

	"perpagent/account"
)

// EmergencyLossPct unrealized loss that forces an exit regardless of the stop
const EmergencyLossPct = -5.0

// ExitSignal why a position should be closed
type ExitSignal struct {
	Exit   bool   `json:"exit"`
	Reason string `json:"reason"`
}

// ShouldExit checks stop loss, then take profit, then the emergency loss backstop.
// Returns false when the position should stay open.
func ShouldExit(p account.Position, price float64) (ExitSignal, bool) {
	if p.StopLoss > 0 {
		if (p.Side == account.Long && price <= p.StopLoss) || (p.Side == account.Short && price >= p.StopLoss) {
			return ExitSignal{Exit: true, Reason: fmt.Sprintf("Stop Loss hit at $%g", p.StopLoss)}, true
		}
	}

	if p.TakeProfit > 0 {
		if (p.Side == account.Long && price >= p.TakeProfit) || (p.Side == account.Short && price <= p.TakeProfit) {
			return ExitSignal{Exit: true, Reason: fmt.Sprintf("Take Profit hit at $%g", p.TakeProfit)}, true
		}
	}

	if p.UnrealizedPnL.Percentage < EmergencyLossPct {
		return ExitSignal{Exit: true, Reason: fmt.Sprintf("Emergency exit: %.2f%% loss", p.UnrealizedPnL.Percentage)}, true
	}

	return ExitSignal{}, false
}
