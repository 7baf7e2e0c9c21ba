package risk

import (
	"testing"

	"perpagent/account"
)

func TestShouldExit(t *testing.T) {
	tests := []struct {
		name       string
		pos        account.Position
		price      float64
		wantExit   bool
		wantReason string
	}{
		{
			name:       "long stop loss",
			pos:        account.Position{Side: account.Long, EntryPrice: 100, StopLoss: 98, TakeProfit: 110},
			price:      97,
			wantExit:   true,
			wantReason: "Stop Loss hit at $98",
		},
		{
			name:       "short stop loss",
			pos:        account.Position{Side: account.Short, EntryPrice: 100, StopLoss: 102},
			price:      102,
			wantExit:   true,
			wantReason: "Stop Loss hit at $102",
		},
		{
			name:       "long take profit",
			pos:        account.Position{Side: account.Long, EntryPrice: 100, StopLoss: 98, TakeProfit: 104},
			price:      104.5,
			wantExit:   true,
			wantReason: "Take Profit hit at $104",
		},
		{
			name:       "short take profit",
			pos:        account.Position{Side: account.Short, EntryPrice: 100, TakeProfit: 95},
			price:      94,
			wantExit:   true,
			wantReason: "Take Profit hit at $95",
		},
		{
			name:       "emergency without stop",
			pos:        account.Position{Side: account.Long, EntryPrice: 100, UnrealizedPnL: account.PnL{Percentage: -6.5}},
			price:      99,
			wantExit:   true,
			wantReason: "Emergency exit: -6.50% loss",
		},
		{
			name:  "inside bands",
			pos:   account.Position{Side: account.Long, EntryPrice: 100, StopLoss: 98, TakeProfit: 104, UnrealizedPnL: account.PnL{Percentage: -1}},
			price: 99,
		},
		{
			name:  "exactly minus five is not emergency",
			pos:   account.Position{Side: account.Long, EntryPrice: 100, UnrealizedPnL: account.PnL{Percentage: -5}},
			price: 99,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig, exit := ShouldExit(tt.pos, tt.price)
			if exit != tt.wantExit {
				t.Fatalf("exit=%v, expected %v", exit, tt.wantExit)
			}
			if sig.Reason != tt.wantReason {
				t.Fatalf("Reason=%q, expected %q", sig.Reason, tt.wantReason)
			}
		})
	}
}
