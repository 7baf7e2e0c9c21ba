package logger

import (
	"context"
	"testing"
	"time"
	"unicode/utf8"

	"perpagent/config"

	"github.com/rs/zerolog"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(context.Background(), "sqlite", ":memory:", zerolog.Nop())
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAgentStateIsPerAgent(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	a, b := store.Agent("a"), store.Agent("b")

	st, err := a.GetState(ctx)
	if err != nil || st.Status != StatusStopped {
		t.Fatalf("state=%+v err=%v, expected stopped on first use", st, err)
	}
	if err := a.SetStatus(ctx, StatusEmergencyStop); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if err := a.TouchAnalysis(ctx); err != nil {
		t.Fatalf("TouchAnalysis: %v", err)
	}
	st, _ = a.GetState(ctx)
	if st.Status != StatusEmergencyStop || st.LastAnalysisAt == nil || st.LastTradeAt != nil {
		t.Fatalf("state=%+v, expected latched with an analysis stamp", st)
	}
	if st, _ := b.GetState(ctx); st.Status != StatusStopped {
		t.Fatalf("b status=%s, expected stopped", st.Status)
	}
	if err := a.SetStatus(ctx, AgentStatus("paused")); err == nil {
		t.Fatalf("expected an invalid status to be rejected")
	}
}

func TestTradeLifecycle(t *testing.T) {
	ctx := context.Background()
	journal := openTestStore(t).Agent("a")

	id, err := journal.RecordTrade(ctx, TradeRecord{Symbol: "BTC", Side: "long", EntryPrice: 100, Size: 2, Leverage: 3, StopLoss: 95, TakeProfit: 110})
	if err != nil || id == "" {
		t.Fatalf("RecordTrade id=%q err=%v", id, err)
	}
	open, err := journal.OpenTrades(ctx)
	if err != nil || len(open) != 1 || open[0].StopLoss != 95 {
		t.Fatalf("open=%+v err=%v, expected one open trade", open, err)
	}

	closed, err := journal.CloseTrade(ctx, "BTC", 110, 20, "Take profit")
	if err != nil || !closed {
		t.Fatalf("CloseTrade closed=%v err=%v", closed, err)
	}
	if closed, _ := journal.CloseTrade(ctx, "BTC", 110, 20, "again"); closed {
		t.Fatalf("expected no open trade left to close")
	}

	trades, err := journal.RecentTrades(ctx, 10, 0)
	if err != nil || len(trades) != 1 {
		t.Fatalf("trades=%d err=%v, expected 1", len(trades), err)
	}
	tr := trades[0]
	if tr.ExitPrice == nil || *tr.ExitPrice != 110 || tr.RealizedPnL == nil || *tr.RealizedPnL != 20 {
		t.Fatalf("trade=%+v, expected exit 110 pnl 20", tr)
	}
	if tr.Evaluation != "good" || tr.ExitReason != "Take profit" {
		t.Fatalf("evaluation=%q reason=%q", tr.Evaluation, tr.ExitReason)
	}
}

func TestPerformanceStats(t *testing.T) {
	ctx := context.Background()
	journal := openTestStore(t).Agent("a")

	stats, err := journal.PerformanceStats(ctx, 30*24*time.Hour)
	if err != nil || stats.Trades != 0 || stats.WinRate != 50 {
		t.Fatalf("stats=%+v err=%v, expected empty stats with 50%% win rate", stats, err)
	}

	for _, pnl := range []float64{30, -10, 50, -20} {
		if _, err := journal.RecordTrade(ctx, TradeRecord{Symbol: "BTC", Side: "long", EntryPrice: 100, Size: 1, Leverage: 1}); err != nil {
			t.Fatalf("RecordTrade: %v", err)
		}
		if _, err := journal.CloseTrade(ctx, "BTC", 100+pnl, pnl, "test"); err != nil {
			t.Fatalf("CloseTrade: %v", err)
		}
	}
	stats, err = journal.PerformanceStats(ctx, 30*24*time.Hour)
	if err != nil {
		t.Fatalf("PerformanceStats: %v", err)
	}
	if stats.Trades != 4 || stats.Wins != 2 || stats.WinRate != 50 || stats.TotalPnL != 50 {
		t.Fatalf("stats=%+v, expected 4 trades, 2 wins, pnl 50", stats)
	}
	if stats.AvgWin != 40 || stats.AvgLoss != 15 || stats.AvgWinLossRatio() != 40.0/15 {
		t.Fatalf("stats=%+v, expected avg win 40 and avg loss 15", stats)
	}
}

func TestActivityFilter(t *testing.T) {
	ctx := context.Background()
	journal := openTestStore(t).Agent("a")

	entries := []ActivityEntry{
		{Category: "ENGINE", Event: "ENGINE_STARTED", Message: "started"},
		{Category: "RISK", Event: "TRADE_REJECTED", Message: "low confidence", Severity: SeverityWarning, Details: map[string]any{"confidence": 50.0}},
		{Category: "RISK", Event: "CIRCUIT_BREAKER", Message: "tripped", Severity: SeverityError, CycleID: 7},
	}
	for _, e := range entries {
		if err := journal.LogActivity(ctx, e); err != nil {
			t.Fatalf("LogActivity: %v", err)
		}
	}

	tests := []struct {
		name     string
		filter   ActivityFilter
		expected int
		total    int
	}{
		{"all", ActivityFilter{}, 3, 3},
		{"category", ActivityFilter{Category: "RISK"}, 2, 2},
		{"severity", ActivityFilter{Severity: SeverityInfo}, 1, 1},
		{"page", ActivityFilter{Limit: 1, Offset: 1}, 1, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, total, err := journal.Activity(ctx, tt.filter)
			if err != nil {
				t.Fatalf("Activity: %v", err)
			}
			if len(got) != tt.expected || total != tt.total {
				t.Fatalf("len=%d total=%d, expected %d and %d", len(got), total, tt.expected, tt.total)
			}
		})
	}

	latest, _, _ := journal.Activity(ctx, ActivityFilter{Limit: 1})
	if latest[0].Event != "CIRCUIT_BREAKER" || latest[0].CycleID != 7 {
		t.Fatalf("latest=%+v, expected the breaker entry first", latest[0])
	}
	rejected, _, _ := journal.Activity(ctx, ActivityFilter{Severity: SeverityWarning})
	if rejected[0].Details["confidence"] != 50.0 {
		t.Fatalf("details=%v, expected confidence 50", rejected[0].Details)
	}
}

func TestPurge(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	journal := store.Agent("a")
	old := time.Now().Add(-48 * time.Hour)

	if _, err := journal.RecordTrade(ctx, TradeRecord{Symbol: "BTC", Side: "long", EntryPrice: 100, Size: 1, Leverage: 1, EntryTime: old}); err != nil {
		t.Fatalf("RecordTrade: %v", err)
	}
	if _, err := journal.CloseTrade(ctx, "BTC", 101, 1, "test"); err != nil {
		t.Fatalf("CloseTrade: %v", err)
	}
	// still open, survives the purge
	if _, err := journal.RecordTrade(ctx, TradeRecord{Symbol: "ETH", Side: "short", EntryPrice: 50, Size: 1, Leverage: 1, EntryTime: old}); err != nil {
		t.Fatalf("RecordTrade: %v", err)
	}
	if err := journal.LogActivity(ctx, ActivityEntry{Timestamp: old, Category: "ENGINE", Event: "OLD", Message: "old"}); err != nil {
		t.Fatalf("LogActivity: %v", err)
	}
	if err := journal.LogActivity(ctx, ActivityEntry{Category: "ENGINE", Event: "NEW", Message: "new"}); err != nil {
		t.Fatalf("LogActivity: %v", err)
	}
	if err := store.Agent("b").LogActivity(ctx, ActivityEntry{Timestamp: old, Category: "ENGINE", Event: "OTHER", Message: "other agent"}); err != nil {
		t.Fatalf("LogActivity: %v", err)
	}

	counts, err := journal.Purge(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if counts.Trades != 1 || counts.Activity != 1 {
		t.Fatalf("counts=%+v, expected one trade and one activity entry", counts)
	}
	if open, _ := journal.OpenTrades(ctx); len(open) != 1 || open[0].Symbol != "ETH" {
		t.Fatalf("open=%+v, expected the ETH trade to survive", open)
	}
	if _, total, _ := store.Agent("b").Activity(ctx, ActivityFilter{}); total != 1 {
		t.Fatalf("b activity=%d, expected other agents untouched", total)
	}
}

func TestMaskConnectionString(t *testing.T) {
	tests := []struct {
		in       string
		expected string
	}{
		{"postgres://user:secret@db:5432/agent", "postgres://user:***@db:5432/agent"},
		{"postgres://db:5432/agent", "postgres://db:5432/agent"},
		{"data/perpagent.db", "data/perpagent.db"},
	}
	for _, tt := range tests {
		if got := maskConnectionString(tt.in); got != tt.expected {
			t.Fatalf("maskConnectionString(%q)=%q, expected %q", tt.in, got, tt.expected)
		}
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		max      int
		expected string
	}{
		{"short", "hold", 10, "hold"},
		{"ascii", "abcdefgh", 4, "abcd..."},
		{"cut inside a rune", "ab€cd", 3, "ab..."},
		{"cut after a rune", "ab€cd", 5, "ab€..."},
		{"emoji", "📈📉", 5, "📈..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Truncate(tt.in, tt.max)
			if got != tt.expected || !utf8.ValidString(got) {
				t.Fatalf("Truncate(%q, %d)=%q, expected %q", tt.in, tt.max, got, tt.expected)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	if _, err := NewLogger(config.LogConfig{Level: "loud"}); err == nil {
		t.Fatalf("expected an invalid level to fail")
	}
	if _, err := NewLogger(config.LogConfig{Level: "info", Format: "json", Output: "stderr"}); err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.DebugLevel) })
}
