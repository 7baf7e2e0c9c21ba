package main

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	"perpagent/config"
	"perpagent/logger"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	configFile := flag.String("config", "config.json", "Configuration file")
	days := flag.Int("days", 30, "Lookback window in days for performance statistics")
	recent := flag.Int("recent", 10, "Number of recent trades to list per agent")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("❌ Failed to load configuration")
	}

	ctx := context.Background()
	store, err := logger.OpenStore(ctx, cfg.Database.Driver, cfg.Database.DSN, zerolog.Nop())
	if err != nil {
		log.Fatal().Err(err).Msg("❌ Failed to open store")
	}
	defer store.Close()

	lookback := time.Duration(*days) * 24 * time.Hour

	fmt.Println(strings.Repeat("=", 100))
	fmt.Printf("📊 AGENT PERFORMANCE SUMMARY (last %d days)\n", *days)
	fmt.Println(strings.Repeat("=", 100))
	fmt.Printf("%-20s %-10s %8s %8s %10s %10s %8s %12s %-16s\n",
		"Agent", "Symbol", "Trades", "Win%", "Avg Win", "Avg Loss", "PF", "Total P&L", "Status")
	fmt.Println(strings.Repeat("-", 100))

	type best struct {
		id  string
		pnl float64
	}
	var top *best

	for _, a := range cfg.Agents {
		dl := store.Agent(a.ID)
		stats, err := dl.PerformanceStats(ctx, lookback)
		if err != nil {
			fmt.Printf("⚠️  %s: %v\n", a.ID, err)
			continue
		}
		status := "-"
		if st, err := dl.GetState(ctx); err == nil {
			status = string(st.Status)
		}
		fmt.Printf("%-20s %-10s %8d %7.1f%% %10.2f %10.2f %8.2f %12.2f %-16s\n",
			a.ID, a.Symbol, stats.Trades, stats.WinRate, stats.AvgWin, stats.AvgLoss, stats.ProfitFactor, stats.TotalPnL, status)
		if stats.Trades > 0 && (top == nil || stats.TotalPnL > top.pnl) {
			top = &best{id: a.ID, pnl: stats.TotalPnL}
		}
	}
	fmt.Println(strings.Repeat("-", 100))
	if top != nil {
		fmt.Printf("🏆 Best agent: %s (%+.2f USDT)\n", top.id, top.pnl)
	}

	if *recent <= 0 {
		return
	}
	for _, a := range cfg.Agents {
		trades, err := store.Agent(a.ID).RecentTrades(ctx, *recent, 0)
		if err != nil || len(trades) == 0 {
			continue
		}
		fmt.Println()
		fmt.Printf("📈 %s recent trades\n", a.ID)
		fmt.Printf("   %-16s %-6s %10s %10s %10s %4s %10s  %s\n",
			"Entry", "Side", "Entry", "Exit", "Size", "Lev", "P&L", "Exit Reason")
		fmt.Println("   " + strings.Repeat("-", 90))
		for _, t := range trades {
			exit, pnl := "open", "-"
			if t.ExitPrice != nil {
				exit = fmt.Sprintf("%.2f", *t.ExitPrice)
			}
			if t.RealizedPnL != nil {
				pnl = fmt.Sprintf("%+.2f", *t.RealizedPnL)
			}
			fmt.Printf("   %-16s %-6s %10.2f %10s %10.4f %3dx %10s  %s\n",
				t.EntryTime.Format("2006-01-02 15:04"), t.Side, t.EntryPrice, exit, t.Size, t.Leverage, pnl, t.ExitReason)
		}
	}
}
