package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"perpagent/backtest"
	"perpagent/config"
	"perpagent/indicator"
	"perpagent/logger"
	"perpagent/market"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// maxKlinesPerRequest Binance futures kline page size
const maxKlinesPerRequest = 1500

func main() {
	configFile := flag.String("config", "config.json", "Configuration file (risk limits and agent settings)")
	agentID := flag.String("agent", "", "Agent whose symbol, interval and risk limits to use (default: first agent)")
	bars := flag.Int("bars", 3000, "Number of historical candles to replay")
	sweep := flag.String("sweep", "", "Comma-separated partial-profit thresholds to compare, e.g. 0,3,5")
	outDir := flag.String("out", "backtests", "Directory for the JSON result")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("❌ Failed to load configuration")
	}
	logr, err := logger.NewLogger(cfg.Log)
	if err != nil {
		log.Fatal().Err(err).Msg("❌ Failed to initialize logger")
	}

	agent := cfg.Agents[0]
	if *agentID != "" {
		found := false
		for _, a := range cfg.Agents {
			if a.ID == *agentID {
				agent, found = a, true
				break
			}
		}
		if !found {
			logr.Fatal().Str("agent", *agentID).Msg("❌ Agent not found in configuration")
		}
	}

	ctx := context.Background()
	feed := market.NewBinanceFeed(cfg.MarketData.QuoteAsset, logger.Component(logr, "feed"))
	candles, err := fetchHistory(ctx, feed, agent.Symbol, agent.CandleInterval, *bars, logr)
	if err != nil {
		logr.Fatal().Err(err).Msg("❌ Failed to fetch history")
	}

	btCfg := backtest.Config{
		Symbol:           agent.Symbol,
		InitialBalance:   agent.InitialBalance,
		Limits:           cfg.RiskFor(agent),
		Window:           agent.CandleLimit,
		PartialProfitPct: 3,
		FeeRate:          0.0004,
		SlippagePct:      0.02,
	}

	var output any
	if *sweep != "" {
		thresholds, err := parseThresholds(*sweep)
		if err != nil {
			logr.Fatal().Err(err).Msg("❌ Invalid -sweep")
		}
		results, err := backtest.Sweep(ctx, candles, btCfg, thresholds, logr)
		if err != nil {
			logr.Fatal().Err(err).Msg("❌ Backtest failed")
		}
		printHeader(agent.Symbol, agent.CandleInterval, len(candles))
		for _, r := range results {
			printResult(fmt.Sprintf("partial profit %.1f%%", r.PartialProfitPct), r.Result)
		}
		output = results
	} else {
		res, err := backtest.Run(ctx, candles, btCfg, logr)
		if err != nil {
			logr.Fatal().Err(err).Msg("❌ Backtest failed")
		}
		printHeader(agent.Symbol, agent.CandleInterval, len(candles))
		printResult("default", res)
		output = res
	}

	path, err := save(*outDir, agent.ID, output)
	if err != nil {
		logr.Fatal().Err(err).Msg("❌ Failed to save result")
	}
	logr.Info().Str("file", path).Msg("💾 Backtest result saved")
}

// fetchHistory pages backwards from now until n candles are collected, oldest first
func fetchHistory(ctx context.Context, feed *market.BinanceFeed, symbol, interval string, n int, logr zerolog.Logger) ([]indicator.Candle, error) {
	var candles []indicator.Candle
	var endTime int64
	for len(candles) < n {
		limit := n - len(candles)
		if limit > maxKlinesPerRequest {
			limit = maxKlinesPerRequest
		}
		page, err := feed.History(ctx, symbol, interval, limit, endTime)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		candles = append(page, candles...)
		endTime = page[0].Timestamp - 1
		logr.Info().Int("fetched", len(candles)).Int("target", n).Msg("📥 fetching history")
		if len(page) < limit {
			break
		}
	}
	return candles, nil
}

func parseThresholds(s string) ([]float64, error) {
	parts := strings.Split(s, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid threshold %q: %w", p, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func printHeader(symbol, interval string, n int) {
	fmt.Println(strings.Repeat("=", 100))
	fmt.Printf("📊 BACKTEST %s %s (%d candles)\n", symbol, interval, n)
	fmt.Println(strings.Repeat("=", 100))
	fmt.Printf("%-24s %10s %8s %8s %10s %10s %8s %8s %10s\n",
		"Strategy", "Total PnL", "Trades", "WinRate", "Avg Win", "Avg Loss", "PF", "MaxDD", "Rejected")
	fmt.Println(strings.Repeat("-", 100))
}

func printResult(label string, r *backtest.Result) {
	fmt.Printf("%-24s %10.2f %8d %7.1f%% %10.2f %10.2f %8.2f %7.2f%% %10d\n",
		label, r.TotalPnL, r.TotalTrades, r.WinRate, r.AvgWin, r.AvgLoss, r.ProfitFactor, r.MaxDrawdown, r.Rejections)
}

func save(dir, agentID string, v any) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode result: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("backtest_%s_%s.json", agentID, time.Now().Format("20060102_150405")))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write result: %w", err)
	}
	return path, nil
}
