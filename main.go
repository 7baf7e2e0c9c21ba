package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"perpagent/api"
	"perpagent/config"
	"perpagent/logger"
	"perpagent/manager"
	"perpagent/market"
	"perpagent/metrics"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	fmt.Println("╔════════════════════════════════════════════════════════════╗")
	fmt.Println("║    🤖 Autonomous Perpetual Futures Trading Agent           ║")
	fmt.Println("╚════════════════════════════════════════════════════════════╝")
	fmt.Println()

	// Load .env if present (silently ignore if missing)
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("⚠️  Failed to load .env file")
	}

	configFile := "config.json"
	if len(os.Args) > 1 {
		configFile = os.Args[1]
	}

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		log.Fatal().Err(err).Str("file", configFile).Msg("❌ Failed to load configuration")
	}

	logr, err := logger.NewLogger(cfg.Log)
	if err != nil {
		log.Fatal().Err(err).Msg("❌ Failed to initialize logger")
	}
	logr.Info().Str("file", configFile).Int("agents", len(cfg.Agents)).Msg("✓ Configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logr); err != nil {
		logr.Fatal().Err(err).Msg("❌ Agent exited with error")
	}
	fmt.Println()
	fmt.Println("👋 Agent shut down cleanly")
}

func run(ctx context.Context, cfg *config.Config, logr zerolog.Logger) error {
	store, err := logger.OpenStore(ctx, cfg.Database.Driver, cfg.Database.DSN, logger.Component(logr, "store"))
	if err != nil {
		return err
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.New(reg)

	feed := market.NewBinanceFeed(cfg.MarketData.QuoteAsset, logger.Component(logr, "feed"))
	if _, err := feed.SyncTime(ctx); err != nil {
		logr.Warn().Err(err).Msg("⚠️  Binance time sync failed, continuing with local clock")
	}

	traderManager := manager.NewTraderManager(store, feed, rec, logr)
	for i, agentCfg := range cfg.Agents {
		logr.Info().Msgf("📦 [%d/%d] Initializing %s (%s on %s)...",
			i+1, len(cfg.Agents), agentCfg.Name, agentCfg.Symbol, strings.ToUpper(agentCfg.Exchange))
		if err := traderManager.AddTrader(agentCfg, cfg); err != nil {
			return fmt.Errorf("failed to initialize agent %s: %w", agentCfg.ID, err)
		}
	}

	fmt.Println()
	fmt.Println("🏁 Agents:")
	for _, a := range cfg.Agents {
		state := "disabled"
		if a.Enabled {
			state = "enabled"
		}
		limits := cfg.RiskFor(a)
		fmt.Printf("  • %s [%s] %s on %s, scan every %v, max leverage %dx (%s)\n",
			a.Name, a.ID, a.Symbol, a.Exchange, a.GetScanInterval(), limits.MaxLeverage, state)
	}
	fmt.Println()
	fmt.Println("⚠️  Risk Warning: automated leveraged trading has risks, test on paper or testnet first!")
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println(strings.Repeat("=", 60))
	fmt.Println()

	apiServer := api.NewServer(traderManager, reg, cfg.APIServerPort, logger.Component(logr, "api"))
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- apiServer.Start()
	}()

	traderManager.StartAll(ctx)

	select {
	case <-ctx.Done():
		logr.Info().Msg("📛 Received shutdown signal, stopping all agents...")
	case err := <-serveErr:
		if err != nil {
			logr.Error().Err(err).Msg("❌ API server error, stopping all agents...")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	traderManager.StopAll(shutdownCtx)
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logr.Warn().Err(err).Msg("⚠️  API server shutdown")
	}
	return nil
}
