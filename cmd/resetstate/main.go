package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"perpagent/config"
	"perpagent/logger"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Offline maintenance for the agent store: clears a latched status and prunes old history.
// Run it only while the agents are stopped.
func main() {
	configFile := flag.String("config", "config.json", "Configuration file")
	clearStatus := flag.Bool("clear-status", true, "Reset agent status to stopped (clears an emergency stop latch)")
	purgeDays := flag.Int("purge-days", 0, "Delete closed trades and logs older than this many days (0 = keep all)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("❌ Failed to load configuration")
	}

	agentIDs := flag.Args()
	if len(agentIDs) == 0 {
		for _, a := range cfg.Agents {
			agentIDs = append(agentIDs, a.ID)
		}
	}

	ctx := context.Background()
	store, err := logger.OpenStore(ctx, cfg.Database.Driver, cfg.Database.DSN, zerolog.Nop())
	if err != nil {
		log.Fatal().Err(err).Msg("❌ Failed to open store")
	}
	defer store.Close()

	fmt.Printf("🔄 Resetting %d agent(s)\n", len(agentIDs))
	fmt.Println(strings.Repeat("=", 60))

	failed := false
	for _, id := range agentIDs {
		dl := store.Agent(id)
		fmt.Printf("📊 %s\n", id)

		if *clearStatus {
			prev, err := dl.GetState(ctx)
			if err != nil {
				fmt.Printf("  ❌ Failed to read state: %v\n", err)
				failed = true
				continue
			}
			if err := dl.SetStatus(ctx, logger.StatusStopped); err != nil {
				fmt.Printf("  ❌ Failed to reset status: %v\n", err)
				failed = true
				continue
			}
			if err := dl.LogSystemEvent(ctx, "STATE_RESET", logger.SeverityWarning,
				map[string]any{"previous_status": string(prev.Status), "source": "resetstate"}); err != nil {
				fmt.Printf("  ⚠️  Failed to log reset: %v\n", err)
			}
			fmt.Printf("  ✅ Status %s -> %s\n", prev.Status, logger.StatusStopped)
		}

		if *purgeDays > 0 {
			cutoff := time.Now().AddDate(0, 0, -*purgeDays)
			counts, err := dl.Purge(ctx, cutoff)
			if err != nil {
				fmt.Printf("  ❌ Failed to purge: %v\n", err)
				failed = true
				continue
			}
			fmt.Printf("  🗑️  Deleted %d trades, %d analyses, %d activity, %d system entries before %s\n",
				counts.Trades, counts.Analyses, counts.Activity, counts.System, cutoff.Format("2006-01-02"))
		}
	}

	fmt.Println()
	if failed {
		fmt.Println("⚠️  Some agents could not be reset")
		os.Exit(1)
	}
	fmt.Println("✅ Done")
}
