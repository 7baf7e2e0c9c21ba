package manager

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"

	"perpagent/config"
	"perpagent/decision"
	"perpagent/health"
	"perpagent/logger"
	"perpagent/market"
	"perpagent/mcp"
	"perpagent/metrics"
	"perpagent/risk"
	"perpagent/trader"

	"github.com/rs/zerolog"
)

// ErrAgentNotFound lookup of an unknown agent ID
var ErrAgentNotFound = errors.New("agent not found")

// PreStartError critical health failures that blocked an engine start
type PreStartError struct {
	Failures []string
}

func (e *PreStartError) Error() string {
	return "pre-start health check failed: " + strings.Join(e.Failures, "; ")
}

// Agent one registered trading agent with its diagnostics
type Agent struct {
	Trader  *trader.AutoTrader
	Health  *health.Checker
	Config  config.AgentConfig
	Enabled bool
}

// Summary per-agent comparison row
type Summary struct {
	AgentID       string  `json:"agent_id"`
	Name          string  `json:"name"`
	Symbol        string  `json:"symbol"`
	Exchange      string  `json:"exchange"`
	IsRunning     bool    `json:"is_running"`
	Status        string  `json:"status"`
	TotalEquity   float64 `json:"total_equity"`
	TotalPnL      float64 `json:"total_pnl"`
	TotalPnLPct   float64 `json:"total_pnl_pct"`
	PositionCount int     `json:"position_count"`
	MarginUsedPct float64 `json:"margin_used_pct"`
	CycleCount    int64   `json:"cycle_count"`
	Error         string  `json:"error,omitempty"`
}

// TraderManager manages multiple agents
type TraderManager struct {
	agents  map[string]*Agent // key: agent ID
	mu      sync.RWMutex
	store   *logger.Store
	feed    *market.BinanceFeed
	metrics *metrics.Recorder
	log     zerolog.Logger
}

// NewTraderManager creates the agent registry. feed backs paper venue market data; live
// venues serve their own through the gateway. rec may be nil.
func NewTraderManager(store *logger.Store, feed *market.BinanceFeed, rec *metrics.Recorder, log zerolog.Logger) *TraderManager {
	return &TraderManager{
		agents:  make(map[string]*Agent),
		store:   store,
		feed:    feed,
		metrics: rec,
		log:     log,
	}
}

// NewVenue creates the venue an agent's exchange setting selects
func NewVenue(cfg config.AgentConfig, prices trader.PriceSource, log zerolog.Logger) (trader.Venue, error) {
	switch cfg.Exchange {
	case "paper":
		return trader.NewPaperVenue(cfg.InitialBalance, prices, log), nil
	case "hyperliquid":
		v, err := trader.NewHyperliquidVenue(cfg.HyperliquidPrivateKey, cfg.HyperliquidWalletAddr, cfg.HyperliquidTestnet, log)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Hyperliquid venue: %w", err)
		}
		return v, nil
	case "binance":
		return trader.NewBinanceFuturesVenue(cfg.BinanceAPIKey, cfg.BinanceSecretKey, cfg.BinanceTestnet, log), nil
	default:
		return nil, fmt.Errorf("unsupported exchange: %s", cfg.Exchange)
	}
}

// AddTrader builds the full stack for one agent from configuration and registers it
func (tm *TraderManager) AddTrader(cfg config.AgentConfig, globalConfig *config.Config) error {
	log := tm.log.With().Str("agent", cfg.ID).Logger()

	limits := globalConfig.RiskFor(cfg)
	journal := tm.store.Agent(cfg.ID)

	var prices trader.PriceSource
	if tm.feed != nil {
		prices = tm.feed
	}
	venue, err := NewVenue(cfg, prices, logger.Component(log, "venue"))
	if err != nil {
		return err
	}
	gateway := trader.NewGateway(venue, trader.GatewayConfig{
		MaxSlippagePct:    limits.MaxSlippagePct,
		OrderTimeout:      cfg.OrderTimeout(),
		ReconnectCooldown: cfg.ReconnectCooldown(),
	}, logger.Component(log, "gateway"))

	analyzer := market.NewEngine(gateway, market.EngineConfig{
		Interval:       cfg.CandleInterval,
		CandleLimit:    cfg.CandleLimit,
		OrderBookDepth: globalConfig.MarketData.OrderBookDepth,
		Timeout:        cfg.MarketDataTimeout(),
	}, logger.Component(log, "market"))

	// Both stay nil interfaces when no advisory is configured
	var advisor decision.Advisor
	var advisory health.Advisory
	if cfg.Advisor.Enabled() {
		client := mcp.NewFromConfig(cfg.Advisor, logger.Component(log, "advisor"))
		advisor, advisory = client, client
		log.Info().Str("provider", cfg.Advisor.Provider).Msg("🤖 advisory enabled")
	}
	decider := decision.NewEngine(advisor, journal, decision.Config{
		Timeout:        cfg.Advisor.Timeout(),
		MaxLeverage:    limits.MaxLeverage,
		MaxPositionPct: limits.MaxPositionSizePct,
	}, logger.Component(log, "decision"))

	at := trader.NewAutoTrader(trader.AutoTraderConfig{
		ID:             cfg.ID,
		Name:           cfg.Name,
		Symbol:         cfg.Symbol,
		Exchange:       cfg.Exchange,
		ScanInterval:   cfg.GetScanInterval(),
		MaxSlippagePct: limits.MaxSlippagePct,
	}, analyzer, decider, risk.NewEngine(limits, logger.Component(log, "risk")), gateway, journal, tm.metrics, tm.log)

	checker := health.NewChecker(tm.store, gateway, advisory, cfg.Symbol, cfg.Exchange, logger.Component(log, "health"))

	if err := tm.Register(&Agent{Trader: at, Health: checker, Config: cfg, Enabled: cfg.Enabled}); err != nil {
		return err
	}
	log.Info().Str("name", cfg.Name).Str("exchange", cfg.Exchange).Str("symbol", cfg.Symbol).Msg("✓ agent added")
	return nil
}

// Register adds an already-built agent
func (tm *TraderManager) Register(a *Agent) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	id := a.Trader.GetID()
	if _, exists := tm.agents[id]; exists {
		return fmt.Errorf("agent ID '%s' already exists", id)
	}
	tm.agents[id] = a
	return nil
}

// GetTrader gets the agent with the given ID
func (tm *TraderManager) GetTrader(id string) (*Agent, error) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	a, exists := tm.agents[id]
	if !exists {
		return nil, fmt.Errorf("agent ID '%s': %w", id, ErrAgentNotFound)
	}
	return a, nil
}

// GetAllTraders all agents ordered by ID
func (tm *TraderManager) GetAllTraders() []*Agent {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	result := make([]*Agent, 0, len(tm.agents))
	for _, a := range tm.agents {
		result = append(result, a)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Trader.GetID() < result[j].Trader.GetID() })
	return result
}

// GetTraderIDs all agent IDs, sorted
func (tm *TraderManager) GetTraderIDs() []string {
	agents := tm.GetAllTraders()
	ids := make([]string, 0, len(agents))
	for _, a := range agents {
		ids = append(ids, a.Trader.GetID())
	}
	return ids
}

// StartTrader runs the pre-start health check and starts the agent's engine
func (tm *TraderManager) StartTrader(ctx context.Context, id string) (err error) {
	a, err := tm.GetTrader(id)
	if err != nil {
		return err
	}
	if a.Trader.IsRunning() {
		return trader.ErrAlreadyRunning
	}
	if failures := a.Health.PreStart(ctx); len(failures) > 0 {
		tm.log.Error().Str("agent", id).Strs("failures", failures).Msg("🚫 pre-start health check failed, engine not started")
		return &PreStartError{Failures: failures}
	}

	defer func() {
		if r := recover(); r != nil {
			tm.log.Error().Str("agent", id).Interface("panic", r).Str("stack", string(debug.Stack())).
				Msg("🚨 PANIC while starting agent")
			err = fmt.Errorf("panic while starting agent %s: %v", id, r)
		}
	}()
	return a.Trader.Start(ctx)
}

// StartAll starts every enabled agent. Failures are logged and do not block the others.
func (tm *TraderManager) StartAll(ctx context.Context) {
	tm.log.Info().Msg("🚀 Starting all agents...")

	var wg sync.WaitGroup
	for _, a := range tm.GetAllTraders() {
		if !a.Enabled {
			tm.log.Info().Str("agent", a.Trader.GetID()).Msg("⏸ agent disabled, not starting")
			continue
		}
		wg.Add(1)
		go func(a *Agent) {
			defer wg.Done()
			tm.log.Info().Str("agent", a.Trader.GetID()).Msgf("▶️  Starting %s...", a.Trader.GetName())
			if err := tm.StartTrader(ctx, a.Trader.GetID()); err != nil {
				tm.log.Error().Err(err).Str("agent", a.Trader.GetID()).Msg("❌ agent failed to start")
			}
		}(a)
	}
	wg.Wait()
}

// StopAll stops every running agent
func (tm *TraderManager) StopAll(ctx context.Context) {
	tm.log.Info().Msg("⏹  Stopping all agents...")

	var wg sync.WaitGroup
	for _, a := range tm.GetAllTraders() {
		if !a.Trader.IsRunning() {
			continue
		}
		wg.Add(1)
		go func(at *trader.AutoTrader) {
			defer wg.Done()
			if err := at.Stop(ctx); err != nil {
				tm.log.Error().Err(err).Str("agent", at.GetID()).Msg("❌ failed to stop agent")
			}
		}(a.Trader)
	}
	wg.Wait()
}

// GetComparisonData one summary row per agent. An agent whose venue cannot be read
// reports its configured initial balance and the error.
func (tm *TraderManager) GetComparisonData(ctx context.Context) []Summary {
	agents := tm.GetAllTraders()
	rows := make([]Summary, len(agents))

	var wg sync.WaitGroup
	for i, a := range agents {
		wg.Add(1)
		go func(i int, a *Agent) {
			defer wg.Done()
			rows[i] = tm.summarize(ctx, a)
		}(i, a)
	}
	wg.Wait()
	return rows
}

func (tm *TraderManager) summarize(ctx context.Context, a *Agent) Summary {
	at := a.Trader
	status := at.Status(ctx)
	row := Summary{
		AgentID:     at.GetID(),
		Name:        at.GetName(),
		Symbol:      at.GetSymbol(),
		Exchange:    a.Config.Exchange,
		IsRunning:   status.IsRunning,
		Status:      string(status.AgentStatus),
		TotalEquity: a.Config.InitialBalance,
		CycleCount:  status.CycleCount,
	}

	bal, err := at.GetGateway().Balance(ctx)
	if err != nil {
		tm.log.Warn().Err(err).Str("agent", at.GetID()).Msg("⚠️  failed to get account info for summary")
		row.Error = err.Error()
		return row
	}
	positions, err := at.GetGateway().Positions(ctx)
	if err != nil {
		row.Error = err.Error()
	}

	row.TotalEquity = bal.TotalEquity
	row.PositionCount = len(positions)
	if a.Config.InitialBalance > 0 {
		row.TotalPnL = bal.TotalEquity - a.Config.InitialBalance
		row.TotalPnLPct = row.TotalPnL / a.Config.InitialBalance * 100
	}
	if bal.TotalEquity > 0 {
		row.MarginUsedPct = bal.MarginUsed / bal.TotalEquity * 100
	}
	return row
}
