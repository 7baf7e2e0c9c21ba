package trader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"perpagent/account"
	"perpagent/decision"
	"perpagent/logger"
	"perpagent/market"
	"perpagent/metrics"
	"perpagent/risk"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrAlreadyRunning Start on an agent whose loop is active
	ErrAlreadyRunning = errors.New("agent is already running")
	// ErrEmergencyStop Start while the emergency stop latch is set
	ErrEmergencyStop = errors.New("cannot start: emergency stop active")
	// ErrNotInEmergency ResetEmergency outside emergency mode
	ErrNotInEmergency = errors.New("not in emergency mode")
	// ErrPositionNotFound manual close of a position the venue does not report
	ErrPositionNotFound = errors.New("position not found")
)

// Analyzer produces the market snapshot for a cycle; *market.Engine satisfies it
type Analyzer interface {
	Analyze(ctx context.Context, symbol string) (*market.Data, error)
}

// Decider fuses the snapshot into one decision; *decision.Engine satisfies it
type Decider interface {
	Decide(ctx context.Context, d *market.Data, sig market.Signal, positions []account.Position, bal account.Balance) decision.TradeDecision
}

// AutoTraderConfig cycle parameters for one agent
type AutoTraderConfig struct {
	ID       string
	Name     string
	Symbol   string
	Exchange string

	ScanInterval   time.Duration
	MaxSlippagePct float64

	// MaxConsecutiveErrors failed cycles in a row before the agent stops itself
	MaxConsecutiveErrors int
	// PartialProfitPct unrealized gain (percent of margin) at which half the position is closed
	PartialProfitPct float64
	// KellyMinTrades closed trades needed before Kelly sizing caps the position
	KellyMinTrades int
}

// AutoTrader runs the analysis → decision → risk → execution cycle for one agent
type AutoTrader struct {
	id     string
	name   string
	config AutoTraderConfig

	analyzer Analyzer
	decider  Decider
	risk     *risk.Engine
	gateway  *Gateway
	journal  *logger.DecisionLogger
	metrics  *metrics.Recorder
	log      zerolog.Logger

	inFlight atomic.Bool // one cycle at a time
	halted   atomic.Bool // set by auto-stop; cleared by Start

	loopMu sync.Mutex
	stopCh chan struct{}
	done   chan struct{}

	statsMu           sync.RWMutex
	startTime         time.Time
	cycleCount        int64
	errorCount        int
	consecutiveErrors int
	lastCycleDuration time.Duration
	lastCycleAt       time.Time
	lastError         string
	lastDecision      *decision.TradeDecision

	now func() time.Time
}

// NewAutoTrader wires one agent. metrics may be nil.
func NewAutoTrader(cfg AutoTraderConfig, analyzer Analyzer, decider Decider, riskEngine *risk.Engine,
	gateway *Gateway, journal *logger.DecisionLogger, rec *metrics.Recorder, log zerolog.Logger) *AutoTrader {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 5 * time.Minute
	}
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = 5
	}
	if cfg.PartialProfitPct <= 0 {
		cfg.PartialProfitPct = 3
	}
	if cfg.KellyMinTrades <= 0 {
		cfg.KellyMinTrades = 10
	}
	if cfg.Name == "" {
		cfg.Name = cfg.ID
	}
	return &AutoTrader{
		id:       cfg.ID,
		name:     cfg.Name,
		config:   cfg,
		analyzer: analyzer,
		decider:  decider,
		risk:     riskEngine,
		gateway:  gateway,
		journal:  journal,
		metrics:  rec,
		log:      log.With().Str("agent", cfg.ID).Logger(),
		now:      time.Now,
	}
}

// GetID agent ID
func (at *AutoTrader) GetID() string { return at.id }

// GetName agent display name
func (at *AutoTrader) GetName() string { return at.name }

// GetSymbol traded symbol
func (at *AutoTrader) GetSymbol() string { return at.config.Symbol }

// GetGateway the agent's exchange gateway
func (at *AutoTrader) GetGateway() *Gateway { return at.gateway }

// GetRiskEngine the agent's risk engine
func (at *AutoTrader) GetRiskEngine() *risk.Engine { return at.risk }

// GetDecisionLogger the agent's journal
func (at *AutoTrader) GetDecisionLogger() *logger.DecisionLogger { return at.journal }

// IsRunning whether the cycle loop is active
func (at *AutoTrader) IsRunning() bool {
	at.loopMu.Lock()
	defer at.loopMu.Unlock()
	return at.done != nil
}

// Start marks the agent running and launches the cycle loop in the background.
// The first cycle runs immediately.
func (at *AutoTrader) Start(ctx context.Context) error {
	state, err := at.journal.GetState(ctx)
	if err != nil {
		return err
	}
	if state.Status == logger.StatusEmergencyStop {
		return ErrEmergencyStop
	}

	// claim the loop before any I/O so concurrent Starts cannot both launch one
	at.loopMu.Lock()
	if at.done != nil {
		at.loopMu.Unlock()
		return ErrAlreadyRunning
	}
	stopCh := make(chan struct{})
	done := make(chan struct{})
	at.stopCh, at.done = stopCh, done
	at.loopMu.Unlock()

	if err := at.journal.SetStatus(ctx, logger.StatusRunning); err != nil {
		at.loopMu.Lock()
		if at.done == done {
			at.stopCh, at.done = nil, nil
		}
		at.loopMu.Unlock()
		return err
	}
	at.halted.Store(false)

	at.systemEvent(ctx, "AGENT_START", logger.SeverityInfo, map[string]any{"symbol": at.config.Symbol})
	go func() {
		defer close(done)
		at.loop(context.WithoutCancel(ctx), stopCh)
	}()
	return nil
}

// Run marks the agent running and blocks in the cycle loop until ctx is cancelled,
// Stop is called, or the agent stops itself.
func (at *AutoTrader) Run(ctx context.Context) error {
	if err := at.Start(ctx); err != nil {
		return err
	}
	at.loopMu.Lock()
	done := at.done
	at.loopMu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		at.stopLoop(true)
	}
	return nil
}

func (at *AutoTrader) loop(ctx context.Context, stopCh <-chan struct{}) {
	at.statsMu.Lock()
	at.startTime = at.now()
	at.statsMu.Unlock()

	at.log.Info().
		Str("symbol", at.config.Symbol).
		Str("exchange", at.config.Exchange).
		Dur("interval", at.config.ScanInterval).
		Msg("🚀 trading engine started")
	at.activity(ctx, 0, "ENGINE", "ENGINE_STARTED", logger.SeveritySuccess,
		fmt.Sprintf("Trading engine started. Analyzing %s every %v.", at.config.Symbol, at.config.ScanInterval),
		map[string]any{"symbol": at.config.Symbol, "interval": at.config.ScanInterval.String()})

	ticker := time.NewTicker(at.config.ScanInterval)
	defer ticker.Stop()

	if err := at.RunCycle(ctx); err != nil {
		at.log.Error().Err(err).Msg("❌ first cycle failed, continuing with next scheduled cycle")
	}
	for !at.halted.Load() {
		select {
		case <-stopCh:
			at.logStopped(ctx)
			return
		case <-ticker.C:
			if err := at.RunCycle(ctx); err != nil {
				at.log.Error().Err(err).Dur("next_in", at.config.ScanInterval).Msg("❌ cycle failed")
			}
		}
	}
	at.logStopped(ctx)
}

func (at *AutoTrader) logStopped(ctx context.Context) {
	at.statsMu.RLock()
	cycles, errs := at.cycleCount, at.errorCount
	at.statsMu.RUnlock()
	at.log.Info().Int64("total_cycles", cycles).Int("total_errors", errs).Msg("⏹ trading engine stopped")
	at.activity(ctx, 0, "ENGINE", "ENGINE_STOPPED", logger.SeverityWarning,
		fmt.Sprintf("Trading engine stopped. Total cycles: %d | Total errors: %d", cycles, errs),
		map[string]any{"total_cycles": cycles, "total_errors": errs})
}

// stopLoop signals the loop and optionally waits for the in-flight cycle to finish
func (at *AutoTrader) stopLoop(wait bool) {
	at.loopMu.Lock()
	stopCh, done := at.stopCh, at.done
	if stopCh != nil {
		close(stopCh)
	}
	at.stopCh = nil
	at.loopMu.Unlock()

	if wait && done != nil {
		<-done
	}
	at.loopMu.Lock()
	if at.done == done {
		at.done = nil
	}
	at.loopMu.Unlock()
}

// Stop marks the agent stopped. The loop exits at the next cycle boundary; Stop waits for it.
func (at *AutoTrader) Stop(ctx context.Context) error {
	if err := at.journal.SetStatus(ctx, logger.StatusStopped); err != nil {
		return err
	}
	at.stopLoop(true)
	at.systemEvent(ctx, "AGENT_STOP", logger.SeverityInfo, nil)
	return nil
}

// EmergencyStop closes every position, latches emergency_stop and stops the loop
func (at *AutoTrader) EmergencyStop(ctx context.Context) CloseAllResult {
	at.log.Warn().Msg("🚨 EMERGENCY STOP")
	if err := at.journal.SetStatus(ctx, logger.StatusEmergencyStop); err != nil {
		at.log.Error().Err(err).Msg("❌ failed to persist emergency status")
	}
	at.stopLoop(true)

	positions, _ := at.gateway.Positions(ctx)
	result := at.gateway.CloseAllPositions(ctx)
	if result.Closed > 0 {
		at.risk.RecordTradeResult(result.TotalPnL)
		at.closeJournalTrades(ctx, positions, result, "Emergency stop")
	}
	at.systemEvent(ctx, "EMERGENCY_STOP", logger.SeverityWarning, map[string]any{
		"closed_positions": result.Closed,
		"failed":           result.Failed,
		"total_pnl":        result.TotalPnL,
	})
	return result
}

// ResetEmergency clears the emergency latch back to stopped
func (at *AutoTrader) ResetEmergency(ctx context.Context) error {
	state, err := at.journal.GetState(ctx)
	if err != nil {
		return err
	}
	if state.Status != logger.StatusEmergencyStop {
		return ErrNotInEmergency
	}
	if err := at.journal.SetStatus(ctx, logger.StatusStopped); err != nil {
		return err
	}
	at.systemEvent(ctx, "EMERGENCY_RESET", logger.SeverityInfo, nil)
	return nil
}

// RunCycle runs one full cycle. A call while another cycle is in flight, while the agent
// is not in running state, or after auto-stop does nothing and returns nil.
func (at *AutoTrader) RunCycle(ctx context.Context) error {
	if at.halted.Load() {
		return nil
	}
	if !at.inFlight.CompareAndSwap(false, true) {
		at.log.Warn().Msg("⚠️  previous cycle still running, skipping tick")
		at.metrics.RecordCycle(at.id, "skipped", 0)
		return nil
	}
	defer at.inFlight.Store(false)

	state, err := at.journal.GetState(ctx)
	if err != nil || state.Status != logger.StatusRunning {
		at.log.Info().Msg("agent not in running state, skipping cycle")
		at.metrics.RecordCycle(at.id, "skipped", 0)
		return nil
	}

	at.statsMu.Lock()
	at.cycleCount++
	cycleID := at.cycleCount
	at.statsMu.Unlock()

	start := at.now()
	at.log.Info().Int64("cycle", cycleID).Str("symbol", at.config.Symbol).Msg("📊 === trading cycle ===")
	at.activity(ctx, cycleID, "CYCLE", "CYCLE_START", logger.SeverityInfo,
		fmt.Sprintf("Trading cycle #%d started for %s", cycleID, at.config.Symbol),
		map[string]any{"symbol": at.config.Symbol, "cycle_number": cycleID})

	err = at.safeCycle(ctx, cycleID)
	elapsed := at.now().Sub(start)

	at.statsMu.Lock()
	at.lastCycleDuration = elapsed
	at.lastCycleAt = start
	if err == nil {
		at.consecutiveErrors = 0
		at.lastError = ""
	} else {
		at.errorCount++
		at.consecutiveErrors++
		at.lastError = err.Error()
	}
	consecutive := at.consecutiveErrors
	at.statsMu.Unlock()

	if err == nil {
		at.metrics.RecordCycle(at.id, "ok", elapsed.Seconds())
		at.log.Info().Int64("cycle", cycleID).Dur("duration", elapsed).Msg("✅ cycle completed")
		at.activity(ctx, cycleID, "CYCLE", "CYCLE_END", logger.SeveritySuccess,
			fmt.Sprintf("Cycle #%d completed in %dms", cycleID, elapsed.Milliseconds()),
			map[string]any{"duration_ms": elapsed.Milliseconds(), "cycle_number": cycleID})
		return nil
	}

	at.metrics.RecordCycle(at.id, "error", elapsed.Seconds())
	at.log.Error().Err(err).Int64("cycle", cycleID).Int("consecutive_errors", consecutive).Msg("❌ cycle failed")
	at.activity(ctx, cycleID, "CYCLE", "CYCLE_ERROR", logger.SeverityError,
		fmt.Sprintf("Cycle #%d FAILED: %v", cycleID, err),
		map[string]any{"error": err.Error(), "consecutive_errors": consecutive})

	if consecutive >= at.config.MaxConsecutiveErrors {
		at.autoStop(ctx, cycleID, consecutive, err)
	}
	return err
}

func (at *AutoTrader) autoStop(ctx context.Context, cycleID int64, consecutive int, lastErr error) {
	at.log.Error().Int("consecutive_errors", consecutive).Msg("🚨 too many consecutive errors, auto-stopping engine")
	at.activity(ctx, cycleID, "ENGINE", "AUTO_STOP", logger.SeverityError,
		fmt.Sprintf("Engine auto-stopped after %d consecutive errors. Last error: %v", consecutive, lastErr),
		map[string]any{"consecutive_errors": consecutive, "last_error": lastErr.Error()})
	if err := at.journal.SetStatus(ctx, logger.StatusStopped); err != nil {
		at.log.Error().Err(err).Msg("❌ failed to persist stopped status")
	}
	at.halted.Store(true)
	// the loop goroutine may be the caller, so do not wait for it
	at.stopLoop(false)
	at.systemEvent(ctx, "ENGINE_AUTO_STOP", logger.SeverityError, map[string]any{
		"reason":     fmt.Sprintf("%d consecutive errors", consecutive),
		"last_error": lastErr.Error(),
	})
}

// safeCycle turns a panic inside the cycle into a cycle error
func (at *AutoTrader) safeCycle(ctx context.Context, cycleID int64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			at.log.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("🚨 PANIC in trading cycle")
			err = fmt.Errorf("panic in cycle: %v", r)
		}
	}()
	return at.cycle(ctx, cycleID)
}

func (at *AutoTrader) cycle(ctx context.Context, cycleID int64) error {
	symbol := at.config.Symbol

	// 1. market data
	data, err := at.analyzer.Analyze(ctx, symbol)
	if err != nil {
		return fmt.Errorf("failed to get market data: %w", err)
	}
	at.metrics.RecordLastPrice(symbol, data.CurrentPrice)
	at.activity(ctx, cycleID, "MARKET", "MARKET_DATA", logger.SeverityInfo,
		fmt.Sprintf("%s price: $%.2f | Regime: %s | Volatility: %.0fth percentile",
			symbol, data.CurrentPrice, data.Regime, data.Indicators.VolatilityPercentile),
		map[string]any{
			"price":      data.CurrentPrice,
			"regime":     data.Regime,
			"volatility": data.Indicators.VolatilityPercentile,
			"change_24h": data.PriceChangePercent24,
		})

	// 2. technical signal
	sig := market.GenerateSignal(data)
	at.activity(ctx, cycleID, "ANALYSIS", "TECHNICAL_SIGNAL", logger.SeverityInfo,
		fmt.Sprintf("Signal: %s | Confluence: %d | Confidence: %.0f%%", sig.Action, sig.Confluence, sig.Confidence),
		map[string]any{"action": sig.Action, "confluence": sig.Confluence, "confidence": sig.Confidence})

	// 3. account state, fetched concurrently
	var (
		bal       account.Balance
		positions []account.Position
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		bal, err = at.gateway.Balance(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		positions, err = at.gateway.Positions(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to get account state: %w", err)
	}
	positions = at.annotatePositions(ctx, positions)
	at.metrics.RecordAccount(at.id, bal.TotalEquity, len(positions), risk.Heat(positions, bal))
	at.activity(ctx, cycleID, "ACCOUNT", "BALANCE_CHECK", logger.SeverityInfo,
		fmt.Sprintf("Balance: $%.2f | Available: $%.2f | Open positions: %d", bal.TotalEquity, bal.Available, len(positions)),
		map[string]any{"total_balance": bal.TotalEquity, "available_balance": bal.Available, "open_positions": len(positions)})

	// 4. exits, then partial profits on what is left
	positions = at.checkPositionExits(ctx, cycleID, positions, data.CurrentPrice)
	at.checkPartialProfits(ctx, cycleID, positions)

	// 5. decision
	d := at.decider.Decide(ctx, data, sig, positions, bal)
	at.metrics.RecordDecision(at.id, string(d.Action), string(d.Source))
	at.statsMu.Lock()
	at.lastDecision = &d
	at.statsMu.Unlock()
	severity := logger.SeveritySuccess
	if d.Action == market.ActionHold {
		severity = logger.SeverityInfo
	}
	at.activity(ctx, cycleID, "AI", "AI_DECISION", severity,
		fmt.Sprintf("Decision: %s | Confidence: %.0f%% | Source: %s | Strategy: %s | Reasoning: %s",
			d.Action, d.Confidence, d.Source, d.Strategy, logger.Truncate(d.Reasoning, 200)),
		map[string]any{
			"action": d.Action, "confidence": d.Confidence, "source": d.Source, "strategy": d.Strategy,
			"leverage": d.SuggestedLeverage, "stop_loss": d.StopLoss, "take_profit": d.TakeProfit,
			"risk_reward": d.RiskReward, "trailing_stop": d.TrailingStop,
		})

	// 6 + 7. risk check and execution
	if d.Action == market.ActionHold {
		at.log.Info().Float64("confidence", d.Confidence).Msg("📌 decision: HOLD, no action taken")
		at.activity(ctx, cycleID, "DECISION", "HOLD", logger.SeverityInfo,
			"Decision: HOLD. No trade action taken this cycle",
			map[string]any{"confidence": d.Confidence, "reasoning": logger.Truncate(d.Reasoning, 200)})
		at.recordAnalysis(ctx, cycleID, data, d, false, "")
	} else {
		at.evaluateAndExecute(ctx, cycleID, data, d, bal, positions)
	}

	if err := at.journal.TouchAnalysis(ctx); err != nil {
		at.log.Warn().Err(err).Msg("⚠️  failed to stamp last analysis")
	}
	return nil
}

// annotatePositions fills stop and target from the journal's open trades
func (at *AutoTrader) annotatePositions(ctx context.Context, positions []account.Position) []account.Position {
	if len(positions) == 0 {
		return positions
	}
	open, err := at.journal.OpenTrades(ctx)
	if err != nil {
		at.log.Warn().Err(err).Msg("⚠️  failed to load open trades for stop/target")
		return positions
	}
	for i := range positions {
		p := &positions[i]
		for _, t := range open {
			if t.Symbol == p.Symbol && t.Side == string(p.Side) {
				if p.StopLoss == 0 {
					p.StopLoss = t.StopLoss
				}
				if p.TakeProfit == 0 {
					p.TakeProfit = t.TakeProfit
				}
				break
			}
		}
	}
	return positions
}

// checkPositionExits closes positions whose stop, target or emergency threshold is hit
// and returns the positions still open
func (at *AutoTrader) checkPositionExits(ctx context.Context, cycleID int64, positions []account.Position, price float64) []account.Position {
	remaining := make([]account.Position, 0, len(positions))
	for _, p := range positions {
		mark := price
		if p.Symbol != at.config.Symbol && p.CurrentPrice > 0 {
			mark = p.CurrentPrice
		}
		exit, ok := risk.ShouldExit(p, mark)
		if !ok {
			remaining = append(remaining, p)
			continue
		}

		at.log.Warn().
			Str("symbol", p.Symbol).
			Str("side", string(p.Side)).
			Float64("entry", p.EntryPrice).
			Float64("price", mark).
			Str("reason", exit.Reason).
			Msg("🚪 exiting position")

		res := at.gateway.ClosePosition(ctx, p, p.Size)
		at.metrics.RecordOrder(at.id, "close", res.Success, float64(res.ExecutionTimeMs)/1000)
		if !res.Success {
			at.activity(ctx, cycleID, "POSITION", "CLOSE_FAILED", logger.SeverityError,
				fmt.Sprintf("Failed to close %s (%s): %s", p.Symbol, p.Side, res.Error),
				map[string]any{"symbol": p.Symbol, "side": p.Side, "error": res.Error})
			remaining = append(remaining, p)
			continue
		}

		exitPrice := res.FillPrice
		if exitPrice <= 0 {
			exitPrice = mark
		}
		pnl := p.PricePnL(exitPrice).Absolute
		at.risk.RecordTradeResult(pnl)
		if _, err := at.journal.CloseTrade(ctx, p.Symbol, exitPrice, pnl, exit.Reason); err != nil {
			at.log.Error().Err(err).Msg("❌ failed to update trade exit")
		}
		if err := at.gateway.CancelAllOrders(ctx, p.Symbol); err != nil {
			at.log.Warn().Err(err).Msg("⚠️  failed to cancel leftover protective orders")
		}

		severity := logger.SeveritySuccess
		if pnl < 0 {
			severity = logger.SeverityWarning
		}
		at.activity(ctx, cycleID, "POSITION", "POSITION_EXITED", severity,
			fmt.Sprintf("Position %s (%s) closed: %s | PnL: $%.2f", p.Symbol, p.Side, exit.Reason, pnl),
			map[string]any{
				"symbol": p.Symbol, "side": p.Side, "entry_price": p.EntryPrice,
				"exit_price": exitPrice, "pnl": pnl, "reason": exit.Reason,
			})
	}
	return remaining
}

// checkPartialProfits closes half of any position at or above the partial-profit threshold
func (at *AutoTrader) checkPartialProfits(ctx context.Context, cycleID int64, positions []account.Position) {
	for _, p := range positions {
		pnlPct := p.UnrealizedPnL.Percentage
		if pnlPct < at.config.PartialProfitPct {
			continue
		}
		half := p.Size * 0.5
		if RoundSize(half, at.gateway.Venue().SizeDecimals(p.Symbol)) <= 0 {
			continue
		}

		at.log.Info().
			Str("symbol", p.Symbol).
			Float64("pnl_pct", pnlPct).
			Float64("closing_size", half).
			Float64("remaining_size", p.Size-half).
			Msg("💰 partial profit taking")

		res := at.gateway.ClosePosition(ctx, p, half)
		at.metrics.RecordOrder(at.id, "partial", res.Success, float64(res.ExecutionTimeMs)/1000)
		if !res.Success {
			at.log.Warn().Str("symbol", p.Symbol).Str("error", res.Error).Msg("⚠️  partial close failed")
			continue
		}
		partial := p.UnrealizedPnL.Absolute * 0.5
		if res.FillPrice > 0 && p.Size > 0 {
			partial = p.PricePnL(res.FillPrice).Absolute * math.Min(1, res.FilledSize/p.Size)
		}
		remaining := math.Max(0, p.Size-res.FilledSize)
		at.risk.RecordTradeResult(partial)
		if _, err := at.journal.ReduceOpenTrade(ctx, p.Symbol, remaining, partial); err != nil {
			at.log.Error().Err(err).Str("symbol", p.Symbol).Msg("❌ failed to update trade size")
		}
		at.activity(ctx, cycleID, "TRADE", "PARTIAL_PROFIT", logger.SeveritySuccess,
			fmt.Sprintf("💰 Partial profit taken on %s at %.2f%% gain | PnL: $%.2f", p.Symbol, pnlPct, partial),
			map[string]any{
				"symbol": p.Symbol, "pnl_percent": pnlPct, "partial_pnl": partial,
				"closed_size": res.FilledSize, "remaining_size": remaining,
			})
		if remaining > 0 {
			at.resizeProtection(ctx, cycleID, p, remaining)
		}
	}
}

// resizeProtection replaces the stop and target of p so they cover only size
func (at *AutoTrader) resizeProtection(ctx context.Context, cycleID int64, p account.Position, size float64) {
	if p.StopLoss <= 0 && p.TakeProfit <= 0 {
		return
	}
	if err := at.gateway.CancelAllOrders(ctx, p.Symbol); err != nil {
		at.log.Warn().Err(err).Str("symbol", p.Symbol).Msg("⚠️  failed to cancel protective orders before resizing")
	}
	if p.StopLoss > 0 {
		err := at.gateway.PlaceProtectiveOrder(ctx, p.Symbol, p.Side, size, p.StopLoss, StopLoss)
		at.protectiveResult(ctx, cycleID, "STOP_LOSS_SET", "Stop loss", p.StopLoss, err)
	}
	if p.TakeProfit > 0 {
		err := at.gateway.PlaceProtectiveOrder(ctx, p.Symbol, p.Side, size, p.TakeProfit, TakeProfit)
		at.protectiveResult(ctx, cycleID, "TAKE_PROFIT_SET", "Take profit", p.TakeProfit, err)
	}
}

func (at *AutoTrader) evaluateAndExecute(ctx context.Context, cycleID int64, data *market.Data, d decision.TradeDecision,
	bal account.Balance, positions []account.Position) {
	trippedBefore := at.risk.Snapshot().BreakerActive
	result := at.risk.Evaluate(d, bal, positions)
	if !trippedBefore && at.risk.Snapshot().BreakerActive {
		at.metrics.RecordBreakerTrip(at.id)
		at.systemEvent(ctx, "CIRCUIT_BREAKER_TRIGGERED", logger.SeverityError,
			map[string]any{"reason": at.risk.Snapshot().BreakerReason})
	}

	if !result.Approved {
		at.metrics.RecordRejection(at.id)
		at.log.Info().Str("reason", result.Reason).Msg("❌ trade REJECTED by risk engine")
		at.activity(ctx, cycleID, "RISK", "TRADE_REJECTED", logger.SeverityWarning,
			"Trade REJECTED: "+result.Reason,
			map[string]any{"action": d.Action, "reason": result.Reason, "requested_size": d.SuggestedSize})
		at.recordAnalysis(ctx, cycleID, data, d, false, result.Reason)
		return
	}

	if d.Action.IsOpen() {
		d.SuggestedSize = result.AdjustedSize
		d.SuggestedLeverage = result.AdjustedLeverage
		if capped, note := at.kellyCap(ctx, d, bal); note != "" {
			d.SuggestedSize = capped
			result.Warnings = append(result.Warnings, note)
		}
		if d.SuggestedSize < at.risk.Limits().MinOrderSizeUSD {
			reason := fmt.Sprintf("Position size too small after Kelly sizing: $%.2f", d.SuggestedSize)
			at.metrics.RecordRejection(at.id)
			at.activity(ctx, cycleID, "RISK", "TRADE_REJECTED", logger.SeverityWarning, "Trade REJECTED: "+reason,
				map[string]any{"action": d.Action, "reason": reason})
			at.recordAnalysis(ctx, cycleID, data, d, false, reason)
			return
		}
	}

	if len(result.Warnings) > 0 {
		at.log.Warn().Strs("warnings", result.Warnings).Msg("⚠️  risk warnings")
		at.activity(ctx, cycleID, "RISK", "RISK_WARNINGS", logger.SeverityWarning,
			"Risk warnings: "+joinWarnings(result.Warnings), map[string]any{"warnings": result.Warnings})
	}
	at.activity(ctx, cycleID, "RISK", "TRADE_APPROVED", logger.SeveritySuccess,
		fmt.Sprintf("Trade APPROVED by risk engine | Size: $%.2f | Leverage: %dx", d.SuggestedSize, d.SuggestedLeverage),
		map[string]any{"adjusted_size": d.SuggestedSize, "adjusted_leverage": d.SuggestedLeverage})

	executed := at.executeTrade(ctx, cycleID, data, d)
	reason := ""
	if !executed {
		reason = "execution failed"
	}
	at.recordAnalysis(ctx, cycleID, data, d, executed, reason)
}

// kellyCap caps the margin at half-Kelly once enough trades are closed
func (at *AutoTrader) kellyCap(ctx context.Context, d decision.TradeDecision, bal account.Balance) (float64, string) {
	perf, err := at.journal.PerformanceStats(ctx, 30*24*time.Hour)
	if err != nil || perf.Trades < at.config.KellyMinTrades {
		return d.SuggestedSize, ""
	}
	margin := at.risk.KellySize(bal, perf.WinRate, perf.AvgWinLossRatio(), d.Confidence)
	if margin <= 0 {
		return d.SuggestedSize, ""
	}
	lev := float64(max(d.SuggestedLeverage, 1))
	if d.SuggestedSize/lev <= margin {
		return d.SuggestedSize, ""
	}
	capped := margin * lev
	return capped, fmt.Sprintf("Size capped by Kelly criterion: $%.2f (win rate %.0f%%)", capped, perf.WinRate)
}

func (at *AutoTrader) executeTrade(ctx context.Context, cycleID int64, data *market.Data, d decision.TradeDecision) bool {
	symbol := at.config.Symbol
	at.activity(ctx, cycleID, "TRADE", "TRADE_EXECUTING",
		logger.SeverityInfo, fmt.Sprintf("Executing %s | Size: $%.2f | Leverage: %dx", d.Action, d.SuggestedSize, d.SuggestedLeverage),
		map[string]any{"action": d.Action, "size": d.SuggestedSize, "leverage": d.SuggestedLeverage,
			"stop_loss": d.StopLoss, "take_profit": d.TakeProfit})

	if d.Action == market.ActionClose {
		positions, _ := at.gateway.Positions(ctx)
		result := at.gateway.CloseAllPositions(ctx)
		at.metrics.RecordOrder(at.id, "close", result.Success, 0)
		if result.Closed > 0 {
			at.risk.RecordTradeResult(result.TotalPnL)
			at.closeJournalTrades(ctx, positions, result, "Decision: CLOSE")
			if err := at.journal.TouchTrade(ctx); err != nil {
				at.log.Warn().Err(err).Msg("⚠️  failed to stamp last trade")
			}
		}
		if !result.Success {
			at.activity(ctx, cycleID, "TRADE", "CLOSE_FAILED", logger.SeverityError, "Failed to close positions",
				map[string]any{"failed": result.FailedPositions})
			return false
		}
		at.activity(ctx, cycleID, "TRADE", "POSITIONS_CLOSED",
			logger.SeveritySuccess, fmt.Sprintf("All positions closed | PnL: $%.2f", result.TotalPnL),
			map[string]any{"closed": result.Closed, "pnl": result.TotalPnL})
		return true
	}

	side := account.Long
	if d.Action == market.ActionOpenShort {
		side = account.Short
	}
	qty := d.SuggestedSize / data.CurrentPrice

	res := at.gateway.PlaceMarketOrder(ctx, symbol, side, qty, d.SuggestedLeverage, at.config.MaxSlippagePct)
	at.metrics.RecordOrder(at.id, "open", res.Success, float64(res.ExecutionTimeMs)/1000)
	if !res.Success {
		at.activity(ctx, cycleID, "TRADE", "TRADE_FAILED", logger.SeverityError,
			"❌ Trade execution failed: "+res.Error, map[string]any{"action": d.Action, "error": res.Error})
		at.systemEvent(ctx, "TRADE_EXECUTION_FAILED", logger.SeverityError,
			map[string]any{"action": d.Action, "error": res.Error})
		return false
	}

	at.activity(ctx, cycleID, "TRADE", "TRADE_EXECUTED", logger.SeveritySuccess,
		fmt.Sprintf("✅ %s executed | Fill: $%.2f | Size: %g | Slippage: %.4f%%", d.Action, res.FillPrice, res.FilledSize, res.SlippagePct),
		map[string]any{
			"order_id": res.OrderID, "fill_price": res.FillPrice, "filled_size": res.FilledSize,
			"slippage": res.SlippagePct, "execution_time_ms": res.ExecutionTimeMs, "strategy": d.Strategy,
		})

	marketContext, _ := json.Marshal(map[string]any{
		"entry_conditions": fmt.Sprintf("Confidence: %.0f%% | R:R: %.2f | Regime: %s", d.Confidence, d.RiskReward, d.Regime),
		"rsi":              data.Indicators.RSI14,
		"macd":             data.Indicators.MACD.Histogram,
		"market_regime":    d.Regime,
		"source":           d.Source,
		"trailing_stop":    d.TrailingStop,
	})
	if _, err := at.journal.RecordTrade(ctx, logger.TradeRecord{
		Symbol:        symbol,
		Side:          string(side),
		EntryPrice:    res.FillPrice,
		Size:          res.FilledSize,
		Leverage:      d.SuggestedLeverage,
		StopLoss:      d.StopLoss,
		TakeProfit:    d.TakeProfit,
		EntryTime:     at.now(),
		Strategy:      d.Strategy,
		Reasoning:     d.Reasoning,
		MarketContext: string(marketContext),
	}); err != nil {
		at.log.Error().Err(err).Msg("❌ failed to record trade")
	}

	if d.StopLoss > 0 {
		err := at.gateway.PlaceProtectiveOrder(ctx, symbol, side, res.FilledSize, d.StopLoss, StopLoss)
		at.protectiveResult(ctx, cycleID, "STOP_LOSS_SET", "Stop loss", d.StopLoss, err)
	}
	if d.TakeProfit > 0 {
		err := at.gateway.PlaceProtectiveOrder(ctx, symbol, side, res.FilledSize, d.TakeProfit, TakeProfit)
		at.protectiveResult(ctx, cycleID, "TAKE_PROFIT_SET", "Take profit", d.TakeProfit, err)
	}

	if err := at.journal.TouchTrade(ctx); err != nil {
		at.log.Warn().Err(err).Msg("⚠️  failed to stamp last trade")
	}
	return true
}

func (at *AutoTrader) protectiveResult(ctx context.Context, cycleID int64, event, label string, price float64, err error) {
	kind := "stop_loss"
	if event == "TAKE_PROFIT_SET" {
		kind = "take_profit"
	}
	at.metrics.RecordOrder(at.id, kind, err == nil, 0)
	if err != nil {
		at.log.Error().Err(err).Str("order", label).Msg("❌ protective order failed")
		at.activity(ctx, cycleID, "TRADE", "TRADE_FAILED", logger.SeverityError,
			fmt.Sprintf("%s order at $%.2f failed: %v", label, price, err), map[string]any{"error": err.Error()})
		return
	}
	at.activity(ctx, cycleID, "TRADE", event, logger.SeverityInfo,
		fmt.Sprintf("%s set at $%.2f", label, price), map[string]any{"price": price})
}

// closeJournalTrades marks journal trades closed for every position not in the failure list
func (at *AutoTrader) closeJournalTrades(ctx context.Context, positions []account.Position, result CloseAllResult, reason string) {
	failed := make(map[string]bool, len(result.FailedPositions))
	for _, f := range result.FailedPositions {
		failed[f.Symbol] = true
	}
	for _, p := range positions {
		if failed[p.Symbol] {
			continue
		}
		pnl := p.UnrealizedPnL.Absolute
		if _, err := at.journal.CloseTrade(ctx, p.Symbol, p.CurrentPrice, pnl, reason); err != nil {
			at.log.Error().Err(err).Str("symbol", p.Symbol).Msg("❌ failed to update trade exit")
		}
	}
}

func (at *AutoTrader) recordAnalysis(ctx context.Context, cycleID int64, data *market.Data, d decision.TradeDecision, taken bool, rejection string) {
	err := at.journal.RecordAnalysis(ctx, logger.AnalysisRecord{
		Timestamp:       at.now(),
		CycleID:         cycleID,
		Symbol:          at.config.Symbol,
		Decision:        string(d.Action),
		Confidence:      d.Confidence,
		Source:          string(d.Source),
		Reasoning:       d.Reasoning,
		ActionTaken:     taken,
		RejectionReason: rejection,
		MarketData: map[string]any{
			"price":  data.CurrentPrice,
			"regime": data.Regime,
			"rsi":    data.Indicators.RSI14,
		},
	})
	if err != nil {
		at.log.Error().Err(err).Msg("❌ failed to log cycle result")
	}
}

// activity writes one activity line; persistence failures never fail the cycle
func (at *AutoTrader) activity(ctx context.Context, cycleID int64, category, event, severity, message string, details map[string]any) {
	err := at.journal.LogActivity(ctx, logger.ActivityEntry{
		Timestamp: at.now(),
		Category:  category,
		Event:     event,
		Message:   message,
		Severity:  severity,
		Details:   details,
		CycleID:   cycleID,
	})
	if err != nil {
		at.log.Warn().Err(err).Str("event", event).Msg("⚠️  failed to write activity log")
	}
}

func (at *AutoTrader) systemEvent(ctx context.Context, eventType, severity string, details map[string]any) {
	if details == nil {
		details = map[string]any{}
	}
	details["agent_id"] = at.id
	if err := at.journal.LogSystemEvent(ctx, eventType, severity, details); err != nil {
		at.log.Warn().Err(err).Str("event", eventType).Msg("⚠️  failed to write system log")
	}
}

// ClosePosition manually closes the agent's position on symbol/side and journals the exit
func (at *AutoTrader) ClosePosition(ctx context.Context, symbol string, side account.Side) (ExecutionResult, error) {
	positions, err := at.gateway.Positions(ctx)
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("failed to get positions: %w", err)
	}
	var target *account.Position
	for i := range positions {
		if positions[i].Symbol == symbol && positions[i].Side == side {
			target = &positions[i]
			break
		}
	}
	if target == nil {
		return ExecutionResult{}, fmt.Errorf("%s %s: %w", symbol, side, ErrPositionNotFound)
	}

	at.log.Info().Str("symbol", symbol).Str("side", string(side)).Msg("📤 manual close requested")
	res := at.gateway.ClosePosition(ctx, *target, target.Size)
	at.metrics.RecordOrder(at.id, "close", res.Success, float64(res.ExecutionTimeMs)/1000)
	if !res.Success {
		at.activity(ctx, 0, "POSITION", "CLOSE_FAILED", logger.SeverityError,
			fmt.Sprintf("Manual close of %s (%s) failed: %s", symbol, side, res.Error),
			map[string]any{"symbol": symbol, "side": side, "error": res.Error})
		return res, nil
	}

	exitPrice := res.FillPrice
	if exitPrice <= 0 {
		exitPrice = target.CurrentPrice
	}
	pnl := target.PricePnL(exitPrice).Absolute
	at.risk.RecordTradeResult(pnl)
	if _, err := at.journal.CloseTrade(ctx, symbol, exitPrice, pnl, "Manual close"); err != nil {
		at.log.Error().Err(err).Msg("❌ failed to update trade exit")
	}
	if err := at.gateway.CancelAllOrders(ctx, symbol); err != nil {
		at.log.Warn().Err(err).Msg("⚠️  failed to cancel leftover protective orders")
	}
	at.activity(ctx, 0, "POSITION", "MANUAL_CLOSE", logger.SeverityInfo,
		fmt.Sprintf("Position %s (%s) closed manually at $%.4f | PnL: $%.2f", symbol, side, exitPrice, pnl),
		map[string]any{"symbol": symbol, "side": side, "exit_price": exitPrice, "pnl": pnl})
	return res, nil
}

// ResetBreaker clears the circuit breaker on operator request
func (at *AutoTrader) ResetBreaker(ctx context.Context) {
	prev := at.risk.Snapshot()
	at.risk.Reset()
	at.systemEvent(ctx, "CIRCUIT_BREAKER_RESET", logger.SeverityInfo, map[string]any{
		"was_active": prev.BreakerActive,
		"reason":     prev.BreakerReason,
	})
}

// Status engine status for the control API
type Status struct {
	AgentID             string                  `json:"agent_id"`
	Name                string                  `json:"name"`
	Symbol              string                  `json:"symbol"`
	Exchange            string                  `json:"exchange"`
	IsRunning           bool                    `json:"is_running"`
	AgentStatus         logger.AgentStatus      `json:"agent_status"`
	StartTime           *time.Time              `json:"start_time,omitempty"`
	CycleCount          int64                   `json:"cycle_count"`
	ErrorCount          int                     `json:"error_count"`
	ConsecutiveErrors   int                     `json:"consecutive_errors"`
	Interval            string                  `json:"interval"`
	LastCycleAt         *time.Time              `json:"last_cycle_at,omitempty"`
	LastCycleDurationMs int64                   `json:"last_cycle_duration_ms"`
	LastError           string                  `json:"last_error,omitempty"`
	LastDecision        *decision.TradeDecision `json:"last_decision,omitempty"`
	ExchangeConnected   bool                    `json:"exchange_connected"`
	Risk                risk.State              `json:"risk"`
}

// Status snapshot of the engine
func (at *AutoTrader) Status(ctx context.Context) Status {
	st := Status{
		AgentID:           at.id,
		Name:              at.name,
		Symbol:            at.config.Symbol,
		Exchange:          at.config.Exchange,
		IsRunning:         at.IsRunning(),
		Interval:          at.config.ScanInterval.String(),
		ExchangeConnected: at.gateway.Connected(),
		Risk:              at.risk.Snapshot(),
	}
	if state, err := at.journal.GetState(ctx); err == nil {
		st.AgentStatus = state.Status
	}

	at.statsMu.RLock()
	defer at.statsMu.RUnlock()
	st.CycleCount = at.cycleCount
	st.ErrorCount = at.errorCount
	st.ConsecutiveErrors = at.consecutiveErrors
	st.LastCycleDurationMs = at.lastCycleDuration.Milliseconds()
	st.LastError = at.lastError
	if !at.startTime.IsZero() {
		t := at.startTime
		st.StartTime = &t
	}
	if !at.lastCycleAt.IsZero() {
		t := at.lastCycleAt
		st.LastCycleAt = &t
	}
	if at.lastDecision != nil {
		d := *at.lastDecision
		st.LastDecision = &d
	}
	return st
}

func joinWarnings(ws []string) string {
	out := ""
	for i, w := range ws {
		if i > 0 {
			out += ", "
		}
		out += w
	}
	return out
}
