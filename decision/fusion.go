package decision

import (
	"context"
	"fmt"
	"math"
	"time"

	"perpagent/account"
	"perpagent/logger"
	"perpagent/market"

	"github.com/rs/zerolog"
)

// History closed-trade context for the advisory prompt; *logger.DecisionLogger satisfies it
type History interface {
	PerformanceStats(ctx context.Context, lookback time.Duration) (logger.PerformanceStats, error)
	RecentTrades(ctx context.Context, limit, offset int) ([]logger.TradeRecord, error)
}

// Config fusion parameters
type Config struct {
	Timeout        time.Duration // per advisory call, default 30s
	MaxLeverage    int
	MaxPositionPct float64 // margin % of available used by technical decisions
	RecentTrades   int     // closed trades included in the prompt
}

// Engine fuses the technical signal with the optional external advisory
type Engine struct {
	advisor Advisor
	history History
	cfg     Config
	log     zerolog.Logger
}

// NewEngine creates a fusion engine. A nil advisor means advisory is not configured
// and every decision comes from the technical signal.
func NewEngine(advisor Advisor, history History, cfg Config, log zerolog.Logger) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxLeverage < 1 {
		cfg.MaxLeverage = 1
	}
	if cfg.MaxPositionPct <= 0 {
		cfg.MaxPositionPct = 10
	}
	if cfg.RecentTrades <= 0 {
		cfg.RecentTrades = 10
	}
	return &Engine{advisor: advisor, history: history, cfg: cfg, log: log}
}

// Configured reports whether an advisor is wired
func (e *Engine) Configured() bool {
	return e.advisor != nil
}

// Decide produces exactly one TradeDecision. It never fails: any advisory problem
// (unconfigured, timeout, transport error, unparsable reply) degrades to the technical signal.
func (e *Engine) Decide(ctx context.Context, d *market.Data, sig market.Signal, positions []account.Position, bal account.Balance) TradeDecision {
	if e.advisor == nil {
		return e.technical(d, sig, bal, "advisory not configured")
	}

	perf, recent := e.loadHistory(ctx)
	systemPrompt := buildSystemPrompt(e.cfg.MaxLeverage)
	userPrompt := buildUserPrompt(d, sig, positions, bal, perf, recent)

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	start := time.Now()
	reply, err := e.advisor.Advise(callCtx, systemPrompt, userPrompt)
	if err != nil {
		e.log.Warn().Err(err).Dur("elapsed", time.Since(start)).Msg("⚠️  advisory call failed, using technical signal")
		return e.technical(d, sig, bal, fmt.Sprintf("advisory call failed: %v", err))
	}

	parsed := ParseAdvisory(reply, e.cfg.MaxLeverage)
	if !parsed.OK {
		e.log.Warn().Str("reason", parsed.Reason).Str("reply", logger.Truncate(reply, 300)).Msg("⚠️  advisory reply unusable, using technical signal")
		return e.technical(d, sig, bal, "advisory reply unusable: "+parsed.Reason)
	}
	return e.fromAdvisory(d, bal, parsed.Advisory)
}

func (e *Engine) loadHistory(ctx context.Context) (*logger.PerformanceStats, []logger.TradeRecord) {
	if e.history == nil {
		return nil, nil
	}
	var perf *logger.PerformanceStats
	if stats, err := e.history.PerformanceStats(ctx, 30*24*time.Hour); err != nil {
		e.log.Debug().Err(err).Msg("performance stats unavailable for prompt")
	} else {
		perf = &stats
	}
	recent, err := e.history.RecentTrades(ctx, e.cfg.RecentTrades, 0)
	if err != nil {
		e.log.Debug().Err(err).Msg("recent trades unavailable for prompt")
	}
	return perf, recent
}

func (e *Engine) fromAdvisory(d *market.Data, bal account.Balance, a Advisory) TradeDecision {
	price := d.CurrentPrice
	td := TradeDecision{
		Symbol:     d.Symbol,
		Action:     a.Action,
		Confidence: a.Confidence,
		Strategy:   a.Strategy,
		Regime:     a.Regime,
		Reasoning:  a.Reasoning,
		Source:     SourceAdvisory,
	}
	if td.Regime == "" {
		td.Regime = d.Regime
	}
	if !a.Action.IsOpen() {
		return td
	}

	td.SuggestedLeverage = a.Leverage
	td.SuggestedSize = bal.Available * a.SizePct / 100 * float64(a.Leverage)
	td.TrailingStop = a.TrailingPct
	td.RiskReward = a.TargetPct / a.StopPct
	if a.Action == market.ActionOpenLong {
		td.StopLoss = price * (1 - a.StopPct/100)
		td.TakeProfit = price * (1 + a.TargetPct/100)
	} else {
		td.StopLoss = price * (1 + a.StopPct/100)
		td.TakeProfit = price * (1 - a.TargetPct/100)
	}
	if td.Strategy == "" {
		td.Strategy = strategyFor(td.Regime)
	}
	return td
}

// technical builds the fallback decision from the signal alone
func (e *Engine) technical(d *market.Data, sig market.Signal, bal account.Balance, why string) TradeDecision {
	td := TradeDecision{
		Symbol:     d.Symbol,
		Action:     sig.Action,
		Confidence: math.Min(sig.Confidence, TechnicalConfidenceCap),
		Regime:     d.Regime,
		Strategy:   strategyFor(d.Regime),
		Source:     SourceTechnical,
		Reasoning: fmt.Sprintf("Technical signal only (%s). Confluence %d, confidence %.0f%%.",
			why, sig.Confluence, sig.Confidence),
	}
	if !sig.Action.IsOpen() {
		return td
	}
	lev := technicalLeverage
	if lev > e.cfg.MaxLeverage {
		lev = e.cfg.MaxLeverage
	}
	td.SuggestedLeverage = lev
	td.SuggestedSize = bal.Available * e.cfg.MaxPositionPct / 100 * float64(lev)
	td.StopLoss = sig.Stop
	td.TakeProfit = sig.Target
	td.RiskReward = sig.RiskReward
	return td
}

// technicalLeverage leverage used when no advisory recommends one
const technicalLeverage = 1

func strategyFor(r market.Regime) string {
	switch r {
	case market.RegimeTrendingUp, market.RegimeTrendingDown:
		return "Trend Following"
	case market.RegimeVolatile:
		return "Breakout Trading"
	default:
		return "Mean Reversion"
	}
}
