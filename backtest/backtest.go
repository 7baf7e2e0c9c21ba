package backtest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"perpagent/account"
	"perpagent/config"
	"perpagent/decision"
	"perpagent/indicator"
	"perpagent/market"
	"perpagent/risk"
	"perpagent/trader"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrNotEnoughHistory fewer candles than the warmup window plus one bar to trade on
var ErrNotEnoughHistory = errors.New("not enough candles for backtest")

// Decider produces the decision for one bar; *decision.Engine satisfies it
type Decider interface {
	Decide(ctx context.Context, d *market.Data, sig market.Signal, positions []account.Position, bal account.Balance) decision.TradeDecision
}

// Config replay parameters
type Config struct {
	Symbol         string
	InitialBalance float64
	Limits         config.RiskLimits

	// Window candles fed to the indicator library per bar
	Window int
	// PartialProfitPct gain (percent of margin) at which half a position is closed; 0 disables
	PartialProfitPct float64
	FeeRate          float64
	SlippagePct      float64

	// Decider overrides the technical-only decision engine
	Decider Decider
}

// Trade one closed round trip (partial closes are separate trades)
type Trade struct {
	ID         string       `json:"id"`
	Side       account.Side `json:"side"`
	EntryPrice float64      `json:"entry_price"`
	ExitPrice  float64      `json:"exit_price"`
	Size       float64      `json:"size"`
	Leverage   int          `json:"leverage"`
	EntryTime  time.Time    `json:"entry_time"`
	ExitTime   time.Time    `json:"exit_time"`
	PnL        float64      `json:"pnl"`
	Reason     string       `json:"reason"`
}

// Result replay statistics
type Result struct {
	RunID         string    `json:"run_id"`
	Symbol        string    `json:"symbol"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	Bars          int       `json:"bars"`
	TotalPnL      float64   `json:"total_pnl"`
	FinalEquity   float64   `json:"final_equity"`
	TotalTrades   int       `json:"total_trades"`
	Wins          int       `json:"wins"`
	Losses        int       `json:"losses"`
	WinRate       float64   `json:"win_rate"` // percent
	AvgWin        float64   `json:"avg_win"`
	AvgLoss       float64   `json:"avg_loss"` // absolute value
	ProfitFactor  float64   `json:"profit_factor"`
	MaxDrawdown   float64   `json:"max_drawdown"` // percent of peak equity
	Rejections    int       `json:"rejections"`
	BreakerTrips  int       `json:"breaker_trips"`
	PartialCloses int       `json:"partial_closes"`
	Trades        []Trade   `json:"trades"`
}

type openTrade struct {
	id         string
	stopLoss   float64
	takeProfit float64
	entryTime  time.Time
}

type runner struct {
	cfg     Config
	venue   *trader.PaperVenue
	gateway *trader.Gateway
	risk    *risk.Engine
	decider Decider
	log     zerolog.Logger

	clock  time.Time
	open   map[account.Side]*openTrade
	result *Result
	peak   float64
}

// Run replays candles bar by bar through the same analysis, decision, risk and exit path
// the live engine uses, with fills simulated on a paper venue at each bar's close.
func Run(ctx context.Context, candles []indicator.Candle, cfg Config, log zerolog.Logger) (*Result, error) {
	if cfg.Window <= 0 {
		cfg.Window = 200
	}
	if cfg.Window < market.MinCandles {
		cfg.Window = market.MinCandles
	}
	if cfg.InitialBalance <= 0 {
		cfg.InitialBalance = 10000
	}
	if cfg.Symbol == "" {
		cfg.Symbol = "BTC"
	}
	if len(candles) <= cfg.Window {
		return nil, fmt.Errorf("%w: %d candles, window %d", ErrNotEnoughHistory, len(candles), cfg.Window)
	}

	r := newRunner(cfg, log)
	log.Info().
		Str("run_id", r.result.RunID).
		Str("symbol", cfg.Symbol).
		Int("candles", len(candles)).
		Int("window", cfg.Window).
		Msg("🧪 starting backtest")

	for i := cfg.Window - 1; i < len(candles); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r.step(ctx, candles[i+1-cfg.Window:i+1])
	}
	last := candles[len(candles)-1]
	r.closeAll(ctx, last.Close, "End of backtest")
	r.finish(candles[cfg.Window-1], last)

	log.Info().
		Int("trades", r.result.TotalTrades).
		Float64("total_pnl", r.result.TotalPnL).
		Float64("win_rate", r.result.WinRate).
		Float64("max_drawdown", r.result.MaxDrawdown).
		Int("rejections", r.result.Rejections).
		Msg("✅ backtest complete")
	return r.result, nil
}

func newRunner(cfg Config, log zerolog.Logger) *runner {
	venue := trader.NewPaperVenue(cfg.InitialBalance, nil, log)
	venue.SetFeeRate(cfg.FeeRate)
	venue.SetSlippage(cfg.SlippagePct)

	r := &runner{
		cfg:     cfg,
		venue:   venue,
		gateway: trader.NewGateway(venue, trader.GatewayConfig{MaxSlippagePct: cfg.Limits.MaxSlippagePct}, log),
		risk:    risk.NewEngine(cfg.Limits, log),
		decider: cfg.Decider,
		log:     log,
		open:    make(map[account.Side]*openTrade),
		result:  &Result{RunID: uuid.NewString(), Symbol: cfg.Symbol, Trades: []Trade{}},
		peak:    cfg.InitialBalance,
	}
	// breaker cooldowns and daily baselines follow candle time
	r.risk.SetClock(func() time.Time { return r.clock })
	if r.decider == nil {
		r.decider = decision.NewEngine(nil, nil, decision.Config{
			MaxLeverage:    cfg.Limits.MaxLeverage,
			MaxPositionPct: cfg.Limits.MaxPositionSizePct,
		}, log)
	}
	return r
}

func (r *runner) step(ctx context.Context, window []indicator.Candle) {
	bar := window[len(window)-1]
	price := bar.Close
	r.clock = time.UnixMilli(bar.Timestamp)
	r.result.Bars++
	r.venue.SetPrice(r.cfg.Symbol, price)

	positions := r.positions(ctx)
	positions = r.exits(ctx, positions, price)
	r.partials(ctx, positions)

	data, err := market.Build(r.cfg.Symbol, window, price, market.OrderBookSummary{})
	if err != nil {
		r.log.Debug().Err(err).Msg("skipping bar")
		r.mark(ctx)
		return
	}
	sig := market.GenerateSignal(data)

	bal, _ := r.venue.Balance(ctx)
	positions = r.positions(ctx)
	d := r.decider.Decide(ctx, data, sig, positions, bal)

	switch {
	case d.Action == market.ActionClose:
		r.closeAll(ctx, price, "Signal close")
	case d.Action.IsOpen():
		r.enter(ctx, d, bal, positions, price)
	}
	r.mark(ctx)
}

// positions current positions annotated with the stop and target of their open trade
func (r *runner) positions(ctx context.Context) []account.Position {
	positions, _ := r.venue.Positions(ctx)
	for i := range positions {
		if t, ok := r.open[positions[i].Side]; ok {
			positions[i].StopLoss = t.stopLoss
			positions[i].TakeProfit = t.takeProfit
		}
	}
	return positions
}

func (r *runner) exits(ctx context.Context, positions []account.Position, price float64) []account.Position {
	remaining := positions[:0]
	for _, p := range positions {
		exit, ok := risk.ShouldExit(p, price)
		if !ok {
			remaining = append(remaining, p)
			continue
		}
		r.close(ctx, p, p.Size, price, exit.Reason)
	}
	return remaining
}

func (r *runner) partials(ctx context.Context, positions []account.Position) {
	if r.cfg.PartialProfitPct <= 0 {
		return
	}
	for _, p := range positions {
		if p.UnrealizedPnL.Percentage < r.cfg.PartialProfitPct {
			continue
		}
		half := p.Size * 0.5
		if trader.RoundSize(half, r.venue.SizeDecimals(p.Symbol)) <= 0 {
			continue
		}
		if r.close(ctx, p, half, p.CurrentPrice, "Partial profit") {
			r.result.PartialCloses++
		}
	}
}

// close closes size of p and books the trade; a full close drops the open-trade record
func (r *runner) close(ctx context.Context, p account.Position, size, price float64, reason string) bool {
	res := r.gateway.ClosePosition(ctx, p, size)
	if !res.Success {
		r.log.Warn().Str("error", res.Error).Msg("⚠️  simulated close failed")
		return false
	}
	exitPrice := res.FillPrice
	if exitPrice <= 0 {
		exitPrice = price
	}
	filled := res.FilledSize
	if filled <= 0 {
		filled = size
	}
	pnl := p.PricePnL(exitPrice).Absolute * filled / p.Size
	r.risk.RecordTradeResult(pnl)

	t := Trade{
		Side:       p.Side,
		EntryPrice: p.EntryPrice,
		ExitPrice:  exitPrice,
		Size:       filled,
		Leverage:   p.Leverage,
		ExitTime:   r.clock,
		PnL:        pnl,
		Reason:     reason,
	}
	if ot, ok := r.open[p.Side]; ok {
		t.ID, t.EntryTime = ot.id, ot.entryTime
	}
	r.result.Trades = append(r.result.Trades, t)
	if filled >= p.Size {
		delete(r.open, p.Side)
	}
	return true
}

func (r *runner) closeAll(ctx context.Context, price float64, reason string) {
	for _, p := range r.positions(ctx) {
		r.close(ctx, p, p.Size, price, reason)
	}
}

func (r *runner) enter(ctx context.Context, d decision.TradeDecision, bal account.Balance, positions []account.Position, price float64) {
	trippedBefore := r.risk.Snapshot().BreakerActive
	res := r.risk.Evaluate(d, bal, positions)
	if !trippedBefore && r.risk.Snapshot().BreakerActive {
		r.result.BreakerTrips++
	}
	if !res.Approved {
		r.result.Rejections++
		return
	}

	side := account.Long
	if d.Action == market.ActionOpenShort {
		side = account.Short
	}
	qty := res.AdjustedSize / price
	exec := r.gateway.PlaceMarketOrder(ctx, r.cfg.Symbol, side, qty, res.AdjustedLeverage, r.cfg.Limits.MaxSlippagePct)
	if !exec.Success {
		r.log.Debug().Str("error", exec.Error).Msg("simulated open failed")
		return
	}
	if _, exists := r.open[side]; !exists {
		r.open[side] = &openTrade{id: uuid.NewString(), entryTime: r.clock}
	}
	r.open[side].stopLoss = d.StopLoss
	r.open[side].takeProfit = d.TakeProfit
}

// mark updates the equity peak and max drawdown at the bar close
func (r *runner) mark(ctx context.Context) {
	bal, err := r.venue.Balance(ctx)
	if err != nil {
		return
	}
	if bal.TotalEquity > r.peak {
		r.peak = bal.TotalEquity
	}
	if r.peak > 0 {
		dd := (r.peak - bal.TotalEquity) / r.peak * 100
		r.result.MaxDrawdown = math.Max(r.result.MaxDrawdown, dd)
	}
}

func (r *runner) finish(first, last indicator.Candle) {
	res := r.result
	res.StartTime = time.UnixMilli(first.Timestamp)
	res.EndTime = time.UnixMilli(last.Timestamp)
	res.FinalEquity = r.venue.Equity()
	Summarize(res)
}

// Summarize fills the trade statistics of res from res.Trades
func Summarize(res *Result) {
	var grossWin, grossLoss float64
	res.TotalTrades = len(res.Trades)
	res.Wins, res.Losses, res.TotalPnL = 0, 0, 0
	for _, t := range res.Trades {
		res.TotalPnL += t.PnL
		if t.PnL > 0 {
			res.Wins++
			grossWin += t.PnL
		} else {
			res.Losses++
			grossLoss += -t.PnL
		}
	}
	res.WinRate, res.AvgWin, res.AvgLoss, res.ProfitFactor = 0, 0, 0, 0
	if res.TotalTrades > 0 {
		res.WinRate = float64(res.Wins) / float64(res.TotalTrades) * 100
	}
	if res.Wins > 0 {
		res.AvgWin = grossWin / float64(res.Wins)
	}
	if res.Losses > 0 {
		res.AvgLoss = grossLoss / float64(res.Losses)
	}
	// undefined without losses; left at 0
	if grossLoss > 0 {
		res.ProfitFactor = grossWin / grossLoss
	}
}

// StrategyResult one partial-profit threshold in a sweep
type StrategyResult struct {
	PartialProfitPct float64 `json:"partial_profit_pct"` // 0 = no partial closes
	Result           *Result `json:"result"`
}

// Sweep runs the same history once per partial-profit threshold and returns the runs
// ordered by total PnL, best first
func Sweep(ctx context.Context, candles []indicator.Candle, cfg Config, thresholds []float64, log zerolog.Logger) ([]StrategyResult, error) {
	out := make([]StrategyResult, 0, len(thresholds))
	for _, pct := range thresholds {
		c := cfg
		c.PartialProfitPct = pct
		log.Info().Float64("partial_profit_pct", pct).Msg("🧪 testing strategy")
		res, err := Run(ctx, candles, c, log)
		if err != nil {
			return nil, fmt.Errorf("failed to run strategy %.2f%%: %w", pct, err)
		}
		out = append(out, StrategyResult{PartialProfitPct: pct, Result: res})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Result.TotalPnL > out[j].Result.TotalPnL
	})
	return out, nil
}
