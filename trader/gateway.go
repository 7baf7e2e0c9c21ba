package trader

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"sync"
	"time"

	"perpagent/account"
	"perpagent/indicator"
	"perpagent/market"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// DefaultReconnectCooldown minimum spacing between reconnect attempts
const DefaultReconnectCooldown = 30 * time.Second

// GatewayConfig execution parameters
type GatewayConfig struct {
	MaxSlippagePct    float64
	OrderTimeout      time.Duration
	ReconnectCooldown time.Duration
}

// Gateway owns the single live venue connection. It reconnects lazily, at most once per
// cooldown with one attempt in flight, and never retries orders on its own.
type Gateway struct {
	venue Venue
	cfg   GatewayConfig
	log   zerolog.Logger

	stateMu   sync.RWMutex
	connected bool
	lastError error

	connectMu  sync.Mutex
	connecting chan struct{} // closed when the in-flight connect attempt finishes
	limiter    *rate.Limiter

	orderMu sync.Mutex // serializes order placement
	now     func() time.Time
}

// NewGateway wraps venue. The first call to any operation connects.
func NewGateway(venue Venue, cfg GatewayConfig, log zerolog.Logger) *Gateway {
	if cfg.ReconnectCooldown <= 0 {
		cfg.ReconnectCooldown = DefaultReconnectCooldown
	}
	if cfg.OrderTimeout <= 0 {
		cfg.OrderTimeout = 15 * time.Second
	}
	if cfg.MaxSlippagePct <= 0 {
		cfg.MaxSlippagePct = 0.5
	}
	return &Gateway{
		venue:   venue,
		cfg:     cfg,
		log:     log,
		limiter: rate.NewLimiter(rate.Every(cfg.ReconnectCooldown), 1),
		now:     time.Now,
	}
}

// Venue the wrapped venue
func (g *Gateway) Venue() Venue {
	return g.venue
}

// Connected reports the last known connection state
func (g *Gateway) Connected() bool {
	g.stateMu.RLock()
	defer g.stateMu.RUnlock()
	return g.connected
}

// LastError the error that last dropped or failed the connection
func (g *Gateway) LastError() error {
	g.stateMu.RLock()
	defer g.stateMu.RUnlock()
	return g.lastError
}

// EnsureConnected connects if needed. Callers arriving while an attempt is running wait for
// it and share its outcome; within the cooldown after an attempt it returns ErrNotConnected
// without touching the venue.
func (g *Gateway) EnsureConnected(ctx context.Context) error {
	if g.Connected() {
		return nil
	}
	g.connectMu.Lock()
	if wait := g.connecting; wait != nil {
		g.connectMu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return fmt.Errorf("%w: connect already in progress", ErrNotConnected)
		}
		if g.Connected() {
			return nil
		}
		return fmt.Errorf("%w: concurrent connect attempt failed", ErrNotConnected)
	}
	if g.Connected() {
		g.connectMu.Unlock()
		return nil
	}
	if !g.limiter.Allow() {
		g.connectMu.Unlock()
		return fmt.Errorf("%w: reconnect cooldown (%v) not elapsed", ErrNotConnected, g.cfg.ReconnectCooldown)
	}
	wait := make(chan struct{})
	g.connecting = wait
	g.connectMu.Unlock()
	defer func() {
		g.connectMu.Lock()
		g.connecting = nil
		g.connectMu.Unlock()
		close(wait)
	}()

	g.log.Info().Str("venue", g.venue.Name()).Msg("🔌 connecting to exchange")
	if err := g.venue.Connect(ctx); err != nil {
		g.stateMu.Lock()
		g.lastError = err
		g.stateMu.Unlock()
		g.log.Error().Err(err).Str("venue", g.venue.Name()).Msg("❌ exchange connect failed")
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	g.stateMu.Lock()
	g.connected = true
	g.lastError = nil
	g.stateMu.Unlock()
	g.log.Info().Str("venue", g.venue.Name()).Msg("✓ exchange connected")
	return nil
}

// observe drops the connection when err looks like a transport failure
func (g *Gateway) observe(err error) error {
	if err == nil || !isConnectionError(err) {
		return err
	}
	g.stateMu.Lock()
	wasConnected := g.connected
	g.connected = false
	g.lastError = err
	g.stateMu.Unlock()
	if wasConnected {
		g.log.Warn().Err(err).Str("venue", g.venue.Name()).Msg("⚠️  exchange connection lost")
	}
	return err
}

func isConnectionError(err error) bool {
	if errors.Is(err, ErrConnectionLost) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// read runs one venue read. When it fails on a transport error the connection is dropped,
// and if a reconnect is allowed right away the read is retried once.
func read[T any](ctx context.Context, g *Gateway, what string, call func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := g.EnsureConnected(ctx); err != nil {
		return zero, err
	}
	res, err := call(ctx)
	if err == nil {
		return res, nil
	}
	if !isConnectionError(g.observe(err)) || ctx.Err() != nil {
		return zero, fmt.Errorf("failed to get %s: %w", what, err)
	}
	if cerr := g.EnsureConnected(ctx); cerr != nil {
		return zero, fmt.Errorf("failed to get %s: %w", what, err)
	}
	g.log.Info().Str("venue", g.venue.Name()).Str("read", what).Msg("🔄 retrying after reconnect")
	res, err = call(ctx)
	if err != nil {
		return zero, fmt.Errorf("failed to get %s: %w", what, g.observe(err))
	}
	return res, nil
}

// Balance account equity
func (g *Gateway) Balance(ctx context.Context) (account.Balance, error) {
	return read(ctx, g, "balance", g.venue.Balance)
}

// Positions open positions
func (g *Gateway) Positions(ctx context.Context) ([]account.Position, error) {
	return read(ctx, g, "positions", g.venue.Positions)
}

// MidPrice current mid for symbol
func (g *Gateway) MidPrice(ctx context.Context, symbol string) (float64, error) {
	return read(ctx, g, "mid price", func(ctx context.Context) (float64, error) {
		return g.venue.MidPrice(ctx, symbol)
	})
}

// Price mid price; lets the gateway serve as the analysis feed
func (g *Gateway) Price(ctx context.Context, symbol string) (float64, error) {
	return g.MidPrice(ctx, symbol)
}

// Candles recent candles for symbol, oldest first
func (g *Gateway) Candles(ctx context.Context, symbol, interval string, limit int) ([]indicator.Candle, error) {
	return read(ctx, g, "candles", func(ctx context.Context) ([]indicator.Candle, error) {
		return g.venue.Candles(ctx, symbol, interval, limit)
	})
}

// OrderBook depth summary for symbol
func (g *Gateway) OrderBook(ctx context.Context, symbol string, depth int) (market.OrderBookSummary, error) {
	return read(ctx, g, "order book", func(ctx context.Context) (market.OrderBookSummary, error) {
		return g.venue.OrderBook(ctx, symbol, depth)
	})
}

// OpenOrders resting orders; empty symbol means all
func (g *Gateway) OpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	return read(ctx, g, "open orders", func(ctx context.Context) ([]OpenOrder, error) {
		return g.venue.OpenOrders(ctx, symbol)
	})
}

// PlaceMarketOrder opens size base units on side as an IOC limit bounded by maxSlippagePct
// around the mid. A resting result is cancelled and reported as a failure.
func (g *Gateway) PlaceMarketOrder(ctx context.Context, symbol string, side account.Side, size float64, leverage int, maxSlippagePct float64) ExecutionResult {
	start := g.now()
	if maxSlippagePct <= 0 {
		maxSlippagePct = g.cfg.MaxSlippagePct
	}
	ctx, cancel := context.WithTimeout(ctx, g.cfg.OrderTimeout)
	defer cancel()

	if err := g.EnsureConnected(ctx); err != nil {
		return failed("%v", err)
	}

	g.orderMu.Lock()
	defer g.orderMu.Unlock()

	if leverage > 0 {
		if err := g.venue.SetLeverage(ctx, symbol, leverage); err != nil {
			return failed("failed to set leverage: %v", g.observe(err))
		}
	}
	res := g.ioc(ctx, symbol, side.IsBuy(), size, false, maxSlippagePct)
	res.ExecutionTimeMs = g.now().Sub(start).Milliseconds()
	if res.Success {
		g.log.Info().
			Str("symbol", symbol).
			Str("side", string(side)).
			Float64("fill_price", res.FillPrice).
			Float64("filled_size", res.FilledSize).
			Float64("slippage_pct", res.SlippagePct).
			Int64("execution_ms", res.ExecutionTimeMs).
			Msg("✓ order filled")
	} else {
		g.log.Error().Str("symbol", symbol).Str("side", string(side)).Str("error", res.Error).Msg("❌ order failed")
	}
	return res
}

// ClosePosition submits a reduce-only order on the opposite side for size base units.
// size <= 0 or larger than the position closes all of it.
func (g *Gateway) ClosePosition(ctx context.Context, p account.Position, size float64) ExecutionResult {
	start := g.now()
	ctx, cancel := context.WithTimeout(ctx, g.cfg.OrderTimeout)
	defer cancel()

	if err := g.EnsureConnected(ctx); err != nil {
		return failed("%v", err)
	}
	if size <= 0 || size > p.Size {
		size = p.Size
	}

	g.orderMu.Lock()
	defer g.orderMu.Unlock()

	res := g.ioc(ctx, p.Symbol, p.Side.Opposite().IsBuy(), size, true, g.cfg.MaxSlippagePct)
	res.ExecutionTimeMs = g.now().Sub(start).Milliseconds()
	if res.Success {
		g.log.Info().Str("symbol", p.Symbol).Str("side", string(p.Side)).Float64("size", res.FilledSize).
			Float64("fill_price", res.FillPrice).Msg("📤 position reduced")
	}
	return res
}

func (g *Gateway) ioc(ctx context.Context, symbol string, isBuy bool, size float64, reduceOnly bool, slippagePct float64) ExecutionResult {
	decimals := g.venue.SizeDecimals(symbol)
	size = RoundSize(size, decimals)
	if size <= 0 {
		return failed("order size rounds to zero at %d decimals", decimals)
	}

	mid, err := g.venue.MidPrice(ctx, symbol)
	if err != nil {
		return failed("failed to get mid price: %v", g.observe(err))
	}
	if mid <= 0 {
		return failed("no mid price for %s", symbol)
	}
	bound := mid * (1 - slippagePct/100)
	if isBuy {
		bound = mid * (1 + slippagePct/100)
	}

	result, err := g.venue.PlaceOrder(ctx, OrderRequest{
		Symbol:     symbol,
		IsBuy:      isBuy,
		Size:       size,
		Price:      RoundPrice(bound, decimals),
		Type:       OrderLimitIOC,
		ReduceOnly: reduceOnly,
	})
	if err != nil {
		return failed("failed to place order: %v", g.observe(err))
	}

	switch result.Status {
	case StatusFilled:
		fill := result.AvgPrice
		if fill <= 0 {
			fill = mid
		}
		filled := result.FilledSize
		if filled <= 0 {
			filled = size
		}
		return ExecutionResult{
			Success:     true,
			OrderID:     result.OrderID,
			FillPrice:   fill,
			FilledSize:  filled,
			SlippagePct: math.Abs(fill-mid) / mid * 100,
		}
	case StatusResting:
		if cerr := g.venue.CancelOrder(ctx, symbol, result.OrderID); cerr != nil {
			g.log.Warn().Err(cerr).Int64("order_id", result.OrderID).Msg("⚠️  failed to cancel resting order")
			return failed("order rested instead of filling (cancel failed: %v)", g.observe(cerr))
		}
		return failed("order rested instead of filling; cancelled")
	default:
		msg := result.Message
		if msg == "" {
			msg = "order rejected"
		}
		return failed("%s", msg)
	}
}

// ProtectiveKind stop loss or take profit
type ProtectiveKind string

const (
	StopLoss   ProtectiveKind = "stop_loss"
	TakeProfit ProtectiveKind = "take_profit"
)

// PlaceProtectiveOrder places a reduce-only trigger order that closes size of a position
// on side when price reaches trigger.
func (g *Gateway) PlaceProtectiveOrder(ctx context.Context, symbol string, side account.Side, size, trigger float64, kind ProtectiveKind) error {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.OrderTimeout)
	defer cancel()
	if err := g.EnsureConnected(ctx); err != nil {
		return err
	}

	decimals := g.venue.SizeDecimals(symbol)
	size = RoundSize(size, decimals)
	if size <= 0 {
		return fmt.Errorf("protective order size rounds to zero")
	}
	orderType := OrderStopMarket
	if kind == TakeProfit {
		orderType = OrderTakeProfit
	}
	trigger = RoundPrice(trigger, decimals)

	g.orderMu.Lock()
	defer g.orderMu.Unlock()
	result, err := g.venue.PlaceOrder(ctx, OrderRequest{
		Symbol:       symbol,
		IsBuy:        side.Opposite().IsBuy(),
		Size:         size,
		Price:        trigger,
		TriggerPrice: trigger,
		Type:         orderType,
		ReduceOnly:   true,
	})
	if err != nil {
		return fmt.Errorf("failed to place %s: %w", kind, g.observe(err))
	}
	if result.Status == StatusRejected {
		return fmt.Errorf("%s rejected: %s", kind, result.Message)
	}
	g.log.Info().Str("symbol", symbol).Str("kind", string(kind)).Float64("trigger", trigger).Msg("🛡️ protective order placed")
	return nil
}

// CancelAllOrders cancels every resting order for symbol (all symbols when empty)
func (g *Gateway) CancelAllOrders(ctx context.Context, symbol string) error {
	if err := g.EnsureConnected(ctx); err != nil {
		return err
	}
	orders, err := g.venue.OpenOrders(ctx, symbol)
	if err != nil {
		return fmt.Errorf("failed to list open orders: %w", g.observe(err))
	}
	var errs []error
	for _, o := range orders {
		if err := g.venue.CancelOrder(ctx, o.Symbol, o.OrderID); err != nil {
			errs = append(errs, fmt.Errorf("cancel %s #%d: %w", o.Symbol, o.OrderID, g.observe(err)))
		}
	}
	if len(orders) > 0 {
		g.log.Info().Int("orders", len(orders)).Int("failed", len(errs)).Msg("🧹 cancelled open orders")
	}
	return errors.Join(errs...)
}

// CloseAllPositions cancels open orders, then closes each position independently.
// One failure does not stop the others.
func (g *Gateway) CloseAllPositions(ctx context.Context) CloseAllResult {
	result := CloseAllResult{FailedPositions: []FailedClose{}}

	positions, err := g.Positions(ctx)
	if err != nil {
		result.FailedPositions = append(result.FailedPositions, FailedClose{Error: err.Error()})
		result.Failed = 1
		return result
	}
	if err := g.CancelAllOrders(ctx, ""); err != nil {
		g.log.Warn().Err(err).Msg("⚠️  some open orders could not be cancelled before closing")
	}

	for _, p := range positions {
		result.Attempted++
		res := g.ClosePosition(ctx, p, p.Size)
		if !res.Success {
			result.Failed++
			result.FailedPositions = append(result.FailedPositions, FailedClose{
				Symbol: p.Symbol, Side: p.Side, Size: p.Size, Error: res.Error,
			})
			continue
		}
		result.Closed++
		result.TotalPnL += p.PricePnL(res.FillPrice).Absolute * math.Min(1, res.FilledSize/p.Size)
	}
	result.Success = result.Failed == 0
	g.log.Info().Int("attempted", result.Attempted).Int("closed", result.Closed).Int("failed", result.Failed).
		Float64("pnl", result.TotalPnL).Msg("📤 close all positions")
	return result
}
