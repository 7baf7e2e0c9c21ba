package trader

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"perpagent/account"
	"perpagent/indicator"
	"perpagent/market"

	"github.com/rs/zerolog"
)

// PriceSource live price lookup; market.Feed satisfies it
type PriceSource interface {
	Price(ctx context.Context, symbol string) (float64, error)
}

const (
	// DefaultPaperFeeRate taker fee charged on paper fills
	DefaultPaperFeeRate = 0.00035
	// DefaultPaperSlippagePct adverse price move applied to market fills
	DefaultPaperSlippagePct = 0.02
)

// PaperVenue simulated venue. Fills happen at the current price moved against the taker by
// the simulated slippage. Trigger orders fire on SetPrice, or on every read when prices
// come from the live source. PnL settles into the wallet balance on every reduction.
type PaperVenue struct {
	mu sync.Mutex

	initialBalance float64
	balance        float64 // wallet balance, realized only
	positions      map[string]*paperPosition
	orders         []OpenOrder
	triggers       map[int64]OrderRequest
	leverage       map[string]int
	prices         map[string]float64 // explicit prices override the source
	nextID         int64

	source       PriceSource
	feeRate      float64
	slippagePct  float64
	sizeDecimals int
	log          zerolog.Logger
}

type paperPosition struct {
	Symbol     string
	Side       account.Side
	EntryPrice float64
	Quantity   float64
	Leverage   int
	EntryTime  time.Time
}

func (p *paperPosition) margin() float64 {
	lev := p.Leverage
	if lev < 1 {
		lev = 1
	}
	return p.Quantity * p.EntryPrice / float64(lev)
}

// NewPaperVenue creates a simulator funded with initialBalance. source may be nil when
// prices are driven through SetPrice.
func NewPaperVenue(initialBalance float64, source PriceSource, log zerolog.Logger) *PaperVenue {
	return &PaperVenue{
		initialBalance: initialBalance,
		balance:        initialBalance,
		positions:      make(map[string]*paperPosition),
		triggers:       make(map[int64]OrderRequest),
		leverage:       make(map[string]int),
		prices:         make(map[string]float64),
		source:         source,
		feeRate:        DefaultPaperFeeRate,
		slippagePct:    DefaultPaperSlippagePct,
		sizeDecimals:   5,
		log:            log,
	}
}

// SetFeeRate overrides the taker fee (0 disables fees)
func (t *PaperVenue) SetFeeRate(rate float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.feeRate = rate
}

// SetSlippage overrides the simulated slippage in percent (0 fills exactly at the price)
func (t *PaperVenue) SetSlippage(pct float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.slippagePct = pct
}

// Name venue name
func (t *PaperVenue) Name() string { return "paper" }

// Connect always succeeds
func (t *PaperVenue) Connect(ctx context.Context) error { return nil }

// SizeDecimals fixed size precision
func (t *PaperVenue) SizeDecimals(symbol string) int { return t.sizeDecimals }

// Candles delegates to the price source when it is a full market feed
func (t *PaperVenue) Candles(ctx context.Context, symbol, interval string, limit int) ([]indicator.Candle, error) {
	feed, ok := t.source.(market.Feed)
	if !ok {
		return nil, fmt.Errorf("paper venue has no candle feed for %s", symbol)
	}
	return feed.Candles(ctx, symbol, interval, limit)
}

// OrderBook delegates to the price source when it is a full market feed
func (t *PaperVenue) OrderBook(ctx context.Context, symbol string, depth int) (market.OrderBookSummary, error) {
	feed, ok := t.source.(market.Feed)
	if !ok {
		return market.OrderBookSummary{}, fmt.Errorf("paper venue has no order book feed for %s", symbol)
	}
	return feed.OrderBook(ctx, symbol, depth)
}

// SetPrice pins the price of symbol and fires any trigger orders it crosses
func (t *PaperVenue) SetPrice(symbol string, price float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prices[symbol] = price
	t.fireTriggersLocked(symbol, price)
}

func (t *PaperVenue) priceLocked(ctx context.Context, symbol string) (float64, error) {
	if p, ok := t.prices[symbol]; ok {
		return p, nil
	}
	if t.source == nil {
		return 0, fmt.Errorf("no price for %s", symbol)
	}
	return t.source.Price(ctx, symbol)
}

// refreshLocked pulls live prices for every symbol holding a position or a trigger and
// fires the triggers they cross. Pinned prices already fired in SetPrice.
func (t *PaperVenue) refreshLocked(ctx context.Context) map[string]float64 {
	symbols := make(map[string]struct{}, len(t.positions)+len(t.triggers))
	for sym := range t.positions {
		symbols[sym] = struct{}{}
	}
	for _, req := range t.triggers {
		symbols[req.Symbol] = struct{}{}
	}

	prices := make(map[string]float64, len(symbols))
	for sym := range symbols {
		if p, ok := t.prices[sym]; ok {
			prices[sym] = p
			continue
		}
		if t.source == nil {
			continue
		}
		p, err := t.source.Price(ctx, sym)
		if err != nil {
			t.log.Warn().Err(err).Str("symbol", sym).Msg("⚠️  [paper] live price unavailable")
			continue
		}
		prices[sym] = p
		t.fireTriggersLocked(sym, p)
	}
	return prices
}

// MidPrice current price
func (t *PaperVenue) MidPrice(ctx context.Context, symbol string) (float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, pinned := t.prices[symbol]; pinned || t.source == nil {
		return t.priceLocked(ctx, symbol)
	}
	p, err := t.source.Price(ctx, symbol)
	if err != nil {
		return 0, err
	}
	t.fireTriggersLocked(symbol, p)
	return p, nil
}

// Balance wallet plus unrealized PnL at current prices
func (t *PaperVenue) Balance(ctx context.Context) (account.Balance, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prices := t.refreshLocked(ctx)
	var unrealized, margin float64
	for _, pos := range t.positions {
		price, ok := prices[pos.Symbol]
		if !ok {
			price = pos.EntryPrice
		}
		unrealized += pos.pnl(price)
		margin += pos.margin()
	}
	equity := t.balance + unrealized
	return account.Balance{
		TotalEquity:   equity,
		Available:     math.Max(0, equity-margin),
		MarginUsed:    margin,
		UnrealizedPnL: unrealized,
	}, nil
}

func (p *paperPosition) pnl(price float64) float64 {
	if p.Side == account.Short {
		return (p.EntryPrice - price) * p.Quantity
	}
	return (price - p.EntryPrice) * p.Quantity
}

// Positions open positions sorted by symbol
func (t *PaperVenue) Positions(ctx context.Context) ([]account.Position, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prices := t.refreshLocked(ctx)
	result := make([]account.Position, 0, len(t.positions))
	for _, pos := range t.positions {
		price, ok := prices[pos.Symbol]
		if !ok {
			price = pos.EntryPrice
		}
		p := account.Position{
			Symbol:       pos.Symbol,
			Side:         pos.Side,
			EntryPrice:   pos.EntryPrice,
			CurrentPrice: price,
			Size:         pos.Quantity,
			Leverage:     pos.Leverage,
			MarginUsed:   pos.margin(),
		}
		// simplified liquidation: margin fully consumed
		move := pos.EntryPrice / float64(max(pos.Leverage, 1))
		if pos.Side == account.Long {
			p.LiquidationPrice = pos.EntryPrice - move
		} else {
			p.LiquidationPrice = pos.EntryPrice + move
		}
		p.UnrealizedPnL = p.PricePnL(price)
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Symbol < result[j].Symbol })
	return result, nil
}

// SetLeverage records leverage for the next opening fill
func (t *PaperVenue) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if leverage < 1 {
		return fmt.Errorf("invalid leverage %d", leverage)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.leverage[symbol] = leverage
	return nil
}

// PlaceOrder fills IOC orders at the current price and records trigger orders as resting
func (t *PaperVenue) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	id := t.nextID

	if req.Type == OrderStopMarket || req.Type == OrderTakeProfit {
		t.triggers[id] = req
		t.orders = append(t.orders, OpenOrder{
			OrderID: id, Symbol: req.Symbol, IsBuy: req.IsBuy, Size: req.Size, Price: req.TriggerPrice, ReduceOnly: true,
		})
		return OrderResult{OrderID: id, Status: StatusResting}, nil
	}

	price, err := t.priceLocked(ctx, req.Symbol)
	if err != nil {
		return OrderResult{}, fmt.Errorf("failed to get market price: %w", err)
	}
	if req.IsBuy {
		price *= 1 + t.slippagePct/100
	} else {
		price *= 1 - t.slippagePct/100
	}
	if (req.IsBuy && price > req.Price) || (!req.IsBuy && price < req.Price) {
		return OrderResult{OrderID: id, Status: StatusRejected, Message: "price moved beyond limit"}, nil
	}
	msg, ok := t.fillLocked(req, price)
	if !ok {
		return OrderResult{OrderID: id, Status: StatusRejected, Message: msg}, nil
	}
	return OrderResult{OrderID: id, Status: StatusFilled, FilledSize: req.Size, AvgPrice: price}, nil
}

func (t *PaperVenue) fillLocked(req OrderRequest, price float64) (string, bool) {
	side := account.Short
	if req.IsBuy {
		side = account.Long
	}
	pos, exists := t.positions[req.Symbol]

	if req.ReduceOnly || (exists && pos.Side != side) {
		if !exists || pos.Side == side {
			return "reduce-only order would increase position", false
		}
		qty := math.Min(req.Size, pos.Quantity)
		realized := (&paperPosition{Side: pos.Side, EntryPrice: pos.EntryPrice, Quantity: qty}).pnl(price)
		fee := qty * price * t.feeRate
		t.balance += realized - fee
		pos.Quantity -= qty
		if pos.Quantity <= 1e-12 {
			delete(t.positions, req.Symbol)
			t.dropTriggersLocked(req.Symbol)
		}
		t.log.Info().Str("symbol", req.Symbol).Float64("qty", qty).Float64("price", price).
			Float64("pnl", realized).Msg("📤 [paper] reduce position")
		return "", true
	}

	lev := t.leverage[req.Symbol]
	if lev < 1 {
		lev = 1
	}
	margin := math.Floor(req.Size*price/float64(lev)*100) / 100
	fee := req.Size * price * t.feeRate

	var used, unrealized float64
	for _, p := range t.positions {
		used += p.margin()
		if px, ok := t.prices[p.Symbol]; ok {
			unrealized += p.pnl(px)
		}
	}
	const tolerance = 0.1
	if available := t.balance + unrealized - used; margin+fee > available+tolerance {
		return fmt.Sprintf("insufficient available balance: need %.2f, available %.2f", margin+fee, available), false
	}

	t.balance -= fee
	if exists {
		total := pos.Quantity + req.Size
		pos.EntryPrice = (pos.EntryPrice*pos.Quantity + price*req.Size) / total
		pos.Quantity = total
		pos.Leverage = lev
	} else {
		t.positions[req.Symbol] = &paperPosition{
			Symbol: req.Symbol, Side: side, EntryPrice: price, Quantity: req.Size, Leverage: lev, EntryTime: time.Now(),
		}
	}
	t.log.Info().Str("symbol", req.Symbol).Str("side", string(side)).Float64("qty", req.Size).
		Float64("price", price).Int("leverage", lev).Float64("margin", margin).Msg("📈 [paper] open position")
	return "", true
}

func (t *PaperVenue) fireTriggersLocked(symbol string, price float64) {
	ids := make([]int64, 0, len(t.triggers))
	for id := range t.triggers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		req, ok := t.triggers[id]
		if !ok || req.Symbol != symbol {
			continue
		}
		// buy-side triggers protect shorts: stop above, target below
		var hit bool
		switch {
		case req.Type == OrderStopMarket && req.IsBuy:
			hit = price >= req.TriggerPrice
		case req.Type == OrderStopMarket:
			hit = price <= req.TriggerPrice
		case req.IsBuy:
			hit = price <= req.TriggerPrice
		default:
			hit = price >= req.TriggerPrice
		}
		if !hit {
			continue
		}
		t.removeOrderLocked(id)
		if _, exists := t.positions[symbol]; !exists {
			continue
		}
		req.ReduceOnly = true
		t.fillLocked(req, req.TriggerPrice)
		t.log.Info().Str("symbol", symbol).Str("type", string(req.Type)).Float64("trigger", req.TriggerPrice).Msg("🎯 [paper] trigger fired")
	}
}

func (t *PaperVenue) removeOrderLocked(id int64) {
	delete(t.triggers, id)
	for i, o := range t.orders {
		if o.OrderID == id {
			t.orders = append(t.orders[:i], t.orders[i+1:]...)
			return
		}
	}
}

func (t *PaperVenue) dropTriggersLocked(symbol string) {
	for id, req := range t.triggers {
		if req.Symbol == symbol {
			t.removeOrderLocked(id)
		}
	}
}

// CancelOrder removes a resting order
func (t *PaperVenue) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, o := range t.orders {
		if o.OrderID == orderID {
			t.removeOrderLocked(orderID)
			return nil
		}
	}
	return fmt.Errorf("order %d not found", orderID)
}

// OpenOrders resting trigger orders
func (t *PaperVenue) OpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refreshLocked(ctx)
	out := make([]OpenOrder, 0, len(t.orders))
	for _, o := range t.orders {
		if symbol == "" || o.Symbol == symbol {
			out = append(out, o)
		}
	}
	return out, nil
}

// Equity wallet balance plus unrealized PnL at pinned prices
func (t *PaperVenue) Equity() float64 {
	bal, _ := t.Balance(context.Background())
	return bal.TotalEquity
}

// InitialBalance starting wallet balance
func (t *PaperVenue) InitialBalance() float64 {
	return t.initialBalance
}
