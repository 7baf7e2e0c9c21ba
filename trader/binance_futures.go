package trader

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"perpagent/account"
	"perpagent/indicator"
	"perpagent/market"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// BinanceFuturesVenue Binance USDⓈ-M futures account in one-way position mode
type BinanceFuturesVenue struct {
	client     *futures.Client
	quoteAsset string
	log        zerolog.Logger

	mu           sync.RWMutex
	connected    bool
	sizeDecimals map[string]int
	tickSizes    map[string]decimal.Decimal

	// Time sync tracking
	lastTimeSync  time.Time
	timeSyncMutex sync.Mutex
}

// NewBinanceFuturesVenue creates the venue. Nothing is sent until Connect.
func NewBinanceFuturesVenue(apiKey, secretKey string, testnet bool, log zerolog.Logger) *BinanceFuturesVenue {
	futures.UseTestnet = testnet
	return &BinanceFuturesVenue{
		client:       futures.NewClient(apiKey, secretKey),
		quoteAsset:   "USDT",
		log:          log,
		sizeDecimals: make(map[string]int),
		tickSizes:    make(map[string]decimal.Decimal),
	}
}

// Name venue name
func (t *BinanceFuturesVenue) Name() string { return "binance" }

func (t *BinanceFuturesVenue) pair(symbol string) string {
	return coin(symbol) + t.quoteAsset
}

// Connect syncs server time, loads LOT_SIZE and PRICE_FILTER precision and checks the keys with an account read
func (t *BinanceFuturesVenue) Connect(ctx context.Context) error {
	t.syncServerTime(ctx)

	info, err := t.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to get exchange info: %v", ErrConnectionLost, err)
	}
	decimals := make(map[string]int, len(info.Symbols))
	ticks := make(map[string]decimal.Decimal, len(info.Symbols))
	for _, s := range info.Symbols {
		for _, filter := range s.Filters {
			switch filter["filterType"] {
			case "LOT_SIZE":
				if stepSize, ok := filter["stepSize"].(string); ok {
					decimals[s.Symbol] = calculatePrecision(stepSize)
				}
			case "PRICE_FILTER":
				if tick, err := decimal.NewFromString(fmt.Sprint(filter["tickSize"])); err == nil && tick.IsPositive() {
					ticks[s.Symbol] = tick
				}
			}
		}
	}

	if _, err := t.client.NewGetAccountService().Do(ctx); err != nil {
		return fmt.Errorf("failed to get account info: %w", err)
	}

	t.mu.Lock()
	t.sizeDecimals = decimals
	t.tickSizes = ticks
	t.connected = true
	t.mu.Unlock()
	t.log.Info().Int("symbols", len(decimals)).Msg("✓ binance futures exchange info loaded")
	return nil
}

// syncServerTime applies the Binance server clock offset to signed requests.
// Re-syncs at most once per minute.
func (t *BinanceFuturesVenue) syncServerTime(ctx context.Context) {
	t.timeSyncMutex.Lock()
	defer t.timeSyncMutex.Unlock()
	if !t.lastTimeSync.IsZero() && time.Since(t.lastTimeSync) < time.Minute {
		return
	}
	t.lastTimeSync = time.Now()

	serverTime, err := t.client.NewServerTimeService().Do(ctx)
	if err != nil {
		t.log.Warn().Err(err).Msg("⚠️  failed to get Binance server time (continuing without sync)")
		return
	}
	offset := time.Now().UnixMilli() - serverTime
	t.client.TimeOffset = offset
	if offset > 1000 || offset < -1000 {
		t.log.Warn().Int64("offset_ms", offset).Msg("⚠️  local clock differs from Binance server time")
	} else {
		t.log.Info().Int64("offset_ms", offset).Msg("✓ time synchronized with Binance server")
	}
}

func isTimestampError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "-1021") || strings.Contains(msg, "recvWindow") || strings.Contains(msg, "timestamp")
}

// withResync runs a signed read, re-syncing the clock and retrying once on a timestamp error
func withResync[T any](ctx context.Context, t *BinanceFuturesVenue, call func() (T, error)) (T, error) {
	res, err := call()
	if err != nil && isTimestampError(err) {
		t.log.Warn().Err(err).Msg("⚠️  timestamp error detected, re-syncing server time")
		t.syncServerTime(ctx)
		res, err = call()
	}
	return res, err
}

func (t *BinanceFuturesVenue) ready() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.connected {
		return ErrNotConnected
	}
	return nil
}

// SizeDecimals LOT_SIZE precision, 3 when unknown
func (t *BinanceFuturesVenue) SizeDecimals(symbol string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if d, ok := t.sizeDecimals[t.pair(symbol)]; ok {
		return d
	}
	return 3
}

// formatPrice rounds price to the pair's PRICE_FILTER tick; unknown pairs keep full precision
func (t *BinanceFuturesVenue) formatPrice(symbol string, price float64) string {
	t.mu.RLock()
	tick, ok := t.tickSizes[t.pair(symbol)]
	t.mu.RUnlock()
	if !ok {
		return strconv.FormatFloat(price, 'f', -1, 64)
	}
	return RoundToTick(price, tick).String()
}

// Balance wallet, available and unrealized totals
func (t *BinanceFuturesVenue) Balance(ctx context.Context) (account.Balance, error) {
	if err := t.ready(); err != nil {
		return account.Balance{}, err
	}
	acct, err := withResync(ctx, t, func() (*futures.Account, error) {
		return t.client.NewGetAccountService().Do(ctx)
	})
	if err != nil {
		return account.Balance{}, fmt.Errorf("%w: failed to get account info: %v", ErrConnectionLost, err)
	}

	wallet := parseFloat(acct.TotalWalletBalance)
	unrealized := parseFloat(acct.TotalUnrealizedProfit)
	available := parseFloat(acct.AvailableBalance)
	equity := wallet + unrealized
	margin := equity - available
	if margin < 0 {
		margin = 0
	}
	return account.Balance{
		TotalEquity:   equity,
		Available:     available,
		MarginUsed:    margin,
		UnrealizedPnL: unrealized,
	}, nil
}

// Positions non-zero position risk entries
func (t *BinanceFuturesVenue) Positions(ctx context.Context) ([]account.Position, error) {
	if err := t.ready(); err != nil {
		return nil, err
	}
	risks, err := withResync(ctx, t, func() ([]*futures.PositionRisk, error) {
		return t.client.NewGetPositionRiskService().Do(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get positions: %v", ErrConnectionLost, err)
	}

	var positions []account.Position
	for _, pos := range risks {
		amt := parseFloat(pos.PositionAmt)
		if amt == 0 {
			continue
		}
		lev, _ := strconv.Atoi(pos.Leverage)
		p := account.Position{
			Symbol:           strings.TrimSuffix(pos.Symbol, t.quoteAsset),
			Side:             account.Long,
			Size:             amt,
			EntryPrice:       parseFloat(pos.EntryPrice),
			CurrentPrice:     parseFloat(pos.MarkPrice),
			Leverage:         lev,
			LiquidationPrice: parseFloat(pos.LiquidationPrice),
		}
		if amt < 0 {
			p.Side = account.Short
			p.Size = -amt
		}
		if lev > 0 {
			p.MarginUsed = p.Size * p.CurrentPrice / float64(lev)
		}
		p.UnrealizedPnL = p.PricePnL(p.CurrentPrice)
		p.UnrealizedPnL.Absolute = parseFloat(pos.UnRealizedProfit)
		positions = append(positions, p)
	}
	return positions, nil
}

// MidPrice midpoint of the best bid and ask
func (t *BinanceFuturesVenue) MidPrice(ctx context.Context, symbol string) (float64, error) {
	tickers, err := t.client.NewListBookTickersService().Symbol(t.pair(symbol)).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to get book ticker: %v", ErrConnectionLost, err)
	}
	if len(tickers) == 0 {
		return 0, fmt.Errorf("book ticker not found for %s", t.pair(symbol))
	}
	return bookMid(tickers[0])
}

func bookMid(bt *futures.BookTicker) (float64, error) {
	bid, ask := parseFloat(bt.BidPrice), parseFloat(bt.AskPrice)
	switch {
	case bid > 0 && ask > 0:
		return (bid + ask) / 2, nil
	case bid > 0:
		return bid, nil
	case ask > 0:
		return ask, nil
	}
	return 0, fmt.Errorf("empty book for %s", bt.Symbol)
}

// Candles klines for the pair, oldest first
func (t *BinanceFuturesVenue) Candles(ctx context.Context, symbol, interval string, limit int) ([]indicator.Candle, error) {
	klines, err := t.client.NewKlinesService().Symbol(t.pair(symbol)).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get klines: %v", ErrConnectionLost, err)
	}
	return market.CandlesFromKlines(klines), nil
}

// OrderBook depth summary for the pair
func (t *BinanceFuturesVenue) OrderBook(ctx context.Context, symbol string, depth int) (market.OrderBookSummary, error) {
	res, err := t.client.NewDepthService().Symbol(t.pair(symbol)).Limit(depth).Do(ctx)
	if err != nil {
		return market.OrderBookSummary{}, fmt.Errorf("%w: failed to get order book: %v", ErrConnectionLost, err)
	}
	return market.SummarizeDepth(res), nil
}

// SetLeverage switches leverage and cross margin for the pair
func (t *BinanceFuturesVenue) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if err := t.ready(); err != nil {
		return err
	}
	pair := t.pair(symbol)
	err := t.client.NewChangeMarginTypeService().Symbol(pair).MarginType(futures.MarginTypeCrossed).Do(ctx)
	if err != nil && !strings.Contains(err.Error(), "No need to change") &&
		!strings.Contains(err.Error(), "Multi-Assets mode") && !strings.Contains(err.Error(), "-4168") {
		return fmt.Errorf("failed to set margin mode: %w", err)
	}
	if _, err := t.client.NewChangeLeverageService().Symbol(pair).Leverage(leverage).Do(ctx); err != nil {
		if strings.Contains(err.Error(), "No need to change") {
			return nil
		}
		return fmt.Errorf("failed to set leverage: %w", err)
	}
	t.log.Info().Str("symbol", pair).Int("leverage", leverage).Msg("✓ leverage switched")
	return nil
}

// PlaceOrder IOC limit or reduce-only STOP_MARKET / TAKE_PROFIT_MARKET on mark price
func (t *BinanceFuturesVenue) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if err := t.ready(); err != nil {
		return OrderResult{}, err
	}
	decimals := t.SizeDecimals(req.Symbol)
	side := futures.SideTypeSell
	if req.IsBuy {
		side = futures.SideTypeBuy
	}

	svc := t.client.NewCreateOrderService().
		Symbol(t.pair(req.Symbol)).
		Side(side).
		PositionSide(futures.PositionSideTypeBoth).
		Quantity(FormatSize(req.Size, decimals))

	switch req.Type {
	case OrderStopMarket, OrderTakeProfit:
		orderType := futures.OrderTypeStopMarket
		if req.Type == OrderTakeProfit {
			orderType = futures.OrderTypeTakeProfitMarket
		}
		svc = svc.Type(orderType).
			StopPrice(t.formatPrice(req.Symbol, req.TriggerPrice)).
			WorkingType(futures.WorkingTypeMarkPrice).
			ReduceOnly(true)
	default:
		svc = svc.Type(futures.OrderTypeLimit).
			TimeInForce(futures.TimeInForceTypeIOC).
			Price(t.formatPrice(req.Symbol, req.Price)).
			ReduceOnly(req.ReduceOnly)
	}

	order, err := svc.Do(ctx)
	if err != nil {
		return OrderResult{Status: StatusRejected, Message: err.Error()}, nil
	}

	result := OrderResult{OrderID: order.OrderID}
	filled := parseFloat(order.ExecutedQuantity)
	switch {
	case filled > 0:
		result.Status = StatusFilled
		result.FilledSize = filled
		result.AvgPrice = parseFloat(order.AvgPrice)
	case order.Status == futures.OrderStatusTypeNew:
		result.Status = StatusResting
	default:
		result.Status = StatusRejected
		result.Message = fmt.Sprintf("order %s", order.Status)
	}
	return result, nil
}

// CancelOrder cancels by order id
func (t *BinanceFuturesVenue) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	if err := t.ready(); err != nil {
		return err
	}
	if _, err := t.client.NewCancelOrderService().Symbol(t.pair(symbol)).OrderID(orderID).Do(ctx); err != nil {
		return fmt.Errorf("failed to cancel order %d: %w", orderID, err)
	}
	return nil
}

// OpenOrders resting orders for symbol, or all pairs when symbol is empty
func (t *BinanceFuturesVenue) OpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	if err := t.ready(); err != nil {
		return nil, err
	}
	svc := t.client.NewListOpenOrdersService()
	if symbol != "" {
		svc = svc.Symbol(t.pair(symbol))
	}
	orders, err := withResync(ctx, t, func() ([]*futures.Order, error) { return svc.Do(ctx) })
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list open orders: %v", ErrConnectionLost, err)
	}
	out := make([]OpenOrder, 0, len(orders))
	for _, o := range orders {
		price := parseFloat(o.StopPrice)
		if price == 0 {
			price = parseFloat(o.Price)
		}
		out = append(out, OpenOrder{
			OrderID:    o.OrderID,
			Symbol:     strings.TrimSuffix(o.Symbol, t.quoteAsset),
			IsBuy:      o.Side == futures.SideTypeBuy,
			Size:       parseFloat(o.OrigQuantity),
			Price:      price,
			ReduceOnly: o.ReduceOnly,
		})
	}
	return out, nil
}

// calculatePrecision decimals implied by a LOT_SIZE step such as "0.001000"
func calculatePrecision(stepSize string) int {
	if !strings.Contains(stepSize, ".") {
		return 0
	}
	stepSize = strings.TrimRight(stepSize, "0")
	dot := strings.IndexByte(stepSize, '.')
	return len(stepSize) - dot - 1
}
