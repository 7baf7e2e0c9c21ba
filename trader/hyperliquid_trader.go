package trader

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"perpagent/account"
	"perpagent/indicator"
	"perpagent/market"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/sonirico/go-hyperliquid"
)

// HyperliquidVenue Hyperliquid perpetuals account
type HyperliquidVenue struct {
	privateKey *ecdsa.PrivateKey
	walletAddr string
	apiURL     string
	log        zerolog.Logger

	mu           sync.RWMutex
	exchange     *hyperliquid.Exchange
	sizeDecimals map[string]int
}

// NewHyperliquidVenue parses the key and derives the wallet address when none is given.
// Nothing is sent to the network until Connect.
func NewHyperliquidVenue(privateKeyHex, walletAddr string, testnet bool, log zerolog.Logger) (*HyperliquidVenue, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	if walletAddr == "" {
		publicKey, ok := privateKey.Public().(*ecdsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("failed to derive public key")
		}
		walletAddr = crypto.PubkeyToAddress(*publicKey).Hex()
	}
	apiURL := hyperliquid.MainnetAPIURL
	if testnet {
		apiURL = hyperliquid.TestnetAPIURL
	}
	return &HyperliquidVenue{
		privateKey:   privateKey,
		walletAddr:   walletAddr,
		apiURL:       apiURL,
		log:          log,
		sizeDecimals: make(map[string]int),
	}, nil
}

// Name venue name
func (t *HyperliquidVenue) Name() string { return "hyperliquid" }

// WalletAddr account address queries run against
func (t *HyperliquidVenue) WalletAddr() string { return t.walletAddr }

// Connect builds a fresh exchange client and loads the perp universe
func (t *HyperliquidVenue) Connect(ctx context.Context) error {
	exchange := hyperliquid.NewExchange(
		ctx,
		t.privateKey,
		t.apiURL,
		nil, // meta fetched by the client
		"",  // no vault
		t.walletAddr,
		nil, // spot meta fetched by the client
	)
	meta, err := exchange.Info().Meta(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to load meta: %v", ErrConnectionLost, err)
	}
	decimals := make(map[string]int, len(meta.Universe))
	for _, asset := range meta.Universe {
		decimals[asset.Name] = asset.SzDecimals
	}

	t.mu.Lock()
	t.exchange = exchange
	t.sizeDecimals = decimals
	t.mu.Unlock()
	t.log.Info().Str("wallet", t.walletAddr).Int("assets", len(decimals)).Msg("✓ hyperliquid meta loaded")
	return nil
}

func (t *HyperliquidVenue) client() (*hyperliquid.Exchange, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.exchange == nil {
		return nil, ErrNotConnected
	}
	return t.exchange, nil
}

// coin maps BTC, BTCUSDT and BTC-PERP to the Hyperliquid coin name
func coin(symbol string) string {
	s := strings.ToUpper(symbol)
	for _, suffix := range []string{"-PERP", "USDT", "USDC", "USD"} {
		s = strings.TrimSuffix(s, suffix)
	}
	return s
}

// SizeDecimals szDecimals from the universe, 4 when unknown
func (t *HyperliquidVenue) SizeDecimals(symbol string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if d, ok := t.sizeDecimals[coin(symbol)]; ok {
		return d
	}
	return 4
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

// Balance margin summary of the account
func (t *HyperliquidVenue) Balance(ctx context.Context) (account.Balance, error) {
	ex, err := t.client()
	if err != nil {
		return account.Balance{}, err
	}
	state, err := ex.Info().UserState(ctx, t.walletAddr)
	if err != nil {
		return account.Balance{}, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}

	var unrealized float64
	for _, ap := range state.AssetPositions {
		unrealized += parseFloat(ap.Position.UnrealizedPnl)
	}
	return account.Balance{
		TotalEquity:   parseFloat(state.MarginSummary.AccountValue),
		Available:     parseFloat(state.Withdrawable),
		MarginUsed:    parseFloat(state.MarginSummary.TotalMarginUsed),
		UnrealizedPnL: unrealized,
	}, nil
}

// Positions non-zero asset positions
func (t *HyperliquidVenue) Positions(ctx context.Context) ([]account.Position, error) {
	ex, err := t.client()
	if err != nil {
		return nil, err
	}
	state, err := ex.Info().UserState(ctx, t.walletAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}

	var positions []account.Position
	for _, ap := range state.AssetPositions {
		pos := ap.Position
		szi := parseFloat(pos.Szi)
		if szi == 0 {
			continue
		}
		p := account.Position{
			Symbol:   pos.Coin,
			Side:     account.Long,
			Size:     szi,
			Leverage: pos.Leverage.Value,
		}
		if szi < 0 {
			p.Side = account.Short
			p.Size = -szi
		}
		if pos.EntryPx != nil {
			p.EntryPrice = parseFloat(*pos.EntryPx)
		}
		if pos.LiquidationPx != nil {
			p.LiquidationPrice = parseFloat(*pos.LiquidationPx)
		}
		value := parseFloat(pos.PositionValue)
		if p.Size > 0 {
			p.CurrentPrice = value / p.Size
		}
		if p.Leverage > 0 {
			p.MarginUsed = value / float64(p.Leverage)
		}
		p.UnrealizedPnL = p.PricePnL(p.CurrentPrice)
		p.UnrealizedPnL.Absolute = parseFloat(pos.UnrealizedPnl)
		positions = append(positions, p)
	}
	return positions, nil
}

// MidPrice from allMids
func (t *HyperliquidVenue) MidPrice(ctx context.Context, symbol string) (float64, error) {
	ex, err := t.client()
	if err != nil {
		return 0, err
	}
	mids, err := ex.Info().AllMids(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	c := coin(symbol)
	raw, ok := mids[c]
	if !ok {
		return 0, fmt.Errorf("no mid price for %s", c)
	}
	price, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid mid price %q for %s: %w", raw, c, err)
	}
	return price, nil
}

// Candles the most recent limit candles from a candle snapshot, oldest first
func (t *HyperliquidVenue) Candles(ctx context.Context, symbol, interval string, limit int) ([]indicator.Candle, error) {
	ex, err := t.client()
	if err != nil {
		return nil, err
	}
	step, err := market.IntervalDuration(interval)
	if err != nil {
		return nil, err
	}
	end := time.Now()
	start := end.Add(-step * time.Duration(limit+1))
	raw, err := ex.Info().CandlesSnapshot(ctx, coin(symbol), interval, start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	return hyperliquidCandles(raw, limit), nil
}

// hyperliquidCandles converts snapshot candles keyed by open time, keeping the newest limit
func hyperliquidCandles(raw []hyperliquid.Candle, limit int) []indicator.Candle {
	if limit > 0 && len(raw) > limit {
		raw = raw[len(raw)-limit:]
	}
	candles := make([]indicator.Candle, 0, len(raw))
	for _, c := range raw {
		candles = append(candles, indicator.Candle{
			Timestamp: c.Time,
			Open:      parseFloat(c.Open),
			High:      parseFloat(c.High),
			Low:       parseFloat(c.Low),
			Close:     parseFloat(c.Close),
			Volume:    parseFloat(c.Volume),
		})
	}
	return candles
}

// OrderBook summary of the top depth levels of an L2 snapshot
func (t *HyperliquidVenue) OrderBook(ctx context.Context, symbol string, depth int) (market.OrderBookSummary, error) {
	ex, err := t.client()
	if err != nil {
		return market.OrderBookSummary{}, err
	}
	book, err := ex.Info().L2Snapshot(ctx, coin(symbol))
	if err != nil {
		return market.OrderBookSummary{}, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	return summarizeL2(book, depth), nil
}

// summarizeL2 Levels[0] holds bids and Levels[1] asks, best first
func summarizeL2(book *hyperliquid.L2Book, depth int) market.OrderBookSummary {
	side := func(i int) []market.Level {
		if book == nil || len(book.Levels) <= i {
			return nil
		}
		levels := book.Levels[i]
		if depth > 0 && len(levels) > depth {
			levels = levels[:depth]
		}
		out := make([]market.Level, 0, len(levels))
		for _, l := range levels {
			out = append(out, market.Level{Price: l.Px, Quantity: l.Sz})
		}
		return out
	}
	return market.SummarizeBook(side(0), side(1))
}

// SetLeverage cross-margin leverage for the coin
func (t *HyperliquidVenue) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	ex, err := t.client()
	if err != nil {
		return err
	}
	if _, err := ex.UpdateLeverage(ctx, leverage, coin(symbol), true); err != nil {
		return fmt.Errorf("failed to update leverage: %w", err)
	}
	return nil
}

// PlaceOrder IOC limit or reduce-only trigger order
func (t *HyperliquidVenue) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	ex, err := t.client()
	if err != nil {
		return OrderResult{}, err
	}

	order := hyperliquid.CreateOrderRequest{
		Coin:       coin(req.Symbol),
		IsBuy:      req.IsBuy,
		Size:       req.Size,
		Price:      req.Price,
		ReduceOnly: req.ReduceOnly,
	}
	switch req.Type {
	case OrderStopMarket, OrderTakeProfit:
		trigger := &hyperliquid.TriggerOrderType{TriggerPx: req.TriggerPrice, IsMarket: true, Tpsl: "sl"}
		if req.Type == OrderTakeProfit {
			trigger.Tpsl = "tp"
		}
		order.OrderType = hyperliquid.OrderType{Trigger: trigger}
	default:
		order.OrderType = hyperliquid.OrderType{
			Limit: &hyperliquid.LimitOrderType{Tif: hyperliquid.TifIoc},
		}
	}

	status, err := ex.Order(ctx, order, nil)
	if err != nil {
		return OrderResult{Status: StatusRejected, Message: err.Error()}, nil
	}
	switch {
	case status.Filled != nil:
		return OrderResult{
			OrderID:    int64(status.Filled.Oid),
			Status:     StatusFilled,
			FilledSize: parseFloat(status.Filled.TotalSz),
			AvgPrice:   parseFloat(status.Filled.AvgPx),
		}, nil
	case status.Resting != nil:
		return OrderResult{OrderID: int64(status.Resting.Oid), Status: StatusResting}, nil
	}
	return OrderResult{Status: StatusRejected, Message: "order neither filled nor resting"}, nil
}

// CancelOrder cancels by order id
func (t *HyperliquidVenue) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	ex, err := t.client()
	if err != nil {
		return err
	}
	if _, err := ex.Cancel(ctx, coin(symbol), orderID); err != nil {
		return fmt.Errorf("failed to cancel order %d: %w", orderID, err)
	}
	return nil
}

// OpenOrders resting orders for symbol, or all when symbol is empty
func (t *HyperliquidVenue) OpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	ex, err := t.client()
	if err != nil {
		return nil, err
	}
	orders, err := ex.Info().OpenOrders(ctx, t.walletAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	want := coin(symbol)
	var out []OpenOrder
	for _, o := range orders {
		if symbol != "" && o.Coin != want {
			continue
		}
		out = append(out, OpenOrder{
			OrderID: int64(o.Oid),
			Symbol:  o.Coin,
			IsBuy:   o.Side == "B",
		})
	}
	return out, nil
}
