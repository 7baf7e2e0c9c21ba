package market

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"perpagent/indicator"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/rs/zerolog"
)

// BinanceFeed public Binance USDⓈ-M futures market data
type BinanceFeed struct {
	client     *futures.Client
	quoteAsset string
	log        zerolog.Logger

	// Time sync tracking
	lastTimeSync  time.Time
	timeOffset    time.Duration
	timeSyncMutex sync.RWMutex
}

// NewBinanceFeed creates a feed; no API key is needed for public market data
func NewBinanceFeed(quoteAsset string, log zerolog.Logger) *BinanceFeed {
	if quoteAsset == "" {
		quoteAsset = "USDT"
	}
	return &BinanceFeed{
		client:     futures.NewClient("", ""),
		quoteAsset: strings.ToUpper(quoteAsset),
		log:        log,
	}
}

// PairSymbol maps a coin ("BTC") to the Binance pair ("BTCUSDT")
func (f *BinanceFeed) PairSymbol(symbol string) string {
	s := strings.ToUpper(symbol)
	if strings.HasSuffix(s, f.quoteAsset) {
		return s
	}
	return s + f.quoteAsset
}

// SyncTime measures the offset between local and Binance server time.
// Re-syncs at most once per minute.
func (f *BinanceFeed) SyncTime(ctx context.Context) (time.Duration, error) {
	f.timeSyncMutex.Lock()
	defer f.timeSyncMutex.Unlock()

	if !f.lastTimeSync.IsZero() && time.Since(f.lastTimeSync) < time.Minute {
		return f.timeOffset, nil
	}

	serverTime, err := f.client.NewServerTimeService().Do(ctx)
	if err != nil {
		f.log.Warn().Err(err).Msg("⚠️  failed to get Binance server time")
		return 0, fmt.Errorf("failed to get server time: %w", err)
	}

	offset := time.Duration(serverTime-time.Now().UnixMilli()) * time.Millisecond
	if offset > time.Second || offset < -time.Second {
		f.log.Warn().Dur("offset", offset).Msg("⚠️  local clock differs from Binance server time")
	} else {
		f.log.Debug().Dur("offset", offset).Msg("✓ time synchronized with Binance server")
	}
	f.lastTimeSync = time.Now()
	f.timeOffset = offset
	return offset, nil
}

// Candles fetches klines, oldest first
func (f *BinanceFeed) Candles(ctx context.Context, symbol, interval string, limit int) ([]indicator.Candle, error) {
	return f.History(ctx, symbol, interval, limit, 0)
}

// History fetches klines ending at endTime (unix millis, 0 for now), oldest first
func (f *BinanceFeed) History(ctx context.Context, symbol, interval string, limit int, endTime int64) ([]indicator.Candle, error) {
	svc := f.client.NewKlinesService().Symbol(f.PairSymbol(symbol)).Interval(interval).Limit(limit)
	if endTime > 0 {
		svc = svc.EndTime(endTime)
	}
	klines, err := svc.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get klines: %w", err)
	}
	return CandlesFromKlines(klines), nil
}

// CandlesFromKlines converts Binance futures klines, keyed by open time
func CandlesFromKlines(klines []*futures.Kline) []indicator.Candle {
	candles := make([]indicator.Candle, 0, len(klines))
	for _, k := range klines {
		c := indicator.Candle{Timestamp: k.OpenTime}
		c.Open, _ = strconv.ParseFloat(k.Open, 64)
		c.High, _ = strconv.ParseFloat(k.High, 64)
		c.Low, _ = strconv.ParseFloat(k.Low, 64)
		c.Close, _ = strconv.ParseFloat(k.Close, 64)
		c.Volume, _ = strconv.ParseFloat(k.Volume, 64)
		candles = append(candles, c)
	}
	return candles
}

// OrderBook fetches L2 depth and summarizes it
func (f *BinanceFeed) OrderBook(ctx context.Context, symbol string, depth int) (OrderBookSummary, error) {
	res, err := f.client.NewDepthService().Symbol(f.PairSymbol(symbol)).Limit(depth).Do(ctx)
	if err != nil {
		return OrderBookSummary{}, fmt.Errorf("failed to get order book: %w", err)
	}
	return SummarizeDepth(res), nil
}

// SummarizeDepth summarizes a Binance futures depth response
func SummarizeDepth(res *futures.DepthResponse) OrderBookSummary {
	bids := make([]Level, 0, len(res.Bids))
	for _, b := range res.Bids {
		bids = append(bids, parseLevel(b.Price, b.Quantity))
	}
	asks := make([]Level, 0, len(res.Asks))
	for _, a := range res.Asks {
		asks = append(asks, parseLevel(a.Price, a.Quantity))
	}
	return SummarizeBook(bids, asks)
}

// Price latest traded price
func (f *BinanceFeed) Price(ctx context.Context, symbol string) (float64, error) {
	prices, err := f.client.NewListPricesService().Symbol(f.PairSymbol(symbol)).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get price: %w", err)
	}
	if len(prices) == 0 {
		return 0, fmt.Errorf("no price returned for %s", symbol)
	}
	price, err := strconv.ParseFloat(prices[0].Price, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse price: %w", err)
	}
	return price, nil
}

func parseLevel(price, qty string) Level {
	p, _ := strconv.ParseFloat(price, 64)
	q, _ := strconv.ParseFloat(qty, 64)
	return Level{Price: p, Quantity: q}
}
