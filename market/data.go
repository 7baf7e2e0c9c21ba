package market

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"perpagent/indicator"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// MinCandles below this an indicator set is meaningless and analysis fails
const MinCandles = 50

// ErrInsufficientData returned when the feed yields fewer than MinCandles candles
var ErrInsufficientData = errors.New("insufficient candle data")

// Regime market regime classification
type Regime string

const (
	RegimeTrendingUp    Regime = "trending_up"
	RegimeTrendingDown  Regime = "trending_down"
	RegimeRanging       Regime = "ranging"
	RegimeVolatile      Regime = "volatile"
	RegimeLowVolatility Regime = "low_volatility"
)

// OrderBookSummary top-of-book depth summary
type OrderBookSummary struct {
	BestBid   float64 `json:"best_bid"`
	BestAsk   float64 `json:"best_ask"`
	Spread    float64 `json:"spread"`
	SpreadPct float64 `json:"spread_pct"`
	BidDepth  float64 `json:"bid_depth"` // quote notional
	AskDepth  float64 `json:"ask_depth"`
	Imbalance float64 `json:"imbalance"` // (bid-ask)/(bid+ask), in [-1, 1]
}

// Level one order book price level
type Level struct {
	Price    float64
	Quantity float64
}

// SummarizeBook builds the depth summary from raw levels (best first)
func SummarizeBook(bids, asks []Level) OrderBookSummary {
	var s OrderBookSummary
	for _, b := range bids {
		s.BidDepth += b.Price * b.Quantity
	}
	for _, a := range asks {
		s.AskDepth += a.Price * a.Quantity
	}
	if len(bids) > 0 {
		s.BestBid = bids[0].Price
	}
	if len(asks) > 0 {
		s.BestAsk = asks[0].Price
	}
	if s.BestBid > 0 && s.BestAsk > 0 {
		s.Spread = s.BestAsk - s.BestBid
		s.SpreadPct = s.Spread / ((s.BestAsk + s.BestBid) / 2) * 100
	}
	if total := s.BidDepth + s.AskDepth; total > 0 {
		s.Imbalance = (s.BidDepth - s.AskDepth) / total
	}
	return s
}

// Data market snapshot for one analysis pass
type Data struct {
	Symbol               string             `json:"symbol"`
	CurrentPrice         float64            `json:"current_price"`
	Volume24h            float64            `json:"volume_24h"`
	PriceChange24h       float64            `json:"price_change_24h"`
	PriceChangePercent24 float64            `json:"price_change_percent_24h"`
	High24h              float64            `json:"high_24h"`
	Low24h               float64            `json:"low_24h"`
	Candles              []indicator.Candle `json:"-"`
	Indicators           indicator.Set      `json:"indicators"`
	OrderBook            OrderBookSummary   `json:"order_book"`
	Regime               Regime             `json:"regime"`
	Timestamp            time.Time          `json:"timestamp"`
}

// Feed market data source
type Feed interface {
	Candles(ctx context.Context, symbol, interval string, limit int) ([]indicator.Candle, error)
	OrderBook(ctx context.Context, symbol string, depth int) (OrderBookSummary, error)
	Price(ctx context.Context, symbol string) (float64, error)
}

// IntervalDuration parses a candle interval such as "15m", "4h", "1d" or "1w"
func IntervalDuration(interval string) (time.Duration, error) {
	if len(interval) < 2 {
		return 0, fmt.Errorf("invalid candle interval %q", interval)
	}
	n, err := strconv.Atoi(interval[:len(interval)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid candle interval %q", interval)
	}
	var unit time.Duration
	switch interval[len(interval)-1] {
	case 'm':
		unit = time.Minute
	case 'h':
		unit = time.Hour
	case 'd':
		unit = 24 * time.Hour
	case 'w':
		unit = 7 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("invalid candle interval %q", interval)
	}
	return time.Duration(n) * unit, nil
}

// EngineConfig analysis parameters
type EngineConfig struct {
	Interval       string
	CandleLimit    int
	OrderBookDepth int
	Timeout        time.Duration
}

// Engine market analysis engine
type Engine struct {
	feed Feed
	cfg  EngineConfig
	log  zerolog.Logger
}

// NewEngine creates an analysis engine over feed
func NewEngine(feed Feed, cfg EngineConfig, log zerolog.Logger) *Engine {
	if cfg.Interval == "" {
		cfg.Interval = "15m"
	}
	if cfg.CandleLimit <= 0 {
		cfg.CandleLimit = 200
	}
	if cfg.OrderBookDepth <= 0 {
		cfg.OrderBookDepth = 20
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Engine{feed: feed, cfg: cfg, log: log}
}

// Analyze fetches candles, price and order book concurrently and builds the snapshot
func (e *Engine) Analyze(ctx context.Context, symbol string) (*Data, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	var (
		candles []indicator.Candle
		price   float64
		book    OrderBookSummary
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		candles, err = e.feed.Candles(gctx, symbol, e.cfg.Interval, e.cfg.CandleLimit)
		if err != nil {
			return fmt.Errorf("failed to get candles: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		price, err = e.feed.Price(gctx, symbol)
		if err != nil {
			return fmt.Errorf("failed to get price: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		book, err = e.feed.OrderBook(gctx, symbol, e.cfg.OrderBookDepth)
		if err != nil {
			return fmt.Errorf("failed to get order book: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		e.log.Error().Err(err).Str("symbol", symbol).Msg("❌ failed to get market data")
		return nil, err
	}

	return Build(symbol, candles, price, book)
}

// Signal generates the technical signal for d
func (e *Engine) Signal(d *Data) Signal {
	return GenerateSignal(d)
}

// Build computes indicators, regime and 24h stats from already fetched inputs.
// A non-positive price falls back to the last close.
func Build(symbol string, candles []indicator.Candle, price float64, book OrderBookSummary) (*Data, error) {
	if len(candles) < MinCandles {
		return nil, fmt.Errorf("%w: %d candles (need %d+)", ErrInsufficientData, len(candles), MinCandles)
	}
	last := candles[len(candles)-1]
	if price <= 0 {
		price = last.Close
	}

	set := indicator.Compute(candles)
	d := &Data{
		Symbol:       symbol,
		CurrentPrice: price,
		Candles:      candles,
		Indicators:   set,
		OrderBook:    book,
		Regime:       DetectRegime(set),
		Timestamp:    time.UnixMilli(last.Timestamp),
	}

	// 24h window relative to the newest candle
	cutoff := last.Timestamp - int64(24*time.Hour/time.Millisecond)
	d.High24h, d.Low24h = price, price
	var open24h float64
	first := true
	for _, c := range candles {
		if c.Timestamp <= cutoff {
			continue
		}
		if first {
			open24h = c.Open
			d.High24h, d.Low24h = c.High, c.Low
			first = false
		}
		d.High24h = math.Max(d.High24h, c.High)
		d.Low24h = math.Min(d.Low24h, c.Low)
		d.Volume24h += c.Volume
	}
	if open24h > 0 {
		d.PriceChange24h = price - open24h
		d.PriceChangePercent24 = d.PriceChange24h / open24h * 100
	}
	return d, nil
}

// DetectRegime classifies the market. Volatility checks run first, then EMA alignment.
func DetectRegime(s indicator.Set) Regime {
	if s.VolatilityPercentile > 80 {
		return RegimeVolatile
	}
	if s.VolatilityPercentile < 20 && s.Bollinger.Bandwidth < 0.02 {
		return RegimeLowVolatility
	}
	if s.EMA9 > s.EMA21 && s.EMA21 > s.EMA50 && s.TrendStrength > 50 {
		return RegimeTrendingUp
	}
	if s.EMA9 < s.EMA21 && s.EMA21 < s.EMA50 && s.TrendStrength > 50 {
		return RegimeTrendingDown
	}
	return RegimeRanging
}

// Format renders the snapshot as prompt text
func Format(d *Data) string {
	var sb strings.Builder
	ind := d.Indicators
	sb.WriteString(fmt.Sprintf("Symbol: %s\n", d.Symbol))
	sb.WriteString(fmt.Sprintf("Current Price: %.4f | 24h Change: %+.2f%% | 24h High/Low: %.4f / %.4f | 24h Volume: %.2f\n",
		d.CurrentPrice, d.PriceChangePercent24, d.High24h, d.Low24h, d.Volume24h))
	sb.WriteString(fmt.Sprintf("Market Regime: %s\n\n", d.Regime))
	sb.WriteString("Technical Indicators:\n")
	sb.WriteString(fmt.Sprintf("- EMA 9/21/50/200: %.4f / %.4f / %.4f / %.4f\n", ind.EMA9, ind.EMA21, ind.EMA50, ind.EMA200))
	sb.WriteString(fmt.Sprintf("- SMA 20/50: %.4f / %.4f\n", ind.SMA20, ind.SMA50))
	sb.WriteString(fmt.Sprintf("- RSI 14/7: %.2f / %.2f\n", ind.RSI14, ind.RSI7))
	sb.WriteString(fmt.Sprintf("- MACD: line %.4f, signal %.4f, histogram %.4f\n", ind.MACD.Value, ind.MACD.Signal, ind.MACD.Histogram))
	sb.WriteString(fmt.Sprintf("- Stochastic: %%K %.2f, %%D %.2f\n", ind.Stochastic.K, ind.Stochastic.D))
	sb.WriteString(fmt.Sprintf("- ATR(14): %.4f\n", ind.ATR14))
	sb.WriteString(fmt.Sprintf("- Bollinger: upper %.4f, middle %.4f, lower %.4f, %%B %.2f, bandwidth %.4f\n",
		ind.Bollinger.Upper, ind.Bollinger.Middle, ind.Bollinger.Lower, ind.Bollinger.PercentB, ind.Bollinger.Bandwidth))
	sb.WriteString(fmt.Sprintf("- VWAP: %.4f\n", ind.VWAP))
	sb.WriteString(fmt.Sprintf("- Volume ratio (vs SMA20): %.2f\n", ind.VolumeRatio))
	sb.WriteString(fmt.Sprintf("- Trend strength: %.0f/100, volatility percentile: %.0f\n", ind.TrendStrength, ind.VolatilityPercentile))
	sb.WriteString(fmt.Sprintf("\nOrder Book: imbalance %+.2f, spread %.4f%%, bid depth %.0f, ask depth %.0f\n",
		d.OrderBook.Imbalance, d.OrderBook.SpreadPct, d.OrderBook.BidDepth, d.OrderBook.AskDepth))
	return sb.String()
}
