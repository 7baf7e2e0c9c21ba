package trader

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"perpagent/account"
	"perpagent/indicator"
	"perpagent/market"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// fakeVenue scripted venue for gateway tests
type fakeVenue struct {
	mu sync.Mutex

	connectErr  error
	balanceErr  error
	dropReads   int           // next reads that fail with a lost connection
	connectGate chan struct{} // Connect blocks until closed
	mid         float64
	positions   []account.Position
	orders      []OpenOrder
	rejectFor   map[string]string // symbol -> rejection message
	restOrders  bool
	connects    int
	placed      []OrderRequest
	cancelled   []int64
	leverageSet map[string]int
}

func newFakeVenue() *fakeVenue {
	return &fakeVenue{mid: 100, rejectFor: map[string]string{}, leverageSet: map[string]int{}}
}

func (f *fakeVenue) Name() string { return "fake" }

func (f *fakeVenue) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connects++
	gate, err := f.connectGate, f.connectErr
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return err
}

func (f *fakeVenue) Balance(ctx context.Context) (account.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balanceErr != nil {
		return account.Balance{}, f.balanceErr
	}
	if f.dropReads > 0 {
		f.dropReads--
		return account.Balance{}, fmt.Errorf("%w: connection reset", ErrConnectionLost)
	}
	return account.Balance{TotalEquity: 10000, Available: 10000}, nil
}

func (f *fakeVenue) Positions(ctx context.Context) ([]account.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]account.Position(nil), f.positions...), nil
}

func (f *fakeVenue) MidPrice(ctx context.Context, symbol string) (float64, error) {
	return f.mid, nil
}

func (f *fakeVenue) Candles(ctx context.Context, symbol, interval string, limit int) ([]indicator.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dropReads > 0 {
		f.dropReads--
		return nil, fmt.Errorf("%w: connection reset", ErrConnectionLost)
	}
	candles := make([]indicator.Candle, limit)
	for i := range candles {
		candles[i] = indicator.Candle{Timestamp: int64(i) * 60000, Open: f.mid, High: f.mid + 1, Low: f.mid - 1, Close: f.mid, Volume: 1}
	}
	return candles, nil
}

func (f *fakeVenue) OrderBook(ctx context.Context, symbol string, depth int) (market.OrderBookSummary, error) {
	return market.SummarizeBook(
		[]market.Level{{Price: f.mid - 0.5, Quantity: 2}},
		[]market.Level{{Price: f.mid + 0.5, Quantity: 1}},
	), nil
}

func (f *fakeVenue) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leverageSet[symbol] = leverage
	return nil
}

func (f *fakeVenue) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed = append(f.placed, req)
	id := int64(len(f.placed))
	if msg, ok := f.rejectFor[req.Symbol]; ok {
		return OrderResult{OrderID: id, Status: StatusRejected, Message: msg}, nil
	}
	if req.Type != OrderLimitIOC || f.restOrders {
		return OrderResult{OrderID: id, Status: StatusResting}, nil
	}
	return OrderResult{OrderID: id, Status: StatusFilled, FilledSize: req.Size, AvgPrice: f.mid}, nil
}

func (f *fakeVenue) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

func (f *fakeVenue) OpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]OpenOrder(nil), f.orders...), nil
}

func (f *fakeVenue) SizeDecimals(symbol string) int { return 3 }

func newTestGateway(v Venue) *Gateway {
	return NewGateway(v, GatewayConfig{MaxSlippagePct: 0.5, OrderTimeout: time.Second, ReconnectCooldown: time.Hour}, zerolog.Nop())
}

func TestGatewayReconnectCooldown(t *testing.T) {
	v := newFakeVenue()
	v.connectErr = errors.New("dial tcp: refused")
	g := newTestGateway(v)
	ctx := context.Background()

	if _, err := g.Balance(ctx); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err=%v, expected ErrNotConnected", err)
	}
	v.connectErr = nil
	if _, err := g.Balance(ctx); !errors.Is(err, ErrNotConnected) || !strings.Contains(err.Error(), "cooldown") {
		t.Fatalf("err=%v, expected cooldown rejection", err)
	}
	if v.connects != 1 {
		t.Fatalf("connects=%d, expected 1", v.connects)
	}
	if g.LastError() == nil {
		t.Fatalf("LastError=nil, expected the connect failure")
	}
}

func TestGatewaySingleConnectInFlight(t *testing.T) {
	v := newFakeVenue()
	v.connectGate = make(chan struct{})
	g := newTestGateway(v)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = g.Balance(context.Background())
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(v.connectGate)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v, expected to share the in-flight connect", i, err)
		}
	}
	if v.connects != 1 {
		t.Fatalf("connects=%d, expected 1", v.connects)
	}
}

func TestGatewayConnectWaitHonorsContext(t *testing.T) {
	v := newFakeVenue()
	g := newTestGateway(v)
	g.connecting = make(chan struct{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := g.EnsureConnected(ctx)
	if !errors.Is(err, ErrNotConnected) || !strings.Contains(err.Error(), "in progress") {
		t.Fatalf("err=%v, expected in-progress rejection", err)
	}
	if v.connects != 0 {
		t.Fatalf("connects=%d, expected 0", v.connects)
	}
}

func TestGatewayDropsConnectionOnTransportError(t *testing.T) {
	v := newFakeVenue()
	g := newTestGateway(v)
	ctx := context.Background()

	if _, err := g.Balance(ctx); err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if !g.Connected() {
		t.Fatalf("Connected=false, expected true")
	}

	v.balanceErr = fmt.Errorf("%w: read timeout", ErrConnectionLost)
	if _, err := g.Balance(ctx); err == nil {
		t.Fatalf("expected error")
	}
	if g.Connected() {
		t.Fatalf("Connected=true, expected false after connection loss")
	}

	// a business error keeps the connection
	g2 := newTestGateway(newFakeVenue())
	g2.venue.(*fakeVenue).balanceErr = errors.New("account not found")
	g2.Balance(ctx)
	if !g2.Connected() {
		t.Fatalf("Connected=false, expected business errors to keep the connection")
	}
}

func TestGatewayRetriesReadAfterReconnect(t *testing.T) {
	v := newFakeVenue()
	g := newTestGateway(v)
	g.limiter = rate.NewLimiter(rate.Inf, 1)
	ctx := context.Background()

	if _, err := g.Balance(ctx); err != nil {
		t.Fatalf("Balance: %v", err)
	}
	v.dropReads = 1
	bal, err := g.Balance(ctx)
	if err != nil {
		t.Fatalf("Balance: %v, expected the retry after reconnect to succeed", err)
	}
	if bal.TotalEquity != 10000 || v.connects != 2 || !g.Connected() {
		t.Fatalf("equity=%v connects=%d connected=%v, expected one reconnect", bal.TotalEquity, v.connects, g.Connected())
	}

	// a second consecutive failure is reported, not retried again
	v.dropReads = 2
	if _, err := g.Balance(ctx); !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("err=%v, expected ErrConnectionLost", err)
	}
	if v.connects != 3 || g.Connected() {
		t.Fatalf("connects=%d connected=%v, expected a single retry", v.connects, g.Connected())
	}
}

func TestGatewayServesAnalysisFeed(t *testing.T) {
	v := newFakeVenue()
	g := newTestGateway(v)
	g.limiter = rate.NewLimiter(rate.Inf, 1)
	var feed market.Feed = g
	if err := g.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("EnsureConnected: %v", err)
	}

	engine := market.NewEngine(feed, market.EngineConfig{Interval: "1m", CandleLimit: 60}, zerolog.Nop())
	data, err := engine.Analyze(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(data.Candles) != 60 || data.CurrentPrice != 100 || data.OrderBook.BestBid != 99.5 {
		t.Fatalf("candles=%d price=%v book=%+v, expected venue data", len(data.Candles), data.CurrentPrice, data.OrderBook)
	}
	if v.connects != 1 {
		t.Fatalf("connects=%d, expected the reads to share one connection", v.connects)
	}

	// candles survive a dropped connection through the reconnect
	v.dropReads = 1
	if candles, err := g.Candles(context.Background(), "BTC", "1m", 5); err != nil || len(candles) != 5 {
		t.Fatalf("candles=%d err=%v, expected 5 after reconnect", len(candles), err)
	}
}

func TestPlaceMarketOrder(t *testing.T) {
	v := newFakeVenue()
	g := newTestGateway(v)

	res := g.PlaceMarketOrder(context.Background(), "BTC", account.Long, 1.23456, 3, 0)
	if !res.Success {
		t.Fatalf("Success=false: %s", res.Error)
	}
	if res.FilledSize != 1.234 {
		t.Fatalf("FilledSize=%v, expected 1.234 (truncated)", res.FilledSize)
	}
	if v.leverageSet["BTC"] != 3 {
		t.Fatalf("leverage=%d, expected 3", v.leverageSet["BTC"])
	}
	req := v.placed[0]
	if !req.IsBuy || req.Type != OrderLimitIOC || req.ReduceOnly {
		t.Fatalf("unexpected request %+v", req)
	}
	if req.Price != 100.5 {
		t.Fatalf("limit=%v, expected 100.5", req.Price)
	}
}

func TestPlaceMarketOrderRestingIsCancelled(t *testing.T) {
	v := newFakeVenue()
	v.restOrders = true
	g := newTestGateway(v)

	res := g.PlaceMarketOrder(context.Background(), "BTC", account.Short, 1, 1, 0)
	if res.Success {
		t.Fatalf("Success=true, expected a resting order to fail")
	}
	if len(v.cancelled) != 1 || v.cancelled[0] != 1 {
		t.Fatalf("cancelled=%v, expected [1]", v.cancelled)
	}
	if len(v.placed) != 1 {
		t.Fatalf("placed=%d, expected no retry", len(v.placed))
	}
}

func TestPlaceMarketOrderSizeRoundsToZero(t *testing.T) {
	v := newFakeVenue()
	g := newTestGateway(v)
	res := g.PlaceMarketOrder(context.Background(), "BTC", account.Long, 0.0004, 1, 0)
	if res.Success || len(v.placed) != 0 {
		t.Fatalf("expected rejection before reaching the venue, got %+v", res)
	}
}

func TestPlaceProtectiveOrder(t *testing.T) {
	v := newFakeVenue()
	g := newTestGateway(v)

	if err := g.PlaceProtectiveOrder(context.Background(), "BTC", account.Long, 1, 98, StopLoss); err != nil {
		t.Fatalf("PlaceProtectiveOrder: %v", err)
	}
	req := v.placed[0]
	if req.IsBuy || !req.ReduceOnly || req.Type != OrderStopMarket || req.TriggerPrice != 98 {
		t.Fatalf("unexpected request %+v", req)
	}
}

func TestCloseAllPositionsAggregates(t *testing.T) {
	v := newFakeVenue()
	v.positions = []account.Position{
		{Symbol: "BTC", Side: account.Long, EntryPrice: 90, Size: 1, Leverage: 1},
		{Symbol: "ETH", Side: account.Short, EntryPrice: 110, Size: 2, Leverage: 1},
		{Symbol: "SOL", Side: account.Short, EntryPrice: 110, Size: 1, Leverage: 1},
	}
	v.orders = []OpenOrder{{OrderID: 7, Symbol: "BTC"}}
	v.rejectFor["ETH"] = "reduce only rejected"
	g := newTestGateway(v)

	res := g.CloseAllPositions(context.Background())
	if res.Success {
		t.Fatalf("Success=true, expected false")
	}
	if res.Attempted != 3 || res.Closed != 2 || res.Failed != 1 {
		t.Fatalf("attempted/closed/failed=%d/%d/%d, expected 3/2/1", res.Attempted, res.Closed, res.Failed)
	}
	if res.FailedPositions[0].Symbol != "ETH" {
		t.Fatalf("failed=%v, expected ETH", res.FailedPositions)
	}
	// BTC long 90 -> 100: +10, SOL short 110 -> 100: +10
	if res.TotalPnL != 20 {
		t.Fatalf("TotalPnL=%v, expected 20", res.TotalPnL)
	}
	if len(v.cancelled) != 1 {
		t.Fatalf("cancelled=%v, expected the open order cancelled first", v.cancelled)
	}
}
