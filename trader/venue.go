package trader

import (
	"context"
	"errors"
	"fmt"

	"perpagent/account"
	"perpagent/indicator"
	"perpagent/market"
)

var (
	// ErrNotConnected the venue connection is down and no reconnect is allowed yet
	ErrNotConnected = errors.New("exchange not connected")
	// ErrConnectionLost venues wrap transport failures with this so the gateway drops the connection
	ErrConnectionLost = errors.New("exchange connection lost")
)

// OrderType how an order executes on the venue
type OrderType string

const (
	OrderLimitIOC   OrderType = "limit_ioc"
	OrderStopMarket OrderType = "stop_market"        // reduce-only stop loss trigger
	OrderTakeProfit OrderType = "take_profit_market" // reduce-only take profit trigger
)

// OrderStatus venue verdict on a submitted order
type OrderStatus string

const (
	StatusFilled   OrderStatus = "filled"
	StatusResting  OrderStatus = "resting"
	StatusRejected OrderStatus = "rejected"
)

// OrderRequest one order, already rounded to venue precision
type OrderRequest struct {
	Symbol       string
	IsBuy        bool
	Size         float64 // base units
	Price        float64 // limit price; for triggers the execution bound
	TriggerPrice float64
	Type         OrderType
	ReduceOnly   bool
}

// OrderResult venue response to PlaceOrder
type OrderResult struct {
	OrderID    int64
	Status     OrderStatus
	FilledSize float64
	AvgPrice   float64
	Message    string
}

// OpenOrder resting order on the venue
type OpenOrder struct {
	OrderID    int64   `json:"order_id"`
	Symbol     string  `json:"symbol"`
	IsBuy      bool    `json:"is_buy"`
	Size       float64 `json:"size"`
	Price      float64 `json:"price"`
	ReduceOnly bool    `json:"reduce_only"`
}

// Venue one exchange account. Implementations are not required to be safe for
// concurrent use; the Gateway serializes order placement.
type Venue interface {
	Name() string
	// Connect validates credentials and loads venue metadata
	Connect(ctx context.Context) error
	Balance(ctx context.Context) (account.Balance, error)
	Positions(ctx context.Context) ([]account.Position, error)
	MidPrice(ctx context.Context, symbol string) (float64, error)
	// Candles most recent limit candles, oldest first
	Candles(ctx context.Context, symbol, interval string, limit int) ([]indicator.Candle, error)
	OrderBook(ctx context.Context, symbol string, depth int) (market.OrderBookSummary, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
	// OpenOrders lists resting orders; an empty symbol means all symbols
	OpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error)
	// SizeDecimals number of decimals the venue accepts for symbol sizes
	SizeDecimals(symbol string) int
}

// ExecutionResult outcome of a gateway order; failures are values, not errors
type ExecutionResult struct {
	Success         bool    `json:"success"`
	OrderID         int64   `json:"order_id,omitempty"`
	FillPrice       float64 `json:"fill_price,omitempty"`
	FilledSize      float64 `json:"filled_size,omitempty"`
	SlippagePct     float64 `json:"slippage_pct,omitempty"`
	ExecutionTimeMs int64   `json:"execution_time_ms"`
	Error           string  `json:"error,omitempty"`
}

func failed(format string, args ...interface{}) ExecutionResult {
	return ExecutionResult{Success: false, Error: fmt.Sprintf(format, args...)}
}

// FailedClose one position CloseAllPositions could not close
type FailedClose struct {
	Symbol string       `json:"symbol"`
	Side   account.Side `json:"side"`
	Size   float64      `json:"size"`
	Error  string       `json:"error"`
}

// CloseAllResult aggregate of closing every open position independently
type CloseAllResult struct {
	Success         bool          `json:"success"`
	Attempted       int           `json:"attempted"`
	Closed          int           `json:"closed"`
	Failed          int           `json:"failed"`
	TotalPnL        float64       `json:"total_pnl"`
	FailedPositions []FailedClose `json:"failed_positions"`
}
