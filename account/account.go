// Package account holds the venue-neutral account and position views shared by
// the risk engine, decision fusion and the exchange gateway.
package account

import "strings"

// Side position side
type Side string

const (
	Long  Side = "long"
	Short Side = "short"
)

// Opposite the closing side
func (s Side) Opposite() Side {
	if s == Long {
		return Short
	}
	return Long
}

// IsBuy whether opening this side buys
func (s Side) IsBuy() bool {
	return s == Long
}

// ParseSide accepts long/short and buy/sell in any case
func ParseSide(v string) (Side, bool) {
	switch strings.ToLower(v) {
	case "long", "buy":
		return Long, true
	case "short", "sell":
		return Short, true
	}
	return "", false
}

// Balance account equity snapshot
type Balance struct {
	TotalEquity   float64 `json:"total_equity"`
	Available     float64 `json:"available"`
	MarginUsed    float64 `json:"margin_used"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

// PnL unrealized profit in absolute and percent-of-margin terms
type PnL struct {
	Absolute   float64 `json:"absolute"`
	Percentage float64 `json:"percentage"`
}

// Position one open position. Stop and target are zero when unknown.
type Position struct {
	Symbol           string  `json:"symbol"`
	Side             Side    `json:"side"`
	EntryPrice       float64 `json:"entry_price"`
	CurrentPrice     float64 `json:"current_price"`
	Size             float64 `json:"size"` // base units
	Leverage         int     `json:"leverage"`
	LiquidationPrice float64 `json:"liquidation_price"`
	UnrealizedPnL    PnL     `json:"unrealized_pnl"`
	MarginUsed       float64 `json:"margin_used"`
	StopLoss         float64 `json:"stop_loss"`
	TakeProfit       float64 `json:"take_profit"`
}

// Notional position value at the current price
func (p Position) Notional() float64 {
	return p.Size * p.CurrentPrice
}

// PricePnL unrealized PnL of the position at price
func (p Position) PricePnL(price float64) PnL {
	diff := price - p.EntryPrice
	if p.Side == Short {
		diff = -diff
	}
	abs := diff * p.Size
	var pct float64
	if p.EntryPrice > 0 {
		lev := p.Leverage
		if lev < 1 {
			lev = 1
		}
		pct = diff / p.EntryPrice * 100 * float64(lev)
	}
	return PnL{Absolute: abs, Percentage: pct}
}
