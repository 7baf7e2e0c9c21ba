package trader

import (
	"testing"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
)

func TestCalculatePrecision(t *testing.T) {
	tests := []struct {
		step     string
		expected int
	}{
		{"0.001", 3},
		{"0.00100000", 3},
		{"1", 0},
		{"1.00000000", 0},
		{"0.1", 1},
	}
	for _, tt := range tests {
		if got := calculatePrecision(tt.step); got != tt.expected {
			t.Fatalf("calculatePrecision(%q)=%d, expected %d", tt.step, got, tt.expected)
		}
	}
}

func TestCoinSymbol(t *testing.T) {
	tests := map[string]string{
		"BTC":      "BTC",
		"btcusdt":  "BTC",
		"ETH-PERP": "ETH",
		"SOLUSDC":  "SOL",
	}
	for in, expected := range tests {
		if got := coin(in); got != expected {
			t.Fatalf("coin(%q)=%q, expected %q", in, got, expected)
		}
	}
}

func TestBinanceFormatPrice(t *testing.T) {
	v := &BinanceFuturesVenue{
		quoteAsset: "USDT",
		tickSizes: map[string]decimal.Decimal{
			"BTCUSDT":  decimal.RequireFromString("0.10"),
			"DOGEUSDT": decimal.RequireFromString("0.000010"),
		},
	}
	tests := []struct {
		name     string
		symbol   string
		price    float64
		expected string
	}{
		{"btc rounds up to tick", "BTC", 65432.17, "65432.2"},
		{"btc rounds down to tick", "BTC", 65432.14, "65432.1"},
		{"significant figures do not apply", "BTC", 123456.78, "123456.8"},
		{"small tick", "DOGE", 0.1234567, "0.12346"},
		{"unknown pair keeps precision", "ETH", 3456.789, "3456.789"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := v.formatPrice(tt.symbol, tt.price); got != tt.expected {
				t.Fatalf("formatPrice(%s, %v)=%s, expected %s", tt.symbol, tt.price, got, tt.expected)
			}
		})
	}
}

func TestBookMid(t *testing.T) {
	tests := []struct {
		name     string
		ticker   futures.BookTicker
		expected float64
		wantErr  bool
	}{
		{"both sides", futures.BookTicker{BidPrice: "99", AskPrice: "101"}, 100, false},
		{"bid only", futures.BookTicker{BidPrice: "99", AskPrice: "0"}, 99, false},
		{"ask only", futures.BookTicker{AskPrice: "101"}, 101, false},
		{"empty", futures.BookTicker{Symbol: "BTCUSDT"}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := bookMid(&tt.ticker)
			if (err != nil) != tt.wantErr || got != tt.expected {
				t.Fatalf("bookMid=%v err=%v, expected %v", got, err, tt.expected)
			}
		})
	}
}
