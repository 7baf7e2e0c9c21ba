package trader

import (
	"github.com/shopspring/decimal"
)

// maxPriceSigFigs significant figures a perp price may carry
const maxPriceSigFigs = 5

// perpPriceDecimals decimals budget shared between price and size on perps
const perpPriceDecimals = 6

// RoundSize truncates size to the venue's size decimals so an order never exceeds the intent
func RoundSize(size float64, decimals int) float64 {
	if decimals < 0 {
		decimals = 0
	}
	v, _ := decimal.NewFromFloat(size).Truncate(int32(decimals)).Float64()
	return v
}

// RoundPrice rounds price to at most 5 significant figures and (6 - sizeDecimals) decimals.
// Integer prices are always allowed.
func RoundPrice(price float64, sizeDecimals int) float64 {
	if price <= 0 {
		return 0
	}
	d := decimal.NewFromFloat(price)
	if d.Equal(d.Truncate(0)) {
		return price
	}

	maxDecimals := int32(perpPriceDecimals - sizeDecimals)
	if maxDecimals < 0 {
		maxDecimals = 0
	}
	// digits left of the point consume the significant-figure budget
	intDigits := int32(len(d.Truncate(0).Abs().String()))
	if d.Abs().LessThan(decimal.NewFromInt(1)) {
		intDigits = 0
		// leading zeros after the point do not count as significant
		for s := d.Abs(); s.LessThan(decimal.NewFromFloat(0.1)) && maxDecimals > 0; s = s.Shift(1) {
			intDigits--
		}
	}
	places := int32(maxPriceSigFigs) - intDigits
	if places > maxDecimals {
		places = maxDecimals
	}
	if places < 0 {
		places = 0
	}
	v, _ := d.Round(places).Float64()
	return v
}

// FormatSize string form used in logs and venue payloads
func FormatSize(size float64, decimals int) string {
	return decimal.NewFromFloat(size).StringFixed(int32(decimals))
}

// RoundToTick rounds price to the nearest multiple of tick
func RoundToTick(price float64, tick decimal.Decimal) decimal.Decimal {
	d := decimal.NewFromFloat(price)
	if !tick.IsPositive() {
		return d
	}
	return d.Div(tick).Round(0).Mul(tick)
}
