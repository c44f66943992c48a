package utils

import (
	"github.com/shopspring/decimal"
)

// PriceDecimal converts a float price to a decimal fitting NUMERIC(20,8).
func PriceDecimal(val float64) decimal.Decimal {
	return decimal.NewFromFloat(NormalizeDecimal(val, 20, 8))
}
