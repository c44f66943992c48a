package utils

import (
	"math"
	"strconv"
)

func ParseFloat(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}

func NormalizeTo(value float64, decimalPlaces int) float64 {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0.0
	}

	multiplier := math.Pow(10, float64(decimalPlaces))
	return math.Round(value*multiplier) / multiplier
}

// CapValue caps a value to a maximum while preserving sign
func CapValue(value, maxValue float64) float64 {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0.0
	}

	if value > maxValue {
		return maxValue
	}
	if value < -maxValue {
		return -maxValue
	}
	return value
}

// NormalizeDecimal normalizes a value to fit within PostgreSQL DECIMAL constraints
func NormalizeDecimal(value float64, totalDigits, decimalPlaces int) float64 {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0.0
	}

	integerDigits := totalDigits - decimalPlaces
	maxValue := math.Pow(10, float64(integerDigits)) - math.Pow(10, -float64(decimalPlaces))

	return NormalizeTo(CapValue(value, maxValue), decimalPlaces)
}

// Sign returns -1, 0 or 1.
func Sign(value float64) int {
	switch {
	case value > 0:
		return 1
	case value < 0:
		return -1
	default:
		return 0
	}
}
