package models

import (
	"math"
	"time"
)

// Candle is a one-second OHLCV bar. OpenTime and CloseTime are epoch
// milliseconds; OpenTime is always a multiple of 1000.
type Candle struct {
	Ticker    string  `json:"ticker"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	OpenTime  int64   `json:"openAt"`
	CloseTime int64   `json:"closeAt"`
	Final     bool    `json:"final"`
}

// Valid reports whether the candle carries usable prices.
func (c Candle) Valid() bool {
	for _, v := range []float64{c.Open, c.High, c.Low, c.Close, c.Volume} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	if c.Open <= 0 || c.High <= 0 || c.Low <= 0 || c.Close <= 0 || c.Volume < 0 {
		return false
	}
	if c.High < c.Low {
		return false
	}
	if c.Open > c.High || c.Open < c.Low || c.Close > c.High || c.Close < c.Low {
		return false
	}
	return c.CloseTime >= c.OpenTime
}

func (c Candle) CloseAt() time.Time {
	return time.UnixMilli(c.CloseTime)
}

// SecondMillis truncates t to the second and returns epoch milliseconds.
func SecondMillis(t time.Time) int64 {
	return t.Truncate(time.Second).UnixMilli()
}
