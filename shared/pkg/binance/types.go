package binance

import (
	"fmt"
	"strings"

	"github.com/paaavkata/crypto-wager/shared/pkg/utils"
)

const (
	BaseURL   = "https://data-api.binance.vision/api/v3"
	StreamURL = "wss://data-stream.binance.vision:443/ws"

	Interval1s = "1s"
)

// Kline is one candle as returned by the exchange. Times are epoch milliseconds.
type Kline struct {
	OpenTime  int64
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	CloseTime int64
}

// KlineRequest describes a REST klines query. Zero StartTime, EndTime or
// Limit are left out of the request.
type KlineRequest struct {
	Symbol    string
	Interval  string
	StartTime int64
	EndTime   int64
	Limit     int
}

// KlineEvent is a kline pushed over the websocket stream.
type KlineEvent struct {
	Symbol string
	Kline  Kline
	Final  bool
}

type streamMessage struct {
	Event     string       `json:"e"`
	EventTime int64        `json:"E"`
	Symbol    string       `json:"s"`
	Kline     *streamKline `json:"k"`
}

type streamKline struct {
	StartTime int64  `json:"t"`
	CloseTime int64  `json:"T"`
	Symbol    string `json:"s"`
	Interval  string `json:"i"`
	Open      string `json:"o"`
	High      string `json:"h"`
	Low       string `json:"l"`
	Close     string `json:"c"`
	Volume    string `json:"v"`
	Closed    bool   `json:"x"`
}

type subscriptionRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

func (k streamKline) toKline() (Kline, error) {
	fields := []string{k.Open, k.High, k.Low, k.Close, k.Volume}
	values := make([]float64, len(fields))
	for i, f := range fields {
		v, err := utils.ParseFloat(f)
		if err != nil {
			return Kline{}, fmt.Errorf("invalid kline field %q: %w", f, err)
		}
		values[i] = v
	}

	return Kline{
		OpenTime:  k.StartTime,
		Open:      values[0],
		High:      values[1],
		Low:       values[2],
		Close:     values[3],
		Volume:    values[4],
		CloseTime: k.CloseTime,
	}, nil
}

// StreamName returns the 1s kline stream name for a symbol, e.g. btcusdt@kline_1s.
func StreamName(symbol string) string {
	return strings.ToLower(symbol) + "@kline_" + Interval1s
}
