package market

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/paaavkata/crypto-wager/services/wager-engine/internal/metrics"
	"github.com/paaavkata/crypto-wager/services/wager-engine/pkg/models"
	"github.com/paaavkata/crypto-wager/shared/pkg/binance"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockFetcher struct {
	mock.Mock
}

func (m *MockFetcher) GetKlines(ctx context.Context, req binance.KlineRequest) ([]binance.Kline, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]binance.Kline), args.Error(1)
}

type MockStream struct {
	mock.Mock
	handler binance.KlineHandler
}

func (m *MockStream) Subscribe(ctx context.Context, symbol string) error {
	return m.Called(ctx, symbol).Error(0)
}

func (m *MockStream) Unsubscribe(symbol string) error {
	return m.Called(symbol).Error(0)
}

func (m *MockStream) OnKline(handler binance.KlineHandler) {
	m.handler = handler
}

func (m *MockStream) State() binance.State {
	return binance.StateDisconnected
}

func (m *MockStream) Close() error {
	return nil
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestGateway_PullNormalizesCandles(t *testing.T) {
	fetcher := new(MockFetcher)
	stream := new(MockStream)
	gw := NewGateway(fetcher, stream, metrics.NewNop(), testLogger())
	gw.now = func() time.Time { return time.UnixMilli(1700000001500) }

	start := time.UnixMilli(1700000000000)
	fetcher.On("GetKlines", mock.Anything, binance.KlineRequest{
		Symbol:    "BTCUSDT",
		Interval:  "1s",
		StartTime: 1700000000000,
		EndTime:   1700000000999,
		Limit:     1,
	}).Return([]binance.Kline{
		{OpenTime: 1700000000123, Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 2, CloseTime: 1700000000999},
		{OpenTime: 1700000001000, Open: 100.5, High: 101, Low: 99, Close: 100.7, Volume: 2, CloseTime: 1700000001999},
		{OpenTime: 1700000002000, Open: 0, High: 0, Low: 0, Close: 0, Volume: 0, CloseTime: 1700000002999},
	}, nil)

	candles, err := gw.Pull(context.Background(), PullRequest{
		Ticker:  "btcusdt",
		StartAt: start,
		EndAt:   start.Add(999 * time.Millisecond),
		Limit:   1,
	})
	require.NoError(t, err)
	require.Len(t, candles, 2)

	assert.Equal(t, "BTCUSDT", candles[0].Ticker)
	assert.Equal(t, int64(1700000000000), candles[0].OpenTime)
	assert.True(t, candles[0].Final)
	assert.False(t, candles[1].Final)
	fetcher.AssertExpectations(t)
}

func TestGateway_PullErrors(t *testing.T) {
	fetcher := new(MockFetcher)
	gw := NewGateway(fetcher, new(MockStream), metrics.NewNop(), testLogger())

	fetcher.On("GetKlines", mock.Anything, mock.MatchedBy(func(r binance.KlineRequest) bool { return r.Symbol == "ETHUSDT" })).
		Return(nil, binance.ErrEmptyResult)
	fetcher.On("GetKlines", mock.Anything, mock.MatchedBy(func(r binance.KlineRequest) bool { return r.Symbol == "SOLUSDT" })).
		Return(nil, &binance.UpstreamError{Op: "klines", StatusCode: 500})

	_, err := gw.Pull(context.Background(), PullRequest{Ticker: "ETHUSDT", Limit: 1})
	assert.ErrorIs(t, err, binance.ErrEmptyResult)

	_, err = gw.Pull(context.Background(), PullRequest{Ticker: "SOLUSDT", Limit: 1})
	var upstream *binance.UpstreamError
	assert.True(t, errors.As(err, &upstream))
}

func TestGateway_PushedCandlesReachCallbacks(t *testing.T) {
	stream := new(MockStream)
	gw := NewGateway(new(MockFetcher), stream, metrics.NewNop(), testLogger())

	var got []models.Candle
	gw.OnCandle(func(c models.Candle) { got = append(got, c) })

	stream.handler(binance.KlineEvent{
		Symbol: "ETHUSDT",
		Kline:  binance.Kline{OpenTime: 1700000000000, Open: 2000, High: 2001, Low: 1999, Close: 2000.5, Volume: 1, CloseTime: 1700000000999},
		Final:  true,
	})
	stream.handler(binance.KlineEvent{
		Symbol: "ETHUSDT",
		Kline:  binance.Kline{OpenTime: 1700000001000, High: 1, Low: 2, CloseTime: 1700000001999},
	})

	require.Len(t, got, 1)
	assert.Equal(t, "ETHUSDT", got[0].Ticker)
	assert.Equal(t, 2000.5, got[0].Close)
	assert.True(t, got[0].Final)
}

func TestGateway_SubscribeUppercasesTicker(t *testing.T) {
	stream := new(MockStream)
	gw := NewGateway(new(MockFetcher), stream, metrics.NewNop(), testLogger())

	stream.On("Subscribe", mock.Anything, "BTCUSDT").Return(nil)
	stream.On("Unsubscribe", "BTCUSDT").Return(nil)

	assert.NoError(t, gw.Subscribe(context.Background(), "btcusdt"))
	assert.NoError(t, gw.Unsubscribe("btcusdt"))
	stream.AssertExpectations(t)
}
