package market

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/paaavkata/crypto-wager/services/wager-engine/internal/metrics"
	"github.com/paaavkata/crypto-wager/services/wager-engine/pkg/models"
	"github.com/paaavkata/crypto-wager/shared/pkg/binance"
	"github.com/sirupsen/logrus"
)

type KlineFetcher interface {
	GetKlines(ctx context.Context, req binance.KlineRequest) ([]binance.Kline, error)
}

type KlineStream interface {
	Subscribe(ctx context.Context, symbol string) error
	Unsubscribe(symbol string) error
	OnKline(handler binance.KlineHandler)
	State() binance.State
	Close() error
}

// PullRequest selects candles by open time. Zero StartAt, EndAt and Limit
// are left to the provider's defaults.
type PullRequest struct {
	Ticker  string
	StartAt time.Time
	EndAt   time.Time
	Limit   int
}

// Gateway normalizes provider klines into candles for both the pull path
// and the push path.
type Gateway struct {
	rest    KlineFetcher
	stream  KlineStream
	metrics *metrics.Metrics
	logger  *logrus.Logger
	now     func() time.Time

	mu       sync.RWMutex
	handlers []func(models.Candle)
}

func NewGateway(rest KlineFetcher, stream KlineStream, m *metrics.Metrics, logger *logrus.Logger) *Gateway {
	g := &Gateway{
		rest:    rest,
		stream:  stream,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
	stream.OnKline(g.handleKline)
	return g
}

// Pull returns binance.ErrEmptyResult when no usable candle is returned.
func (g *Gateway) Pull(ctx context.Context, req PullRequest) ([]models.Candle, error) {
	kreq := binance.KlineRequest{
		Symbol:   strings.ToUpper(req.Ticker),
		Interval: binance.Interval1s,
		Limit:    req.Limit,
	}
	if !req.StartAt.IsZero() {
		kreq.StartTime = req.StartAt.UnixMilli()
	}
	if !req.EndAt.IsZero() {
		kreq.EndTime = req.EndAt.UnixMilli()
	}

	klines, err := g.rest.GetKlines(ctx, kreq)
	if err != nil {
		if errors.Is(err, binance.ErrEmptyResult) {
			g.metrics.Pulls.WithLabelValues("empty").Inc()
			return nil, err
		}
		g.metrics.Pulls.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("pull %s: %w", kreq.Symbol, err)
	}

	nowMs := g.now().UnixMilli()
	candles := make([]models.Candle, 0, len(klines))
	for _, k := range klines {
		c := toCandle(kreq.Symbol, k, k.CloseTime < nowMs)
		if !c.Valid() {
			g.logger.WithFields(logrus.Fields{
				"ticker":    c.Ticker,
				"open_time": c.OpenTime,
			}).Debug("Skipping invalid pulled candle")
			continue
		}
		candles = append(candles, c)
	}
	if len(candles) == 0 {
		g.metrics.Pulls.WithLabelValues("empty").Inc()
		return nil, binance.ErrEmptyResult
	}

	g.metrics.Pulls.WithLabelValues("ok").Inc()
	return candles, nil
}

func (g *Gateway) Subscribe(ctx context.Context, ticker string) error {
	return g.stream.Subscribe(ctx, strings.ToUpper(ticker))
}

func (g *Gateway) Unsubscribe(ticker string) error {
	return g.stream.Unsubscribe(strings.ToUpper(ticker))
}

// OnCandle registers a callback for pushed candles.
func (g *Gateway) OnCandle(handler func(models.Candle)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers = append(g.handlers, handler)
}

func (g *Gateway) StreamState() binance.State {
	return g.stream.State()
}

func (g *Gateway) Close() error {
	return g.stream.Close()
}

func (g *Gateway) handleKline(event binance.KlineEvent) {
	c := toCandle(strings.ToUpper(event.Symbol), event.Kline, event.Final)
	if !c.Valid() {
		g.logger.WithFields(logrus.Fields{
			"ticker":    c.Ticker,
			"open_time": c.OpenTime,
		}).Debug("Skipping invalid pushed candle")
		return
	}
	g.metrics.PushedCandles.Inc()

	g.mu.RLock()
	handlers := g.handlers
	g.mu.RUnlock()

	for _, h := range handlers {
		h(c)
	}
}

func toCandle(ticker string, k binance.Kline, final bool) models.Candle {
	return models.Candle{
		Ticker:    ticker,
		Open:      k.Open,
		High:      k.High,
		Low:       k.Low,
		Close:     k.Close,
		Volume:    k.Volume,
		OpenTime:  k.OpenTime - k.OpenTime%1000,
		CloseTime: k.CloseTime,
		Final:     final,
	}
}
