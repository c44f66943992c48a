package price

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/paaavkata/crypto-wager/services/wager-engine/internal/market"
	"github.com/paaavkata/crypto-wager/services/wager-engine/internal/metrics"
	"github.com/paaavkata/crypto-wager/services/wager-engine/pkg/models"
	"github.com/paaavkata/crypto-wager/shared/pkg/binance"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const candleMillis = int64(1000)

// maxPullLimit is the provider's per-request kline cap.
const maxPullLimit = 1000

var ErrNoPriceData = errors.New("no price data")

// Source is the market data gateway as seen by the cache.
type Source interface {
	Pull(ctx context.Context, req market.PullRequest) ([]models.Candle, error)
	Subscribe(ctx context.Context, ticker string) error
	Unsubscribe(ticker string) error
}

type Config struct {
	FreshnessThreshold time.Duration `yaml:"freshness_threshold"`
	IdleTimeout        time.Duration `yaml:"idle_timeout"`
	Retention          time.Duration `yaml:"retention"`
	CleanupInterval    time.Duration `yaml:"cleanup_interval"`
	// SettlementDelay is how far behind now a range is considered complete.
	SettlementDelay time.Duration `yaml:"settlement_delay"`
	// PullOnly never subscribes to the push stream. Used by one-shot commands.
	PullOnly bool `yaml:"pull_only"`
}

func (c *Config) setDefaults() {
	if c.FreshnessThreshold <= 0 {
		c.FreshnessThreshold = 5 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.Retention <= c.IdleTimeout {
		c.Retention = c.IdleTimeout + time.Minute
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Minute
	}
	if c.SettlementDelay <= 0 {
		c.SettlementDelay = time.Second
	}
}

type tickerState struct {
	mu         sync.Mutex
	lastAccess time.Time
	candles    map[int64]models.Candle
	latest     int64
}

// Cache keeps one-second candles per ticker, merging pushed candles from the
// stream with pulled ones. No lock is held across a Source call.
type Cache struct {
	source  Source
	cfg     Config
	metrics *metrics.Metrics
	logger  *logrus.Logger
	now     func() time.Time

	mu      sync.RWMutex
	tickers map[string]*tickerState

	cron *cron.Cron
}

func NewCache(source Source, cfg Config, m *metrics.Metrics, logger *logrus.Logger) *Cache {
	cfg.setDefaults()
	return &Cache{
		source:  source,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		now:     time.Now,
		tickers: make(map[string]*tickerState),
		cron:    cron.New(cron.WithSeconds()),
	}
}

// Start schedules the periodic cleanup.
func (c *Cache) Start() error {
	spec := fmt.Sprintf("@every %s", c.cfg.CleanupInterval)
	if _, err := c.cron.AddFunc(spec, c.Cleanup); err != nil {
		return fmt.Errorf("failed to schedule price cache cleanup: %w", err)
	}
	c.cron.Start()

	c.logger.WithFields(logrus.Fields{
		"cleanup_interval": c.cfg.CleanupInterval,
		"idle_timeout":     c.cfg.IdleTimeout,
		"retention":        c.cfg.Retention,
	}).Info("Price cache started")
	return nil
}

func (c *Cache) Stop() {
	<-c.cron.Stop().Done()
	c.logger.Info("Price cache stopped")
}

// GetPrice returns the latest candle for ticker, pulling one when the cached
// one is older than the freshness threshold.
func (c *Cache) GetPrice(ctx context.Context, ticker string) (models.Candle, error) {
	ticker = normalizeTicker(ticker)
	st := c.track(ticker)

	st.mu.Lock()
	latest, ok := st.candles[st.latest]
	st.mu.Unlock()

	if ok && c.now().Sub(latest.CloseAt()) < c.cfg.FreshnessThreshold {
		c.metrics.CacheLookups.WithLabelValues("latest", "hit").Inc()
		c.ensureSubscribed(ctx, ticker)
		return latest, nil
	}
	c.metrics.CacheLookups.WithLabelValues("latest", "miss").Inc()

	candles, err := c.pull(ctx, market.PullRequest{Ticker: ticker, Limit: 1})
	if err != nil {
		return models.Candle{}, err
	}
	c.store(ticker, candles)
	c.ensureSubscribed(ctx, ticker)

	return candles[len(candles)-1], nil
}

// GetPriceAt returns the candle that opened in the second containing openAt.
func (c *Cache) GetPriceAt(ctx context.Context, ticker string, openAt time.Time) (models.Candle, error) {
	ticker = normalizeTicker(ticker)
	key := models.SecondMillis(openAt)
	st := c.track(ticker)

	st.mu.Lock()
	cached, ok := st.candles[key]
	st.mu.Unlock()

	// an unfinished candle for a second that is already over is stale
	if ok && (cached.Final || cached.CloseTime >= c.now().UnixMilli()) {
		c.metrics.CacheLookups.WithLabelValues("at", "hit").Inc()
		c.ensureSubscribed(ctx, ticker)
		return cached, nil
	}
	c.metrics.CacheLookups.WithLabelValues("at", "miss").Inc()

	candles, err := c.pull(ctx, market.PullRequest{
		Ticker:  ticker,
		StartAt: time.UnixMilli(key),
		EndAt:   time.UnixMilli(key + candleMillis - 1),
		Limit:   1,
	})
	if err != nil {
		return models.Candle{}, err
	}
	c.store(ticker, candles)
	c.ensureSubscribed(ctx, ticker)

	for _, candle := range candles {
		if candle.OpenTime == key {
			return candle, nil
		}
	}
	return models.Candle{}, fmt.Errorf("%w: %s at %d", ErrNoPriceData, ticker, key)
}

// GetRecentPrices returns consecutive candles starting at startAt. The cached
// run is extended by a single pull when it stops short of now minus the
// settlement delay. startAt older than the retention window is clamped.
func (c *Cache) GetRecentPrices(ctx context.Context, ticker string, startAt time.Time) ([]models.Candle, error) {
	ticker = normalizeTicker(ticker)
	st := c.track(ticker)

	now := c.now()
	start := models.SecondMillis(startAt)
	if floor := models.SecondMillis(now.Add(-c.cfg.Retention)) + candleMillis; start < floor {
		start = floor
	}
	target := models.SecondMillis(now.Add(-c.cfg.SettlementDelay))

	run := st.runFrom(start)
	next := start + int64(len(run))*candleMillis
	if next >= target {
		c.metrics.CacheLookups.WithLabelValues("range", "hit").Inc()
		c.ensureSubscribed(ctx, ticker)
		return run, nil
	}
	c.metrics.CacheLookups.WithLabelValues("range", "miss").Inc()

	limit := int((now.UnixMilli()-next)/candleMillis) + 1
	if limit > maxPullLimit {
		limit = maxPullLimit
	}
	candles, err := c.pull(ctx, market.PullRequest{
		Ticker:  ticker,
		StartAt: time.UnixMilli(next),
		EndAt:   now,
		Limit:   limit,
	})
	switch {
	case errors.Is(err, ErrNoPriceData):
		c.ensureSubscribed(ctx, ticker)
		return run, nil
	case err != nil && len(run) == 0:
		return nil, err
	case err != nil:
		c.logger.WithError(err).WithField("ticker", ticker).Warn("Failed to extend cached price range")
		return run, nil
	}

	st = c.store(ticker, candles)
	c.ensureSubscribed(ctx, ticker)

	return append(run, st.runFrom(next)...), nil
}

// HandleCandle merges a pushed candle. Candles for tickers nobody has asked
// for are dropped.
func (c *Cache) HandleCandle(candle models.Candle) {
	c.mu.RLock()
	st, ok := c.tickers[candle.Ticker]
	c.mu.RUnlock()
	if !ok {
		return
	}

	st.mu.Lock()
	st.merge(candle)
	st.mu.Unlock()
}

// Cleanup evicts idle tickers and purges candles outside the retention window.
func (c *Cache) Cleanup() {
	now := c.now()
	idleBefore := now.Add(-c.cfg.IdleTimeout)
	purgeBefore := now.Add(-c.cfg.Retention).UnixMilli()

	var evicted []string
	purged := 0

	c.mu.Lock()
	for ticker, st := range c.tickers {
		st.mu.Lock()
		if st.lastAccess.Before(idleBefore) {
			delete(c.tickers, ticker)
			evicted = append(evicted, ticker)
		} else {
			purged += st.purge(purgeBefore)
		}
		st.mu.Unlock()
	}
	tracked := len(c.tickers)
	c.mu.Unlock()

	c.metrics.TrackedTickers.Set(float64(tracked))

	for _, ticker := range evicted {
		if err := c.source.Unsubscribe(ticker); err != nil {
			c.logger.WithError(err).WithField("ticker", ticker).Warn("Failed to unsubscribe idle ticker")
		}

		// a read between eviction and Unsubscribe re-tracked the ticker while
		// its subscription still looked live
		c.mu.RLock()
		_, retracked := c.tickers[ticker]
		c.mu.RUnlock()
		if retracked {
			c.ensureSubscribed(context.Background(), ticker)
			continue
		}
		c.logger.WithField("ticker", ticker).Info("Evicted idle ticker")
	}

	c.logger.WithFields(logrus.Fields{
		"evicted":        len(evicted),
		"purged_candles": purged,
		"tracked":        tracked,
	}).Debug("Price cache cleanup completed")
}

// Tickers returns the tracked tickers in sorted order.
func (c *Cache) Tickers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(c.tickers))
	for ticker := range c.tickers {
		out = append(out, ticker)
	}
	sort.Strings(out)
	return out
}

// track returns the state for ticker, creating it if needed, and records the
// access time.
func (c *Cache) track(ticker string) *tickerState {
	now := c.now()

	c.mu.RLock()
	st, ok := c.tickers[ticker]
	if ok {
		st.mu.Lock()
		st.lastAccess = now
		st.mu.Unlock()
	}
	c.mu.RUnlock()
	if ok {
		return st
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok = c.tickers[ticker]
	if !ok {
		st = &tickerState{candles: make(map[int64]models.Candle)}
		c.tickers[ticker] = st
		c.metrics.TrackedTickers.Set(float64(len(c.tickers)))
	}
	st.mu.Lock()
	st.lastAccess = now
	st.mu.Unlock()
	return st
}

// store merges pulled candles. The ticker may have been evicted while the pull
// was in flight, so the state is looked up again.
func (c *Cache) store(ticker string, candles []models.Candle) *tickerState {
	st := c.track(ticker)

	st.mu.Lock()
	defer st.mu.Unlock()
	for _, candle := range candles {
		st.merge(candle)
	}
	return st
}

func (c *Cache) pull(ctx context.Context, req market.PullRequest) ([]models.Candle, error) {
	candles, err := c.source.Pull(ctx, req)
	if errors.Is(err, binance.ErrEmptyResult) || (err == nil && len(candles) == 0) {
		return nil, fmt.Errorf("%w: %s", ErrNoPriceData, req.Ticker)
	}
	if err != nil {
		c.logger.WithError(err).WithField("ticker", req.Ticker).Error("Failed to pull prices")
		return nil, err
	}
	return candles, nil
}

func (c *Cache) ensureSubscribed(ctx context.Context, ticker string) {
	if c.cfg.PullOnly {
		return
	}
	if err := c.source.Subscribe(ctx, ticker); err != nil {
		c.logger.WithError(err).WithField("ticker", ticker).Warn("Failed to subscribe to price stream")
	}
}

// merge stores candle under its open time. A final candle is not replaced by
// an unfinished one for the same second.
func (st *tickerState) merge(candle models.Candle) {
	if existing, ok := st.candles[candle.OpenTime]; ok && existing.Final && !candle.Final {
		return
	}
	st.candles[candle.OpenTime] = candle
	if candle.OpenTime > st.latest {
		st.latest = candle.OpenTime
	}
}

func (st *tickerState) purge(before int64) int {
	removed := 0
	for openTime := range st.candles {
		if openTime < before {
			delete(st.candles, openTime)
			removed++
		}
	}
	if _, ok := st.candles[st.latest]; !ok {
		st.latest = 0
		for openTime := range st.candles {
			if openTime > st.latest {
				st.latest = openTime
			}
		}
	}
	return removed
}

func (st *tickerState) runFrom(start int64) []models.Candle {
	st.mu.Lock()
	defer st.mu.Unlock()

	run := make([]models.Candle, 0)
	for key := start; key <= st.latest; key += candleMillis {
		candle, ok := st.candles[key]
		if !ok {
			break
		}
		run = append(run, candle)
	}
	return run
}

func normalizeTicker(ticker string) string {
	return strings.ToUpper(strings.TrimSpace(ticker))
}
