package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "wager_engine"

type Metrics struct {
	CacheLookups    *prometheus.CounterVec
	Pulls           *prometheus.CounterVec
	PushedCandles   prometheus.Counter
	TrackedTickers  prometheus.Gauge
	SettlementPass  prometheus.Histogram
	BetsResolved    *prometheus.CounterVec
	BetsPlaced      *prometheus.CounterVec
	SettlementFails *prometheus.CounterVec
}

// New creates the service metrics and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "price_cache_lookups_total",
			Help:      "Price cache lookups by operation and result (hit or miss).",
		}, []string{"op", "result"}),
		Pulls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "market_pulls_total",
			Help:      "REST kline pulls by result.",
		}, []string{"result"}),
		PushedCandles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "market_pushed_candles_total",
			Help:      "Candles received from the websocket stream.",
		}),
		TrackedTickers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "price_cache_tracked_tickers",
			Help:      "Tickers currently held by the price cache.",
		}),
		SettlementPass: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "settlement_pass_seconds",
			Help:      "Duration of settlement passes.",
			Buckets:   prometheus.DefBuckets,
		}),
		BetsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bets_resolved_total",
			Help:      "Resolution attempts by result (won, lost, already_resolved).",
		}, []string{"result"}),
		BetsPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bets_placed_total",
			Help:      "Placed bets by ticker and direction.",
		}, []string{"ticker", "direction"}),
		SettlementFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlement_failures_total",
			Help:      "Settlement failures by stage (price, resolve).",
		}, []string{"stage"}),
	}

	reg.MustRegister(
		m.CacheLookups,
		m.Pulls,
		m.PushedCandles,
		m.TrackedTickers,
		m.SettlementPass,
		m.BetsResolved,
		m.BetsPlaced,
		m.SettlementFails,
	)
	return m
}

// NewNop returns metrics registered on a private registry.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
