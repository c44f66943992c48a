package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/paaavkata/crypto-wager/shared/pkg/binance"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

type DatabaseChecker interface {
	HealthCheck(ctx context.Context) error
}

type StreamMonitor interface {
	StreamState() binance.State
}

type TickerTracker interface {
	Tickers() []string
}

type HealthChecker struct {
	db       DatabaseChecker
	stream   StreamMonitor
	cache    TickerTracker
	gatherer prometheus.Gatherer
	logger   *logrus.Logger
}

type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Services  map[string]string `json:"services"`
	Tickers   []string          `json:"trackedTickers"`
}

func NewHealthChecker(db DatabaseChecker, stream StreamMonitor, cache TickerTracker, gatherer prometheus.Gatherer, logger *logrus.Logger) *HealthChecker {
	return &HealthChecker{
		db:       db,
		stream:   stream,
		cache:    cache,
		gatherer: gatherer,
		logger:   logger,
	}
}

func (h *HealthChecker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := h.CheckHealth(ctx)

		w.Header().Set("Content-Type", "application/json")
		if status.Status == "healthy" {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}

		json.NewEncoder(w).Encode(status)
	}
}

// CheckHealth fails only on the database. The price stream connects lazily,
// so a disconnected stream with nothing tracked is normal.
func (h *HealthChecker) CheckHealth(ctx context.Context) HealthStatus {
	services := make(map[string]string)
	overallStatus := "healthy"

	if err := h.db.HealthCheck(ctx); err != nil {
		services["database"] = "unhealthy: " + err.Error()
		overallStatus = "unhealthy"
		h.logger.WithError(err).Error("Database health check failed")
	} else {
		services["database"] = "healthy"
	}

	services["price_stream"] = h.stream.StreamState().String()

	tickers := h.cache.Tickers()
	if tickers == nil {
		tickers = []string{}
	}

	return HealthStatus{
		Status:    overallStatus,
		Timestamp: time.Now(),
		Services:  services,
		Tickers:   tickers,
	}
}

func (h *HealthChecker) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.Handler())
	mux.HandleFunc("/ready", h.Handler()) // Kubernetes readiness probe
	mux.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	return mux
}

func (h *HealthChecker) StartServer(port string) *http.Server {
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      h.Routes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		h.logger.WithField("port", port).Info("Starting health check server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.WithError(err).Error("Health check server failed")
		}
	}()

	return server
}
