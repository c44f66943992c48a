package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/paaavkata/crypto-wager/services/wager-engine/internal/api"
	"github.com/paaavkata/crypto-wager/services/wager-engine/internal/bets"
	"github.com/paaavkata/crypto-wager/services/wager-engine/internal/config"
	"github.com/paaavkata/crypto-wager/services/wager-engine/internal/health"
	"github.com/paaavkata/crypto-wager/services/wager-engine/internal/market"
	"github.com/paaavkata/crypto-wager/services/wager-engine/internal/metrics"
	"github.com/paaavkata/crypto-wager/services/wager-engine/internal/price"
	"github.com/paaavkata/crypto-wager/services/wager-engine/internal/settlement"
	"github.com/paaavkata/crypto-wager/shared/pkg/binance"
	"github.com/paaavkata/crypto-wager/shared/pkg/database"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	wagerDB "github.com/paaavkata/crypto-wager/services/wager-engine/internal/database"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, price cache and settlement scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		serve(cfg, logger)
		return nil
	},
}

func serve(cfg *config.Config, logger *logrus.Logger) {
	httpPort, metricsPort := cfg.HTTPPort, cfg.MetricsPort
	logger.WithFields(logrus.Fields{
		"tickers":      len(cfg.Tickers),
		"binance_rest": cfg.Binance.RestURL,
		"http_port":    httpPort,
		"metrics_port": metricsPort,
	}).Info("Configuration loaded")

	// Initialize database connection
	db, err := database.NewConnection(cfg.Database, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}
	defer db.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	// Market data: REST pulls plus a lazily connected kline stream
	gateway := market.NewGateway(
		binance.NewClient(cfg.Binance.Client(), logger),
		binance.NewStream(cfg.Binance.Stream(), logger),
		m, logger,
	)

	cache := price.NewCache(gateway, cfg.Prices, m, logger)
	gateway.OnCandle(cache.HandleCandle)
	if err := cache.Start(); err != nil {
		logger.WithError(err).Fatal("Failed to start price cache")
	}

	repo := wagerDB.NewRepository(db, logger)
	resolver := settlement.NewResolver(repo, m, logger)
	scheduler := settlement.NewScheduler(repo, cache, resolver, cfg.Settlement, m, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	scheduler.Start(ctx)

	betService := bets.NewService(repo, cache, cfg.Tickers, m, logger)
	handler := api.NewHandler(betService, cache, logger)
	apiServer := &http.Server{
		Addr:         ":" + httpPort,
		Handler:      handler.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	go func() {
		logger.WithField("port", httpPort).Info("Starting API server")
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("API server failed")
		}
	}()

	healthChecker := health.NewHealthChecker(db, gateway, cache, registry, logger)
	healthServer := healthChecker.StartServer(metricsPort)

	logger.Info("Wager engine started successfully")

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down wager engine...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Failed to shutdown API server gracefully")
	}

	// Let an in-flight settlement pass finish
	scheduler.Stop()
	select {
	case <-scheduler.Done():
	case <-shutdownCtx.Done():
		logger.Warn("Settlement pass did not finish before shutdown deadline")
	}

	cache.Stop()
	if err := gateway.Close(); err != nil {
		logger.WithError(err).Warn("Failed to close price stream")
	}

	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Failed to shutdown health server gracefully")
	}

	cancel()

	logger.Info("Wager engine stopped")
}
