package main

import (
	"github.com/paaavkata/crypto-wager/services/wager-engine/internal/market"
	"github.com/paaavkata/crypto-wager/services/wager-engine/internal/metrics"
	"github.com/paaavkata/crypto-wager/services/wager-engine/internal/price"
	"github.com/paaavkata/crypto-wager/services/wager-engine/internal/settlement"
	"github.com/paaavkata/crypto-wager/shared/pkg/binance"
	"github.com/paaavkata/crypto-wager/shared/pkg/database"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	wagerDB "github.com/paaavkata/crypto-wager/services/wager-engine/internal/database"
)

// settleCmd runs one settlement pass against REST prices and exits.
var settleCmd = &cobra.Command{
	Use:   "settle",
	Short: "Run a single settlement pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}

		db, err := database.NewConnection(cfg.Database, logger)
		if err != nil {
			return err
		}
		defer db.Close()

		m := metrics.NewNop()
		repo := wagerDB.NewRepository(db, logger)
		gateway := market.NewGateway(
			binance.NewClient(cfg.Binance.Client(), logger),
			binance.NewStream(cfg.Binance.Stream(), logger),
			m, logger,
		)
		defer gateway.Close()

		prices := cfg.Prices
		prices.PullOnly = true
		cache := price.NewCache(gateway, prices, m, logger)

		resolver := settlement.NewResolver(repo, m, logger)
		scheduler := settlement.NewScheduler(repo, cache, resolver, cfg.Settlement, m, logger)

		report := scheduler.RunPass(cmd.Context())
		logger.WithFields(logrus.Fields{
			"due":              report.Due,
			"resolved":         report.Resolved,
			"already_resolved": report.AlreadyResolved,
			"failed":           report.Failed,
			"skipped":          report.Skipped,
		}).Info("Settlement pass finished")
		return report.Err
	},
}
