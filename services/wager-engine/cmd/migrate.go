package main

import (
	"context"
	"time"

	wagerDB "github.com/paaavkata/crypto-wager/services/wager-engine/internal/database"
	"github.com/paaavkata/crypto-wager/shared/pkg/database"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
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

		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
		defer cancel()

		applied, err := database.Migrate(ctx, db, wagerDB.Migrations)
		if err != nil {
			return err
		}
		logger.WithField("applied", applied).Info("Migrations complete")
		return nil
	},
}
