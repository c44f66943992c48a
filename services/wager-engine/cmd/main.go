package main

import (
	"github.com/paaavkata/crypto-wager/services/wager-engine/internal/config"
	"github.com/paaavkata/crypto-wager/shared/pkg/utils"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const serviceName = "wager-engine"

var configPath string

var rootCmd = &cobra.Command{
	Use:   serviceName,
	Short: "Crypto price wager service",
	Long: `wager-engine serves short-horizon price bets on crypto tickers.
Prices are cached from the Binance market data API and open bets are
settled one minute after they close.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveCmd.RunE(cmd, args)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	rootCmd.AddCommand(serveCmd, migrateCmd, settleCmd)
}

func main() {
	cobra.CheckErr(rootCmd.Execute())
}

func setup() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	logger := utils.NewLogger(serviceName)
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	return cfg, logger, nil
}
