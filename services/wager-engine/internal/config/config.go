package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/paaavkata/crypto-wager/services/wager-engine/internal/price"
	"github.com/paaavkata/crypto-wager/services/wager-engine/internal/settlement"
	"github.com/paaavkata/crypto-wager/services/wager-engine/pkg/models"
	"github.com/paaavkata/crypto-wager/shared/pkg/binance"
	"github.com/paaavkata/crypto-wager/shared/pkg/database"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Database    database.Config     `yaml:"database"`
	Binance     BinanceConfig       `yaml:"binance"`
	Prices      price.Config        `yaml:"prices"`
	Settlement  settlement.Config   `yaml:"settlement"`
	Tickers     []models.TickerInfo `yaml:"tickers"`
	HTTPPort    string              `yaml:"http_port"`
	MetricsPort string              `yaml:"metrics_port"`
	LogLevel    string              `yaml:"log_level"`
}

type BinanceConfig struct {
	RestURL           string        `yaml:"rest_url"`
	StreamURL         string        `yaml:"stream_url"`
	RequestsPerSecond int           `yaml:"requests_per_second"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
}

func (b BinanceConfig) Client() binance.Config {
	return binance.Config{
		BaseURL:           b.RestURL,
		RequestsPerSecond: b.RequestsPerSecond,
		Timeout:           b.RequestTimeout,
	}
}

func (b BinanceConfig) Stream() binance.StreamConfig {
	return binance.StreamConfig{
		URL:         b.StreamURL,
		DialTimeout: b.DialTimeout,
	}
}

var defaultTickers = []models.TickerInfo{
	{Ticker: "BTCUSDT", DisplayName: "BTC/USD"},
	{Ticker: "ETHUSDT", DisplayName: "ETH/USD"},
	{Ticker: "SOLUSDT", DisplayName: "SOL/USD"},
}

// Load reads .env, then the YAML file at path if one is given, then applies
// environment overrides and defaults. A missing file at path is an error.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %q: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Database.DbUri == "" {
		return errors.New("DB_URI is required")
	}
	seen := make(map[string]bool, len(c.Tickers))
	for _, t := range c.Tickers {
		if t.Ticker == "" {
			return errors.New("ticker symbol must not be empty")
		}
		if seen[t.Ticker] {
			return fmt.Errorf("duplicate ticker %s", t.Ticker)
		}
		seen[t.Ticker] = true
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.Database.DbUri = getEnv("DB_URI", cfg.Database.DbUri)
	cfg.Database.MaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", cfg.Database.MaxOpenConns)

	cfg.Binance.RestURL = getEnv("BINANCE_REST_URL", cfg.Binance.RestURL)
	cfg.Binance.StreamURL = getEnv("BINANCE_STREAM_URL", cfg.Binance.StreamURL)
	cfg.Binance.RequestsPerSecond = getEnvInt("BINANCE_REQUESTS_PER_SECOND", cfg.Binance.RequestsPerSecond)

	cfg.Prices.FreshnessThreshold = getEnvDuration("PRICE_FRESHNESS", cfg.Prices.FreshnessThreshold)
	cfg.Prices.IdleTimeout = getEnvDuration("PRICE_IDLE_TIMEOUT", cfg.Prices.IdleTimeout)
	cfg.Prices.Retention = getEnvDuration("PRICE_RETENTION", cfg.Prices.Retention)
	cfg.Prices.CleanupInterval = getEnvDuration("PRICE_CLEANUP_INTERVAL", cfg.Prices.CleanupInterval)
	cfg.Prices.SettlementDelay = getEnvDuration("PRICE_SETTLEMENT_DELAY", cfg.Prices.SettlementDelay)

	cfg.Settlement.GraceDelay = getEnvDuration("SETTLEMENT_GRACE_DELAY", cfg.Settlement.GraceDelay)
	cfg.Settlement.Workers = getEnvInt("SETTLEMENT_WORKERS", cfg.Settlement.Workers)

	if v := os.Getenv("TICKERS"); v != "" {
		cfg.Tickers = parseTickers(v)
	}

	cfg.HTTPPort = getEnv("HTTP_PORT", cfg.HTTPPort)
	cfg.MetricsPort = getEnv("METRICS_PORT", cfg.MetricsPort)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
}

func setDefaults(cfg *Config) {
	if cfg.Database.MaxOpenConns <= 0 {
		cfg.Database.MaxOpenConns = 4
	}
	if cfg.Binance.RestURL == "" {
		cfg.Binance.RestURL = binance.BaseURL
	}
	if cfg.Binance.StreamURL == "" {
		cfg.Binance.StreamURL = binance.StreamURL
	}
	if cfg.Binance.RequestsPerSecond <= 0 {
		cfg.Binance.RequestsPerSecond = 10
	}
	if cfg.Binance.RequestTimeout <= 0 {
		cfg.Binance.RequestTimeout = 10 * time.Second
	}
	if cfg.Binance.DialTimeout <= 0 {
		cfg.Binance.DialTimeout = 10 * time.Second
	}
	// settlement workers each pin a connection; leave one for the API
	if cfg.Settlement.Workers <= 0 {
		cfg.Settlement.Workers = cfg.Database.MaxOpenConns / 2
		if cfg.Settlement.Workers < 1 {
			cfg.Settlement.Workers = 1
		}
	}
	if len(cfg.Tickers) == 0 {
		cfg.Tickers = append([]models.TickerInfo(nil), defaultTickers...)
	}
	for i := range cfg.Tickers {
		cfg.Tickers[i].Ticker = strings.ToUpper(cfg.Tickers[i].Ticker)
		if cfg.Tickers[i].DisplayName == "" {
			cfg.Tickers[i].DisplayName = cfg.Tickers[i].Ticker
		}
	}
	if cfg.HTTPPort == "" {
		cfg.HTTPPort = "8000"
	}
	if cfg.MetricsPort == "" {
		cfg.MetricsPort = "8080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

// parseTickers reads "BTCUSDT:BTC/USD,ETHUSDT:ETH/USD".
func parseTickers(value string) []models.TickerInfo {
	var tickers []models.TickerInfo
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		symbol, name, _ := strings.Cut(part, ":")
		tickers = append(tickers, models.TickerInfo{
			Ticker:      strings.TrimSpace(symbol),
			DisplayName: strings.TrimSpace(name),
		})
	}
	return tickers
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("750ms") or whole seconds ("5").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
