// Package config loads runtime configuration from the environment and the
// seed catalog from YAML.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/shopspring/decimal"
)

// Price source kinds.
const (
	PriceSourceNone   = "none"
	PriceSourceRandom = "random"
	PriceSourceHTTP   = "http"
	PriceSourceKafka  = "kafka"
)

// Journal drivers.
const (
	JournalNone     = "none"
	JournalPostgres = "postgres"
	JournalSQLite   = "sqlite"
)

// Config holds all runtime configuration for the market engine.
type Config struct {
	Port     string `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	StartingBalance decimal.Decimal `env:"STARTING_BALANCE" envDefault:"10000"`
	ReferralBonus   decimal.Decimal `env:"REFERRAL_BONUS" envDefault:"500"`
	TrendingLimit   int             `env:"TRENDING_LIMIT" envDefault:"10"`

	MarketInterval    time.Duration `env:"MARKET_INTERVAL" envDefault:"60s"`
	PortfolioInterval time.Duration `env:"PORTFOLIO_INTERVAL" envDefault:"30s"`
	FeedTimeout       time.Duration `env:"FEED_TIMEOUT" envDefault:"10s"`
	CricAPIURL        string        `env:"CRICAPI_URL" envDefault:"https://api.cricapi.com/v1"`
	CricAPIKey        string        `env:"CRICAPI_KEY"`

	PriceSource   string          `env:"PRICE_SOURCE" envDefault:"none"`
	PriceInterval time.Duration   `env:"PRICE_INTERVAL" envDefault:"15s"`
	PriceURL      string          `env:"PRICE_URL"`
	PriceStep     decimal.Decimal `env:"PRICE_STEP" envDefault:"0.02"`

	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"instrument-prices"`
	KafkaGroupID string   `env:"KAFKA_GROUP_ID" envDefault:"market-engine"`

	RedisURL      string        `env:"REDIS_URL"`
	MatchCacheTTL time.Duration `env:"MATCH_CACHE_TTL" envDefault:"10m"`

	JournalDriver string `env:"JOURNAL_DRIVER" envDefault:"none"`
	DatabaseURL   string `env:"DATABASE_URL"`
	SQLitePath    string `env:"SQLITE_PATH" envDefault:"market-engine.db"`

	SeedPath        string        `env:"SEED_PATH"`
	CORSOrigin      string        `env:"CORS_ORIGIN" envDefault:"*"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Load reads configuration from environment variables, applies defaults,
// and validates values.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if _, ok := logLevels[c.LogLevel]; !ok {
		return fmt.Errorf("invalid LOG_LEVEL: %q, must be one of: debug, info, warn, error", c.LogLevel)
	}
	if c.StartingBalance.IsNegative() {
		return fmt.Errorf("invalid STARTING_BALANCE: %s, must not be negative", c.StartingBalance)
	}
	if c.ReferralBonus.IsNegative() {
		return fmt.Errorf("invalid REFERRAL_BONUS: %s, must not be negative", c.ReferralBonus)
	}
	if c.TrendingLimit <= 0 {
		return fmt.Errorf("invalid TRENDING_LIMIT: %d, must be positive", c.TrendingLimit)
	}
	if c.MarketInterval <= 0 || c.PortfolioInterval <= 0 {
		return fmt.Errorf("invalid MARKET_INTERVAL/PORTFOLIO_INTERVAL: must be positive")
	}
	if c.PortfolioInterval > c.MarketInterval {
		return fmt.Errorf("invalid PORTFOLIO_INTERVAL: %s exceeds MARKET_INTERVAL %s", c.PortfolioInterval, c.MarketInterval)
	}
	if c.FeedTimeout <= 0 {
		return fmt.Errorf("invalid FEED_TIMEOUT: must be positive")
	}

	switch c.PriceSource {
	case PriceSourceNone:
	case PriceSourceRandom:
		if !c.PriceStep.IsPositive() || c.PriceStep.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return fmt.Errorf("invalid PRICE_STEP: %s, must be in (0, 1)", c.PriceStep)
		}
	case PriceSourceHTTP:
		if c.PriceURL == "" {
			return fmt.Errorf("PRICE_URL is required when PRICE_SOURCE=http")
		}
	case PriceSourceKafka:
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("KAFKA_BROKERS is required when PRICE_SOURCE=kafka")
		}
	default:
		return fmt.Errorf("invalid PRICE_SOURCE: %q, must be one of: none, random, http, kafka", c.PriceSource)
	}
	if c.PriceSource != PriceSourceNone && c.PriceSource != PriceSourceKafka && c.PriceInterval <= 0 {
		return fmt.Errorf("invalid PRICE_INTERVAL: must be positive")
	}

	switch c.JournalDriver {
	case JournalNone:
	case JournalPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when JOURNAL_DRIVER=postgres")
		}
	case JournalSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when JOURNAL_DRIVER=sqlite")
		}
	default:
		return fmt.Errorf("invalid JOURNAL_DRIVER: %q, must be one of: none, postgres, sqlite", c.JournalDriver)
	}
	return nil
}

// JournalDSN returns the connection string for the configured driver.
func (c Config) JournalDSN() string {
	if c.JournalDriver == JournalPostgres {
		return c.DatabaseURL
	}
	return c.SQLitePath
}

var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// SlogLevel returns the configured log level.
func (c Config) SlogLevel() slog.Level {
	return logLevels[c.LogLevel]
}
