// Package config loads engine configuration from file and environment.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the exchange core.
type Config struct {
	LogLevel string         `mapstructure:"log_level"`
	Database DatabaseConfig `mapstructure:"database"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Lock     LockConfig     `mapstructure:"lock"`
	Breaker  BreakerConfig  `mapstructure:"breaker"`
	Limits   LimitsConfig   `mapstructure:"limits"`
	Trading  TradingConfig  `mapstructure:"trading"`
	// ListenAddr serves the metrics and health endpoints.
	ListenAddr string `mapstructure:"listen_addr"`
}

// SymbolConfig declares one tradable currency pair.
type SymbolConfig struct {
	Name  string `mapstructure:"name"`
	Base  string `mapstructure:"base"`
	Quote string `mapstructure:"quote"`
}

// TradingConfig configures the matching engine.
type TradingConfig struct {
	// CommissionRate is the fractional fee on the quote leg of each trade.
	CommissionRate float64        `mapstructure:"commission_rate"`
	Symbols        []SymbolConfig `mapstructure:"symbols"`
}

// DatabaseConfig selects the gorm driver and connection string.
type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// KafkaConfig configures the outbound event publisher.
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// LockConfig configures the keyed lock manager.
type LockConfig struct {
	// DefaultTTL bounds how long a crashed holder can block a resource.
	DefaultTTL time.Duration `mapstructure:"default_ttl"`
	// WaitTimeout is the bounded wait before Acquire fails with LOCK_TIMEOUT.
	WaitTimeout time.Duration `mapstructure:"wait_timeout"`
	// CleanupInterval is how often expired locks are swept.
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// BreakerConfig configures the per-symbol volatility circuit breaker.
type BreakerConfig struct {
	// PriceChangeThreshold is the fractional rolling price move that opens
	// the breaker, e.g. 0.10 for 10%.
	PriceChangeThreshold float64 `mapstructure:"price_change_threshold"`
	// Window is the rolling monitoring window for price observations.
	Window time.Duration `mapstructure:"window"`
	// FailureThreshold is the consecutive operational failure count that
	// opens the breaker.
	FailureThreshold int `mapstructure:"failure_threshold"`
	// CoolDown is how long the breaker stays open before auto-closing.
	CoolDown time.Duration `mapstructure:"cool_down"`
}

// LimitsConfig holds the default business-rule thresholds used by the
// transaction workflow checkers.
type LimitsConfig struct {
	// MaxSingleOperation caps one transaction amount per currency unit.
	MaxSingleOperation float64 `mapstructure:"max_single_operation"`
	// MaxDailyVolume caps the rolling 24h completed volume per account.
	MaxDailyVolume float64 `mapstructure:"max_daily_volume"`
	// ComplianceReviewAbove flags transactions at or above this amount.
	ComplianceReviewAbove float64 `mapstructure:"compliance_review_above"`
}

// Load reads configuration from the given path (optional) with EXCHANGE_*
// environment overrides and built-in defaults.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("log_level", "info")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "file::memory:?cache=shared")
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "exchange-events")
	v.SetDefault("lock.default_ttl", 30*time.Second)
	v.SetDefault("lock.wait_timeout", 30*time.Second)
	v.SetDefault("lock.cleanup_interval", 5*time.Second)
	v.SetDefault("breaker.price_change_threshold", 0.10)
	v.SetDefault("breaker.window", 5*time.Minute)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.cool_down", time.Minute)
	v.SetDefault("limits.max_single_operation", 1_000_000.0)
	v.SetDefault("limits.max_daily_volume", 5_000_000.0)
	v.SetDefault("limits.compliance_review_above", 100_000.0)
	v.SetDefault("trading.commission_rate", 0.0)
	v.SetDefault("trading.symbols", []map[string]interface{}{
		{"name": "EURUSD", "base": "EUR", "quote": "USD"},
	})
	v.SetDefault("listen_addr", ":9090")

	v.SetEnvPrefix("EXCHANGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
