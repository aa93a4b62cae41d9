// Package config loads server settings from the environment and an optional
// .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/atmx/perp-engine/internal/fees"
	"github.com/atmx/perp-engine/internal/fixed"
)

// Config holds everything cmd/server needs to wire the engine.
type Config struct {
	Port        string
	DatabaseURL string // empty selects the in-memory store
	RedisURL    string // empty disables the cache
	CacheTTL    time.Duration

	KafkaBrokers     []string // empty disables event publishing
	KafkaTopicPrefix string

	// Zero disables the corresponding limit.
	MaxBasePerMarket fixed.Base
	MaxTotalNotional fixed.Quote

	DefaultFundingPeriod time.Duration

	TradeFee      fees.Schedule
	InsuranceFund string // account credited with the fund's share of liquidation penalties
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("CACHE_TTL", "30s")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("KAFKA_TOPIC_PREFIX", "perp")
	// 1000 base units and 1,000,000 quote units.
	v.SetDefault("MAX_BASE_PER_MARKET", "10000000000000000")
	v.SetDefault("MAX_TOTAL_NOTIONAL", "1000000000000")
	v.SetDefault("DEFAULT_FUNDING_PERIOD", "1h")
	v.SetDefault("TRADE_FEE_NUMERATOR", fees.Default.Numerator)
	v.SetDefault("TRADE_FEE_DENOMINATOR", fees.Default.Denominator)
	v.SetDefault("INSURANCE_FUND_ADDRESS", "insurance-fund")
}

// Load reads configuration from the environment. A .env file in the working
// directory is read first when present; environment variables win.
func Load() (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil && !isMissingFile(err) {
		return Config{}, fmt.Errorf("config: read .env: %w", err)
	}
	return FromViper(v)
}

func isMissingFile(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	// SetConfigFile bypasses the search path, so a missing file surfaces as
	// an fs error rather than ConfigFileNotFoundError.
	return errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist)
}

// FromViper builds a Config from an already populated viper instance.
func FromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		Port:                 v.GetString("PORT"),
		DatabaseURL:          v.GetString("DATABASE_URL"),
		RedisURL:             v.GetString("REDIS_URL"),
		CacheTTL:             v.GetDuration("CACHE_TTL"),
		KafkaTopicPrefix:     v.GetString("KAFKA_TOPIC_PREFIX"),
		DefaultFundingPeriod: v.GetDuration("DEFAULT_FUNDING_PERIOD"),
		TradeFee: fees.Schedule{
			Numerator:   v.GetInt64("TRADE_FEE_NUMERATOR"),
			Denominator: v.GetInt64("TRADE_FEE_DENOMINATOR"),
		},
		InsuranceFund: strings.TrimSpace(v.GetString("INSURANCE_FUND_ADDRESS")),
	}
	for _, b := range strings.Split(v.GetString("KAFKA_BROKERS"), ",") {
		if b = strings.TrimSpace(b); b != "" {
			cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
		}
	}

	var err error
	if cfg.MaxBasePerMarket, err = fixed.Parse[fixed.BaseScale](v.GetString("MAX_BASE_PER_MARKET")); err != nil {
		return Config{}, fmt.Errorf("config: MAX_BASE_PER_MARKET: %w", err)
	}
	if cfg.MaxTotalNotional, err = fixed.Parse[fixed.QuoteScale](v.GetString("MAX_TOTAL_NOTIONAL")); err != nil {
		return Config{}, fmt.Errorf("config: MAX_TOTAL_NOTIONAL: %w", err)
	}

	if cfg.Port == "" {
		return Config{}, fmt.Errorf("config: PORT is empty")
	}
	if cfg.CacheTTL <= 0 {
		return Config{}, fmt.Errorf("config: CACHE_TTL must be positive, got %s", cfg.CacheTTL)
	}
	if cfg.DefaultFundingPeriod < time.Second {
		return Config{}, fmt.Errorf("config: DEFAULT_FUNDING_PERIOD must be at least 1s, got %s", cfg.DefaultFundingPeriod)
	}
	if cfg.MaxBasePerMarket.IsNegative() || cfg.MaxTotalNotional.IsNegative() {
		return Config{}, fmt.Errorf("config: position limits must not be negative")
	}
	if err := cfg.TradeFee.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: TRADE_FEE_NUMERATOR/TRADE_FEE_DENOMINATOR: %w", err)
	}
	if cfg.InsuranceFund == "" {
		return Config{}, fmt.Errorf("config: INSURANCE_FUND_ADDRESS is empty")
	}
	return cfg, nil
}
