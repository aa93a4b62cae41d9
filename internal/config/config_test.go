package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/atmx/perp-engine/internal/fees"
	"github.com/atmx/perp-engine/internal/fixed"
)

func newViper(kv map[string]string) *viper.Viper {
	v := viper.New()
	setDefaults(v)
	for k, val := range kv {
		v.Set(k, val)
	}
	return v
}

func TestFromViper_Defaults(t *testing.T) {
	cfg, err := FromViper(newViper(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("expected port 8080, got %s", cfg.Port)
	}
	if cfg.DatabaseURL != "" || cfg.RedisURL != "" || len(cfg.KafkaBrokers) != 0 {
		t.Error("expected storage, cache and events disabled by default")
	}
	if cfg.CacheTTL != 30*time.Second {
		t.Errorf("expected 30s cache ttl, got %s", cfg.CacheTTL)
	}
	if cfg.DefaultFundingPeriod != time.Hour {
		t.Errorf("expected 1h funding period, got %s", cfg.DefaultFundingPeriod)
	}
	if !cfg.MaxBasePerMarket.Equal(fixed.NewBase(10_000_000_000_000_000)) {
		t.Errorf("unexpected base limit %s", cfg.MaxBasePerMarket)
	}
	if !cfg.MaxTotalNotional.Equal(fixed.NewQuote(1_000_000_000_000)) {
		t.Errorf("unexpected notional limit %s", cfg.MaxTotalNotional)
	}
	if cfg.TradeFee != fees.Default {
		t.Errorf("expected the default fee, got %s", cfg.TradeFee)
	}
	if cfg.InsuranceFund != "insurance-fund" {
		t.Errorf("unexpected insurance fund %q", cfg.InsuranceFund)
	}
}

func TestFromViper_Brokers(t *testing.T) {
	cfg, err := FromViper(newViper(map[string]string{"KAFKA_BROKERS": "k1:9092, k2:9092,,"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[0] != "k1:9092" || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Errorf("unexpected brokers %v", cfg.KafkaBrokers)
	}
}

func TestFromViper_Invalid(t *testing.T) {
	tests := []struct {
		name string
		kv   map[string]string
	}{
		{"empty port", map[string]string{"PORT": ""}},
		{"zero ttl", map[string]string{"CACHE_TTL": "0s"}},
		{"short funding period", map[string]string{"DEFAULT_FUNDING_PERIOD": "10ms"}},
		{"fractional limit", map[string]string{"MAX_BASE_PER_MARKET": "1.5"}},
		{"negative limit", map[string]string{"MAX_TOTAL_NOTIONAL": "-1"}},
		{"zero fee denominator", map[string]string{"TRADE_FEE_DENOMINATOR": "0"}},
		{"fee of 100%", map[string]string{"TRADE_FEE_NUMERATOR": "1000"}},
		{"no insurance fund", map[string]string{"INSURANCE_FUND_ADDRESS": " "}},
	}
	for _, tt := range tests {
		if _, err := FromViper(newViper(tt.kv)); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DEFAULT_FUNDING_PERIOD", "8h")
	t.Setenv("MAX_TOTAL_NOTIONAL", "0")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != "9090" {
		t.Errorf("expected port from env, got %s", cfg.Port)
	}
	if cfg.DefaultFundingPeriod != 8*time.Hour {
		t.Errorf("expected 8h, got %s", cfg.DefaultFundingPeriod)
	}
	if !cfg.MaxTotalNotional.IsZero() {
		t.Errorf("expected disabled notional limit, got %s", cfg.MaxTotalNotional)
	}
}
