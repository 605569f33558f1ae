// Package config defines all configuration for the copy-trading event
// broker. Config is loaded from a YAML file (default:
// configs/config.yaml) with sensitive fields overridable via BROKER_*
// environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure.
type Config struct {
	Environment string          `mapstructure:"environment"`
	Webhook     WebhookConfig   `mapstructure:"webhook"`
	KV          KVConfig        `mapstructure:"kv"`
	Bus         BusConfig       `mapstructure:"bus"`
	Provider    ProviderConfig  `mapstructure:"provider"`
	Scorer      ScorerConfig    `mapstructure:"scorer"`
	History     HistoryConfig   `mapstructure:"history"`
	Logging     LoggingConfig   `mapstructure:"logging"`
	Ops         OpsConfig       `mapstructure:"ops"`
}

// WebhookConfig controls the inbound HTTP receiver.
type WebhookConfig struct {
	Port      int    `mapstructure:"port"`
	WebhookID string `mapstructure:"webhook_id"`
}

// KVConfig points at the Redis instance backing both the KV store and
// the bus substrate.
type KVConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	Namespace string `mapstructure:"namespace"`
}

// BusConfig tunes consumer concurrency, retry, and processing deadlines.
type BusConfig struct {
	Prefetch          int           `mapstructure:"prefetch"`
	RetryAttempts     int           `mapstructure:"retry_attempts"`
	RetryBaseDelay    time.Duration `mapstructure:"retry_base_delay"`
	ProcessingTimeout time.Duration `mapstructure:"processing_timeout"`
}

// ProviderConfig holds the blockchain-index provider's endpoint and
// credentials. APIKey is overridable via BROKER_PROVIDER_API_KEY.
type ProviderConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	APIKey    string        `mapstructure:"api_key"`
	WebhookID string        `mapstructure:"webhook_id"`
	DryRun    bool          `mapstructure:"dry_run"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// ScorerConfig points at the external ML scoring service and lists the
// KOL wallets for which it is consulted.
type ScorerConfig struct {
	BaseURL               string        `mapstructure:"base_url"`
	Timeout               time.Duration `mapstructure:"timeout"`
	PredictableKOLWallets []string      `mapstructure:"predictable_kol_wallets"`
}

// HistoryConfig sets TTLs for trade-history and counter retention.
type HistoryConfig struct {
	TradeHistoryTTL time.Duration `mapstructure:"trade_history_ttl"`
	CounterTTL      time.Duration `mapstructure:"counter_ttl"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// OpsConfig controls the optional operator-facing event stream.
type OpsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: BROKER_PROVIDER_API_KEY, BROKER_KV_PASSWORD.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("BROKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("BROKER_PROVIDER_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if pass := os.Getenv("BROKER_KV_PASSWORD"); pass != "" {
		cfg.KV.Password = pass
	}
	if os.Getenv("BROKER_PROVIDER_DRY_RUN") == "true" || os.Getenv("BROKER_PROVIDER_DRY_RUN") == "1" {
		cfg.Provider.DryRun = true
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.KV.Addr == "" {
		return fmt.Errorf("kv.addr is required")
	}
	if c.Webhook.Port == 0 {
		return fmt.Errorf("webhook.port is required")
	}
	if c.Provider.BaseURL == "" {
		return fmt.Errorf("provider.base_url is required")
	}
	if !c.Provider.DryRun && c.Provider.APIKey == "" {
		return fmt.Errorf("provider.api_key is required (set BROKER_PROVIDER_API_KEY) unless provider.dry_run is true")
	}
	if c.Bus.RetryAttempts < 0 {
		return fmt.Errorf("bus.retry_attempts must be >= 0")
	}
	if c.History.TradeHistoryTTL <= 0 {
		return fmt.Errorf("history.trade_history_ttl must be > 0")
	}
	if c.History.CounterTTL <= 0 {
		return fmt.Errorf("history.counter_ttl must be > 0")
	}
	return nil
}
