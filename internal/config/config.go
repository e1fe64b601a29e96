// Package config loads the merchant backend's configuration: a
// viper-backed YAML default merged with an environment override and
// AutomaticEnv for process-env/.env overlays.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ExchangeConfig describes one configured exchange.
type ExchangeConfig struct {
	BaseURL         string `mapstructure:"base-url" json:"base_url"`
	MasterPublicKey string `mapstructure:"master-public-key" json:"master_public_key"`
	Currency        string `mapstructure:"currency" json:"currency"`
}

// ServerConfig is the ambient HTTP listen configuration.
type ServerConfig struct {
	ListenAddr string `mapstructure:"listen-addr" json:"listen_addr"`
}

// DatabaseConfig holds the persistent store's connection info. The shipped
// internal/store.MemStore ignores it and keeps everything in process
// memory; the field stays part of the config shape so a SQL-backed Store
// can be swapped in later without changing how operators configure it.
type DatabaseConfig struct {
	ConnectionString string `mapstructure:"connection-string" json:"connection_string"`
}

// LoggingConfig controls the ambient logrus/zap verbosity.
type LoggingConfig struct {
	Level string `mapstructure:"level" json:"level"`
}

// Config is the unified merchant-core configuration, following's
// recognized option set.
type Config struct {
	Currency                   string          `mapstructure:"currency" json:"currency"`
	DefaultWireTransferDelay   time.Duration   `mapstructure:"default-wire-transfer-delay" json:"default_wire_transfer_delay"`
	DefaultPayDelay            time.Duration   `mapstructure:"default-pay-delay" json:"default_pay_delay"`
	DefaultMaxWireFee          string          `mapstructure:"default-max-wire-fee" json:"default_max_wire_fee"`
	DefaultWireFeeAmortization int             `mapstructure:"default-wire-fee-amortization" json:"default_wire_fee_amortization"`
	DefaultMaxDepositFee       string          `mapstructure:"default-max-deposit-fee" json:"default_max_deposit_fee"`
	ForceAudit                 bool            `mapstructure:"force-audit" json:"force_audit"`
	Database                   DatabaseConfig  `mapstructure:"database" json:"database"`
	Exchanges                  []ExchangeConfig `mapstructure:"exchanges" json:"exchanges"`
	Server                     ServerConfig    `mapstructure:"server" json:"server"`
	Logging                    LoggingConfig   `mapstructure:"logging" json:"logging"`

	// DepositConcurrencyPerExchange is the configurable ceiling on
	// in-flight per-exchange deposit/track RPCs; default 16.
	DepositConcurrencyPerExchange int `mapstructure:"deposit-concurrency-per-exchange" json:"deposit_concurrency_per_exchange"`

	// MasterKeyHex is the 32-byte XChaCha20-Poly1305 key (hex-encoded)
	// sealing instance private keys at rest (internal/cryptoutil).
	// cmd/merchantd generates an ephemeral one and logs a warning when it
	// is left empty.
	MasterKeyHex string `mapstructure:"master-key" json:"-"`

	// MetricsListenAddr serves the /metrics endpoint. Empty disables the
	// metrics server.
	MetricsListenAddr string `mapstructure:"metrics-listen-addr" json:"metrics_listen_addr"`
}

// AppConfig holds the process-wide loaded configuration.
var AppConfig Config

// Load reads configuration from configPath (a YAML file) merged with an
// optional env-specific override file (<env>.yaml in configPath's
// directory), then AutomaticEnv overlays. A .env file in the working
// directory is loaded first via godotenv.
//
// Load failures are the admin-CLI's exit code 2 condition; the
// caller (cmd/merchantctl, cmd/merchantd) is responsible for translating a
// non-nil error into that exit code.
func Load(configPath, env string) (*Config, error) {
	_ = godotenv.Load() // best effort; absence of .env is not an error

	v := viper.New()
	setDefaultsOn(v)
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: load %s: %w", configPath, err)
	}

	if env != "" {
		v.AddConfigPath(filepath.Dir(configPath))
		v.SetConfigName(env)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("config: merge %s: %w", env, err)
		}
	}

	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	AppConfig = cfg
	return &AppConfig, nil
}

func setDefaultsOn(v *viper.Viper) {
	v.SetDefault("default-wire-transfer-delay", 24*time.Hour)
	v.SetDefault("default-pay-delay", 2*time.Hour)
	v.SetDefault("default-wire-fee-amortization", 1)
	v.SetDefault("force-audit", false)
	v.SetDefault("server.listen-addr", ":8080")
	v.SetDefault("logging.level", "info")
	v.SetDefault("deposit-concurrency-per-exchange", 16)
	v.SetDefault("metrics-listen-addr", ":9090")
}

func (c *Config) validate() error {
	if c.Currency == "" {
		return fmt.Errorf("currency is required")
	}
	if c.DefaultWireFeeAmortization < 1 {
		return fmt.Errorf("default-wire-fee-amortization must be >= 1")
	}
	for _, ex := range c.Exchanges {
		if ex.BaseURL == "" {
			return fmt.Errorf("exchange entry missing base-url")
		}
	}
	return nil
}
