package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all runtime configuration loaded from environment variables.
// Every field maps 1:1 to a documented env var.
type Config struct {
	Env        string `mapstructure:"APP_ENV"` // development | production
	TerminalID string `mapstructure:"TERMINAL_ID" validate:"required,uuid4"`
	DataDir    string `mapstructure:"DATA_DIR" validate:"required"`

	// Peer-facing listener
	P2PPort    int    `mapstructure:"P2P_PORT" validate:"gt=0,lte=65535"`
	ServerAddr string `mapstructure:"SERVER_ADDR"` // central reconciliation peer, optional

	// Sync tuning
	SyncIntervalMS  int `mapstructure:"SYNC_INTERVAL_MS" validate:"gt=0"`
	SendTimeoutMS   int `mapstructure:"SEND_TIMEOUT_MS" validate:"gt=0"`
	GapTimeoutMS    int `mapstructure:"GAP_TIMEOUT_MS" validate:"gt=0"`
	MaxOfflineDays  int `mapstructure:"MAX_OFFLINE_DAYS" validate:"gt=0"`
	PeerTimeoutSecs int `mapstructure:"PEER_TIMEOUT_SECS" validate:"gt=0"`

	// Document bounds
	MaxCachedProducts    int `mapstructure:"MAX_CACHED_PRODUCTS" validate:"gt=0"`
	SalesRetentionDays   int `mapstructure:"SALES_RETENTION_DAYS" validate:"gt=0"`
	CompactIntervalHours int `mapstructure:"COMPACT_INTERVAL_HOURS" validate:"gt=0"`

	// Signing
	SigningKey string `mapstructure:"SIGNING_KEY" validate:"required,min=16"`
}

// Load reads configuration from environment variables (and optional .env file).
func Load() (*Config, error) {
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	// Keys without defaults must be bound explicitly or Unmarshal will not
	// see their env values.
	for _, key := range []string{"TERMINAL_ID", "SIGNING_KEY", "SERVER_ADDR"} {
		_ = viper.BindEnv(key)
	}

	// Sensible defaults for development
	viper.SetDefault("APP_ENV", "development")
	viper.SetDefault("DATA_DIR", "./data")
	viper.SetDefault("P2P_PORT", 9310)
	viper.SetDefault("SYNC_INTERVAL_MS", 30000)
	viper.SetDefault("SEND_TIMEOUT_MS", 10000)
	viper.SetDefault("GAP_TIMEOUT_MS", 60000)
	viper.SetDefault("MAX_OFFLINE_DAYS", 7)
	viper.SetDefault("PEER_TIMEOUT_SECS", 120)
	viper.SetDefault("MAX_CACHED_PRODUCTS", 500)
	viper.SetDefault("SALES_RETENTION_DAYS", 7)
	viper.SetDefault("COMPACT_INTERVAL_HOURS", 6)

	// Optional .env file for local development — does not fail if missing
	_ = viper.ReadInConfig()

	cfg := &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalMS) * time.Millisecond
}
func (c *Config) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutMS) * time.Millisecond
}
func (c *Config) GapTimeout() time.Duration  { return time.Duration(c.GapTimeoutMS) * time.Millisecond }
func (c *Config) PeerTimeout() time.Duration { return time.Duration(c.PeerTimeoutSecs) * time.Second }
func (c *Config) CompactInterval() time.Duration {
	return time.Duration(c.CompactIntervalHours) * time.Hour
}
func (c *Config) SalesRetention() time.Duration {
	return time.Duration(c.SalesRetentionDays) * 24 * time.Hour
}
