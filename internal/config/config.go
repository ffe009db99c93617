// Package config defines all configuration for the collector.
// Config is loaded from a flat YAML file (default: config.yaml); the path
// can be overridden via the OHLCV_CONFIG environment variable.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file.
type Config struct {
	// MarketQueries are the search prefixes resolved against the Gamma
	// public-search endpoint. At least one entry is required.
	MarketQueries []string `mapstructure:"market_queries"`

	CandleIntervalSeconds    int `mapstructure:"candle_interval_seconds"`
	DiscoveryIntervalSeconds int `mapstructure:"discovery_interval_seconds"`
	FlushIntervalSeconds     int `mapstructure:"flush_interval_seconds"`

	DataDir     string `mapstructure:"data_dir"`
	ArchivePath string `mapstructure:"archive_path"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"` // "text" or "json"
	Verbose   bool   `mapstructure:"verbose"`

	GammaBaseURL string `mapstructure:"gamma_base_url"`
	WSBaseURL    string `mapstructure:"ws_base_url"`

	// MetricsAddr enables the Prometheus /metrics listener when non-empty,
	// e.g. ":9102". Empty disables it.
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// Load reads config from a YAML file, applying defaults for everything
// except market_queries.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	v.SetDefault("candle_interval_seconds", 60)
	v.SetDefault("discovery_interval_seconds", 300)
	v.SetDefault("flush_interval_seconds", 120)
	v.SetDefault("data_dir", "data")
	v.SetDefault("archive_path", "data.zip")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("verbose", false)
	v.SetDefault("gamma_base_url", "https://gamma-api.polymarket.com")
	v.SetDefault("ws_base_url", "wss://ws-subscriptions-clob.polymarket.com")
	v.SetDefault("metrics_addr", "")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if len(c.MarketQueries) == 0 {
		return fmt.Errorf("market_queries must have at least one entry")
	}
	if c.CandleIntervalSeconds <= 0 {
		return fmt.Errorf("candle_interval_seconds must be > 0")
	}
	if c.DiscoveryIntervalSeconds <= 0 {
		return fmt.Errorf("discovery_interval_seconds must be > 0")
	}
	if c.FlushIntervalSeconds <= 0 {
		return fmt.Errorf("flush_interval_seconds must be > 0")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of: debug, info, warn, error")
	}
	if c.GammaBaseURL == "" {
		return fmt.Errorf("gamma_base_url is required")
	}
	if c.WSBaseURL == "" {
		return fmt.Errorf("ws_base_url is required")
	}
	return nil
}

// CandleInterval returns the candle interval as a Duration.
func (c *Config) CandleInterval() time.Duration {
	return time.Duration(c.CandleIntervalSeconds) * time.Second
}

// DiscoveryInterval returns the market rediscovery period.
func (c *Config) DiscoveryInterval() time.Duration {
	return time.Duration(c.DiscoveryIntervalSeconds) * time.Second
}

// FlushInterval returns the disk flush period.
func (c *Config) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalSeconds) * time.Second
}
