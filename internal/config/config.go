// Package config handles configuration loading and validation for the exporter.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the exporter
type Config struct {
	Observer  ObserverConfig  `mapstructure:"observer"`
	Wallets   []string        `mapstructure:"wallets"`
	Collector CollectorConfig `mapstructure:"collector"`
	Rates     RatesConfig     `mapstructure:"rates"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	NewRelic  NewRelicConfig  `mapstructure:"newrelic"`
	Profiling ProfilingConfig `mapstructure:"profiling"`
	Log       LogConfig       `mapstructure:"log"`
	DevMode   bool            `mapstructure:"dev_mode"`
}

// ObserverConfig defines the P2Pool observer node connection
type ObserverConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// CollectorConfig defines the periodic collection settings
type CollectorConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	Window        time.Duration `mapstructure:"window"`
	MinerTTL      time.Duration `mapstructure:"miner_ttl"`
	StopGrace     time.Duration `mapstructure:"stop_grace"`
	PayoutHistory int           `mapstructure:"payout_history"`
}

// RatesConfig defines the exchange-rate source
type RatesConfig struct {
	URL        string   `mapstructure:"url"`
	Currencies []string `mapstructure:"currencies"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// MetricsConfig defines how measurements leave the process. An empty bind
// disables the scrape endpoint; an empty OTLP endpoint disables push.
type MetricsConfig struct {
	Bind         string        `mapstructure:"bind"`
	OTLPEndpoint string        `mapstructure:"otlp_endpoint"`
	OTLPInsecure bool          `mapstructure:"otlp_insecure"`
	PushInterval time.Duration `mapstructure:"push_interval"`
}

// NotifyConfig defines webhook notification settings
type NotifyConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	DiscordURL   string `mapstructure:"discord_url"`
	TelegramBot  string `mapstructure:"telegram_bot"`
	TelegramChat string `mapstructure:"telegram_chat"`
}

// NewRelicConfig defines optional APM event reporting
type NewRelicConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	AppName    string `mapstructure:"app_name"`
	LicenseKey string `mapstructure:"license_key"`
}

// ProfilingConfig defines the pprof server, active in dev mode only
type ProfilingConfig struct {
	Bind string `mapstructure:"bind"`
}

// LogConfig defines logging settings
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// Load reads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/p2pool-exporter")
	}

	v.SetEnvPrefix("P2POOL_EXPORTER")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Observer defaults
	v.SetDefault("observer.url", "https://mini.p2pool.observer")
	v.SetDefault("observer.timeout", "10s")

	// Collector defaults
	v.SetDefault("collector.interval", "300s")
	v.SetDefault("collector.window", "600s")
	v.SetDefault("collector.miner_ttl", "1h")
	v.SetDefault("collector.stop_grace", "10s")
	v.SetDefault("collector.payout_history", 10)

	// Redis defaults
	v.SetDefault("redis.url", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)

	// Metrics defaults
	v.SetDefault("metrics.bind", "0.0.0.0:9093")
	v.SetDefault("metrics.push_interval", "60s")

	// Profiling defaults
	v.SetDefault("profiling.bind", "127.0.0.1:6060")

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.Observer.URL == "" {
		return fmt.Errorf("observer.url is required")
	}

	if len(c.Wallets) == 0 {
		return fmt.Errorf("at least one wallet is required")
	}

	if c.Collector.Interval <= 0 {
		return fmt.Errorf("collector.interval must be positive")
	}

	if c.Collector.MinerTTL <= 0 {
		return fmt.Errorf("collector.miner_ttl must be positive")
	}

	if len(c.Rates.Currencies) > 0 && c.Rates.URL == "" {
		return fmt.Errorf("rates.url is required when currencies are configured")
	}

	if c.NewRelic.Enabled && c.NewRelic.LicenseKey == "" {
		return fmt.Errorf("newrelic.license_key is required when newrelic is enabled")
	}

	return nil
}
