package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/ogulcanaydogan/spend-guard/pkg/model"
	"github.com/ogulcanaydogan/spend-guard/pkg/pricing"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. SG_LIMITS_USER_DAILY_USD.
const EnvPrefix = "SG"

// Config holds all spend-guard configuration.
type Config struct {
	Ledger  LedgerConfig  `mapstructure:"ledger"`
	Limits  LimitsConfig  `mapstructure:"limits"`
	Pricing PricingConfig `mapstructure:"pricing"`
	Server  ServerConfig  `mapstructure:"server"`
	Proxy   ProxyConfig   `mapstructure:"proxy"`
	Alerts  AlertsConfig  `mapstructure:"alerts"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// LedgerConfig selects and tunes the counter store.
type LedgerConfig struct {
	Backend       string        `mapstructure:"backend"`
	RedisURL      string        `mapstructure:"redis_url"`
	Timeout       time.Duration `mapstructure:"timeout"`
	SQLitePath    string        `mapstructure:"sqlite_path"`
	PurgeInterval time.Duration `mapstructure:"purge_interval"`
	Namespace     string        `mapstructure:"namespace"`
	Version       string        `mapstructure:"version"`
}

// KeySpace returns the counter key format.
func (l LedgerConfig) KeySpace() model.KeySpace {
	return model.KeySpace{Namespace: l.Namespace, Version: l.Version}
}

// LimitsConfig holds the daily USD ceilings.
type LimitsConfig struct {
	GlobalDailyUSD  float64 `mapstructure:"global_daily_usd"`
	ProjectDailyUSD float64 `mapstructure:"project_daily_usd"`
	UserDailyUSD    float64 `mapstructure:"user_daily_usd"`
}

// Model converts the limits into the value object injected into the manager.
func (l LimitsConfig) Model() model.Limits {
	return model.Limits{
		GlobalDailyUSD:  l.GlobalDailyUSD,
		ProjectDailyUSD: l.ProjectDailyUSD,
		UserDailyUSD:    l.UserDailyUSD,
	}
}

// PricingConfig defines pricing data settings.
type PricingConfig struct {
	Dir       string                      `mapstructure:"dir"`
	Overrides map[string]pricing.Override `mapstructure:"overrides"`
}

// ServerConfig defines the HTTP listener.
type ServerConfig struct {
	Listen       string        `mapstructure:"listen"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	MaxBodySize  int64         `mapstructure:"max_body_size"`
}

// ProxyConfig defines transparent proxy settings.
type ProxyConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	DenyOnExceed   bool   `mapstructure:"deny_on_exceed"`
	AddCostHeaders bool   `mapstructure:"add_cost_headers"`
	// DefaultProject is charged when a proxied call carries no project header.
	DefaultProject string `mapstructure:"default_project"`
}

// AlertsConfig defines alerting integrations.
type AlertsConfig struct {
	ThresholdPct float64       `mapstructure:"threshold_pct"`
	Slack        SlackConfig   `mapstructure:"slack"`
	Webhook      WebhookConfig `mapstructure:"webhook"`
}

// SlackConfig defines Slack webhook settings.
type SlackConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	WebhookURL string `mapstructure:"webhook_url"`
	Channel    string `mapstructure:"channel"`
}

// WebhookConfig defines generic webhook settings.
type WebhookConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Secret  string `mapstructure:"secret"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from defaults, an optional YAML file, a .env
// file in the working directory, and SG_* environment variables, in
// increasing order of precedence. Variables already in the environment
// are never overridden by .env.
func Load(cfgFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("find home directory: %w", err)
		}

		v.AddConfigPath(filepath.Join(home, ".sguard"))
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	home, _ := os.UserHomeDir()
	v.SetDefault("ledger.backend", "redis")
	v.SetDefault("ledger.redis_url", "redis://localhost:6379")
	v.SetDefault("ledger.timeout", "2s")
	v.SetDefault("ledger.sqlite_path", filepath.Join(home, ".sguard", "counters.db"))
	v.SetDefault("ledger.purge_interval", "1h")
	v.SetDefault("ledger.namespace", model.DefaultKeySpace.Namespace)
	v.SetDefault("ledger.version", model.DefaultKeySpace.Version)
	v.SetDefault("limits.global_daily_usd", 5000.0)
	v.SetDefault("limits.project_daily_usd", 500.0)
	v.SetDefault("pricing.dir", "pricing/")
	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.max_body_size", 10*1024*1024) // 10 MB
	v.SetDefault("proxy.enabled", true)
	v.SetDefault("proxy.deny_on_exceed", true)
	v.SetDefault("proxy.add_cost_headers", true)
	v.SetDefault("proxy.default_project", "")
	v.SetDefault("alerts.threshold_pct", 80.0)
	v.SetDefault("alerts.slack.channel", "#llm-costs")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// No defaults for these two, so bind them explicitly for IsSet and Unmarshal.
	_ = v.BindEnv("limits.user_daily_usd")
	_ = v.BindEnv("limits.daily_usd")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	// limits.daily_usd is accepted for the user limit unless that is set directly.
	if !v.IsSet("limits.user_daily_usd") {
		if v.IsSet("limits.daily_usd") {
			v.Set("limits.user_daily_usd", v.GetFloat64("limits.daily_usd"))
		} else {
			v.Set("limits.user_daily_usd", 10.0)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate rejects settings that would make enforcement meaningless.
func (c *Config) Validate() error {
	switch c.Ledger.Backend {
	case "redis", "sqlite", "memory":
	default:
		return fmt.Errorf("ledger.backend: unknown backend %q (want redis, sqlite or memory)", c.Ledger.Backend)
	}
	if c.Ledger.Backend == "redis" && c.Ledger.RedisURL == "" {
		return fmt.Errorf("ledger.redis_url: required for the redis backend")
	}

	for _, l := range []struct {
		key string
		v   float64
	}{
		{"limits.global_daily_usd", c.Limits.GlobalDailyUSD},
		{"limits.project_daily_usd", c.Limits.ProjectDailyUSD},
		{"limits.user_daily_usd", c.Limits.UserDailyUSD},
	} {
		if math.IsNaN(l.v) || math.IsInf(l.v, 0) || l.v < 0 {
			return fmt.Errorf("%s: must be a finite, non-negative number", l.key)
		}
	}

	if p := c.Proxy.DefaultProject; p != "" && strings.TrimSpace(p) == "" {
		return fmt.Errorf("proxy.default_project: must not be blank")
	}

	if c.Alerts.ThresholdPct <= 0 || c.Alerts.ThresholdPct > 100 {
		return fmt.Errorf("alerts.threshold_pct: must be in (0, 100]")
	}
	return nil
}
