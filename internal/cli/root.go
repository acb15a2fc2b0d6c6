package cli

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ogulcanaydogan/spend-guard/internal/config"
	"github.com/ogulcanaydogan/spend-guard/pkg/alerts"
	"github.com/ogulcanaydogan/spend-guard/pkg/budget"
	"github.com/ogulcanaydogan/spend-guard/pkg/ledger"
	"github.com/ogulcanaydogan/spend-guard/pkg/metrics"
	"github.com/ogulcanaydogan/spend-guard/pkg/model"
	"github.com/ogulcanaydogan/spend-guard/pkg/pricing"
	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "sguard",
	Short: "Spend Guard - hierarchical daily spend quotas for LLM usage",
	Long: `Spend Guard enforces daily USD quotas at global, project and user level
before a metered call is made, and records what each call cost afterwards.
It runs as an HTTP API and transparent proxy, or one-shot from the CLI.`,
	SilenceUsage: true,
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.sguard/config.yaml)")
}

// loadConfig loads and validates the configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// newLogger creates a structured logger from config.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	return slog.New(handler)
}

// initLedger opens the configured counter store.
func initLedger(cfg *config.Config, logger *slog.Logger) (ledger.Ledger, error) {
	switch cfg.Ledger.Backend {
	case "redis":
		return ledger.NewRedis(ledger.RedisOptions{
			URL:     cfg.Ledger.RedisURL,
			Timeout: cfg.Ledger.Timeout,
		}, logger)
	case "sqlite":
		return ledger.NewSQLite(cfg.Ledger.SQLitePath, model.SystemClock{}, logger)
	case "memory":
		return ledger.NewMemory(model.SystemClock{}), nil
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.Ledger.Backend)
	}
}

// initEngine loads price catalogs and config overrides.
func initEngine(cfg *config.Config) (*pricing.Engine, error) {
	pricingDir := cfg.Pricing.Dir

	if _, err := os.Stat(pricingDir); os.IsNotExist(err) {
		// Fall back to pricing/ next to the executable.
		exePath, _ := os.Executable()
		if exePath != "" {
			altDir := filepath.Join(filepath.Dir(exePath), "pricing")
			if _, altErr := os.Stat(altDir); altErr == nil {
				pricingDir = altDir
			}
		}
	}

	catalogs, err := pricing.LoadDir(pricingDir)
	if err != nil {
		return nil, fmt.Errorf("load pricing: %w", err)
	}
	return pricing.NewEngine(cfg.Pricing.Overrides, catalogs...)
}

// initNotifiers creates alert notifiers from config.
func initNotifiers(cfg *config.Config) []alerts.Notifier {
	var notifiers []alerts.Notifier

	if cfg.Alerts.Slack.Enabled && cfg.Alerts.Slack.WebhookURL != "" {
		notifiers = append(notifiers, alerts.NewSlackNotifier(
			cfg.Alerts.Slack.WebhookURL,
			cfg.Alerts.Slack.Channel,
		))
	}

	if cfg.Alerts.Webhook.Enabled && cfg.Alerts.Webhook.URL != "" {
		notifiers = append(notifiers, alerts.NewWebhookNotifier(
			cfg.Alerts.Webhook.URL,
			cfg.Alerts.Webhook.Secret,
		))
	}

	return notifiers
}

// initManager creates a fully wired budget manager. recorder may be nil.
// The caller owns the manager and must Close it.
func initManager(cfg *config.Config, logger *slog.Logger, recorder metrics.Recorder) (*budget.Manager, error) {
	engine, err := initEngine(cfg)
	if err != nil {
		return nil, err
	}

	store, err := initLedger(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	m, err := budget.NewManager(store, engine, initNotifiers(cfg), recorder, budget.Config{
		Limits:            cfg.Limits.Model(),
		Keys:              cfg.Ledger.KeySpace(),
		AlertThresholdPct: cfg.Alerts.ThresholdPct,
	}, logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	return m, nil
}
