package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ogulcanaydogan/spend-guard/internal/proxy"
	"github.com/ogulcanaydogan/spend-guard/internal/server"
	"github.com/ogulcanaydogan/spend-guard/pkg/ledger"
	"github.com/ogulcanaydogan/spend-guard/pkg/metrics"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the budget API and transparent LLM proxy",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringP("listen", "l", "", "Listen address (default from config)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.Server.Listen = listen
	}

	logger := newLogger(cfg)

	var (
		recorder    metrics.Recorder
		metricsHTTP http.Handler
	)
	if cfg.Metrics.Enabled {
		prom := metrics.NewPrometheus()
		recorder, metricsHTTP = prom, prom.Handler()
	}

	manager, err := initManager(cfg, logger, recorder)
	if err != nil {
		return err
	}
	defer manager.Close()

	// Refuse to start without a reachable ledger.
	pingCtx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	err = manager.Ping(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("ledger unreachable: %w", err)
	}

	apiServer := server.NewServer(manager, server.Options{
		Metrics:     metricsHTTP,
		MaxBodySize: cfg.Server.MaxBodySize,
	}, logger)

	if cfg.Proxy.Enabled {
		apiServer.Mount("/", proxy.NewHandler(manager, proxy.Options{
			DefaultProject: cfg.Proxy.DefaultProject,
			AddCostHeaders: cfg.Proxy.AddCostHeaders,
			DenyOnExceed:   cfg.Proxy.DenyOnExceed,
			MaxBodySize:    cfg.Server.MaxBodySize,
		}, logger))
	}

	srv := &http.Server{
		Addr:         cfg.Server.Listen,
		Handler:      apiServer.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()
	if p, ok := manager.Ledger().(purger); ok && cfg.Ledger.PurgeInterval > 0 {
		go runPurge(bgCtx, p, cfg.Ledger.PurgeInterval, logger)
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		logger.Info("server started",
			"listen", cfg.Server.Listen,
			"ledger", cfg.Ledger.Backend,
			"key_space", cfg.Ledger.KeySpace().String(),
			"proxy", cfg.Proxy.Enabled,
		)
		fmt.Fprintf(os.Stderr, "Spend Guard listening on %s\n", cfg.Server.Listen)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
	}

	logger.Info("server stopped")
	return nil
}

// purger is implemented by ledgers that need expired rows removed.
type purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

var _ purger = (*ledger.SQLite)(nil)

func runPurge(ctx context.Context, p purger, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.PurgeExpired(ctx)
			if err != nil {
				logger.Error("purge expired counters", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("purged expired counters", "rows", n)
			}
		}
	}
}
