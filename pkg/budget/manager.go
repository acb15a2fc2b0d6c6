// Package budget is the public entry point for daily spend quotas. The
// Manager validates requests, then delegates to the guard and ledger.
package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ogulcanaydogan/spend-guard/pkg/alerts"
	"github.com/ogulcanaydogan/spend-guard/pkg/guard"
	"github.com/ogulcanaydogan/spend-guard/pkg/ledger"
	"github.com/ogulcanaydogan/spend-guard/pkg/metrics"
	"github.com/ogulcanaydogan/spend-guard/pkg/model"
	"github.com/ogulcanaydogan/spend-guard/pkg/pricing"
	"github.com/ogulcanaydogan/spend-guard/pkg/tokenizer"
)

// DefaultAlertThresholdPct is the warning threshold used when none is configured.
const DefaultAlertThresholdPct = 80.0

// ErrNoPricing is returned by cost operations on a Manager built without a pricing engine.
var ErrNoPricing = errors.New("pricing engine not configured")

// Config holds the Manager's injected settings.
type Config struct {
	Limits            model.Limits
	Keys              model.KeySpace
	Clock             model.Clock
	AlertThresholdPct float64
}

// Manager validates requests and enforces the scope hierarchy.
type Manager struct {
	ledger       ledger.Ledger
	guard        *guard.Guard
	limits       *guard.LiveLimits
	pricing      *pricing.Engine
	notifiers    []alerts.Notifier
	thresholdPct float64
	clock        model.Clock
	logger       *slog.Logger
}

// NewManager wires a Manager. engine may be nil when callers always supply
// amounts; notifiers and recorder may be nil.
func NewManager(l ledger.Ledger, engine *pricing.Engine, notifiers []alerts.Notifier, recorder metrics.Recorder, cfg Config, logger *slog.Logger) (*Manager, error) {
	if err := ValidateLimits(cfg.Limits); err != nil {
		return nil, fmt.Errorf("invalid limits: %w", err)
	}
	if cfg.Clock == nil {
		cfg.Clock = model.SystemClock{}
	}
	if cfg.AlertThresholdPct <= 0 {
		cfg.AlertThresholdPct = DefaultAlertThresholdPct
	}

	limits := guard.NewLiveLimits(cfg.Limits)
	g := guard.New(l, limits, guard.Options{
		Keys:     cfg.Keys,
		Clock:    cfg.Clock,
		Recorder: recorder,
	}, logger)

	return &Manager{
		ledger:       l,
		guard:        g,
		limits:       limits,
		pricing:      engine,
		notifiers:    notifiers,
		thresholdPct: cfg.AlertThresholdPct,
		clock:        cfg.Clock,
		logger:       logger,
	}, nil
}

// CheckAvailability returns nil when the request may proceed, an
// *guard.ExceededError naming the first exhausted scope, a ledger error,
// or a *ValidationError.
func (m *Manager) CheckAvailability(ctx context.Context, req CheckRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	return m.guard.CheckAvailability(ctx, req.UserID, req.ProjectID, req.EstimatedCost)
}

// RecordSpend applies rec.Amount to every scope. On a ledger failure the
// scopes written before it stay committed.
func (m *Manager) RecordSpend(ctx context.Context, rec SpendRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	usages, err := m.guard.RecordSpend(ctx, rec.UserID, rec.Amount, rec.ProjectID, rec.Model)
	if err != nil {
		return err
	}
	if rec.Amount > 0 {
		m.notifyCrossings(ctx, usages, rec.Amount)
	}
	return nil
}

// RecordUsage prices a metered call and records its cost. Nothing is
// recorded when pricing fails.
func (m *Manager) RecordUsage(ctx context.Context, u UsageRecord) (float64, error) {
	if err := u.Validate(); err != nil {
		return 0, err
	}
	if m.pricing == nil {
		return 0, ErrNoPricing
	}

	cost, err := m.pricing.CalculateWithCache(u.Model, u.InputTokens, u.CachedInputTokens, u.OutputTokens)
	if err != nil {
		return 0, fmt.Errorf("price usage: %w", err)
	}

	err = m.RecordSpend(ctx, SpendRecord{
		UserID:    u.UserID,
		Amount:    cost,
		ProjectID: u.ProjectID,
		Model:     u.Model,
	})
	if err != nil {
		return 0, err
	}
	return cost, nil
}

// EstimateCost prices prompt plus maxOutputTokens for a pre-flight check.
func (m *Manager) EstimateCost(modelName, prompt string, maxOutputTokens int64) (float64, error) {
	if m.pricing == nil {
		return 0, ErrNoPricing
	}
	if err := requireID("model", modelName); err != nil {
		return 0, err
	}
	if maxOutputTokens < 0 {
		return 0, &ValidationError{Field: "max_output_tokens", Reason: "must not be negative"}
	}

	tokens, err := tokenizer.CountTokens(prompt, modelName)
	if err != nil {
		return 0, fmt.Errorf("count prompt tokens: %w", err)
	}
	return m.pricing.Calculate(modelName, tokens, maxOutputTokens)
}

// Usage returns the current-day running totals for a user and optional project.
func (m *Manager) Usage(ctx context.Context, userID, projectID string) ([]model.ScopeUsage, error) {
	if err := requireID("user_id", userID); err != nil {
		return nil, err
	}
	if err := optionalID("project_id", projectID); err != nil {
		return nil, err
	}
	return m.guard.Usage(ctx, userID, projectID)
}

// Limits returns the limits in force.
func (m *Manager) Limits() model.Limits {
	return m.limits.Limits()
}

// SetLimits replaces the limits. The next check uses the new values.
func (m *Manager) SetLimits(l model.Limits) error {
	if err := ValidateLimits(l); err != nil {
		return err
	}
	m.limits.Set(l)
	m.logger.Info("limits updated",
		"global_daily_usd", l.GlobalDailyUSD,
		"project_daily_usd", l.ProjectDailyUSD,
		"user_daily_usd", l.UserDailyUSD,
	)
	return nil
}

// Pricing returns the pricing engine, or nil.
func (m *Manager) Pricing() *pricing.Engine { return m.pricing }

// Ledger returns the counter store.
func (m *Manager) Ledger() ledger.Ledger { return m.ledger }

// Ping checks the ledger backend.
func (m *Manager) Ping(ctx context.Context) error {
	return m.ledger.Ping(ctx)
}

// Close releases the ledger.
func (m *Manager) Close() error {
	return m.ledger.Close()
}
