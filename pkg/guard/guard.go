// Package guard enforces the Global → Project → User daily spend hierarchy
// on top of a ledger.
//
// Scopes are always evaluated and written in that fixed order. Writes are
// applied one key at a time: when an increment fails, the increments before
// it stay committed and the ones after it are not attempted.
package guard

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ogulcanaydogan/spend-guard/pkg/ledger"
	"github.com/ogulcanaydogan/spend-guard/pkg/metrics"
	"github.com/ogulcanaydogan/spend-guard/pkg/model"
)

const unknownTag = "unknown"

// Options configures a Guard. Zero values select the defaults.
type Options struct {
	Keys     model.KeySpace
	Clock    model.Clock
	Recorder metrics.Recorder
}

// Guard evaluates and records spend against the scope hierarchy.
type Guard struct {
	ledger   ledger.Ledger
	limits   LimitSource
	keys     model.KeySpace
	clock    model.Clock
	recorder metrics.Recorder
	logger   *slog.Logger
}

// New creates a Guard.
func New(l ledger.Ledger, limits LimitSource, opts Options, logger *slog.Logger) *Guard {
	if opts.Keys == (model.KeySpace{}) {
		opts.Keys = model.DefaultKeySpace
	}
	if opts.Clock == nil {
		opts.Clock = model.SystemClock{}
	}
	return &Guard{
		ledger:   l,
		limits:   limits,
		keys:     opts.Keys,
		clock:    opts.Clock,
		recorder: metrics.OrNop(opts.Recorder),
		logger:   logger,
	}
}

// DeriveScopes returns the ordered scopes for a request at the given instant:
// global, then project when projectID is non-empty, then user.
func (g *Guard) DeriveScopes(userID, projectID string, now time.Time) []model.Scope {
	limits := g.limits.Limits()
	date := model.DateKey(now)

	scope := func(kind model.ScopeKind, id string) model.Scope {
		return model.Scope{
			Kind:  kind,
			ID:    id,
			Key:   g.keys.Key(kind, id, date),
			Limit: limits.For(kind),
		}
	}

	scopes := make([]model.Scope, 0, 3)
	scopes = append(scopes, scope(model.ScopeGlobal, ""))
	if projectID != "" {
		scopes = append(scopes, scope(model.ScopeProject, projectID))
	}
	return append(scopes, scope(model.ScopeUser, userID))
}

// CheckAvailability reports whether a request costing estimated may proceed.
// It performs no writes. A scope is violated when its usage has reached the
// limit, or when a positive estimate would push it past the limit. The first
// violated scope is returned as an *ExceededError; a ledger failure is
// returned as-is and stops evaluation.
func (g *Guard) CheckAvailability(ctx context.Context, userID, projectID string, estimated float64) error {
	for _, s := range g.DeriveScopes(userID, projectID, g.clock.Now()) {
		used, err := g.ledger.GetUsage(ctx, s.Key)
		if err != nil {
			g.recorder.LedgerError("get")
			return fmt.Errorf("check %s budget: %w", s.Kind, err)
		}

		if used >= s.Limit || (estimated > 0 && used+estimated > s.Limit) {
			g.recorder.Rejection(s.Kind)
			g.logger.Warn("budget check rejected",
				"scope", s.Kind,
				"scope_id", s.ID,
				"used", used,
				"estimated", estimated,
				"limit", s.Limit,
			)
			return &ExceededError{
				Scope:     s.Kind,
				ScopeID:   s.ID,
				Limit:     s.Limit,
				Used:      used,
				Estimated: estimated,
			}
		}

		g.logger.Debug("budget scope ok", "scope", s.Kind, "scope_id", s.ID, "used", used, "limit", s.Limit)
	}
	return nil
}

// RecordSpend adds amount to every scope in order, setting each key to
// expire at the next UTC midnight if it has no expiry yet. Keys and expiry
// come from a single clock reading.
//
// The returned usages cover the scopes that were written, including on
// error, so callers can see what was committed before the failure.
func (g *Guard) RecordSpend(ctx context.Context, userID string, amount float64, projectID, modelName string) ([]model.ScopeUsage, error) {
	now := g.clock.Now()
	ttlSecs := model.SecondsUntilNextUTCMidnight(now)
	ttl := time.Duration(ttlSecs) * time.Second

	scopes := g.DeriveScopes(userID, projectID, now)
	applied := make([]model.ScopeUsage, 0, len(scopes))
	for _, s := range scopes {
		total, err := g.ledger.Increment(ctx, s.Key, amount, ttl)
		if err != nil {
			g.recorder.LedgerError("increment")
			g.logger.Error("spend partially applied",
				"failed_scope", s.Kind,
				"applied_scopes", len(applied),
				"amount", amount,
				"error", err,
			)
			return applied, fmt.Errorf("record %s spend: %w", s.Kind, err)
		}
		applied = append(applied, usageOf(s, total, ttlSecs))
	}

	modelTag, projectTag := orUnknown(modelName), orUnknown(projectID)
	g.recorder.Spend(modelTag, projectTag, amount)
	g.logger.Info("finops.spend.total",
		"amount", amount,
		"model", modelTag,
		"project", projectTag,
		"user", userID,
	)
	return applied, nil
}

// Usage returns the current-day running totals for every scope of a request.
func (g *Guard) Usage(ctx context.Context, userID, projectID string) ([]model.ScopeUsage, error) {
	now := g.clock.Now()
	ttlSecs := model.SecondsUntilNextUTCMidnight(now)

	scopes := g.DeriveScopes(userID, projectID, now)
	out := make([]model.ScopeUsage, 0, len(scopes))
	for _, s := range scopes {
		used, err := g.ledger.GetUsage(ctx, s.Key)
		if err != nil {
			g.recorder.LedgerError("get")
			return nil, fmt.Errorf("read %s usage: %w", s.Kind, err)
		}
		out = append(out, usageOf(s, used, ttlSecs))
	}
	return out, nil
}

func usageOf(s model.Scope, used float64, resetsIn int64) model.ScopeUsage {
	remaining := s.Limit - used
	if remaining < 0 {
		remaining = 0
	}
	return model.ScopeUsage{Scope: s, UsedUSD: used, RemainingUSD: remaining, ResetsIn: resetsIn}
}

func orUnknown(v string) string {
	if v == "" {
		return unknownTag
	}
	return v
}
