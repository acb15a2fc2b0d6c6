package budget

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/ogulcanaydogan/spend-guard/pkg/model"
)

// ErrValidation matches every ValidationError.
var ErrValidation = errors.New("validation failed")

// ValidationError reports a request rejected before any ledger I/O.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Field + " " + e.Reason
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// CheckRequest asks whether a call costing EstimatedCost may proceed.
type CheckRequest struct {
	UserID        string
	ProjectID     string
	EstimatedCost float64
}

// SpendRecord is an amount to apply to every scope. Negative amounts are refunds.
type SpendRecord struct {
	UserID    string
	Amount    float64
	ProjectID string
	Model     string
}

// UsageRecord is a metered call to be priced and then recorded.
type UsageRecord struct {
	UserID            string
	ProjectID         string
	Model             string
	InputTokens       int64
	CachedInputTokens int64
	OutputTokens      int64
}

func (r CheckRequest) Validate() error {
	if err := requireID("user_id", r.UserID); err != nil {
		return err
	}
	if err := optionalID("project_id", r.ProjectID); err != nil {
		return err
	}
	if !isFinite(r.EstimatedCost) {
		return &ValidationError{Field: "estimated_cost", Reason: "must be a finite number"}
	}
	if r.EstimatedCost < 0 {
		return &ValidationError{Field: "estimated_cost", Reason: "must not be negative"}
	}
	return nil
}

func (r SpendRecord) Validate() error {
	if err := requireID("user_id", r.UserID); err != nil {
		return err
	}
	if !isFinite(r.Amount) {
		return &ValidationError{Field: "amount", Reason: "must be a finite number"}
	}
	if err := optionalID("project_id", r.ProjectID); err != nil {
		return err
	}
	return optionalID("model", r.Model)
}

func (r UsageRecord) Validate() error {
	if err := requireID("user_id", r.UserID); err != nil {
		return err
	}
	if err := optionalID("project_id", r.ProjectID); err != nil {
		return err
	}
	if err := requireID("model", r.Model); err != nil {
		return err
	}
	if r.InputTokens < 0 || r.CachedInputTokens < 0 || r.OutputTokens < 0 {
		return &ValidationError{Field: "tokens", Reason: "must not be negative"}
	}
	return nil
}

// ValidateLimits rejects negative or non-finite ceilings.
func ValidateLimits(l model.Limits) error {
	for _, c := range []struct {
		field string
		v     float64
	}{
		{"global_daily_usd", l.GlobalDailyUSD},
		{"project_daily_usd", l.ProjectDailyUSD},
		{"user_daily_usd", l.UserDailyUSD},
	} {
		if !isFinite(c.v) || c.v < 0 {
			return &ValidationError{Field: c.field, Reason: fmt.Sprintf("must be a finite, non-negative number (got %v)", c.v)}
		}
	}
	return nil
}

func requireID(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return &ValidationError{Field: field, Reason: "must be a non-empty string"}
	}
	return nil
}

// optionalID accepts an absent value but rejects one that is only whitespace.
func optionalID(field, v string) error {
	if v != "" && strings.TrimSpace(v) == "" {
		return &ValidationError{Field: field, Reason: "must be a non-empty string"}
	}
	return nil
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
