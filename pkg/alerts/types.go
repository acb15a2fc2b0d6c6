package alerts

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AlertLevel indicates the severity of a threshold crossing.
type AlertLevel string

const (
	AlertWarning  AlertLevel = "warning"  // Crossed the configured threshold
	AlertCritical AlertLevel = "critical" // Crossed 95% of the limit
	AlertExceeded AlertLevel = "exceeded" // Reached the limit
)

// Alert reports that a scope's daily spend crossed a threshold.
type Alert struct {
	ID           string     `json:"id"`
	Level        AlertLevel `json:"level"`
	Scope        string     `json:"scope"`
	ScopeID      string     `json:"scope_id,omitempty"`
	Date         string     `json:"date"`
	LimitUSD     float64    `json:"limit_usd"`
	CurrentSpend float64    `json:"current_spend"`
	ThresholdPct float64    `json:"threshold_pct"`
	Message      string     `json:"message"`
	CreatedAt    time.Time  `json:"created_at"`
}

// NewAlert fills in the ID and creation time.
func NewAlert(level AlertLevel, scope, scopeID, date string, limit, spend, thresholdPct float64, msg string) Alert {
	return Alert{
		ID:           uuid.NewString(),
		Level:        level,
		Scope:        scope,
		ScopeID:      scopeID,
		Date:         date,
		LimitUSD:     limit,
		CurrentSpend: spend,
		ThresholdPct: thresholdPct,
		Message:      msg,
		CreatedAt:    time.Now().UTC(),
	}
}

// UsagePct is the share of the limit consumed, in percent.
func (a Alert) UsagePct() float64 {
	if a.LimitUSD <= 0 {
		return 100
	}
	return a.CurrentSpend / a.LimitUSD * 100
}

// Notifier sends alerts to external systems.
type Notifier interface {
	// Name returns the notifier identifier.
	Name() string

	// Send delivers an alert. Implementations must be safe for concurrent use.
	Send(ctx context.Context, alert Alert) error
}
