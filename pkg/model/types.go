package model

import (
	"fmt"
	"strings"
)

// ScopeKind identifies a level in the spend-quota hierarchy.
type ScopeKind string

const (
	ScopeGlobal  ScopeKind = "global"
	ScopeProject ScopeKind = "project"
	ScopeUser    ScopeKind = "user"
)

// Limits holds the daily USD ceilings, one per scope kind.
type Limits struct {
	GlobalDailyUSD  float64 `json:"global_daily_usd" yaml:"global_daily_usd"`
	ProjectDailyUSD float64 `json:"project_daily_usd" yaml:"project_daily_usd"`
	UserDailyUSD    float64 `json:"user_daily_usd" yaml:"user_daily_usd"`
}

// For returns the ceiling configured for the given scope kind.
func (l Limits) For(kind ScopeKind) float64 {
	switch kind {
	case ScopeGlobal:
		return l.GlobalDailyUSD
	case ScopeProject:
		return l.ProjectDailyUSD
	default:
		return l.UserDailyUSD
	}
}

// Scope is one quota bucket for a single UTC day.
type Scope struct {
	Kind  ScopeKind `json:"scope"`
	ID    string    `json:"scope_id,omitempty"`
	Key   string    `json:"key"`
	Limit float64   `json:"limit_usd"`
}

// Name renders the scope for logs and error messages, e.g. "project proj-42".
func (s Scope) Name() string {
	if s.ID == "" {
		return string(s.Kind)
	}
	return string(s.Kind) + " " + s.ID
}

// ScopeUsage is the running total of a scope for the current day.
type ScopeUsage struct {
	Scope
	UsedUSD      float64 `json:"used_usd"`
	RemainingUSD float64 `json:"remaining_usd"`
	ResetsIn     int64   `json:"resets_in_seconds"`
}

// KeySpace formats counter keys as "<namespace>:<version>:<kind>:[<id>:]<date>".
type KeySpace struct {
	Namespace string `json:"namespace"`
	Version   string `json:"version"`
}

// DefaultKeySpace produces keys such as "spend:v1:user:user-7:2025-01-01".
var DefaultKeySpace = KeySpace{Namespace: "spend", Version: "v1"}

// Key returns the counter key for a scope on the given date (YYYY-MM-DD).
// The id is omitted for the global scope.
func (k KeySpace) Key(kind ScopeKind, id, date string) string {
	ns, ver := k.Namespace, k.Version
	if ns == "" {
		ns = DefaultKeySpace.Namespace
	}
	if ver == "" {
		ver = DefaultKeySpace.Version
	}

	parts := []string{ns, ver, string(kind)}
	if kind != ScopeGlobal {
		parts = append(parts, id)
	}
	parts = append(parts, date)
	return strings.Join(parts, ":")
}

// String implements fmt.Stringer.
func (k KeySpace) String() string {
	return fmt.Sprintf("%s:%s", k.Namespace, k.Version)
}
