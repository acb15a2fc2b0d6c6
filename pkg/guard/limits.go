package guard

import (
	"sync/atomic"

	"github.com/ogulcanaydogan/spend-guard/pkg/model"
)

// LimitSource supplies the limits in force. The guard reads it on every call.
type LimitSource interface {
	Limits() model.Limits
}

// StaticLimits is a LimitSource that never changes.
type StaticLimits model.Limits

func (s StaticLimits) Limits() model.Limits { return model.Limits(s) }

// LiveLimits is a LimitSource that can be swapped at runtime. Readers always
// see a complete snapshot, never a mix of old and new values.
type LiveLimits struct {
	current atomic.Pointer[model.Limits]
}

func NewLiveLimits(initial model.Limits) *LiveLimits {
	l := &LiveLimits{}
	l.Set(initial)
	return l
}

func (l *LiveLimits) Limits() model.Limits {
	return *l.current.Load()
}

func (l *LiveLimits) Set(limits model.Limits) {
	l.current.Store(&limits)
}
