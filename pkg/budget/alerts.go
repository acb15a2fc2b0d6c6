package budget

import (
	"context"
	"fmt"

	"github.com/ogulcanaydogan/spend-guard/pkg/alerts"
	"github.com/ogulcanaydogan/spend-guard/pkg/model"
)

const (
	criticalPct = 95.0
	exceededPct = 100.0
)

// crossedLevel returns the highest alert level whose threshold lies in
// (prevPct, newPct], or "" when none was crossed.
func crossedLevel(prevPct, newPct, warnPct float64) alerts.AlertLevel {
	crossed := func(at float64) bool { return prevPct < at && newPct >= at }
	switch {
	case crossed(exceededPct):
		return alerts.AlertExceeded
	case crossed(criticalPct):
		return alerts.AlertCritical
	case crossed(warnPct):
		return alerts.AlertWarning
	}
	return ""
}

// notifyCrossings sends one alert per scope whose running total crossed a
// threshold with this spend. Send failures are logged only.
func (m *Manager) notifyCrossings(ctx context.Context, usages []model.ScopeUsage, amount float64) {
	if len(m.notifiers) == 0 {
		return
	}
	date := model.DateKey(m.clock.Now())

	for _, u := range usages {
		if u.Limit <= 0 {
			continue
		}
		newPct := u.UsedUSD / u.Limit * 100
		prevPct := (u.UsedUSD - amount) / u.Limit * 100

		level := crossedLevel(prevPct, newPct, m.thresholdPct)
		if level == "" {
			continue
		}

		alert := alerts.NewAlert(level, string(u.Kind), u.ID, date, u.Limit, u.UsedUSD, m.thresholdPct,
			fmt.Sprintf("%s at %.1f%% of daily limit ($%.2f / $%.2f)", u.Name(), newPct, u.UsedUSD, u.Limit))

		m.logger.Warn("budget threshold crossed",
			"scope", u.Kind,
			"scope_id", u.ID,
			"level", level,
			"pct", newPct,
			"spend", u.UsedUSD,
			"limit", u.Limit,
		)

		for _, n := range m.notifiers {
			if err := n.Send(ctx, alert); err != nil {
				m.logger.Error("send alert failed",
					"notifier", n.Name(),
					"scope", u.Kind,
					"scope_id", u.ID,
					"error", err,
				)
			}
		}
	}
}
