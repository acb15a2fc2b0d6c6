// Package metrics records spend, rejection and ledger-fault counters.
package metrics

import (
	"net/http"

	"github.com/ogulcanaydogan/spend-guard/pkg/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder receives events from the guard.
type Recorder interface {
	// Spend records an applied amount. Negative amounts are refunds.
	Spend(modelName, project string, amount float64)
	// Rejection records a check refused because scope was exhausted.
	Rejection(scope model.ScopeKind)
	// LedgerError records a failed ledger operation.
	LedgerError(op string)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Spend(string, string, float64) {}
func (Nop) Rejection(model.ScopeKind)     {}
func (Nop) LedgerError(string)            {}

// OrNop returns r, or Nop when r is nil.
func OrNop(r Recorder) Recorder {
	if r == nil {
		return Nop{}
	}
	return r
}

// Prometheus is a Recorder backed by its own registry.
type Prometheus struct {
	registry    *prometheus.Registry
	spendTotal  *prometheus.CounterVec
	refundTotal *prometheus.CounterVec
	rejections  *prometheus.CounterVec
	ledgerErrs  *prometheus.CounterVec
}

// NewPrometheus creates and registers the spend-guard collectors.
func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		spendTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "finops",
			Name:      "spend_total_usd",
			Help:      "Total USD recorded against budgets.",
		}, []string{"model", "project"}),
		refundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "finops",
			Name:      "refund_total_usd",
			Help:      "Total USD refunded against budgets.",
		}, []string{"model", "project"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "budget_rejections_total",
			Help: "Availability checks rejected, by the scope that was exhausted.",
		}, []string{"scope"}),
		ledgerErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_errors_total",
			Help: "Failed ledger operations.",
		}, []string{"op"}),
	}
	p.registry.MustRegister(p.spendTotal, p.refundTotal, p.rejections, p.ledgerErrs)
	return p
}

func (p *Prometheus) Spend(modelName, project string, amount float64) {
	switch {
	case amount > 0:
		p.spendTotal.WithLabelValues(modelName, project).Add(amount)
	case amount < 0:
		// Counters only go up.
		p.refundTotal.WithLabelValues(modelName, project).Add(-amount)
	}
}

func (p *Prometheus) Rejection(scope model.ScopeKind) {
	p.rejections.WithLabelValues(string(scope)).Inc()
}

func (p *Prometheus) LedgerError(op string) {
	p.ledgerErrs.WithLabelValues(op).Inc()
}

// Registry exposes the underlying registry.
func (p *Prometheus) Registry() *prometheus.Registry { return p.registry }

// Handler serves the registry in the Prometheus text format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
