// Package metrics exposes the bot's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every series the engine and executors report. Each instance
// carries its own registry so tests can construct them independently.
type Metrics struct {
	registry *prometheus.Registry

	CyclesTotal   prometheus.Counter
	CycleDuration prometheus.Histogram

	EntriesTotal *prometheus.CounterVec
	ExitsTotal   *prometheus.CounterVec

	RollbacksTotal    prometheus.Counter
	RollbackIncidents prometheus.Counter

	OpenPositions     prometheus.Gauge
	FundingAccruedUSD *prometheus.CounterVec
	FeesPaidUSD       prometheus.Counter
	RealizedPnlUSD    prometheus.Gauge
	OpportunitiesSeen prometheus.Counter
}

// Entry results for EntriesTotal's result label.
const (
	EntryFilled        = "filled"
	EntryPreflightSkip = "preflight_rejected"
	EntryRejected      = "entry_rejected"
	EntryRolledBack    = "rolled_back"
	EntryError         = "error"
)

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		CyclesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arb_cycles_total",
			Help: "Strategy cycles completed",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "arb_cycle_duration_seconds",
			Help:    "Wall time of one full monitor/close/open cycle",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		EntriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arb_entries_total",
			Help: "Atomic entry attempts by outcome",
		}, []string{"result"}),
		ExitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arb_exits_total",
			Help: "Position exits by reason",
		}, []string{"reason"}),
		RollbacksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arb_rollbacks_total",
			Help: "Rollbacks performed after partial atomic entries",
		}),
		RollbackIncidents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arb_rollback_incidents_total",
			Help: "Rollbacks that left an un-hedged residual",
		}),
		OpenPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "arb_open_positions",
			Help: "Currently open delta-neutral positions",
		}),
		FundingAccruedUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arb_funding_accrued_usd_total",
			Help: "Funding collected across all positions, in USD",
		}, []string{"symbol"}),
		FeesPaidUSD: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arb_fees_paid_usd_total",
			Help: "Trading fees paid across all orders, in USD",
		}),
		RealizedPnlUSD: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "arb_realized_pnl_usd",
			Help: "Session realized PnL across closed positions, in USD",
		}),
		OpportunitiesSeen: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arb_opportunities_seen_total",
			Help: "Ranked opportunities returned by the funding service",
		}),
	}

	m.registry.MustRegister(
		m.CyclesTotal,
		m.CycleDuration,
		m.EntriesTotal,
		m.ExitsTotal,
		m.RollbacksTotal,
		m.RollbackIncidents,
		m.OpenPositions,
		m.FundingAccruedUSD,
		m.FeesPaidUSD,
		m.RealizedPnlUSD,
		m.OpportunitiesSeen,
	)
	return m
}

// CycleCompleted records one finished strategy cycle.
func (m *Metrics) CycleCompleted(elapsed time.Duration) {
	m.CyclesTotal.Inc()
	m.CycleDuration.Observe(elapsed.Seconds())
}

// EntryRecorded counts an atomic entry attempt by outcome.
func (m *Metrics) EntryRecorded(result string) {
	m.EntriesTotal.WithLabelValues(result).Inc()
}

// ExitRecorded counts a completed position exit by reason.
func (m *Metrics) ExitRecorded(reason string) {
	m.ExitsTotal.WithLabelValues(reason).Inc()
}

// RollbackRecorded counts a rollback; incident marks an un-hedged residual.
func (m *Metrics) RollbackRecorded(incident bool) {
	m.RollbacksTotal.Inc()
	if incident {
		m.RollbackIncidents.Inc()
	}
}

// FundingAccrued adds one observed funding payment.
func (m *Metrics) FundingAccrued(symbol string, usd float64) {
	m.FundingAccruedUSD.WithLabelValues(symbol).Add(usd)
}

// Handler serves this instance's registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
