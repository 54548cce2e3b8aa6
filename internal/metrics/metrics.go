// Package metrics registers the service's prometheus instruments.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
)

type Metrics struct {
	usageAccepted      *prometheus.CounterVec
	usageDenied        *prometheus.CounterVec
	usageDeduplicated  prometheus.Counter
	periodResets       prometheus.Counter
	reconciliationRuns *prometheus.CounterVec
	alertsDispatched   *prometheus.CounterVec
	jobDuration        *prometheus.HistogramVec
	jobErrors          *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		usageAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "metering_usage_events_accepted_total",
			Help: "Metered events accepted, by event type.",
		}, []string{"event_type"}),
		usageDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "metering_usage_events_denied_total",
			Help: "Metered events denied, by reason.",
		}, []string{"reason"}),
		usageDeduplicated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "metering_usage_events_deduplicated_total",
			Help: "Metered events short-circuited by idempotency key.",
		}),
		periodResets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "metering_period_resets_total",
			Help: "Billing period resets applied.",
		}),
		reconciliationRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "metering_reconciliation_runs_total",
			Help: "Billing reconciliations, by outcome.",
		}, []string{"outcome"}),
		alertsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "metering_alerts_dispatched_total",
			Help: "Quota alerts dispatched, by level.",
		}, []string{"level"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "metering_job_duration_seconds",
			Help:    "Scheduler job duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
		jobErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "metering_job_errors_total",
			Help: "Scheduler job failures.",
		}, []string{"job"}),
	}

	prometheus.MustRegister(
		m.usageAccepted,
		m.usageDenied,
		m.usageDeduplicated,
		m.periodResets,
		m.reconciliationRuns,
		m.alertsDispatched,
		m.jobDuration,
		m.jobErrors,
	)
	return m
}

func (m *Metrics) IncUsageAccepted(eventType string) {
	if m == nil {
		return
	}
	m.usageAccepted.WithLabelValues(eventType).Inc()
}

func (m *Metrics) IncUsageDenied(reason string) {
	if m == nil {
		return
	}
	m.usageDenied.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncUsageDeduplicated() {
	if m == nil {
		return
	}
	m.usageDeduplicated.Inc()
}

func (m *Metrics) IncPeriodReset() {
	if m == nil {
		return
	}
	m.periodResets.Inc()
}

func (m *Metrics) IncReconciliation(outcome string) {
	if m == nil {
		return
	}
	m.reconciliationRuns.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncAlertDispatched(level string) {
	if m == nil {
		return
	}
	m.alertsDispatched.WithLabelValues(level).Inc()
}

func (m *Metrics) ObserveJobDuration(job string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

func (m *Metrics) IncJobError(job string) {
	if m == nil {
		return
	}
	m.jobErrors.WithLabelValues(job).Inc()
}

var Module = fx.Module("metrics",
	fx.Provide(New),
)
