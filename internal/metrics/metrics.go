// Package metrics exposes the scheduling engine's Prometheus collectors.
//
// A nil *Metrics is valid and records nothing, so components can be built in
// tests without a registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "calbot"

// Fire results recorded on calbot_triggers_fired_total.
const (
	ResultOK      = "ok"
	ResultSkipped = "skipped"
	ResultError   = "error"
)

// Reconcile actions recorded on calbot_reconcile_events_total.
const (
	ActionDeleted  = "deleted"
	ActionAdvanced = "advanced"
	ActionFailed   = "failed"
)

type Metrics struct {
	registry *prometheus.Registry

	triggersLive    *prometheus.GaugeVec
	triggersFired   *prometheus.CounterVec
	pollSweep       prometheus.Histogram
	pollEvents      *prometheus.CounterVec
	reconcileEvents *prometheus.CounterVec
	notifications   *prometheus.CounterVec
}

// New registers the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return NewWithRegistry(reg)
}

func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	auto := promauto.With(reg)
	return &Metrics{
		registry: reg,
		triggersLive: auto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "triggers_live",
			Help:      "Triggers currently armed in the registry, by job kind.",
		}, []string{"kind"}),
		triggersFired: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triggers_fired_total",
			Help:      "Trigger executions by job kind and result.",
		}, []string{"kind", "result"}),
		pollSweep: auto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_sweep_seconds",
			Help:      "Duration of a shard poll sweep.",
			Buckets:   prometheus.DefBuckets,
		}),
		pollEvents: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_events_total",
			Help:      "Events visited by poll sweeps, by result.",
		}, []string{"result"}),
		reconcileEvents: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_events_total",
			Help:      "Past events resolved by reconciliation, by action.",
		}, []string{"action"}),
		notifications: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification deliveries by result.",
		}, []string{"result"}),
	}
}

func (m *Metrics) TriggerArmed(kind string) {
	if m == nil {
		return
	}
	m.triggersLive.WithLabelValues(kind).Inc()
}

func (m *Metrics) TriggerDisarmed(kind string) {
	if m == nil {
		return
	}
	m.triggersLive.WithLabelValues(kind).Dec()
}

func (m *Metrics) TriggerFired(kind, result string) {
	if m == nil {
		return
	}
	m.triggersFired.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) PollSweep(d time.Duration) {
	if m == nil {
		return
	}
	m.pollSweep.Observe(d.Seconds())
}

func (m *Metrics) PollEvents(result string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.pollEvents.WithLabelValues(result).Add(float64(n))
}

func (m *Metrics) Reconciled(action string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.reconcileEvents.WithLabelValues(action).Add(float64(n))
}

func (m *Metrics) Notification(result string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(result).Inc()
}

// Registry is exposed for tests and custom exporters.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
