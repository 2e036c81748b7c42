// Package metrics exposes Prometheus counters and gauges for the
// dispatch lifecycle, webhook ingestion, and notifier fan-out, replacing
// the teacher's ad-hoc in-memory endpoint-count map with a real metrics
// backend.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every counter/gauge this service exports.
type Metrics struct {
	WebhookRequestsTotal   *prometheus.CounterVec
	WebhookDedupedTotal    *prometheus.CounterVec
	DispatchTransitions    *prometheus.CounterVec
	DispatchesActive       prometheus.Gauge
	ReworkAttemptsTotal    prometheus.Counter
	EscalationsTotal       prometheus.Counter
	WatchdogKillsTotal     prometheus.Counter
	NotifierDeliveryTotal  *prometheus.CounterVec
	NotifierFailuresTotal  *prometheus.CounterVec
	DAGCascadesTotal       prometheus.Counter
}

// New registers and returns all metrics on a dedicated registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		WebhookRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatcher_webhook_requests_total",
			Help: "Total webhook requests received, by event type and HTTP status.",
		}, []string{"event_type", "status"}),
		WebhookDedupedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatcher_webhook_deduped_total",
			Help: "Total webhook requests suppressed by a dedup layer.",
		}, []string{"layer"}),
		DispatchTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatcher_dispatch_transitions_total",
			Help: "Total dispatch state transitions, by from/to/result.",
		}, []string{"from", "to", "result"}),
		DispatchesActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dispatcher_dispatches_active",
			Help: "Current count of active (non-terminal) dispatches.",
		}),
		ReworkAttemptsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "dispatcher_rework_attempts_total",
			Help: "Total rework attempts triggered by a failed audit.",
		}),
		EscalationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "dispatcher_escalations_total",
			Help: "Total dispatches escalated to stuck after exhausting rework attempts.",
		}),
		WatchdogKillsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "dispatcher_watchdog_kills_total",
			Help: "Total sub-agent runs killed by the watchdog after the runner's own retry.",
		}),
		NotifierDeliveryTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatcher_notifier_delivery_total",
			Help: "Total notification deliveries attempted, by channel and kind.",
		}, []string{"channel", "kind"}),
		NotifierFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatcher_notifier_failures_total",
			Help: "Total notification delivery failures, by channel.",
		}, []string{"channel"}),
		DAGCascadesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "dispatcher_dag_cascades_total",
			Help: "Total DAG cascade evaluations triggered by a project-scoped dispatch completing or sticking.",
		}),
	}
}

// Handler returns the promhttp handler for /metrics.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
