// Package metrics exposes Prometheus instruments for queue, sync and ledger activity.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every collector the node exports. A nil *Metrics is a valid no-op.
type Metrics struct {
	registry *prometheus.Registry

	mergeResults   *prometheus.CounterVec
	sessions       *prometheus.CounterVec
	submissions    *prometheus.CounterVec
	securityEvents *prometheus.CounterVec
	queueEntries   *prometheus.GaugeVec
	ledgerDuration prometheus.Histogram
	cbState        *prometheus.GaugeVec
	syncTicks      *prometheus.CounterVec
}

// New builds and registers collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		mergeResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meshledger_merge_results_total",
			Help: "Remote transaction merge outcomes by result and reason.",
		}, []string{"result", "reason"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meshledger_sync_sessions_total",
			Help: "Peer sync sessions by transport and outcome.",
		}, []string{"transport", "outcome"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meshledger_ledger_submissions_total",
			Help: "Ledger submission attempts by outcome.",
		}, []string{"outcome"}),
		securityEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meshledger_security_events_total",
			Help: "Security events by type.",
		}, []string{"type"}),
		queueEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meshledger_queue_entries",
			Help: "Queued transactions by status.",
		}, []string{"status"}),
		ledgerDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "meshledger_ledger_http_duration_seconds",
			Help:    "Histogram of ledger HTTP request durations.",
			Buckets: prometheus.DefBuckets,
		}),
		cbState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meshledger_circuit_breaker_state",
			Help: "Circuit breaker state gauge (0 closed, 1 half, 2 open).",
		}, []string{"target"}),
		syncTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meshledger_coordinator_ticks_total",
			Help: "Coordinator ticks by chosen path.",
		}, []string{"path"}),
	}

	m.registry.MustRegister(
		m.mergeResults,
		m.sessions,
		m.submissions,
		m.securityEvents,
		m.queueEntries,
		m.ledgerDuration,
		m.cbState,
		m.syncTicks,
	)
	m.cbState.WithLabelValues("ledger").Set(0)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveMerge(result, reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "none"
	}
	m.mergeResults.WithLabelValues(result, reason).Inc()
}

func (m *Metrics) ObserveSession(transport, outcome string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(transport, outcome).Inc()
}

func (m *Metrics) ObserveSubmission(outcome string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveSecurityEvent(eventType string) {
	if m == nil {
		return
	}
	m.securityEvents.WithLabelValues(eventType).Inc()
}

func (m *Metrics) ObserveTick(path string) {
	if m == nil {
		return
	}
	m.syncTicks.WithLabelValues(path).Inc()
}

// SetQueueDepth publishes the current count for one status.
func (m *Metrics) SetQueueDepth(status string, count int) {
	if m == nil {
		return
	}
	m.queueEntries.WithLabelValues(status).Set(float64(count))
}

// ObserveLedgerRequest records one ledger round trip.
func (m *Metrics) ObserveLedgerRequest(d time.Duration) {
	if m == nil {
		return
	}
	m.ledgerDuration.Observe(d.Seconds())
}

// SetBreakerState records a circuit breaker state (0 closed, 1 half-open, 2 open).
func (m *Metrics) SetBreakerState(target string, state int) {
	if m == nil {
		return
	}
	m.cbState.WithLabelValues(target).Set(float64(state))
}
