// Package metrics wraps Prometheus collectors for the node's request,
// execution, consensus, and state-apply telemetry (SPEC_FULL's metrics
// endpoint supplement).
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry collects every metric the node exposes on the admin listener's
// /metrics endpoint.
type Registry struct {
	reg *prometheus.Registry

	RestRequestsTotal   *prometheus.CounterVec
	RestRequestDuration *prometheus.HistogramVec

	MempoolQueueDepth  prometheus.Gauge
	MempoolSubmitTotal *prometheus.CounterVec

	ExecutorDispatchTotal    *prometheus.CounterVec
	ExecutorDispatchDuration *prometheus.HistogramVec

	ConsensusCommitDuration prometheus.Histogram
	ConsensusCommitsTotal   *prometheus.CounterVec

	StateApplyDuration prometheus.Histogram
	StateApplyTotal     *prometheus.CounterVec
}

const namespace = "cvmnode"

// New builds and registers every collector.
func New() *Registry {
	reg := prometheus.NewRegistry()

	m := &Registry{
		reg: reg,
		RestRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rest", Name: "requests_total",
			Help: "REST ingress requests by method and status class.",
		}, []string{"method", "status"}),
		RestRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "rest", Name: "request_duration_seconds",
			Help: "REST ingress request latency.", Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		MempoolQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "mempool", Name: "queue_depth",
			Help: "Current count of pending transactions.",
		}),
		MempoolSubmitTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "mempool", Name: "submit_total",
			Help: "Transactions submitted, by terminal status.",
		}, []string{"status"}),
		ExecutorDispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "executor", Name: "dispatch_total",
			Help: "Executor dispatches, by outcome.",
		}, []string{"outcome"}),
		ExecutorDispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "executor", Name: "dispatch_duration_seconds",
			Help: "Time spent dispatching a request to a contract container.", Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"contract_addr"}),
		ConsensusCommitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "consensus", Name: "commit_duration_seconds",
			Help: "Time from append to majority commit.", Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		ConsensusCommitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "consensus", Name: "commits_total",
			Help: "Log entries, by outcome (committed, rejected).",
		}, []string{"outcome"}),
		StateApplyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "state", Name: "apply_duration_seconds",
			Help: "Time to apply one committed diff to the state store.", Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		StateApplyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "state", Name: "apply_total",
			Help: "State-store applies, by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.RestRequestsTotal, m.RestRequestDuration,
		m.MempoolQueueDepth, m.MempoolSubmitTotal,
		m.ExecutorDispatchTotal, m.ExecutorDispatchDuration,
		m.ConsensusCommitDuration, m.ConsensusCommitsTotal,
		m.StateApplyDuration, m.StateApplyTotal,
	)
	return m
}

// Handler returns the HTTP handler serving the Prometheus text exposition
// format.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// ObserveRestRequest records one completed REST ingress request.
func (m *Registry) ObserveRestRequest(method, statusClass string, d time.Duration) {
	m.RestRequestsTotal.WithLabelValues(method, statusClass).Inc()
	m.RestRequestDuration.WithLabelValues(method).Observe(d.Seconds())
}
