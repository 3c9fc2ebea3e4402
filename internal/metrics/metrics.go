// Package metrics exposes Prometheus instrumentation for the proxy. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Label constants for metrics.
const (
	LabelClass   = "class"
	LabelOutcome = "outcome"
	LabelRole    = "role"
	LabelResult  = "result"
	LabelState   = "state"
)

// Outcome says where a response came from.
const (
	OutcomeNetwork     = "network"
	OutcomeCache       = "cache"
	OutcomeRootCache   = "root_cache"
	OutcomeFallback    = "fallback"
	OutcomeOffline     = "offline"
	OutcomePassthrough = "passthrough"
)

// Result constants.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Metrics holds every collector the proxy updates.
type Metrics struct {
	requests    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	storeWrites *prometheus.CounterVec
	transitions *prometheus.CounterVec
	deletions   *prometheus.CounterVec
	installs    *prometheus.CounterVec
}

// New creates the collectors and registers them with registry. If registry
// is nil, metrics are created but not registered (useful for testing).
func New(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "shellcache",
				Name:      "requests_total",
				Help:      "Intercepted requests by routing class and response source",
			},
			[]string{LabelClass, LabelOutcome},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "shellcache",
				Name:      "request_duration_seconds",
				Help:      "Time to resolve an intercepted request",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
			},
			[]string{LabelClass},
		),
		storeWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "shellcache",
				Subsystem: "store",
				Name:      "writes_total",
				Help:      "Store writes performed by strategies",
			},
			[]string{LabelRole, LabelResult},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "shellcache",
				Subsystem: "lifecycle",
				Name:      "transitions_total",
				Help:      "Lifecycle state transitions",
			},
			[]string{LabelState},
		),
		deletions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "shellcache",
				Subsystem: "store",
				Name:      "deletions_total",
				Help:      "Stale store deletions during activation",
			},
			[]string{LabelResult},
		),
		installs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "shellcache",
				Subsystem: "lifecycle",
				Name:      "install_attempts_total",
				Help:      "Install attempts by result",
			},
			[]string{LabelResult},
		),
	}

	if registry != nil {
		registry.MustRegister(
			m.requests,
			m.duration,
			m.storeWrites,
			m.transitions,
			m.deletions,
			m.installs,
		)
	}
	return m
}

// ObserveRequest records one resolved request.
func (m *Metrics) ObserveRequest(class, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(class, outcome).Inc()
	m.duration.WithLabelValues(class).Observe(d.Seconds())
}

// ObserveStoreWrite records a strategy's write into a store.
func (m *Metrics) ObserveStoreWrite(role string, err error) {
	if m == nil {
		return
	}
	m.storeWrites.WithLabelValues(role, result(err)).Inc()
}

// ObserveTransition records entry into a lifecycle state.
func (m *Metrics) ObserveTransition(state string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(state).Inc()
}

// ObserveDeletion records one stale store deletion.
func (m *Metrics) ObserveDeletion(err error) {
	if m == nil {
		return
	}
	m.deletions.WithLabelValues(result(err)).Inc()
}

// ObserveInstall records one install attempt.
func (m *Metrics) ObserveInstall(err error) {
	if m == nil {
		return
	}
	m.installs.WithLabelValues(result(err)).Inc()
}

func result(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultOK
}
