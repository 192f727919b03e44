// Package metrics holds the Prometheus collectors of sandboxd.
//
// All collectors live on a caller supplied registry; there is no global state.
// Every method is safe to call on a nil *Metrics so components can run
// without instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sandboxd"

// Release reasons
const (
	ReasonExplicit = "explicit"
	ReasonIdle     = "idle"
	ReasonShutdown = "shutdown"
)

// Metrics holds all collectors.
type Metrics struct {
	SandboxesCreated  *prometheus.CounterVec
	SandboxesReleased *prometheus.CounterVec
	ProvisionFailures prometheus.Counter
	ActiveSandboxes   prometheus.Gauge
	KeepAliveTicks    *prometheus.CounterVec
	Reconciliations   *prometheus.CounterVec

	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration prometheus.Histogram

	HubConnections prometheus.Gauge
	HubDropped     prometheus.Counter

	DeploymentsTotal   *prometheus.CounterVec
	DeploymentDuration prometheus.Histogram
}

// New creates and registers all collectors on reg.
// Returns nil if reg is nil.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		SandboxesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "created_total",
			Help:      "Total sandboxes created, by purpose.",
		}, []string{"purpose"}),
		SandboxesReleased: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "released_total",
			Help:      "Total sandboxes released, by reason.",
		}, []string{"reason"}),
		ProvisionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "provision_failures_total",
			Help:      "Total sandbox creations rejected by the provider.",
		}),
		ActiveSandboxes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "active",
			Help:      "Sandboxes currently tracked by the registry.",
		}),
		KeepAliveTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "keepalive_ticks_total",
			Help:      "Keep-alive ticks, by result (extended, stopped, failed).",
		}, []string{"result"}),
		Reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "reconciliations_total",
			Help:      "Reattach attempts for sandboxes missing from the registry, by result.",
		}, []string{"result"}),
		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "runs_total",
			Help:      "Total code runs, by outcome.",
		}, []string{"outcome"}),
		ExecutionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "run_duration_seconds",
			Help:      "Code run duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		}),
		HubConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "connections",
			Help:      "Connected output clients.",
		}),
		HubDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "dropped_messages_total",
			Help:      "Execution messages dropped because the client was absent or slow.",
		}),
		DeploymentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "deploy",
			Name:      "deployments_total",
			Help:      "Total MCP server deployments, by outcome.",
		}, []string{"outcome"}),
		DeploymentDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "deploy",
			Name:      "deployment_duration_seconds",
			Help:      "Time from deployment request to a ready server, in seconds.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
		}),
	}

	reg.MustRegister(
		m.SandboxesCreated,
		m.SandboxesReleased,
		m.ProvisionFailures,
		m.ActiveSandboxes,
		m.KeepAliveTicks,
		m.Reconciliations,
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.HubConnections,
		m.HubDropped,
		m.DeploymentsTotal,
		m.DeploymentDuration,
	)

	return m
}

// SandboxCreated records a successful creation.
func (m *Metrics) SandboxCreated(purpose string) {
	if m == nil {
		return
	}
	m.SandboxesCreated.WithLabelValues(purpose).Inc()
}

// ProvisionFailed records a creation the provider rejected.
func (m *Metrics) ProvisionFailed() {
	if m == nil {
		return
	}
	m.ProvisionFailures.Inc()
}

// SandboxReleased records a release for the given reason.
func (m *Metrics) SandboxReleased(reason string) {
	if m == nil {
		return
	}
	m.SandboxesReleased.WithLabelValues(reason).Inc()
}

// SetActive sets the number of tracked sandboxes.
func (m *Metrics) SetActive(n int) {
	if m == nil {
		return
	}
	m.ActiveSandboxes.Set(float64(n))
}

// KeepAliveTick records one keep-alive tick.
func (m *Metrics) KeepAliveTick(result string) {
	if m == nil {
		return
	}
	m.KeepAliveTicks.WithLabelValues(result).Inc()
}

// Reconciled records a reattach attempt.
func (m *Metrics) Reconciled(ok bool) {
	if m == nil {
		return
	}
	m.Reconciliations.WithLabelValues(result(ok)).Inc()
}

// ExecutionFinished records a finished run.
func (m *Metrics) ExecutionFinished(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ExecutionsTotal.WithLabelValues(outcome).Inc()
	m.ExecutionDuration.Observe(d.Seconds())
}

// HubConnected adjusts the connected client gauge by delta.
func (m *Metrics) HubConnected(delta int) {
	if m == nil {
		return
	}
	m.HubConnections.Add(float64(delta))
}

// MessageDropped records a message the hub could not deliver.
func (m *Metrics) MessageDropped() {
	if m == nil {
		return
	}
	m.HubDropped.Inc()
}

// DeploymentFinished records a finished deployment attempt.
func (m *Metrics) DeploymentFinished(ok bool, d time.Duration) {
	if m == nil {
		return
	}
	m.DeploymentsTotal.WithLabelValues(result(ok)).Inc()
	if ok {
		m.DeploymentDuration.Observe(d.Seconds())
	}
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
