// Package metrics exposes the orchestrator's Prometheus collectors:
// scheduler cycle timing, fleet utilization, checkpoint activity, and
// failure MTTR.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fleetsched"

// Metrics bundles every collector the orchestrator updates during a
// cycle. It is registered once against a caller-supplied
// *prometheus.Registry (never the global DefaultRegisterer) so multiple
// orchestrator instances in one process, as in tests, don't collide.
type Metrics struct {
	CycleDuration     prometheus.Histogram
	CyclesTotal       *prometheus.CounterVec
	JobsScheduled     *prometheus.CounterVec
	NodeUtilization   prometheus.Gauge
	EnergySavedPct    prometheus.Gauge
	CheckpointsTotal  *prometheus.CounterVec
	RecoveryMTTR      *prometheus.HistogramVec
	FailuresTotal     *prometheus.CounterVec
	TenantIsolations  prometheus.Counter
}

// New constructs the collector set without registering it; call
// Register to attach it to a registry.
func New() *Metrics {
	return &Metrics{
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "cycle_duration_seconds",
			Help:      "Wall-clock duration of one scheduler RunCycle.",
			Buckets:   prometheus.DefBuckets,
		}),
		CyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "cycles_total",
			Help:      "Completed scheduler cycles, labeled by outcome (ok, partial, error).",
		}, []string{"outcome"}),
		JobsScheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "jobs_scheduled_total",
			Help:      "Jobs transitioned to running, labeled by tenant id.",
		}, []string{"tenant_id"}),
		NodeUtilization: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fleet",
			Name:      "node_utilization_ratio",
			Help:      "Fraction of online nodes currently running a job.",
		}),
		EnergySavedPct: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "energy",
			Name:      "saved_percent",
			Help:      "Estimated percentage of watt-hours saved this cycle versus a performance-mode baseline.",
		}),
		CheckpointsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "checkpoint",
			Name:      "total",
			Help:      "Checkpoints recorded, labeled by status (durable, failed).",
		}, []string{"status"}),
		RecoveryMTTR: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "failure",
			Name:      "recovery_duration_seconds",
			Help:      "Time from failure detection to recovery plan completion, labeled by action.",
			Buckets:   []float64{1, 5, 15, 30, 60, 300, 900, 3600},
		}, []string{"action"}),
		FailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "failure",
			Name:      "detected_total",
			Help:      "Failures detected, labeled by kind.",
		}, []string{"kind"}),
		TenantIsolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tenant_isolations_total",
			Help:      "Tenant isolations: each time a tenant's scheduling error or failed commit was isolated rather than aborting the whole cycle.",
		}),
	}
}

// Register attaches every collector to reg. Call once per orchestrator
// instance.
func (m *Metrics) Register(reg *prometheus.Registry) error {
	collectors := []prometheus.Collector{
		m.CycleDuration, m.CyclesTotal, m.JobsScheduled, m.NodeUtilization,
		m.EnergySavedPct, m.CheckpointsTotal, m.RecoveryMTTR, m.FailuresTotal,
		m.TenantIsolations,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// ObserveCycle records one completed cycle's duration and outcome.
func (m *Metrics) ObserveCycle(d time.Duration, outcome string) {
	m.CycleDuration.Observe(d.Seconds())
	m.CyclesTotal.WithLabelValues(outcome).Inc()
}

// ObserveRecovery records a completed recovery plan's MTTR.
func (m *Metrics) ObserveRecovery(action string, mttr time.Duration) {
	m.RecoveryMTTR.WithLabelValues(action).Observe(mttr.Seconds())
}
