// Package metrics exposes prometheus metrics for the orchestrator's periodic
// cycles.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const prefix = "sokovan_"

const (
	scalingGroupLabel = "scaling_group"
	handlerLabel      = "handler"
	reasonLabel       = "reason"
)

// CycleMetrics tracks the outcome of scheduling, termination and deployment
// cycles. One instance is shared by all handlers and registered once at
// startup.
type CycleMetrics struct {
	scheduledSessions  *prometheus.CounterVec
	schedulingFailures *prometheus.CounterVec
	terminatedSessions *prometheus.CounterVec
	routesCreated      *prometheus.CounterVec
	routesTerminated   *prometheus.CounterVec
	completedRollouts  *prometheus.CounterVec
	skippedCycles      *prometheus.CounterVec
	failedCycles       *prometheus.CounterVec
	cycleTime          *prometheus.HistogramVec
}

func NewCycleMetrics() *CycleMetrics {
	return &CycleMetrics{
		scheduledSessions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "scheduled_sessions",
				Help: "Number of sessions admitted by scheduling cycles",
			},
			[]string{scalingGroupLabel},
		),
		schedulingFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "scheduling_failures",
				Help: "Number of candidates left pending by scheduling cycles",
			},
			[]string{scalingGroupLabel, reasonLabel},
		),
		terminatedSessions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "terminated_sessions",
				Help: "Number of sessions transitioned to a terminal status by sweeps",
			},
			[]string{scalingGroupLabel, reasonLabel},
		),
		routesCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "routes_created",
				Help: "Number of routes created by deployment cycles",
			},
			[]string{scalingGroupLabel},
		),
		routesTerminated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "routes_terminated",
				Help: "Number of routes torn down by deployment cycles",
			},
			[]string{scalingGroupLabel},
		),
		completedRollouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "completed_rollouts",
				Help: "Number of rolling updates promoted to the new revision",
			},
			[]string{scalingGroupLabel},
		),
		skippedCycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "skipped_cycles",
				Help: "Number of cycles skipped because the handler lock was held elsewhere",
			},
			[]string{handlerLabel},
		),
		failedCycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "failed_cycles",
				Help: "Number of cycles aborted by an error",
			},
			[]string{handlerLabel},
		),
		cycleTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    prefix + "cycle_times",
				Help:    "Wall time per handler cycle in milliseconds",
				Buckets: prometheus.ExponentialBuckets(10.0, 1.5, 20),
			},
			[]string{handlerLabel},
		),
	}
}

func (m *CycleMetrics) ReportScheduledSessions(scalingGroup string, count int) {
	m.scheduledSessions.WithLabelValues(scalingGroup).Add(float64(count))
}

func (m *CycleMetrics) ReportSchedulingFailure(scalingGroup string, reason string) {
	m.schedulingFailures.WithLabelValues(scalingGroup, reason).Inc()
}

func (m *CycleMetrics) ReportTerminatedSession(scalingGroup string, reason string) {
	m.terminatedSessions.WithLabelValues(scalingGroup, reason).Inc()
}

func (m *CycleMetrics) ReportRouteChanges(scalingGroup string, created int, terminated int) {
	m.routesCreated.WithLabelValues(scalingGroup).Add(float64(created))
	m.routesTerminated.WithLabelValues(scalingGroup).Add(float64(terminated))
}

func (m *CycleMetrics) ReportCompletedRollout(scalingGroup string) {
	m.completedRollouts.WithLabelValues(scalingGroup).Inc()
}

func (m *CycleMetrics) ReportSkippedCycle(handler string) {
	m.skippedCycles.WithLabelValues(handler).Inc()
}

func (m *CycleMetrics) ReportFailedCycle(handler string) {
	m.failedCycles.WithLabelValues(handler).Inc()
}

func (m *CycleMetrics) ReportCycleTime(handler string, elapsed time.Duration) {
	m.cycleTime.WithLabelValues(handler).Observe(float64(elapsed.Milliseconds()))
}

func (m *CycleMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.scheduledSessions.Describe(ch)
	m.schedulingFailures.Describe(ch)
	m.terminatedSessions.Describe(ch)
	m.routesCreated.Describe(ch)
	m.routesTerminated.Describe(ch)
	m.completedRollouts.Describe(ch)
	m.skippedCycles.Describe(ch)
	m.failedCycles.Describe(ch)
	m.cycleTime.Describe(ch)
}

func (m *CycleMetrics) Collect(ch chan<- prometheus.Metric) {
	m.scheduledSessions.Collect(ch)
	m.schedulingFailures.Collect(ch)
	m.terminatedSessions.Collect(ch)
	m.routesCreated.Collect(ch)
	m.routesTerminated.Collect(ch)
	m.completedRollouts.Collect(ch)
	m.skippedCycles.Collect(ch)
	m.failedCycles.Collect(ch)
	m.cycleTime.Collect(ch)
}
