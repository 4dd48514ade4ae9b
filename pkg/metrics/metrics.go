// Package metrics exposes the supervisor's operational counters and gauges
// as real Prometheus collectors, registered into a private Registry so
// pkg/httpmetrics can serve them without pulling in the global
// prometheus.DefaultRegisterer.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics wraps the Prometheus collectors tracking ProcessSupervisor starts,
// Runtime action executions, and control-connection activity.
type Metrics struct {
	Registry *prometheus.Registry

	ProcessStarts      prometheus.Counter
	ProcessStartErrors prometheus.Counter
	ProcessStartTime   prometheus.Histogram
	ProcessStops       prometheus.Counter

	ActionsEnqueued *prometheus.CounterVec
	ActionsFailed   *prometheus.CounterVec
	ActionDuration  *prometheus.HistogramVec

	PortReassignments prometheus.Counter

	ControlCommands      prometheus.Counter
	ControlCommandErrors prometheus.Counter
	AsyncEventsReceived  *prometheus.CounterVec

	Bootstrap prometheus.Gauge
	Ready     prometheus.Gauge
	Uptime    prometheus.Gauge

	startTime time.Time
}

// New builds a Metrics instance with a fresh, private Registry so multiple
// Runtimes in the same process (or in tests) don't collide on collector
// registration.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		ProcessStarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "torsupervisor_process_starts_total",
			Help: "Number of times ProcessSupervisor.Start succeeded.",
		}),
		ProcessStartErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "torsupervisor_process_start_errors_total",
			Help: "Number of times ProcessSupervisor.Start failed.",
		}),
		ProcessStartTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "torsupervisor_process_start_seconds",
			Help:    "Time from spawn to authenticated control connection.",
			Buckets: prometheus.DefBuckets,
		}),
		ProcessStops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "torsupervisor_process_stops_total",
			Help: "Number of times ProcessSupervisor.Stop was invoked.",
		}),
		ActionsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "torsupervisor_actions_enqueued_total",
			Help: "ActionJobs enqueued, by kind (start/stop/restart).",
		}, []string{"kind"}),
		ActionsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "torsupervisor_actions_failed_total",
			Help: "ActionJobs that finished errored/cancelled/interrupted, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		ActionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "torsupervisor_action_duration_seconds",
			Help:    "ActionJob execution wall time, by kind.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		PortReassignments: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "torsupervisor_port_reassignments_total",
			Help: "Number of ports ConfigGenerator reassigned to auto due to unavailability.",
		}),
		ControlCommands: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "torsupervisor_control_commands_total",
			Help: "CtrlConnection.Exec calls issued.",
		}),
		ControlCommandErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "torsupervisor_control_command_errors_total",
			Help: "CtrlConnection.Exec calls that returned an error or non-2xx reply.",
		}),
		AsyncEventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "torsupervisor_async_events_total",
			Help: "Asynchronous control-port events received, by event type.",
		}, []string{"event"}),
		Bootstrap: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "torsupervisor_bootstrap_percent",
			Help: "Last reported Bootstrapped PROGRESS value.",
		}),
		Ready: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "torsupervisor_ready",
			Help: "1 if TorState.Ready, else 0.",
		}),
		Uptime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "torsupervisor_uptime_seconds",
			Help: "Seconds since this Metrics instance was created.",
		}),
		startTime: time.Now(),
	}

	reg.MustRegister(
		m.ProcessStarts, m.ProcessStartErrors, m.ProcessStartTime, m.ProcessStops,
		m.ActionsEnqueued, m.ActionsFailed, m.ActionDuration,
		m.PortReassignments,
		m.ControlCommands, m.ControlCommandErrors, m.AsyncEventsReceived,
		m.Bootstrap, m.Ready, m.Uptime,
	)
	return m
}

// RefreshUptime updates the Uptime gauge from the Metrics instance's
// creation time; called by pkg/httpmetrics just before serving /metrics.
func (m *Metrics) RefreshUptime() {
	m.Uptime.Set(time.Since(m.startTime).Seconds())
}
