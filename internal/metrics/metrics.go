// Package metrics holds the Prometheus collectors exported by the host.
// Every method is safe to call on a nil *Metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "scripthost"

// Metrics groups the collectors and the registry they are registered in.
type Metrics struct {
	Registry *prometheus.Registry

	faults      *prometheus.CounterVec
	taskRuns    *prometheus.CounterVec
	loadResults *prometheus.CounterVec
	events      *prometheus.CounterVec
	running     prometheus.Gauge
}

// New creates a registry with the Go and process collectors plus the host's
// own collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		Registry: reg,
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "script_faults_total",
			Help:      "Faults raised by script code and contained by the host.",
		}, []string{"script"}),
		taskRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_runs_total",
			Help:      "Scheduled task firings by execution mode and outcome.",
		}, []string{"mode", "outcome"}),
		loadResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "script_load_results_total",
			Help:      "Script load attempts by result.",
		}, []string{"result"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_emitted_total",
			Help:      "Events dispatched on the host event bus.",
		}, []string{"type"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scripts_running",
			Help:      "Scripts currently in the running state.",
		}),
	}
	reg.MustRegister(m.faults, m.taskRuns, m.loadResults, m.events, m.running)
	return m
}

// TrackResources exports the live entry count of one resource registry.
func (m *Metrics) TrackResources(kind string, count func() int) {
	if m == nil {
		return
	}
	m.Registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "resources",
		Help:        "Live script-owned resources by kind.",
		ConstLabels: prometheus.Labels{"kind": kind},
	}, func() float64 { return float64(count()) }))
}

func (m *Metrics) Fault(script string) {
	if m == nil {
		return
	}
	m.faults.WithLabelValues(script).Inc()
}

func (m *Metrics) TaskRun(mode string, ok bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "fault"
	}
	m.taskRuns.WithLabelValues(mode, outcome).Inc()
}

func (m *Metrics) LoadResult(result string) {
	if m == nil {
		return
	}
	m.loadResults.WithLabelValues(result).Inc()
}

func (m *Metrics) Event(kind string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind).Inc()
}

// SetRunning sets the running scripts gauge.
func (m *Metrics) SetRunning(n int) {
	if m == nil {
		return
	}
	m.running.Set(float64(n))
}

// Faults returns the fault counter, for tests.
func (m *Metrics) Faults() *prometheus.CounterVec { return m.faults }

// TaskRuns returns the task firing counter, for tests.
func (m *Metrics) TaskRuns() *prometheus.CounterVec { return m.taskRuns }

// LoadResults returns the load result counter, for tests.
func (m *Metrics) LoadResults() *prometheus.CounterVec { return m.loadResults }
