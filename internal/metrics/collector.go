// Package metrics exposes engine counters as a prometheus.Collector.
package metrics

import (
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/nervehq/nerve/config"
	"github.com/nervehq/nerve/engine"
)

// Collector implements prometheus.Collector over engine stats.
type Collector struct {
	version string
	eng     *engine.Engine

	infoDesc      *prometheus.Desc
	uptimeDesc    *prometheus.Desc
	sessionsDesc  *prometheus.Desc
	nodesDesc     *prometheus.Desc
	graphsDesc    *prometheus.Desc
	workflowsDesc *prometheus.Desc
	runsDesc      *prometheus.Desc
	commandsDesc  *prometheus.Desc
	eventsDesc    *prometheus.Desc
}

// NewCollector creates a collector reading from the given engine.
func NewCollector(version string, eng *engine.Engine) *Collector {
	return &Collector{
		version: version,
		eng:     eng,

		infoDesc: prometheus.NewDesc(
			"nerve_info",
			"Nerve build information",
			[]string{"version", "go_version"},
			nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"nerve_uptime_seconds",
			"Time since engine start",
			nil,
			nil,
		),
		sessionsDesc: prometheus.NewDesc(
			"nerve_sessions",
			"Number of live sessions",
			nil,
			nil,
		),
		nodesDesc: prometheus.NewDesc(
			"nerve_nodes",
			"Number of registered nodes across all sessions",
			nil,
			nil,
		),
		graphsDesc: prometheus.NewDesc(
			"nerve_graphs",
			"Number of registered graphs across all sessions",
			nil,
			nil,
		),
		workflowsDesc: prometheus.NewDesc(
			"nerve_workflows",
			"Number of registered workflows across all sessions",
			nil,
			nil,
		),
		runsDesc: prometheus.NewDesc(
			"nerve_workflow_runs",
			"Number of workflow runs across all sessions",
			nil,
			nil,
		),
		commandsDesc: prometheus.NewDesc(
			"nerve_commands_total",
			"Total number of commands handled",
			nil,
			nil,
		),
		eventsDesc: prometheus.NewDesc(
			"nerve_events_total",
			"Total number of events emitted",
			nil,
			nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.infoDesc
	ch <- c.uptimeDesc
	ch <- c.sessionsDesc
	ch <- c.nodesDesc
	ch <- c.graphsDesc
	ch <- c.workflowsDesc
	ch <- c.runsDesc
	ch <- c.commandsDesc
	ch <- c.eventsDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st := c.eng.Stats()

	ch <- prometheus.MustNewConstMetric(c.infoDesc, prometheus.GaugeValue, 1,
		c.version, runtime.Version())
	ch <- prometheus.MustNewConstMetric(c.uptimeDesc, prometheus.GaugeValue, st.UptimeSeconds)
	ch <- prometheus.MustNewConstMetric(c.sessionsDesc, prometheus.GaugeValue, float64(st.Sessions))
	ch <- prometheus.MustNewConstMetric(c.nodesDesc, prometheus.GaugeValue, float64(st.Nodes))
	ch <- prometheus.MustNewConstMetric(c.graphsDesc, prometheus.GaugeValue, float64(st.Graphs))
	ch <- prometheus.MustNewConstMetric(c.workflowsDesc, prometheus.GaugeValue, float64(st.Workflows))
	ch <- prometheus.MustNewConstMetric(c.runsDesc, prometheus.GaugeValue, float64(st.WorkflowRuns))
	ch <- prometheus.MustNewConstMetric(c.commandsDesc, prometheus.CounterValue, float64(st.CommandsTotal))
	ch <- prometheus.MustNewConstMetric(c.eventsDesc, prometheus.CounterValue, float64(st.EventsTotal))
}

// NewRegistry creates a registry carrying the engine collector plus Go
// runtime and process collectors.
func NewRegistry(collector *Collector) *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collector)
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return registry
}

// Setup builds the metrics registry for an engine when the
// configuration enables metrics, nil otherwise.
func Setup(cfg *config.Config, version string, eng *engine.Engine) *prometheus.Registry {
	if !cfg.Metrics.Enabled {
		return nil
	}
	return NewRegistry(NewCollector(version, eng))
}
