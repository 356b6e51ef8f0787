// Package metrics exports admin queue statistics to Prometheus.
package metrics

import (
	"runtime"

	"github.com/c35s/gvnic/adminq"
	"github.com/prometheus/client_golang/prometheus"
)

// Source provides admin queue statistics. *adminq.Queue and *gve.Driver are sources.
type Source interface {
	Stats() adminq.Stats
}

const (
	Namespace = "gve"
	Subsystem = "adminq"
)

// Collector collects admin queue statistics from a source at scrape time.
type Collector struct {
	src Source

	prod     *prometheus.Desc
	failures *prometheus.Desc
	timeouts *prometheus.Desc
	unknown  *prometheus.Desc
	commands *prometheus.Desc
}

// NewCollector returns a collector for src. The labels are attached to every metric.
func NewCollector(src Source, labels prometheus.Labels) *Collector {
	desc := func(name, help string, vars ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(Namespace, Subsystem, name), help, vars, labels)
	}

	return &Collector{
		src:      src,
		prod:     desc("producer_count", "Number of commands written to the ring since it was allocated"),
		failures: desc("command_failures_total", "Number of commands the device failed"),
		timeouts: desc("timeouts_total", "Number of times the device didn't process commands in time"),
		unknown:  desc("unknown_commands_total", "Number of commands issued with an unknown opcode"),
		commands: desc("commands_total", "Number of commands issued, by opcode", "opcode"),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.prod
	ch <- c.failures
	ch <- c.timeouts
	ch <- c.unknown
	ch <- c.commands
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.Stats()

	ch <- prometheus.MustNewConstMetric(c.prod, prometheus.GaugeValue, float64(s.ProducerCount))
	ch <- prometheus.MustNewConstMetric(c.failures, prometheus.CounterValue, float64(s.Failures))
	ch <- prometheus.MustNewConstMetric(c.timeouts, prometheus.CounterValue, float64(s.Timeouts))
	ch <- prometheus.MustNewConstMetric(c.unknown, prometheus.CounterValue, float64(s.Unknown))

	for _, op := range adminq.Opcodes {
		ch <- prometheus.MustNewConstMetric(c.commands, prometheus.CounterValue, float64(s.Commands[op]), op.String())
	}
}

// NewRegistry returns a registry with a collector for src and a static info
// gauge carrying the build version.
func NewRegistry(src Source, version string) *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(NewCollector(src, nil))

	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "info",
		Help:      "Version information for the gvnic binary",
		ConstLabels: prometheus.Labels{
			"version":   version,
			"goversion": runtime.Version(),
		},
	})

	r.MustRegister(g)
	g.Set(1)

	return r
}
