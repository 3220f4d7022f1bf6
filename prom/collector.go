// Package prom exports collectz engine statistics to Prometheus.
package prom

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/zoobzio/collectz"
)

// StatsProvider is anything that can report engine statistics, typically an
// *collectz.Engine.
type StatsProvider interface {
	Stats() collectz.Stats
}

// Collector reads a fresh Stats snapshot on every scrape.
type Collector struct {
	provider StatsProvider

	produced       *prometheus.Desc
	completed      *prometheus.Desc
	failed         *prometheus.Desc
	filtered       *prometheus.Desc
	poolCapacity   *prometheus.Desc
	poolCheckedOut *prometheus.Desc
	queueDepth     *prometheus.Desc
	activeWorkers  *prometheus.Desc
	elapsed        *prometheus.Desc
	stageProcessed *prometheus.Desc
	stageErrors    *prometheus.Desc
	stageRetries   *prometheus.Desc
	stageFiltered  *prometheus.Desc
	stageSeconds   *prometheus.Desc
	stageUp        *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates a collector for provider. Every series carries the
// engine name as a constant label.
func NewCollector(namespace string, provider StatsProvider) *Collector {
	if namespace == "" {
		namespace = "collectz"
	}
	engine := []string{"engine"}
	stage := []string{"engine", "stage", "role"}
	desc := func(name, help string, labels []string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &Collector{
		provider:       provider,
		produced:       desc("items_produced_total", "Items read from the source.", engine),
		completed:      desc("items_completed_total", "Items that completed the pipeline.", engine),
		failed:         desc("items_failed_total", "Items released after a failure.", engine),
		filtered:       desc("bundles_filtered_total", "Bundles that bypassed a stage filter.", engine),
		poolCapacity:   desc("pool_capacity", "Item pool capacity.", engine),
		poolCheckedOut: desc("pool_checked_out", "Items currently checked out of the pool.", engine),
		queueDepth:     desc("queue_depth", "Bundles waiting in a queue.", []string{"engine", "queue"}),
		activeWorkers:  desc("workers_active", "Live pipeline workers.", engine),
		elapsed:        desc("run_elapsed_seconds", "Time since the run started.", engine),
		stageProcessed: desc("stage_processed_total", "Bundles processed by a stage.", stage),
		stageErrors:    desc("stage_errors_total", "Failed stage invocations.", stage),
		stageRetries:   desc("stage_retries_total", "Stage retries.", stage),
		stageFiltered:  desc("stage_filtered_total", "Bundles filtered by a stage.", stage),
		stageSeconds:   desc("stage_seconds_total", "Time spent inside a stage.", stage),
		stageUp:        desc("stage_active", "1 while a stage accepts bundles.", stage),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.produced, c.completed, c.failed, c.filtered,
		c.poolCapacity, c.poolCheckedOut, c.queueDepth, c.activeWorkers, c.elapsed,
		c.stageProcessed, c.stageErrors, c.stageRetries, c.stageFiltered, c.stageSeconds, c.stageUp,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.provider.Stats()
	name := s.Name

	ch <- prometheus.MustNewConstMetric(c.produced, prometheus.CounterValue, float64(s.Produced), name)
	ch <- prometheus.MustNewConstMetric(c.completed, prometheus.CounterValue, float64(s.Completed), name)
	ch <- prometheus.MustNewConstMetric(c.failed, prometheus.CounterValue, float64(s.Failed), name)
	ch <- prometheus.MustNewConstMetric(c.filtered, prometheus.CounterValue, float64(s.Filtered), name)
	ch <- prometheus.MustNewConstMetric(c.poolCapacity, prometheus.GaugeValue, float64(s.PoolCapacity), name)
	ch <- prometheus.MustNewConstMetric(c.poolCheckedOut, prometheus.GaugeValue, float64(s.PoolCheckedOut), name)
	ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue, float64(s.InputDepth), name, "input")
	ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue, float64(s.OutputDepth), name, "output")
	ch <- prometheus.MustNewConstMetric(c.activeWorkers, prometheus.GaugeValue, float64(s.ActiveWorkers), name)
	ch <- prometheus.MustNewConstMetric(c.elapsed, prometheus.GaugeValue, s.Elapsed.Seconds(), name)

	c.collectStages(ch, name, "stage", s.Stages)
	c.collectStages(ch, name, "consumer", s.Consumers)
}

func (c *Collector) collectStages(ch chan<- prometheus.Metric, engine, role string, stats []collectz.ContainerStats) {
	for _, st := range stats {
		up := 0.0
		if st.Status == collectz.StatusReady.String() || st.Status == collectz.StatusRunning.String() {
			up = 1
		}
		ch <- prometheus.MustNewConstMetric(c.stageProcessed, prometheus.CounterValue, float64(st.Processed), engine, st.Name, role)
		ch <- prometheus.MustNewConstMetric(c.stageErrors, prometheus.CounterValue, float64(st.Errors), engine, st.Name, role)
		ch <- prometheus.MustNewConstMetric(c.stageRetries, prometheus.CounterValue, float64(st.Retries), engine, st.Name, role)
		ch <- prometheus.MustNewConstMetric(c.stageFiltered, prometheus.CounterValue, float64(st.Filtered), engine, st.Name, role)
		ch <- prometheus.MustNewConstMetric(c.stageSeconds, prometheus.CounterValue, st.TotalTime.Seconds(), engine, st.Name, role)
		ch <- prometheus.MustNewConstMetric(c.stageUp, prometheus.GaugeValue, up, engine, st.Name, role)
	}
}
