package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "stowload"

var labels = []string{"step_id", "op_type"}

// Collector exposes the contexts of a Manager to Prometheus. The values are
// read from the contexts' last snapshots on every scrape.
type Collector struct {
	manager *Manager

	succ      *prometheus.Desc
	fail      *prometheus.Desc
	corrupted *prometheus.Desc
	bytes     *prometheus.Desc
	duration  *prometheus.Desc
	latency   *prometheus.Desc
	threshold *prometheus.Desc
	elapsed   *prometheus.Desc
}

// NewCollector creates a collector for the contexts registered in m.
func NewCollector(m *Manager) *Collector {
	return &Collector{
		manager: m,
		succ: prometheus.NewDesc(namespace+"_operations_succeeded_total",
			"Number of successful operations.", labels, nil),
		fail: prometheus.NewDesc(namespace+"_operations_failed_total",
			"Number of failed operations.", labels, nil),
		corrupted: prometheus.NewDesc(namespace+"_operations_corrupted_total",
			"Number of read operations which failed the content verification.", labels, nil),
		bytes: prometheus.NewDesc(namespace+"_transferred_bytes_total",
			"Number of transferred payload bytes.", labels, nil),
		duration: prometheus.NewDesc(namespace+"_operation_duration_seconds",
			"Operation duration quantiles.", labels, nil),
		latency: prometheus.NewDesc(namespace+"_operation_latency_seconds",
			"Operation response latency quantiles.", labels, nil),
		threshold: prometheus.NewDesc(namespace+"_threshold_state",
			"State of the concurrency threshold sub-context (0 none, 1 entered, 2 exited).", labels, nil),
		elapsed: prometheus.NewDesc(namespace+"_elapsed_seconds",
			"Time since the metrics context was started.", labels, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.succ
	ch <- c.fail
	ch <- c.corrupted
	ch <- c.bytes
	ch <- c.duration
	ch <- c.latency
	ch <- c.threshold
	ch <- c.elapsed
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, ctx := range c.manager.Contexts() {
		s := ctx.LastSnapshot()
		lv := []string{s.StepID, string(s.OpType)}

		ch <- prometheus.MustNewConstMetric(c.succ, prometheus.CounterValue, float64(s.Succ), lv...)
		ch <- prometheus.MustNewConstMetric(c.fail, prometheus.CounterValue, float64(s.Fail), lv...)
		ch <- prometheus.MustNewConstMetric(c.corrupted, prometheus.CounterValue, float64(s.Corrupted), lv...)
		ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.CounterValue, float64(s.Bytes), lv...)
		ch <- prometheus.MustNewConstSummary(c.duration, uint64(s.Duration.Count),
			s.Duration.Mean.Seconds()*float64(s.Duration.Count), quantiles(s.Duration), lv...)
		ch <- prometheus.MustNewConstSummary(c.latency, uint64(s.Latency.Count),
			s.Latency.Mean.Seconds()*float64(s.Latency.Count), quantiles(s.Latency), lv...)
		ch <- prometheus.MustNewConstMetric(c.threshold, prometheus.GaugeValue, float64(ctx.ThresholdState()), lv...)
		ch <- prometheus.MustNewConstMetric(c.elapsed, prometheus.GaugeValue, s.Elapsed.Seconds(), lv...)
	}
}

func quantiles(l LatencyStats) map[float64]float64 {
	return map[float64]float64{
		0.5:  l.P50.Seconds(),
		0.9:  l.P90.Seconds(),
		0.95: l.P95.Seconds(),
		0.99: l.P99.Seconds(),
	}
}

var _ prometheus.Collector = (*Collector)(nil)
