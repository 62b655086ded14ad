package p2pmem

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "p2pmem"

var (
	descOps = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "", "ops_total"),
		"Completed operations by kind.", []string{"kind"}, nil)
	descBytes = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "", "bytes_total"),
		"Bytes moved by kind.", []string{"kind"}, nil)
	descErrors = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "", "errors_total"),
		"Failed operations by kind.", []string{"kind"}, nil)
	descShort = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "", "short_completions_total"),
		"Completions that moved fewer bytes than requested.", nil, nil)
	descRetries = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "", "retries_total"),
		"Transient failures re-issued unchanged.", nil, nil)
	descMaxDepth = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "", "max_queue_depth"),
		"Largest number of operations in flight.", nil, nil)
	descLatency = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "", "op_latency_seconds"),
		"Submission to completion latency.", nil, nil)
)

// metricsCollector exposes a Metrics through the Prometheus collector API.
// Values are read on every Collect, so the collector stays valid for the
// lifetime of the Metrics.
type metricsCollector struct {
	m *Metrics
}

// Collector returns a prometheus.Collector reading m
func (m *Metrics) Collector() prometheus.Collector {
	return &metricsCollector{m: m}
}

func (c *metricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descOps
	ch <- descBytes
	ch <- descErrors
	ch <- descShort
	ch <- descRetries
	ch <- descMaxDepth
	ch <- descLatency
}

func (c *metricsCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.m.Snapshot()

	ch <- prometheus.MustNewConstMetric(descOps, prometheus.CounterValue, float64(snap.ReadOps), "read")
	ch <- prometheus.MustNewConstMetric(descOps, prometheus.CounterValue, float64(snap.WriteOps), "write")
	ch <- prometheus.MustNewConstMetric(descBytes, prometheus.CounterValue, float64(snap.ReadBytes), "read")
	ch <- prometheus.MustNewConstMetric(descBytes, prometheus.CounterValue, float64(snap.WriteBytes), "write")
	ch <- prometheus.MustNewConstMetric(descErrors, prometheus.CounterValue, float64(snap.ReadErrors), "read")
	ch <- prometheus.MustNewConstMetric(descErrors, prometheus.CounterValue, float64(snap.WriteErrors), "write")
	ch <- prometheus.MustNewConstMetric(descShort, prometheus.CounterValue, float64(snap.ShortCompletions))
	ch <- prometheus.MustNewConstMetric(descRetries, prometheus.CounterValue, float64(snap.Retries))
	ch <- prometheus.MustNewConstMetric(descMaxDepth, prometheus.GaugeValue, float64(snap.MaxQueueDepth))

	// Metrics buckets are already cumulative, which is what Prometheus wants
	buckets := make(map[float64]uint64, numLatencyBuckets)
	for i, upper := range LatencyBuckets {
		buckets[float64(upper)/1e9] = snap.LatencyHistogram[i]
	}
	count := c.m.OpCount.Load()
	sum := float64(c.m.TotalLatencyNs.Load()) / 1e9
	ch <- prometheus.MustNewConstHistogram(descLatency, count, sum, buckets)
}

// Registry returns a fresh registry holding only m's collector
func (m *Metrics) Registry() (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(m.Collector()); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	return reg, nil
}

// WriteTextfile writes m in the Prometheus text format to path, atomically,
// for pickup by the node exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	reg, err := m.Registry()
	if err != nil {
		return err
	}
	if err := prometheus.WriteToTextfile(path, reg); err != nil {
		return WrapError("write_metrics", err)
	}
	return nil
}
