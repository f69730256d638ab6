package app

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tunnelward/portlease/internal/health"
	"github.com/tunnelward/portlease/internal/portmgr"
)

// leaseMetrics carries the counters the sweeps and handlers bump, plus an
// on-scrape collector for pool gauges.
type leaseMetrics struct {
	reclaimedTotal prometheus.Counter
	reclaimErrors  prometheus.Counter
	probesTotal    *prometheus.CounterVec
	poolGauges     *poolCollector
}

type poolCollector struct {
	manager *portmgr.Manager

	poolSize   *prometheus.Desc
	active     *prometheus.Desc
	free       *prometheus.Desc
	withCreds  *prometheus.Desc
	totalKnown *prometheus.Desc
}

func newPoolCollector(manager *portmgr.Manager) *poolCollector {
	return &poolCollector{
		manager: manager,
		poolSize: prometheus.NewDesc(
			"portlease_pool_size",
			"Number of ports in the configured pool.",
			nil, nil,
		),
		active: prometheus.NewDesc(
			"portlease_allocations_active",
			"Number of ports currently leased.",
			nil, nil,
		),
		free: prometheus.NewDesc(
			"portlease_pool_free",
			"Number of ports currently available.",
			nil, nil,
		),
		withCreds: prometheus.NewDesc(
			"portlease_allocations_with_credentials",
			"Active leases that carry probe credentials.",
			nil, nil,
		),
		totalKnown: prometheus.NewDesc(
			"portlease_allocations_total_known",
			"All allocation records, active and released.",
			nil, nil,
		),
	}
}

func (c *poolCollector) Describe(out chan<- *prometheus.Desc) {
	out <- c.poolSize
	out <- c.active
	out <- c.free
	out <- c.withCreds
	out <- c.totalKnown
}

func (c *poolCollector) Collect(out chan<- prometheus.Metric) {
	out <- prometheus.MustNewConstMetric(c.poolSize, prometheus.GaugeValue, float64(c.manager.PoolSize()))

	stats, err := c.manager.Stats()
	if err != nil {
		return
	}
	out <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, float64(stats.Active))
	out <- prometheus.MustNewConstMetric(c.free, prometheus.GaugeValue, float64(c.manager.PoolSize()-stats.Active))
	out <- prometheus.MustNewConstMetric(c.withCreds, prometheus.GaugeValue, float64(stats.WithCredentials))
	out <- prometheus.MustNewConstMetric(c.totalKnown, prometheus.GaugeValue, float64(stats.Total))
}

func newLeaseMetrics(reg *prometheus.Registry, manager *portmgr.Manager) *leaseMetrics {
	m := &leaseMetrics{
		reclaimedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portlease_reclaimed_total",
			Help: "Leases reclaimed after heartbeat expiry.",
		}),
		reclaimErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portlease_reclaim_errors_total",
			Help: "Errors encountered while reclaiming stale leases.",
		}),
		probesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portlease_probes_total",
			Help: "Endpoint liveness probes by result.",
		}, []string{"result"}),
		poolGauges: newPoolCollector(manager),
	}

	reg.MustRegister(m.reclaimedTotal, m.reclaimErrors, m.probesTotal, m.poolGauges)
	return m
}

func (m *leaseMetrics) observeReclaim(report health.ReclaimReport) {
	m.reclaimedTotal.Add(float64(report.Reclaimed))
	m.reclaimErrors.Add(float64(report.Errors))
}

func (m *leaseMetrics) observeProbe(report health.ProbeReport) {
	m.probesTotal.WithLabelValues("alive").Add(float64(report.Alive))
	m.probesTotal.WithLabelValues("failed").Add(float64(report.Failed))
	m.probesTotal.WithLabelValues("skipped").Add(float64(report.Skipped))
}
