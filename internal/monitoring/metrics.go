// Package monitoring exposes orchestrator state as prometheus metrics.
package monitoring

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/shizukutanaka/kasegi/internal/device"
)

// healthValue maps health states onto a gauge scale where higher is
// better; dashboards alert on < 2.
func healthValue(h device.HealthStatus) float64 {
	switch h {
	case device.HealthHealthy:
		return 3
	case device.HealthIdle:
		return 2
	case device.HealthDegraded:
		return 1
	default:
		return 0
	}
}

// Metrics holds every collector the orchestrator updates.
type Metrics struct {
	deviceHealth   *prometheus.GaugeVec
	netValue       *prometheus.GaugeVec
	hashrate       *prometheus.GaugeVec
	switches       *prometheus.CounterVec
	restarts       *prometheus.CounterVec
	launchFailures *prometheus.CounterVec
	snapshotAge    prometheus.Gauge
	cycleDuration  prometheus.Histogram
}

// New registers the collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		deviceHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "kasegi",
			Name:      "device_health",
			Help:      "Device health (3 healthy, 2 idle, 1 degraded, 0 failed)",
		}, []string{"device"}),
		netValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "kasegi",
			Name:      "device_net_value_usd_per_day",
			Help:      "Estimated net value of the committed assignment",
		}, []string{"device", "coin"}),
		hashrate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "kasegi",
			Name:      "device_hashrate",
			Help:      "Smoothed worker hashrate in H/s",
		}, []string{"device"}),
		switches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kasegi",
			Name:      "switches_total",
			Help:      "Committed assignment switches",
		}, []string{"device"}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kasegi",
			Name:      "worker_restarts_total",
			Help:      "Crash restarts triggered by failed health polls",
		}, []string{"device"}),
		launchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kasegi",
			Name:      "worker_launch_failures_total",
			Help:      "Launches that exhausted the retry budget",
		}, []string{"device"}),
		snapshotAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kasegi",
			Name:      "market_snapshot_age_seconds",
			Help:      "Age of the snapshot used by the last planning pass",
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kasegi",
			Name:      "evaluation_cycle_seconds",
			Help:      "Wall time of one evaluation cycle",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		m.deviceHealth, m.netValue, m.hashrate,
		m.switches, m.restarts, m.launchFailures,
		m.snapshotAge, m.cycleDuration,
	)
	return m
}

// ObserveDevice updates the per-device gauges from a status report.
func (m *Metrics) ObserveDevice(r device.Report) {
	label := strconv.Itoa(r.Index)
	m.deviceHealth.WithLabelValues(label).Set(healthValue(r.Health))
	m.hashrate.WithLabelValues(label).Set(r.Hashrate)
}

// ObserveNetValue records the committed assignment's estimate.
func (m *Metrics) ObserveNetValue(deviceIndex int, coin string, usdPerDay float64) {
	m.netValue.WithLabelValues(strconv.Itoa(deviceIndex), coin).Set(usdPerDay)
}

// SwitchCommitted counts one committed switch.
func (m *Metrics) SwitchCommitted(deviceIndex int) {
	m.switches.WithLabelValues(strconv.Itoa(deviceIndex)).Inc()
}

// WorkerRestarted implements the supervisor observer.
func (m *Metrics) WorkerRestarted(deviceIndex int) {
	m.restarts.WithLabelValues(strconv.Itoa(deviceIndex)).Inc()
}

// LaunchFailed implements the supervisor observer.
func (m *Metrics) LaunchFailed(deviceIndex int) {
	m.launchFailures.WithLabelValues(strconv.Itoa(deviceIndex)).Inc()
}

// SnapshotAge records the snapshot age at planning time.
func (m *Metrics) SnapshotAge(seconds float64) {
	m.snapshotAge.Set(seconds)
}

// CycleDone records one evaluation cycle's duration.
func (m *Metrics) CycleDone(seconds float64) {
	m.cycleDuration.Observe(seconds)
}
