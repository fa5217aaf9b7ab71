// Package metrics exposes provisioning metrics to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sriov-provisioner/pkg/pciaddr"
	"sriov-provisioner/pkg/reconciler"
)

const namespace = "sriov"

// Metrics holds the collectors of one registry.
type Metrics struct {
	registry *prometheus.Registry

	provisions    *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	pollAttempts  prometheus.Histogram
	vfs           *prometheus.GaugeVec
	monitorEvents *prometheus.CounterVec
}

// New creates and registers the collectors on a fresh registry, together
// with the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		provisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provision_total",
			Help:      "Provision calls by physical function and final state.",
		}, []string{"pf", "state"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provision_duration_seconds",
			Help:      "Time from reset to a final provisioning state.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"pf"}),
		pollAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provision_poll_attempts",
			Help:      "Net inventory polls needed before convergence or timeout.",
			Buckets:   prometheus.LinearBuckets(1, 5, 12),
		}),
		vfs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "virtual_functions",
			Help:      "Virtual functions currently configured on a physical function.",
		}, []string{"pf"}),
		monitorEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_events_total",
			Help:      "Sysfs changes seen by the device monitor.",
		}, []string{"kind"}),
	}
	m.registry.MustRegister(
		m.provisions,
		m.duration,
		m.pollAttempts,
		m.vfs,
		m.monitorEvents,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveProvision implements reconciler.Recorder.
func (m *Metrics) ObserveProvision(pf pciaddr.Address, state reconciler.State, attempts int, elapsed time.Duration) {
	m.provisions.WithLabelValues(pf.String(), state.String()).Inc()
	m.duration.WithLabelValues(pf.String()).Observe(elapsed.Seconds())
	if attempts > 0 {
		m.pollAttempts.Observe(float64(attempts))
	}
}

// SetVirtualFunctions records the VF count of a PF.
func (m *Metrics) SetVirtualFunctions(pf pciaddr.Address, n int) {
	m.vfs.WithLabelValues(pf.String()).Set(float64(n))
}

// MonitorEvent counts one monitor event.
func (m *Metrics) MonitorEvent(kind string) {
	m.monitorEvents.WithLabelValues(kind).Inc()
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
