// Package promadapter implements coordinator.Metrics with Prometheus
// counters and a histogram, for callers that already run a
// github.com/prometheus/client_golang registry. It is optional: a
// Coordinator built with no Metrics option falls back to a no-op sink.
package promadapter

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is a coordinator.Metrics implementation backed by Prometheus
// collectors. It satisfies the interface structurally so this package need
// not import componentfleet/coordinator.
type Metrics struct {
	admitted      *prometheus.CounterVec
	cycleAdmitted *prometheus.CounterVec
	waitSeconds   prometheus.Histogram
}

// New constructs and registers the adapter's collectors against reg. Pass
// prometheus.DefaultRegisterer for the global registry.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		admitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "componentfleet",
			Subsystem: "coordinator",
			Name:      "admitted_total",
			Help:      "Transfers admitted, by kind.",
		}, []string{"kind"}),
		cycleAdmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "componentfleet",
			Subsystem: "coordinator",
			Name:      "cycle_admitted_total",
			Help:      "Cycle admissions, bucketed by cycle size.",
		}, []string{"size"}),
		waitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "componentfleet",
			Subsystem: "coordinator",
			Name:      "wait_seconds",
			Help:      "Time a component spent parked in a device's waiting queue before admission.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	for _, c := range []prometheus.Collector{m.admitted, m.cycleAdmitted, m.waitSeconds} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// IncAdmitted implements coordinator.Metrics.
func (m *Metrics) IncAdmitted(kind string) {
	m.admitted.WithLabelValues(kind).Inc()
}

// IncCycleAdmitted implements coordinator.Metrics.
func (m *Metrics) IncCycleAdmitted(size int) {
	m.cycleAdmitted.WithLabelValues(strconv.Itoa(size)).Inc()
}

// ObserveWaitDuration implements coordinator.Metrics.
func (m *Metrics) ObserveWaitDuration(d time.Duration) {
	m.waitSeconds.Observe(d.Seconds())
}
