package mirror

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the Prometheus metrics of the cloud mirror.
type Metrics struct {
	Pushes  *prometheus.CounterVec
	Dropped *prometheus.CounterVec
	Offline prometheus.Gauge
}

// NewMetrics creates the mirror metrics and registers them with registerer
// unless it is nil.
func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ephemera_mirror_pushes_total",
			Help: "Document writes to the cloud, by collection and outcome.",
		}, []string{"collection", "outcome"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ephemera_mirror_dropped_total",
			Help: "Snapshots not queued, by reason.",
		}, []string{"reason"}),
		Offline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ephemera_mirror_offline",
			Help: "1 while the mirror is in offline mode.",
		}),
	}
	if registerer != nil {
		if err := registerer.Register(m); err != nil {
			return nil, fmt.Errorf("failed to register mirror metrics: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) push(collection, outcome string) {
	m.Pushes.WithLabelValues(collection, outcome).Inc()
}

func (m *Metrics) setOffline(offline bool) {
	if offline {
		m.Offline.Set(1)
		return
	}
	m.Offline.Set(0)
}

// Collect implements the prometheus.Collector interface.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.Pushes.Collect(ch)
	m.Dropped.Collect(ch)
	ch <- m.Offline
}

// Describe implements the prometheus.Collector interface.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.Pushes.Describe(ch)
	m.Dropped.Describe(ch)
	ch <- m.Offline.Desc()
}
