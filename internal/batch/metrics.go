package batch

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the Prometheus metrics of the batch processor.
type Metrics struct {
	Items         *prometheus.CounterVec
	Fallbacks     prometheus.Counter
	DuplicateHits *prometheus.CounterVec
	ItemDuration  prometheus.Histogram
	ActiveRuns    prometheus.Gauge
}

// NewMetrics creates the processor metrics and registers them with registerer.
func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ephemera_batch_items_total",
			Help: "Items processed, by outcome.",
		}, []string{"outcome"}),
		Fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ephemera_batch_ai_fallbacks_total",
			Help: "Items stored with a placeholder after the AI guess failed or timed out.",
		}),
		DuplicateHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ephemera_batch_duplicate_hits_total",
			Help: "Duplicate fingerprints, by lookup stage.",
		}, []string{"stage"}),
		ItemDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ephemera_batch_item_duration_seconds",
			Help:    "Time spent on one item, excluding the inter-item delay.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ephemera_batch_active_runs",
			Help: "Batch runs currently in progress.",
		}),
	}
	if registerer != nil {
		if err := registerer.Register(m); err != nil {
			return nil, fmt.Errorf("failed to register batch metrics: %w", err)
		}
	}
	return m, nil
}

// Collect implements the prometheus.Collector interface.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.Items.Collect(ch)
	ch <- m.Fallbacks
	m.DuplicateHits.Collect(ch)
	ch <- m.ItemDuration
	ch <- m.ActiveRuns
}

// Describe implements the prometheus.Collector interface.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.Items.Describe(ch)
	ch <- m.Fallbacks.Desc()
	m.DuplicateHits.Describe(ch)
	ch <- m.ItemDuration.Desc()
	ch <- m.ActiveRuns.Desc()
}
