package analyse

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the prometheus collectors shared by every job on an executor.
type Metrics struct {
	Items        *prometheus.CounterVec
	ItemDuration *prometheus.HistogramVec
	RunningItems *prometheus.GaugeVec
	Fires        *prometheus.CounterVec
	Flushes      *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tessera",
			Name:      "items_total",
			Help:      "Shard items executed, by final status.",
		}, []string{"job", "status"}),
		ItemDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tessera",
			Name:      "item_duration_seconds",
			Help:      "Wall time of one shard item.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 10),
		}, []string{"job"}),
		RunningItems: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tessera",
			Name:      "running_items",
			Help:      "Shard items currently executing on this executor.",
		}, []string{"job"}),
		Fires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tessera",
			Name:      "fires_total",
			Help:      "Job fires, by kind.",
		}, []string{"job", "kind"}),
		Flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tessera",
			Name:      "stat_flushes_total",
			Help:      "Counter flushes to the registry, by result.",
		}, []string{"job", "result"}),
	}
	if reg != nil {
		reg.MustRegister(m.Items, m.ItemDuration, m.RunningItems, m.Fires, m.Flushes)
	}
	return m
}

// Forget drops the series of a removed job.
func (m *Metrics) Forget(job string) {
	labels := prometheus.Labels{"job": job}
	m.Items.DeletePartialMatch(labels)
	m.ItemDuration.DeletePartialMatch(labels)
	m.RunningItems.DeletePartialMatch(labels)
	m.Fires.DeletePartialMatch(labels)
	m.Flushes.DeletePartialMatch(labels)
}
