// Package metrics exposes Prometheus collectors for the offline cache.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "offlinecache"

// Metrics implements offlinecache.Observer.
// All methods are nil-safe: calls on a nil *Metrics are no-ops.
type Metrics struct {
	// FetchTotal counts served requests by strategy and outcome.
	// Outcome values: "network", "cache", "offline", "error".
	FetchTotal *prometheus.CounterVec

	// PrecacheTotal counts install-time asset fetches by outcome.
	PrecacheTotal *prometheus.CounterVec

	// SyncTotal counts replayed queued operations by outcome.
	SyncTotal *prometheus.CounterVec
}

// New creates and registers the collectors with reg. If reg is nil, metrics
// are created but not registered (useful for testing).
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FetchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_total",
			Help:      "Total number of same-origin requests served, by strategy and outcome",
		}, []string{"strategy", "outcome"}),
		PrecacheTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "precache_total",
			Help:      "Total number of pre-cached assets, by outcome",
		}, []string{"outcome"}),
		SyncTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_operations_total",
			Help:      "Total number of replayed queued operations, by outcome",
		}, []string{"outcome"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.FetchTotal,
			m.PrecacheTotal,
			m.SyncTotal,
		)
	}

	return m
}

func (m *Metrics) ObserveFetch(strategy, outcome string) {
	if m == nil {
		return
	}
	m.FetchTotal.WithLabelValues(strategy, outcome).Inc()
}

func (m *Metrics) ObservePrecache(outcome string) {
	if m == nil {
		return
	}
	m.PrecacheTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveSync(outcome string) {
	if m == nil {
		return
	}
	m.SyncTotal.WithLabelValues(outcome).Inc()
}
