package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.ObserveFetch("cache_first", "cache")
		m.ObservePrecache("network")
		m.ObserveSync("error")
	})
}

func TestObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveFetch("cache_first", "cache")
	m.ObserveFetch("cache_first", "cache")
	m.ObserveFetch("network_first", "network")
	m.ObservePrecache("error")
	m.ObserveSync("network")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.FetchTotal.WithLabelValues("cache_first", "cache")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FetchTotal.WithLabelValues("network_first", "network")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PrecacheTotal.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SyncTotal.WithLabelValues("network")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, families, 3)
}
