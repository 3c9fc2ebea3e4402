package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersCollectors(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveRequest("generic", OutcomeCache, 3*time.Millisecond)
	m.ObserveRequest("generic", OutcomeCache, time.Millisecond)
	m.ObserveStoreWrite("static", nil)
	m.ObserveStoreWrite("dynamic", errors.New("disk full"))
	m.ObserveTransition("active")
	m.ObserveDeletion(nil)
	m.ObserveInstall(errors.New("asset missing"))

	mfs, err := registry.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	for _, want := range []string{
		"shellcache_requests_total",
		"shellcache_request_duration_seconds",
		"shellcache_store_writes_total",
		"shellcache_lifecycle_transitions_total",
		"shellcache_store_deletions_total",
		"shellcache_lifecycle_install_attempts_total",
	} {
		assert.True(t, names[want], "missing %s", want)
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("generic", OutcomeCache)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.storeWrites.WithLabelValues("dynamic", ResultError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.installs.WithLabelValues(ResultError)))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveRequest("generic", OutcomeOffline, time.Second)
		m.ObserveStoreWrite("static", nil)
		m.ObserveTransition("active")
		m.ObserveDeletion(nil)
		m.ObserveInstall(nil)
	})
}
