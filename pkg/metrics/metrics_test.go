package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMetricsCreation(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.SyncAttempts.WithLabelValues("ok").Inc()
	m.GateDenials.WithLabelValues("expired").Add(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SyncAttempts.WithLabelValues("ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.GateDenials.WithLabelValues("expired")))

	count, err := testutil.GatherAndCount(registry, "meshfs_sync_attempts_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMetricsNoRegistration(t *testing.T) {
	// two unregistered sets never collide
	a := NewUnregistered()
	b := NewUnregistered()
	a.Replicas.Set(3)
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Replicas))
}

func TestHealthMonitorScore(t *testing.T) {
	hm := NewHealthMonitor(0, zap.NewNop())
	hm.AddCheck("store", func() error { return nil })
	hm.AddCheck("discovery", func() error { return errors.New("dht unreachable") })

	hm.PerformHealthCheck()

	health, last := hm.GetHealth()
	assert.Equal(t, 50.0, health)
	assert.False(t, last.IsZero())
	assert.Equal(t, map[string]string{"discovery": "dht unreachable"}, hm.Failures())
}

func TestHealthEndpoints(t *testing.T) {
	registry := prometheus.NewRegistry()
	New(registry).Replicas.Set(2)

	hm := NewHealthMonitor(0, zap.NewNop())
	hm.AddCheck("ok", func() error { return nil })
	hm.PerformHealthCheck()

	mux := http.NewServeMux()
	NewHealthEndpoint(hm, registry, zap.NewNop()).RegisterHandlers(mux)

	tests := []struct {
		path     string
		code     int
		contains string
	}{
		{"/health", http.StatusOK, `"status":"healthy"`},
		{"/health/live", http.StatusOK, "OK"},
		{"/health/ready", http.StatusOK, "READY"},
		{"/metrics", http.StatusOK, "meshfs_replicas 2"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.code, rec.Code)
			assert.True(t, strings.Contains(rec.Body.String(), tt.contains), rec.Body.String())
		})
	}
}

func TestHealthEndpointUnhealthy(t *testing.T) {
	hm := NewHealthMonitor(0, zap.NewNop())
	hm.AddCheck("broken", func() error { return errors.New("down") })
	hm.PerformHealthCheck()

	mux := http.NewServeMux()
	NewHealthEndpoint(hm, prometheus.NewRegistry(), zap.NewNop()).RegisterHandlers(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
