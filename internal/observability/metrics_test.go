package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	t.Parallel()

	m := NewMetrics("test")

	m.RecordCall("face", "Extract", "OK", 10*time.Millisecond)
	m.RecordCall("face", "Extract", "OK", 20*time.Millisecond)
	m.RecordRetry("face", "Extract")
	m.SetConnections(2)
	m.RecordRegistryOp("redis", "register_service", nil)
	m.RecordRegistryOp("redis", "register_service", errors.New("boom"))
	m.RecordHeartbeat("registry", "face", nil)
	m.RecordRegistration("http", "users", true)
	m.SetBreakerState("face", 2)
	m.SetDiscoveredServices(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.callsTotal.WithLabelValues("face", "Extract", "OK")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.callRetries.WithLabelValues("face", "Extract")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.connections))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.registryOps.WithLabelValues("redis", "register_service", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.heartbeatsTotal.WithLabelValues("registry", "face", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.registrationsTotal.WithLabelValues("http", "users", "success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.breakerState.WithLabelValues("face")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.discoveredServices))
}

func TestMetrics_NilSafe(t *testing.T) {
	t.Parallel()

	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordCall("a", "b", "OK", time.Second)
		m.RecordRetry("a", "b")
		m.SetConnections(1)
		m.RecordRegistryOp("file", "get", nil)
		m.RecordHeartbeat("http", "a", nil)
		m.RecordRegistration("http", "a", false)
		m.SetBreakerState("a", 0)
		m.SetDiscoveredServices(0)
	})
}

func TestMetrics_Handler(t *testing.T) {
	t.Parallel()

	m := NewMetrics("")
	m.RecordCall("face", "Extract", "Unavailable", time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `svcgw_rpc_calls_total{code="Unavailable",method="Extract",service="face"} 1`)
}
