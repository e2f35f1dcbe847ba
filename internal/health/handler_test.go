package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/svcgw/internal/heartbeat"
	"github.com/vyrodovalexey/svcgw/internal/observability"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestEngine(h *Handler) *gin.Engine {
	engine := gin.New()
	h.RegisterRoutes(engine)
	return engine
}

func get(t *testing.T, handler http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, http.NoBody)
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHandler_Liveness(t *testing.T) {
	h := NewHandler(observability.NopLogger())
	h.AddCheck(NewHealthCheckFunc("broken", func(context.Context) error {
		return errors.New("down")
	}))

	rec := get(t, newTestEngine(h), "/healthz")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestHandler_Readiness(t *testing.T) {
	tests := []struct {
		name       string
		checks     map[string]error
		wantCode   int
		wantStatus string
	}{
		{
			name:       "no checks",
			wantCode:   http.StatusOK,
			wantStatus: StatusOK,
		},
		{
			name:       "all passing",
			checks:     map[string]error{"a": nil, "b": nil},
			wantCode:   http.StatusOK,
			wantStatus: StatusOK,
		},
		{
			name:       "one failing",
			checks:     map[string]error{"a": nil, "b": errors.New("unreachable")},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: StatusError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(nil)
			for name, err := range tt.checks {
				err := err
				h.AddCheck(NewHealthCheckFunc(name, func(context.Context) error { return err }))
			}

			rec := get(t, newTestEngine(h), "/readyz")
			require.Equal(t, tt.wantCode, rec.Code)

			var status HealthStatus
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
			assert.Equal(t, tt.wantStatus, status.Status)
			assert.Len(t, status.Checks, len(tt.checks))
			for name, err := range tt.checks {
				if err != nil {
					assert.Equal(t, StatusError, status.Checks[name].Status)
					assert.Equal(t, err.Error(), status.Checks[name].Error)
				} else {
					assert.Equal(t, StatusOK, status.Checks[name].Status)
				}
			}
		})
	}
}

func TestHandler_ReadinessTimeout(t *testing.T) {
	h := NewHandler(nil)
	h.SetTimeouts(20*time.Millisecond, 0)
	h.AddCheck(NewHealthCheckFunc("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	rec := get(t, newTestEngine(h), "/readyz")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "deadline exceeded")
}

func TestHandler_HealthIncludesUptime(t *testing.T) {
	h := NewHandler(nil)

	rec := get(t, newTestEngine(h), "/health")

	require.Equal(t, http.StatusOK, rec.Code)
	var status HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.NotEmpty(t, status.Uptime)
}

func TestHandler_RemoveCheck(t *testing.T) {
	h := NewHandler(nil)
	h.AddCheck(NewHealthCheckFunc("broken", func(context.Context) error { return errors.New("down") }))
	h.RemoveCheck("broken")
	h.RemoveCheck("absent")

	rec := get(t, newTestEngine(h), "/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)
}

type fixedState heartbeat.State

func (s fixedState) HeartbeatState() heartbeat.State { return heartbeat.State(s) }

func TestAgentCheck(t *testing.T) {
	running := AgentCheck("svcgw", fixedState(heartbeat.StateRunning))
	stopped := AgentCheck("svcgw", fixedState(heartbeat.StateStopped))

	assert.Equal(t, "heartbeat:svcgw", running.Name())
	assert.NoError(t, running.Check(context.Background()))
	assert.ErrorContains(t, stopped.Check(context.Background()), "heartbeat agent is")
}

func TestAgentCheck_Agent(t *testing.T) {
	agent := heartbeat.New("svcgw", time.Hour, func(context.Context) error { return nil })
	check := AgentCheck(agent.Name(), AgentState{agent})

	assert.Error(t, check.Check(context.Background()))

	require.NoError(t, agent.Start(context.Background()))
	defer agent.Stop()
	assert.NoError(t, check.Check(context.Background()))
}
