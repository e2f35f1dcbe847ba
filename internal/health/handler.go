package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/svcgw/internal/observability"
)

// Default probe timeouts.
const (
	DefaultReadinessProbeTimeout = 5 * time.Second
	DefaultLivenessProbeTimeout  = 10 * time.Second
)

// Check result values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// HealthCheck defines the interface for health checks.
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// HealthCheckFunc adapts a function to HealthCheck.
type HealthCheckFunc struct {
	name      string
	checkFunc func(ctx context.Context) error
}

// Name returns the name of the health check.
func (f *HealthCheckFunc) Name() string {
	return f.name
}

// Check performs the health check.
func (f *HealthCheckFunc) Check(ctx context.Context) error {
	return f.checkFunc(ctx)
}

// NewHealthCheckFunc creates a new health check function.
func NewHealthCheckFunc(name string, check func(ctx context.Context) error) *HealthCheckFunc {
	return &HealthCheckFunc{
		name:      name,
		checkFunc: check,
	}
}

// HealthStatus represents the overall health status.
type HealthStatus struct {
	Status    string                  `json:"status"`
	Timestamp time.Time               `json:"timestamp"`
	Uptime    string                  `json:"uptime,omitempty"`
	Checks    map[string]*CheckResult `json:"checks,omitempty"`
}

// CheckResult represents the result of a single health check.
type CheckResult struct {
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Duration  string    `json:"duration,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Handler serves the probe endpoints.
type Handler struct {
	checks           []HealthCheck
	logger           observability.Logger
	mu               sync.RWMutex
	startTime        time.Time
	readinessTimeout time.Duration
	livenessTimeout  time.Duration
}

// NewHandler creates a new health handler. A nil logger discards output.
func NewHandler(logger observability.Logger) *Handler {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Handler{
		logger:           logger,
		startTime:        time.Now(),
		readinessTimeout: DefaultReadinessProbeTimeout,
		livenessTimeout:  DefaultLivenessProbeTimeout,
	}
}

// SetTimeouts overrides the probe timeouts. Non-positive values are ignored.
func (h *Handler) SetTimeouts(readiness, liveness time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if readiness > 0 {
		h.readinessTimeout = readiness
	}
	if liveness > 0 {
		h.livenessTimeout = liveness
	}
}

// AddCheck adds a health check.
func (h *Handler) AddCheck(check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, check)
}

// RemoveCheck removes a health check by name.
func (h *Handler) RemoveCheck(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i, check := range h.checks {
		if check.Name() == name {
			h.checks = append(h.checks[:i], h.checks[i+1:]...)
			return
		}
	}
}

// LivenessHandler reports that the process is running. It never runs checks.
func (h *Handler) LivenessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    StatusOK,
			"timestamp": time.Now().UTC(),
		})
	}
}

// ReadinessHandler runs all checks and answers 503 when any fails.
func (h *Handler) ReadinessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		h.mu.RLock()
		timeout := h.readinessTimeout
		h.mu.RUnlock()

		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()

		status := h.runChecks(ctx)
		c.JSON(statusCode(status), status)
	}
}

// HealthHandler runs all checks and adds the process uptime.
func (h *Handler) HealthHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		h.mu.RLock()
		timeout := h.livenessTimeout
		h.mu.RUnlock()

		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()

		status := h.runChecks(ctx)
		status.Uptime = time.Since(h.startTime).Round(time.Second).String()
		c.JSON(statusCode(status), status)
	}
}

func statusCode(status *HealthStatus) int {
	if status.Status != StatusOK {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

// runChecks runs all health checks concurrently.
func (h *Handler) runChecks(ctx context.Context) *HealthStatus {
	h.mu.RLock()
	checks := make([]HealthCheck, len(h.checks))
	copy(checks, h.checks)
	h.mu.RUnlock()

	status := &HealthStatus{
		Status:    StatusOK,
		Timestamp: time.Now().UTC(),
		Checks:    make(map[string]*CheckResult, len(checks)),
	}

	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, check := range checks {
		wg.Add(1)
		go func(c HealthCheck) {
			defer wg.Done()

			start := time.Now()
			err := c.Check(ctx)
			duration := time.Since(start)

			result := &CheckResult{
				Status:    StatusOK,
				Duration:  duration.String(),
				Timestamp: time.Now().UTC(),
			}

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				result.Status = StatusError
				result.Error = err.Error()
				status.Status = StatusError

				h.logger.Warn("health check failed",
					observability.String("check", c.Name()),
					observability.Error(err),
					observability.Duration("duration", duration),
				)
			}
			status.Checks[c.Name()] = result
		}(check)
	}

	wg.Wait()
	return status
}

// RegisterRoutes registers the probe routes on a router group.
func (h *Handler) RegisterRoutes(group gin.IRoutes) {
	group.GET("/health", h.HealthHandler())
	group.GET("/healthz", h.LivenessHandler())
	group.GET("/livez", h.LivenessHandler())
	group.GET("/readyz", h.ReadinessHandler())
}
