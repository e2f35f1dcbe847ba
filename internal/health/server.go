package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/svcgw/internal/observability"
	"github.com/vyrodovalexey/svcgw/internal/registry"
	"github.com/vyrodovalexey/svcgw/internal/util"
)

// ginModeOnce ensures gin.SetMode is only called once.
var ginModeOnce sync.Once

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithStore exposes the registry contents under /services.
func WithStore(store registry.Store) ServerOption {
	return func(s *Server) {
		s.store = store
	}
}

// WithMetrics serves the Prometheus registry under /metrics.
func WithMetrics(m *observability.Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithLogger sets the server logger.
func WithLogger(logger observability.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// Server is the admin HTTP server.
type Server struct {
	address    string
	engine     *gin.Engine
	httpServer *http.Server
	handler    *Handler
	store      registry.Store
	metrics    *observability.Metrics
	logger     observability.Logger
}

// NewServer creates an admin server listening on address.
func NewServer(address string, handler *Handler, opts ...ServerOption) *Server {
	ginModeOnce.Do(func() {
		if gin.Mode() == gin.DebugMode {
			gin.SetMode(gin.ReleaseMode)
		}
	})

	s := &Server{
		address: address,
		engine:  gin.New(),
		handler: handler,
		logger:  observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.engine.Use(gin.Recovery())
	s.routes()

	s.httpServer = &http.Server{
		Addr:              address,
		Handler:           s.engine,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	if s.handler != nil {
		s.handler.RegisterRoutes(s.engine)
	}
	if s.store != nil {
		s.engine.GET("/services", s.listServices)
		s.engine.GET("/services/:name", s.getService)
	}
	if s.metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}
}

// Engine returns the underlying gin engine.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Start serves until Stop is called. It returns nil after a graceful stop.
func (s *Server) Start() error {
	s.logger.Info("starting admin server", observability.String("address", s.address))

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin server error: %w", err)
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping admin server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown admin server: %w", err)
	}
	return nil
}

type servicesResponse struct {
	Backend  string                                `json:"backend"`
	Count    int                                   `json:"count"`
	Names    []string                              `json:"names"`
	Services map[string]registry.ServiceDescriptor `json:"services"`
}

func (s *Server) listServices(c *gin.Context) {
	services, err := s.store.GetAllServices(c.Request.Context())
	if err != nil {
		s.logger.Error("failed to list services", observability.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	names := make([]string, 0, len(services))
	for name := range services {
		names = append(names, name)
	}
	sort.Strings(names)

	c.JSON(http.StatusOK, servicesResponse{
		Backend:  s.store.Backend(),
		Count:    len(services),
		Names:    names,
		Services: services,
	})
}

func (s *Server) getService(c *gin.Context) {
	desc, err := s.store.GetServiceConfig(c.Request.Context(), c.Param("name"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, desc)
	case errors.Is(err, util.ErrServiceNotRegistered):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		s.logger.Error("failed to get service",
			observability.String("service", c.Param("name")),
			observability.Error(err),
		)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	}
}
