package routereg

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/vyrodovalexey/svcgw/internal/heartbeat"
	"github.com/vyrodovalexey/svcgw/internal/observability"
	"github.com/vyrodovalexey/svcgw/internal/util"
)

// API gateway endpoints.
const (
	RegisterServicePath           = "/api/register-service"
	ServiceHeartbeatPath          = "/api/service-heartbeat"
	RegisterWebSocketServicePath  = "/api/register-websocket-service"
	WebSocketServiceHeartbeatPath = "/api/websocket-service-heartbeat"
)

// Client defaults.
const (
	DefaultHeartbeatInterval = 120 * time.Second
	RegisterTimeout          = 5 * time.Second
	HeartbeatTimeout         = 3 * time.Second

	maxErrorBody = 4096
)

// Option is a functional option shared by Client and WebSocketClient.
type Option func(*registrar)

// WithHTTPClient sets the HTTP client used for all requests.
func WithHTTPClient(c *http.Client) Option {
	return func(r *registrar) {
		r.http = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(r *registrar) {
		r.logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *registrar) {
		r.metrics = m
	}
}

// registrar implements the request and heartbeat plumbing shared by both
// client variants.
type registrar struct {
	kind          string
	gatewayURL    string
	serviceName   string
	registerPath  string
	heartbeatPath string
	interval      time.Duration

	http    *http.Client
	logger  observability.Logger
	metrics *observability.Metrics

	mu    sync.Mutex
	agent *heartbeat.Agent
}

func newRegistrar(kind, gatewayURL, serviceName, registerPath, heartbeatPath string,
	interval time.Duration, opts []Option) *registrar {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	r := &registrar{
		kind:          kind,
		gatewayURL:    strings.TrimRight(gatewayURL, "/"),
		serviceName:   serviceName,
		registerPath:  registerPath,
		heartbeatPath: heartbeatPath,
		interval:      interval,
		http:          &http.Client{},
		logger:        observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("routereg").With(
		observability.String("service", serviceName),
		observability.String("kind", kind),
	)
	return r
}

// post sends body as JSON and reports a RegistrationError for anything
// but 200.
func (r *registrar) post(ctx context.Context, path string, timeout time.Duration, body any) error {
	endpoint := r.gatewayURL + path

	data, err := json.Marshal(body)
	if err != nil {
		return &util.RegistrationError{Endpoint: endpoint, Cause: err}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return &util.RegistrationError{Endpoint: endpoint, Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return &util.RegistrationError{Endpoint: endpoint, Cause: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &util.RegistrationError{
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(text)),
		}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (r *registrar) register(ctx context.Context, body any) bool {
	r.logger.Info("registering service with API gateway", observability.String("gateway", r.gatewayURL))

	err := r.post(ctx, r.registerPath, RegisterTimeout, body)
	r.metrics.RecordRegistration(r.kind, r.serviceName, err == nil)
	if err != nil {
		r.logger.Error("failed to register service", observability.Error(err))
		return false
	}

	r.logger.Info("service registered successfully")
	return true
}

// SendHeartbeat posts one heartbeat. The error is returned for callers
// that want it; it has already been logged.
func (r *registrar) SendHeartbeat(ctx context.Context) error {
	r.logger.Debug("sending heartbeat")

	err := r.post(ctx, r.heartbeatPath, HeartbeatTimeout, map[string]string{"service_name": r.serviceName})
	if err != nil {
		r.logger.Warn("heartbeat failed", observability.Error(err))
	}
	return err
}

// StartHeartbeat starts the heartbeat loop. Calling it while the loop is
// running does nothing.
func (r *registrar) StartHeartbeat(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.agent == nil {
		r.agent = heartbeat.New(r.serviceName, r.interval, r.SendHeartbeat,
			heartbeat.WithKind(r.kind),
			heartbeat.WithLogger(r.logger),
			heartbeat.WithMetrics(r.metrics),
		)
	}
	return r.agent.Start(ctx)
}

// StopHeartbeat stops the heartbeat loop, waiting up to one second. It
// reports whether the loop has exited.
func (r *registrar) StopHeartbeat() bool {
	r.mu.Lock()
	agent := r.agent
	r.mu.Unlock()

	if agent == nil {
		return true
	}
	return agent.Stop()
}

// HeartbeatState returns the state of the heartbeat loop.
func (r *registrar) HeartbeatState() heartbeat.State {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.agent == nil {
		return heartbeat.StateNotStarted
	}
	return r.agent.State()
}

// Config describes an HTTP service registration.
type Config struct {
	GatewayURL  string
	ServiceName string
	ServiceURL  string
	// Routes is a []string or map[string]bool of route paths.
	Routes            any
	DefaultAuth       bool
	HeartbeatInterval time.Duration
}

// Client registers an HTTP service with the API gateway.
type Client struct {
	*registrar
	serviceURL  string
	routes      Routes
	defaultAuth bool
}

type registerServiceRequest struct {
	ServiceName string `json:"service_name"`
	ServiceURL  string `json:"service_url"`
	Routes      Routes `json:"routes"`
	DefaultAuth bool   `json:"default_auth"`
}

// NewClient creates a Client. It fails only when the routes cannot be
// normalized.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	routes, err := NormalizeRoutes(cfg.Routes, cfg.DefaultAuth)
	if err != nil {
		return nil, util.NewConfigError("routes", err.Error())
	}

	c := &Client{
		registrar: newRegistrar("http", cfg.GatewayURL, cfg.ServiceName,
			RegisterServicePath, ServiceHeartbeatPath, cfg.HeartbeatInterval, opts),
		serviceURL:  cfg.ServiceURL,
		routes:      routes,
		defaultAuth: cfg.DefaultAuth,
	}
	c.logger.Info("initialized service registration", observability.String("url", cfg.ServiceURL))
	return c, nil
}

// Routes returns a copy of the normalized routes.
func (c *Client) Routes() Routes {
	return c.routes.clone()
}

// Register announces the service and its routes. It returns true only on
// a 200 response.
func (c *Client) Register(ctx context.Context) bool {
	return c.register(ctx, registerServiceRequest{
		ServiceName: c.serviceName,
		ServiceURL:  c.serviceURL,
		Routes:      c.routes,
		DefaultAuth: c.defaultAuth,
	})
}

// WebSocketConfig describes a WebSocket service registration.
type WebSocketConfig struct {
	GatewayURL   string
	ServiceName  string
	WebSocketURL string
	// Routes is a []string or map[string]bool of route paths. List entries
	// require authentication.
	Routes            any
	HeartbeatInterval time.Duration
}

// WebSocketClient registers a WebSocket service with the API gateway.
type WebSocketClient struct {
	*registrar
	websocketURL string
	routes       Routes
}

type registerWebSocketRequest struct {
	ServiceName  string `json:"service_name"`
	WebSocketURL string `json:"websocket_url"`
	Routes       Routes `json:"routes"`
}

// NewWebSocketClient creates a WebSocketClient.
func NewWebSocketClient(cfg WebSocketConfig, opts ...Option) (*WebSocketClient, error) {
	routes, err := NormalizeRoutes(cfg.Routes, true)
	if err != nil {
		return nil, util.NewConfigError("websocketRoutes", err.Error())
	}

	c := &WebSocketClient{
		registrar: newRegistrar("websocket", cfg.GatewayURL, cfg.ServiceName,
			RegisterWebSocketServicePath, WebSocketServiceHeartbeatPath, cfg.HeartbeatInterval, opts),
		websocketURL: cfg.WebSocketURL,
		routes:       routes,
	}
	c.logger.Info("initialized websocket service registration", observability.String("url", cfg.WebSocketURL))
	return c, nil
}

// Routes returns a copy of the normalized routes.
func (c *WebSocketClient) Routes() Routes {
	return c.routes.clone()
}

// Register announces the WebSocket service and its routes. It returns true
// only on a 200 response.
func (c *WebSocketClient) Register(ctx context.Context) bool {
	return c.register(ctx, registerWebSocketRequest{
		ServiceName:  c.serviceName,
		WebSocketURL: c.websocketURL,
		Routes:       c.routes,
	})
}
