package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/vyrodovalexey/svcgw/internal/binding"
	"github.com/vyrodovalexey/svcgw/internal/config"
	"github.com/vyrodovalexey/svcgw/internal/discovery"
	"github.com/vyrodovalexey/svcgw/internal/gateway"
	"github.com/vyrodovalexey/svcgw/internal/health"
	"github.com/vyrodovalexey/svcgw/internal/heartbeat"
	"github.com/vyrodovalexey/svcgw/internal/observability"
	"github.com/vyrodovalexey/svcgw/internal/registry"
	"github.com/vyrodovalexey/svcgw/internal/routereg"
)

const (
	metricsNamespace = "svcgw"
	shutdownTimeout  = 30 * time.Second
	startupTimeout   = 30 * time.Second
)

// heartbeater is implemented by the route registration clients.
type heartbeater interface {
	Register(ctx context.Context) bool
	StartHeartbeat(ctx context.Context) error
	StopHeartbeat() bool
	HeartbeatState() heartbeat.State
}

// application holds all application components.
type application struct {
	cfg     *config.Config
	logger  observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	store   registry.Store
	catalog *binding.Catalog
	scanner *discovery.Scanner
	gateway *gateway.Gateway

	checks *health.Handler
	admin  *health.Server

	agent   *heartbeat.Agent
	routers map[string]heartbeater
}

// newApplication initializes all application components. Nothing is
// started until run.
func newApplication(ctx context.Context, cfg *config.Config, logger observability.Logger) (*application, error) {
	metrics := observability.NewMetrics(metricsNamespace)

	clientTLS, err := gateway.LoadTLSConfig(gatewayTLSFiles(cfg.Gateway.TLS))
	if err != nil {
		return nil, fmt.Errorf("failed to load gateway TLS config: %w", err)
	}

	tracer, err := observability.NewTracer(ctx, tracerConfig(cfg.Tracing))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}

	startCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	store, err := newStore(startCtx, cfg.Registry, logger, metrics)
	if err != nil {
		_ = tracer.Shutdown(ctx)
		return nil, err
	}

	catalog := binding.FromRegistry(nil, nil, "")

	app := &application{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		tracer:  tracer,
		store:   store,
		catalog: catalog,
		scanner: discovery.NewScanner(store, catalog,
			discovery.WithPackage(cfg.Discovery.Package),
			discovery.WithLogger(logger),
			discovery.WithMetrics(metrics),
		),
		gateway: gateway.New(store, catalog,
			gateway.WithConfig(gatewayConfig(cfg.Gateway)),
			gateway.WithLogger(logger),
			gateway.WithMetrics(metrics),
			gateway.WithTracer(tracer),
			gateway.WithClientTLS(clientTLS),
		),
		checks:  health.NewHandler(logger),
		routers: make(map[string]heartbeater),
	}
	app.checks.AddCheck(health.StoreCheck(store))

	if err := app.initRouteRegistration(); err != nil {
		_ = app.close()
		return nil, err
	}

	if cfg.Admin.Enabled {
		app.admin = health.NewServer(cfg.Admin.Address, app.checks,
			health.WithStore(store),
			health.WithMetrics(metrics),
			health.WithLogger(logger),
		)
	}

	return app, nil
}

// newStore builds the configured registry backend.
func newStore(
	ctx context.Context,
	cfg config.RegistryConfig,
	logger observability.Logger,
	metrics *observability.Metrics,
) (registry.Store, error) {
	opts := []registry.Option{
		registry.WithLogger(logger),
		registry.WithMetrics(metrics),
		registry.WithLeaseTTL(cfg.LeaseTTL.Duration()),
	}

	switch cfg.Backend {
	case config.BackendFile:
		return registry.NewFileStore(cfg.File.Path, opts...)
	case config.BackendRedis:
		rc := registry.DefaultRedisConfig()
		rc.Address = cfg.Redis.Address
		rc.Password = cfg.Redis.Password
		rc.DB = cfg.Redis.DB
		rc.Prefix = cfg.Redis.Prefix
		return registry.NewRedisStore(ctx, rc, opts...)
	case config.BackendEtcd:
		ec := registry.DefaultEtcdConfig()
		ec.Endpoints = cfg.Etcd.Endpoints
		ec.Prefix = cfg.Etcd.Prefix
		ec.Username = cfg.Etcd.Username
		ec.Password = cfg.Etcd.Password
		if d := cfg.Etcd.DialTimeout.Duration(); d > 0 {
			ec.DialTimeout = d
		}
		return registry.NewEtcdStore(ctx, ec, opts...)
	default:
		return nil, fmt.Errorf("unknown registry backend %q", cfg.Backend)
	}
}

// initRouteRegistration creates the API gateway clients for the
// configured service and WebSocket URLs.
func (a *application) initRouteRegistration() error {
	gw := a.cfg.APIGateway
	if !gw.Enabled() {
		return nil
	}

	opts := []routereg.Option{
		routereg.WithLogger(a.logger),
		routereg.WithMetrics(a.metrics),
	}

	if gw.ServiceURL != "" {
		client, err := routereg.NewClient(routereg.Config{
			GatewayURL:        gw.URL,
			ServiceName:       gw.ServiceName,
			ServiceURL:        gw.ServiceURL,
			Routes:            gw.Routes,
			DefaultAuth:       gw.DefaultAuth,
			HeartbeatInterval: gw.HeartbeatInterval.Duration(),
		}, opts...)
		if err != nil {
			return err
		}
		a.routers["http"] = client
	}

	if gw.WebSocketURL != "" {
		client, err := routereg.NewWebSocketClient(routereg.WebSocketConfig{
			GatewayURL:        gw.URL,
			ServiceName:       gw.ServiceName,
			WebSocketURL:      gw.WebSocketURL,
			Routes:            gw.WebSocketRoutes,
			HeartbeatInterval: gw.HeartbeatInterval.Duration(),
		}, opts...)
		if err != nil {
			return err
		}
		a.routers["websocket"] = client
	}

	return nil
}

// run starts every component and blocks until ctx is cancelled or the
// admin server fails.
func (a *application) run(ctx context.Context) error {
	if a.cfg.Discovery.Enabled {
		result, err := a.scanner.DiscoverAndRegister(ctx)
		if err != nil {
			return fmt.Errorf("discovery failed: %w", err)
		}
		a.logger.Info("discovery finished",
			observability.Strings("registered", result.Registered),
			observability.Int("skipped", len(result.Skipped)),
		)
	}

	if fs, ok := a.store.(*registry.FileStore); ok && a.cfg.Registry.File.Watch {
		if err := fs.Watch(ctx); err != nil {
			return fmt.Errorf("failed to watch registry file: %w", err)
		}
	}

	if name := a.cfg.Heartbeat.Service; name != "" {
		agent, err := registry.StartHeartbeat(ctx, a.store, name, a.cfg.Heartbeat.Interval.Duration(),
			heartbeat.WithLogger(a.logger),
			heartbeat.WithMetrics(a.metrics),
		)
		if err != nil {
			return fmt.Errorf("failed to start registry heartbeat: %w", err)
		}
		a.agent = agent
		a.checks.AddCheck(health.AgentCheck(agent.Name(), health.AgentState{Agent: agent}))
	}

	for kind, router := range a.routers {
		// A failed registration is logged by the client; the heartbeat
		// keeps the gateway informed once it recovers.
		router.Register(ctx)
		if err := router.StartHeartbeat(ctx); err != nil {
			return fmt.Errorf("failed to start %s route heartbeat: %w", kind, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if a.admin != nil {
		g.Go(a.admin.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return a.admin.Stop(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down")
		return nil
	})

	return g.Wait()
}

// close stops the heartbeat loops and releases every resource.
func (a *application) close() error {
	if a.agent != nil {
		a.agent.Stop()
	}
	for _, router := range a.routers {
		router.StopHeartbeat()
	}

	var errs error
	if a.gateway != nil {
		errs = multierr.Append(errs, a.gateway.Close())
	}
	if a.store != nil {
		errs = multierr.Append(errs, a.store.Close())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	errs = multierr.Append(errs, a.tracer.Shutdown(shutdownCtx))

	return errs
}

func tracerConfig(cfg config.TracingConfig) observability.TracerConfig {
	return observability.TracerConfig{
		ServiceName:  cfg.ServiceName,
		OTLPEndpoint: cfg.Endpoint,
		SamplingRate: cfg.SamplingRate,
		Enabled:      cfg.Enabled,
	}
}

func gatewayConfig(cfg config.GatewayConfig) gateway.Config {
	return gateway.Config{
		Timeout:        cfg.Timeout.Duration(),
		MaxAttempts:    cfg.MaxAttempts,
		RetryDelay:     cfg.RetryDelay.Duration(),
		ConnectTimeout: cfg.ConnectTimeout.Duration(),
		MaxMessageSize: cfg.MaxMessageSize,
		CircuitBreaker: gateway.BreakerConfig{
			Enabled:   cfg.CircuitBreaker.Enabled,
			Threshold: cfg.CircuitBreaker.Threshold,
			Timeout:   cfg.CircuitBreaker.Timeout.Duration(),
		},
	}
}

func gatewayTLSFiles(cfg config.GatewayTLSConfig) gateway.TLSFiles {
	return gateway.TLSFiles{
		CAFile:             cfg.CAFile,
		CertFile:           cfg.CertFile,
		KeyFile:            cfg.KeyFile,
		ServerName:         cfg.ServerName,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}
}
