package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"github.com/vyrodovalexey/svcgw/internal/binding"
	"github.com/vyrodovalexey/svcgw/internal/observability"
	"github.com/vyrodovalexey/svcgw/internal/registry"
	"github.com/vyrodovalexey/svcgw/internal/retry"
	"github.com/vyrodovalexey/svcgw/internal/util"
)

// Call defaults.
const (
	DefaultTimeout     = 5 * time.Second
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = time.Second

	// RequestIDHeader is the outgoing metadata key carrying the request ID.
	RequestIDHeader = "x-request-id"

	maxRetryBackoff = 5 * time.Minute
)

// Config holds the gateway's call policy.
type Config struct {
	// Timeout is the deadline of a single attempt.
	Timeout time.Duration
	// MaxAttempts is the total number of attempts for transient failures.
	MaxAttempts int
	// RetryDelay is the base of the backoff; attempt n waits RetryDelay*2^n.
	RetryDelay time.Duration
	// ConnectTimeout is the minimum connection establishment timeout.
	ConnectTimeout time.Duration
	// MaxMessageSize limits sent and received messages.
	MaxMessageSize int
	// CircuitBreaker configures the optional per-service breakers.
	CircuitBreaker BreakerConfig
}

// DefaultConfig returns the default call policy.
func DefaultConfig() Config {
	return Config{
		Timeout:        DefaultTimeout,
		MaxAttempts:    DefaultMaxAttempts,
		RetryDelay:     DefaultRetryDelay,
		ConnectTimeout: DefaultConnectTimeout,
		MaxMessageSize: DefaultMaxMessageSize,
	}
}

// Gateway resolves services through a registry and invokes their methods.
type Gateway struct {
	store     registry.Store
	catalog   *binding.Catalog
	pool      *ConnectionPool
	cfg       Config
	logger    observability.Logger
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	breakers  *breakerSet
	dialOpts  []grpc.DialOption
	tlsConfig *tls.Config

	mu    sync.RWMutex
	stubs map[string]*binding.Stub
	built int

	// onRetry observes scheduled backoffs.
	onRetry func(attempt int, backoff time.Duration)
}

// Option is a functional option for configuring a Gateway.
type Option func(*Gateway)

// WithConfig sets the call policy.
func WithConfig(cfg Config) Option {
	return func(g *Gateway) {
		g.cfg = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(g *Gateway) {
		g.metrics = m
	}
}

// WithTracer sets the tracer used for call spans.
func WithTracer(t *observability.Tracer) Option {
	return func(g *Gateway) {
		g.tracer = t
	}
}

// WithGatewayDialOptions appends dial options to every connection.
func WithGatewayDialOptions(opts ...grpc.DialOption) Option {
	return func(g *Gateway) {
		g.dialOpts = append(g.dialOpts, opts...)
	}
}

// New creates a Gateway.
func New(store registry.Store, catalog *binding.Catalog, opts ...Option) *Gateway {
	g := &Gateway{
		store:   store,
		catalog: catalog,
		cfg:     DefaultConfig(),
		logger:  observability.NopLogger(),
		stubs:   make(map[string]*binding.Stub),
	}
	for _, opt := range opts {
		opt(g)
	}

	if g.cfg.Timeout <= 0 {
		g.cfg.Timeout = DefaultTimeout
	}
	if g.cfg.MaxAttempts <= 0 {
		g.cfg.MaxAttempts = DefaultMaxAttempts
	}
	if g.cfg.RetryDelay <= 0 {
		g.cfg.RetryDelay = DefaultRetryDelay
	}
	if g.cfg.ConnectTimeout <= 0 {
		g.cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if g.cfg.MaxMessageSize <= 0 {
		g.cfg.MaxMessageSize = DefaultMaxMessageSize
	}

	g.logger = g.logger.Named("gateway")
	g.pool = NewConnectionPool(
		WithPoolLogger(g.logger),
		WithPoolMetrics(g.metrics),
		WithConnectTimeout(g.cfg.ConnectTimeout),
		WithMaxMessageSize(g.cfg.MaxMessageSize),
		WithDialOptions(g.dialOpts...),
		WithTLSConfig(g.tlsConfig),
	)
	if g.cfg.CircuitBreaker.Enabled {
		g.breakers = newBreakerSet(g.cfg.CircuitBreaker, g.logger, g.metrics)
	}
	return g
}

// Pool returns the gateway's connection pool.
func (g *Gateway) Pool() *ConnectionPool {
	return g.pool
}

// StubsBuilt returns how many stubs the gateway has constructed.
func (g *Gateway) StubsBuilt() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.built
}

// CallOption adjusts a single Call.
type CallOption func(*callOptions)

type callOptions struct {
	timeout   time.Duration
	requestID string
	grpcOpts  []grpc.CallOption
}

// WithTimeout overrides the per-attempt deadline for one call.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) {
		o.timeout = d
	}
}

// WithRequestID sets the request ID instead of generating one.
func WithRequestID(id string) CallOption {
	return func(o *callOptions) {
		o.requestID = id
	}
}

// WithCallOptions passes grpc.CallOptions to every attempt.
func WithCallOptions(opts ...grpc.CallOption) CallOption {
	return func(o *callOptions) {
		o.grpcOpts = append(o.grpcOpts, opts...)
	}
}

// Call invokes method on service with a request built from fields.
func (g *Gateway) Call(
	ctx context.Context,
	service, method string,
	fields map[string]any,
	opts ...CallOption,
) (proto.Message, error) {
	co := callOptions{timeout: g.cfg.Timeout}
	for _, opt := range opts {
		opt(&co)
	}
	if co.timeout <= 0 {
		co.timeout = g.cfg.Timeout
	}
	if co.requestID == "" {
		co.requestID = observability.RequestIDFromContext(ctx)
	}
	if co.requestID == "" {
		co.requestID = uuid.New().String()
	}
	ctx = observability.ContextWithRequestID(ctx, co.requestID)

	name := registry.NormalizeName(service)

	var span trace.Span
	if g.tracer != nil {
		ctx, span = g.tracer.StartSpan(ctx, "gateway.Call",
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				attribute.String("rpc.service", name),
				attribute.String("rpc.method", method),
				attribute.String("request.id", co.requestID),
			),
		)
		defer span.End()
	}
	logger := g.logger.WithContext(ctx).With(
		observability.String("service", name),
		observability.String("method", method),
	)

	resp, err := g.call(ctx, logger, name, method, fields, co)
	if err != nil && span != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
	}
	return resp, err
}

func (g *Gateway) call(
	ctx context.Context,
	logger observability.Logger,
	name, method string,
	fields map[string]any,
	co callOptions,
) (proto.Message, error) {
	desc, err := g.store.GetServiceConfig(ctx, name)
	if err != nil {
		if !errors.Is(err, util.ErrNotRegistered) {
			logger.Error("registry lookup failed, treating service as unknown", observability.Error(err))
			return nil, fmt.Errorf("%w: %w", util.NotRegistered(name), err)
		}
		logger.Warn("service not registered")
		return nil, err
	}

	md, ok := desc.Method(method)
	if !ok {
		logger.Warn("method not registered")
		return nil, util.MethodNotRegistered(name, method)
	}

	stub, err := g.stub(desc)
	if err != nil {
		logger.Error("failed to resolve stub", observability.Error(err))
		return nil, err
	}

	req, err := g.catalog.BuildRequest(md.RequestTypeIdentifier, fields)
	if err != nil {
		logger.Warn("failed to build request", observability.Error(err))
		return nil, err
	}

	return g.invoke(ctx, logger, stub, name, method, req, co)
}

func (g *Gateway) invoke(
	ctx context.Context,
	logger observability.Logger,
	stub *binding.Stub,
	name, method string,
	req proto.Message,
	co callOptions,
) (proto.Message, error) {
	var resp proto.Message
	transient := retry.TransientGRPCCodes()

	attempt := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, co.timeout)
		defer cancel()
		attemptCtx = g.outgoingContext(attemptCtx, co.requestID)

		start := time.Now()
		var err error
		if g.breakers != nil {
			err = g.breakers.execute(name, func() error {
				var callErr error
				resp, callErr = stub.Invoke(attemptCtx, method, req, co.grpcOpts...)
				return callErr
			})
		} else {
			resp, err = stub.Invoke(attemptCtx, method, req, co.grpcOpts...)
		}

		code := retry.Code(err)
		if isBreakerRejection(err) {
			code = breakerCode
		}
		g.metrics.RecordCall(name, method, code.String(), time.Since(start))
		return err
	}

	res, err := g.retry(ctx, logger, name, method, attempt, transient)
	if err == nil {
		return resp, nil
	}

	var serr *util.StubResolutionError
	if errors.As(err, &serr) {
		return nil, err
	}

	code := retry.Code(err)
	if isBreakerRejection(err) {
		code = breakerCode
	}
	terr := &util.TransportError{
		Service:   name,
		Method:    method,
		Code:      code,
		Attempts:  res.Attempts,
		Transient: res.Exhausted || (res.Interrupted && transient.ShouldRetry(err)),
		Cause:     err,
	}
	if isBreakerRejection(err) {
		terr.Cause = status.Error(breakerCode, err.Error())
	}
	// A caller that gave up mid-retry sees its own context error too.
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		terr.Cause = errors.Join(terr.Cause, ctxErr)
	}
	logger.Error("call failed",
		observability.String("code", code.String()),
		observability.Int("attempts", res.Attempts),
		observability.Bool("transient", terr.Transient),
		observability.Error(err),
	)
	return nil, terr
}

// retry runs attempt under the gateway's retry policy. Only transient
// status codes are retried; the backoff before retry n is RetryDelay*2^n.
func (g *Gateway) retry(
	ctx context.Context,
	logger observability.Logger,
	name, method string,
	attempt func() error,
	transient *retry.GRPCStatusCondition,
) (retry.Result, error) {
	cfg := &retry.Config{
		MaxAttempts:    g.cfg.MaxAttempts,
		InitialBackoff: g.cfg.RetryDelay,
		MaxBackoff:     maxRetryBackoff,
	}

	return retry.Do(ctx, cfg, attempt, &retry.Options{
		ShouldRetry: func(err error) bool {
			if isBreakerRejection(err) || ctx.Err() != nil {
				return false
			}
			return transient.ShouldRetry(err)
		},
		OnRetry: func(n int, err error, backoff time.Duration) {
			logger.Warn("transient failure, retrying",
				observability.Int("attempt", n+1),
				observability.Duration("backoff", backoff),
				observability.Error(err),
			)
			g.metrics.RecordRetry(name, method)
			if g.onRetry != nil {
				g.onRetry(n, backoff)
			}
		},
	})
}

func (g *Gateway) outgoingContext(ctx context.Context, requestID string) context.Context {
	md, _ := metadata.FromOutgoingContext(ctx)
	md = md.Copy()
	md.Set(RequestIDHeader, requestID)
	otel.GetTextMapPropagator().Inject(ctx, metadataCarrier(md))
	return metadata.NewOutgoingContext(ctx, md)
}

// stub returns the cached stub for the service, building it and its
// connection on first use.
func (g *Gateway) stub(desc *registry.ServiceDescriptor) (*binding.Stub, error) {
	g.mu.RLock()
	stub, ok := g.stubs[desc.Name]
	g.mu.RUnlock()
	if ok {
		return stub, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if stub, ok := g.stubs[desc.Name]; ok {
		return stub, nil
	}

	// Resolve the binding before dialing so a missing binding opens no connection.
	if !g.catalog.HasService(desc.StubIdentifier) {
		return nil, util.NewStubResolutionError(binding.KindStub, desc.StubIdentifier)
	}

	conn, err := g.pool.Get(desc.Target(), desc.UseTLS)
	if err != nil {
		return nil, &util.TransportError{
			Service: desc.Name,
			Code:    codes.Unavailable,
			Cause:   err,
		}
	}

	stub, err = g.catalog.NewStub(desc.StubIdentifier, conn)
	if err != nil {
		return nil, err
	}

	g.stubs[desc.Name] = stub
	g.built++
	g.logger.Debug("created stub",
		observability.String("service", desc.Name),
		observability.String("stub", desc.StubIdentifier),
		observability.String("target", desc.Target()),
	)
	return stub, nil
}

// BreakerState returns the circuit breaker state name for a service, or
// "disabled" when breaking is off.
func (g *Gateway) BreakerState(service string) string {
	if g.breakers == nil {
		return "disabled"
	}
	return g.breakers.state(registry.NormalizeName(service)).String()
}

// Close releases all connections. The gateway must not be used afterwards.
func (g *Gateway) Close() error {
	g.mu.Lock()
	g.stubs = make(map[string]*binding.Stub)
	g.mu.Unlock()

	return g.pool.Close()
}

// metadataCarrier adapts metadata.MD to propagation.TextMapCarrier.
type metadataCarrier metadata.MD

// Get returns the value for a key.
func (m metadataCarrier) Get(key string) string {
	values := metadata.MD(m).Get(key)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// Set sets a key-value pair.
func (m metadataCarrier) Set(key, value string) {
	metadata.MD(m).Set(key, value)
}

// Keys returns all keys.
func (m metadataCarrier) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
