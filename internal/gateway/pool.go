package gateway

import (
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/vyrodovalexey/svcgw/internal/observability"
)

// Connection defaults.
const (
	DefaultConnectTimeout = 3 * time.Second
	DefaultMaxMessageSize = 100 * 1024 * 1024
)

// ConnectionPool keeps one client connection per target. The transport
// security of a target is fixed by the first Get for it.
type ConnectionPool struct {
	conns          map[string]*grpc.ClientConn
	mu             sync.RWMutex
	dialOpts       []grpc.DialOption
	tlsConfig      *tls.Config
	connectTimeout time.Duration
	maxMessageSize int
	logger         observability.Logger
	metrics        *observability.Metrics
	created        int
}

// PoolOption is a functional option for configuring the connection pool.
type PoolOption func(*ConnectionPool)

// WithPoolLogger sets the logger for the connection pool.
func WithPoolLogger(logger observability.Logger) PoolOption {
	return func(p *ConnectionPool) {
		p.logger = logger
	}
}

// WithPoolMetrics sets the metrics sink for the connection pool.
func WithPoolMetrics(m *observability.Metrics) PoolOption {
	return func(p *ConnectionPool) {
		p.metrics = m
	}
}

// WithDialOptions appends dial options to every new connection.
func WithDialOptions(opts ...grpc.DialOption) PoolOption {
	return func(p *ConnectionPool) {
		p.dialOpts = append(p.dialOpts, opts...)
	}
}

// WithConnectTimeout sets the minimum time allowed for establishing a connection.
func WithConnectTimeout(timeout time.Duration) PoolOption {
	return func(p *ConnectionPool) {
		p.connectTimeout = timeout
	}
}

// WithMaxMessageSize sets the send and receive message size limit.
func WithMaxMessageSize(n int) PoolOption {
	return func(p *ConnectionPool) {
		p.maxMessageSize = n
	}
}

// WithTLSConfig sets the TLS configuration used for targets that request TLS.
func WithTLSConfig(cfg *tls.Config) PoolOption {
	return func(p *ConnectionPool) {
		p.tlsConfig = cfg
	}
}

// NewConnectionPool creates a new connection pool.
func NewConnectionPool(opts ...PoolOption) *ConnectionPool {
	p := &ConnectionPool{
		conns:          make(map[string]*grpc.ClientConn),
		connectTimeout: DefaultConnectTimeout,
		maxMessageSize: DefaultMaxMessageSize,
		logger:         observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

func (p *ConnectionPool) dialOptions(useTLS bool) []grpc.DialOption {
	creds := insecure.NewCredentials()
	if useTLS {
		cfg := p.tlsConfig
		if cfg == nil {
			cfg = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		creds = credentials.NewTLS(cfg)
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff:           backoff.DefaultConfig,
			MinConnectTimeout: p.connectTimeout,
		}),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(p.maxMessageSize),
			grpc.MaxCallSendMsgSize(p.maxMessageSize),
		),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	return append(opts, p.dialOpts...)
}

// Get returns the connection to target, creating it if necessary.
func (p *ConnectionPool) Get(target string, useTLS bool) (*grpc.ClientConn, error) {
	p.mu.RLock()
	conn, exists := p.conns[target]
	p.mu.RUnlock()

	if exists && conn.GetState() != connectivity.Shutdown {
		return conn, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	conn, exists = p.conns[target]
	if exists {
		if conn.GetState() != connectivity.Shutdown {
			return conn, nil
		}
		delete(p.conns, target)
	}

	p.logger.Debug("creating new gRPC connection",
		observability.String("target", target),
		observability.Bool("tls", useTLS),
	)

	conn, err := grpc.NewClient(target, p.dialOptions(useTLS)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", target, err)
	}

	p.conns[target] = conn
	p.created++
	p.metrics.SetConnections(len(p.conns))

	p.logger.Info("created gRPC connection",
		observability.String("target", target),
	)

	return conn, nil
}

// Close closes all connections in the pool.
func (p *ConnectionPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs error
	for target, conn := range p.conns {
		if err := conn.Close(); err != nil {
			p.logger.Error("failed to close connection",
				observability.String("target", target),
				observability.Error(err),
			)
			errs = multierr.Append(errs, fmt.Errorf("close %s: %w", target, err))
		}
	}

	p.conns = make(map[string]*grpc.ClientConn)
	p.metrics.SetConnections(0)
	return errs
}

// Size returns the number of connections in the pool.
func (p *ConnectionPool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns)
}

// Created returns how many connections the pool has ever created.
func (p *ConnectionPool) Created() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.created
}

// Targets returns all targets in the pool.
func (p *ConnectionPool) Targets() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	targets := make([]string, 0, len(p.conns))
	for target := range p.conns {
		targets = append(targets, target)
	}
	return targets
}
