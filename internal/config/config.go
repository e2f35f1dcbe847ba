package config

import (
	"net"
	"os"
	"time"

	"github.com/vyrodovalexey/svcgw/internal/util"
)

// Registry backends.
const (
	BackendFile  = "file"
	BackendRedis = "redis"
	BackendEtcd  = "etcd"
)

// Config is the complete svcgw configuration.
type Config struct {
	Registry   RegistryConfig   `yaml:"registry"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Heartbeat  HeartbeatConfig  `yaml:"heartbeat"`
	APIGateway APIGatewayConfig `yaml:"apiGateway"`
	Admin      AdminConfig      `yaml:"admin"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// RegistryConfig selects and configures the registry store backend.
type RegistryConfig struct {
	Backend  string             `yaml:"backend"`
	LeaseTTL Duration           `yaml:"leaseTTL"`
	File     FileRegistryConfig `yaml:"file"`
	Redis    RedisConfig        `yaml:"redis"`
	Etcd     EtcdConfig         `yaml:"etcd"`
}

// FileRegistryConfig configures the JSON file store.
type FileRegistryConfig struct {
	Path  string `yaml:"path"`
	Watch bool   `yaml:"watch"`
}

// RedisConfig configures the Redis store.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// EtcdConfig configures the etcd store.
type EtcdConfig struct {
	Endpoints   []string `yaml:"endpoints"`
	Prefix      string   `yaml:"prefix"`
	DialTimeout Duration `yaml:"dialTimeout"`
	Username    string   `yaml:"username"`
	Password    string   `yaml:"password"`
}

// DiscoveryConfig configures startup schema discovery.
type DiscoveryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Package string `yaml:"package"`
}

// GatewayConfig configures the RPC call policy.
type GatewayConfig struct {
	Timeout        Duration             `yaml:"timeout"`
	MaxAttempts    int                  `yaml:"maxAttempts"`
	RetryDelay     Duration             `yaml:"retryDelay"`
	ConnectTimeout Duration             `yaml:"connectTimeout"`
	MaxMessageSize int                  `yaml:"maxMessageSize"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker"`
	TLS            GatewayTLSConfig     `yaml:"tls"`
}

// GatewayTLSConfig configures the client side of connections to services
// registered with use_tls. Without a CA file the system pool is used.
type GatewayTLSConfig struct {
	CAFile             string `yaml:"caFile"`
	CertFile           string `yaml:"certFile"`
	KeyFile            string `yaml:"keyFile"`
	ServerName         string `yaml:"serverName"`
	InsecureSkipVerify bool   `yaml:"insecureSkipVerify"`
}

// CircuitBreakerConfig configures per-service circuit breaking.
type CircuitBreakerConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Threshold int      `yaml:"threshold"`
	Timeout   Duration `yaml:"timeout"`
}

// HeartbeatConfig configures the registry lease renewal of this process's
// own service entry. An empty Service disables it.
type HeartbeatConfig struct {
	Service  string   `yaml:"service"`
	Interval Duration `yaml:"interval"`
}

// APIGatewayConfig configures route registration with the external API
// gateway. An empty URL disables it.
type APIGatewayConfig struct {
	URL               string   `yaml:"url"`
	ServiceName       string   `yaml:"serviceName"`
	ServiceURL        string   `yaml:"serviceURL"`
	Routes            any      `yaml:"routes"`
	DefaultAuth       bool     `yaml:"defaultAuth"`
	WebSocketURL      string   `yaml:"websocketURL"`
	WebSocketRoutes   any      `yaml:"websocketRoutes"`
	HeartbeatInterval Duration `yaml:"heartbeatInterval"`
}

// Enabled reports whether route registration is configured.
func (c APIGatewayConfig) Enabled() bool {
	return c.URL != ""
}

// AdminConfig configures the admin HTTP server.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"samplingRate"`
	ServiceName  string  `yaml:"serviceName"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default values.
const (
	DefaultFilePath          = "/app/config/grpc_services.json"
	DefaultLeaseTTL          = 300 * time.Second
	DefaultRedisAddress      = "localhost:6379"
	DefaultRedisPrefix       = "svcgw:"
	DefaultEtcdEndpoint      = "localhost:2379"
	DefaultEtcdPrefix        = "/svcgw/"
	DefaultDiscoveryPackage  = "capyface"
	DefaultCallTimeout       = 5 * time.Second
	DefaultMaxAttempts       = 3
	DefaultRetryDelay        = time.Second
	DefaultConnectTimeout    = 3 * time.Second
	DefaultMaxMessageSize    = 100 * 1024 * 1024
	DefaultBreakerThreshold  = 5
	DefaultBreakerTimeout    = 30 * time.Second
	DefaultRegistryHeartbeat = 60 * time.Second
	DefaultRouteHeartbeat    = 120 * time.Second
	DefaultAdminAddress      = ":9090"
	DefaultServiceName       = "svcgw"
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Registry: RegistryConfig{
			Backend:  BackendFile,
			LeaseTTL: Duration(DefaultLeaseTTL),
			File:     FileRegistryConfig{Path: DefaultFilePath},
			Redis: RedisConfig{
				Address: DefaultRedisAddress,
				Prefix:  DefaultRedisPrefix,
			},
			Etcd: EtcdConfig{
				Endpoints:   []string{DefaultEtcdEndpoint},
				Prefix:      DefaultEtcdPrefix,
				DialTimeout: Duration(5 * time.Second),
			},
		},
		Discovery: DiscoveryConfig{
			Enabled: true,
			Package: DefaultDiscoveryPackage,
		},
		Gateway: GatewayConfig{
			Timeout:        Duration(DefaultCallTimeout),
			MaxAttempts:    DefaultMaxAttempts,
			RetryDelay:     Duration(DefaultRetryDelay),
			ConnectTimeout: Duration(DefaultConnectTimeout),
			MaxMessageSize: DefaultMaxMessageSize,
			CircuitBreaker: CircuitBreakerConfig{
				Threshold: DefaultBreakerThreshold,
				Timeout:   Duration(DefaultBreakerTimeout),
			},
		},
		Heartbeat: HeartbeatConfig{
			Interval: Duration(DefaultRegistryHeartbeat),
		},
		APIGateway: APIGatewayConfig{
			DefaultAuth:       true,
			HeartbeatInterval: Duration(DefaultRouteHeartbeat),
		},
		Admin: AdminConfig{
			Enabled: true,
			Address: DefaultAdminAddress,
		},
		Tracing: TracingConfig{
			SamplingRate: 1.0,
			ServiceName:  DefaultServiceName,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// FromEnv returns Default() overlaid with environment variables.
func FromEnv() *Config {
	cfg := Default()
	cfg.ApplyEnv()
	return cfg
}

// ApplyEnv overlays the environment variables that are set onto cfg.
func (c *Config) ApplyEnv() {
	c.Registry.Backend = util.EnvOrDefault("SVCGW_REGISTRY_BACKEND", c.Registry.Backend)
	c.Registry.File.Path = util.EnvOrDefault("GRPC_CONFIG_FILE", c.Registry.File.Path)
	c.Registry.File.Watch = util.EnvBool("SVCGW_REGISTRY_WATCH", c.Registry.File.Watch)

	if host, port := os.Getenv("REDIS_HOST"), os.Getenv("REDIS_PORT"); host != "" || port != "" {
		c.Registry.Redis.Address = net.JoinHostPort(
			util.EnvOrDefault("REDIS_HOST", "localhost"),
			util.EnvOrDefault("REDIS_PORT", "6379"),
		)
	}
	c.Registry.Redis.DB = util.EnvInt("REDIS_DB", c.Registry.Redis.DB)
	c.Registry.Redis.Password = util.EnvOrDefault("REDIS_PASSWORD", c.Registry.Redis.Password)
	c.Registry.Redis.Prefix = util.EnvOrDefault("REDIS_PREFIX", c.Registry.Redis.Prefix)

	c.Registry.Etcd.Endpoints = util.EnvList("ETCD_ENDPOINTS", c.Registry.Etcd.Endpoints)
	c.Registry.Etcd.Prefix = util.EnvOrDefault("ETCD_PREFIX", c.Registry.Etcd.Prefix)
	c.Registry.Etcd.Username = util.EnvOrDefault("ETCD_USERNAME", c.Registry.Etcd.Username)
	c.Registry.Etcd.Password = util.EnvOrDefault("ETCD_PASSWORD", c.Registry.Etcd.Password)

	c.Discovery.Enabled = util.EnvBool("SVCGW_DISCOVERY_ENABLED", c.Discovery.Enabled)
	c.Discovery.Package = util.EnvOrDefault("SVCGW_DISCOVERY_PACKAGE", c.Discovery.Package)

	c.Heartbeat.Service = util.EnvOrDefault("SVCGW_SERVICE_NAME", c.Heartbeat.Service)

	c.APIGateway.URL = util.EnvOrDefault("API_GATEWAY_URL", c.APIGateway.URL)
	c.APIGateway.ServiceName = util.EnvOrDefault("SERVICE_NAME", c.APIGateway.ServiceName)
	c.APIGateway.ServiceURL = util.EnvOrDefault("SERVICE_URL", c.APIGateway.ServiceURL)
	c.APIGateway.WebSocketURL = util.EnvOrDefault("WEBSOCKET_URL", c.APIGateway.WebSocketURL)
	if routes := util.EnvList("SERVICE_ROUTES", nil); routes != nil {
		c.APIGateway.Routes = routes
	}
	if routes := util.EnvList("WEBSOCKET_ROUTES", nil); routes != nil {
		c.APIGateway.WebSocketRoutes = routes
	}
	c.APIGateway.DefaultAuth = util.EnvBool("SERVICE_DEFAULT_AUTH", c.APIGateway.DefaultAuth)

	c.Admin.Address = util.EnvOrDefault("SVCGW_ADMIN_ADDRESS", c.Admin.Address)

	if endpoint := util.EnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", ""); endpoint != "" {
		c.Tracing.Enabled = true
		c.Tracing.Endpoint = endpoint
	}

	c.Logging.Level = util.EnvOrDefault("SVCGW_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = util.EnvOrDefault("SVCGW_LOG_FORMAT", c.Logging.Format)
}
