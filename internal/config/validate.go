package config

import (
	"fmt"
	"net/url"
	"slices"
	"strings"

	"go.uber.org/multierr"

	"github.com/vyrodovalexey/svcgw/internal/util"
)

var (
	validBackends   = []string{BackendFile, BackendRedis, BackendEtcd}
	validLogLevels  = []string{"debug", "info", "warn", "error"}
	validLogFormats = []string{"json", "console"}
)

// Validate checks the configuration and returns every problem found,
// combined. Each problem is a *util.ConfigError.
func (c *Config) Validate() error {
	var errs error
	add := func(field, format string, args ...any) {
		errs = multierr.Append(errs, util.NewConfigError(field, fmt.Sprintf(format, args...)))
	}

	if !slices.Contains(validBackends, c.Registry.Backend) {
		add("registry.backend", "must be one of %s, got %q", strings.Join(validBackends, ", "), c.Registry.Backend)
	}
	if c.Registry.LeaseTTL.Duration() <= 0 {
		add("registry.leaseTTL", "must be positive")
	}
	switch c.Registry.Backend {
	case BackendFile:
		if c.Registry.File.Path == "" {
			add("registry.file.path", "is required")
		}
	case BackendRedis:
		if c.Registry.Redis.Address == "" {
			add("registry.redis.address", "is required")
		}
		if c.Registry.Redis.DB < 0 {
			add("registry.redis.db", "must not be negative")
		}
	case BackendEtcd:
		if len(c.Registry.Etcd.Endpoints) == 0 {
			add("registry.etcd.endpoints", "at least one endpoint is required")
		}
	}

	if c.Discovery.Enabled && c.Discovery.Package == "" {
		add("discovery.package", "is required when discovery is enabled")
	}

	if c.Gateway.Timeout.Duration() <= 0 {
		add("gateway.timeout", "must be positive")
	}
	if c.Gateway.MaxAttempts < 1 {
		add("gateway.maxAttempts", "must be at least 1")
	}
	if c.Gateway.RetryDelay.Duration() < 0 {
		add("gateway.retryDelay", "must not be negative")
	}
	if c.Gateway.ConnectTimeout.Duration() < 0 {
		add("gateway.connectTimeout", "must not be negative")
	}
	if c.Gateway.MaxMessageSize < 0 {
		add("gateway.maxMessageSize", "must not be negative")
	}
	if cb := c.Gateway.CircuitBreaker; cb.Enabled {
		if cb.Threshold < 1 {
			add("gateway.circuitBreaker.threshold", "must be at least 1")
		}
		if cb.Timeout.Duration() <= 0 {
			add("gateway.circuitBreaker.timeout", "must be positive")
		}
	}

	if tc := c.Gateway.TLS; (tc.CertFile == "") != (tc.KeyFile == "") {
		add("gateway.tls", "certFile and keyFile must be set together")
	}

	if c.Heartbeat.Service != "" {
		interval := c.Heartbeat.Interval.Duration()
		if interval <= 0 {
			add("heartbeat.interval", "must be positive")
		} else if c.Registry.Backend != BackendFile && interval >= c.Registry.LeaseTTL.Duration() {
			add("heartbeat.interval", "must be shorter than registry.leaseTTL (%s)", c.Registry.LeaseTTL.Duration())
		}
	}

	if c.APIGateway.Enabled() {
		if _, err := url.ParseRequestURI(c.APIGateway.URL); err != nil {
			add("apiGateway.url", "invalid URL: %v", err)
		}
		if c.APIGateway.ServiceName == "" {
			add("apiGateway.serviceName", "is required when apiGateway.url is set")
		}
		if c.APIGateway.ServiceURL == "" && c.APIGateway.WebSocketURL == "" {
			add("apiGateway.serviceURL", "serviceURL or websocketURL is required when apiGateway.url is set")
		}
		if c.APIGateway.HeartbeatInterval.Duration() <= 0 {
			add("apiGateway.heartbeatInterval", "must be positive")
		}
	}

	if c.Admin.Enabled && c.Admin.Address == "" {
		add("admin.address", "is required when admin is enabled")
	}

	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		add("tracing.samplingRate", "must be between 0 and 1")
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		add("tracing.endpoint", "is required when tracing is enabled")
	}

	if !slices.Contains(validLogLevels, strings.ToLower(c.Logging.Level)) {
		add("logging.level", "must be one of %s", strings.Join(validLogLevels, ", "))
	}
	if !slices.Contains(validLogFormats, strings.ToLower(c.Logging.Format)) {
		add("logging.format", "must be one of %s", strings.Join(validLogFormats, ", "))
	}

	return errs
}
