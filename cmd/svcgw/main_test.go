package main

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/vyrodovalexey/svcgw/internal/config"
	"github.com/vyrodovalexey/svcgw/internal/observability"
	"github.com/vyrodovalexey/svcgw/internal/registry"
	"github.com/vyrodovalexey/svcgw/internal/routereg"
	"github.com/vyrodovalexey/svcgw/internal/util"
)

// startHealthServer serves the gRPC health service on a loopback port.
func startHealthServer(t *testing.T) (string, int) {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, health.NewServer())
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	addr := lis.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

// isolateEnv points the default configuration at a temporary file store.
func isolateEnv(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "services.json")
	t.Setenv(config.ConfigPathEnv, "")
	t.Setenv("SVCGW_REGISTRY_BACKEND", "file")
	t.Setenv("GRPC_CONFIG_FILE", path)
	t.Setenv("API_GATEWAY_URL", "")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	return path
}

func registerHealth(t *testing.T, path, host string, port int) {
	t.Helper()

	store, err := registry.NewFileStore(path)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.RegisterService(context.Background(), registry.ServiceDescriptor{
		Name:           "health",
		Host:           host,
		Port:           port,
		StubIdentifier: "grpc.health.v1.Health",
		Methods: map[string]registry.MethodDescriptor{
			"Check": {MethodName: "Check", RequestTypeIdentifier: "grpc.health.v1.HealthCheckRequest"},
		},
	}))
}

func TestRun_Version(t *testing.T) {
	var stdout, stderr bytes.Buffer

	require.NoError(t, run(context.Background(), []string{"-version"}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "svcgw version dev")

	stdout.Reset()
	require.NoError(t, run(context.Background(), []string{"call", "-version"}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "svcgw version dev")
}

func TestRun_UnknownFlag(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), []string{"-no-such-flag"}, &stdout, &stderr)
	assert.Error(t, err)
}

func TestRunCall(t *testing.T) {
	path := isolateEnv(t)
	host, port := startHealthServer(t)
	registerHealth(t, path, host, port)

	var stdout, stderr bytes.Buffer
	err := run(context.Background(),
		[]string{"call", "-request-id", "cli-test", "-timeout", "2s", "Health", "Check", `{"service": ""}`},
		&stdout, &stderr)
	require.NoError(t, err, stderr.String())

	assert.Contains(t, stdout.String(), `"status": "SERVING"`)
}

func TestRunCall_Errors(t *testing.T) {
	path := isolateEnv(t)
	host, port := startHealthServer(t)
	registerHealth(t, path, host, port)

	tests := []struct {
		name  string
		args  []string
		check func(t *testing.T, err error)
	}{
		{
			name: "missing arguments",
			args: []string{"call", "health"},
			check: func(t *testing.T, err error) {
				assert.ErrorContains(t, err, "expected <service> <method>")
			},
		},
		{
			name: "malformed fields",
			args: []string{"call", "health", "Check", "{"},
			check: func(t *testing.T, err error) {
				assert.ErrorContains(t, err, "invalid json-fields")
			},
		},
		{
			name: "unknown service",
			args: []string{"call", "missing", "Check"},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, util.ErrServiceNotRegistered)
			},
		},
		{
			name: "unknown method",
			args: []string{"call", "health", "Watch2"},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, util.ErrMethodNotRegistered)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			err := run(context.Background(), tt.args, &stdout, &stderr)
			require.Error(t, err)
			tt.check(t, err)
			assert.Empty(t, stdout.String())
		})
	}
}

func TestNewStore(t *testing.T) {
	logger := observability.NopLogger()

	t.Run("file", func(t *testing.T) {
		cfg := config.Default().Registry
		cfg.File.Path = filepath.Join(t.TempDir(), "services.json")

		store, err := newStore(context.Background(), cfg, logger, nil)
		require.NoError(t, err)
		defer store.Close()
		assert.Equal(t, registry.BackendFile, store.Backend())
	})

	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := config.Default().Registry
		cfg.Backend = config.BackendRedis
		cfg.Redis.Address = mr.Addr()

		store, err := newStore(context.Background(), cfg, logger, nil)
		require.NoError(t, err)
		defer store.Close()
		assert.Equal(t, registry.BackendRedis, store.Backend())
	})

	t.Run("unknown", func(t *testing.T) {
		cfg := config.Default().Registry
		cfg.Backend = "consul"

		_, err := newStore(context.Background(), cfg, logger, nil)
		assert.Error(t, err)
	})
}

func TestApplication_Run(t *testing.T) {
	registered := make(chan string, 4)
	gatewaySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case registered <- r.URL.Path:
		default:
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer gatewaySrv.Close()

	host, port := startHealthServer(t)
	t.Setenv("HEALTH_HOST", host)
	t.Setenv("HEALTH_PORT", strconv.Itoa(port))

	cfg := config.Default()
	cfg.Registry.File.Path = filepath.Join(t.TempDir(), "services.json")
	cfg.Registry.File.Watch = true
	cfg.Discovery.Package = "grpc.health.v1"
	cfg.Heartbeat.Service = "health"
	cfg.Heartbeat.Interval = config.Duration(time.Hour)
	cfg.Admin.Address = "127.0.0.1:0"
	cfg.APIGateway = config.APIGatewayConfig{
		URL:               gatewaySrv.URL,
		ServiceName:       "svcgw",
		ServiceURL:        "http://svcgw:8000",
		Routes:            []any{"/services"},
		DefaultAuth:       true,
		HeartbeatInterval: config.Duration(time.Hour),
	}
	require.NoError(t, cfg.Validate())

	app, err := newApplication(context.Background(), cfg, observability.NopLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.run(ctx) }()

	select {
	case path := <-registered:
		assert.Equal(t, routereg.RegisterServicePath, path)
	case <-time.After(5 * time.Second):
		t.Fatal("route registration was not sent")
	}

	desc, err := app.store.GetServiceConfig(context.Background(), "health")
	require.NoError(t, err)
	assert.Equal(t, port, desc.Port)
	assert.Equal(t, "grpc.health.v1.HealthCheckRequest", desc.Methods["Check"].RequestTypeIdentifier)

	resp, err := app.gateway.Call(context.Background(), "health", "Check", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.(*healthpb.HealthCheckResponse).GetStatus())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancellation")
	}

	require.NoError(t, app.close())
}

func TestNewApplication_InvalidRoutes(t *testing.T) {
	cfg := config.Default()
	cfg.Registry.File.Path = filepath.Join(t.TempDir(), "services.json")
	cfg.APIGateway.URL = "http://gateway:8080"
	cfg.APIGateway.ServiceName = "svcgw"
	cfg.APIGateway.ServiceURL = "http://svcgw:8000"
	cfg.APIGateway.Routes = 42

	_, err := newApplication(context.Background(), cfg, observability.NopLogger())
	assert.ErrorIs(t, err, util.ErrConfigInvalid)
}

func TestNewApplication_InvalidGatewayTLS(t *testing.T) {
	cfg := config.Default()
	cfg.Registry.File.Path = filepath.Join(t.TempDir(), "services.json")
	cfg.Gateway.TLS.CAFile = filepath.Join(t.TempDir(), "absent-ca.pem")

	_, err := newApplication(context.Background(), cfg, observability.NopLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gateway TLS")
}

func TestGatewayTLSFiles(t *testing.T) {
	files := gatewayTLSFiles(config.GatewayTLSConfig{
		CAFile:             "/etc/svcgw/ca.pem",
		CertFile:           "/etc/svcgw/client.pem",
		KeyFile:            "/etc/svcgw/client-key.pem",
		ServerName:         "face.internal",
		InsecureSkipVerify: true,
	})

	assert.Equal(t, "/etc/svcgw/ca.pem", files.CAFile)
	assert.Equal(t, "/etc/svcgw/client.pem", files.CertFile)
	assert.Equal(t, "/etc/svcgw/client-key.pem", files.KeyFile)
	assert.Equal(t, "face.internal", files.ServerName)
	assert.True(t, files.InsecureSkipVerify)
}
