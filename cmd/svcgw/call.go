package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"google.golang.org/protobuf/encoding/protojson"

	"github.com/vyrodovalexey/svcgw/internal/binding"
	"github.com/vyrodovalexey/svcgw/internal/gateway"
	"github.com/vyrodovalexey/svcgw/internal/observability"
)

const callUsage = `usage: svcgw call [flags] <service> <method> [json-fields]

Invokes method on a registered service and prints the response as JSON.
json-fields is a JSON object of request fields; it defaults to {}.
`

// runCall implements the call subcommand.
func runCall(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs, f := newFlagSet("svcgw call", stderr)
	timeout := fs.Duration("timeout", 0, "Per-attempt timeout (defaults to gateway.timeout)")
	requestID := fs.String("request-id", "", "Request ID sent as x-request-id (generated when empty)")
	fs.Usage = func() {
		fmt.Fprint(stderr, callUsage)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if f.showVersion {
		printVersion(stdout)
		return nil
	}

	rest := fs.Args()
	if len(rest) < 2 || len(rest) > 3 {
		fs.Usage()
		return fmt.Errorf("expected <service> <method> [json-fields], got %d arguments", len(rest))
	}
	service, method := rest[0], rest[1]

	fields := map[string]any{}
	if len(rest) == 3 && rest[2] != "" {
		if err := json.Unmarshal([]byte(rest[2]), &fields); err != nil {
			return fmt.Errorf("invalid json-fields: %w", err)
		}
	}

	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}
	if f.logLevel == "" && os.Getenv("SVCGW_LOG_LEVEL") == "" {
		cfg.Logging.Level = "warn"
	}

	logger, err := initLogger(cfg.Logging, "stderr")
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	storeCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	metrics := observability.NewMetrics(metricsNamespace)
	store, err := newStore(storeCtx, cfg.Registry, logger, metrics)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	gw := gateway.New(store, binding.FromRegistry(nil, nil, ""),
		gateway.WithConfig(gatewayConfig(cfg.Gateway)),
		gateway.WithLogger(logger),
		gateway.WithMetrics(metrics),
	)
	defer func() { _ = gw.Close() }()

	opts := []gateway.CallOption{}
	if *timeout > 0 {
		opts = append(opts, gateway.WithTimeout(*timeout))
	}
	if *requestID != "" {
		opts = append(opts, gateway.WithRequestID(*requestID))
	}

	start := time.Now()
	resp, err := gw.Call(ctx, service, method, fields, opts...)
	if err != nil {
		return err
	}
	logger.Debug("call finished",
		observability.String("service", service),
		observability.String("method", method),
		observability.Duration("duration", time.Since(start)),
	)

	out, err := protojson.MarshalOptions{Multiline: true, EmitUnpopulated: true}.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	_, err = fmt.Fprintln(stdout, string(out))
	return err
}
