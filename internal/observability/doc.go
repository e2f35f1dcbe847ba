// Package observability provides logging, metrics, and tracing for the
// service gateway.
//
// Logging goes through the Logger interface backed by zap:
//
//	logger, err := observability.NewLogger(observability.LogConfig{Level: "debug"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	logger.Info("service registered",
//	    observability.String("service", "face-embedding"),
//	    observability.Int("port", 50061),
//	)
//
// Metrics are collected in a dedicated Prometheus registry owned by a
// Metrics value, so several instances can coexist in tests. Tracing uses
// OpenTelemetry with an optional OTLP gRPC exporter.
package observability
