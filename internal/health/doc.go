// Package health provides the admin HTTP server: liveness and readiness
// probes, the registry contents and Prometheus metrics.
//
// Readiness is the conjunction of registered checks. Typical checks are a
// registry store probe (StoreCheck) and the state of the registry
// heartbeat agent (AgentCheck).
//
//	handler := health.NewHandler(logger)
//	handler.AddCheck(health.StoreCheck(store))
//
//	srv := health.NewServer(":9090", handler,
//	    health.WithStore(store),
//	    health.WithMetrics(metrics),
//	)
//	go srv.Start()
//	defer srv.Stop(ctx)
package health
