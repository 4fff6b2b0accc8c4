// Package observability provides logging, Prometheus metrics, OpenTelemetry
// setup, health checks and graceful shutdown for Sharehub processes.
//
// # Logging
//
//	logger, err := observability.NewLogger("info", "json", os.Stdout)
//	observability.WithTraceContext(ctx, logger).Info("authorized")
//
// # Metrics
//
//	registry := observability.NewRegistry()
//	httpMetrics := observability.NewHTTPMetrics(registry)
//	router.Use(httpMetrics.Middleware)
//	observability.RegisterMetricsEndpoint(router, registry)
//
// # Tracing
//
// InitOTel installs global OTLP gRPC tracer and meter providers. When
// disabled the otel globals stay no-op.
//
// # Health
//
//	observability.RegisterHealthRoutes(router, observability.NewHealthChecker(db, redisClient, version))
//
// /health/live always answers 200. /health/ready answers 503 when the
// database is unreachable and reports "degraded" when only Redis is down.
package observability
