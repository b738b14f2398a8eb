// Package observability provides structured logging, Prometheus metrics,
// health probes, and graceful shutdown for the repub registry.
//
// # Logging
//
// Logger wraps log/slog with a JSON handler and field-chaining helpers:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("package", "foo").Info("package published")
//
// Request correlation IDs travel through context (WithRequestID and
// GetRequestID); the access-log middleware stamps them onto request
// records.
//
// # Metrics
//
// NewMetrics registers counters and histograms for the HTTP surface, blob and
// metadata storage, the publish pipeline, the upstream proxy cache, and the
// webhook dispatcher. They are served by promhttp on the health listener.
//
// # Health
//
// HealthChecker exposes liveness and readiness probes. Readiness pings every
// registered dependency (metadata store, blob store, optional redis) with a
// bounded timeout and degrades the overall status accordingly.
package observability
