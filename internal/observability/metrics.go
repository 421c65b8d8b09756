package observability

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics carries the security core's domain counters. The boundary
// layer increments them; the core stays metrics-free so its packages
// remain pure functions over the store.
type Metrics struct {
	registry *prometheus.Registry

	SessionsIssued    prometheus.Counter
	RateLimited       *prometheus.CounterVec
	IdempotentReplays prometheus.Counter
	MigrationsStarted prometheus.Counter
	MigrationOutcomes *prometheus.CounterVec
}

// NewMetrics registers the domain counters on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		SessionsIssued: factory.NewCounter(prometheus.CounterOpts{
			Name: "permy_sessions_issued_total",
			Help: "Bearer sessions issued.",
		}),
		RateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "permy_rate_limited_total",
			Help: "Requests rejected by a fixed-window limiter.",
		}, []string{"scope"}),
		IdempotentReplays: factory.NewCounter(prometheus.CounterOpts{
			Name: "permy_idempotent_replays_total",
			Help: "Duplicate requests rejected by the idempotency guard.",
		}),
		MigrationsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "permy_migrations_started_total",
			Help: "Migration codes issued.",
		}),
		MigrationOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "permy_migration_completions_total",
			Help: "Migration completion attempts by outcome.",
		}, []string{"outcome"}),
	}
}

// Handler serves this registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// MetricsServer serves the metrics registry on its own listener, away
// from the public API port.
type MetricsServer struct {
	server *http.Server
}

// NewMetricsServer mounts the metrics handler at /metrics on addr.
func NewMetricsServer(addr string, metrics *Metrics) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return &MetricsServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start blocks serving metrics. Returns http.ErrServerClosed after a
// graceful shutdown.
func (ms *MetricsServer) Start() error {
	slog.Info("starting metrics server", "addr", ms.server.Addr)
	return ms.server.ListenAndServe()
}

// Shutdown stops the metrics listener.
func (ms *MetricsServer) Shutdown(ctx context.Context) error {
	return ms.server.Shutdown(ctx)
}
