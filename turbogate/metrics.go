package turbogate

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every turbogate_* Prometheus collector. Names and label keys
// are a stable contract and must not drift: connections_total,
// active_connections and connection_errors_total are keyed by frontend;
// requests_total and request_duration_ms are keyed by backend/server;
// bytes_transferred_total is keyed by frontend/direction; server_status is
// keyed by server name alone and health_checks_total by server/success. It
// is constructed once
// at startup and handed to every component that needs to record a
// measurement; collection and exposition are fully decoupled via the
// standard client_golang registry.
type Metrics struct {
	registry *prometheus.Registry

	connectionsTotal    *prometheus.CounterVec
	activeConnections   *prometheus.GaugeVec
	connectionErrors    *prometheus.CounterVec
	requestsTotal       *prometheus.CounterVec
	requestDurationMs   *prometheus.HistogramVec
	bytesTransferred    *prometheus.CounterVec
	backendActiveServers *prometheus.GaugeVec
	backendTotalServers  *prometheus.GaugeVec
	serverStatus        *prometheus.GaugeVec
	healthChecksTotal   *prometheus.CounterVec
}

// NewMetrics registers the full collector set against a fresh registry (not
// the global default registry, so multiple Metrics instances never collide
// in tests).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		connectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "turbogate_connections_total",
			Help: "Connections accepted by a frontend.",
		}, []string{"frontend"}),
		activeConnections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "turbogate_active_connections",
			Help: "Currently active connections per frontend.",
		}, []string{"frontend"}),
		connectionErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "turbogate_connection_errors_total",
			Help: "Connections rejected or failed, by error type.",
		}, []string{"frontend", "error_type"}),
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "turbogate_requests_total",
			Help: "Proxied connections completed, by outcome status.",
		}, []string{"backend", "server", "status"}),
		requestDurationMs: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "turbogate_request_duration_ms",
			Help:    "Duration of proxied connections in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 16),
		}, []string{"backend", "server"}),
		bytesTransferred: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "turbogate_bytes_transferred_total",
			Help: "Bytes relayed between client and server.",
		}, []string{"frontend", "direction"}),
		backendActiveServers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "turbogate_backend_active_servers",
			Help: "Number of currently eligible servers in a backend.",
		}, []string{"backend"}),
		backendTotalServers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "turbogate_backend_total_servers",
			Help: "Number of configured servers in a backend.",
		}, []string{"backend"}),
		serverStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "turbogate_server_status",
			Help: "1 if a server is up, 0 otherwise.",
		}, []string{"server"}),
		healthChecksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "turbogate_health_checks_total",
			Help: "Health check probes performed.",
		}, []string{"server", "success"}),
	}
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// refreshBackendGauges recomputes backend_active_servers/backend_total_servers
// for every backend in pool. Called periodically by the runtime's
// housekeeping ticker alongside the per-IP table sweep, since these gauges
// are cheap to recompute from current status and don't need incremental
// maintenance.
func (m *Metrics) refreshBackendGauges(pool *Pool) {
	for _, b := range pool.All() {
		active := 0
		for _, s := range b.Servers {
			if s.eligible() || s.eligibleBackup() {
				active++
			}
		}
		m.backendActiveServers.WithLabelValues(b.Def.Name).Set(float64(active))
		m.backendTotalServers.WithLabelValues(b.Def.Name).Set(float64(len(b.Servers)))
	}
}
