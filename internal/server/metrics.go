package server

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	wsConnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "websocket_connections_total",
			Help: "Total number of WebSocket connections",
		},
	)

	wsActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_active_connections",
			Help: "Number of active WebSocket connections",
		},
	)

	wsDroppedClientsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "websocket_dropped_clients_total",
			Help: "Clients disconnected because their send queue was full",
		},
	)

	wsRateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "websocket_rate_limited_messages_total",
			Help: "Inbound frames discarded by the per-connection rate limiter",
		},
	)

	inboundEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_inbound_events_total",
			Help: "Inbound client events by name and outcome",
		},
		[]string{"event", "result"},
	)
)

// MetricsMiddleware returns a Gin middleware that collects Prometheus metrics.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		status := strconv.Itoa(c.Writer.Status())
		httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// MetricsHandler returns the Prometheus metrics handler for Gin.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

func recordConnection() {
	wsConnectionsTotal.Inc()
	wsActiveConnections.Inc()
}

func recordDisconnection() {
	wsActiveConnections.Dec()
}
