package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_ws_connections",
		Help: "Current number of active websocket connections",
	})
	WsMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_ws_inbound_frames_total",
		Help: "Total number of inbound websocket frames by type and outcome",
	}, []string{"type", "outcome"})
	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_events_published_total",
		Help: "Total number of events published to hub rooms",
	}, []string{"type"})
	DroppedClients = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_ws_dropped_clients_total",
		Help: "Clients disconnected because their send buffer was full",
	})
	SessionsSwept = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_sessions_swept_total",
		Help: "Expired sessions removed by the background sweep",
	})
	EventsExported = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_events_exported_total",
		Help: "Events handed to the message broker by outcome",
	}, []string{"outcome"})
	HttpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HttpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(
		WsConnections, WsMessagesTotal, EventsPublished, DroppedClients,
		SessionsSwept, EventsExported, HttpRequestsTotal, HttpRequestDuration,
	)
}

// GinMiddleware 统计基础请求指标，供 Prometheus 拉取。
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
