package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "codecollab_active_sessions",
		Help: "Current number of open room sessions",
	})
	LocalEditsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "codecollab_local_edits_total",
		Help: "Total number of local document writes issued, by field",
	}, []string{"field"})
	EchoSuppressedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "codecollab_echo_suppressed_total",
		Help: "Total number of document change fields dropped as self-echo",
	})
	PersistFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "codecollab_persist_failures_total",
		Help: "Total number of rejected writes, by entity",
	}, []string{"entity"})
	ChatMessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "codecollab_chat_messages_total",
		Help: "Total number of chat messages sent",
	})
	TransportStatusTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "codecollab_transport_status_total",
		Help: "Transport subscription status transitions, by status",
	}, []string{"status"})
	WebSocketFramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "codecollab_websocket_frames_total",
		Help: "WebSocket frames handled, by direction and frame type",
	}, []string{"direction", "type"})
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
		ActiveSessions, LocalEditsTotal, EchoSuppressedTotal, PersistFailuresTotal,
		ChatMessagesTotal, TransportStatusTotal, WebSocketFramesTotal, HttpRequestsTotal, HttpRequestDuration,
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
			path = c.Request.URL.Path
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
