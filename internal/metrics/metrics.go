package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatbot_ws_connections",
		Help: "Current number of active websocket connections",
	})
	WsEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatbot_ws_events_total",
		Help: "Inbound websocket events by name and result",
	}, []string{"event", "result"})
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatbot_messages_total",
		Help: "Persisted chat messages by role",
	}, []string{"role"})
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatbot_active_rooms",
		Help: "Conversations with at least one joined user",
	})
	AIRelayTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatbot_ai_relay_total",
		Help: "AI relay turns by outcome",
	}, []string{"outcome"})
	AIRelayDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatbot_ai_relay_duration_seconds",
		Help:    "AI relay turn duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 90},
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
		WsConnections, WsEventsTotal, MessagesTotal, ActiveRooms,
		AIRelayTotal, AIRelayDuration,
		HttpRequestsTotal, HttpRequestDuration,
	)
}

// GinMiddleware 统计基础请求指标，供 Prometheus 拉取。未匹配路由统一记为 unmatched，避免标签爆炸。
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": strconv.Itoa(c.Writer.Status())}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
