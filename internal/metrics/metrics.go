// Package metrics holds the Prometheus instruments of the chat core.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatcore_http_requests_total",
			Help: "Total number of HTTP requests processed.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatcore_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	wsActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatcore_ws_active_connections",
			Help: "Number of registered websocket connections.",
		},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatcore_ws_events_total",
			Help: "Websocket events by direction and name.",
		},
		[]string{"direction", "event"},
	)
	wsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatcore_ws_dropped_events_total",
			Help: "Server events dropped because the connection was closing or saturated.",
		},
		[]string{"event"},
	)
	wsErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatcore_ws_errors_total",
			Help: "Error events sent to clients by code.",
		},
		[]string{"event", "code"},
	)
	messagesStoredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatcore_messages_stored_total",
			Help: "Messages persisted by the pipeline.",
		},
		[]string{"type"},
	)
	persistRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatcore_persist_retries_total",
			Help: "Retried persistence attempts.",
		},
	)
	submitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatcore_submit_duration_seconds",
			Help:    "Latency from submit to fan-out completion.",
			Buckets: prometheus.DefBuckets,
		},
	)
	seenMarksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatcore_seen_marks_total",
			Help: "Messages transitioned to seen.",
		},
	)
	typingExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatcore_typing_expired_total",
			Help: "Typing indicators cleared by timeout.",
		},
	)
	publishErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatcore_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
		[]string{"routing_key"},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		wsActiveConnections,
		wsEventsTotal,
		wsDroppedTotal,
		wsErrorsTotal,
		messagesStoredTotal,
		persistRetriesTotal,
		submitDuration,
		seenMarksTotal,
		typingExpiredTotal,
		publishErrorsTotal,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func HTTPMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func SetWSActive(n int) {
	wsActiveConnections.Set(float64(n))
}

func IncWSEvent(direction, event string) {
	wsEventsTotal.WithLabelValues(direction, event).Inc()
}

func IncWSDropped(event string) {
	wsDroppedTotal.WithLabelValues(event).Inc()
}

func IncWSError(event, code string) {
	wsErrorsTotal.WithLabelValues(event, code).Inc()
}

func IncMessageStored(messageType string) {
	messagesStoredTotal.WithLabelValues(messageType).Inc()
}

func IncPersistRetry() {
	persistRetriesTotal.Inc()
}

func ObserveSubmit(d time.Duration) {
	submitDuration.Observe(d.Seconds())
}

func IncSeenMark() {
	seenMarksTotal.Inc()
}

func IncTypingExpired() {
	typingExpiredTotal.Inc()
}

func IncPublishError(routingKey string) {
	publishErrorsTotal.WithLabelValues(routingKey).Inc()
}
