package middleware

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "gateway"

// Route kinds. Streaming responses stay open for the whole upstream answer
// and get their own latency buckets.
const (
	kindJSON   = "json"
	kindStream = "stream"
)

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status.",
		},
		[]string{"method", "route", "status"},
	)

	requestSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "request_duration_seconds",
			Help:      "Time to complete non-streaming requests.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	streamSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "stream_duration_seconds",
			Help:      "Time from request to end of an event stream.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300},
		},
		[]string{"route"},
	)

	inflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "requests_inflight",
			Help:      "Requests currently being served, open streams included.",
		},
	)

	responseBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "response_size_bytes",
			Help:      "Bytes written per response.",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 8), // 256B..4MiB
		},
		[]string{"route", "kind"},
	)

	rateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected with 429, by bucket key scope.",
		},
		[]string{"scope"},
	)

	gateRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "tenant_gate_rejected_total",
			Help:      "Requests stopped by the tenant gate, by error code.",
		},
		[]string{"code"},
	)
)

func init() {
	prometheus.MustRegister(requestsTotal, requestSeconds, streamSeconds, inflight,
		responseBytes, rateLimited, gateRejected)
}

// Metrics records per-route counters and timings. Routes whose final
// Content-Type is text/event-stream are measured as streams.
//
// The route label is the registered Gin pattern, or "unmatched".
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		inflight.Inc()
		defer inflight.Dec()

		c.Next()

		kind := responseKind(c)

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := c.Request.Method
		elapsed := time.Since(start).Seconds()

		requestsTotal.WithLabelValues(method, route, strconv.Itoa(c.Writer.Status())).Inc()
		if kind == kindStream {
			streamSeconds.WithLabelValues(route).Observe(elapsed)
		} else {
			requestSeconds.WithLabelValues(method, route).Observe(elapsed)
		}
		if n := c.Writer.Size(); n >= 0 {
			responseBytes.WithLabelValues(route, kind).Observe(float64(n))
		}
	}
}

func responseKind(c *gin.Context) string {
	if strings.HasPrefix(c.Writer.Header().Get("Content-Type"), "text/event-stream") {
		return kindStream
	}
	return kindJSON
}
