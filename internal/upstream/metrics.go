package upstream

import "github.com/prometheus/client_golang/prometheus"

// upstreamReqs counts calls to the AI service by operation and outcome code
// (HTTP status, or "error" for transport failures).
var upstreamReqs = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "upstream_requests_total",
		Help: "Total number of requests sent to the upstream AI service.",
	},
	[]string{"op", "code"},
)

func init() {
	prometheus.MustRegister(upstreamReqs)
}

func observe(op, code string) {
	upstreamReqs.WithLabelValues(op, code).Inc()
}
