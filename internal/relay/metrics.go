package relay

import "github.com/prometheus/client_golang/prometheus"

// Stream outcomes recorded in relay_stream_outcomes_total.
const (
	OutcomeCompleted   = "completed"
	OutcomeIncomplete  = "incomplete"
	OutcomeInterrupted = "interrupted"
	OutcomeUpstreamErr = "upstream_error"
	OutcomeRejected    = "rejected"
)

var (
	streamsInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_streams_inflight",
			Help: "Current number of chat streams being relayed.",
		},
	)

	streamOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_stream_outcomes_total",
			Help: "Relayed chat streams by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(streamsInflight, streamOutcomes)
}
