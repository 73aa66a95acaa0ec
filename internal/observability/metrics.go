package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// total requests per endpoint, method and status code
	RequestCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adengine_requests_total",
			Help: "Total API requests received",
		},
		[]string{"endpoint", "method", "status"},
	)

	// request latency in seconds per endpoint/method
	RequestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "adengine_request_duration_seconds",
			Help:    "Histogram of request latencies",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "method"},
	)

	// selection calls labelled by whether any raw candidate existed
	OpportunityCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adengine_opportunities_total",
			Help: "Eligibility requests by opportunity outcome",
		},
		[]string{"had_opportunity"},
	)

	// candidates vetoed, labelled by the first rule that fired
	ExclusionCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adengine_exclusions_total",
			Help: "Candidates excluded per exclusion rule",
		},
		[]string{"rule"},
	)

	// candidates dropped by the pacing draw
	PacingDrops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "adengine_pacing_drops_total",
			Help: "Candidates dropped by pacing",
		},
	)

	// end to end selection latency labelled by result
	SelectionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "adengine_selection_duration_seconds",
			Help:    "Duration of eligible ad selection",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		},
		[]string{"result"},
	)

	// recorded ad events by ad type and confirmation type
	EventCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adengine_ad_events_total",
			Help: "Ad events recorded",
		},
		[]string{"ad_type", "confirmation_type"},
	)

	// ad events dropped by the state machine
	InvalidTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adengine_invalid_transitions_total",
			Help: "Ad events rejected by the lifecycle state machine",
		},
		[]string{"reason"},
	)

	// event log failures per operation
	StorageErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adengine_storage_errors_total",
			Help: "Ad event log read and write failures",
		},
		[]string{"operation"},
	)
)

func init() {
	// register all metrics
	prometheus.MustRegister(
		RequestCount,
		RequestLatency,
		OpportunityCount,
		ExclusionCount,
		PacingDrops,
		SelectionDuration,
		EventCount,
		InvalidTransitions,
		StorageErrors,
	)
}
