package observability

import (
	"strconv"
	"time"
)

// MetricsRegistry provides an interface for recording application metrics
// so components never touch the global Prometheus collectors directly.
type MetricsRegistry interface {
	// HTTP Request metrics
	IncrementRequests(endpoint, method, status string)
	RecordRequestLatency(endpoint, method string, duration time.Duration)

	// Selection metrics
	IncrementOpportunities(hadOpportunity bool)
	AddExclusions(rule string, n int)
	AddPacingDrops(n int)
	RecordSelectionDuration(result string, duration time.Duration)

	// Ad event metrics
	IncrementEvent(adType, confirmationType string)
	IncrementInvalidTransitions(reason string)
	IncrementStorageErrors(operation string)
}

// PrometheusRegistry implements MetricsRegistry using the global Prometheus metrics
type PrometheusRegistry struct{}

// NewPrometheusRegistry creates a new PrometheusRegistry
func NewPrometheusRegistry() *PrometheusRegistry {
	return &PrometheusRegistry{}
}

func (r *PrometheusRegistry) IncrementRequests(endpoint, method, status string) {
	RequestCount.WithLabelValues(endpoint, method, status).Inc()
}

func (r *PrometheusRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {
	RequestLatency.WithLabelValues(endpoint, method).Observe(duration.Seconds())
}

func (r *PrometheusRegistry) IncrementOpportunities(hadOpportunity bool) {
	OpportunityCount.WithLabelValues(strconv.FormatBool(hadOpportunity)).Inc()
}

func (r *PrometheusRegistry) AddExclusions(rule string, n int) {
	ExclusionCount.WithLabelValues(rule).Add(float64(n))
}

func (r *PrometheusRegistry) AddPacingDrops(n int) {
	PacingDrops.Add(float64(n))
}

func (r *PrometheusRegistry) RecordSelectionDuration(result string, duration time.Duration) {
	SelectionDuration.WithLabelValues(result).Observe(duration.Seconds())
}

func (r *PrometheusRegistry) IncrementEvent(adType, confirmationType string) {
	EventCount.WithLabelValues(adType, confirmationType).Inc()
}

func (r *PrometheusRegistry) IncrementInvalidTransitions(reason string) {
	InvalidTransitions.WithLabelValues(reason).Inc()
}

func (r *PrometheusRegistry) IncrementStorageErrors(operation string) {
	StorageErrors.WithLabelValues(operation).Inc()
}

// NoOpRegistry implements MetricsRegistry with no-op methods for testing
type NoOpRegistry struct{}

// NewNoOpRegistry creates a new NoOpRegistry
func NewNoOpRegistry() *NoOpRegistry {
	return &NoOpRegistry{}
}

func (r *NoOpRegistry) IncrementRequests(endpoint, method, status string)                    {}
func (r *NoOpRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {}
func (r *NoOpRegistry) IncrementOpportunities(hadOpportunity bool)                           {}
func (r *NoOpRegistry) AddExclusions(rule string, n int)                                     {}
func (r *NoOpRegistry) AddPacingDrops(n int)                                                 {}
func (r *NoOpRegistry) RecordSelectionDuration(result string, duration time.Duration)        {}
func (r *NoOpRegistry) IncrementEvent(adType, confirmationType string)                       {}
func (r *NoOpRegistry) IncrementInvalidTransitions(reason string)                            {}
func (r *NoOpRegistry) IncrementStorageErrors(operation string)                              {}
