package observability

import (
	"sync"
	"time"
)

// MockMetricsRegistry records calls so tests can assert on emitted metrics.
type MockMetricsRegistry struct {
	mu                 sync.Mutex
	Requests           map[string]int
	Opportunities      map[bool]int
	Exclusions         map[string]int
	PacingDrops        int
	SelectionResults   map[string]int
	Events             map[string]int
	InvalidTransitions map[string]int
	StorageErrors      map[string]int
}

// NewMockMetricsRegistry returns an empty recorder.
func NewMockMetricsRegistry() *MockMetricsRegistry {
	return &MockMetricsRegistry{
		Requests:           make(map[string]int),
		Opportunities:      make(map[bool]int),
		Exclusions:         make(map[string]int),
		SelectionResults:   make(map[string]int),
		Events:             make(map[string]int),
		InvalidTransitions: make(map[string]int),
		StorageErrors:      make(map[string]int),
	}
}

func (m *MockMetricsRegistry) IncrementRequests(endpoint, method, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests[endpoint+" "+method+" "+status]++
}

func (m *MockMetricsRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {}

func (m *MockMetricsRegistry) IncrementOpportunities(hadOpportunity bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Opportunities[hadOpportunity]++
}

func (m *MockMetricsRegistry) AddExclusions(rule string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Exclusions[rule] += n
}

func (m *MockMetricsRegistry) AddPacingDrops(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PacingDrops += n
}

func (m *MockMetricsRegistry) RecordSelectionDuration(result string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SelectionResults[result]++
}

func (m *MockMetricsRegistry) IncrementEvent(adType, confirmationType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events[adType+"/"+confirmationType]++
}

func (m *MockMetricsRegistry) IncrementInvalidTransitions(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InvalidTransitions[reason]++
}

func (m *MockMetricsRegistry) IncrementStorageErrors(operation string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StorageErrors[operation]++
}
