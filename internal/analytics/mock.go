package analytics

import (
	"context"
	"sync"

	"github.com/patrickwarner/adeligibility/internal/models"
)

var _ AnalyticsService = (*MockAnalytics)(nil)

// MockAnalytics keeps recorded events in memory for tests.
type MockAnalytics struct {
	mu     sync.Mutex
	events []EventRecord
	// Err, when set, is returned from every call.
	Err error
}

// NewMockAnalytics creates a new mock analytics instance.
func NewMockAnalytics() *MockAnalytics {
	return &MockAnalytics{}
}

// RecordAdEvent implements AnalyticsService.
func (m *MockAnalytics) RecordAdEvent(ctx context.Context, event models.AdEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.events = append(m.events, recordFor(event))
	return nil
}

// OnAdEvent records event, ignoring errors.
func (m *MockAnalytics) OnAdEvent(ctx context.Context, event models.AdEvent) {
	_ = m.RecordAdEvent(ctx, event)
}

// EventsForPlacement implements AnalyticsService.
func (m *MockAnalytics) EventsForPlacement(ctx context.Context, placementID string) ([]EventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	var out []EventRecord
	for _, e := range m.events {
		if e.PlacementID == placementID {
			out = append(out, e)
		}
	}
	return out, nil
}

// Len returns how many events were recorded.
func (m *MockAnalytics) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}
