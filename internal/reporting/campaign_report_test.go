package reporting

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTotal(t *testing.T) {
	daily := []FunnelMetrics{
		{Served: 100, Viewed: 80, Clicked: 4, Dismissed: 10, Landed: 3},
		{Served: 100, Viewed: 20, Clicked: 6, Landed: 2, Conversions: 1},
	}

	got := Total(daily)
	assert.Equal(t, int64(200), got.Served)
	assert.Equal(t, int64(100), got.Viewed)
	assert.Equal(t, int64(10), got.Clicked)
	assert.Equal(t, int64(1), got.Conversions)
	assert.InDelta(t, 50.0, got.ViewRate, 1e-9)
	assert.InDelta(t, 10.0, got.CTR, 1e-9)
	assert.InDelta(t, 50.0, got.LandingRate, 1e-9)
}

func TestTotalEmpty(t *testing.T) {
	got := Total(nil)
	assert.Zero(t, got.ViewRate)
	assert.Zero(t, got.CTR)
	assert.Zero(t, got.LandingRate)
}
