package models

import (
	"strings"
	"time"
)

// UntargetedSegment is served when the user model carries no segments.
const UntargetedSegment = "untargeted"

// segmentSeparator splits a hierarchical segment into parent and child.
const segmentSeparator = "-"

// Daypart is a window during which an ad may be shown. Minutes are counted
// from local midnight and both bounds are inclusive.
type Daypart struct {
	DayOfWeek   time.Weekday `json:"day_of_week"`
	StartMinute int          `json:"start_minute"`
	EndMinute   int          `json:"end_minute"`
}

// Contains reports whether t (already in local time) falls inside the window.
func (d Daypart) Contains(t time.Time) bool {
	if t.Weekday() != d.DayOfWeek {
		return false
	}
	minute := t.Hour()*60 + t.Minute()
	return minute >= d.StartMinute && minute <= d.EndMinute
}

// CreativeAd is an immutable catalog entry eligible for serving.
type CreativeAd struct {
	CreativeInstanceID string  `json:"creative_instance_id"`
	CreativeSetID      string  `json:"creative_set_id"`
	CampaignID         string  `json:"campaign_id"`
	AdvertiserID       string  `json:"advertiser_id"`
	Segment            string  `json:"segment"`
	PassThroughRate    float64 `json:"pass_through_rate"`

	// Caps. Zero means unlimited.
	DailyCap int `json:"daily_cap"`
	PerDay   int `json:"per_day"`
	PerWeek  int `json:"per_week"`
	PerMonth int `json:"per_month"`
	TotalMax int `json:"total_max"`

	// Priority orders otherwise tied ads; lower values win and zero sorts last.
	Priority int `json:"priority"`

	Dayparts   []Daypart `json:"dayparts,omitempty"`
	GeoTargets []string  `json:"geo_targets,omitempty"`
	Embedding  []float32 `json:"embedding,omitempty"`
}

// PriorityRank maps Priority onto a sortable rank where unset priorities sort
// after every explicit one.
func (c CreativeAd) PriorityRank() int {
	if c.Priority <= 0 {
		return int(^uint(0) >> 1)
	}
	return c.Priority
}

// ParentSegment returns the top level of a hierarchical segment, e.g.
// "technology" for "technology-computing".
func ParentSegment(segment string) string {
	if i := strings.Index(segment, segmentSeparator); i >= 0 {
		return segment[:i]
	}
	return segment
}

// MatchesSegment reports whether an ad targeted at adSegment may be served for
// a request in requested. Parent segments match all of their children.
func MatchesSegment(adSegment, requested string) bool {
	adSegment = strings.ToLower(adSegment)
	requested = strings.ToLower(requested)
	if adSegment == requested {
		return true
	}
	return !strings.Contains(adSegment, segmentSeparator) && adSegment == ParentSegment(requested)
}
