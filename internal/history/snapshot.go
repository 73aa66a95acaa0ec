package history

import (
	"time"

	"github.com/patrickwarner/adeligibility/internal/models"
)

// Predicate selects events from a Snapshot.
type Predicate func(models.AdEvent) bool

func ByConfirmationType(ct models.ConfirmationType) Predicate {
	return func(e models.AdEvent) bool { return e.ConfirmationType == ct }
}

func ByAdType(t models.AdType) Predicate {
	return func(e models.AdEvent) bool { return e.AdType == t }
}

func ByCreativeInstanceID(id string) Predicate {
	return func(e models.AdEvent) bool { return e.CreativeInstanceID == id }
}

func ByCreativeSetID(id string) Predicate {
	return func(e models.AdEvent) bool { return e.CreativeSetID == id }
}

func ByCampaignID(id string) Predicate {
	return func(e models.AdEvent) bool { return e.CampaignID == id }
}

func ByAdvertiserID(id string) Predicate {
	return func(e models.AdEvent) bool { return e.AdvertiserID == id }
}

func ByPlacementID(id string) Predicate {
	return func(e models.AdEvent) bool { return e.PlacementID == id }
}

// CreatedAtOrAfter keeps events created at or after t.
func CreatedAtOrAfter(t time.Time) Predicate {
	return func(e models.AdEvent) bool { return !e.CreatedAt.Before(t) }
}

// And combines predicates; an empty And matches everything.
func And(preds ...Predicate) Predicate {
	return func(e models.AdEvent) bool {
		for _, p := range preds {
			if !p(e) {
				return false
			}
		}
		return true
	}
}

// Snapshot is an immutable view of the cache taken at one instant. Rule
// evaluation for a whole request reads from a single Snapshot. Events created
// before since are invisible to it.
type Snapshot struct {
	events []models.AdEvent
	since  time.Time
}

// NewSnapshot wraps events without copying them. The caller must not modify
// events afterwards.
func NewSnapshot(events []models.AdEvent) Snapshot {
	return Snapshot{events: events}
}

func (s Snapshot) visible(e models.AdEvent) bool {
	return !e.CreatedAt.Before(s.since)
}

// Len returns the number of events in the snapshot.
func (s Snapshot) Len() int {
	if s.since.IsZero() {
		return len(s.events)
	}
	n := 0
	for _, e := range s.events {
		if s.visible(e) {
			n++
		}
	}
	return n
}

// Events returns the events in append order.
func (s Snapshot) Events() []models.AdEvent {
	return s.Filter(func(models.AdEvent) bool { return true })
}

// Filter returns the events matching pred in append order.
func (s Snapshot) Filter(pred Predicate) []models.AdEvent {
	var out []models.AdEvent
	for _, e := range s.events {
		if s.visible(e) && pred(e) {
			out = append(out, e)
		}
	}
	return out
}

// Count returns how many events match pred.
func (s Snapshot) Count(pred Predicate) int {
	n := 0
	for _, e := range s.events {
		if s.visible(e) && pred(e) {
			n++
		}
	}
	return n
}

// LastSeen returns the latest CreatedAt among events matching pred.
func (s Snapshot) LastSeen(pred Predicate) (time.Time, bool) {
	var last time.Time
	found := false
	for _, e := range s.events {
		if !s.visible(e) || !pred(e) {
			continue
		}
		if !found || e.CreatedAt.After(last) {
			last = e.CreatedAt
			found = true
		}
	}
	return last, found
}
