// Package history keeps the process-lifetime cache of recent ad events.
//
// The cache holds every event recorded in the retention window (24 hours by
// default) as one append-ordered list. Recency questions are answered by
// filtering that list with predicates, either directly through Query or
// through a copy-on-read Snapshot that exclusion rules evaluate against for
// the duration of one request.
//
// Events may be kept longer than the retention window by setting a horizon.
// Long-window rules read that tier through LifetimeSnapshot so a request
// never has to scan the durable log.
//
// The AdEventLog stays authoritative across restarts: Rebuild replays the
// log's unexpired events into an empty cache.
package history

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/patrickwarner/adeligibility/internal/db"
	"github.com/patrickwarner/adeligibility/internal/models"
)

// DefaultRetention is how long events stay in the cache.
const DefaultRetention = 24 * time.Hour

// AdEventHistory is the in-memory recency cache. All mutation goes through
// Record, Prune and Rebuild.
type AdEventHistory struct {
	mu        sync.RWMutex
	events    []models.AdEvent
	log       db.AdEventLog
	retention time.Duration
	horizon   time.Duration
	now       func() time.Time
	logger    *zap.Logger
	rebuild   singleflight.Group

	// ready is set by the first successful Rebuild.
	ready bool
	// pending collects events recorded while a Rebuild reads the log.
	rebuilding bool
	pending    []models.AdEvent
}

// New returns an empty cache that rebuilds from log. A zero retention uses
// DefaultRetention.
func New(log db.AdEventLog, retention time.Duration, logger *zap.Logger) *AdEventHistory {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdEventHistory{
		log:       log,
		retention: retention,
		now:       time.Now,
		logger:    logger,
	}
}

// SetClock replaces the time source. Tests use it to move across the
// retention boundary.
func (h *AdEventHistory) SetClock(now func() time.Time) {
	h.mu.Lock()
	h.now = now
	h.mu.Unlock()
}

// SetHorizon keeps events for d instead of the retention window when d is
// longer. Query and Snapshot still only see the retention window.
func (h *AdEventHistory) SetHorizon(d time.Duration) {
	h.mu.Lock()
	h.horizon = d
	h.mu.Unlock()
}

// Retention returns the configured retention window.
func (h *AdEventHistory) Retention() time.Duration { return h.retention }

// Horizon returns how long events are kept, never less than the retention.
func (h *AdEventHistory) Horizon() time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.keep()
}

func (h *AdEventHistory) keep() time.Duration {
	if h.horizon > h.retention {
		return h.horizon
	}
	return h.retention
}

// Ready reports whether a Rebuild has completed, i.e. whether the lifetime
// tier reflects the log.
func (h *AdEventHistory) Ready() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ready
}

// cutoff returns the oldest CreatedAt still retained at now.
func (h *AdEventHistory) cutoff(now time.Time) time.Time {
	return now.Add(-h.retention)
}

// Record appends event to the cache. Durable persistence is the caller's job.
func (h *AdEventHistory) Record(event models.AdEvent) {
	h.mu.Lock()
	h.events = append(h.events, event)
	if h.rebuilding {
		h.pending = append(h.pending, event)
	}
	h.mu.Unlock()
}

// Query returns the CreatedAt values of events with the given ad type and
// confirmation type in append order. Events outside the retention window are
// omitted even before a Prune sweep removes them.
func (h *AdEventHistory) Query(adType models.AdType, ct models.ConfirmationType) []time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	cut := h.cutoff(h.now())
	var out []time.Time
	for _, e := range h.events {
		if e.AdType != adType || e.ConfirmationType != ct {
			continue
		}
		if e.CreatedAt.Before(cut) {
			continue
		}
		out = append(out, e.CreatedAt)
	}
	return out
}

// Snapshot returns a view of the events inside the retention window. The view
// does not observe later Record, Prune or Rebuild calls.
func (h *AdEventHistory) Snapshot() Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.view(h.cutoff(h.now()))
}

// LifetimeSnapshot is like Snapshot but covers the whole horizon.
func (h *AdEventHistory) LifetimeSnapshot() Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.view(h.now().Add(-h.keep()))
}

// view shares the backing array. Record only appends past len and Prune and
// Rebuild allocate a new slice, so the elements it covers never change.
func (h *AdEventHistory) view(since time.Time) Snapshot {
	n := len(h.events)
	return Snapshot{events: h.events[:n:n], since: since}
}

// Prune drops events created strictly before now minus the horizon. An event
// exactly at the boundary is kept. It returns the number removed.
func (h *AdEventHistory) Prune(now time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	cut := now.Add(-h.keep())
	removed := 0
	for _, e := range h.events {
		if e.CreatedAt.Before(cut) {
			removed++
		}
	}
	if removed == 0 {
		return 0
	}
	kept := make([]models.AdEvent, 0, len(h.events)-removed)
	for _, e := range h.events {
		if !e.CreatedAt.Before(cut) {
			kept = append(kept, e)
		}
	}
	h.events = kept
	return removed
}

// Len returns the number of cached events, including any not yet pruned.
func (h *AdEventHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.events)
}

// Rebuild clears the cache and reloads every event inside the horizon from
// the log. Events recorded while the log is being read are kept. Concurrent
// calls share one log read. If the read fails the cache is left unchanged.
func (h *AdEventHistory) Rebuild(ctx context.Context) error {
	if h.log == nil {
		return fmt.Errorf("rebuild history: %w: no event log", db.ErrStorageUnavailable)
	}
	_, err, _ := h.rebuild.Do("rebuild", func() (any, error) {
		h.mu.Lock()
		cut := h.now().Add(-h.keep())
		h.rebuilding = true
		h.pending = nil
		h.mu.Unlock()

		events, err := h.log.Since(ctx, cut)

		h.mu.Lock()
		pending := h.pending
		h.rebuilding = false
		h.pending = nil
		if err != nil {
			h.mu.Unlock()
			return nil, fmt.Errorf("rebuild history: %w", err)
		}
		h.events = mergeRecorded(events, pending)
		h.ready = true
		n := len(h.events)
		h.mu.Unlock()

		h.logger.Info("ad event history rebuilt", zap.Int("events", n))
		return nil, nil
	})
	return err
}

// mergeRecorded appends the recorded events the log read did not return.
func mergeRecorded(logged, recorded []models.AdEvent) []models.AdEvent {
	out := make([]models.AdEvent, 0, len(logged)+len(recorded))
	out = append(out, logged...)
	if len(recorded) == 0 {
		return out
	}
	ids := make(map[string]struct{}, len(logged))
	for _, e := range logged {
		ids[e.ID] = struct{}{}
	}
	for _, e := range recorded {
		if _, ok := ids[e.ID]; ok && e.ID != "" {
			continue
		}
		out = append(out, e)
	}
	return out
}

// StartPruner runs Prune every interval until ctx is cancelled. When
// logExpiry is positive the durable log is also purged of events older than
// logExpiry on each tick. A cache that has never been rebuilt is rebuilt on
// the next tick.
func (h *AdEventHistory) StartPruner(ctx context.Context, interval, logExpiry time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !h.Ready() && h.log != nil {
				if err := h.Rebuild(ctx); err != nil {
					h.logger.Warn("history rebuild retry failed", zap.Error(err))
				}
			}
			h.mu.RLock()
			now := h.now()
			h.mu.RUnlock()
			if n := h.Prune(now); n > 0 {
				h.logger.Debug("pruned ad event history", zap.Int("removed", n))
			}
			if logExpiry > 0 && h.log != nil {
				if n, err := h.log.PurgeOlderThan(ctx, now.Add(-logExpiry)); err != nil {
					h.logger.Error("purge ad event log", zap.Error(err))
				} else if n > 0 {
					h.logger.Info("purged expired ad events", zap.Int64("removed", n))
				}
			}
		}
	}
}
