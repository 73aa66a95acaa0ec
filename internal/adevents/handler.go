// Package adevents validates and records ad lifecycle transitions.
//
// Each placement moves through none → served → viewed → {clicked, dismissed},
// with landed following a click, the media chain media_play → media_25 →
// media_100 gated on viewed, and conversion gated on viewed. Duplicate
// confirmations are idempotent. Out-of-order confirmations are logged and
// dropped without being persisted.
package adevents

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/adeligibility/internal/db"
	"github.com/patrickwarner/adeligibility/internal/history"
	"github.com/patrickwarner/adeligibility/internal/models"
	"github.com/patrickwarner/adeligibility/internal/observability"
)

var (
	// ErrInvalidTransition is returned for a confirmation that the placement's
	// current state does not allow.
	ErrInvalidTransition = errors.New("invalid ad event transition")
	// ErrAdNotServed is returned for any confirmation before served.
	ErrAdNotServed = fmt.Errorf("%w: ad was not served", ErrInvalidTransition)
	// ErrUnknownCreative is returned when the catalog has no such creative instance.
	ErrUnknownCreative = errors.New("unknown creative instance")
	// ErrInvalidEvent is returned for malformed input.
	ErrInvalidEvent = errors.New("invalid ad event")
)

// prerequisites lists the confirmation that must already be recorded before
// each confirmation type is accepted.
var prerequisites = map[models.ConfirmationType]models.ConfirmationType{
	models.ConfirmationViewed:     models.ConfirmationServed,
	models.ConfirmationClicked:    models.ConfirmationViewed,
	models.ConfirmationDismissed:  models.ConfirmationViewed,
	models.ConfirmationLanded:     models.ConfirmationClicked,
	models.ConfirmationMediaPlay:  models.ConfirmationViewed,
	models.ConfirmationMedia25:    models.ConfirmationMediaPlay,
	models.ConfirmationMedia100:   models.ConfirmationMedia25,
	models.ConfirmationConversion: models.ConfirmationViewed,
}

// exclusive pairs confirmations that cannot both occur on one placement.
var exclusive = map[models.ConfirmationType]models.ConfirmationType{
	models.ConfirmationClicked:   models.ConfirmationDismissed,
	models.ConfirmationDismissed: models.ConfirmationClicked,
}

// AdEventHandler records lifecycle events for served placements. It writes the
// durable log first, then the history cache, then notifies observers.
type AdEventHandler struct {
	mu        sync.Mutex
	catalog   models.Catalog
	log       db.AdEventLog
	history   *history.AdEventHistory
	observers []Observer
	now       func() time.Time
	logger    *zap.Logger
	metrics   observability.MetricsRegistry
}

// NewAdEventHandler builds a handler. catalog resolves creative instance IDs
// into the campaign and advertiser stamped on each event.
func NewAdEventHandler(catalog models.Catalog, log db.AdEventLog, hist *history.AdEventHistory) *AdEventHandler {
	return &AdEventHandler{
		catalog: catalog,
		log:     log,
		history: hist,
		now:     time.Now,
		logger:  zap.NewNop(),
		metrics: observability.NewNoOpRegistry(),
	}
}

// SetLogger configures the logger for this handler.
func (h *AdEventHandler) SetLogger(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	h.logger = logger
}

// SetMetrics configures the metrics registry.
func (h *AdEventHandler) SetMetrics(m observability.MetricsRegistry) {
	if m == nil {
		m = observability.NewNoOpRegistry()
	}
	h.metrics = m
}

// SetClock replaces the time source used to stamp events.
func (h *AdEventHandler) SetClock(now func() time.Time) { h.now = now }

// AddObserver registers o. Observers are notified in registration order.
func (h *AdEventHandler) AddObserver(o Observer) {
	h.mu.Lock()
	h.observers = append(h.observers, o)
	h.mu.Unlock()
}

// Fire validates and records one confirmation for a placement. A nil error
// means the event was recorded or was an idempotent duplicate.
func (h *AdEventHandler) Fire(ctx context.Context, placementID, creativeInstanceID string, adType models.AdType, ct models.ConfirmationType) error {
	if placementID == "" || creativeInstanceID == "" {
		return fmt.Errorf("%w: placement and creative instance ids are required", ErrInvalidEvent)
	}
	if _, err := models.ParseAdType(string(adType)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if _, err := models.ParseConfirmationType(string(ct)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	if h.catalog == nil {
		return fmt.Errorf("%w: no catalog configured", ErrUnknownCreative)
	}
	ad, ok := h.catalog.GetCreativeAd(creativeInstanceID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCreative, creativeInstanceID)
	}

	// The state read and the append must not interleave with another Fire.
	h.mu.Lock()
	defer h.mu.Unlock()

	prior, err := h.log.ForPlacement(ctx, placementID)
	if err != nil {
		h.metrics.IncrementStorageErrors("read")
		h.logger.Error("failed to read placement history",
			zap.String("placement_id", placementID), zap.Error(err))
		return err
	}

	recorded, err := checkTransition(prior, creativeInstanceID, ct)
	if err != nil {
		reason := "out_of_order"
		if errors.Is(err, ErrAdNotServed) {
			reason = "not_served"
		}
		h.metrics.IncrementInvalidTransitions(reason)
		h.logger.Error("dropping ad event",
			zap.String("placement_id", placementID),
			zap.String("creative_instance_id", creativeInstanceID),
			zap.String("confirmation_type", string(ct)),
			zap.Error(err))
		return err
	}
	if recorded {
		h.logger.Debug("duplicate ad event ignored",
			zap.String("placement_id", placementID),
			zap.String("confirmation_type", string(ct)))
		return nil
	}

	event := models.NewAdEvent(ad, placementID, adType, ct, h.now())
	if err := h.log.Append(ctx, event); err != nil {
		h.metrics.IncrementStorageErrors("append")
		h.logger.Error("failed to persist ad event",
			zap.String("placement_id", placementID),
			zap.String("confirmation_type", string(ct)),
			zap.Error(err))
		return err
	}
	if h.history != nil {
		h.history.Record(event)
	}
	h.metrics.IncrementEvent(string(adType), string(ct))

	for _, o := range h.observers {
		o.OnAdEvent(ctx, event)
	}
	return nil
}

// checkTransition validates ct against the events already recorded for a
// placement. It reports true when ct is a duplicate to be ignored.
func checkTransition(prior []models.AdEvent, creativeInstanceID string, ct models.ConfirmationType) (bool, error) {
	if ct == models.ConfirmationServed {
		return len(prior) > 0, nil
	}
	seen := make(map[models.ConfirmationType]bool, len(prior))
	for _, e := range prior {
		if e.CreativeInstanceID != creativeInstanceID {
			return false, fmt.Errorf("%w: placement belongs to creative instance %s", ErrInvalidTransition, e.CreativeInstanceID)
		}
		seen[e.ConfirmationType] = true
	}

	if seen[ct] {
		return true, nil
	}
	if !seen[models.ConfirmationServed] {
		return false, ErrAdNotServed
	}
	if need, ok := prerequisites[ct]; ok && !seen[need] {
		return false, fmt.Errorf("%w: %s requires %s", ErrInvalidTransition, ct, need)
	}
	if other, ok := exclusive[ct]; ok && seen[other] {
		return false, fmt.Errorf("%w: %s after %s", ErrInvalidTransition, ct, other)
	}
	return false, nil
}
