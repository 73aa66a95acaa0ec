package db

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/patrickwarner/adeligibility/internal/models"
)

// ErrStorageUnavailable wraps every read or write failure of an AdEventLog.
var ErrStorageUnavailable = errors.New("ad event storage unavailable")

// AdEventLog is the durable, append-only record of ad lifecycle events.
type AdEventLog interface {
	// Append persists a single event.
	Append(ctx context.Context, event models.AdEvent) error
	// Since returns events created at or after t.
	Since(ctx context.Context, t time.Time) ([]models.AdEvent, error)
	// ForPlacement returns every event recorded for a placement in append order.
	ForPlacement(ctx context.Context, placementID string) ([]models.AdEvent, error)
	// PurgeOlderThan deletes events created strictly before t and returns how
	// many were removed.
	PurgeOlderThan(ctx context.Context, t time.Time) (int64, error)
}

// MemoryEventLog is an in-process AdEventLog. It is used when Redis is not
// configured and in tests, where FailAppend and FailRead simulate outages.
type MemoryEventLog struct {
	mu         sync.RWMutex
	events     []models.AdEvent
	FailAppend bool
	FailRead   bool
}

// NewMemoryEventLog returns an empty log.
func NewMemoryEventLog() *MemoryEventLog {
	return &MemoryEventLog{}
}

// Append implements AdEventLog.
func (l *MemoryEventLog) Append(ctx context.Context, event models.AdEvent) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.FailAppend {
		return fmt.Errorf("%w: append rejected", ErrStorageUnavailable)
	}
	l.events = append(l.events, event)
	return nil
}

// Since implements AdEventLog.
func (l *MemoryEventLog) Since(ctx context.Context, t time.Time) ([]models.AdEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.FailRead {
		return nil, fmt.Errorf("%w: read rejected", ErrStorageUnavailable)
	}
	var out []models.AdEvent
	for _, e := range l.events {
		if !e.CreatedAt.Before(t) {
			out = append(out, e)
		}
	}
	return out, nil
}

// ForPlacement implements AdEventLog.
func (l *MemoryEventLog) ForPlacement(ctx context.Context, placementID string) ([]models.AdEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.FailRead {
		return nil, fmt.Errorf("%w: read rejected", ErrStorageUnavailable)
	}
	var out []models.AdEvent
	for _, e := range l.events {
		if e.PlacementID == placementID {
			out = append(out, e)
		}
	}
	return out, nil
}

// PurgeOlderThan implements AdEventLog.
func (l *MemoryEventLog) PurgeOlderThan(ctx context.Context, t time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.events[:0]
	var removed int64
	for _, e := range l.events {
		if e.CreatedAt.Before(t) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	l.events = kept
	return removed, nil
}

// Len returns the number of stored events.
func (l *MemoryEventLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}
