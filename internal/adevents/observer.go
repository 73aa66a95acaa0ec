package adevents

import (
	"context"

	"github.com/patrickwarner/adeligibility/internal/models"
)

// Observer is notified after an ad event has been persisted and cached.
// Observers run synchronously in registration order and cannot veto the
// event; failures are theirs to log.
type Observer interface {
	OnAdEvent(ctx context.Context, event models.AdEvent)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, event models.AdEvent)

// OnAdEvent implements Observer.
func (f ObserverFunc) OnAdEvent(ctx context.Context, event models.AdEvent) {
	f(ctx, event)
}
