package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patrickwarner/adeligibility/internal/models"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	store := &RedisStore{
		Client: redis.NewClient(&redis.Options{Addr: s.Addr()}),
	}
	return s, store
}

var base = time.Date(2024, time.May, 1, 9, 0, 0, 0, time.UTC)

func event(id, placement string, ct models.ConfirmationType, at time.Time) models.AdEvent {
	return models.AdEvent{
		ID:                 id,
		PlacementID:        placement,
		CreativeInstanceID: "ci-1",
		CreativeSetID:      "cs-1",
		CampaignID:         "camp-1",
		AdvertiserID:       "adv-1",
		AdType:             models.AdTypeNewTabPage,
		ConfirmationType:   ct,
		Segment:            "sports",
		CreatedAt:          at,
	}
}

func ids(events []models.AdEvent) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.ID)
	}
	return out
}

func TestRedisEventLogAppendAndSince(t *testing.T) {
	ms, store := setupTestRedis(t)
	defer ms.Close()
	ctx := context.Background()
	log := NewRedisEventLog(store, 0)

	require.NoError(t, log.Append(ctx, event("e1", "p1", models.ConfirmationServed, base)))
	require.NoError(t, log.Append(ctx, event("e2", "p1", models.ConfirmationViewed, base.Add(time.Minute))))
	require.NoError(t, log.Append(ctx, event("e3", "p2", models.ConfirmationServed, base.Add(time.Hour))))

	all, err := log.Since(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e2", "e3"}, ids(all))

	recent, err := log.Since(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"e2", "e3"}, ids(recent))
	assert.True(t, recent[0].CreatedAt.Equal(base.Add(time.Minute)))
	assert.Equal(t, models.ConfirmationViewed, recent[0].ConfirmationType)
}

func TestRedisEventLogForPlacement(t *testing.T) {
	ms, store := setupTestRedis(t)
	defer ms.Close()
	ctx := context.Background()
	log := NewRedisEventLog(store, time.Hour)

	require.NoError(t, log.Append(ctx, event("e1", "p1", models.ConfirmationServed, base)))
	require.NoError(t, log.Append(ctx, event("e2", "p2", models.ConfirmationServed, base)))
	require.NoError(t, log.Append(ctx, event("e3", "p1", models.ConfirmationViewed, base.Add(time.Second))))

	got, err := log.ForPlacement(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e3"}, ids(got))

	assert.Equal(t, time.Hour, ms.TTL(placementKeyPrefix+"p1"))

	none, err := log.ForPlacement(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRedisEventLogPurgeOlderThan(t *testing.T) {
	ms, store := setupTestRedis(t)
	defer ms.Close()
	ctx := context.Background()
	log := NewRedisEventLog(store, 0)

	require.NoError(t, log.Append(ctx, event("old", "p1", models.ConfirmationServed, base.Add(-time.Millisecond))))
	require.NoError(t, log.Append(ctx, event("edge", "p2", models.ConfirmationServed, base)))
	require.NoError(t, log.Append(ctx, event("new", "p3", models.ConfirmationServed, base.Add(time.Hour))))

	n, err := log.PurgeOlderThan(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	left, err := log.Since(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, []string{"edge", "new"}, ids(left))
}

func TestRedisEventLogPurgeWithinMillisecond(t *testing.T) {
	ms, store := setupTestRedis(t)
	defer ms.Close()
	ctx := context.Background()
	log := NewRedisEventLog(store, 0)
	mem := NewMemoryEventLog()

	cut := base.Add(500 * time.Microsecond)
	events := []models.AdEvent{
		event("before", "p1", models.ConfirmationServed, base.Add(100*time.Microsecond)),
		event("at", "p2", models.ConfirmationServed, cut),
		event("after", "p3", models.ConfirmationServed, base.Add(900*time.Microsecond)),
	}
	for _, e := range events {
		require.NoError(t, log.Append(ctx, e))
		require.NoError(t, mem.Append(ctx, e))
	}

	n, err := log.PurgeOlderThan(ctx, cut)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	memN, err := mem.PurgeOlderThan(ctx, cut)
	require.NoError(t, err)
	assert.Equal(t, memN, n)

	left, err := log.Since(ctx, time.Time{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"at", "after"}, ids(left))
}

func TestRedisEventLogSkipsCorruptMembers(t *testing.T) {
	ms, store := setupTestRedis(t)
	defer ms.Close()
	ctx := context.Background()
	log := NewRedisEventLog(store, 0)

	require.NoError(t, log.Append(ctx, event("e1", "p1", models.ConfirmationServed, base)))
	_, err := ms.ZAdd(adEventsKey, float64(base.UnixMilli()), "{not json")
	require.NoError(t, err)

	got, err := log.Since(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, []string{"e1"}, ids(got))
}

func TestRedisEventLogUnavailable(t *testing.T) {
	ms, store := setupTestRedis(t)
	ctx := context.Background()
	log := NewRedisEventLog(store, 0)
	ms.Close()

	err := log.Append(ctx, event("e1", "p1", models.ConfirmationServed, base))
	assert.True(t, errors.Is(err, ErrStorageUnavailable))

	_, err = log.Since(ctx, base)
	assert.True(t, errors.Is(err, ErrStorageUnavailable))

	_, err = log.ForPlacement(ctx, "p1")
	assert.True(t, errors.Is(err, ErrStorageUnavailable))

	_, err = log.PurgeOlderThan(ctx, base)
	assert.True(t, errors.Is(err, ErrStorageUnavailable))

	var nilLog *RedisEventLog
	assert.True(t, errors.Is(nilLog.Append(ctx, models.AdEvent{}), ErrStorageUnavailable))
}

func TestRedisReactions(t *testing.T) {
	ms, store := setupTestRedis(t)
	defer ms.Close()
	ctx := context.Background()
	r := NewRedisReactions(store)

	assert.False(t, r.IsDisliked("adv-1"), "unrefreshed store must report nothing")

	require.NoError(t, r.DislikeAdvertiser(ctx, "adv-1"))
	require.NoError(t, r.MarkInappropriate(ctx, "cs-1"))
	require.NoError(t, r.MarkToNoLongerReceive(ctx, "Sports"))

	assert.True(t, r.IsDisliked("adv-1"))
	assert.False(t, r.IsDisliked("adv-2"))
	assert.True(t, r.IsMarkedInappropriate("cs-1"))
	assert.True(t, r.IsMarkedToNoLongerReceive("sports"))
	assert.False(t, r.IsMarkedToNoLongerReceive("travel"))

	// Writes by another process become visible after Refresh.
	_, err := ms.SetAdd(dislikedAdvertisers, "adv-2")
	require.NoError(t, err)
	assert.False(t, r.IsDisliked("adv-2"))
	require.NoError(t, r.Refresh(ctx))
	assert.True(t, r.IsDisliked("adv-2"))
}

func TestRedisReactionsRefreshFailureKeepsSnapshot(t *testing.T) {
	ms, store := setupTestRedis(t)
	ctx := context.Background()
	r := NewRedisReactions(store)
	require.NoError(t, r.DislikeAdvertiser(ctx, "adv-1"))

	ms.Close()
	err := r.Refresh(ctx)
	assert.True(t, errors.Is(err, ErrStorageUnavailable))
	assert.True(t, r.IsDisliked("adv-1"))
}
