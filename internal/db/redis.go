package db

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/patrickwarner/adeligibility/internal/models"
)

const (
	adEventsKey         = "adevents:log"
	placementKeyPrefix  = "adevents:placement:"
	defaultPlacementTTL = 90 * 24 * time.Hour
	dislikedAdvertisers = "reactions:disliked_advertisers"
	inappropriateSets   = "reactions:inappropriate_creative_sets"
	noLongerReceiveSegs = "reactions:no_longer_receive_segments"
)

// RedisStore wraps a redis client.
type RedisStore struct {
	Client *redis.Client
}

// InitRedis initializes a Redis client and returns a RedisStore.
func InitRedis(ctx context.Context, addr string) (*RedisStore, error) {
	rs := &RedisStore{
		Client: redis.NewClient(&redis.Options{Addr: addr}),
	}

	// Add OpenTelemetry instrumentation to Redis client
	if err := redisotel.InstrumentTracing(rs.Client); err != nil {
		return nil, fmt.Errorf("failed to instrument redis tracing: %w", err)
	}

	if err := rs.Client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	zap.L().Info("Connected to Redis", zap.String("addr", addr))
	return rs, nil
}

// Close shuts down the Redis client.
func (r *RedisStore) Close() {
	if r != nil && r.Client != nil {
		if err := r.Client.Close(); err != nil {
			zap.L().Error("redis close", zap.Error(err))
		}
	}
}

// RedisEventLog implements AdEventLog on a sorted set scored by creation time
// in milliseconds, with a per-placement list for state machine lookups.
type RedisEventLog struct {
	store        *RedisStore
	placementTTL time.Duration
}

// NewRedisEventLog builds a log on top of store. Placement lists expire after
// placementTTL, or 90 days when zero.
func NewRedisEventLog(store *RedisStore, placementTTL time.Duration) *RedisEventLog {
	if placementTTL <= 0 {
		placementTTL = defaultPlacementTTL
	}
	return &RedisEventLog{store: store, placementTTL: placementTTL}
}

func (l *RedisEventLog) client() (*redis.Client, error) {
	if l == nil || l.store == nil || l.store.Client == nil {
		return nil, fmt.Errorf("%w: redis store is nil", ErrStorageUnavailable)
	}
	return l.store.Client, nil
}

// Append implements AdEventLog. The sorted set and placement list are written
// in one MULTI/EXEC so a failed append leaves neither behind.
func (l *RedisEventLog) Append(ctx context.Context, event models.AdEvent) error {
	c, err := l.client()
	if err != nil {
		return err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal ad event: %w", err)
	}
	placementKey := placementKeyPrefix + event.PlacementID
	_, err = c.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, adEventsKey, redis.Z{Score: float64(event.CreatedAt.UnixMilli()), Member: payload})
		pipe.RPush(ctx, placementKey, payload)
		pipe.Expire(ctx, placementKey, l.placementTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: append: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// Since implements AdEventLog.
func (l *RedisEventLog) Since(ctx context.Context, t time.Time) ([]models.AdEvent, error) {
	c, err := l.client()
	if err != nil {
		return nil, err
	}
	lo := "-inf"
	if !t.IsZero() {
		lo = strconv.FormatInt(t.UnixMilli(), 10)
	}
	raw, err := c.ZRangeByScore(ctx, adEventsKey, &redis.ZRangeBy{Min: lo, Max: "+inf"}).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: since: %v", ErrStorageUnavailable, err)
	}
	events := decodeEvents(raw, func(e models.AdEvent) bool { return !e.CreatedAt.Before(t) })
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: since: %v", ErrStorageUnavailable, err)
	}
	return events, nil
}

// ForPlacement implements AdEventLog.
func (l *RedisEventLog) ForPlacement(ctx context.Context, placementID string) ([]models.AdEvent, error) {
	c, err := l.client()
	if err != nil {
		return nil, err
	}
	raw, err := c.LRange(ctx, placementKeyPrefix+placementID, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: placement: %v", ErrStorageUnavailable, err)
	}
	return decodeEvents(raw, nil), nil
}

// PurgeOlderThan implements AdEventLog. Placement lists are left to expire on
// their own TTL.
func (l *RedisEventLog) PurgeOlderThan(ctx context.Context, t time.Time) (int64, error) {
	c, err := l.client()
	if err != nil {
		return 0, err
	}
	// Scores are whole milliseconds, so everything below floor_ms(t) is older
	// than t. Events inside that millisecond are compared one by one.
	ms := strconv.FormatInt(t.UnixMilli(), 10)
	n, err := c.ZRemRangeByScore(ctx, adEventsKey, "-inf", "("+ms).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: purge: %v", ErrStorageUnavailable, err)
	}
	edge, err := c.ZRangeByScore(ctx, adEventsKey, &redis.ZRangeBy{Min: ms, Max: ms}).Result()
	if err != nil {
		return n, fmt.Errorf("%w: purge: %v", ErrStorageUnavailable, err)
	}
	var older []any
	for _, raw := range edge {
		var e models.AdEvent
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		if e.CreatedAt.Before(t) {
			older = append(older, raw)
		}
	}
	if len(older) == 0 {
		return n, nil
	}
	m, err := c.ZRem(ctx, adEventsKey, older...).Result()
	if err != nil {
		return n, fmt.Errorf("%w: purge: %v", ErrStorageUnavailable, err)
	}
	return n + m, nil
}

// decodeEvents unmarshals raw members, skipping corrupt entries.
func decodeEvents(raw []string, keep func(models.AdEvent) bool) []models.AdEvent {
	out := make([]models.AdEvent, 0, len(raw))
	for _, r := range raw {
		var e models.AdEvent
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			zap.L().Warn("skipping corrupt ad event", zap.Error(err))
			continue
		}
		if keep != nil && !keep(e) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// RedisReactions implements models.ReactionsStore on three Redis sets.
// Lookups read an in-memory copy filled by Refresh so exclusion rules never
// touch the network.
type RedisReactions struct {
	store *RedisStore
	sets  atomic.Pointer[reactionSets]
}

type reactionSets struct {
	disliked        map[string]struct{}
	inappropriate   map[string]struct{}
	noLongerReceive map[string]struct{}
}

// NewRedisReactions builds a reactions store on store. Until the first
// Refresh every lookup reports false.
func NewRedisReactions(store *RedisStore) *RedisReactions {
	return &RedisReactions{store: store}
}

// Refresh reloads all reaction sets from Redis in one pipeline.
func (r *RedisReactions) Refresh(ctx context.Context) error {
	if r == nil || r.store == nil || r.store.Client == nil {
		return fmt.Errorf("%w: redis store is nil", ErrStorageUnavailable)
	}
	pipe := r.store.Client.Pipeline()
	dis := pipe.SMembers(ctx, dislikedAdvertisers)
	inap := pipe.SMembers(ctx, inappropriateSets)
	nlr := pipe.SMembers(ctx, noLongerReceiveSegs)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return fmt.Errorf("%w: reactions: %v", ErrStorageUnavailable, err)
	}
	r.sets.Store(&reactionSets{
		disliked:        toSet(dis.Val()),
		inappropriate:   toSet(inap.Val()),
		noLongerReceive: toSet(nlr.Val()),
	})
	return nil
}

// DislikeAdvertiser records a dislike and refreshes the local copy.
func (r *RedisReactions) DislikeAdvertiser(ctx context.Context, advertiserID string) error {
	return r.add(ctx, dislikedAdvertisers, advertiserID)
}

// MarkInappropriate flags a creative set and refreshes the local copy.
func (r *RedisReactions) MarkInappropriate(ctx context.Context, creativeSetID string) error {
	return r.add(ctx, inappropriateSets, creativeSetID)
}

// MarkToNoLongerReceive opts out of a segment and refreshes the local copy.
func (r *RedisReactions) MarkToNoLongerReceive(ctx context.Context, segment string) error {
	return r.add(ctx, noLongerReceiveSegs, strings.ToLower(segment))
}

func (r *RedisReactions) add(ctx context.Context, key, member string) error {
	if err := r.store.Client.SAdd(ctx, key, member).Err(); err != nil {
		return fmt.Errorf("%w: reactions: %v", ErrStorageUnavailable, err)
	}
	return r.Refresh(ctx)
}

func (r *RedisReactions) IsDisliked(advertiserID string) bool {
	s := r.sets.Load()
	return s != nil && contains(s.disliked, advertiserID)
}

func (r *RedisReactions) IsMarkedInappropriate(creativeSetID string) bool {
	s := r.sets.Load()
	return s != nil && contains(s.inappropriate, creativeSetID)
}

func (r *RedisReactions) IsMarkedToNoLongerReceive(segment string) bool {
	s := r.sets.Load()
	return s != nil && contains(s.noLongerReceive, strings.ToLower(segment))
}

func toSet(members []string) map[string]struct{} {
	out := make(map[string]struct{}, len(members))
	for _, m := range members {
		out[m] = struct{}{}
	}
	return out
}

func contains(set map[string]struct{}, key string) bool {
	_, ok := set[key]
	return ok
}
