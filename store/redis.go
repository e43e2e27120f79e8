package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/cacheflow/types"
)

const redisKeyPrefix = "cacheflow:"

// putScript performs the optimistic version check and the write in one
// atomic step on the server. Returns 1 on success, 0 on version conflict.
var putScript = redis.NewScript(`
local key = KEYS[1]
local incoming = tonumber(ARGV[2])
local data = redis.call('GET', key)
if data then
	local entry = cjson.decode(data)
	if (entry.version or 0) + 1 ~= incoming then
		return 0
	end
elseif incoming ~= 1 then
	return 0
end
local px = tonumber(ARGV[3])
if px and px > 0 then
	redis.call('SET', key, ARGV[1], 'PX', px)
else
	redis.call('SET', key, ARGV[1])
end
return 1
`)

// RedisStore keeps entries as JSON values keyed by layer and id. TTL-bearing
// entries get a matching Redis expiry so the server reclaims them on its own.
type RedisStore struct {
	client *redis.Client
	logger *zap.Logger
	now    func() time.Time
}

// RedisStoreOption tweaks store construction.
type RedisStoreOption func(*RedisStore)

// WithRedisClock injects a clock, used by tests.
func WithRedisClock(now func() time.Time) RedisStoreOption {
	return func(s *RedisStore) { s.now = now }
}

// NewRedisStore wraps an existing client. The caller owns the client's
// lifecycle; connectivity is verified here so misconfiguration fails fast.
func NewRedisStore(ctx context.Context, client *redis.Client, logger *zap.Logger, opts ...RedisStoreOption) (*RedisStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &RedisStore{
		client: client,
		logger: logger.With(zap.String("component", "store_redis")),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, types.NewError(types.ErrCodeStoreUnavailable, "redis ping failed").WithCause(err)
	}
	return s, nil
}

func redisKey(layer types.LayerID, id string) string {
	return redisKeyPrefix + string(layer) + ":" + id
}

func (s *RedisStore) Get(ctx context.Context, id string) (*types.CacheEntry, error) {
	// The layer is part of the key, so a bare id needs a prefix scan.
	// Layers always know their own id space; this stays O(layers).
	for _, layer := range types.AllLayers() {
		data, err := s.client.Get(ctx, redisKey(layer, id)).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, types.NewError(types.ErrCodeStoreUnavailable, "redis get failed").
				WithCause(err).WithRetryable(true)
		}
		return decodeEntry(data)
	}
	return nil, types.ErrNotFound
}

func (s *RedisStore) Put(ctx context.Context, entry *types.CacheEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	var px int64
	if entry.ExpiresAt != nil {
		px = entry.ExpiresAt.Sub(s.now()).Milliseconds()
		if px <= 0 {
			px = 1
		}
	}
	ok, err := putScript.Run(ctx, s.client, []string{redisKey(entry.Layer, entry.ID)},
		data, entry.Version, px).Int()
	if err != nil {
		return types.NewError(types.ErrCodeStoreUnavailable, "redis put failed").
			WithCause(err).WithRetryable(true)
	}
	if ok == 0 {
		return types.ErrVersionConflict
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	keys := make([]string, 0, 5)
	for _, layer := range types.AllLayers() {
		keys = append(keys, redisKey(layer, id))
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return types.NewError(types.ErrCodeStoreUnavailable, "redis delete failed").
			WithCause(err).WithRetryable(true)
	}
	return nil
}

func (s *RedisStore) Query(ctx context.Context, criteria Criteria) ([]*types.CacheEntry, error) {
	pattern := redisKeyPrefix + "*"
	if criteria.Layer != "" {
		pattern = redisKeyPrefix + string(criteria.Layer) + ":*"
	}

	var out []*types.CacheEntry
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, types.NewError(types.ErrCodeStoreUnavailable, "redis query failed").
				WithCause(err).WithRetryable(true)
		}
		e, err := decodeEntry(data)
		if err != nil {
			s.logger.Warn("skipping undecodable entry", zap.String("key", iter.Val()), zap.Error(err))
			continue
		}
		if !criteria.Matches(e) {
			continue
		}
		out = append(out, e)
		if criteria.Limit > 0 && len(out) >= criteria.Limit {
			break
		}
	}
	if err := iter.Err(); err != nil {
		return nil, types.NewError(types.ErrCodeStoreUnavailable, "redis scan failed").
			WithCause(err).WithRetryable(true)
	}
	return out, nil
}

func (s *RedisStore) Count(ctx context.Context, layer types.LayerID) (int, error) {
	pattern := redisKeyPrefix + "*"
	if layer != "" {
		pattern = redisKeyPrefix + string(layer) + ":*"
	}
	n := 0
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		n++
	}
	if err := iter.Err(); err != nil {
		return 0, types.NewError(types.ErrCodeStoreUnavailable, "redis scan failed").
			WithCause(err).WithRetryable(true)
	}
	return n, nil
}

func decodeEntry(data []byte) (*types.CacheEntry, error) {
	var e types.CacheEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("unmarshal entry: %w", err)
	}
	return &e, nil
}
