package cachestore

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "modlog/cache/"
	// entries also live this long in each replica's in-process cache, so a
	// purge on one replica can take this long to reach the others
	localTTL = time.Minute
)

// RedisStore keeps buckets in redis, shared by every replica, with a small
// TinyLFU cache in front.
type RedisStore struct {
	data *cache.Cache
}

var _ Store = (*RedisStore)(nil)

// NewRedisClient parses a redis:// URL and checks the connection.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		return nil, err
	}
	return rdb, nil
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{
		data: cache.New(&cache.Options{
			Redis:      rdb,
			LocalCache: cache.NewTinyLFU(10_000, localTTL),
		}),
	}
}

func (s *RedisStore) Bucket(name string, ttl time.Duration) Bucket {
	return &redisBucket{data: s.data, prefix: redisKeyPrefix + name + "/", ttl: ttl}
}

type redisBucket struct {
	data   *cache.Cache
	prefix string
	ttl    time.Duration
}

func (b *redisBucket) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var val []byte
	err := b.data.Get(ctx, b.prefix+key, &val)
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (b *redisBucket) Set(ctx context.Context, key string, val []byte) error {
	return b.data.Set(&cache.Item{
		Ctx:   ctx,
		Key:   b.prefix + key,
		Value: val,
		TTL:   b.ttl,
	})
}

func (b *redisBucket) Purge(ctx context.Context, key string) error {
	err := b.data.Delete(ctx, b.prefix+key)
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil
	}
	return err
}
