package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/labcoord/labcoord/core/infra/metrics"
	"github.com/labcoord/labcoord/core/infra/redisutil"
)

// RedisStore implements Store on a shared Redis instance.
type RedisStore struct {
	client  redis.UniversalClient
	metrics metrics.Metrics
}

// NewRedisStore constructs a Redis-backed store from a redis:// URL.
func NewRedisStore(url string, m metrics.Metrics) (*RedisStore, error) {
	client, err := redisutil.NewClient(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	if m == nil {
		m = metrics.Noop{}
	}
	return &RedisStore{client: client, metrics: m}, nil
}

// Close shuts down the Redis client.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) SetIfAbsent(ctx context.Context, key, value string) (bool, error) {
	return s.client.SetNX(ctx, key, value, 0).Result()
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return val, err
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	return s.client.Del(ctx, keys...).Result()
}

func (s *RedisStore) ListPush(ctx context.Context, key, value string) error {
	return s.client.LPush(ctx, key, value).Err()
}

func (s *RedisStore) ListRemoveOne(ctx context.Context, key, value string) (int64, error) {
	return s.client.LRem(ctx, key, 1, value).Result()
}

func (s *RedisStore) ListLength(ctx context.Context, key string) (int64, error) {
	return s.client.LLen(ctx, key).Result()
}

func (s *RedisStore) ListRange(ctx context.Context, key string) ([]string, error) {
	return s.client.LRange(ctx, key, 0, -1).Result()
}

func (s *RedisStore) ScanKeys(ctx context.Context, prefix string) ([]string, error) {
	return s.client.Keys(ctx, prefix+"*").Result()
}

// Atomic runs fn under WATCH on the given keys and retries it whenever a
// watched key changes before the staged pipeline commits.
func (s *RedisStore) Atomic(ctx context.Context, fn func(tx Tx) error, watchKeys ...string) error {
	for {
		err := s.client.Watch(ctx, func(rtx *redis.Tx) error {
			return fn(redisTx{tx: rtx})
		}, watchKeys...)
		if errors.Is(err, redis.TxFailedErr) {
			s.metrics.IncTxRetry()
			continue
		}
		return err
	}
}

type redisTx struct {
	tx *redis.Tx
}

func (t redisTx) Get(ctx context.Context, key string) (string, error) {
	val, err := t.tx.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return val, err
}

func (t redisTx) ListLength(ctx context.Context, key string) (int64, error) {
	return t.tx.LLen(ctx, key).Result()
}

func (t redisTx) Pipelined(ctx context.Context, fn func(p Pipe) error) error {
	_, err := t.tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		return fn(redisPipe{pipe: pipe})
	})
	return err
}

type redisPipe struct {
	pipe redis.Pipeliner
}

func (p redisPipe) ListPush(ctx context.Context, key, value string) {
	p.pipe.LPush(ctx, key, value)
}

func (p redisPipe) Delete(ctx context.Context, keys ...string) {
	p.pipe.Del(ctx, keys...)
}
