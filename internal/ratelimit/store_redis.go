package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore shares counters across instances. The window is created with
// SET NX + expiry so only the first hit opens it.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

func (s *RedisStore) Increment(ctx context.Context, key string, decay time.Duration) (int64, time.Time, error) {
	var incr *redis.IntCmd
	var ttl *redis.DurationCmd

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SetNX(ctx, key, 0, decay)
		incr = pipe.Incr(ctx, key)
		ttl = pipe.PTTL(ctx, key)
		return nil
	})
	if err != nil {
		return 0, time.Time{}, err
	}

	return incr.Val(), s.now().Add(ttl.Val()), nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (int64, time.Time, error) {
	var get *redis.StringCmd
	var ttl *redis.DurationCmd

	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		get = pipe.Get(ctx, key)
		ttl = pipe.PTTL(ctx, key)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, time.Time{}, err
	}

	n, err := get.Int64()
	if errors.Is(err, redis.Nil) {
		return 0, time.Time{}, nil
	}
	if err != nil {
		return 0, time.Time{}, err
	}
	if ttl.Val() <= 0 {
		return n, time.Time{}, nil
	}
	return n, s.now().Add(ttl.Val()), nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}
