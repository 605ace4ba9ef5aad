package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

type (
	RedisService struct {
		rdb *redis.Client
	}
)

func NewRedis(rdb *redis.Client) *RedisService {
	return &RedisService{
		rdb: rdb,
	}
}

func (r *RedisService) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *RedisService) Close() error {
	return r.rdb.Close()
}

// ZAdd adds member to the sorted set key with the given score.
func (r *RedisService) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return r.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

// ZRangeByScore returns members with min <= score, ascending. count <= 0 means no limit;
// otherwise the count highest-scored members are returned, still ascending.
func (r *RedisService) ZRangeByScore(ctx context.Context, key, min string, count int64) ([]string, error) {
	if count <= 0 {
		return r.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: min, Max: "+inf"}).Result()
	}

	vals, err := r.rdb.ZRevRangeByScore(ctx, key, &redis.ZRangeBy{Min: min, Max: "+inf", Count: count}).Result()
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(vals)-1; i < j; i, j = i+1, j-1 {
		vals[i], vals[j] = vals[j], vals[i]
	}
	return vals, nil
}

// ZRemRangeByScore removes members with score <= max.
func (r *RedisService) ZRemRangeByScore(ctx context.Context, key, max string) error {
	return r.rdb.ZRemRangeByScore(ctx, key, "-inf", max).Err()
}

func (r *RedisService) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.rdb.Expire(ctx, key, ttl).Err()
}

func (r *RedisService) Publish(ctx context.Context, channel string, message any) error {
	return r.rdb.Publish(ctx, channel, message).Err()
}

// Subscribe opens a pub/sub connection on channels and waits for the server to confirm it.
func (r *RedisService) Subscribe(ctx context.Context, channels ...string) (*redis.PubSub, error) {
	ps := r.rdb.Subscribe(ctx, channels...)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, err
	}
	return ps, nil
}
